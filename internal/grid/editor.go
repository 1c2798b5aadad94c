// Package grid drives one type group of the register as a spreadsheet: a
// cursor over records × editable fields, a transient edit surface, keyboard
// navigation and tabular paste.
package grid

import (
	"context"
	"errors"
	"unicode"

	"go.uber.org/zap"

	"raidboard/api/internal/cache"
	"raidboard/api/internal/engine"
	"raidboard/api/internal/raid"
)

var (
	ErrNoActiveCell = errors.New("no active cell")
	ErrNotEnum      = errors.New("field has no fixed values")
)

// Patcher is the write path of the editing engine.
type Patcher interface {
	Apply(ctx context.Context, id string, p raid.Patch) (engine.Result, error)
	Stage(id string, p raid.Patch) (raid.Patch, error)
	Push(ctx context.Context, id string, normalized raid.Patch) (engine.Result, error)
}

type Key int

const (
	KeyCommit Key = iota
	KeyCancel
	KeyNext
	KeyPrev
	KeyUp
	KeyDown
	// KeyCycle advances an enum cell to its next value.
	KeyCycle
)

// Cell is the position of the cursor. Row is the index in the group's
// current display order.
type Cell struct {
	Row   int
	Col   int
	ID    string
	Field raid.Field
}

// Commit describes what a key or blur sent. Sent is false when nothing was
// open or the value did not change.
type Commit struct {
	ID     string
	Field  raid.Field
	Sent   bool
	Result engine.Result
}

type Option func(*Editor)

func WithLogger(log *zap.Logger) Option {
	return func(e *Editor) {
		if log != nil {
			e.log = log
		}
	}
}

// Editor is not safe for concurrent use; it models a single operator's
// focus.
type Editor struct {
	cache   *cache.Cache
	patcher Patcher
	group   raid.Type
	fields  []raid.Field
	log     *zap.Logger

	active  bool
	rowID   string
	lastRow int
	col     int

	open   bool
	buffer string
}

func New(c *cache.Cache, patcher Patcher, group raid.Type, opts ...Option) *Editor {
	e := &Editor{
		cache:   c,
		patcher: patcher,
		group:   group,
		fields:  raid.EditableFields,
		log:     zap.NewNop(),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.log = e.log.Named("grid")
	return e
}

func (e *Editor) Group() raid.Type {
	return e.group
}

// Rows returns the records of the group in display order.
func (e *Editor) Rows() []raid.Record {
	return e.cache.Group(e.group)
}

func (e *Editor) Columns() []raid.Field {
	return e.fields
}

// Active returns the cursor. The cursor follows its record when the group
// re-sorts; if the record disappears it stays on the same row index.
func (e *Editor) Active() (Cell, bool) {
	if !e.active {
		return Cell{}, false
	}
	rows := e.Rows()
	if len(rows) == 0 {
		return Cell{}, false
	}
	row := indexOf(rows, e.rowID)
	if row < 0 {
		row = clamp(e.lastRow, 0, len(rows)-1)
		e.rowID = rows[row].ID
	}
	e.lastRow = row
	return Cell{Row: row, Col: e.col, ID: rows[row].ID, Field: e.fields[e.col]}, true
}

// Activate moves the cursor to row, col, clamped to the grid. An open
// edit is committed first; if that commit is rejected the cursor stays.
func (e *Editor) Activate(ctx context.Context, row, col int) (Commit, error) {
	commit, err := e.commit(ctx)
	if err != nil && raid.IsValidation(err) {
		return commit, err
	}
	rows := e.Rows()
	if len(rows) == 0 {
		e.active = false
		return commit, err
	}
	row = clamp(row, 0, len(rows)-1)
	e.active = true
	e.rowID = rows[row].ID
	e.lastRow = row
	e.col = clamp(col, 0, len(e.fields)-1)
	return commit, err
}

// Open shows the edit surface seeded with the record's value as cached
// right now.
func (e *Editor) Open() (string, error) {
	cell, ok := e.Active()
	if !ok {
		return "", ErrNoActiveCell
	}
	record, _ := e.cache.Get(cell.ID)
	e.open = true
	e.buffer = record.Value(cell.Field)
	return e.buffer, nil
}

// IsOpen reports whether the edit surface is showing.
func (e *Editor) IsOpen() bool {
	return e.open
}

// Buffer returns the text in the edit surface.
func (e *Editor) Buffer() (string, bool) {
	return e.buffer, e.open
}

// Type handles a printable keystroke. On a closed cell it opens the surface
// seeded with just that character.
func (e *Editor) Type(r rune) error {
	if !unicode.IsPrint(r) {
		return nil
	}
	if _, ok := e.Active(); !ok {
		return ErrNoActiveCell
	}
	if !e.open {
		e.open = true
		e.buffer = string(r)
		return nil
	}
	e.buffer += string(r)
	return nil
}

// SetBuffer replaces the edit surface text, opening it if needed.
func (e *Editor) SetBuffer(text string) error {
	if _, ok := e.Active(); !ok {
		return ErrNoActiveCell
	}
	e.open = true
	e.buffer = text
	return nil
}

// HandleKey runs the keyboard contract. Navigation keys commit the open
// cell and then move; the target is chosen before the commit because a
// saved record can re-sort the group.
func (e *Editor) HandleKey(ctx context.Context, key Key) (Commit, error) {
	cell, ok := e.Active()
	if !ok {
		return Commit{}, ErrNoActiveCell
	}
	switch key {
	case KeyCancel:
		e.close()
		return Commit{ID: cell.ID, Field: cell.Field}, nil
	case KeyCommit:
		return e.commit(ctx)
	case KeyCycle:
		if e.open && !cell.Field.Enum() {
			return Commit{}, nil
		}
		return e.cycle(ctx, cell)
	}

	rows := e.Rows()
	targetRow, targetCol := cell.Row, cell.Col
	switch key {
	case KeyNext:
		targetCol = clamp(cell.Col+1, 0, len(e.fields)-1)
	case KeyPrev:
		targetCol = clamp(cell.Col-1, 0, len(e.fields)-1)
	case KeyUp:
		targetRow = clamp(cell.Row-1, 0, len(rows)-1)
	case KeyDown:
		targetRow = clamp(cell.Row+1, 0, len(rows)-1)
	}
	targetID := rows[targetRow].ID

	commit, err := e.commit(ctx)
	if err != nil && raid.IsValidation(err) {
		return commit, err
	}
	e.rowID = targetID
	e.lastRow = targetRow
	e.col = targetCol
	return commit, err
}

// Blur commits the open cell, as when focus leaves the grid.
func (e *Editor) Blur(ctx context.Context) (Commit, error) {
	return e.commit(ctx)
}

// Select commits an enum value for the active cell immediately.
func (e *Editor) Select(ctx context.Context, value string) (Commit, error) {
	cell, ok := e.Active()
	if !ok {
		return Commit{}, ErrNoActiveCell
	}
	if !cell.Field.Enum() {
		return Commit{}, ErrNotEnum
	}
	e.close()
	patch, err := raid.ParseField(cell.Field, value)
	if err != nil {
		return Commit{ID: cell.ID, Field: cell.Field}, err
	}
	return e.send(ctx, cell, patch)
}

func (e *Editor) cycle(ctx context.Context, cell Cell) (Commit, error) {
	if !cell.Field.Enum() {
		return Commit{}, ErrNotEnum
	}
	e.close()
	record, _ := e.cache.Get(cell.ID)
	var patch raid.Patch
	switch cell.Field {
	case raid.FieldStatus:
		patch.Status = raid.Ptr(record.Status.Next())
	case raid.FieldPriority:
		patch.Priority = raid.Ptr(record.Priority.Next())
	}
	return e.send(ctx, cell, patch)
}

// commit sends the open buffer for the active cell. A rejected value keeps
// the surface open so the operator can correct it.
func (e *Editor) commit(ctx context.Context) (Commit, error) {
	if !e.open {
		return Commit{}, nil
	}
	cell, ok := e.Active()
	if !ok {
		e.close()
		return Commit{}, nil
	}
	patch, err := raid.ParseField(cell.Field, e.buffer)
	if err == nil {
		_, err = raid.NormalizePatch(patch)
	}
	if err != nil {
		e.log.Debug("commit rejected", zap.String("id", cell.ID), zap.String("field", string(cell.Field)), zap.Error(err))
		return Commit{ID: cell.ID, Field: cell.Field, Result: engine.Result{ID: cell.ID, Outcome: engine.OutcomeRejected}}, err
	}
	e.close()
	return e.send(ctx, cell, patch)
}

func (e *Editor) send(ctx context.Context, cell Cell, patch raid.Patch) (Commit, error) {
	commit := Commit{ID: cell.ID, Field: cell.Field}
	record, ok := e.cache.Get(cell.ID)
	if !ok {
		return commit, nil
	}
	if normalized, err := raid.NormalizePatch(patch); err == nil && !normalized.Changes(record) {
		return commit, nil
	}
	result, err := e.patcher.Apply(ctx, cell.ID, patch)
	commit.Sent = result.Outcome != engine.OutcomeRejected
	commit.Result = result
	if err != nil {
		e.log.Debug("commit failed", zap.String("id", cell.ID), zap.String("field", string(cell.Field)), zap.Error(err))
	}
	return commit, err
}

func (e *Editor) close() {
	e.open = false
	e.buffer = ""
}

// MoveRow reorders the group locally. The cursor stays on its record.
func (e *Editor) MoveRow(from, to int) bool {
	return e.cache.Move(e.group, from, to)
}

// Drop handles a drag of one record onto another. Drops across groups are
// ignored.
func (e *Editor) Drop(dragID, dropID string) bool {
	return e.cache.MoveByID(dragID, dropID)
}

func indexOf(rows []raid.Record, id string) int {
	for i, record := range rows {
		if record.ID == id {
			return i
		}
	}
	return -1
}

func clamp(n, lo, hi int) int {
	if n < lo {
		return lo
	}
	if n > hi {
		return hi
	}
	return n
}
