// Package engine applies operator edits to the record store with optimistic
// concurrency: every write is shown in the cache immediately, sent with the
// record's current version token and reconciled against the server's reply.
package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"raidboard/api/internal/cache"
	"raidboard/api/internal/raid"
	"raidboard/api/internal/util"
)

const (
	reasonConflict       = "Changed elsewhere; reloading the latest version"
	reasonDeleteConflict = "Edited elsewhere while being deleted; reloading"
	reasonRetry          = "Reloading on request"
)

// Store is the record store and enrichment service as seen by the engine.
// Patch and Delete must return an error wrapping raid.ErrConflict when the
// expected version no longer matches.
type Store interface {
	List(ctx context.Context, projectID string) ([]raid.Record, error)
	Get(ctx context.Context, id string) (raid.Record, error)
	Create(ctx context.Context, draft raid.Record) (raid.Record, error)
	Patch(ctx context.Context, id string, patch raid.Patch, expected string) (raid.Record, error)
	Delete(ctx context.Context, id string, expected string) error
	Refresh(ctx context.Context, id string) (raid.Record, error)
	History(ctx context.Context, id string) ([]raid.EnrichmentRun, error)
}

type Options struct {
	Logger    *zap.Logger
	Now       func() time.Time
	NoticeTTL time.Duration
}

type Engine struct {
	store    Store
	cache    *cache.Cache
	resolver *Resolver
	notices  *Notices
	log      *zap.Logger
	now      func() time.Time

	mu       sync.Mutex
	tails    map[string]chan struct{}
	deleting map[string]*raid.Record
	temps    map[string]*tempEntry
}

// tempEntry tracks a record created under a temporary id. It lives while
// the create is in flight and until no queued or staged operation still
// names the temporary id.
type tempEntry struct {
	realID string
	// staged collects edits made before the create landed so the server
	// copy can be shown with them until their pushes arrive.
	staged raid.Patch
	// deleted means a delete was issued before the create landed.
	deleted bool
	refs    int
}

func New(store Store, c *cache.Cache, opts Options) *Engine {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.NoticeTTL == 0 {
		opts.NoticeTTL = 4 * time.Second
	}
	e := &Engine{
		store:    store,
		cache:    c,
		notices:  newNotices(opts.NoticeTTL, opts.Now),
		log:      opts.Logger.Named("engine"),
		now:      opts.Now,
		tails:    make(map[string]chan struct{}),
		deleting: make(map[string]*raid.Record),
		temps:    make(map[string]*tempEntry),
	}
	e.resolver = newResolver(store, c, e.merge, opts.Now, e.log)
	return e
}

func (e *Engine) Cache() *cache.Cache { return e.cache }

func (e *Engine) Notices() *Notices { return e.notices }

// lock serializes operations on one record id in arrival order.
func (e *Engine) lock(id string) func() {
	e.mu.Lock()
	prev := e.tails[id]
	done := make(chan struct{})
	e.tails[id] = done
	e.mu.Unlock()
	if prev != nil {
		<-prev
	}
	return func() {
		e.mu.Lock()
		if e.tails[id] == done {
			delete(e.tails, id)
			e.forgetLocked(id)
		}
		e.mu.Unlock()
		close(done)
	}
}

// acquire locks id, following a temporary create id to its server id once
// the create has landed.
func (e *Engine) acquire(id string) (string, func()) {
	unlock := e.lock(id)
	if real := e.resolve(id); real != id {
		unlock()
		return e.acquire(real)
	}
	return id, unlock
}

func (e *Engine) resolve(id string) string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.resolveLocked(id)
}

func (e *Engine) resolveLocked(id string) string {
	if t, ok := e.temps[id]; ok && t.realID != "" {
		return t.realID
	}
	return id
}

// hold keeps a temporary id resolvable until the returned release runs.
// It is a no-op for server ids.
func (e *Engine) hold(id string) func() {
	e.mu.Lock()
	defer e.mu.Unlock()
	t, ok := e.temps[id]
	if !ok {
		return func() {}
	}
	t.refs++
	return func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		t.refs--
		e.forgetLocked(id)
	}
}

// forgetLocked drops a landed temporary id once nothing refers to it.
func (e *Engine) forgetLocked(id string) {
	t, ok := e.temps[id]
	if !ok || t.realID == "" || t.refs > 0 {
		return
	}
	if _, queued := e.tails[id]; queued {
		return
	}
	delete(e.temps, id)
}

// merge stores an authoritative copy. A record with a delete in flight is
// kept out of the cache so the delete can send its newest version.
func (e *Engine) merge(record raid.Record) {
	e.mu.Lock()
	if snapshot, ok := e.deleting[record.ID]; ok {
		*snapshot = record
		e.mu.Unlock()
		return
	}
	e.mu.Unlock()
	e.cache.Put(record)
}

func (e *Engine) expectedVersion(id string) (string, bool) {
	e.mu.Lock()
	snapshot, deleting := e.deleting[id]
	e.mu.Unlock()
	if deleting {
		return snapshot.UpdatedAt, true
	}
	record, ok := e.cache.Get(id)
	return record.UpdatedAt, ok
}

// Load replaces the cache with every record of a project.
func (e *Engine) Load(ctx context.Context, projectID string) error {
	records, err := e.store.List(ctx, projectID)
	if err != nil {
		return fmt.Errorf("list project %s: %w", projectID, err)
	}
	e.cache.Load(records)
	e.log.Debug("loaded", zap.String("project", projectID), zap.Int("records", len(records)))
	return nil
}

// Apply normalizes p, writes it to the cache and sends it to the store.
// Conflicts are reconciled without an error; generic failures leave the
// edited value in the cache and return the error.
func (e *Engine) Apply(ctx context.Context, id string, p raid.Patch) (Result, error) {
	normalized, err := e.Stage(id, p)
	if err != nil {
		if raid.IsValidation(err) {
			return Result{ID: id, Outcome: OutcomeRejected}, err
		}
		return Result{ID: id, Outcome: OutcomeFailed}, err
	}
	return e.Push(ctx, id, normalized)
}

// Stage normalizes p and writes it optimistically. Nothing is sent. A
// patch staged under a temporary id keeps that id resolvable until Push.
func (e *Engine) Stage(id string, p raid.Patch) (raid.Patch, error) {
	normalized, err := raid.NormalizePatch(p)
	if err != nil {
		return raid.Patch{}, err
	}
	release := e.hold(id)
	e.mu.Lock()
	target := e.resolveLocked(id)
	if t, ok := e.temps[id]; ok && t.realID == "" {
		t.staged = t.staged.Merge(normalized)
	}
	e.mu.Unlock()
	if !e.cache.Upsert(target, normalized) {
		release()
		return raid.Patch{}, fmt.Errorf("stage %s: %w", target, raid.ErrNotFound)
	}
	return normalized, nil
}

// unhold releases one reference taken by Stage on a temporary id.
func (e *Engine) unhold(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if t, ok := e.temps[id]; ok && t.refs > 0 {
		t.refs--
		e.forgetLocked(id)
	}
}

// Push sends a staged patch. The expected version is read after earlier
// writes to the same record have resolved.
func (e *Engine) Push(ctx context.Context, id string, normalized raid.Patch) (Result, error) {
	defer e.unhold(id)
	id, unlock := e.acquire(id)
	defer unlock()

	expected, ok := e.expectedVersion(id)
	if !ok {
		return Result{ID: id, Outcome: OutcomeFailed}, fmt.Errorf("patch %s: %w", id, raid.ErrNotFound)
	}
	record, err := e.store.Patch(ctx, id, normalized, expected)
	switch {
	case err == nil:
		e.merge(record)
		return Result{ID: id, Outcome: OutcomeSaved, Record: record}, nil
	case errors.Is(err, raid.ErrConflict):
		e.log.Info("patch conflict", zap.String("id", id), zap.String("expected", expected))
		return e.reconcile(ctx, id, reasonConflict), nil
	default:
		e.log.Warn("patch failed", zap.String("id", id), zap.Error(err))
		e.notices.failure(fmt.Sprintf("Could not save %s: %v", describeFields(normalized), err))
		return Result{ID: id, Outcome: OutcomeFailed}, fmt.Errorf("patch %s: %w", id, err)
	}
}

func (e *Engine) reconcile(ctx context.Context, id, reason string) Result {
	if err := e.resolver.Reconcile(ctx, id, reason); err != nil {
		return Result{ID: id, Outcome: OutcomeStale}
	}
	current, _ := e.cache.Get(id)
	return Result{ID: id, Outcome: OutcomeReconciled, Record: current}
}

// Retry re-reads a stale record on operator request.
func (e *Engine) Retry(ctx context.Context, id string) (Result, error) {
	id, unlock := e.acquire(id)
	defer unlock()
	if err := e.resolver.Reconcile(ctx, id, reasonRetry); err != nil {
		e.notices.failure(fmt.Sprintf("Still unable to reload: %v", err))
		return Result{ID: id, Outcome: OutcomeStale}, err
	}
	current, _ := e.cache.Get(id)
	return Result{ID: id, Outcome: OutcomeReconciled, Record: current}, nil
}

// Create shows the draft at the top of its group under a temporary id and
// swaps in the server record when the store answers. On failure the
// temporary entry is removed.
func (e *Engine) Create(ctx context.Context, draft raid.Record) (Result, error) {
	normalized, err := raid.NormalizeDraft(draft)
	if err != nil {
		return Result{Outcome: OutcomeRejected}, err
	}
	tempID := util.NewID("tmp")
	e.mu.Lock()
	e.temps[tempID] = &tempEntry{}
	e.mu.Unlock()
	unlock := e.lock(tempID)
	defer unlock()

	pending := normalized
	pending.ID = tempID
	pending.UpdatedAt = ""
	e.cache.Prepend(pending)

	outgoing := normalized
	outgoing.ID = ""
	created, err := e.store.Create(ctx, outgoing)
	if err != nil {
		e.mu.Lock()
		delete(e.temps, tempID)
		e.mu.Unlock()
		e.cache.Remove(tempID)
		e.log.Warn("create failed", zap.String("type", string(normalized.Type)), zap.Error(err))
		e.notices.failure(fmt.Sprintf("Could not create %s: %v", strings.ToLower(string(normalized.Type)), err))
		return Result{ID: tempID, Outcome: OutcomeFailed}, fmt.Errorf("create %s: %w", normalized.Type, err)
	}

	e.mu.Lock()
	t := e.temps[tempID]
	t.realID = created.ID
	deleted := t.deleted
	shown := t.staged.ApplyTo(created)
	t.staged = raid.Patch{}
	if deleted {
		// The pending delete takes over the server copy and sends its version.
		snapshot := created
		e.deleting[created.ID] = &snapshot
	}
	e.mu.Unlock()
	if !deleted && !e.cache.Replace(tempID, shown) && !e.cache.Put(shown) {
		e.cache.Prepend(shown)
	}
	e.notices.success(fmt.Sprintf("%s created", created.Type))
	return Result{ID: created.ID, Outcome: OutcomeSaved, Record: created}, nil
}

// Delete removes the record from the cache at once and queues the store
// call behind any write already in flight for it. On conflict or failure
// the record goes back to its original position, flagged stale.
func (e *Engine) Delete(ctx context.Context, id string) (Result, error) {
	release := e.hold(id)
	defer release()

	e.mu.Lock()
	removed := e.resolveLocked(id)
	pending, creating := e.temps[removed]
	creating = creating && pending.realID == ""
	if creating {
		pending.deleted = true
	}
	e.mu.Unlock()

	snapshot, index, ok := e.cache.Remove(removed)
	if !ok {
		if creating {
			e.mu.Lock()
			pending.deleted = false
			e.mu.Unlock()
		}
		return Result{ID: removed, Outcome: OutcomeFailed}, fmt.Errorf("delete %s: %w", removed, raid.ErrNotFound)
	}
	e.mu.Lock()
	e.deleting[removed] = &snapshot
	e.mu.Unlock()

	id, unlock := e.acquire(removed)
	defer unlock()

	if id != removed {
		// The create landed while this delete waited; Create left the
		// server copy under the server id.
		e.mu.Lock()
		delete(e.deleting, removed)
		e.mu.Unlock()
	} else if creating {
		// The create failed, so there is nothing on the server to delete.
		e.mu.Lock()
		delete(e.deleting, removed)
		e.mu.Unlock()
		return Result{ID: removed, Outcome: OutcomeSaved, Record: snapshot}, nil
	}

	expected, _ := e.expectedVersion(id)
	err := e.store.Delete(ctx, id, expected)

	e.mu.Lock()
	latest := *e.deleting[id]
	delete(e.deleting, id)
	e.mu.Unlock()

	if err == nil {
		e.notices.success(fmt.Sprintf("%s deleted", latest.Type))
		return Result{ID: id, Outcome: OutcomeSaved, Record: latest}, nil
	}

	e.cache.InsertAt(latest, index)
	if errors.Is(err, raid.ErrConflict) {
		e.log.Info("delete conflict", zap.String("id", id), zap.String("expected", expected))
		return e.reconcile(ctx, id, reasonDeleteConflict), nil
	}
	e.cache.MarkStale(id, fmt.Sprintf("Delete failed: %v", err), e.now())
	e.log.Warn("delete failed", zap.String("id", id), zap.Error(err))
	e.notices.failure(fmt.Sprintf("Could not delete: %v", err))
	return Result{ID: id, Outcome: OutcomeFailed, Record: latest}, fmt.Errorf("delete %s: %w", id, err)
}

// Refresh runs enrichment for id behind any write in flight for it and
// merges the result. It reports nothing to the operator.
func (e *Engine) Refresh(ctx context.Context, id string) (raid.Record, error) {
	id, unlock := e.acquire(id)
	defer unlock()
	record, err := e.store.Refresh(ctx, id)
	if err != nil {
		return raid.Record{}, fmt.Errorf("refresh %s: %w", id, err)
	}
	e.merge(record)
	return record, nil
}

// Enrich is the operator-triggered refresh; unlike Refresh it reports
// success and failure as notices.
func (e *Engine) Enrich(ctx context.Context, id string) (raid.Record, error) {
	record, err := e.Refresh(ctx, id)
	if err != nil {
		e.notices.failure(fmt.Sprintf("Analysis failed: %v", errors.Unwrap(err)))
		return raid.Record{}, err
	}
	e.notices.success("Analysis refreshed")
	return record, nil
}

// History returns past enrichment runs, newest first.
func (e *Engine) History(ctx context.Context, id string) ([]raid.EnrichmentRun, error) {
	runs, err := e.store.History(ctx, e.resolve(id))
	if err != nil {
		return nil, fmt.Errorf("history %s: %w", id, err)
	}
	return runs, nil
}

func describeFields(p raid.Patch) string {
	fields := p.Fields()
	names := make([]string, len(fields))
	for i, field := range fields {
		names[i] = strings.ReplaceAll(string(field), "_", " ")
	}
	if len(names) == 0 {
		return "changes"
	}
	return strings.Join(names, ", ")
}
