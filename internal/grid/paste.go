package grid

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"raidboard/api/internal/engine"
	"raidboard/api/internal/raid"
)

// RowError is a cell or row of a paste that could not be applied.
type RowError struct {
	Row   int
	ID    string
	Field raid.Field
	Err   error
}

func (e RowError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("row %d %s: %v", e.Row+1, e.Field, e.Err)
	}
	return fmt.Sprintf("row %d: %v", e.Row+1, e.Err)
}

func (e RowError) Unwrap() error {
	return e.Err
}

// PasteReport summarizes a bulk paste. Rows counts records that were sent,
// Saved those the store accepted as sent. Clipped counts pasted cells that
// fell outside the grid.
type PasteReport struct {
	Handled bool
	Rows    int
	Saved   int
	Cells   int
	Clipped int
	Errors  []RowError
}

type pasteRow struct {
	row   int
	id    string
	patch raid.Patch
}

// Paste applies tabular text at the active cell. Text without a tab or
// line break is left to ordinary text entry and reported as not handled.
//
// The block is mapped onto the group from the cursor, truncated at the last
// row and column. Every row is staged in the cache before the first request,
// then rows are sent one at a time so each reads the version left by the
// previous one. A failed row does not stop the rest.
func (e *Editor) Paste(ctx context.Context, text string) (PasteReport, error) {
	var report PasteReport
	if !strings.ContainsAny(text, "\t\r\n") {
		return report, nil
	}
	cell, ok := e.Active()
	if !ok {
		return report, ErrNoActiveCell
	}
	report.Handled = true
	e.close()

	rows := e.Rows()
	var pending []pasteRow
	for r, line := range splitRows(text) {
		target := cell.Row + r
		cells := strings.Split(line, "\t")
		if target >= len(rows) {
			report.Clipped += len(cells)
			continue
		}
		row := pasteRow{row: target, id: rows[target].ID}
		for c, token := range cells {
			col := cell.Col + c
			if col >= len(e.fields) {
				report.Clipped++
				continue
			}
			field := e.fields[col]
			patch, err := raid.ParseField(field, token)
			if err == nil {
				_, err = raid.NormalizePatch(patch)
			}
			if err != nil {
				report.Errors = append(report.Errors, RowError{Row: target, ID: row.id, Field: field, Err: err})
				continue
			}
			row.patch = row.patch.Merge(patch)
			report.Cells++
		}
		if !row.patch.IsEmpty() {
			pending = append(pending, row)
		}
	}

	staged := make([]pasteRow, 0, len(pending))
	for _, row := range pending {
		normalized, err := e.patcher.Stage(row.id, row.patch)
		if err != nil {
			report.Errors = append(report.Errors, RowError{Row: row.row, ID: row.id, Err: err})
			continue
		}
		row.patch = normalized
		staged = append(staged, row)
	}

	for _, row := range staged {
		report.Rows++
		result, err := e.patcher.Push(ctx, row.id, row.patch)
		if err != nil {
			report.Errors = append(report.Errors, RowError{Row: row.row, ID: row.id, Err: err})
			continue
		}
		if result.Outcome == engine.OutcomeSaved {
			report.Saved++
		}
	}
	e.log.Info("paste applied",
		zap.String("group", string(e.group)),
		zap.Int("rows", report.Rows),
		zap.Int("saved", report.Saved),
		zap.Int("cells", report.Cells),
		zap.Int("clipped", report.Clipped),
		zap.Int("errors", len(report.Errors)))
	return report, nil
}

// splitRows splits on any line break and drops the trailing one that
// spreadsheets append to a copied block.
func splitRows(text string) []string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	text = strings.ReplaceAll(text, "\r", "\n")
	text = strings.TrimSuffix(text, "\n")
	return strings.Split(text, "\n")
}
