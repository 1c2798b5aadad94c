package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"raidboard/api/internal/raid"
)

const recordColumns = `id, project_id, type, description, owner_label, status, priority,
	probability, severity, due_date, response_plan, ai, ai_dirty, created_at, updated_at`

const runColumns = `id, item_id, created_at, model, version, ai_quality, ai, inputs`

type rowScanner interface {
	Scan(dest ...any) error
}

// formatVersion renders updated_at as the opaque version token.
func formatVersion(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// parseVersion reads a token produced by formatVersion. Anything else can
// never match a stored row.
func parseVersion(token string) (time.Time, bool) {
	t, err := time.Parse(time.RFC3339Nano, token)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

func scanRecord(row rowScanner) (raid.Record, error) {
	var (
		record    raid.Record
		recType   string
		status    string
		priority  sql.NullString
		dueDate   sql.NullTime
		plan      sql.NullString
		aiRaw     []byte
		updatedAt time.Time
	)
	if err := row.Scan(
		&record.ID,
		&record.ProjectID,
		&recType,
		&record.Description,
		&record.OwnerLabel,
		&status,
		&priority,
		&record.Probability,
		&record.Severity,
		&dueDate,
		&plan,
		&aiRaw,
		&record.AIDirty,
		&record.CreatedAt,
		&updatedAt,
	); err != nil {
		return raid.Record{}, err
	}
	record.Type = raid.Type(recType)
	record.Status = raid.Status(status)
	if priority.Valid {
		record.Priority = raid.Priority(priority.String)
	}
	if dueDate.Valid {
		record.DueDate = raid.DateOf(dueDate.Time)
	}
	if plan.Valid {
		value := plan.String
		record.ResponsePlan = &value
	}
	if len(aiRaw) > 0 {
		var payload raid.AIPayload
		if err := json.Unmarshal(aiRaw, &payload); err != nil {
			return raid.Record{}, fmt.Errorf("decode ai payload for %s: %w", record.ID, err)
		}
		record.RelatedRefs.AI = &payload
	}
	record.CreatedAt = record.CreatedAt.UTC()
	record.UpdatedAt = formatVersion(updatedAt)
	return record, nil
}

func scanRun(row rowScanner) (raid.EnrichmentRun, error) {
	var (
		run       raid.EnrichmentRun
		aiRaw     []byte
		inputsRaw []byte
	)
	if err := row.Scan(
		&run.ID,
		&run.RecordID,
		&run.CreatedAt,
		&run.Model,
		&run.Version,
		&run.AIQuality,
		&aiRaw,
		&inputsRaw,
	); err != nil {
		return raid.EnrichmentRun{}, err
	}
	run.CreatedAt = run.CreatedAt.UTC()
	if err := json.Unmarshal(aiRaw, &run.AI); err != nil {
		return raid.EnrichmentRun{}, fmt.Errorf("decode run %s: %w", run.ID, err)
	}
	if err := json.Unmarshal(inputsRaw, &run.Inputs); err != nil {
		return raid.EnrichmentRun{}, fmt.Errorf("decode run inputs %s: %w", run.ID, err)
	}
	return run, nil
}

func nullablePriority(p raid.Priority) any {
	if p == raid.PriorityNone {
		return nil
	}
	return string(p)
}

func nullableDate(d raid.Date) any {
	if d.IsZero() {
		return nil
	}
	return d.Time()
}

func nullableText(s *string) any {
	if s == nil || *s == "" {
		return nil
	}
	return *s
}
