package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"

	"raidboard/api/internal/raid"
)

// nextVersion keeps updated_at strictly increasing even when two writes
// land within the clock's resolution.
const nextVersion = `GREATEST(clock_timestamp(), updated_at + interval '1 microsecond')`

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *PostgresStore) ListRecords(ctx context.Context, projectID string) ([]raid.Record, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+recordColumns+`
		FROM raid_items
		WHERE project_id=$1
		ORDER BY type, updated_at DESC
	`, projectID)
	if err != nil {
		return nil, fmt.Errorf("list raid items: %w", err)
	}
	defer rows.Close()

	items := make([]raid.Record, 0)
	for rows.Next() {
		record, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan raid item: %w", err)
		}
		items = append(items, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate raid items: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) GetRecord(ctx context.Context, id string) (raid.Record, error) {
	if !validID(id) {
		return raid.Record{}, raid.ErrNotFound
	}
	record, err := scanRecord(s.db.QueryRowContext(ctx, `SELECT `+recordColumns+` FROM raid_items WHERE id=$1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return raid.Record{}, raid.ErrNotFound
	}
	if err != nil {
		return raid.Record{}, fmt.Errorf("get raid item: %w", err)
	}
	return record, nil
}

// CreateRecord inserts a normalized draft. The id is always assigned here.
func (s *PostgresStore) CreateRecord(ctx context.Context, projectID string, draft raid.Record) (raid.Record, error) {
	record, err := scanRecord(s.db.QueryRowContext(ctx, `
		INSERT INTO raid_items (project_id, type, description, owner_label, status, priority,
			probability, severity, due_date, response_plan, ai_dirty)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, TRUE)
		RETURNING `+recordColumns,
		projectID,
		string(draft.Type),
		draft.Description,
		draft.OwnerLabel,
		string(draft.Status),
		nullablePriority(draft.Priority),
		draft.Probability,
		draft.Severity,
		nullableDate(draft.DueDate),
		nullableText(draft.ResponsePlan),
	))
	if err != nil {
		return raid.Record{}, mapWriteError("insert raid item", err)
	}
	return record, nil
}

// PatchRecord applies p only if the row still carries the expected
// version. Any changed field marks the record dirty for re-analysis.
func (s *PostgresStore) PatchRecord(ctx context.Context, id string, p raid.Patch, expected string) (raid.Record, error) {
	if !validID(id) {
		return raid.Record{}, raid.ErrNotFound
	}
	version, ok := parseVersion(expected)
	if !ok {
		return raid.Record{}, s.missingOrConflict(ctx, id)
	}
	if p.IsEmpty() {
		current, err := s.GetRecord(ctx, id)
		if err != nil {
			return raid.Record{}, err
		}
		if current.UpdatedAt != formatVersion(version) {
			return raid.Record{}, fmt.Errorf("patch raid item %s: %w", id, raid.ErrConflict)
		}
		return current, nil
	}

	args := []any{id, version}
	var sets, changed []string
	add := func(column string, value any) {
		args = append(args, value)
		placeholder := fmt.Sprintf("$%d", len(args))
		sets = append(sets, column+" = "+placeholder)
		changed = append(changed, column+" IS DISTINCT FROM "+placeholder)
	}
	if p.Description != nil {
		add("description", *p.Description)
	}
	if p.OwnerLabel != nil {
		add("owner_label", *p.OwnerLabel)
	}
	if p.Status != nil {
		add("status", string(*p.Status))
	}
	if p.Priority != nil {
		add("priority", nullablePriority(*p.Priority))
	}
	if p.Probability != nil {
		add("probability", *p.Probability)
	}
	if p.Severity != nil {
		add("severity", *p.Severity)
	}
	if p.DueDate != nil {
		add("due_date", nullableDate(*p.DueDate))
	}
	if p.ResponsePlan != nil {
		add("response_plan", nullableText(p.ResponsePlan))
	}
	sets = append(sets,
		"ai_dirty = ai_dirty OR ("+strings.Join(changed, " OR ")+")",
		"updated_at = "+nextVersion,
	)

	query := `UPDATE raid_items SET ` + strings.Join(sets, ", ") +
		` WHERE id=$1 AND updated_at=$2 RETURNING ` + recordColumns
	record, err := scanRecord(s.db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return raid.Record{}, s.missingOrConflict(ctx, id)
	}
	if err != nil {
		return raid.Record{}, mapWriteError("patch raid item", err)
	}
	return record, nil
}

// DeleteRecord removes id. An empty expected version deletes
// unconditionally.
func (s *PostgresStore) DeleteRecord(ctx context.Context, id string, expected string) error {
	if !validID(id) {
		return raid.ErrNotFound
	}
	var version any
	if expected != "" {
		parsed, ok := parseVersion(expected)
		if !ok {
			return s.missingOrConflict(ctx, id)
		}
		version = parsed
	}
	result, err := s.db.ExecContext(ctx, `
		DELETE FROM raid_items
		WHERE id=$1 AND ($2::timestamptz IS NULL OR updated_at=$2::timestamptz)
	`, id, version)
	if err != nil {
		return fmt.Errorf("delete raid item: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete raid item rows affected: %w", err)
	}
	if affected == 0 {
		return s.missingOrConflict(ctx, id)
	}
	return nil
}

// SaveEnrichment stores an analysis computed from the record at version
// expected and appends the run, in one transaction. The record's dirty
// flag clears.
func (s *PostgresStore) SaveEnrichment(ctx context.Context, id, expected string, run raid.EnrichmentRun) (raid.Record, raid.EnrichmentRun, error) {
	if !validID(id) {
		return raid.Record{}, raid.EnrichmentRun{}, raid.ErrNotFound
	}
	version, ok := parseVersion(expected)
	if !ok {
		return raid.Record{}, raid.EnrichmentRun{}, s.missingOrConflict(ctx, id)
	}
	payload, err := json.Marshal(run.AI)
	if err != nil {
		return raid.Record{}, raid.EnrichmentRun{}, fmt.Errorf("marshal ai payload: %w", err)
	}
	inputs, err := json.Marshal(run.Inputs)
	if err != nil {
		return raid.Record{}, raid.EnrichmentRun{}, fmt.Errorf("marshal ai inputs: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return raid.Record{}, raid.EnrichmentRun{}, fmt.Errorf("begin enrichment tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	record, err := scanRecord(tx.QueryRowContext(ctx, `
		UPDATE raid_items
		SET ai=$3::jsonb, ai_dirty=FALSE, updated_at=`+nextVersion+`
		WHERE id=$1 AND updated_at=$2
		RETURNING `+recordColumns,
		id, version, string(payload),
	))
	if errors.Is(err, sql.ErrNoRows) {
		return raid.Record{}, raid.EnrichmentRun{}, s.missingOrConflict(ctx, id)
	}
	if err != nil {
		return raid.Record{}, raid.EnrichmentRun{}, fmt.Errorf("save enrichment: %w", err)
	}

	saved, err := scanRun(tx.QueryRowContext(ctx, `
		INSERT INTO raid_ai_runs (item_id, model, version, ai_quality, ai, inputs)
		VALUES ($1, $2, $3, $4, $5::jsonb, $6::jsonb)
		RETURNING `+runColumns,
		id, run.Model, run.Version, run.AIQuality, string(payload), string(inputs),
	))
	if err != nil {
		return raid.Record{}, raid.EnrichmentRun{}, fmt.Errorf("insert enrichment run: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return raid.Record{}, raid.EnrichmentRun{}, fmt.Errorf("commit enrichment: %w", err)
	}
	return record, saved, nil
}

// ListEnrichmentRuns returns runs for id, newest first.
func (s *PostgresStore) ListEnrichmentRuns(ctx context.Context, id string, limit int) ([]raid.EnrichmentRun, error) {
	if !validID(id) {
		return nil, raid.ErrNotFound
	}
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+runColumns+`
		FROM raid_ai_runs
		WHERE item_id=$1
		ORDER BY created_at DESC, id DESC
		LIMIT $2
	`, id, limit)
	if err != nil {
		return nil, fmt.Errorf("list enrichment runs: %w", err)
	}
	defer rows.Close()

	runs := make([]raid.EnrichmentRun, 0)
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan enrichment run: %w", err)
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate enrichment runs: %w", err)
	}
	return runs, nil
}

// missingOrConflict explains a write that matched no row.
func (s *PostgresStore) missingOrConflict(ctx context.Context, id string) error {
	var exists bool
	if err := s.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM raid_items WHERE id=$1)`, id).Scan(&exists); err != nil {
		return fmt.Errorf("check raid item: %w", err)
	}
	if !exists {
		return raid.ErrNotFound
	}
	return fmt.Errorf("raid item %s: %w", id, raid.ErrConflict)
}

func validID(id string) bool {
	_, err := uuid.Parse(id)
	return err == nil
}

// mapWriteError turns constraint violations into validation errors.
func mapWriteError(op string, err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && (pgErr.Code == "23514" || pgErr.Code == "23502") {
		return &raid.ValidationError{
			Field:   constraintField(pgErr),
			Message: fmt.Sprintf("rejected by store: %s", pgErr.Message),
		}
	}
	return fmt.Errorf("%s: %w", op, err)
}

func constraintField(pgErr *pgconn.PgError) raid.Field {
	if pgErr.ColumnName != "" {
		return raid.Field(pgErr.ColumnName)
	}
	for _, field := range raid.EditableFields {
		if strings.Contains(pgErr.ConstraintName, string(field)) {
			return field
		}
	}
	return ""
}
