package store

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"raidboard/api/internal/raid"
)

// openTestStore connects to TEST_DATABASE_URL, migrates, and gives each
// test its own project id.
func openTestStore(t *testing.T) (*PostgresStore, string) {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	dsn := strings.TrimSpace(os.Getenv("TEST_DATABASE_URL"))
	if dsn == "" {
		t.Skip("TEST_DATABASE_URL is not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	db, err := Open(ctx, dsn, DefaultPool(), nil)
	if err != nil {
		t.Fatalf("open database: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := ApplyMigrations(ctx, db, filepath.Join("..", "..", "db", "migrations")); err != nil {
		t.Fatalf("apply migrations: %v", err)
	}
	project := "test-" + strings.ReplaceAll(t.Name(), "/", "-") + "-" + time.Now().Format("150405.000000")
	t.Cleanup(func() {
		_, _ = db.Exec(`DELETE FROM raid_items WHERE project_id=$1`, project)
	})
	return NewPostgresStore(db), project
}

func createRisk(t *testing.T, s *PostgresStore, project string) raid.Record {
	t.Helper()
	record, err := s.CreateRecord(context.Background(), project, raid.Record{
		Type:        raid.TypeRisk,
		Description: "Vendor delay",
		OwnerLabel:  "Ana",
		Status:      raid.StatusOpen,
		Probability: 60,
		Severity:    70,
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	return record
}

func TestPatchAdvancesVersionAndMarksDirty(t *testing.T) {
	s, project := openTestStore(t)
	ctx := context.Background()
	created := createRisk(t, s, project)

	cleaned, _, err := s.SaveEnrichment(ctx, created.ID, created.UpdatedAt, raid.EnrichmentRun{
		Model: "test", Version: "1", AI: raid.AIPayload{Summary: "baseline"},
	})
	if err != nil {
		t.Fatalf("save enrichment: %v", err)
	}
	if cleaned.AIDirty {
		t.Fatal("expected enrichment to clear ai_dirty")
	}

	patched, err := s.PatchRecord(ctx, created.ID, raid.Patch{
		Priority: raid.Ptr(raid.PriorityHigh),
		DueDate:  raid.Ptr(raid.NewDate(2026, 6, 30)),
	}, cleaned.UpdatedAt)
	if err != nil {
		t.Fatalf("patch: %v", err)
	}
	if patched.UpdatedAt == cleaned.UpdatedAt {
		t.Fatal("expected version to advance")
	}
	if !patched.AIDirty {
		t.Fatal("expected changed fields to mark the record dirty")
	}
	if patched.Priority != raid.PriorityHigh || patched.DueDate.String() != "2026-06-30" {
		t.Fatalf("unexpected patched record: %+v", patched)
	}
	if patched.AI() == nil || patched.AI().Summary != "baseline" {
		t.Fatal("expected ai payload to survive a field patch")
	}

	cleared, err := s.PatchRecord(ctx, created.ID, raid.Patch{Priority: raid.Ptr(raid.PriorityNone)}, patched.UpdatedAt)
	if err != nil {
		t.Fatalf("clear priority: %v", err)
	}
	if cleared.Priority != raid.PriorityNone {
		t.Fatalf("expected null priority, got %q", cleared.Priority)
	}
}

func TestStalePatchIsConflict(t *testing.T) {
	s, project := openTestStore(t)
	ctx := context.Background()
	created := createRisk(t, s, project)

	if _, err := s.PatchRecord(ctx, created.ID, raid.Patch{Severity: raid.Ptr(80)}, created.UpdatedAt); err != nil {
		t.Fatalf("first patch: %v", err)
	}
	_, err := s.PatchRecord(ctx, created.ID, raid.Patch{Severity: raid.Ptr(90)}, created.UpdatedAt)
	if !errors.Is(err, raid.ErrConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}

	current, err := s.GetRecord(ctx, created.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if current.Severity != 80 {
		t.Fatalf("expected first write to stand, got severity %d", current.Severity)
	}
}

func TestDeleteVersionChecks(t *testing.T) {
	s, project := openTestStore(t)
	ctx := context.Background()
	created := createRisk(t, s, project)
	patched, err := s.PatchRecord(ctx, created.ID, raid.Patch{OwnerLabel: raid.Ptr("Bea")}, created.UpdatedAt)
	if err != nil {
		t.Fatalf("patch: %v", err)
	}

	if err := s.DeleteRecord(ctx, created.ID, created.UpdatedAt); !errors.Is(err, raid.ErrConflict) {
		t.Fatalf("expected conflict for stale delete, got %v", err)
	}
	if err := s.DeleteRecord(ctx, created.ID, patched.UpdatedAt); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := s.DeleteRecord(ctx, created.ID, ""); !errors.Is(err, raid.ErrNotFound) {
		t.Fatalf("expected not found after delete, got %v", err)
	}
	if _, err := s.GetRecord(ctx, "not-a-uuid"); !errors.Is(err, raid.ErrNotFound) {
		t.Fatalf("expected malformed id to be not found, got %v", err)
	}
}

func TestEnrichmentRunsAreAppendOnly(t *testing.T) {
	s, project := openTestStore(t)
	ctx := context.Background()
	record := createRisk(t, s, project)

	for i, summary := range []string{"first", "second"} {
		updated, _, err := s.SaveEnrichment(ctx, record.ID, record.UpdatedAt, raid.EnrichmentRun{
			Model:   "test",
			Version: "1",
			AI:      raid.AIPayload{Summary: summary},
			Inputs:  raid.AIInputs{Probability: 60, Severity: 70 + i, Score: 42},
		})
		if err != nil {
			t.Fatalf("save %s: %v", summary, err)
		}
		record = updated
	}

	runs, err := s.ListEnrichmentRuns(ctx, record.ID, 10)
	if err != nil {
		t.Fatalf("list runs: %v", err)
	}
	if len(runs) != 2 || runs[0].AI.Summary != "second" || runs[1].AI.Summary != "first" {
		t.Fatalf("expected newest first, got %+v", runs)
	}

	_, err = s.DB().ExecContext(ctx, `UPDATE raid_ai_runs SET model='edited' WHERE id=$1`, runs[0].ID)
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) || !strings.Contains(pgErr.Message, "append-only") {
		t.Fatalf("expected append-only guard, got %v", err)
	}
}

func TestCheckViolationIsValidation(t *testing.T) {
	s, project := openTestStore(t)
	_, err := s.CreateRecord(context.Background(), project, raid.Record{
		Type:        raid.TypeIssue,
		Description: "x",
		OwnerLabel:  "  ",
		Status:      raid.StatusOpen,
	})
	var validation *raid.ValidationError
	if !errors.As(err, &validation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if validation.Field != raid.FieldOwner {
		t.Fatalf("expected owner_label field, got %q", validation.Field)
	}
}
