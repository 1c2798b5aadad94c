package store

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestMigrationsHaveMatchingUpAndDownFiles(t *testing.T) {
	migrations, err := LoadMigrations(filepath.Join("..", "..", "db", "migrations"))
	if err != nil {
		t.Fatalf("load migrations: %v", err)
	}
	if len(migrations) == 0 {
		t.Fatal("no migrations discovered")
	}
	for i, m := range migrations {
		if i > 0 && migrations[i-1].Version >= m.Version {
			t.Fatalf("migrations out of order: %s before %s", migrations[i-1].Version, m.Version)
		}
		if !strings.HasSuffix(m.ID(), ".up.sql") {
			t.Fatalf("unexpected migration id %q", m.ID())
		}
	}
}

func writeMigration(t *testing.T, dir, name string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte("SELECT 1;"), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
}

func TestLoadMigrationsPairsAndSorts(t *testing.T) {
	dir := t.TempDir()
	writeMigration(t, dir, "0002_runs.up.sql")
	writeMigration(t, dir, "0002_runs.down.sql")
	writeMigration(t, dir, "0001_items.up.sql")
	writeMigration(t, dir, "0001_items.down.sql")
	writeMigration(t, dir, "README.md")

	migrations, err := LoadMigrations(dir)
	if err != nil {
		t.Fatalf("load migrations: %v", err)
	}
	if len(migrations) != 2 {
		t.Fatalf("expected 2 migrations, got %d", len(migrations))
	}
	first := migrations[0]
	if first.Version != "0001" || first.Name != "items" || first.ID() != "0001_items.up.sql" {
		t.Fatalf("unexpected first migration: %+v", first)
	}
	if filepath.Base(first.Down) != "0001_items.down.sql" {
		t.Fatalf("unexpected down file %q", first.Down)
	}
}

func TestLoadMigrationsRejectsMissingDown(t *testing.T) {
	dir := t.TempDir()
	writeMigration(t, dir, "0001_items.up.sql")

	if _, err := LoadMigrations(dir); err == nil || !strings.Contains(err.Error(), "0001") {
		t.Fatalf("expected missing down error, got %v", err)
	}
}
