package grid

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"raidboard/api/internal/cache"
	"raidboard/api/internal/engine"
	"raidboard/api/internal/raid"
)

type sentPatch struct {
	ID       string
	Expected string
	Patch    raid.Patch
}

type fakeStore struct {
	mu        sync.Mutex
	records   map[string]raid.Record
	tick      int
	patches   []sentPatch
	failPatch map[string]error

	beforePatch func(id string)
}

func newFakeStore() *fakeStore {
	return &fakeStore{records: make(map[string]raid.Record), failPatch: make(map[string]error)}
}

func (f *fakeStore) version() string {
	f.tick++
	return time.Date(2026, 3, 1, 12, 0, f.tick, 0, time.UTC).Format(time.RFC3339Nano)
}

func (f *fakeStore) add(record raid.Record) raid.Record {
	f.mu.Lock()
	defer f.mu.Unlock()
	if record.ProjectID == "" {
		record.ProjectID = "p1"
	}
	if record.OwnerLabel == "" {
		record.OwnerLabel = "Ana"
	}
	if record.Status == "" {
		record.Status = raid.StatusOpen
	}
	record.UpdatedAt = f.version()
	f.records[record.ID] = record
	return record
}

func (f *fakeStore) sent() []sentPatch {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sentPatch(nil), f.patches...)
}

func (f *fakeStore) List(_ context.Context, projectID string) ([]raid.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []raid.Record
	for _, record := range f.records {
		if record.ProjectID == projectID {
			out = append(out, record)
		}
	}
	return out, nil
}

func (f *fakeStore) Get(_ context.Context, id string) (raid.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	record, ok := f.records[id]
	if !ok {
		return raid.Record{}, raid.ErrNotFound
	}
	return record, nil
}

func (f *fakeStore) Create(_ context.Context, draft raid.Record) (raid.Record, error) {
	return raid.Record{}, errors.New("not supported")
}

func (f *fakeStore) Patch(_ context.Context, id string, p raid.Patch, expected string) (raid.Record, error) {
	if f.beforePatch != nil {
		f.beforePatch(id)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.patches = append(f.patches, sentPatch{ID: id, Expected: expected, Patch: p})
	if err := f.failPatch[id]; err != nil {
		return raid.Record{}, err
	}
	record, ok := f.records[id]
	if !ok {
		return raid.Record{}, raid.ErrNotFound
	}
	if record.UpdatedAt != expected {
		return raid.Record{}, fmt.Errorf("patch %s: %w", id, raid.ErrConflict)
	}
	record = p.ApplyTo(record)
	record.AIDirty = true
	record.UpdatedAt = f.version()
	f.records[id] = record
	return record, nil
}

func (f *fakeStore) Delete(_ context.Context, id string, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.records, id)
	return nil
}

func (f *fakeStore) Refresh(ctx context.Context, id string) (raid.Record, error) {
	return f.Get(ctx, id)
}

func (f *fakeStore) History(context.Context, string) ([]raid.EnrichmentRun, error) {
	return nil, nil
}

type fixture struct {
	store  *fakeStore
	cache  *cache.Cache
	engine *engine.Engine
	editor *Editor
}

// newFixture seeds risks so that the group displays them in the given
// order: the first id has the newest version.
func newFixture(t *testing.T, ids ...string) *fixture {
	t.Helper()
	store := newFakeStore()
	for i := len(ids) - 1; i >= 0; i-- {
		store.add(raid.Record{ID: ids[i], Type: raid.TypeRisk, Description: "desc " + ids[i], Probability: 40, Severity: 40})
	}
	c := cache.New()
	eng := engine.New(store, c, engine.Options{})
	if err := eng.Load(context.Background(), "p1"); err != nil {
		t.Fatalf("load: %v", err)
	}
	return &fixture{store: store, cache: c, engine: eng, editor: New(c, eng, raid.TypeRisk)}
}

func (f *fixture) rowIDs() []string {
	var ids []string
	for _, record := range f.editor.Rows() {
		ids = append(ids, record.ID)
	}
	return ids
}
