package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"raidboard/api/internal/raid"
)

// memStore behaves like the record store: every applied write advances the
// version token and a stale expected version is rejected.
type memStore struct {
	mu      sync.Mutex
	records map[string]raid.Record
	tick    int
	nextID  int

	patches []patchCall
	deletes []patchCall
	gets    int

	beforePatch  func(id string)
	beforeCreate func()
	patchErr    error
	getErr      error
	createErr   error
	deleteErr   error
	refreshErr  error
}

type patchCall struct {
	ID       string
	Expected string
	Patch    raid.Patch
}

func newMemStore(records ...raid.Record) *memStore {
	m := &memStore{records: make(map[string]raid.Record)}
	for _, record := range records {
		if record.UpdatedAt == "" {
			record.UpdatedAt = m.version()
		}
		m.records[record.ID] = record
	}
	return m
}

func (m *memStore) version() string {
	m.tick++
	return time.Date(2026, 3, 1, 12, 0, m.tick, 0, time.UTC).Format(time.RFC3339Nano)
}

// bump simulates another operator's write.
func (m *memStore) bump(id string, p raid.Patch) raid.Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	record := p.ApplyTo(m.records[id])
	record.UpdatedAt = m.version()
	m.records[id] = record
	return record
}

func (m *memStore) record(id string) raid.Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.records[id]
}

func (m *memStore) List(_ context.Context, projectID string) ([]raid.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []raid.Record
	for _, record := range m.records {
		if record.ProjectID == projectID {
			out = append(out, record)
		}
	}
	return out, nil
}

func (m *memStore) Get(_ context.Context, id string) (raid.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.gets++
	if m.getErr != nil {
		return raid.Record{}, m.getErr
	}
	record, ok := m.records[id]
	if !ok {
		return raid.Record{}, raid.ErrNotFound
	}
	return record, nil
}

func (m *memStore) Create(_ context.Context, draft raid.Record) (raid.Record, error) {
	if m.beforeCreate != nil {
		m.beforeCreate()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.createErr != nil {
		return raid.Record{}, m.createErr
	}
	if draft.ID != "" {
		return raid.Record{}, errors.New("client must not choose ids")
	}
	m.nextID++
	draft.ID = fmt.Sprintf("srv-%d", m.nextID)
	draft.AIDirty = true
	draft.UpdatedAt = m.version()
	m.records[draft.ID] = draft
	return draft, nil
}

func (m *memStore) Patch(_ context.Context, id string, p raid.Patch, expected string) (raid.Record, error) {
	if m.beforePatch != nil {
		m.beforePatch(id)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.patches = append(m.patches, patchCall{ID: id, Expected: expected, Patch: p})
	if m.patchErr != nil {
		return raid.Record{}, m.patchErr
	}
	record, ok := m.records[id]
	if !ok {
		return raid.Record{}, raid.ErrNotFound
	}
	if record.UpdatedAt != expected {
		return raid.Record{}, fmt.Errorf("patch %s: %w", id, raid.ErrConflict)
	}
	if p.Status != nil && *p.Status == raid.StatusInvalid {
		return raid.Record{}, errors.New("legacy status written")
	}
	record = p.ApplyTo(record)
	record.AIDirty = true
	record.UpdatedAt = m.version()
	m.records[id] = record
	return record, nil
}

func (m *memStore) Delete(_ context.Context, id string, expected string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deletes = append(m.deletes, patchCall{ID: id, Expected: expected})
	if m.deleteErr != nil {
		return m.deleteErr
	}
	record, ok := m.records[id]
	if !ok {
		return raid.ErrNotFound
	}
	if expected != "" && record.UpdatedAt != expected {
		return fmt.Errorf("delete %s: %w", id, raid.ErrConflict)
	}
	delete(m.records, id)
	return nil
}

func (m *memStore) Refresh(_ context.Context, id string) (raid.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.refreshErr != nil {
		return raid.Record{}, m.refreshErr
	}
	record, ok := m.records[id]
	if !ok {
		return raid.Record{}, raid.ErrNotFound
	}
	score := record.Score()
	record.RelatedRefs.AI = &raid.AIPayload{
		Summary:  "refreshed",
		AIStatus: "ok",
		Inputs:   &raid.AIInputs{Probability: record.Probability, Severity: record.Severity, Score: score},
	}
	record.AIDirty = false
	record.UpdatedAt = m.version()
	m.records[id] = record
	return record, nil
}

func (m *memStore) History(_ context.Context, id string) ([]raid.EnrichmentRun, error) {
	return []raid.EnrichmentRun{{ID: "run-1", RecordID: id}}, nil
}
