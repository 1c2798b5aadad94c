package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"raidboard/api/internal/lease"
	"raidboard/api/internal/raid"
)

type recordStore interface {
	Ping(context.Context) error
	ListRecords(context.Context, string) ([]raid.Record, error)
	GetRecord(context.Context, string) (raid.Record, error)
	CreateRecord(context.Context, string, raid.Record) (raid.Record, error)
	PatchRecord(context.Context, string, raid.Patch, string) (raid.Record, error)
	DeleteRecord(context.Context, string, string) error
	SaveEnrichment(context.Context, string, string, raid.EnrichmentRun) (raid.Record, raid.EnrichmentRun, error)
	ListEnrichmentRuns(context.Context, string, int) ([]raid.EnrichmentRun, error)
}

// leaser guards enrichment refreshes across replicas. A nil leaser means a
// single replica and no guard.
type leaser interface {
	Acquire(context.Context, string) (func(context.Context) error, error)
	Ping(context.Context) error
}

// refreshAttempts bounds how often a refresh re-reads a record that an
// operator edited while it was being analyzed.
const refreshAttempts = 3

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 500
)

type Service struct {
	store  recordStore
	leases leaser
	log    *zap.Logger
	now    func() time.Time
}

func New(store recordStore, leases leaser, log *zap.Logger) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{
		store:  store,
		leases: leases,
		log:    log.Named("service"),
		now:    time.Now,
	}
}

// Ping checks the database and, when configured, the lease backend.
func (s *Service) Ping(ctx context.Context) map[string]error {
	checks := map[string]error{"database": s.store.Ping(ctx)}
	if s.leases != nil {
		checks["redis"] = s.leases.Ping(ctx)
	}
	return checks
}

func (s *Service) List(ctx context.Context, projectID string) ([]raid.Record, error) {
	projectID = strings.TrimSpace(projectID)
	if projectID == "" {
		return nil, errProjectRequired()
	}
	return s.store.ListRecords(ctx, projectID)
}

func (s *Service) Get(ctx context.Context, id string) (raid.Record, error) {
	return s.store.GetRecord(ctx, id)
}

func (s *Service) Create(ctx context.Context, projectID string, draft raid.Record) (raid.Record, error) {
	projectID = strings.TrimSpace(projectID)
	if projectID == "" {
		return raid.Record{}, errProjectRequired()
	}
	normalized, err := raid.NormalizeDraft(draft)
	if err != nil {
		return raid.Record{}, err
	}
	created, err := s.store.CreateRecord(ctx, projectID, normalized)
	if err != nil {
		return raid.Record{}, err
	}
	s.log.Info("raid item created",
		zap.String("id", created.ID),
		zap.String("project_id", projectID),
		zap.String("type", string(created.Type)))
	return created, nil
}

// Patch applies p when expected still matches the stored version. Patches
// go through the same normalization as the client so a legacy status can
// never be written back.
func (s *Service) Patch(ctx context.Context, id string, p raid.Patch, expected string) (raid.Record, error) {
	if expected == "" {
		return raid.Record{}, errVersionRequired()
	}
	normalized, err := raid.NormalizePatch(p)
	if err != nil {
		return raid.Record{}, err
	}
	return s.store.PatchRecord(ctx, id, normalized, expected)
}

// Delete removes the record. An empty expected version deletes
// unconditionally.
func (s *Service) Delete(ctx context.Context, id, expected string) error {
	if err := s.store.DeleteRecord(ctx, id, expected); err != nil {
		return err
	}
	s.log.Info("raid item deleted", zap.String("id", id))
	return nil
}

// Refresh analyzes the current record and stores the result along with a
// new run. An edit landing between the read and the write makes the save
// conflict, in which case the analysis is redone on the newer record.
func (s *Service) Refresh(ctx context.Context, id string) (raid.Record, raid.EnrichmentRun, error) {
	if s.leases != nil {
		release, err := s.leases.Acquire(ctx, id)
		if err != nil {
			if errors.Is(err, lease.ErrHeld) {
				return raid.Record{}, raid.EnrichmentRun{}, errEnrichmentBusy()
			}
			return raid.Record{}, raid.EnrichmentRun{}, err
		}
		defer func() {
			if err := release(context.WithoutCancel(ctx)); err != nil {
				s.log.Warn("release enrichment lease", zap.String("id", id), zap.Error(err))
			}
		}()
	}

	for attempt := 1; ; attempt++ {
		record, err := s.store.GetRecord(ctx, id)
		if err != nil {
			return raid.Record{}, raid.EnrichmentRun{}, err
		}
		run := Analyze(record, s.now())
		saved, savedRun, err := s.store.SaveEnrichment(ctx, id, record.UpdatedAt, run)
		if err == nil {
			s.log.Info("enrichment saved",
				zap.String("id", id),
				zap.String("rollup", savedRun.AI.Rollup),
				zap.Int("ai_quality", savedRun.AIQuality),
				zap.Int("attempt", attempt))
			return saved, savedRun, nil
		}
		if !raid.IsConflict(err) || attempt >= refreshAttempts {
			return raid.Record{}, raid.EnrichmentRun{}, fmt.Errorf("refresh %s: %w", id, err)
		}
		s.log.Debug("enrichment raced an edit, retrying", zap.String("id", id), zap.Int("attempt", attempt))
	}
}

func (s *Service) History(ctx context.Context, id string, limit int) ([]raid.EnrichmentRun, error) {
	switch {
	case limit <= 0:
		limit = defaultHistoryLimit
	case limit > maxHistoryLimit:
		limit = maxHistoryLimit
	}
	return s.store.ListEnrichmentRuns(ctx, id, limit)
}
