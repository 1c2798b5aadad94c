package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"raidboard/api/internal/cache"
	"raidboard/api/internal/raid"
)

type getter interface {
	Get(ctx context.Context, id string) (raid.Record, error)
}

// Resolver recovers from version conflicts by re-reading the authoritative
// record. Concurrent reconciliations of the same id share one read.
type Resolver struct {
	store getter
	cache *cache.Cache
	merge func(raid.Record)
	now   func() time.Time
	log   *zap.Logger
	group singleflight.Group
}

func newResolver(store getter, c *cache.Cache, merge func(raid.Record), now func() time.Time, log *zap.Logger) *Resolver {
	return &Resolver{store: store, cache: c, merge: merge, now: now, log: log}
}

// Reconcile flags id stale with reason, re-reads it and merges the result.
// The stale flag is cleared only when the read succeeds. A record the store
// no longer has is dropped from the cache.
func (r *Resolver) Reconcile(ctx context.Context, id, reason string) error {
	r.cache.MarkStale(id, reason, r.now())
	value, err, shared := r.group.Do(id, func() (any, error) {
		return r.store.Get(ctx, id)
	})
	if err != nil {
		if errors.Is(err, raid.ErrNotFound) {
			r.log.Info("reconcile: record deleted upstream", zap.String("id", id))
			r.cache.Remove(id)
			return nil
		}
		r.log.Warn("reconcile failed", zap.String("id", id), zap.Error(err))
		return fmt.Errorf("reconcile %s: %w", id, err)
	}
	record := value.(raid.Record)
	r.merge(record)
	r.cache.ClearStale(id)
	r.log.Debug("reconciled",
		zap.String("id", id),
		zap.String("version", record.UpdatedAt),
		zap.Bool("shared", shared))
	return nil
}
