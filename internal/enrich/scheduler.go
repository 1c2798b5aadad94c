// Package enrich schedules background AI re-analysis of dirty records.
//
// Each record moves through idle → armed → firing → idle. A record is armed
// only when it is dirty, still being worked, and its score moved enough
// since the last analysis; the timer is debounced so a burst of edits
// produces one call, and a minimum gap separates calls for the same record.
package enrich

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"raidboard/api/internal/cache"
	"raidboard/api/internal/raid"
)

// Refresher runs enrichment for one record and returns the updated record.
type Refresher interface {
	Refresh(ctx context.Context, id string) (raid.Record, error)
}

type Config struct {
	Debounce time.Duration `yaml:"debounce"`
	MinGap   time.Duration `yaml:"min_gap"`
	MinDelta int           `yaml:"min_delta"`
	MinScore int           `yaml:"min_score"`
}

func DefaultConfig() Config {
	return Config{
		Debounce: 1200 * time.Millisecond,
		MinGap:   15 * time.Second,
		MinDelta: 5,
		MinScore: 55,
	}
}

// Timer is the part of *time.Timer the scheduler needs.
type Timer interface {
	Stop() bool
}

type State int

const (
	StateIdle State = iota
	StateArmed
	StateFiring
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateArmed:
		return "armed"
	case StateFiring:
		return "firing"
	}
	return "unknown"
}

type entry struct {
	state     State
	timer     Timer
	gen       uint64
	lastFired time.Time
}

type Option func(*Scheduler)

func WithLogger(log *zap.Logger) Option {
	return func(s *Scheduler) {
		if log != nil {
			s.log = log
		}
	}
}

// WithClock replaces time.Now and time.AfterFunc.
func WithClock(now func() time.Time, afterFunc func(time.Duration, func()) Timer) Option {
	return func(s *Scheduler) {
		s.now = now
		s.afterFunc = afterFunc
	}
}

// Scheduler owns the timers and last-fired times of one cache. Separate
// caches get separate schedulers and never share state.
type Scheduler struct {
	cfg       Config
	cache     *cache.Cache
	refresher Refresher
	log       *zap.Logger
	now       func() time.Time
	afterFunc func(time.Duration, func()) Timer

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu          sync.Mutex
	entries     map[string]*entry
	closed      bool
	unsubscribe func()
}

// New starts watching c. Close must be called to release timers.
func New(c *cache.Cache, refresher Refresher, cfg Config, opts ...Option) *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		cfg:       cfg,
		cache:     c,
		refresher: refresher,
		log:       zap.NewNop(),
		now:       time.Now,
		afterFunc: func(d time.Duration, f func()) Timer { return time.AfterFunc(d, f) },
		ctx:       ctx,
		cancel:    cancel,
		entries:   make(map[string]*entry),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.log = s.log.Named("enrich")
	s.unsubscribe = c.Subscribe(s.onEvent)
	s.Sweep()
	return s
}

func (s *Scheduler) onEvent(event cache.Event) {
	switch event.Kind {
	case cache.EventLoaded:
		s.Sweep()
	case cache.EventUpserted, cache.EventRemoved:
		s.Observe(event.ID)
	}
}

// Sweep evaluates every cached record.
func (s *Scheduler) Sweep() {
	s.mu.Lock()
	known := make([]string, 0, len(s.entries))
	for id := range s.entries {
		known = append(known, id)
	}
	s.mu.Unlock()
	for _, id := range known {
		if _, ok := s.cache.Get(id); !ok {
			s.Observe(id)
		}
	}
	for _, id := range s.cache.IDs() {
		s.Observe(id)
	}
}

// Observe re-evaluates the gates for id after its cached copy changed.
func (s *Scheduler) Observe(id string) {
	record, cached := s.cache.Get(id)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	e := s.entries[id]
	if !cached {
		if e != nil {
			s.stopLocked(e)
			delete(s.entries, id)
		}
		return
	}
	if e == nil {
		e = &entry{}
		s.entries[id] = e
	}
	if e.state == StateFiring {
		return
	}
	if !record.AIDirty || !Eligible(record, s.cfg) {
		if e.state == StateArmed {
			s.log.Debug("disarmed", zap.String("id", id))
		}
		s.stopLocked(e)
		return
	}
	s.armLocked(id, e)
}

// armLocked (re)starts the debounce timer. Inside the minimum gap the delay
// stretches to the end of the gap instead.
func (s *Scheduler) armLocked(id string, e *entry) {
	s.stopLocked(e)
	delay := s.cfg.Debounce
	if !e.lastFired.IsZero() {
		if remaining := s.cfg.MinGap - s.now().Sub(e.lastFired); remaining > delay {
			delay = remaining
		}
	}
	e.state = StateArmed
	e.gen++
	gen := e.gen
	e.timer = s.afterFunc(delay, func() { s.fire(id, gen) })
	s.log.Debug("armed", zap.String("id", id), zap.Duration("delay", delay))
}

func (s *Scheduler) stopLocked(e *entry) {
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
	if e.state == StateArmed {
		e.state = StateIdle
	}
}

func (s *Scheduler) fire(id string, gen uint64) {
	record, cached := s.cache.Get(id)

	s.mu.Lock()
	e := s.entries[id]
	if s.closed || e == nil || e.state != StateArmed || e.gen != gen {
		s.mu.Unlock()
		return
	}
	e.timer = nil
	if !cached || !record.AIDirty || !Eligible(record, s.cfg) {
		e.state = StateIdle
		s.mu.Unlock()
		return
	}
	if !e.lastFired.IsZero() && s.now().Sub(e.lastFired) < s.cfg.MinGap {
		s.armLocked(id, e)
		s.mu.Unlock()
		return
	}
	e.state = StateFiring
	e.lastFired = s.now()
	s.wg.Add(1)
	s.mu.Unlock()

	defer s.wg.Done()
	s.log.Debug("firing", zap.String("id", id), zap.Int("score", record.Score()))
	updated, err := s.refresher.Refresh(s.ctx, id)

	s.mu.Lock()
	if current := s.entries[id]; current != nil {
		current.state = StateIdle
	}
	s.mu.Unlock()

	if err != nil {
		s.log.Debug("background enrichment failed", zap.String("id", id), zap.Error(err))
		return
	}
	// A write that landed during the call is newer than the refresh result.
	current, ok := s.cache.Get(id)
	if ok && (current.UpdatedAt == record.UpdatedAt || current.UpdatedAt == updated.UpdatedAt) {
		s.cache.Put(updated)
		return
	}
	s.Observe(id)
}

// State reports the scheduler state of id.
func (s *Scheduler) State(id string) State {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e := s.entries[id]; e != nil {
		return e.state
	}
	return StateIdle
}

// Close cancels every pending timer and in-flight call and waits for
// firing calls to return.
func (s *Scheduler) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	for id, e := range s.entries {
		s.stopLocked(e)
		delete(s.entries, id)
	}
	s.mu.Unlock()
	s.unsubscribe()
	s.cancel()
	s.wg.Wait()
}

// Eligible applies the status and significance gates. The score must reach
// MinScore and differ from the score of the last analysed inputs by at
// least MinDelta; with no prior analysis any score at the floor qualifies.
func Eligible(record raid.Record, cfg Config) bool {
	if !record.Status.Active() {
		return false
	}
	score := record.Score()
	if score < cfg.MinScore {
		return false
	}
	ai := record.AI()
	if ai == nil || ai.Inputs == nil {
		return true
	}
	previous := raid.Score(ai.Inputs.Probability, ai.Inputs.Severity)
	delta := score - previous
	if delta < 0 {
		delta = -delta
	}
	return delta >= cfg.MinDelta
}
