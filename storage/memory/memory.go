// Package memory provides in-memory implementations of the tiersync store
// interfaces. Suitable for tests, development and single-instance deployments;
// horizontally scaled services should use the redis or postgres backends so
// limits and entitlements are shared.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/scanwise/tiersync/pkg/tiersync"
)

const (
	defaultSweepInterval = 10 * time.Minute
	defaultEventTTL      = 7 * 24 * time.Hour
)

// Config holds memory store configuration.
type Config struct {
	// SweepInterval is how often expired records are evicted (default: 10m).
	// Negative disables the background sweeper.
	SweepInterval time.Duration

	// EventTTL is how long processed event records are retained (default: 7d).
	// Provider retries are time-bounded, so days are enough.
	EventTTL time.Duration

	// Now returns the current time (default: time.Now). Tests inject a clock.
	Now func() time.Time
}

// Store implements tiersync.EntitlementStore, IdempotencyStore, QuotaStore
// and GrantStore over concurrency-safe maps. A background sweeper bounds
// memory growth by evicting expired quota windows and aged event records.
type Store struct {
	mu           sync.RWMutex
	entitlements map[string]tiersync.UserEntitlement
	events       map[string]tiersync.ProcessedEventRecord
	quotas       map[string]quotaEntry
	grants       map[string][]tiersync.Grant
	grantEvents  map[string]struct{}

	config   Config
	stop     chan struct{}
	stopOnce sync.Once
}

type quotaEntry struct {
	rec    tiersync.QuotaRecord
	window time.Duration
}

// New creates a memory store and starts its sweeper.
func New(config Config) *Store {
	if config.EventTTL == 0 {
		config.EventTTL = defaultEventTTL
	}
	if config.Now == nil {
		config.Now = time.Now
	}

	s := &Store{
		entitlements: make(map[string]tiersync.UserEntitlement),
		events:       make(map[string]tiersync.ProcessedEventRecord),
		quotas:       make(map[string]quotaEntry),
		grants:       make(map[string][]tiersync.Grant),
		grantEvents:  make(map[string]struct{}),
		config:       config,
		stop:         make(chan struct{}),
	}

	interval := config.SweepInterval
	if interval == 0 {
		interval = defaultSweepInterval
	}
	if interval > 0 {
		go s.sweepLoop(interval)
	}
	return s
}

// Close stops the background sweeper.
func (s *Store) Close() {
	s.stopOnce.Do(func() { close(s.stop) })
}

// GetEntitlement implements tiersync.EntitlementStore.
func (s *Store) GetEntitlement(_ context.Context, userID string) (*tiersync.UserEntitlement, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ent, ok := s.entitlements[userID]
	if !ok {
		return nil, tiersync.ErrEntitlementNotFound
	}
	// Copy out so callers cannot mutate stored state.
	entCopy := ent
	return &entCopy, nil
}

// SaveEntitlement implements tiersync.EntitlementStore with a conditional
// write on the record version.
func (s *Store) SaveEntitlement(_ context.Context, ent *tiersync.UserEntitlement, expectedVersion int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var current int64
	if stored, ok := s.entitlements[ent.UserID]; ok {
		current = stored.Version
	}
	if current != expectedVersion {
		return tiersync.ErrVersionConflict
	}

	next := *ent
	next.Version = expectedVersion + 1
	s.entitlements[ent.UserID] = next
	return nil
}

// GetProcessedEvent implements tiersync.IdempotencyStore.
func (s *Store) GetProcessedEvent(_ context.Context, eventID string) (*tiersync.ProcessedEventRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.events[eventID]
	if !ok {
		return nil, nil
	}
	recCopy := rec
	return &recCopy, nil
}

// RecordProcessedEvent implements tiersync.IdempotencyStore. First write wins.
func (s *Store) RecordProcessedEvent(_ context.Context, rec *tiersync.ProcessedEventRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.events[rec.EventID]; ok {
		return tiersync.ErrDuplicateEvent
	}
	s.events[rec.EventID] = *rec
	return nil
}

// IncrWindow implements tiersync.QuotaStore. The fixed-window check and
// increment run under one lock, so concurrent callers for the same identity
// cannot both pass at count = limit-1.
func (s *Store) IncrWindow(_ context.Context, id tiersync.Identity, limit int, window time.Duration, now time.Time) (*tiersync.QuotaRecord, bool, error) {
	key := id.Key()

	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.quotas[key]
	if !ok || !now.Before(e.rec.WindowStart.Add(e.window)) {
		e = quotaEntry{
			rec: tiersync.QuotaRecord{
				Identity:    id,
				WindowStart: now,
				Count:       1,
				Limit:       limit,
			},
			window: window,
		}
		s.quotas[key] = e
		rec := e.rec
		return &rec, true, nil
	}

	e.rec.Limit = limit
	if e.rec.Count >= limit {
		s.quotas[key] = e
		rec := e.rec
		return &rec, false, nil
	}

	e.rec.Count++
	s.quotas[key] = e
	rec := e.rec
	return &rec, true, nil
}

// PeekWindow implements tiersync.QuotaStore.
func (s *Store) PeekWindow(_ context.Context, id tiersync.Identity, now time.Time) (*tiersync.QuotaRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.quotas[id.Key()]
	if !ok || !now.Before(e.rec.WindowStart.Add(e.window)) {
		return nil, nil
	}
	rec := e.rec
	return &rec, nil
}

// AddGrant implements tiersync.GrantStore. Duplicate event IDs are no-ops.
func (s *Store) AddGrant(_ context.Context, g *tiersync.Grant) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.grantEvents[g.EventID]; ok {
		return nil
	}
	s.grantEvents[g.EventID] = struct{}{}
	s.grants[g.UserID] = append(s.grants[g.UserID], *g)
	return nil
}

// ListGrants implements tiersync.GrantStore.
func (s *Store) ListGrants(_ context.Context, userID string) ([]tiersync.Grant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	grants := s.grants[userID]
	out := make([]tiersync.Grant, len(grants))
	copy(out, grants)
	return out, nil
}

// Clear removes all data (useful for testing).
func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.entitlements = make(map[string]tiersync.UserEntitlement)
	s.events = make(map[string]tiersync.ProcessedEventRecord)
	s.quotas = make(map[string]quotaEntry)
	s.grants = make(map[string][]tiersync.Grant)
	s.grantEvents = make(map[string]struct{})
}

func (s *Store) sweepLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.Sweep()
		}
	}
}

// Sweep evicts expired quota windows and processed event records older than
// the retention TTL. Exposed so tests and operators can trigger it directly.
func (s *Store) Sweep() {
	now := s.config.Now().UTC()

	s.mu.Lock()
	defer s.mu.Unlock()

	for key, e := range s.quotas {
		if !now.Before(e.rec.WindowStart.Add(e.window)) {
			delete(s.quotas, key)
		}
	}
	cutoff := now.Add(-s.config.EventTTL)
	for id, rec := range s.events {
		if rec.ProcessedAt.Before(cutoff) {
			delete(s.events, id)
		}
	}
}
