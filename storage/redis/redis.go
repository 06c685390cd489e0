// Package redis provides Redis implementations of the tiersync store
// interfaces. Atomic operations (fixed-window increments, conditional
// entitlement writes, grant appends) run as Lua scripts so multiple service
// instances can share one set of counters and records safely.
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/scanwise/tiersync/pkg/tiersync"
)

// Config holds Redis store configuration.
type Config struct {
	// KeyPrefix is prepended to all keys (default: "tiersync:").
	KeyPrefix string

	// EventTTL is the retention for processed event records and grant
	// idempotency markers (default: 7 days).
	EventTTL time.Duration
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		KeyPrefix: "tiersync:",
		EventTTL:  7 * 24 * time.Hour,
	}
}

// Store implements the tiersync store interfaces over Redis.
type Store struct {
	client redis.UniversalClient
	config Config

	incrWindowScript *redis.Script
	saveEntScript    *redis.Script
	addGrantScript   *redis.Script
}

// New creates a Redis store adapter. The client can be *redis.Client,
// *redis.ClusterClient or *redis.Ring.
func New(client redis.UniversalClient, config Config) (*Store, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if config.KeyPrefix == "" {
		config.KeyPrefix = "tiersync:"
	}
	if config.EventTTL == 0 {
		config.EventTTL = 7 * 24 * time.Hour
	}

	return &Store{
		client: client,
		config: config,

		// Fixed-window counter: reset when the stored window has elapsed,
		// otherwise increment only while count < limit.
		incrWindowScript: redis.NewScript(`
			local key = KEYS[1]
			local limit = tonumber(ARGV[1])
			local windowMs = tonumber(ARGV[2])
			local nowMs = tonumber(ARGV[3])

			local start = tonumber(redis.call('HGET', key, 'start'))
			local count = tonumber(redis.call('HGET', key, 'count'))

			if (not start) or (nowMs >= start + windowMs) then
				redis.call('HSET', key, 'start', nowMs, 'count', 1, 'limit', limit, 'windowms', windowMs)
				redis.call('PEXPIRE', key, windowMs)
				return {nowMs, 1, 1}
			end

			redis.call('HSET', key, 'limit', limit)
			if count >= limit then
				return {start, count, 0}
			end

			count = count + 1
			redis.call('HSET', key, 'count', count)
			return {start, count, 1}
		`),

		// Conditional write keyed on the stored version counter.
		saveEntScript: redis.NewScript(`
			local key = KEYS[1]
			local expected = tonumber(ARGV[1])
			local data = ARGV[2]

			local version = tonumber(redis.call('HGET', key, 'version'))
			if not version then
				version = 0
			end
			if version ~= expected then
				return 0
			end

			redis.call('HSET', key, 'version', expected + 1, 'data', data)
			return 1
		`),

		// Grant append with event-ID idempotency in one atomic step.
		addGrantScript: redis.NewScript(`
			local evtKey = KEYS[1]
			local listKey = KEYS[2]
			local grant = ARGV[1]
			local ttlMs = tonumber(ARGV[2])

			if redis.call('SETNX', evtKey, 1) == 0 then
				return 0
			end
			if ttlMs > 0 then
				redis.call('PEXPIRE', evtKey, ttlMs)
			end
			redis.call('RPUSH', listKey, grant)
			return 1
		`),
	}, nil
}

func (s *Store) entitlementKey(userID string) string {
	return s.config.KeyPrefix + "ent:" + userID
}

func (s *Store) eventKey(eventID string) string {
	return s.config.KeyPrefix + "evt:" + eventID
}

func (s *Store) quotaKey(id tiersync.Identity) string {
	return s.config.KeyPrefix + "quota:" + id.Key()
}

func (s *Store) grantsKey(userID string) string {
	return s.config.KeyPrefix + "grants:" + userID
}

func (s *Store) grantEventKey(eventID string) string {
	return s.config.KeyPrefix + "grantevt:" + eventID
}

// GetEntitlement implements tiersync.EntitlementStore.
func (s *Store) GetEntitlement(ctx context.Context, userID string) (*tiersync.UserEntitlement, error) {
	data, err := s.client.HGet(ctx, s.entitlementKey(userID), "data").Result()
	if err == redis.Nil {
		return nil, tiersync.ErrEntitlementNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", tiersync.ErrStoreUnavailable, err)
	}

	var ent tiersync.UserEntitlement
	if err := json.Unmarshal([]byte(data), &ent); err != nil {
		return nil, fmt.Errorf("%w: corrupt entitlement for %s: %v", tiersync.ErrStoreUnavailable, userID, err)
	}
	return &ent, nil
}

// SaveEntitlement implements tiersync.EntitlementStore. The version check and
// write are atomic inside the script.
func (s *Store) SaveEntitlement(ctx context.Context, ent *tiersync.UserEntitlement, expectedVersion int64) error {
	next := *ent
	next.Version = expectedVersion + 1
	data, err := json.Marshal(&next)
	if err != nil {
		return fmt.Errorf("marshal entitlement: %w", err)
	}

	res, err := s.saveEntScript.Run(ctx, s.client,
		[]string{s.entitlementKey(ent.UserID)},
		expectedVersion, string(data)).Int64()
	if err != nil {
		return fmt.Errorf("%w: %v", tiersync.ErrStoreUnavailable, err)
	}
	if res == 0 {
		return tiersync.ErrVersionConflict
	}
	return nil
}

// GetProcessedEvent implements tiersync.IdempotencyStore.
func (s *Store) GetProcessedEvent(ctx context.Context, eventID string) (*tiersync.ProcessedEventRecord, error) {
	data, err := s.client.Get(ctx, s.eventKey(eventID)).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", tiersync.ErrStoreUnavailable, err)
	}

	var rec tiersync.ProcessedEventRecord
	if err := json.Unmarshal([]byte(data), &rec); err != nil {
		return nil, fmt.Errorf("%w: corrupt event record %s: %v", tiersync.ErrStoreUnavailable, eventID, err)
	}
	return &rec, nil
}

// RecordProcessedEvent implements tiersync.IdempotencyStore. SET NX gives
// first-write-wins; the TTL matches the provider's retry horizon.
func (s *Store) RecordProcessedEvent(ctx context.Context, rec *tiersync.ProcessedEventRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal event record: %w", err)
	}

	ok, err := s.client.SetNX(ctx, s.eventKey(rec.EventID), string(data), s.config.EventTTL).Result()
	if err != nil {
		return fmt.Errorf("%w: %v", tiersync.ErrStoreUnavailable, err)
	}
	if !ok {
		return tiersync.ErrDuplicateEvent
	}
	return nil
}

// IncrWindow implements tiersync.QuotaStore.
func (s *Store) IncrWindow(ctx context.Context, id tiersync.Identity, limit int, window time.Duration, now time.Time) (*tiersync.QuotaRecord, bool, error) {
	res, err := s.incrWindowScript.Run(ctx, s.client,
		[]string{s.quotaKey(id)},
		limit, window.Milliseconds(), now.UnixMilli()).Int64Slice()
	if err != nil {
		return nil, false, fmt.Errorf("%w: %v", tiersync.ErrStoreUnavailable, err)
	}
	if len(res) != 3 {
		return nil, false, fmt.Errorf("%w: unexpected script result", tiersync.ErrStoreUnavailable)
	}

	rec := &tiersync.QuotaRecord{
		Identity:    id,
		WindowStart: time.UnixMilli(res[0]).UTC(),
		Count:       int(res[1]),
		Limit:       limit,
	}
	return rec, res[2] == 1, nil
}

// PeekWindow implements tiersync.QuotaStore.
func (s *Store) PeekWindow(ctx context.Context, id tiersync.Identity, now time.Time) (*tiersync.QuotaRecord, error) {
	vals, err := s.client.HMGet(ctx, s.quotaKey(id), "start", "count", "limit", "windowms").Result()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", tiersync.ErrStoreUnavailable, err)
	}

	start, ok1 := toInt64(vals[0])
	count, ok2 := toInt64(vals[1])
	limit, ok3 := toInt64(vals[2])
	windowMs, ok4 := toInt64(vals[3])
	if !ok1 || !ok2 || !ok3 || !ok4 {
		return nil, nil
	}
	if now.UnixMilli() >= start+windowMs {
		return nil, nil
	}

	return &tiersync.QuotaRecord{
		Identity:    id,
		WindowStart: time.UnixMilli(start).UTC(),
		Count:       int(count),
		Limit:       int(limit),
	}, nil
}

// AddGrant implements tiersync.GrantStore.
func (s *Store) AddGrant(ctx context.Context, g *tiersync.Grant) error {
	data, err := json.Marshal(g)
	if err != nil {
		return fmt.Errorf("marshal grant: %w", err)
	}

	_, err = s.addGrantScript.Run(ctx, s.client,
		[]string{s.grantEventKey(g.EventID), s.grantsKey(g.UserID)},
		string(data), s.config.EventTTL.Milliseconds()).Int64()
	if err != nil {
		return fmt.Errorf("%w: %v", tiersync.ErrStoreUnavailable, err)
	}
	return nil
}

// ListGrants implements tiersync.GrantStore.
func (s *Store) ListGrants(ctx context.Context, userID string) ([]tiersync.Grant, error) {
	items, err := s.client.LRange(ctx, s.grantsKey(userID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", tiersync.ErrStoreUnavailable, err)
	}

	grants := make([]tiersync.Grant, 0, len(items))
	for _, item := range items {
		var g tiersync.Grant
		if err := json.Unmarshal([]byte(item), &g); err != nil {
			return nil, fmt.Errorf("%w: corrupt grant for %s: %v", tiersync.ErrStoreUnavailable, userID, err)
		}
		grants = append(grants, g)
	}
	return grants, nil
}

// Ping verifies connectivity.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("%w: %v", tiersync.ErrStoreUnavailable, err)
	}
	return nil
}

func toInt64(v interface{}) (int64, bool) {
	switch val := v.(type) {
	case string:
		var n int64
		if _, err := fmt.Sscan(val, &n); err != nil {
			return 0, false
		}
		return n, true
	case int64:
		return val, true
	default:
		return 0, false
	}
}
