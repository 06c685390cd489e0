// Package postgres provides a PostgreSQL implementation of the tiersync store
// interfaces. Entitlement writes use a conditional UPDATE on the version
// counter; quota increments run inside a transaction with SELECT FOR UPDATE so
// the fixed-window check-and-increment cannot race across instances.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/scanwise/tiersync/pkg/tiersync"
)

// Schema creates the tables the store expects. Run it once at deploy time or
// call EnsureSchema from the service bootstrap.
const Schema = `
CREATE TABLE IF NOT EXISTS user_entitlements (
	user_id                  TEXT PRIMARY KEY,
	tier                     TEXT NOT NULL,
	status                   TEXT NOT NULL,
	provider_customer_id     TEXT NOT NULL DEFAULT '',
	provider_subscription_id TEXT NOT NULL DEFAULT '',
	current_period_end       TIMESTAMPTZ,
	updated_at               TIMESTAMPTZ NOT NULL,
	version                  BIGINT NOT NULL
);

CREATE TABLE IF NOT EXISTS processed_events (
	event_id     TEXT PRIMARY KEY,
	processed_at TIMESTAMPTZ NOT NULL,
	outcome      TEXT NOT NULL,
	reason       TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS quota_records (
	identity     TEXT NOT NULL,
	window_start TIMESTAMPTZ NOT NULL,
	count        INTEGER NOT NULL,
	quota_limit  INTEGER NOT NULL,
	window_ms    BIGINT NOT NULL,
	PRIMARY KEY (identity, window_start)
);

CREATE TABLE IF NOT EXISTS entitlement_grants (
	event_id   TEXT PRIMARY KEY,
	user_id    TEXT NOT NULL,
	grant_type TEXT NOT NULL,
	granted_at TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_entitlement_grants_user ON entitlement_grants (user_id);
CREATE INDEX IF NOT EXISTS idx_processed_events_age ON processed_events (processed_at);
`

// Config holds PostgreSQL store configuration.
type Config struct {
	// ConnectionString is the PostgreSQL connection string (required).
	ConnectionString string

	// Pool configuration.
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration

	// CleanupEnabled runs a background loop deleting aged processed events
	// and finished quota windows.
	CleanupEnabled  bool
	CleanupInterval time.Duration
	EventTTL        time.Duration
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		MaxConns:        10,
		MinConns:        2,
		MaxConnLifetime: time.Hour,
		CleanupEnabled:  true,
		CleanupInterval: time.Hour,
		EventTTL:        7 * 24 * time.Hour,
	}
}

// Store implements the tiersync store interfaces over PostgreSQL.
type Store struct {
	pool        *pgxpool.Pool
	config      Config
	stopCleanup func()
}

// New creates a PostgreSQL store adapter and verifies connectivity.
func New(ctx context.Context, config Config) (*Store, error) {
	if config.ConnectionString == "" {
		return nil, fmt.Errorf("connection string is required")
	}
	if config.CleanupInterval == 0 {
		config.CleanupInterval = time.Hour
	}
	if config.EventTTL == 0 {
		config.EventTTL = 7 * 24 * time.Hour
	}

	poolConfig, err := pgxpool.ParseConfig(config.ConnectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}
	if config.MaxConns > 0 {
		poolConfig.MaxConns = config.MaxConns
	}
	if config.MinConns > 0 {
		poolConfig.MinConns = config.MinConns
	}
	if config.MaxConnLifetime > 0 {
		poolConfig.MaxConnLifetime = config.MaxConnLifetime
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	cleanupCtx, cancel := context.WithCancel(context.Background())
	s := &Store{
		pool:        pool,
		config:      config,
		stopCleanup: cancel,
	}
	if config.CleanupEnabled {
		go s.cleanupLoop(cleanupCtx)
	}
	return s, nil
}

// EnsureSchema creates the tables if they do not exist.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("%w: ensure schema: %v", tiersync.ErrStoreUnavailable, err)
	}
	return nil
}

// Close stops background cleanup and releases the pool.
func (s *Store) Close() {
	if s.stopCleanup != nil {
		s.stopCleanup()
	}
	if s.pool != nil {
		s.pool.Close()
	}
}

// GetEntitlement implements tiersync.EntitlementStore.
func (s *Store) GetEntitlement(ctx context.Context, userID string) (*tiersync.UserEntitlement, error) {
	var ent tiersync.UserEntitlement
	var periodEnd *time.Time

	err := s.pool.QueryRow(ctx,
		`SELECT user_id, tier, status, provider_customer_id, provider_subscription_id,
			current_period_end, updated_at, version
		   FROM user_entitlements WHERE user_id = $1`,
		userID).Scan(
		&ent.UserID, &ent.Tier, &ent.Status, &ent.ProviderCustomerID,
		&ent.ProviderSubscriptionID, &periodEnd, &ent.UpdatedAt, &ent.Version)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, tiersync.ErrEntitlementNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: get entitlement: %v", tiersync.ErrStoreUnavailable, err)
	}
	if periodEnd != nil {
		ent.CurrentPeriodEnd = periodEnd.UTC()
	}
	ent.UpdatedAt = ent.UpdatedAt.UTC()
	return &ent, nil
}

// SaveEntitlement implements tiersync.EntitlementStore with a conditional
// write: inserts must not collide, updates must match the expected version.
func (s *Store) SaveEntitlement(ctx context.Context, ent *tiersync.UserEntitlement, expectedVersion int64) error {
	var periodEnd *time.Time
	if !ent.CurrentPeriodEnd.IsZero() {
		t := ent.CurrentPeriodEnd.UTC()
		periodEnd = &t
	}

	if expectedVersion == 0 {
		tag, err := s.pool.Exec(ctx,
			`INSERT INTO user_entitlements
				(user_id, tier, status, provider_customer_id, provider_subscription_id,
				 current_period_end, updated_at, version)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, 1)
			 ON CONFLICT (user_id) DO NOTHING`,
			ent.UserID, ent.Tier, ent.Status, ent.ProviderCustomerID,
			ent.ProviderSubscriptionID, periodEnd, ent.UpdatedAt.UTC())
		if err != nil {
			return fmt.Errorf("%w: insert entitlement: %v", tiersync.ErrStoreUnavailable, err)
		}
		if tag.RowsAffected() == 0 {
			return tiersync.ErrVersionConflict
		}
		return nil
	}

	tag, err := s.pool.Exec(ctx,
		`UPDATE user_entitlements
		    SET tier = $2, status = $3, provider_customer_id = $4,
		        provider_subscription_id = $5, current_period_end = $6,
		        updated_at = $7, version = version + 1
		  WHERE user_id = $1 AND version = $8`,
		ent.UserID, ent.Tier, ent.Status, ent.ProviderCustomerID,
		ent.ProviderSubscriptionID, periodEnd, ent.UpdatedAt.UTC(), expectedVersion)
	if err != nil {
		return fmt.Errorf("%w: update entitlement: %v", tiersync.ErrStoreUnavailable, err)
	}
	if tag.RowsAffected() == 0 {
		return tiersync.ErrVersionConflict
	}
	return nil
}

// GetProcessedEvent implements tiersync.IdempotencyStore.
func (s *Store) GetProcessedEvent(ctx context.Context, eventID string) (*tiersync.ProcessedEventRecord, error) {
	var rec tiersync.ProcessedEventRecord
	err := s.pool.QueryRow(ctx,
		`SELECT event_id, processed_at, outcome, reason
		   FROM processed_events WHERE event_id = $1`,
		eventID).Scan(&rec.EventID, &rec.ProcessedAt, &rec.Outcome, &rec.Reason)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: get processed event: %v", tiersync.ErrStoreUnavailable, err)
	}
	rec.ProcessedAt = rec.ProcessedAt.UTC()
	return &rec, nil
}

// RecordProcessedEvent implements tiersync.IdempotencyStore.
func (s *Store) RecordProcessedEvent(ctx context.Context, rec *tiersync.ProcessedEventRecord) error {
	tag, err := s.pool.Exec(ctx,
		`INSERT INTO processed_events (event_id, processed_at, outcome, reason)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (event_id) DO NOTHING`,
		rec.EventID, rec.ProcessedAt.UTC(), rec.Outcome, rec.Reason)
	if err != nil {
		return fmt.Errorf("%w: record processed event: %v", tiersync.ErrStoreUnavailable, err)
	}
	if tag.RowsAffected() == 0 {
		return tiersync.ErrDuplicateEvent
	}
	return nil
}

// IncrWindow implements tiersync.QuotaStore. A transaction-scoped advisory
// lock on the identity serializes concurrent deciders. Row locks alone cannot
// do that here: when no live window exists there is no row to lock, and two
// first requests would each insert their own window and both admit.
func (s *Store) IncrWindow(ctx context.Context, id tiersync.Identity, limit int, window time.Duration, now time.Time) (*tiersync.QuotaRecord, bool, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, false, fmt.Errorf("%w: begin: %v", tiersync.ErrStoreUnavailable, err)
	}
	//nolint:errcheck // Rollback after commit is a no-op.
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx,
		`SELECT pg_advisory_xact_lock(hashtext($1))`, id.Key()); err != nil {
		return nil, false, fmt.Errorf("%w: lock quota identity: %v", tiersync.ErrStoreUnavailable, err)
	}

	var windowStart time.Time
	var count int
	var windowMs int64
	err = tx.QueryRow(ctx,
		`SELECT window_start, count, window_ms
		   FROM quota_records
		  WHERE identity = $1
		  ORDER BY window_start DESC
		  LIMIT 1`,
		id.Key()).Scan(&windowStart, &count, &windowMs)

	live := err == nil && now.Before(windowStart.Add(time.Duration(windowMs)*time.Millisecond))
	switch {
	case errors.Is(err, pgx.ErrNoRows) || !live:
		if err != nil && !errors.Is(err, pgx.ErrNoRows) {
			return nil, false, fmt.Errorf("%w: read quota: %v", tiersync.ErrStoreUnavailable, err)
		}
		windowStart = now.UTC()
		count = 1
		_, err = tx.Exec(ctx,
			`INSERT INTO quota_records (identity, window_start, count, quota_limit, window_ms)
			 VALUES ($1, $2, 1, $3, $4)`,
			id.Key(), windowStart, limit, window.Milliseconds())
		if err != nil {
			return nil, false, fmt.Errorf("%w: reset quota window: %v", tiersync.ErrStoreUnavailable, err)
		}

	case count >= limit:
		if err := tx.Commit(ctx); err != nil {
			return nil, false, fmt.Errorf("%w: commit: %v", tiersync.ErrStoreUnavailable, err)
		}
		return &tiersync.QuotaRecord{
			Identity:    id,
			WindowStart: windowStart.UTC(),
			Count:       count,
			Limit:       limit,
		}, false, nil

	default:
		count++
		_, err = tx.Exec(ctx,
			`UPDATE quota_records SET count = $3, quota_limit = $4
			  WHERE identity = $1 AND window_start = $2`,
			id.Key(), windowStart, count, limit)
		if err != nil {
			return nil, false, fmt.Errorf("%w: increment quota: %v", tiersync.ErrStoreUnavailable, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, false, fmt.Errorf("%w: commit: %v", tiersync.ErrStoreUnavailable, err)
	}
	return &tiersync.QuotaRecord{
		Identity:    id,
		WindowStart: windowStart.UTC(),
		Count:       count,
		Limit:       limit,
	}, true, nil
}

// PeekWindow implements tiersync.QuotaStore.
func (s *Store) PeekWindow(ctx context.Context, id tiersync.Identity, now time.Time) (*tiersync.QuotaRecord, error) {
	var windowStart time.Time
	var count, limit int
	var windowMs int64
	err := s.pool.QueryRow(ctx,
		`SELECT window_start, count, quota_limit, window_ms
		   FROM quota_records
		  WHERE identity = $1
		  ORDER BY window_start DESC
		  LIMIT 1`,
		id.Key()).Scan(&windowStart, &count, &limit, &windowMs)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: peek quota: %v", tiersync.ErrStoreUnavailable, err)
	}
	if !now.Before(windowStart.Add(time.Duration(windowMs) * time.Millisecond)) {
		return nil, nil
	}
	return &tiersync.QuotaRecord{
		Identity:    id,
		WindowStart: windowStart.UTC(),
		Count:       count,
		Limit:       limit,
	}, nil
}

// AddGrant implements tiersync.GrantStore. The event-ID primary key makes
// duplicate deliveries no-ops.
func (s *Store) AddGrant(ctx context.Context, g *tiersync.Grant) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO entitlement_grants (event_id, user_id, grant_type, granted_at)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (event_id) DO NOTHING`,
		g.EventID, g.UserID, g.Type, g.GrantedAt.UTC())
	if err != nil {
		return fmt.Errorf("%w: add grant: %v", tiersync.ErrStoreUnavailable, err)
	}
	return nil
}

// ListGrants implements tiersync.GrantStore.
func (s *Store) ListGrants(ctx context.Context, userID string) ([]tiersync.Grant, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT event_id, user_id, grant_type, granted_at
		   FROM entitlement_grants WHERE user_id = $1 ORDER BY granted_at`,
		userID)
	if err != nil {
		return nil, fmt.Errorf("%w: list grants: %v", tiersync.ErrStoreUnavailable, err)
	}
	defer rows.Close()

	var grants []tiersync.Grant
	for rows.Next() {
		var g tiersync.Grant
		if err := rows.Scan(&g.EventID, &g.UserID, &g.Type, &g.GrantedAt); err != nil {
			return nil, fmt.Errorf("%w: scan grant: %v", tiersync.ErrStoreUnavailable, err)
		}
		g.GrantedAt = g.GrantedAt.UTC()
		grants = append(grants, g)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: list grants: %v", tiersync.ErrStoreUnavailable, err)
	}
	return grants, nil
}

// Ping verifies connectivity.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return fmt.Errorf("%w: %v", tiersync.ErrStoreUnavailable, err)
	}
	return nil
}

func (s *Store) cleanupLoop(ctx context.Context) {
	ticker := time.NewTicker(s.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			//nolint:errcheck // Cleanup is best effort; next tick retries.
			_ = s.Cleanup(ctx)
		}
	}
}

// Cleanup deletes processed events past the retention TTL and quota windows
// that have fully elapsed.
func (s *Store) Cleanup(ctx context.Context) error {
	cutoff := time.Now().UTC().Add(-s.config.EventTTL)
	if _, err := s.pool.Exec(ctx,
		`DELETE FROM processed_events WHERE processed_at < $1`, cutoff); err != nil {
		return fmt.Errorf("%w: cleanup events: %v", tiersync.ErrStoreUnavailable, err)
	}
	if _, err := s.pool.Exec(ctx,
		`DELETE FROM quota_records
		  WHERE window_start + (window_ms * interval '1 millisecond') < now()`); err != nil {
		return fmt.Errorf("%w: cleanup quota windows: %v", tiersync.ErrStoreUnavailable, err)
	}
	return nil
}
