// Package postgres provides the Postgres-backed queue store.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/creatorlift/engagement-ingest/internal/ingest"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// The lease row is a singleton; acquisition succeeds only when the previous
// lease has expired.
const leaseID = 1

// QueueStoreConfig controls the Postgres connection pool and table names.
type QueueStoreConfig struct {
	DSN             string
	Table           string
	LeaseTable      string
	LeaseTTL        time.Duration
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type pgxPool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
	Close()
}

// QueueStore persists fetch requests in Postgres.
type QueueStore struct {
	pool       pgxPool
	table      string
	leaseTable string
	leaseTTL   time.Duration
}

// NewQueueStore creates a Postgres-backed QueueStore using the provided config.
func NewQueueStore(ctx context.Context, cfg QueueStoreConfig) (*QueueStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("db.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return newStore(pool, cfg)
}

// NewQueueStoreWithPool constructs a store from an existing pool (primarily for testing).
func NewQueueStoreWithPool(pool pgxPool, cfg QueueStoreConfig) (*QueueStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return newStore(pool, cfg)
}

func newStore(pool pgxPool, cfg QueueStoreConfig) (*QueueStore, error) {
	table := cfg.Table
	if table == "" {
		table = "fetch_requests"
	}
	leaseTable := cfg.LeaseTable
	if leaseTable == "" {
		leaseTable = "fetch_run_lease"
	}
	for _, name := range []string{table, leaseTable} {
		if !validTableName.MatchString(name) {
			return nil, fmt.Errorf("invalid table name %q", name)
		}
	}
	leaseTTL := cfg.LeaseTTL
	if leaseTTL <= 0 {
		leaseTTL = 45 * time.Minute
	}
	return &QueueStore{
		pool:       pool,
		table:      table,
		leaseTable: leaseTable,
		leaseTTL:   leaseTTL,
	}, nil
}

// Close releases the underlying pool resources.
func (s *QueueStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

const requestColumns = `
	id,
	handle,
	campaign_id,
	snapshot_id,
	snapshot_date,
	platform_source,
	display_name,
	status,
	is_data_duplicated,
	source_record_id,
	error_message,
	payload,
	payload_blob_uri,
	queued_at,
	started_at,
	completed_at`

// EnqueueBatch inserts all rows in one transaction so a mid-batch error
// persists nothing.
func (s *QueueStore) EnqueueBatch(ctx context.Context, reqs []ingest.FetchRequest) error {
	if len(reqs) == 0 {
		return nil
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin enqueue tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	query := fmt.Sprintf(`
INSERT INTO %s (%s) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)`,
		s.table, requestColumns)

	for _, req := range reqs {
		payloadJSON, err := marshalPayload(req.Payload)
		if err != nil {
			return err
		}
		var sourceID *string
		if req.SourceRecordID != "" {
			sourceID = &req.SourceRecordID
		}
		if _, err := tx.Exec(ctx, query,
			req.ID,
			req.Handle,
			req.CampaignID,
			req.SnapshotID,
			req.SnapshotDate,
			req.PlatformSource,
			req.DisplayName,
			string(req.Status),
			req.IsDataDuplicated,
			sourceID,
			req.ErrorMessage,
			payloadJSON,
			req.PayloadBlobURI,
			req.QueuedAt,
			req.StartedAt,
			req.CompletedAt,
		); err != nil {
			return fmt.Errorf("insert request %s: %w", req.ID, err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit enqueue tx: %w", err)
	}
	return nil
}

// FindDuplicate returns the oldest completed or queued request matching the
// identity tuple.
func (s *QueueStore) FindDuplicate(ctx context.Context, id ingest.Identity) (ingest.FetchRequest, error) {
	query := fmt.Sprintf(`
SELECT %s FROM %s
WHERE handle = $1
  AND campaign_id = $2
  AND snapshot_date = $3
  AND platform_source = $4
  AND status IN ('completed', 'pending', 'in_progress')
ORDER BY queued_at ASC, id ASC
LIMIT 1`, requestColumns, s.table)

	row := s.pool.QueryRow(ctx, query, id.Handle, id.CampaignID, id.SnapshotDate, id.PlatformSource)
	req, err := scanRequest(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return ingest.FetchRequest{}, ingest.ErrNotFound
	}
	if err != nil {
		return ingest.FetchRequest{}, fmt.Errorf("find duplicate: %w", err)
	}
	return req, nil
}

// SelectPending returns up to limit pending requests, oldest first.
func (s *QueueStore) SelectPending(ctx context.Context, limit int) ([]ingest.FetchRequest, error) {
	query := fmt.Sprintf(`
SELECT %s FROM %s
WHERE status = 'pending'
ORDER BY queued_at ASC, id ASC
LIMIT $1`, requestColumns, s.table)

	rows, err := s.pool.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("select pending: %w", err)
	}
	defer rows.Close()

	var out []ingest.FetchRequest
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			return nil, fmt.Errorf("scan pending row: %w", err)
		}
		out = append(out, req)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate pending rows: %w", err)
	}
	return out, nil
}

// GetRequest fetches a request by ID.
func (s *QueueStore) GetRequest(ctx context.Context, id string) (ingest.FetchRequest, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE id = $1`, requestColumns, s.table)
	req, err := scanRequest(s.pool.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return ingest.FetchRequest{}, ingest.ErrNotFound
	}
	if err != nil {
		return ingest.FetchRequest{}, fmt.Errorf("get request: %w", err)
	}
	return req, nil
}

// MarkInProgress transitions a pending request into in_progress.
func (s *QueueStore) MarkInProgress(ctx context.Context, id string, at time.Time) error {
	query := fmt.Sprintf(`
UPDATE %s SET status = 'in_progress', started_at = $2
WHERE id = $1 AND status = 'pending'`, s.table)
	return s.guardedUpdate(ctx, id, ingest.StatusInProgress, query, id, at)
}

// Complete transitions an in_progress request into completed.
func (s *QueueStore) Complete(ctx context.Context, id string, payload ingest.EngagementData, blobURI string, at time.Time) error {
	payloadJSON, err := marshalPayload(&payload)
	if err != nil {
		return err
	}
	query := fmt.Sprintf(`
UPDATE %s SET status = 'completed', payload = $2, payload_blob_uri = $3, completed_at = $4, error_message = ''
WHERE id = $1 AND status = 'in_progress'`, s.table)
	return s.guardedUpdate(ctx, id, ingest.StatusCompleted, query, id, payloadJSON, blobURI, at)
}

// Fail transitions an in_progress request into failed with the error detail.
func (s *QueueStore) Fail(ctx context.Context, id string, message string, at time.Time) error {
	query := fmt.Sprintf(`
UPDATE %s SET status = 'failed', error_message = $2, completed_at = $3
WHERE id = $1 AND status = 'in_progress'`, s.table)
	return s.guardedUpdate(ctx, id, ingest.StatusFailed, query, id, message, at)
}

// MarkRateLimited transitions an in_progress request into rate_limited.
func (s *QueueStore) MarkRateLimited(ctx context.Context, id string) error {
	query := fmt.Sprintf(`
UPDATE %s SET status = 'rate_limited'
WHERE id = $1 AND status = 'in_progress'`, s.table)
	return s.guardedUpdate(ctx, id, ingest.StatusRateLimited, query, id)
}

// Requeue moves a failed or rate_limited request back to pending.
func (s *QueueStore) Requeue(ctx context.Context, id string) error {
	query := fmt.Sprintf(`
UPDATE %s SET status = 'pending', error_message = '', started_at = NULL, completed_at = NULL
WHERE id = $1 AND status IN ('failed', 'rate_limited')`, s.table)
	return s.guardedUpdate(ctx, id, ingest.StatusPending, query, id)
}

// guardedUpdate runs a transition update whose WHERE clause encodes the legal
// source states. Zero rows affected means either a missing row or an illegal
// transition; we look up the row to tell the two apart.
func (s *QueueStore) guardedUpdate(ctx context.Context, id string, next ingest.Status, query string, args ...any) error {
	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("transition to %s: %w", next, err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}
	current, err := s.GetRequest(ctx, id)
	if err != nil {
		return err
	}
	return fmt.Errorf("%w %s -> %s for request %s", ingest.ErrInvalidTransition, current.Status, next, id)
}

// CountByStatus returns row counts keyed by status.
func (s *QueueStore) CountByStatus(ctx context.Context) (map[ingest.Status]int64, error) {
	query := fmt.Sprintf(`SELECT status, COUNT(*) FROM %s GROUP BY status`, s.table)
	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("count by status: %w", err)
	}
	defer rows.Close()

	counts := make(map[ingest.Status]int64)
	for rows.Next() {
		var (
			status string
			count  int64
		)
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("scan status count: %w", err)
		}
		counts[ingest.Status(status)] = count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate status counts: %w", err)
	}
	return counts, nil
}

// DeleteOlderThan removes rows queued before the cutoff regardless of status.
func (s *QueueStore) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	query := fmt.Sprintf(`DELETE FROM %s WHERE queued_at < $1`, s.table)
	tag, err := s.pool.Exec(ctx, query, cutoff)
	if err != nil {
		return 0, fmt.Errorf("delete old rows: %w", err)
	}
	return tag.RowsAffected(), nil
}

// TryRunLock takes the singleton run lease when it is free or expired. The
// lease lives in its own table so it survives process crashes and works
// across instances; the TTL bounds how long a crashed holder can block runs.
func (s *QueueStore) TryRunLock(ctx context.Context) (bool, error) {
	query := fmt.Sprintf(`
INSERT INTO %s (id, acquired_at, expires_at)
VALUES ($1, NOW(), NOW() + $2::interval)
ON CONFLICT (id) DO UPDATE
SET acquired_at = NOW(), expires_at = NOW() + $2::interval
WHERE %s.expires_at < NOW()`, s.leaseTable, s.leaseTable)

	interval := fmt.Sprintf("%d seconds", int64(s.leaseTTL.Seconds()))
	tag, err := s.pool.Exec(ctx, query, leaseID, interval)
	if err != nil {
		return false, fmt.Errorf("acquire run lease: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// ReleaseRunLock expires the run lease immediately.
func (s *QueueStore) ReleaseRunLock(ctx context.Context) error {
	query := fmt.Sprintf(`UPDATE %s SET expires_at = NOW() WHERE id = $1`, s.leaseTable)
	if _, err := s.pool.Exec(ctx, query, leaseID); err != nil {
		return fmt.Errorf("release run lease: %w", err)
	}
	return nil
}

func marshalPayload(payload *ingest.EngagementData) ([]byte, error) {
	if payload == nil {
		return nil, nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	return data, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRequest(row rowScanner) (ingest.FetchRequest, error) {
	var (
		req         ingest.FetchRequest
		status      string
		sourceID    *string
		payloadJSON []byte
		startedAt   *time.Time
		completedAt *time.Time
	)
	if err := row.Scan(
		&req.ID,
		&req.Handle,
		&req.CampaignID,
		&req.SnapshotID,
		&req.SnapshotDate,
		&req.PlatformSource,
		&req.DisplayName,
		&status,
		&req.IsDataDuplicated,
		&sourceID,
		&req.ErrorMessage,
		&payloadJSON,
		&req.PayloadBlobURI,
		&req.QueuedAt,
		&startedAt,
		&completedAt,
	); err != nil {
		return ingest.FetchRequest{}, err
	}
	req.Status = ingest.Status(status)
	if sourceID != nil {
		req.SourceRecordID = *sourceID
	}
	if len(payloadJSON) > 0 {
		var payload ingest.EngagementData
		if err := json.Unmarshal(payloadJSON, &payload); err != nil {
			return ingest.FetchRequest{}, fmt.Errorf("unmarshal payload: %w", err)
		}
		req.Payload = &payload
	}
	req.StartedAt = startedAt
	req.CompletedAt = completedAt
	return req, nil
}
