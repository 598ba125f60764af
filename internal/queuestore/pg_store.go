package queuestore

import (
	"context"
	_ "embed"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
)

func parseAddress(hex string) common.Address {
	return common.HexToAddress(hex)
}

//go:embed migrations/001_create_pending_requests.sql
var migration001 string

// PgStore is the Postgres-backed Store implementation. All mutation is
// expressed through SQL with row-level locking; no in-process lock is
// required (spec: QueueStore is shared, durability lives in the database).
type PgStore struct {
	pool   *pgxpool.Pool
	logger zerolog.Logger
}

// NewPgStore wraps an already-constructed connection pool.
func NewPgStore(pool *pgxpool.Pool, logger zerolog.Logger) *PgStore {
	return &PgStore{
		pool:   pool,
		logger: logger.With().Str("component", "queuestore").Logger(),
	}
}

// Connect dials Postgres and returns a ready PgStore.
func Connect(ctx context.Context, databaseURL string, logger zerolog.Logger) (*PgStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("queuestore: failed to create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("queuestore: failed to ping database: %w", err)
	}
	return NewPgStore(pool, logger), nil
}

// Close releases the underlying connection pool.
func (s *PgStore) Close() {
	s.pool.Close()
}

func (s *PgStore) RunMigrations(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, migration001); err != nil {
		return fmt.Errorf("queuestore: migration failed: %w", err)
	}
	s.logger.Info().Msg("pending_requests schema ready")
	return nil
}

func (s *PgStore) Enqueue(ctx context.Context, requestID RequestID, contractAddress, network string) error {
	const query = `
		INSERT INTO vrf_oracle.pending_requests (request_id, contract_address, network, status)
		VALUES ($1, $2, $3, 'pending')
		ON CONFLICT (request_id) DO NOTHING
	`
	if _, err := s.pool.Exec(ctx, query, requestID[:], contractAddress, network); err != nil {
		return fmt.Errorf("queuestore: enqueue failed: %w", err)
	}
	return nil
}

func (s *PgStore) DequeueN(ctx context.Context, n int) ([]Request, error) {
	if n <= 0 {
		return nil, nil
	}

	const query = `
		UPDATE vrf_oracle.pending_requests
		SET status = 'processing',
		    processing_started_at = now(),
		    retry_count = retry_count + 1,
		    updated_at = now()
		WHERE request_id IN (
			SELECT request_id
			FROM vrf_oracle.pending_requests
			WHERE (status = 'pending'
				OR (status = 'processing' AND processing_started_at < now() - interval '5 minutes'))
				AND retry_count < max_retries
			ORDER BY created_at ASC
			FOR UPDATE SKIP LOCKED
			LIMIT $1
		)
		RETURNING request_id, contract_address, network, status, retry_count, max_retries,
		          created_at, updated_at, processing_started_at, fulfilled_at, last_error
	`

	rows, err := s.pool.Query(ctx, query, n)
	if err != nil {
		return nil, fmt.Errorf("queuestore: dequeue failed: %w", err)
	}
	defer rows.Close()

	requests, err := scanRequests(rows)
	if err != nil {
		return nil, fmt.Errorf("queuestore: dequeue scan failed: %w", err)
	}
	if len(requests) > 0 {
		s.logger.Debug().Int("count", len(requests)).Msg("dequeued requests")
	}
	return requests, nil
}

func (s *PgStore) MarkFulfilled(ctx context.Context, requestID RequestID) error {
	const query = `
		UPDATE vrf_oracle.pending_requests
		SET status = 'fulfilled',
		    fulfilled_at = now(),
		    updated_at = now()
		WHERE request_id = $1
		  AND status NOT IN ('fulfilled', 'failed')
	`
	if _, err := s.pool.Exec(ctx, query, requestID[:]); err != nil {
		return fmt.Errorf("queuestore: mark_fulfilled failed: %w", err)
	}
	return nil
}

func (s *PgStore) Requeue(ctx context.Context, requestID RequestID) error {
	const query = `
		UPDATE vrf_oracle.pending_requests
		SET status = 'pending',
		    processing_started_at = NULL,
		    updated_at = now()
		WHERE request_id = $1
		  AND status NOT IN ('fulfilled', 'failed')
	`
	if _, err := s.pool.Exec(ctx, query, requestID[:]); err != nil {
		return fmt.Errorf("queuestore: requeue failed: %w", err)
	}
	return nil
}

func (s *PgStore) MarkFailed(ctx context.Context, requestID RequestID, errMsg string) error {
	const query = `
		UPDATE vrf_oracle.pending_requests
		SET status = CASE WHEN retry_count >= max_retries THEN 'failed' ELSE 'pending' END,
		    last_error = $2,
		    processing_started_at = NULL,
		    updated_at = now()
		WHERE request_id = $1
		  AND status NOT IN ('fulfilled', 'failed')
	`
	if _, err := s.pool.Exec(ctx, query, requestID[:], errMsg); err != nil {
		return fmt.Errorf("queuestore: mark_failed failed: %w", err)
	}
	return nil
}

func (s *PgStore) MarkBatchFailed(ctx context.Context, ids []RequestID, errMsg string) error {
	for _, id := range ids {
		if err := s.MarkFailed(ctx, id, errMsg); err != nil {
			return err
		}
	}
	return nil
}

func (s *PgStore) PendingCount(ctx context.Context) (int64, error) {
	const query = `
		SELECT COUNT(*) FROM vrf_oracle.pending_requests
		WHERE status IN ('pending', 'processing')
	`
	var count int64
	if err := s.pool.QueryRow(ctx, query).Scan(&count); err != nil {
		return 0, fmt.Errorf("queuestore: pending_count failed: %w", err)
	}
	return count, nil
}

func scanRequests(rows pgx.Rows) ([]Request, error) {
	var out []Request
	for rows.Next() {
		var (
			r               Request
			requestIDBytes  []byte
			contractAddress string
		)
		if err := rows.Scan(
			&requestIDBytes,
			&contractAddress,
			&r.Network,
			&r.Status,
			&r.RetryCount,
			&r.MaxRetries,
			&r.CreatedAt,
			&r.UpdatedAt,
			&r.ProcessingStartedAt,
			&r.FulfilledAt,
			&r.LastError,
		); err != nil {
			return nil, err
		}
		if len(requestIDBytes) != 32 {
			return nil, fmt.Errorf("unexpected request_id length %d", len(requestIDBytes))
		}
		copy(r.RequestID[:], requestIDBytes)
		r.ContractAddress = parseAddress(contractAddress)
		out = append(out, r)
	}
	return out, rows.Err()
}

// waitForPool is a small helper used by integration tests to give a
// just-started Postgres container a moment before the first ping.
func waitForPool(ctx context.Context, pool *pgxpool.Pool, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	var lastErr error
	for time.Now().Before(deadline) {
		if lastErr = pool.Ping(ctx); lastErr == nil {
			return nil
		}
		time.Sleep(200 * time.Millisecond)
	}
	return lastErr
}
