package queuestore

import "context"

// Store is the persistence contract the Processor depends on.
// The production implementation (PgStore) backs it with Postgres row-level
// locking; Fake backs it with an in-memory map for tests that don't need a
// live database.
type Store interface {
	// Enqueue inserts a new pending row. Re-enqueuing an existing
	// request_id is a no-op.
	Enqueue(ctx context.Context, requestID RequestID, contractAddress string, network string) error

	// DequeueN atomically leases up to n eligible rows (pending, or
	// processing with an expired lease) ordered by created_at, skipping
	// rows already locked by a concurrent caller.
	DequeueN(ctx context.Context, n int) ([]Request, error)

	// MarkFulfilled transitions a row to the terminal fulfilled state. A
	// no-op if the row is already terminal.
	MarkFulfilled(ctx context.Context, requestID RequestID) error

	// Requeue returns a row to pending without touching retry_count. Used
	// when a batch transaction committed but this particular request was
	// not actually fulfilled on-chain.
	Requeue(ctx context.Context, requestID RequestID) error

	// MarkFailed records a per-request failure. The row becomes terminal
	// failed if retry_count has reached max_retries, otherwise it returns
	// to pending.
	MarkFailed(ctx context.Context, requestID RequestID, errMsg string) error

	// MarkBatchFailed applies MarkFailed to every id in ids.
	MarkBatchFailed(ctx context.Context, ids []RequestID, errMsg string) error

	// PendingCount returns the number of rows in {pending, processing}.
	PendingCount(ctx context.Context) (int64, error)

	// RunMigrations creates the pending_requests schema and table if they
	// do not already exist.
	RunMigrations(ctx context.Context) error
}
