// Package queuestore implements the durable, at-least-once work queue that
// backs VRF fulfillment: a Postgres-backed table of pending_requests with
// per-row leases, retry accounting, and terminal states.
package queuestore

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Status is one of the four states a Request may occupy. Status transitions
// follow a fixed state machine; fulfilled and failed are terminal.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusFulfilled  Status = "fulfilled"
	StatusFailed     Status = "failed"
)

// DefaultMaxRetries is the retry ceiling applied to newly enqueued requests
// unless the caller overrides it.
const DefaultMaxRetries = 5

// LeaseDuration is how long a row may remain in StatusProcessing before it
// becomes re-eligible for dequeue, modeling a crashed or stuck worker.
const LeaseDuration = 5 * time.Minute

// RequestID is the 32-byte opaque key the indexer assigns to each
// RandomnessRequested event.
type RequestID [32]byte

// Request is a single row of the pending_requests table.
type Request struct {
	RequestID           RequestID
	ContractAddress     common.Address
	Network             string
	Status              Status
	RetryCount          int
	MaxRetries          int
	CreatedAt           time.Time
	UpdatedAt           time.Time
	ProcessingStartedAt *time.Time
	FulfilledAt         *time.Time
	LastError           *string
}
