package queuestore

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Fake is an in-memory Store used by tests that exercise Processor/
// RelayerPool logic without a live Postgres instance. It reproduces the
// same atomicity DequeueN relies on in production (a single mutex stands in
// for "SELECT ... FOR UPDATE SKIP LOCKED" — both guarantee no two callers
// walk away with the same request_id).
type Fake struct {
	mu   sync.Mutex
	rows map[RequestID]*Request
	now  func() time.Time
}

// NewFake returns an empty Fake store using time.Now for timestamps.
func NewFake() *Fake {
	return &Fake{
		rows: make(map[RequestID]*Request),
		now:  time.Now,
	}
}

// SetClock overrides the time source, for tests that need to simulate lease
// expiry without sleeping.
func (f *Fake) SetClock(now func() time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = now
}

// Seed inserts a row directly, bypassing Enqueue's idempotency check. Tests
// use this to construct rows in arbitrary states (e.g. an expired lease).
func (f *Fake) Seed(r Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := r
	f.rows[r.RequestID] = &cp
}

// Get returns a copy of the row, for test assertions.
func (f *Fake) Get(requestID RequestID) (Request, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.rows[requestID]
	if !ok {
		return Request{}, false
	}
	return *r, true
}

func (f *Fake) RunMigrations(ctx context.Context) error {
	return nil
}

func (f *Fake) Enqueue(ctx context.Context, requestID RequestID, contractAddress, network string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if _, exists := f.rows[requestID]; exists {
		return nil
	}

	now := f.now()
	f.rows[requestID] = &Request{
		RequestID:       requestID,
		ContractAddress: parseAddress(contractAddress),
		Network:         network,
		Status:          StatusPending,
		RetryCount:      0,
		MaxRetries:      DefaultMaxRetries,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	return nil
}

func (f *Fake) DequeueN(ctx context.Context, n int) ([]Request, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if n <= 0 {
		return nil, nil
	}

	now := f.now()

	var eligible []*Request
	for _, r := range f.rows {
		if r.RetryCount >= r.MaxRetries {
			continue
		}
		switch r.Status {
		case StatusPending:
			eligible = append(eligible, r)
		case StatusProcessing:
			if r.ProcessingStartedAt != nil && r.ProcessingStartedAt.Before(now.Add(-LeaseDuration)) {
				eligible = append(eligible, r)
			}
		}
	}

	sort.Slice(eligible, func(i, j int) bool {
		return eligible[i].CreatedAt.Before(eligible[j].CreatedAt)
	})

	if len(eligible) > n {
		eligible = eligible[:n]
	}

	out := make([]Request, 0, len(eligible))
	for _, r := range eligible {
		r.Status = StatusProcessing
		started := now
		r.ProcessingStartedAt = &started
		r.RetryCount++
		r.UpdatedAt = now
		out = append(out, *r)
	}
	return out, nil
}

func (f *Fake) MarkFulfilled(ctx context.Context, requestID RequestID) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	r, ok := f.rows[requestID]
	if !ok || isTerminal(r.Status) {
		return nil
	}
	now := f.now()
	r.Status = StatusFulfilled
	r.FulfilledAt = &now
	r.UpdatedAt = now
	return nil
}

func (f *Fake) Requeue(ctx context.Context, requestID RequestID) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	r, ok := f.rows[requestID]
	if !ok || isTerminal(r.Status) {
		return nil
	}
	r.Status = StatusPending
	r.ProcessingStartedAt = nil
	r.UpdatedAt = f.now()
	return nil
}

func (f *Fake) MarkFailed(ctx context.Context, requestID RequestID, errMsg string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	r, ok := f.rows[requestID]
	if !ok || isTerminal(r.Status) {
		return nil
	}

	if r.RetryCount >= r.MaxRetries {
		r.Status = StatusFailed
	} else {
		r.Status = StatusPending
	}
	msg := errMsg
	r.LastError = &msg
	r.ProcessingStartedAt = nil
	r.UpdatedAt = f.now()
	return nil
}

func (f *Fake) MarkBatchFailed(ctx context.Context, ids []RequestID, errMsg string) error {
	for _, id := range ids {
		if err := f.MarkFailed(ctx, id, errMsg); err != nil {
			return err
		}
	}
	return nil
}

func (f *Fake) PendingCount(ctx context.Context) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var count int64
	for _, r := range f.rows {
		if r.Status == StatusPending || r.Status == StatusProcessing {
			count++
		}
	}
	return count, nil
}

func isTerminal(s Status) bool {
	return s == StatusFulfilled || s == StatusFailed
}

var _ Store = (*Fake)(nil)
