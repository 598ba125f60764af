// Package relayerpool selects a relayer account for a batch attempt from a
// fixed set of signing identities, skipping accounts that are unhealthy or
// already committed to another in-flight batch.
package relayerpool

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"sync/atomic"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"

	"github.com/zamaoracle/vrf-fulfiller/internal/metrics"
)

// Account is the slice of ChainClient's behavior the pool depends on. It
// exists so tests can exercise scheduling and skip-reason logic with a
// fake account, without dialing a real RPC endpoint.
type Account interface {
	Address() common.Address
	IsAvailable(ctx context.Context, pendingThreshold int) (bool, metrics.SkipReason)
	SendBatch(ctx context.Context, calldata []byte) (common.Hash, error)
	Call(ctx context.Context, to common.Address, data []byte) ([]byte, error)
}

// Scheduler picks the order candidate accounts are tried in.
type Scheduler string

const (
	SchedulerRoundRobin Scheduler = "round_robin"
	SchedulerRandom     Scheduler = "random"
)

// DefaultPendingBlockThreshold is how many unconfirmed batches an account
// may carry before the pool treats it as saturated.
const DefaultPendingBlockThreshold = 20

// ErrNoAvailableRelayer is returned when every account in the pool is
// either leased to another caller or unhealthy.
var ErrNoAvailableRelayer = errors.New("relayerpool: no available relayer account")

// Pool holds a fixed set of relayer accounts and hands them out one at a
// time for the duration of a batch attempt.
type Pool struct {
	accounts         []Account
	scheduler        Scheduler
	pendingThreshold int
	logger           zerolog.Logger

	cursor atomic.Uint64

	mu     sync.Mutex
	leased map[common.Address]struct{}
}

// New builds a Pool over accounts. scheduler must be SchedulerRoundRobin or
// SchedulerRandom; pendingThreshold <= 0 falls back to
// DefaultPendingBlockThreshold.
func New(accounts []Account, scheduler Scheduler, pendingThreshold int, logger zerolog.Logger) (*Pool, error) {
	if len(accounts) == 0 {
		return nil, fmt.Errorf("relayerpool: at least one relayer account is required")
	}
	if scheduler != SchedulerRoundRobin && scheduler != SchedulerRandom {
		return nil, fmt.Errorf("relayerpool: unknown scheduler %q", scheduler)
	}
	if pendingThreshold <= 0 {
		pendingThreshold = DefaultPendingBlockThreshold
	}

	return &Pool{
		accounts:         accounts,
		scheduler:        scheduler,
		pendingThreshold: pendingThreshold,
		logger:           logger,
		leased:           make(map[common.Address]struct{}),
	}, nil
}

// Len returns the number of relayer accounts in the pool.
func (p *Pool) Len() int {
	return len(p.accounts)
}

// Accounts returns the underlying account list. Callers must not mutate it.
func (p *Pool) Accounts() []Account {
	return p.accounts
}

// Acquire tries each account in scheduling order (up to twice around the
// pool) and returns the first one that is both unleased and healthy. It
// marks the account leased before returning; callers must call Release
// when the batch attempt finishes, win or lose.
func (p *Pool) Acquire(ctx context.Context) (Account, error) {
	n := len(p.accounts)
	attempts := n * 2

	for i := 0; i < attempts; i++ {
		idx := p.nextIndex(n)
		account := p.accounts[idx]
		addr := account.Address()

		if p.tryLease(addr) {
			ok, reason := account.IsAvailable(ctx, p.pendingThreshold)
			if ok {
				metrics.RelayerSelected.WithLabelValues(addr.Hex()).Inc()
				return account, nil
			}
			p.Release(addr)
			metrics.RelayerSkipped.WithLabelValues(addr.Hex(), string(reason)).Inc()
		}
	}

	return nil, ErrNoAvailableRelayer
}

// Release frees addr for the next Acquire call.
func (p *Pool) Release(addr common.Address) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.leased, addr)
}

func (p *Pool) tryLease(addr common.Address) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, leased := p.leased[addr]; leased {
		return false
	}
	p.leased[addr] = struct{}{}
	return true
}

func (p *Pool) nextIndex(n int) int {
	switch p.scheduler {
	case SchedulerRandom:
		return rand.IntN(n)
	default:
		return int(p.cursor.Add(1)-1) % n
	}
}
