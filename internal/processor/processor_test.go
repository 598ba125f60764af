package processor

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/zamaoracle/vrf-fulfiller/internal/batchcodec"
	"github.com/zamaoracle/vrf-fulfiller/internal/metrics"
	"github.com/zamaoracle/vrf-fulfiller/internal/queuestore"
	"github.com/zamaoracle/vrf-fulfiller/internal/randsrc"
	"github.com/zamaoracle/vrf-fulfiller/internal/relayerpool"
)

// fakeAccount implements relayerpool.Account for test-driven control over
// batch outcomes without a live RPC endpoint.
type fakeAccount struct {
	addr      common.Address
	available bool

	mu         sync.Mutex
	sendErr    error
	sendCalls  int
	fulfilled  map[[32]byte]bool
	callErrFor map[[32]byte]error
}

func newFakeAccount(b byte) *fakeAccount {
	var addr common.Address
	addr[19] = b
	return &fakeAccount{addr: addr, available: true, fulfilled: make(map[[32]byte]bool), callErrFor: make(map[[32]byte]error)}
}

func (f *fakeAccount) Address() common.Address { return f.addr }

func (f *fakeAccount) IsAvailable(ctx context.Context, pendingThreshold int) (bool, metrics.SkipReason) {
	if f.available {
		return true, ""
	}
	return false, metrics.SkipInsufficientGas
}

func (f *fakeAccount) SendBatch(ctx context.Context, calldata []byte) (common.Hash, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sendCalls++
	if f.sendErr != nil {
		return common.Hash{}, f.sendErr
	}
	return common.HexToHash("0xabc"), nil
}

func (f *fakeAccount) Call(ctx context.Context, to common.Address, data []byte) ([]byte, error) {
	var requestID [32]byte
	copy(requestID[:], data[4:36])

	f.mu.Lock()
	callErr := f.callErrFor[requestID]
	fulfilled := f.fulfilled[requestID]
	f.mu.Unlock()

	if callErr != nil {
		return nil, callErr
	}
	return batchcodec.EncodeGetRandomnessResult(fulfilled, big.NewInt(42))
}

func mustPool(t *testing.T, accounts []relayerpool.Account, scheduler relayerpool.Scheduler) *relayerpool.Pool {
	t.Helper()
	pool, err := relayerpool.New(accounts, scheduler, 20, zerolog.Nop())
	require.NoError(t, err)
	return pool
}

func newTestProcessor(store queuestore.Store, pool *relayerpool.Pool) *Processor {
	cfg := DefaultConfig()
	cfg.MaxBatchSize = 10
	cfg.BatchTimeout = 0
	cfg.RelayerBackoff = 10 * time.Millisecond
	cfg.RelayerMaxRetries = 1
	return New(store, pool, randsrc.New(), cfg, zerolog.Nop())
}

func seedPending(store *queuestore.Fake, b byte, contract common.Address) queuestore.RequestID {
	var id queuestore.RequestID
	id[31] = b
	store.Seed(queuestore.Request{
		RequestID:       id,
		ContractAddress: contract,
		Network:         "local",
		Status:          queuestore.StatusPending,
		MaxRetries:      queuestore.DefaultMaxRetries,
		CreatedAt:       time.Now(),
	})
	return id
}

func TestSingleRequestHappyPath(t *testing.T) {
	store := queuestore.NewFake()
	contract := common.HexToAddress("0x00000000000000000000000000000000000C1")
	id := seedPending(store, 1, contract)

	account := newFakeAccount(1)
	account.fulfilled[id] = true

	pool := mustPool(t, []relayerpool.Account{account}, relayerpool.SchedulerRoundRobin)
	p := newTestProcessor(store, pool)

	p.tick(context.Background())
	p.wg.Wait()

	row, ok := store.Get(id)
	require.True(t, ok)
	require.Equal(t, queuestore.StatusFulfilled, row.Status)
	require.Equal(t, 1, account.sendCalls)
}

func TestBatchPartiallyFulfilled(t *testing.T) {
	store := queuestore.NewFake()
	contract := common.HexToAddress("0x00000000000000000000000000000000000C1")
	id1 := seedPending(store, 1, contract)
	id2 := seedPending(store, 2, contract)
	id3 := seedPending(store, 3, contract)

	account := newFakeAccount(1)
	account.fulfilled[id1] = true
	account.fulfilled[id2] = true
	account.fulfilled[id3] = false

	pool := mustPool(t, []relayerpool.Account{account}, relayerpool.SchedulerRoundRobin)
	p := newTestProcessor(store, pool)

	p.tick(context.Background())
	p.wg.Wait()

	row1, _ := store.Get(id1)
	row2, _ := store.Get(id2)
	row3, _ := store.Get(id3)
	require.Equal(t, queuestore.StatusFulfilled, row1.Status)
	require.Equal(t, queuestore.StatusFulfilled, row2.Status)
	require.Equal(t, queuestore.StatusPending, row3.Status)
	require.Equal(t, 1, row3.RetryCount, "requeue must not consume retry budget")
}

func TestInsufficientGasRoutesToHealthyRelayer(t *testing.T) {
	store := queuestore.NewFake()
	contract := common.HexToAddress("0x00000000000000000000000000000000000C1")
	id := seedPending(store, 1, contract)

	unhealthy := newFakeAccount(1)
	unhealthy.available = false
	healthy := newFakeAccount(2)
	healthy.fulfilled[id] = true

	pool := mustPool(t, []relayerpool.Account{unhealthy, healthy}, relayerpool.SchedulerRoundRobin)
	p := newTestProcessor(store, pool)

	p.tick(context.Background())
	p.wg.Wait()

	require.Equal(t, 0, unhealthy.sendCalls)
	require.Equal(t, 1, healthy.sendCalls)

	row, _ := store.Get(id)
	require.Equal(t, queuestore.StatusFulfilled, row.Status)
}

func TestLeaseExpiryRecovery(t *testing.T) {
	store := queuestore.NewFake()
	contract := common.HexToAddress("0x00000000000000000000000000000000000C1")
	var id queuestore.RequestID
	id[31] = 9
	staleStart := time.Now().Add(-6 * time.Minute)
	store.Seed(queuestore.Request{
		RequestID:           id,
		ContractAddress:     contract,
		Status:              queuestore.StatusProcessing,
		MaxRetries:          queuestore.DefaultMaxRetries,
		CreatedAt:           staleStart,
		ProcessingStartedAt: &staleStart,
	})

	account := newFakeAccount(1)
	account.fulfilled[id] = true

	pool := mustPool(t, []relayerpool.Account{account}, relayerpool.SchedulerRoundRobin)
	p := newTestProcessor(store, pool)

	p.tick(context.Background())
	p.wg.Wait()

	row, _ := store.Get(id)
	require.Equal(t, queuestore.StatusFulfilled, row.Status)
}

func TestMaxRetriesExhaustsToFailed(t *testing.T) {
	store := queuestore.NewFake()
	contract := common.HexToAddress("0x00000000000000000000000000000000000C1")
	var id queuestore.RequestID
	id[31] = 5
	store.Seed(queuestore.Request{
		RequestID:       id,
		ContractAddress: contract,
		Status:          queuestore.StatusPending,
		MaxRetries:      1,
		CreatedAt:       time.Now(),
	})

	account := newFakeAccount(1)
	account.sendErr = errors.New("execution reverted")

	pool := mustPool(t, []relayerpool.Account{account}, relayerpool.SchedulerRoundRobin)
	p := newTestProcessor(store, pool)

	// First dequeue cycle: retry_count becomes 1 == max_retries, send fails,
	// mark_batch_failed transitions the row to terminal failed.
	p.tick(context.Background())
	p.wg.Wait()

	row, _ := store.Get(id)
	require.Equal(t, queuestore.StatusFailed, row.Status)
	require.NotNil(t, row.LastError)
}

func TestRelayerAcquisitionExhaustionLeavesRowsForLeaseRecovery(t *testing.T) {
	store := queuestore.NewFake()
	contract := common.HexToAddress("0x00000000000000000000000000000000000C1")
	id := seedPending(store, 1, contract)

	unhealthy := newFakeAccount(1)
	unhealthy.available = false

	pool := mustPool(t, []relayerpool.Account{unhealthy}, relayerpool.SchedulerRoundRobin)
	p := newTestProcessor(store, pool)

	p.tick(context.Background())
	p.wg.Wait()

	require.Equal(t, 0, unhealthy.sendCalls)

	row, ok := store.Get(id)
	require.True(t, ok)
	require.Equal(t, queuestore.StatusProcessing, row.Status, "row must stay leased for DequeueN's lease-expiry recovery, not be marked failed")
	require.Equal(t, 1, row.RetryCount, "relayer acquisition exhaustion must not burn a retry slot")
	require.Nil(t, row.LastError)
}

func TestParallelBatchesAcrossDistinctRelayers(t *testing.T) {
	store := queuestore.NewFake()
	contract := common.HexToAddress("0x00000000000000000000000000000000000C1")

	var ids []queuestore.RequestID
	for i := byte(1); i <= 30; i++ {
		ids = append(ids, seedPending(store, i, contract))
	}

	accounts := []*fakeAccount{newFakeAccount(1), newFakeAccount(2), newFakeAccount(3)}
	var poolAccounts []relayerpool.Account
	for _, a := range accounts {
		for _, id := range ids {
			a.fulfilled[id] = true
		}
		poolAccounts = append(poolAccounts, a)
	}

	pool := mustPool(t, poolAccounts, relayerpool.SchedulerRoundRobin)
	p := newTestProcessor(store, pool)
	p.cfg.MaxBatchSize = 10

	p.tick(context.Background())
	p.wg.Wait()

	totalSends := 0
	distinctUsed := 0
	for _, a := range accounts {
		if a.sendCalls > 0 {
			distinctUsed++
		}
		totalSends += a.sendCalls
	}
	require.Equal(t, 3, distinctUsed, "each of the 3 relayers should take one batch")
	require.Equal(t, 3, totalSends)

	for _, id := range ids {
		row, _ := store.Get(id)
		require.Equal(t, queuestore.StatusFulfilled, row.Status)
	}
}
