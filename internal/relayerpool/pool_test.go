package relayerpool

import (
	"context"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/zamaoracle/vrf-fulfiller/internal/metrics"
)

type fakeAccount struct {
	addr      common.Address
	available bool
	reason    metrics.SkipReason
	sendCalls int
}

func (f *fakeAccount) Address() common.Address { return f.addr }

func (f *fakeAccount) IsAvailable(ctx context.Context, pendingThreshold int) (bool, metrics.SkipReason) {
	return f.available, f.reason
}

func (f *fakeAccount) SendBatch(ctx context.Context, calldata []byte) (common.Hash, error) {
	f.sendCalls++
	return common.Hash{}, nil
}

func (f *fakeAccount) Call(ctx context.Context, to common.Address, data []byte) ([]byte, error) {
	return nil, nil
}

func newFake(b byte, available bool, reason metrics.SkipReason) *fakeAccount {
	var addr common.Address
	addr[19] = b
	return &fakeAccount{addr: addr, available: available, reason: reason}
}

func TestAcquireReturnsFirstHealthyAccount(t *testing.T) {
	a1 := newFake(1, false, metrics.SkipInsufficientGas)
	a2 := newFake(2, true, "")
	pool, err := New([]Account{a1, a2}, SchedulerRoundRobin, 20, zerolog.Nop())
	require.NoError(t, err)

	got, err := pool.Acquire(context.Background())
	require.NoError(t, err)
	require.Equal(t, a2.addr, got.Address())
}

func TestAcquireErrorsWhenAllUnavailable(t *testing.T) {
	a1 := newFake(1, false, metrics.SkipInsufficientGas)
	a2 := newFake(2, false, metrics.SkipPendingTransaction)
	pool, err := New([]Account{a1, a2}, SchedulerRoundRobin, 20, zerolog.Nop())
	require.NoError(t, err)

	_, err = pool.Acquire(context.Background())
	require.ErrorIs(t, err, ErrNoAvailableRelayer)
}

func TestAcquireSkipsLeasedAccount(t *testing.T) {
	a1 := newFake(1, true, "")
	a2 := newFake(2, true, "")
	pool, err := New([]Account{a1, a2}, SchedulerRoundRobin, 20, zerolog.Nop())
	require.NoError(t, err)

	first, err := pool.Acquire(context.Background())
	require.NoError(t, err)

	second, err := pool.Acquire(context.Background())
	require.NoError(t, err)
	require.NotEqual(t, first.Address(), second.Address())
}

func TestReleaseMakesAccountAcquirableAgain(t *testing.T) {
	a1 := newFake(1, true, "")
	pool, err := New([]Account{a1}, SchedulerRoundRobin, 20, zerolog.Nop())
	require.NoError(t, err)

	got, err := pool.Acquire(context.Background())
	require.NoError(t, err)

	_, err = pool.Acquire(context.Background())
	require.ErrorIs(t, err, ErrNoAvailableRelayer)

	pool.Release(got.Address())

	got2, err := pool.Acquire(context.Background())
	require.NoError(t, err)
	require.Equal(t, a1.addr, got2.Address())
}

func TestNewRejectsEmptyAccounts(t *testing.T) {
	_, err := New(nil, SchedulerRoundRobin, 20, zerolog.Nop())
	require.Error(t, err)
}

func TestNewRejectsUnknownScheduler(t *testing.T) {
	a1 := newFake(1, true, "")
	_, err := New([]Account{a1}, Scheduler("bogus"), 20, zerolog.Nop())
	require.Error(t, err)
}

func TestNewDefaultsPendingThreshold(t *testing.T) {
	a1 := newFake(1, true, "")
	pool, err := New([]Account{a1}, SchedulerRoundRobin, 0, zerolog.Nop())
	require.NoError(t, err)
	require.Equal(t, DefaultPendingBlockThreshold, pool.pendingThreshold)
}
