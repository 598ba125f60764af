package chainclient

import (
	"context"
	"math/big"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/zamaoracle/vrf-fulfiller/internal/metrics"
)

func newTestClient(balance *big.Int, minGasWei *big.Int) *ChainClient {
	return &ChainClient{
		minGasWei: minGasWei,
		logger:    zerolog.Nop(),
		state: AccountState{
			CachedBalance:    balance,
			LastBalanceCheck: time.Now(),
		},
	}
}

func TestIsAvailableHealthyAccount(t *testing.T) {
	c := newTestClient(big.NewInt(10e18), big.NewInt(5e15))
	ok, reason := c.IsAvailable(context.Background(), 20)
	require.True(t, ok)
	require.Empty(t, reason)
}

func TestIsAvailableInsufficientGas(t *testing.T) {
	c := newTestClient(big.NewInt(1e10), big.NewInt(5e15))
	ok, reason := c.IsAvailable(context.Background(), 20)
	require.False(t, ok)
	require.Equal(t, metrics.SkipInsufficientGas, reason)
}

func TestIsAvailablePendingTransaction(t *testing.T) {
	c := newTestClient(big.NewInt(10e18), big.NewInt(5e15))
	c.state.PendingTxCount = 20
	ok, reason := c.IsAvailable(context.Background(), 20)
	require.False(t, ok)
	require.Equal(t, metrics.SkipPendingTransaction, reason)
}

func TestIsAvailableRecentFailureCooldown(t *testing.T) {
	c := newTestClient(big.NewInt(10e18), big.NewInt(5e15))
	c.state.LastFailure = time.Now().Add(-5 * time.Second)
	ok, reason := c.IsAvailable(context.Background(), 20)
	require.False(t, ok)
	require.Equal(t, metrics.SkipRecentFailure, reason)
}

func TestIsAvailableFailureCooldownExpires(t *testing.T) {
	c := newTestClient(big.NewInt(10e18), big.NewInt(5e15))
	c.state.LastFailure = time.Now().Add(-failureCooldown - time.Second)
	ok, _ := c.IsAvailable(context.Background(), 20)
	require.True(t, ok)
}

func TestTrimHexPrefix(t *testing.T) {
	require.Equal(t, "abcd", trimHexPrefix("0xabcd"))
	require.Equal(t, "abcd", trimHexPrefix("abcd"))
}

func TestIsRetryableErrorClassification(t *testing.T) {
	require.True(t, isRetryableError(errString("connection refused")))
	require.True(t, isRetryableError(errString("503 service unavailable")))
	require.False(t, isRetryableError(errString("execution reverted")))
	require.False(t, isRetryableError(errString("nonce too low")))
	require.False(t, isRetryableError(nil))
}

type errString string

func (e errString) Error() string { return string(e) }
