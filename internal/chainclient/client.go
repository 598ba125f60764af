// Package chainclient wraps a single relayer account's RPC connection,
// nonce bookkeeping, and cached balance/health state, and knows how to
// submit one self-delegated batch transaction.
package chainclient

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"sync"
	"time"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/holiman/uint256"
	"github.com/rs/zerolog"

	"github.com/zamaoracle/vrf-fulfiller/internal/metrics"
)

// balanceStaleAfter is how long a cached balance is trusted before a
// relayer health check refreshes it from chain.
const balanceStaleAfter = 60 * time.Second

// failureCooldown is how long an account is passed over after its most
// recent send failure, giving a possibly-congested account room to clear.
const failureCooldown = 30 * time.Second

// AccountState is the mutable health snapshot of one relayer account.
type AccountState struct {
	CachedBalance     *big.Int
	LastBalanceCheck  time.Time
	PendingTxCount    int
	LastFailure       time.Time
	TotalTransactions uint64
	TotalFailures     uint64
}

// ChainClient owns one relayer account's key, RPC connection, and nonce.
type ChainClient struct {
	address     common.Address
	privateKey  *ecdsa.PrivateKey
	rpc         *ethclient.Client
	chainID     *big.Int
	minGasWei   *big.Int
	bebeAddress common.Address
	logger      zerolog.Logger

	mu               sync.Mutex
	state            AccountState
	nonce            uint64
	nonceInitialized bool
}

// Dial connects to rpcURL and derives a ChainClient for privateKeyHex.
// bebeAddress is the batch-delegate contract this account authorizes via
// EIP-7702 when it sends itself a batch transaction.
func Dial(ctx context.Context, rpcURL string, privateKeyHex string, minGasWei *big.Int, bebeAddress common.Address, logger zerolog.Logger) (*ChainClient, error) {
	client, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("chainclient: failed to dial %s: %w", rpcURL, err)
	}

	privateKey, err := crypto.HexToECDSA(trimHexPrefix(privateKeyHex))
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("chainclient: invalid private key: %w", err)
	}

	chainID, err := client.ChainID(ctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("chainclient: failed to fetch chain id: %w", err)
	}

	address := crypto.PubkeyToAddress(privateKey.PublicKey)

	cc := &ChainClient{
		address:     address,
		privateKey:  privateKey,
		rpc:         client,
		chainID:     chainID,
		minGasWei:   minGasWei,
		bebeAddress: bebeAddress,
		logger:      logger.With().Str("relayer", address.Hex()).Logger(),
	}

	if err := cc.refreshBalanceLocked(ctx); err != nil {
		client.Close()
		return nil, err
	}

	cc.logger.Info().
		Str("rpc_url", rpcURL).
		Int64("chain_id", chainID.Int64()).
		Str("balance_wei", cc.state.CachedBalance.String()).
		Msg("relayer account connected")

	return cc, nil
}

// Address returns the relayer's signing address.
func (c *ChainClient) Address() common.Address {
	return c.address
}

// Close releases the underlying RPC connection.
func (c *ChainClient) Close() {
	c.rpc.Close()
}

// IsAvailable reports whether this account may currently be handed a
// batch, and if not, why — mirroring the account health checks a relayer
// scheduler runs before committing an account to a batch attempt.
func (c *ChainClient) IsAvailable(ctx context.Context, pendingThreshold int) (bool, metrics.SkipReason) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.state.LastFailure.IsZero() && time.Since(c.state.LastFailure) < failureCooldown {
		return false, metrics.SkipRecentFailure
	}

	if c.state.PendingTxCount >= pendingThreshold {
		return false, metrics.SkipPendingTransaction
	}

	if time.Since(c.state.LastBalanceCheck) > balanceStaleAfter {
		// The lock is released for the duration of the balance RPC.
		c.mu.Unlock()
		balance, err := c.rpc.BalanceAt(ctx, c.address, nil)
		c.mu.Lock()
		if err != nil {
			c.logger.Warn().Err(err).Msg("balance refresh failed, treating account as unavailable")
			return false, metrics.SkipInsufficientGas
		}
		c.state.CachedBalance = balance
		c.state.LastBalanceCheck = time.Now()
	}

	if c.state.CachedBalance.Cmp(c.minGasWei) < 0 {
		return false, metrics.SkipInsufficientGas
	}

	return true, ""
}

// refreshBalanceLocked must be called with mu held.
func (c *ChainClient) refreshBalanceLocked(ctx context.Context) error {
	balance, err := c.rpc.BalanceAt(ctx, c.address, nil)
	if err != nil {
		return fmt.Errorf("chainclient: failed to fetch balance for %s: %w", c.address.Hex(), err)
	}
	c.state.CachedBalance = balance
	c.state.LastBalanceCheck = time.Now()
	return nil
}

// State returns a copy of the account's current health snapshot, for
// metrics and logging.
func (c *ChainClient) State() AccountState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// SendBatch submits one self-delegated batch transaction: recipient is the
// relayer's own address, data is the ERC-7821-shaped execute() calldata
// batchcodec built. It simulates, estimates gas, signs, and sends, then
// blocks until the transaction is mined or the context expires.
func (c *ChainClient) SendBatch(ctx context.Context, calldata []byte) (common.Hash, error) {
	c.mu.Lock()
	nonce, err := c.nextNonceLocked(ctx)
	if err != nil {
		c.mu.Unlock()
		return common.Hash{}, err
	}
	c.state.PendingTxCount++
	c.mu.Unlock()

	txHash, sendErr := c.sendAndWait(ctx, nonce, calldata)

	c.mu.Lock()
	c.state.PendingTxCount--
	c.state.TotalTransactions++
	if sendErr != nil {
		c.state.TotalFailures++
		// Only a retryable (transient/congestion) failure puts the account
		// in cooldown: a permanent failure (bad batch, reverted call) says
		// nothing about this account's health and shouldn't pass it over
		// for unrelated future batches.
		if isRetryableError(sendErr) {
			c.state.LastFailure = time.Now()
		}
		// A failed send may not have consumed the nonce (e.g. it never left
		// the node). The next SendBatch call re-derives nonce from chain.
		c.nonceInitialized = false
	}
	c.mu.Unlock()

	return txHash, sendErr
}

func (c *ChainClient) sendAndWait(ctx context.Context, nonce uint64, calldata []byte) (common.Hash, error) {
	msg := ethereum.CallMsg{
		From: c.address,
		To:   &c.address,
		Data: calldata,
	}

	if err := simulate(ctx, c.rpc, msg); err != nil {
		return common.Hash{}, err
	}

	gasLimit, err := estimateGasWithBuffer(ctx, c.rpc, msg, 20)
	if err != nil {
		return common.Hash{}, err
	}

	tipCap, err := c.rpc.SuggestGasTipCap(ctx)
	if err != nil {
		return common.Hash{}, fmt.Errorf("chainclient: failed to suggest gas tip cap: %w", err)
	}
	feeCap, err := c.rpc.SuggestGasPrice(ctx)
	if err != nil {
		return common.Hash{}, fmt.Errorf("chainclient: failed to suggest gas price: %w", err)
	}
	feeCap = new(big.Int).Add(feeCap, tipCap)

	// The self-send authorization nonce is the account nonce the chain will
	// observe once this transaction itself has been applied: tx nonce + 1.
	auth, err := types.SignSetCode(c.privateKey, types.SetCodeAuthorization{
		ChainID: *uint256.MustFromBig(c.chainID),
		Address: c.bebeAddress,
		Nonce:   nonce + 1,
	})
	if err != nil {
		return common.Hash{}, fmt.Errorf("chainclient: failed to sign delegation authorization: %w", err)
	}

	tx := types.NewTx(&types.SetCodeTx{
		ChainID:   uint256.MustFromBig(c.chainID),
		Nonce:     nonce,
		GasTipCap: uint256.MustFromBig(tipCap),
		GasFeeCap: uint256.MustFromBig(feeCap),
		Gas:       gasLimit,
		To:        c.address,
		Value:     uint256.NewInt(0),
		Data:      calldata,
		AuthList:  []types.SetCodeAuthorization{auth},
	})

	signer := types.LatestSignerForChainID(c.chainID)
	signedTx, err := types.SignTx(tx, signer, c.privateKey)
	if err != nil {
		return common.Hash{}, fmt.Errorf("chainclient: failed to sign transaction: %w", err)
	}

	if err := c.rpc.SendTransaction(ctx, signedTx); err != nil {
		return common.Hash{}, fmt.Errorf("chainclient: failed to send batch transaction: %w", err)
	}

	receipt, err := c.waitForReceipt(ctx, signedTx.Hash())
	if err != nil {
		return signedTx.Hash(), err
	}
	if receipt.Status == types.ReceiptStatusFailed {
		return signedTx.Hash(), fmt.Errorf("chainclient: batch transaction %s reverted", signedTx.Hash().Hex())
	}
	return signedTx.Hash(), nil
}

func (c *ChainClient) waitForReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	for {
		receipt, err := c.rpc.TransactionReceipt(ctx, txHash)
		if err == nil {
			return receipt, nil
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("chainclient: timed out waiting for %s: %w", txHash.Hex(), ctx.Err())
		case <-ticker.C:
		}
	}
}

// nextNonceLocked must be called with mu held.
func (c *ChainClient) nextNonceLocked(ctx context.Context) (uint64, error) {
	if !c.nonceInitialized {
		pending, err := c.rpc.PendingNonceAt(ctx, c.address)
		if err != nil {
			return 0, fmt.Errorf("chainclient: failed to fetch nonce for %s: %w", c.address.Hex(), err)
		}
		c.nonce = pending
		c.nonceInitialized = true
	}
	next := c.nonce
	c.nonce++
	return next, nil
}

// Call performs a read-only eth_call against the latest block.
func (c *ChainClient) Call(ctx context.Context, to common.Address, data []byte) ([]byte, error) {
	result, err := c.rpc.CallContract(ctx, ethereum.CallMsg{To: &to, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("chainclient: call to %s failed: %w", to.Hex(), err)
	}
	return result, nil
}

func trimHexPrefix(s string) string {
	if len(s) >= 2 && s[0] == '0' && (s[1] == 'x' || s[1] == 'X') {
		return s[2:]
	}
	return s
}
