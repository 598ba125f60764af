package chainclient

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
)

// simulate runs the call as an eth_call against the latest block before a
// real send, so a reverting batch is caught before gas is spent and a
// relayer nonce is burned.
func simulate(ctx context.Context, client *ethclient.Client, msg ethereum.CallMsg) error {
	if _, err := client.CallContract(ctx, msg, nil); err != nil {
		if strings.Contains(err.Error(), "execution reverted") {
			return fmt.Errorf("chainclient: simulation reverted: %w", err)
		}
		return fmt.Errorf("chainclient: simulation failed: %w", err)
	}
	return nil
}

// estimateGasWithBuffer estimates gas for msg and pads it by bufferPercent,
// capped at a conservative per-transaction ceiling.
func estimateGasWithBuffer(ctx context.Context, client *ethclient.Client, msg ethereum.CallMsg, bufferPercent int) (uint64, error) {
	estimate, err := client.EstimateGas(ctx, msg)
	if err != nil {
		return 0, fmt.Errorf("chainclient: gas estimation failed: %w", err)
	}

	withBuffer := estimate + estimate*uint64(bufferPercent)/100
	const maxGasLimit = 30_000_000
	if withBuffer > maxGasLimit {
		withBuffer = maxGasLimit
	}
	return withBuffer, nil
}

// isRetryableError classifies an RPC/send failure as transient (network
// blip, congested node) versus permanent (the batch itself is bad and
// resending it would fail again the same way). Only a retryable failure
// puts the account into its failure cooldown; either kind is reported to
// the caller as a send error.
func isRetryableError(err error) bool {
	if err == nil {
		return false
	}

	errStr := err.Error()
	permanent := []string{
		"execution reverted",
		"insufficient funds",
		"gas too low",
		"nonce too low",
		"replacement transaction underpriced",
		"already known",
	}
	for _, p := range permanent {
		if strings.Contains(errStr, p) {
			return false
		}
	}

	retryable := []string{
		"connection refused",
		"connection reset",
		"EOF",
		"timeout",
		"no such host",
		"network is unreachable",
		"429",
		"502",
		"503",
		"504",
	}
	for _, r := range retryable {
		if strings.Contains(errStr, r) {
			return true
		}
	}

	var rpcErr rpc.Error
	if errors.As(err, &rpcErr) {
		code := rpcErr.ErrorCode()
		if code == -32000 || code == -32603 {
			return true
		}
	}

	return true
}
