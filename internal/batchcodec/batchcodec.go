// Package batchcodec encodes a list of per-request fulfillment calls into a
// single batch-execute payload for the self-delegated batch contract, and
// decodes the per-request "isFulfilled" query result.
//
// The batch delegate is ERC-7821-shaped: execute(bytes32 mode, bytes
// executionData), sent to the signer's own address (EIP-7702-style
// self-delegation) rather than a fixed deployed contract address. There is
// no generated contract binding anywhere in this call path: a batch
// attempt only ever needs raw calldata, to embed in a batch call or to
// pass to ChainClient.Call for verification, so accounts/abi is used
// directly to pack and unpack every call this package handles.
package batchcodec

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// ExecuteMode is the batch-execute mode constant: 0x01 followed by 31 zero
// bytes. Its meaning beyond the leading byte is opaque to this codec and
// pinned by test vector against the target contract.
var ExecuteMode = func() [32]byte {
	var m [32]byte
	m[0] = 0x01
	return m
}()

// Call is one sub-call of a batch: a plain value transfer with calldata,
// matching the ERC-7821 Call tuple {address to, uint256 value, bytes data}.
type Call struct {
	To    common.Address
	Value *big.Int
	Data  []byte
}

var (
	uint256Type, _ = abi.NewType("uint256", "", nil)
	bytes32Type, _ = abi.NewType("bytes32", "", nil)
	bytesType, _   = abi.NewType("bytes", "", nil)
	boolType, _    = abi.NewType("bool", "", nil)

	callArrayType, _ = abi.NewType("tuple[]", "", []abi.ArgumentMarshaling{
		{Name: "to", Type: "address"},
		{Name: "value", Type: "uint256"},
		{Name: "data", Type: "bytes"},
	})

	fulfillRandomnessArgs = abi.Arguments{
		{Name: "requestId", Type: bytes32Type},
		{Name: "randomness", Type: uint256Type},
	}

	getRandomnessReturnArgs = abi.Arguments{
		{Name: "fulfilled", Type: boolType},
		{Name: "randomness", Type: uint256Type},
	}

	executionDataArgs = abi.Arguments{{Name: "calls", Type: callArrayType}}

	executeArgs = abi.Arguments{
		{Name: "mode", Type: bytes32Type},
		{Name: "executionData", Type: bytesType},
	}
)

var fulfillRandomnessSelector = methodSelector("fulfillRandomness(bytes32,uint256)")
var executeSelector = methodSelector("execute(bytes32,bytes)")

func methodSelector(signature string) []byte {
	hash := crypto.Keccak256Hash([]byte(signature))
	return hash[:4]
}

// EncodeFulfillRandomness packs a single fulfillRandomness(requestId,
// randomness) call against a requester contract.
func EncodeFulfillRandomness(requestID [32]byte, randomness *big.Int) ([]byte, error) {
	packed, err := fulfillRandomnessArgs.Pack(requestID, randomness)
	if err != nil {
		return nil, fmt.Errorf("batchcodec: failed to pack fulfillRandomness: %w", err)
	}
	return append(append([]byte{}, fulfillRandomnessSelector...), packed...), nil
}

// BuildCalls builds one BatchCall per (requestID, contractAddress,
// randomness) triple, each carrying calldata for the requester contract's
// fulfillRandomness.
func BuildCalls(requestIDs [][32]byte, contracts []common.Address, randomness []*big.Int) ([]Call, error) {
	if len(requestIDs) != len(contracts) || len(requestIDs) != len(randomness) {
		return nil, fmt.Errorf("batchcodec: mismatched slice lengths (%d ids, %d contracts, %d values)",
			len(requestIDs), len(contracts), len(randomness))
	}

	calls := make([]Call, len(requestIDs))
	for i := range requestIDs {
		data, err := EncodeFulfillRandomness(requestIDs[i], randomness[i])
		if err != nil {
			return nil, err
		}
		calls[i] = Call{
			To:    contracts[i],
			Value: big.NewInt(0),
			Data:  data,
		}
	}
	return calls, nil
}

// EncodeBatch packs calls into the executionData for an ERC-7821 execute
// call, then wraps it with the execute(mode, executionData) selector. The
// returned calldata is sent to the signer's own address.
func EncodeBatch(calls []Call) ([]byte, error) {
	if len(calls) == 0 {
		return nil, fmt.Errorf("batchcodec: cannot encode an empty batch")
	}

	executionData, err := executionDataArgs.Pack(toTuples(calls))
	if err != nil {
		return nil, fmt.Errorf("batchcodec: failed to pack execution data: %w", err)
	}

	packed, err := executeArgs.Pack(ExecuteMode, executionData)
	if err != nil {
		return nil, fmt.Errorf("batchcodec: failed to pack execute call: %w", err)
	}
	return append(append([]byte{}, executeSelector...), packed...), nil
}

// toTuples reshapes Call into the anonymous struct shape abi.Pack expects
// for a tuple[] argument (exported fields matching the tuple's component
// names case-insensitively).
func toTuples(calls []Call) []struct {
	To    common.Address
	Value *big.Int
	Data  []byte
} {
	out := make([]struct {
		To    common.Address
		Value *big.Int
		Data  []byte
	}, len(calls))
	for i, c := range calls {
		out[i] = struct {
			To    common.Address
			Value *big.Int
			Data  []byte
		}{To: c.To, Value: c.Value, Data: c.Data}
	}
	return out
}

// DecodeIsFulfilled decodes the return data of a getRandomness(requestId)
// eth_call: (bool fulfilled, uint256 randomness).
func DecodeIsFulfilled(returnData []byte) (fulfilled bool, randomness *big.Int, err error) {
	values, err := getRandomnessReturnArgs.Unpack(returnData)
	if err != nil {
		return false, nil, fmt.Errorf("batchcodec: failed to decode getRandomness result: %w", err)
	}
	if len(values) != 2 {
		return false, nil, fmt.Errorf("batchcodec: expected 2 return values, got %d", len(values))
	}
	fulfilled, ok := values[0].(bool)
	if !ok {
		return false, nil, fmt.Errorf("batchcodec: unexpected type for fulfilled: %T", values[0])
	}
	randomness, ok = values[1].(*big.Int)
	if !ok {
		return false, nil, fmt.Errorf("batchcodec: unexpected type for randomness: %T", values[1])
	}
	return fulfilled, randomness, nil
}

// EncodeGetRandomnessResult packs a (fulfilled, randomness) pair the way a
// requester contract's getRandomness return data is shaped. Used by tests
// standing in for a live contract.
func EncodeGetRandomnessResult(fulfilled bool, randomness *big.Int) ([]byte, error) {
	packed, err := getRandomnessReturnArgs.Pack(fulfilled, randomness)
	if err != nil {
		return nil, fmt.Errorf("batchcodec: failed to encode getRandomness result: %w", err)
	}
	return packed, nil
}

// EncodeGetRandomness packs the getRandomness(requestId) call for an
// eth_call against a requester contract.
func EncodeGetRandomness(requestID [32]byte) []byte {
	selector := methodSelector("getRandomness(bytes32)")
	packed, _ := abi.Arguments{{Name: "requestId", Type: bytes32Type}}.Pack(requestID)
	return append(append([]byte{}, selector...), packed...)
}
