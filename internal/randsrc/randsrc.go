// Package randsrc generates the pseudo-random values relayed on-chain as
// VRF fulfillments.
//
// This is not a verifiable random function in the cryptographic sense: the
// value is drawn from the operating system CSPRNG and no proof is attached.
// See the project's Non-goals.
package randsrc

import (
	"crypto/rand"
	"fmt"
	"math/big"
)

// maxUint256Bytes is the width of a Solidity uint256.
const maxUint256Bytes = 32

// Source draws 256-bit unsigned integers from crypto/rand.
type Source struct{}

// New returns a Source. It carries no state: every draw reads fresh entropy.
func New() *Source {
	return &Source{}
}

// Next returns a uniformly random value in [0, 2^256).
func (s *Source) Next() (*big.Int, error) {
	var buf [maxUint256Bytes]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return nil, fmt.Errorf("randsrc: failed to read entropy: %w", err)
	}
	return new(big.Int).SetBytes(buf[:]), nil
}
