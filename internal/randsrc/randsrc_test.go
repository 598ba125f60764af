package randsrc

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNextIsBoundedAndVaries(t *testing.T) {
	src := New()

	max := new(big.Int).Lsh(big.NewInt(1), 256)

	seen := make(map[string]struct{})
	for i := 0; i < 50; i++ {
		v, err := src.Next()
		require.NoError(t, err)
		require.NotNil(t, v)
		require.True(t, v.Sign() >= 0)
		require.True(t, v.Cmp(max) < 0)
		seen[v.String()] = struct{}{}
	}

	require.Greater(t, len(seen), 1, "expected varying draws from the CSPRNG")
}
