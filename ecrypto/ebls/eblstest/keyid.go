package eblstest

import (
	"testing"

	"github.com/bits-and-blooms/bitset"
	"github.com/stretchr/testify/require"
)

// BitsetKeyID builds the finalized-form key ID claiming the given
// validator indices signed, out of nKeys candidates.
// Tests use it to forge membership claims.
func BitsetKeyID(t *testing.T, idxs []uint, nKeys uint) []byte {
	t.Helper()

	bs := bitset.New(nKeys)
	for _, i := range idxs {
		bs.Set(i)
	}

	b, err := bs.MarshalBinary()
	require.NoError(t, err)
	return b
}
