package capeapp_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/PythonRysh/espresso/cape"
	"github.com/PythonRysh/espresso/capeapp"
)

// stubValidator admits everything except digests it was told to reject.
type stubValidator struct {
	mu      sync.Mutex
	rejects map[[32]byte]error
}

func (v *stubValidator) ValidateTransaction(_ context.Context, tx cape.Transaction) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if err, ok := v.rejects[tx.Digest()]; ok {
		return err
	}
	return nil
}

func (v *stubValidator) reject(tx cape.Transaction, err error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.rejects == nil {
		v.rejects = make(map[[32]byte]error)
	}
	v.rejects[tx.Digest()] = err
}

// feeTx builds a distinct transaction declaring the given fee.
func feeTx(fee uint64, n byte) cape.Transaction {
	return cape.Transaction{Transfer: &cape.TransferNote{
		Outputs: []cape.RecordOpening{{
			Amount: uint64(n),
			Asset:  cape.NativeAssetDefinition(),
			Blind:  cape.Blind{n},
		}},
		Fee: fee,
	}}
}

func TestMempool_PriorityOrder(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	m := capeapp.NewMempool(&stubValidator{}, 0)

	low := feeTx(1, 1)
	mid1 := feeTx(5, 2)
	mid2 := feeTx(5, 3)
	high := feeTx(9, 4)

	for _, tx := range []cape.Transaction{mid1, low, high, mid2} {
		require.NoError(t, m.Add(ctx, tx))
	}
	require.Equal(t, 4, m.Size())

	got := m.Reap(1 << 20)
	require.Len(t, got, 4)

	// Fee first, arrival breaking the tie.
	require.Equal(t, high.Digest(), got[0].Digest())
	require.Equal(t, mid1.Digest(), got[1].Digest())
	require.Equal(t, mid2.Digest(), got[2].Digest())
	require.Equal(t, low.Digest(), got[3].Digest())

	// Reaping does not remove anything.
	require.Equal(t, 4, m.Size())

	// A one byte budget fits nothing.
	require.Empty(t, m.Reap(1))
}

func TestMempool_DuplicatesAndCapacity(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	m := capeapp.NewMempool(&stubValidator{}, 2)

	a := feeTx(1, 1)
	b := feeTx(2, 2)

	require.NoError(t, m.Add(ctx, a))
	require.ErrorIs(t, m.Add(ctx, a), capeapp.ErrAlreadyInMempool)
	require.NoError(t, m.Add(ctx, b))

	// At capacity, a better fee evicts the worst entry.
	c := feeTx(3, 3)
	require.NoError(t, m.Add(ctx, c))
	require.Equal(t, 2, m.Size())

	got := m.Reap(1 << 20)
	require.Equal(t, c.Digest(), got[0].Digest())
	require.Equal(t, b.Digest(), got[1].Digest())

	// A fee that does not outrank anything is refused.
	require.ErrorIs(t, m.Add(ctx, feeTx(1, 4)), capeapp.ErrMempoolFull)

	// So is an equal fee: ties go to the incumbent.
	require.ErrorIs(t, m.Add(ctx, feeTx(2, 5)), capeapp.ErrMempoolFull)
}

func TestMempool_RejectsInvalid(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	v := &stubValidator{}
	m := capeapp.NewMempool(v, 0)

	bad := feeTx(4, 1)
	wantErr := errors.New("input record does not exist")
	v.reject(bad, wantErr)

	require.ErrorIs(t, m.Add(ctx, bad), wantErr)
	require.Zero(t, m.Size())
}

func TestMempool_StrikeAndRevalidate(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	v := &stubValidator{}
	m := capeapp.NewMempool(v, 0)

	a := feeTx(1, 1)
	b := feeTx(2, 2)
	c := feeTx(3, 3)
	for _, tx := range []cape.Transaction{a, b, c} {
		require.NoError(t, m.Add(ctx, tx))
	}

	// Included transactions leave; unknown ones are ignored.
	m.Strike([]cape.Transaction{b, feeTx(9, 9)})
	require.Equal(t, 2, m.Size())

	// A state change invalidated one of the rest.
	v.reject(a, errors.New("nullifier already spent"))
	require.Equal(t, 1, m.Revalidate(ctx))

	got := m.Reap(1 << 20)
	require.Len(t, got, 1)
	require.Equal(t, c.Digest(), got[0].Digest())
}
