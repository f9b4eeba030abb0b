package edissem_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/PythonRysh/espresso/edissem"
)

func TestRSRoundTrip(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	payload := make([]byte, 1000)
	for i := range payload {
		payload[i] = byte(i)
	}

	enc, err := edissem.NewRSEncoder(4, 2)
	require.NoError(t, err)

	shards, err := enc.Encode(ctx, append([]byte(nil), payload...))
	require.NoError(t, err)
	require.Len(t, shards, 6)

	rec, err := edissem.NewRSReconstructor(4, 2, len(shards[0]))
	require.NoError(t, err)

	// Any four shards suffice; use two data and both parity.
	require.ErrorIs(t, rec.ReconstructData(ctx, 1, shards[1]), edissem.ErrIncompleteSet)
	require.ErrorIs(t, rec.ReconstructData(ctx, 3, shards[3]), edissem.ErrIncompleteSet)
	require.ErrorIs(t, rec.ReconstructData(ctx, 4, shards[4]), edissem.ErrIncompleteSet)
	require.NoError(t, rec.ReconstructData(ctx, 5, shards[5]))

	got, err := rec.Data(nil, len(payload))
	require.NoError(t, err)
	require.Equal(t, payload, got)
}

func TestNewRSEncoder_rejectsBadCounts(t *testing.T) {
	t.Parallel()

	_, err := edissem.NewRSEncoder(0, 2)
	require.Error(t, err)

	_, err = edissem.NewRSEncoder(4, 0)
	require.Error(t, err)
}
