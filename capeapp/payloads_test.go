package capeapp_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/PythonRysh/espresso/capeapp"
	"github.com/PythonRysh/espresso/edissem"
	"github.com/PythonRysh/espresso/hs/hselink"
	"github.com/PythonRysh/espresso/internal/etest"
)

func TestPayloadStore_PutAndAwait(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	arrivals := make(chan hselink.PayloadArrival, 4)
	s := capeapp.NewPayloadStore(etest.NewLogger(t), arrivals)

	payload := []byte("block one payload")
	id := s.Put(ctx, 1, payload)
	require.Equal(t, edissem.PayloadID(payload), id)

	arrival := etest.ReceiveSoon(t, arrivals)
	require.Equal(t, string(id), arrival.DataID)

	got, ok := s.Get(id)
	require.True(t, ok)
	require.Equal(t, payload, got)

	// Await returns immediately for a stored payload.
	got, err := s.Await(ctx, id)
	require.NoError(t, err)
	require.Equal(t, payload, got)

	// Storing the same payload again changes nothing and stays quiet.
	s.Put(ctx, 1, payload)
	etest.NotSending(t, arrivals)
}

func TestPayloadStore_AwaitWakesOnAccept(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := capeapp.NewPayloadStore(etest.NewLogger(t), nil)

	payload := []byte("network delivered payload")
	id := edissem.PayloadID(payload)

	got := make(chan []byte, 1)
	go func() {
		p, err := s.Await(ctx, id)
		if err == nil {
			got <- p
		}
	}()

	require.NoError(t, s.AcceptPayload(ctx, 3, id, payload))
	require.Equal(t, payload, etest.ReceiveSoon(t, got))
}

func TestPayloadStore_AcceptRejectsMismatch(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := capeapp.NewPayloadStore(etest.NewLogger(t), nil)

	err := s.AcceptPayload(ctx, 2, edissem.PayloadID([]byte("other")), []byte("payload"))
	require.ErrorContains(t, err, "does not hash to its ID")

	_, ok := s.Get(edissem.PayloadID([]byte("payload")))
	require.False(t, ok)
}

func TestPayloadStore_AwaitHonorsContext(t *testing.T) {
	t.Parallel()

	s := capeapp.NewPayloadStore(etest.NewLogger(t), nil)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := s.Await(ctx, []byte("never arrives"))
		errCh <- err
	}()

	cancel()
	require.ErrorIs(t, etest.ReceiveSoon(t, errCh), context.Canceled)
}

func TestPayloadStore_DropThrough(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := capeapp.NewPayloadStore(etest.NewLogger(t), nil)

	id1 := s.Put(ctx, 1, []byte("height one"))
	id2 := s.Put(ctx, 2, []byte("height two"))
	id3 := s.Put(ctx, 3, []byte("height three"))

	require.Equal(t, 2, s.DropThrough(2))

	_, ok := s.Get(id1)
	require.False(t, ok)
	_, ok = s.Get(id2)
	require.False(t, ok)
	_, ok = s.Get(id3)
	require.True(t, ok)
}
