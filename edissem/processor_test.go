package edissem

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/PythonRysh/espresso/internal/etest"
)

type acceptedPayload struct {
	Height  uint64
	ID      []byte
	Payload []byte
}

type recordingSink struct {
	Accepted []acceptedPayload
}

func (s *recordingSink) AcceptPayload(
	_ context.Context, height uint64, payloadID, payload []byte,
) error {
	s.Accepted = append(s.Accepted, acceptedPayload{
		Height:  height,
		ID:      append([]byte(nil), payloadID...),
		Payload: append([]byte(nil), payload...),
	})
	return nil
}

func testPayload(size int) []byte {
	payload := make([]byte, size)
	for i := range payload {
		payload[i] = byte(i * 7)
	}
	return payload
}

func (p *ShredProcessor) groupCount() int {
	p.groupsMu.RLock()
	defer p.groupsMu.RUnlock()
	return len(p.groups)
}

func TestShredProcessor_reassemblesOutOfOrder(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	payload := testPayload(10_000)
	shreds, err := ShredPayload(ctx, append([]byte(nil), payload...), 3, 4, 2)
	require.NoError(t, err)
	require.Len(t, shreds, 6)

	sink := new(recordingSink)
	p, err := NewShredProcessor(etest.NewLogger(t), sink, 16, time.Minute)
	require.NoError(t, err)

	// Parity first, then data, until any four have arrived.
	for _, i := range []int{5, 4, 3, 2} {
		require.NoError(t, p.CollectShred(ctx, shreds[i]))
	}

	require.Len(t, sink.Accepted, 1)
	require.Equal(t, uint64(3), sink.Accepted[0].Height)
	require.Equal(t, PayloadID(payload), sink.Accepted[0].ID)
	require.Equal(t, payload, sink.Accepted[0].Payload)

	// Stragglers for the completed payload are dropped without delivery.
	require.NoError(t, p.CollectShred(ctx, shreds[0]))
	require.NoError(t, p.CollectShred(ctx, shreds[1]))
	require.Len(t, sink.Accepted, 1)

	require.Zero(t, p.groupCount())
}

func TestShredProcessor_rejectsCorruptShred(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	shreds, err := ShredPayload(ctx, testPayload(1000), 1, 4, 2)
	require.NoError(t, err)

	sink := new(recordingSink)
	p, err := NewShredProcessor(etest.NewLogger(t), sink, 16, time.Minute)
	require.NoError(t, err)

	bad := shreds[0]
	bad.Data = append([]byte(nil), bad.Data...)
	bad.Data[0] ^= 0xff

	require.ErrorContains(t, p.CollectShred(ctx, bad), "hash mismatch")
	require.Empty(t, sink.Accepted)
}

func TestShredProcessor_rejectsConflictingMetadata(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	shreds, err := ShredPayload(ctx, testPayload(1000), 1, 4, 2)
	require.NoError(t, err)

	sink := new(recordingSink)
	p, err := NewShredProcessor(etest.NewLogger(t), sink, 16, time.Minute)
	require.NoError(t, err)

	require.NoError(t, p.CollectShred(ctx, shreds[0]))

	conflicting := shreds[1]
	conflicting.PayloadSize++

	require.ErrorContains(t, p.CollectShred(ctx, conflicting), "conflicts with group")
}

func TestShredProcessor_rejectsMismatchedPayloadID(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	shreds, err := ShredPayload(ctx, testPayload(1000), 1, 2, 2)
	require.NoError(t, err)

	// Internally consistent shreds claiming to be a different payload.
	lie := PayloadID([]byte("some other payload"))
	for i := range shreds {
		shreds[i].PayloadID = lie
	}

	sink := new(recordingSink)
	p, err := NewShredProcessor(etest.NewLogger(t), sink, 16, time.Minute)
	require.NoError(t, err)

	require.NoError(t, p.CollectShred(ctx, shreds[0]))
	require.ErrorContains(t, p.CollectShred(ctx, shreds[1]), "does not match ID")

	require.Empty(t, sink.Accepted)

	// The poisoned group is gone, so honest shreds can restart it.
	require.Zero(t, p.groupCount())
}

func TestShredProcessor_cleansUpStaleGroups(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	shreds, err := ShredPayload(ctx, testPayload(1000), 1, 4, 2)
	require.NoError(t, err)

	sink := new(recordingSink)
	p, err := NewShredProcessor(etest.NewLogger(t), sink, 16, etest.ScaleMs(25))
	require.NoError(t, err)
	go p.RunBackgroundCleanup(ctx)

	// One shred is not enough to complete the payload,
	// so the group lingers until cleanup discards it.
	require.NoError(t, p.CollectShred(ctx, shreds[0]))
	require.Equal(t, 1, p.groupCount())

	deadline := time.Now().Add(etest.ScaleMs(2000))
	for p.groupCount() > 0 {
		if time.Now().After(deadline) {
			t.Fatal("stale group was never cleaned up")
		}
		time.Sleep(etest.ScaleMs(5))
	}

	require.Empty(t, sink.Accepted)
}
