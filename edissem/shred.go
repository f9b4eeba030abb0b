package edissem

import (
	"context"
	"fmt"

	"golang.org/x/crypto/blake2b"
)

// Payloads above this size are refused outright
// rather than shredded into an absurd number of pieces.
const maxPayloadSize = 128 * 1024 * 1024

// Shred is one erasure-coded piece of a block payload,
// small enough to broadcast individually.
//
// Shreds from the same payload share the PayloadID;
// reassembly is content-addressed, so no separate group
// identifier is needed.
type Shred struct {
	// Blake2b digest of the complete payload,
	// matching the proposal's DataID.
	PayloadID []byte

	// Length of the payload before shard padding.
	PayloadSize int

	// Height of the proposal carrying the payload.
	Height uint64

	// Position of this shred within the encoded set:
	// data shreds first, then parity shreds.
	Index int

	DataShreds   int
	ParityShreds int

	Data []byte

	// Blake2b digest of Data,
	// so a corrupt shred is dropped without waiting
	// for the whole payload to fail its digest check.
	Hash []byte
}

// PayloadID returns the content address of a payload.
// Proposers use the same digest as the block's DataID,
// which is what lets arriving shreds be matched to proposals.
func PayloadID(payload []byte) []byte {
	h := blake2b.Sum256(payload)
	return h[:]
}

// ShredPayload erasure-codes one payload into data and parity shreds.
func ShredPayload(
	ctx context.Context,
	payload []byte,
	height uint64,
	dataShreds, parityShreds int,
) ([]Shred, error) {
	if len(payload) == 0 {
		return nil, fmt.Errorf("refusing to shred empty payload")
	}
	if len(payload) > maxPayloadSize {
		return nil, fmt.Errorf(
			"payload too large: %d bytes exceeds max %d", len(payload), maxPayloadSize,
		)
	}

	enc, err := NewRSEncoder(dataShreds, parityShreds)
	if err != nil {
		return nil, fmt.Errorf("failed to create encoder: %w", err)
	}

	id := PayloadID(payload)

	allShards, err := enc.Encode(ctx, payload)
	if err != nil {
		return nil, fmt.Errorf("failed to encode payload: %w", err)
	}

	shreds := make([]Shred, len(allShards))
	for i, shard := range allShards {
		h := blake2b.Sum256(shard)
		shreds[i] = Shred{
			PayloadID:   id,
			PayloadSize: len(payload),

			Height: height,

			Index: i,

			DataShreds:   dataShreds,
			ParityShreds: parityShreds,

			Data: shard,
			Hash: h[:],
		}
	}

	return shreds, nil
}
