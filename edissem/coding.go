package edissem

import (
	"context"
	"errors"
)

// Encoder encodes a payload into a set of erasure-corrected shards.
// Which of the returned slices are required to reconstitute
// the payload is determined by the implementation.
type Encoder interface {
	Encode(ctx context.Context, payload []byte) ([][]byte, error)
}

// Reconstructor incrementally rebuilds a payload
// from shards produced by the matching [Encoder].
type Reconstructor interface {
	// ReconstructData offers one shard at the given index.
	// A nil return means enough shards have arrived
	// and the payload can be produced with Data;
	// [ErrIncompleteSet] means the shard was accepted
	// but more are needed; any other error means the shard
	// could not be used.
	//
	// Callers should track which indices they have already offered;
	// repeats are harmless but waste cycles.
	ReconstructData(ctx context.Context, idx int, shard []byte) error

	// Data appends the reconstructed payload to dst,
	// allocating when dst lacks capacity.
	//
	// payloadSize is required because the final data shard
	// may be zero-padded, so the size cannot be recovered
	// from the shards alone.
	Data(dst []byte, payloadSize int) ([]byte, error)
}

// ErrIncompleteSet is returned by [Reconstructor.ReconstructData]
// when a shard was accepted but the set is still insufficient
// to restore the payload.
var ErrIncompleteSet = errors.New("insufficient shards received to reconstruct payload")
