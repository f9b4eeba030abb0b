package edissem

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	"github.com/klauspost/reedsolomon"
)

// RSEncoder is a wrapper around [reedsolomon.Encoder]
// satisfying the [Encoder] interface.
type RSEncoder struct {
	rs reedsolomon.Encoder
}

// NewRSEncoder returns an encoder producing dataShards data shards
// and parityShards parity shards per payload.
func NewRSEncoder(dataShards, parityShards int) (*RSEncoder, error) {
	if dataShards <= 0 {
		return nil, fmt.Errorf("data shards must be > 0")
	}
	if parityShards <= 0 {
		return nil, fmt.Errorf("parity shards must be > 0")
	}
	rs, err := reedsolomon.New(dataShards, parityShards)
	if err != nil {
		return nil, fmt.Errorf("failed to create reed-solomon encoder: %w", err)
	}
	return &RSEncoder{rs: rs}, nil
}

// Encode satisfies [Encoder].
// The encoder takes ownership of the payload slice.
func (e *RSEncoder) Encode(_ context.Context, payload []byte) ([][]byte, error) {
	// Split produces subslices for the data shards;
	// the parity shards are only populated by the Encode call after it.
	allShards, err := e.rs.Split(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to split payload: %w", err)
	}

	if err := e.rs.Encode(allShards); err != nil {
		return nil, fmt.Errorf("failed to encode parity: %w", err)
	}

	return allShards, nil
}

// RSReconstructor is a wrapper around [reedsolomon.Encoder]
// satisfying the [Reconstructor] interface.
type RSReconstructor struct {
	rs reedsolomon.Encoder

	// Data shards first and in order, then parity shards in order,
	// matching the reedsolomon library's layout.
	allShards [][]byte

	shardSize int
}

// NewRSReconstructor returns a reconstructor for payloads
// encoded with the same shard counts.
// The shard size must be discovered out of band,
// normally from the first shred received.
func NewRSReconstructor(dataShards, parityShards, shardSize int) (*RSReconstructor, error) {
	if dataShards <= 0 {
		return nil, fmt.Errorf("data shards must be > 0")
	}
	if parityShards <= 0 {
		return nil, fmt.Errorf("parity shards must be > 0")
	}
	rs, err := reedsolomon.New(dataShards, parityShards)
	if err != nil {
		return nil, fmt.Errorf("failed to create reed-solomon reconstructor: %w", err)
	}

	// AllocAligned gives better encode and decode throughput.
	// Every reedsolomon.Encoder also satisfies reedsolomon.Extensions.
	allShards := rs.(reedsolomon.Extensions).AllocAligned(shardSize)

	// The shards must be zero-length until their data actually arrives:
	// full-length shards would be treated as valid all-zero content.
	for i, s := range allShards {
		allShards[i] = s[:0]
	}

	return &RSReconstructor{
		rs:        rs,
		allShards: allShards,

		shardSize: shardSize,
	}, nil
}

// ReconstructData satisfies [Reconstructor].
func (r *RSReconstructor) ReconstructData(_ context.Context, idx int, shard []byte) error {
	if len(shard) != r.shardSize {
		panic(fmt.Errorf(
			"BUG: attempted to reconstruct with invalid shard size: want %d, got %d",
			r.shardSize, len(shard),
		))
	}

	r.allShards[idx] = r.allShards[idx][:r.shardSize]
	_ = copy(r.allShards[idx], shard)

	if err := r.rs.ReconstructData(r.allShards); err != nil {
		if errors.Is(err, reedsolomon.ErrTooFewShards) {
			return ErrIncompleteSet
		}

		return fmt.Errorf("failed to attempt payload reconstruction: %w", err)
	}

	return nil
}

// Data satisfies [Reconstructor].
func (r *RSReconstructor) Data(dst []byte, payloadSize int) ([]byte, error) {
	if cap(dst) < payloadSize {
		dst = make([]byte, 0, payloadSize)
	}

	// Join wants an io.Writer; the buffer's backing array is dst's,
	// and no other reference to the buffer escapes.
	buf := bytes.NewBuffer(dst)

	if err := r.rs.Join(buf, r.allShards, payloadSize); err != nil {
		return nil, fmt.Errorf("failed to write reconstructed payload: %w", err)
	}

	return buf.Bytes(), nil
}
