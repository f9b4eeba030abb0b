// Package hspebble implements every store interface in the hsstore package
// on a single pebble database.
//
// Keys are grouped by a single type byte so that each record family
// occupies one contiguous, independently iterable keyspace:
// proposed blocks under 'b', the per-view block index under 'v',
// safety state under 's', pacemaker state under 'p',
// finalizations under 'f', validator public keys under 'k',
// and vote powers under 'w'.
//
// Every write is committed with sync enabled.
// That is deliberately conservative:
// the safety state in particular must be durable
// before the engine releases a signature built on it.
package hspebble

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"sync"

	"github.com/cockroachdb/pebble"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/PythonRysh/espresso/ecrypto"
	"github.com/PythonRysh/espresso/hs/hsconsensus"
	"github.com/PythonRysh/espresso/hs/hsstore"
)

const cacheSize = 1 << 20 * 64

const (
	blockPrefix        byte = 'b'
	blockViewPrefix    byte = 'v'
	safetyPrefix       byte = 's'
	pacemakerPrefix    byte = 'p'
	finalizationPrefix byte = 'f'
	pubKeysPrefix      byte = 'k'
	votePowersPrefix   byte = 'w'
)

var (
	_ hsstore.BlockStore        = (*Store)(nil)
	_ hsstore.SafetyStore       = (*Store)(nil)
	_ hsstore.PacemakerStore    = (*Store)(nil)
	_ hsstore.FinalizationStore = (*Store)(nil)
	_ hsstore.ValidatorStore    = (*Store)(nil)
)

// Store is a pebble-backed implementation
// of all of the hsstore interfaces.
type Store struct {
	db *pebble.DB

	hs  hsconsensus.HashScheme
	reg *ecrypto.Registry

	// Serializes the read-check-write sequences in the save paths.
	// Readers go straight to pebble.
	mu sync.Mutex
}

// Open opens or creates a store in the given directory.
//
// The hash scheme derives validator collection hashes on save,
// and the registry translates public keys
// between their in-memory and stored forms.
func Open(dir string, hs hsconsensus.HashScheme, reg *ecrypto.Registry) (*Store, error) {
	c := pebble.NewCache(cacheSize)
	defer c.Unref()

	db, err := pebble.Open(dir, &pebble.Options{Cache: c})
	if err != nil {
		return nil, fmt.Errorf("opening pebble database: %w", err)
	}

	return &Store{db: db, hs: hs, reg: reg}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) SaveProposedBlock(_ context.Context, pb hsconsensus.ProposedBlock) error {
	hash := pb.Block.Hash
	if len(hash) == 0 {
		return fmt.Errorf("refusing to save proposed block with empty hash")
	}

	val, err := encodeProposedBlock(s.reg, pb)
	if err != nil {
		return fmt.Errorf("encoding proposed block %x: %w", hash, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// First write for a hash wins; saving again is a no-op.
	_, closer, err := s.db.Get(blockDBKey(hash))
	if err == nil {
		closer.Close()
		return nil
	}
	if !errors.Is(err, pebble.ErrNotFound) {
		return fmt.Errorf("checking for existing block %x: %w", hash, err)
	}

	batch := s.db.NewBatch()
	defer batch.Close()

	if err := batch.Set(blockDBKey(hash), val, nil); err != nil {
		return fmt.Errorf("staging block %x: %w", hash, err)
	}
	if err := batch.Set(blockViewDBKey(pb.Block.View, hash), nil, nil); err != nil {
		return fmt.Errorf("staging view index for block %x: %w", hash, err)
	}

	if err := batch.Commit(&pebble.WriteOptions{Sync: true}); err != nil {
		return fmt.Errorf("committing block %x: %w", hash, err)
	}
	return nil
}

func (s *Store) LoadProposedBlock(_ context.Context, blockHash string) (hsconsensus.ProposedBlock, error) {
	v, closer, err := s.db.Get(blockDBKey([]byte(blockHash)))
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return hsconsensus.ProposedBlock{}, fmt.Errorf("%w: %x", hsstore.ErrBlockNotFound, blockHash)
		}
		return hsconsensus.ProposedBlock{}, fmt.Errorf("reading block %x: %w", blockHash, err)
	}
	defer closer.Close()

	pb, err := decodeProposedBlock(s.reg, v)
	if err != nil {
		return hsconsensus.ProposedBlock{}, fmt.Errorf("decoding block %x: %w", blockHash, err)
	}
	return pb, nil
}

func (s *Store) LoadProposedBlocksForView(ctx context.Context, view uint64) ([]hsconsensus.ProposedBlock, error) {
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: blockViewDBKeyPrefix(view),
		UpperBound: blockViewUpperBound(view),
	})
	if err != nil {
		return nil, fmt.Errorf("iterating view %d index: %w", view, err)
	}

	var hashes []string
	for iter.First(); iter.Valid(); iter.Next() {
		k := iter.Key()
		if len(k) <= 1+8 {
			iter.Close()
			return nil, fmt.Errorf("malformed view index key %x", k)
		}
		hashes = append(hashes, string(k[1+8:]))
	}
	if err := iter.Close(); err != nil {
		return nil, fmt.Errorf("closing view %d iterator: %w", view, err)
	}

	out := make([]hsconsensus.ProposedBlock, len(hashes))
	for i, h := range hashes {
		pb, err := s.LoadProposedBlock(ctx, h)
		if err != nil {
			return nil, err
		}
		out[i] = pb
	}
	return out, nil
}

func (s *Store) SaveSafetyState(_ context.Context, highestVotedView, lockedView uint64) error {
	val := make([]byte, 0, 16)
	val = binary.BigEndian.AppendUint64(val, highestVotedView)
	val = binary.BigEndian.AppendUint64(val, lockedView)

	if err := s.db.Set([]byte{safetyPrefix}, val, &pebble.WriteOptions{Sync: true}); err != nil {
		return fmt.Errorf("writing safety state: %w", err)
	}
	return nil
}

func (s *Store) LoadSafetyState(_ context.Context) (highestVotedView, lockedView uint64, err error) {
	v, closer, err := s.db.Get([]byte{safetyPrefix})
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return 0, 0, nil
		}
		return 0, 0, fmt.Errorf("reading safety state: %w", err)
	}
	defer closer.Close()

	if len(v) != 16 {
		return 0, 0, fmt.Errorf("malformed safety state record of %d bytes", len(v))
	}
	return binary.BigEndian.Uint64(v[:8]), binary.BigEndian.Uint64(v[8:]), nil
}

func (s *Store) SavePacemakerState(_ context.Context, currentView uint64, entryTC *hsconsensus.SparseTimeoutCertificate) error {
	val, err := msgpack.Marshal(pacemakerRecord{
		CurrentView: currentView,
		EntryTC:     entryTC,
	})
	if err != nil {
		return fmt.Errorf("encoding pacemaker state: %w", err)
	}

	if err := s.db.Set([]byte{pacemakerPrefix}, val, &pebble.WriteOptions{Sync: true}); err != nil {
		return fmt.Errorf("writing pacemaker state: %w", err)
	}
	return nil
}

func (s *Store) LoadPacemakerState(_ context.Context) (currentView uint64, entryTC *hsconsensus.SparseTimeoutCertificate, err error) {
	v, closer, err := s.db.Get([]byte{pacemakerPrefix})
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return 0, nil, nil
		}
		return 0, nil, fmt.Errorf("reading pacemaker state: %w", err)
	}
	defer closer.Close()

	var rec pacemakerRecord
	if err := msgpack.Unmarshal(v, &rec); err != nil {
		return 0, nil, fmt.Errorf("decoding pacemaker state: %w", err)
	}
	return rec.CurrentView, rec.EntryTC, nil
}

func (s *Store) SaveFinalization(
	_ context.Context,
	height, view uint64,
	blockHash string,
	valSet hsconsensus.ValidatorSet,
	stateRoot string,
) error {
	val, err := encodeFinalization(s.reg, view, blockHash, valSet, stateRoot)
	if err != nil {
		return fmt.Errorf("encoding finalization for height %d: %w", height, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	have, closer, err := s.db.Get(finalizationDBKey(height))
	if err == nil {
		// Encoding is deterministic, so identical content
		// means identical bytes.
		same := len(have) == len(val) && string(have) == string(val)
		closer.Close()
		if same {
			return nil
		}
		return hsstore.FinalizationOverwriteError{Height: height}
	}
	if !errors.Is(err, pebble.ErrNotFound) {
		return fmt.Errorf("checking for existing finalization at height %d: %w", height, err)
	}

	if err := s.db.Set(finalizationDBKey(height), val, &pebble.WriteOptions{Sync: true}); err != nil {
		return fmt.Errorf("writing finalization for height %d: %w", height, err)
	}
	return nil
}

func (s *Store) LoadFinalizationByHeight(_ context.Context, height uint64) (
	view uint64,
	blockHash string,
	valSet hsconsensus.ValidatorSet,
	stateRoot string,
	err error,
) {
	v, closer, err := s.db.Get(finalizationDBKey(height))
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return 0, "", hsconsensus.ValidatorSet{}, "",
				fmt.Errorf("%w: %d", hsstore.ErrFinalizationNotFound, height)
		}
		return 0, "", hsconsensus.ValidatorSet{}, "",
			fmt.Errorf("reading finalization for height %d: %w", height, err)
	}
	defer closer.Close()

	view, blockHash, valSet, stateRoot, err = decodeFinalization(s.reg, s.hs, v)
	if err != nil {
		return 0, "", hsconsensus.ValidatorSet{}, "",
			fmt.Errorf("decoding finalization for height %d: %w", height, err)
	}
	return view, blockHash, valSet, stateRoot, nil
}

func (s *Store) SavePubKeys(_ context.Context, keys []ecrypto.PubKey) (string, error) {
	hash, err := s.hs.PubKeys(keys)
	if err != nil {
		return "", fmt.Errorf("failed to hash public keys: %w", err)
	}

	val, err := encodePubKeys(s.reg, keys)
	if err != nil {
		return "", fmt.Errorf("encoding public keys: %w", err)
	}

	if err := s.saveIfAbsent(pubKeysDBKey(hash), val); err != nil {
		return "", fmt.Errorf("writing public keys %x: %w", hash, err)
	}
	return string(hash), nil
}

func (s *Store) SaveVotePowers(_ context.Context, powers []uint64) (string, error) {
	hash, err := s.hs.VotePowers(powers)
	if err != nil {
		return "", fmt.Errorf("failed to hash vote powers: %w", err)
	}

	val, err := msgpack.Marshal(powers)
	if err != nil {
		return "", fmt.Errorf("encoding vote powers: %w", err)
	}

	if err := s.saveIfAbsent(votePowersDBKey(hash), val); err != nil {
		return "", fmt.Errorf("writing vote powers %x: %w", hash, err)
	}
	return string(hash), nil
}

func (s *Store) LoadPubKeys(_ context.Context, keyHash string) ([]ecrypto.PubKey, error) {
	v, closer, err := s.db.Get(pubKeysDBKey([]byte(keyHash)))
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return nil, hsstore.NoPubKeyHashError{Want: keyHash}
		}
		return nil, fmt.Errorf("reading public keys %x: %w", keyHash, err)
	}
	defer closer.Close()

	keys, err := decodePubKeys(s.reg, v)
	if err != nil {
		return nil, fmt.Errorf("decoding public keys %x: %w", keyHash, err)
	}
	return keys, nil
}

func (s *Store) LoadVotePowers(_ context.Context, powerHash string) ([]uint64, error) {
	v, closer, err := s.db.Get(votePowersDBKey([]byte(powerHash)))
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return nil, hsstore.NoVotePowerHashError{Want: powerHash}
		}
		return nil, fmt.Errorf("reading vote powers %x: %w", powerHash, err)
	}
	defer closer.Close()

	var powers []uint64
	if err := msgpack.Unmarshal(v, &powers); err != nil {
		return nil, fmt.Errorf("decoding vote powers %x: %w", powerHash, err)
	}
	return powers, nil
}

// saveIfAbsent writes val under key unless the key already exists.
// Both validator collection saves are content-addressed,
// so an existing record is never replaced.
func (s *Store) saveIfAbsent(key, val []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, closer, err := s.db.Get(key)
	if err == nil {
		closer.Close()
		return nil
	}
	if !errors.Is(err, pebble.ErrNotFound) {
		return err
	}

	return s.db.Set(key, val, &pebble.WriteOptions{Sync: true})
}

func blockDBKey(hash []byte) []byte {
	out := make([]byte, 0, 1+len(hash))
	out = append(out, blockPrefix)
	return append(out, hash...)
}

func blockViewDBKey(view uint64, hash []byte) []byte {
	out := make([]byte, 0, 1+8+len(hash))
	out = append(out, blockViewPrefix)
	out = binary.BigEndian.AppendUint64(out, view)
	return append(out, hash...)
}

func blockViewDBKeyPrefix(view uint64) []byte {
	out := make([]byte, 0, 1+8)
	out = append(out, blockViewPrefix)
	return binary.BigEndian.AppendUint64(out, view)
}

func blockViewUpperBound(view uint64) []byte {
	if view == math.MaxUint64 {
		return []byte{blockViewPrefix + 1}
	}
	return blockViewDBKeyPrefix(view + 1)
}

func finalizationDBKey(height uint64) []byte {
	out := make([]byte, 0, 1+8)
	out = append(out, finalizationPrefix)
	return binary.BigEndian.AppendUint64(out, height)
}

func pubKeysDBKey(hash []byte) []byte {
	out := make([]byte, 0, 1+len(hash))
	out = append(out, pubKeysPrefix)
	return append(out, hash...)
}

func votePowersDBKey(hash []byte) []byte {
	out := make([]byte, 0, 1+len(hash))
	out = append(out, votePowersPrefix)
	return append(out, hash...)
}
