package hsconsensus

import (
	"encoding/binary"
	"fmt"
	"hash"

	"golang.org/x/crypto/blake2b"

	"github.com/PythonRysh/espresso/ecrypto"
)

// Domain prefixes keep the three hash kinds mutually exclusive.
const (
	blockHashPrefix      = "espresso:block/v1\n"
	pubKeysHashPrefix    = "espresso:pubkeys/v1\n"
	votePowersHashPrefix = "espresso:powers/v1\n"
)

// Blake2bHashScheme is the production [HashScheme]:
// blake2b-256 over a length-prefixed canonical encoding,
// with a versioned domain prefix per hash kind.
type Blake2bHashScheme struct{}

var _ HashScheme = Blake2bHashScheme{}

func (Blake2bHashScheme) Block(b Block) ([]byte, error) {
	h := newBlake2b()
	h.Write([]byte(blockHashPrefix))

	hashLengthPrefixed(h, []byte(b.ChainID))
	hashUint64(h, b.View)
	hashUint64(h, b.Height)
	hashLengthPrefixed(h, b.ParentHash)

	if b.Proposer == nil {
		hashLengthPrefixed(h, nil)
	} else {
		hashLengthPrefixed(h, b.Proposer.PubKeyBytes())
	}

	// The justifying certificate is part of block identity,
	// signatures included: a proposal is inseparable
	// from the exact certificate it extends.
	if b.Justify == nil {
		h.Write([]byte{0})
	} else {
		h.Write([]byte{1})
		hashUint64(h, b.Justify.View)
		hashLengthPrefixed(h, b.Justify.BlockHash)
		hashLengthPrefixed(h, []byte(b.Justify.PubKeyHash))
		hashUint64(h, uint64(len(b.Justify.Signatures)))
		for _, s := range b.Justify.Signatures {
			hashLengthPrefixed(h, s.KeyID)
			hashLengthPrefixed(h, s.Sig)
		}
	}

	hashLengthPrefixed(h, b.DataID)
	hashLengthPrefixed(h, b.StateRoot)
	hashLengthPrefixed(h, b.ValidatorPubKeyHash)
	hashLengthPrefixed(h, b.ValidatorVotePowerHash)

	return h.Sum(nil), nil
}

func (Blake2bHashScheme) PubKeys(keys []ecrypto.PubKey) ([]byte, error) {
	h := newBlake2b()
	h.Write([]byte(pubKeysHashPrefix))

	hashUint64(h, uint64(len(keys)))
	for _, k := range keys {
		hashLengthPrefixed(h, k.PubKeyBytes())
	}

	return h.Sum(nil), nil
}

func (Blake2bHashScheme) VotePowers(powers []uint64) ([]byte, error) {
	h := newBlake2b()
	h.Write([]byte(votePowersHashPrefix))

	hashUint64(h, uint64(len(powers)))
	for _, p := range powers {
		hashUint64(h, p)
	}

	return h.Sum(nil), nil
}

func newBlake2b() hash.Hash {
	h, err := blake2b.New256(nil)
	if err != nil {
		panic(fmt.Errorf("BUG: keyless blake2b cannot fail: %w", err))
	}
	return h
}

func hashUint64(h hash.Hash, v uint64) {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], v)
	h.Write(buf[:])
}

func hashLengthPrefixed(h hash.Hash, b []byte) {
	hashUint64(h, uint64(len(b)))
	h.Write(b)
}
