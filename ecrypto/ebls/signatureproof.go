package ebls

import (
	"bytes"
	"encoding/binary"
	"maps"
	"slices"

	"github.com/bits-and-blooms/bitset"

	"github.com/PythonRysh/espresso/ecrypto"
)

// SignatureProof is the aggregating [ecrypto.CommonMessageSignatureProof]
// for BLS keys.
//
// While a proof is live it keeps each validator's signature separately,
// so merges stay simple and any subset can be re-shared.
// Aggregation happens only at finalization:
// the main message's signatures combine into one G1 point whose
// key ID is the serialized bit set of contributing validators.
type SignatureProof struct {
	msg []byte

	// Candidate index -> individual compressed signature.
	sigs map[uint][]byte

	keys    []PubKey
	keyIdxs map[string]uint

	keyHash string

	bits *bitset.BitSet
}

// NewSignatureProof returns an empty proof for msg against candidateKeys.
func NewSignatureProof(msg []byte, candidateKeys []PubKey, pubKeyHash string) (SignatureProof, error) {
	keyIdxs := make(map[string]uint, len(candidateKeys))
	for i, k := range candidateKeys {
		keyIdxs[string(k.PubKeyBytes())] = uint(i)
	}

	return SignatureProof{
		msg: msg,

		sigs:    make(map[uint][]byte),
		keys:    candidateKeys,
		keyIdxs: keyIdxs,

		keyHash: pubKeyHash,

		bits: bitset.New(uint(len(candidateKeys))),
	}, nil
}

func (p SignatureProof) Message() []byte {
	return p.msg
}

func (p SignatureProof) PubKeyHash() []byte {
	return []byte(p.keyHash)
}

func (p SignatureProof) AddSignature(sig []byte, key ecrypto.PubKey) error {
	k, ok := key.(PubKey)
	if !ok {
		return ecrypto.ErrUnknownKey
	}

	idx, ok := p.keyIdxs[string(k.PubKeyBytes())]
	if !ok {
		return ecrypto.ErrUnknownKey
	}

	if cur, have := p.sigs[idx]; have {
		if bytes.Equal(cur, sig) {
			return nil
		}
		// BLS signatures are deterministic per key and message.
		return ecrypto.ErrInvalidSignature
	}

	if !k.Verify(p.msg, sig) {
		return ecrypto.ErrInvalidSignature
	}

	p.sigs[idx] = bytes.Clone(sig)
	p.bits.Set(idx)
	return nil
}

func (p SignatureProof) Matches(other ecrypto.CommonMessageSignatureProof) bool {
	o, ok := other.(SignatureProof)
	if !ok {
		return false
	}

	if !bytes.Equal(p.msg, o.msg) {
		return false
	}
	if p.keyHash != o.keyHash {
		return false
	}

	return slices.EqualFunc(p.keys, o.keys, func(a, b PubKey) bool {
		return a.Equal(b)
	})
}

func (p SignatureProof) Merge(other ecrypto.CommonMessageSignatureProof) ecrypto.SignatureProofMergeResult {
	o, ok := other.(SignatureProof)
	if !ok {
		panic("BUG: merged proof types must match")
	}

	if !p.Matches(o) {
		return ecrypto.SignatureProofMergeResult{}
	}

	res := ecrypto.SignatureProofMergeResult{
		AllValidSignatures: true,
	}

	wasSuperset := (o.bits.None() && p.bits.None()) || o.bits.IsStrictSuperSet(p.bits)

	for idx, sig := range o.sigs {
		if _, have := p.sigs[idx]; have {
			if !bytes.Equal(p.sigs[idx], sig) {
				res.AllValidSignatures = false
			}
			continue
		}

		if err := p.AddSignature(sig, p.keys[idx]); err != nil {
			res.AllValidSignatures = false
			continue
		}
		res.IncreasedSignatures = true
	}

	res.WasStrictSuperset = wasSuperset && res.AllValidSignatures
	return res
}

func (p SignatureProof) MergeSparse(s ecrypto.SparseSignatureProof) ecrypto.SignatureProofMergeResult {
	if p.keyHash != s.PubKeyHash {
		return ecrypto.SignatureProofMergeResult{}
	}

	res := ecrypto.SignatureProofMergeResult{
		AllValidSignatures: true,
	}

	added := bitset.New(uint(len(p.keys)))
	before := p.bits.Clone()

	for _, ss := range s.Signatures {
		idx, ok := parseIndexKeyID(ss.KeyID, len(p.keys))
		if !ok {
			res.AllValidSignatures = false
			continue
		}

		if err := p.AddSignature(ss.Sig, p.keys[idx]); err != nil {
			res.AllValidSignatures = false
			continue
		}

		added.Set(idx)
	}

	res.IncreasedSignatures = p.bits.Count() > before.Count()
	res.WasStrictSuperset = added.IsStrictSuperSet(before)

	return res
}

func (p SignatureProof) HasSparseKeyID(keyID []byte) (has, valid bool) {
	idx, ok := parseIndexKeyID(keyID, len(p.keys))
	if !ok {
		return false, false
	}

	return p.bits.Test(idx), true
}

func (p SignatureProof) Clone() ecrypto.CommonMessageSignatureProof {
	return SignatureProof{
		msg: bytes.Clone(p.msg),

		sigs:    maps.Clone(p.sigs),
		keys:    p.keys,
		keyIdxs: p.keyIdxs,

		keyHash: p.keyHash,

		bits: p.bits.Clone(),
	}
}

func (p SignatureProof) Derive() ecrypto.CommonMessageSignatureProof {
	return SignatureProof{
		msg: bytes.Clone(p.msg),

		sigs:    make(map[uint][]byte),
		keys:    p.keys,
		keyIdxs: p.keyIdxs,

		keyHash: p.keyHash,

		bits: bitset.New(uint(len(p.keys))),
	}
}

func (p SignatureProof) SignatureBitSet(dst *bitset.BitSet) {
	p.bits.CopyFull(dst)
}

func (p SignatureProof) AsSparse() ecrypto.SparseSignatureProof {
	idxs := make([]uint, 0, len(p.sigs))
	for idx := range p.sigs {
		idxs = append(idxs, idx)
	}
	slices.Sort(idxs)

	sigs := make([]ecrypto.SparseSignature, len(idxs))
	for i, idx := range idxs {
		keyID := make([]byte, 2)
		binary.BigEndian.PutUint16(keyID, uint16(idx))
		sigs[i] = ecrypto.SparseSignature{
			KeyID: keyID,
			Sig:   p.sigs[idx],
		}
	}

	return ecrypto.SparseSignatureProof{
		PubKeyHash: p.keyHash,
		Signatures: sigs,
	}
}

func parseIndexKeyID(keyID []byte, nKeys int) (uint, bool) {
	if len(keyID) != 2 {
		return 0, false
	}

	idx := uint(binary.BigEndian.Uint16(keyID))
	if idx >= uint(nKeys) {
		return 0, false
	}
	return idx, true
}
