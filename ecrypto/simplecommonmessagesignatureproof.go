package ecrypto

import (
	"bytes"
	"encoding/binary"
	"maps"
	"slices"

	"github.com/bits-and-blooms/bitset"
)

// SimpleCommonMessageSignatureProofScheme satisfies
// [CommonMessageSignatureProofScheme] for any non-aggregating
// signature type such as ed25519.
type SimpleCommonMessageSignatureProofScheme struct{}

func (SimpleCommonMessageSignatureProofScheme) New(
	msg []byte, candidateKeys []PubKey, pubKeyHash string,
) (CommonMessageSignatureProof, error) {
	return NewSimpleCommonMessageSignatureProof(msg, candidateKeys, pubKeyHash)
}

func (SimpleCommonMessageSignatureProofScheme) KeyIDChecker(keys []PubKey) KeyIDChecker {
	return indexKeyIDChecker{nKeys: len(keys)}
}

// CanMergeFinalizedProofs returns true:
// simple proofs keep every signature individually,
// so finalization loses nothing.
func (SimpleCommonMessageSignatureProofScheme) CanMergeFinalizedProofs() bool {
	return true
}

func (SimpleCommonMessageSignatureProofScheme) Finalize(
	primary CommonMessageSignatureProof, rest []CommonMessageSignatureProof,
) FinalizedCommonMessageSignatureProof {
	p := primary.(SimpleCommonMessageSignatureProof)

	f := FinalizedCommonMessageSignatureProof{
		Keys:       p.keys,
		PubKeyHash: p.keyHash,

		MainMessage:    p.msg,
		MainSignatures: p.AsSparse().Signatures,
	}

	if len(rest) == 0 {
		return f
	}

	f.Rest = make(map[string][]SparseSignature, len(rest))
	for _, r := range rest {
		rp := r.(SimpleCommonMessageSignatureProof)
		if rp.keyHash != p.keyHash {
			panic("BUG: finalizing proofs over different key sets")
		}
		f.Rest[string(rp.msg)] = rp.AsSparse().Signatures
	}

	return f
}

func (s SimpleCommonMessageSignatureProofScheme) ValidateFinalizedProof(
	proof FinalizedCommonMessageSignatureProof,
	hashesBySignContent map[string]string,
) (map[string]*bitset.BitSet, bool) {
	out := make(map[string]*bitset.BitSet, len(proof.Rest)+1)

	seen := bitset.New(uint(len(proof.Keys)))
	unique := true

	check := func(msg string, sigs []SparseSignature) *bitset.BitSet {
		p, err := NewSimpleCommonMessageSignatureProof([]byte(msg), proof.Keys, proof.PubKeyHash)
		if err != nil {
			return nil
		}

		res := p.MergeSparse(SparseSignatureProof{
			PubKeyHash: proof.PubKeyHash,
			Signatures: sigs,
		})
		if !res.AllValidSignatures {
			return nil
		}

		bs := bitset.New(uint(len(proof.Keys)))
		p.SignatureBitSet(bs)
		return bs
	}

	// Nil from check means bad signatures, not double-signing,
	// so the uniqueness result stays true on that path.
	mainBits := check(string(proof.MainMessage), proof.MainSignatures)
	if mainBits == nil {
		return nil, true
	}
	out[hashesBySignContent[string(proof.MainMessage)]] = mainBits
	seen.InPlaceUnion(mainBits)

	for msg, sigs := range proof.Rest {
		bs := check(msg, sigs)
		if bs == nil {
			return nil, true
		}

		if seen.IntersectionCardinality(bs) > 0 {
			// Some validator appears under more than one message.
			unique = false
		}
		seen.InPlaceUnion(bs)

		out[hashesBySignContent[msg]] = bs
	}

	return out, unique
}

// SimpleCommonMessageSignatureProof holds one verified signature
// per candidate key, keyed by the key's index in the candidate ordering.
type SimpleCommonMessageSignatureProof struct {
	msg []byte

	// Candidate index -> verified signature.
	sigs map[uint][]byte

	// The ordered candidate keys.
	keys []PubKey

	// string(pub key bytes) -> candidate index.
	keyIdxs map[string]uint

	// Agreed identifier of the candidate key set.
	keyHash string

	bits *bitset.BitSet
}

func NewSimpleCommonMessageSignatureProof(
	msg []byte, candidateKeys []PubKey, pubKeyHash string,
) (SimpleCommonMessageSignatureProof, error) {
	keyIdxs := make(map[string]uint, len(candidateKeys))
	for i, k := range candidateKeys {
		keyIdxs[string(k.PubKeyBytes())] = uint(i)
	}

	return SimpleCommonMessageSignatureProof{
		msg: msg,

		sigs:    make(map[uint][]byte),
		keys:    candidateKeys,
		keyIdxs: keyIdxs,

		keyHash: pubKeyHash,

		bits: bitset.New(uint(len(candidateKeys))),
	}, nil
}

func (p SimpleCommonMessageSignatureProof) Message() []byte {
	return p.msg
}

func (p SimpleCommonMessageSignatureProof) PubKeyHash() []byte {
	return []byte(p.keyHash)
}

func (p SimpleCommonMessageSignatureProof) AddSignature(sig []byte, key PubKey) error {
	idx, ok := p.keyIdxs[string(key.PubKeyBytes())]
	if !ok {
		return ErrUnknownKey
	}
	if !key.Verify(p.msg, sig) {
		return ErrInvalidSignature
	}

	p.sigs[idx] = bytes.Clone(sig)
	p.bits.Set(idx)
	return nil
}

func (p SimpleCommonMessageSignatureProof) Matches(other CommonMessageSignatureProof) bool {
	o, ok := other.(SimpleCommonMessageSignatureProof)
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

func (p SimpleCommonMessageSignatureProof) Merge(other CommonMessageSignatureProof) SignatureProofMergeResult {
	o, ok := other.(SimpleCommonMessageSignatureProof)
	if !ok {
		panic("BUG: merged proof types must match")
	}

	if !p.Matches(o) {
		// Zero value: nothing valid, nothing added.
		return SignatureProofMergeResult{}
	}

	res := SignatureProofMergeResult{
		AllValidSignatures: true,
	}

	// Decide superset status before p's bit set is modified.
	// Two empty proofs count as a superset so that
	// redundant empty gossip is not rebroadcast.
	wasSuperset := (o.bits.None() && p.bits.None()) || o.bits.IsStrictSuperSet(p.bits)

	for idx, otherSig := range o.sigs {
		if cur, have := p.sigs[idx]; have {
			// Non-aggregating signatures are deterministic per key and message,
			// so a differing signature for a held index is invalid.
			if !bytes.Equal(cur, otherSig) {
				res.AllValidSignatures = false
			}
			continue
		}

		if err := p.AddSignature(otherSig, p.keys[idx]); err != nil {
			res.AllValidSignatures = false
			continue
		}
		res.IncreasedSignatures = true
	}

	res.WasStrictSuperset = wasSuperset && res.AllValidSignatures
	return res
}

func (p SimpleCommonMessageSignatureProof) MergeSparse(s SparseSignatureProof) SignatureProofMergeResult {
	if p.keyHash != s.PubKeyHash {
		return SignatureProofMergeResult{}
	}

	res := SignatureProofMergeResult{
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

func (p SimpleCommonMessageSignatureProof) HasSparseKeyID(keyID []byte) (has, valid bool) {
	idx, ok := parseIndexKeyID(keyID, len(p.keys))
	if !ok {
		return false, false
	}

	return p.bits.Test(idx), true
}

func (p SimpleCommonMessageSignatureProof) Clone() CommonMessageSignatureProof {
	return SimpleCommonMessageSignatureProof{
		msg: bytes.Clone(p.msg),

		sigs: maps.Clone(p.sigs),

		// Keys are never mutated, so sharing the slice is fine.
		keys:    p.keys,
		keyIdxs: p.keyIdxs,

		keyHash: p.keyHash,

		bits: p.bits.Clone(),
	}
}

func (p SimpleCommonMessageSignatureProof) Derive() CommonMessageSignatureProof {
	return SimpleCommonMessageSignatureProof{
		msg: bytes.Clone(p.msg),

		sigs:    make(map[uint][]byte),
		keys:    p.keys,
		keyIdxs: p.keyIdxs,

		keyHash: p.keyHash,

		bits: bitset.New(uint(len(p.keys))),
	}
}

func (p SimpleCommonMessageSignatureProof) SignatureBitSet(dst *bitset.BitSet) {
	p.bits.CopyFull(dst)
}

func (p SimpleCommonMessageSignatureProof) AsSparse() SparseSignatureProof {
	idxs := make([]uint, 0, len(p.sigs))
	for idx := range p.sigs {
		idxs = append(idxs, idx)
	}
	// Deterministic output order regardless of map iteration.
	slices.Sort(idxs)

	sigs := make([]SparseSignature, len(idxs))
	for i, idx := range idxs {
		keyID := make([]byte, 2)
		binary.BigEndian.PutUint16(keyID, uint16(idx))
		sigs[i] = SparseSignature{
			KeyID: keyID,
			Sig:   p.sigs[idx],
		}
	}

	return SparseSignatureProof{
		PubKeyHash: p.keyHash,
		Signatures: sigs,
	}
}

// parseIndexKeyID decodes the big-endian uint16 key ID used by simple
// proofs, rejecting IDs outside the candidate range.
// A uint16 bounds the supported validator set size,
// which is far beyond any practical deployment.
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

// indexKeyIDChecker validates index-style key IDs against the key count.
type indexKeyIDChecker struct {
	nKeys int
}

func (c indexKeyIDChecker) IsValid(keyID []byte) bool {
	_, ok := parseIndexKeyID(keyID, c.nKeys)
	return ok
}
