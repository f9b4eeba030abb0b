package ebls

import (
	"fmt"

	"github.com/bits-and-blooms/bitset"
	blst "github.com/supranational/blst/bindings/go"

	"github.com/PythonRysh/espresso/ecrypto"
)

// SignatureProofScheme satisfies [ecrypto.CommonMessageSignatureProofScheme]
// for BLS keys, aggregating signatures at finalization.
type SignatureProofScheme struct{}

func (SignatureProofScheme) New(
	msg []byte, candidateKeys []ecrypto.PubKey, pubKeyHash string,
) (ecrypto.CommonMessageSignatureProof, error) {
	keys := make([]PubKey, len(candidateKeys))
	for i, k := range candidateKeys {
		bk, ok := k.(PubKey)
		if !ok {
			return nil, fmt.Errorf("candidate key %d: expected ebls.PubKey, got %T", i, k)
		}
		keys[i] = bk
	}

	return NewSignatureProof(msg, keys, pubKeyHash)
}

func (SignatureProofScheme) KeyIDChecker(keys []ecrypto.PubKey) ecrypto.KeyIDChecker {
	return aggKeyIDChecker{nKeys: len(keys)}
}

// CanMergeFinalizedProofs returns false:
// once signatures are aggregated into one point,
// the individual signatures cannot be recovered for live proofs.
func (SignatureProofScheme) CanMergeFinalizedProofs() bool {
	return false
}

func (SignatureProofScheme) Finalize(
	primary ecrypto.CommonMessageSignatureProof, rest []ecrypto.CommonMessageSignatureProof,
) ecrypto.FinalizedCommonMessageSignatureProof {
	p := primary.(SignatureProof)

	keys := make([]ecrypto.PubKey, len(p.keys))
	for i, k := range p.keys {
		keys[i] = k
	}

	f := ecrypto.FinalizedCommonMessageSignatureProof{
		Keys:       keys,
		PubKeyHash: p.keyHash,

		MainMessage:    p.msg,
		MainSignatures: []ecrypto.SparseSignature{aggregateSparse(p)},
	}

	if len(rest) == 0 {
		return f
	}

	f.Rest = make(map[string][]ecrypto.SparseSignature, len(rest))
	for _, r := range rest {
		rp := r.(SignatureProof)
		if rp.keyHash != p.keyHash {
			panic("BUG: finalizing proofs over different key sets")
		}
		f.Rest[string(rp.msg)] = []ecrypto.SparseSignature{aggregateSparse(rp)}
	}

	return f
}

// aggregateSparse combines every signature in p into one compressed
// G1 point, with the contributing validators' bit set as the key ID.
func aggregateSparse(p SignatureProof) ecrypto.SparseSignature {
	sigs := make([][]byte, 0, len(p.sigs))
	for _, idx := range sortedIndices(p) {
		sigs = append(sigs, p.sigs[idx])
	}

	var agg blst.P1Aggregate
	if !agg.AggregateCompressed(sigs, false) {
		// Signatures were verified on the way in,
		// so failure to aggregate is unreachable without memory corruption.
		panic(fmt.Errorf("BUG: failed to aggregate %d verified signatures", len(sigs)))
	}

	keyID, err := p.bits.MarshalBinary()
	if err != nil {
		panic(fmt.Errorf("BUG: bitset marshal cannot fail: %w", err))
	}

	return ecrypto.SparseSignature{
		KeyID: keyID,
		Sig:   agg.ToAffine().Compress(),
	}
}

func sortedIndices(p SignatureProof) []uint {
	idxs := make([]uint, 0, len(p.sigs))
	for u, e := p.bits.NextSet(0); e; u, e = p.bits.NextSet(u + 1) {
		idxs = append(idxs, u)
	}
	return idxs
}

func (s SignatureProofScheme) ValidateFinalizedProof(
	proof ecrypto.FinalizedCommonMessageSignatureProof,
	hashesBySignContent map[string]string,
) (map[string]*bitset.BitSet, bool) {
	out := make(map[string]*bitset.BitSet, len(proof.Rest)+1)

	seen := bitset.New(uint(len(proof.Keys)))
	unique := true

	check := func(msg string, sigs []ecrypto.SparseSignature) *bitset.BitSet {
		if len(sigs) != 1 {
			// Finalized aggregated proofs carry exactly one signature per message.
			return nil
		}

		bs := new(bitset.BitSet)
		if err := bs.UnmarshalBinary(sigs[0].KeyID); err != nil {
			return nil
		}
		if bs.Len() > uint(len(proof.Keys)) || bs.None() {
			return nil
		}

		subset := make([]*blst.P2Affine, 0, bs.Count())
		for u, e := bs.NextSet(0); e; u, e = bs.NextSet(u + 1) {
			if u >= uint(len(proof.Keys)) {
				return nil
			}
			k, ok := proof.Keys[u].(PubKey)
			if !ok {
				return nil
			}
			p2 := blst.P2Affine(k)
			subset = append(subset, &p2)
		}

		sig := new(blst.P1Affine).Uncompress(sigs[0].Sig)
		if sig == nil {
			return nil
		}
		if !sig.FastAggregateVerify(true, subset, blst.Message(msg), DomainSeparationTag) {
			return nil
		}

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
			unique = false
		}
		seen.InPlaceUnion(bs)

		out[hashesBySignContent[msg]] = bs
	}

	return out, unique
}

// aggKeyIDChecker accepts both the live uint16 index form and the
// finalized bitset form, since both appear on the wire.
type aggKeyIDChecker struct {
	nKeys int
}

func (c aggKeyIDChecker) IsValid(keyID []byte) bool {
	if _, ok := parseIndexKeyID(keyID, c.nKeys); ok {
		return true
	}

	bs := new(bitset.BitSet)
	if err := bs.UnmarshalBinary(keyID); err != nil {
		return false
	}
	return bs.Len() <= uint(c.nKeys)
}
