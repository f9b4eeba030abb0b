package hsconsensus

import (
	"bytes"
	"fmt"
	"slices"

	"github.com/PythonRysh/espresso/ecrypto"
)

// TimeoutRecord is the statement a validator signs
// when it gives up on the current view:
// the abandoned view paired with the highest QC view the signer has seen.
// The high-QC view lets the next leader prove it extends
// the freshest certified block known to the quorum.
type TimeoutRecord struct {
	ChainID string

	View uint64

	HighQCView uint64
}

// TimeoutProof collects the timeout signatures a validator has observed
// for a single view, keyed by each signer's attested high-QC view.
// Signers with different local QCs sign different content,
// so one timed-out view usually holds several entries.
type TimeoutProof struct {
	View uint64

	Proofs map[uint64]ecrypto.CommonMessageSignatureProof
}

// AsSparse converts p to its network form.
// It fails if the underlying proofs disagree on the public key hash,
// which would indicate corrupted local state.
func (p TimeoutProof) AsSparse() (TimeoutSparseProof, error) {
	out := TimeoutSparseProof{
		View: p.View,

		Proofs: make(map[uint64][]ecrypto.SparseSignature, len(p.Proofs)),
	}

	// Use an arbitrary entry to set the pub key hash.
	for _, proof := range p.Proofs {
		out.PubKeyHash = string(proof.PubKeyHash())
		break
	}

	for highQCView, proof := range p.Proofs {
		if pubKeyHash := string(proof.PubKeyHash()); pubKeyHash != out.PubKeyHash {
			return out, fmt.Errorf(
				"public key hash mismatch when converting timeout proof to sparse: expected %x, got %x",
				out.PubKeyHash, pubKeyHash,
			)
		}
		out.Proofs[highQCView] = proof.AsSparse().Signatures
	}

	return out, nil
}

// TimeoutSparseProof is the representation of timeout proofs
// arriving across the network.
type TimeoutSparseProof struct {
	View uint64

	PubKeyHash string

	Proofs map[uint64][]ecrypto.SparseSignature
}

func (p TimeoutSparseProof) Clone() TimeoutSparseProof {
	m := make(map[uint64][]ecrypto.SparseSignature, len(p.Proofs))
	for k, v := range p.Proofs {
		m[k] = slices.Clone(v)
	}
	return TimeoutSparseProof{
		View: p.View,

		PubKeyHash: p.PubKeyHash,

		Proofs: m,
	}
}

// ToFull returns a newly allocated full TimeoutProof
// based on the sparse proof and the provided arguments.
func (p TimeoutSparseProof) ToFull(
	chainID string,
	cmsps ecrypto.CommonMessageSignatureProofScheme,
	sigScheme SignatureScheme,
	pubKeys []ecrypto.PubKey,
	pubKeyHash string,
) (TimeoutProof, error) {
	out := TimeoutProof{
		View:   p.View,
		Proofs: make(map[uint64]ecrypto.CommonMessageSignatureProof, len(p.Proofs)),
	}

	for highQCView, sigs := range p.Proofs {
		msg, err := TimeoutSignBytes(TimeoutRecord{
			ChainID:    chainID,
			View:       p.View,
			HighQCView: highQCView,
		}, sigScheme)
		if err != nil {
			return out, fmt.Errorf("failed to build timeout sign bytes: %w", err)
		}

		out.Proofs[highQCView], err = cmsps.New(msg, pubKeys, pubKeyHash)
		if err != nil {
			return out, fmt.Errorf("failed to build timeout signature proof: %w", err)
		}

		sparseProof := ecrypto.SparseSignatureProof{
			PubKeyHash: p.PubKeyHash,
			Signatures: sigs,
		}
		_ = out.Proofs[highQCView].MergeSparse(sparseProof)
	}

	return out, nil
}

// SparseTimeoutCertificate proves that a quorum of validators
// abandoned a view, justifying entry into the next view
// without a quorum certificate for the abandoned one.
// Signatures are grouped by the high-QC view each signer attested,
// since signers with different local state sign different content.
//
// This is the canonical certificate form for both wire and storage;
// the expanded [TimeoutCertificate] exists only as an intermediate
// during verification and finalization.
type SparseTimeoutCertificate struct {
	// The abandoned view.
	View uint64

	// Hash identifying the validator set whose signatures are collected here.
	PubKeyHash string

	// Signatures over timeout signing content,
	// keyed by the signer's attested high-QC view.
	Signatures map[uint64][]ecrypto.SparseSignature
}

// HighQCView reports the highest QC view attested by any signer.
// The next leader's proposal must justify with a QC at least this fresh.
func (tc SparseTimeoutCertificate) HighQCView() uint64 {
	var max uint64
	for v := range tc.Signatures {
		if v > max {
			max = v
		}
	}
	return max
}

// Clone returns a deep copy of tc, or nil if tc is nil.
func (tc *SparseTimeoutCertificate) Clone() *SparseTimeoutCertificate {
	if tc == nil {
		return nil
	}

	m := make(map[uint64][]ecrypto.SparseSignature, len(tc.Signatures))
	for k, sigs := range tc.Signatures {
		cp := make([]ecrypto.SparseSignature, len(sigs))
		for i, s := range sigs {
			cp[i] = ecrypto.SparseSignature{
				KeyID: bytes.Clone(s.KeyID),
				Sig:   bytes.Clone(s.Sig),
			}
		}
		m[k] = cp
	}

	return &SparseTimeoutCertificate{
		View:       tc.View,
		PubKeyHash: tc.PubKeyHash,
		Signatures: m,
	}
}

// Equal reports whether tc and o have identical content,
// including signature order within each high-QC view group.
func (tc SparseTimeoutCertificate) Equal(o SparseTimeoutCertificate) bool {
	if tc.View != o.View ||
		tc.PubKeyHash != o.PubKeyHash ||
		len(tc.Signatures) != len(o.Signatures) {
		return false
	}

	for highQCView, sigs := range tc.Signatures {
		oSigs, ok := o.Signatures[highQCView]
		if !ok || len(sigs) != len(oSigs) {
			return false
		}
		for i, s := range sigs {
			if !bytes.Equal(s.KeyID, oSigs[i].KeyID) ||
				!bytes.Equal(s.Sig, oSigs[i].Sig) {
				return false
			}
		}
	}

	return true
}

// TimeoutCertificate is the expanded form of a timeout certificate.
// The finalized proof's main message is the signing content
// for the highest attested high-QC view;
// content for lower attested views lands in the proof's Rest map.
type TimeoutCertificate struct {
	// The abandoned view.
	View uint64

	Proof ecrypto.FinalizedCommonMessageSignatureProof
}

// ToFull expands tc against the given validator set,
// rebuilding the timeout signing content for every attested high-QC view.
//
// The expansion does not verify any signatures;
// see [VerifyTimeoutCertificate] for that.
func (tc SparseTimeoutCertificate) ToFull(
	chainID string,
	vs ValidatorSet,
	sigScheme SignatureScheme,
) (TimeoutCertificate, error) {
	if string(vs.PubKeyHash) != tc.PubKeyHash {
		return TimeoutCertificate{}, fmt.Errorf(
			"cannot expand timeout certificate: public key hash %x does not match validator set hash %x",
			tc.PubKeyHash, vs.PubKeyHash,
		)
	}
	if len(tc.Signatures) == 0 {
		return TimeoutCertificate{}, fmt.Errorf("timeout certificate for view %d has no signatures", tc.View)
	}

	mainView := tc.HighQCView()
	mainMsg, err := TimeoutSignBytes(TimeoutRecord{
		ChainID:    chainID,
		View:       tc.View,
		HighQCView: mainView,
	}, sigScheme)
	if err != nil {
		return TimeoutCertificate{}, fmt.Errorf("failed to build timeout sign bytes: %w", err)
	}

	out := TimeoutCertificate{
		View: tc.View,
		Proof: ecrypto.FinalizedCommonMessageSignatureProof{
			Keys:       vs.PubKeys,
			PubKeyHash: tc.PubKeyHash,

			MainMessage:    mainMsg,
			MainSignatures: tc.Signatures[mainView],
		},
	}

	if len(tc.Signatures) > 1 {
		out.Proof.Rest = make(map[string][]ecrypto.SparseSignature, len(tc.Signatures)-1)
		for highQCView, sigs := range tc.Signatures {
			if highQCView == mainView {
				continue
			}

			msg, err := TimeoutSignBytes(TimeoutRecord{
				ChainID:    chainID,
				View:       tc.View,
				HighQCView: highQCView,
			}, sigScheme)
			if err != nil {
				return TimeoutCertificate{}, fmt.Errorf("failed to build timeout sign bytes: %w", err)
			}

			out.Proof.Rest[string(msg)] = sigs
		}
	}

	return out, nil
}

// VerifyTimeoutCertificate checks a timeout certificate received from an
// untrusted source against the validator set it claims to represent.
//
// Every signature is verified, duplicate signers are rejected,
// and the combined vote power across all attested high-QC views
// must meet [QuorumThreshold] of the set's total power.
func VerifyTimeoutCertificate(
	tc SparseTimeoutCertificate,
	chainID string,
	vs ValidatorSet,
	sigScheme SignatureScheme,
	cmsps ecrypto.CommonMessageSignatureProofScheme,
) error {
	if string(vs.PubKeyHash) != tc.PubKeyHash {
		return fmt.Errorf(
			"timeout certificate public key hash %x does not match validator set hash %x",
			tc.PubKeyHash, vs.PubKeyHash,
		)
	}

	full, err := tc.ToFull(chainID, vs, sigScheme)
	if err != nil {
		return fmt.Errorf("failed to expand timeout certificate: %w", err)
	}

	// Label each signing content with its attested high-QC view
	// so the validated bit sets can be reunited below.
	hashesBySignContent := make(map[string]string, len(tc.Signatures))
	for highQCView := range tc.Signatures {
		msg, err := TimeoutSignBytes(TimeoutRecord{
			ChainID:    chainID,
			View:       tc.View,
			HighQCView: highQCView,
		}, sigScheme)
		if err != nil {
			return fmt.Errorf("failed to build timeout sign bytes: %w", err)
		}
		hashesBySignContent[string(msg)] = timeoutViewLabel(highQCView)
	}

	signBitsByLabel, allUnique := cmsps.ValidateFinalizedProof(full.Proof, hashesBySignContent)
	if !allUnique {
		return fmt.Errorf("timeout certificate for view %d contains duplicate signers", tc.View)
	}
	if signBitsByLabel == nil {
		return fmt.Errorf("timeout certificate for view %d contains invalid signatures", tc.View)
	}

	var tcPower, totalPower uint64
	for i, v := range vs.Validators {
		totalPower += v.Power

		for _, bits := range signBitsByLabel {
			if bits.Test(uint(i)) {
				tcPower += v.Power
				break
			}
		}
	}

	if thresh := QuorumThreshold(totalPower); tcPower < thresh {
		return fmt.Errorf(
			"timeout certificate for view %d has vote power %d, needs at least %d of %d",
			tc.View, tcPower, thresh, totalPower,
		)
	}

	return nil
}

func timeoutViewLabel(highQCView uint64) string {
	return fmt.Sprintf("hqc:%d", highQCView)
}
