package hsconsensus

import (
	"bytes"
	"fmt"

	"github.com/PythonRysh/espresso/ecrypto"
)

// SparseQuorumCertificate is the compact form of a quorum certificate,
// suitable for embedding in a block or sending across the network.
// The receiver is expected to know the validator set matching PubKeyHash,
// from which the certificate can be expanded and verified.
type SparseQuorumCertificate struct {
	// View in which the certified block was proposed.
	View uint64

	// Hash of the certified block.
	BlockHash []byte

	// Hash identifying the validator set whose votes are collected here.
	PubKeyHash string

	// Signatures over the vote signing content for BlockHash at View.
	// Key ID layout depends on the signature proof scheme in use.
	Signatures []ecrypto.SparseSignature
}

// Clone returns a deep copy of qc, or nil if qc is nil.
// A nil receiver is allowed so that cloning a block
// does not need to special-case the genesis block's missing certificate.
func (qc *SparseQuorumCertificate) Clone() *SparseQuorumCertificate {
	if qc == nil {
		return nil
	}

	sigs := make([]ecrypto.SparseSignature, len(qc.Signatures))
	for i, s := range qc.Signatures {
		sigs[i] = ecrypto.SparseSignature{
			KeyID: bytes.Clone(s.KeyID),
			Sig:   bytes.Clone(s.Sig),
		}
	}

	return &SparseQuorumCertificate{
		View:       qc.View,
		BlockHash:  bytes.Clone(qc.BlockHash),
		PubKeyHash: qc.PubKeyHash,
		Signatures: sigs,
	}
}

// Equal reports whether qc and o have identical content,
// including signature order.
func (qc SparseQuorumCertificate) Equal(o SparseQuorumCertificate) bool {
	if qc.View != o.View ||
		qc.PubKeyHash != o.PubKeyHash ||
		!bytes.Equal(qc.BlockHash, o.BlockHash) ||
		len(qc.Signatures) != len(o.Signatures) {
		return false
	}

	for i, s := range qc.Signatures {
		if !bytes.Equal(s.KeyID, o.Signatures[i].KeyID) ||
			!bytes.Equal(s.Sig, o.Signatures[i].Sig) {
			return false
		}
	}

	return true
}

// QuorumCertificate is the expanded form of a certificate,
// carrying the finalized signature proof with the full candidate key list.
// It is what the engine works with internally once a certificate
// has been verified or assembled from local vote state.
type QuorumCertificate struct {
	// View in which the certified block was proposed.
	View uint64

	// Hash of the certified block.
	BlockHash []byte

	// Finalized proof whose main message is the vote signing content
	// for BlockHash at View.
	Proof ecrypto.FinalizedCommonMessageSignatureProof
}

// ToSparse strips the certificate down to its network form.
func (qc QuorumCertificate) ToSparse() SparseQuorumCertificate {
	return SparseQuorumCertificate{
		View:       qc.View,
		BlockHash:  bytes.Clone(qc.BlockHash),
		PubKeyHash: qc.Proof.PubKeyHash,
		Signatures: qc.Proof.MainSignatures,
	}
}

// ToFull expands qc against the given validator set,
// rebuilding the vote signing content the signatures are expected to cover.
//
// The expansion does not verify any signatures;
// see [VerifyQuorumCertificate] for that.
func (qc SparseQuorumCertificate) ToFull(
	chainID string,
	vs ValidatorSet,
	sigScheme SignatureScheme,
) (QuorumCertificate, error) {
	if string(vs.PubKeyHash) != qc.PubKeyHash {
		return QuorumCertificate{}, fmt.Errorf(
			"cannot expand certificate: public key hash %x does not match validator set hash %x",
			qc.PubKeyHash, vs.PubKeyHash,
		)
	}

	msg, err := VoteSignBytes(VoteTarget{
		ChainID:   chainID,
		View:      qc.View,
		BlockHash: string(qc.BlockHash),
	}, sigScheme)
	if err != nil {
		return QuorumCertificate{}, fmt.Errorf("failed to build vote sign bytes: %w", err)
	}

	return QuorumCertificate{
		View:      qc.View,
		BlockHash: bytes.Clone(qc.BlockHash),
		Proof: ecrypto.FinalizedCommonMessageSignatureProof{
			Keys:       vs.PubKeys,
			PubKeyHash: qc.PubKeyHash,

			MainMessage:    msg,
			MainSignatures: qc.Signatures,
		},
	}, nil
}

// VerifyQuorumCertificate checks a certificate received from an
// untrusted source against the validator set it claims to represent.
//
// Every signature is verified, duplicate signers are rejected,
// and the represented vote power must meet [QuorumThreshold]
// of the set's total power.
//
// The genesis block's absent certificate is handled by the caller;
// an empty certificate never passes verification here.
func VerifyQuorumCertificate(
	qc SparseQuorumCertificate,
	chainID string,
	vs ValidatorSet,
	sigScheme SignatureScheme,
	cmsps ecrypto.CommonMessageSignatureProofScheme,
) error {
	if string(vs.PubKeyHash) != qc.PubKeyHash {
		return fmt.Errorf(
			"certificate public key hash %x does not match validator set hash %x",
			qc.PubKeyHash, vs.PubKeyHash,
		)
	}

	full, err := qc.ToFull(chainID, vs, sigScheme)
	if err != nil {
		return fmt.Errorf("failed to expand certificate: %w", err)
	}

	blockHash := string(qc.BlockHash)
	hashesBySignContent := map[string]string{
		string(full.Proof.MainMessage): blockHash,
	}

	signBitsByHash, allUnique := cmsps.ValidateFinalizedProof(full.Proof, hashesBySignContent)
	if !allUnique {
		return fmt.Errorf("certificate for view %d contains duplicate signers", qc.View)
	}
	if signBitsByHash == nil {
		return fmt.Errorf("certificate for view %d contains invalid signatures", qc.View)
	}

	var certPower, totalPower uint64
	sigBits := signBitsByHash[blockHash]
	for i, v := range vs.Validators {
		totalPower += v.Power
		if sigBits != nil && sigBits.Test(uint(i)) {
			certPower += v.Power
		}
	}

	if thresh := QuorumThreshold(totalPower); certPower < thresh {
		return fmt.Errorf(
			"certificate for view %d has vote power %d, needs at least %d of %d",
			qc.View, certPower, thresh, totalPower,
		)
	}

	return nil
}
