package cape

import (
	"bytes"
	"hash"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// BurnMagicBytes prefixes the proof bound data of a burn:
// a transfer releasing wrapped funds back to an Ethereum address.
var BurnMagicBytes = []byte("EsSCAPE burn")

// BurnBoundData binds a burn to its Ethereum recipient.
func BurnBoundData(recipient common.Address) []byte {
	out := make([]byte, 0, len(BurnMagicBytes)+common.AddressLength)
	out = append(out, BurnMagicBytes...)
	out = append(out, recipient.Bytes()...)
	return out
}

// ParseBurnBoundData extracts the recipient from burn bound data.
// ok is false when b is not burn shaped.
func ParseBurnBoundData(b []byte) (common.Address, bool) {
	if len(b) != len(BurnMagicBytes)+common.AddressLength {
		return common.Address{}, false
	}
	if !bytes.Equal(b[:len(BurnMagicBytes)], BurnMagicBytes) {
		return common.Address{}, false
	}
	return common.BytesToAddress(b[len(BurnMagicBytes):]), true
}

// SpendWitness authorizes consuming one record.
type SpendWitness struct {
	PublicKey UserPublicKey

	// The owner's PRF key, revealed so validators can check the
	// nullifier derivation against the record. Zero for freezable
	// assets, whose nullifiers derive from the policy-scoped key.
	NullifierKey NullifierKey

	// Signature over the transaction digest by PublicKey.VerifyKey.
	Signature []byte
}

// RecordInput references a record being consumed without carrying
// its own witness; the note supplies authorization separately.
type RecordInput struct {
	Opening   RecordOpening
	Nullifier Nullifier
}

// TransferInput is a record consumption authorized by its owner.
type TransferInput struct {
	Opening   RecordOpening
	Nullifier Nullifier
	Witness   SpendWitness
}

// TransferNote moves value between records.
// Per asset, input and output amounts balance exactly;
// the native asset additionally covers Fee.
type TransferNote struct {
	Inputs  []TransferInput
	Outputs []RecordOpening

	Fee uint64

	// Empty for ordinary transfers. Burns set it to [BurnBoundData]
	// of the Ethereum recipient, spend exactly two inputs into
	// exactly two outputs, and leave Outputs[0] out of the record
	// tree.
	ProofBoundData []byte
}

// IsBurn reports whether the note's bound data is a burn binding.
func (n *TransferNote) IsBurn() bool {
	_, ok := ParseBurnBoundData(n.ProofBoundData)
	return ok
}

// MintNote brings records of a user-defined asset into existence.
// Revealing the seed proves definition rights over the derived code.
type MintNote struct {
	Seed        AssetCodeSeed
	Description []byte

	Output RecordOpening

	FeeInput  TransferInput
	FeeChange RecordOpening
	Fee       uint64
}

// FreezeNote flips one record's freeze flag under the asset
// freezer's authority, consuming the record and recreating it
// with the flag flipped.
type FreezeNote struct {
	Input  RecordInput
	Output RecordOpening

	FreezerKey UserPublicKey
	// Signature over the transaction digest by FreezerKey.
	FreezerSig []byte

	FeeInput  TransferInput
	FeeChange RecordOpening
	Fee       uint64
}

// SponsorNote registers an asset wrapping an ERC20 token.
// The code derivation binds both addresses,
// and each ERC20 may be sponsored once.
type SponsorNote struct {
	Erc20   common.Address
	Sponsor common.Address
	Asset   AssetDefinition
}

// WrapNote credits an ERC20 deposit as a record of the sponsored
// asset. The deposit amount is an Ethereum quantity; deposits that
// do not fit the record amount are invalid.
type WrapNote struct {
	Erc20  common.Address
	Amount *uint256.Int
	Target RecordOpening
}

// StakeNote adjusts one validator's voting power, signed by the
// validator key itself. Power zero removes the validator.
// Nonces are strictly increasing per key.
type StakeNote struct {
	// Registry encoding of the consensus public key.
	PubKey []byte

	Power uint64
	Nonce uint64

	Signature []byte
}

// Transaction is the envelope for everything a block can carry.
// Exactly one field must be set.
type Transaction struct {
	Transfer *TransferNote
	Mint     *MintNote
	Freeze   *FreezeNote
	Sponsor  *SponsorNote
	Wrap     *WrapNote
	Stake    *StakeNote
}

// Kind names the transaction variant for logs and archives.
func (tx Transaction) Kind() string {
	switch {
	case tx.Transfer != nil:
		if tx.Transfer.IsBurn() {
			return "burn"
		}
		return "transfer"
	case tx.Mint != nil:
		return "mint"
	case tx.Freeze != nil:
		return "freeze"
	case tx.Sponsor != nil:
		return "sponsor"
	case tx.Wrap != nil:
		return "wrap"
	case tx.Stake != nil:
		return "stake"
	default:
		return "invalid"
	}
}

// Fee reports the declared native fee.
// Bridge and stake operations are fee-exempt.
func (tx Transaction) Fee() uint64 {
	switch {
	case tx.Transfer != nil:
		return tx.Transfer.Fee
	case tx.Mint != nil:
		return tx.Mint.Fee
	case tx.Freeze != nil:
		return tx.Freeze.Fee
	default:
		return 0
	}
}

// Nullifiers lists every nullifier the transaction would mark spent.
func (tx Transaction) Nullifiers() []Nullifier {
	switch {
	case tx.Transfer != nil:
		ns := make([]Nullifier, len(tx.Transfer.Inputs))
		for i, in := range tx.Transfer.Inputs {
			ns[i] = in.Nullifier
		}
		return ns
	case tx.Mint != nil:
		return []Nullifier{tx.Mint.FeeInput.Nullifier}
	case tx.Freeze != nil:
		return []Nullifier{tx.Freeze.Input.Nullifier, tx.Freeze.FeeInput.Nullifier}
	default:
		return nil
	}
}

const txnDigestTag = "espresso:cape/txn/v1\n"

// Kind bytes under the digest tag.
const (
	kindTransfer byte = iota + 1
	kindMint
	kindFreeze
	kindSponsor
	kindWrap
	kindStake
)

// Digest is the value spend witnesses sign.
// It binds every field except the signatures themselves;
// record openings are bound through their commitments.
func (tx Transaction) Digest() [32]byte {
	h := newBlake2b()
	h.Write([]byte(txnDigestTag))

	switch {
	case tx.Transfer != nil:
		n := tx.Transfer
		h.Write([]byte{kindTransfer})
		hashUint64(h, uint64(len(n.Inputs)))
		for _, in := range n.Inputs {
			digestTransferInput(h, in)
		}
		hashUint64(h, uint64(len(n.Outputs)))
		for _, out := range n.Outputs {
			digestOpening(h, out)
		}
		hashUint64(h, n.Fee)
		hashLengthPrefixed(h, n.ProofBoundData)

	case tx.Mint != nil:
		n := tx.Mint
		h.Write([]byte{kindMint})
		h.Write(n.Seed[:])
		hashLengthPrefixed(h, n.Description)
		digestOpening(h, n.Output)
		digestTransferInput(h, n.FeeInput)
		digestOpening(h, n.FeeChange)
		hashUint64(h, n.Fee)

	case tx.Freeze != nil:
		n := tx.Freeze
		h.Write([]byte{kindFreeze})
		digestOpening(h, n.Input.Opening)
		h.Write(n.Input.Nullifier[:])
		digestOpening(h, n.Output)
		digestUserPublicKey(h, n.FreezerKey)
		digestTransferInput(h, n.FeeInput)
		digestOpening(h, n.FeeChange)
		hashUint64(h, n.Fee)

	case tx.Sponsor != nil:
		n := tx.Sponsor
		h.Write([]byte{kindSponsor})
		h.Write(n.Erc20.Bytes())
		h.Write(n.Sponsor.Bytes())
		digestAssetDefinition(h, n.Asset)

	case tx.Wrap != nil:
		n := tx.Wrap
		h.Write([]byte{kindWrap})
		h.Write(n.Erc20.Bytes())
		if n.Amount == nil {
			hashLengthPrefixed(h, nil)
		} else {
			b := n.Amount.Bytes32()
			hashLengthPrefixed(h, b[:])
		}
		digestOpening(h, n.Target)

	case tx.Stake != nil:
		n := tx.Stake
		h.Write([]byte{kindStake})
		hashLengthPrefixed(h, n.PubKey)
		hashUint64(h, n.Power)
		hashUint64(h, n.Nonce)

	default:
		// Empty envelopes digest distinctly;
		// validation rejects them before the digest matters.
		h.Write([]byte{0})
	}

	return digest32(h)
}

func digestOpening(h hash.Hash, ro RecordOpening) {
	c := ro.Commitment()
	h.Write(c[:])
}

func digestTransferInput(h hash.Hash, in TransferInput) {
	digestOpening(h, in.Opening)
	h.Write(in.Nullifier[:])
	digestUserPublicKey(h, in.Witness.PublicKey)
	h.Write(in.Witness.NullifierKey[:])
}

func digestUserPublicKey(h hash.Hash, k UserPublicKey) {
	hashLengthPrefixed(h, k.VerifyKey)
	h.Write(k.NullifierCommit[:])
}

func digestAssetDefinition(h hash.Hash, def AssetDefinition) {
	h.Write(def.Code[:])
	h.Write(def.Policy.Viewer[:])
	h.Write(def.Policy.Freezer[:])
	h.Write([]byte{byte(def.Policy.Reveal)})
}
