package cape

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/vmihailenco/msgpack/v5"
)

// Wire and storage records, MessagePack encoded.
// Fixed-size arrays cross the codec as byte slices
// and are length checked on the way back in.

type assetDefinitionRecord struct {
	Code    []byte
	Viewer  []byte `msgpack:",omitempty"`
	Freezer []byte `msgpack:",omitempty"`
	Reveal  uint8  `msgpack:",omitempty"`
}

func toAssetDefinitionRecord(def AssetDefinition) assetDefinitionRecord {
	rec := assetDefinitionRecord{
		Code:   def.Code[:],
		Reveal: uint8(def.Policy.Reveal),
	}
	if !def.Policy.Viewer.IsZero() {
		rec.Viewer = def.Policy.Viewer[:]
	}
	if !def.Policy.Freezer.IsZero() {
		rec.Freezer = def.Policy.Freezer[:]
	}
	return rec
}

func fromAssetDefinitionRecord(rec assetDefinitionRecord) (AssetDefinition, error) {
	code, err := to32("asset code", rec.Code)
	if err != nil {
		return AssetDefinition{}, err
	}

	def := AssetDefinition{
		Code: AssetCode(code),
		Policy: AssetPolicy{
			Reveal: RevealMap(rec.Reveal),
		},
	}
	if len(rec.Viewer) > 0 {
		v, err := to32("viewer address", rec.Viewer)
		if err != nil {
			return AssetDefinition{}, err
		}
		def.Policy.Viewer = UserAddress(v)
	}
	if len(rec.Freezer) > 0 {
		f, err := to32("freezer address", rec.Freezer)
		if err != nil {
			return AssetDefinition{}, err
		}
		def.Policy.Freezer = UserAddress(f)
	}
	return def, nil
}

type recordOpeningRecord struct {
	Amount uint64
	Asset  assetDefinitionRecord
	Owner  []byte
	Freeze uint8 `msgpack:",omitempty"`
	Blind  []byte
}

func toRecordOpeningRecord(ro RecordOpening) recordOpeningRecord {
	return recordOpeningRecord{
		Amount: ro.Amount,
		Asset:  toAssetDefinitionRecord(ro.Asset),
		Owner:  ro.Owner[:],
		Freeze: uint8(ro.Freeze),
		Blind:  ro.Blind[:],
	}
}

func fromRecordOpeningRecord(rec recordOpeningRecord) (RecordOpening, error) {
	def, err := fromAssetDefinitionRecord(rec.Asset)
	if err != nil {
		return RecordOpening{}, err
	}
	owner, err := to32("owner address", rec.Owner)
	if err != nil {
		return RecordOpening{}, err
	}
	blind, err := to32("blinding factor", rec.Blind)
	if err != nil {
		return RecordOpening{}, err
	}

	return RecordOpening{
		Amount: rec.Amount,
		Asset:  def,
		Owner:  UserAddress(owner),
		Freeze: FreezeFlag(rec.Freeze),
		Blind:  Blind(blind),
	}, nil
}

type spendWitnessRecord struct {
	VerifyKey       []byte
	NullifierCommit []byte
	NullifierKey    []byte `msgpack:",omitempty"`
	Signature       []byte
}

func toSpendWitnessRecord(w SpendWitness) spendWitnessRecord {
	rec := spendWitnessRecord{
		VerifyKey:       w.PublicKey.VerifyKey,
		NullifierCommit: w.PublicKey.NullifierCommit[:],
		Signature:       w.Signature,
	}
	if !w.NullifierKey.IsZero() {
		rec.NullifierKey = w.NullifierKey[:]
	}
	return rec
}

func fromSpendWitnessRecord(rec spendWitnessRecord) (SpendWitness, error) {
	commit, err := to32("nullifier commitment", rec.NullifierCommit)
	if err != nil {
		return SpendWitness{}, err
	}

	w := SpendWitness{
		PublicKey: UserPublicKey{
			VerifyKey:       rec.VerifyKey,
			NullifierCommit: commit,
		},
		Signature: rec.Signature,
	}
	if len(rec.NullifierKey) > 0 {
		nk, err := to32("nullifier key", rec.NullifierKey)
		if err != nil {
			return SpendWitness{}, err
		}
		w.NullifierKey = NullifierKey(nk)
	}
	return w, nil
}

type transferInputRecord struct {
	Opening   recordOpeningRecord
	Nullifier []byte
	Witness   spendWitnessRecord
}

func toTransferInputRecord(in TransferInput) transferInputRecord {
	return transferInputRecord{
		Opening:   toRecordOpeningRecord(in.Opening),
		Nullifier: in.Nullifier[:],
		Witness:   toSpendWitnessRecord(in.Witness),
	}
}

func fromTransferInputRecord(rec transferInputRecord) (TransferInput, error) {
	ro, err := fromRecordOpeningRecord(rec.Opening)
	if err != nil {
		return TransferInput{}, err
	}
	n, err := to32("nullifier", rec.Nullifier)
	if err != nil {
		return TransferInput{}, err
	}
	w, err := fromSpendWitnessRecord(rec.Witness)
	if err != nil {
		return TransferInput{}, err
	}

	return TransferInput{
		Opening:   ro,
		Nullifier: Nullifier(n),
		Witness:   w,
	}, nil
}

type transferNoteRecord struct {
	Inputs  []transferInputRecord
	Outputs []recordOpeningRecord

	Fee uint64 `msgpack:",omitempty"`

	ProofBoundData []byte `msgpack:",omitempty"`
}

type mintNoteRecord struct {
	Seed        []byte
	Description []byte `msgpack:",omitempty"`

	Output recordOpeningRecord

	FeeInput  transferInputRecord
	FeeChange recordOpeningRecord
	Fee       uint64 `msgpack:",omitempty"`
}

type freezeNoteRecord struct {
	InputOpening   recordOpeningRecord
	InputNullifier []byte

	Output recordOpeningRecord

	FreezerVerifyKey       []byte
	FreezerNullifierCommit []byte
	FreezerSig             []byte

	FeeInput  transferInputRecord
	FeeChange recordOpeningRecord
	Fee       uint64 `msgpack:",omitempty"`
}

type sponsorNoteRecord struct {
	Erc20   []byte
	Sponsor []byte
	Asset   assetDefinitionRecord
}

type wrapNoteRecord struct {
	Erc20  []byte
	Amount []byte
	Target recordOpeningRecord
}

type stakeNoteRecord struct {
	PubKey []byte
	Power  uint64 `msgpack:",omitempty"`
	Nonce  uint64 `msgpack:",omitempty"`

	Signature []byte
}

type transactionRecord struct {
	Transfer *transferNoteRecord `msgpack:",omitempty"`
	Mint     *mintNoteRecord     `msgpack:",omitempty"`
	Freeze   *freezeNoteRecord   `msgpack:",omitempty"`
	Sponsor  *sponsorNoteRecord  `msgpack:",omitempty"`
	Wrap     *wrapNoteRecord     `msgpack:",omitempty"`
	Stake    *stakeNoteRecord    `msgpack:",omitempty"`
}

func toTransactionRecord(tx Transaction) transactionRecord {
	var rec transactionRecord

	switch {
	case tx.Transfer != nil:
		n := tx.Transfer
		tr := &transferNoteRecord{
			Inputs:         make([]transferInputRecord, len(n.Inputs)),
			Outputs:        make([]recordOpeningRecord, len(n.Outputs)),
			Fee:            n.Fee,
			ProofBoundData: n.ProofBoundData,
		}
		for i, in := range n.Inputs {
			tr.Inputs[i] = toTransferInputRecord(in)
		}
		for i, out := range n.Outputs {
			tr.Outputs[i] = toRecordOpeningRecord(out)
		}
		rec.Transfer = tr

	case tx.Mint != nil:
		n := tx.Mint
		rec.Mint = &mintNoteRecord{
			Seed:        n.Seed[:],
			Description: n.Description,
			Output:      toRecordOpeningRecord(n.Output),
			FeeInput:    toTransferInputRecord(n.FeeInput),
			FeeChange:   toRecordOpeningRecord(n.FeeChange),
			Fee:         n.Fee,
		}

	case tx.Freeze != nil:
		n := tx.Freeze
		rec.Freeze = &freezeNoteRecord{
			InputOpening:           toRecordOpeningRecord(n.Input.Opening),
			InputNullifier:         n.Input.Nullifier[:],
			Output:                 toRecordOpeningRecord(n.Output),
			FreezerVerifyKey:       n.FreezerKey.VerifyKey,
			FreezerNullifierCommit: n.FreezerKey.NullifierCommit[:],
			FreezerSig:             n.FreezerSig,
			FeeInput:               toTransferInputRecord(n.FeeInput),
			FeeChange:              toRecordOpeningRecord(n.FeeChange),
			Fee:                    n.Fee,
		}

	case tx.Sponsor != nil:
		n := tx.Sponsor
		rec.Sponsor = &sponsorNoteRecord{
			Erc20:   n.Erc20.Bytes(),
			Sponsor: n.Sponsor.Bytes(),
			Asset:   toAssetDefinitionRecord(n.Asset),
		}

	case tx.Wrap != nil:
		n := tx.Wrap
		w := &wrapNoteRecord{
			Erc20:  n.Erc20.Bytes(),
			Target: toRecordOpeningRecord(n.Target),
		}
		if n.Amount != nil {
			w.Amount = n.Amount.Bytes()
		}
		rec.Wrap = w

	case tx.Stake != nil:
		n := tx.Stake
		rec.Stake = &stakeNoteRecord{
			PubKey:    n.PubKey,
			Power:     n.Power,
			Nonce:     n.Nonce,
			Signature: n.Signature,
		}
	}

	return rec
}

func fromTransactionRecord(rec transactionRecord) (Transaction, error) {
	var tx Transaction

	switch {
	case rec.Transfer != nil:
		r := rec.Transfer
		n := &TransferNote{
			Inputs:         make([]TransferInput, len(r.Inputs)),
			Outputs:        make([]RecordOpening, len(r.Outputs)),
			Fee:            r.Fee,
			ProofBoundData: r.ProofBoundData,
		}
		for i, in := range r.Inputs {
			var err error
			if n.Inputs[i], err = fromTransferInputRecord(in); err != nil {
				return Transaction{}, fmt.Errorf("transfer input %d: %w", i, err)
			}
		}
		for i, out := range r.Outputs {
			var err error
			if n.Outputs[i], err = fromRecordOpeningRecord(out); err != nil {
				return Transaction{}, fmt.Errorf("transfer output %d: %w", i, err)
			}
		}
		tx.Transfer = n

	case rec.Mint != nil:
		r := rec.Mint
		seed, err := to32("asset code seed", r.Seed)
		if err != nil {
			return Transaction{}, err
		}
		output, err := fromRecordOpeningRecord(r.Output)
		if err != nil {
			return Transaction{}, fmt.Errorf("mint output: %w", err)
		}
		feeIn, err := fromTransferInputRecord(r.FeeInput)
		if err != nil {
			return Transaction{}, fmt.Errorf("mint fee input: %w", err)
		}
		feeChange, err := fromRecordOpeningRecord(r.FeeChange)
		if err != nil {
			return Transaction{}, fmt.Errorf("mint fee change: %w", err)
		}
		tx.Mint = &MintNote{
			Seed:        AssetCodeSeed(seed),
			Description: r.Description,
			Output:      output,
			FeeInput:    feeIn,
			FeeChange:   feeChange,
			Fee:         r.Fee,
		}

	case rec.Freeze != nil:
		r := rec.Freeze
		inOpening, err := fromRecordOpeningRecord(r.InputOpening)
		if err != nil {
			return Transaction{}, fmt.Errorf("freeze input: %w", err)
		}
		inNull, err := to32("nullifier", r.InputNullifier)
		if err != nil {
			return Transaction{}, err
		}
		output, err := fromRecordOpeningRecord(r.Output)
		if err != nil {
			return Transaction{}, fmt.Errorf("freeze output: %w", err)
		}
		commit, err := to32("nullifier commitment", r.FreezerNullifierCommit)
		if err != nil {
			return Transaction{}, err
		}
		feeIn, err := fromTransferInputRecord(r.FeeInput)
		if err != nil {
			return Transaction{}, fmt.Errorf("freeze fee input: %w", err)
		}
		feeChange, err := fromRecordOpeningRecord(r.FeeChange)
		if err != nil {
			return Transaction{}, fmt.Errorf("freeze fee change: %w", err)
		}
		tx.Freeze = &FreezeNote{
			Input: RecordInput{
				Opening:   inOpening,
				Nullifier: Nullifier(inNull),
			},
			Output: output,
			FreezerKey: UserPublicKey{
				VerifyKey:       r.FreezerVerifyKey,
				NullifierCommit: commit,
			},
			FreezerSig: r.FreezerSig,
			FeeInput:   feeIn,
			FeeChange:  feeChange,
			Fee:        r.Fee,
		}

	case rec.Sponsor != nil:
		r := rec.Sponsor
		erc20, err := toAddress("erc20 address", r.Erc20)
		if err != nil {
			return Transaction{}, err
		}
		sponsor, err := toAddress("sponsor address", r.Sponsor)
		if err != nil {
			return Transaction{}, err
		}
		def, err := fromAssetDefinitionRecord(r.Asset)
		if err != nil {
			return Transaction{}, fmt.Errorf("sponsored asset: %w", err)
		}
		tx.Sponsor = &SponsorNote{
			Erc20:   erc20,
			Sponsor: sponsor,
			Asset:   def,
		}

	case rec.Wrap != nil:
		r := rec.Wrap
		erc20, err := toAddress("erc20 address", r.Erc20)
		if err != nil {
			return Transaction{}, err
		}
		target, err := fromRecordOpeningRecord(r.Target)
		if err != nil {
			return Transaction{}, fmt.Errorf("wrap target: %w", err)
		}
		n := &WrapNote{Erc20: erc20, Target: target}
		if len(r.Amount) > 0 {
			if len(r.Amount) > 32 {
				return Transaction{}, fmt.Errorf(
					"deposit amount is %d bytes, above the 32 byte maximum", len(r.Amount),
				)
			}
			n.Amount = new(uint256.Int).SetBytes(r.Amount)
		}
		tx.Wrap = n

	case rec.Stake != nil:
		r := rec.Stake
		tx.Stake = &StakeNote{
			PubKey:    r.PubKey,
			Power:     r.Power,
			Nonce:     r.Nonce,
			Signature: r.Signature,
		}
	}

	return tx, nil
}

// MarshalTransaction serializes one transaction.
func MarshalTransaction(tx Transaction) ([]byte, error) {
	return msgpack.Marshal(toTransactionRecord(tx))
}

// UnmarshalTransaction reverses [MarshalTransaction].
func UnmarshalTransaction(b []byte) (Transaction, error) {
	var rec transactionRecord
	if err := msgpack.Unmarshal(b, &rec); err != nil {
		return Transaction{}, err
	}
	return fromTransactionRecord(rec)
}

type payloadRecord struct {
	Transactions []transactionRecord
}

// MarshalTransactions serializes an ordered transaction batch,
// the form block payloads travel and execute in.
func MarshalTransactions(txs []Transaction) ([]byte, error) {
	rec := payloadRecord{
		Transactions: make([]transactionRecord, len(txs)),
	}
	for i, tx := range txs {
		rec.Transactions[i] = toTransactionRecord(tx)
	}
	return msgpack.Marshal(rec)
}

// UnmarshalTransactions reverses [MarshalTransactions].
func UnmarshalTransactions(b []byte) ([]Transaction, error) {
	var rec payloadRecord
	if err := msgpack.Unmarshal(b, &rec); err != nil {
		return nil, err
	}

	txs := make([]Transaction, len(rec.Transactions))
	for i, r := range rec.Transactions {
		var err error
		if txs[i], err = fromTransactionRecord(r); err != nil {
			return nil, fmt.Errorf("transaction %d: %w", i, err)
		}
	}
	return txs, nil
}

// MarshalRecordOpening serializes a record opening in its tree-leaf
// form, which record proofs verify against.
func MarshalRecordOpening(ro RecordOpening) ([]byte, error) {
	return msgpack.Marshal(toRecordOpeningRecord(ro))
}

// UnmarshalRecordOpening reverses [MarshalRecordOpening].
func UnmarshalRecordOpening(b []byte) (RecordOpening, error) {
	var rec recordOpeningRecord
	if err := msgpack.Unmarshal(b, &rec); err != nil {
		return RecordOpening{}, err
	}
	return fromRecordOpeningRecord(rec)
}

func encodeAssetDefinition(def AssetDefinition) ([]byte, error) {
	return msgpack.Marshal(toAssetDefinitionRecord(def))
}

func decodeAssetDefinition(b []byte) (AssetDefinition, error) {
	var rec assetDefinitionRecord
	if err := msgpack.Unmarshal(b, &rec); err != nil {
		return AssetDefinition{}, err
	}
	return fromAssetDefinitionRecord(rec)
}

type validatorStakeRecord struct {
	PubKey []byte
	Power  uint64 `msgpack:",omitempty"`
	Nonce  uint64 `msgpack:",omitempty"`
}

func encodeValidatorStakes(vals []ValidatorStake) ([]byte, error) {
	recs := make([]validatorStakeRecord, len(vals))
	for i, v := range vals {
		recs[i] = validatorStakeRecord{
			PubKey: v.PubKey,
			Power:  v.Power,
			Nonce:  v.Nonce,
		}
	}
	return msgpack.Marshal(recs)
}

func decodeValidatorStakes(b []byte) ([]ValidatorStake, error) {
	var recs []validatorStakeRecord
	if err := msgpack.Unmarshal(b, &recs); err != nil {
		return nil, err
	}

	vals := make([]ValidatorStake, len(recs))
	for i, r := range recs {
		vals[i] = ValidatorStake{
			PubKey: r.PubKey,
			Power:  r.Power,
			Nonce:  r.Nonce,
		}
	}
	return vals, nil
}

func to32(name string, b []byte) ([32]byte, error) {
	if len(b) != 32 {
		return [32]byte{}, fmt.Errorf("expected 32 %s bytes, got %d", name, len(b))
	}
	return [32]byte(b), nil
}

func toAddress(name string, b []byte) (common.Address, error) {
	if len(b) != common.AddressLength {
		return common.Address{}, fmt.Errorf(
			"expected %d %s bytes, got %d", common.AddressLength, name, len(b),
		)
	}
	return common.BytesToAddress(b), nil
}
