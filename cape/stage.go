package cape

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"golang.org/x/crypto/blake2b"

	"github.com/PythonRysh/espresso/emerkle"
)

// ledgerStage is the uncommitted effect of the transactions applied
// so far within one block. Reads fall through to the tree at the base
// version, so later transactions observe earlier ones.
type ledgerStage struct {
	ctx  context.Context
	s    *LedgerState
	base uint64

	records map[RecordCommitment][]byte
	spent   map[Nullifier]struct{}
	assets  map[AssetCode]AssetDefinition

	erc20Assets map[common.Address]AssetCode
	assetErc20s map[AssetCode]common.Address
	escrows     map[common.Address]*uint256.Int

	valset      []ValidatorStake
	valsLoaded  bool
	valsChanged bool

	withdrawals []Withdrawal
}

func (s *LedgerState) newStageAt(ctx context.Context, base uint64) *ledgerStage {
	return &ledgerStage{
		ctx:  ctx,
		s:    s,
		base: base,

		records: make(map[RecordCommitment][]byte),
		spent:   make(map[Nullifier]struct{}),
		assets:  make(map[AssetCode]AssetDefinition),

		erc20Assets: make(map[common.Address]AssetCode),
		assetErc20s: make(map[AssetCode]common.Address),
		escrows:     make(map[common.Address]*uint256.Int),
	}
}

func (st *ledgerStage) applyTransaction(tx Transaction) error {
	n := 0
	if tx.Transfer != nil {
		n++
	}
	if tx.Mint != nil {
		n++
	}
	if tx.Freeze != nil {
		n++
	}
	if tx.Sponsor != nil {
		n++
	}
	if tx.Wrap != nil {
		n++
	}
	if tx.Stake != nil {
		n++
	}
	if n != 1 {
		return fmt.Errorf("envelope must carry exactly one note, has %d", n)
	}

	digest := tx.Digest()

	switch {
	case tx.Transfer != nil:
		return st.applyTransfer(tx.Transfer, digest)
	case tx.Mint != nil:
		return st.applyMint(tx.Mint, digest)
	case tx.Freeze != nil:
		return st.applyFreeze(tx.Freeze, digest)
	case tx.Sponsor != nil:
		return st.applySponsor(tx.Sponsor)
	case tx.Wrap != nil:
		return st.applyWrap(tx.Wrap)
	case tx.Stake != nil:
		return st.applyStake(tx.Stake, digest)
	}
	panic(errors.New("BUG: unreachable"))
}

func (st *ledgerStage) applyTransfer(n *TransferNote, digest [32]byte) error {
	if n.IsBurn() {
		return st.applyBurn(n, digest)
	}
	if len(n.ProofBoundData) != 0 {
		return errors.New("unexpected proof bound data on a transfer")
	}
	if len(n.Inputs) == 0 {
		return errors.New("transfer requires at least one input")
	}
	if len(n.Outputs) == 0 {
		return errors.New("transfer requires at least one output")
	}

	for i, in := range n.Inputs {
		if err := st.consumeOwned(in, digest); err != nil {
			return fmt.Errorf("input %d: %w", i, err)
		}
	}
	for i, out := range n.Outputs {
		if err := st.produce(out); err != nil {
			return fmt.Errorf("output %d: %w", i, err)
		}
	}

	return checkBalance(n.Inputs, n.Outputs, n.Fee)
}

func (st *ledgerStage) applyBurn(n *TransferNote, digest [32]byte) error {
	recipient, ok := ParseBurnBoundData(n.ProofBoundData)
	if !ok {
		return errors.New("malformed burn bound data")
	}
	if len(n.Inputs) != 2 || len(n.Outputs) != 2 {
		return fmt.Errorf(
			"burn requires two inputs and two outputs, has %d and %d",
			len(n.Inputs), len(n.Outputs),
		)
	}

	for i, in := range n.Inputs {
		if err := st.consumeOwned(in, digest); err != nil {
			return fmt.Errorf("input %d: %w", i, err)
		}
	}

	// Outputs[0] is destroyed rather than inserted;
	// its amount leaves through the escrow instead.
	burned := n.Outputs[0]
	if burned.Asset.Code.IsNative() {
		return errors.New("the native asset cannot be burned")
	}
	if err := st.checkRegisteredAsset(burned.Asset); err != nil {
		return err
	}
	erc20, err := st.assetErc20(burned.Asset.Code)
	if err != nil {
		if errors.Is(err, emerkle.ErrKeyNotFound) {
			return fmt.Errorf("burned asset %s is not a wrapped asset", burned.Asset.Code)
		}
		return err
	}

	if err := st.produce(n.Outputs[1]); err != nil {
		return fmt.Errorf("output 1: %w", err)
	}
	if err := checkBalance(n.Inputs, n.Outputs, n.Fee); err != nil {
		return err
	}

	amount := uint256.NewInt(burned.Amount)
	if err := st.debitEscrow(erc20, amount); err != nil {
		return err
	}
	st.withdrawals = append(st.withdrawals, Withdrawal{
		Erc20:     erc20,
		Recipient: recipient,
		Amount:    amount,
	})
	return nil
}

func (st *ledgerStage) applyMint(n *MintNote, digest [32]byte) error {
	out := n.Output
	if out.Asset.Code != DerivedAssetCode(n.Seed, n.Description) {
		return errors.New("minted asset code does not derive from the seed")
	}
	if out.Freeze != Unfrozen {
		return errors.New("minted record must be unfrozen")
	}

	// The first mint of a code registers its definition;
	// every later mint must repeat it exactly.
	existing, err := st.assetAt(out.Asset.Code)
	switch {
	case err == nil:
		if existing != out.Asset {
			return fmt.Errorf(
				"asset %s already registered with a different policy", out.Asset.Code,
			)
		}
	case errors.Is(err, emerkle.ErrKeyNotFound):
		if err := checkAssetDefinition(out.Asset); err != nil {
			return err
		}
		st.assets[out.Asset.Code] = out.Asset
	default:
		return err
	}

	if err := st.payFee(n.FeeInput, n.FeeChange, n.Fee, digest); err != nil {
		return err
	}
	return st.insertRecord(out)
}

func (st *ledgerStage) applyFreeze(n *FreezeNote, digest [32]byte) error {
	ro := n.Input.Opening
	c := ro.Commitment()

	if !ro.Asset.Policy.IsFreezable() {
		return fmt.Errorf("asset %s is not freezable", ro.Asset.Code)
	}

	fk := n.FreezerKey
	if len(fk.VerifyKey) != ed25519.PublicKeySize {
		return fmt.Errorf(
			"expected %d verify key bytes, got %d", ed25519.PublicKeySize, len(fk.VerifyKey),
		)
	}
	if fk.Address() != ro.Asset.Policy.Freezer {
		return fmt.Errorf("freezer key does not match the policy on asset %s", ro.Asset.Code)
	}
	if !ed25519.Verify(fk.VerifyKey, digest[:], n.FreezerSig) {
		return errors.New("invalid freezer signature")
	}

	exists, err := st.recordExists(c)
	if err != nil {
		return err
	}
	if !exists {
		return fmt.Errorf("input record %s does not exist", c)
	}

	if n.Input.Nullifier != FreezableRecordNullifier(ro) {
		return fmt.Errorf("wrong nullifier for record %s", c)
	}
	if err := st.markSpent(n.Input.Nullifier); err != nil {
		return err
	}

	out := n.Output
	if out.Amount != ro.Amount || out.Asset != ro.Asset ||
		out.Owner != ro.Owner || out.Freeze != ro.Freeze.Flipped() {
		return errors.New("freeze output must mirror the input with the flag flipped")
	}
	if err := st.insertRecord(out); err != nil {
		return err
	}

	return st.payFee(n.FeeInput, n.FeeChange, n.Fee, digest)
}

func (st *ledgerStage) applySponsor(n *SponsorNote) error {
	def := n.Asset
	if err := checkAssetDefinition(def); err != nil {
		return err
	}
	if def.Code != ForeignAssetCode(Erc20AssetDescription(n.Erc20, n.Sponsor)) {
		return errors.New("sponsored asset code does not derive from the erc20 description")
	}

	if _, err := st.erc20Asset(n.Erc20); err == nil {
		return fmt.Errorf("erc20 %s already sponsored", n.Erc20)
	} else if !errors.Is(err, emerkle.ErrKeyNotFound) {
		return err
	}
	if _, err := st.assetAt(def.Code); err == nil {
		return fmt.Errorf("asset %s already registered", def.Code)
	} else if !errors.Is(err, emerkle.ErrKeyNotFound) {
		return err
	}

	st.assets[def.Code] = def
	st.erc20Assets[n.Erc20] = def.Code
	st.assetErc20s[def.Code] = n.Erc20
	return nil
}

func (st *ledgerStage) applyWrap(n *WrapNote) error {
	code, err := st.erc20Asset(n.Erc20)
	if err != nil {
		if errors.Is(err, emerkle.ErrKeyNotFound) {
			return fmt.Errorf("erc20 %s is not sponsored", n.Erc20)
		}
		return err
	}
	def, err := st.assetAt(code)
	if err != nil {
		return fmt.Errorf("sponsored asset %s: %w", code, err)
	}

	ro := n.Target
	if ro.Asset != def {
		return fmt.Errorf("wrap target asset does not match the sponsored asset %s", code)
	}
	if ro.Freeze != Unfrozen {
		return errors.New("wrapped record must be unfrozen")
	}
	if n.Amount == nil {
		return errors.New("wrap requires a deposit amount")
	}
	if !n.Amount.IsUint64() {
		return fmt.Errorf("deposit amount %s overflows the record amount range", n.Amount)
	}
	if n.Amount.Uint64() != ro.Amount {
		return fmt.Errorf(
			"deposit amount %s does not match the record amount %d", n.Amount, ro.Amount,
		)
	}

	if err := st.insertRecord(ro); err != nil {
		return err
	}
	return st.creditEscrow(n.Erc20, n.Amount)
}

func (st *ledgerStage) applyStake(n *StakeNote, digest [32]byte) error {
	key, err := st.s.reg.Unmarshal(n.PubKey)
	if err != nil {
		return fmt.Errorf("decoding staking key: %w", err)
	}
	if !key.Verify(digest[:], n.Signature) {
		return errors.New("invalid staking signature")
	}

	if err := st.loadValset(); err != nil {
		return err
	}

	idx := -1
	for i, v := range st.valset {
		if bytes.Equal(v.PubKey, n.PubKey) {
			idx = i
			break
		}
	}

	if idx >= 0 {
		v := &st.valset[idx]
		if n.Nonce <= v.Nonce {
			return fmt.Errorf("stake nonce %d is not above %d", n.Nonce, v.Nonce)
		}
		v.Nonce = n.Nonce
		v.Power = n.Power
	} else {
		if n.Power == 0 {
			return errors.New("cannot remove an unknown validator")
		}
		st.valset = append(st.valset, ValidatorStake{
			PubKey: bytes.Clone(n.PubKey),
			Power:  n.Power,
			Nonce:  n.Nonce,
		})
	}

	if len(activeValidators(st.valset)) == 0 {
		return errors.New("stake change would empty the validator set")
	}

	sortValidatorStakes(st.valset)
	st.valsChanged = true
	return nil
}

// consumeOwned validates and spends a record on its owner's authority:
// the witness must open the record's owning address, sign the
// transaction digest, and derive the record's nullifier.
func (st *ledgerStage) consumeOwned(in TransferInput, digest [32]byte) error {
	ro := in.Opening
	c := ro.Commitment()

	exists, err := st.recordExists(c)
	if err != nil {
		return err
	}
	if !exists {
		return fmt.Errorf("input record %s does not exist", c)
	}
	if ro.Freeze != Unfrozen {
		return fmt.Errorf("input record %s is frozen", c)
	}

	w := in.Witness
	if len(w.PublicKey.VerifyKey) != ed25519.PublicKeySize {
		return fmt.Errorf(
			"expected %d verify key bytes, got %d",
			ed25519.PublicKeySize, len(w.PublicKey.VerifyKey),
		)
	}
	if w.PublicKey.Address() != ro.Owner {
		return fmt.Errorf("witness key does not open record %s", c)
	}
	if !ed25519.Verify(w.PublicKey.VerifyKey, digest[:], w.Signature) {
		return fmt.Errorf("invalid owner signature on record %s", c)
	}

	var expected Nullifier
	if ro.Asset.Policy.IsFreezable() {
		expected = FreezableRecordNullifier(ro)
	} else {
		if blake2b.Sum256(w.NullifierKey[:]) != w.PublicKey.NullifierCommit {
			return fmt.Errorf("nullifier key does not match its commitment on record %s", c)
		}
		expected = deriveNullifier(w.NullifierKey, c)
	}
	if in.Nullifier != expected {
		return fmt.Errorf("wrong nullifier for record %s", c)
	}

	return st.markSpent(in.Nullifier)
}

func (st *ledgerStage) markSpent(n Nullifier) error {
	spent, err := st.nullifierSpent(n)
	if err != nil {
		return err
	}
	if spent {
		return fmt.Errorf("%w: %s", ErrNullifierSpent, n)
	}

	st.spent[n] = struct{}{}
	return nil
}

func (st *ledgerStage) nullifierSpent(n Nullifier) (bool, error) {
	if _, ok := st.spent[n]; ok {
		return true, nil
	}

	// The filter only ever short-circuits the negative answer;
	// a positive is confirmed against the tree.
	if st.s.frontComplete && !st.s.front.Test(n[:]) {
		return false, nil
	}

	_, err := st.s.tree.Get(st.ctx, st.base, nullifierKey(n))
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, emerkle.ErrKeyNotFound):
		return false, nil
	default:
		return false, err
	}
}

// produce validates and inserts an output record.
func (st *ledgerStage) produce(ro RecordOpening) error {
	if err := st.checkRegisteredAsset(ro.Asset); err != nil {
		return err
	}
	return st.insertRecord(ro)
}

func (st *ledgerStage) insertRecord(ro RecordOpening) error {
	c := ro.Commitment()

	exists, err := st.recordExists(c)
	if err != nil {
		return err
	}
	if exists {
		return fmt.Errorf("output record %s already exists", c)
	}

	enc, err := MarshalRecordOpening(ro)
	if err != nil {
		return fmt.Errorf("encoding record %s: %w", c, err)
	}
	st.records[c] = enc
	return nil
}

func (st *ledgerStage) recordExists(c RecordCommitment) (bool, error) {
	if _, ok := st.records[c]; ok {
		return true, nil
	}

	_, err := st.s.tree.Get(st.ctx, st.base, RecordTreeKey(c))
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, emerkle.ErrKeyNotFound):
		return false, nil
	default:
		return false, err
	}
}

func (st *ledgerStage) checkRegisteredAsset(def AssetDefinition) error {
	reg, err := st.assetAt(def.Code)
	if errors.Is(err, emerkle.ErrKeyNotFound) {
		return fmt.Errorf("asset %s is not registered", def.Code)
	}
	if err != nil {
		return err
	}
	if reg != def {
		return fmt.Errorf("asset %s does not match its registered definition", def.Code)
	}
	return nil
}

func (st *ledgerStage) assetAt(code AssetCode) (AssetDefinition, error) {
	if def, ok := st.assets[code]; ok {
		return def, nil
	}

	raw, err := st.s.tree.Get(st.ctx, st.base, assetKey(code))
	if err != nil {
		return AssetDefinition{}, err
	}
	return decodeAssetDefinition(raw)
}

func (st *ledgerStage) erc20Asset(erc20 common.Address) (AssetCode, error) {
	if code, ok := st.erc20Assets[erc20]; ok {
		return code, nil
	}

	raw, err := st.s.tree.Get(st.ctx, st.base, erc20Key(erc20))
	if err != nil {
		return AssetCode{}, err
	}
	code, err := to32("asset code", raw)
	if err != nil {
		return AssetCode{}, err
	}
	return AssetCode(code), nil
}

func (st *ledgerStage) assetErc20(code AssetCode) (common.Address, error) {
	if erc20, ok := st.assetErc20s[code]; ok {
		return erc20, nil
	}

	raw, err := st.s.tree.Get(st.ctx, st.base, erc20ByAssetKey(code))
	if err != nil {
		return common.Address{}, err
	}
	return toAddress("erc20 address", raw)
}

// payFee consumes a native fee input and produces its change record.
// Mint and freeze notes carry fees this way; transfers settle fees
// inside their own balance instead.
func (st *ledgerStage) payFee(in TransferInput, change RecordOpening, fee uint64, digest [32]byte) error {
	ro := in.Opening
	if !ro.Asset.Code.IsNative() {
		return errors.New("fees are payable in the native asset only")
	}
	if err := st.consumeOwned(in, digest); err != nil {
		return fmt.Errorf("fee input: %w", err)
	}

	if !change.Asset.Code.IsNative() {
		return errors.New("fee change must be in the native asset")
	}
	if change.Freeze != Unfrozen {
		return errors.New("fee change must be unfrozen")
	}
	if ro.Amount < fee {
		return fmt.Errorf("fee input of %d cannot cover fee %d", ro.Amount, fee)
	}
	if change.Amount != ro.Amount-fee {
		return fmt.Errorf("fee change of %d should be %d", change.Amount, ro.Amount-fee)
	}

	return st.produce(change)
}

func (st *ledgerStage) escrowOf(erc20 common.Address) (*uint256.Int, error) {
	if e, ok := st.escrows[erc20]; ok {
		return new(uint256.Int).Set(e), nil
	}

	raw, err := st.s.tree.Get(st.ctx, st.base, escrowKey(erc20))
	switch {
	case err == nil:
		if len(raw) > 32 {
			return nil, fmt.Errorf("escrow for %s is %d bytes, expected at most 32", erc20, len(raw))
		}
		return new(uint256.Int).SetBytes(raw), nil
	case errors.Is(err, emerkle.ErrKeyNotFound):
		return new(uint256.Int), nil
	default:
		return nil, err
	}
}

func (st *ledgerStage) creditEscrow(erc20 common.Address, amount *uint256.Int) error {
	cur, err := st.escrowOf(erc20)
	if err != nil {
		return err
	}

	sum := new(uint256.Int)
	if _, over := sum.AddOverflow(cur, amount); over {
		return fmt.Errorf("escrow for %s overflows", erc20)
	}
	st.escrows[erc20] = sum
	return nil
}

func (st *ledgerStage) debitEscrow(erc20 common.Address, amount *uint256.Int) error {
	cur, err := st.escrowOf(erc20)
	if err != nil {
		return err
	}

	if cur.Lt(amount) {
		return fmt.Errorf("burning %s of erc20 %s exceeds the %s in escrow", amount, erc20, cur)
	}
	st.escrows[erc20] = new(uint256.Int).Sub(cur, amount)
	return nil
}

func (st *ledgerStage) loadValset() error {
	if st.valsLoaded {
		return nil
	}

	raw, err := st.s.tree.Get(st.ctx, st.base, valsetLeafKey)
	if err != nil {
		if errors.Is(err, emerkle.ErrKeyNotFound) {
			return errors.New("validator set missing from tree")
		}
		return err
	}
	vals, err := decodeValidatorStakes(raw)
	if err != nil {
		return fmt.Errorf("decoding validator set: %w", err)
	}

	st.valset = vals
	st.valsLoaded = true
	return nil
}

// checkBalance enforces per-asset conservation across a transfer.
// The native asset additionally covers the fee, which is destroyed.
func checkBalance(ins []TransferInput, outs []RecordOpening, fee uint64) error {
	inTotals := make(map[AssetCode]*uint256.Int)
	for _, in := range ins {
		addAmount(inTotals, in.Opening.Asset.Code, in.Opening.Amount)
	}

	outTotals := make(map[AssetCode]*uint256.Int)
	for _, out := range outs {
		addAmount(outTotals, out.Asset.Code, out.Amount)
	}
	if fee > 0 {
		addAmount(outTotals, NativeAssetCode(), fee)
	}

	for code, in := range inTotals {
		out := outTotals[code]
		if out == nil {
			out = new(uint256.Int)
		}
		if !in.Eq(out) {
			return fmt.Errorf("asset %s does not balance: %s in, %s out", code, in, out)
		}
	}
	for code, out := range outTotals {
		if _, ok := inTotals[code]; !ok {
			return fmt.Errorf("asset %s does not balance: 0 in, %s out", code, out)
		}
	}
	return nil
}

func addAmount(m map[AssetCode]*uint256.Int, code AssetCode, amount uint64) {
	t, ok := m[code]
	if !ok {
		t = new(uint256.Int)
		m[code] = t
	}
	t.Add(t, uint256.NewInt(amount))
}

// updates flattens the stage into one tree write set.
// Ordering does not matter; the tree sorts updates itself.
func (st *ledgerStage) updates() ([]emerkle.Update, error) {
	var ups []emerkle.Update

	for c, enc := range st.records {
		ups = append(ups, emerkle.Update{Key: RecordTreeKey(c), Value: enc})
	}
	for n := range st.spent {
		ups = append(ups, emerkle.Update{Key: nullifierKey(n), Value: spentLeaf})
	}
	for code, def := range st.assets {
		enc, err := encodeAssetDefinition(def)
		if err != nil {
			return nil, fmt.Errorf("encoding asset %s: %w", code, err)
		}
		ups = append(ups, emerkle.Update{Key: assetKey(code), Value: enc})
	}
	for erc20, code := range st.erc20Assets {
		ups = append(ups, emerkle.Update{Key: erc20Key(erc20), Value: code[:]})
	}
	for code, erc20 := range st.assetErc20s {
		ups = append(ups, emerkle.Update{Key: erc20ByAssetKey(code), Value: erc20.Bytes()})
	}
	for erc20, amount := range st.escrows {
		b := amount.Bytes32()
		ups = append(ups, emerkle.Update{Key: escrowKey(erc20), Value: b[:]})
	}
	if st.valsChanged {
		enc, err := encodeValidatorStakes(st.valset)
		if err != nil {
			return nil, fmt.Errorf("encoding validator set: %w", err)
		}
		ups = append(ups, emerkle.Update{Key: valsetLeafKey, Value: enc})
	}

	return ups, nil
}
