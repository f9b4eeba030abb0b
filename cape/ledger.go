package cape

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/bits-and-blooms/bloom/v3"
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/PythonRysh/espresso/ecrypto"
	"github.com/PythonRysh/espresso/emerkle"
)

// Every ledger domain lives in one versioned tree,
// separated by the tag hashed into each leaf key.
const (
	leafRecordTag       = "espresso:cape/leaf/record\n"
	leafNullifierTag    = "espresso:cape/leaf/nullifier\n"
	leafAssetTag        = "espresso:cape/leaf/asset\n"
	leafErc20Tag        = "espresso:cape/leaf/erc20\n"
	leafErc20ByAssetTag = "espresso:cape/leaf/erc20-by-asset\n"
	leafEscrowTag       = "espresso:cape/leaf/escrow\n"
	leafValsetTag       = "espresso:cape/leaf/valset\n"
)

func taggedKey(tag string, raw []byte) emerkle.KeyHash {
	b := make([]byte, 0, len(tag)+len(raw))
	b = append(b, tag...)
	b = append(b, raw...)
	return emerkle.HashKey(b)
}

// RecordTreeKey is the tree key a record commitment is stored under.
// Clients verify record proofs against this key and the
// [MarshalRecordOpening] encoding of the opening.
func RecordTreeKey(c RecordCommitment) emerkle.KeyHash {
	return taggedKey(leafRecordTag, c[:])
}

func nullifierKey(n Nullifier) emerkle.KeyHash   { return taggedKey(leafNullifierTag, n[:]) }
func assetKey(code AssetCode) emerkle.KeyHash    { return taggedKey(leafAssetTag, code[:]) }
func erc20Key(a common.Address) emerkle.KeyHash  { return taggedKey(leafErc20Tag, a.Bytes()) }
func escrowKey(a common.Address) emerkle.KeyHash { return taggedKey(leafEscrowTag, a.Bytes()) }

func erc20ByAssetKey(code AssetCode) emerkle.KeyHash {
	return taggedKey(leafErc20ByAssetTag, code[:])
}

// The validator set is one leaf under a fixed key.
var valsetLeafKey = taggedKey(leafValsetTag, nil)

// spentLeaf marks a consumed nullifier.
// Tree values must be non-nil, so presence carries the meaning.
var spentLeaf = []byte{1}

// ErrNullifierSpent indicates a transaction consuming
// a record that an earlier transaction already consumed.
var ErrNullifierSpent = errors.New("nullifier already spent")

const (
	defaultNullifierFrontCapacity = 1_000_000

	nullifierFrontFalsePositiveRate = 0.01
)

// LedgerConfig carries the dependencies for [NewLedgerState].
type LedgerConfig struct {
	Log *slog.Logger

	// Tree holds all committed ledger state,
	// one version per applied block.
	Tree *emerkle.Tree

	// Registry decodes staking keys.
	Registry *ecrypto.Registry

	// NullifierFrontSnapshot restores the in-memory spent-nullifier
	// filter from a previous [LedgerState.SnapshotNullifierFront].
	// A snapshot taken at a different version than the tree's latest
	// is ignored, and spent checks fall back to tree reads.
	NullifierFrontSnapshot []byte

	// NullifierFrontCapacity sizes a freshly built filter.
	// Zero means a default sized for about a million nullifiers.
	NullifierFrontCapacity uint
}

func (c LedgerConfig) validate() error {
	var err error

	if c.Log == nil {
		err = errors.Join(err, errors.New("no logger set"))
	}
	if c.Tree == nil {
		err = errors.Join(err, errors.New("no tree set"))
	}
	if c.Registry == nil {
		err = errors.Join(err, errors.New("no key registry set"))
	}

	return err
}

// LedgerState executes transactions against the versioned tree.
//
// Tree versions are block heights: genesis writes version 0 and
// block N writes version N. Applying the block at the current
// version again is accepted and returns the recorded result,
// so a consensus layer replaying an unacknowledged finalization
// after a crash converges without double spending.
//
// All methods are safe for concurrent use. Reads serve the latest
// applied version while a block is being staged.
type LedgerState struct {
	log  *slog.Logger
	tree *emerkle.Tree
	reg  *ecrypto.Registry

	mu        sync.RWMutex
	haveState bool
	version   uint64
	root      [32]byte

	// front answers "definitely unspent" without a tree read.
	// Only trusted when complete: populated from genesis onward
	// or restored from a version-matched snapshot.
	front         *bloom.BloomFilter
	frontComplete bool
}

func NewLedgerState(ctx context.Context, cfg LedgerConfig) (*LedgerState, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	capacity := cfg.NullifierFrontCapacity
	if capacity == 0 {
		capacity = defaultNullifierFrontCapacity
	}

	s := &LedgerState{
		log:  cfg.Log,
		tree: cfg.Tree,
		reg:  cfg.Registry,

		front: bloom.NewWithEstimates(capacity, nullifierFrontFalsePositiveRate),
	}

	version, root, err := cfg.Tree.LatestVersion(ctx)
	switch {
	case err == nil:
		s.haveState = true
		s.version = version
		s.root = root

		if len(cfg.NullifierFrontSnapshot) == 0 {
			s.log.Info(
				"No nullifier front snapshot; spent checks will read the tree",
				"version", version,
			)
			break
		}
		if err := s.restoreFront(cfg.NullifierFrontSnapshot, version); err != nil {
			s.log.Warn("Ignoring nullifier front snapshot", "err", err)
			break
		}
		s.frontComplete = true

	case errors.Is(err, emerkle.ErrEmptyStore):
		// Fresh store: genesis will populate the filter from the start.
		s.frontComplete = true

	default:
		return nil, fmt.Errorf("reading latest version: %w", err)
	}

	return s, nil
}

func (s *LedgerState) restoreFront(snapshot []byte, version uint64) error {
	if len(snapshot) < 8 {
		return fmt.Errorf("snapshot too short: %d bytes", len(snapshot))
	}

	snapVersion := binary.BigEndian.Uint64(snapshot)
	if snapVersion != version {
		return fmt.Errorf("snapshot is for version %d, state is at %d", snapVersion, version)
	}

	front := new(bloom.BloomFilter)
	if err := front.GobDecode(snapshot[8:]); err != nil {
		return fmt.Errorf("decoding filter: %w", err)
	}

	s.front = front
	return nil
}

// SnapshotNullifierFront serializes the spent-nullifier filter
// together with the version it covers, for the next process start.
func (s *LedgerState) SnapshotNullifierFront() ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if !s.haveState {
		return nil, errors.New("no state to snapshot")
	}
	if !s.frontComplete {
		return nil, errors.New("nullifier front is incomplete")
	}

	enc, err := s.front.GobEncode()
	if err != nil {
		return nil, fmt.Errorf("encoding filter: %w", err)
	}

	out := make([]byte, 8, 8+len(enc))
	binary.BigEndian.PutUint64(out, s.version)
	return append(out, enc...), nil
}

// GenesisValidator is one entry of the initial validator set.
type GenesisValidator struct {
	// PubKey in the key registry's encoding.
	PubKey []byte

	Power uint64
}

// GenesisState is the chain's initial content.
type GenesisState struct {
	// Assets registered from the start, beyond the implicit native asset.
	Assets []AssetDefinition

	// Records spendable from the start, such as a faucet record.
	Records []RecordOpening

	Validators []GenesisValidator
}

// ApplyGenesis writes the initial state as tree version 0.
func (s *LedgerState) ApplyGenesis(ctx context.Context, g GenesisState) ([32]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.haveState {
		return [32]byte{}, fmt.Errorf("state already initialized at version %d", s.version)
	}

	assets := map[AssetCode]AssetDefinition{
		NativeAssetCode(): NativeAssetDefinition(),
	}
	for i, def := range g.Assets {
		if err := checkAssetDefinition(def); err != nil {
			return [32]byte{}, fmt.Errorf("genesis asset %d: %w", i, err)
		}
		if _, ok := assets[def.Code]; ok {
			return [32]byte{}, fmt.Errorf("genesis asset %d: asset %s already registered", i, def.Code)
		}
		assets[def.Code] = def
	}

	records := make(map[RecordCommitment][]byte, len(g.Records))
	for i, ro := range g.Records {
		reg, ok := assets[ro.Asset.Code]
		if !ok {
			return [32]byte{}, fmt.Errorf(
				"genesis record %d: asset %s is not registered", i, ro.Asset.Code,
			)
		}
		if reg != ro.Asset {
			return [32]byte{}, fmt.Errorf(
				"genesis record %d: asset %s does not match its registered definition",
				i, ro.Asset.Code,
			)
		}
		if ro.Freeze != Unfrozen {
			return [32]byte{}, fmt.Errorf("genesis record %d: must be unfrozen", i)
		}

		c := ro.Commitment()
		if _, dup := records[c]; dup {
			return [32]byte{}, fmt.Errorf("genesis record %d: record %s already exists", i, c)
		}
		enc, err := MarshalRecordOpening(ro)
		if err != nil {
			return [32]byte{}, fmt.Errorf("genesis record %d: %w", i, err)
		}
		records[c] = enc
	}

	if len(g.Validators) == 0 {
		return [32]byte{}, errors.New("genesis requires at least one validator")
	}
	vals := make([]ValidatorStake, 0, len(g.Validators))
	seen := make(map[string]struct{}, len(g.Validators))
	for i, v := range g.Validators {
		if v.Power == 0 {
			return [32]byte{}, fmt.Errorf("genesis validator %d: power must be positive", i)
		}
		if _, err := s.reg.Unmarshal(v.PubKey); err != nil {
			return [32]byte{}, fmt.Errorf("genesis validator %d: decoding key: %w", i, err)
		}
		if _, dup := seen[string(v.PubKey)]; dup {
			return [32]byte{}, fmt.Errorf("genesis validator %d: duplicate key", i)
		}
		seen[string(v.PubKey)] = struct{}{}

		vals = append(vals, ValidatorStake{
			PubKey: bytes.Clone(v.PubKey),
			Power:  v.Power,
		})
	}
	sortValidatorStakes(vals)

	updates := make([]emerkle.Update, 0, len(assets)+len(records)+1)
	for code, def := range assets {
		enc, err := encodeAssetDefinition(def)
		if err != nil {
			return [32]byte{}, fmt.Errorf("encoding asset %s: %w", code, err)
		}
		updates = append(updates, emerkle.Update{Key: assetKey(code), Value: enc})
	}
	for c, enc := range records {
		updates = append(updates, emerkle.Update{Key: RecordTreeKey(c), Value: enc})
	}
	valsEnc, err := encodeValidatorStakes(vals)
	if err != nil {
		return [32]byte{}, fmt.Errorf("encoding validator set: %w", err)
	}
	updates = append(updates, emerkle.Update{Key: valsetLeafKey, Value: valsEnc})

	root, err := s.tree.Apply(ctx, 0, updates)
	if err != nil {
		return [32]byte{}, err
	}

	s.haveState = true
	s.version = 0
	s.root = root

	s.log.Info(
		"Genesis applied",
		"assets", len(assets),
		"records", len(records),
		"validators", len(vals),
	)
	return root, nil
}

// Withdrawal is an ERC20 release a burn obligated,
// to be executed outside the ledger.
type Withdrawal struct {
	Erc20     common.Address
	Recipient common.Address
	Amount    *uint256.Int
}

// ValidatorStake is one entry of the staking table.
//
// An exited validator stays in the table with zero power
// so its nonce keeps rejecting replayed stake notes.
type ValidatorStake struct {
	// PubKey in the key registry's encoding.
	PubKey []byte

	Power uint64

	// Nonce of the last accepted stake note for this key.
	Nonce uint64
}

// BlockResult is what applying a block produced.
type BlockResult struct {
	Height    uint64
	StateRoot [32]byte

	// Validators is the active set after this block,
	// or nil when the block did not change it.
	Validators []ValidatorStake

	Withdrawals []Withdrawal
}

// ApplyBlock executes the block at the given height and commits it
// as that tree version. The height must be exactly one above the
// current version, or at most the current version for a replay:
// consensus re-drives finalizations it never recorded after a crash,
// and a replayed block re-executes against its original base without
// rewriting anything.
//
// The block applies atomically: any invalid transaction fails the
// whole block and the state is unchanged. Use [LedgerState.ValidateBlock]
// before voting on a proposal so only valid blocks finalize.
func (s *LedgerState) ApplyBlock(ctx context.Context, height uint64, txs []Transaction) (BlockResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.haveState {
		return BlockResult{}, errors.New("no genesis state")
	}
	if height == 0 {
		return BlockResult{}, errors.New("block heights start at 1")
	}

	replay := height <= s.version
	if !replay && height != s.version+1 {
		return BlockResult{}, fmt.Errorf(
			"cannot apply block %d: state is at version %d", height, s.version,
		)
	}

	st := s.newStageAt(ctx, height-1)
	for i, tx := range txs {
		if err := st.applyTransaction(tx); err != nil {
			return BlockResult{}, fmt.Errorf("transaction %d: %w", i, err)
		}
	}

	var root [32]byte
	var err error
	if replay {
		// The tree already holds this version; re-executing against
		// the prior version regenerates the result without rewriting.
		root, err = s.tree.RootHash(ctx, height)
	} else {
		var updates []emerkle.Update
		updates, err = st.updates()
		if err == nil {
			root, err = s.tree.Apply(ctx, height, updates)
		}
	}
	if err != nil {
		return BlockResult{}, err
	}

	for n := range st.spent {
		s.front.Add(n[:])
	}

	if !replay {
		s.version = height
		s.root = root
	}

	res := BlockResult{
		Height:      height,
		StateRoot:   root,
		Withdrawals: st.withdrawals,
	}
	if st.valsChanged {
		res.Validators = activeValidators(st.valset)
	}

	s.log.Debug(
		"Applied block",
		"height", height,
		"txs", len(txs),
		"withdrawals", len(st.withdrawals),
		"replayed", replay,
	)
	return res, nil
}

// ValidateBlock checks whether the block would apply cleanly
// at the given height, without committing anything.
func (s *LedgerState) ValidateBlock(ctx context.Context, height uint64, txs []Transaction) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if !s.haveState {
		return errors.New("no genesis state")
	}
	if height != s.version+1 {
		return fmt.Errorf("cannot validate block %d: state is at version %d", height, s.version)
	}

	st := s.newStageAt(ctx, height-1)
	for i, tx := range txs {
		if err := st.applyTransaction(tx); err != nil {
			return fmt.Errorf("transaction %d: %w", i, err)
		}
	}
	return nil
}

// ValidateTransaction checks one transaction against the latest state,
// as mempool admission does. Validity here does not guarantee validity
// at execution time: an earlier transaction in the block may conflict.
func (s *LedgerState) ValidateTransaction(ctx context.Context, tx Transaction) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if !s.haveState {
		return errors.New("no genesis state")
	}

	st := s.newStageAt(ctx, s.version)
	return st.applyTransaction(tx)
}

// LatestRoot returns the current version and root digest.
// The bool is false before genesis.
func (s *LedgerState) LatestRoot() (uint64, [32]byte, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.version, s.root, s.haveState
}

// RecordProof returns the record opening stored under the commitment
// at the latest version, with its authentication proof and the version
// it verifies against. An absent record returns a nil opening and an
// exclusion proof.
func (s *LedgerState) RecordProof(ctx context.Context, c RecordCommitment) (*RecordOpening, emerkle.Proof, uint64, error) {
	s.mu.RLock()
	version, have := s.version, s.haveState
	s.mu.RUnlock()

	if !have {
		return nil, emerkle.Proof{}, 0, errors.New("no genesis state")
	}

	raw, proof, err := s.tree.GetWithProof(ctx, version, RecordTreeKey(c))
	if err != nil {
		return nil, emerkle.Proof{}, 0, err
	}
	if raw == nil {
		return nil, proof, version, nil
	}

	ro, err := UnmarshalRecordOpening(raw)
	if err != nil {
		return nil, emerkle.Proof{}, 0, fmt.Errorf("decoding record %s: %w", c, err)
	}
	return &ro, proof, version, nil
}

// NullifierSpent reports whether the nullifier was consumed
// at or before the latest version.
func (s *LedgerState) NullifierSpent(ctx context.Context, n Nullifier) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if !s.haveState {
		return false, errors.New("no genesis state")
	}

	if s.frontComplete && !s.front.Test(n[:]) {
		return false, nil
	}

	_, err := s.tree.Get(ctx, s.version, nullifierKey(n))
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, emerkle.ErrKeyNotFound):
		return false, nil
	default:
		return false, err
	}
}

// Validators returns the active validator set at the latest version,
// ordered by descending power then ascending key bytes.
func (s *LedgerState) Validators(ctx context.Context) ([]ValidatorStake, error) {
	s.mu.RLock()
	version, have := s.version, s.haveState
	s.mu.RUnlock()

	if !have {
		return nil, errors.New("no genesis state")
	}

	raw, err := s.tree.Get(ctx, version, valsetLeafKey)
	if err != nil {
		if errors.Is(err, emerkle.ErrKeyNotFound) {
			return nil, errors.New("validator set missing from tree")
		}
		return nil, err
	}

	vals, err := decodeValidatorStakes(raw)
	if err != nil {
		return nil, fmt.Errorf("decoding validator set: %w", err)
	}
	return activeValidators(vals), nil
}

// Asset returns the registered definition for a code,
// or [emerkle.ErrKeyNotFound].
func (s *LedgerState) Asset(ctx context.Context, code AssetCode) (AssetDefinition, error) {
	s.mu.RLock()
	version, have := s.version, s.haveState
	s.mu.RUnlock()

	if !have {
		return AssetDefinition{}, errors.New("no genesis state")
	}

	raw, err := s.tree.Get(ctx, version, assetKey(code))
	if err != nil {
		return AssetDefinition{}, err
	}
	return decodeAssetDefinition(raw)
}

// SponsoredAsset returns the asset definition wrapping an ERC20,
// or [emerkle.ErrKeyNotFound] when the ERC20 has no sponsor.
func (s *LedgerState) SponsoredAsset(ctx context.Context, erc20 common.Address) (AssetDefinition, error) {
	s.mu.RLock()
	version, have := s.version, s.haveState
	s.mu.RUnlock()

	if !have {
		return AssetDefinition{}, errors.New("no genesis state")
	}

	raw, err := s.tree.Get(ctx, version, erc20Key(erc20))
	if err != nil {
		return AssetDefinition{}, err
	}
	code, err := to32("asset code", raw)
	if err != nil {
		return AssetDefinition{}, err
	}

	defRaw, err := s.tree.Get(ctx, version, assetKey(AssetCode(code)))
	if err != nil {
		return AssetDefinition{}, fmt.Errorf("sponsored asset %s: %w", AssetCode(code), err)
	}
	return decodeAssetDefinition(defRaw)
}

// EscrowBalance returns the amount of an ERC20 held against
// its wrapped records, zero when nothing is escrowed.
func (s *LedgerState) EscrowBalance(ctx context.Context, erc20 common.Address) (*uint256.Int, error) {
	s.mu.RLock()
	version, have := s.version, s.haveState
	s.mu.RUnlock()

	if !have {
		return nil, errors.New("no genesis state")
	}

	raw, err := s.tree.Get(ctx, version, escrowKey(erc20))
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

// WrappedErc20 returns the ERC20 a wrapped asset stands for,
// or [emerkle.ErrKeyNotFound] when the code is not a wrapped asset.
func (s *LedgerState) WrappedErc20(ctx context.Context, code AssetCode) (common.Address, error) {
	s.mu.RLock()
	version, have := s.version, s.haveState
	s.mu.RUnlock()

	if !have {
		return common.Address{}, errors.New("no genesis state")
	}

	raw, err := s.tree.Get(ctx, version, erc20ByAssetKey(code))
	if err != nil {
		return common.Address{}, err
	}
	return toAddress("erc20 address", raw)
}

// Prune drops tree versions below upTo. The current version and the
// one before it must stay readable for block staging and crash replay,
// so upTo is rejected at or beyond the current version.
func (s *LedgerState) Prune(ctx context.Context, upTo uint64) (int, error) {
	s.mu.RLock()
	version, have := s.version, s.haveState
	s.mu.RUnlock()

	if !have {
		return 0, errors.New("no genesis state")
	}
	if upTo >= version {
		return 0, fmt.Errorf("pruning to %d would drop replay state: version is %d", upTo, version)
	}

	return s.tree.Prune(ctx, upTo)
}

func activeValidators(vals []ValidatorStake) []ValidatorStake {
	out := make([]ValidatorStake, 0, len(vals))
	for _, v := range vals {
		if v.Power > 0 {
			out = append(out, v)
		}
	}
	return out
}

func sortValidatorStakes(vals []ValidatorStake) {
	slices.SortFunc(vals, func(a, b ValidatorStake) int {
		if a.Power != b.Power {
			// Higher power first.
			if a.Power > b.Power {
				return -1
			}
			return 1
		}
		return bytes.Compare(a.PubKey, b.PubKey)
	})
}
