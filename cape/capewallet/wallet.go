// Package capewallet builds the asset-bridging transactions a user
// submits to a zerok network: sponsoring an ERC20, wrapping deposits
// into records, and burning records back out.
//
// The wallet holds one user key pair and reaches chain state through
// a [Backend], so it embeds equally into a node process or a thin
// client talking to a remote node.
package capewallet

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/PythonRysh/espresso/cape"
	"github.com/PythonRysh/espresso/emerkle"
)

// Backend is the wallet's view of chain state and its path to the
// network. A ledger-owning node implements it directly; remote
// wallets implement it over the node API.
type Backend interface {
	// SponsoredAsset returns the asset wrapping an ERC20.
	// The error wraps [emerkle.ErrKeyNotFound] when there is none.
	SponsoredAsset(ctx context.Context, erc20 common.Address) (cape.AssetDefinition, error)

	// WrappedErc20 returns the ERC20 behind a wrapped asset code.
	// The error wraps [emerkle.ErrKeyNotFound] when the code is not wrapped.
	WrappedErc20(ctx context.Context, code cape.AssetCode) (common.Address, error)

	// SpendableRecords lists the unspent records an address owns
	// in one asset.
	SpendableRecords(ctx context.Context, owner cape.UserAddress, code cape.AssetCode) ([]cape.RecordOpening, error)

	// SubmitTransaction hands a transaction to the network.
	SubmitTransaction(ctx context.Context, tx cape.Transaction) error
}

// Config carries the dependencies for [New].
type Config struct {
	Log *slog.Logger

	Backend Backend

	Keys *cape.UserKeyPair

	// Rand sources blinding factors; nil means crypto/rand.
	Rand io.Reader
}

func (c Config) validate() error {
	var err error

	if c.Log == nil {
		err = errors.Join(err, errors.New("no logger set"))
	}
	if c.Backend == nil {
		err = errors.Join(err, errors.New("no backend set"))
	}
	if c.Keys == nil {
		err = errors.Join(err, errors.New("no key pair set"))
	}

	return err
}

// Wallet builds and submits bridging transactions for one key pair.
type Wallet struct {
	log     *slog.Logger
	backend Backend
	keys    *cape.UserKeyPair
	rand    io.Reader
}

func New(cfg Config) (*Wallet, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return &Wallet{
		log:     cfg.Log,
		backend: cfg.Backend,
		keys:    cfg.Keys,
		rand:    cfg.Rand,
	}, nil
}

// Address returns the wallet's owning address.
func (w *Wallet) Address() cape.UserAddress {
	return w.keys.Address()
}

// Sponsor registers a wrapped asset for an ERC20 and submits the
// sponsoring transaction. The sponsor address seals the asset code,
// so only this (erc20, sponsor) pair can ever produce it.
func (w *Wallet) Sponsor(
	ctx context.Context,
	erc20, sponsor common.Address,
	policy cape.AssetPolicy,
) (cape.AssetDefinition, error) {
	switch _, err := w.backend.SponsoredAsset(ctx, erc20); {
	case err == nil:
		return cape.AssetDefinition{}, fmt.Errorf("erc20 %s already sponsored", erc20)
	case !errors.Is(err, emerkle.ErrKeyNotFound):
		return cape.AssetDefinition{}, fmt.Errorf("checking erc20 %s: %w", erc20, err)
	}

	def, err := cape.NewAssetDefinition(
		cape.ForeignAssetCode(cape.Erc20AssetDescription(erc20, sponsor)),
		policy,
	)
	if err != nil {
		return cape.AssetDefinition{}, err
	}

	tx := cape.Transaction{Sponsor: &cape.SponsorNote{
		Erc20:   erc20,
		Sponsor: sponsor,
		Asset:   def,
	}}
	if err := w.backend.SubmitTransaction(ctx, tx); err != nil {
		return cape.AssetDefinition{}, fmt.Errorf("submitting sponsor: %w", err)
	}

	w.log.Info(
		"Sponsored wrapped asset",
		"erc20", erc20,
		"asset", def.Code,
	)
	return def, nil
}

// Wrap submits the deposit of an ERC20 amount into a fresh record
// owned by dst, and returns the record's opening. The returned
// opening is what dst later spends, so callers must deliver it.
func (w *Wallet) Wrap(
	ctx context.Context,
	erc20 common.Address,
	dst cape.UserAddress,
	amount *uint256.Int,
) (cape.RecordOpening, error) {
	def, err := w.backend.SponsoredAsset(ctx, erc20)
	if err != nil {
		return cape.RecordOpening{}, fmt.Errorf("erc20 %s is not sponsored: %w", erc20, err)
	}

	if amount == nil || amount.IsZero() {
		return cape.RecordOpening{}, errors.New("wrap requires a positive amount")
	}
	if !amount.IsUint64() {
		return cape.RecordOpening{}, fmt.Errorf(
			"deposit amount %s overflows the record amount range", amount,
		)
	}

	blind, err := cape.NewBlind(w.rand)
	if err != nil {
		return cape.RecordOpening{}, err
	}

	ro := cape.RecordOpening{
		Amount: amount.Uint64(),
		Asset:  def,
		Owner:  dst,
		Freeze: cape.Unfrozen,
		Blind:  blind,
	}
	tx := cape.Transaction{Wrap: &cape.WrapNote{
		Erc20:  erc20,
		Amount: amount.Clone(),
		Target: ro,
	}}
	if err := w.backend.SubmitTransaction(ctx, tx); err != nil {
		return cape.RecordOpening{}, fmt.Errorf("submitting wrap: %w", err)
	}

	w.log.Info(
		"Wrapped deposit",
		"erc20", erc20,
		"amount", amount,
		"record", ro.Commitment(),
	)
	return ro, nil
}

// BuildBurn assembles a signed burn releasing amount of a wrapped
// asset to an ethereum recipient, paying fee from the wallet's
// native records. The transaction is returned unsubmitted.
//
// A burn destroys one record whole, so the wallet must hold a record
// of exactly the requested amount.
func (w *Wallet) BuildBurn(
	ctx context.Context,
	recipient common.Address,
	code cape.AssetCode,
	amount, fee uint64,
) (cape.Transaction, error) {
	if _, err := w.backend.WrappedErc20(ctx, code); err != nil {
		return cape.Transaction{}, fmt.Errorf("asset %s is not a wrapped asset: %w", code, err)
	}

	owner := w.keys.Address()

	records, err := w.backend.SpendableRecords(ctx, owner, code)
	if err != nil {
		return cape.Transaction{}, fmt.Errorf("listing records: %w", err)
	}
	burnFrom, ok := exactRecord(records, amount)
	if !ok {
		return cape.Transaction{}, fmt.Errorf(
			"no spendable record of exactly %d; burns consume one record whole", amount,
		)
	}

	feeRecords, err := w.backend.SpendableRecords(ctx, owner, cape.NativeAssetCode())
	if err != nil {
		return cape.Transaction{}, fmt.Errorf("listing fee records: %w", err)
	}
	feeFrom, ok := coveringRecord(feeRecords, fee)
	if !ok {
		return cape.Transaction{}, fmt.Errorf("no native record covers the fee of %d", fee)
	}

	burnedBlind, err := cape.NewBlind(w.rand)
	if err != nil {
		return cape.Transaction{}, err
	}
	changeBlind, err := cape.NewBlind(w.rand)
	if err != nil {
		return cape.Transaction{}, err
	}

	burned := burnFrom
	burned.Blind = burnedBlind

	note := &cape.TransferNote{
		Inputs: []cape.TransferInput{
			w.keys.SpendInput(burnFrom),
			w.keys.SpendInput(feeFrom),
		},
		Outputs: []cape.RecordOpening{
			burned,
			{
				Amount: feeFrom.Amount - fee,
				Asset:  cape.NativeAssetDefinition(),
				Owner:  owner,
				Freeze: cape.Unfrozen,
				Blind:  changeBlind,
			},
		},
		Fee:            fee,
		ProofBoundData: cape.BurnBoundData(recipient),
	}

	tx := cape.Transaction{Transfer: note}
	digest := tx.Digest()
	for i := range note.Inputs {
		note.Inputs[i].Witness.Signature = w.keys.Sign(digest[:])
	}

	return tx, nil
}

// Burn builds and submits a burn in one step.
func (w *Wallet) Burn(
	ctx context.Context,
	recipient common.Address,
	code cape.AssetCode,
	amount, fee uint64,
) (cape.Transaction, error) {
	tx, err := w.BuildBurn(ctx, recipient, code, amount, fee)
	if err != nil {
		return cape.Transaction{}, err
	}
	if err := w.backend.SubmitTransaction(ctx, tx); err != nil {
		return cape.Transaction{}, fmt.Errorf("submitting burn: %w", err)
	}

	w.log.Info(
		"Submitted burn",
		"asset", code,
		"amount", amount,
		"recipient", recipient,
	)
	return tx, nil
}

func exactRecord(records []cape.RecordOpening, amount uint64) (cape.RecordOpening, bool) {
	for _, ro := range records {
		if ro.Amount == amount && ro.Freeze == cape.Unfrozen {
			return ro, true
		}
	}
	return cape.RecordOpening{}, false
}

// coveringRecord picks the smallest spendable record covering amount,
// keeping larger records intact for later spends.
func coveringRecord(records []cape.RecordOpening, amount uint64) (cape.RecordOpening, bool) {
	var best cape.RecordOpening
	found := false
	for _, ro := range records {
		if ro.Amount < amount || ro.Freeze != cape.Unfrozen {
			continue
		}
		if !found || ro.Amount < best.Amount {
			best = ro
			found = true
		}
	}
	return best, found
}
