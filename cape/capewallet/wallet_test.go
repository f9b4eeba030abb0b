package capewallet_test

import (
	"context"
	"crypto/ed25519"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"

	"github.com/PythonRysh/espresso/cape"
	"github.com/PythonRysh/espresso/cape/capewallet"
	"github.com/PythonRysh/espresso/ecrypto"
	"github.com/PythonRysh/espresso/emerkle"
	"github.com/PythonRysh/espresso/internal/etest"
)

// ledgerBackend serves wallet queries straight from a LedgerState,
// holding submitted transactions until the test seals them into a
// block. It tracks record openings the way a node-side record store
// would, since the tree alone cannot list records by owner.
type ledgerBackend struct {
	ledger *cape.LedgerState

	mu      sync.Mutex
	tracked []cape.RecordOpening
	pending []cape.Transaction
}

func (b *ledgerBackend) SponsoredAsset(ctx context.Context, erc20 common.Address) (cape.AssetDefinition, error) {
	return b.ledger.SponsoredAsset(ctx, erc20)
}

func (b *ledgerBackend) WrappedErc20(ctx context.Context, code cape.AssetCode) (common.Address, error) {
	return b.ledger.WrappedErc20(ctx, code)
}

func (b *ledgerBackend) SpendableRecords(
	_ context.Context, owner cape.UserAddress, code cape.AssetCode,
) ([]cape.RecordOpening, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	var out []cape.RecordOpening
	for _, ro := range b.tracked {
		if ro.Owner == owner && ro.Asset.Code == code {
			out = append(out, ro)
		}
	}
	return out, nil
}

func (b *ledgerBackend) SubmitTransaction(_ context.Context, tx cape.Transaction) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.pending = append(b.pending, tx)
	return nil
}

func (b *ledgerBackend) pendingCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	return len(b.pending)
}

// sealBlock applies everything submitted since the last seal and
// updates the record store from the applied transactions.
func (b *ledgerBackend) sealBlock(t *testing.T, height uint64) cape.BlockResult {
	t.Helper()

	b.mu.Lock()
	txs := b.pending
	b.pending = nil
	b.mu.Unlock()

	res, err := b.ledger.ApplyBlock(context.Background(), height, txs)
	require.NoError(t, err)

	b.mu.Lock()
	defer b.mu.Unlock()
	for _, tx := range txs {
		switch {
		case tx.Transfer != nil:
			for _, in := range tx.Transfer.Inputs {
				b.untrack(in.Opening.Commitment())
			}
			for i, out := range tx.Transfer.Outputs {
				if i == 0 && tx.Transfer.IsBurn() {
					continue // destroyed, never inserted
				}
				b.tracked = append(b.tracked, out)
			}
		case tx.Wrap != nil:
			b.tracked = append(b.tracked, tx.Wrap.Target)
		}
	}
	return res
}

func (b *ledgerBackend) untrack(c cape.RecordCommitment) {
	for i, ro := range b.tracked {
		if ro.Commitment() == c {
			b.tracked = append(b.tracked[:i], b.tracked[i+1:]...)
			return
		}
	}
}

type walletFixture struct {
	ctx context.Context

	backend *ledgerBackend
	wallet  *capewallet.Wallet
	keys    *cape.UserKeyPair

	erc20     common.Address
	sponsor   common.Address
	recipient common.Address
}

func newWalletFixture(t *testing.T) *walletFixture {
	t.Helper()

	ctx := context.Background()

	reg := new(ecrypto.Registry)
	ecrypto.RegisterEd25519(reg)

	var valSeed [ed25519.SeedSize]byte
	valSeed[0] = 0x7a
	valSigner := ecrypto.NewEd25519Signer(ed25519.NewKeyFromSeed(valSeed[:]))

	ledger, err := cape.NewLedgerState(ctx, cape.LedgerConfig{
		Log:      etest.NewLogger(t),
		Tree:     emerkle.NewTree(emerkle.NewMemNodeStore()),
		Registry: reg,
	})
	require.NoError(t, err)

	keys := cape.NewUserKeyPairFromSeed([32]byte{0x11})

	// Two native records so fee selection has a choice.
	funds := []cape.RecordOpening{
		{
			Amount: 1_000,
			Asset:  cape.NativeAssetDefinition(),
			Owner:  keys.Address(),
			Blind:  cape.Blind{0xfa},
		},
		{
			Amount: 7,
			Asset:  cape.NativeAssetDefinition(),
			Owner:  keys.Address(),
			Blind:  cape.Blind{0xfb},
		},
	}

	_, err = ledger.ApplyGenesis(ctx, cape.GenesisState{
		Records: funds,
		Validators: []cape.GenesisValidator{
			{PubKey: reg.Marshal(valSigner.PubKey()), Power: 10},
		},
	})
	require.NoError(t, err)

	backend := &ledgerBackend{
		ledger:  ledger,
		tracked: funds,
	}

	w, err := capewallet.New(capewallet.Config{
		Log:     etest.NewLogger(t),
		Backend: backend,
		Keys:    keys,
	})
	require.NoError(t, err)

	return &walletFixture{
		ctx: ctx,

		backend: backend,
		wallet:  w,
		keys:    keys,

		erc20:     common.HexToAddress("0x00000000000000000000000000000000000000e2"),
		sponsor:   common.HexToAddress("0x000000000000000000000000000000000000005a"),
		recipient: common.HexToAddress("0x00000000000000000000000000000000000000dd"),
	}
}

func TestWallet_ConfigValidation(t *testing.T) {
	t.Parallel()

	_, err := capewallet.New(capewallet.Config{})
	require.Error(t, err)
	require.Contains(t, err.Error(), "no logger set")
	require.Contains(t, err.Error(), "no backend set")
	require.Contains(t, err.Error(), "no key pair set")
}

func TestWallet_SponsorWrapBurn(t *testing.T) {
	t.Parallel()

	f := newWalletFixture(t)

	def, err := f.wallet.Sponsor(f.ctx, f.erc20, f.sponsor, cape.AssetPolicy{})
	require.NoError(t, err)
	f.backend.sealBlock(t, 1)

	got, err := f.backend.ledger.SponsoredAsset(f.ctx, f.erc20)
	require.NoError(t, err)
	require.Equal(t, def, got)

	// The second attempt trips the wallet's own check,
	// before anything reaches the network.
	_, err = f.wallet.Sponsor(f.ctx, f.erc20, f.sponsor, cape.AssetPolicy{})
	require.ErrorContains(t, err, "already sponsored")
	require.Zero(t, f.backend.pendingCount())

	ro, err := f.wallet.Wrap(f.ctx, f.erc20, f.wallet.Address(), uint256.NewInt(250))
	require.NoError(t, err)
	require.Equal(t, uint64(250), ro.Amount)
	require.Equal(t, def, ro.Asset)
	f.backend.sealBlock(t, 2)

	escrow, err := f.backend.ledger.EscrowBalance(f.ctx, f.erc20)
	require.NoError(t, err)
	require.Equal(t, uint256.NewInt(250), escrow)

	opening, _, _, err := f.backend.ledger.RecordProof(f.ctx, ro.Commitment())
	require.NoError(t, err)
	require.NotNil(t, opening)

	tx, err := f.wallet.Burn(f.ctx, f.recipient, def.Code, 250, 5)
	require.NoError(t, err)
	require.True(t, tx.Transfer.IsBurn())

	res := f.backend.sealBlock(t, 3)
	require.Equal(t, []cape.Withdrawal{{
		Erc20:     f.erc20,
		Recipient: f.recipient,
		Amount:    uint256.NewInt(250),
	}}, res.Withdrawals)

	escrow, err = f.backend.ledger.EscrowBalance(f.ctx, f.erc20)
	require.NoError(t, err)
	require.True(t, escrow.IsZero())

	// The wrapped record is gone and only native change remains.
	wrapped, err := f.backend.SpendableRecords(f.ctx, f.wallet.Address(), def.Code)
	require.NoError(t, err)
	require.Empty(t, wrapped)

	native, err := f.backend.SpendableRecords(f.ctx, f.wallet.Address(), cape.NativeAssetCode())
	require.NoError(t, err)
	var total uint64
	for _, r := range native {
		total += r.Amount
	}
	require.Equal(t, uint64(1_000+7-5), total)
}

func TestWallet_WrapRequiresSponsor(t *testing.T) {
	t.Parallel()

	f := newWalletFixture(t)

	_, err := f.wallet.Wrap(f.ctx, f.erc20, f.wallet.Address(), uint256.NewInt(10))
	require.ErrorContains(t, err, "not sponsored")

	_, err = f.wallet.Sponsor(f.ctx, f.erc20, f.sponsor, cape.AssetPolicy{})
	require.NoError(t, err)
	f.backend.sealBlock(t, 1)

	_, err = f.wallet.Wrap(f.ctx, f.erc20, f.wallet.Address(), uint256.NewInt(0))
	require.ErrorContains(t, err, "positive amount")

	huge := new(uint256.Int).Lsh(uint256.NewInt(1), 70)
	_, err = f.wallet.Wrap(f.ctx, f.erc20, f.wallet.Address(), huge)
	require.ErrorContains(t, err, "overflows the record amount range")
}

func TestWallet_BuildBurnSelection(t *testing.T) {
	t.Parallel()

	f := newWalletFixture(t)

	_, err := f.wallet.BuildBurn(f.ctx, f.recipient, cape.NativeAssetCode(), 10, 0)
	require.ErrorContains(t, err, "not a wrapped asset")

	def, err := f.wallet.Sponsor(f.ctx, f.erc20, f.sponsor, cape.AssetPolicy{})
	require.NoError(t, err)
	_, err = f.wallet.Wrap(f.ctx, f.erc20, f.wallet.Address(), uint256.NewInt(300))
	require.NoError(t, err)
	f.backend.sealBlock(t, 1)

	// Burns consume one record whole; 200 of a 300 record is no good.
	_, err = f.wallet.BuildBurn(f.ctx, f.recipient, def.Code, 200, 5)
	require.ErrorContains(t, err, "no spendable record of exactly 200")

	_, err = f.wallet.BuildBurn(f.ctx, f.recipient, def.Code, 300, 10_000)
	require.ErrorContains(t, err, "no native record covers the fee")

	// Fee 5 fits both native records; the 7 should be chosen over
	// the 1000 so the larger record stays whole.
	tx, err := f.wallet.BuildBurn(f.ctx, f.recipient, def.Code, 300, 5)
	require.NoError(t, err)

	require.Len(t, tx.Transfer.Inputs, 2)
	require.Equal(t, uint64(7), tx.Transfer.Inputs[1].Opening.Amount)
	require.Len(t, tx.Transfer.Outputs, 2)
	require.Equal(t, uint64(2), tx.Transfer.Outputs[1].Amount)

	recipient, ok := cape.ParseBurnBoundData(tx.Transfer.ProofBoundData)
	require.True(t, ok)
	require.Equal(t, f.recipient, recipient)

	// The chain accepts the built transaction as-is.
	require.NoError(t, f.backend.ledger.ValidateTransaction(f.ctx, tx))
}
