package capeapp_test

import (
	"context"
	"crypto/ed25519"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/PythonRysh/espresso/cape"
	"github.com/PythonRysh/espresso/capeapp"
	"github.com/PythonRysh/espresso/ecrypto"
	"github.com/PythonRysh/espresso/emerkle"
	"github.com/PythonRysh/espresso/hs/hsconsensus"
	"github.com/PythonRysh/espresso/hs/hsdriver"
	"github.com/PythonRysh/espresso/hs/hselink"
	"github.com/PythonRysh/espresso/internal/etest"
)

// appFixture plays the engine side of the driver channels.
type appFixture struct {
	ctx    context.Context
	cancel context.CancelFunc

	reg    *ecrypto.Registry
	ledger *cape.LedgerState

	alice *cape.UserKeyPair
	bob   *cape.UserKeyPair

	// Two genesis native records owned by alice.
	faucet1 cape.RecordOpening
	faucet2 cape.RecordOpening

	valSigner ecrypto.Ed25519Signer
	val2      ecrypto.Ed25519Signer

	mempool  *capeapp.Mempool
	payloads *capeapp.PayloadStore

	initChainRequests     chan hsdriver.InitChainRequest
	finalizeBlockRequests chan hsdriver.FinalizeBlockRequest
	proposalRequests      chan hsdriver.ProposalRequest

	arrivals      chan hselink.PayloadArrival
	assembled     chan capeapp.AssembledPayload
	appliedBlocks chan capeapp.AppliedBlock

	app *capeapp.App
}

func newAppFixture(t *testing.T) *appFixture {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	f := &appFixture{
		ctx:    ctx,
		cancel: cancel,

		reg: new(ecrypto.Registry),

		alice: cape.NewUserKeyPairFromSeed([32]byte{1}),
		bob:   cape.NewUserKeyPairFromSeed([32]byte{2}),

		initChainRequests:     make(chan hsdriver.InitChainRequest),
		finalizeBlockRequests: make(chan hsdriver.FinalizeBlockRequest),
		proposalRequests:      make(chan hsdriver.ProposalRequest),

		arrivals:      make(chan hselink.PayloadArrival, 8),
		assembled:     make(chan capeapp.AssembledPayload, 8),
		appliedBlocks: make(chan capeapp.AppliedBlock, 8),
	}
	ecrypto.RegisterEd25519(f.reg)

	var seed [ed25519.SeedSize]byte
	seed[0] = 0x7a
	f.valSigner = ecrypto.NewEd25519Signer(ed25519.NewKeyFromSeed(seed[:]))
	seed[0] = 0x7b
	f.val2 = ecrypto.NewEd25519Signer(ed25519.NewKeyFromSeed(seed[:]))

	ledger, err := cape.NewLedgerState(ctx, cape.LedgerConfig{
		Log:      etest.NewLogger(t),
		Tree:     emerkle.NewTree(emerkle.NewMemNodeStore()),
		Registry: f.reg,
	})
	require.NoError(t, err)
	f.ledger = ledger

	f.faucet1 = cape.RecordOpening{
		Amount: 1_000,
		Asset:  cape.NativeAssetDefinition(),
		Owner:  f.alice.Address(),
		Blind:  cape.Blind{0xfa},
	}
	f.faucet2 = cape.RecordOpening{
		Amount: 500,
		Asset:  cape.NativeAssetDefinition(),
		Owner:  f.alice.Address(),
		Blind:  cape.Blind{0xfb},
	}

	f.mempool = capeapp.NewMempool(ledger, 0)
	f.payloads = capeapp.NewPayloadStore(etest.NewLogger(t), f.arrivals)

	f.app, err = capeapp.New(ctx, etest.NewLogger(t), capeapp.Config{
		Ledger: ledger,
		Genesis: &cape.GenesisState{
			Records: []cape.RecordOpening{f.faucet1, f.faucet2},
			Validators: []cape.GenesisValidator{
				{PubKey: f.reg.Marshal(f.valSigner.PubKey()), Power: 10},
			},
		},
		Registry: f.reg,

		Mempool:  f.mempool,
		Payloads: f.payloads,

		InitChainRequests:     f.initChainRequests,
		FinalizeBlockRequests: f.finalizeBlockRequests,
		ProposalRequests:      f.proposalRequests,

		AssembledPayloads: f.assembled,
		AppliedBlocks:     f.appliedBlocks,
	})
	require.NoError(t, err)

	return f
}

// initChain runs the one-time initialization exchange.
func (f *appFixture) initChain(t *testing.T) hsdriver.InitChainResponse {
	t.Helper()

	req := hsdriver.InitChainRequest{
		Genesis: hsconsensus.Genesis{ChainID: "capetest"},
		Resp:    make(chan hsdriver.InitChainResponse, 1),
	}
	etest.SendSoon(t, f.initChainRequests, req)
	return etest.ReceiveSoon(t, req.Resp)
}

func (f *appFixture) propose(t *testing.T, height, view uint64) hsdriver.ProposalResponse {
	t.Helper()

	req := hsdriver.ProposalRequest{
		View:   view,
		Height: height,
		Resp:   make(chan hsdriver.ProposalResponse, 1),
	}
	etest.SendSoon(t, f.proposalRequests, req)
	return etest.ReceiveSoon(t, req.Resp)
}

func (f *appFixture) finalize(t *testing.T, height, view uint64, dataID []byte) hsdriver.FinalizeBlockResponse {
	t.Helper()

	req := hsdriver.FinalizeBlockRequest{
		Block: hsconsensus.Block{
			Hash:    []byte{byte(height), 0xb1, 0x0c},
			ChainID: "capetest",
			View:    view,
			Height:  height,
			DataID:  dataID,
		},
		Resp: make(chan hsdriver.FinalizeBlockResponse, 1),
	}
	etest.SendSoon(t, f.finalizeBlockRequests, req)
	return etest.ReceiveSoon(t, req.Resp)
}

func (f *appFixture) transfer(ins, outs []cape.RecordOpening, fee uint64) cape.Transaction {
	note := &cape.TransferNote{
		Inputs:  make([]cape.TransferInput, len(ins)),
		Outputs: outs,
		Fee:     fee,
	}
	for i, in := range ins {
		note.Inputs[i] = f.alice.SpendInput(in)
	}

	tx := cape.Transaction{Transfer: note}
	digest := tx.Digest()
	for i := range note.Inputs {
		note.Inputs[i].Witness.Signature = f.alice.Sign(digest[:])
	}
	return tx
}

func (f *appFixture) stakeTx(t *testing.T, signer ecrypto.Signer, power, nonce uint64) cape.Transaction {
	t.Helper()

	tx := cape.Transaction{Stake: &cape.StakeNote{
		PubKey: f.reg.Marshal(signer.PubKey()),
		Power:  power,
		Nonce:  nonce,
	}}
	digest := tx.Digest()

	sig, err := signer.Sign(f.ctx, digest[:])
	require.NoError(t, err)
	tx.Stake.Signature = sig
	return tx
}

func TestApp_InitChainFromGenesis(t *testing.T) {
	t.Parallel()

	f := newAppFixture(t)

	resp := f.initChain(t)

	_, root, ok := f.ledger.LatestRoot()
	require.True(t, ok)
	require.Equal(t, root[:], resp.StateRoot)

	require.Len(t, resp.Validators, 1)
	require.True(t, resp.Validators[0].PubKey.Equal(f.valSigner.PubKey()))
	require.Equal(t, uint64(10), resp.Validators[0].Power)
}

func TestApp_ProposeAndFinalize(t *testing.T) {
	t.Parallel()

	f := newAppFixture(t)
	initResp := f.initChain(t)

	// Two independent transfers; the higher fee proposes first.
	tx1 := f.transfer(
		[]cape.RecordOpening{f.faucet1},
		[]cape.RecordOpening{{
			Amount: 997,
			Asset:  cape.NativeAssetDefinition(),
			Owner:  f.bob.Address(),
			Blind:  cape.Blind{1},
		}},
		3,
	)
	tx2 := f.transfer(
		[]cape.RecordOpening{f.faucet2},
		[]cape.RecordOpening{{
			Amount: 493,
			Asset:  cape.NativeAssetDefinition(),
			Owner:  f.bob.Address(),
			Blind:  cape.Blind{2},
		}},
		7,
	)
	require.NoError(t, f.mempool.Add(f.ctx, tx1))
	require.NoError(t, f.mempool.Add(f.ctx, tx2))

	prop := f.propose(t, 1, 1)
	require.NotEmpty(t, prop.DataID)
	require.Equal(t, initResp.StateRoot, prop.StateRoot)

	// Our own payload is announced to consensus like any other.
	arrival := etest.ReceiveSoon(t, f.arrivals)
	require.Equal(t, string(prop.DataID), arrival.DataID)

	// And handed out for shred broadcast.
	assembled := etest.ReceiveSoon(t, f.assembled)
	require.Equal(t, uint64(1), assembled.Height)
	require.Equal(t, prop.DataID, assembled.DataID)

	payload, ok := f.payloads.Get(prop.DataID)
	require.True(t, ok)
	require.Equal(t, payload, assembled.Payload)
	txs, err := cape.UnmarshalTransactions(payload)
	require.NoError(t, err)
	require.Len(t, txs, 2)
	require.Equal(t, tx2.Digest(), txs[0].Digest())
	require.Equal(t, tx1.Digest(), txs[1].Digest())

	fin := f.finalize(t, 1, 1, prop.DataID)
	require.Equal(t, uint64(1), fin.Height)
	require.Nil(t, fin.Validators)

	version, root, ok := f.ledger.LatestRoot()
	require.True(t, ok)
	require.Equal(t, uint64(1), version)
	require.Equal(t, root[:], fin.StateRoot)

	applied := etest.ReceiveSoon(t, f.appliedBlocks)
	require.Equal(t, uint64(1), applied.Height)
	require.Len(t, applied.Transactions, 2)
	require.Equal(t, root, applied.StateRoot)

	// Included transactions left the pool.
	require.Zero(t, f.mempool.Size())

	// An empty block still advances the chain.
	fin2 := f.finalize(t, 2, 2, nil)
	require.Equal(t, uint64(2), fin2.Height)

	version, _, _ = f.ledger.LatestRoot()
	require.Equal(t, uint64(2), version)

	applied = etest.ReceiveSoon(t, f.appliedBlocks)
	require.Empty(t, applied.Transactions)
}

func TestApp_EmptyProposalWithEmptyMempool(t *testing.T) {
	t.Parallel()

	f := newAppFixture(t)
	initResp := f.initChain(t)

	prop := f.propose(t, 1, 1)
	require.Empty(t, prop.DataID)
	require.Equal(t, initResp.StateRoot, prop.StateRoot)

	etest.NotSending(t, f.arrivals)
	etest.NotSending(t, f.assembled)
}

func TestApp_ValidatorReconfiguration(t *testing.T) {
	t.Parallel()

	f := newAppFixture(t)
	f.initChain(t)

	require.NoError(t, f.mempool.Add(f.ctx, f.stakeTx(t, f.val2, 5, 1)))

	prop := f.propose(t, 1, 1)
	require.NotEmpty(t, prop.DataID)

	fin := f.finalize(t, 1, 1, prop.DataID)
	require.Len(t, fin.Validators, 2)
	require.True(t, fin.Validators[0].PubKey.Equal(f.valSigner.PubKey()))
	require.True(t, fin.Validators[1].PubKey.Equal(f.val2.PubKey()))
	require.Equal(t, uint64(5), fin.Validators[1].Power)
}

func TestApp_UndecodablePayloadAppliesEmptyBlock(t *testing.T) {
	t.Parallel()

	f := newAppFixture(t)
	f.initChain(t)

	before := f.finalize(t, 1, 1, nil)
	etest.ReceiveSoon(t, f.appliedBlocks)

	garbage := []byte("not a payload")
	id := f.payloads.Put(f.ctx, 2, garbage)
	etest.ReceiveSoon(t, f.arrivals)

	fin := f.finalize(t, 2, 2, id)
	require.Equal(t, uint64(2), fin.Height)

	// The empty fallback leaves state contents untouched.
	require.Equal(t, before.StateRoot, fin.StateRoot)

	version, _, _ := f.ledger.LatestRoot()
	require.Equal(t, uint64(2), version)

	applied := etest.ReceiveSoon(t, f.appliedBlocks)
	require.Empty(t, applied.Transactions)
}

func TestApp_InvalidTransactionsApplyEmptyBlock(t *testing.T) {
	t.Parallel()

	f := newAppFixture(t)
	f.initChain(t)

	spend := f.transfer(
		[]cape.RecordOpening{f.faucet1},
		[]cape.RecordOpening{{
			Amount: 1_000,
			Asset:  cape.NativeAssetDefinition(),
			Owner:  f.bob.Address(),
			Blind:  cape.Blind{1},
		}},
		0,
	)
	require.NoError(t, f.mempool.Add(f.ctx, spend))
	prop := f.propose(t, 1, 1)
	etest.ReceiveSoon(t, f.arrivals)
	before := f.finalize(t, 1, 1, prop.DataID)
	etest.ReceiveSoon(t, f.appliedBlocks)

	// A byzantine proposer committed a double spend; every node
	// falls back to the empty block deterministically.
	doubleSpend, err := cape.MarshalTransactions([]cape.Transaction{spend})
	require.NoError(t, err)
	id := f.payloads.Put(f.ctx, 2, doubleSpend)
	etest.ReceiveSoon(t, f.arrivals)

	fin := f.finalize(t, 2, 2, id)
	require.Equal(t, before.StateRoot, fin.StateRoot)

	version, _, _ := f.ledger.LatestRoot()
	require.Equal(t, uint64(2), version)
}

func TestApp_ReplayedFinalization(t *testing.T) {
	t.Parallel()

	f := newAppFixture(t)
	f.initChain(t)

	tx := f.transfer(
		[]cape.RecordOpening{f.faucet1},
		[]cape.RecordOpening{{
			Amount: 1_000,
			Asset:  cape.NativeAssetDefinition(),
			Owner:  f.bob.Address(),
			Blind:  cape.Blind{1},
		}},
		0,
	)
	require.NoError(t, f.mempool.Add(f.ctx, tx))
	prop := f.propose(t, 1, 1)
	etest.ReceiveSoon(t, f.arrivals)

	first := f.finalize(t, 1, 1, prop.DataID)
	etest.ReceiveSoon(t, f.appliedBlocks)
	f.finalize(t, 2, 2, nil)
	etest.ReceiveSoon(t, f.appliedBlocks)

	// Consensus lost the height 1 finalization record and re-drives
	// it after a restart. The payload was dropped at finalization,
	// but the stored state answers without it.
	replayed := f.finalize(t, 1, 1, prop.DataID)
	require.Equal(t, first.StateRoot, replayed.StateRoot)

	version, _, _ := f.ledger.LatestRoot()
	require.Equal(t, uint64(2), version)

	// Replays are not re-reported downstream.
	etest.NotSending(t, f.appliedBlocks)
}

func TestApp_InitChainAgainstExistingLedger(t *testing.T) {
	t.Parallel()

	f := newAppFixture(t)
	f.initChain(t)
	f.finalize(t, 1, 1, nil)
	etest.ReceiveSoon(t, f.appliedBlocks)

	// A second app over the same ledger, as after wiping consensus
	// state: no genesis needed, and initialization answers from the
	// existing ledger instead of re-running genesis.
	initCh := make(chan hsdriver.InitChainRequest)
	finCh := make(chan hsdriver.FinalizeBlockRequest)

	_, err := capeapp.New(f.ctx, etest.NewLogger(t), capeapp.Config{
		Ledger:   f.ledger,
		Registry: f.reg,

		Mempool:  capeapp.NewMempool(f.ledger, 0),
		Payloads: capeapp.NewPayloadStore(etest.NewLogger(t), nil),

		InitChainRequests:     initCh,
		FinalizeBlockRequests: finCh,
	})
	require.NoError(t, err)

	req := hsdriver.InitChainRequest{Resp: make(chan hsdriver.InitChainResponse, 1)}
	etest.SendSoon(t, initCh, req)
	resp := etest.ReceiveSoon(t, req.Resp)

	_, root, _ := f.ledger.LatestRoot()
	require.Equal(t, root[:], resp.StateRoot)
	require.Len(t, resp.Validators, 1)
}

func TestApp_ConfigValidation(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	_, err := capeapp.New(ctx, etest.NewLogger(t), capeapp.Config{})
	require.Error(t, err)
	require.Contains(t, err.Error(), "no ledger set")
	require.Contains(t, err.Error(), "no key registry set")
	require.Contains(t, err.Error(), "no mempool set")
	require.Contains(t, err.Error(), "no payload store set")
	require.Contains(t, err.Error(), "no init chain channel set")
	require.Contains(t, err.Error(), "no block finalization channel set")

	// An empty ledger demands a genesis document.
	reg := new(ecrypto.Registry)
	ecrypto.RegisterEd25519(reg)
	ledger, err := cape.NewLedgerState(ctx, cape.LedgerConfig{
		Log:      etest.NewLogger(t),
		Tree:     emerkle.NewTree(emerkle.NewMemNodeStore()),
		Registry: reg,
	})
	require.NoError(t, err)

	_, err = capeapp.New(ctx, etest.NewLogger(t), capeapp.Config{
		Ledger:   ledger,
		Registry: reg,

		Mempool:  capeapp.NewMempool(ledger, 0),
		Payloads: capeapp.NewPayloadStore(etest.NewLogger(t), nil),

		InitChainRequests:     make(chan hsdriver.InitChainRequest),
		FinalizeBlockRequests: make(chan hsdriver.FinalizeBlockRequest),
	})
	require.ErrorContains(t, err, "no genesis state set and the ledger is empty")
}
