package hsengine_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/PythonRysh/espresso/hs/hsconsensus"
	"github.com/PythonRysh/espresso/hs/hsconsensus/hsconsensustest"
	"github.com/PythonRysh/espresso/hs/hsdriver"
	"github.com/PythonRysh/espresso/hs/hselink"
	"github.com/PythonRysh/espresso/hs/hsengine"
	"github.com/PythonRysh/espresso/hs/hsgossip/hsgossiptest"
	"github.com/PythonRysh/espresso/hs/hsstore/hsmemstore"
	"github.com/PythonRysh/espresso/internal/etest"
	"github.com/stretchr/testify/require"
)

// engineFixture bundles an observing engine's dependencies,
// so tests drive consensus entirely through the handler methods
// and the driver channels.
type engineFixture struct {
	Fx *hsconsensustest.Fixture

	BlockStore        *hsmemstore.BlockStore
	SafetyStore       *hsmemstore.SafetyStore
	PacemakerStore    *hsmemstore.PacemakerStore
	FinalizationStore *hsmemstore.FinalizationStore
	ValidatorStore    *hsmemstore.ValidatorStore

	Gossip *hsgossiptest.ChannelStrategy

	InitChainRequests     chan hsdriver.InitChainRequest
	FinalizeBlockRequests chan hsdriver.FinalizeBlockRequest

	// The request consumed during engine construction,
	// forwarded here for tests that want to inspect it.
	InitChainSeen chan hsdriver.InitChainRequest

	FinalizationOut chan hselink.BlockFinalization
}

func newEngineFixture(nVals int) *engineFixture {
	fx := hsconsensustest.NewEd25519Fixture(nVals)

	return &engineFixture{
		Fx: fx,

		BlockStore:        hsmemstore.NewBlockStore(),
		SafetyStore:       hsmemstore.NewSafetyStore(),
		PacemakerStore:    hsmemstore.NewPacemakerStore(),
		FinalizationStore: hsmemstore.NewFinalizationStore(),
		ValidatorStore:    hsmemstore.NewValidatorStore(fx.HashScheme),

		Gossip: hsgossiptest.NewChannelStrategy(),

		InitChainRequests:     make(chan hsdriver.InitChainRequest, 1),
		FinalizeBlockRequests: make(chan hsdriver.FinalizeBlockRequest),

		InitChainSeen: make(chan hsdriver.InitChainRequest, 1),

		FinalizationOut: make(chan hselink.BlockFinalization),
	}
}

func (ef *engineFixture) Opts() []hsengine.Opt {
	g := ef.Fx.Genesis()

	return []hsengine.Opt{
		hsengine.WithGenesis(&g),

		hsengine.WithBlockStore(ef.BlockStore),
		hsengine.WithSafetyStore(ef.SafetyStore),
		hsengine.WithPacemakerStore(ef.PacemakerStore),
		hsengine.WithFinalizationStore(ef.FinalizationStore),
		hsengine.WithValidatorStore(ef.ValidatorStore),

		hsengine.WithHashScheme(ef.Fx.HashScheme),
		hsengine.WithSignatureScheme(ef.Fx.SignatureScheme),
		hsengine.WithCommonMessageSignatureProofScheme(ef.Fx.CommonMessageSignatureProofScheme),

		hsengine.WithGossipStrategy(ef.Gossip),

		hsengine.WithInitChainChannel(ef.InitChainRequests),
		hsengine.WithBlockFinalizationChannel(ef.FinalizeBlockRequests),

		hsengine.WithFinalizationNotificationChannel(ef.FinalizationOut),
	}
}

// NewEngine builds an engine over fresh stores,
// servicing the chain initialization exchange in the background.
// Without extra options the engine only observes.
func (ef *engineFixture) NewEngine(ctx context.Context, t *testing.T, opts ...hsengine.Opt) *hsengine.Engine {
	t.Helper()

	go func() {
		select {
		case <-ctx.Done():
			return
		case req := <-ef.InitChainRequests:
			// An empty response keeps the genesis document's
			// state root and validators, so blocks built from
			// [hsconsensustest.Fixture.GenesisBlock] line up
			// with the kernel's own genesis block.
			req.Resp <- hsdriver.InitChainResponse{}
			ef.InitChainSeen <- req
		}
	}()

	e, err := hsengine.New(ctx, etest.NewLogger(t), append(ef.Opts(), opts...)...)
	require.NoError(t, err)
	t.Cleanup(e.Wait)

	return e
}

// leaderIdx returns the fixture index of the round-robin leader for view.
func (ef *engineFixture) leaderIdx(view uint64) int {
	return int(view % uint64(len(ef.Fx.PrivVals)))
}

// BlockAtView is [hsconsensustest.Fixture.NextBlock]
// with the justifying certificate chosen by the test.
func (ef *engineFixture) BlockAtView(
	t *testing.T,
	parent hsconsensus.Block,
	view uint64,
	dataID []byte,
	justify *hsconsensus.SparseQuorumCertificate,
) hsconsensus.Block {
	t.Helper()

	vs := ef.Fx.ValSet()
	b := hsconsensus.Block{
		ChainID: ef.Fx.ChainID,

		View:   view,
		Height: parent.Height + 1,

		ParentHash: parent.Hash,

		Proposer: vs.Leader(view).PubKey,

		Justify: justify,

		DataID:    dataID,
		StateRoot: []byte("state"),

		ValidatorPubKeyHash:    vs.PubKeyHash,
		ValidatorVotePowerHash: vs.VotePowerHash,
	}

	var err error
	b.Hash, err = ef.Fx.HashScheme.Block(b)
	require.NoError(t, err)

	return b
}

// awaitUpdate receives view updates until one satisfies ok,
// failing the test if none does within a handful of receives.
func awaitUpdate(
	t *testing.T,
	updates <-chan hselink.ViewUpdate,
	ok func(hselink.ViewUpdate) bool,
) hselink.ViewUpdate {
	t.Helper()

	for i := 0; i < 10; i++ {
		u := etest.ReceiveSoon(t, updates)
		if ok(u) {
			return u
		}
	}

	t.Fatal("expected view update never arrived")
	return hselink.ViewUpdate{}
}

// proposeAndAttach submits b signed by its view's leader,
// requiring acceptance, and waits until the kernel
// has adopted it as the current proposal.
func (ef *engineFixture) proposeAndAttach(
	ctx context.Context,
	t *testing.T,
	e *hsengine.Engine,
	updates <-chan hselink.ViewUpdate,
	b hsconsensus.Block,
) hsconsensus.ProposedBlock {
	t.Helper()

	pb := ef.Fx.SignedProposal(ctx, b, ef.leaderIdx(b.View))
	require.Equal(t, hsconsensus.HandleProposedBlockAccepted, e.HandleProposedBlock(ctx, pb))

	awaitUpdate(t, updates, func(u hselink.ViewUpdate) bool {
		return u.ProposedBlock != nil && string(u.ProposedBlock.Block.Hash) == string(b.Hash)
	})

	return pb
}

// certifyView runs the full happy path for the block at the current view:
// attach the proposal, deliver a quorum of votes,
// and wait for the kernel to advance into the next view.
func (ef *engineFixture) certifyView(
	ctx context.Context,
	t *testing.T,
	e *hsengine.Engine,
	updates <-chan hselink.ViewUpdate,
	b hsconsensus.Block,
) {
	t.Helper()

	ef.proposeAndAttach(ctx, t, e, updates, b)

	votes := ef.Fx.VoteSparseProof(ctx, b.View, b.Hash, 0, 1, 2)
	require.Equal(t, hsconsensus.HandleVoteProofsAccepted, e.HandleVoteProofs(ctx, votes))

	awaitUpdate(t, updates, func(u hselink.ViewUpdate) bool {
		return u.View == b.View+1
	})
}

func TestEngine_initializesChainOnFreshStores(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ef := newEngineFixture(4)
	_ = ef.NewEngine(ctx, t)

	req := etest.ReceiveSoon(t, ef.InitChainSeen)
	require.Equal(t, ef.Fx.ChainID, req.Genesis.ChainID)
	require.Equal(t, uint64(1), req.Genesis.InitialHeight)

	u := etest.ReceiveSoon(t, ef.Gossip.Updates(t))
	require.Equal(t, uint64(1), u.View)
	require.Nil(t, u.ProposedBlock)
	require.Nil(t, u.EntryTC)

	// The high QC on a fresh chain is the signature-free
	// genesis certificate.
	require.NotNil(t, u.HighQC)
	require.Equal(t, uint64(0), u.HighQC.View)
	require.Empty(t, u.HighQC.Signatures)
	require.Equal(t, string(ef.Fx.GenesisBlock().Hash), string(u.HighQC.BlockHash))
}

func TestEngine_proposedBlockGossipedAfterAccept(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ef := newEngineFixture(4)
	e := ef.NewEngine(ctx, t)
	updates := ef.Gossip.Updates(t)

	b1 := ef.Fx.NextBlock(ctx, ef.Fx.GenesisBlock(), 1, []byte("d1"), []byte("state"))
	pb := ef.proposeAndAttach(ctx, t, e, updates, b1)

	// Once attached, a replay of the same proposal is recognized.
	require.Equal(t, hsconsensus.HandleProposedBlockAlreadyStored, e.HandleProposedBlock(ctx, pb))
}

func TestEngine_handleProposedBlockRejections(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ef := newEngineFixture(4)
	e := ef.NewEngine(ctx, t)

	g := ef.Fx.GenesisBlock()

	t.Run("missing proposer key", func(t *testing.T) {
		b := ef.Fx.NextBlock(ctx, g, 1, []byte("d"), []byte("state"))
		b.Proposer = nil
		var err error
		b.Hash, err = ef.Fx.HashScheme.Block(b)
		require.NoError(t, err)

		require.Equal(t,
			hsconsensus.HandleProposedBlockMissingProposerPubKey,
			e.HandleProposedBlock(ctx, hsconsensus.ProposedBlock{Block: b}),
		)
	})

	t.Run("missing justify", func(t *testing.T) {
		b := ef.Fx.NextBlock(ctx, g, 1, []byte("d"), []byte("state"))
		b.Justify = nil
		var err error
		b.Hash, err = ef.Fx.HashScheme.Block(b)
		require.NoError(t, err)

		require.Equal(t,
			hsconsensus.HandleProposedBlockBadJustifyTarget,
			e.HandleProposedBlock(ctx, ef.Fx.SignedProposal(ctx, b, ef.leaderIdx(1))),
		)
	})

	t.Run("wrong chain ID", func(t *testing.T) {
		b := ef.Fx.NextBlock(ctx, g, 1, []byte("d"), []byte("state"))
		b.ChainID = "some-other-chain"
		var err error
		b.Hash, err = ef.Fx.HashScheme.Block(b)
		require.NoError(t, err)

		require.Equal(t,
			hsconsensus.HandleProposedBlockSignerUnrecognized,
			e.HandleProposedBlock(ctx, ef.Fx.SignedProposal(ctx, b, ef.leaderIdx(1))),
		)
	})

	t.Run("proposer is not the view leader", func(t *testing.T) {
		b := ef.Fx.NextBlock(ctx, g, 1, []byte("d"), []byte("state"))
		b.Proposer = ef.Fx.PrivVals[0].Signer.PubKey() // Leader of view 1 is index 1.
		var err error
		b.Hash, err = ef.Fx.HashScheme.Block(b)
		require.NoError(t, err)

		require.Equal(t,
			hsconsensus.HandleProposedBlockSignerUnrecognized,
			e.HandleProposedBlock(ctx, ef.Fx.SignedProposal(ctx, b, 0)),
		)
	})

	t.Run("unknown validator hashes", func(t *testing.T) {
		b := ef.Fx.NextBlock(ctx, g, 1, []byte("d"), []byte("state"))
		b.ValidatorPubKeyHash = []byte("nonsense")
		var err error
		b.Hash, err = ef.Fx.HashScheme.Block(b)
		require.NoError(t, err)

		require.Equal(t,
			hsconsensus.HandleProposedBlockBadValidatorHashes,
			e.HandleProposedBlock(ctx, ef.Fx.SignedProposal(ctx, b, ef.leaderIdx(1))),
		)
	})

	t.Run("tampered block hash", func(t *testing.T) {
		b := ef.Fx.NextBlock(ctx, g, 1, []byte("d"), []byte("state"))
		pb := ef.Fx.SignedProposal(ctx, b, ef.leaderIdx(1))
		pb.Block.Hash[0] ^= 0xff

		require.Equal(t,
			hsconsensus.HandleProposedBlockBadBlockHash,
			e.HandleProposedBlock(ctx, pb),
		)
	})

	t.Run("signature from the wrong validator", func(t *testing.T) {
		b := ef.Fx.NextBlock(ctx, g, 1, []byte("d"), []byte("state"))

		require.Equal(t,
			hsconsensus.HandleProposedBlockBadSignature,
			e.HandleProposedBlock(ctx, ef.Fx.SignedProposal(ctx, b, 2)),
		)
	})

	t.Run("justify does not target the parent", func(t *testing.T) {
		b := ef.Fx.NextBlock(ctx, g, 1, []byte("d"), []byte("state"))
		b.Justify.BlockHash = []byte("not-the-parent")
		var err error
		b.Hash, err = ef.Fx.HashScheme.Block(b)
		require.NoError(t, err)

		require.Equal(t,
			hsconsensus.HandleProposedBlockBadJustifyTarget,
			e.HandleProposedBlock(ctx, ef.Fx.SignedProposal(ctx, b, ef.leaderIdx(1))),
		)
	})

	t.Run("genesis justify carrying signatures", func(t *testing.T) {
		b := ef.Fx.NextBlock(ctx, g, 1, []byte("d"), []byte("state"))
		qc := ef.Fx.SparseQC(ctx, 0, g.Hash, 0, 1, 2)
		b.Justify = qc
		var err error
		b.Hash, err = ef.Fx.HashScheme.Block(b)
		require.NoError(t, err)

		require.Equal(t,
			hsconsensus.HandleProposedBlockBadJustifyTarget,
			e.HandleProposedBlock(ctx, ef.Fx.SignedProposal(ctx, b, ef.leaderIdx(1))),
		)
	})
}

func TestEngine_justifyVerificationWithKnownParent(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ef := newEngineFixture(4)
	e := ef.NewEngine(ctx, t)
	updates := ef.Gossip.Updates(t)

	b1 := ef.Fx.NextBlock(ctx, ef.Fx.GenesisBlock(), 1, []byte("d1"), []byte("state"))
	ef.certifyView(ctx, t, e, updates, b1)

	t.Run("insufficient vote power", func(t *testing.T) {
		weak := ef.Fx.SparseQC(ctx, 1, b1.Hash, 0, 1)
		b2 := ef.BlockAtView(t, b1, 2, []byte("d2"), weak)

		require.Equal(t,
			hsconsensus.HandleProposedBlockBadJustifyVoteCount,
			e.HandleProposedBlock(ctx, ef.Fx.SignedProposal(ctx, b2, ef.leaderIdx(2))),
		)
	})

	t.Run("corrupted signature", func(t *testing.T) {
		qc := ef.Fx.SparseQC(ctx, 1, b1.Hash, 0, 1, 2)
		qc.Signatures[0].Sig[0] ^= 0xff
		b2 := ef.BlockAtView(t, b1, 2, []byte("d2"), qc)

		require.Equal(t,
			hsconsensus.HandleProposedBlockBadJustifySignature,
			e.HandleProposedBlock(ctx, ef.Fx.SignedProposal(ctx, b2, ef.leaderIdx(2))),
		)
	})

	t.Run("mismatched key hash", func(t *testing.T) {
		qc := ef.Fx.SparseQC(ctx, 1, b1.Hash, 0, 1, 2)
		qc.PubKeyHash = "nonsense"
		b2 := ef.BlockAtView(t, b1, 2, []byte("d2"), qc)

		require.Equal(t,
			hsconsensus.HandleProposedBlockBadJustifyPubKeyHash,
			e.HandleProposedBlock(ctx, ef.Fx.SignedProposal(ctx, b2, ef.leaderIdx(2))),
		)
	})

	t.Run("valid certificate", func(t *testing.T) {
		qc := ef.Fx.SparseQC(ctx, 1, b1.Hash, 0, 1, 2)
		b2 := ef.BlockAtView(t, b1, 2, []byte("d2"), qc)

		require.Equal(t,
			hsconsensus.HandleProposedBlockAccepted,
			e.HandleProposedBlock(ctx, ef.Fx.SignedProposal(ctx, b2, ef.leaderIdx(2))),
		)
	})
}

func TestEngine_votesFormCertificateAndAdvanceView(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ef := newEngineFixture(4)
	e := ef.NewEngine(ctx, t)
	updates := ef.Gossip.Updates(t)

	b1 := ef.Fx.NextBlock(ctx, ef.Fx.GenesisBlock(), 1, []byte("d1"), []byte("state"))
	ef.proposeAndAttach(ctx, t, e, updates, b1)

	votes := ef.Fx.VoteSparseProof(ctx, 1, b1.Hash, 0, 1, 2)
	require.Equal(t, hsconsensus.HandleVoteProofsAccepted, e.HandleVoteProofs(ctx, votes))

	u := awaitUpdate(t, updates, func(u hselink.ViewUpdate) bool {
		return u.View == 2
	})
	require.NotNil(t, u.HighQC)
	require.Equal(t, uint64(1), u.HighQC.View)
	require.Equal(t, string(b1.Hash), string(u.HighQC.BlockHash))
	require.Nil(t, u.EntryTC)

	// The certified view is now in the past.
	require.Equal(t, hsconsensus.HandleVoteProofsViewTooOld, e.HandleVoteProofs(ctx, votes))
}

func TestEngine_handleVoteProofsEdges(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ef := newEngineFixture(4)
	e := ef.NewEngine(ctx, t)
	updates := ef.Gossip.Updates(t)

	b1 := ef.Fx.NextBlock(ctx, ef.Fx.GenesisBlock(), 1, []byte("d1"), []byte("state"))
	ef.proposeAndAttach(ctx, t, e, updates, b1)

	t.Run("empty proof", func(t *testing.T) {
		require.Equal(t,
			hsconsensus.HandleVoteProofsEmpty,
			e.HandleVoteProofs(ctx, hsconsensus.VoteSparseProof{View: 1}),
		)
	})

	t.Run("corrupted signature", func(t *testing.T) {
		votes := ef.Fx.VoteSparseProof(ctx, 1, b1.Hash, 3)
		votes.Proofs[string(b1.Hash)][0].Sig[0] ^= 0xff

		require.Equal(t,
			hsconsensus.HandleVoteProofsBadSignature,
			e.HandleVoteProofs(ctx, votes),
		)
	})

	t.Run("near-future view is buffered", func(t *testing.T) {
		votes := ef.Fx.VoteSparseProof(ctx, 3, []byte("future-block"), 0)

		require.Equal(t,
			hsconsensus.HandleVoteProofsAccepted,
			e.HandleVoteProofs(ctx, votes),
		)
	})

	t.Run("future view with unknown key hash", func(t *testing.T) {
		votes := ef.Fx.VoteSparseProof(ctx, 3, []byte("future-block"), 0)
		votes.PubKeyHash = "never-seen"

		require.Equal(t,
			hsconsensus.HandleVoteProofsFutureUnverified,
			e.HandleVoteProofs(ctx, votes),
		)
	})

	t.Run("far-future view", func(t *testing.T) {
		votes := ef.Fx.VoteSparseProof(ctx, 10, []byte("future-block"), 0)

		require.Equal(t,
			hsconsensus.HandleVoteProofsViewTooFarInFuture,
			e.HandleVoteProofs(ctx, votes),
		)
	})
}

func TestEngine_threeChainCommit(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ef := newEngineFixture(4)
	e := ef.NewEngine(ctx, t)
	updates := ef.Gossip.Updates(t)

	b1 := ef.Fx.NextBlock(ctx, ef.Fx.GenesisBlock(), 1, []byte("d1"), []byte("state"))
	ef.certifyView(ctx, t, e, updates, b1)

	b2 := ef.Fx.NextBlock(ctx, b1, 2, []byte("d2"), []byte("state"))
	ef.certifyView(ctx, t, e, updates, b2)

	// Certifying the third consecutive view commits the tail
	// of the three-chain, which is b1.
	b3 := ef.Fx.NextBlock(ctx, b2, 3, []byte("d3"), []byte("state"))
	ef.proposeAndAttach(ctx, t, e, updates, b3)

	votes := ef.Fx.VoteSparseProof(ctx, 3, b3.Hash, 0, 1, 2)
	require.Equal(t, hsconsensus.HandleVoteProofsAccepted, e.HandleVoteProofs(ctx, votes))

	finReq := etest.ReceiveSoon(t, ef.FinalizeBlockRequests)
	require.Equal(t, uint64(1), finReq.Block.Height)
	require.Equal(t, string(b1.Hash), string(finReq.Block.Hash))
	finReq.Resp <- hsdriver.FinalizeBlockResponse{
		Height:    finReq.Block.Height,
		View:      finReq.Block.View,
		BlockHash: finReq.Block.Hash,

		StateRoot: []byte("post-state-1"),
	}

	awaitUpdate(t, updates, func(u hselink.ViewUpdate) bool {
		return u.View == 4
	})

	fin := etest.ReceiveSoon(t, ef.FinalizationOut)
	require.Equal(t, uint64(1), fin.Height)
	require.Equal(t, uint64(1), fin.View)
	require.Equal(t, string(b1.Hash), string(fin.BlockHash))

	// Only the one block committed.
	etest.NotSending(t, ef.FinalizeBlockRequests)
}

func TestEngine_timeoutCertificateAdvancesView(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ef := newEngineFixture(4)
	e := ef.NewEngine(ctx, t)
	updates := ef.Gossip.Updates(t)

	etest.ReceiveSoon(t, updates) // Initial view 1 update.

	// Three validators declare view 1 failed,
	// all attesting the genesis certificate as their freshest.
	timeouts := ef.Fx.TimeoutSparseProof(ctx, 1, map[int]uint64{0: 0, 1: 0, 2: 0})
	require.Equal(t, hsconsensus.HandleVoteProofsAccepted, e.HandleTimeoutProofs(ctx, timeouts))

	u := awaitUpdate(t, updates, func(u hselink.ViewUpdate) bool {
		return u.View == 2
	})
	require.NotNil(t, u.EntryTC)
	require.Equal(t, uint64(1), u.EntryTC.View)
	require.Nil(t, u.ProposedBlock)

	// The high QC is still the genesis certificate;
	// nothing was certified in view 1.
	require.NotNil(t, u.HighQC)
	require.Equal(t, uint64(0), u.HighQC.View)
}

func TestEngine_outOfWindowBlockKeptAsEvidence(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ef := newEngineFixture(4)
	e := ef.NewEngine(ctx, t)
	updates := ef.Gossip.Updates(t)

	g := ef.Fx.GenesisBlock()

	// A view far beyond the live window is reported as such,
	// but its content still reaches the kernel.
	far := ef.Fx.NextBlock(ctx, g, 10, []byte("far"), []byte("state"))
	farPB := ef.Fx.SignedProposal(ctx, far, ef.leaderIdx(10))
	require.Equal(t,
		hsconsensus.HandleProposedBlockViewTooFarInFuture,
		e.HandleProposedBlock(ctx, farPB),
	)

	// Attaching a current-view block afterward proves the evidence
	// add, queued first, has been processed.
	b1 := ef.Fx.NextBlock(ctx, g, 1, []byte("d1"), []byte("state"))
	ef.proposeAndAttach(ctx, t, e, updates, b1)

	require.Equal(t,
		hsconsensus.HandleProposedBlockAlreadyStored,
		e.HandleProposedBlock(ctx, farPB),
	)
}

func TestEngine_resumesFromPersistedState(t *testing.T) {
	t.Parallel()

	ctx1, cancel1 := context.WithCancel(context.Background())
	defer cancel1()

	ef := newEngineFixture(4)
	e1 := ef.NewEngine(ctx1, t)
	updates := ef.Gossip.Updates(t)

	b1 := ef.Fx.NextBlock(ctx1, ef.Fx.GenesisBlock(), 1, []byte("d1"), []byte("state"))
	ef.certifyView(ctx1, t, e1, updates, b1)

	cancel1()
	e1.Wait()

	// Restart over the same stores with a fresh gossip strategy.
	ctx2, cancel2 := context.WithCancel(context.Background())
	defer cancel2()

	ef.Gossip = hsgossiptest.NewChannelStrategy()

	e2, err := hsengine.New(ctx2, etest.NewLogger(t), ef.Opts()...)
	require.NoError(t, err)
	t.Cleanup(e2.Wait)

	// An initialized chain is never initialized again.
	etest.NotSending(t, ef.InitChainRequests)

	u := etest.ReceiveSoon(t, ef.Gossip.Updates(t))
	require.Equal(t, uint64(2), u.View)
	require.Nil(t, u.ProposedBlock)
}

func TestEngine_singleValidatorSelfDrive(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// One validator holds the whole quorum,
	// so the engine drives proposals, votes, and commits
	// entirely through the driver channels.
	ef := newEngineFixture(1)
	proposals := make(chan hsdriver.ProposalRequest)

	_ = ef.NewEngine(
		ctx, t,
		hsengine.WithSigner(ef.Fx.PrivVals[0].Signer),
		hsengine.WithTimeoutStrategy(ctx, hsengine.LinearTimeoutStrategy{
			// Far beyond the test horizon, so no view times out mid-drive.
			ViewBase: time.Minute,
		}),
		hsengine.WithProposalRequestChannel(proposals),
	)

	serveProposal := func(view uint64, wantParent []byte) hsdriver.ProposalRequest {
		t.Helper()

		req := etest.ReceiveSoon(t, proposals)
		require.Equal(t, view, req.View)
		require.Equal(t, view, req.Height)
		if wantParent != nil {
			require.Equal(t, wantParent, req.ParentBlockHash)
		}
		etest.SendSoon(t, req.Resp, hsdriver.ProposalResponse{
			DataID:    []byte(fmt.Sprintf("data-%d", view)),
			StateRoot: []byte(fmt.Sprintf("state-%d", view)),
		})
		return req
	}

	genesisHash := ef.Fx.GenesisBlock().Hash
	serveProposal(1, genesisHash)
	p2 := serveProposal(2, nil)
	p3 := serveProposal(3, nil)

	// The view-3 certificate completes a three-chain over height 1.
	fin1 := etest.ReceiveSoon(t, ef.FinalizeBlockRequests)
	require.Equal(t, uint64(1), fin1.Block.Height)
	require.Equal(t, uint64(1), fin1.Block.View)
	require.Equal(t, []byte("data-1"), fin1.Block.DataID)
	require.Equal(t, []byte("state-1"), fin1.Block.StateRoot)
	// The finalized block is the one the view-2 proposal extended.
	require.Equal(t, p2.ParentBlockHash, fin1.Block.Hash)
	etest.SendSoon(t, fin1.Resp, hsdriver.FinalizeBlockResponse{
		Height:    1,
		View:      1,
		BlockHash: fin1.Block.Hash,
		StateRoot: []byte("post-1"),
	})

	serveProposal(4, nil)

	fin2 := etest.ReceiveSoon(t, ef.FinalizeBlockRequests)
	require.Equal(t, uint64(2), fin2.Block.Height)
	require.Equal(t, []byte("data-2"), fin2.Block.DataID)
	require.Equal(t, p3.ParentBlockHash, fin2.Block.Hash)
	etest.SendSoon(t, fin2.Resp, hsdriver.FinalizeBlockResponse{
		Height:    2,
		View:      2,
		BlockHash: fin2.Block.Hash,
		StateRoot: []byte("post-2"),
	})

	// The kernel blocks handing out the view-5 proposal request;
	// receiving it without answering parks the engine in its main loop
	// so the queued finalization notifications flush in order.
	p5 := etest.ReceiveSoon(t, proposals)
	require.Equal(t, uint64(5), p5.View)
	require.Equal(t, fin1.Block.Hash, fin2.Block.ParentHash)

	n1 := etest.ReceiveSoon(t, ef.FinalizationOut)
	require.Equal(t, uint64(1), n1.Height)
	require.Equal(t, uint64(1), n1.View)
	require.Equal(t, fin1.Block.Hash, n1.BlockHash)
	require.Equal(t, []byte("post-1"), n1.StateRoot)

	n2 := etest.ReceiveSoon(t, ef.FinalizationOut)
	require.Equal(t, uint64(2), n2.Height)
	require.Equal(t, fin2.Block.Hash, n2.BlockHash)
}
