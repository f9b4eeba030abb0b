package hsi

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"

	"github.com/bits-and-blooms/bitset"

	"github.com/PythonRysh/espresso/ecrypto"
	"github.com/PythonRysh/espresso/hs/hsconsensus"
	"github.com/PythonRysh/espresso/hs/hsdriver"
	"github.com/PythonRysh/espresso/hs/hselink"
	"github.com/PythonRysh/espresso/hs/hsstore"
	"github.com/PythonRysh/espresso/internal/echan"
	"github.com/PythonRysh/espresso/internal/elog"
)

// How many views ahead of the current one the kernel is willing
// to track proposals and buffer vote signatures for.
// Anything further out is indistinguishable from garbage
// until the chain catches up.
const futureViewHorizon = 8

// Orphaned blocks are held while their parents are fetched;
// past this many the oldest arrivals are simply dropped
// and will be re-fetched if they still matter.
const maxOrphanedBlocks = 32

// ViewTimer produces one-shot timers bounding how long the kernel
// lingers in a view before signing a timeout for it.
//
// The returned channel is closed when the timer fires;
// the returned func releases the timer early.
type ViewTimer interface {
	ViewTimer(view, highQCView uint64) (<-chan struct{}, func())
}

// KernelConfig is the configuration for a [Kernel].
// All stores, schemes, and the driver channels are required;
// Signer, ViewTimer, and the remaining channels are optional
// and their absence disables the corresponding behavior.
type KernelConfig struct {
	Genesis hsconsensus.Genesis

	BlockStore        hsstore.BlockStore
	SafetyStore       hsstore.SafetyStore
	PacemakerStore    hsstore.PacemakerStore
	FinalizationStore hsstore.FinalizationStore
	ValidatorStore    hsstore.ValidatorStore

	HashScheme                        hsconsensus.HashScheme
	SignatureScheme                   hsconsensus.SignatureScheme
	CommonMessageSignatureProofScheme ecrypto.CommonMessageSignatureProofScheme

	// Nil for a node that observes consensus without participating.
	Signer ecrypto.Signer

	// Required when Signer is set.
	ViewTimer ViewTimer

	// Requests from the engine's handler goroutines.
	CheckBlockRequests <-chan BlockCheckRequest
	AddBlockRequests   <-chan AddBlockRequest
	ViewLookupRequests <-chan ViewLookupRequest
	AddVoteRequests    <-chan AddVoteRequest
	AddTimeoutRequests <-chan AddTimeoutRequest

	// Channels owned by the driver.
	InitChainRequests     chan<- hsdriver.InitChainRequest
	FinalizeBlockRequests chan<- hsdriver.FinalizeBlockRequest
	ProposalRequests      chan<- hsdriver.ProposalRequest

	// Optional payload dissemination signals.
	// When nil, every proposal's payload is assumed available.
	PayloadArrivals <-chan hselink.PayloadArrival

	// Optional channel for requesting blocks the kernel
	// learned about only through certificates.
	FetchRequests chan<- hselink.BlockFetchRequest

	// Consumed by the gossip strategy.
	ViewUpdates chan<- hselink.ViewUpdate

	// Optional observer notifications, emitted in height order.
	BlockFinalizations chan<- hselink.BlockFinalization
}

// Kernel is the single goroutine owning all consensus state:
// the pacemaker, the safety rules, the block tree,
// and the proof accumulators for the current view.
//
// Expensive signature verification happens on the engine's
// handler goroutines; the kernel applies pre-verified content
// under version guards and decides what it means.
type Kernel struct {
	log *slog.Logger

	cfg KernelConfig

	chainID string

	currentView uint64
	entryTC     *hsconsensus.SparseTimeoutCertificate

	highQC *hsconsensus.SparseQuorumCertificate

	valSet hsconsensus.ValidatorSet
	quorum uint64

	safety safetyRules

	tree *blockTree

	// Current view accumulation.
	proposal        *hsconsensus.ProposedBlock
	votes           map[string]ecrypto.CommonMessageSignatureProof
	voteVersions    map[string]uint32
	timeouts        map[uint64]ecrypto.CommonMessageSignatureProof
	timeoutVersions map[uint64]uint32
	conflictWarned  bool

	futureViews map[uint64]*futureView

	// Blocks whose parents have not arrived, keyed by the missing parent hash.
	orphans  map[string][]AddBlockRequest
	nOrphans int

	arrivedPayloads map[string]struct{}

	gossipMgr     gossipViewManager
	gossipVersion uint64

	finNotifier finalizationNotifier
	fetcher     fetchRequester

	timerCh     <-chan struct{}
	timerCancel func()

	// Outstanding proposal request to the driver, if any.
	proposalResps       chan hsdriver.ProposalResponse
	pendingProposalView uint64

	done chan struct{}
}

// futureView buffers verified proofs for a view
// the kernel has not entered yet.
type futureView struct {
	votes    map[string]ecrypto.CommonMessageSignatureProof
	timeouts map[uint64]ecrypto.CommonMessageSignatureProof
}

// NewKernel loads or initializes the chain state and starts the kernel.
//
// When the pacemaker store is empty, the chain is initialized through
// an InitChainRequest, so the driver must already be receiving
// on its channels when NewKernel is called.
func NewKernel(ctx context.Context, log *slog.Logger, cfg KernelConfig) (*Kernel, error) {
	if cfg.Signer != nil && cfg.ViewTimer == nil {
		return nil, errors.New("KernelConfig.ViewTimer is required when a signer is set")
	}

	k := &Kernel{
		log: log,

		cfg: cfg,

		chainID: cfg.Genesis.ChainID,

		futureViews: make(map[uint64]*futureView),

		orphans: make(map[string][]AddBlockRequest),

		arrivedPayloads: make(map[string]struct{}),

		gossipMgr: newGossipViewManager(cfg.ViewUpdates),

		finNotifier: finalizationNotifier{out: cfg.BlockFinalizations},
		fetcher:     newFetchRequester(cfg.FetchRequests),

		done: make(chan struct{}),
	}

	if err := k.initialize(ctx); err != nil {
		return nil, err
	}

	go k.mainLoop(ctx)
	return k, nil
}

// Wait blocks until the kernel's main loop has returned.
func (k *Kernel) Wait() {
	<-k.done
}

func (k *Kernel) initialize(ctx context.Context) error {
	pv, entryTC, err := k.cfg.PacemakerStore.LoadPacemakerState(ctx)
	if err != nil {
		return fmt.Errorf("failed to load pacemaker state: %w", err)
	}

	if pv == 0 {
		return k.initializeChain(ctx)
	}
	return k.resume(ctx, pv, entryTC)
}

// initializeChain runs the one-time chain initialization exchange
// with the driver and enters the genesis document's initial view.
func (k *Kernel) initializeChain(ctx context.Context) error {
	g := k.cfg.Genesis
	if g.InitialView == 0 || g.InitialHeight == 0 {
		return fmt.Errorf(
			"genesis initial view and height must be positive (got view %d, height %d)",
			g.InitialView, g.InitialHeight,
		)
	}

	req := hsdriver.InitChainRequest{
		Genesis: g,

		Resp: make(chan hsdriver.InitChainResponse, 1),
	}
	resp, ok := echan.ReqResp(
		ctx, k.log, k.cfg.InitChainRequests, req, req.Resp,
		"initializing chain through driver",
	)
	if !ok {
		return fmt.Errorf("context canceled while initializing chain: %w", context.Cause(ctx))
	}

	if resp.Validators != nil {
		vs, err := hsconsensus.NewValidatorSet(resp.Validators, k.cfg.HashScheme)
		if err != nil {
			return fmt.Errorf("driver returned unusable genesis validators: %w", err)
		}
		g.ValidatorSet = vs
	}
	if resp.StateRoot != nil {
		g.CurrentStateRoot = resp.StateRoot
	}

	gBlock, err := g.Block(k.cfg.HashScheme)
	if err != nil {
		return fmt.Errorf("failed to build genesis block: %w", err)
	}

	if err := k.adoptValidatorSet(ctx, g.ValidatorSet); err != nil {
		return err
	}

	// Persisting the genesis block lets a restart rebuild the tree root
	// even before the first finalization lands.
	gpb := hsconsensus.ProposedBlock{Block: gBlock}
	if err := k.cfg.BlockStore.SaveProposedBlock(ctx, gpb); err != nil {
		return fmt.Errorf("failed to save genesis block: %w", err)
	}

	k.tree = newBlockTree(gpb)
	k.highQC = &hsconsensus.SparseQuorumCertificate{
		View:       gBlock.View,
		BlockHash:  slices.Clone(gBlock.Hash),
		PubKeyHash: string(g.ValidatorSet.PubKeyHash),
	}

	k.log.Info(
		"Initialized new chain",
		"chain_id", k.chainID,
		"initial_view", g.InitialView,
		"genesis_block_hash", elog.Hex(gBlock.Hash),
		"validators", len(g.ValidatorSet.Validators),
	)

	k.enterView(ctx, g.InitialView, nil)
	return nil
}

// resume rebuilds kernel state from the stores after a restart.
//
// Vote and timeout signatures accumulated for the interrupted view
// are deliberately not persisted; gossip refills them.
// The known high QC is rebuilt from the stored blocks' certificates,
// which can lag what the process knew before the crash.
// That only delays progress until the next certificate arrives.
func (k *Kernel) resume(ctx context.Context, pv uint64, entryTC *hsconsensus.SparseTimeoutCertificate) error {
	hv, lv, err := k.cfg.SafetyStore.LoadSafetyState(ctx)
	if err != nil {
		return fmt.Errorf("failed to load safety state: %w", err)
	}
	k.safety = safetyRules{highestVotedView: hv, lockedView: lv}

	finHeight, haveFin, err := k.findLatestFinalizedHeight(ctx)
	if err != nil {
		return err
	}

	var root hsconsensus.ProposedBlock
	if !haveFin {
		// Nothing finalized yet: the root is the genesis block,
		// persisted during chain initialization.
		gv := k.cfg.Genesis.InitialView - 1
		pbs, err := k.cfg.BlockStore.LoadProposedBlocksForView(ctx, gv)
		if err != nil {
			return fmt.Errorf("failed to load genesis block: %w", err)
		}
		if len(pbs) != 1 {
			return fmt.Errorf("expected exactly one stored block at genesis view %d, found %d", gv, len(pbs))
		}
		root = pbs[0]

		vs, err := k.loadValidatorSet(ctx, root.Block)
		if err != nil {
			return fmt.Errorf("failed to load genesis validator set: %w", err)
		}
		k.setValidatorSet(vs)
	} else {
		view, blockHash, valSet, stateRoot, err := k.cfg.FinalizationStore.LoadFinalizationByHeight(ctx, finHeight)
		if err != nil {
			return fmt.Errorf("failed to load finalization at height %d: %w", finHeight, err)
		}
		k.setValidatorSet(valSet)

		pb, err := k.cfg.BlockStore.LoadProposedBlock(ctx, blockHash)
		switch {
		case err == nil:
			root = pb
		case errors.Is(err, hsstore.ErrBlockNotFound):
			// Enough of a stub for linkage and justify resolution.
			root = hsconsensus.ProposedBlock{Block: hsconsensus.Block{
				Hash:      []byte(blockHash),
				ChainID:   k.chainID,
				View:      view,
				Height:    finHeight,
				StateRoot: []byte(stateRoot),

				ValidatorPubKeyHash:    slices.Clone(valSet.PubKeyHash),
				ValidatorVotePowerHash: slices.Clone(valSet.VotePowerHash),
			}}
		default:
			return fmt.Errorf("failed to load finalized block %x: %w", blockHash, err)
		}
	}

	k.tree = newBlockTree(root)

	if root.Block.Proposer == nil {
		// The genesis certificate is reconstructible without signatures.
		k.highQC = &hsconsensus.SparseQuorumCertificate{
			View:       root.Block.View,
			BlockHash:  slices.Clone(root.Block.Hash),
			PubKeyHash: string(root.Block.ValidatorPubKeyHash),
		}
	}

	// Setting the view before replay keeps the replayed certificates,
	// all from earlier views, from re-triggering view entry.
	k.currentView = pv

	// Reattach stored blocks above the root, oldest view first,
	// and replay their certificates to restore locks
	// and re-drive any finalizations lost in the crash.
	var reattached []hsconsensus.ProposedBlock
	for v := root.Block.View + 1; v <= pv; v++ {
		pbs, err := k.cfg.BlockStore.LoadProposedBlocksForView(ctx, v)
		if err != nil {
			return fmt.Errorf("failed to load blocks for view %d: %w", v, err)
		}
		for _, pb := range pbs {
			if !k.tree.Contains(string(pb.Block.ParentHash)) {
				continue
			}
			if err := k.tree.Add(pb); err != nil {
				k.log.Warn(
					"Skipping stored block that no longer attaches",
					"block_hash", elog.Hex(pb.Block.Hash),
					"err", err,
				)
				continue
			}
			reattached = append(reattached, pb)
		}
	}

	for _, pb := range reattached {
		k.observeCertificate(ctx, pb.Block.Justify)
	}

	k.log.Info(
		"Resumed chain",
		"chain_id", k.chainID,
		"view", pv,
		"finalized_height", finHeight,
		"reattached_blocks", len(reattached),
	)

	k.enterView(ctx, pv, entryTC)
	return nil
}

// findLatestFinalizedHeight locates the highest stored finalization
// by exponential probing and then a binary search.
// Finalizations are written in strict height order,
// so presence is monotone in height.
func (k *Kernel) findLatestFinalizedHeight(ctx context.Context) (uint64, bool, error) {
	present := func(h uint64) (bool, error) {
		_, _, _, _, err := k.cfg.FinalizationStore.LoadFinalizationByHeight(ctx, h)
		if err == nil {
			return true, nil
		}
		if errors.Is(err, hsstore.ErrFinalizationNotFound) {
			return false, nil
		}
		return false, fmt.Errorf("failed to probe finalization at height %d: %w", h, err)
	}

	base := k.cfg.Genesis.InitialHeight
	ok, err := present(base)
	if err != nil {
		return 0, false, err
	}
	if !ok {
		return 0, false, nil
	}

	lo := base
	var step uint64 = 1
	hi := lo + step
	for {
		if hi < lo {
			// Overflowed; no chain gets here.
			hi = ^uint64(0)
			break
		}
		ok, err := present(hi)
		if err != nil {
			return 0, false, err
		}
		if !ok {
			break
		}
		lo = hi
		step *= 2
		hi = lo + step
	}

	for hi-lo > 1 {
		mid := lo + (hi-lo)/2
		ok, err := present(mid)
		if err != nil {
			return 0, false, err
		}
		if ok {
			lo = mid
		} else {
			hi = mid
		}
	}

	return lo, true, nil
}

func (k *Kernel) mainLoop(ctx context.Context) {
	defer close(k.done)

	for {
		gso := k.gossipMgr.Output()
		fo := k.finNotifier.Output()
		fro := k.fetcher.Output()

		select {
		case <-ctx.Done():
			k.log.Info(
				"Kernel stopping",
				"view", k.currentView,
				"cause", context.Cause(ctx),
			)
			if k.timerCancel != nil {
				k.timerCancel()
			}
			return

		case req := <-k.cfg.CheckBlockRequests:
			k.handleCheckBlock(ctx, req)

		case req := <-k.cfg.AddBlockRequests:
			k.handleAddBlock(ctx, req)

		case req := <-k.cfg.ViewLookupRequests:
			k.handleViewLookup(req)

		case req := <-k.cfg.AddVoteRequests:
			k.handleAddVote(ctx, req)

		case req := <-k.cfg.AddTimeoutRequests:
			k.handleAddTimeout(ctx, req)

		case resp := <-k.proposalResps:
			k.handleProposalResponse(ctx, resp)

		case pa := <-k.cfg.PayloadArrivals:
			k.handlePayloadArrival(ctx, pa)

		case <-k.timerCh:
			k.handleViewTimeout(ctx)

		case gso.Ch <- gso.Val:
			gso.MarkSent()

		case fo.Ch <- fo.Val:
			fo.MarkSent()

		case fro.Ch <- fro.Val:
			fro.MarkSent()
		}
	}
}

// enterView moves the kernel into the given view,
// persisting the pacemaker state and resetting the per-view accumulators.
// entryTC is the certificate justifying the transition
// when the previous view timed out, nil when it produced a QC.
func (k *Kernel) enterView(ctx context.Context, view uint64, entryTC *hsconsensus.SparseTimeoutCertificate) {
	k.currentView = view
	k.entryTC = entryTC.Clone()

	// The pacemaker state is an optimization for restarts, not a safety
	// guard; on failure the kernel stays correct in memory
	// and a restart simply rejoins from an older view.
	if err := k.cfg.PacemakerStore.SavePacemakerState(ctx, view, k.entryTC); err != nil {
		k.log.Error("Failed to save pacemaker state", "view", view, "err", err)
	}

	k.proposal = nil
	k.votes = make(map[string]ecrypto.CommonMessageSignatureProof)
	k.voteVersions = make(map[string]uint32)
	k.timeouts = make(map[uint64]ecrypto.CommonMessageSignatureProof)
	k.timeoutVersions = make(map[uint64]uint32)
	k.conflictWarned = false

	k.proposalResps = nil
	k.pendingProposalView = 0

	if fv, ok := k.futureViews[view]; ok {
		for h, p := range fv.votes {
			if bytes.Equal(p.PubKeyHash(), k.valSet.PubKeyHash) {
				k.votes[h] = p
				k.voteVersions[h] = 1
			}
		}
		for hq, p := range fv.timeouts {
			if bytes.Equal(p.PubKeyHash(), k.valSet.PubKeyHash) {
				k.timeouts[hq] = p
				k.timeoutVersions[hq] = 1
			}
		}
	}
	for v := range k.futureViews {
		if v <= view {
			delete(k.futureViews, v)
		}
	}

	if n := k.proposalForView(view); n != nil {
		pb := n.pb
		k.proposal = &pb
	}

	if k.timerCancel != nil {
		k.timerCancel()
		k.timerCh, k.timerCancel = nil, nil
	}
	if k.cfg.Signer != nil {
		k.timerCh, k.timerCancel = k.cfg.ViewTimer.ViewTimer(view, k.highQCView())
	}

	k.log.Debug("Entered view", "view", view, "via_timeout", entryTC != nil)

	k.bumpGossip()

	k.maybeStartProposal(ctx)
	k.maybeVoteLocal(ctx)
	k.maybeFormQC(ctx)
	k.maybeFormTC(ctx)
}

// proposalForView finds the signed proposal for the given view
// among the tree's blocks, if any.
// Multiple signed blocks in one view mean the leader equivocated;
// the lowest hash wins, for determinism.
func (k *Kernel) proposalForView(view uint64) *blockNode {
	var best *blockNode
	for _, n := range k.tree.byHash {
		if n.pb.Block.View != view || n.pb.Signature == nil {
			continue
		}
		if best == nil || n.Hash() < best.Hash() {
			best = n
		}
	}
	return best
}

func (k *Kernel) highQCView() uint64 {
	if k.highQC != nil {
		return k.highQC.View
	}
	return k.tree.Root().pb.Block.View
}

// rootIsGenesis reports whether the tree root is the genesis block,
// as opposed to a finalized block the chain was resumed from.
// The root's own fields cannot answer this:
// a root rebuilt from a finalization record is only a stub.
func (k *Kernel) rootIsGenesis() bool {
	return k.tree.Root().pb.Block.Height+1 == k.cfg.Genesis.InitialHeight
}

func (k *Kernel) setValidatorSet(vs hsconsensus.ValidatorSet) {
	k.valSet = vs
	k.quorum = hsconsensus.QuorumThreshold(vs.TotalPower())
}

// adoptValidatorSet records vs as the current set
// and persists its key material for later cross-epoch lookups.
func (k *Kernel) adoptValidatorSet(ctx context.Context, vs hsconsensus.ValidatorSet) error {
	k.setValidatorSet(vs)

	if _, err := k.cfg.ValidatorStore.SavePubKeys(ctx, vs.PubKeys); err != nil {
		return fmt.Errorf("failed to save validator public keys: %w", err)
	}
	powers := make([]uint64, len(vs.Validators))
	for i, v := range vs.Validators {
		powers[i] = v.Power
	}
	if _, err := k.cfg.ValidatorStore.SaveVotePowers(ctx, powers); err != nil {
		return fmt.Errorf("failed to save validator vote powers: %w", err)
	}
	return nil
}

// loadValidatorSet resolves the validator set a block's hashes name,
// which is the current set for every block inside one epoch.
func (k *Kernel) loadValidatorSet(ctx context.Context, b hsconsensus.Block) (hsconsensus.ValidatorSet, error) {
	if bytes.Equal(b.ValidatorPubKeyHash, k.valSet.PubKeyHash) &&
		bytes.Equal(b.ValidatorVotePowerHash, k.valSet.VotePowerHash) {
		return k.valSet, nil
	}

	keys, err := k.cfg.ValidatorStore.LoadPubKeys(ctx, string(b.ValidatorPubKeyHash))
	if err != nil {
		return hsconsensus.ValidatorSet{}, fmt.Errorf("failed to load public keys: %w", err)
	}
	powers, err := k.cfg.ValidatorStore.LoadVotePowers(ctx, string(b.ValidatorVotePowerHash))
	if err != nil {
		return hsconsensus.ValidatorSet{}, fmt.Errorf("failed to load vote powers: %w", err)
	}
	if len(keys) != len(powers) {
		return hsconsensus.ValidatorSet{}, fmt.Errorf(
			"stored key and power counts disagree: %d keys, %d powers",
			len(keys), len(powers),
		)
	}

	vals := make([]hsconsensus.Validator, len(keys))
	for i := range keys {
		vals[i] = hsconsensus.Validator{PubKey: keys[i], Power: powers[i]}
	}
	return hsconsensus.NewValidatorSet(vals, k.cfg.HashScheme)
}

func (k *Kernel) bumpGossip() {
	k.gossipVersion++
	u := hselink.ViewUpdate{
		View:    k.currentView,
		Version: k.gossipVersion,

		HighQC:  k.highQC.Clone(),
		EntryTC: k.entryTC.Clone(),
	}
	if k.proposal != nil {
		pb := k.proposal.Clone()
		u.ProposedBlock = &pb
	}
	if len(k.votes) > 0 {
		sp, err := hsconsensus.VoteSparseProofFromFullProof(k.currentView, k.votes)
		if err != nil {
			k.log.Error("Failed to build sparse vote proof for gossip", "err", err)
		} else {
			u.VoteProofs = sp
		}
	}
	if len(k.timeouts) > 0 {
		full := hsconsensus.TimeoutProof{View: k.currentView, Proofs: k.timeouts}
		sp, err := full.AsSparse()
		if err != nil {
			k.log.Error("Failed to build sparse timeout proof for gossip", "err", err)
		} else {
			u.TimeoutProofs = sp
		}
	}
	k.gossipMgr.Set(u)
}

// --- Proposing.

func (k *Kernel) isLeader(view uint64) bool {
	if k.cfg.Signer == nil {
		return false
	}
	return k.valSet.Leader(view).PubKey.Equal(k.cfg.Signer.PubKey())
}

// maybeStartProposal asks the driver for payload content
// when the local validator leads the current view.
func (k *Kernel) maybeStartProposal(ctx context.Context) {
	if !k.isLeader(k.currentView) || k.cfg.ProposalRequests == nil {
		return
	}
	if k.proposal != nil || k.pendingProposalView == k.currentView {
		return
	}
	if k.highQC == nil {
		// Freshly resumed with no reconstructible certificate;
		// nothing can be extended until one arrives.
		k.log.Warn("Leading a view without a known high QC; not proposing", "view", k.currentView)
		return
	}
	parent, ok := k.tree.Node(string(k.highQC.BlockHash))
	if !ok {
		// The certified block itself has not arrived; a fetch is in flight.
		return
	}

	req := hsdriver.ProposalRequest{
		View:   k.currentView,
		Height: parent.pb.Block.Height + 1,

		ParentBlockHash: slices.Clone(parent.pb.Block.Hash),

		Resp: make(chan hsdriver.ProposalResponse, 1),
	}
	if !echan.SendC(ctx, k.log, k.cfg.ProposalRequests, req, "sending proposal request to driver") {
		return
	}

	k.proposalResps = req.Resp
	k.pendingProposalView = k.currentView
}

func (k *Kernel) handleProposalResponse(ctx context.Context, resp hsdriver.ProposalResponse) {
	k.proposalResps = nil
	stillCurrent := k.pendingProposalView == k.currentView
	k.pendingProposalView = 0
	if !stillCurrent {
		return
	}

	parent, ok := k.tree.Node(string(k.highQC.BlockHash))
	if !ok {
		return
	}

	b := hsconsensus.Block{
		ChainID: k.chainID,

		View:   k.currentView,
		Height: parent.pb.Block.Height + 1,

		ParentHash: slices.Clone(parent.pb.Block.Hash),

		Proposer: k.cfg.Signer.PubKey(),

		Justify: k.highQC.Clone(),

		DataID:    resp.DataID,
		StateRoot: resp.StateRoot,

		ValidatorPubKeyHash:    slices.Clone(k.valSet.PubKeyHash),
		ValidatorVotePowerHash: slices.Clone(k.valSet.VotePowerHash),
	}

	var err error
	b.Hash, err = k.cfg.HashScheme.Block(b)
	if err != nil {
		k.log.Error("Failed to hash own proposal", "err", err)
		return
	}

	content, err := hsconsensus.ProposalSignBytes(b, k.cfg.SignatureScheme)
	if err != nil {
		k.log.Error("Failed to build proposal signing content", "err", err)
		return
	}
	sig, err := k.cfg.Signer.Sign(ctx, content)
	if err != nil {
		k.log.Error("Failed to sign own proposal", "err", err)
		return
	}

	pb := hsconsensus.ProposedBlock{Block: b, Signature: sig}

	if err := k.tree.Add(pb); err != nil {
		k.log.Error("Failed to add own proposal to block tree", "err", err)
		return
	}
	if err := k.cfg.BlockStore.SaveProposedBlock(ctx, pb); err != nil {
		k.log.Error("Failed to save own proposal", "err", err)
	}

	k.proposal = &pb

	// The leader assembled the payload locally,
	// so it does not wait on a dissemination signal.
	if len(b.DataID) > 0 {
		k.arrivedPayloads[string(b.DataID)] = struct{}{}
	}

	k.log.Info(
		"Proposed block",
		"view", k.currentView,
		"height", b.Height,
		"block_hash", elog.Hex(b.Hash),
	)

	k.bumpGossip()
	k.maybeVoteLocal(ctx)
}

// --- Voting.

// maybeVoteLocal releases the local validator's vote
// for the current proposal, if all gates pass:
// payload availability and the safety rules.
//
// The safety state is persisted before the signature is produced;
// if the persist fails, the vote is withheld.
func (k *Kernel) maybeVoteLocal(ctx context.Context) {
	if k.cfg.Signer == nil || k.proposal == nil {
		return
	}
	b := k.proposal.Block

	if len(b.DataID) > 0 && k.cfg.PayloadArrivals != nil {
		if _, ok := k.arrivedPayloads[string(b.DataID)]; !ok {
			return
		}
	}

	if !k.safety.CanVoteFor(k.tree, b) {
		return
	}

	k.safety.highestVotedView = b.View
	if err := k.cfg.SafetyStore.SaveSafetyState(ctx, k.safety.highestVotedView, k.safety.lockedView); err != nil {
		k.log.Error("Failed to persist safety state; withholding vote", "view", b.View, "err", err)
		return
	}

	vt := hsconsensus.VoteTarget{
		ChainID:   k.chainID,
		View:      b.View,
		BlockHash: string(b.Hash),
	}
	msg, err := hsconsensus.VoteSignBytes(vt, k.cfg.SignatureScheme)
	if err != nil {
		k.log.Error("Failed to build vote signing content", "err", err)
		return
	}
	sig, err := k.cfg.Signer.Sign(ctx, msg)
	if err != nil {
		k.log.Error("Failed to sign vote", "err", err)
		return
	}

	h := string(b.Hash)
	proof, ok := k.votes[h]
	if !ok {
		proof, err = k.cfg.CommonMessageSignatureProofScheme.New(
			msg, k.valSet.PubKeys, string(k.valSet.PubKeyHash),
		)
		if err != nil {
			k.log.Error("Failed to build vote proof", "err", err)
			return
		}
		k.votes[h] = proof
	}
	if err := proof.AddSignature(sig, k.cfg.Signer.PubKey()); err != nil {
		k.log.Error("Failed to add own vote signature", "err", err)
		return
	}
	k.voteVersions[h]++

	k.log.Debug("Voted", "view", b.View, "block_hash", elog.Hex(b.Hash))

	k.bumpGossip()
	k.maybeFormQC(ctx)
}

// proofPower sums the vote power of the validators
// who have signed in the given proof.
func (k *Kernel) proofPower(p ecrypto.CommonMessageSignatureProof) uint64 {
	bits := bitset.New(uint(len(k.valSet.Validators)))
	p.SignatureBitSet(bits)

	var power uint64
	for i, v := range k.valSet.Validators {
		if bits.Test(uint(i)) {
			power += v.Power
		}
	}
	return power
}

// maybeFormQC checks each current-view vote accumulator
// against the quorum threshold and applies the certificate
// for the first block hash that crosses it.
func (k *Kernel) maybeFormQC(ctx context.Context) {
	for h, proof := range k.votes {
		if k.proofPower(proof) < k.quorum {
			continue
		}

		sp := proof.AsSparse()
		qc := &hsconsensus.SparseQuorumCertificate{
			View:       k.currentView,
			BlockHash:  []byte(h),
			PubKeyHash: sp.PubKeyHash,
			Signatures: sp.Signatures,
		}

		k.log.Info(
			"View certified",
			"view", qc.View,
			"block_hash", elog.Hex(qc.BlockHash),
		)

		k.observeCertificate(ctx, qc)
		return
	}
}

// maybeFormTC checks whether the accumulated timeout declarations,
// across all reported high QC views, reach the quorum threshold,
// and advances to the next view under the assembled certificate if so.
func (k *Kernel) maybeFormTC(ctx context.Context) {
	if len(k.timeouts) == 0 {
		return
	}

	n := uint(len(k.valSet.Validators))
	union := bitset.New(n)
	scratch := bitset.New(n)
	for _, proof := range k.timeouts {
		scratch.ClearAll()
		proof.SignatureBitSet(scratch)
		union.InPlaceUnion(scratch)
	}

	var power uint64
	for i, v := range k.valSet.Validators {
		if union.Test(uint(i)) {
			power += v.Power
		}
	}
	if power < k.quorum {
		return
	}

	sigs := make(map[uint64][]ecrypto.SparseSignature, len(k.timeouts))
	var pubKeyHash string
	for hq, proof := range k.timeouts {
		sp := proof.AsSparse()
		sigs[hq] = sp.Signatures
		pubKeyHash = sp.PubKeyHash
	}

	tc := &hsconsensus.SparseTimeoutCertificate{
		View:       k.currentView,
		PubKeyHash: pubKeyHash,
		Signatures: sigs,
	}

	k.log.Info("View timed out with certificate", "view", k.currentView)

	k.enterView(ctx, k.currentView+1, tc)
}

// observeCertificate folds a quorum certificate into the kernel state:
// the high QC, the safety lock, the three-chain commit rule,
// and finally the pacemaker.
func (k *Kernel) observeCertificate(ctx context.Context, qc *hsconsensus.SparseQuorumCertificate) {
	if qc == nil {
		return
	}

	if k.highQC == nil || qc.View > k.highQC.View {
		k.highQC = qc.Clone()
	}

	certified, ok := k.tree.Node(string(qc.BlockHash))
	if !ok {
		// Certified but never seen; without the content
		// nothing can be extended or committed.
		k.fetcher.Request(qc.View, string(qc.BlockHash))
	} else {
		if p := certified.parent; p != nil && p.pb.Block.View > k.safety.lockedView {
			k.safety.lockedView = p.pb.Block.View
			k.safety.lockedHash = p.Hash()
			if err := k.cfg.SafetyStore.SaveSafetyState(ctx, k.safety.highestVotedView, k.safety.lockedView); err != nil {
				k.log.Error("Failed to persist lock update", "err", err)
			}
		}

		// Three-chain commit: the certified block's grandparent commits
		// when the three views are consecutive.
		if b1 := certified.parent; b1 != nil && b1 != k.tree.Root() {
			if b2 := b1.parent; b2 != nil &&
				b1.pb.Block.View+1 == certified.pb.Block.View &&
				b2.pb.Block.View+1 == b1.pb.Block.View &&
				b2 != k.tree.Root() {
				k.commitTo(ctx, b2)
			}
		}
	}

	if qc.View >= k.currentView {
		k.enterView(ctx, qc.View+1, nil)
	} else {
		k.bumpGossip()
	}
}

// --- Committing.

// commitTo finalizes every uncommitted ancestor up to and including n,
// oldest first, then reroots the tree at n.
func (k *Kernel) commitTo(ctx context.Context, n *blockNode) {
	for _, m := range k.tree.UncommittedAncestry(n) {
		if !k.finalizeBlock(ctx, m) {
			return
		}
	}

	dropped := k.tree.SetRoot(n)
	for _, d := range dropped {
		delete(k.arrivedPayloads, string(d.Block.DataID))
		k.fetcher.Forget(string(d.Block.Hash))
	}

	// Orphans whose branches can no longer attach are dead weight.
	rootHeight := n.pb.Block.Height
	for parentHash, kids := range k.orphans {
		live := kids[:0]
		for _, kid := range kids {
			if kid.PB.Block.Height > rootHeight+1 {
				live = append(live, kid)
			}
		}
		k.nOrphans -= len(kids) - len(live)
		if len(live) == 0 {
			delete(k.orphans, parentHash)
		} else {
			k.orphans[parentHash] = live
		}
	}
}

// finalizeBlock hands one committed block to the driver
// and records the result.
// It reports false only when the context was canceled mid-exchange.
func (k *Kernel) finalizeBlock(ctx context.Context, n *blockNode) bool {
	b := n.pb.Block

	req := hsdriver.FinalizeBlockRequest{
		Block: b.Clone(),

		Resp: make(chan hsdriver.FinalizeBlockResponse, 1),
	}
	resp, ok := echan.ReqResp(
		ctx, k.log, k.cfg.FinalizeBlockRequests, req, req.Resp,
		"finalizing block through driver",
	)
	if !ok {
		return false
	}

	effective := k.valSet
	if resp.Validators != nil {
		vs, err := hsconsensus.NewValidatorSet(resp.Validators, k.cfg.HashScheme)
		if err != nil {
			k.log.Error("Driver returned unusable validator set; keeping current", "height", b.Height, "err", err)
		} else {
			effective = vs
			if !vs.Equal(k.valSet) {
				if err := k.adoptValidatorSet(ctx, vs); err != nil {
					k.log.Error("Failed to persist reconfigured validator set", "err", err)
				}
				k.log.Info(
					"Validator set reconfigured",
					"height", b.Height,
					"validators", len(vs.Validators),
				)
			}
		}
	}

	err := k.cfg.FinalizationStore.SaveFinalization(
		ctx, b.Height, b.View, string(b.Hash), effective, string(resp.StateRoot),
	)
	if err != nil {
		// Resume re-drives unrecorded finalizations,
		// and the driver deduplicates by height, so keep going.
		k.log.Error("Failed to save finalization", "height", b.Height, "err", err)
	}

	k.finNotifier.Append(hselink.BlockFinalization{
		Height: b.Height,
		View:   b.View,

		BlockHash: slices.Clone(b.Hash),

		StateRoot: slices.Clone(resp.StateRoot),
	})

	delete(k.arrivedPayloads, string(b.DataID))

	k.log.Info(
		"Finalized block",
		"height", b.Height,
		"view", b.View,
		"block_hash", elog.Hex(b.Hash),
	)

	return true
}

// --- Timeouts.

func (k *Kernel) handleViewTimeout(ctx context.Context) {
	k.timerCh = nil
	k.timerCancel = nil

	if k.cfg.Signer == nil {
		return
	}

	hq := k.highQCView()
	tr := hsconsensus.TimeoutRecord{
		ChainID: k.chainID,

		View: k.currentView,

		HighQCView: hq,
	}
	msg, err := hsconsensus.TimeoutSignBytes(tr, k.cfg.SignatureScheme)
	if err != nil {
		k.log.Error("Failed to build timeout signing content", "err", err)
		return
	}
	sig, err := k.cfg.Signer.Sign(ctx, msg)
	if err != nil {
		k.log.Error("Failed to sign timeout", "err", err)
		return
	}

	proof, ok := k.timeouts[hq]
	if !ok {
		proof, err = k.cfg.CommonMessageSignatureProofScheme.New(
			msg, k.valSet.PubKeys, string(k.valSet.PubKeyHash),
		)
		if err != nil {
			k.log.Error("Failed to build timeout proof", "err", err)
			return
		}
		k.timeouts[hq] = proof
	}
	if err := proof.AddSignature(sig, k.cfg.Signer.PubKey()); err != nil {
		k.log.Error("Failed to add own timeout signature", "err", err)
		return
	}
	k.timeoutVersions[hq]++

	k.log.Info("View timed out locally", "view", k.currentView, "high_qc_view", hq)

	k.bumpGossip()
	k.maybeFormTC(ctx)
}

// --- Requests from the handler goroutines.

func (k *Kernel) handleCheckBlock(ctx context.Context, req BlockCheckRequest) {
	b := req.PB.Block

	var resp BlockCheckResponse
	switch {
	case b.ChainID != k.chainID:
		resp.Status = BlockCheckSignerUnrecognized

	case k.tree.Contains(string(b.Hash)):
		resp.Status = BlockCheckAlreadyHaveBlock

	case b.View < k.currentView:
		// Out-of-window blocks skip the remaining checks;
		// leader rotation against the current validator set
		// has nothing to say about other epochs' views.
		resp.Status = BlockCheckViewTooOld

	case b.View > k.currentView+futureViewHorizon:
		resp.Status = BlockCheckViewTooFarInFuture

	case !bytes.Equal(b.ValidatorPubKeyHash, k.valSet.PubKeyHash) ||
		!bytes.Equal(b.ValidatorVotePowerHash, k.valSet.VotePowerHash):
		resp.Status = BlockCheckBadValidatorHashes

	default:
		leader := k.valSet.Leader(b.View)
		if b.Proposer == nil || !leader.PubKey.Equal(b.Proposer) {
			resp.Status = BlockCheckSignerUnrecognized
			break
		}

		resp.Status = BlockCheckAcceptable
		resp.ProposerPubKey = leader.PubKey

		if k.rootIsGenesis() && string(b.ParentHash) == k.tree.Root().Hash() {
			resp.GenesisJustify = true
			resp.GenesisView = k.tree.Root().pb.Block.View
		} else if parent, ok := k.tree.Node(string(b.ParentHash)); ok {
			vs, err := k.loadValidatorSet(ctx, parent.pb.Block)
			if err != nil {
				// Treat an unresolvable parent set like a missing parent;
				// the justify gets re-examined at attach time.
				k.log.Warn(
					"Failed to resolve parent validator set",
					"parent_hash", elog.Hex(parent.pb.Block.Hash),
					"err", err,
				)
			} else {
				resp.ParentKnown = true
				resp.ParentValSet = vs
			}
		}
	}

	req.Resp <- resp
}

// handleAddBlock accepts blocks from any view,
// not just the window the check stage enforces for live gossip.
// Fetched ancestors and far-future evidence of a chain
// that left this node behind both arrive here,
// and both are how the node catches back up:
// orphans trigger fetches for their missing parents,
// and the backward walk terminates at the tree.
func (k *Kernel) handleAddBlock(ctx context.Context, req AddBlockRequest) {
	b := req.PB.Block
	if k.tree.Contains(string(b.Hash)) {
		return
	}
	if b.Justify == nil {
		return
	}
	if b.Height <= k.tree.Root().pb.Block.Height {
		// Can only be a stale branch below the committed root.
		return
	}

	if !k.tree.Contains(string(b.ParentHash)) {
		if k.nOrphans >= maxOrphanedBlocks {
			k.log.Warn("Dropping orphaned block; too many already held", "block_hash", elog.Hex(b.Hash))
			return
		}
		ph := string(b.ParentHash)
		for _, held := range k.orphans[ph] {
			if bytes.Equal(held.PB.Block.Hash, b.Hash) {
				return
			}
		}
		k.orphans[ph] = append(k.orphans[ph], req)
		k.nOrphans++

		// The justify certifies the parent, so its view
		// names the view the parent was proposed in.
		k.fetcher.Request(b.Justify.View, ph)
		return
	}

	k.attachBlock(ctx, req)
}

// attachBlock links a verified block into the tree and reacts to it:
// certificate observation, proposal adoption, and orphan resolution.
func (k *Kernel) attachBlock(ctx context.Context, req AddBlockRequest) {
	pb := req.PB
	b := pb.Block

	if !req.JustifyVerified {
		if err := k.verifyJustifyLate(ctx, b); err != nil {
			k.log.Warn(
				"Dropping block whose deferred justify verification failed",
				"block_hash", elog.Hex(b.Hash),
				"err", err,
			)
			return
		}
	}

	if err := k.tree.Add(pb); err != nil {
		k.log.Warn("Rejecting block that does not attach", "block_hash", elog.Hex(b.Hash), "err", err)
		return
	}
	if err := k.cfg.BlockStore.SaveProposedBlock(ctx, pb); err != nil {
		k.log.Error("Failed to save proposed block", "block_hash", elog.Hex(b.Hash), "err", err)
	}

	h := string(b.Hash)
	k.fetcher.Forget(h)

	k.observeCertificate(ctx, b.Justify)

	if b.View == k.currentView && k.proposal == nil {
		cp := pb
		k.proposal = &cp
		k.bumpGossip()
		k.maybeVoteLocal(ctx)
	}

	if kids, ok := k.orphans[h]; ok {
		delete(k.orphans, h)
		k.nOrphans -= len(kids)
		for _, kid := range kids {
			k.attachBlock(ctx, kid)
		}
	}
}

// verifyJustifyLate verifies a justifying certificate
// that the handler could not check because the parent was unknown then.
func (k *Kernel) verifyJustifyLate(ctx context.Context, b hsconsensus.Block) error {
	parent, ok := k.tree.Node(string(b.ParentHash))
	if !ok {
		return errors.New("parent disappeared before verification")
	}

	if parent == k.tree.Root() && k.rootIsGenesis() {
		// Extending genesis: the certificate carries no signatures.
		if len(b.Justify.Signatures) != 0 || b.Justify.View != parent.pb.Block.View {
			return errors.New("malformed genesis certificate")
		}
		return nil
	}
	vs, err := k.loadValidatorSet(ctx, parent.pb.Block)
	if err != nil {
		return err
	}
	return hsconsensus.VerifyQuorumCertificate(
		*b.Justify, k.chainID, vs,
		k.cfg.SignatureScheme, k.cfg.CommonMessageSignatureProofScheme,
	)
}

func (k *Kernel) handleViewLookup(req ViewLookupRequest) {
	var resp ViewLookupResponse

	switch {
	case req.View == k.currentView:
		resp.Status = ViewCurrent
		resp.ValSet = k.valSet
		resp.VoteState = k.snapshotVoteState()

	case req.View < k.currentView:
		resp.Status = ViewPast

	case req.View <= k.currentView+futureViewHorizon:
		resp.Status = ViewFuture
		resp.ValSet = k.valSet

	default:
		resp.Status = ViewFarFuture
	}

	req.Resp <- resp
}

func (k *Kernel) snapshotVoteState() *ViewVoteSnapshot {
	s := &ViewVoteSnapshot{
		View: k.currentView,

		ValSet: k.valSet,

		VoteProofs:   make(map[string]ecrypto.CommonMessageSignatureProof, len(k.votes)),
		VoteVersions: make(map[string]uint32, len(k.voteVersions)),

		TimeoutProofs:   make(map[uint64]ecrypto.CommonMessageSignatureProof, len(k.timeouts)),
		TimeoutVersions: make(map[uint64]uint32, len(k.timeoutVersions)),
	}
	for h, p := range k.votes {
		s.VoteProofs[h] = p.Clone()
		s.VoteVersions[h] = k.voteVersions[h]
	}
	for hq, p := range k.timeouts {
		s.TimeoutProofs[hq] = p.Clone()
		s.TimeoutVersions[hq] = k.timeoutVersions[hq]
	}
	return s
}

func (k *Kernel) handleAddVote(ctx context.Context, req AddVoteRequest) {
	if req.View < k.currentView {
		req.Response <- AddVoteOutOfDate
		return
	}

	if req.View > k.currentView {
		if req.View > k.currentView+futureViewHorizon {
			req.Response <- AddVoteOutOfDate
			return
		}
		fv := k.ensureFutureView(req.View)
		for h, u := range req.VoteUpdates {
			if cur, ok := fv.votes[h]; ok {
				cur.Merge(u.Proof)
			} else {
				fv.votes[h] = u.Proof
			}
		}
		req.Response <- AddVoteAccepted
		return
	}

	for h, u := range req.VoteUpdates {
		if k.voteVersions[h] != u.PrevVersion {
			req.Response <- AddVoteConflict
			return
		}
	}
	for h, u := range req.VoteUpdates {
		k.votes[h] = u.Proof
		k.voteVersions[h] = u.PrevVersion + 1
	}
	req.Response <- AddVoteAccepted

	k.warnOnConflictingVotes()
	k.bumpGossip()
	k.maybeFormQC(ctx)
}

func (k *Kernel) handleAddTimeout(ctx context.Context, req AddTimeoutRequest) {
	if req.View < k.currentView {
		req.Response <- AddVoteOutOfDate
		return
	}

	if req.View > k.currentView {
		if req.View > k.currentView+futureViewHorizon {
			req.Response <- AddVoteOutOfDate
			return
		}
		fv := k.ensureFutureView(req.View)
		for hq, u := range req.TimeoutUpdates {
			if cur, ok := fv.timeouts[hq]; ok {
				cur.Merge(u.Proof)
			} else {
				fv.timeouts[hq] = u.Proof
			}
		}
		req.Response <- AddVoteAccepted
		return
	}

	for hq, u := range req.TimeoutUpdates {
		if k.timeoutVersions[hq] != u.PrevVersion {
			req.Response <- AddVoteConflict
			return
		}
	}
	for hq, u := range req.TimeoutUpdates {
		k.timeouts[hq] = u.Proof
		k.timeoutVersions[hq] = u.PrevVersion + 1
	}
	req.Response <- AddVoteAccepted

	k.bumpGossip()
	k.maybeFormTC(ctx)
}

func (k *Kernel) ensureFutureView(view uint64) *futureView {
	fv, ok := k.futureViews[view]
	if !ok {
		fv = &futureView{
			votes:    make(map[string]ecrypto.CommonMessageSignatureProof),
			timeouts: make(map[uint64]ecrypto.CommonMessageSignatureProof),
		}
		k.futureViews[view] = fv
	}
	return fv
}

// warnOnConflictingVotes logs, once per view, when some validator
// has signed votes for more than one block in the current view.
func (k *Kernel) warnOnConflictingVotes() {
	if k.conflictWarned || len(k.votes) < 2 {
		return
	}

	n := uint(len(k.valSet.Validators))
	seen := bitset.New(n)
	scratch := bitset.New(n)
	for _, proof := range k.votes {
		scratch.ClearAll()
		proof.SignatureBitSet(scratch)
		if seen.IntersectionCardinality(scratch) > 0 {
			k.log.Warn(
				"Validator voted for conflicting blocks",
				"view", k.currentView,
			)
			k.conflictWarned = true
			return
		}
		seen.InPlaceUnion(scratch)
	}
}

func (k *Kernel) handlePayloadArrival(ctx context.Context, pa hselink.PayloadArrival) {
	if pa.DataID == "" {
		return
	}
	k.arrivedPayloads[pa.DataID] = struct{}{}
	k.maybeVoteLocal(ctx)
}
