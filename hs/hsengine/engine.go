package hsengine

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/trace"

	"github.com/PythonRysh/espresso/ecrypto"
	"github.com/PythonRysh/espresso/hs/hsconsensus"
	"github.com/PythonRysh/espresso/hs/hsdriver"
	"github.com/PythonRysh/espresso/hs/hsengine/internal/hsi"
	"github.com/PythonRysh/espresso/hs/hselink"
	"github.com/PythonRysh/espresso/hs/hsgossip"
	"github.com/PythonRysh/espresso/hs/hsstore"
	"github.com/PythonRysh/espresso/internal/echan"
)

// Engine drives chained HotStuff consensus for one chain.
//
// All state lives in an internal kernel goroutine;
// the exported handler methods are safe for concurrent use
// and perform signature verification on the calling goroutine,
// so the kernel never serializes behind expensive crypto.
type Engine struct {
	log *slog.Logger

	genesis *hsconsensus.Genesis

	blockStore        hsstore.BlockStore
	safetyStore       hsstore.SafetyStore
	pacemakerStore    hsstore.PacemakerStore
	finalizationStore hsstore.FinalizationStore
	validatorStore    hsstore.ValidatorStore

	hashScheme hsconsensus.HashScheme
	sigScheme  hsconsensus.SignatureScheme
	cmspScheme ecrypto.CommonMessageSignatureProofScheme

	signer    ecrypto.Signer
	viewTimer hsi.ViewTimer

	gossipStrategy hsgossip.Strategy

	initChainRequests     chan<- hsdriver.InitChainRequest
	finalizeBlockRequests chan<- hsdriver.FinalizeBlockRequest
	proposalRequests      chan<- hsdriver.ProposalRequest

	payloadArrivals           <-chan hselink.PayloadArrival
	fetcher                   *hselink.ProposedBlockFetcher
	finalizationNotifications chan<- hselink.BlockFinalization

	kernel *hsi.Kernel

	checkBlockRequests chan hsi.BlockCheckRequest
	addBlockRequests   chan hsi.AddBlockRequest
	viewLookupRequests chan hsi.ViewLookupRequest
	addVoteRequests    chan hsi.AddVoteRequest
	addTimeoutRequests chan hsi.AddTimeoutRequest

	gossipUpdates chan hselink.ViewUpdate

	fetchForwardDone chan struct{}
}

var _ hsconsensus.ConsensusHandler = (*Engine)(nil)

// New returns an initialized Engine
// whose background work is bounded by ctx.
//
// When the configured stores are empty,
// construction includes the chain initialization exchange
// with the driver, so the driver must already be receiving
// on its channels when New is called.
func New(ctx context.Context, log *slog.Logger, opts ...Opt) (*Engine, error) {
	e := &Engine{log: log}
	for _, opt := range opts {
		if err := opt(e); err != nil {
			return nil, err
		}
	}

	if err := e.validateSettings(); err != nil {
		return nil, err
	}

	// Buffer sizes match the request patterns.
	// Checks and vote adds block on a kernel response anyway.
	// Add-block is fire-and-forget, so it gets room
	// before applying backpressure.
	// The lookup buffer lets the kernel move on
	// while the caller prepares its merge work.
	e.checkBlockRequests = make(chan hsi.BlockCheckRequest)
	e.addBlockRequests = make(chan hsi.AddBlockRequest, 8)
	e.viewLookupRequests = make(chan hsi.ViewLookupRequest, 1)
	e.addVoteRequests = make(chan hsi.AddVoteRequest)
	e.addTimeoutRequests = make(chan hsi.AddTimeoutRequest)

	e.gossipUpdates = make(chan hselink.ViewUpdate)

	cfg := hsi.KernelConfig{
		Genesis: *e.genesis,

		BlockStore:        e.blockStore,
		SafetyStore:       e.safetyStore,
		PacemakerStore:    e.pacemakerStore,
		FinalizationStore: e.finalizationStore,
		ValidatorStore:    e.validatorStore,

		HashScheme:                        e.hashScheme,
		SignatureScheme:                   e.sigScheme,
		CommonMessageSignatureProofScheme: e.cmspScheme,

		Signer:    e.signer,
		ViewTimer: e.viewTimer,

		CheckBlockRequests: e.checkBlockRequests,
		AddBlockRequests:   e.addBlockRequests,
		ViewLookupRequests: e.viewLookupRequests,
		AddVoteRequests:    e.addVoteRequests,
		AddTimeoutRequests: e.addTimeoutRequests,

		InitChainRequests:     e.initChainRequests,
		FinalizeBlockRequests: e.finalizeBlockRequests,
		ProposalRequests:      e.proposalRequests,

		PayloadArrivals: e.payloadArrivals,

		ViewUpdates: e.gossipUpdates,

		BlockFinalizations: e.finalizationNotifications,
	}
	if e.fetcher != nil {
		cfg.FetchRequests = e.fetcher.FetchRequests
	}

	k, err := hsi.NewKernel(ctx, e.log.With("sys", "kernel"), cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to start kernel: %w", err)
	}
	e.kernel = k

	e.gossipStrategy.Start(e.gossipUpdates)

	e.fetchForwardDone = make(chan struct{})
	if e.fetcher != nil {
		go e.forwardFetchedBlocks(ctx)
	} else {
		close(e.fetchForwardDone)
	}

	return e, nil
}

func (e *Engine) validateSettings() error {
	var err error

	if e.genesis == nil {
		err = errors.Join(err, errors.New("no genesis set: use WithGenesis"))
	}

	if e.blockStore == nil {
		err = errors.Join(err, errors.New("no block store set: use WithBlockStore"))
	}
	if e.safetyStore == nil {
		err = errors.Join(err, errors.New("no safety store set: use WithSafetyStore"))
	}
	if e.pacemakerStore == nil {
		err = errors.Join(err, errors.New("no pacemaker store set: use WithPacemakerStore"))
	}
	if e.finalizationStore == nil {
		err = errors.Join(err, errors.New("no finalization store set: use WithFinalizationStore"))
	}
	if e.validatorStore == nil {
		err = errors.Join(err, errors.New("no validator store set: use WithValidatorStore"))
	}

	if e.hashScheme == nil {
		err = errors.Join(err, errors.New("no hash scheme set: use WithHashScheme"))
	}
	if e.sigScheme == nil {
		err = errors.Join(err, errors.New("no signature scheme set: use WithSignatureScheme"))
	}
	if e.cmspScheme == nil {
		err = errors.Join(err, errors.New("no signature proof scheme set: use WithCommonMessageSignatureProofScheme"))
	}

	if e.gossipStrategy == nil {
		err = errors.Join(err, errors.New("no gossip strategy set: use WithGossipStrategy"))
	}

	if e.initChainRequests == nil {
		err = errors.Join(err, errors.New("no init chain channel set: use WithInitChainChannel"))
	}
	if e.finalizeBlockRequests == nil {
		err = errors.Join(err, errors.New("no block finalization channel set: use WithBlockFinalizationChannel"))
	}

	if e.signer != nil {
		if e.viewTimer == nil {
			err = errors.Join(err, errors.New("signer set without timeout strategy: use WithTimeoutStrategy"))
		}
		if e.proposalRequests == nil {
			err = errors.Join(err, errors.New("signer set without proposal channel: use WithProposalRequestChannel"))
		}
	}

	return err
}

// Wait blocks until the engine's background goroutines have stopped,
// which happens when the context given to [New] is canceled.
func (e *Engine) Wait() {
	e.kernel.Wait()
	<-e.fetchForwardDone
}

// forwardFetchedBlocks feeds blocks retrieved by the fetcher
// through the same verification path as blocks from gossip.
func (e *Engine) forwardFetchedBlocks(ctx context.Context) {
	defer close(e.fetchForwardDone)

	for {
		pb, ok := echan.RecvC(ctx, e.log, e.fetcher.FetchedBlocks, "receiving fetched block")
		if !ok {
			return
		}

		if err := e.handleFetchedBlock(ctx, pb); err != nil {
			e.log.Debug("Dropping fetched block", "err", err)
		}
	}
}

// handleFetchedBlock forwards an explicitly requested block
// to the kernel, checking only content integrity;
// the kernel verifies the justify once the block attaches,
// and the requesting child's certificate covers the rest.
func (e *Engine) handleFetchedBlock(ctx context.Context, pb hsconsensus.ProposedBlock) error {
	if pb.Block.ChainID != e.genesis.ChainID {
		return fmt.Errorf("fetched block names chain %q", pb.Block.ChainID)
	}
	if pb.Block.Justify == nil {
		return errors.New("fetched block has no justify")
	}

	wantHash, err := e.hashScheme.Block(pb.Block)
	if err != nil {
		return fmt.Errorf("failed to hash fetched block: %w", err)
	}
	if !bytes.Equal(wantHash, pb.Block.Hash) {
		return errors.New("fetched block hash does not match content")
	}

	_ = echan.SendC(
		ctx, e.log,
		e.addBlockRequests, hsi.AddBlockRequest{PB: pb},
		"requesting fetched block to be added",
	)
	return nil
}

func (e *Engine) HandleProposedBlock(ctx context.Context, pb hsconsensus.ProposedBlock) hsconsensus.HandleProposedBlockResult {
	defer trace.StartRegion(ctx, "HandleProposedBlock").End()

	// Early checks that don't need the kernel.
	if pb.Block.Proposer == nil {
		return hsconsensus.HandleProposedBlockMissingProposerPubKey
	}
	if pb.Block.Justify == nil {
		// Only the locally derived genesis block lacks a certificate,
		// and the genesis block is never proposed.
		return hsconsensus.HandleProposedBlockBadJustifyTarget
	}

	req := hsi.BlockCheckRequest{
		PB:   pb,
		Resp: make(chan hsi.BlockCheckResponse, 1),
	}
	checkResp, ok := echan.ReqResp(
		ctx, e.log,
		e.checkBlockRequests, req,
		req.Resp,
		"HandleProposedBlock:BlockCheck",
	)
	if !ok {
		return hsconsensus.HandleProposedBlockInternalError
	}

	switch checkResp.Status {
	case hsi.BlockCheckAcceptable:
		// Okay.
	case hsi.BlockCheckAlreadyHaveBlock:
		return hsconsensus.HandleProposedBlockAlreadyStored
	case hsi.BlockCheckSignerUnrecognized:
		return hsconsensus.HandleProposedBlockSignerUnrecognized
	case hsi.BlockCheckBadValidatorHashes:
		return hsconsensus.HandleProposedBlockBadValidatorHashes
	case hsi.BlockCheckViewTooOld:
		return e.forwardBlockEvidence(ctx, pb, hsconsensus.HandleProposedBlockViewTooOld)
	case hsi.BlockCheckViewTooFarInFuture:
		return e.forwardBlockEvidence(ctx, pb, hsconsensus.HandleProposedBlockViewTooFarInFuture)
	default:
		panic(fmt.Errorf("BUG: unhandled block check status %s", checkResp.Status))
	}

	// Hash first; it is the cheaper of the two content checks.
	wantHash, err := e.hashScheme.Block(pb.Block)
	if err != nil {
		return hsconsensus.HandleProposedBlockInternalError
	}
	if !bytes.Equal(wantHash, pb.Block.Hash) {
		// This message should not be on the network.
		return hsconsensus.HandleProposedBlockBadBlockHash
	}

	signContent, err := hsconsensus.ProposalSignBytes(pb.Block, e.sigScheme)
	if err != nil {
		return hsconsensus.HandleProposedBlockInternalError
	}
	if !checkResp.ProposerPubKey.Verify(signContent, pb.Signature) {
		return hsconsensus.HandleProposedBlockBadSignature
	}

	// The justifying certificate must target the parent,
	// regardless of whether the parent is known yet.
	j := *pb.Block.Justify
	if !bytes.Equal(j.BlockHash, pb.Block.ParentHash) {
		return hsconsensus.HandleProposedBlockBadJustifyTarget
	}

	justifyVerified := false
	switch {
	case checkResp.GenesisJustify:
		// Extending genesis: every validator derives the same block
		// from the genesis document, so the certificate is
		// a signature-free assertion of its view.
		if j.View != checkResp.GenesisView || len(j.Signatures) != 0 {
			return hsconsensus.HandleProposedBlockBadJustifyTarget
		}
		justifyVerified = true

	case checkResp.ParentKnown:
		res := e.verifyJustify(j, checkResp.ParentValSet)
		if res != hsconsensus.HandleProposedBlockAccepted {
			return res
		}
		justifyVerified = true

	default:
		// Parent unknown; the kernel re-verifies at attach time.
	}

	// Fire-and-forget; the add channel's buffer makes blocking unlikely,
	// and if it does block, that is effective backpressure.
	_ = echan.SendC(
		ctx, e.log,
		e.addBlockRequests, hsi.AddBlockRequest{PB: pb, JustifyVerified: justifyVerified},
		"requesting proposed block to be added",
	)

	return hsconsensus.HandleProposedBlockAccepted
}

// verifyJustify checks a justifying certificate against the validator set
// that voted on the certified block,
// returning Accepted or the specific failure.
func (e *Engine) verifyJustify(j hsconsensus.SparseQuorumCertificate, vs hsconsensus.ValidatorSet) hsconsensus.HandleProposedBlockResult {
	if string(vs.PubKeyHash) != j.PubKeyHash {
		return hsconsensus.HandleProposedBlockBadJustifyPubKeyHash
	}

	full, err := j.ToFull(e.genesis.ChainID, vs, e.sigScheme)
	if err != nil {
		return hsconsensus.HandleProposedBlockInternalError
	}

	blockHash := string(j.BlockHash)
	hashesBySignContent := map[string]string{
		string(full.Proof.MainMessage): blockHash,
	}

	signBitsByHash, allUnique := e.cmspScheme.ValidateFinalizedProof(full.Proof, hashesBySignContent)
	if !allUnique {
		return hsconsensus.HandleProposedBlockBadJustifyDoubleSigned
	}
	if signBitsByHash == nil {
		return hsconsensus.HandleProposedBlockBadJustifySignature
	}

	var certPower, totalPower uint64
	sigBits := signBitsByHash[blockHash]
	for i, v := range vs.Validators {
		totalPower += v.Power
		if sigBits != nil && sigBits.Test(uint(i)) {
			certPower += v.Power
		}
	}
	if certPower < hsconsensus.QuorumThreshold(totalPower) {
		return hsconsensus.HandleProposedBlockBadJustifyVoteCount
	}

	return hsconsensus.HandleProposedBlockAccepted
}

// forwardBlockEvidence hands an out-of-window block to the kernel
// after an integrity check, returning res unchanged.
//
// Blocks outside the live window are how a node discovers
// it has fallen behind: their certificates name chain state
// this node has not seen.
// The proposer signature is deliberately not checked here;
// leader rotation for another epoch's view is not computable locally,
// and attach-time certificate verification authenticates the chain
// content instead.
func (e *Engine) forwardBlockEvidence(ctx context.Context, pb hsconsensus.ProposedBlock, res hsconsensus.HandleProposedBlockResult) hsconsensus.HandleProposedBlockResult {
	wantHash, err := e.hashScheme.Block(pb.Block)
	if err != nil || !bytes.Equal(wantHash, pb.Block.Hash) {
		return res
	}

	_ = echan.SendC(
		ctx, e.log,
		e.addBlockRequests, hsi.AddBlockRequest{PB: pb},
		"requesting out-of-window block to be added",
	)

	return res
}

func (e *Engine) HandleVoteProofs(ctx context.Context, p hsconsensus.VoteSparseProof) hsconsensus.HandleVoteProofsResult {
	defer trace.StartRegion(ctx, "HandleVoteProofs").End()

	// NOTE: keep changes to this method synchronized with HandleTimeoutProofs.

	if len(p.Proofs) == 0 {
		// Why was this even sent?
		return hsconsensus.HandleVoteProofsEmpty
	}

	try := 1

	vlReq := hsi.ViewLookupRequest{
		View: p.View,

		Reason: "(*Engine).HandleVoteProofs",

		Resp: make(chan hsi.ViewLookupResponse, 1),
	}

RETRY:
	vlResp, ok := echan.ReqResp(
		ctx, e.log,
		e.viewLookupRequests, vlReq,
		vlReq.Resp,
		"HandleVoteProofs",
	)
	if !ok {
		return hsconsensus.HandleVoteProofsInternalError
	}

	switch vlResp.Status {
	case hsi.ViewCurrent:
		// Okay.
	case hsi.ViewPast:
		return hsconsensus.HandleVoteProofsViewTooOld
	case hsi.ViewFarFuture:
		return hsconsensus.HandleVoteProofsViewTooFarInFuture
	case hsi.ViewFuture:
		res, retryAsCurrent := e.handleFutureVoteProofs(ctx, p, vlResp.ValSet)
		if !retryAsCurrent {
			return res
		}
		// The view became current while we were verifying.
		try++
		goto RETRY
	default:
		panic(fmt.Errorf("BUG: unhandled view lookup status %s", vlResp.Status))
	}

	vs := vlResp.VoteState

	if p.PubKeyHash != string(vs.ValSet.PubKeyHash) {
		// We assume our view of the network is correct,
		// and refuse to propagate a mismatched validator hash.
		return hsconsensus.HandleVoteProofsBadPubKeyHash
	}

	sigsToAdd := signaturesToAdd(vs.VoteProofs, p.Proofs, e.cmspScheme, vs.ValSet.PubKeys)
	if len(sigsToAdd) == 0 {
		// Or we received an identical or overlapping proof concurrently.
		return hsconsensus.HandleVoteProofsNoNewSignatures
	}

	// At least one new signature: merge on this goroutine
	// so the kernel doesn't pay for verification.
	voteUpdates := make(map[string]hsi.VoteUpdate, len(sigsToAdd))
	mergeRes := ecrypto.SignatureProofMergeResult{AllValidSignatures: true}
	for blockHash, sigs := range sigsToAdd {
		fullProof, ok := vs.VoteProofs[blockHash]
		if !ok {
			emptyProof, ok := e.makeNewVoteProof(p.View, blockHash, vs.ValSet)
			if !ok {
				// Already logged.
				continue
			}
			fullProof = emptyProof
		}

		mergeRes = mergeRes.Combine(fullProof.MergeSparse(ecrypto.SparseSignatureProof{
			PubKeyHash: p.PubKeyHash,
			Signatures: sigs,
		}))
		voteUpdates[blockHash] = hsi.VoteUpdate{
			Proof:       fullProof,
			PrevVersion: vs.VoteVersions[blockHash],
		}
	}

	if len(voteUpdates) == 0 {
		// We must have failed to build the sign bytes or proofs.
		return hsconsensus.HandleVoteProofsNoNewSignatures
	}

	resp := make(chan hsi.AddVoteResult, 1)
	addReq := hsi.AddVoteRequest{
		View: p.View,

		VoteUpdates: voteUpdates,

		Response: resp,
	}

	result, ok := echan.ReqResp(
		ctx, e.log,
		e.addVoteRequests, addReq,
		resp,
		"AddVote",
	)
	if !ok {
		return hsconsensus.HandleVoteProofsInternalError
	}

	switch result {
	case hsi.AddVoteAccepted:
		if !mergeRes.AllValidSignatures {
			// The valid subset was applied,
			// but the message as a whole is not worth propagating.
			return hsconsensus.HandleVoteProofsBadSignature
		}
		return hsconsensus.HandleVoteProofsAccepted
	case hsi.AddVoteConflict:
		// Try all over again.
		if try > 3 {
			e.log.Info("Conflict when applying votes, retrying", "tries", try)
		}
		try++
		goto RETRY
	case hsi.AddVoteOutOfDate:
		// The view changed while we were processing the request.
		return hsconsensus.HandleVoteProofsViewTooOld
	default:
		panic(fmt.Errorf("BUG: received unknown AddVoteResult %d", result))
	}
}

// handleFutureVoteProofs verifies and buffers votes for a view
// the kernel has not entered yet.
//
// retryAsCurrent is true when the view became current
// during the exchange; the caller restarts on the current-view path.
func (e *Engine) handleFutureVoteProofs(
	ctx context.Context,
	p hsconsensus.VoteSparseProof,
	curValSet hsconsensus.ValidatorSet,
) (res hsconsensus.HandleVoteProofsResult, retryAsCurrent bool) {
	defer trace.StartRegion(ctx, "handleFutureVoteProofs").End()

	// NOTE: keep changes to this method synchronized with handleFutureTimeoutProofs.

	pubKeys := curValSet.PubKeys
	pubKeyHash := string(curValSet.PubKeyHash)
	if p.PubKeyHash != pubKeyHash {
		// Not the set we expect for the near future,
		// but possibly one this node has stored from another epoch.
		var err error
		pubKeys, err = e.validatorStore.LoadPubKeys(ctx, p.PubKeyHash)
		if err != nil {
			var noHashErr hsstore.NoPubKeyHashError
			if errors.As(err, &noHashErr) {
				// Cannot verify against keys we have never seen.
				return hsconsensus.HandleVoteProofsFutureUnverified, false
			}

			e.log.Warn(
				"Error while looking up future public keys",
				"view", p.View,
				"err", err,
			)
			return hsconsensus.HandleVoteProofsInternalError, false
		}
		pubKeyHash = p.PubKeyHash
	}

	voteUpdates := make(map[string]hsi.VoteUpdate, len(p.Proofs))
	mergeRes := ecrypto.SignatureProofMergeResult{AllValidSignatures: true}
	for blockHash, sigs := range p.Proofs {
		vt := hsconsensus.VoteTarget{
			ChainID:   e.genesis.ChainID,
			View:      p.View,
			BlockHash: blockHash,
		}
		msg, err := hsconsensus.VoteSignBytes(vt, e.sigScheme)
		if err != nil {
			e.log.Warn("Failed to build vote sign bytes", "view", p.View, "err", err)
			return hsconsensus.HandleVoteProofsInternalError, false
		}
		proof, err := e.cmspScheme.New(msg, pubKeys, pubKeyHash)
		if err != nil {
			e.log.Warn("Failed to build signature proof", "view", p.View, "err", err)
			return hsconsensus.HandleVoteProofsInternalError, false
		}

		mergeRes = mergeRes.Combine(proof.MergeSparse(ecrypto.SparseSignatureProof{
			PubKeyHash: p.PubKeyHash,
			Signatures: sigs,
		}))
		if !mergeRes.AllValidSignatures {
			// Don't bother with any remaining good signatures.
			return hsconsensus.HandleVoteProofsBadSignature, false
		}

		voteUpdates[blockHash] = hsi.VoteUpdate{Proof: proof}
	}

	if !mergeRes.IncreasedSignatures {
		return hsconsensus.HandleVoteProofsNoNewSignatures, false
	}

	resp := make(chan hsi.AddVoteResult, 1)
	addReq := hsi.AddVoteRequest{
		View: p.View,

		VoteUpdates: voteUpdates,

		Response: resp,
	}

	result, ok := echan.ReqResp(
		ctx, e.log,
		e.addVoteRequests, addReq,
		resp,
		"handleFutureVoteProofs",
	)
	if !ok {
		return hsconsensus.HandleVoteProofsInternalError, false
	}

	switch result {
	case hsi.AddVoteAccepted:
		return hsconsensus.HandleVoteProofsAccepted, false
	case hsi.AddVoteConflict:
		return 0, true
	case hsi.AddVoteOutOfDate:
		return hsconsensus.HandleVoteProofsViewTooOld, false
	default:
		panic(fmt.Errorf("BUG: received unknown AddVoteResult %d", result))
	}
}

func (e *Engine) HandleTimeoutProofs(ctx context.Context, p hsconsensus.TimeoutSparseProof) hsconsensus.HandleVoteProofsResult {
	defer trace.StartRegion(ctx, "HandleTimeoutProofs").End()

	// NOTE: keep changes to this method synchronized with HandleVoteProofs.

	if len(p.Proofs) == 0 {
		return hsconsensus.HandleVoteProofsEmpty
	}

	try := 1

	vlReq := hsi.ViewLookupRequest{
		View: p.View,

		Reason: "(*Engine).HandleTimeoutProofs",

		Resp: make(chan hsi.ViewLookupResponse, 1),
	}

RETRY:
	vlResp, ok := echan.ReqResp(
		ctx, e.log,
		e.viewLookupRequests, vlReq,
		vlReq.Resp,
		"HandleTimeoutProofs",
	)
	if !ok {
		return hsconsensus.HandleVoteProofsInternalError
	}

	switch vlResp.Status {
	case hsi.ViewCurrent:
		// Okay.
	case hsi.ViewPast:
		return hsconsensus.HandleVoteProofsViewTooOld
	case hsi.ViewFarFuture:
		return hsconsensus.HandleVoteProofsViewTooFarInFuture
	case hsi.ViewFuture:
		res, retryAsCurrent := e.handleFutureTimeoutProofs(ctx, p, vlResp.ValSet)
		if !retryAsCurrent {
			return res
		}
		try++
		goto RETRY
	default:
		panic(fmt.Errorf("BUG: unhandled view lookup status %s", vlResp.Status))
	}

	vs := vlResp.VoteState

	if p.PubKeyHash != string(vs.ValSet.PubKeyHash) {
		return hsconsensus.HandleVoteProofsBadPubKeyHash
	}

	sigsToAdd := signaturesToAdd(vs.TimeoutProofs, p.Proofs, e.cmspScheme, vs.ValSet.PubKeys)
	if len(sigsToAdd) == 0 {
		return hsconsensus.HandleVoteProofsNoNewSignatures
	}

	timeoutUpdates := make(map[uint64]hsi.VoteUpdate, len(sigsToAdd))
	mergeRes := ecrypto.SignatureProofMergeResult{AllValidSignatures: true}
	for highQCView, sigs := range sigsToAdd {
		fullProof, ok := vs.TimeoutProofs[highQCView]
		if !ok {
			emptyProof, ok := e.makeNewTimeoutProof(p.View, highQCView, vs.ValSet)
			if !ok {
				// Already logged.
				continue
			}
			fullProof = emptyProof
		}

		mergeRes = mergeRes.Combine(fullProof.MergeSparse(ecrypto.SparseSignatureProof{
			PubKeyHash: p.PubKeyHash,
			Signatures: sigs,
		}))
		timeoutUpdates[highQCView] = hsi.VoteUpdate{
			Proof:       fullProof,
			PrevVersion: vs.TimeoutVersions[highQCView],
		}
	}

	if len(timeoutUpdates) == 0 {
		return hsconsensus.HandleVoteProofsNoNewSignatures
	}

	resp := make(chan hsi.AddVoteResult, 1)
	addReq := hsi.AddTimeoutRequest{
		View: p.View,

		TimeoutUpdates: timeoutUpdates,

		Response: resp,
	}

	result, ok := echan.ReqResp(
		ctx, e.log,
		e.addTimeoutRequests, addReq,
		resp,
		"AddTimeout",
	)
	if !ok {
		return hsconsensus.HandleVoteProofsInternalError
	}

	switch result {
	case hsi.AddVoteAccepted:
		if !mergeRes.AllValidSignatures {
			return hsconsensus.HandleVoteProofsBadSignature
		}
		return hsconsensus.HandleVoteProofsAccepted
	case hsi.AddVoteConflict:
		if try > 3 {
			e.log.Info("Conflict when applying timeouts, retrying", "tries", try)
		}
		try++
		goto RETRY
	case hsi.AddVoteOutOfDate:
		return hsconsensus.HandleVoteProofsViewTooOld
	default:
		panic(fmt.Errorf("BUG: received unknown AddVoteResult %d", result))
	}
}

func (e *Engine) handleFutureTimeoutProofs(
	ctx context.Context,
	p hsconsensus.TimeoutSparseProof,
	curValSet hsconsensus.ValidatorSet,
) (res hsconsensus.HandleVoteProofsResult, retryAsCurrent bool) {
	defer trace.StartRegion(ctx, "handleFutureTimeoutProofs").End()

	// NOTE: keep changes to this method synchronized with handleFutureVoteProofs.

	pubKeys := curValSet.PubKeys
	pubKeyHash := string(curValSet.PubKeyHash)
	if p.PubKeyHash != pubKeyHash {
		var err error
		pubKeys, err = e.validatorStore.LoadPubKeys(ctx, p.PubKeyHash)
		if err != nil {
			var noHashErr hsstore.NoPubKeyHashError
			if errors.As(err, &noHashErr) {
				return hsconsensus.HandleVoteProofsFutureUnverified, false
			}

			e.log.Warn(
				"Error while looking up future public keys",
				"view", p.View,
				"err", err,
			)
			return hsconsensus.HandleVoteProofsInternalError, false
		}
		pubKeyHash = p.PubKeyHash
	}

	timeoutUpdates := make(map[uint64]hsi.VoteUpdate, len(p.Proofs))
	mergeRes := ecrypto.SignatureProofMergeResult{AllValidSignatures: true}
	for highQCView, sigs := range p.Proofs {
		tr := hsconsensus.TimeoutRecord{
			ChainID: e.genesis.ChainID,

			View: p.View,

			HighQCView: highQCView,
		}
		msg, err := hsconsensus.TimeoutSignBytes(tr, e.sigScheme)
		if err != nil {
			e.log.Warn("Failed to build timeout sign bytes", "view", p.View, "err", err)
			return hsconsensus.HandleVoteProofsInternalError, false
		}
		proof, err := e.cmspScheme.New(msg, pubKeys, pubKeyHash)
		if err != nil {
			e.log.Warn("Failed to build signature proof", "view", p.View, "err", err)
			return hsconsensus.HandleVoteProofsInternalError, false
		}

		mergeRes = mergeRes.Combine(proof.MergeSparse(ecrypto.SparseSignatureProof{
			PubKeyHash: p.PubKeyHash,
			Signatures: sigs,
		}))
		if !mergeRes.AllValidSignatures {
			return hsconsensus.HandleVoteProofsBadSignature, false
		}

		timeoutUpdates[highQCView] = hsi.VoteUpdate{Proof: proof}
	}

	if !mergeRes.IncreasedSignatures {
		return hsconsensus.HandleVoteProofsNoNewSignatures, false
	}

	resp := make(chan hsi.AddVoteResult, 1)
	addReq := hsi.AddTimeoutRequest{
		View: p.View,

		TimeoutUpdates: timeoutUpdates,

		Response: resp,
	}

	result, ok := echan.ReqResp(
		ctx, e.log,
		e.addTimeoutRequests, addReq,
		resp,
		"handleFutureTimeoutProofs",
	)
	if !ok {
		return hsconsensus.HandleVoteProofsInternalError, false
	}

	switch result {
	case hsi.AddVoteAccepted:
		return hsconsensus.HandleVoteProofsAccepted, false
	case hsi.AddVoteConflict:
		return 0, true
	case hsi.AddVoteOutOfDate:
		return hsconsensus.HandleVoteProofsViewTooOld, false
	default:
		panic(fmt.Errorf("BUG: received unknown AddVoteResult %d", result))
	}
}

// makeNewVoteProof returns an empty signature proof for votes
// on the given block hash at the given view.
// The ok parameter is false, with the error already logged,
// if the signing content or the proof could not be built.
func (e *Engine) makeNewVoteProof(
	view uint64,
	blockHash string,
	vs hsconsensus.ValidatorSet,
) (p ecrypto.CommonMessageSignatureProof, ok bool) {
	vt := hsconsensus.VoteTarget{
		ChainID:   e.genesis.ChainID,
		View:      view,
		BlockHash: blockHash,
	}
	signContent, err := hsconsensus.VoteSignBytes(vt, e.sigScheme)
	if err != nil {
		e.log.Warn("Failed to produce vote sign bytes", "view", view, "err", err)
		return nil, false
	}

	emptyProof, err := e.cmspScheme.New(signContent, vs.PubKeys, string(vs.PubKeyHash))
	if err != nil {
		e.log.Warn("Failed to build signature proof", "view", view, "err", err)
		return nil, false
	}

	return emptyProof, true
}

// makeNewTimeoutProof is [Engine.makeNewVoteProof]
// for timeout declarations attesting the given high-QC view.
func (e *Engine) makeNewTimeoutProof(
	view uint64,
	highQCView uint64,
	vs hsconsensus.ValidatorSet,
) (p ecrypto.CommonMessageSignatureProof, ok bool) {
	tr := hsconsensus.TimeoutRecord{
		ChainID: e.genesis.ChainID,

		View: view,

		HighQCView: highQCView,
	}
	signContent, err := hsconsensus.TimeoutSignBytes(tr, e.sigScheme)
	if err != nil {
		e.log.Warn("Failed to produce timeout sign bytes", "view", view, "err", err)
		return nil, false
	}

	emptyProof, err := e.cmspScheme.New(signContent, vs.PubKeys, string(vs.PubKeyHash))
	if err != nil {
		e.log.Warn("Failed to build signature proof", "view", view, "err", err)
		return nil, false
	}

	return emptyProof, true
}

// signaturesToAdd filters the incoming sparse signatures
// down to the ones the current proofs do not already hold,
// checking key ID structure along the way.
// Nil is returned when nothing new remains.
func signaturesToAdd[K comparable](
	curProofs map[K]ecrypto.CommonMessageSignatureProof,
	incoming map[K][]ecrypto.SparseSignature,
	scheme ecrypto.CommonMessageSignatureProofScheme,
	pubKeys []ecrypto.PubKey,
) map[K][]ecrypto.SparseSignature {
	var toAdd map[K][]ecrypto.SparseSignature

	var keyIDChecker ecrypto.KeyIDChecker

	for key, signatures := range incoming {
		fullProof := curProofs[key]
		var sigsToAdd []ecrypto.SparseSignature

		if fullProof == nil {
			// No proof to consult, so go through the scheme.
			if keyIDChecker == nil {
				// Only allocate once.
				keyIDChecker = scheme.KeyIDChecker(pubKeys)
			}

			for _, sig := range signatures {
				if !keyIDChecker.IsValid(sig.KeyID) {
					continue
				}
				sigsToAdd = append(sigsToAdd, sig)
			}
		} else {
			for _, sig := range signatures {
				has, valid := fullProof.HasSparseKeyID(sig.KeyID)
				if valid && !has {
					sigsToAdd = append(sigsToAdd, sig)
				}
			}
		}

		if len(sigsToAdd) == 0 {
			// Everything already known, or unrecognized keys skipped.
			continue
		}

		if toAdd == nil {
			toAdd = make(map[K][]ecrypto.SparseSignature)
		}
		toAdd[key] = sigsToAdd
	}

	return toAdd
}
