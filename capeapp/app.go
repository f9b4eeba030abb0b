// Package capeapp connects the asset ledger to the consensus engine.
//
// The engine owns ordering and finality; this package owns meaning:
// it answers chain initialization, assembles payloads from its
// mempool when the local validator leads a view, and executes
// finalized payloads through a [cape.LedgerState], reporting state
// roots and validator set changes back to consensus.
package capeapp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"

	"github.com/PythonRysh/espresso/cape"
	"github.com/PythonRysh/espresso/ecrypto"
	"github.com/PythonRysh/espresso/hs/hsconsensus"
	"github.com/PythonRysh/espresso/hs/hsdriver"
	"github.com/PythonRysh/espresso/internal/echan"
)

const defaultMaxPayloadBytes = 1 << 20

// AssembledPayload reports one locally assembled proposal payload,
// so the node can shred and broadcast it to peers
// before the proposal itself reaches them.
type AssembledPayload struct {
	Height uint64

	DataID  []byte
	Payload []byte
}

// AppliedBlock reports one finalized block after execution,
// for consumers outside consensus such as archivers.
type AppliedBlock struct {
	Height uint64
	View   uint64

	BlockHash []byte
	StateRoot [32]byte

	Transactions []cape.Transaction

	Withdrawals []cape.Withdrawal
}

// Config carries the dependencies for [New].
type Config struct {
	Ledger *cape.LedgerState

	// Applied on the first InitChainRequest when the ledger is empty.
	// May be nil when the ledger already has state.
	Genesis *cape.GenesisState

	// Decodes staking keys into consensus keys.
	Registry *ecrypto.Registry

	Mempool  *Mempool
	Payloads *PayloadStore

	// Request channels the engine sends on.
	// ProposalRequests may be nil on a non-validating node.
	InitChainRequests     <-chan hsdriver.InitChainRequest
	FinalizeBlockRequests <-chan hsdriver.FinalizeBlockRequest
	ProposalRequests      <-chan hsdriver.ProposalRequest

	// Locally assembled proposal payloads, for shred broadcast;
	// may be nil. Sent before the proposal is answered,
	// so the payload is in flight by the time peers see the block.
	AssembledPayloads chan<- AssembledPayload

	// Executed blocks, sent in height order; may be nil.
	// The receiver must keep up, as sends block the app loop.
	AppliedBlocks chan<- AppliedBlock

	// Byte budget for assembled payloads; zero selects 1 MiB.
	MaxPayloadBytes int
}

func (c Config) validate() error {
	var err error

	if c.Ledger == nil {
		err = errors.Join(err, errors.New("no ledger set"))
	}
	if c.Registry == nil {
		err = errors.Join(err, errors.New("no key registry set"))
	}
	if c.Mempool == nil {
		err = errors.Join(err, errors.New("no mempool set"))
	}
	if c.Payloads == nil {
		err = errors.Join(err, errors.New("no payload store set"))
	}
	if c.InitChainRequests == nil {
		err = errors.Join(err, errors.New("no init chain channel set"))
	}
	if c.FinalizeBlockRequests == nil {
		err = errors.Join(err, errors.New("no block finalization channel set"))
	}

	if c.Ledger != nil && c.Genesis == nil {
		if _, _, ok := c.Ledger.LatestRoot(); !ok {
			err = errors.Join(err, errors.New("no genesis state set and the ledger is empty"))
		}
	}

	return err
}

// App is the consensus driver for the asset ledger.
// All state transitions happen on one internal goroutine,
// in the strict height order the engine guarantees.
type App struct {
	log *slog.Logger

	ledger  *cape.LedgerState
	genesis *cape.GenesisState
	reg     *ecrypto.Registry

	mempool  *Mempool
	payloads *PayloadStore

	initChainRequests     <-chan hsdriver.InitChainRequest
	finalizeBlockRequests <-chan hsdriver.FinalizeBlockRequest
	proposalRequests      <-chan hsdriver.ProposalRequest

	assembledPayloads chan<- AssembledPayload
	appliedBlocks     chan<- AppliedBlock

	maxPayloadBytes int

	done chan struct{}
}

// New starts the app's main loop, bounded by ctx.
// The engine's driver channels must be wired to the same channels
// given here before the engine starts.
func New(ctx context.Context, log *slog.Logger, cfg Config) (*App, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	maxBytes := cfg.MaxPayloadBytes
	if maxBytes <= 0 {
		maxBytes = defaultMaxPayloadBytes
	}

	a := &App{
		log: log,

		ledger:  cfg.Ledger,
		genesis: cfg.Genesis,
		reg:     cfg.Registry,

		mempool:  cfg.Mempool,
		payloads: cfg.Payloads,

		initChainRequests:     cfg.InitChainRequests,
		finalizeBlockRequests: cfg.FinalizeBlockRequests,
		proposalRequests:      cfg.ProposalRequests,

		assembledPayloads: cfg.AssembledPayloads,
		appliedBlocks:     cfg.AppliedBlocks,

		maxPayloadBytes: maxBytes,

		done: make(chan struct{}),
	}

	go a.mainLoop(ctx)

	return a, nil
}

// Wait blocks until the main loop has stopped,
// which happens when the context given to [New] is canceled.
func (a *App) Wait() {
	<-a.done
}

func (a *App) mainLoop(ctx context.Context) {
	defer close(a.done)

	for {
		select {
		case <-ctx.Done():
			a.log.Info("Stopping due to context cancellation", "cause", context.Cause(ctx))
			return

		case req := <-a.initChainRequests:
			if !a.handleInitChain(ctx, req) {
				return
			}

		case req := <-a.finalizeBlockRequests:
			if !a.handleFinalize(ctx, req) {
				return
			}

		case req := <-a.proposalRequests:
			if !a.handleProposal(ctx, req) {
				return
			}
		}
	}
}

// handleInitChain answers the engine's one-time chain initialization.
// A ledger that already has state answers from it, so re-initializing
// consensus stores against an existing ledger does not re-run genesis.
func (a *App) handleInitChain(ctx context.Context, req hsdriver.InitChainRequest) bool {
	version, root, ok := a.ledger.LatestRoot()
	if !ok {
		var err error
		root, err = a.ledger.ApplyGenesis(ctx, *a.genesis)
		if err != nil {
			a.log.Error("Failed to apply genesis state", "err", err)
			return false
		}
		version = 0
	} else {
		a.log.Info("Initializing chain against existing ledger state", "version", version)
	}

	stakes, err := a.ledger.Validators(ctx)
	if err != nil {
		a.log.Error("Failed to load validator set", "err", err)
		return false
	}
	vals, err := a.bridgeValidators(stakes)
	if err != nil {
		a.log.Error("Ledger validator set does not decode", "err", err)
		return false
	}

	return echan.SendC(
		ctx, a.log,
		req.Resp, hsdriver.InitChainResponse{
			StateRoot:  slices.Clone(root[:]),
			Validators: vals,
		},
		"responding to init chain request",
	)
}

// handleProposal assembles a payload from the mempool for a view
// this node leads. With nothing queued, the proposal is deliberately
// empty and carries no data ID.
func (a *App) handleProposal(ctx context.Context, req hsdriver.ProposalRequest) bool {
	_, root, ok := a.ledger.LatestRoot()
	if !ok {
		a.log.Error("Proposal requested before chain initialization", "view", req.View)
		return false
	}

	resp := hsdriver.ProposalResponse{StateRoot: slices.Clone(root[:])}

	txs := a.mempool.Reap(a.maxPayloadBytes)
	if len(txs) > 0 {
		payload, err := cape.MarshalTransactions(txs)
		if err != nil {
			// Entries were marshaled once at admission already.
			a.log.Error("Failed to encode payload; proposing empty block", "err", err)
		} else {
			resp.DataID = a.payloads.Put(ctx, req.Height, payload)
			a.log.Debug(
				"Assembled proposal payload",
				"height", req.Height,
				"view", req.View,
				"txs", len(txs),
				"bytes", len(payload),
			)

			if a.assembledPayloads != nil {
				ok := echan.SendC(
					ctx, a.log,
					a.assembledPayloads, AssembledPayload{
						Height:  req.Height,
						DataID:  resp.DataID,
						Payload: payload,
					},
					"reporting assembled payload",
				)
				if !ok {
					return false
				}
			}
		}
	}

	return echan.SendC(ctx, a.log, req.Resp, resp, "responding to proposal request")
}

// handleFinalize executes one committed block and reports the
// resulting state root and any validator set change.
func (a *App) handleFinalize(ctx context.Context, req hsdriver.FinalizeBlockRequest) bool {
	b := req.Block

	// Heights the ledger already executed are replays of
	// finalizations consensus never recorded before a restart.
	// The stored state answers them; the payload may be long gone.
	version, _, haveState := a.ledger.LatestRoot()
	replay := haveState && b.Height <= version

	var txs []cape.Transaction
	if !replay && len(b.DataID) > 0 {
		payload, err := a.payloads.Await(ctx, b.DataID)
		if err != nil {
			a.log.Info("Stopping while awaiting finalized payload", "height", b.Height, "cause", err)
			return false
		}

		txs, err = cape.UnmarshalTransactions(payload)
		if err != nil {
			// A quorum committed the data ID, not the decoded content,
			// so every correct node sees the same failure and the
			// fallback below keeps them in agreement.
			a.log.Warn(
				"Finalized payload does not decode; applying empty block",
				"height", b.Height,
				"err", err,
			)
			txs = nil
		}
	}

	res, err := a.ledger.ApplyBlock(ctx, b.Height, txs)
	if err != nil && len(txs) > 0 {
		a.log.Warn(
			"Finalized block failed execution; applying empty block",
			"height", b.Height,
			"err", err,
		)
		txs = nil
		res, err = a.ledger.ApplyBlock(ctx, b.Height, nil)
	}
	if err != nil {
		// Even the empty block failed, so the ledger cannot advance;
		// continuing would answer consensus with stale roots.
		a.log.Error("Ledger cannot advance; stopping", "height", b.Height, "err", err)
		return false
	}

	vals, err := a.bridgeValidators(res.Validators)
	if err != nil {
		// Keep the current consensus set rather than half-adopt one.
		a.log.Error("Applied validator set does not decode; keeping current", "height", b.Height, "err", err)
		vals = nil
	}

	ok := echan.SendC(
		ctx, a.log,
		req.Resp, hsdriver.FinalizeBlockResponse{
			Height: b.Height,
			View:   b.View,

			BlockHash: b.Hash,

			Validators: vals,

			StateRoot: slices.Clone(res.StateRoot[:]),
		},
		"responding to finalize block request",
	)
	if !ok {
		return false
	}

	if replay {
		return true
	}

	a.mempool.Strike(txs)
	if dropped := a.mempool.Revalidate(ctx); dropped > 0 {
		a.log.Debug("Dropped stale mempool transactions", "height", b.Height, "dropped", dropped)
	}
	a.payloads.DropThrough(b.Height)

	if a.appliedBlocks != nil {
		applied := AppliedBlock{
			Height: b.Height,
			View:   b.View,

			BlockHash: b.Hash,
			StateRoot: res.StateRoot,

			Transactions: txs,

			Withdrawals: res.Withdrawals,
		}
		if !echan.SendC(ctx, a.log, a.appliedBlocks, applied, "reporting applied block") {
			return false
		}
	}

	return true
}

// bridgeValidators decodes ledger stakes into consensus validators.
// A nil slice stays nil, which tells the engine the set is unchanged.
func (a *App) bridgeValidators(stakes []cape.ValidatorStake) ([]hsconsensus.Validator, error) {
	if stakes == nil {
		return nil, nil
	}

	vals := make([]hsconsensus.Validator, len(stakes))
	for i, vs := range stakes {
		pk, err := a.reg.Unmarshal(vs.PubKey)
		if err != nil {
			return nil, fmt.Errorf("validator %d: decoding key: %w", i, err)
		}
		vals[i] = hsconsensus.Validator{PubKey: pk, Power: vs.Power}
	}
	return vals, nil
}
