package hsengine

import (
	"context"

	"github.com/PythonRysh/espresso/ecrypto"
	"github.com/PythonRysh/espresso/hs/hsconsensus"
	"github.com/PythonRysh/espresso/hs/hsdriver"
	"github.com/PythonRysh/espresso/hs/hselink"
	"github.com/PythonRysh/espresso/hs/hsgossip"
	"github.com/PythonRysh/espresso/hs/hsstore"
)

// Opt is an option for configuring an [Engine] through [New].
type Opt func(*Engine) error

// WithGenesis sets the genesis document
// defining the chain the engine participates in.
func WithGenesis(g *hsconsensus.Genesis) Opt {
	return func(e *Engine) error {
		e.genesis = g
		return nil
	}
}

func WithBlockStore(s hsstore.BlockStore) Opt {
	return func(e *Engine) error {
		e.blockStore = s
		return nil
	}
}

func WithSafetyStore(s hsstore.SafetyStore) Opt {
	return func(e *Engine) error {
		e.safetyStore = s
		return nil
	}
}

func WithPacemakerStore(s hsstore.PacemakerStore) Opt {
	return func(e *Engine) error {
		e.pacemakerStore = s
		return nil
	}
}

func WithFinalizationStore(s hsstore.FinalizationStore) Opt {
	return func(e *Engine) error {
		e.finalizationStore = s
		return nil
	}
}

func WithValidatorStore(s hsstore.ValidatorStore) Opt {
	return func(e *Engine) error {
		e.validatorStore = s
		return nil
	}
}

func WithHashScheme(h hsconsensus.HashScheme) Opt {
	return func(e *Engine) error {
		e.hashScheme = h
		return nil
	}
}

func WithSignatureScheme(s hsconsensus.SignatureScheme) Opt {
	return func(e *Engine) error {
		e.sigScheme = s
		return nil
	}
}

func WithCommonMessageSignatureProofScheme(s ecrypto.CommonMessageSignatureProofScheme) Opt {
	return func(e *Engine) error {
		e.cmspScheme = s
		return nil
	}
}

// WithSigner makes the engine an active validator.
// Without a signer, the engine observes consensus,
// tracking views and finalizing committed blocks,
// but never proposes, votes, or declares timeouts.
func WithSigner(s ecrypto.Signer) Opt {
	return func(e *Engine) error {
		e.signer = s
		return nil
	}
}

// WithTimeoutStrategy sets the view timeout policy.
// Timers derive from ctx, so canceling it releases
// any timer currently armed.
//
// Required when a signer is set, unused otherwise.
func WithTimeoutStrategy(ctx context.Context, s TimeoutStrategy) Opt {
	return func(e *Engine) error {
		e.viewTimer = strategyViewTimer{ctx: ctx, s: s}
		return nil
	}
}

// WithGossipStrategy sets the strategy deciding
// how view updates reach the network.
func WithGossipStrategy(s hsgossip.Strategy) Opt {
	return func(e *Engine) error {
		e.gossipStrategy = s
		return nil
	}
}

// WithInitChainChannel sets the channel for the one-time
// chain initialization exchange with the driver.
// The driver must be receiving before [New] is called.
func WithInitChainChannel(ch chan<- hsdriver.InitChainRequest) Opt {
	return func(e *Engine) error {
		e.initChainRequests = ch
		return nil
	}
}

// WithBlockFinalizationChannel sets the channel on which the driver
// receives committed blocks for execution.
func WithBlockFinalizationChannel(ch chan<- hsdriver.FinalizeBlockRequest) Opt {
	return func(e *Engine) error {
		e.finalizeBlockRequests = ch
		return nil
	}
}

// WithProposalRequestChannel sets the channel on which the driver
// receives requests for payload content
// when the local validator leads a view.
//
// Required when a signer is set, unused otherwise.
func WithProposalRequestChannel(ch chan<- hsdriver.ProposalRequest) Opt {
	return func(e *Engine) error {
		e.proposalRequests = ch
		return nil
	}
}

// WithPayloadArrivalChannel tells the engine to withhold votes
// on a proposal until the dissemination layer reports
// the matching payload as locally available.
// Without this option every payload is assumed available.
func WithPayloadArrivalChannel(ch <-chan hselink.PayloadArrival) Opt {
	return func(e *Engine) error {
		e.payloadArrivals = ch
		return nil
	}
}

// WithBlockFetcher connects a fetcher that can retrieve proposed blocks
// by hash from the network, used when the engine learns of a block
// through a certificate before seeing its content.
func WithBlockFetcher(f hselink.ProposedBlockFetcher) Opt {
	return func(e *Engine) error {
		e.fetcher = &f
		return nil
	}
}

// WithFinalizationNotificationChannel sets an optional channel
// receiving one [hselink.BlockFinalization] per committed block,
// in height order, for observers outside the driver.
func WithFinalizationNotificationChannel(ch chan<- hselink.BlockFinalization) Opt {
	return func(e *Engine) error {
		e.finalizationNotifications = ch
		return nil
	}
}
