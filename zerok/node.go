// Package zerok assembles a full validator or observer node:
// the consensus engine, the asset ledger application,
// libp2p networking with erasure-coded payload dissemination,
// and the HTTP API, all behind one embeddable type.
package zerok

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	petname "github.com/dustinkirkland/golang-petname"

	"github.com/PythonRysh/espresso/cape"
	"github.com/PythonRysh/espresso/capeapp"
	"github.com/PythonRysh/espresso/ecrypto"
	"github.com/PythonRysh/espresso/edissem"
	"github.com/PythonRysh/espresso/emerkle"
	"github.com/PythonRysh/espresso/emerkle/emerklepebble"
	"github.com/PythonRysh/espresso/hs/hsconsensus"
	"github.com/PythonRysh/espresso/hs/hsdriver"
	"github.com/PythonRysh/espresso/hs/hselink"
	"github.com/PythonRysh/espresso/hs/hsengine"
	"github.com/PythonRysh/espresso/hs/hsgossip"
	"github.com/PythonRysh/espresso/hs/hsp2p/hslibp2p"
	"github.com/PythonRysh/espresso/hs/hscodec/hsmsgpack"
	"github.com/PythonRysh/espresso/hs/hsstore"
	"github.com/PythonRysh/espresso/hs/hsstore/hsmemstore"
	"github.com/PythonRysh/espresso/hs/hsstore/hspebble"
	"github.com/PythonRysh/espresso/zarchive"
	"github.com/PythonRysh/espresso/zsigner"
)

// Node runs the whole stack for one chain participant.
// Construct with [New], then [Node.Start]; the node runs
// until its context is canceled or [Node.Close] is called.
type Node struct {
	log *slog.Logger
	cfg Config
	reg *ecrypto.Registry

	chainID string

	ctx     context.Context
	cancel  context.CancelFunc
	stopped chan struct{}

	ledger   *cape.LedgerState
	mempool  *capeapp.Mempool
	payloads *capeapp.PayloadStore
	app      *capeapp.App

	engine *hsengine.Engine
	gossip *observedStrategy

	finStore hsstore.FinalizationStore

	host  *hslibp2p.Host
	conn  *hslibp2p.Connection
	pconn *hslibp2p.PayloadConnection

	consensusDB *hspebble.Store
	stateDB     *emerklepebble.Store

	archiveDB *zarchive.DB
	archiver  *zarchive.Archiver

	httpSrv  *httpServer
	httpAddr net.Addr

	metrics *Metrics

	// Public key of the node's consensus signer, nil on observers.
	signerPub ecrypto.PubKey

	currentView atomic.Uint64

	statusMu  sync.Mutex
	committed committedStatus

	bg sync.WaitGroup

	closeErr error
}

type committedStatus struct {
	height    uint64
	blockHash []byte
	stateRoot []byte
}

// New validates cfg and prepares a node. No resources are opened
// until [Node.Start].
func New(log *slog.Logger, cfg Config) (*Node, error) {
	if log == nil {
		log = slog.Default()
	}

	if !cfg.InMemory && cfg.DataDir == "" {
		return nil, errors.New("config: data_dir is required unless in_memory is set")
	}
	if cfg.Genesis == nil && cfg.GenesisFile == "" {
		return nil, errors.New("config: a genesis document is required")
	}

	if cfg.Moniker == "" {
		cfg.Moniker = petname.Generate(2, "-")
	}

	reg := new(ecrypto.Registry)
	ecrypto.RegisterEd25519(reg)

	return &Node{
		log: log,
		cfg: cfg,
		reg: reg,
	}, nil
}

// Start opens the stores, joins the network,
// and brings up the application and the consensus engine.
// On a fresh chain this includes executing genesis.
func (n *Node) Start(ctx context.Context) error {
	n.ctx, n.cancel = context.WithCancel(ctx)
	n.stopped = make(chan struct{})
	go n.runShutdown()

	ok := false
	defer func() {
		if !ok {
			n.cancel()
			<-n.stopped
		}
	}()

	doc := n.cfg.Genesis
	if doc == nil {
		var err error
		doc, err = LoadGenesisDoc(n.cfg.GenesisFile)
		if err != nil {
			return err
		}
	}
	n.chainID = doc.ChainID

	capeState, err := doc.CapeState()
	if err != nil {
		return err
	}

	hashScheme := hsconsensus.Blake2bHashScheme{}

	var (
		blockStore     hsstore.BlockStore
		safetyStore    hsstore.SafetyStore
		pacemakerStore hsstore.PacemakerStore
		valStore       hsstore.ValidatorStore
		nodeStore      emerkle.NodeStore
	)
	if n.cfg.InMemory {
		blockStore = hsmemstore.NewBlockStore()
		safetyStore = hsmemstore.NewSafetyStore()
		pacemakerStore = hsmemstore.NewPacemakerStore()
		n.finStore = hsmemstore.NewFinalizationStore()
		valStore = hsmemstore.NewValidatorStore(hashScheme)
		nodeStore = emerkle.NewMemNodeStore()
	} else {
		if err := os.MkdirAll(n.cfg.DataDir, 0o700); err != nil {
			return fmt.Errorf("creating data dir: %w", err)
		}

		n.consensusDB, err = hspebble.Open(
			filepath.Join(n.cfg.DataDir, "consensus"), hashScheme, n.reg,
		)
		if err != nil {
			return fmt.Errorf("opening consensus store: %w", err)
		}
		blockStore = n.consensusDB
		safetyStore = n.consensusDB
		pacemakerStore = n.consensusDB
		n.finStore = n.consensusDB
		valStore = n.consensusDB

		n.stateDB, err = emerklepebble.Open(filepath.Join(n.cfg.DataDir, "state"))
		if err != nil {
			return fmt.Errorf("opening state store: %w", err)
		}
		nodeStore = n.stateDB
	}

	signer, err := n.resolveSigner()
	if err != nil {
		return err
	}
	if signer != nil {
		n.signerPub = signer.PubKey()
	}

	var frontSnap []byte
	if !n.cfg.InMemory {
		frontSnap, err = os.ReadFile(n.nullifierFrontPath())
		if err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("reading nullifier front snapshot: %w", err)
		}
	}

	n.ledger, err = cape.NewLedgerState(n.ctx, cape.LedgerConfig{
		Log:                    n.log.With("sys", "ledger"),
		Tree:                   emerkle.NewTree(nodeStore),
		Registry:               n.reg,
		NullifierFrontSnapshot: frontSnap,
	})
	if err != nil {
		return fmt.Errorf("recovering ledger state: %w", err)
	}

	n.mempool = capeapp.NewMempool(n.ledger, n.cfg.Mempool.Capacity)

	arrivals := make(chan hselink.PayloadArrival, 8)
	n.payloads = capeapp.NewPayloadStore(n.log.With("sys", "payloads"), arrivals)

	initChainCh := make(chan hsdriver.InitChainRequest)
	finalizeCh := make(chan hsdriver.FinalizeBlockRequest)
	var proposalCh chan hsdriver.ProposalRequest
	if signer != nil {
		proposalCh = make(chan hsdriver.ProposalRequest)
	}
	assembled := make(chan capeapp.AssembledPayload, 1)
	applied := make(chan capeapp.AppliedBlock, 8)

	var archiveFeed chan capeapp.AppliedBlock
	if n.cfg.Archive.PostgresDSN != "" {
		n.archiveDB, err = zarchive.Open(n.ctx, n.log.With("sys", "archive"), n.cfg.Archive.PostgresDSN)
		if err != nil {
			return fmt.Errorf("opening archive: %w", err)
		}
		archiveFeed = make(chan capeapp.AppliedBlock, 16)
		n.archiver = zarchive.NewArchiver(n.ctx, n.log.With("sys", "archive"), n.archiveDB, archiveFeed)
	}

	n.app, err = capeapp.New(n.ctx, n.log.With("sys", "app"), capeapp.Config{
		Ledger:   n.ledger,
		Genesis:  capeState,
		Registry: n.reg,

		Mempool:  n.mempool,
		Payloads: n.payloads,

		InitChainRequests:     initChainCh,
		FinalizeBlockRequests: finalizeCh,
		ProposalRequests:      proposalCh,

		AssembledPayloads: assembled,
		AppliedBlocks:     applied,

		MaxPayloadBytes: n.cfg.Mempool.MaxPayloadBytes,
	})
	if err != nil {
		return fmt.Errorf("starting application: %w", err)
	}

	n.metrics = NewMetrics(n.mempool.Size)

	n.bg.Add(1)
	go n.consumeApplied(applied, archiveFeed)

	proc, err := edissem.NewShredProcessor(
		n.log.With("sys", "shreds"), n.payloads, 128, n.staleAfter(),
	)
	if err != nil {
		return fmt.Errorf("creating shred processor: %w", err)
	}
	go proc.RunBackgroundCleanup(n.ctx)

	n.host, err = hslibp2p.NewHost(n.ctx, n.log.With("sys", "p2p"), hslibp2p.HostConfig{
		ListenAddrs: n.cfg.P2P.ListenAddrs,
		SeedAddrs:   n.cfg.P2P.SeedAddrs,
		EnableDHT:   n.cfg.P2P.EnableDHT,
	})
	if err != nil {
		return fmt.Errorf("creating libp2p host: %w", err)
	}

	codec := hsmsgpack.MarshalCodec{CryptoRegistry: n.reg}
	n.conn, err = hslibp2p.NewConnection(n.ctx, n.log.With("sys", "consensus-net"), n.host, codec)
	if err != nil {
		return fmt.Errorf("joining consensus topic: %w", err)
	}
	n.pconn, err = hslibp2p.NewPayloadConnection(n.ctx, n.log.With("sys", "payload-net"), n.host, proc)
	if err != nil {
		return fmt.Errorf("joining payload topic: %w", err)
	}

	n.bg.Add(1)
	go n.broadcastPayloads(assembled)

	n.gossip = newObservedStrategy(
		n.ctx,
		hsgossip.NewChattyStrategy(n.ctx, n.log.With("sys", "gossip"), n.conn.ConsensusBroadcaster()),
		n.observeViewUpdate,
	)

	consensusGenesis, err := doc.ConsensusGenesis(n.reg, hashScheme)
	if err != nil {
		return err
	}

	opts := []hsengine.Opt{
		hsengine.WithGenesis(&consensusGenesis),

		hsengine.WithBlockStore(blockStore),
		hsengine.WithSafetyStore(safetyStore),
		hsengine.WithPacemakerStore(pacemakerStore),
		hsengine.WithFinalizationStore(n.finStore),
		hsengine.WithValidatorStore(valStore),

		hsengine.WithHashScheme(hashScheme),
		hsengine.WithSignatureScheme(hsconsensus.StandardSignatureScheme{}),
		hsengine.WithCommonMessageSignatureProofScheme(ecrypto.SimpleCommonMessageSignatureProofScheme{}),

		hsengine.WithGossipStrategy(n.gossip),

		hsengine.WithInitChainChannel(initChainCh),
		hsengine.WithBlockFinalizationChannel(finalizeCh),
		hsengine.WithPayloadArrivalChannel(arrivals),
	}
	if signer != nil {
		opts = append(opts,
			hsengine.WithSigner(signer),
			hsengine.WithTimeoutStrategy(n.ctx, hsengine.LinearTimeoutStrategy{
				ViewBase:      n.cfg.Consensus.ViewBase,
				ViewIncrement: n.cfg.Consensus.ViewIncrement,
			}),
			hsengine.WithProposalRequestChannel(proposalCh),
		)
	}

	// Engine construction runs the init chain exchange on a fresh
	// chain, so the application must already be running here.
	n.engine, err = hsengine.New(n.ctx, n.log.With("sys", "engine"), opts...)
	if err != nil {
		return fmt.Errorf("starting consensus engine: %w", err)
	}

	n.conn.SetConsensusHandler(n.ctx, n.engine)

	if n.cfg.HTTP.ListenAddr != "" {
		ln, err := net.Listen("tcp", n.cfg.HTTP.ListenAddr)
		if err != nil {
			return fmt.Errorf("listening on %s: %w", n.cfg.HTTP.ListenAddr, err)
		}
		n.httpSrv = newHTTPServer(n.ctx, n.log.With("sys", "http"), httpServerConfig{
			Listener: ln,
			Node:     n,
		})
		n.httpAddr = ln.Addr()
		n.log.Info("HTTP API listening", "addr", n.httpAddr)
	}

	// The application stopping on its own means the ledger cannot
	// advance; take the rest of the node down with it.
	go func() {
		n.app.Wait()
		n.cancel()
	}()

	n.seedCommittedStatus()

	n.log.Info(
		"Node started",
		"moniker", n.cfg.Moniker,
		"chain_id", n.chainID,
		"peer_id", n.host.Libp2pHost().ID(),
		"validating", signer != nil,
	)

	ok = true
	return nil
}

func (n *Node) resolveSigner() (ecrypto.Signer, error) {
	switch {
	case n.cfg.Signer != nil:
		return n.cfg.Signer, nil
	case n.cfg.SignerSocket != "":
		c, err := zsigner.NewClient(n.ctx, n.reg, n.cfg.SignerSocket)
		if err != nil {
			return nil, fmt.Errorf("connecting to remote signer: %w", err)
		}
		return c, nil
	case n.cfg.SigningKeyFile != "":
		s, err := LoadSigningKey(n.cfg.SigningKeyFile)
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		// No key configured: run as an observer.
		return nil, nil
	}
}

func (n *Node) staleAfter() time.Duration {
	if n.cfg.Payloads.StaleAfter > 0 {
		return n.cfg.Payloads.StaleAfter
	}
	return defaultStaleAfter
}

func (n *Node) nullifierFrontPath() string {
	return filepath.Join(n.cfg.DataDir, "nullifier-front")
}

// seedCommittedStatus populates status and metrics from the ledger,
// so a restarted node reports its height before the next block lands.
func (n *Node) seedCommittedStatus() {
	version, root, ok := n.ledger.LatestRoot()
	if !ok {
		return
	}

	st := committedStatus{height: version, stateRoot: root[:]}
	if _, blockHash, _, _, err := n.finStore.LoadFinalizationByHeight(n.ctx, version); err == nil {
		st.blockHash = []byte(blockHash)
	}

	n.statusMu.Lock()
	n.committed = st
	n.statusMu.Unlock()

	n.metrics.ObserveAppliedBlock(capeapp.AppliedBlock{Height: version, StateRoot: root})
}

func (n *Node) observeViewUpdate(u hselink.ViewUpdate) {
	n.currentView.Store(u.View)
	n.metrics.ObserveViewUpdate(u)
}

func (n *Node) consumeApplied(
	applied <-chan capeapp.AppliedBlock, archiveFeed chan<- capeapp.AppliedBlock,
) {
	defer n.bg.Done()

	for {
		select {
		case <-n.ctx.Done():
			return
		case b := <-applied:
			n.metrics.ObserveAppliedBlock(b)

			n.statusMu.Lock()
			n.committed = committedStatus{
				height:    b.Height,
				blockHash: b.BlockHash,
				stateRoot: b.StateRoot[:],
			}
			n.statusMu.Unlock()

			if archiveFeed == nil {
				continue
			}
			select {
			case archiveFeed <- b:
			default:
				// The live feed must never stall consensus.
				// Gaps are recoverable through an archive backfill.
				n.log.Warn("Archive feed full; skipping block", "height", b.Height)
			}
		}
	}
}

func (n *Node) broadcastPayloads(assembled <-chan capeapp.AssembledPayload) {
	defer n.bg.Done()

	dataShreds := n.cfg.Payloads.DataShreds
	if dataShreds <= 0 {
		dataShreds = defaultDataShreds
	}
	parityShreds := n.cfg.Payloads.ParityShreds
	if parityShreds <= 0 {
		parityShreds = defaultParityShreds
	}

	for {
		select {
		case <-n.ctx.Done():
			return
		case p := <-assembled:
			shreds, err := edissem.ShredPayload(n.ctx, p.Payload, p.Height, dataShreds, parityShreds)
			if err != nil {
				n.log.Warn("Not shredding assembled payload", "height", p.Height, "err", err)
				continue
			}
			if err := n.pconn.Broadcast(n.ctx, shreds); err != nil {
				n.log.Warn("Failed to broadcast payload shreds", "height", p.Height, "err", err)
			}
		}
	}
}

// runShutdown unwinds everything Start brought up,
// in dependency order, once the node's context is canceled.
func (n *Node) runShutdown() {
	defer close(n.stopped)

	<-n.ctx.Done()

	if n.engine != nil {
		n.engine.Wait()
	}
	if n.app != nil {
		n.app.Wait()
	}
	if n.gossip != nil {
		n.gossip.Wait()
	}

	if n.conn != nil {
		n.conn.Disconnect()
		<-n.conn.Disconnected()
	}
	if n.pconn != nil {
		n.pconn.Disconnect()
		<-n.pconn.Disconnected()
	}

	if n.httpSrv != nil {
		n.httpSrv.Wait()
	}
	if n.archiver != nil {
		n.archiver.Wait()
	}
	n.bg.Wait()

	n.closeErr = n.releaseResources()
}

func (n *Node) releaseResources() error {
	var errs []error

	if n.ledger != nil && !n.cfg.InMemory {
		if snap, err := n.ledger.SnapshotNullifierFront(); err != nil {
			n.log.Warn("Not persisting nullifier front snapshot", "err", err)
		} else if err := os.WriteFile(n.nullifierFrontPath(), snap, 0o600); err != nil {
			errs = append(errs, fmt.Errorf("writing nullifier front snapshot: %w", err))
		}
	}

	if n.host != nil {
		if err := n.host.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing libp2p host: %w", err))
		}
	}
	if n.consensusDB != nil {
		if err := n.consensusDB.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing consensus store: %w", err))
		}
	}
	if n.stateDB != nil {
		if err := n.stateDB.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing state store: %w", err))
		}
	}
	if n.archiveDB != nil {
		n.archiveDB.Close()
	}

	return errors.Join(errs...)
}

// Wait blocks until the node has fully stopped.
func (n *Node) Wait() {
	if n.stopped == nil {
		return
	}
	<-n.stopped
}

// Close stops the node and releases its resources.
// Safe to call more than once.
func (n *Node) Close() error {
	if n.cancel == nil {
		return nil
	}
	n.cancel()
	<-n.stopped
	return n.closeErr
}

// SubmitTransaction validates tx against current state
// and admits it to the mempool.
func (n *Node) SubmitTransaction(ctx context.Context, tx cape.Transaction) error {
	if n.mempool == nil {
		return errors.New("node not started")
	}
	return n.mempool.Add(ctx, tx)
}

// Ledger exposes the node's ledger state for read queries.
func (n *Node) Ledger() *cape.LedgerState {
	return n.ledger
}

// HTTPAddr returns the bound address of the HTTP API,
// or nil when the server is disabled or the node not started.
func (n *Node) HTTPAddr() net.Addr {
	return n.httpAddr
}

// P2PAddrs returns the node's listen addresses with its peer ID
// appended, the form other nodes accept as seed addresses.
func (n *Node) P2PAddrs() []string {
	if n.host == nil {
		return nil
	}

	h := n.host.Libp2pHost()
	suffix := "/p2p/" + h.ID().String()

	addrs := h.Addrs()
	out := make([]string, len(addrs))
	for i, a := range addrs {
		out[i] = a.String() + suffix
	}
	return out
}

// Status reports a snapshot of the node's position in the chain.
type Status struct {
	Moniker string `json:"moniker"`
	ChainID string `json:"chain_id"`

	PeerID string `json:"peer_id"`
	Peers  int    `json:"peers"`

	// ValidatorAddress is empty on observer nodes.
	ValidatorAddress string `json:"validator_address,omitempty"`

	CommittedHeight    uint64 `json:"committed_height"`
	CommittedBlockHash string `json:"committed_block_hash"`
	StateRoot          string `json:"state_root"`

	CurrentView uint64 `json:"current_view"`

	MempoolSize int `json:"mempool_size"`
}

// Status reports where the node currently stands.
func (n *Node) Status() Status {
	st := Status{
		Moniker: n.cfg.Moniker,
		ChainID: n.chainID,

		CurrentView: n.currentView.Load(),
	}

	if n.host != nil {
		h := n.host.Libp2pHost()
		st.PeerID = h.ID().String()
		st.Peers = len(h.Network().Peers())
	}
	if n.signerPub != nil {
		st.ValidatorAddress = ecrypto.AddressText(n.signerPub)
	}
	if n.mempool != nil {
		st.MempoolSize = n.mempool.Size()
	}

	n.statusMu.Lock()
	st.CommittedHeight = n.committed.height
	st.CommittedBlockHash = hex.EncodeToString(n.committed.blockHash)
	st.StateRoot = hex.EncodeToString(n.committed.stateRoot)
	n.statusMu.Unlock()

	return st
}
