package zerok

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/mr-tron/base58"

	"github.com/PythonRysh/espresso/cape"
	"github.com/PythonRysh/espresso/capeapp"
	"github.com/PythonRysh/espresso/ecrypto"
	"github.com/PythonRysh/espresso/emerkle"
	"github.com/PythonRysh/espresso/hs/hsstore"
)

type httpServer struct {
	done chan struct{}
}

type httpServerConfig struct {
	Listener net.Listener

	Node *Node
}

func newHTTPServer(ctx context.Context, log *slog.Logger, cfg httpServerConfig) *httpServer {
	srv := &http.Server{
		Handler: newMux(log, cfg),

		BaseContext: func(net.Listener) context.Context {
			return ctx
		},
	}

	h := &httpServer{
		done: make(chan struct{}),
	}
	go h.serve(log, cfg.Listener, srv)
	go h.waitForShutdown(ctx, srv)

	return h
}

func (h *httpServer) Wait() {
	<-h.done
}

func (h *httpServer) waitForShutdown(ctx context.Context, srv *http.Server) {
	select {
	case <-h.done:
		// h.serve returned on its own, nothing left to do here.
		return
	case <-ctx.Done():
		_ = srv.Close()
	}
}

func (h *httpServer) serve(log *slog.Logger, ln net.Listener, srv *http.Server) {
	defer close(h.done)

	if err := srv.Serve(ln); err != nil {
		if errors.Is(err, net.ErrClosed) || errors.Is(err, http.ErrServerClosed) {
			log.Info("HTTP server shutting down")
		} else {
			log.Info("HTTP server shutting down due to error", "err", err)
		}
	}
}

func newMux(log *slog.Logger, cfg httpServerConfig) http.Handler {
	r := mux.NewRouter()

	r.HandleFunc("/v1/status", handleStatus(log, cfg)).Methods("GET")
	r.HandleFunc("/v1/blocks/{height:[0-9]+}", handleBlock(log, cfg)).Methods("GET")
	r.HandleFunc("/v1/records/{commitment}", handleRecord(log, cfg)).Methods("GET")
	r.HandleFunc("/v1/transactions", handleSubmitTransaction(log, cfg)).Methods("POST")

	r.Handle("/metrics", cfg.Node.metrics.Handler()).Methods("GET")

	return r
}

func handleStatus(log *slog.Logger, cfg httpServerConfig) func(w http.ResponseWriter, req *http.Request) {
	return func(w http.ResponseWriter, req *http.Request) {
		st := cfg.Node.Status()

		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(st); err != nil {
			log.Warn("Failed to marshal status response", "err", err)
		}
	}
}

// BlockResponse describes one finalized block.
type BlockResponse struct {
	Height uint64 `json:"height"`
	View   uint64 `json:"view"`

	BlockHash string `json:"block_hash"`
	StateRoot string `json:"state_root"`

	// Validators in effect after the block executed.
	Validators []ValidatorResponse `json:"validators"`
}

// ValidatorResponse is one entry of a block's validator set.
type ValidatorResponse struct {
	Address string `json:"address"`
	PubKey  string `json:"pub_key"`
	Power   uint64 `json:"power"`
}

func handleBlock(log *slog.Logger, cfg httpServerConfig) func(w http.ResponseWriter, req *http.Request) {
	return func(w http.ResponseWriter, req *http.Request) {
		height, err := strconv.ParseUint(mux.Vars(req)["height"], 10, 64)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		n := cfg.Node
		view, blockHash, valSet, stateRoot, err := n.finStore.LoadFinalizationByHeight(req.Context(), height)
		if err != nil {
			if errors.Is(err, hsstore.ErrFinalizationNotFound) {
				http.Error(w, err.Error(), http.StatusNotFound)
				return
			}
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}

		resp := BlockResponse{
			Height: height,
			View:   view,

			// The store keeps hashes as raw byte strings.
			BlockHash: hex.EncodeToString([]byte(blockHash)),
			StateRoot: hex.EncodeToString([]byte(stateRoot)),

			Validators: make([]ValidatorResponse, len(valSet.Validators)),
		}
		for i, v := range valSet.Validators {
			resp.Validators[i] = ValidatorResponse{
				Address: ecrypto.AddressText(v.PubKey),
				PubKey:  hex.EncodeToString(n.reg.Marshal(v.PubKey)),
				Power:   v.Power,
			}
		}

		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(resp); err != nil {
			log.Warn("Failed to marshal block response", "err", err)
		}
	}
}

// RecordResponse proves a record's presence or absence
// in the ledger's record tree.
type RecordResponse struct {
	Commitment string `json:"commitment"`

	// Version of the tree the proof was taken against.
	Version uint64 `json:"version"`

	Present bool `json:"present"`

	// Opening is set only for present records.
	Opening *RecordOpeningResponse `json:"opening,omitempty"`

	Proof ProofResponse `json:"proof"`
}

// RecordOpeningResponse is the plaintext of a present record.
type RecordOpeningResponse struct {
	Amount uint64 `json:"amount"`
	Asset  string `json:"asset"`
	Owner  string `json:"owner"`
	Frozen bool   `json:"frozen"`
	Blind  string `json:"blind"`
}

// ProofResponse is a merkle proof in wire form.
type ProofResponse struct {
	Levels []ProofLevelResponse `json:"levels"`

	// Divergent is the leaf occupying the key's path
	// in an exclusion proof, when one exists.
	Divergent *DivergentLeafResponse `json:"divergent,omitempty"`
}

// ProofLevelResponse is one tree level of sibling hashes.
type ProofLevelResponse struct {
	Bitmap uint16   `json:"bitmap"`
	Hashes []string `json:"hashes"`
}

// DivergentLeafResponse summarizes the leaf found in place
// of an absent key.
type DivergentLeafResponse struct {
	KeyHash   string `json:"key_hash"`
	ValueHash string `json:"value_hash"`
}

func handleRecord(log *slog.Logger, cfg httpServerConfig) func(w http.ResponseWriter, req *http.Request) {
	return func(w http.ResponseWriter, req *http.Request) {
		rc, err := cape.ParseRecordCommitment(mux.Vars(req)["commitment"])
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		opening, proof, version, err := cfg.Node.ledger.RecordProof(req.Context(), rc)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}

		resp := RecordResponse{
			Commitment: rc.String(),
			Version:    version,
			Present:    opening != nil,
			Proof:      proofResponse(proof),
		}
		if opening != nil {
			resp.Opening = &RecordOpeningResponse{
				Amount: opening.Amount,
				Asset:  opening.Asset.Code.String(),
				Owner:  opening.Owner.String(),
				Frozen: opening.Freeze == cape.Frozen,
				Blind:  base58.Encode(opening.Blind[:]),
			}
		}

		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(resp); err != nil {
			log.Warn("Failed to marshal record response", "err", err)
		}
	}
}

func proofResponse(p emerkle.Proof) ProofResponse {
	resp := ProofResponse{
		Levels: make([]ProofLevelResponse, len(p.Levels)),
	}
	for i, lvl := range p.Levels {
		hashes := make([]string, len(lvl.Hashes))
		for j, h := range lvl.Hashes {
			hashes[j] = hex.EncodeToString(h[:])
		}
		resp.Levels[i] = ProofLevelResponse{Bitmap: lvl.Bitmap, Hashes: hashes}
	}
	if p.Divergent != nil {
		resp.Divergent = &DivergentLeafResponse{
			KeyHash:   hex.EncodeToString(p.Divergent.Key[:]),
			ValueHash: hex.EncodeToString(p.Divergent.ValueHash[:]),
		}
	}
	return resp
}

// SubmitResponse acknowledges an admitted transaction.
type SubmitResponse struct {
	Digest string `json:"digest"`
}

func handleSubmitTransaction(log *slog.Logger, cfg httpServerConfig) func(w http.ResponseWriter, req *http.Request) {
	return func(w http.ResponseWriter, req *http.Request) {
		body, err := io.ReadAll(http.MaxBytesReader(w, req.Body, 1<<20))
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		tx, err := cape.UnmarshalTransaction(body)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		if err := cfg.Node.SubmitTransaction(req.Context(), tx); err != nil {
			status := http.StatusBadRequest
			switch {
			case errors.Is(err, capeapp.ErrAlreadyInMempool):
				status = http.StatusConflict
			case errors.Is(err, capeapp.ErrMempoolFull):
				status = http.StatusServiceUnavailable
			}
			http.Error(w, err.Error(), status)
			return
		}

		digest := tx.Digest()

		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(SubmitResponse{
			Digest: hex.EncodeToString(digest[:]),
		}); err != nil {
			log.Warn("Failed to marshal submit response", "err", err)
		}
	}
}
