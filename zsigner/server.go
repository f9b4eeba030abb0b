// Package zsigner keeps consensus keys out of the node process:
// a Server holds the key and signs over a local unix socket,
// and a Client stands in for the key on the node side.
package zsigner

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"

	"github.com/gorilla/rpc/v2"
	"github.com/gorilla/rpc/v2/json2"

	"github.com/PythonRysh/espresso/ecrypto"
)

// PubKeyArgs requests the signer's public key.
type PubKeyArgs struct{}

// PubKeyReply carries the key in its registry encoding.
type PubKeyReply struct {
	PubKey []byte `json:"pub_key"`
}

// SignArgs requests a signature over Input.
type SignArgs struct {
	Input []byte `json:"input"`
}

// SignReply carries the signature.
type SignReply struct {
	Signature []byte `json:"signature"`
}

type signerService struct {
	log    *slog.Logger
	signer ecrypto.Signer
	reg    *ecrypto.Registry
}

func (s *signerService) PubKey(r *http.Request, _ *PubKeyArgs, reply *PubKeyReply) error {
	reply.PubKey = s.reg.Marshal(s.signer.PubKey())
	return nil
}

func (s *signerService) Sign(r *http.Request, args *SignArgs, reply *SignReply) error {
	sig, err := s.signer.Sign(r.Context(), args.Input)
	if err != nil {
		s.log.Warn("Refusing to sign", "err", err)
		return err
	}
	reply.Signature = sig
	return nil
}

// Server answers signing requests on a unix socket
// until its context is canceled.
type Server struct {
	done chan struct{}
}

// NewServer binds socketPath, replacing any stale socket file,
// and begins serving signer's key.
func NewServer(
	ctx context.Context,
	log *slog.Logger,
	signer ecrypto.Signer,
	reg *ecrypto.Registry,
	socketPath string,
) (*Server, error) {
	if err := os.MkdirAll(filepath.Dir(socketPath), 0o700); err != nil {
		return nil, fmt.Errorf("creating socket directory: %w", err)
	}
	if err := os.Remove(socketPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("removing stale socket: %w", err)
	}

	ln, err := net.Listen("unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("listening on %s: %w", socketPath, err)
	}
	if err := os.Chmod(socketPath, 0o600); err != nil {
		_ = ln.Close()
		return nil, fmt.Errorf("restricting socket permissions: %w", err)
	}

	rs := rpc.NewServer()
	rs.RegisterCodec(json2.NewCodec(), "application/json")
	if err := rs.RegisterService(&signerService{
		log:    log,
		signer: signer,
		reg:    reg,
	}, "Signer"); err != nil {
		_ = ln.Close()
		return nil, fmt.Errorf("registering signer service: %w", err)
	}

	srv := &http.Server{
		Handler: rs,

		BaseContext: func(net.Listener) context.Context {
			return ctx
		},
	}

	s := &Server{
		done: make(chan struct{}),
	}
	go s.serve(log, ln, srv)
	go s.waitForShutdown(ctx, srv)

	log.Info("Signer listening", "socket", socketPath, "key", ecrypto.AddressText(signer.PubKey()))

	return s, nil
}

// Wait blocks until the server has shut down.
func (s *Server) Wait() {
	<-s.done
}

func (s *Server) waitForShutdown(ctx context.Context, srv *http.Server) {
	select {
	case <-s.done:
		return
	case <-ctx.Done():
		_ = srv.Close()
	}
}

func (s *Server) serve(log *slog.Logger, ln net.Listener, srv *http.Server) {
	defer close(s.done)

	if err := srv.Serve(ln); err != nil {
		if errors.Is(err, net.ErrClosed) || errors.Is(err, http.ErrServerClosed) {
			log.Info("Signer shutting down")
		} else {
			log.Info("Signer shutting down due to error", "err", err)
		}
	}
}
