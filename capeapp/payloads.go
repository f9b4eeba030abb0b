package capeapp

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/PythonRysh/espresso/edissem"
	"github.com/PythonRysh/espresso/hs/hselink"
	"github.com/PythonRysh/espresso/internal/echan"
)

// PayloadStore caches block payloads by content address between
// assembly or network reassembly and finalization.
//
// It is the [edissem.PayloadSink] for reassembled payloads and
// reports every newly stored payload to consensus as an
// [hselink.PayloadArrival], which is what clears a proposal to be
// voted on. Safe for concurrent use.
type PayloadStore struct {
	log *slog.Logger

	// Arrival notifications to the consensus engine; may be nil.
	arrivals chan<- hselink.PayloadArrival

	mu       sync.Mutex
	payloads map[string]payloadEntry
	waiters  map[string][]chan []byte
}

type payloadEntry struct {
	data   []byte
	height uint64
}

var _ edissem.PayloadSink = (*PayloadStore)(nil)

func NewPayloadStore(log *slog.Logger, arrivals chan<- hselink.PayloadArrival) *PayloadStore {
	return &PayloadStore{
		log: log,

		arrivals: arrivals,

		payloads: make(map[string]payloadEntry),
		waiters:  make(map[string][]chan []byte),
	}
}

// Put stores a locally assembled payload destined for the given
// height and returns its content address.
func (s *PayloadStore) Put(ctx context.Context, height uint64, payload []byte) []byte {
	id := edissem.PayloadID(payload)
	s.store(ctx, height, id, payload)
	return id
}

// AcceptPayload stores a payload reassembled from the network.
func (s *PayloadStore) AcceptPayload(ctx context.Context, height uint64, payloadID, payload []byte) error {
	if !bytes.Equal(payloadID, edissem.PayloadID(payload)) {
		return fmt.Errorf("payload for height %d does not hash to its ID", height)
	}

	s.store(ctx, height, payloadID, payload)
	return nil
}

func (s *PayloadStore) store(ctx context.Context, height uint64, id, payload []byte) {
	key := string(id)

	s.mu.Lock()
	if _, have := s.payloads[key]; have {
		s.mu.Unlock()
		return
	}
	s.payloads[key] = payloadEntry{data: payload, height: height}

	woken := s.waiters[key]
	delete(s.waiters, key)
	s.mu.Unlock()

	for _, ch := range woken {
		// Waiter channels are 1-buffered and received exactly once.
		ch <- payload
	}

	if s.arrivals != nil {
		_ = echan.SendC(
			ctx, s.log,
			s.arrivals, hselink.PayloadArrival{DataID: key},
			"notifying payload arrival",
		)
	}
}

// Get returns the payload stored under id, if present.
func (s *PayloadStore) Get(id []byte) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.payloads[string(id)]
	return e.data, ok
}

// Await blocks until the payload under id is stored,
// or ctx is canceled.
func (s *PayloadStore) Await(ctx context.Context, id []byte) ([]byte, error) {
	key := string(id)

	s.mu.Lock()
	if e, ok := s.payloads[key]; ok {
		s.mu.Unlock()
		return e.data, nil
	}
	ch := make(chan []byte, 1)
	s.waiters[key] = append(s.waiters[key], ch)
	s.mu.Unlock()

	select {
	case <-ctx.Done():
		s.dropWaiter(key, ch)
		return nil, context.Cause(ctx)
	case payload := <-ch:
		return payload, nil
	}
}

func (s *PayloadStore) dropWaiter(key string, ch chan []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ws := s.waiters[key]
	for i, w := range ws {
		if w == ch {
			s.waiters[key] = append(ws[:i], ws[i+1:]...)
			break
		}
	}
	if len(s.waiters[key]) == 0 {
		delete(s.waiters, key)
	}
}

// DropThrough discards payloads stored for heights at or below the
// given height, which have either finalized or lost their view.
func (s *PayloadStore) DropThrough(height uint64) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	dropped := 0
	for key, e := range s.payloads {
		if e.height <= height {
			delete(s.payloads, key)
			dropped++
		}
	}
	return dropped
}
