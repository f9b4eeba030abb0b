package edissem

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/crypto/blake2b"
)

// PayloadSink receives each fully reassembled payload exactly once.
type PayloadSink interface {
	AcceptPayload(ctx context.Context, height uint64, payloadID []byte, payload []byte) error
}

// ShredProcessor reassembles payloads from shreds
// arriving in any order, from any number of peers.
//
// Completed payload IDs are remembered in an LRU cache,
// so straggler shreds for an already delivered payload
// are dropped instead of rebuilding it.
type ShredProcessor struct {
	log *slog.Logger

	sink PayloadSink

	groupsMu sync.RWMutex
	groups   map[string]*payloadGroup

	completed *lru.Cache[string, struct{}]

	staleAfter time.Duration
}

// payloadGroup is the in-progress reassembly state for one payload.
type payloadGroup struct {
	mu sync.Mutex

	rec *RSReconstructor

	payloadID   []byte
	payloadSize int
	height      uint64

	shardSize    int
	dataShreds   int
	parityShreds int

	firstSeen time.Time
}

// NewShredProcessor returns a processor delivering payloads to sink.
//
// completedSize bounds the remembered completed payload IDs;
// staleAfter bounds how long an incomplete group waits for more shreds
// before [ShredProcessor.RunBackgroundCleanup] discards it.
func NewShredProcessor(
	log *slog.Logger,
	sink PayloadSink,
	completedSize int,
	staleAfter time.Duration,
) (*ShredProcessor, error) {
	completed, err := lru.New[string, struct{}](completedSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create completed payload cache: %w", err)
	}

	return &ShredProcessor{
		log: log,

		sink: sink,

		groups: make(map[string]*payloadGroup),

		completed: completed,

		staleAfter: staleAfter,
	}, nil
}

// RunBackgroundCleanup discards reassembly groups that stopped
// receiving shreds, until ctx is canceled.
// Run it as a goroutine alongside the processor.
func (p *ShredProcessor) RunBackgroundCleanup(ctx context.Context) {
	ticker := time.NewTicker(p.staleAfter)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			p.cleanupStaleGroups(now)
		}
	}
}

// CollectShred processes one incoming shred.
// Shreds for completed payloads return nil without any work.
func (p *ShredProcessor) CollectShred(ctx context.Context, shred Shred) error {
	if err := p.checkShred(shred); err != nil {
		return err
	}

	if p.completed.Contains(string(shred.PayloadID)) {
		return nil
	}

	group, err := p.group(shred)
	if err != nil {
		return err
	}

	group.mu.Lock()
	defer group.mu.Unlock()

	// Re-check after acquiring the group:
	// a concurrent shred may have finished the payload.
	if p.completed.Contains(string(group.payloadID)) {
		return nil
	}

	if len(shred.Data) != group.shardSize {
		return fmt.Errorf(
			"shred size %d conflicts with group shard size %d", len(shred.Data), group.shardSize,
		)
	}
	if shred.PayloadSize != group.payloadSize ||
		shred.DataShreds != group.dataShreds ||
		shred.ParityShreds != group.parityShreds {
		return fmt.Errorf("shred metadata conflicts with group for payload %x", shred.PayloadID)
	}

	if err := group.rec.ReconstructData(ctx, shred.Index, shred.Data); err != nil {
		if errors.Is(err, ErrIncompleteSet) {
			return nil
		}
		return err
	}

	payload, err := group.rec.Data(make([]byte, 0, group.payloadSize), group.payloadSize)
	if err != nil {
		return fmt.Errorf("failed to produce reconstructed payload: %w", err)
	}

	if !bytes.Equal(PayloadID(payload), group.payloadID) {
		// The shreds were internally consistent but lied about
		// their payload; drop the group so honest shreds
		// can restart it.
		p.deleteGroup(string(group.payloadID))
		return fmt.Errorf("reconstructed payload does not match ID %x", group.payloadID)
	}

	if err := p.sink.AcceptPayload(ctx, group.height, group.payloadID, payload); err != nil {
		return fmt.Errorf("failed to deliver payload: %w", err)
	}

	p.completed.Add(string(group.payloadID), struct{}{})
	p.deleteGroup(string(group.payloadID))

	p.log.Debug(
		"Payload reassembled",
		"height", group.height,
		"payload_size", group.payloadSize,
	)

	return nil
}

func (p *ShredProcessor) checkShred(shred Shred) error {
	if len(shred.PayloadID) == 0 {
		return fmt.Errorf("shred missing payload ID")
	}
	if shred.PayloadSize <= 0 || shred.PayloadSize > maxPayloadSize {
		return fmt.Errorf("unreasonable payload size %d", shred.PayloadSize)
	}
	if shred.DataShreds <= 0 || shred.ParityShreds <= 0 {
		return fmt.Errorf(
			"unreasonable shard counts: %d data, %d parity",
			shred.DataShreds, shred.ParityShreds,
		)
	}
	if shred.Index < 0 || shred.Index >= shred.DataShreds+shred.ParityShreds {
		return fmt.Errorf("shred index %d out of range", shred.Index)
	}
	if len(shred.Data) == 0 {
		return fmt.Errorf("shred missing data")
	}
	if shred.PayloadSize > shred.DataShreds*len(shred.Data) {
		return fmt.Errorf(
			"payload size %d cannot fit in %d data shards of %d bytes",
			shred.PayloadSize, shred.DataShreds, len(shred.Data),
		)
	}

	h := blake2b.Sum256(shred.Data)
	if !bytes.Equal(h[:], shred.Hash) {
		return fmt.Errorf("shred hash mismatch: got %x want %x", h, shred.Hash)
	}

	return nil
}

// group returns the reassembly group for the shred,
// creating it when the shred is the payload's first.
func (p *ShredProcessor) group(shred Shred) (*payloadGroup, error) {
	key := string(shred.PayloadID)

	p.groupsMu.RLock()
	group, ok := p.groups[key]
	p.groupsMu.RUnlock()
	if ok {
		return group, nil
	}

	rec, err := NewRSReconstructor(shred.DataShreds, shred.ParityShreds, len(shred.Data))
	if err != nil {
		return nil, fmt.Errorf("failed to create reconstructor: %w", err)
	}

	p.groupsMu.Lock()
	defer p.groupsMu.Unlock()

	// Another shred may have created the group in the window
	// between the read and write locks.
	if group, ok := p.groups[key]; ok {
		return group, nil
	}

	group = &payloadGroup{
		rec: rec,

		payloadID:   shred.PayloadID,
		payloadSize: shred.PayloadSize,
		height:      shred.Height,

		shardSize:    len(shred.Data),
		dataShreds:   shred.DataShreds,
		parityShreds: shred.ParityShreds,

		firstSeen: time.Now(),
	}
	p.groups[key] = group

	return group, nil
}

func (p *ShredProcessor) deleteGroup(key string) {
	p.groupsMu.Lock()
	defer p.groupsMu.Unlock()
	delete(p.groups, key)
}

func (p *ShredProcessor) cleanupStaleGroups(now time.Time) {
	var stale []string

	p.groupsMu.RLock()
	for key, group := range p.groups {
		if now.Sub(group.firstSeen) > p.staleAfter {
			stale = append(stale, key)
		}
	}
	p.groupsMu.RUnlock()

	if len(stale) == 0 {
		return
	}

	p.groupsMu.Lock()
	for _, key := range stale {
		delete(p.groups, key)
	}
	p.groupsMu.Unlock()

	p.log.Debug("Discarded stale payload groups", "count", len(stale))
}
