package capeapp

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/btree"

	"github.com/PythonRysh/espresso/cape"
)

const (
	mempoolDegree = 16

	defaultMempoolCapacity = 10_000
)

// ErrMempoolFull is returned by [Mempool.Add] when the pool is at
// capacity and the new transaction does not outrank the worst one.
var ErrMempoolFull = errors.New("mempool is full")

// ErrAlreadyInMempool is returned by [Mempool.Add] for a transaction
// whose digest the pool already holds.
var ErrAlreadyInMempool = errors.New("transaction already in the mempool")

// TxValidator admits transactions into the mempool.
// [cape.LedgerState] satisfies it.
type TxValidator interface {
	ValidateTransaction(ctx context.Context, tx cape.Transaction) error
}

// poolTx is one queued transaction with its priority inputs.
type poolTx struct {
	tx cape.Transaction

	digest [32]byte

	fee uint64

	// Admission order, breaking fee ties first-come-first-served.
	seq uint64

	// Encoded size, so payload assembly can budget bytes
	// without re-marshaling.
	size int
}

// Less orders by fee, highest first, then by arrival.
func (p *poolTx) Less(than *poolTx) bool {
	if p.fee != than.fee {
		return p.fee > than.fee
	}
	return p.seq < than.seq
}

// Mempool holds validated transactions awaiting inclusion,
// prioritized by declared fee. Safe for concurrent use.
type Mempool struct {
	validator TxValidator
	capacity  int

	mu       sync.Mutex
	byOrder  *btree.BTreeG[*poolTx]
	byDigest map[[32]byte]*poolTx
	nextSeq  uint64
}

// NewMempool returns an empty pool admitting through validator.
// A non-positive capacity selects the default of 10000.
func NewMempool(validator TxValidator, capacity int) *Mempool {
	if capacity <= 0 {
		capacity = defaultMempoolCapacity
	}
	return &Mempool{
		validator: validator,
		capacity:  capacity,

		byOrder:  btree.NewG(mempoolDegree, (*poolTx).Less),
		byDigest: make(map[[32]byte]*poolTx),
	}
}

// Add validates tx against current state and queues it.
// At capacity, a transaction outranking the lowest-priority entry
// evicts it; otherwise Add returns [ErrMempoolFull].
func (m *Mempool) Add(ctx context.Context, tx cape.Transaction) error {
	raw, err := cape.MarshalTransaction(tx)
	if err != nil {
		return fmt.Errorf("encoding transaction: %w", err)
	}
	digest := tx.Digest()

	m.mu.Lock()
	_, have := m.byDigest[digest]
	m.mu.Unlock()
	if have {
		return ErrAlreadyInMempool
	}

	// Validation reads ledger state, so it stays outside the pool lock.
	if err := m.validator.ValidateTransaction(ctx, tx); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, have := m.byDigest[digest]; have {
		return ErrAlreadyInMempool
	}

	item := &poolTx{
		tx:     tx,
		digest: digest,
		fee:    tx.Fee(),
		seq:    m.nextSeq,
		size:   len(raw),
	}

	if len(m.byDigest) >= m.capacity {
		worst, ok := m.byOrder.Max()
		if !ok || !item.Less(worst) {
			return ErrMempoolFull
		}
		m.byOrder.Delete(worst)
		delete(m.byDigest, worst.digest)
	}

	m.nextSeq++
	m.byOrder.ReplaceOrInsert(item)
	m.byDigest[digest] = item
	return nil
}

// Reap returns the highest-priority transactions whose encoded sizes
// fit within maxBytes, in inclusion order. Entries too large for the
// remaining budget are skipped, not removed; the block that includes
// a reaped transaction is what removes it, via [Mempool.Strike].
func (m *Mempool) Reap(maxBytes int) []cape.Transaction {
	m.mu.Lock()
	defer m.mu.Unlock()

	var (
		txs  []cape.Transaction
		used int
	)
	m.byOrder.Ascend(func(item *poolTx) bool {
		if used+item.size > maxBytes {
			return true
		}
		txs = append(txs, item.tx)
		used += item.size
		return true
	})
	return txs
}

// Strike drops the given transactions, typically because a finalized
// block included them. Unknown transactions are ignored.
func (m *Mempool) Strike(txs []cape.Transaction) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, tx := range txs {
		if item, ok := m.byDigest[tx.Digest()]; ok {
			m.byOrder.Delete(item)
			delete(m.byDigest, item.digest)
		}
	}
}

// Revalidate re-checks every queued transaction against current state
// and drops the ones no longer valid, returning how many were dropped.
// Called after a block applies, when spent nullifiers and policy
// changes can invalidate queued transactions.
func (m *Mempool) Revalidate(ctx context.Context) int {
	m.mu.Lock()
	items := make([]*poolTx, 0, len(m.byDigest))
	m.byOrder.Ascend(func(item *poolTx) bool {
		items = append(items, item)
		return true
	})
	m.mu.Unlock()

	var stale []*poolTx
	for _, item := range items {
		if err := m.validator.ValidateTransaction(ctx, item.tx); err != nil {
			stale = append(stale, item)
		}
	}
	if len(stale) == 0 {
		return 0
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	dropped := 0
	for _, item := range stale {
		if _, ok := m.byDigest[item.digest]; ok {
			m.byOrder.Delete(item)
			delete(m.byDigest, item.digest)
			dropped++
		}
	}
	return dropped
}

// Size reports how many transactions are queued.
func (m *Mempool) Size() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return len(m.byDigest)
}
