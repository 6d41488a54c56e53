// Package queue implements the batch accumulator: many producers push pending
// transactions, one consumer receives shuffled ReadyBatch messages.
package queue

import (
	"context"
	"crypto/rand"
	"math/big"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/bitsage/vm31-relayer/internal/chain"
	"github.com/bitsage/vm31-relayer/pkg/logging"
	"github.com/bitsage/vm31-relayer/pkg/metrics"
)

// ReadyBatch is a flushed batch ready for proving. The transaction order is
// the post-shuffle order and is authoritative for proof construction,
// submission, and note indexing.
type ReadyBatch struct {
	BatchID      string
	Transactions []chain.PendingTx
}

type queuedTx struct {
	tx         chain.PendingTx
	enqueuedAt time.Time
}

// Config is the flush policy.
type Config struct {
	// MaxSize triggers an immediate flush when reached by a push.
	MaxSize int
	// Timeout flushes once the oldest transaction has aged this long,
	// provided MinBatchSize is met.
	Timeout time.Duration
	// MinBatchSize is the smallest batch a timeout or force flush may emit.
	// It bounds the worst-case anonymity set.
	MinBatchSize int
	// MaxWait overrides MinBatchSize: once the oldest transaction has waited
	// this long, flush whatever is queued.
	MaxWait time.Duration
	// ChannelBuffer is the ReadyBatch channel capacity.
	ChannelBuffer int
}

// BatchQueue accumulates pending transactions and flushes them as shuffled
// batches per the configured policy.
type BatchQueue struct {
	mu      sync.Mutex
	pending []queuedTx

	cfg     Config
	out     chan ReadyBatch
	logger  *logging.Logger
	metrics *metrics.Metrics
}

// New creates a queue and the channel its batches are delivered on.
func New(cfg Config, logger *logging.Logger, m *metrics.Metrics) (*BatchQueue, <-chan ReadyBatch) {
	out := make(chan ReadyBatch, cfg.ChannelBuffer)
	q := &BatchQueue{
		pending: make([]queuedTx, 0, cfg.MaxSize),
		cfg:     cfg,
		out:     out,
		logger:  logger.WithComponent("queue"),
		metrics: m,
	}
	return q, out
}

// Push adds a transaction to the queue. If the push fills the batch, the
// queue is drained and the new batch id is returned; otherwise the returned
// id is empty and the second value is the queue length.
func (q *BatchQueue) Push(tx chain.PendingTx) (string, int) {
	q.mu.Lock()
	q.pending = append(q.pending, queuedTx{tx: tx, enqueuedAt: time.Now()})
	length := len(q.pending)

	if length >= q.cfg.MaxSize {
		batch := q.drainLocked()
		q.mu.Unlock()
		q.logger.Info("batch queue size-triggered flush", "batch_id", batch.BatchID, "tx_count", len(batch.Transactions))
		q.metrics.RecordFlush("size", len(batch.Transactions))
		q.emit(batch)
		return batch.BatchID, 0
	}

	q.mu.Unlock()
	q.metrics.QueueDepth.Set(float64(length))
	return "", length
}

// PendingCount returns the current number of queued transactions.
func (q *BatchQueue) PendingCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// ForceFlush drains the queue on demand. The flush is refused when the queue
// is empty or below MinBatchSize: a lone-transaction batch would defeat
// mixing.
func (q *BatchQueue) ForceFlush() (string, bool) {
	q.mu.Lock()
	if len(q.pending) == 0 || len(q.pending) < q.cfg.MinBatchSize {
		q.mu.Unlock()
		return "", false
	}
	batch := q.drainLocked()
	q.mu.Unlock()

	q.logger.Info("batch queue force-flushed", "batch_id", batch.BatchID, "tx_count", len(batch.Transactions))
	q.metrics.RecordFlush("force", len(batch.Transactions))
	q.emit(batch)
	return batch.BatchID, true
}

// RunTimeoutLoop checks once per second for timeout- and max-wait-triggered
// flushes until ctx is done. The lock is held across the length inspection,
// the age inspection, and the drain, so a concurrent push cannot interleave.
func (q *BatchQueue) RunTimeoutLoop(ctx context.Context) {
	ticker := time.NewTicker(1 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			q.mu.Lock()
			if len(q.pending) == 0 {
				q.mu.Unlock()
				continue
			}
			age := time.Since(q.pending[0].enqueuedAt)
			trigger := ""
			switch {
			case age >= q.cfg.MaxWait:
				// Latency ceiling for lone depositors, at the cost of a
				// smaller anonymity set.
				trigger = "max_wait"
			case age >= q.cfg.Timeout && len(q.pending) >= q.cfg.MinBatchSize:
				trigger = "timeout"
			}
			if trigger == "" {
				q.mu.Unlock()
				continue
			}
			batch := q.drainLocked()
			q.mu.Unlock()

			q.logger.Info("batch queue timer-triggered flush",
				"batch_id", batch.BatchID,
				"tx_count", len(batch.Transactions),
				"trigger", trigger,
			)
			q.metrics.RecordFlush(trigger, len(batch.Transactions))
			if !q.emit(batch) {
				return
			}
		}
	}
}

// drainLocked empties the queue, shuffles the drained transactions, and
// assigns a fresh batch id. Caller holds q.mu.
func (q *BatchQueue) drainLocked() ReadyBatch {
	txs := make([]chain.PendingTx, len(q.pending))
	for i, item := range q.pending {
		txs[i] = item.tx
	}
	q.pending = q.pending[:0]

	shuffle(txs)
	q.metrics.QueueDepth.Set(0)

	return ReadyBatch{
		BatchID:      uuid.New().String(),
		Transactions: txs,
	}
}

// emit delivers a batch to the consumer channel. Returns false when the
// channel has been closed by shutdown; in-flight items are lost, which is
// acceptable for volatile storage.
func (q *BatchQueue) emit(batch ReadyBatch) (ok bool) {
	defer func() {
		if recover() != nil {
			q.logger.Warn("batch channel closed, dropping batch", "batch_id", batch.BatchID)
			ok = false
		}
	}()
	q.out <- batch
	return true
}

// Close closes the output channel. Call only after all producers have
// stopped.
func (q *BatchQueue) Close() {
	close(q.out)
}

// shuffle applies a Fisher–Yates shuffle with a cryptographically strong
// PRNG. This breaks the arrival-order / on-chain-position correlation that
// would otherwise partially deanonymize transactions within a batch.
func shuffle(txs []chain.PendingTx) {
	for i := len(txs) - 1; i > 0; i-- {
		jBig, err := rand.Int(rand.Reader, big.NewInt(int64(i+1)))
		if err != nil {
			// crypto/rand only fails if the OS entropy source is broken;
			// leaving the remaining prefix unshuffled is the safe fallback.
			return
		}
		j := int(jBig.Int64())
		txs[i], txs[j] = txs[j], txs[i]
	}
}
