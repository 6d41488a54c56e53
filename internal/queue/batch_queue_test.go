package queue

import (
	"context"
	"io"
	"sort"
	"testing"
	"time"

	"github.com/bitsage/vm31-relayer/internal/chain"
	"github.com/bitsage/vm31-relayer/pkg/logging"
	"github.com/bitsage/vm31-relayer/pkg/metrics"
)

func testLogger() *logging.Logger {
	return logging.New(logging.Config{Level: logging.ErrorLevel, Output: io.Discard, ServiceName: "test"})
}

func newTestQueue(t *testing.T, cfg Config) (*BatchQueue, <-chan ReadyBatch) {
	t.Helper()
	if cfg.ChannelBuffer == 0 {
		cfg.ChannelBuffer = 8
	}
	return New(cfg, testLogger(), metrics.New(metrics.DefaultConfig()))
}

func makeDeposit(amount uint64) chain.PendingTx {
	return chain.Deposit{
		Amount:  amount,
		AssetID: 1,
	}
}

func TestSizeTriggeredFlush(t *testing.T) {
	q, rx := newTestQueue(t, Config{MaxSize: 2, Timeout: time.Hour, MinBatchSize: 1, MaxWait: time.Hour})

	batchID, length := q.Push(makeDeposit(1000))
	if batchID != "" {
		t.Fatalf("first push should not flush, got batch id %q", batchID)
	}
	if length != 1 {
		t.Fatalf("queue length = %d, want 1", length)
	}
	if q.PendingCount() != 1 {
		t.Fatalf("pending count = %d, want 1", q.PendingCount())
	}

	batchID, length = q.Push(makeDeposit(2000))
	if batchID == "" {
		t.Fatal("second push should trigger a flush")
	}
	if length != 0 {
		t.Fatalf("queue length after flush = %d, want 0", length)
	}

	select {
	case ready := <-rx:
		if len(ready.Transactions) != 2 {
			t.Fatalf("batch size = %d, want 2", len(ready.Transactions))
		}
		if ready.BatchID != batchID {
			t.Fatalf("batch id mismatch: %q vs %q", ready.BatchID, batchID)
		}
	default:
		t.Fatal("no batch delivered")
	}

	if q.PendingCount() != 0 {
		t.Fatalf("pending count after flush = %d, want 0", q.PendingCount())
	}
}

func TestForceFlushRefusedBelowMinBatch(t *testing.T) {
	q, rx := newTestQueue(t, Config{MaxSize: 16, Timeout: time.Hour, MinBatchSize: 3, MaxWait: time.Hour})

	q.Push(makeDeposit(1000))

	if _, flushed := q.ForceFlush(); flushed {
		t.Fatal("force flush below min batch size should be refused")
	}
	if q.PendingCount() != 1 {
		t.Fatalf("refused flush must not drain the queue, pending = %d", q.PendingCount())
	}
	select {
	case <-rx:
		t.Fatal("no batch should be emitted")
	default:
	}
}

func TestForceFlushAtMinBatch(t *testing.T) {
	q, rx := newTestQueue(t, Config{MaxSize: 16, Timeout: time.Hour, MinBatchSize: 3, MaxWait: time.Hour})

	for i := 0; i < 3; i++ {
		q.Push(makeDeposit(uint64(1000 * (i + 1))))
	}

	batchID, flushed := q.ForceFlush()
	if !flushed || batchID == "" {
		t.Fatal("force flush at min batch size should succeed")
	}

	ready := <-rx
	if len(ready.Transactions) != 3 {
		t.Fatalf("batch size = %d, want 3", len(ready.Transactions))
	}

	// Empty queue is refused
	if _, flushed := q.ForceFlush(); flushed {
		t.Fatal("force flush on empty queue should be refused")
	}
}

func TestTimeoutFlushRequiresMinBatchSize(t *testing.T) {
	q, rx := newTestQueue(t, Config{
		MaxSize:      16,
		Timeout:      50 * time.Millisecond,
		MinBatchSize: 3,
		MaxWait:      time.Hour,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go q.RunTimeoutLoop(ctx)

	q.Push(makeDeposit(1000))

	// The timeout elapses but the queue stays below min batch size
	select {
	case <-rx:
		t.Fatal("timeout flush must not fire below min batch size")
	case <-time.After(2500 * time.Millisecond):
	}
	if q.PendingCount() != 1 {
		t.Fatalf("pending count = %d, want 1", q.PendingCount())
	}
}

func TestMaxWaitOverridesMinBatchSize(t *testing.T) {
	q, rx := newTestQueue(t, Config{
		MaxSize:      16,
		Timeout:      50 * time.Millisecond,
		MinBatchSize: 3,
		MaxWait:      1500 * time.Millisecond,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go q.RunTimeoutLoop(ctx)

	q.Push(makeDeposit(1000))

	select {
	case ready := <-rx:
		if len(ready.Transactions) != 1 {
			t.Fatalf("batch size = %d, want 1", len(ready.Transactions))
		}
	case <-time.After(5 * time.Second):
		t.Fatal("max wait flush never fired")
	}
}

func TestFlushPreservesMultiset(t *testing.T) {
	const n = 16
	q, rx := newTestQueue(t, Config{MaxSize: n, Timeout: time.Hour, MinBatchSize: 1, MaxWait: time.Hour, ChannelBuffer: 2})

	want := make([]uint64, 0, n)
	for i := 0; i < n; i++ {
		amount := uint64(1000 + i)
		want = append(want, amount)
		q.Push(makeDeposit(amount))
	}

	ready := <-rx
	if len(ready.Transactions) != n {
		t.Fatalf("batch size = %d, want %d", len(ready.Transactions), n)
	}

	got := make([]uint64, 0, n)
	for _, tx := range ready.Transactions {
		got = append(got, tx.TxAmount())
	}
	sort.Slice(got, func(i, j int) bool { return got[i] < got[j] })
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("multiset mismatch at %d: got %d want %d", i, got[i], want[i])
		}
	}
}

func TestShufflePermutesOrder(t *testing.T) {
	// With 16 elements the probability of the identity permutation per
	// flush is 1/16!; across 5 flushes a stuck order means a broken shuffle.
	const n = 16
	identityCount := 0
	for trial := 0; trial < 5; trial++ {
		q, rx := newTestQueue(t, Config{MaxSize: n, Timeout: time.Hour, MinBatchSize: 1, MaxWait: time.Hour, ChannelBuffer: 2})
		for i := 0; i < n; i++ {
			q.Push(makeDeposit(uint64(1000 + i)))
		}
		ready := <-rx

		identity := true
		for i, tx := range ready.Transactions {
			if tx.TxAmount() != uint64(1000+i) {
				identity = false
				break
			}
		}
		if identity {
			identityCount++
		}
	}
	if identityCount == 5 {
		t.Fatal("shuffle produced the arrival order on every flush")
	}
}
