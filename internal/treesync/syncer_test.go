package treesync

import (
	"context"
	"io"
	"path/filepath"
	"testing"
	"time"

	"github.com/bitsage/vm31-relayer/internal/chain"
	"github.com/bitsage/vm31-relayer/internal/store"
	"github.com/bitsage/vm31-relayer/pkg/logging"
	"github.com/bitsage/vm31-relayer/pkg/metrics"
)

type fakePool struct {
	events []chain.NoteInsertedEvent
	root   chain.Digest
}

func (f *fakePool) IsKnownRoot(ctx context.Context, root chain.Digest) (bool, error) {
	return root == f.root, nil
}

func (f *fakePool) IsNullifierSpent(ctx context.Context, nullifier chain.Digest) (bool, error) {
	return false, nil
}

func (f *fakePool) Root(ctx context.Context) (chain.Digest, error) {
	return f.root, nil
}

func (f *fakePool) NoteInsertedEvents(ctx context.Context, fromIndex uint64) ([]chain.NoteInsertedEvent, error) {
	var out []chain.NoteInsertedEvent
	for _, ev := range f.events {
		if ev.LeafIndex >= fromIndex {
			out = append(out, ev)
		}
	}
	return out, nil
}

func (f *fakePool) Ping(ctx context.Context) error { return nil }

func syncLogger() *logging.Logger {
	return logging.New(logging.Config{Level: logging.ErrorLevel, Output: io.Discard, ServiceName: "test"})
}

func newFakePool(leafCount uint32) *fakePool {
	pool := &fakePool{}
	expected := NewTree()
	for i := uint32(0); i < leafCount; i++ {
		d := leaf(i * 10)
		pool.events = append(pool.events, chain.NoteInsertedEvent{LeafIndex: uint64(i), Commitment: d})
		expected.Append(d)
	}
	pool.root = expected.Root()
	return pool
}

func newTestSyncer(t *testing.T, pool chain.PoolClient, notes store.NoteStore) *Syncer {
	t.Helper()
	syncer, err := NewSyncer(
		pool, notes,
		filepath.Join(t.TempDir(), "tree_cache.json"),
		time.Second,
		syncLogger(), metrics.New(metrics.DefaultConfig()),
	)
	if err != nil {
		t.Fatalf("NewSyncer: %v", err)
	}
	return syncer
}

func TestSyncOnceAppendsAndVerifiesRoot(t *testing.T) {
	pool := newFakePool(3)
	st := store.NewMemoryStore(syncLogger())
	syncer := newTestSyncer(t, pool, st)

	if err := syncer.SyncOnce(context.Background()); err != nil {
		t.Fatalf("SyncOnce: %v", err)
	}
	if syncer.LeafCount() != 3 {
		t.Fatalf("leaf count = %d, want 3", syncer.LeafCount())
	}

	// A second sync with no new events is a no-op
	if err := syncer.SyncOnce(context.Background()); err != nil {
		t.Fatalf("second SyncOnce: %v", err)
	}
	if syncer.LeafCount() != 3 {
		t.Fatalf("leaf count after no-op sync = %d", syncer.LeafCount())
	}
}

func TestSyncOnceRejectsRootMismatch(t *testing.T) {
	pool := newFakePool(2)
	pool.root = chain.Digest{1, 1, 1, 1, 1, 1, 1, 1}
	syncer := newTestSyncer(t, pool, store.NewMemoryStore(syncLogger()))

	if err := syncer.SyncOnce(context.Background()); err == nil {
		t.Fatal("root mismatch must fail the sync tick")
	}
}

func TestBackfillPending(t *testing.T) {
	ctx := context.Background()
	pool := newFakePool(3)
	st := store.NewMemoryStore(syncLogger())
	syncer := newTestSyncer(t, pool, st)

	onchain := leaf(10) // leaf index 1
	st.SaveNote(ctx, &store.NoteRecord{
		Commitment:       "commitment-key-1",
		BatchID:          "batch-1",
		CreatedAt:        time.Now().Unix(),
		CommitmentDigest: &onchain,
	})
	// A note with no digest cannot be matched and must be skipped
	st.SaveNote(ctx, &store.NoteRecord{
		Commitment: "no-digest",
		BatchID:    "batch-1",
		CreatedAt:  time.Now().Unix(),
	})

	if err := syncer.SyncOnce(ctx); err != nil {
		t.Fatalf("SyncOnce: %v", err)
	}
	if err := syncer.backfillPending(ctx); err != nil {
		t.Fatalf("backfillPending: %v", err)
	}

	rec, err := st.GetNote(ctx, "commitment-key-1")
	if err != nil || rec == nil {
		t.Fatalf("GetNote: %v", err)
	}
	if rec.Pending() {
		t.Fatal("note should have been backfilled")
	}
	// The backfilled proof must satisfy the verification relation
	path := chain.MerklePath{Siblings: rec.MerklePath.Siblings, Index: rec.MerklePath.Index}
	if !Verify(onchain, path, rec.MerkleRoot) {
		t.Fatal("backfilled proof does not verify")
	}

	skipped, _ := st.GetNote(ctx, "no-digest")
	if !skipped.Pending() {
		t.Fatal("note without a commitment digest must stay pending")
	}
}

func TestGetProofOnDemand(t *testing.T) {
	pool := newFakePool(4)
	syncer := newTestSyncer(t, pool, store.NewMemoryStore(syncLogger()))
	syncer.SyncOnce(context.Background())

	target := leaf(20) // leaf index 2
	proof, ok := syncer.GetProof(target.Hex())
	if !ok {
		t.Fatal("GetProof should find a synced commitment")
	}
	if proof.Index != 2 {
		t.Fatalf("proof index = %d, want 2", proof.Index)
	}
	if !Verify(target, chain.MerklePath{Siblings: proof.Siblings, Index: proof.Index}, proof.Root) {
		t.Fatal("on-demand proof does not verify")
	}

	if _, ok := syncer.GetProof(leaf(999).Hex()); ok {
		t.Fatal("unknown commitment must not produce a proof")
	}
	if _, ok := syncer.GetProof("not-hex"); ok {
		t.Fatal("malformed commitment must not produce a proof")
	}
}
