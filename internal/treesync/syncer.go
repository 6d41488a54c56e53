// internal/treesync/syncer.go
package treesync

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/bitsage/vm31-relayer/internal/chain"
	"github.com/bitsage/vm31-relayer/internal/store"
	"github.com/bitsage/vm31-relayer/pkg/logging"
	"github.com/bitsage/vm31-relayer/pkg/metrics"
)

// ProofResult is an on-demand inclusion proof.
type ProofResult struct {
	Siblings []chain.Digest
	Index    uint64
	Root     chain.Digest
}

// Syncer keeps the local tree in sync with the on-chain pool and backfills
// pending note records with real Merkle proofs.
type Syncer struct {
	// mu guards tree. The sync tick swaps the tree out, runs the blocking
	// chain fetch without the lock, and swaps it back, so proof lookups are
	// never blocked on RPC.
	mu   sync.Mutex
	tree *Tree

	pool      chain.PoolClient
	notes     store.NoteStore
	cachePath string
	interval  time.Duration
	logger    *logging.Logger
	metrics   *metrics.Metrics
}

// NewSyncer loads (or creates) the cached tree and returns the syncer.
func NewSyncer(pool chain.PoolClient, notes store.NoteStore, cachePath string, interval time.Duration, logger *logging.Logger, m *metrics.Metrics) (*Syncer, error) {
	if cachePath == "" {
		cachePath = DefaultCachePath()
	}

	tree, err := LoadOrCreate(cachePath)
	if err != nil {
		return nil, fmt.Errorf("loading tree cache: %w", err)
	}

	logger = logger.WithComponent("treesync")
	logger.Info("tree sync initialized", "cache", cachePath, "leaves", tree.Size())
	m.TreeLeaves.Set(float64(tree.Size()))

	return &Syncer{
		tree:      tree,
		pool:      pool,
		notes:     notes,
		cachePath: cachePath,
		interval:  interval,
		logger:    logger,
		metrics:   m,
	}, nil
}

// Run executes the sync → backfill loop until ctx is done.
func (s *Syncer) Run(ctx context.Context) {
	s.logger.Info("tree sync loop started", "interval_secs", s.interval.Seconds())
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.SyncOnce(ctx); err != nil {
				s.logger.Warn("tree sync tick failed", "error", err)
				s.metrics.TreeSyncErrors.Inc()
			}
			if err := s.backfillPending(ctx); err != nil {
				s.logger.Warn("backfill tick failed", "error", err)
			}
		}
	}
}

// SyncOnce fetches new NoteInserted events, appends them, and verifies the
// local root against the chain. The tree is moved out from under the mutex
// for the duration of the blocking fetch and put back regardless of outcome.
func (s *Syncer) SyncOnce(ctx context.Context) error {
	s.mu.Lock()
	tree := s.tree
	s.tree = NewTree()
	s.mu.Unlock()

	added, syncErr := s.syncTree(ctx, tree)

	s.mu.Lock()
	s.tree = tree
	s.mu.Unlock()

	if syncErr != nil {
		return syncErr
	}

	if added > 0 {
		if err := tree.Save(s.cachePath); err != nil {
			s.logger.Warn("saving tree cache failed", "error", err)
		}
		s.metrics.TreeLeaves.Set(float64(tree.Size()))
		s.logger.Info("tree synced", "total_leaves", tree.Size(), "events_added", added)
	} else {
		s.logger.Debug("tree up-to-date", "total_leaves", tree.Size())
	}
	return nil
}

// syncTree appends new events and cross-checks the resulting root.
func (s *Syncer) syncTree(ctx context.Context, tree *Tree) (int, error) {
	events, err := s.pool.NoteInsertedEvents(ctx, uint64(tree.Size()))
	if err != nil {
		return 0, fmt.Errorf("fetching events: %w", err)
	}

	added := 0
	for _, ev := range events {
		if ev.LeafIndex != uint64(tree.Size()) {
			// Gap or replay; stop here and retry next tick
			break
		}
		tree.Append(ev.Commitment)
		added++
	}

	if added > 0 {
		chainRoot, err := s.pool.Root(ctx)
		if err != nil {
			return added, fmt.Errorf("fetching chain root: %w", err)
		}
		if localRoot := tree.Root(); localRoot != chainRoot {
			return added, fmt.Errorf("root mismatch: local %s chain %s", localRoot.Hex(), chainRoot.Hex())
		}
	}

	return added, nil
}

// backfillPending fills sentinel note records whose commitments have landed
// on-chain.
func (s *Syncer) backfillPending(ctx context.Context) error {
	pending, err := s.notes.ListPendingNotes(ctx)
	if err != nil {
		return fmt.Errorf("listing pending notes: %w", err)
	}
	if len(pending) == 0 {
		return nil
	}

	s.logger.Debug("backfilling pending notes", "count", len(pending))

	s.mu.Lock()
	defer s.mu.Unlock()

	filled := 0
	for _, note := range pending {
		if note.CommitmentDigest == nil {
			// Without the on-chain digest the record cannot be matched to a
			// leaf; the prover supplies it for its own deposits.
			s.logger.Debug("skipping note without commitment digest", "commitment", note.Commitment)
			continue
		}

		leafIndex, ok := s.tree.FindCommitment(*note.CommitmentDigest)
		if !ok {
			// Not on-chain yet (or not synced far enough); retry next tick
			continue
		}

		proof, err := s.tree.Prove(leafIndex)
		if err != nil {
			s.logger.Warn("prove failed", "commitment", note.Commitment, "error", err)
			continue
		}

		note.MerklePath = store.MerklePathRecord{Siblings: proof.Siblings, Index: proof.Index}
		note.MerkleRoot = s.tree.Root()

		if err := s.notes.SaveNote(ctx, note); err != nil {
			s.logger.Warn("failed to update note", "commitment", note.Commitment, "error", err)
			continue
		}
		filled++
	}

	if filled > 0 {
		s.metrics.NotesBackfilled.Add(float64(filled))
		s.logger.Info("backfilled note merkle paths", "filled", filled)
	}
	return nil
}

// GetProof serves an on-demand proof for a 64-hex-char commitment digest.
func (s *Syncer) GetProof(commitmentHex string) (*ProofResult, bool) {
	digest, err := chain.ParseDigestHex(commitmentHex)
	if err != nil {
		return nil, false
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	leafIndex, ok := s.tree.FindCommitment(digest)
	if !ok {
		return nil, false
	}
	proof, err := s.tree.Prove(leafIndex)
	if err != nil {
		return nil, false
	}

	return &ProofResult{
		Siblings: proof.Siblings,
		Index:    proof.Index,
		Root:     s.tree.Root(),
	}, true
}

// LeafCount returns the current tree size.
func (s *Syncer) LeafCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tree.Size()
}
