// Package store provides the shared state backing batch records, idempotency
// tokens, rate-limit windows, and note records. Two implementations exist: an
// in-memory sharded store and a Redis-backed store with identical semantics.
package store

import (
	"context"
	"time"

	"github.com/bitsage/vm31-relayer/internal/chain"
)

// BatchStatus is the batch state machine. Transitions are monotone:
// Pending → Proving → Submitting → Finalized, with Failed reachable from any
// non-terminal state. Finalized and Failed are terminal.
type BatchStatus string

const (
	StatusPending    BatchStatus = "pending"
	StatusProving    BatchStatus = "proving"
	StatusSubmitting BatchStatus = "submitting"
	StatusFinalized  BatchStatus = "finalized"
	StatusFailed     BatchStatus = "failed"
)

// Terminal reports whether the status admits no further transitions.
func (s BatchStatus) Terminal() bool {
	return s == StatusFinalized || s == StatusFailed
}

// rank orders the forward path of the state machine.
func (s BatchStatus) rank() int {
	switch s {
	case StatusPending:
		return 0
	case StatusProving:
		return 1
	case StatusSubmitting:
		return 2
	case StatusFinalized:
		return 3
	default:
		return -1
	}
}

// CanTransition reports whether from → to is a legal state-machine move.
func CanTransition(from, to BatchStatus) bool {
	if from.Terminal() {
		return false
	}
	if to == StatusFailed {
		return true
	}
	return to.rank() > from.rank()
}

// BatchRecord is the persisted lifecycle of one batch.
type BatchRecord struct {
	ID             string      `json:"id"`
	Status         BatchStatus `json:"status"`
	TxCount        int         `json:"tx_count"`
	ProofHash      string      `json:"proof_hash,omitempty"`
	BatchIDOnchain string      `json:"batch_id_onchain,omitempty"`
	TxHash         string      `json:"tx_hash,omitempty"`
	CreatedAt      int64       `json:"created_at"`
	Error          string      `json:"error,omitempty"`
}

// NewBatchRecord creates a record in Pending at the current time.
func NewBatchRecord(id string, txCount int) *BatchRecord {
	return &BatchRecord{
		ID:        id,
		Status:    StatusPending,
		TxCount:   txCount,
		CreatedAt: time.Now().Unix(),
	}
}

// StatusUpdate carries the optional fields attached to a status transition.
// Empty strings leave the existing value untouched.
type StatusUpdate struct {
	ProofHash      string
	BatchIDOnchain string
	TxHash         string
	Error          string
}

// apply merges an update into a record.
func (u StatusUpdate) apply(rec *BatchRecord) {
	if u.ProofHash != "" {
		rec.ProofHash = u.ProofHash
	}
	if u.BatchIDOnchain != "" {
		rec.BatchIDOnchain = u.BatchIDOnchain
	}
	if u.TxHash != "" {
		rec.TxHash = u.TxHash
	}
	if u.Error != "" {
		rec.Error = u.Error
	}
}

// MerklePathRecord is the stored form of an inclusion path.
type MerklePathRecord struct {
	Siblings []chain.Digest `json:"siblings"`
	Index    uint64         `json:"index"`
}

// NoteRecord indexes one output note produced by a finalized batch. The
// Merkle fields hold the all-zero sentinel until the tree syncer backfills
// them.
type NoteRecord struct {
	Commitment       string           `json:"commitment"`
	MerklePath       MerklePathRecord `json:"merkle_path"`
	MerkleRoot       chain.Digest     `json:"merkle_root"`
	BatchID          string           `json:"batch_id"`
	CreatedAt        int64            `json:"created_at"`
	CommitmentDigest *chain.Digest    `json:"commitment_digest,omitempty"`
	OutputIndex      int              `json:"output_index"`
}

// Pending reports whether the record still awaits its Merkle backfill.
func (n *NoteRecord) Pending() bool {
	return n.MerkleRoot.IsZero()
}

// BatchStore persists batch lifecycle records.
type BatchStore interface {
	SaveBatch(ctx context.Context, rec *BatchRecord) error
	GetBatch(ctx context.Context, id string) (*BatchRecord, error)
	// UpdateStatus applies a state-machine transition. Illegal transitions
	// (backwards, or out of a terminal state) are rejected.
	UpdateStatus(ctx context.Context, id string, status BatchStatus, extra StatusUpdate) error
}

// IdempotencyStore deduplicates submissions by token key.
type IdempotencyStore interface {
	// CheckAndSet atomically returns the cached result if key is present and
	// unexpired, else stores result under key. existed is true on a hit.
	CheckAndSet(ctx context.Context, key, result string) (cached string, existed bool, err error)
}

// RateLimitStore counts requests per key in fixed windows.
type RateLimitStore interface {
	// CheckRate returns true if the request is allowed, false if the window
	// count would exceed limit.
	CheckRate(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
}

// NoteStore persists note records keyed by commitment.
type NoteStore interface {
	SaveNote(ctx context.Context, rec *NoteRecord) error
	// GetNote returns (nil, nil) when no record exists.
	GetNote(ctx context.Context, commitment string) (*NoteRecord, error)
	// ListPendingNotes returns all records with sentinel Merkle roots.
	ListPendingNotes(ctx context.Context) ([]*NoteRecord, error)
}

// Store is the full shared-state surface.
type Store interface {
	BatchStore
	IdempotencyStore
	RateLimitStore
	NoteStore
}
