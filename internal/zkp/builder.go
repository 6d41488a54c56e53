// Package zkp is the relayer's seam to the proving system. The batch witness
// is assembled here and proof generation is delegated through the Builder
// interface; the default implementation drives the external prover binary.
package zkp

import (
	"context"

	"github.com/bitsage/vm31-relayer/internal/chain"
)

// Artifact is the output of a successful batch proof.
type Artifact struct {
	// PublicInputs is the verifier-facing input stream, in batch order.
	PublicInputs []uint32
	// NewCommitments is the ordered stream of output-note commitments the
	// proof produced: one per deposit, none per withdrawal, two per
	// transfer, in batch order. The note index depends on this contract.
	NewCommitments []chain.Digest
	// Proof is the opaque serialized proof blob.
	Proof []byte
}

// Builder accumulates one batch's transactions and proves them. A Builder is
// single-use: Add the transactions in shuffled batch order, then call Prove
// exactly once.
type Builder interface {
	Add(tx chain.PendingTx) error
	// Prove is CPU-bound and may run for minutes.
	Prove(ctx context.Context) (*Artifact, error)
}

// BuilderFactory creates a fresh Builder per batch.
type BuilderFactory func() Builder
