// internal/chain/relay.go
package chain

import (
	"context"
	"fmt"
	"strings"

	"github.com/bitsage/vm31-relayer/pkg/logging"
)

// RelayOutcome is the result of a completed relay flow.
type RelayOutcome struct {
	// BatchIDOnchain is the batch identifier assigned by the verifier.
	BatchIDOnchain string
	// TxHash is the hash of the proof submission transaction.
	TxHash string
	// Finalized reports whether the pool accepted the batch in this flow
	// (false means the pool reported it already finalized by another flow).
	Finalized bool
}

// WithdrawalRecipients carries the per-withdrawal binding digests, in batch
// order, for the payout and credit legs.
type WithdrawalRecipients struct {
	Payout []string
	Credit []string
}

// RelayerFlow drives the multi-step on-chain submission protocol.
type RelayerFlow interface {
	Submit(ctx context.Context, publicInputs []uint32, proofHash string, recipients WithdrawalRecipients) (RelayOutcome, error)
}

// Relayer is the sncast-backed RelayerFlow. Every substep is idempotent on
// the contract side, so a crashed flow can be re-driven from the start with
// the same proof hash.
type Relayer struct {
	invoker          Invoker
	verifierContract string
	poolContract     string
	chunkSize        int
	logger           *logging.Logger
}

// NewRelayer creates a relayer flow.
func NewRelayer(invoker Invoker, verifierContract, poolContract string, chunkSize int, logger *logging.Logger) *Relayer {
	return &Relayer{
		invoker:          invoker,
		verifierContract: verifierContract,
		poolContract:     poolContract,
		chunkSize:        chunkSize,
		logger:           logger.WithComponent("relay"),
	}
}

// idempotentMarkers are contract rejections that mean the substep already
// ran; the flow treats them as success.
var idempotentMarkers = []string{
	"chunk exists",
	"already registered",
	"proof exists",
	"already finalized",
	"recipient exists",
}

func isIdempotentRejection(err error) bool {
	invokeErr, ok := err.(*InvokeError)
	if !ok {
		return false
	}
	for _, marker := range idempotentMarkers {
		if strings.Contains(invokeErr.Stderr, marker) {
			return true
		}
	}
	return false
}

// Submit implements RelayerFlow: register public inputs in chunks, submit the
// proof, register withdrawal recipients, finalize.
func (r *Relayer) Submit(ctx context.Context, publicInputs []uint32, proofHash string, recipients WithdrawalRecipients) (RelayOutcome, error) {
	// Step 1: register public inputs chunk by chunk
	for chunkIdx := 0; chunkIdx*r.chunkSize < len(publicInputs); chunkIdx++ {
		start := chunkIdx * r.chunkSize
		end := start + r.chunkSize
		if end > len(publicInputs) {
			end = len(publicInputs)
		}

		calldata := []string{proofHash, fmt.Sprintf("0x%x", chunkIdx), fmt.Sprintf("0x%x", end-start)}
		for _, input := range publicInputs[start:end] {
			calldata = append(calldata, fmt.Sprintf("0x%x", input))
		}

		if _, err := r.invoker.Invoke(ctx, r.verifierContract, "register_input_chunk", calldata); err != nil {
			if !isIdempotentRejection(err) {
				return RelayOutcome{}, fmt.Errorf("registering input chunk %d: %w", chunkIdx, err)
			}
			r.logger.Debug("input chunk already registered", "chunk", chunkIdx, "proof_hash", proofHash)
		}
	}

	// Step 2: submit the proof
	txHash, err := r.invoker.Invoke(ctx, r.verifierContract, "submit_batch_proof", []string{proofHash})
	if err != nil {
		if !isIdempotentRejection(err) {
			return RelayOutcome{}, fmt.Errorf("submitting proof: %w", err)
		}
		r.logger.Debug("proof already submitted", "proof_hash", proofHash)
		txHash = "already_submitted"
	}

	// Step 3: register withdrawal recipients
	for idx := range recipients.Payout {
		calldata := []string{proofHash, fmt.Sprintf("0x%x", idx), recipients.Payout[idx], recipients.Credit[idx]}
		if _, err := r.invoker.Invoke(ctx, r.poolContract, "register_withdrawal_recipient", calldata); err != nil {
			if !isIdempotentRejection(err) {
				return RelayOutcome{}, fmt.Errorf("registering withdrawal recipient %d: %w", idx, err)
			}
			r.logger.Debug("withdrawal recipient already registered", "idx", idx, "proof_hash", proofHash)
		}
	}

	// Step 4: finalize the batch
	finalized := true
	if _, err := r.invoker.Invoke(ctx, r.poolContract, "finalize_batch", []string{proofHash}); err != nil {
		if !isIdempotentRejection(err) {
			return RelayOutcome{}, fmt.Errorf("finalizing batch: %w", err)
		}
		// Someone (a retried flow) finalized before us
		finalized = false
		r.logger.Debug("batch already finalized", "proof_hash", proofHash)
	}

	// The verifier derives the on-chain batch id from the proof hash, so it
	// is stable across retries.
	return RelayOutcome{
		BatchIDOnchain: batchIDFromProofHash(proofHash),
		TxHash:         txHash,
		Finalized:      finalized,
	}, nil
}

// batchIDFromProofHash mirrors the verifier's batch-id derivation: the first
// 16 bytes of the proof hash.
func batchIDFromProofHash(proofHash string) string {
	s := strings.TrimPrefix(proofHash, "0x")
	if len(s) > 32 {
		s = s[:32]
	}
	return s
}
