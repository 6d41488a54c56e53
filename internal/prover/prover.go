// Package prover orchestrates batch proving and on-chain submission: the
// single consumer of the batch queue. Each batch runs the validate → prove →
// submit → bridge → finalize → index pipeline and its record moves through a
// strict state machine.
package prover

import (
	"context"
	"fmt"
	"time"

	"github.com/bitsage/vm31-relayer/internal/bridge"
	"github.com/bitsage/vm31-relayer/internal/chain"
	"github.com/bitsage/vm31-relayer/internal/events"
	"github.com/bitsage/vm31-relayer/internal/queue"
	"github.com/bitsage/vm31-relayer/internal/store"
	"github.com/bitsage/vm31-relayer/internal/zkp"
	"github.com/bitsage/vm31-relayer/pkg/errors"
	"github.com/bitsage/vm31-relayer/pkg/logging"
	"github.com/bitsage/vm31-relayer/pkg/metrics"
)

// Orchestrator drives batches from ReadyBatch to a terminal state. It holds
// at most one batch in flight; further batches wait on the channel.
type Orchestrator struct {
	builderFactory zkp.BuilderFactory
	pool           chain.PoolClient
	relayer        chain.RelayerFlow
	bridge         *bridge.Service
	store          store.Store
	publisher      *events.Publisher
	logger         *logging.Logger
	metrics        *metrics.Metrics
}

// New creates an orchestrator. publisher may be nil.
func New(
	builderFactory zkp.BuilderFactory,
	pool chain.PoolClient,
	relayer chain.RelayerFlow,
	bridgeSvc *bridge.Service,
	st store.Store,
	publisher *events.Publisher,
	logger *logging.Logger,
	m *metrics.Metrics,
) *Orchestrator {
	return &Orchestrator{
		builderFactory: builderFactory,
		pool:           pool,
		relayer:        relayer,
		bridge:         bridgeSvc,
		store:          st,
		publisher:      publisher,
		logger:         logger.WithComponent("prover"),
		metrics:        m,
	}
}

// Run consumes batches until the channel closes or ctx is done.
func (o *Orchestrator) Run(ctx context.Context, batches <-chan queue.ReadyBatch) {
	o.logger.Info("prover started, waiting for batches")
	for {
		select {
		case <-ctx.Done():
			o.logger.Info("prover stopping")
			return
		case ready, ok := <-batches:
			if !ok {
				o.logger.Warn("batch channel closed, prover shutting down")
				return
			}
			o.logger.Info("processing batch", "batch_id", ready.BatchID, "tx_count", len(ready.Transactions))

			if err := o.processBatch(ctx, ready.BatchID, ready.Transactions); err != nil {
				o.logger.Error("batch processing failed", "batch_id", ready.BatchID, "error", err)
				// Mark Failed on ANY error path so no batch is left in a
				// non-terminal state.
				o.failBatch(ctx, ready.BatchID, err)
			}
		}
	}
}

func (o *Orchestrator) failBatch(ctx context.Context, batchID string, cause error) {
	if err := o.store.UpdateStatus(ctx, batchID, store.StatusFailed, store.StatusUpdate{Error: cause.Error()}); err != nil {
		o.logger.Error("failed to mark batch failed", "batch_id", batchID, "error", err)
		return
	}
	o.metrics.RecordBatchOutcome(string(store.StatusFailed))
	if rec, err := o.store.GetBatch(ctx, batchID); err == nil && rec != nil {
		o.publisher.PublishTerminal(rec)
	}
}

// depositProjection is the data captured per deposit before the transactions
// are handed to the builder, used afterwards to index the output note.
type depositProjection struct {
	// batchPos is the transaction's position in the shuffled batch.
	batchPos int
	deposit  chain.Deposit
}

func (o *Orchestrator) processBatch(ctx context.Context, batchID string, txs []chain.PendingTx) error {
	// Step 0: the record exists from the moment the batch is dequeued
	if err := o.store.SaveBatch(ctx, store.NewBatchRecord(batchID, len(txs))); err != nil {
		return fmt.Errorf("saving batch record: %w", err)
	}

	// Step 1: validate against live chain state
	if err := o.validateInputs(ctx, txs); err != nil {
		return err
	}

	// Step 2: capture everything needed after proving, before the builder
	// takes the transactions: withdrawal recipients, per-tx kinds (to map
	// the output-commitment stream back to deposits), deposit projections.
	recipients := extractWithdrawalRecipients(txs)
	kinds := make([]chain.TxKind, len(txs))
	var deposits []depositProjection
	for i, tx := range txs {
		kinds[i] = tx.Kind()
		if dep, ok := tx.(chain.Deposit); ok {
			deposits = append(deposits, depositProjection{batchPos: i, deposit: dep})
		}
	}

	// Step 3: prove
	if err := o.store.UpdateStatus(ctx, batchID, store.StatusProving, store.StatusUpdate{}); err != nil {
		return fmt.Errorf("transition to proving: %w", err)
	}

	o.logger.Info("starting proof generation", "batch_id", batchID)
	proveStart := time.Now()
	builder := o.builderFactory()
	for _, tx := range txs {
		if err := builder.Add(tx); err != nil {
			return errors.E(err.Error(), errors.ProverDomain, "Prove", errors.CodeProver, err)
		}
	}
	artifact, err := builder.Prove(ctx)
	if err != nil {
		return errors.E("proof generation failed", errors.ProverDomain, "Prove", errors.CodeProver, err)
	}
	o.metrics.ProofDuration.Observe(time.Since(proveStart).Seconds())
	o.logger.Info("proof generation complete", "batch_id", batchID, "duration_secs", time.Since(proveStart).Seconds())

	// Step 4: canonical proof hash, then move to Submitting
	proofHash := chain.HashPublicInputs(artifact.PublicInputs).Hex()
	if err := o.store.UpdateStatus(ctx, batchID, store.StatusSubmitting, store.StatusUpdate{ProofHash: proofHash}); err != nil {
		return fmt.Errorf("transition to submitting: %w", err)
	}

	// Step 5: on-chain submission through the idempotent relay flow
	o.logger.Info("submitting to chain", "batch_id", batchID, "proof_hash", proofHash)
	submitStart := time.Now()
	outcome, err := o.relayer.Submit(ctx, artifact.PublicInputs, proofHash, recipients)
	if err != nil {
		return errors.E("on-chain submission failed", errors.RelayDomain, "Submit", errors.CodeRelayer, err)
	}
	o.metrics.SubmitDuration.Observe(time.Since(submitStart).Seconds())
	o.logger.Info("on-chain submission complete",
		"batch_id", batchID,
		"onchain_batch_id", outcome.BatchIDOnchain,
		"finalized", outcome.Finalized,
	)

	// Step 6: bridge withdrawals. Non-fatal: the bridge is idempotent and
	// individual failures can be retried out of band.
	if len(recipients.Payout) > 0 {
		o.logger.Info("bridging withdrawals", "batch_id", batchID, "count", len(recipients.Payout))
		for idx := range recipients.Payout {
			if _, err := o.bridge.BridgeWithdrawal(ctx, outcome.BatchIDOnchain, idx); err != nil {
				o.logger.Warn("bridge call failed (idempotent, can retry)",
					"batch_id", batchID,
					"withdrawal_idx", idx,
					"error", err,
				)
			}
		}
	}

	// Step 7: finalize the record
	if err := o.store.UpdateStatus(ctx, batchID, store.StatusFinalized, store.StatusUpdate{
		BatchIDOnchain: outcome.BatchIDOnchain,
		TxHash:         outcome.TxHash,
	}); err != nil {
		return fmt.Errorf("transition to finalized: %w", err)
	}
	o.metrics.RecordBatchOutcome(string(store.StatusFinalized))

	// Step 8: index deposit output notes for later Merkle-path lookups
	o.indexDeposits(ctx, batchID, kinds, deposits, artifact.NewCommitments)

	if rec, err := o.store.GetBatch(ctx, batchID); err == nil && rec != nil {
		o.publisher.PublishTerminal(rec)
	}

	o.logger.Info("batch finalized", "batch_id", batchID)
	return nil
}

// validateInputs verifies Merkle roots against the pool's known-roots set and
// rejects already-spent nullifiers. Any miss fails the whole batch.
func (o *Orchestrator) validateInputs(ctx context.Context, txs []chain.PendingTx) error {
	validation := func(msg string, cause error) error {
		return errors.E(msg, errors.ProverDomain, "ValidateInputs", errors.CodeProver, cause)
	}

	for _, tx := range txs {
		switch t := tx.(type) {
		case chain.Withdraw:
			known, err := o.pool.IsKnownRoot(ctx, t.MerkleRoot)
			if err != nil {
				return validation("root check failed", err)
			}
			if !known {
				return validation("unknown merkle root in withdrawal", nil)
			}
			spent, err := o.pool.IsNullifierSpent(ctx, chain.Nullifier(t.Note, t.SpendingKey))
			if err != nil {
				return validation("nullifier check failed", err)
			}
			if spent {
				return validation("nullifier already spent", nil)
			}
		case chain.Transfer:
			known, err := o.pool.IsKnownRoot(ctx, t.MerkleRoot)
			if err != nil {
				return validation("root check failed", err)
			}
			if !known {
				return validation("unknown merkle root in transfer", nil)
			}
			for _, input := range t.InputNotes {
				spent, err := o.pool.IsNullifierSpent(ctx, chain.Nullifier(input.Note, input.SpendingKey))
				if err != nil {
					return validation("nullifier check failed", err)
				}
				if spent {
					return validation("nullifier already spent in transfer", nil)
				}
			}
		case chain.Deposit:
			// Deposits reference no existing notes
		}
	}
	return nil
}

// extractWithdrawalRecipients collects the per-withdrawal binding digests in
// batch order. The digest commits (payout, credit, asset, amount, idx)
// without revealing its preimage, so both legs carry the same reference.
func extractWithdrawalRecipients(txs []chain.PendingTx) chain.WithdrawalRecipients {
	var recipients chain.WithdrawalRecipients
	for _, tx := range txs {
		if w, ok := tx.(chain.Withdraw); ok {
			bindingHex := w.WithdrawalBinding.Hex()
			recipients.Payout = append(recipients.Payout, bindingHex)
			recipients.Credit = append(recipients.Credit, bindingHex)
		}
	}
	return recipients
}

// indexDeposits walks the proof's output-commitment stream using the captured
// kinds and writes a NoteRecord per deposit with sentinel Merkle fields for
// the tree syncer to backfill. The builder emits exactly {1, 0, 2} new
// commitments for {deposit, withdraw, transfer}; any divergence is a
// proving-layer contract violation and aborts the walk.
func (o *Orchestrator) indexDeposits(ctx context.Context, batchID string, kinds []chain.TxKind, deposits []depositProjection, newCommitments []chain.Digest) {
	// cursorAt[i] is the index of transaction i's first output commitment
	cursorAt := make([]int, len(kinds))
	cursor := 0
	for i, kind := range kinds {
		cursorAt[i] = cursor
		cursor += kind.OutputCount()
	}
	if cursor != len(newCommitments) {
		o.logger.Error("output commitment stream does not match transaction kinds",
			"batch_id", batchID,
			"expected", cursor,
			"got", len(newCommitments),
		)
		return
	}

	for _, proj := range deposits {
		digest := newCommitments[cursorAt[proj.batchPos]]
		dep := proj.deposit

		rec := &store.NoteRecord{
			Commitment:       chain.CommitmentKey(dep.RecipientPubKey, dep.AssetID, dep.Amount, dep.RecipientViewingKey),
			MerkleRoot:       chain.ZeroDigest,
			BatchID:          batchID,
			CreatedAt:        time.Now().Unix(),
			CommitmentDigest: &digest,
			OutputIndex:      proj.batchPos,
		}
		if err := o.store.SaveNote(ctx, rec); err != nil {
			o.logger.Error("failed to index deposit note",
				"batch_id", batchID,
				"commitment", rec.Commitment,
				"error", err,
			)
		}
	}
}
