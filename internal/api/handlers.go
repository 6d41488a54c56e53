// internal/api/handlers.go
package api

import (
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/bitsage/vm31-relayer/internal/ecies"
	"github.com/bitsage/vm31-relayer/internal/store"
	"github.com/bitsage/vm31-relayer/pkg/errors"
)

// minSubmitDuration is the timing floor applied to both envelope modes so a
// network observer cannot distinguish encrypted from plaintext submissions
// by response latency.
const minSubmitDuration = 5 * time.Millisecond

// handleHealth reports liveness.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.renderJSON(w, map[string]interface{}{
		"status":  "ok",
		"version": Version,
		"service": "vm31-relayer",
	}, http.StatusOK)
}

// handleStatus reports queue and policy state.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	s.renderJSON(w, map[string]interface{}{
		"pending_transactions": s.queue.PendingCount(),
		"batch_max_size":       s.config.Batch.MaxSize,
		"batch_timeout_secs":   s.config.Batch.TimeoutSecs,
		"min_batch_size":       s.config.Batch.MinBatchSize,
		"max_batch_wait_secs":  s.config.Batch.MaxWaitSecs,
	}, http.StatusOK)
}

// handlePublicKey exposes the relayer's ECIES public key.
func (s *Server) handlePublicKey(w http.ResponseWriter, r *http.Request) {
	if s.relayerPrivKey == nil {
		s.renderError(w, errors.Internal(errors.New("submission encryption not configured")))
		return
	}
	publicKey, err := ecies.PublicKey(s.relayerPrivKey)
	if err != nil {
		s.renderError(w, errors.Internal(err))
		return
	}
	s.renderJSON(w, map[string]interface{}{
		"public_key": publicKey,
		"version":    ecies.Version,
		"algorithm":  "x25519-hkdf-sha256-aes256gcm",
	}, http.StatusOK)
}

// envelopeProbe detects whether a body is an ECIES envelope.
type envelopeProbe struct {
	EphemeralPubkey string `json:"ephemeral_pubkey"`
	Ciphertext      string `json:"ciphertext"`
	Nonce           string `json:"nonce"`
	Version         uint8  `json:"version"`
}

// handleSubmit runs the submission pipeline: authenticate, rate limit per
// key then per IP, queue admission, envelope resolution with the timing
// floor, idempotency, validation, push.
func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	apiKey, ok := s.authenticate(r)
	if !ok {
		s.renderError(w, errors.Unauthorized())
		return
	}

	allowed, err := s.store.CheckRate(r.Context(), "key:"+apiKey, s.config.Server.RateLimitPerMin, time.Minute)
	if err != nil {
		s.renderError(w, errors.Internal(err))
		return
	}
	if !allowed {
		s.renderError(w, errors.RateLimited())
		return
	}

	// Per-IP window at 3x the key limit as a secondary control
	clientIP := s.clientIP(r)
	allowed, err = s.store.CheckRate(r.Context(), "ip:"+clientIP, s.config.Server.RateLimitPerMin*3, time.Minute)
	if err != nil {
		s.renderError(w, errors.Internal(err))
		return
	}
	if !allowed {
		s.renderError(w, errors.RateLimited())
		return
	}

	if s.queue.PendingCount() >= MaxPendingTxs {
		s.renderError(w, errors.BatchFull())
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		s.renderError(w, errors.BadRequest("unreadable request body"))
		return
	}

	// Envelope resolution. Everything from here to the pad is
	// latency-sensitive: the floor hides the decrypt cost.
	envelopeStart := time.Now()

	var probe envelopeProbe
	var req SubmitRequest
	var idemKey string

	if json.Unmarshal(body, &probe) == nil && probe.EphemeralPubkey != "" {
		if s.relayerPrivKey == nil {
			padTiming(envelopeStart)
			s.renderError(w, errors.BadRequest("encrypted submissions not configured"))
			return
		}
		plaintext, err := ecies.Open(s.relayerPrivKey, ecies.Envelope{
			EphemeralPubkey: probe.EphemeralPubkey,
			Ciphertext:      probe.Ciphertext,
			Nonce:           probe.Nonce,
			Version:         probe.Version,
		})
		if err != nil {
			padTiming(envelopeStart)
			s.renderError(w, errors.BadRequest("envelope decryption failed"))
			return
		}
		if err := json.Unmarshal(plaintext, &req); err != nil {
			padTiming(envelopeStart)
			s.renderError(w, errors.BadRequest("invalid submission payload"))
			return
		}
		// Deduplicates without decryption on replay
		idemKey = envelopeIdempotencyKey(probe.EphemeralPubkey, probe.Nonce, probe.Ciphertext)
	} else {
		if !s.config.Auth.AllowPlaintext {
			padTiming(envelopeStart)
			s.renderError(w, errors.BadRequest("plaintext submissions disabled"))
			return
		}
		if err := json.Unmarshal(body, &req); err != nil {
			padTiming(envelopeStart)
			s.renderError(w, errors.BadRequest("invalid submission payload"))
			return
		}
		idemKey = req.IdempotencyKey()
	}

	padTiming(envelopeStart)

	cached, existed, err := s.store.CheckAndSet(r.Context(), idemKey, "pending")
	if err != nil {
		s.renderError(w, errors.Internal(err))
		return
	}
	if existed {
		s.renderJSON(w, map[string]interface{}{
			"status":          "duplicate",
			"cached_result":   cached,
			"idempotency_key": idemKey,
		}, http.StatusOK)
		return
	}

	tx, err := req.ValidateAndConvert()
	if err != nil {
		s.renderError(w, err)
		return
	}

	batchID, queuePos := s.queue.Push(tx)
	s.metrics.SubmissionsTotal.WithLabelValues(tx.Kind().String()).Inc()

	status := "queued"
	var batchIDField interface{}
	if batchID != "" {
		status = "batch_triggered"
		batchIDField = batchID
	}
	s.renderJSON(w, map[string]interface{}{
		"status":          status,
		"batch_id":        batchIDField,
		"queue_position":  queuePos,
		"idempotency_key": idemKey,
	}, http.StatusAccepted)
}

// padTiming sleeps until at least minSubmitDuration has elapsed since start.
func padTiming(start time.Time) {
	if elapsed := time.Since(start); elapsed < minSubmitDuration {
		time.Sleep(minSubmitDuration - elapsed)
	}
}

// handleGetBatch returns a batch record.
func (s *Server) handleGetBatch(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.authenticate(r); !ok {
		s.renderError(w, errors.Unauthorized())
		return
	}

	id := chi.URLParam(r, "id")
	if !validBatchIDFormat(id) {
		s.renderError(w, errors.BadRequest("invalid batch id format"))
		return
	}

	rec, err := s.store.GetBatch(r.Context(), id)
	if err != nil {
		s.renderError(w, errors.Internal(err))
		return
	}
	if rec == nil {
		s.renderError(w, errors.BadRequest("batch not found"))
		return
	}

	s.renderJSON(w, map[string]interface{}{
		"id":               rec.ID,
		"status":           rec.Status,
		"tx_count":         rec.TxCount,
		"proof_hash":       emptyToNil(rec.ProofHash),
		"batch_id_onchain": emptyToNil(rec.BatchIDOnchain),
		"tx_hash":          emptyToNil(rec.TxHash),
		"created_at":       rec.CreatedAt,
		"error":            emptyToNil(rec.Error),
	}, http.StatusOK)
}

// handleForceProve triggers an admin flush. The flush is refused below the
// minimum batch size; the admin window is a fifth of the normal rate.
func (s *Server) handleForceProve(w http.ResponseWriter, r *http.Request) {
	apiKey, ok := s.authenticate(r)
	if !ok {
		s.renderError(w, errors.Unauthorized())
		return
	}

	adminLimit := s.config.Server.RateLimitPerMin / 5
	if adminLimit < 1 {
		adminLimit = 1
	}
	allowed, err := s.store.CheckRate(r.Context(), "prove:"+apiKey, adminLimit, time.Minute)
	if err != nil {
		s.renderError(w, errors.Internal(err))
		return
	}
	if !allowed {
		s.renderError(w, errors.RateLimited())
		return
	}

	if batchID, flushed := s.queue.ForceFlush(); flushed {
		s.renderJSON(w, map[string]interface{}{
			"status":   "flushed",
			"batch_id": batchID,
		}, http.StatusOK)
		return
	}
	s.renderJSON(w, map[string]interface{}{
		"status":  "empty",
		"message": "not enough pending transactions to prove",
	}, http.StatusOK)
}

// handleGetMerklePath serves inclusion proofs: the store record if populated,
// an on-demand proof from the tree syncer otherwise (written back
// opportunistically), a pending_sync marker when the record exists but the
// commitment has not landed, and 404 when nothing is known.
func (s *Server) handleGetMerklePath(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.authenticate(r); !ok {
		s.renderError(w, errors.Unauthorized())
		return
	}

	commitment := chi.URLParam(r, "commitment")
	if !validCommitmentFormat(commitment) {
		s.renderError(w, errors.BadRequest("invalid commitment format"))
		return
	}

	rec, err := s.store.GetNote(r.Context(), commitment)
	if err != nil {
		s.renderError(w, errors.Internal(err))
		return
	}

	if rec != nil {
		if !rec.Pending() {
			s.renderNotePath(w, rec)
			return
		}

		// Record exists with sentinel root; try an on-demand proof
		if s.syncer != nil && rec.CommitmentDigest != nil {
			if proof, ok := s.syncer.GetProof(rec.CommitmentDigest.Hex()); ok {
				rec.MerklePath = store.MerklePathRecord{Siblings: proof.Siblings, Index: proof.Index}
				rec.MerkleRoot = proof.Root
				if err := s.store.SaveNote(r.Context(), rec); err != nil {
					s.logger.Warn("opportunistic note backfill failed", "commitment", commitment, "error", err)
				}
				s.renderNotePath(w, rec)
				return
			}
		}

		s.renderJSON(w, map[string]interface{}{
			"commitment":  rec.Commitment,
			"merkle_path": nil,
			"merkle_root": nil,
			"batch_id":    rec.BatchID,
			"created_at":  rec.CreatedAt,
			"status":      "pending_sync",
		}, http.StatusOK)
		return
	}

	// No store record; the commitment may still be a raw on-chain digest
	if s.syncer != nil {
		if proof, ok := s.syncer.GetProof(commitment); ok {
			s.renderJSON(w, map[string]interface{}{
				"commitment": commitment,
				"merkle_path": map[string]interface{}{
					"siblings": proof.Siblings,
					"index":    proof.Index,
				},
				"merkle_root": proof.Root,
				"batch_id":    nil,
				"created_at":  nil,
			}, http.StatusOK)
			return
		}
	}

	s.renderError(w, errors.NotFound("note not indexed yet"))
}

func (s *Server) renderNotePath(w http.ResponseWriter, rec *store.NoteRecord) {
	s.renderJSON(w, map[string]interface{}{
		"commitment": rec.Commitment,
		"merkle_path": map[string]interface{}{
			"siblings": rec.MerklePath.Siblings,
			"index":    rec.MerklePath.Index,
		},
		"merkle_root": rec.MerkleRoot,
		"batch_id":    rec.BatchID,
		"created_at":  rec.CreatedAt,
	}, http.StatusOK)
}

func validBatchIDFormat(id string) bool {
	if id == "" || len(id) > 64 {
		return false
	}
	for _, c := range id {
		if !(c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= '0' && c <= '9' || c == '-') {
			return false
		}
	}
	return true
}

func validCommitmentFormat(commitment string) bool {
	if commitment == "" || len(commitment) > 128 {
		return false
	}
	for _, c := range commitment {
		if !(c >= '0' && c <= '9' || c >= 'a' && c <= 'f' || c >= 'A' && c <= 'F' || c == '-' || c == '_' || c == 'x') {
			return false
		}
	}
	return true
}

func emptyToNil(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
