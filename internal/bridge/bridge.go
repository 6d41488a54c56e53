// Package bridge invokes withdrawal bridging on the bridge contract. Calls
// are idempotent on-chain (duplicate bridge keys are rejected), so retries
// are safe.
package bridge

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/bitsage/vm31-relayer/internal/chain"
	"github.com/bitsage/vm31-relayer/pkg/errors"
	"github.com/bitsage/vm31-relayer/pkg/logging"
	"github.com/bitsage/vm31-relayer/pkg/metrics"
)

const (
	// maxRetries bounds attempts per withdrawal.
	maxRetries = 3
	// retryBackoff is the base delay, doubled per attempt.
	retryBackoff = 2000 * time.Millisecond
)

// Service bridges finalized withdrawals into the confidential-transfer
// contract.
//
// SECURITY: invoker calldata comes from internal state (UUID batch id, index).
// The batch id charset is still validated before formatting as defense in
// depth.
type Service struct {
	invoker        chain.Invoker
	bridgeContract string
	logger         *logging.Logger
	metrics        *metrics.Metrics
	sleep          func(time.Duration)
}

// New creates a bridge service.
func New(invoker chain.Invoker, bridgeContract string, logger *logging.Logger, m *metrics.Metrics) *Service {
	return &Service{
		invoker:        invoker,
		bridgeContract: bridgeContract,
		logger:         logger.WithComponent("bridge"),
		metrics:        m,
		sleep:          time.Sleep,
	}
}

// BridgeWithdrawal invokes bridge_withdrawal_to_confidential for one
// withdrawal index, retrying with exponential backoff. An already-bridged
// rejection counts as success.
func (s *Service) BridgeWithdrawal(ctx context.Context, batchID string, withdrawalIdx int) (string, error) {
	if !validBatchID(batchID) {
		return "", errors.E("invalid batch id format", errors.BridgeDomain, "BridgeWithdrawal", errors.CodeBridge)
	}

	var lastErr error
	for attempt := 0; attempt < maxRetries; attempt++ {
		txHash, err := s.tryBridge(ctx, batchID, withdrawalIdx)
		if err == nil {
			s.metrics.BridgeCalls.WithLabelValues("ok").Inc()
			return txHash, nil
		}
		if category := categorize(err); category == alreadyBridged {
			s.logger.Debug("withdrawal already bridged", "batch_id", batchID, "withdrawal_idx", withdrawalIdx)
			s.metrics.BridgeCalls.WithLabelValues("already_bridged").Inc()
			return "already_bridged", nil
		}
		lastErr = err

		if attempt < maxRetries-1 {
			backoff := retryBackoff << attempt
			s.logger.Warn("bridge call failed, retrying",
				"batch_id", batchID,
				"withdrawal_idx", withdrawalIdx,
				"attempt", attempt+1,
				"backoff_ms", backoff.Milliseconds(),
				"error", err,
			)
			s.metrics.BridgeRetries.Inc()
			s.sleep(backoff)
		}
	}

	s.logger.Error("bridge call failed after all retries",
		"batch_id", batchID,
		"withdrawal_idx", withdrawalIdx,
		"attempts", maxRetries,
	)
	s.metrics.BridgeCalls.WithLabelValues("failed").Inc()

	// Raw stderr stays in the server logs; callers get the sanitized
	// category only.
	return "", errors.E(categorize(lastErr), errors.BridgeDomain, "BridgeWithdrawal", errors.CodeBridge)
}

func (s *Service) tryBridge(ctx context.Context, batchID string, withdrawalIdx int) (string, error) {
	s.logger.Info("invoking bridge_withdrawal_to_confidential",
		"batch_id", batchID,
		"withdrawal_idx", withdrawalIdx,
	)

	txHash, err := s.invoker.Invoke(ctx, s.bridgeContract, "bridge_withdrawal_to_confidential",
		[]string{batchID, fmt.Sprintf("%d", withdrawalIdx)})
	if err != nil {
		if invokeErr, ok := err.(*chain.InvokeError); ok {
			// Full stderr is logged server-side only.
			s.logger.Error("bridge sncast failed",
				"batch_id", batchID,
				"withdrawal_idx", withdrawalIdx,
				"exit_code", invokeErr.ExitCode,
				"stderr", invokeErr.Stderr,
			)
		}
		return "", err
	}

	s.logger.Info("bridge call submitted",
		"batch_id", batchID,
		"withdrawal_idx", withdrawalIdx,
		"tx_hash", txHash,
	)
	return txHash, nil
}

// Sanitized failure categories. These are the only strings that may leave
// the server.
const (
	alreadyBridged   = "already bridged"
	nonceConflict    = "nonce conflict"
	insufficientGas  = "insufficient gas"
	rpcTimeout       = "rpc timeout"
	invocationFailed = "invocation failed"
)

// categorize maps an invocation failure to its sanitized category.
func categorize(err error) string {
	invokeErr, ok := err.(*chain.InvokeError)
	if !ok {
		return invocationFailed
	}
	stderr := invokeErr.Stderr
	switch {
	case strings.Contains(stderr, "already bridged") || strings.Contains(stderr, "bridge_key exists"):
		return alreadyBridged
	case strings.Contains(stderr, "nonce"):
		return nonceConflict
	case strings.Contains(stderr, "insufficient") || strings.Contains(stderr, "balance"):
		return insufficientGas
	case strings.Contains(stderr, "timeout") || strings.Contains(stderr, "connection"):
		return rpcTimeout
	default:
		return invocationFailed
	}
}

// validBatchID restricts the charset formatted into command arguments.
func validBatchID(id string) bool {
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
