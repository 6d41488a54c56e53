// pkg/errors/relayer.go
package errors

import "net/http"

// Relayer error codes surfaced by the public API.
const (
	// CodeBadRequest indicates a malformed or invalid request
	CodeBadRequest = "BAD_REQUEST"
	// CodeUnauthorized indicates a missing or invalid API key
	CodeUnauthorized = "UNAUTHORIZED"
	// CodeRateLimited indicates the per-key or per-IP window was exceeded
	CodeRateLimited = "RATE_LIMITED"
	// CodeBatchFull indicates the pending queue is at capacity
	CodeBatchFull = "BATCH_FULL"
	// CodeNotFound indicates the requested resource does not exist
	CodeNotFound = "NOT_FOUND"
	// CodeProver indicates proof generation failed
	CodeProver = "PROVER_ERROR"
	// CodeRelayer indicates on-chain submission failed
	CodeRelayer = "RELAYER_ERROR"
	// CodeBridge indicates a withdrawal bridge operation failed
	CodeBridge = "BRIDGE_ERROR"
	// CodeInternal indicates an unclassified internal failure
	CodeInternal = "INTERNAL_ERROR"
)

// Relayer domains.
const (
	APIDomain      = "api"
	QueueDomain    = "queue"
	ProverDomain   = "prover"
	BridgeDomain   = "bridge"
	RelayDomain    = "relay"
	TreeSyncDomain = "treesync"
)

// publicMessages are the fixed sanitized strings returned to clients.
// Internal detail stays in server logs and the batch record only.
var publicMessages = map[string]string{
	CodeBadRequest:   "invalid request",
	CodeUnauthorized: "unauthorized",
	CodeRateLimited:  "rate limited",
	CodeBatchFull:    "service at capacity, try again later",
	CodeNotFound:     "not found",
	CodeProver:       "processing failed",
	CodeRelayer:      "submission failed",
	CodeBridge:       "bridge operation failed",
	CodeInternal:     "internal error",
}

// BadRequest creates a client-facing validation error. The message is shown
// to the caller, so it must not carry internal state.
func BadRequest(message string) error {
	return &Error{Domain: APIDomain, Code: CodeBadRequest, Message: message}
}

// Unauthorized creates an authentication failure error.
func Unauthorized() error {
	return &Error{Domain: APIDomain, Code: CodeUnauthorized}
}

// RateLimited creates a rate-limit rejection error.
func RateLimited() error {
	return &Error{Domain: APIDomain, Code: CodeRateLimited}
}

// BatchFull creates a queue-capacity rejection error.
func BatchFull() error {
	return &Error{Domain: APIDomain, Code: CodeBatchFull}
}

// NotFound creates a resource-missing error.
func NotFound(message string) error {
	return &Error{Domain: APIDomain, Code: CodeNotFound, Message: message}
}

// Internal wraps an unclassified internal failure.
func Internal(err error) error {
	return &Error{Domain: APIDomain, Code: CodeInternal, Original: err}
}

// Code extracts the machine-readable code from an error, defaulting to
// CodeInternal for unclassified errors.
func Code(err error) string {
	var domainErr *Error
	if As(err, &domainErr) && domainErr.Code != "" {
		return domainErr.Code
	}
	return CodeInternal
}

// HTTPStatus returns the HTTP status code for an error.
func HTTPStatus(err error) int {
	switch Code(err) {
	case CodeBadRequest:
		return http.StatusBadRequest
	case CodeUnauthorized:
		return http.StatusUnauthorized
	case CodeRateLimited:
		return http.StatusTooManyRequests
	case CodeBatchFull:
		return http.StatusServiceUnavailable
	case CodeNotFound:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

// PublicMessage returns the sanitized client-facing message for an error.
// BadRequest and NotFound carry their own message since those are produced
// from request validation and never contain internal detail.
func PublicMessage(err error) string {
	code := Code(err)
	if code == CodeBadRequest || code == CodeNotFound {
		var domainErr *Error
		if As(err, &domainErr) && domainErr.Message != "" {
			return domainErr.Message
		}
	}
	if msg, ok := publicMessages[code]; ok {
		return msg
	}
	return publicMessages[CodeInternal]
}
