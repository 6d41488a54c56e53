// internal/chain/invoker.go
package chain

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// Invoker executes state-changing calls against a contract. The production
// implementation shells out to sncast; tests substitute fakes.
type Invoker interface {
	// Invoke submits a transaction and returns its hash.
	Invoke(ctx context.Context, contract, function string, calldata []string) (string, error)
}

// InvokeError carries the subprocess failure detail. Stderr stays server-side:
// callers categorize it but never forward it to clients.
type InvokeError struct {
	Function string
	ExitCode int
	Stderr   string
}

func (e *InvokeError) Error() string {
	return fmt.Sprintf("invoke %s failed (exit %d)", e.Function, e.ExitCode)
}

// SncastInvoker runs `sncast invoke` with the configured account and RPC URL.
//
// SECURITY: calldata must come from internal state (UUIDs, integers, felt
// hex). Never pass user-controlled strings through here.
type SncastInvoker struct {
	account string
	rpcURL  string
}

// NewSncastInvoker creates an invoker bound to an account and endpoint.
func NewSncastInvoker(account, rpcURL string) *SncastInvoker {
	return &SncastInvoker{account: account, rpcURL: rpcURL}
}

// Invoke implements Invoker.
func (s *SncastInvoker) Invoke(ctx context.Context, contract, function string, calldata []string) (string, error) {
	args := []string{
		"invoke",
		"--contract-address", contract,
		"--function", function,
		"--calldata", strings.Join(calldata, " "),
		"--account", s.account,
		"--url", s.rpcURL,
	}

	cmd := exec.CommandContext(ctx, "sncast", args...)
	var stdout, stderr strings.Builder
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		exitCode := -1
		if exitErr, ok := err.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		}
		return "", &InvokeError{
			Function: function,
			ExitCode: exitCode,
			Stderr:   stderr.String(),
		}
	}

	return parseTxHash(stdout.String()), nil
}

// parseTxHash extracts the transaction hash from sncast output.
func parseTxHash(stdout string) string {
	for _, line := range strings.Split(stdout, "\n") {
		if strings.Contains(line, "transaction_hash") {
			parts := strings.Split(line, ":")
			return strings.Trim(strings.TrimSpace(parts[len(parts)-1]), `"`)
		}
	}
	return "unknown"
}
