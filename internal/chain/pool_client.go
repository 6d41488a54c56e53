// internal/chain/pool_client.go
package chain

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// NoteInsertedEvent is one on-chain commitment insertion.
type NoteInsertedEvent struct {
	LeafIndex  uint64
	Commitment Digest
}

// PoolClient is the read-side view of the pool contract. Implementations may
// block on network I/O; callers run them off the hot path.
type PoolClient interface {
	// IsKnownRoot reports whether the pool has ever exposed this Merkle root.
	IsKnownRoot(ctx context.Context, root Digest) (bool, error)
	// IsNullifierSpent reports whether a nullifier has been consumed.
	IsNullifierSpent(ctx context.Context, nullifier Digest) (bool, error)
	// Root returns the pool's current Merkle root.
	Root(ctx context.Context) (Digest, error)
	// NoteInsertedEvents returns commitment insertions at or after fromIndex,
	// in leaf order.
	NoteInsertedEvents(ctx context.Context, fromIndex uint64) ([]NoteInsertedEvent, error)
	// Ping verifies the RPC endpoint is reachable.
	Ping(ctx context.Context) error
}

// RPCPoolClient speaks Starknet JSON-RPC directly to the configured endpoint.
type RPCPoolClient struct {
	rpcURL      string
	poolAddress string
	client      *http.Client
}

// NewRPCPoolClient creates a pool client against the given RPC endpoint.
func NewRPCPoolClient(rpcURL, poolAddress string) *RPCPoolClient {
	return &RPCPoolClient{
		rpcURL:      rpcURL,
		poolAddress: poolAddress,
		client:      &http.Client{Timeout: 30 * time.Second},
	}
}

type rpcRequest struct {
	JSONRPC string      `json:"jsonrpc"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params"`
	ID      int         `json:"id"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *rpcError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

func (c *RPCPoolClient) do(ctx context.Context, method string, params interface{}, out interface{}) error {
	body, err := json.Marshal(rpcRequest{JSONRPC: "2.0", Method: method, Params: params, ID: 1})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.rpcURL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	var rpcResp rpcResponse
	if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
		return fmt.Errorf("decoding rpc response: %w", err)
	}
	if rpcResp.Error != nil {
		return rpcResp.Error
	}
	return json.Unmarshal(rpcResp.Result, out)
}

// call executes a starknet_call against the pool contract.
func (c *RPCPoolClient) call(ctx context.Context, selector string, calldata []string) ([]string, error) {
	params := map[string]interface{}{
		"request": map[string]interface{}{
			"contract_address":     c.poolAddress,
			"entry_point_selector": selector,
			"calldata":             calldata,
		},
		"block_id": "latest",
	}
	var result []string
	if err := c.do(ctx, "starknet_call", params, &result); err != nil {
		return nil, err
	}
	return result, nil
}

// digestCalldata renders a digest as eight felt hex words.
func digestCalldata(d Digest) []string {
	out := make([]string, 8)
	for i, limb := range d {
		out[i] = fmt.Sprintf("0x%x", limb)
	}
	return out
}

func feltToBool(felts []string) (bool, error) {
	if len(felts) == 0 {
		return false, fmt.Errorf("empty call result")
	}
	v, err := strconv.ParseUint(strings.TrimPrefix(felts[0], "0x"), 16, 64)
	if err != nil {
		return false, fmt.Errorf("parsing felt %q: %w", felts[0], err)
	}
	return v != 0, nil
}

// IsKnownRoot implements PoolClient.
func (c *RPCPoolClient) IsKnownRoot(ctx context.Context, root Digest) (bool, error) {
	felts, err := c.call(ctx, "is_known_root", digestCalldata(root))
	if err != nil {
		return false, err
	}
	return feltToBool(felts)
}

// IsNullifierSpent implements PoolClient.
func (c *RPCPoolClient) IsNullifierSpent(ctx context.Context, nullifier Digest) (bool, error) {
	felts, err := c.call(ctx, "is_nullifier_spent", digestCalldata(nullifier))
	if err != nil {
		return false, err
	}
	return feltToBool(felts)
}

// Root implements PoolClient.
func (c *RPCPoolClient) Root(ctx context.Context) (Digest, error) {
	felts, err := c.call(ctx, "get_root", nil)
	if err != nil {
		return Digest{}, err
	}
	if len(felts) < 8 {
		return Digest{}, fmt.Errorf("get_root returned %d felts, want 8", len(felts))
	}
	var d Digest
	for i := 0; i < 8; i++ {
		v, err := strconv.ParseUint(strings.TrimPrefix(felts[i], "0x"), 16, 32)
		if err != nil {
			return Digest{}, fmt.Errorf("parsing root limb %d: %w", i, err)
		}
		d[i] = uint32(v)
	}
	return d, nil
}

// noteInsertedKey is the event selector for NoteInserted.
const noteInsertedKey = "0x4e6f7465496e736572746564"

// NoteInsertedEvents implements PoolClient via starknet_getEvents with
// continuation-token paging.
func (c *RPCPoolClient) NoteInsertedEvents(ctx context.Context, fromIndex uint64) ([]NoteInsertedEvent, error) {
	type rawEvent struct {
		Data []string `json:"data"`
	}
	type eventsPage struct {
		Events            []rawEvent `json:"events"`
		ContinuationToken string     `json:"continuation_token"`
	}

	var out []NoteInsertedEvent
	token := ""
	for {
		filter := map[string]interface{}{
			"from_block": map[string]interface{}{"block_number": 0},
			"to_block":   "latest",
			"address":    c.poolAddress,
			"keys":       [][]string{{noteInsertedKey}},
			"chunk_size": 256,
		}
		if token != "" {
			filter["continuation_token"] = token
		}

		var page eventsPage
		if err := c.do(ctx, "starknet_getEvents", map[string]interface{}{"filter": filter}, &page); err != nil {
			return nil, err
		}

		for _, ev := range page.Events {
			// Event data layout: leaf_index followed by the 8-limb commitment
			if len(ev.Data) < 9 {
				continue
			}
			idx, err := strconv.ParseUint(strings.TrimPrefix(ev.Data[0], "0x"), 16, 64)
			if err != nil {
				continue
			}
			if idx < fromIndex {
				continue
			}
			var d Digest
			ok := true
			for i := 0; i < 8; i++ {
				v, err := strconv.ParseUint(strings.TrimPrefix(ev.Data[i+1], "0x"), 16, 32)
				if err != nil {
					ok = false
					break
				}
				d[i] = uint32(v)
			}
			if ok {
				out = append(out, NoteInsertedEvent{LeafIndex: idx, Commitment: d})
			}
		}

		if page.ContinuationToken == "" {
			break
		}
		token = page.ContinuationToken
	}

	// Events arrive block-ordered; leaf order is what the tree needs
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j].LeafIndex < out[j-1].LeafIndex; j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	return out, nil
}

// Ping implements PoolClient.
func (c *RPCPoolClient) Ping(ctx context.Context) error {
	var version string
	return c.do(ctx, "starknet_specVersion", []interface{}{}, &version)
}
