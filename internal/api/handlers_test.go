package api

import (
	"bytes"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/bitsage/vm31-relayer/internal/chain"
	"github.com/bitsage/vm31-relayer/internal/ecies"
	"github.com/bitsage/vm31-relayer/internal/queue"
	"github.com/bitsage/vm31-relayer/internal/store"
	"github.com/bitsage/vm31-relayer/pkg/config"
	"github.com/bitsage/vm31-relayer/pkg/logging"
	"github.com/bitsage/vm31-relayer/pkg/metrics"
)

const testAPIKey = "test-api-key-123"

func testLogger() *logging.Logger {
	return logging.New(logging.Config{Level: logging.ErrorLevel, Output: io.Discard, ServiceName: "test"})
}

type serverOpts struct {
	rateLimit      int
	maxSize        int
	minBatchSize   int
	allowPlaintext bool
	privKeyHex     string
}

func newTestServer(t *testing.T, opts serverOpts) (*Server, *store.MemoryStore, *queue.BatchQueue) {
	t.Helper()
	if opts.rateLimit == 0 {
		opts.rateLimit = 1000
	}
	if opts.maxSize == 0 {
		opts.maxSize = 16
	}
	if opts.minBatchSize == 0 {
		opts.minBatchSize = 1
	}

	cfg := &config.Config{
		Env: "development",
		Server: config.ServerConfig{
			Host:            "127.0.0.1",
			Port:            "0",
			RateLimitPerMin: opts.rateLimit,
		},
		Batch: config.BatchConfig{
			MaxSize:      opts.maxSize,
			TimeoutSecs:  3600,
			MinBatchSize: opts.minBatchSize,
			MaxWaitSecs:  3600,
		},
		Auth: config.AuthConfig{
			APIKeys:           []string{testAPIKey, "secondary-key"},
			AllowPlaintext:    opts.allowPlaintext,
			RelayerPrivKeyHex: opts.privKeyHex,
		},
	}

	logger := testLogger()
	m := metrics.New(metrics.DefaultConfig())
	st := store.NewMemoryStore(logger)
	q, _ := queue.New(queue.Config{
		MaxSize:       opts.maxSize,
		Timeout:       time.Hour,
		MinBatchSize:  opts.minBatchSize,
		MaxWait:       time.Hour,
		ChannelBuffer: 64,
	}, logger, m)

	return NewServer(cfg, q, st, nil, logger, m), st, q
}

func doRequest(s *Server, method, path string, body []byte, authed bool) *httptest.ResponseRecorder {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	req.RemoteAddr = "192.0.2.10:4242"
	if authed {
		req.Header.Set("x-api-key", testAPIKey)
	}
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

func depositBody(t *testing.T, amount uint64) []byte {
	t.Helper()
	body, err := json.Marshal(map[string]interface{}{
		"type":                  "deposit",
		"amount":                amount,
		"asset_id":              1,
		"recipient_pubkey":      [4]uint32{1, 2, 3, 4},
		"recipient_viewing_key": [4]uint32{5, 6, 7, 8},
	})
	if err != nil {
		t.Fatal(err)
	}
	return body
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	if err := json.Unmarshal(w.Body.Bytes(), &out); err != nil {
		t.Fatalf("decoding response %q: %v", w.Body.String(), err)
	}
	return out
}

func TestSubmitUnauthorized(t *testing.T) {
	s, _, _ := newTestServer(t, serverOpts{allowPlaintext: true})

	w := doRequest(s, http.MethodPost, "/submit", depositBody(t, 1_000_000), false)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", w.Code)
	}
	if decodeBody(t, w)["code"] != "UNAUTHORIZED" {
		t.Fatalf("body = %s", w.Body.String())
	}
}

func TestSubmitBearerAuth(t *testing.T) {
	s, _, _ := newTestServer(t, serverOpts{allowPlaintext: true})

	req := httptest.NewRequest(http.MethodPost, "/submit", bytes.NewReader(depositBody(t, 1_000_000)))
	req.RemoteAddr = "192.0.2.10:4242"
	req.Header.Set("Authorization", "Bearer "+testAPIKey)
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)

	if w.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202: %s", w.Code, w.Body.String())
	}
}

func TestSubmitQueuedResponse(t *testing.T) {
	s, _, q := newTestServer(t, serverOpts{allowPlaintext: true})

	w := doRequest(s, http.MethodPost, "/submit", depositBody(t, 1_000_000), true)
	if w.Code != http.StatusAccepted {
		t.Fatalf("status = %d: %s", w.Code, w.Body.String())
	}
	body := decodeBody(t, w)
	if body["status"] != "queued" {
		t.Fatalf("status field = %v", body["status"])
	}
	if body["queue_position"].(float64) != 1 {
		t.Fatalf("queue_position = %v", body["queue_position"])
	}
	if body["idempotency_key"] == "" {
		t.Fatal("idempotency_key missing")
	}
	if q.PendingCount() != 1 {
		t.Fatalf("pending = %d", q.PendingCount())
	}
}

func TestSubmitSizeTriggeredFlush(t *testing.T) {
	s, _, q := newTestServer(t, serverOpts{allowPlaintext: true, maxSize: 2})

	doRequest(s, http.MethodPost, "/submit", depositBody(t, 1_000_000), true)
	w := doRequest(s, http.MethodPost, "/submit", depositBody(t, 10_000_000), true)

	body := decodeBody(t, w)
	if body["status"] != "batch_triggered" {
		t.Fatalf("status = %v", body["status"])
	}
	if body["batch_id"] == nil {
		t.Fatal("batch_id missing on size-triggered flush")
	}
	if q.PendingCount() != 0 {
		t.Fatalf("pending = %d after flush", q.PendingCount())
	}
}

func TestSubmitDuplicate(t *testing.T) {
	s, _, q := newTestServer(t, serverOpts{allowPlaintext: true})
	body := depositBody(t, 1_000_000)

	first := doRequest(s, http.MethodPost, "/submit", body, true)
	if first.Code != http.StatusAccepted {
		t.Fatalf("first status = %d", first.Code)
	}
	firstKey := decodeBody(t, first)["idempotency_key"]

	second := doRequest(s, http.MethodPost, "/submit", body, true)
	if second.Code != http.StatusOK {
		t.Fatalf("duplicate status = %d, want 200", second.Code)
	}
	dup := decodeBody(t, second)
	if dup["status"] != "duplicate" {
		t.Fatalf("duplicate body = %v", dup)
	}
	if dup["idempotency_key"] != firstKey {
		t.Fatal("idempotency keys differ between identical submissions")
	}
	if q.PendingCount() != 1 {
		t.Fatalf("duplicate must not enqueue: pending = %d", q.PendingCount())
	}
}

func TestSubmitValidationBoundaries(t *testing.T) {
	s, _, _ := newTestServer(t, serverOpts{allowPlaintext: true})

	cases := []struct {
		name string
		body map[string]interface{}
	}{
		{"zero amount", map[string]interface{}{
			"type": "deposit", "amount": 0, "asset_id": 1,
			"recipient_pubkey": [4]uint32{1, 2, 3, 4}, "recipient_viewing_key": [4]uint32{5, 6, 7, 8},
		}},
		{"amount above max", map[string]interface{}{
			"type": "deposit", "amount": uint64(1<<63 - 1), "asset_id": 7,
			"recipient_pubkey": [4]uint32{1, 2, 3, 4}, "recipient_viewing_key": [4]uint32{5, 6, 7, 8},
		}},
		{"field element too large", map[string]interface{}{
			"type": "deposit", "amount": 1_000_000, "asset_id": 1,
			"recipient_pubkey": [4]uint32{1 << 31, 2, 3, 4}, "recipient_viewing_key": [4]uint32{5, 6, 7, 8},
		}},
		{"non-whitelisted denomination", map[string]interface{}{
			"type": "deposit", "amount": 1_234_567, "asset_id": 1,
			"recipient_pubkey": [4]uint32{1, 2, 3, 4}, "recipient_viewing_key": [4]uint32{5, 6, 7, 8},
		}},
		{"unknown type", map[string]interface{}{
			"type": "mint", "amount": 1_000_000, "asset_id": 1,
		}},
	}

	for _, tc := range cases {
		raw, _ := json.Marshal(tc.body)
		w := doRequest(s, http.MethodPost, "/submit", raw, true)
		if w.Code != http.StatusBadRequest {
			t.Errorf("%s: status = %d, want 400 (%s)", tc.name, w.Code, w.Body.String())
		}
	}
}

func TestSubmitMerkleDepthLimit(t *testing.T) {
	s, _, _ := newTestServer(t, serverOpts{allowPlaintext: true})

	siblings := make([][8]uint32, 33)
	raw, _ := json.Marshal(map[string]interface{}{
		"type":               "withdraw",
		"amount":             1000,
		"asset_id":           1,
		"note":               map[string]interface{}{"owner_pubkey": [4]uint32{1, 1, 1, 1}, "asset_id": 1, "amount_lo": 1000, "amount_hi": 0, "blinding": [4]uint32{2, 2, 2, 2}},
		"spending_key":       [4]uint32{3, 3, 3, 3},
		"merkle_path":        map[string]interface{}{"siblings": siblings, "index": 0},
		"merkle_root":        [8]uint32{4, 4, 4, 4, 4, 4, 4, 4},
		"withdrawal_binding": [8]uint32{5, 5, 5, 5, 5, 5, 5, 5},
	})

	w := doRequest(s, http.MethodPost, "/submit", raw, true)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("depth 33 should be rejected, status = %d", w.Code)
	}
}

func TestUnknownAssetBypassesDenominations(t *testing.T) {
	s, _, _ := newTestServer(t, serverOpts{allowPlaintext: true})

	raw, _ := json.Marshal(map[string]interface{}{
		"type": "deposit", "amount": 1_234_567, "asset_id": 999,
		"recipient_pubkey": [4]uint32{1, 2, 3, 4}, "recipient_viewing_key": [4]uint32{5, 6, 7, 8},
	})
	w := doRequest(s, http.MethodPost, "/submit", raw, true)
	if w.Code != http.StatusAccepted {
		t.Fatalf("unknown asset should bypass the whitelist, status = %d: %s", w.Code, w.Body.String())
	}
}

func TestSubmitRateLimited(t *testing.T) {
	s, _, _ := newTestServer(t, serverOpts{allowPlaintext: true, rateLimit: 3})

	// Distinct whitelisted amounts so idempotency never hits
	amounts := []uint64{1_000_000, 10_000_000, 100_000_000, 1_000_000_000}
	var last *httptest.ResponseRecorder
	for i, amount := range amounts {
		last = doRequest(s, http.MethodPost, "/submit", depositBody(t, amount), true)
		if i < 3 && last.Code != http.StatusAccepted {
			t.Fatalf("request %d status = %d, want 202", i, last.Code)
		}
	}
	if last.Code != http.StatusTooManyRequests {
		t.Fatalf("fourth request status = %d, want 429", last.Code)
	}
	if decodeBody(t, last)["code"] != "RATE_LIMITED" {
		t.Fatalf("body = %s", last.Body.String())
	}
}

func dummyTx() chain.PendingTx {
	return chain.Deposit{Amount: 1_000_000, AssetID: 1}
}

func TestSubmitPlaintextDisabled(t *testing.T) {
	s, _, _ := newTestServer(t, serverOpts{allowPlaintext: false})

	w := doRequest(s, http.MethodPost, "/submit", depositBody(t, 1_000_000), true)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
}

func makePrivKeyHex(t *testing.T) (string, []byte) {
	t.Helper()
	priv := make([]byte, 32)
	if _, err := rand.Read(priv); err != nil {
		t.Fatal(err)
	}
	return hex.EncodeToString(priv), priv
}

func TestSubmitEncrypted(t *testing.T) {
	privHex, priv := makePrivKeyHex(t)
	s, _, q := newTestServer(t, serverOpts{allowPlaintext: false, privKeyHex: privHex})

	pubHex, err := ecies.PublicKey(priv)
	if err != nil {
		t.Fatal(err)
	}
	env, err := ecies.Seal(pubHex, depositBody(t, 1_000_000))
	if err != nil {
		t.Fatal(err)
	}
	raw, _ := json.Marshal(env)

	w := doRequest(s, http.MethodPost, "/submit", raw, true)
	if w.Code != http.StatusAccepted {
		t.Fatalf("encrypted submit status = %d: %s", w.Code, w.Body.String())
	}
	if q.PendingCount() != 1 {
		t.Fatalf("pending = %d", q.PendingCount())
	}

	// Replaying the exact envelope dedupes without decryption
	dup := doRequest(s, http.MethodPost, "/submit", raw, true)
	if dup.Code != http.StatusOK || decodeBody(t, dup)["status"] != "duplicate" {
		t.Fatalf("replay status = %d body = %s", dup.Code, dup.Body.String())
	}
}

func TestSubmitTimingFloor(t *testing.T) {
	privHex, priv := makePrivKeyHex(t)
	s, _, _ := newTestServer(t, serverOpts{allowPlaintext: true, privKeyHex: privHex})

	// Plaintext path
	start := time.Now()
	doRequest(s, http.MethodPost, "/submit", depositBody(t, 1_000_000), true)
	plainElapsed := time.Since(start)
	if plainElapsed < minSubmitDuration {
		t.Fatalf("plaintext submit returned in %v, floor is %v", plainElapsed, minSubmitDuration)
	}

	// Encrypted path
	pubHex, _ := ecies.PublicKey(priv)
	env, _ := ecies.Seal(pubHex, depositBody(t, 10_000_000))
	raw, _ := json.Marshal(env)
	start = time.Now()
	doRequest(s, http.MethodPost, "/submit", raw, true)
	encElapsed := time.Since(start)
	if encElapsed < minSubmitDuration {
		t.Fatalf("encrypted submit returned in %v, floor is %v", encElapsed, minSubmitDuration)
	}
}

func TestQueueAdmissionLimit(t *testing.T) {
	s, _, q := newTestServer(t, serverOpts{allowPlaintext: true, maxSize: 100000})

	// Fill the queue past the admission cap without going through HTTP
	for i := 0; i < MaxPendingTxs; i++ {
		q.Push(dummyTx())
	}

	w := doRequest(s, http.MethodPost, "/submit", depositBody(t, 1_000_000), true)
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", w.Code)
	}
	if decodeBody(t, w)["code"] != "BATCH_FULL" {
		t.Fatalf("body = %s", w.Body.String())
	}
}

func TestGetBatch(t *testing.T) {
	s, st, _ := newTestServer(t, serverOpts{allowPlaintext: true})
	ctx := httptest.NewRequest("GET", "/", nil).Context()

	rec := store.NewBatchRecord("11111111-2222-3333-4444-555555555555", 2)
	st.SaveBatch(ctx, rec)

	w := doRequest(s, http.MethodGet, "/batch/11111111-2222-3333-4444-555555555555", nil, true)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	body := decodeBody(t, w)
	if body["status"] != "pending" || body["tx_count"].(float64) != 2 {
		t.Fatalf("body = %v", body)
	}

	// Unknown id → 400 (not 404, to avoid acting as an existence oracle)
	w = doRequest(s, http.MethodGet, "/batch/ffffffff-0000-0000-0000-000000000000", nil, true)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("unknown batch status = %d, want 400", w.Code)
	}

	// Malformed id
	w = doRequest(s, http.MethodGet, "/batch/not%20a%20uuid", nil, true)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("malformed id status = %d, want 400", w.Code)
	}

	// Unauthorized
	w = doRequest(s, http.MethodGet, "/batch/11111111-2222-3333-4444-555555555555", nil, false)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("unauthed status = %d, want 401", w.Code)
	}
}

func TestForceProveEmptyAndRefused(t *testing.T) {
	s, _, q := newTestServer(t, serverOpts{allowPlaintext: true, minBatchSize: 3})

	// Empty queue
	w := doRequest(s, http.MethodPost, "/prove", nil, true)
	if w.Code != http.StatusOK || decodeBody(t, w)["status"] != "empty" {
		t.Fatalf("empty prove: %d %s", w.Code, w.Body.String())
	}

	// One transaction, min batch 3: refused, transaction stays queued
	q.Push(dummyTx())
	w = doRequest(s, http.MethodPost, "/prove", nil, true)
	if decodeBody(t, w)["status"] != "empty" {
		t.Fatalf("refused prove body = %s", w.Body.String())
	}
	if q.PendingCount() != 1 {
		t.Fatalf("pending = %d, transaction must remain queued", q.PendingCount())
	}
}

func TestForceProveFlushes(t *testing.T) {
	s, _, q := newTestServer(t, serverOpts{allowPlaintext: true, minBatchSize: 1})
	q.Push(dummyTx())

	w := doRequest(s, http.MethodPost, "/prove", nil, true)
	body := decodeBody(t, w)
	if body["status"] != "flushed" || body["batch_id"] == nil {
		t.Fatalf("body = %s", w.Body.String())
	}
}

func TestGetMerklePathNotFound(t *testing.T) {
	s, _, _ := newTestServer(t, serverOpts{allowPlaintext: true})

	w := doRequest(s, http.MethodGet, "/merkle-path/"+fmt.Sprintf("%064x", 42), nil, true)
	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", w.Code)
	}

	w = doRequest(s, http.MethodGet, "/merkle-path/zz!!", nil, true)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("malformed commitment status = %d, want 400", w.Code)
	}
}

func TestGetMerklePathPendingSync(t *testing.T) {
	s, st, _ := newTestServer(t, serverOpts{allowPlaintext: true})
	ctx := httptest.NewRequest("GET", "/", nil).Context()

	st.SaveNote(ctx, &store.NoteRecord{
		Commitment: "abcdef0123456789abcdef0123456789",
		BatchID:    "batch-1",
		CreatedAt:  time.Now().Unix(),
	})

	w := doRequest(s, http.MethodGet, "/merkle-path/abcdef0123456789abcdef0123456789", nil, true)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if decodeBody(t, w)["status"] != "pending_sync" {
		t.Fatalf("body = %s", w.Body.String())
	}
}

func TestSecurityHeaders(t *testing.T) {
	s, _, _ := newTestServer(t, serverOpts{allowPlaintext: true})

	w := doRequest(s, http.MethodGet, "/health", nil, false)
	h := w.Header()
	if h.Get("X-Content-Type-Options") != "nosniff" ||
		h.Get("X-Frame-Options") != "DENY" ||
		h.Get("Referrer-Policy") != "no-referrer" {
		t.Fatalf("security headers missing: %v", h)
	}
}

func TestHealthAndStatus(t *testing.T) {
	s, _, q := newTestServer(t, serverOpts{allowPlaintext: true})
	q.Push(dummyTx())

	w := doRequest(s, http.MethodGet, "/health", nil, false)
	if w.Code != http.StatusOK || decodeBody(t, w)["status"] != "ok" {
		t.Fatalf("health: %d %s", w.Code, w.Body.String())
	}

	w = doRequest(s, http.MethodGet, "/status", nil, false)
	body := decodeBody(t, w)
	if body["pending_transactions"].(float64) != 1 {
		t.Fatalf("status body = %v", body)
	}
}

func TestPublicKey(t *testing.T) {
	// Unconfigured → 500
	s, _, _ := newTestServer(t, serverOpts{allowPlaintext: true})
	w := doRequest(s, http.MethodGet, "/public-key", nil, false)
	if w.Code != http.StatusInternalServerError {
		t.Fatalf("unconfigured public-key status = %d, want 500", w.Code)
	}

	// Configured → the key clients can seal to
	privHex, priv := makePrivKeyHex(t)
	s, _, _ = newTestServer(t, serverOpts{allowPlaintext: true, privKeyHex: privHex})
	w = doRequest(s, http.MethodGet, "/public-key", nil, false)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	body := decodeBody(t, w)
	wantPub, _ := ecies.PublicKey(priv)
	if body["public_key"] != wantPub {
		t.Fatalf("public key mismatch: %v", body["public_key"])
	}
}
