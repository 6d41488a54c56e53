// cmd/loadtest/main.go
//
// Load generator for the relayer's submission ingress. Workers post deposit
// submissions at a target rate, optionally sealed in ECIES envelopes against
// the relayer's published key, and report throughput and latency.
package main

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"math/big"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/bitsage/vm31-relayer/internal/ecies"
)

var (
	target      = flag.String("target", "http://localhost:3080", "Relayer base URL")
	apiKey      = flag.String("api-key", "", "API key for submissions")
	duration    = flag.Duration("duration", 1*time.Minute, "Test duration")
	concurrency = flag.Int("concurrency", 16, "Number of concurrent clients")
	rate        = flag.Float64("rate", 20, "Target submissions per second")
	encrypted   = flag.Bool("encrypted", false, "Seal submissions in ECIES envelopes")
)

// denominations to rotate through so deposits stay on the STRK whitelist.
var denominations = []uint64{1_000_000, 10_000_000, 100_000_000, 1_000_000_000}

type stats struct {
	accepted   uint64
	duplicates uint64
	rejected   uint64
	failures   uint64
	latencySum uint64 // microseconds
	latencyN   uint64
}

func main() {
	flag.Parse()

	if *apiKey == "" {
		log.Fatal("an -api-key is required")
	}

	fmt.Printf("Load Test Configuration:\n")
	fmt.Printf("  Target: %s\n", *target)
	fmt.Printf("  Duration: %s\n", *duration)
	fmt.Printf("  Concurrency: %d\n", *concurrency)
	fmt.Printf("  Target rate: %.0f/s\n", *rate)
	fmt.Printf("  Encrypted: %v\n", *encrypted)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-signals
		fmt.Println("\nShutting down...")
		cancel()
	}()

	client := &http.Client{Timeout: 10 * time.Second}

	// Fetch the relayer's public key when sealing envelopes
	var relayerPub string
	if *encrypted {
		pub, err := fetchPublicKey(ctx, client)
		if err != nil {
			log.Fatalf("Failed to fetch relayer public key: %v", err)
		}
		relayerPub = pub
		fmt.Printf("  Relayer key: %s\n", relayerPub)
	}

	testCtx, testCancel := context.WithTimeout(ctx, *duration)
	defer testCancel()

	// Token bucket paced at the target rate
	tokens := make(chan struct{}, *concurrency*2)
	go func() {
		interval := time.Duration(float64(time.Second) / *rate)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-testCtx.Done():
				return
			case <-ticker.C:
				select {
				case tokens <- struct{}{}:
				default:
				}
			}
		}
	}()

	st := &stats{}
	var wg sync.WaitGroup
	for i := 0; i < *concurrency; i++ {
		wg.Add(1)
		go worker(testCtx, client, relayerPub, tokens, st, &wg)
	}

	startTime := time.Now()
	reportLoop(testCtx, st, startTime)

	wg.Wait()
	printResults(st, time.Since(startTime))
}

func fetchPublicKey(ctx context.Context, client *http.Client) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, *target+"/public-key", nil)
	if err != nil {
		return "", err
	}
	resp, err := client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("public-key returned %d", resp.StatusCode)
	}
	var body struct {
		PublicKey string `json:"public_key"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", err
	}
	return body.PublicKey, nil
}

func worker(ctx context.Context, client *http.Client, relayerPub string, tokens <-chan struct{}, st *stats, wg *sync.WaitGroup) {
	defer wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case <-tokens:
			body, err := buildSubmission(relayerPub)
			if err != nil {
				atomic.AddUint64(&st.failures, 1)
				continue
			}

			start := time.Now()
			status, err := submit(ctx, client, body)
			elapsed := time.Since(start).Microseconds()

			switch {
			case err != nil:
				atomic.AddUint64(&st.failures, 1)
			case status == http.StatusAccepted:
				atomic.AddUint64(&st.accepted, 1)
				atomic.AddUint64(&st.latencySum, uint64(elapsed))
				atomic.AddUint64(&st.latencyN, 1)
			case status == http.StatusOK:
				atomic.AddUint64(&st.duplicates, 1)
			default:
				atomic.AddUint64(&st.rejected, 1)
			}
		}
	}
}

// buildSubmission creates a deposit with random keys on a whitelisted
// denomination, sealed when a relayer key is present.
func buildSubmission(relayerPub string) ([]byte, error) {
	denomIdx, err := rand.Int(rand.Reader, big.NewInt(int64(len(denominations))))
	if err != nil {
		return nil, err
	}

	plaintext, err := json.Marshal(map[string]interface{}{
		"type":                  "deposit",
		"amount":                denominations[denomIdx.Int64()],
		"asset_id":              1,
		"recipient_pubkey":      randomKey(),
		"recipient_viewing_key": randomKey(),
	})
	if err != nil {
		return nil, err
	}

	if relayerPub == "" {
		return plaintext, nil
	}
	env, err := ecies.Seal(relayerPub, plaintext)
	if err != nil {
		return nil, err
	}
	return json.Marshal(env)
}

func randomKey() [4]uint32 {
	var key [4]uint32
	for i := range key {
		limb, err := rand.Int(rand.Reader, big.NewInt(1<<31-1))
		if err == nil {
			key[i] = uint32(limb.Int64())
		}
	}
	return key
}

func submit(ctx context.Context, client *http.Client, body []byte) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, *target+"/submit", bytes.NewReader(body))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", *apiKey)

	resp, err := client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	return resp.StatusCode, nil
}

func reportLoop(ctx context.Context, st *stats, startTime time.Time) {
	ticker := time.NewTicker(1 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			accepted := atomic.LoadUint64(&st.accepted)
			rejected := atomic.LoadUint64(&st.rejected)
			failures := atomic.LoadUint64(&st.failures)
			latencySum := atomic.LoadUint64(&st.latencySum)
			latencyN := atomic.LoadUint64(&st.latencyN)

			var avgLatency uint64
			if latencyN > 0 {
				avgLatency = latencySum / latencyN
			}
			tps := float64(accepted) / time.Since(startTime).Seconds()

			fmt.Printf("\rAccepted: %d (%.1f/s), Rejected: %d, Failures: %d, Avg Latency: %d µs",
				accepted, tps, rejected, failures, avgLatency)
		}
	}
}

func printResults(st *stats, elapsed time.Duration) {
	accepted := atomic.LoadUint64(&st.accepted)
	duplicates := atomic.LoadUint64(&st.duplicates)
	rejected := atomic.LoadUint64(&st.rejected)
	failures := atomic.LoadUint64(&st.failures)
	latencySum := atomic.LoadUint64(&st.latencySum)
	latencyN := atomic.LoadUint64(&st.latencyN)

	var avgLatency uint64
	if latencyN > 0 {
		avgLatency = latencySum / latencyN
	}

	fmt.Printf("\n\nLoad Test Results:\n")
	fmt.Printf("  Test Duration: %.2f seconds\n", elapsed.Seconds())
	fmt.Printf("  Accepted: %d\n", accepted)
	fmt.Printf("  Duplicates: %d\n", duplicates)
	fmt.Printf("  Rejected: %d\n", rejected)
	fmt.Printf("  Transport failures: %d\n", failures)
	fmt.Printf("  Average throughput: %.2f/s\n", float64(accepted)/elapsed.Seconds())
	fmt.Printf("  Average Latency: %d µs\n", avgLatency)
}
