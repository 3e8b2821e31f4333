// loadgen hammers one account pair with opposite-direction transfers to
// exercise lock contention end to end: under canonical lock ordering every
// attempt must complete, with no request wedged past the lock timeout.
package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"
)

var (
	targetURL   string
	concurrency int
	duration    time.Duration
	amount      string
)

// Metrics
var (
	totalRequests uint64
	succeeded     uint64
	rejected      uint64 // 4xx (validation)
	timedOut      uint64 // 503 lock timeouts
	failOther     uint64
)

func init() {
	flag.StringVar(&targetURL, "url", "http://localhost:8080", "API Base URL")
	flag.IntVar(&concurrency, "workers", 10, "Concurrent workers per direction")
	flag.DurationVar(&duration, "duration", 30*time.Second, "Test duration")
	flag.StringVar(&amount, "amount", "0.01", "Transfer amount")
}

type account struct {
	ID    int64
	Token string
}

func main() {
	flag.Parse()

	a := mustRegister("loadgen-a")
	b := mustRegister("loadgen-b")
	log.Printf("Starting load: %d workers per direction over accounts %d<->%d for %s",
		concurrency, a.ID, b.ID, duration)

	start := time.Now()
	var wg sync.WaitGroup
	wg.Add(2 * concurrency)
	for i := 0; i < concurrency; i++ {
		go worker(&wg, start, a, b)
		go worker(&wg, start, b, a)
	}
	wg.Wait()
	printResults(time.Since(start))
}

func mustRegister(prefix string) account {
	email := fmt.Sprintf("%s-%d@example.com", prefix, time.Now().UnixNano())
	body, _ := json.Marshal(map[string]string{"email": email, "password": "loadgen-password"})
	resp, err := http.Post(targetURL+"/api/v1/register", "application/json", bytes.NewReader(body))
	if err != nil {
		log.Fatalf("register failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		log.Fatalf("register failed: status %d", resp.StatusCode)
	}
	var token struct {
		AccessToken string `json:"access_token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&token); err != nil {
		log.Fatalf("register decode failed: %v", err)
	}

	req, _ := http.NewRequest("GET", targetURL+"/api/v1/me", nil)
	req.Header.Set("Authorization", "Bearer "+token.AccessToken)
	meResp, err := http.DefaultClient.Do(req)
	if err != nil {
		log.Fatalf("me failed: %v", err)
	}
	defer meResp.Body.Close()
	var me struct {
		ID int64 `json:"id"`
	}
	if err := json.NewDecoder(meResp.Body).Decode(&me); err != nil {
		log.Fatalf("me decode failed: %v", err)
	}
	return account{ID: me.ID, Token: token.AccessToken}
}

func worker(wg *sync.WaitGroup, start time.Time, from, to account) {
	defer wg.Done()
	client := &http.Client{Timeout: 10 * time.Second}

	payload := map[string]interface{}{
		"sender_id":           from.ID,
		"receiver_identifier": to.ID,
		"amount":              amount,
	}
	body, _ := json.Marshal(payload)

	for time.Since(start) < duration {
		req, _ := http.NewRequest("POST", targetURL+"/api/v1/transfer", bytes.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", "Bearer "+from.Token)

		resp, err := client.Do(req)
		if err != nil {
			atomic.AddUint64(&failOther, 1)
			continue
		}

		atomic.AddUint64(&totalRequests, 1)
		switch {
		case resp.StatusCode == http.StatusOK:
			atomic.AddUint64(&succeeded, 1)
		case resp.StatusCode == http.StatusServiceUnavailable:
			atomic.AddUint64(&timedOut, 1)
		case resp.StatusCode >= 400 && resp.StatusCode < 500:
			atomic.AddUint64(&rejected, 1)
		default:
			atomic.AddUint64(&failOther, 1)
		}
		resp.Body.Close()
	}
}

func printResults(d time.Duration) {
	total := atomic.LoadUint64(&totalRequests)

	results := map[string]interface{}{
		"duration_sec":   d.Seconds(),
		"total_requests": total,
		"throughput_tps": float64(total) / d.Seconds(),
		"succeeded":      atomic.LoadUint64(&succeeded),
		"rejected":       atomic.LoadUint64(&rejected),
		"lock_timeouts":  atomic.LoadUint64(&timedOut),
		"errors":         atomic.LoadUint64(&failOther),
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	enc.Encode(results)
}
