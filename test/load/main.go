package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Load generator for the campaign API. Creates draft campaigns at a
// fixed rate and reports latency percentiles. Run against a local
// stack with the mock provider wired in.

type CampaignPayload struct {
	Name         string `json:"name"`
	Subject      string `json:"subject"`
	SenderName   string `json:"sender_name"`
	SenderEmail  string `json:"sender_email"`
	BodyHTML     string `json:"body_html"`
	GroupID      int64  `json:"group_id"`
	CredentialID int64  `json:"credential_id"`
	SendNow      bool   `json:"send_now"`
}

type LoadTestConfig struct {
	URL               string
	RequestsPerSecond int
	DurationSeconds   int
	ConcurrentWorkers int
	GroupID           int64
	CredentialID      int64
	SendNow           bool
}

type Stats struct {
	successCount  atomic.Int64
	errorCount    atomic.Int64
	responseTimes []float64
	mu            sync.Mutex
}

func (s *Stats) addResponseTime(duration float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.responseTimes = append(s.responseTimes, duration)
}

func (s *Stats) getResponseTimes() []float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	times := make([]float64, len(s.responseTimes))
	copy(times, s.responseTimes)
	return times
}

func sendRequest(client *http.Client, config LoadTestConfig, payload []byte, stats *Stats) {
	start := time.Now()

	req, err := http.NewRequest("POST", config.URL+"/api/v1/campaigns", bytes.NewBuffer(payload))
	if err != nil {
		stats.errorCount.Add(1)
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		stats.errorCount.Add(1)
		return
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	elapsed := float64(time.Since(start).Milliseconds())
	stats.addResponseTime(elapsed)

	if resp.StatusCode == http.StatusCreated {
		stats.successCount.Add(1)
	} else {
		stats.errorCount.Add(1)
	}
}

func runLoadTest(config LoadTestConfig) {
	stats := &Stats{}
	client := &http.Client{Timeout: 10 * time.Second}

	jobs := make(chan []byte, config.RequestsPerSecond*2)
	var wg sync.WaitGroup

	for i := 0; i < config.ConcurrentWorkers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for payload := range jobs {
				sendRequest(client, config, payload, stats)
			}
		}()
	}

	ticker := time.NewTicker(time.Second / time.Duration(config.RequestsPerSecond))
	defer ticker.Stop()
	deadline := time.Now().Add(time.Duration(config.DurationSeconds) * time.Second)

	seq := 0
	for time.Now().Before(deadline) {
		<-ticker.C
		seq++
		payload, _ := json.Marshal(CampaignPayload{
			Name:         fmt.Sprintf("load-campaign-%d", seq),
			Subject:      "Hello {{first_name}}",
			SenderName:   "Load Test",
			SenderEmail:  "load@acme.test",
			BodyHTML:     "<p>Hi {{first_name}}</p>",
			GroupID:      config.GroupID,
			CredentialID: config.CredentialID,
			SendNow:      config.SendNow,
		})
		jobs <- payload
	}
	close(jobs)
	wg.Wait()

	printReport(config, stats)
}

func printReport(config LoadTestConfig, stats *Stats) {
	times := stats.getResponseTimes()
	sort.Float64s(times)

	success := stats.successCount.Load()
	errors := stats.errorCount.Load()
	total := success + errors

	fmt.Println("---- load test report ----")
	fmt.Printf("target:       %s\n", config.URL)
	fmt.Printf("duration:     %ds\n", config.DurationSeconds)
	fmt.Printf("total:        %d\n", total)
	fmt.Printf("success:      %d\n", success)
	fmt.Printf("errors:       %d\n", errors)
	if total > 0 {
		fmt.Printf("success rate: %.2f%%\n", float64(success)*100/float64(total))
	}
	if len(times) > 0 {
		fmt.Printf("p50:          %.1fms\n", percentile(times, 50))
		fmt.Printf("p95:          %.1fms\n", percentile(times, 95))
		fmt.Printf("p99:          %.1fms\n", percentile(times, 99))
		fmt.Printf("max:          %.1fms\n", times[len(times)-1])
	}
}

func percentile(sorted []float64, p int) float64 {
	if len(sorted) == 0 {
		return 0
	}
	idx := len(sorted) * p / 100
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

func main() {
	config := LoadTestConfig{
		URL:               envOr("LOAD_TEST_URL", "http://localhost:8080"),
		RequestsPerSecond: envIntOr("LOAD_TEST_RPS", 50),
		DurationSeconds:   envIntOr("LOAD_TEST_DURATION", 30),
		ConcurrentWorkers: envIntOr("LOAD_TEST_WORKERS", 10),
		GroupID:           int64(envIntOr("LOAD_TEST_GROUP_ID", 1)),
		CredentialID:      int64(envIntOr("LOAD_TEST_CREDENTIAL_ID", 1)),
		SendNow:           envOr("LOAD_TEST_SEND_NOW", "false") == "true",
	}

	fmt.Printf("running load test: %d rps for %ds against %s\n",
		config.RequestsPerSecond, config.DurationSeconds, config.URL)
	runLoadTest(config)
}

func envOr(key, fallback string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	return v
}

func envIntOr(key string, fallback int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}
