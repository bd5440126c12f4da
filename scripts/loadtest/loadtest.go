package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// Configuration options
var (
	targetURL      string
	numWorkers     int
	duration       time.Duration
	primeRatio     float64
	primeLimit     int
	priority       string
	broadcastEvery int
	reportInterval time.Duration
	outputFile     string
	requestsPerSec int
)

// Stats collects submission outcomes
type Stats struct {
	TotalRequests   int64
	SuccessRequests int64
	FailedRequests  int64
	CodeSent        int64

	mu          sync.Mutex
	latencies   []time.Duration
	statusCodes map[int]int64
	peers       map[string]int64
	start       time.Time
	end         time.Time
}

func NewStats() *Stats {
	return &Stats{
		statusCodes: make(map[int]int64),
		peers:       make(map[string]int64),
		start:       time.Now(),
	}
}

type receipt struct {
	Peer     string `json:"peer"`
	CodeSent bool   `json:"code_sent"`
}

func (s *Stats) record(status int, latency time.Duration, r *receipt) {
	atomic.AddInt64(&s.TotalRequests, 1)
	if status >= 200 && status < 300 {
		atomic.AddInt64(&s.SuccessRequests, 1)
	} else {
		atomic.AddInt64(&s.FailedRequests, 1)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.statusCodes[status]++
	s.latencies = append(s.latencies, latency)
	if r != nil && r.Peer != "" {
		s.peers[r.Peer]++
		if r.CodeSent {
			s.CodeSent++
		}
	}
}

func (s *Stats) percentile(p float64) time.Duration {
	if len(s.latencies) == 0 {
		return 0
	}
	i := int(float64(len(s.latencies)) * p)
	if i >= len(s.latencies) {
		i = len(s.latencies) - 1
	}
	return s.latencies[i]
}

func (s *Stats) Print(w io.Writer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.end = time.Now()
	sort.Slice(s.latencies, func(i, j int) bool { return s.latencies[i] < s.latencies[j] })
	elapsed := s.end.Sub(s.start).Seconds()

	fmt.Fprintln(w, "\n=== Load Test Results ===")
	fmt.Fprintf(w, "Duration: %.2f seconds\n", elapsed)
	fmt.Fprintf(w, "Submissions: %d (%.2f/sec)\n", s.TotalRequests, float64(s.TotalRequests)/elapsed)
	fmt.Fprintf(w, "Succeeded: %d\n", s.SuccessRequests)
	fmt.Fprintf(w, "Failed: %d\n", s.FailedRequests)
	fmt.Fprintf(w, "Code transfers: %d\n", s.CodeSent)

	fmt.Fprintln(w, "\n=== Latency ===")
	fmt.Fprintf(w, "P50: %s\nP90: %s\nP99: %s\n", s.percentile(0.5), s.percentile(0.9), s.percentile(0.99))

	fmt.Fprintln(w, "\n=== Status Codes ===")
	for code, n := range s.statusCodes {
		fmt.Fprintf(w, "%d: %d\n", code, n)
	}
	fmt.Fprintln(w, "\n=== Peers ===")
	for peer, n := range s.peers {
		fmt.Fprintf(w, "%s: %d\n", peer, n)
	}
}

var httpClient = &http.Client{Timeout: 60 * time.Second}

func submission(rng *rand.Rand) map[string]interface{} {
	req := map[string]interface{}{"priority": priority}
	if rng.Float64() < primeRatio {
		req["kind"] = "PrimeCount"
		req["params"] = map[string]int{"limit": 1 + rng.Intn(primeLimit)}
	} else {
		req["kind"] = "Echo"
		req["params"] = map[string]string{"message": "loadtest-" + uuid.NewString()}
	}
	return req
}

func submit(ctx context.Context, path string, body map[string]interface{}, stats *Stats) {
	payload, err := json.Marshal(body)
	if err != nil {
		log.Printf("Error encoding submission: %v", err)
		return
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, targetURL+path, bytes.NewReader(payload))
	if err != nil {
		log.Printf("Error creating request: %v", err)
		return
	}
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := httpClient.Do(req)
	latency := time.Since(start)
	if err != nil {
		if ctx.Err() == nil {
			log.Printf("Error making request: %v", err)
			stats.record(0, latency, nil)
		}
		return
	}
	defer resp.Body.Close()

	var r receipt
	if path == "/tasks" {
		json.NewDecoder(resp.Body).Decode(&r)
	}
	io.Copy(io.Discard, resp.Body)
	stats.record(resp.StatusCode, latency, &r)
}

func worker(ctx context.Context, id int, stats *Stats, throttle <-chan struct{}) error {
	rng := rand.New(rand.NewSource(time.Now().UnixNano() + int64(id)))
	for n := 1; ; n++ {
		if throttle != nil {
			select {
			case <-ctx.Done():
				return nil
			case <-throttle:
			}
		} else if ctx.Err() != nil {
			return nil
		}

		path := "/tasks"
		if broadcastEvery > 0 && n%broadcastEvery == 0 {
			path = "/tasks/broadcast"
		}
		submit(ctx, path, submission(rng), stats)
	}
}

func reportProgress(ctx context.Context, stats *Stats) {
	ticker := time.NewTicker(reportInterval)
	defer ticker.Stop()

	var prev int64
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cur := atomic.LoadInt64(&stats.TotalRequests)
			fmt.Printf("[%s] Submissions: %d (%.2f/sec), Failed: %d\n",
				time.Now().Format("15:04:05"),
				cur,
				float64(cur-prev)/reportInterval.Seconds(),
				atomic.LoadInt64(&stats.FailedRequests))
			prev = cur
		}
	}
}

func main() {
	flag.StringVar(&targetURL, "url", "http://localhost:8080", "Admin API of the submitting node")
	flag.IntVar(&numWorkers, "workers", 4, "Number of concurrent submitters")
	flag.DurationVar(&duration, "duration", 30*time.Second, "Test duration")
	flag.Float64Var(&primeRatio, "prime-ratio", 0.5, "Share of PrimeCount submissions; the rest are Echo")
	flag.IntVar(&primeLimit, "prime-limit", 100000, "Upper bound for PrimeCount limits")
	flag.StringVar(&priority, "priority", "MEDIUM", "Priority sent with every task")
	flag.IntVar(&broadcastEvery, "broadcast-every", 0, "Broadcast every Nth submission per worker (0 = never)")
	flag.DurationVar(&reportInterval, "report-interval", time.Second, "Progress report interval")
	flag.StringVar(&outputFile, "output", "", "Also write results to this file")
	flag.IntVar(&requestsPerSec, "rps", 0, "Target submissions per second (0 = unlimited)")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, duration)
	defer cancel()

	var throttle chan struct{}
	if requestsPerSec > 0 {
		throttle = make(chan struct{}, numWorkers)
		go func() {
			ticker := time.NewTicker(time.Second / time.Duration(requestsPerSec))
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					select {
					case throttle <- struct{}{}:
					default:
					}
				}
			}
		}()
	}

	stats := NewStats()
	go reportProgress(ctx, stats)

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < numWorkers; i++ {
		id := i
		g.Go(func() error { return worker(gctx, id, stats, throttle) })
	}
	g.Wait()

	stats.Print(os.Stdout)
	if outputFile != "" {
		f, err := os.Create(outputFile)
		if err != nil {
			log.Fatalf("Error writing results: %v", err)
		}
		defer f.Close()
		stats.Print(f)
	}
}
