// Command weathergw-loadtest drives a running gateway cluster with
// synthetic single-request retrievals for regression benchmarking: a flag-driven
// worker/QPS/duration runner that compares results against a recorded
// baseline to flag latency regressions.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"math/rand"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/kenchrcum/weathergw/internal/cluster"
	"github.com/kenchrcum/weathergw/internal/model"
	"github.com/kenchrcum/weathergw/internal/shareresolve"
	"github.com/kenchrcum/weathergw/internal/wireproto"
)

func main() {
	var (
		serverList   string
		workers      int
		duration     time.Duration
		qps          int
		reqType      string
		baselineFile string
		threshold    float64
		updateBase   bool
		verbose      bool
	)

	fs := flag.NewFlagSet("weathergw-loadtest", flag.ExitOnError)
	fs.StringVar(&serverList, "server-list", "http://localhost:8080", "comma-separated worker base URLs")
	fs.IntVar(&workers, "workers", 5, "number of concurrent worker goroutines")
	fs.DurationVar(&duration, "duration", 30*time.Second, "test duration")
	fs.IntVar(&qps, "qps", 5, "queries per second per worker")
	fs.StringVar(&reqType, "type", string(wireproto.TypeFile), "transport: file or pipe")
	fs.StringVar(&baselineFile, "baseline-file", "testdata/loadtest_baseline.json", "path to the baseline JSON file")
	fs.Float64Var(&threshold, "threshold", 10.0, "regression threshold percentage")
	fs.BoolVar(&updateBase, "update-baseline", false, "write this run's results as the new baseline")
	fs.BoolVar(&verbose, "verbose", false, "enable debug logging")
	fs.Parse(os.Args[1:])

	logger := logrus.New()
	if verbose {
		logger.SetLevel(logrus.DebugLevel)
	}

	urls := splitNonEmpty(serverList, ",")
	if len(urls) == 0 {
		logger.Fatal("weathergw-loadtest: no worker URLs configured")
	}

	c := &cluster.Cluster{
		URLs:       urls,
		HTTPClient: &http.Client{Timeout: 30 * time.Second},
		Resolver:   &shareresolve.Resolver{},
		Log:        logger,
	}

	fmt.Println("=== weathergw Load Test Runner ===")
	fmt.Printf("Workers: %s\n", serverList)
	fmt.Printf("Concurrency: %d\n", workers)
	fmt.Printf("Duration: %v\n", duration)
	fmt.Printf("QPS per worker: %d\n", qps)
	fmt.Println()

	results := run(c, wireproto.RequestType(reqType), workers, duration, qps, logger)
	printResults(results)

	if err := os.MkdirAll(filepath.Dir(baselineFile), 0o755); err != nil {
		logger.WithError(err).Fatal("weathergw-loadtest: create baseline directory")
	}

	if updateBase {
		if err := writeBaseline(baselineFile, results); err != nil {
			logger.WithError(err).Fatal("weathergw-loadtest: write baseline")
		}
		fmt.Println("baseline updated:", baselineFile)
		return
	}

	regression, err := checkRegression(baselineFile, results, threshold)
	if err != nil {
		if os.IsNotExist(err) {
			fmt.Println("no baseline found - run with --update-baseline to create one")
			return
		}
		logger.WithError(err).Fatal("weathergw-loadtest: regression analysis")
	}

	if regression.Significant {
		fmt.Printf("regression detected: p50 %.1f%% slower, p99 %.1f%% slower (threshold %.1f%%)\n",
			regression.P50DeltaPct, regression.P99DeltaPct, threshold)
		os.Exit(1)
	}
	fmt.Println("no significant regression")
}

// results is the summary of one load-test run.
type results struct {
	Requests   int64         `json:"requests"`
	Errors     int64         `json:"errors"`
	P50Latency time.Duration `json:"p50_latency_ns"`
	P99Latency time.Duration `json:"p99_latency_ns"`
	Throughput float64       `json:"throughput_qps"`
}

func run(c *cluster.Cluster, reqType wireproto.RequestType, workers int, duration time.Duration, qps int, logger *logrus.Logger) results {
	ctx, cancel := context.WithTimeout(context.Background(), duration)
	defer cancel()

	var (
		mu         sync.Mutex
		latencies  []time.Duration
		reqCount   int64
		errCount   int64
	)

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			ticker := time.NewTicker(time.Second / time.Duration(maxInt(qps, 1)))
			defer ticker.Stop()

			rnd := rand.New(rand.NewSource(int64(workerID) + time.Now().UnixNano()))
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					req := syntheticRequest(rnd)
					target := filepath.Join(os.TempDir(), fmt.Sprintf("weathergw-loadtest-%d-%d.grib", workerID, rnd.Int63()))

					start := time.Now()
					result := c.Submit(ctx, req, map[string]string{}, reqType, target)
					elapsed := time.Since(start)
					_ = os.Remove(target)

					atomic.AddInt64(&reqCount, 1)
					if result.Err != nil {
						atomic.AddInt64(&errCount, 1)
						logger.WithError(result.Err).Debug("weathergw-loadtest: request failed")
						continue
					}

					mu.Lock()
					latencies = append(latencies, elapsed)
					mu.Unlock()
				}
			}
		}(w)
	}
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	return results{
		Requests:   reqCount,
		Errors:     errCount,
		P50Latency: percentile(latencies, 0.50),
		P99Latency: percentile(latencies, 0.99),
		Throughput: float64(reqCount) / duration.Seconds(),
	}
}

// syntheticRequest produces a request within a plausible date range, so
// repeated load-test runs exercise the coalescing cache the same way
// real clients retrying the same archive window would.
func syntheticRequest(rnd *rand.Rand) model.Request {
	day := 1 + rnd.Intn(28)
	return model.Request{
		"class": "ea",
		"date":  fmt.Sprintf("2024-09-%02d", day),
		"time":  "00:00:00",
		"param": "140212",
	}
}

func percentile(latencies []time.Duration, p float64) time.Duration {
	if len(latencies) == 0 {
		return 0
	}
	sorted := make([]time.Duration, len(latencies))
	copy(sorted, latencies)
	for i := 1; i < len(sorted); i++ {
		for j := i; j > 0 && sorted[j-1] > sorted[j]; j-- {
			sorted[j-1], sorted[j] = sorted[j], sorted[j-1]
		}
	}
	idx := int(p * float64(len(sorted)-1))
	return sorted[idx]
}

func printResults(r results) {
	fmt.Println("--- Results ---")
	fmt.Printf("Requests:    %d (errors: %d)\n", r.Requests, r.Errors)
	fmt.Printf("Throughput:  %.2f req/s\n", r.Throughput)
	fmt.Printf("p50 latency: %v\n", r.P50Latency)
	fmt.Printf("p99 latency: %v\n", r.P99Latency)
	fmt.Println()
}

func writeBaseline(path string, r results) error {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

type regressionResult struct {
	Significant bool
	P50DeltaPct float64
	P99DeltaPct float64
}

func checkRegression(baselineFile string, r results, thresholdPct float64) (regressionResult, error) {
	data, err := os.ReadFile(baselineFile)
	if err != nil {
		return regressionResult{}, err
	}
	var baseline results
	if err := json.Unmarshal(data, &baseline); err != nil {
		return regressionResult{}, fmt.Errorf("parse baseline: %w", err)
	}

	p50Delta := percentDelta(baseline.P50Latency, r.P50Latency)
	p99Delta := percentDelta(baseline.P99Latency, r.P99Latency)

	return regressionResult{
		Significant: p50Delta > thresholdPct || p99Delta > thresholdPct,
		P50DeltaPct: p50Delta,
		P99DeltaPct: p99Delta,
	}, nil
}

func percentDelta(base, current time.Duration) float64 {
	if base == 0 {
		return 0
	}
	return (float64(current) - float64(base)) / float64(base) * 100
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func splitNonEmpty(s, sep string) []string {
	var out []string
	start := 0
	for i := 0; i <= len(s); i++ {
		if i == len(s) || string(s[i]) == sep {
			if i > start {
				out = append(out, s[start:i])
			}
			start = i + 1
		}
	}
	return out
}
