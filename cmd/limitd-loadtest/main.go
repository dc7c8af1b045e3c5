// Command limitd-loadtest runs a synthetic admission load against a
// limiter: estimate-heavy acquires followed by an adjust to the metered
// actual, the way an LLM proxy drives it.
package main

import (
	"context"
	"flag"
	"fmt"
	"math/rand"
	"os"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"limitd/pkg/ratelimiter"
	"limitd/pkg/ratelimiter/httpclient"
	"limitd/pkg/ratelimiter/local"
)

// config captures command-line configuration for the load test.
type config struct {
	Mode           string
	BaseURL        string
	Namespace      string
	Duration       time.Duration
	Concurrency    int
	Entities       int
	Resources      []string
	MaxTokens      int
	RequestTimeout time.Duration
	Speculative    bool
}

// loadStats aggregates counters and latency samples across workers.
type loadStats struct {
	acquired uint64
	denied   uint64
	errored  uint64
	adjusted uint64

	mu               sync.Mutex
	acquireLatencies []int64
	adjustLatencies  []int64
}

func main() {
	cfg := parseConfig()
	if err := cfg.validate(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	limiter, err := buildLimiter(cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Duration)
	defer cancel()

	stats := runLoad(ctx, limiter, cfg)
	printSummary(cfg, stats)
}

func parseConfig() config {
	var cfg config
	var resources string
	flag.StringVar(&cfg.Mode, "mode", "http", "mode: http or local")
	flag.StringVar(&cfg.BaseURL, "base-url", "http://localhost:8080", "limitd base URL")
	flag.StringVar(&cfg.Namespace, "namespace", "loadtest", "namespace for local mode")
	flag.DurationVar(&cfg.Duration, "duration", 30*time.Second, "test duration")
	flag.IntVar(&cfg.Concurrency, "concurrency", 200, "concurrent workers")
	flag.IntVar(&cfg.Entities, "entities", 50, "distinct entities to spread load over")
	flag.StringVar(&resources, "resources", "gpt-4,claude", "comma-separated resources")
	flag.IntVar(&cfg.MaxTokens, "max-tokens", 200, "max token estimate per request")
	flag.DurationVar(&cfg.RequestTimeout, "request-timeout", 2*time.Second, "per-request timeout")
	flag.BoolVar(&cfg.Speculative, "speculative", false, "use the single-write speculative path")
	flag.Parse()

	cfg.Resources = splitList(resources)
	return cfg
}

func (c config) validate() error {
	if c.Mode != "http" && c.Mode != "local" {
		return fmt.Errorf("unsupported mode: %s", c.Mode)
	}
	if c.Duration <= 0 {
		return fmt.Errorf("duration must be positive")
	}
	if c.Concurrency <= 0 {
		return fmt.Errorf("concurrency must be positive")
	}
	if c.Entities <= 0 {
		return fmt.Errorf("entities must be positive")
	}
	if c.MaxTokens <= 0 {
		return fmt.Errorf("max-tokens must be positive")
	}
	if c.RequestTimeout <= 0 {
		return fmt.Errorf("request-timeout must be positive")
	}
	if len(c.Resources) == 0 {
		return fmt.Errorf("at least one resource is required")
	}
	return nil
}

func buildLimiter(cfg config) (ratelimiter.Limiter, error) {
	switch cfg.Mode {
	case "http":
		return httpclient.NewWithTimeout(cfg.BaseURL, cfg.RequestTimeout), nil
	default:
		return local.New(context.Background(), local.Config{Namespace: cfg.Namespace})
	}
}

// workloadLimits is the per-entity limit set the test drives: a request
// rate plus a token rate with burst headroom.
func workloadLimits(maxTokens int) []ratelimiter.Limit {
	perMinute := int64(maxTokens) * 600
	return []ratelimiter.Limit{
		{Name: "requests", Capacity: 600, Burst: 600, RefillAmount: 600, RefillPeriod: time.Minute},
		{Name: "tokens", Capacity: perMinute, Burst: perMinute + perMinute/5, RefillAmount: perMinute, RefillPeriod: time.Minute},
	}
}

func runLoad(ctx context.Context, limiter ratelimiter.Limiter, cfg config) *loadStats {
	stats := &loadStats{
		acquireLatencies: make([]int64, 0, cfg.Concurrency*16),
		adjustLatencies:  make([]int64, 0, cfg.Concurrency*16),
	}
	limits := workloadLimits(cfg.MaxTokens)
	var wg sync.WaitGroup
	for i := 0; i < cfg.Concurrency; i++ {
		wg.Add(1)
		go func(seed int64) {
			defer wg.Done()
			rng := rand.New(rand.NewSource(seed))
			for ctx.Err() == nil {
				stats.one(limiter, cfg, limits, rng)
			}
		}(int64(i + 1))
	}
	wg.Wait()
	return stats
}

// one runs a single acquire/adjust/commit round.
func (s *loadStats) one(limiter ratelimiter.Limiter, cfg config, limits []ratelimiter.Limit, rng *rand.Rand) {
	entity := fmt.Sprintf("load-%d", rng.Intn(cfg.Entities))
	resource := cfg.Resources[rng.Intn(len(cfg.Resources))]
	estimate := int64(rng.Intn(cfg.MaxTokens) + 1)

	acquireCtx, cancel := context.WithTimeout(context.Background(), cfg.RequestTimeout)
	start := time.Now()
	lease, err := limiter.Acquire(acquireCtx, ratelimiter.AcquireRequest{
		EntityID:    entity,
		Resource:    resource,
		Consume:     ratelimiter.NewConsumeMap(map[string]int64{"requests": 1, "tokens": estimate}),
		Limits:      limits,
		Speculative: cfg.Speculative,
	})
	cancel()
	s.record(&s.acquireLatencies, time.Since(start))
	if err != nil {
		if ratelimiter.IsRateLimitExceeded(err) {
			atomic.AddUint64(&s.denied, 1)
		} else {
			atomic.AddUint64(&s.errored, 1)
		}
		return
	}
	atomic.AddUint64(&s.acquired, 1)

	time.Sleep(time.Duration(rng.Intn(50)) * time.Millisecond)
	actual := int64(rng.Intn(int(estimate)) + 1)

	adjustCtx, cancel := context.WithTimeout(context.Background(), cfg.RequestTimeout)
	start = time.Now()
	err = lease.Adjust(adjustCtx, ratelimiter.Consume("tokens", actual-estimate))
	cancel()
	s.record(&s.adjustLatencies, time.Since(start))
	if err != nil {
		atomic.AddUint64(&s.errored, 1)
		closeCtx, cancel := context.WithTimeout(context.Background(), cfg.RequestTimeout)
		_ = lease.Close(closeCtx)
		cancel()
		return
	}
	atomic.AddUint64(&s.adjusted, 1)
	lease.Commit()
}

func (s *loadStats) record(samples *[]int64, d time.Duration) {
	s.mu.Lock()
	*samples = append(*samples, d.Nanoseconds())
	s.mu.Unlock()
}

func printSummary(cfg config, stats *loadStats) {
	elapsed := cfg.Duration.Seconds()
	acquired := atomic.LoadUint64(&stats.acquired)
	denied := atomic.LoadUint64(&stats.denied)
	errored := atomic.LoadUint64(&stats.errored)
	adjusted := atomic.LoadUint64(&stats.adjusted)

	fmt.Println("limitd load test summary")
	fmt.Printf("mode: %s duration: %s concurrency: %d entities: %d\n", cfg.Mode, cfg.Duration, cfg.Concurrency, cfg.Entities)
	fmt.Printf("acquires/sec: %.2f adjusts/sec: %.2f\n", float64(acquired)/elapsed, float64(adjusted)/elapsed)
	fmt.Printf("acquired: %d denied: %d errors: %d\n", acquired, denied, errored)
	fmt.Printf("acquire latency p50=%s p95=%s p99=%s\n",
		percentileDuration(stats.acquireLatencies, 0.50),
		percentileDuration(stats.acquireLatencies, 0.95),
		percentileDuration(stats.acquireLatencies, 0.99),
	)
	fmt.Printf("adjust latency p50=%s p95=%s p99=%s\n",
		percentileDuration(stats.adjustLatencies, 0.50),
		percentileDuration(stats.adjustLatencies, 0.95),
		percentileDuration(stats.adjustLatencies, 0.99),
	)
}

// percentileDuration computes a duration percentile for samples in
// nanoseconds.
func percentileDuration(samples []int64, p float64) time.Duration {
	if len(samples) == 0 {
		return 0
	}
	sorted := append([]int64(nil), samples...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	switch {
	case p <= 0:
		return time.Duration(sorted[0])
	case p >= 1:
		return time.Duration(sorted[len(sorted)-1])
	}
	pos := int(float64(len(sorted)-1) * p)
	return time.Duration(sorted[pos])
}

func splitList(input string) []string {
	parts := strings.Split(input, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if value := strings.TrimSpace(part); value != "" {
			out = append(out, value)
		}
	}
	return out
}
