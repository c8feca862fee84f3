package validator

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"proxyscraper/internal/shared/logger"
	"proxyscraper/internal/shared/transport"
	"sync"
	"time"
)

const (
	defaultTimeout     = 8 * time.Second
	defaultConcurrency = 5
	// 探测只关心可达性与延迟，读取少量响应体即可
	probeBodyLimit = 64 << 10
)

// Result is the outcome of one probe, as returned by ValidateAll.
type Result struct {
	Address string
	Latency time.Duration
	Err     error
}

// Validator performs synthetic requests against a fixed probe target through a
// given endpoint. It never touches pool state; callers fold results in themselves.
type Validator struct {
	target      string
	timeout     time.Duration
	concurrency int
	factory     *transport.Factory
}

// NewValidator creates a Validator for target. Non-positive timeout or concurrency fall
// back to defaults.
func NewValidator(target string, timeout time.Duration, concurrency int) *Validator {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	if concurrency <= 0 {
		concurrency = defaultConcurrency
	}
	return &Validator{
		target:      target,
		timeout:     timeout,
		concurrency: concurrency,
		factory:     transport.NewFactory(true),
	}
}

func (v *Validator) Target() string {
	return v.target
}

// Probe issues one GET to the probe target through address and returns the
// round-trip latency. Statuses outside [200, 400) count as failure.
func (v *Validator) Probe(ctx context.Context, address string) (time.Duration, error) {
	client, err := v.factory.Client(address, v.timeout)
	if err != nil {
		return 0, err
	}

	ctx, cancel := context.WithTimeout(ctx, v.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, v.target, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to create probe request: %w", err)
	}

	startTime := time.Now()
	resp, err := client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if _, err := io.Copy(io.Discard, io.LimitReader(resp.Body, probeBodyLimit)); err != nil {
		return 0, fmt.Errorf("failed to read probe response: %w", err)
	}
	latency := time.Since(startTime)

	if resp.StatusCode < 200 || resp.StatusCode >= 400 {
		return latency, fmt.Errorf("received non-successful status code: %d", resp.StatusCode)
	}
	return latency, nil
}

// ValidateAll probes every address concurrently, bounded by the configured concurrency.
// Results are returned in input order.
func (v *Validator) ValidateAll(ctx context.Context, addresses []string) []Result {
	l := logger.WithComponent("ProxyPool/Validator")
	if len(addresses) == 0 {
		return nil
	}

	l.Info().Int("count", len(addresses)).Int("concurrency", v.concurrency).Msg("Starting validation batch...")

	results := make([]Result, len(addresses))
	var wg sync.WaitGroup
	semaphore := make(chan struct{}, v.concurrency)

	for i, addr := range addresses {
		wg.Add(1)
		semaphore <- struct{}{}

		go func(idx int, address string) {
			defer wg.Done()
			defer func() { <-semaphore }()

			latency, err := v.Probe(ctx, address)
			results[idx] = Result{Address: address, Latency: latency, Err: err}
		}(i, addr)
	}

	wg.Wait()

	healthy := 0
	for _, r := range results {
		if r.Err == nil {
			healthy++
		}
	}
	l.Info().Int("healthy", healthy).Int("total", len(results)).Msg("Validation batch finished.")
	return results
}

// Close releases idle probe connections.
func (v *Validator) Close() {
	v.factory.CloseIdle()
}
