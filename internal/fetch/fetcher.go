package fetch

import (
	"context"
	"fmt"
	"io"
	"math/rand/v2"
	"net/http"
	"proxyscraper/internal/challenge"
	"proxyscraper/internal/parser"
	"proxyscraper/internal/shared/logger"
	"proxyscraper/internal/shared/transport"
	"proxyscraper/internal/storage"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	StatusOK     = "ok"
	StatusFailed = "failed"

	defaultMaxRetries     = 5
	defaultRateLimit      = 500 * time.Millisecond
	defaultAttemptTimeout = 15 * time.Second
	defaultMaxBackoff     = 60 * time.Second
	defaultMaxBodySize    = 10 << 20

	politeJitter  = 500 * time.Millisecond
	backoffJitter = time.Second
)

// EndpointSelector is the part of the proxy pool the fetch loop depends on.
type EndpointSelector interface {
	Select(allowBlacklisted bool) (string, bool)
	Report(address string, success bool, latency time.Duration)
}

// Sleeper waits for d or until ctx is done.
type Sleeper func(ctx context.Context, d time.Duration) error

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Attempt is the result of one request through one endpoint.
type Attempt struct {
	Endpoint   string
	StatusCode int
	Latency    time.Duration
	Body       []byte
	Err        error
	Class      Class
}

// Outcome is what Fetch returns once the loop has finished.
type Outcome struct {
	URL        string            `json:"url"`
	Status     string            `json:"status"`
	Data       parser.Record     `json:"data,omitempty"`
	Error      string            `json:"error,omitempty"`
	Endpoint   string            `json:"proxy,omitempty"`
	StatusCode int               `json:"status_code,omitempty"`
	Attempts   int               `json:"attempts"`
	FetchID    string            `json:"fetch_id"`
	PersistErr error             `json:"-"`
	Challenge  *challenge.Result `json:"challenge,omitempty"`
}

func (o Outcome) OK() bool {
	return o.Status == StatusOK
}

// Option configures a Fetcher.
type Option func(*Fetcher)

func WithParser(p parser.DocumentParser) Option {
	return func(f *Fetcher) {
		if p != nil {
			f.parser = p
		}
	}
}

func WithStore(s storage.Store) Option {
	return func(f *Fetcher) {
		if s != nil {
			f.store = s
		}
	}
}

// WithChallengeProvider enables solving on blocked attempts. The solve result is
// recorded on the outcome; the attempt is still retried. Non-positive durations use the
// challenge package defaults.
func WithChallengeProvider(p challenge.Provider, pollInterval, maxWait time.Duration) Option {
	return func(f *Fetcher) {
		if pollInterval <= 0 {
			pollInterval = challenge.DefaultPollInterval
		}
		if maxWait <= 0 {
			maxWait = challenge.DefaultMaxWait
		}
		f.solver = p
		f.pollInterval = pollInterval
		f.maxWait = maxWait
	}
}

func WithMaxRetries(n int) Option {
	return func(f *Fetcher) {
		if n > 0 {
			f.maxRetries = n
		}
	}
}

// WithRateLimit sets the base of the polite delay taken after a success.
func WithRateLimit(d time.Duration) Option {
	return func(f *Fetcher) { f.rateLimit = d }
}

func WithAttemptTimeout(d time.Duration) Option {
	return func(f *Fetcher) {
		if d > 0 {
			f.attemptTimeout = d
		}
	}
}

// WithMaxBackoff caps a single backoff sleep. Zero leaves it uncapped.
func WithMaxBackoff(d time.Duration) Option {
	return func(f *Fetcher) { f.maxBackoff = d }
}

func WithMaxBodySize(n int64) Option {
	return func(f *Fetcher) {
		if n > 0 {
			f.maxBodySize = n
		}
	}
}

func WithSleeper(s Sleeper) Option {
	return func(f *Fetcher) { f.sleep = s }
}

func WithRand(r *rand.Rand) Option {
	return func(f *Fetcher) { f.rng = r }
}

func WithTransportFactory(tf *transport.Factory) Option {
	return func(f *Fetcher) { f.transports = tf }
}

// Fetcher drives the select -> attempt -> classify -> report -> backoff loop.
// One Fetcher may run many Fetch calls concurrently against a shared pool.
type Fetcher struct {
	pool       EndpointSelector
	transports *transport.Factory
	parser     parser.DocumentParser
	store      storage.Store

	solver       challenge.Provider
	pollInterval time.Duration
	maxWait      time.Duration

	maxRetries     int
	rateLimit      time.Duration
	attemptTimeout time.Duration
	maxBackoff     time.Duration
	maxBodySize    int64
	sleep          Sleeper

	rngMu sync.Mutex
	rng   *rand.Rand
}

// New creates a Fetcher that draws endpoints from pool.
func New(pool EndpointSelector, opts ...Option) *Fetcher {
	f := &Fetcher{
		pool:           pool,
		transports:     transport.NewFactory(false),
		parser:         parser.Default(),
		store:          storage.Discard{},
		maxRetries:     defaultMaxRetries,
		rateLimit:      defaultRateLimit,
		attemptTimeout: defaultAttemptTimeout,
		maxBackoff:     defaultMaxBackoff,
		maxBodySize:    defaultMaxBodySize,
		sleep:          sleepContext,
		rng:            rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64())),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Fetch retrieves url, rotating endpoints and backing off between failed attempts.
// It always returns an Outcome; failures never escape as errors or panics.
func (f *Fetcher) Fetch(ctx context.Context, url string) Outcome {
	fetchID := uuid.NewString()
	l := logger.WithComponent("Fetch").With().Str("fetch_id", fetchID).Str("url", url).Logger()

	out := Outcome{URL: url, FetchID: fetchID}
	var lastErr error

	for attempt := 0; attempt < f.maxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			lastErr = err
			break
		}

		// 代理池耗尽时直接连接，而不是放弃
		endpoint, _ := f.pool.Select(false)
		res := f.attempt(ctx, url, endpoint)
		out.Attempts = attempt + 1
		out.Endpoint = endpoint
		out.StatusCode = res.StatusCode

		if res.Class == ClassSuccess {
			f.pool.Report(endpoint, true, res.Latency)
			f.finishSuccess(ctx, &out, res)
			l.Debug().Int("attempt", attempt+1).Str("proxy", endpoint).Dur("latency", res.Latency).Msg("Fetch succeeded.")
			return out
		}

		lastErr = res.Err
		if res.Class == ClassInvalid {
			break
		}
		// 调用方取消不算代理的失败
		if err := ctx.Err(); err != nil {
			lastErr = err
			break
		}
		f.pool.Report(endpoint, false, res.Latency)

		if res.Class == ClassBlocked {
			l.Warn().Int("status_code", res.StatusCode).Str("proxy", endpoint).Msg("Detected captcha/block.")
			if f.solver != nil {
				solved := challenge.Solve(ctx, f.solver, res.Body, f.pollInterval, f.maxWait)
				out.Challenge = &solved
				if solved.Err != nil {
					l.Debug().Err(solved.Err).Msg("Challenge provider did not solve the block.")
				}
			}
		}
		l.Debug().Err(res.Err).Int("attempt", attempt+1).Str("proxy", endpoint).Str("class", res.Class.String()).Msg("Fetch attempt failed.")

		if attempt < f.maxRetries-1 {
			if err := f.sleep(ctx, f.backoff(attempt)); err != nil {
				lastErr = err
				break
			}
		}
	}

	out.Status = StatusFailed
	if lastErr != nil {
		out.Error = lastErr.Error()
	}
	l.Error().Str("error", out.Error).Int("attempts", out.Attempts).Msg("Failed to fetch.")
	return out
}

// finishSuccess parses and stores the body, then takes the polite delay.
func (f *Fetcher) finishSuccess(ctx context.Context, out *Outcome, res Attempt) {
	out.Status = StatusOK
	out.Data = f.parser.Parse(res.Body)

	if err := f.store.Save(out.URL, res.Body); err != nil {
		out.PersistErr = err
		logger.Warn().Err(err).Str("url", out.URL).Msg("Failed to save raw page.")
	}

	// A cancelled delay does not undo a successful fetch.
	_ = f.sleep(ctx, f.rateLimit+f.jitter(politeJitter))
}

func (f *Fetcher) attempt(ctx context.Context, url, endpoint string) Attempt {
	res := Attempt{Endpoint: endpoint}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		res.Class = ClassInvalid
		res.Err = fmt.Errorf("invalid request: %w", err)
		return res
	}
	f.applyIdentity(req)

	client, err := f.transports.Client(endpoint, f.attemptTimeout)
	if err != nil {
		res.Class = ClassTransport
		res.Err = err
		return res
	}

	start := time.Now()
	resp, err := client.Do(req)
	if err != nil {
		res.Class = ClassTransport
		res.Err = err
		return res
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, f.maxBodySize))
	res.Latency = time.Since(start)
	res.StatusCode = resp.StatusCode
	if err != nil {
		res.Class = ClassTransport
		res.Err = fmt.Errorf("failed to read body: %w", err)
		return res
	}
	res.Body = body

	res.Class = classify(resp.StatusCode, body)
	switch res.Class {
	case ClassBlocked:
		res.Err = fmt.Errorf("%w (status %d)", ErrBlocked, resp.StatusCode)
	case ClassHTTPStatus:
		res.Err = fmt.Errorf("received non-successful status code: %d", resp.StatusCode)
	}
	return res
}

// backoff returns 2^attempt seconds plus up to one second of jitter, capped at maxBackoff.
func (f *Fetcher) backoff(attempt int) time.Duration {
	jitter := f.jitter(backoffJitter)
	if attempt >= 32 {
		if f.maxBackoff > 0 {
			return f.maxBackoff
		}
		attempt = 32
	}
	d := time.Duration(1<<attempt)*time.Second + jitter
	if f.maxBackoff > 0 && d > f.maxBackoff {
		return f.maxBackoff
	}
	return d
}

// jitter returns a uniform duration in [0, limit).
func (f *Fetcher) jitter(limit time.Duration) time.Duration {
	f.rngMu.Lock()
	defer f.rngMu.Unlock()
	return time.Duration(f.rng.Float64() * float64(limit))
}

func (f *Fetcher) intN(n int) int {
	f.rngMu.Lock()
	defer f.rngMu.Unlock()
	return f.rng.IntN(n)
}

// Close releases idle connections held for endpoints.
func (f *Fetcher) Close() {
	f.transports.CloseIdle()
}
