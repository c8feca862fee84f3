package proxypool

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"proxyscraper/internal/shared/logger"
	"proxyscraper/internal/shared/transport"
	"proxyscraper/proxypool/model"
	"sort"
	"sync"
	"time"
)

const (
	defaultTopK = 5
	// 没有延迟样本的代理按 5 秒计分
	defaultScoreLatency = 5 * time.Second
)

// ErrUnknownEndpoint is returned by Probe for an address the pool does not hold.
var ErrUnknownEndpoint = errors.New("unknown endpoint")

// Prober performs one synthetic request through an endpoint.
type Prober interface {
	Probe(ctx context.Context, address string) (time.Duration, error)
}

// Option configures a Pool.
type Option func(*Pool)

// WithRand replaces the random source used for selection, for reproducible tests.
func WithRand(r *rand.Rand) Option {
	return func(p *Pool) { p.rng = r }
}

// WithTopK sets how many of the best-scoring endpoints selection randomizes over.
func WithTopK(k int) Option {
	return func(p *Pool) {
		if k > 0 {
			p.topK = k
		}
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(p *Pool) { p.now = now }
}

// Pool 持有所有代理候选及其健康记录。
// mu 只保护 address -> Endpoint 映射；每条记录有自己的锁，
// 因此不同代理的探测/上报互不阻塞。
type Pool struct {
	endpoints map[string]*model.Endpoint
	mu        sync.RWMutex

	prober         Prober
	topK           int
	defaultLatency time.Duration
	now            func() time.Time

	rngMu sync.Mutex
	rng   *rand.Rand
}

// New creates a pool seeded with addresses. prober may be nil if Probe is never used.
func New(prober Prober, addresses []string, opts ...Option) *Pool {
	p := &Pool{
		endpoints:      make(map[string]*model.Endpoint),
		prober:         prober,
		topK:           defaultTopK,
		defaultLatency: defaultScoreLatency,
		now:            time.Now,
		rng:            rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64())),
	}
	for _, opt := range opts {
		opt(p)
	}
	for _, addr := range addresses {
		p.AddEndpoint(addr)
	}
	return p
}

// AddEndpoint adds address to the pool. A bare "host:port" is stored as
// "http://host:port". Adding a known address is a no-op.
func (p *Pool) AddEndpoint(address string) {
	address = transport.Normalize(address)
	if address == "" {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, exists := p.endpoints[address]; exists {
		return
	}
	p.endpoints[address] = model.NewEndpoint(address)
	logger.Debug().Str("endpoint", address).Msg("Added endpoint.")
}

// RemoveEndpoint drops address from the pool. Removing an unknown address is a no-op.
func (p *Pool) RemoveEndpoint(address string) {
	address = transport.Normalize(address)
	p.mu.Lock()
	delete(p.endpoints, address)
	p.mu.Unlock()
}

// ListEndpoints returns a snapshot of all addresses, in no particular order.
func (p *Pool) ListEndpoints() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()

	addresses := make([]string, 0, len(p.endpoints))
	for addr := range p.endpoints {
		addresses = append(addresses, addr)
	}
	return addresses
}

func (p *Pool) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.endpoints)
}

// Stats returns a copy of every endpoint's health record, sorted by address.
func (p *Pool) Stats() []model.Stats {
	stats := p.snapshot(true)
	sort.Slice(stats, func(i, j int) bool {
		return stats[i].Address < stats[j].Address
	})
	return stats
}

// Probe runs a health check through address and folds the result into its record.
// Network failures are reported through the bool; the error is reserved for unknown
// addresses and for a cancelled ctx, which is not held against the endpoint.
func (p *Pool) Probe(ctx context.Context, address string) (bool, error) {
	l := logger.WithComponent("ProxyPool/Pool")

	e := p.lookup(address)
	if e == nil {
		return false, fmt.Errorf("probe %q: %w", address, ErrUnknownEndpoint)
	}
	if p.prober == nil {
		return false, errors.New("pool has no prober configured")
	}

	address = e.Address()
	latency, err := p.prober.Probe(ctx, address)
	if err != nil {
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		blacklisted := e.RecordProbeFailure(p.now())
		l.Debug().Err(err).Str("endpoint", address).Bool("blacklisted", blacklisted).Msg("Probe failed.")
		return false, nil
	}

	e.RecordProbeSuccess(p.now(), latency)
	l.Debug().Str("endpoint", address).Dur("latency", latency).Msg("Probe ok.")
	return true, nil
}

// BulkProbe probes every listed endpoint one after another, pausing interProbeDelay
// between probes. It returns the number of endpoints that passed.
func (p *Pool) BulkProbe(ctx context.Context, interProbeDelay time.Duration) int {
	l := logger.WithComponent("ProxyPool/Pool")
	addresses := p.ListEndpoints()
	l.Info().Int("count", len(addresses)).Dur("delay", interProbeDelay).Msg("Starting bulk probe...")

	healthy := 0
	for i, addr := range addresses {
		ok, err := p.Probe(ctx, addr)
		if ok {
			healthy++
		}
		// 探测期间被移除的代理直接跳过
		if err != nil && !errors.Is(err, ErrUnknownEndpoint) {
			l.Warn().Err(err).Msg("Bulk probe interrupted.")
			break
		}
		if i < len(addresses)-1 && interProbeDelay > 0 {
			select {
			case <-time.After(interProbeDelay):
			case <-ctx.Done():
				l.Warn().Err(ctx.Err()).Msg("Bulk probe interrupted.")
				return healthy
			}
		}
	}

	l.Info().Int("healthy", healthy).Int("total", len(addresses)).Msg("Bulk probe finished.")
	return healthy
}

// Select picks the endpoint to use for the next attempt. It returns false when no
// eligible endpoint exists.
//
// Never-used endpoints are tried first, uniformly at random. Once every candidate has
// history, the topK lowest scores are kept and one of them is chosen at random so that
// load spreads and an unlucky endpoint gets a chance to recover.
func (p *Pool) Select(allowBlacklisted bool) (string, bool) {
	candidates := p.snapshot(allowBlacklisted)
	if len(candidates) == 0 {
		return "", false
	}

	unprobed := make([]model.Stats, 0, len(candidates))
	for _, c := range candidates {
		if !c.Probed() {
			unprobed = append(unprobed, c)
		}
	}
	if len(unprobed) > 0 {
		chosen := unprobed[p.intN(len(unprobed))].Address
		logger.Debug().Str("endpoint", chosen).Msg("Chose unprobed endpoint.")
		return chosen, true
	}

	sort.Slice(candidates, func(i, j int) bool {
		si, sj := candidates[i].Score(p.defaultLatency), candidates[j].Score(p.defaultLatency)
		if si != sj {
			return si < sj
		}
		return candidates[i].Address < candidates[j].Address
	})
	top := min(p.topK, len(candidates))
	chosen := candidates[p.intN(top)].Address
	logger.Debug().Str("endpoint", chosen).Msg("Chose endpoint by score.")
	return chosen, true
}

// Report records the outcome of a real request made through address. An empty or
// unknown address is ignored so callers can report unconditionally after a direct
// attempt. latency <= 0 means no sample.
func (p *Pool) Report(address string, success bool, latency time.Duration) {
	if address == "" {
		return
	}
	e := p.lookup(address)
	if e == nil {
		return
	}

	if success {
		e.RecordUseSuccess(p.now(), latency)
		return
	}
	if e.RecordUseFailure(p.now()) {
		logger.Debug().Str("endpoint", address).Msg("Endpoint blacklisted after repeated failures.")
	}
}

// Blacklist excludes address from normal selection until it passes a probe.
func (p *Pool) Blacklist(address string) {
	if e := p.lookup(address); e != nil {
		e.Blacklist()
	}
}

func (p *Pool) lookup(address string) *model.Endpoint {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.endpoints[transport.Normalize(address)]
}

// snapshot copies the records eligible for selection.
func (p *Pool) snapshot(includeBlacklisted bool) []model.Stats {
	p.mu.RLock()
	defer p.mu.RUnlock()

	stats := make([]model.Stats, 0, len(p.endpoints))
	for _, e := range p.endpoints {
		s := e.Snapshot()
		if s.Blacklisted && !includeBlacklisted {
			continue
		}
		stats = append(stats, s)
	}
	return stats
}

func (p *Pool) intN(n int) int {
	p.rngMu.Lock()
	defer p.rngMu.Unlock()
	return p.rng.IntN(n)
}
