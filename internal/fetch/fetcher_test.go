package fetch

import (
	"context"
	"errors"
	"math/rand/v2"
	"net"
	"net/http"
	"net/http/httptest"
	"proxyscraper/internal/challenge"
	"proxyscraper/internal/parser"
	"proxyscraper/proxypool"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

const okPage = "<html><head><title>Hello</title></head><body>content</body></html>"

type report struct {
	address string
	success bool
	latency time.Duration
}

// scriptedPool hands out endpoints in order, repeating the last one.
type scriptedPool struct {
	mu        sync.Mutex
	endpoints []string
	next      int
	reports   []report
}

func (p *scriptedPool) Select(bool) (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.endpoints) == 0 {
		return "", false
	}
	i := min(p.next, len(p.endpoints)-1)
	p.next++
	return p.endpoints[i], true
}

func (p *scriptedPool) Report(address string, success bool, latency time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.reports = append(p.reports, report{address, success, latency})
}

// recordingSleeper records requested delays without waiting.
type recordingSleeper struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (s *recordingSleeper) Sleep(ctx context.Context, d time.Duration) error {
	s.mu.Lock()
	s.delays = append(s.delays, d)
	s.mu.Unlock()
	return ctx.Err()
}

type failingStore struct{}

func (failingStore) Save(string, []byte) error { return errors.New("disk full") }

type memoryStore struct {
	mu    sync.Mutex
	saved map[string]string
}

func (m *memoryStore) Save(url string, body []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.saved == nil {
		m.saved = map[string]string{}
	}
	m.saved[url] = string(body)
	return nil
}

type solvedProvider struct{ submitted atomic.Int32 }

func (p *solvedProvider) Submit(context.Context, []byte) (challenge.Ticket, error) {
	p.submitted.Add(1)
	return "t-1", nil
}

func (p *solvedProvider) Poll(context.Context, challenge.Ticket) (string, bool, error) {
	return "solved", false, nil
}

// forwardProxy answers every proxied request itself with status and body.
func forwardProxy(status int, body string) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
		w.Write([]byte(body))
	}))
}

func deadAddress(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := ln.Addr().String()
	ln.Close()
	return addr
}

func newTestFetcher(pool EndpointSelector, sleeper *recordingSleeper, opts ...Option) *Fetcher {
	base := []Option{
		WithSleeper(sleeper.Sleep),
		WithRand(rand.New(rand.NewPCG(7, 11))),
		WithAttemptTimeout(2 * time.Second),
	}
	return New(pool, append(base, opts...)...)
}

func TestFetch_DirectSuccessWhenPoolEmpty(t *testing.T) {
	var (
		mu             sync.Mutex
		gotUA, gotLang string
	)
	target := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		gotUA = r.Header.Get("User-Agent")
		gotLang = r.Header.Get("Accept-Language")
		mu.Unlock()
		w.Write([]byte(okPage))
	}))
	defer target.Close()

	pool := &scriptedPool{}
	sleeper := &recordingSleeper{}
	store := &memoryStore{}
	f := newTestFetcher(pool, sleeper, WithStore(store), WithRateLimit(time.Second))

	out := f.Fetch(context.Background(), target.URL)
	if !out.OK() {
		t.Fatalf("Expected ok outcome, got %+v", out)
	}
	if out.Data["title"] != "Hello" || out.Data["length"] != len(okPage) {
		t.Errorf("Unexpected parsed data %v", out.Data)
	}
	if out.Endpoint != "" || out.Attempts != 1 || out.FetchID == "" {
		t.Errorf("Unexpected outcome metadata %+v", out)
	}
	if store.saved[target.URL] != okPage {
		t.Error("Expected raw body to be persisted")
	}

	// Only the polite delay, within [rateLimit, rateLimit+0.5s).
	if len(sleeper.delays) != 1 {
		t.Fatalf("Expected one polite delay, got %v", sleeper.delays)
	}
	if d := sleeper.delays[0]; d < time.Second || d >= 1500*time.Millisecond {
		t.Errorf("Polite delay %v outside [1s, 1.5s)", d)
	}

	mu.Lock()
	defer mu.Unlock()
	if !contains(userAgents, gotUA) || !contains(acceptLanguages, gotLang) {
		t.Errorf("Identity headers not drawn from pools: UA=%q lang=%q", gotUA, gotLang)
	}
}

func TestFetch_TransportErrorsExhaustBudget(t *testing.T) {
	dead := deadAddress(t)
	pool := &scriptedPool{endpoints: []string{dead}}
	sleeper := &recordingSleeper{}
	const maxRetries = 4
	f := newTestFetcher(pool, sleeper, WithMaxRetries(maxRetries), WithMaxBackoff(0))

	out := f.Fetch(context.Background(), "http://target.invalid/")
	if out.OK() || out.Status != StatusFailed {
		t.Fatalf("Expected failed outcome, got %+v", out)
	}
	if out.Attempts != maxRetries {
		t.Errorf("Expected %d attempts, got %d", maxRetries, out.Attempts)
	}
	if out.Error == "" {
		t.Error("Expected the last error to be carried on the outcome")
	}

	if len(pool.reports) != maxRetries {
		t.Fatalf("Expected %d reports, got %d", maxRetries, len(pool.reports))
	}
	for _, r := range pool.reports {
		if r.success || r.address != dead {
			t.Errorf("Unexpected report %+v", r)
		}
	}

	// One backoff between consecutive attempts, each at least 2^i seconds.
	if len(sleeper.delays) != maxRetries-1 {
		t.Fatalf("Expected %d backoff sleeps, got %v", maxRetries-1, sleeper.delays)
	}
	var total, floor time.Duration
	for i, d := range sleeper.delays {
		base := time.Duration(1<<i) * time.Second
		if d < base || d >= base+time.Second {
			t.Errorf("Backoff %d = %v, want in [%v, %v)", i, d, base, base+time.Second)
		}
		total += d
		floor += base
	}
	if total < floor {
		t.Errorf("Total backoff %v below %v", total, floor)
	}
}

func TestFetch_BackoffIsCapped(t *testing.T) {
	f := New(&scriptedPool{}, WithMaxBackoff(3*time.Second))
	for attempt := 0; attempt < 40; attempt++ {
		if d := f.backoff(attempt); d > 3*time.Second {
			t.Fatalf("backoff(%d) = %v exceeds cap", attempt, d)
		}
	}
}

func TestFetch_ChallengeOn200IsBlockedAndRotates(t *testing.T) {
	blocker := forwardProxy(http.StatusOK, "<html><body>Please verify you are human</body></html>")
	defer blocker.Close()
	good := forwardProxy(http.StatusOK, okPage)
	defer good.Close()

	pool := &scriptedPool{endpoints: []string{blocker.URL, good.URL}}
	sleeper := &recordingSleeper{}
	f := newTestFetcher(pool, sleeper)

	out := f.Fetch(context.Background(), "http://target.invalid/page")
	if !out.OK() {
		t.Fatalf("Expected success on second endpoint, got %+v", out)
	}
	if out.Attempts != 2 || out.Endpoint != good.URL {
		t.Errorf("Expected 2 attempts ending on good endpoint, got %+v", out)
	}

	if len(pool.reports) != 2 {
		t.Fatalf("Expected 2 reports, got %+v", pool.reports)
	}
	if pool.reports[0].address != blocker.URL || pool.reports[0].success {
		t.Errorf("Blocked 200 must be reported as failure: %+v", pool.reports[0])
	}
	if pool.reports[1].address != good.URL || !pool.reports[1].success || pool.reports[1].latency <= 0 {
		t.Errorf("Expected success report with latency: %+v", pool.reports[1])
	}
	if len(sleeper.delays) != 2 || sleeper.delays[0] < time.Second {
		t.Errorf("Expected one backoff then one polite delay, got %v", sleeper.delays)
	}
}

func TestFetch_ChallengeProviderRunsOnBlock(t *testing.T) {
	blocker := forwardProxy(http.StatusTooManyRequests, "slow down")
	defer blocker.Close()

	provider := &solvedProvider{}
	pool := &scriptedPool{endpoints: []string{blocker.URL}}
	f := newTestFetcher(pool, &recordingSleeper{},
		WithMaxRetries(2),
		WithChallengeProvider(provider, time.Millisecond, time.Second),
	)

	out := f.Fetch(context.Background(), "http://target.invalid/")
	if out.OK() {
		t.Fatal("Solving a challenge must not turn a blocked attempt into a success")
	}
	if provider.submitted.Load() != 2 {
		t.Errorf("Expected provider to be called per blocked attempt, got %d", provider.submitted.Load())
	}
	if out.Challenge == nil || out.Challenge.Solution != "solved" {
		t.Errorf("Expected challenge result on outcome, got %+v", out.Challenge)
	}
	if !strings.Contains(out.Error, ErrBlocked.Error()) {
		t.Errorf("Expected block error, got %q", out.Error)
	}
}

func TestFetch_ChallengeProviderZeroDurationsUseDefaults(t *testing.T) {
	blocker := forwardProxy(http.StatusForbidden, "denied")
	defer blocker.Close()

	provider := &solvedProvider{}
	f := newTestFetcher(&scriptedPool{endpoints: []string{blocker.URL}}, &recordingSleeper{},
		WithMaxRetries(1),
		WithChallengeProvider(provider, 0, 0),
	)
	if f.pollInterval != challenge.DefaultPollInterval || f.maxWait != challenge.DefaultMaxWait {
		t.Fatalf("Expected default challenge durations, got poll=%v wait=%v", f.pollInterval, f.maxWait)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	var out Outcome
	func() {
		defer func() {
			if r := recover(); r != nil {
				t.Fatalf("Fetch panicked: %v", r)
			}
		}()
		out = f.Fetch(ctx, "http://target.invalid/")
	}()

	if out.OK() {
		t.Fatalf("Expected blocked outcome, got %+v", out)
	}
	if provider.submitted.Load() != 1 {
		t.Errorf("Expected one submission, got %d", provider.submitted.Load())
	}
	if out.Challenge == nil || !errors.Is(out.Challenge.Err, context.DeadlineExceeded) {
		t.Errorf("Expected the solve to end with the context deadline, got %+v", out.Challenge)
	}
}

func TestFetch_HTTPErrorIsRetried(t *testing.T) {
	var hits atomic.Int32
	target := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Write([]byte(okPage))
	}))
	defer target.Close()

	f := newTestFetcher(&scriptedPool{}, &recordingSleeper{})
	out := f.Fetch(context.Background(), target.URL)
	if !out.OK() || out.Attempts != 2 {
		t.Errorf("Expected success on retry, got %+v", out)
	}
}

func TestFetch_PersistFailureKeepsSuccess(t *testing.T) {
	good := forwardProxy(http.StatusOK, okPage)
	defer good.Close()

	f := newTestFetcher(&scriptedPool{endpoints: []string{good.URL}}, &recordingSleeper{}, WithStore(failingStore{}))
	out := f.Fetch(context.Background(), "http://target.invalid/")
	if !out.OK() {
		t.Fatalf("Persistence failure must not fail the fetch: %+v", out)
	}
	if out.PersistErr == nil {
		t.Error("Expected persistence error to be recorded")
	}
}

func TestFetch_CustomParser(t *testing.T) {
	good := forwardProxy(http.StatusOK, "payload")
	defer good.Close()

	p := parser.Func(func(body []byte) parser.Record {
		return parser.Record{"upper": strings.ToUpper(string(body))}
	})
	f := newTestFetcher(&scriptedPool{endpoints: []string{good.URL}}, &recordingSleeper{}, WithParser(p))
	out := f.Fetch(context.Background(), "http://target.invalid/")
	if out.Data["upper"] != "PAYLOAD" {
		t.Errorf("Expected custom parser output, got %v", out.Data)
	}
}

func TestFetch_InvalidURLStopsImmediately(t *testing.T) {
	pool := &scriptedPool{}
	sleeper := &recordingSleeper{}
	f := newTestFetcher(pool, sleeper)

	out := f.Fetch(context.Background(), "http://bad host/\x7f")
	if out.OK() || out.Attempts != 1 {
		t.Errorf("Expected a single failed attempt, got %+v", out)
	}
	if len(sleeper.delays) != 0 || len(pool.reports) != 0 {
		t.Errorf("Invalid request must not back off or report: delays=%v reports=%v", sleeper.delays, pool.reports)
	}
}

func TestFetch_CancelledDuringBackoff(t *testing.T) {
	dead := deadAddress(t)
	ctx, cancel := context.WithCancel(context.Background())
	f := New(&scriptedPool{endpoints: []string{dead}},
		WithMaxRetries(5),
		WithSleeper(func(ctx context.Context, d time.Duration) error {
			cancel()
			return sleepContext(ctx, d)
		}),
	)

	out := f.Fetch(ctx, "http://target.invalid/")
	if out.OK() || out.Attempts != 1 {
		t.Errorf("Expected loop to stop after the first attempt, got %+v", out)
	}
	if out.Error != context.Canceled.Error() {
		t.Errorf("Expected cancellation error, got %q", out.Error)
	}
}

func TestFetch_CancelledMidAttemptIsNotReported(t *testing.T) {
	slow := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(3 * time.Second):
		}
	}))
	defer slow.Close()

	pool := proxypool.New(nil, []string{slow.URL})
	f := newTestFetcher(pool, &recordingSleeper{}, WithMaxRetries(3), WithAttemptTimeout(5*time.Second))

	ctx, cancel := context.WithCancel(context.Background())
	timer := time.AfterFunc(100*time.Millisecond, cancel)
	defer timer.Stop()

	out := f.Fetch(ctx, "http://target.invalid/")
	if out.OK() || out.Attempts != 1 {
		t.Fatalf("Expected a single cancelled attempt, got %+v", out)
	}
	if out.Error != context.Canceled.Error() {
		t.Errorf("Expected cancellation error, got %q", out.Error)
	}
	if s := pool.Stats()[0]; s.FailureCount != 0 || s.SuccessCount != 0 {
		t.Errorf("Cancelled attempt must not be held against the endpoint: %+v", s)
	}
}

func TestFetch_WithRealPool(t *testing.T) {
	dead := "http://" + deadAddress(t)
	good := forwardProxy(http.StatusOK, okPage)
	defer good.Close()

	pool := proxypool.New(nil, []string{dead, good.URL}, proxypool.WithRand(rand.New(rand.NewPCG(3, 4))))
	f := newTestFetcher(pool, &recordingSleeper{}, WithMaxRetries(5))

	out := f.Fetch(context.Background(), "http://target.invalid/")
	if !out.OK() || out.Endpoint != good.URL {
		t.Fatalf("Expected success through the good endpoint, got %+v", out)
	}

	for _, s := range pool.Stats() {
		switch s.Address {
		case good.URL:
			if s.SuccessCount != 1 || !s.HasLatency {
				t.Errorf("Expected one recorded success with latency: %+v", s)
			}
		case dead:
			if s.SuccessCount != 0 {
				t.Errorf("Dead endpoint must not record successes: %+v", s)
			}
		}
	}
}

func TestFetchAll_PreservesOrder(t *testing.T) {
	target := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("<title>" + r.URL.Path + "</title>"))
	}))
	defer target.Close()

	f := newTestFetcher(&scriptedPool{}, &recordingSleeper{})
	urls := []string{target.URL + "/a", target.URL + "/b", target.URL + "/c", target.URL + "/d"}
	outcomes := f.FetchAll(context.Background(), urls, 2)

	if len(outcomes) != len(urls) {
		t.Fatalf("Expected %d outcomes, got %d", len(urls), len(outcomes))
	}
	for i, out := range outcomes {
		if out.URL != urls[i] || !out.OK() {
			t.Errorf("Outcome %d mismatched: %+v", i, out)
		}
		if want := urls[i][len(target.URL):]; out.Data["title"] != want {
			t.Errorf("Outcome %d title %v, want %q", i, out.Data["title"], want)
		}
	}
}

func TestClassify(t *testing.T) {
	cases := []struct {
		status int
		body   string
		want   Class
	}{
		{200, okPage, ClassSuccess},
		{204, "", ClassSuccess},
		{200, "Please verify you are human", ClassBlocked},
		{200, "<div class=\"g-RECAPTCHA\"></div>", ClassBlocked},
		{200, "Are You Human?", ClassBlocked},
		{403, "forbidden", ClassBlocked},
		{429, "", ClassBlocked},
		{500, "oops", ClassHTTPStatus},
		{404, "not found", ClassHTTPStatus},
		{301, "", ClassHTTPStatus},
	}
	for _, tc := range cases {
		if got := classify(tc.status, []byte(tc.body)); got != tc.want {
			t.Errorf("classify(%d, %q) = %v, want %v", tc.status, tc.body, got, tc.want)
		}
	}
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
