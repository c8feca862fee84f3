package challenge

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// 未配置时使用的轮询间隔与最长等待时间
const (
	DefaultPollInterval = 5 * time.Second
	DefaultMaxWait      = 120 * time.Second
)

// ErrNotImplemented is returned by the unconfigured provider.
var ErrNotImplemented = errors.New("challenge provider not implemented")

// Ticket identifies a submitted challenge at the provider.
type Ticket string

// Provider is a third-party challenge-solving service.
type Provider interface {
	// Submit uploads the challenge payload and returns a ticket to poll.
	Submit(ctx context.Context, image []byte) (Ticket, error)
	// Poll returns the solution, or pending=true while the provider is still working.
	Poll(ctx context.Context, ticket Ticket) (solution string, pending bool, err error)
}

// Unconfigured is the provider used when no service has been set up.
type Unconfigured struct{}

func (Unconfigured) Submit(context.Context, []byte) (Ticket, error) {
	return "", ErrNotImplemented
}

func (Unconfigured) Poll(context.Context, Ticket) (string, bool, error) {
	return "", false, ErrNotImplemented
}

// Result is what a solve attempt produced. It is informational only.
type Result struct {
	Ticket   Ticket `json:"ticket,omitempty"`
	Solution string `json:"solution,omitempty"`
	Err      error  `json:"-"`
}

func (r Result) Solved() bool {
	return r.Err == nil && r.Solution != ""
}

// Solve submits image and polls every pollInterval until a solution arrives, maxWait
// elapses or ctx is done. Non-positive durations fall back to DefaultPollInterval and
// DefaultMaxWait. It never panics; failures end up in Result.Err.
func Solve(ctx context.Context, p Provider, image []byte, pollInterval, maxWait time.Duration) Result {
	if p == nil {
		return Result{Err: ErrNotImplemented}
	}
	if pollInterval <= 0 {
		pollInterval = DefaultPollInterval
	}
	if maxWait <= 0 {
		maxWait = DefaultMaxWait
	}

	ticket, err := p.Submit(ctx, image)
	if err != nil {
		return Result{Err: fmt.Errorf("submit challenge: %w", err)}
	}
	res := Result{Ticket: ticket}

	deadline := time.NewTimer(maxWait)
	defer deadline.Stop()
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			res.Err = ctx.Err()
			return res
		case <-deadline.C:
			res.Err = fmt.Errorf("challenge %s not solved within %s", ticket, maxWait)
			return res
		case <-ticker.C:
			solution, pending, err := p.Poll(ctx, ticket)
			if err != nil {
				res.Err = fmt.Errorf("poll challenge %s: %w", ticket, err)
				return res
			}
			if !pending {
				res.Solution = solution
				return res
			}
		}
	}
}
