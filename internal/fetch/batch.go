package fetch

import (
	"context"

	"golang.org/x/sync/errgroup"
)

// FetchAll runs one fetch loop per url, at most concurrency at a time. Outcomes are
// returned in the order of urls.
func (f *Fetcher) FetchAll(ctx context.Context, urls []string, concurrency int) []Outcome {
	outcomes := make([]Outcome, len(urls))
	if concurrency <= 0 {
		concurrency = 1
	}

	var g errgroup.Group
	g.SetLimit(concurrency)
	for i, u := range urls {
		g.Go(func() error {
			outcomes[i] = f.Fetch(ctx, u)
			return nil
		})
	}
	_ = g.Wait()

	return outcomes
}
