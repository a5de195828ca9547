package pagination

import (
	"context"

	"github.com/Sternrassler/conversion-fetch/pkg/page"
	"github.com/Sternrassler/conversion-fetch/pkg/retry"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

// PageFetcher issues one page request. *client.Client implements it.
type PageFetcher interface {
	FetchPage(ctx context.Context, cursor page.Cursor, req page.Request) page.Outcome
}

// PageFetcherFunc adapts a function to PageFetcher.
type PageFetcherFunc func(ctx context.Context, cursor page.Cursor, req page.Request) page.Outcome

// FetchPage implements PageFetcher.
func (f PageFetcherFunc) FetchPage(ctx context.Context, cursor page.Cursor, req page.Request) page.Outcome {
	return f(ctx, cursor, req)
}

// WaveResult is the terminal report for one cursor of a wave.
type WaveResult struct {
	Cursor page.Cursor
	Result retry.Result
}

// Scheduler runs waves of page fetches with bounded parallelism.
type Scheduler struct {
	fetcher        PageFetcher
	policy         *retry.Policy
	maxConcurrency int
	ceiling        int
	waveSize       int
}

// NewScheduler creates a scheduler. Every fetch runs under policy.
func NewScheduler(fetcher PageFetcher, policy *retry.Policy, cfg Config) *Scheduler {
	return &Scheduler{
		fetcher:        fetcher,
		policy:         policy,
		maxConcurrency: cfg.MaxConcurrency,
		ceiling:        cfg.ConcurrencyCeiling,
		waveSize:       cfg.WaveSize,
	}
}

// Degree returns the parallelism for a backlog of pending pages:
// min(MaxConcurrency, max(1, pending/2)), clamped to the ceiling.
func (s *Scheduler) Degree(pending int) int {
	k := min(s.maxConcurrency, max(1, pending/2))
	return max(1, min(k, s.ceiling))
}

// WaveSize returns how many of the pending cursors the next wave takes.
func (s *Scheduler) WaveSize(pending int) int {
	return max(1, min(pending, s.waveSize, 2*s.Degree(pending)))
}

// RunWave fetches every cursor with at most k in flight and streams each
// terminal result on the returned channel, which is closed once the wave is
// done. Results arrive in completion order.
func (s *Scheduler) RunWave(ctx context.Context, req page.Request, cursors []page.Cursor, k int) <-chan WaveResult {
	out := make(chan WaveResult, len(cursors))

	go func() {
		defer close(out)

		var g errgroup.Group
		g.SetLimit(max(1, k))

		for _, cursor := range cursors {
			g.Go(func() error {
				res := s.policy.Execute(ctx, cursor, func(ctx context.Context) page.Outcome {
					fetchInflightPages.Inc()
					defer fetchInflightPages.Dec()
					return s.fetcher.FetchPage(ctx, cursor, req)
				})
				out <- WaveResult{Cursor: cursor, Result: res}
				return nil
			})
		}

		_ = g.Wait()

		log.Debug().
			Int("cursors", len(cursors)).
			Int("degree", k).
			Msg("Wave drained")
	}()

	return out
}
