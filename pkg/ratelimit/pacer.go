package ratelimit

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rotisserie/eris"
	"golang.org/x/time/rate"
)

var fetchPacerWaitSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
	Name:    "fetch_rate_limit_pacer_wait_seconds",
	Help:    "Time a request spent waiting for a pacer token",
	Buckets: []float64{0.001, 0.01, 0.1, 0.5, 1, 2, 5},
})

// Pacer spaces outgoing requests with a token bucket. A nil Pacer never
// blocks.
type Pacer struct {
	limiter *rate.Limiter
}

// NewPacer returns a Pacer allowing rps requests per second with the given
// burst. It returns nil when rps <= 0.
func NewPacer(rps float64, burst int) *Pacer {
	if rps <= 0 {
		return nil
	}
	if burst < 1 {
		burst = 1
	}
	return &Pacer{limiter: rate.NewLimiter(rate.Limit(rps), burst)}
}

// Wait blocks until a token is available or ctx is done.
func (p *Pacer) Wait(ctx context.Context) error {
	if p == nil {
		return nil
	}
	start := time.Now()
	if err := p.limiter.Wait(ctx); err != nil {
		return eris.Wrap(err, "pacer wait")
	}
	fetchPacerWaitSeconds.Observe(time.Since(start).Seconds())
	return nil
}

// Limit returns the configured rate, or rate.Inf for a nil Pacer.
func (p *Pacer) Limit() rate.Limit {
	if p == nil {
		return rate.Inf
	}
	return p.limiter.Limit()
}
