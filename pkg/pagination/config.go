package pagination

import (
	"github.com/Sternrassler/conversion-fetch/pkg/retry"
	"github.com/rotisserie/eris"
)

// Config holds the engine tunables. It is validated once per session.
type Config struct {
	// MaxConcurrency is the configured upper bound on parallel pages.
	MaxConcurrency int

	// ConcurrencyCeiling is the hard ceiling applied after the degree
	// heuristic, to stay clear of the remote rate limiter.
	ConcurrencyCeiling int

	// WaveSize is the largest number of cursors planned in one wave.
	WaveSize int

	// RecordCap limits the total number of records returned. Zero means
	// no cap.
	RecordCap int

	// MaxPages bounds how many pages one session may request.
	MaxPages int

	// SkipThreshold aborts the session once more pages than this have been
	// skipped.
	SkipThreshold int

	// Retry configures the per-page retry policy.
	Retry retry.Config
}

// DefaultConfig returns the engine defaults.
func DefaultConfig() Config {
	return Config{
		MaxConcurrency:     5,
		ConcurrencyCeiling: 5,
		WaveSize:           10,
		RecordCap:          0,
		MaxPages:           100,
		SkipThreshold:      10,
		Retry:              retry.DefaultConfig(),
	}
}

// Validate checks every tunable.
func (c Config) Validate() error {
	if c.MaxConcurrency < 1 {
		return eris.Errorf("max concurrency must be >= 1 (got %d)", c.MaxConcurrency)
	}
	if c.ConcurrencyCeiling < 1 {
		return eris.Errorf("concurrency ceiling must be >= 1 (got %d)", c.ConcurrencyCeiling)
	}
	if c.WaveSize < 1 {
		return eris.Errorf("wave size must be >= 1 (got %d)", c.WaveSize)
	}
	if c.RecordCap < 0 {
		return eris.Errorf("record cap must be >= 0 (got %d)", c.RecordCap)
	}
	if c.MaxPages < 1 {
		return eris.Errorf("max pages must be >= 1 (got %d)", c.MaxPages)
	}
	if c.SkipThreshold < 0 {
		return eris.Errorf("skip threshold must be >= 0 (got %d)", c.SkipThreshold)
	}
	if c.Retry.MaxRetries < 0 {
		return eris.Errorf("max retries must be >= 0 (got %d)", c.Retry.MaxRetries)
	}
	if c.Retry.BaseBackoff < 0 {
		return eris.Errorf("backoff base must be >= 0 (got %s)", c.Retry.BaseBackoff)
	}
	if c.Retry.MaxBackoff < c.Retry.BaseBackoff {
		return eris.Errorf("backoff cap %s is below backoff base %s", c.Retry.MaxBackoff, c.Retry.BaseBackoff)
	}
	if c.Retry.RateLimitWait < 0 {
		return eris.Errorf("rate limit wait must be >= 0 (got %s)", c.Retry.RateLimitWait)
	}
	if c.Retry.MaxRateLimitWaits < 0 {
		return eris.Errorf("max rate limit waits must be >= 0 (got %d)", c.Retry.MaxRateLimitWaits)
	}
	return nil
}
