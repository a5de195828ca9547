package pagination

import (
	"context"
	"slices"
	"time"

	"github.com/Sternrassler/conversion-fetch/pkg/logging"
	"github.com/Sternrassler/conversion-fetch/pkg/monitor"
	"github.com/Sternrassler/conversion-fetch/pkg/page"
	"github.com/Sternrassler/conversion-fetch/pkg/retry"
	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"github.com/samber/lo"
)

// Errors returned by RunFetch alongside a Result.
var (
	// ErrFirstPage means page 1 could not be obtained. No records are returned.
	ErrFirstPage = eris.New("first page could not be fetched")

	// ErrTooManySkipped means the skip threshold was exceeded. The records
	// collected so far are returned.
	ErrTooManySkipped = eris.New("too many skipped pages")

	// ErrCancelled means the context ended the session. The records
	// collected so far are returned.
	ErrCancelled = eris.New("fetch cancelled")
)

// Result is the structured summary of one session.
type Result struct {
	SessionID    string
	Records      []page.Record
	PagesFetched int
	SkippedPages []page.Cursor
	// TotalExpected is the total the server advertised, or page.UnknownTotal.
	TotalExpected int
	Aborted       bool
	AbortReason   string
	Duration      time.Duration
	// Ledger holds every page that failed at least once.
	Ledger []LedgerEntry
}

// Engine runs fetch sessions. It holds no per-session state and may run
// several sessions concurrently.
type Engine struct {
	fetcher   PageFetcher
	cfg       Config
	retryOpts []retry.Option
	monitor   monitor.Monitor
}

// Option customizes an Engine.
type Option func(*Engine)

// WithMonitor sets the progress monitor.
func WithMonitor(m monitor.Monitor) Option {
	return func(e *Engine) {
		if m != nil {
			e.monitor = m
		}
	}
}

// WithRetryOptions passes options to every session's retry policy.
func WithRetryOptions(opts ...retry.Option) Option {
	return func(e *Engine) { e.retryOpts = append(e.retryOpts, opts...) }
}

// NewEngine creates an engine over fetcher.
func NewEngine(fetcher PageFetcher, cfg Config, opts ...Option) *Engine {
	if fetcher == nil {
		panic("page fetcher cannot be nil")
	}
	e := &Engine{
		fetcher: fetcher,
		cfg:     cfg,
		monitor: monitor.Nop{},
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Config returns the engine configuration.
func (e *Engine) Config() Config {
	return e.cfg
}

// RunFetch pulls every page of req and returns the records in cursor order.
//
// A non-nil error with a nil Result means the configuration or request was
// invalid. ErrFirstPage, ErrTooManySkipped and ErrCancelled come with a
// Result tagged Aborted.
func (e *Engine) RunFetch(ctx context.Context, req page.Request) (*Result, error) {
	start := time.Now()

	// Init
	if err := e.cfg.Validate(); err != nil {
		return nil, eris.Wrap(err, "invalid engine configuration")
	}
	if err := req.Validate(); err != nil {
		return nil, eris.Wrap(err, "invalid fetch request")
	}

	id := uuid.NewString()
	logger := logging.NewSessionLogger("pagination", id)

	s := newSession(id, req, e.cfg, logger)

	opts := append(slices.Clone(e.retryOpts), retry.WithObserver(e.retryObserver(id)))
	sched := NewScheduler(e.fetcher, retry.New(e.cfg.Retry, opts...), e.cfg)

	logger.Info().
		Str("start_date", req.StartDate.Format(page.DateLayout)).
		Str("end_date", req.EndDate.Format(page.DateLayout)).
		Int("page_size", req.PageSize).
		Int("record_cap", e.cfg.RecordCap).
		Msg("Starting fetch session")
	e.monitor.Report("session_start", monitor.Fields{"session_id": id, "page_size": req.PageSize})

	// FetchingFirstPage
	s.transition(StateFetchingFirstPage)
	e.runWave(ctx, s, sched, []page.Cursor{page.First()}, 1)

	if s.cancelled || ctx.Err() != nil {
		return e.finish(s, start, ErrCancelled)
	}
	if s.first == nil {
		return e.finish(s, start, ErrFirstPage)
	}

	logger.Info().
		Int("reported_total", s.first.ReportedTotal).
		Int("reported_limit", s.first.ReportedLimit).
		Int("records", len(s.first.Records)).
		Msg("First page fetched")

	// FetchingRemainder
	s.transition(StateFetchingRemainder)
	pending := s.planRemainder()

	if !s.follow {
		logger.Info().
			Int("total_expected", s.totalExpected).
			Int("pages_planned", len(pending)+1).
			Msg("Remainder planned")
	}

	for len(pending) > 0 {
		if ctx.Err() != nil {
			s.cancelled = true
			break
		}
		if s.agg.CapReached() {
			logger.Info().Int("record_cap", e.cfg.RecordCap).Msg("Record cap reached")
			break
		}

		n := sched.WaveSize(len(pending))
		k := sched.Degree(len(pending))
		wave := pending[:n]
		pending = pending[n:]

		e.runWave(ctx, s, sched, wave, k)

		if s.cancelled {
			break
		}
		if s.ledger.Exceeded() {
			return e.finish(s, start, ErrTooManySkipped)
		}

		if s.stopAfter > 0 {
			pending = lo.Filter(pending, func(c page.Cursor, _ int) bool { return !s.beyondStop(c) })
		}
		if s.follow {
			pending = append(pending, s.nextFollow()...)
		}
	}

	if s.cancelled {
		return e.finish(s, start, ErrCancelled)
	}
	return e.finish(s, start, nil)
}

// runWave schedules one wave and applies its results as they arrive.
func (e *Engine) runWave(ctx context.Context, s *session, sched *Scheduler, wave []page.Cursor, k int) {
	s.markRequested(wave)
	fetchWavesTotal.Inc()
	fetchWaveSize.Observe(float64(len(wave)))

	s.logger.Debug().
		Int("first_page", wave[0].Page).
		Int("cursors", len(wave)).
		Int("degree", k).
		Msg("Scheduling wave")

	for wr := range sched.RunWave(ctx, s.req, wave, k) {
		if s.apply(wr) {
			e.monitor.Report("page_skipped", monitor.Fields{
				"session_id": s.id,
				"page":       wr.Cursor.Page,
				"attempts":   wr.Result.Attempts,
				"error":      errString(wr.Result.LastErr),
			})
		}
	}

	e.monitor.Report("wave_complete", monitor.Fields{
		"session_id":    s.id,
		"cursors":       len(wave),
		"pages_fetched": len(s.agg.Pages()),
		"records":       s.agg.Count(),
		"skipped":       s.ledger.SkippedCount(),
	})
}

// retryObserver reports retries to the monitor from worker goroutines.
func (e *Engine) retryObserver(sessionID string) retry.Observer {
	return func(ev retry.Event) {
		if ev.Decision.Next != retry.StateAttempting {
			return
		}
		e.monitor.Report("page_retry", monitor.Fields{
			"session_id": sessionID,
			"page":       ev.Cursor.Page,
			"attempt":    ev.Attempt,
			"kind":       ev.Outcome.Kind.String(),
			"wait":       ev.Decision.Wait.String(),
		})
	}
}

// finish freezes the session into a Result.
func (e *Engine) finish(s *session, start time.Time, cause error) (*Result, error) {
	result := &Result{
		SessionID:     s.id,
		PagesFetched:  len(s.agg.Pages()),
		SkippedPages:  s.ledger.Skipped(),
		TotalExpected: s.totalExpected,
		Duration:      time.Since(start),
		Ledger:        s.ledger.Entries(),
	}

	if cause != nil && eris.Is(cause, ErrFirstPage) {
		result.Records = []page.Record{}
	} else {
		result.Records = s.agg.Records()
	}

	label := "complete"
	if cause != nil {
		result.Aborted = true
		result.AbortReason = cause.Error()
		s.transition(StateAborted)
		switch cause {
		case ErrFirstPage:
			label = "first_page"
		case ErrTooManySkipped:
			label = "too_many_skipped"
		case ErrCancelled:
			label = "cancelled"
		}
	} else {
		s.transition(StateComplete)
	}

	fetchSessionsTotal.WithLabelValues(label).Inc()
	fetchSessionDuration.Observe(result.Duration.Seconds())

	ev := s.logger.Info()
	if cause != nil {
		ev = s.logger.Error().Str("abort_reason", result.AbortReason)
	}
	ev.
		Int("records", len(result.Records)).
		Int("pages_fetched", result.PagesFetched).
		Int("skipped", len(result.SkippedPages)).
		Int("total_expected", result.TotalExpected).
		Dur("duration", result.Duration).
		Msg("Fetch session finished")

	event := "session_complete"
	if cause != nil {
		event = "session_aborted"
	}
	e.monitor.Report(event, monitor.Fields{
		"session_id":    s.id,
		"records":       len(result.Records),
		"pages_fetched": result.PagesFetched,
		"skipped":       len(result.SkippedPages),
		"reason":        result.AbortReason,
	})

	if cause != nil {
		return result, eris.Wrapf(cause, "session %s aborted", s.id)
	}
	return result, nil
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
