package pagination

import (
	"github.com/Sternrassler/conversion-fetch/pkg/page"
	"github.com/Sternrassler/conversion-fetch/pkg/retry"
	"github.com/rs/zerolog"
)

// State is the position of a session in the controller state machine.
type State int

const (
	StateInit State = iota
	StateFetchingFirstPage
	StateFetchingRemainder
	StateComplete
	StateAborted
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "init"
	case StateFetchingFirstPage:
		return "fetching_first_page"
	case StateFetchingRemainder:
		return "fetching_remainder"
	case StateComplete:
		return "complete"
	case StateAborted:
		return "aborted"
	default:
		return "unknown"
	}
}

// session is the mutable state of one RunFetch call. Only the controller
// goroutine touches it.
type session struct {
	id     string
	req    page.Request
	cfg    Config
	state  State
	logger zerolog.Logger

	agg    *Aggregator
	ledger *SkipLedger

	// first is the outcome of page 1, once obtained.
	first *page.Outcome

	totalExpected int
	limit         int

	// follow is set when the total is unknown and the controller walks
	// Next one cursor at a time.
	follow     bool
	discovered []page.Cursor

	// stopAfter is the last page ordinal worth fetching, learned from a
	// page that reported no successor. Zero means not known yet.
	stopAfter int

	requested map[int]bool
	cancelled bool
}

func newSession(id string, req page.Request, cfg Config, logger zerolog.Logger) *session {
	return &session{
		id:            id,
		req:           req,
		cfg:           cfg,
		state:         StateInit,
		logger:        logger,
		agg:           NewAggregator(cfg.RecordCap),
		ledger:        NewSkipLedger(cfg.SkipThreshold),
		totalExpected: page.UnknownTotal,
		limit:         req.PageSize,
		requested:     make(map[int]bool),
	}
}

func (s *session) transition(next State) {
	s.logger.Debug().
		Str("from", s.state.String()).
		Str("state", next.String()).
		Msg("Session state changed")
	s.state = next
}

// beyondStop reports whether a cursor lies past the known last page.
func (s *session) beyondStop(c page.Cursor) bool {
	return s.stopAfter > 0 && c.Page > s.stopAfter
}

// stopAt records that nothing after page p exists and drops anything
// already collected for later pages.
func (s *session) stopAt(p int) {
	if s.stopAfter != 0 && p >= s.stopAfter {
		return
	}
	s.stopAfter = p
	s.agg.Discard(p)
	s.ledger.Forget(p)

	s.logger.Debug().Int("last_page", p).Msg("Last page identified")
}

// apply folds one wave result into the session. It returns true when the
// page was newly skipped.
func (s *session) apply(wr WaveResult) bool {
	c, res := wr.Cursor, wr.Result

	if s.beyondStop(c) {
		s.logger.Debug().Int("page", c.Page).Msg("Ignoring result beyond last page")
		return false
	}

	switch res.State {
	case retry.StateCancelled:
		s.cancelled = true

	case retry.StateSucceeded:
		if res.Failures > 0 {
			s.ledger.RecordFailure(c, res.LastErr, res.Attempts)
		}
		if !s.agg.Add(c, res.Outcome.Records) {
			return false
		}
		if c.Page == 1 {
			o := res.Outcome
			s.first = &o
		}
		s.observeSuccessor(c, res.Outcome)

	case retry.StateSkipped:
		if s.ledger.Finalize(c, res.LastErr, res.Attempts) {
			fetchPagesSkippedTotal.Inc()
			s.logger.Warn().
				Err(res.LastErr).
				Int("page", c.Page).
				Int("attempts", res.Attempts).
				Int("skipped", s.ledger.SkippedCount()).
				Msg("Page skipped")
			return true
		}
	}

	return false
}

// observeSuccessor applies the stop signal of a successful page and keeps
// its successor for follow mode.
func (s *session) observeSuccessor(c page.Cursor, o page.Outcome) {
	if !o.HasNext() || o.Next.Page <= c.Page {
		s.stopAt(c.Page)
		return
	}
	s.discovered = append(s.discovered, *o.Next)
}

// planRemainder computes the cursors left after page 1.
func (s *session) planRemainder() []page.Cursor {
	o := s.first
	if o.ReportedLimit > 0 {
		s.limit = o.ReportedLimit
	}

	if s.agg.CapReached() {
		return nil
	}

	if o.ReportedTotal < 0 {
		s.follow = true
		return s.nextFollow()
	}

	s.totalExpected = o.ReportedTotal
	last := page.TotalPages(o.ReportedTotal, s.limit)
	if s.cfg.RecordCap > 0 {
		last = min(last, page.TotalPages(s.cfg.RecordCap, s.limit))
	}
	last = min(last, s.cfg.MaxPages)
	if s.stopAfter > 0 {
		last = min(last, s.stopAfter)
	}

	var cursors []page.Cursor
	for p := 2; p <= last; p++ {
		if !s.requested[p] {
			cursors = append(cursors, page.Cursor{Page: p})
		}
	}
	return cursors
}

// nextFollow returns the next cursor to request in follow mode. A successor
// that was already requested ends the walk.
func (s *session) nextFollow() []page.Cursor {
	discovered := s.discovered
	s.discovered = nil

	if s.agg.CapReached() || len(s.requested) >= s.cfg.MaxPages {
		return nil
	}

	for _, c := range discovered {
		if s.beyondStop(c) {
			continue
		}
		if s.requested[c.Page] {
			s.logger.Debug().Int("page", c.Page).Msg("Successor already resolved - stopping")
			return nil
		}
		return []page.Cursor{c}
	}
	return nil
}

func (s *session) markRequested(cursors []page.Cursor) {
	for _, c := range cursors {
		s.requested[c.Page] = true
	}
}
