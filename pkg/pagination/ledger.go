package pagination

import (
	"slices"

	"github.com/Sternrassler/conversion-fetch/pkg/page"
	"github.com/samber/lo"
)

// LedgerEntry is the failure history of one page.
type LedgerEntry struct {
	Cursor    page.Cursor
	LastError error
	Attempts  int
	// Final is set once the retry policy gave up on the page. A final entry
	// is never updated again.
	Final bool
}

// SkipLedger records page failures and decides when a session has lost too
// many pages. It is owned by the controller goroutine.
type SkipLedger struct {
	threshold int
	entries   map[int]*LedgerEntry
}

// NewSkipLedger creates a ledger that trips once more than threshold pages
// are skipped.
func NewSkipLedger(threshold int) *SkipLedger {
	return &SkipLedger{
		threshold: threshold,
		entries:   make(map[int]*LedgerEntry),
	}
}

// RecordFailure creates or updates the entry for a page that failed but may
// still be retried or already recovered.
func (l *SkipLedger) RecordFailure(cursor page.Cursor, lastErr error, attempts int) {
	entry, ok := l.entries[cursor.Page]
	if !ok {
		entry = &LedgerEntry{Cursor: cursor}
		l.entries[cursor.Page] = entry
	}
	if entry.Final {
		return
	}
	if lastErr != nil {
		entry.LastError = lastErr
	}
	if attempts > entry.Attempts {
		entry.Attempts = attempts
	}
}

// Finalize freezes the entry and marks the page skipped. It returns false
// if the page was already skipped.
func (l *SkipLedger) Finalize(cursor page.Cursor, lastErr error, attempts int) bool {
	if entry, ok := l.entries[cursor.Page]; ok && entry.Final {
		return false
	}
	l.RecordFailure(cursor, lastErr, attempts)
	l.entries[cursor.Page].Final = true
	return true
}

// IsSkipped reports whether the page was given up on.
func (l *SkipLedger) IsSkipped(cursor page.Cursor) bool {
	entry, ok := l.entries[cursor.Page]
	return ok && entry.Final
}

// Forget drops every entry beyond the given page ordinal.
func (l *SkipLedger) Forget(after int) {
	for p := range l.entries {
		if p > after {
			delete(l.entries, p)
		}
	}
}

// SkippedCount returns the number of skipped pages.
func (l *SkipLedger) SkippedCount() int {
	return lo.CountBy(lo.Values(l.entries), func(e *LedgerEntry) bool { return e.Final })
}

// Exceeded reports whether skipped pages are above the threshold.
func (l *SkipLedger) Exceeded() bool {
	return l.SkippedCount() > l.threshold
}

// Skipped returns the skipped cursors in page order.
func (l *SkipLedger) Skipped() []page.Cursor {
	final := lo.Filter(l.Entries(), func(e LedgerEntry, _ int) bool { return e.Final })
	return lo.Map(final, func(e LedgerEntry, _ int) page.Cursor { return e.Cursor })
}

// Entries returns a copy of every entry in page order.
func (l *SkipLedger) Entries() []LedgerEntry {
	out := make([]LedgerEntry, 0, len(l.entries))
	for _, e := range l.entries {
		out = append(out, *e)
	}
	slices.SortFunc(out, func(a, b LedgerEntry) int { return a.Cursor.Page - b.Cursor.Page })
	return out
}
