package cache

import (
	"time"

	"github.com/Sternrassler/conversion-fetch/pkg/page"
)

// CacheEntry is a cached successful page.
type CacheEntry struct {
	// Records are the page records as returned by the server
	Records []page.Record `json:"records"`

	// ReportedTotal and ReportedLimit are the counts the server advertised
	ReportedTotal int `json:"reported_total"`
	ReportedLimit int `json:"reported_limit"`

	// Next is the successor cursor, nil on the last page
	Next *page.Cursor `json:"next,omitempty"`

	// Expires is when the entry becomes stale
	Expires time.Time `json:"expires"`

	// CachedAt is when we cached this page
	CachedAt time.Time `json:"cached_at"`
}

// EntryFromOutcome builds an entry valid for ttl. It returns nil for
// anything but a success.
func EntryFromOutcome(o page.Outcome, ttl time.Duration) *CacheEntry {
	if !o.OK() {
		return nil
	}
	now := time.Now()
	return &CacheEntry{
		Records:       o.Records,
		ReportedTotal: o.ReportedTotal,
		ReportedLimit: o.ReportedLimit,
		Next:          o.Next,
		Expires:       now.Add(ttl),
		CachedAt:      now,
	}
}

// Outcome converts the entry back into a successful outcome.
func (e *CacheEntry) Outcome() page.Outcome {
	return page.Success(e.Records, e.ReportedTotal, e.ReportedLimit, e.Next)
}

// IsExpired returns true if the cache entry has expired.
func (e *CacheEntry) IsExpired() bool {
	return time.Now().After(e.Expires)
}

// TTL returns the time until expiration.
// Returns 0 if already expired.
func (e *CacheEntry) TTL() time.Duration {
	ttl := time.Until(e.Expires)
	if ttl < 0 {
		return 0
	}
	return ttl
}
