package pagination

import (
	"slices"

	"github.com/Sternrassler/conversion-fetch/pkg/page"
	"github.com/samber/lo"
)

// Aggregator collects page payloads in arrival order and returns them in
// cursor order. It is owned by the controller goroutine.
type Aggregator struct {
	recordCap int
	buckets   map[int][]page.Record
	count     int
}

// NewAggregator creates an aggregator. A recordCap of zero means no cap.
func NewAggregator(recordCap int) *Aggregator {
	return &Aggregator{
		recordCap: recordCap,
		buckets:   make(map[int][]page.Record),
	}
}

// Add stores the records of one page. A page already present is ignored
// and Add returns false.
func (a *Aggregator) Add(cursor page.Cursor, records []page.Record) bool {
	if _, ok := a.buckets[cursor.Page]; ok {
		return false
	}
	a.buckets[cursor.Page] = records
	a.count += len(records)
	return true
}

// Has reports whether the page is stored.
func (a *Aggregator) Has(cursor page.Cursor) bool {
	_, ok := a.buckets[cursor.Page]
	return ok
}

// Discard drops every page beyond the given ordinal.
func (a *Aggregator) Discard(after int) {
	for p, records := range a.buckets {
		if p > after {
			a.count -= len(records)
			delete(a.buckets, p)
		}
	}
}

// Count returns the number of records held, before truncation.
func (a *Aggregator) Count() int {
	return a.count
}

// Pages returns the stored page ordinals in order.
func (a *Aggregator) Pages() []int {
	pages := lo.Keys(a.buckets)
	slices.Sort(pages)
	return pages
}

// CapReached reports whether the record cap is met.
func (a *Aggregator) CapReached() bool {
	return a.recordCap > 0 && a.count >= a.recordCap
}

// Records concatenates the pages in cursor order, preserving order within a
// page, and truncates to the record cap.
func (a *Aggregator) Records() []page.Record {
	size := a.count
	if a.recordCap > 0 && size > a.recordCap {
		size = a.recordCap
	}

	out := make([]page.Record, 0, size)
	for _, p := range a.Pages() {
		out = append(out, a.buckets[p]...)
		if len(out) >= size {
			break
		}
	}
	return out[:size]
}
