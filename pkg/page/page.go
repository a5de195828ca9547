// Package page defines the request, cursor and outcome types shared by the
// page client, the retry policy and the pagination engine.
package page

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/rotisserie/eris"
)

// DateLayout is the date format the conversions API expects.
const DateLayout = "2006-01-02"

// UnknownTotal marks a page that did not advertise a total record count.
const UnknownTotal = -1

// Record is a single conversion record exactly as returned by the server.
type Record = json.RawMessage

// Request describes one fetch session. It must not be mutated once a
// session has started.
type Request struct {
	// StartDate and EndDate bound the conversion date range (inclusive).
	StartDate time.Time
	EndDate   time.Time

	// PageSize is the number of records requested per page.
	PageSize int

	// Currency is sent as filters[preferred_currency].
	Currency string

	// Filters are sent as filters[<key>]=<value>.
	Filters map[string]string
}

// Validate checks the request before a session starts.
func (r Request) Validate() error {
	if r.StartDate.IsZero() || r.EndDate.IsZero() {
		return eris.New("date range is required")
	}
	if r.EndDate.Before(r.StartDate) {
		return eris.Errorf("end date %s is before start date %s",
			r.EndDate.Format(DateLayout), r.StartDate.Format(DateLayout))
	}
	if r.PageSize <= 0 {
		return eris.Errorf("page size must be > 0 (got %d)", r.PageSize)
	}
	return nil
}

// Cursor identifies one page. Page is the 1-based ordinal used for ordering
// results; Token carries an opaque continuation token when the server hands
// one out instead of plain page numbers.
type Cursor struct {
	Page  int
	Token string
}

// First returns the cursor of the first page.
func First() Cursor {
	return Cursor{Page: 1}
}

// Less orders cursors by page ordinal.
func (c Cursor) Less(other Cursor) bool {
	return c.Page < other.Page
}

// String returns a short label for logs.
func (c Cursor) String() string {
	if c.Token != "" {
		return fmt.Sprintf("page=%d token=%s", c.Page, c.Token)
	}
	return fmt.Sprintf("page=%d", c.Page)
}

// TotalPages returns ceil(total/limit), or 0 when either is unknown.
func TotalPages(total, limit int) int {
	if total <= 0 || limit <= 0 {
		return 0
	}
	return (total + limit - 1) / limit
}
