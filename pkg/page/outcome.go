package page

import (
	"time"
)

// Kind tags the variant held by an Outcome.
type Kind int

const (
	// KindSuccess carries the page records.
	KindSuccess Kind = iota
	// KindRateLimited means the server asked us to slow down.
	KindRateLimited
	// KindTransient is a failure that may go away on retry (timeout, 5xx, bad body).
	KindTransient
	// KindFatal is a permanent rejection of this page.
	KindFatal
)

func (k Kind) String() string {
	switch k {
	case KindSuccess:
		return "success"
	case KindRateLimited:
		return "rate_limited"
	case KindTransient:
		return "transient"
	case KindFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Outcome is the result of a single page request.
type Outcome struct {
	Kind Kind

	// Success fields.
	Records       []Record
	ReportedTotal int
	ReportedLimit int
	// Next is nil when the server reports no further page.
	Next *Cursor

	// RetryAfter is the server-advertised delay for KindRateLimited. Zero
	// means the policy default applies.
	RetryAfter time.Duration

	// Cause is set for KindTransient and KindFatal.
	Cause error
}

// Success builds a successful outcome.
func Success(records []Record, reportedTotal, reportedLimit int, next *Cursor) Outcome {
	return Outcome{
		Kind:          KindSuccess,
		Records:       records,
		ReportedTotal: reportedTotal,
		ReportedLimit: reportedLimit,
		Next:          next,
	}
}

// RateLimited builds a rate-limited outcome.
func RateLimited(retryAfter time.Duration) Outcome {
	return Outcome{Kind: KindRateLimited, RetryAfter: retryAfter}
}

// Transient builds a retryable failure.
func Transient(cause error) Outcome {
	return Outcome{Kind: KindTransient, Cause: cause}
}

// Fatal builds a non-retryable failure.
func Fatal(cause error) Outcome {
	return Outcome{Kind: KindFatal, Cause: cause}
}

// Retryable reports whether the policy may issue the page again.
func (o Outcome) Retryable() bool {
	return o.Kind == KindRateLimited || o.Kind == KindTransient
}

// OK reports whether the outcome carries records.
func (o Outcome) OK() bool {
	return o.Kind == KindSuccess
}

// HasNext reports whether the server signalled another page after this one.
// An empty page never has a successor.
func (o Outcome) HasNext() bool {
	return o.Kind == KindSuccess && o.Next != nil && len(o.Records) > 0
}
