package main

import (
	"github.com/Sternrassler/conversion-fetch/pkg/page"
	"github.com/Sternrassler/conversion-fetch/pkg/pagination"
	"github.com/samber/lo"
)

// fetchOutput is the JSON document written by fetch and returned by serve.
type fetchOutput struct {
	SessionID     string        `json:"session_id"`
	Records       []page.Record `json:"records"`
	PagesFetched  int           `json:"pages_fetched"`
	SkippedPages  []int         `json:"skipped_pages"`
	TotalExpected int           `json:"total_expected"`
	Aborted       bool          `json:"aborted"`
	AbortReason   string        `json:"abort_reason,omitempty"`
	DurationMS    int64         `json:"duration_ms"`
}

func newFetchOutput(r *pagination.Result) fetchOutput {
	return fetchOutput{
		SessionID:     r.SessionID,
		Records:       r.Records,
		PagesFetched:  r.PagesFetched,
		SkippedPages:  lo.Map(r.SkippedPages, func(c page.Cursor, _ int) int { return c.Page }),
		TotalExpected: r.TotalExpected,
		Aborted:       r.Aborted,
		AbortReason:   r.AbortReason,
		DurationMS:    r.Duration.Milliseconds(),
	}
}
