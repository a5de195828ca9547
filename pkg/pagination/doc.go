// Package pagination runs fetch sessions over a paginated conversions API.
//
// The first page is fetched alone to learn the advertised total and page
// limit. The remaining pages are then fetched in waves with bounded
// parallelism, each page under its own retry policy. When the server does
// not advertise a total, the engine follows the successor cursor of each
// page instead.
//
// Example usage:
//
//	engine := pagination.NewEngine(pageClient, pagination.DefaultConfig())
//	result, err := engine.RunFetch(ctx, page.Request{
//		StartDate: start,
//		EndDate:   end,
//		PageSize:  100,
//	})
//
// The engine:
//   - Retries transient failures with linear backoff up to a budget
//   - Waits out rate limits without consuming that budget
//   - Skips pages that cannot be fetched and reports them in the Result
//   - Aborts with partial records once too many pages are skipped
//   - Returns records in page order regardless of arrival order
//
// A page that reports no successor marks the end of the data set. Pages
// beyond it are never requested, and any results for them are discarded.
package pagination
