package pagination

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/Sternrassler/conversion-fetch/internal/testutil"
	"github.com/Sternrassler/conversion-fetch/pkg/client"
	"github.com/Sternrassler/conversion-fetch/pkg/monitor"
	"github.com/Sternrassler/conversion-fetch/pkg/page"
	"github.com/Sternrassler/conversion-fetch/pkg/retry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeAPI serves records 0..records-1 in pages of limit. Scripted outcomes
// are returned for the first calls of a page, failing outcomes on every call.
type fakeAPI struct {
	records       int
	limit         int
	reportedTotal int
	unknownTotal  bool
	delay         func(p int) time.Duration

	mu       sync.Mutex
	scripts  map[int][]page.Outcome
	failing  map[int]page.Outcome
	calls    map[int]int
	inflight int
	peak     int
}

func newFakeAPI(records, limit int) *fakeAPI {
	return &fakeAPI{
		records:       records,
		limit:         limit,
		reportedTotal: records,
		scripts:       make(map[int][]page.Outcome),
		failing:       make(map[int]page.Outcome),
		calls:         make(map[int]int),
	}
}

func (f *fakeAPI) FetchPage(ctx context.Context, c page.Cursor, _ page.Request) page.Outcome {
	f.mu.Lock()
	f.calls[c.Page]++
	n := f.calls[c.Page]
	f.inflight++
	f.peak = max(f.peak, f.inflight)
	script := f.scripts[c.Page]
	failing, fails := f.failing[c.Page]
	f.mu.Unlock()

	defer func() {
		f.mu.Lock()
		f.inflight--
		f.mu.Unlock()
	}()

	if f.delay != nil {
		select {
		case <-time.After(f.delay(c.Page)):
		case <-ctx.Done():
			return page.Transient(ctx.Err())
		}
	}

	if fails {
		return failing
	}
	if n <= len(script) {
		return script[n-1]
	}
	return f.page(c.Page)
}

func (f *fakeAPI) page(p int) page.Outcome {
	start := min((p-1)*f.limit, f.records)
	end := min(start+f.limit, f.records)

	records := make([]page.Record, 0, end-start)
	for i := start; i < end; i++ {
		records = append(records, page.Record(fmt.Sprintf(`{"id":%d}`, i)))
	}

	var next *page.Cursor
	if end < f.records {
		next = &page.Cursor{Page: p + 1}
	}

	total := f.reportedTotal
	if f.unknownTotal {
		total = page.UnknownTotal
	}
	return page.Success(records, total, f.limit, next)
}

func (f *fakeAPI) callsFor(p int) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[p]
}

func (f *fakeAPI) requestedPages() []int {
	f.mu.Lock()
	defer f.mu.Unlock()
	var pages []int
	for p := range f.calls {
		pages = append(pages, p)
	}
	return pages
}

func (f *fakeAPI) peakInflight() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.peak
}

// recordingMonitor keeps every reported event name.
type recordingMonitor struct {
	mu     sync.Mutex
	events []string
}

func (m *recordingMonitor) Report(event string, _ monitor.Fields) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, event)
}

func (m *recordingMonitor) names() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.events...)
}

func testRequest(pageSize int) page.Request {
	return page.Request{
		StartDate: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		EndDate:   time.Date(2024, 1, 31, 0, 0, 0, 0, time.UTC),
		PageSize:  pageSize,
	}
}

func testEngine(api PageFetcher, cfg Config, opts ...Option) *Engine {
	opts = append([]Option{WithRetryOptions(retry.WithSleeper(retry.NoSleep))}, opts...)
	return NewEngine(api, cfg, opts...)
}

func recordIDs(t *testing.T, records []page.Record) []int {
	t.Helper()
	ids := make([]int, 0, len(records))
	for _, r := range records {
		var v struct {
			ID int `json:"id"`
		}
		require.NoError(t, json.Unmarshal(r, &v))
		ids = append(ids, v.ID)
	}
	return ids
}

func sequence(n int) []int {
	out := make([]int, n)
	for i := range out {
		out[i] = i
	}
	return out
}

func TestRunFetch_SkipsFatalPageAndRecoversTransient(t *testing.T) {
	api := newFakeAPI(250, 50)
	api.scripts[3] = []page.Outcome{
		page.Transient(errors.New("timeout")),
		page.Transient(errors.New("server error")),
	}
	api.failing[5] = page.Fatal(errors.New("bad request"))

	result, err := testEngine(api, DefaultConfig()).RunFetch(context.Background(), testRequest(50))
	require.NoError(t, err)

	assert.False(t, result.Aborted)
	assert.Equal(t, 4, result.PagesFetched)
	assert.Equal(t, 250, result.TotalExpected)
	assert.Equal(t, []page.Cursor{{Page: 5}}, result.SkippedPages)
	assert.Equal(t, sequence(200), recordIDs(t, result.Records))

	assert.Equal(t, 3, api.callsFor(3))
	assert.Equal(t, 1, api.callsFor(5))

	require.Len(t, result.Ledger, 2)
	assert.Equal(t, 3, result.Ledger[0].Cursor.Page)
	assert.Equal(t, 3, result.Ledger[0].Attempts)
	assert.False(t, result.Ledger[0].Final)
	assert.Equal(t, 5, result.Ledger[1].Cursor.Page)
	assert.True(t, result.Ledger[1].Final)
	assert.NotEmpty(t, result.SessionID)
}

func TestRunFetch_OrdersRecordsRegardlessOfArrival(t *testing.T) {
	api := newFakeAPI(300, 20)
	// Earlier pages finish last.
	api.delay = func(p int) time.Duration { return time.Duration(20-p) * time.Millisecond }

	result, err := testEngine(api, DefaultConfig()).RunFetch(context.Background(), testRequest(20))
	require.NoError(t, err)

	assert.Equal(t, sequence(300), recordIDs(t, result.Records))
	assert.Equal(t, 15, result.PagesFetched)
}

func TestRunFetch_AggregationIsIdempotent(t *testing.T) {
	api := newFakeAPI(230, 20)
	api.failing[7] = page.Fatal(errors.New("bad request"))
	api.delay = func(p int) time.Duration {
		return time.Duration((13-p)%4) * time.Millisecond
	}

	engine := testEngine(api, DefaultConfig())
	first, err := engine.RunFetch(context.Background(), testRequest(20))
	require.NoError(t, err)
	second, err := engine.RunFetch(context.Background(), testRequest(20))
	require.NoError(t, err)

	cfg := DefaultConfig()
	cfg.MaxConcurrency = 1
	cfg.ConcurrencyCeiling = 1
	sequential, err := testEngine(api, cfg).RunFetch(context.Background(), testRequest(20))
	require.NoError(t, err)

	require.Len(t, first.Records, 210)
	for _, run := range []*Result{second, sequential} {
		require.Len(t, run.Records, len(first.Records))
		for i := range first.Records {
			assert.Equal(t, []byte(first.Records[i]), []byte(run.Records[i]), "record %d", i)
		}
		assert.Equal(t, first.SkippedPages, run.SkippedPages)
		assert.Equal(t, first.PagesFetched, run.PagesFetched)
	}
}

func TestRunFetch_RequestsEachPageOnce(t *testing.T) {
	api := newFakeAPI(1000, 100)

	result, err := testEngine(api, DefaultConfig()).RunFetch(context.Background(), testRequest(100))
	require.NoError(t, err)

	assert.Len(t, result.Records, 1000)
	assert.ElementsMatch(t, []int{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}, api.requestedPages())
	for p := 1; p <= 10; p++ {
		assert.Equal(t, 1, api.callsFor(p), "page %d", p)
	}
}

func TestRunFetch_RecordCap(t *testing.T) {
	api := newFakeAPI(1000, 50)
	cfg := DefaultConfig()
	cfg.RecordCap = 120

	result, err := testEngine(api, cfg).RunFetch(context.Background(), testRequest(50))
	require.NoError(t, err)

	assert.Equal(t, sequence(120), recordIDs(t, result.Records))
	for _, p := range api.requestedPages() {
		assert.LessOrEqual(t, p, 3, "page %d requested beyond the cap", p)
	}
}

func TestRunFetch_RecordCapMetByFirstPage(t *testing.T) {
	api := newFakeAPI(1000, 50)
	cfg := DefaultConfig()
	cfg.RecordCap = 30

	result, err := testEngine(api, cfg).RunFetch(context.Background(), testRequest(50))
	require.NoError(t, err)

	assert.Len(t, result.Records, 30)
	assert.Equal(t, []int{1}, api.requestedPages())
}

func TestRunFetch_RetryBudgetExhausted(t *testing.T) {
	api := newFakeAPI(300, 100)
	api.failing[2] = page.Transient(errors.New("server error"))

	cfg := DefaultConfig()
	cfg.Retry.MaxRetries = 5

	result, err := testEngine(api, cfg).RunFetch(context.Background(), testRequest(100))
	require.NoError(t, err)

	assert.Equal(t, 6, api.callsFor(2))
	assert.Equal(t, []page.Cursor{{Page: 2}}, result.SkippedPages)
	assert.Equal(t, append(sequence(100), sequence(300)[200:]...), recordIDs(t, result.Records))
}

func TestRunFetch_RateLimitsDoNotConsumeBudget(t *testing.T) {
	api := newFakeAPI(200, 100)
	for range 20 {
		api.scripts[2] = append(api.scripts[2], page.RateLimited(time.Second))
	}

	var mu sync.Mutex
	var waits []time.Duration
	sleeper := func(ctx context.Context, d time.Duration) error {
		mu.Lock()
		waits = append(waits, d)
		mu.Unlock()
		return ctx.Err()
	}

	cfg := DefaultConfig()
	cfg.Retry.MaxRetries = 2

	engine := NewEngine(api, cfg, WithRetryOptions(retry.WithSleeper(sleeper)))
	result, err := engine.RunFetch(context.Background(), testRequest(100))
	require.NoError(t, err)

	assert.Equal(t, 21, api.callsFor(2))
	assert.Empty(t, result.SkippedPages)
	assert.Empty(t, result.Ledger, "rate limits never reach the ledger")
	assert.Len(t, result.Records, 200)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, waits, 20)
	for _, w := range waits {
		assert.Equal(t, time.Second, w)
	}
}

func TestRunFetch_AbortsAfterSkipThreshold(t *testing.T) {
	api := newFakeAPI(100, 10)
	for _, p := range []int{2, 3, 4} {
		api.failing[p] = page.Fatal(errors.New("bad request"))
	}

	cfg := DefaultConfig()
	cfg.SkipThreshold = 2

	result, err := testEngine(api, cfg).RunFetch(context.Background(), testRequest(10))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTooManySkipped)

	require.NotNil(t, result)
	assert.True(t, result.Aborted)
	assert.NotEmpty(t, result.AbortReason)
	assert.Len(t, result.SkippedPages, 3)

	// Partial records come back in order.
	ids := recordIDs(t, result.Records)
	assert.NotEmpty(t, ids)
	assert.Less(t, len(ids), 100)
	assert.IsIncreasing(t, ids)
	assert.Equal(t, sequence(10), ids[:10])
}

func TestRunFetch_SkipsAtThresholdDoNotAbort(t *testing.T) {
	api := newFakeAPI(100, 10)
	for _, p := range []int{2, 3} {
		api.failing[p] = page.Fatal(errors.New("bad request"))
	}

	cfg := DefaultConfig()
	cfg.SkipThreshold = 2

	result, err := testEngine(api, cfg).RunFetch(context.Background(), testRequest(10))
	require.NoError(t, err)
	assert.False(t, result.Aborted)
	assert.Len(t, result.SkippedPages, 2)
	assert.Len(t, result.Records, 80)
}

func TestRunFetch_ConcurrencyBound(t *testing.T) {
	tests := []struct {
		name     string
		maxConc  int
		ceiling  int
		expected int
	}{
		{name: "max concurrency", maxConc: 3, ceiling: 5, expected: 3},
		{name: "ceiling", maxConc: 8, ceiling: 2, expected: 2},
		{name: "sequential", maxConc: 1, ceiling: 1, expected: 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			api := newFakeAPI(400, 10)
			api.delay = func(int) time.Duration { return 2 * time.Millisecond }

			cfg := DefaultConfig()
			cfg.MaxConcurrency = tt.maxConc
			cfg.ConcurrencyCeiling = tt.ceiling

			result, err := testEngine(api, cfg).RunFetch(context.Background(), testRequest(10))
			require.NoError(t, err)

			assert.Len(t, result.Records, 400)
			assert.LessOrEqual(t, api.peakInflight(), tt.expected)
		})
	}
}

func TestRunFetch_FirstPageFailure(t *testing.T) {
	api := newFakeAPI(100, 10)
	api.failing[1] = page.Fatal(errors.New("unauthorized"))

	mon := &recordingMonitor{}
	result, err := testEngine(api, DefaultConfig(), WithMonitor(mon)).RunFetch(context.Background(), testRequest(10))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrFirstPage)

	require.NotNil(t, result)
	assert.True(t, result.Aborted)
	assert.Empty(t, result.Records)
	assert.NotNil(t, result.Records)
	assert.Equal(t, []int{1}, api.requestedPages())
	assert.Equal(t, page.UnknownTotal, result.TotalExpected)

	events := mon.names()
	assert.Equal(t, "session_aborted", events[len(events)-1])
}

func TestRunFetch_FollowsCursorsWhenTotalUnknown(t *testing.T) {
	api := newFakeAPI(45, 10)
	api.unknownTotal = true

	result, err := testEngine(api, DefaultConfig()).RunFetch(context.Background(), testRequest(10))
	require.NoError(t, err)

	assert.Equal(t, page.UnknownTotal, result.TotalExpected)
	assert.Equal(t, sequence(45), recordIDs(t, result.Records))
	assert.Equal(t, 5, result.PagesFetched)
	assert.ElementsMatch(t, []int{1, 2, 3, 4, 5}, api.requestedPages())
}

func TestRunFetch_FollowStopsOnBackwardSuccessor(t *testing.T) {
	api := PageFetcherFunc(func(_ context.Context, c page.Cursor, _ page.Request) page.Outcome {
		records := []page.Record{page.Record(fmt.Sprintf(`{"id":%d}`, c.Page))}
		// Page 3 points back at page 2.
		next := &page.Cursor{Page: c.Page + 1}
		if c.Page == 3 {
			next = &page.Cursor{Page: 2}
		}
		return page.Success(records, page.UnknownTotal, 1, next)
	})

	result, err := testEngine(api, DefaultConfig()).RunFetch(context.Background(), testRequest(1))
	require.NoError(t, err)

	assert.Equal(t, []int{1, 2, 3}, recordIDs(t, result.Records))
}

func TestRunFetch_StopsAtPageWithoutSuccessor(t *testing.T) {
	// The server advertises 500 records but only has 175.
	api := newFakeAPI(175, 50)
	api.reportedTotal = 500

	result, err := testEngine(api, DefaultConfig()).RunFetch(context.Background(), testRequest(50))
	require.NoError(t, err)

	assert.Equal(t, 500, result.TotalExpected)
	assert.Equal(t, sequence(175), recordIDs(t, result.Records))
	assert.Equal(t, 4, result.PagesFetched)
	assert.Empty(t, result.SkippedPages)
}

func TestRunFetch_IgnoresSkipsBeyondLastPage(t *testing.T) {
	api := newFakeAPI(175, 50)
	api.reportedTotal = 500
	for p := 5; p <= 10; p++ {
		api.failing[p] = page.Fatal(errors.New("page out of range"))
	}

	cfg := DefaultConfig()
	cfg.SkipThreshold = 0
	// Pages 2..5 share the first wave. Pages 6..10 are never scheduled.
	cfg.MaxConcurrency = 2
	cfg.ConcurrencyCeiling = 2

	result, err := testEngine(api, cfg).RunFetch(context.Background(), testRequest(50))
	require.NoError(t, err)
	assert.False(t, result.Aborted)
	assert.Empty(t, result.SkippedPages)
	assert.Len(t, result.Records, 175)
}

func TestRunFetch_SinglePage(t *testing.T) {
	api := newFakeAPI(7, 50)

	result, err := testEngine(api, DefaultConfig()).RunFetch(context.Background(), testRequest(50))
	require.NoError(t, err)

	assert.Len(t, result.Records, 7)
	assert.Equal(t, []int{1}, api.requestedPages())
}

func TestRunFetch_EmptyDataSet(t *testing.T) {
	api := newFakeAPI(0, 50)

	result, err := testEngine(api, DefaultConfig()).RunFetch(context.Background(), testRequest(50))
	require.NoError(t, err)

	assert.Empty(t, result.Records)
	assert.Equal(t, 0, result.TotalExpected)
	assert.Equal(t, 1, result.PagesFetched)
	assert.False(t, result.Aborted)
}

func TestRunFetch_MaxPages(t *testing.T) {
	api := newFakeAPI(1000, 10)
	cfg := DefaultConfig()
	cfg.MaxPages = 3

	result, err := testEngine(api, cfg).RunFetch(context.Background(), testRequest(10))
	require.NoError(t, err)

	assert.Equal(t, sequence(30), recordIDs(t, result.Records))
	assert.ElementsMatch(t, []int{1, 2, 3}, api.requestedPages())
}

func TestRunFetch_CancelledMidSession(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	inner := newFakeAPI(500, 10)
	api := PageFetcherFunc(func(ctx context.Context, c page.Cursor, req page.Request) page.Outcome {
		if c.Page == 4 {
			cancel()
			return page.Transient(ctx.Err())
		}
		return inner.FetchPage(ctx, c, req)
	})

	cfg := DefaultConfig()
	cfg.MaxConcurrency = 1
	cfg.ConcurrencyCeiling = 1

	result, err := testEngine(api, cfg).RunFetch(ctx, testRequest(10))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrCancelled)

	require.NotNil(t, result)
	assert.True(t, result.Aborted)
	assert.Equal(t, sequence(30), recordIDs(t, result.Records))
	assert.Empty(t, result.SkippedPages)
}

func newMockClient(t *testing.T, mock *testutil.MockConversions) *client.Client {
	t.Helper()
	cfg := client.DefaultConfig(mock.URL(), "conversion-fetch-test", client.StaticToken(testutil.MockToken))
	cfg.RequestTimeout = 5 * time.Second
	pc, err := client.New(cfg)
	require.NoError(t, err)
	return pc
}

func TestRunFetch_CancelLetsInFlightPagesFinish(t *testing.T) {
	mock := testutil.NewMockConversions(20)
	defer mock.Close()
	mock.Script(2, testutil.PageBehavior{Delay: 300 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	time.AfterFunc(100*time.Millisecond, cancel)

	result, err := testEngine(newMockClient(t, mock), DefaultConfig()).RunFetch(ctx, testRequest(10))
	require.NoError(t, err)

	assert.Len(t, result.Records, 20)
	assert.Equal(t, 2, result.PagesFetched)
	assert.Empty(t, result.Ledger)
}

func TestRunFetch_CancelKeepsInFlightPageAndStopsQueued(t *testing.T) {
	mock := testutil.NewMockConversions(40)
	defer mock.Close()
	mock.Script(2, testutil.PageBehavior{Delay: 300 * time.Millisecond})

	cfg := DefaultConfig()
	cfg.MaxConcurrency = 1
	cfg.ConcurrencyCeiling = 1

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	time.AfterFunc(100*time.Millisecond, cancel)

	result, err := testEngine(newMockClient(t, mock), cfg).RunFetch(ctx, testRequest(10))
	assert.ErrorIs(t, err, ErrCancelled)

	require.NotNil(t, result)
	assert.True(t, result.Aborted)
	assert.Len(t, result.Records, 20, "pages 1 and 2")
	assert.Equal(t, 1, mock.RequestCount(2))
	assert.Zero(t, mock.RequestCount(3))
	assert.Empty(t, result.SkippedPages)
}

func TestRunFetch_CancelledBeforeStart(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	api := newFakeAPI(100, 10)
	result, err := testEngine(api, DefaultConfig()).RunFetch(ctx, testRequest(10))
	assert.ErrorIs(t, err, ErrCancelled)
	require.NotNil(t, result)
	assert.Empty(t, result.Records)
	assert.Empty(t, api.requestedPages())
}

func TestRunFetch_InvalidInput(t *testing.T) {
	api := newFakeAPI(100, 10)

	cfg := DefaultConfig()
	cfg.MaxConcurrency = 0
	result, err := testEngine(api, cfg).RunFetch(context.Background(), testRequest(10))
	assert.Error(t, err)
	assert.Nil(t, result)

	result, err = testEngine(api, DefaultConfig()).RunFetch(context.Background(), testRequest(0))
	assert.Error(t, err)
	assert.Nil(t, result)

	assert.Empty(t, api.requestedPages())
}

func TestRunFetch_ReportsProgress(t *testing.T) {
	api := newFakeAPI(100, 20)
	api.scripts[2] = []page.Outcome{page.Transient(errors.New("timeout"))}
	api.failing[4] = page.Fatal(errors.New("bad request"))

	mon := &recordingMonitor{}
	_, err := testEngine(api, DefaultConfig(), WithMonitor(mon)).RunFetch(context.Background(), testRequest(20))
	require.NoError(t, err)

	events := mon.names()
	require.NotEmpty(t, events)
	assert.Equal(t, "session_start", events[0])
	assert.Equal(t, "session_complete", events[len(events)-1])
	assert.Contains(t, events, "page_retry")
	assert.Contains(t, events, "page_skipped")
	assert.Contains(t, events, "wave_complete")
}

func TestRunFetch_ConcurrentSessions(t *testing.T) {
	engine := testEngine(newFakeAPI(200, 10), DefaultConfig())

	var wg sync.WaitGroup
	results := make([]*Result, 4)
	for i := range results {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := engine.RunFetch(context.Background(), testRequest(10))
			assert.NoError(t, err)
			results[i] = res
		}()
	}
	wg.Wait()

	ids := map[string]bool{}
	for _, res := range results {
		require.NotNil(t, res)
		assert.Len(t, res.Records, 200)
		ids[res.SessionID] = true
	}
	assert.Len(t, ids, 4)
}

func TestNewEngine_NilFetcherPanics(t *testing.T) {
	assert.Panics(t, func() { NewEngine(nil, DefaultConfig()) })
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "fetching_first_page", StateFetchingFirstPage.String())
	assert.Equal(t, "aborted", StateAborted.String())
	assert.Equal(t, "unknown", State(42).String())
}
