// Package testutil provides testing utilities for the conversions client.
package testutil

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Paths served by MockConversions.
const (
	AuthPath        = "/authenticate"
	ConversionsPath = "/conversions/range"
)

// Credentials accepted by the mock authentication endpoint.
const (
	MockSecret = "test-secret"
	MockKey    = "general"
	MockToken  = "mock-token"
)

// PageBehavior scripts one reply for a page. A zero StatusCode serves the
// page normally after Delay.
type PageBehavior struct {
	StatusCode int
	Body       string
	Headers    map[string]string
	Delay      time.Duration
}

// MockConversions is a configurable conversions API for testing. Records
// are numbered 0..total-1 and served in pages of the requested limit.
type MockConversions struct {
	server *httptest.Server

	mu        sync.Mutex
	total     int
	hideCount bool
	legacy    bool
	delay     time.Duration
	scripts   map[int][]PageBehavior
	always    map[int]PageBehavior

	// Tracking
	requests   map[int]int
	authCount  int
	inflight   int
	peak       int
	lastForm   url.Values
	lastHeader http.Header
}

// NewMockConversions creates a mock server holding total records.
func NewMockConversions(total int) *MockConversions {
	mock := &MockConversions{
		total:    total,
		scripts:  make(map[int][]PageBehavior),
		always:   make(map[int]PageBehavior),
		requests: make(map[int]int),
	}

	mux := http.NewServeMux()
	mux.HandleFunc(AuthPath, mock.handleAuth)
	mux.HandleFunc(ConversionsPath, mock.handleConversions)
	mock.server = httptest.NewServer(mux)

	return mock
}

// URL returns the mock server URL.
func (m *MockConversions) URL() string {
	return m.server.URL
}

// Close shuts down the mock server.
func (m *MockConversions) Close() {
	m.server.Close()
}

// Script queues behaviors for the next requests of a page. Once they are
// used up the page is served normally.
func (m *MockConversions) Script(p int, behaviors ...PageBehavior) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.scripts[p] = append(m.scripts[p], behaviors...)
}

// Always makes every request for a page reply with behavior.
func (m *MockConversions) Always(p int, behavior PageBehavior) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.always[p] = behavior
}

// HideCount omits the total count from replies.
func (m *MockConversions) HideCount() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hideCount = true
}

// UseLegacyShape serves data as a bare record list.
func (m *MockConversions) UseLegacyShape() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.legacy = true
}

// SetDelay delays every page reply.
func (m *MockConversions) SetDelay(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.delay = d
}

// Reset clears all tracking counters.
func (m *MockConversions) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests = make(map[int]int)
	m.authCount = 0
	m.peak = 0
	m.lastForm = nil
	m.lastHeader = nil
}

// RequestCount returns the number of requests made for a page.
func (m *MockConversions) RequestCount(p int) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.requests[p]
}

// TotalRequests returns the number of page requests.
func (m *MockConversions) TotalRequests() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, c := range m.requests {
		n += c
	}
	return n
}

// RequestedPages returns every page requested at least once.
func (m *MockConversions) RequestedPages() []int {
	m.mu.Lock()
	defer m.mu.Unlock()
	pages := make([]int, 0, len(m.requests))
	for p := range m.requests {
		pages = append(pages, p)
	}
	return pages
}

// AuthCount returns the number of authentication requests.
func (m *MockConversions) AuthCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.authCount
}

// PeakInFlight returns the highest number of concurrent page requests.
func (m *MockConversions) PeakInFlight() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.peak
}

// LastForm returns the form of the most recent page request.
func (m *MockConversions) LastForm() url.Values {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastForm
}

// LastHeader returns the headers of the most recent page request.
func (m *MockConversions) LastHeader() http.Header {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastHeader
}

func (m *MockConversions) handleAuth(w http.ResponseWriter, r *http.Request) {
	m.mu.Lock()
	m.authCount++
	m.mu.Unlock()

	if err := r.ParseForm(); err != nil || r.PostForm.Get("secret") != MockSecret || r.PostForm.Get("key") != MockKey {
		writeJSON(w, http.StatusUnauthorized, `{"status":"error","message":"Invalid credentials"}`)
		return
	}
	writeJSON(w, http.StatusOK, fmt.Sprintf(`{"status":"success","data":{"token":%q}}`, MockToken))
}

func (m *MockConversions) handleConversions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, `{"status":"error","message":"Method not allowed"}`)
		return
	}
	if err := r.ParseForm(); err != nil {
		writeJSON(w, http.StatusBadRequest, `{"status":"error","message":"Bad form"}`)
		return
	}

	p, _ := strconv.Atoi(r.PostForm.Get("page"))
	limit, _ := strconv.Atoi(r.PostForm.Get("limit"))

	m.mu.Lock()
	m.requests[p]++
	m.inflight++
	m.peak = max(m.peak, m.inflight)
	m.lastForm = r.PostForm
	m.lastHeader = r.Header.Clone()

	behavior, scripted := m.always[p]
	if !scripted && len(m.scripts[p]) > 0 {
		behavior, scripted = m.scripts[p][0], true
		m.scripts[p] = m.scripts[p][1:]
	}
	delay := m.delay
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		m.inflight--
		m.mu.Unlock()
	}()

	if scripted && behavior.Delay > 0 {
		delay = behavior.Delay
	}
	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-r.Context().Done():
			return
		}
	}

	if r.Header.Get("Authorization") != "Bearer "+MockToken {
		writeJSON(w, http.StatusUnauthorized, `{"status":"error","message":"Unauthenticated"}`)
		return
	}

	if scripted && behavior.StatusCode != 0 {
		for key, value := range behavior.Headers {
			w.Header().Set(key, value)
		}
		writeJSON(w, behavior.StatusCode, behavior.Body)
		return
	}

	if p < 1 || limit < 1 {
		writeJSON(w, http.StatusUnprocessableEntity, `{"status":"error","message":"Invalid page or limit"}`)
		return
	}

	writeJSON(w, http.StatusOK, m.pageBody(p, limit))
}

func (m *MockConversions) pageBody(p, limit int) string {
	m.mu.Lock()
	total, hideCount, legacy := m.total, m.hideCount, m.legacy
	m.mu.Unlock()

	start := min((p-1)*limit, total)
	end := min(start+limit, total)

	records := make([]json.RawMessage, 0, end-start)
	for i := start; i < end; i++ {
		records = append(records, json.RawMessage(fmt.Sprintf(
			`{"conversion_id":%d,"offer_id":%d,"sale_amount":"%d.00","currency":"USD"}`, i, 100+i%7, i)))
	}
	data, _ := json.Marshal(records)

	if legacy {
		return fmt.Sprintf(`{"status":"success","message":"Success","data":%s}`, data)
	}

	var b strings.Builder
	fmt.Fprintf(&b, `{"status":"success","message":"Success","data":{"page":%d,"limit":%d`, p, limit)
	if !hideCount {
		fmt.Fprintf(&b, `,"count":%d`, total)
	}
	if end < total {
		fmt.Fprintf(&b, `,"nextPage":%d`, p+1)
	} else {
		b.WriteString(`,"nextPage":null`)
	}
	fmt.Fprintf(&b, `,"data":%s}}`, data)
	return b.String()
}

func writeJSON(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if body != "" {
		w.Write([]byte(body))
	}
}

// NewRateLimitBehavior creates a 429 reply with the given Retry-After value.
func NewRateLimitBehavior(retryAfter string) PageBehavior {
	b := PageBehavior{
		StatusCode: http.StatusTooManyRequests,
		Body:       `{"status":"error","message":"Too Many Attempts."}`,
	}
	if retryAfter != "" {
		b.Headers = map[string]string{"Retry-After": retryAfter}
	}
	return b
}

// NewServerErrorBehavior creates a 500 reply.
func NewServerErrorBehavior() PageBehavior {
	return PageBehavior{
		StatusCode: http.StatusInternalServerError,
		Body:       `{"status":"error","message":"Internal server error"}`,
	}
}

// NewBadRequestBehavior creates a 400 reply.
func NewBadRequestBehavior() PageBehavior {
	return PageBehavior{
		StatusCode: http.StatusBadRequest,
		Body:       `{"status":"error","message":"Invalid filter"}`,
	}
}

// NewMalformedBehavior creates a 200 reply with an undecodable body.
func NewMalformedBehavior() PageBehavior {
	return PageBehavior{
		StatusCode: http.StatusOK,
		Body:       `{"status":"success","data":{"page":`,
	}
}

// RecordID extracts conversion_id from a record served by the mock.
func RecordID(record json.RawMessage) (int, error) {
	var v struct {
		ID int `json:"conversion_id"`
	}
	if err := json.Unmarshal(record, &v); err != nil {
		return 0, err
	}
	return v.ID, nil
}
