package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/Sternrassler/conversion-fetch/internal/app"
	"github.com/Sternrassler/conversion-fetch/internal/config"
	"github.com/Sternrassler/conversion-fetch/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// setupEnv points configuration at the mock with instant retries.
func setupEnv(t *testing.T, mock *testutil.MockConversions) {
	t.Helper()
	t.Chdir(t.TempDir())
	t.Setenv("CONVFETCH_API_BASE_URL", mock.URL())
	t.Setenv("CONVFETCH_API_SECRET", testutil.MockSecret)
	t.Setenv("CONVFETCH_FETCH_PAGE_SIZE", "20")
	t.Setenv("CONVFETCH_FETCH_BACKOFF_BASE", "1ms")
	t.Setenv("CONVFETCH_FETCH_BACKOFF_CAP", "1ms")
	t.Setenv("CONVFETCH_MONITOR_ENABLED", "false")
	t.Setenv("CONVFETCH_LOG_LEVEL", "error")
}

func newTestApp(t *testing.T, mock *testutil.MockConversions) *app.App {
	t.Helper()
	setupEnv(t, mock)

	c, err := config.Load("")
	require.NoError(t, err)

	a, err := app.New(context.Background(), c)
	require.NoError(t, err)
	t.Cleanup(a.Close)
	return a
}

func TestRouter_Health(t *testing.T) {
	mock := testutil.NewMockConversions(0)
	defer mock.Close()
	router := buildRouter(newTestApp(t, mock))

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/health", nil))

	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Header().Get("Content-Type"), "application/json")

	var body map[string]string
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["status"])
}

func TestRouter_Metrics(t *testing.T) {
	mock := testutil.NewMockConversions(0)
	defer mock.Close()
	router := buildRouter(newTestApp(t, mock))

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), "go_goroutines")
}

func TestRouter_Fetch(t *testing.T) {
	mock := testutil.NewMockConversions(95)
	defer mock.Close()
	mock.Script(3, testutil.NewServerErrorBehavior())
	router := buildRouter(newTestApp(t, mock))

	body := `{"start_date":"2024-05-01","end_date":"2024-05-31","currency":"MYR"}`
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/fetch", strings.NewReader(body)))

	require.Equal(t, http.StatusOK, rr.Code)

	var out fetchOutput
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &out))
	assert.Len(t, out.Records, 95)
	assert.Equal(t, 5, out.PagesFetched)
	assert.Equal(t, 95, out.TotalExpected)
	assert.Empty(t, out.SkippedPages)
	assert.False(t, out.Aborted)
	assert.NotEmpty(t, out.SessionID)

	assert.Equal(t, 2, mock.RequestCount(3))
	assert.Equal(t, "MYR", mock.LastForm().Get("filters[preferred_currency]"))
	assert.Equal(t, "2024-05-01", mock.LastForm().Get("start_date"))
}

func TestRouter_FetchRecordCap(t *testing.T) {
	mock := testutil.NewMockConversions(500)
	defer mock.Close()
	router := buildRouter(newTestApp(t, mock))

	body := `{"start_date":"2024-05-01","end_date":"2024-05-31","record_cap":50}`
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/fetch", strings.NewReader(body)))

	require.Equal(t, http.StatusOK, rr.Code)

	var out fetchOutput
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &out))
	assert.Len(t, out.Records, 50)
	assert.ElementsMatch(t, []int{1, 2, 3}, mock.RequestedPages())
}

func TestRouter_FetchBadRequests(t *testing.T) {
	mock := testutil.NewMockConversions(10)
	defer mock.Close()
	router := buildRouter(newTestApp(t, mock))

	tests := []struct {
		name string
		body string
	}{
		{"invalid json", `{"start_date":`},
		{"missing dates", `{}`},
		{"bad date", `{"start_date":"01/05/2024","end_date":"2024-05-31"}`},
		{"reversed range", `{"start_date":"2024-05-31","end_date":"2024-05-01"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := httptest.NewRecorder()
			router.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/fetch", strings.NewReader(tt.body)))
			assert.Equal(t, http.StatusBadRequest, rr.Code)
		})
	}

	assert.Zero(t, mock.TotalRequests())
}

func TestRouter_FetchFirstPageFailure(t *testing.T) {
	mock := testutil.NewMockConversions(100)
	defer mock.Close()
	mock.Always(1, testutil.NewBadRequestBehavior())
	router := buildRouter(newTestApp(t, mock))

	body := `{"start_date":"2024-05-01","end_date":"2024-05-31"}`
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/fetch", strings.NewReader(body)))

	assert.Equal(t, http.StatusBadGateway, rr.Code)

	var out fetchOutput
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &out))
	assert.True(t, out.Aborted)
	assert.Empty(t, out.Records)
	assert.NotEmpty(t, out.AbortReason)
}

func TestFetchCommand(t *testing.T) {
	mock := testutil.NewMockConversions(45)
	defer mock.Close()
	setupEnv(t, mock)

	outPath := filepath.Join(t.TempDir(), "result.json")
	rootCmd.SetArgs([]string{"fetch", "--start", "2024-01-01", "--end", "2024-01-31", "--record-cap", "0", "--out", outPath})
	require.NoError(t, rootCmd.Execute())

	data, err := os.ReadFile(outPath)
	require.NoError(t, err)

	var out fetchOutput
	require.NoError(t, json.Unmarshal(data, &out))
	assert.Len(t, out.Records, 45)
	assert.Equal(t, 3, out.PagesFetched)
	assert.False(t, out.Aborted)
}

func TestFetchCommand_AbortExitsWithError(t *testing.T) {
	mock := testutil.NewMockConversions(45)
	defer mock.Close()
	mock.Always(1, testutil.NewBadRequestBehavior())
	setupEnv(t, mock)

	var stdout bytes.Buffer
	rootCmd.SetOut(&stdout)
	defer rootCmd.SetOut(nil)

	rootCmd.SetArgs([]string{"fetch", "--start", "2024-01-01", "--end", "2024-01-31", "--record-cap", "0", "--out", "-"})
	assert.Error(t, rootCmd.Execute())

	var out fetchOutput
	require.NoError(t, json.Unmarshal(stdout.Bytes(), &out))
	assert.True(t, out.Aborted)
}

func TestFetchCommand_InvalidDate(t *testing.T) {
	mock := testutil.NewMockConversions(10)
	defer mock.Close()
	setupEnv(t, mock)

	rootCmd.SetArgs([]string{"fetch", "--start", "yesterday", "--end", "2024-01-31", "--out", "-"})
	assert.Error(t, rootCmd.Execute())
	assert.Zero(t, mock.TotalRequests())
}

func TestConfigCommand(t *testing.T) {
	mock := testutil.NewMockConversions(1)
	defer mock.Close()
	setupEnv(t, mock)

	var stdout bytes.Buffer
	rootCmd.SetOut(&stdout)
	defer rootCmd.SetOut(nil)

	rootCmd.SetArgs([]string{"config"})
	require.NoError(t, rootCmd.Execute())

	out := stdout.String()
	assert.Contains(t, out, mock.URL())
	assert.Contains(t, out, "page_size: 20")
	assert.Contains(t, out, "backoff_base: 1ms")
	assert.Contains(t, out, "********")
	assert.NotContains(t, out, testutil.MockSecret)
}
