package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/xtxerr/benchkeeper/internal/handler"
	"github.com/xtxerr/benchkeeper/internal/metrics"
	"github.com/xtxerr/benchkeeper/internal/storage"
	"github.com/xtxerr/benchkeeper/internal/storage/config"
)

type testServer struct {
	t   *testing.T
	srv *Server
}

func newTestServer(t *testing.T, tokens []handler.TokenConfig) *testServer {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.DataDir = t.TempDir()
	cfg.Persistence.Backend = "memory"
	cfg.Analysis.Window = 3
	cfg.Alert.FailOnRegression = true

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	svc, err := storage.New(context.Background(), cfg, storage.Options{Metrics: m})
	if err != nil {
		t.Fatalf("storage.New: %v", err)
	}
	t.Cleanup(func() { svc.Close(context.Background()) })

	srv := New(&Config{
		Service:     svc,
		Tokens:      tokens,
		MaxBodySize: 4096,
		Metrics:     m,
		Gatherer:    reg,
	})
	t.Cleanup(srv.authRateLimiter.Stop)
	return &testServer{t: t, srv: srv}
}

func (ts *testServer) do(method, path, token string, body any) *httptest.ResponseRecorder {
	ts.t.Helper()
	var buf bytes.Buffer
	switch b := body.(type) {
	case nil:
	case string:
		buf.WriteString(b)
	default:
		if err := json.NewEncoder(&buf).Encode(b); err != nil {
			ts.t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	ts.srv.Handler().ServeHTTP(rec, req)
	return rec
}

func entryBody(commit string, day int, value float64, unit string) map[string]any {
	return map[string]any{
		"commit": map[string]any{
			"id":      commit,
			"message": "commit " + commit,
			"url":     "https://github.com/rhysd/github-action-benchmark/commit/" + commit,
			"author":  map[string]any{"name": "rhysd"},
		},
		"date": time.Date(2023, 7, 2+day, 0, 0, 0, 0, time.UTC).UnixMilli(),
		"tool": "cargo",
		"benches": []map[string]any{
			{"name": "bench_mandelbrot_set_iterate", "value": value, "range": "± 256", "unit": unit},
		},
	}
}

type ingestResponse struct {
	Result   string `json:"result"`
	Verdicts []struct {
		Measurement    string `json:"measurement"`
		Classification string `json:"classification"`
	} `json:"verdicts"`
	Action struct {
		ID      string `json:"id"`
		Kind    string `json:"kind"`
		Message string `json:"message"`
	} `json:"action"`
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rec.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
	return v
}

func TestIngestAndQuery(t *testing.T) {
	ts := newTestServer(t, nil)

	for i, v := range []float64{78831, 78858, 54258} {
		rec := ts.do(http.MethodPost, "/api/v1/suites/Benchmark/entries", "", entryBody(fmt.Sprint(i), i, v, "ns/iter"))
		if rec.Code != http.StatusCreated {
			t.Fatalf("ingest %d: expected 201, got %d: %s", i, rec.Code, rec.Body)
		}
	}

	rec := ts.do(http.MethodPost, "/api/v1/suites/Benchmark/entries", "", entryBody("slow", 3, 160000, "ns/iter"))
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body)
	}
	res := decode[ingestResponse](t, rec)
	if res.Result != "appended" {
		t.Errorf("expected appended, got %s", res.Result)
	}
	if len(res.Verdicts) != 1 || res.Verdicts[0].Classification != "regressed" {
		t.Fatalf("expected one regressed verdict, got %+v", res.Verdicts)
	}
	if res.Action.Kind != "fail" || res.Action.ID == "" {
		t.Errorf("expected fail action with id, got %+v", res.Action)
	}

	// Duplicate submissions are absorbed.
	rec = ts.do(http.MethodPost, "/api/v1/suites/Benchmark/entries", "", entryBody("slow", 3, 160000, "ns/iter"))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 for duplicate, got %d", rec.Code)
	}
	if res := decode[ingestResponse](t, rec); res.Result != "duplicate_ignored" {
		t.Errorf("expected duplicate_ignored, got %s", res.Result)
	}

	rec = ts.do(http.MethodGet, "/api/v1/suites/Benchmark/entries?latest=2", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	entries := decode[struct {
		Entries []struct {
			Commit struct {
				ID string `json:"id"`
			} `json:"commit"`
			Benches []struct {
				Range string `json:"range"`
			} `json:"benches"`
		} `json:"entries"`
	}](t, rec)
	if len(entries.Entries) != 2 || entries.Entries[1].Commit.ID != "slow" {
		t.Fatalf("unexpected entries %+v", entries.Entries)
	}
	if entries.Entries[1].Benches[0].Range != "± 256" {
		t.Errorf("expected range notation, got %q", entries.Entries[1].Benches[0].Range)
	}

	rec = ts.do(http.MethodGet, "/api/v1/suites/Benchmark/verdicts/slow", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body)
	}
	if v := decode[ingestResponse](t, rec); v.Action.Kind != "fail" || len(v.Verdicts) != 1 {
		t.Errorf("unexpected verdicts response %s", rec.Body)
	}

	rec = ts.do(http.MethodGet, "/api/v1/suites", "", nil)
	if !strings.Contains(rec.Body.String(), `"Benchmark"`) {
		t.Errorf("expected suite list, got %s", rec.Body)
	}
}

func TestErrorStatus(t *testing.T) {
	ts := newTestServer(t, nil)
	ts.do(http.MethodPost, "/api/v1/suites/Benchmark/entries", "", entryBody("a", 0, 100, "ns/iter"))

	tests := []struct {
		name   string
		method string
		path   string
		body   any
		want   int
	}{
		{"malformed body", http.MethodPost, "/api/v1/suites/Benchmark/entries", "{", http.StatusBadRequest},
		{"unit mismatch", http.MethodPost, "/api/v1/suites/Benchmark/entries", entryBody("b", 1, 100, "ms/iter"), http.StatusConflict},
		{"unknown commit", http.MethodGet, "/api/v1/suites/Benchmark/verdicts/nope", nil, http.StatusNotFound},
		{"bad latest", http.MethodGet, "/api/v1/suites/Benchmark/entries?latest=-1", nil, http.StatusBadRequest},
		{"bad from", http.MethodGet, "/api/v1/suites/Benchmark/entries?from=yesterday", nil, http.StatusBadRequest},
		{"summary without name", http.MethodGet, "/api/v1/suites/Benchmark/summary", nil, http.StatusBadRequest},
		{"body too large", http.MethodPost, "/api/v1/suites/Benchmark/entries", `{"tool":"` + strings.Repeat("x", 8192) + `"}`, http.StatusRequestEntityTooLarge},
		{"empty sql", http.MethodPost, "/api/v1/query", map[string]string{"sql": ""}, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := ts.do(tt.method, tt.path, "", tt.body)
			if rec.Code != tt.want {
				t.Fatalf("expected %d, got %d: %s", tt.want, rec.Code, rec.Body)
			}
			if resp := decode[handler.ErrorResponse](t, rec); resp.Error == "" || resp.RequestID == "" {
				t.Errorf("expected error and request id, got %+v", resp)
			}
		})
	}
}

func TestUnknownSuiteIsEmpty(t *testing.T) {
	ts := newTestServer(t, nil)
	rec := ts.do(http.MethodGet, "/api/v1/suites/Nothing/entries", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"entries":[]`) {
		t.Errorf("expected empty entries, got %s", rec.Body)
	}
}

func TestAuthentication(t *testing.T) {
	ts := newTestServer(t, []handler.TokenConfig{
		{ID: "admin", Token: "s3cret"},
		{ID: "ci", Token: "ci-token", Suites: []string{"Benchmark"}},
	})

	tests := []struct {
		name  string
		token string
		path  string
		want  int
	}{
		{"missing token", "", "/api/v1/suites", http.StatusUnauthorized},
		{"admin", "s3cret", "/api/v1/suites", http.StatusOK},
		{"scoped token, own suite", "ci-token", "/api/v1/suites/Benchmark/entries", http.StatusOK},
		{"scoped token, other suite", "ci-token", "/api/v1/suites/Other/entries", http.StatusForbidden},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := ts.do(http.MethodGet, tt.path, tt.token, nil)
			if rec.Code != tt.want {
				t.Errorf("expected %d, got %d: %s", tt.want, rec.Code, rec.Body)
			}
		})
	}

	rec := ts.do(http.MethodPost, "/api/v1/export", "ci-token", nil)
	if rec.Code != http.StatusForbidden {
		t.Errorf("expected scoped token to be refused export, got %d", rec.Code)
	}

	// Health and metrics stay reachable without a token.
	if rec := ts.do(http.MethodGet, "/healthz", "", nil); rec.Code != http.StatusOK {
		t.Errorf("expected healthz 200, got %d", rec.Code)
	}
}

func TestAuthRateLimit(t *testing.T) {
	ts := newTestServer(t, []handler.TokenConfig{{ID: "admin", Token: "s3cret"}})

	for i := 0; i < 5; i++ {
		if rec := ts.do(http.MethodGet, "/api/v1/suites", "wrong", nil); rec.Code != http.StatusUnauthorized {
			t.Fatalf("attempt %d: expected 401, got %d", i, rec.Code)
		}
	}
	// Blocked even with the right token until the window passes.
	if rec := ts.do(http.MethodGet, "/api/v1/suites", "s3cret", nil); rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rec.Code)
	}

	rl := ts.srv.authRateLimiter
	rl.mu.Lock()
	rl.now = func() time.Time { return time.Now().Add(2 * time.Minute) }
	rl.mu.Unlock()
	if rec := ts.do(http.MethodGet, "/api/v1/suites", "s3cret", nil); rec.Code != http.StatusOK {
		t.Fatalf("expected 200 after window, got %d", rec.Code)
	}
}

func TestRequestIDAndMetrics(t *testing.T) {
	ts := newTestServer(t, nil)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set(RequestIDHeader, "ci-run-42")
	rec := httptest.NewRecorder()
	ts.srv.Handler().ServeHTTP(rec, req)
	if got := rec.Header().Get(RequestIDHeader); got != "ci-run-42" {
		t.Errorf("expected request id echoed, got %q", got)
	}

	rec = ts.do(http.MethodGet, "/healthz", "", nil)
	if rec.Header().Get(RequestIDHeader) == "" {
		t.Error("expected generated request id")
	}

	rec = ts.do(http.MethodGet, "/metrics", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "benchkeeper_http_requests_total") {
		t.Errorf("expected request metrics in exposition")
	}
}

func TestRateLimiter(t *testing.T) {
	rl := NewRateLimiter(2, time.Minute)
	defer rl.Stop()

	now := time.Now()
	rl.now = func() time.Time { return now }

	rl.RecordFailure("10.0.0.1")
	if rl.IsBlocked("10.0.0.1") {
		t.Fatal("blocked after one failure")
	}
	rl.RecordFailure("10.0.0.1")
	if !rl.IsBlocked("10.0.0.1") {
		t.Fatal("expected block after two failures")
	}
	if rl.IsBlocked("10.0.0.2") {
		t.Error("unrelated ip blocked")
	}

	rl.Reset("10.0.0.1")
	if rl.Failures("10.0.0.1") != 0 {
		t.Error("expected reset to clear failures")
	}

	rl.RecordFailure("10.0.0.3")
	if rl.Failures("10.0.0.3") != 1 {
		t.Errorf("expected 1 failure, got %d", rl.Failures("10.0.0.3"))
	}
	// The bucket refills one attempt per half window.
	rl.RecordFailure("10.0.0.4")
	rl.RecordFailure("10.0.0.4")
	now = now.Add(45 * time.Second)
	if rl.IsBlocked("10.0.0.4") || rl.Failures("10.0.0.4") != 1 {
		t.Errorf("expected one failure refilled, got %d", rl.Failures("10.0.0.4"))
	}

	now = now.Add(2 * time.Minute)
	rl.cleanup()
	if rl.Failures("10.0.0.3") != 0 {
		t.Error("expected expired entry to be cleaned up")
	}
}
