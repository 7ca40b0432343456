package client_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/xtxerr/benchkeeper/internal/alert"
	"github.com/xtxerr/benchkeeper/internal/client"
	bkerrors "github.com/xtxerr/benchkeeper/internal/errors"
	"github.com/xtxerr/benchkeeper/internal/handler"
	"github.com/xtxerr/benchkeeper/internal/server"
	"github.com/xtxerr/benchkeeper/internal/storage"
	"github.com/xtxerr/benchkeeper/internal/storage/config"
	"github.com/xtxerr/benchkeeper/internal/storage/types"
	bktesting "github.com/xtxerr/benchkeeper/internal/testing"
)

func startServer(t *testing.T, tokens []handler.TokenConfig) string {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.DataDir = t.TempDir()
	cfg.Persistence.Backend = "memory"
	cfg.Analysis.Window = 3

	svc, err := storage.New(context.Background(), cfg, storage.Options{})
	if err != nil {
		t.Fatalf("storage.New: %v", err)
	}
	srv := server.New(&server.Config{Service: svc, Tokens: tokens})
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		ts.Close()
		srv.Shutdown(context.Background())
		svc.Close(context.Background())
	})
	return ts.URL
}

func entry(commit string, ms int64, value float64) types.CommitEntry {
	return bktesting.Entry(commit, ms, "gotest",
		bktesting.Bench("BenchmarkFib10", value, 0, "ns/op"),
		bktesting.Bench("BenchmarkFib10 - B/op", 0, 0, "B/op"))
}

func TestClientRoundTrip(t *testing.T) {
	ctx := context.Background()
	c, err := client.New(startServer(t, nil), "")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer c.Close()

	if err := c.Health(ctx); err != nil {
		t.Fatalf("Health: %v", err)
	}

	for i, v := range []float64{429, 431, 430} {
		res, err := c.Ingest(ctx, "Go Benchmark", entry(string(rune('a'+i)), int64(1000+i), v))
		if err != nil {
			t.Fatalf("Ingest: %v", err)
		}
		if res.Result != types.Appended {
			t.Errorf("expected appended, got %s", res.Result)
		}
	}

	res, err := c.Ingest(ctx, "Go Benchmark", entry("slow", 2000, 900))
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if res.Action.Kind != alert.Notify {
		t.Errorf("expected notify, got %s", res.Action.Kind)
	}
	var regressed *types.Verdict
	for i := range res.Verdicts {
		if res.Verdicts[i].Measurement == "BenchmarkFib10" {
			regressed = &res.Verdicts[i]
		}
	}
	if regressed == nil || regressed.Classification != types.Regressed {
		t.Fatalf("expected BenchmarkFib10 regressed, got %+v", res.Verdicts)
	}

	entries, err := c.Entries(ctx, "Go Benchmark", types.Range{Latest: 1})
	if err != nil {
		t.Fatalf("Entries: %v", err)
	}
	if len(entries) != 1 || entries[0].Commit.ID != "slow" {
		t.Errorf("unexpected entries %+v", entries)
	}

	v, err := c.Verdicts(ctx, "Go Benchmark", "slow")
	if err != nil {
		t.Fatalf("Verdicts: %v", err)
	}
	if v.Action.Kind != alert.Notify {
		t.Errorf("expected notify from verdicts, got %s", v.Action.Kind)
	}

	names, err := c.Measurements(ctx, "Go Benchmark", "BenchmarkFib10 -")
	if err != nil {
		t.Fatalf("Measurements: %v", err)
	}
	if len(names) != 1 || names[0] != "BenchmarkFib10 - B/op" {
		t.Errorf("unexpected names %v", names)
	}

	suites, err := c.Suites(ctx)
	if err != nil || len(suites) != 1 {
		t.Errorf("Suites: %v %v", suites, err)
	}

	sum, err := c.Summary(ctx, "Go Benchmark", "BenchmarkFib10")
	if err != nil {
		t.Fatalf("Summary: %v", err)
	}
	if sum.Count != 4 || sum.Max != 900 {
		t.Errorf("unexpected summary %+v", sum)
	}
}

func TestClientErrors(t *testing.T) {
	ctx := context.Background()
	addr := startServer(t, []handler.TokenConfig{{ID: "ci", Token: "t0ken", Suites: []string{"Go Benchmark"}}})

	anon, _ := client.New(addr, "")
	defer anon.Close()
	if _, err := anon.Suites(ctx); !errors.Is(err, bkerrors.ErrNotAuthenticated) {
		t.Errorf("expected ErrNotAuthenticated, got %v", err)
	}

	c, _ := client.New(addr, "t0ken")
	if _, err := c.Verdicts(ctx, "Go Benchmark", "nope"); !errors.Is(err, bkerrors.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	if _, err := c.Entries(ctx, "Other", types.Range{}); !errors.Is(err, bkerrors.ErrNotAuthorized) {
		t.Errorf("expected ErrNotAuthorized, got %v", err)
	}

	var apiErr *client.APIError
	_, err := c.Verdicts(ctx, "Go Benchmark", "nope")
	if !errors.As(err, &apiErr) || apiErr.Status != http.StatusNotFound || apiErr.RequestID == "" {
		t.Errorf("expected APIError with request id, got %v", err)
	}

	c.Close()
	if _, err := c.Suites(ctx); !errors.Is(err, client.ErrClientClosed) {
		t.Errorf("expected ErrClientClosed, got %v", err)
	}
}
