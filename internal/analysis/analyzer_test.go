// LOCATION: internal/analysis/analyzer_test.go
//
// Unit tests for baseline computation and classification.

package analysis

import (
	"context"
	"errors"
	"math"
	"testing"

	bkerrors "github.com/xtxerr/benchkeeper/internal/errors"
	"github.com/xtxerr/benchkeeper/internal/storage/backend"
	"github.com/xtxerr/benchkeeper/internal/storage/config"
	"github.com/xtxerr/benchkeeper/internal/storage/series"
	"github.com/xtxerr/benchkeeper/internal/storage/types"
)

const mandelbrotBench = "bench_mandelbrot_set_iterate"

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.UnitDirections["ns/iter"] = types.LowerIsBetter
	cfg.UnitDirections["ops/sec"] = types.HigherIsBetter
	return cfg
}

func run(commit string, value, variability float64) types.CommitEntry {
	return types.CommitEntry{
		Commit: types.Commit{ID: commit},
		DateMs: 1688301993140,
		Tool:   "cargo",
		Measurements: []types.Measurement{
			{Name: mandelbrotBench, Value: value, Variability: variability, Unit: "ns/iter"},
		},
	}
}

func newHistory(t *testing.T, entries ...types.CommitEntry) *series.Store {
	t.Helper()
	s, err := series.Open(context.Background(), series.Options{Backend: backend.NewMemory(nil)})
	if err != nil {
		t.Fatalf("series.Open: %v", err)
	}
	for _, e := range entries {
		if _, err := s.Append(context.Background(), "Benchmark", e); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}
	return s
}

func newAnalyzer(t *testing.T, h History, cfg Config) *Analyzer {
	t.Helper()
	a, err := New(h, cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return a
}

func TestMandelbrotScenario(t *testing.T) {
	h := newHistory(t,
		run("670ac0c", 78831, 256),
		run("6f2a8d3", 78858, 1013),
		run("a1b2c3d", 54258, 412),
	)
	cfg := testConfig()
	cfg.Window = 3
	a := newAnalyzer(t, h, cfg)

	tests := []struct {
		name      string
		current   float64
		wantClass types.Classification
		wantRatio float64
	}{
		{"faster run improves", 51398, types.Improved, 0.7275},
		{"slower run regresses", 120000, types.Regressed, 1.6985},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			verdicts := a.Analyze("Benchmark", run("next", tt.current, 300))
			if len(verdicts) != 1 {
				t.Fatalf("expected 1 verdict, got %d", len(verdicts))
			}
			v := verdicts[0]
			if v.Classification != tt.wantClass {
				t.Errorf("expected %s, got %s (ratio %.4f)", tt.wantClass, v.Classification, v.Ratio)
			}
			if math.Abs(v.Ratio-tt.wantRatio) > 0.001 {
				t.Errorf("expected ratio ~%.4f, got %.4f", tt.wantRatio, v.Ratio)
			}
			if v.Samples != 3 || math.Abs(v.Baseline-70649) > 0.01 {
				t.Errorf("unexpected baseline %v over %d samples", v.Baseline, v.Samples)
			}
		})
	}
}

func TestBaselineUsesAtMostWindowPriorValues(t *testing.T) {
	h := newHistory(t,
		run("a", 1000, 0),
		run("b", 100, 0),
		run("c", 100, 0),
	)
	cfg := testConfig()
	cfg.Window = 2
	a := newAnalyzer(t, h, cfg)

	v := a.Analyze("Benchmark", run("d", 100, 0))
	if len(v) != 1 || v[0].Baseline != 100 || v[0].Classification != types.Stable {
		t.Errorf("expected the oldest value outside the window, got %+v", v)
	}
}

func TestClassifyThresholdsAreExclusive(t *testing.T) {
	a := newAnalyzer(t, newHistory(t), testConfig())

	tests := []struct {
		name     string
		dir      types.Direction
		baseline float64
		current  float64
		want     types.Classification
	}{
		{"lower at threshold", types.LowerIsBetter, 100, 150, types.Stable},
		{"lower past threshold", types.LowerIsBetter, 100, 150.01, types.Regressed},
		{"lower better", types.LowerIsBetter, 100, 90, types.Improved},
		{"higher at threshold", types.HigherIsBetter, 150, 100, types.Stable},
		{"higher past threshold", types.HigherIsBetter, 150, 99.9, types.Regressed},
		{"higher better", types.HigherIsBetter, 100, 120, types.Improved},
		{"unchanged", types.LowerIsBetter, 100, 100, types.Stable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := types.Measurement{Name: "x", Value: tt.current, Unit: "u"}
			v := a.Classify(m, []float64{tt.baseline}, 0, tt.dir)
			if v.Classification != tt.want {
				t.Errorf("expected %s, got %s (ratio %v)", tt.want, v.Classification, v.Ratio)
			}
		})
	}
}

func TestNoiseFloorMasksRatio(t *testing.T) {
	a := newAnalyzer(t, newHistory(t), testConfig())
	m := types.Measurement{Name: "x", Value: 155, Unit: "ns/iter"}

	// k=2, mean variability 30: anything within 60 of the baseline is noise.
	v := a.Classify(m, []float64{100}, 30, types.LowerIsBetter)
	if v.Classification != types.Stable {
		t.Errorf("expected noise to be Stable, got %s", v.Classification)
	}
	if v.NoiseBound != 60 {
		t.Errorf("expected noise bound 60, got %v", v.NoiseBound)
	}

	m.Value = 161
	if v := a.Classify(m, []float64{100}, 30, types.LowerIsBetter); v.Classification != types.Regressed {
		t.Errorf("expected Regressed past the noise floor, got %s", v.Classification)
	}
}

func TestClassificationIsMonotonic(t *testing.T) {
	a := newAnalyzer(t, newHistory(t), testConfig())

	rank := map[types.Classification]int{types.Improved: 0, types.Stable: 1, types.Regressed: 2}
	for _, dir := range []types.Direction{types.LowerIsBetter, types.HigherIsBetter} {
		prev := -1
		for i := 0; i <= 400; i++ {
			current := float64(i)
			if dir == types.HigherIsBetter {
				current = float64(400 - i) // Worse means smaller
			}
			m := types.Measurement{Name: "x", Value: current, Unit: "u"}
			r := rank[a.Classify(m, []float64{100, 110, 90}, 5, dir).Classification]
			if r < prev {
				t.Fatalf("%s: classification got better as %v got worse", dir, current)
			}
			prev = r
		}
	}
}

func TestZeroBaseline(t *testing.T) {
	a := newAnalyzer(t, newHistory(t), testConfig())

	v := a.Classify(types.Measurement{Name: "x", Value: 5}, []float64{0}, 0, types.LowerIsBetter)
	if !math.IsInf(v.Ratio, 1) || v.Classification != types.Regressed {
		t.Errorf("expected +Inf regression, got ratio %v %s", v.Ratio, v.Classification)
	}

	v = a.Classify(types.Measurement{Name: "x", Value: 0}, []float64{0}, 0, types.LowerIsBetter)
	if v.Ratio != 1 || v.Classification != types.Stable {
		t.Errorf("expected ratio 1 and Stable, got %v %s", v.Ratio, v.Classification)
	}
}

func TestNoVerdictWithoutHistoryOrDirection(t *testing.T) {
	h := newHistory(t, run("a", 100, 0))
	a := newAnalyzer(t, h, DefaultConfig())

	if v := a.Analyze("Benchmark", run("b", 500, 0)); len(v) != 0 {
		t.Errorf("expected no verdict without a direction, got %+v", v)
	}

	cfg := DefaultConfig()
	cfg.Directions[mandelbrotBench] = types.LowerIsBetter
	a = newAnalyzer(t, h, cfg)

	if v := a.Analyze("Benchmark", run("b", 500, 0)); len(v) != 1 {
		t.Errorf("expected a verdict from the name direction, got %+v", v)
	}
	if v := a.Analyze("Other", run("b", 500, 0)); len(v) != 0 {
		t.Errorf("expected no verdict for a new metric, got %+v", v)
	}
}

func TestNameDirectionOverridesUnit(t *testing.T) {
	cfg := testConfig()
	cfg.Directions[mandelbrotBench] = types.HigherIsBetter
	a := newAnalyzer(t, newHistory(t), cfg)

	if d := a.Direction(mandelbrotBench, "ns/iter"); d != types.HigherIsBetter {
		t.Errorf("expected name direction, got %s", d)
	}
	if d := a.Direction("other", "ns/iter"); d != types.LowerIsBetter {
		t.Errorf("expected unit direction, got %s", d)
	}
	if d := a.Direction("other", "widgets"); d != types.DirectionUnknown {
		t.Errorf("expected unknown, got %s", d)
	}
}

func TestAnalyzeAtUsesPrecedingEntriesOnly(t *testing.T) {
	h := newHistory(t,
		run("a", 100, 0),
		run("b", 100, 0),
		run("c", 300, 0),
		run("d", 100, 0),
	)
	a := newAnalyzer(t, h, testConfig())

	v, err := a.AnalyzeAt("Benchmark", "c")
	if err != nil {
		t.Fatalf("AnalyzeAt: %v", err)
	}
	if len(v) != 1 || v[0].Samples != 2 || v[0].Classification != types.Regressed {
		t.Errorf("expected regression against a and b, got %+v", v)
	}

	if _, err := a.AnalyzeAt("Benchmark", "missing"); !errors.Is(err, bkerrors.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestAnalyzeKeySeparatesTools(t *testing.T) {
	criterion := run("x", 300, 0)
	criterion.Tool = "criterion"
	h := newHistory(t,
		run("a", 100, 0),
		run("b", 100, 0),
		run("x", 100, 0),
		criterion,
	)
	a := newAnalyzer(t, h, testConfig())

	v, err := a.AnalyzeKey("Benchmark", types.EntryKey{CommitID: "x", Tool: "cargo"})
	if err != nil {
		t.Fatalf("AnalyzeKey: %v", err)
	}
	if len(v) != 1 || v[0].Current != 100 || v[0].Classification != types.Stable {
		t.Errorf("expected the cargo run to be stable, got %+v", v)
	}

	v, err = a.AnalyzeKey("Benchmark", types.EntryKey{CommitID: "x", Tool: "criterion"})
	if err != nil {
		t.Fatalf("AnalyzeKey: %v", err)
	}
	if len(v) != 1 || v[0].Current != 300 || v[0].Classification != types.Regressed {
		t.Errorf("expected the criterion run to regress, got %+v", v)
	}

	if _, err := a.AnalyzeKey("Benchmark", types.EntryKey{CommitID: "x", Tool: "gotest"}); !errors.Is(err, bkerrors.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestDirectionNoneWithholdsVerdicts(t *testing.T) {
	sc := config.DefaultConfig().Analysis
	sc.UnitDirections["ns/iter"] = types.DirectionNone
	sc.Directions["pinned"] = types.DirectionNone
	sc.UnitDirections["ns/op"] = "lower"

	a := newAnalyzer(t, newHistory(t, run("a", 100, 0)), ConfigFromStorage(sc))

	if d := a.Direction(mandelbrotBench, "ns/iter"); d != types.DirectionUnknown {
		t.Errorf("expected ns/iter opted out, got %s", d)
	}
	if d := a.Direction("pinned", "ns/op"); d != types.DirectionUnknown {
		t.Errorf("expected the name to override the unit, got %s", d)
	}
	if d := a.Direction("other", "ns/op"); d != types.LowerIsBetter {
		t.Errorf("expected ns/op lower, got %s", d)
	}
	if v := a.Analyze("Benchmark", run("b", 500, 0)); len(v) != 0 {
		t.Errorf("expected no verdicts, got %+v", v)
	}
}

func TestNewRejectsBadConfig(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero window", func(c *Config) { c.Window = 0 }},
		{"threshold at one", func(c *Config) { c.Threshold = 1 }},
		{"improvement below one", func(c *Config) { c.ImprovementThreshold = 0.5 }},
		{"negative noise", func(c *Config) { c.NoiseMultiplier = -1 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			if _, err := New(nil, cfg); !errors.Is(err, bkerrors.ErrInvalidConfig) {
				t.Errorf("expected ErrInvalidConfig, got %v", err)
			}
		})
	}
}

func TestSummarize(t *testing.T) {
	values := make([]float64, 100)
	for i := range values {
		values[i] = float64(i + 1)
	}

	s, err := Summarize(values)
	if err != nil {
		t.Fatalf("Summarize: %v", err)
	}
	if s.Count != 100 || s.Min != 1 || s.Max != 100 || s.Mean != 50.5 {
		t.Errorf("unexpected summary %+v", s)
	}
	for _, q := range []struct {
		name      string
		got, want float64
	}{
		{"p50", s.P50, 50},
		{"p90", s.P90, 90},
		{"p99", s.P99, 99},
	} {
		if math.Abs(q.got-q.want)/q.want > 0.03 {
			t.Errorf("%s: expected ~%v, got %v", q.name, q.want, q.got)
		}
	}

	empty, err := Summarize(nil)
	if err != nil || empty.Count != 0 {
		t.Errorf("expected empty summary, got %+v, %v", empty, err)
	}
}

func TestSummarizeMeasurement(t *testing.T) {
	entries := []types.CommitEntry{run("a", 10, 0), run("b", 30, 0)}
	s, err := SummarizeMeasurement(entries, mandelbrotBench)
	if err != nil {
		t.Fatalf("SummarizeMeasurement: %v", err)
	}
	if s.Count != 2 || s.Mean != 20 || s.Unit != "ns/iter" {
		t.Errorf("unexpected summary %+v", s)
	}
}
