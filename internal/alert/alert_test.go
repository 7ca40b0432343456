package alert

import (
	"errors"
	"strings"
	"testing"

	"github.com/google/uuid"

	bkerrors "github.com/xtxerr/benchkeeper/internal/errors"
	"github.com/xtxerr/benchkeeper/internal/storage/config"
	"github.com/xtxerr/benchkeeper/internal/storage/types"
)

func verdict(name string, baseline, current float64, class types.Classification) types.Verdict {
	return types.Verdict{
		Measurement:    name,
		Unit:           "ns/iter",
		Baseline:       baseline,
		Current:        current,
		Ratio:          current / baseline,
		Samples:        3,
		Classification: class,
		Direction:      types.LowerIsBetter,
	}
}

func newPolicy(t *testing.T, cfg Config) *Policy {
	t.Helper()
	p, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return p
}

func TestEvaluateKinds(t *testing.T) {
	tests := []struct {
		name     string
		cfg      Config
		verdicts []types.Verdict
		want     Kind
	}{
		{
			name:     "no verdicts",
			cfg:      Config{},
			verdicts: nil,
			want:     None,
		},
		{
			name:     "all stable",
			cfg:      Config{},
			verdicts: []types.Verdict{verdict("a", 100, 101, types.Stable)},
			want:     None,
		},
		{
			name:     "improvement only",
			cfg:      Config{},
			verdicts: []types.Verdict{verdict("a", 100, 50, types.Improved)},
			want:     None,
		},
		{
			name:     "regression notifies",
			cfg:      Config{},
			verdicts: []types.Verdict{verdict("a", 100, 300, types.Regressed)},
			want:     Notify,
		},
		{
			name:     "fail disabled",
			cfg:      Config{FailThreshold: 2},
			verdicts: []types.Verdict{verdict("a", 100, 300, types.Regressed)},
			want:     Notify,
		},
		{
			name:     "fail past threshold",
			cfg:      Config{FailOnRegression: true, FailThreshold: 2},
			verdicts: []types.Verdict{verdict("a", 100, 300, types.Regressed)},
			want:     Fail,
		},
		{
			name:     "fail threshold is exclusive",
			cfg:      Config{FailOnRegression: true, FailThreshold: 2},
			verdicts: []types.Verdict{verdict("a", 100, 200, types.Regressed)},
			want:     Notify,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := newPolicy(t, tt.cfg).Evaluate(tt.verdicts)
			if a.Kind != tt.want {
				t.Errorf("expected %s, got %s", tt.want, a.Kind)
			}
			if a.ID == uuid.Nil {
				t.Error("expected an action id")
			}
		})
	}
}

func TestEvaluateOrdersBySeverity(t *testing.T) {
	p := newPolicy(t, Config{})
	higher := verdict("throughput", 100, 40, types.Regressed)
	higher.Direction = types.HigherIsBetter
	higher.Unit = "ops/sec"

	a := p.Evaluate([]types.Verdict{
		verdict("b_mild", 100, 160, types.Regressed),
		verdict("a_mild", 100, 160, types.Regressed),
		higher, // severity 2.5
		verdict("worst", 100, 400, types.Regressed),
		verdict("small_win", 100, 90, types.Improved),
		verdict("big_win", 100, 20, types.Improved),
	})

	var got []string
	for _, v := range a.Regressed {
		got = append(got, v.Measurement)
	}
	want := "worst throughput a_mild b_mild"
	if strings.Join(got, " ") != want {
		t.Errorf("expected regressions %q, got %q", want, strings.Join(got, " "))
	}
	if len(a.Improved) != 2 || a.Improved[0].Measurement != "big_win" {
		t.Errorf("expected big_win first, got %+v", a.Improved)
	}

	if !strings.Contains(a.Message, "4 regression(s)") {
		t.Errorf("expected count in message, got %q", a.Message)
	}
	if strings.Index(a.Message, "worst") > strings.Index(a.Message, "a_mild") {
		t.Errorf("expected worst listed first, got %q", a.Message)
	}
}

func TestImprovementSummary(t *testing.T) {
	a := newPolicy(t, Config{}).Evaluate([]types.Verdict{
		verdict("bench_mandelbrot_set_iterate", 70649, 51398, types.Improved),
	})
	if a.Kind != None {
		t.Fatalf("expected None, got %s", a.Kind)
	}
	for _, want := range []string{"1 improvement(s)", "bench_mandelbrot_set_iterate", "70,649", "51,398"} {
		if !strings.Contains(a.Message, want) {
			t.Errorf("expected %q in message %q", want, a.Message)
		}
	}
}

func TestNewRejectsFailBelowNotify(t *testing.T) {
	_, err := New(Config{NotifyThreshold: 1.5, FailThreshold: 1.2})
	if !errors.Is(err, bkerrors.ErrInvalidConfig) {
		t.Errorf("expected ErrInvalidConfig, got %v", err)
	}
}

func TestConfigFromStorage(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Alert.FailOnRegression = true

	c := ConfigFromStorage(cfg)
	if !c.FailOnRegression || c.FailThreshold != cfg.Alert.FailThreshold || c.NotifyThreshold != cfg.Analysis.Threshold {
		t.Errorf("unexpected config %+v", c)
	}
}
