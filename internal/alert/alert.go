// Package alert turns analyzer verdicts into an action for the CI step.
package alert

import (
	"cmp"
	"fmt"
	"log/slog"
	"slices"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"

	defaults "github.com/xtxerr/benchkeeper/config"
	"github.com/xtxerr/benchkeeper/internal/errors"
	"github.com/xtxerr/benchkeeper/internal/logging"
	"github.com/xtxerr/benchkeeper/internal/storage/config"
	"github.com/xtxerr/benchkeeper/internal/storage/types"
)

// Kind is what the CI step should do.
type Kind int

const (
	None Kind = iota
	Notify
	Fail
)

// String returns a human-readable representation of the Kind.
func (k Kind) String() string {
	switch k {
	case None:
		return "none"
	case Notify:
		return "notify"
	case Fail:
		return "fail"
	default:
		return "unknown"
	}
}

// MarshalText implements encoding.TextMarshaler.
func (k Kind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (k *Kind) UnmarshalText(b []byte) error {
	switch string(b) {
	case "none":
		*k = None
	case "notify":
		*k = Notify
	case "fail":
		*k = Fail
	default:
		return fmt.Errorf("unknown action kind %q", b)
	}
	return nil
}

// Action is the outcome of evaluating one ingestion's verdicts.
type Action struct {
	ID        uuid.UUID       `json:"id"`
	Kind      Kind            `json:"kind"`
	Message   string          `json:"message,omitempty"`
	Regressed []types.Verdict `json:"regressed,omitempty"`
	Improved  []types.Verdict `json:"improved,omitempty"`
}

// Config configures the policy.
type Config struct {
	// NotifyThreshold is the analyzer's regression threshold. A regressed
	// verdict already exceeds it.
	NotifyThreshold float64

	// FailOnRegression escalates to Fail when a regression's severity
	// exceeds FailThreshold.
	FailOnRegression bool
	FailThreshold    float64
}

// ConfigFromStorage derives the policy from the storage configuration.
func ConfigFromStorage(cfg *config.Config) Config {
	return Config{
		NotifyThreshold:  cfg.Analysis.Threshold,
		FailOnRegression: cfg.Alert.FailOnRegression,
		FailThreshold:    cfg.Alert.FailThreshold,
	}
}

// Policy evaluates verdicts. It is stateless and safe for concurrent use.
type Policy struct {
	cfg Config
	log *slog.Logger
}

// New creates a policy.
func New(cfg Config) (*Policy, error) {
	if cfg.NotifyThreshold == 0 {
		cfg.NotifyThreshold = defaults.DefaultRegressionThreshold
	}
	if cfg.FailThreshold == 0 {
		cfg.FailThreshold = defaults.DefaultFailThreshold
	}
	if cfg.FailThreshold < cfg.NotifyThreshold {
		return nil, errors.NewInvalidValue("alert.fail_threshold", cfg.FailThreshold,
			fmt.Sprintf("must be at least the notify threshold %v", cfg.NotifyThreshold))
	}
	return &Policy{cfg: cfg, log: logging.Component("alert")}, nil
}

// Evaluate decides the action for a set of verdicts.
//
// Any regression notifies. With FailOnRegression, a regression whose
// severity is strictly above FailThreshold fails instead. Improvements on
// their own never raise an action but are summarized in the message.
func (p *Policy) Evaluate(verdicts []types.Verdict) Action {
	a := Action{ID: uuid.New()}

	for _, v := range verdicts {
		switch v.Classification {
		case types.Regressed:
			a.Regressed = append(a.Regressed, v)
		case types.Improved:
			a.Improved = append(a.Improved, v)
		}
	}

	// Worst regression first, largest improvement first.
	slices.SortStableFunc(a.Regressed, func(x, y types.Verdict) int {
		return cmp.Or(cmp.Compare(y.Severity(), x.Severity()), strings.Compare(x.Measurement, y.Measurement))
	})
	slices.SortStableFunc(a.Improved, func(x, y types.Verdict) int {
		return cmp.Or(cmp.Compare(x.Severity(), y.Severity()), strings.Compare(x.Measurement, y.Measurement))
	})

	if len(a.Regressed) > 0 {
		a.Kind = Notify
		if p.cfg.FailOnRegression && a.Regressed[0].Severity() > p.cfg.FailThreshold {
			a.Kind = Fail
		}
	}
	a.Message = p.message(&a)

	switch a.Kind {
	case None:
		if len(a.Improved) > 0 {
			p.log.Info("improvements detected", "action", a.ID, "improved", len(a.Improved))
		}
	default:
		p.log.Warn("regressions detected",
			"action", a.ID,
			"kind", a.Kind,
			"regressed", len(a.Regressed),
			"worst", a.Regressed[0].Measurement)
	}
	return a
}

func (p *Policy) message(a *Action) string {
	if len(a.Regressed) == 0 && len(a.Improved) == 0 {
		return ""
	}

	var b strings.Builder
	switch a.Kind {
	case Fail:
		fmt.Fprintf(&b, "%d regression(s), worst exceeds fail threshold x%.2f\n", len(a.Regressed), p.cfg.FailThreshold)
	case Notify:
		fmt.Fprintf(&b, "%d regression(s) past threshold x%.2f\n", len(a.Regressed), p.cfg.NotifyThreshold)
	default:
		fmt.Fprintf(&b, "no regressions, %d improvement(s)\n", len(a.Improved))
	}
	writeVerdicts(&b, "regressed", a.Regressed)
	writeVerdicts(&b, "improved", a.Improved)
	return strings.TrimRight(b.String(), "\n")
}

func writeVerdicts(b *strings.Builder, label string, verdicts []types.Verdict) {
	for _, v := range verdicts {
		fmt.Fprintf(b, "  %-9s %s: %s -> %s %s (x%.3f)\n",
			label,
			v.Measurement,
			humanize.CommafWithDigits(v.Baseline, 2),
			humanize.CommafWithDigits(v.Current, 2),
			v.Unit,
			v.Ratio)
	}
}
