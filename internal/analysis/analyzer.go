// Package analysis classifies new measurements against their history.
//
// For every measurement of an entry the analyzer averages up to Window
// prior values of the same name into a baseline and compares the current
// value with it:
//
//	|current - baseline| <= k * mean(prior variability)  -> Stable
//	lower is better:  ratio > T -> Regressed, ratio < 1/Ti -> Improved
//	higher is better: ratio < 1/T -> Regressed, ratio > Ti -> Improved
//
// Thresholds are exclusive, so a ratio sitting exactly on one is the less
// severe class. A measurement without prior values, or without a
// configured direction, receives no verdict.
package analysis

import (
	"fmt"
	"log/slog"
	"math"

	defaults "github.com/xtxerr/benchkeeper/config"
	"github.com/xtxerr/benchkeeper/internal/errors"
	"github.com/xtxerr/benchkeeper/internal/logging"
	"github.com/xtxerr/benchkeeper/internal/storage/config"
	"github.com/xtxerr/benchkeeper/internal/storage/types"
)

// History is the read side of the series store the analyzer needs.
type History interface {
	Len(suite string) int
	PriorWithMeasurement(suite, name string, before, n int) []types.CommitEntry
	FindCommit(suite, commitID string) (int, types.CommitEntry, bool)
	FindKey(suite string, key types.EntryKey) (int, types.CommitEntry, bool)
}

// Config configures an Analyzer.
type Config struct {
	Window               int
	Threshold            float64
	ImprovementThreshold float64
	NoiseMultiplier      float64

	// Directions is consulted first, by measurement name.
	Directions map[string]types.Direction
	// UnitDirections is consulted when the name has no direction.
	UnitDirections map[string]types.Direction
}

// DefaultConfig returns the default analyzer configuration. No directions
// are configured, so nothing is classified until some are added.
func DefaultConfig() Config {
	return Config{
		Window:               defaults.DefaultBaselineWindow,
		Threshold:            defaults.DefaultRegressionThreshold,
		ImprovementThreshold: defaults.DefaultImprovementThreshold,
		NoiseMultiplier:      defaults.DefaultNoiseMultiplier,
		Directions:           map[string]types.Direction{},
		UnitDirections:       map[string]types.Direction{},
	}
}

// ConfigFromStorage converts the analysis section of the storage
// configuration. Direction spellings are validated by the configuration.
func ConfigFromStorage(c config.AnalysisConfig) Config {
	out := Config{
		Window:               c.Window,
		Threshold:            c.Threshold,
		ImprovementThreshold: c.ImprovementThreshold,
		NoiseMultiplier:      c.NoiseMultiplier,
		Directions:           make(map[string]types.Direction, len(c.Directions)),
		UnitDirections:       make(map[string]types.Direction, len(c.UnitDirections)),
	}
	for name, d := range c.Directions {
		out.Directions[name] = types.ParseDirection(d)
	}
	for unit, d := range c.UnitDirections {
		out.UnitDirections[unit] = types.ParseDirection(d)
	}
	return out
}

// Analyzer produces verdicts. It holds no state besides its configuration
// and is safe for concurrent use.
type Analyzer struct {
	history History
	cfg     Config
	log     *slog.Logger
}

// New creates an analyzer over history.
func New(history History, cfg Config) (*Analyzer, error) {
	if cfg.Window <= 0 {
		return nil, errors.NewInvalidValue("analysis.window", cfg.Window, "must be positive")
	}
	if cfg.Threshold <= 1 {
		return nil, errors.NewInvalidValue("analysis.threshold", cfg.Threshold, "must be greater than 1")
	}
	if cfg.ImprovementThreshold < 1 {
		return nil, errors.NewInvalidValue("analysis.improvement_threshold", cfg.ImprovementThreshold, "must be at least 1")
	}
	if cfg.NoiseMultiplier < 0 {
		return nil, errors.NewInvalidValue("analysis.noise_multiplier", cfg.NoiseMultiplier, "must not be negative")
	}
	return &Analyzer{
		history: history,
		cfg:     cfg,
		log:     logging.Component("analysis"),
	}, nil
}

// Direction returns the configured direction of a measurement. A name
// configured as "none" has no direction even when its unit has one.
func (a *Analyzer) Direction(name, unit string) types.Direction {
	if d, ok := a.cfg.Directions[name]; ok {
		return d
	}
	if d, ok := a.cfg.UnitDirections[unit]; ok {
		return d
	}
	return types.DirectionUnknown
}

// Analyze compares entry with the current end of suite, as if entry were
// the next one appended.
func (a *Analyzer) Analyze(suite string, entry types.CommitEntry) []types.Verdict {
	return a.analyze(suite, entry, a.history.Len(suite))
}

// AnalyzeAt re-analyzes the most recent stored entry of commitID against
// the entries that precede it.
func (a *Analyzer) AnalyzeAt(suite, commitID string) ([]types.Verdict, error) {
	pos, entry, ok := a.history.FindCommit(suite, commitID)
	if !ok {
		return nil, errors.NewNotFound("commit", fmt.Sprintf("%s/%s", suite, commitID))
	}
	return a.analyze(suite, entry, pos), nil
}

// AnalyzeKey re-analyzes the most recent stored entry of one (commit, tool)
// run against the entries that precede it.
func (a *Analyzer) AnalyzeKey(suite string, key types.EntryKey) ([]types.Verdict, error) {
	pos, entry, ok := a.history.FindKey(suite, key)
	if !ok {
		return nil, errors.NewNotFound("entry", fmt.Sprintf("%s/%s/%s", suite, key.CommitID, key.Tool))
	}
	return a.analyze(suite, entry, pos), nil
}

func (a *Analyzer) analyze(suite string, entry types.CommitEntry, before int) []types.Verdict {
	verdicts := make([]types.Verdict, 0, len(entry.Measurements))
	for _, m := range entry.Measurements {
		dir := a.Direction(m.Name, m.Unit)
		if dir == types.DirectionUnknown {
			a.log.Debug("no direction configured, skipping", "suite", suite, "measurement", m.Name, "unit", m.Unit)
			continue
		}

		prior := a.history.PriorWithMeasurement(suite, m.Name, before, a.cfg.Window)
		if len(prior) == 0 {
			continue
		}

		values := make([]float64, 0, len(prior))
		var variability float64
		for i := range prior {
			p, _ := prior[i].Measurement(m.Name)
			values = append(values, p.Value)
			variability += p.Variability
		}

		v := a.Classify(m, values, variability/float64(len(prior)), dir)
		verdicts = append(verdicts, v)
	}
	return verdicts
}

// Classify builds the verdict for current given the prior values, their
// mean variability and the direction.
func (a *Analyzer) Classify(current types.Measurement, prior []float64, meanVariability float64, dir types.Direction) types.Verdict {
	baseline := mean(prior)
	v := types.Verdict{
		Measurement: current.Name,
		Unit:        current.Unit,
		Baseline:    baseline,
		Current:     current.Value,
		Ratio:       ratio(current.Value, baseline),
		NoiseBound:  a.cfg.NoiseMultiplier * meanVariability,
		Samples:     len(prior),
		Direction:   dir,
	}

	if math.Abs(current.Value-baseline) <= v.NoiseBound {
		v.Classification = types.Stable
		return v
	}

	t, ti := a.cfg.Threshold, a.cfg.ImprovementThreshold
	switch dir {
	case types.LowerIsBetter:
		switch {
		case v.Ratio > t:
			v.Classification = types.Regressed
		case v.Ratio < 1/ti:
			v.Classification = types.Improved
		}
	case types.HigherIsBetter:
		switch {
		case v.Ratio < 1/t:
			v.Classification = types.Regressed
		case v.Ratio > ti:
			v.Classification = types.Improved
		}
	}
	return v
}

func mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

// ratio is current/baseline. A zero baseline yields 1 when current is also
// zero and an infinity of current's sign otherwise.
func ratio(current, baseline float64) float64 {
	if baseline == 0 {
		switch {
		case current == 0:
			return 1
		case current > 0:
			return math.Inf(1)
		default:
			return math.Inf(-1)
		}
	}
	return current / baseline
}
