// LOCATION: internal/analysis/summary.go
//
// Distribution summaries of one measurement's history.

package analysis

import (
	"fmt"
	"math"

	"github.com/DataDog/sketches-go/ddsketch"

	"github.com/xtxerr/benchkeeper/internal/storage/types"
)

// summaryAccuracy is the relative accuracy of reported quantiles.
const summaryAccuracy = 0.01

// Summary describes the distribution of a measurement's history.
type Summary struct {
	Measurement string  `json:"measurement,omitempty"`
	Unit        string  `json:"unit,omitempty"`
	Count       int     `json:"count"`
	Mean        float64 `json:"mean"`
	Min         float64 `json:"min"`
	Max         float64 `json:"max"`
	P50         float64 `json:"p50"`
	P90         float64 `json:"p90"`
	P99         float64 `json:"p99"`
}

// Summarize computes count, mean, extremes and approximate quantiles.
// Quantiles come from a DDSketch and are within 1% of the exact value.
func Summarize(values []float64) (Summary, error) {
	var s Summary
	if len(values) == 0 {
		return s, nil
	}

	sketch, err := ddsketch.NewDefaultDDSketch(summaryAccuracy)
	if err != nil {
		return s, fmt.Errorf("create sketch: %w", err)
	}

	s.Min = math.Inf(1)
	s.Max = math.Inf(-1)
	var sum float64
	for _, v := range values {
		if err := sketch.Add(v); err != nil {
			return Summary{}, fmt.Errorf("add %v: %w", v, err)
		}
		sum += v
		s.Min = math.Min(s.Min, v)
		s.Max = math.Max(s.Max, v)
	}
	s.Count = len(values)
	s.Mean = sum / float64(len(values))

	s.P50, _ = sketch.GetValueAtQuantile(0.50)
	s.P90, _ = sketch.GetValueAtQuantile(0.90)
	s.P99, _ = sketch.GetValueAtQuantile(0.99)
	return s, nil
}

// SummarizeMeasurement summarizes the values of name across entries.
func SummarizeMeasurement(entries []types.CommitEntry, name string) (Summary, error) {
	var values []float64
	var unit string
	for i := range entries {
		if m, ok := entries[i].Measurement(name); ok {
			values = append(values, m.Value)
			unit = m.Unit
		}
	}
	s, err := Summarize(values)
	if err != nil {
		return s, err
	}
	s.Measurement = name
	s.Unit = unit
	return s, nil
}
