package types

import (
	"encoding/json"
	"fmt"
	"math"
)

// Classification is the analyzer's judgement of a measurement.
type Classification int

const (
	Stable Classification = iota
	Improved
	Regressed
)

// String returns a human-readable representation of the Classification.
func (c Classification) String() string {
	switch c {
	case Stable:
		return "stable"
	case Improved:
		return "improved"
	case Regressed:
		return "regressed"
	default:
		return "unknown"
	}
}

// MarshalText implements encoding.TextMarshaler.
func (c Classification) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (c *Classification) UnmarshalText(b []byte) error {
	switch string(b) {
	case "stable":
		*c = Stable
	case "improved":
		*c = Improved
	case "regressed":
		*c = Regressed
	default:
		return fmt.Errorf("unknown classification %q", b)
	}
	return nil
}

// Direction states which way a measurement gets better.
type Direction int

const (
	// DirectionUnknown means no direction is configured; such measurements
	// never receive a verdict.
	DirectionUnknown Direction = iota
	// LowerIsBetter applies to durations, sizes, allocations.
	LowerIsBetter
	// HigherIsBetter applies to throughput.
	HigherIsBetter
)

// DirectionNone is the configuration spelling that withholds a direction,
// e.g. to opt a unit out of the default unit table.
const DirectionNone = "none"

// ParseDirection parses the configuration spelling of a direction.
func ParseDirection(s string) Direction {
	switch s {
	case "lower", "lower_is_better", "smaller":
		return LowerIsBetter
	case "higher", "higher_is_better", "bigger":
		return HigherIsBetter
	default:
		return DirectionUnknown
	}
}

// String returns the configuration spelling of the Direction.
func (d Direction) String() string {
	switch d {
	case LowerIsBetter:
		return "lower_is_better"
	case HigherIsBetter:
		return "higher_is_better"
	default:
		return "unknown"
	}
}

// MarshalText implements encoding.TextMarshaler.
func (d Direction) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler. Unknown spellings
// decode to DirectionUnknown.
func (d *Direction) UnmarshalText(b []byte) error {
	*d = ParseDirection(string(b))
	return nil
}

// Verdict is the outcome of comparing one measurement against its baseline.
type Verdict struct {
	Measurement    string
	Unit           string
	Baseline       float64 // Mean of the prior window
	Current        float64
	Ratio          float64 // Current / Baseline, +Inf for a zero baseline
	NoiseBound     float64 // Absolute deviation considered noise
	Samples        int     // Prior values that formed the baseline
	Classification Classification
	Direction      Direction
}

// Severity is how far the measurement moved in its worse direction,
// expressed as a ratio >= 1 for a worsening.
func (v *Verdict) Severity() float64 {
	if v.Direction == HigherIsBetter {
		if v.Ratio == 0 {
			return math.Inf(1)
		}
		return 1 / v.Ratio
	}
	return v.Ratio
}

type verdictJSON struct {
	Measurement    string         `json:"measurement"`
	Unit           string         `json:"unit"`
	Baseline       float64        `json:"baseline"`
	Current        float64        `json:"current"`
	Ratio          *float64       `json:"ratio"`
	NoiseBound     float64        `json:"noise_bound"`
	Samples        int            `json:"samples"`
	Classification Classification `json:"classification"`
	Direction      Direction      `json:"direction"`
}

// MarshalJSON writes an infinite ratio as null; JSON has no Inf.
func (v Verdict) MarshalJSON() ([]byte, error) {
	out := verdictJSON{
		Measurement:    v.Measurement,
		Unit:           v.Unit,
		Baseline:       v.Baseline,
		Current:        v.Current,
		NoiseBound:     v.NoiseBound,
		Samples:        v.Samples,
		Classification: v.Classification,
		Direction:      v.Direction,
	}
	if !math.IsInf(v.Ratio, 0) && !math.IsNaN(v.Ratio) {
		r := v.Ratio
		out.Ratio = &r
	}
	return json.Marshal(out)
}

// UnmarshalJSON reads a null ratio back as +Inf.
func (v *Verdict) UnmarshalJSON(data []byte) error {
	var in verdictJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	*v = Verdict{
		Measurement:    in.Measurement,
		Unit:           in.Unit,
		Baseline:       in.Baseline,
		Current:        in.Current,
		Ratio:          math.Inf(1),
		NoiseBound:     in.NoiseBound,
		Samples:        in.Samples,
		Classification: in.Classification,
		Direction:      in.Direction,
	}
	if in.Ratio != nil {
		v.Ratio = *in.Ratio
	}
	return nil
}
