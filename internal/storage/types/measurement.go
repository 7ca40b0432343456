package types

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/xtxerr/benchkeeper/internal/errors"
)

// Measurement is one named result of a benchmark run.
// Measurements are immutable once part of a stored entry.
type Measurement struct {
	Name        string  // Benchmark name, unique within an entry
	Value       float64 // Central value (mean or median, tool dependent)
	Variability float64 // Spread reported by the harness (the "±" part)
	Unit        string  // e.g. "ns/iter", "ns/op", "ops/sec"
	Extra       string  // Free-form harness detail, carried through
}

// measurementJSON is the persisted shape of a measurement.
// Variability is stored as a display string such as "± 256".
type measurementJSON struct {
	Name  string  `json:"name"`
	Value float64 `json:"value"`
	Range string  `json:"range,omitempty"`
	Unit  string  `json:"unit"`
	Extra string  `json:"extra,omitempty"`
}

// MarshalJSON writes the variability in the "± n" range notation.
func (m Measurement) MarshalJSON() ([]byte, error) {
	return json.Marshal(measurementJSON{
		Name:  m.Name,
		Value: m.Value,
		Range: FormatRange(m.Variability),
		Unit:  m.Unit,
		Extra: m.Extra,
	})
}

// UnmarshalJSON reads a measurement, parsing the range notation.
func (m *Measurement) UnmarshalJSON(data []byte) error {
	var raw measurementJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return errors.NewMalformed("measurement", err)
	}
	v, err := ParseRange(raw.Range)
	if err != nil {
		return fmt.Errorf("measurement %q: %w", raw.Name, err)
	}
	*m = Measurement{
		Name:        raw.Name,
		Value:       raw.Value,
		Variability: v,
		Unit:        raw.Unit,
		Extra:       raw.Extra,
	}
	return nil
}

// rangeMarkers are tried in order; the numeric part follows the last match.
var rangeMarkers = []string{"±", "+/-", "stddev:"}

// ParseRange extracts the numeric variability from a range string.
//
// Accepted forms include "± 256", "+/- 1,024" and the mis-encoded
// "Â± 256" that appears when UTF-8 output was read as Latin-1 upstream.
// An empty string means no variability was reported.
func ParseRange(s string) (float64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}

	num := s
	for _, marker := range rangeMarkers {
		if i := strings.LastIndex(s, marker); i >= 0 {
			num = s[i+len(marker):]
			break
		}
	}

	num = strings.ReplaceAll(strings.TrimSpace(num), ",", "")
	v, err := strconv.ParseFloat(num, 64)
	if err != nil {
		return 0, fmt.Errorf("range %q: %w", s, errors.ErrMalformedRecord)
	}
	if v < 0 {
		v = -v
	}
	return v, nil
}

// FormatRange renders a variability the way github-action-benchmark does.
func FormatRange(v float64) string {
	return "± " + strconv.FormatFloat(v, 'f', -1, 64)
}
