// Package harness parses benchmark harness output into measurements.
//
// Supported formats:
//
//	cargo   libtest output of "cargo bench"
//	gotest  output of "go test -bench" (with or without -benchmem)
//	json    a JSON array of {"name","value","unit","range","extra"} objects
package harness

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"regexp"
	"strconv"
	"strings"

	"github.com/xtxerr/benchkeeper/internal/errors"
	"github.com/xtxerr/benchkeeper/internal/logging"
	"github.com/xtxerr/benchkeeper/internal/storage/types"
)

// Format names a harness output format.
type Format string

const (
	FormatCargo  Format = "cargo"
	FormatGoTest Format = "gotest"
	FormatJSON   Format = "json"
)

// Formats lists the supported formats.
var Formats = []Format{FormatCargo, FormatGoTest, FormatJSON}

// ParseFormat validates a format name. "go" is accepted for gotest.
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(s) {
	case "cargo", "rust":
		return FormatCargo, nil
	case "gotest", "go":
		return FormatGoTest, nil
	case "json":
		return FormatJSON, nil
	default:
		return "", errors.NewInvalidValue("format", s, "must be one of cargo, gotest, json")
	}
}

var log = logging.Component("harness")

// Parse reads r in the given format.
func Parse(r io.Reader, format Format) ([]types.Measurement, error) {
	var (
		ms  []types.Measurement
		err error
	)
	switch format {
	case FormatCargo:
		ms, err = ParseCargo(r)
	case FormatGoTest:
		ms, err = ParseGoTest(r)
	case FormatJSON:
		ms, err = ParseJSON(r)
	default:
		return nil, errors.NewInvalidValue("format", format, "unsupported")
	}
	if err != nil {
		return nil, err
	}
	if len(ms) == 0 {
		return nil, errors.NewInvalidEntry("benches", fmt.Sprintf("no %s benchmark results found", format))
	}
	return ms, nil
}

// test bench_mandelbrot_set_iterate ... bench:      78,831 ns/iter (+/- 256)
var cargoLine = regexp.MustCompile(`^test\s+(\S+)\s+\.\.\.\s+bench:\s+([0-9,.]+)\s+(\S+)\s+\(\+/-\s+([0-9,.]+)\)`)

// ParseCargo parses libtest bench output. Lines that are not bench results
// are ignored.
func ParseCargo(r io.Reader) ([]types.Measurement, error) {
	var out measurements
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		m := cargoLine.FindStringSubmatch(strings.TrimSpace(sc.Text()))
		if m == nil {
			continue
		}
		value, err := parseNumber(m[2])
		if err != nil {
			return nil, fmt.Errorf("bench %s: %w", m[1], err)
		}
		spread, err := parseNumber(m[4])
		if err != nil {
			return nil, fmt.Errorf("bench %s: %w", m[1], err)
		}
		out.add(types.Measurement{Name: m[1], Value: value, Variability: spread, Unit: m[3]})
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read cargo output: %w", err)
	}
	return out.list, nil
}

// BenchmarkFib10-8   	 3000000	       429 ns/op	     0 B/op	       0 allocs/op
var goLine = regexp.MustCompile(`^(Benchmark\S+?)(?:-(\d+))?\s+(\d+)\s+(.+)$`)

// ParseGoTest parses "go test -bench" output. The ns/op metric keeps the
// benchmark name; other metrics are named "<benchmark> - <unit>".
func ParseGoTest(r io.Reader) ([]types.Measurement, error) {
	var out measurements
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		m := goLine.FindStringSubmatch(strings.TrimSpace(sc.Text()))
		if m == nil {
			continue
		}
		name, procs, iterations := m[1], m[2], m[3]
		extra := iterations + " times"
		if procs != "" {
			extra += "\n" + procs + " procs"
		}

		fields := strings.Fields(m[4])
		if len(fields)%2 != 0 {
			log.Debug("skipping malformed benchmark line", "line", sc.Text())
			continue
		}
		for i := 0; i < len(fields); i += 2 {
			value, err := parseNumber(fields[i])
			if err != nil {
				return nil, fmt.Errorf("benchmark %s: %w", name, err)
			}
			unit := fields[i+1]
			mname := name
			if unit != "ns/op" {
				mname = name + " - " + unit
			}
			out.add(types.Measurement{Name: mname, Value: value, Unit: unit, Extra: extra})
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read go test output: %w", err)
	}
	return out.list, nil
}

// ParseJSON parses a JSON array of measurements in the persisted notation.
func ParseJSON(r io.Reader) ([]types.Measurement, error) {
	var in []types.Measurement
	if err := json.NewDecoder(r).Decode(&in); err != nil {
		return nil, errors.NewMalformed("benchmark json", err)
	}
	var out measurements
	for _, m := range in {
		out.add(m)
	}
	return out.list, nil
}

// measurements keeps the first result per name; repeated runs of one
// benchmark (go test -count) would otherwise collide within an entry.
type measurements struct {
	list []types.Measurement
	seen map[string]bool
}

func (ms *measurements) add(m types.Measurement) {
	if ms.seen == nil {
		ms.seen = make(map[string]bool)
	}
	if ms.seen[m.Name] {
		log.Debug("ignoring repeated result", "name", m.Name)
		return
	}
	ms.seen[m.Name] = true
	ms.list = append(ms.list, m)
}

func parseNumber(s string) (float64, error) {
	v, err := strconv.ParseFloat(strings.ReplaceAll(s, ",", ""), 64)
	if err != nil {
		return 0, errors.NewInvalidEntry("value", fmt.Sprintf("%q is not a number", s))
	}
	return v, nil
}
