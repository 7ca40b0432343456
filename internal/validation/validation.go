// Package validation checks suite names and entries before they are stored.
package validation

import (
	"fmt"
	"math"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/xtxerr/benchkeeper/internal/errors"
	"github.com/xtxerr/benchkeeper/internal/storage/types"
)

// =============================================================================
// Suite names
// =============================================================================

// MaxSuiteNameLength bounds suite names, in runes.
const MaxSuiteNameLength = 128

// ValidateSuiteName checks a suite name. Suites are usually named after the
// CI job ("Rust Benchmark"), so letters, digits, spaces, dots, hyphens and
// underscores are accepted. Names are also used in file paths, so path
// separators and dot names are not.
func ValidateSuiteName(name string) error {
	if err := checkSuiteName(name); err != nil {
		return fmt.Errorf("suite %q: %w: %v", name, errors.ErrInvalidName, err)
	}
	return nil
}

func checkSuiteName(name string) error {
	switch n := utf8.RuneCountInString(name); {
	case n == 0:
		return fmt.Errorf("empty")
	case n > MaxSuiteNameLength:
		return fmt.Errorf("longer than %d characters", MaxSuiteNameLength)
	}
	if strings.HasPrefix(name, ".") {
		return fmt.Errorf("starts with '.'")
	}
	if strings.TrimSpace(name) != name {
		return fmt.Errorf("leading or trailing whitespace")
	}

	for i, r := range name {
		switch {
		case unicode.IsLetter(r), unicode.IsDigit(r):
		case r == ' ', r == '.', r == '-', r == '_':
		case unicode.IsControl(r):
			return fmt.Errorf("control character at byte %d", i)
		default:
			return fmt.Errorf("character %q at byte %d not allowed", r, i)
		}
	}
	return nil
}

// =============================================================================
// Entries
// =============================================================================

// EntryRules configures entry validation.
type EntryRules struct {
	// TimeUnits are units whose values are durations and must not be negative.
	TimeUnits map[string]bool
}

func NewEntryRules(timeUnits []string) EntryRules {
	set := make(map[string]bool, len(timeUnits))
	for _, u := range timeUnits {
		set[u] = true
	}
	return EntryRules{TimeUnits: set}
}

// ValidateEntry checks an entry before it is appended. Every problem is
// reported; the error wraps ErrInvalidEntry.
func ValidateEntry(e *types.CommitEntry, rules EntryRules) error {
	errs := errors.NewValidationErrors()
	required := func(field, v string) {
		if strings.TrimSpace(v) == "" {
			errs.Add(errors.NewInvalidEntry(field, "must not be empty"))
		}
	}

	required("commit.id", e.Commit.ID)
	required("tool", e.Tool)
	if len(e.Measurements) == 0 {
		errs.Add(errors.NewInvalidEntry("benches", "at least one measurement is required"))
	}

	seen := make(map[string]struct{}, len(e.Measurements))
	for i := range e.Measurements {
		m := &e.Measurements[i]
		field := fmt.Sprintf("benches[%d]", i)

		if err := checkMeasurementName(m.Name); err != nil {
			errs.Add(errors.NewInvalidEntry(field+".name", err.Error()))
			continue
		}
		if _, dup := seen[m.Name]; dup {
			errs.Add(errors.NewInvalidEntry(field+".name", fmt.Sprintf("duplicate measurement %q", m.Name)))
		}
		seen[m.Name] = struct{}{}

		for _, p := range measurementProblems(m, rules) {
			errs.Add(errors.NewInvalidEntry(field+"."+p.field, p.reason))
		}
	}
	return errs.Err()
}

type problem struct{ field, reason string }

func measurementProblems(m *types.Measurement, rules EntryRules) []problem {
	var out []problem
	switch {
	case math.IsNaN(m.Value) || math.IsInf(m.Value, 0):
		out = append(out, problem{"value", "must be finite"})
	case m.Value < 0 && rules.TimeUnits[m.Unit]:
		out = append(out, problem{"value", "negative duration in " + m.Unit})
	}
	if math.IsNaN(m.Variability) || math.IsInf(m.Variability, 0) || m.Variability < 0 {
		out = append(out, problem{"range", "variability must be finite and >= 0"})
	}
	if strings.TrimSpace(m.Unit) == "" {
		out = append(out, problem{"unit", "must not be empty"})
	}
	return out
}

// Measurement names come from harness output ("BenchmarkParse/size=64-8"),
// so only emptiness and control characters are rejected.
func checkMeasurementName(name string) error {
	if strings.TrimSpace(name) == "" {
		return fmt.Errorf("must not be empty")
	}
	if i := strings.IndexFunc(name, unicode.IsControl); i >= 0 {
		return fmt.Errorf("control character at byte %d", i)
	}
	return nil
}

// =============================================================================
// SQL LIKE
// =============================================================================

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`, `[`, `\[`, `]`, `\]`)

// EscapeLikePattern escapes LIKE metacharacters, using backslash as the
// escape character.
func EscapeLikePattern(pattern string) string {
	return likeEscaper.Replace(pattern)
}

// SafeLikePrefix returns a LIKE pattern matching strings that start with
// prefix.
func SafeLikePrefix(prefix string) string {
	return EscapeLikePattern(prefix) + "%"
}
