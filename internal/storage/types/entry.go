package types

import (
	"fmt"
	"slices"
	"time"
)

// Person identifies a commit author or committer.
// Email and username are optional; both forms occur in stored histories.
type Person struct {
	Email    string `json:"email,omitempty"`
	Name     string `json:"name"`
	Username string `json:"username,omitempty"`
}

// Commit is the VCS metadata needed to key and order an entry.
type Commit struct {
	Author    Person    `json:"author"`
	Committer Person    `json:"committer"`
	Distinct  *bool     `json:"distinct,omitempty"`
	ID        string    `json:"id"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp,omitzero"`
	TreeID    string    `json:"tree_id,omitempty"`
	URL       string    `json:"url"`
}

// CommitEntry is everything one benchmark run produced at one commit.
type CommitEntry struct {
	Commit       Commit        `json:"commit"`
	DateMs       int64         `json:"date"` // Ingestion instant, unix milliseconds
	Tool         string        `json:"tool"`
	Measurements []Measurement `json:"benches"`
}

// EntryKey is the duplicate-detection key of an entry within a suite.
type EntryKey struct {
	CommitID string
	Tool     string
}

// Key returns the (commit id, tool) pair identifying this run.
func (e *CommitEntry) Key() EntryKey {
	return EntryKey{CommitID: e.Commit.ID, Tool: e.Tool}
}

// Date returns the ingestion instant as a time.Time.
func (e *CommitEntry) Date() time.Time {
	return time.UnixMilli(e.DateMs)
}

// Measurement returns the measurement with the given name, if present.
func (e *CommitEntry) Measurement(name string) (Measurement, bool) {
	for _, m := range e.Measurements {
		if m.Name == name {
			return m, true
		}
	}
	return Measurement{}, false
}

// Names returns the measurement names in entry order.
func (e *CommitEntry) Names() []string {
	names := make([]string, len(e.Measurements))
	for i, m := range e.Measurements {
		names[i] = m.Name
	}
	return names
}

// SameMeasurements reports whether two entries carry an identical set of
// measurements, ignoring order.
func (e *CommitEntry) SameMeasurements(other *CommitEntry) bool {
	if len(e.Measurements) != len(other.Measurements) {
		return false
	}
	for _, m := range e.Measurements {
		o, ok := other.Measurement(m.Name)
		if !ok || o != m {
			return false
		}
	}
	return true
}

// Clone returns a deep copy so callers can never alias stored state.
func (e *CommitEntry) Clone() CommitEntry {
	c := *e
	c.Measurements = slices.Clone(e.Measurements)
	if e.Commit.Distinct != nil {
		d := *e.Commit.Distinct
		c.Commit.Distinct = &d
	}
	return c
}

// Range selects a window of a series.
// From and To bound the ingestion date (inclusive, zero means open).
// Latest, when positive, keeps only the last Latest matching entries.
type Range struct {
	From   time.Time
	To     time.Time
	Latest int
}

// Contains reports whether an entry's ingestion date falls inside the bounds.
func (r Range) Contains(e *CommitEntry) bool {
	d := e.Date()
	if !r.From.IsZero() && d.Before(r.From) {
		return false
	}
	if !r.To.IsZero() && d.After(r.To) {
		return false
	}
	return true
}

// AppendResult reports what an append did.
type AppendResult int

const (
	// Appended means the entry was stored.
	Appended AppendResult = iota
	// DuplicateIgnored means an entry with the same key already existed and
	// the idempotent policy skipped this one.
	DuplicateIgnored
	// DuplicateAppended means the key already existed and the entry was
	// stored anyway under the append policy.
	DuplicateAppended
)

// String returns a human-readable representation of the AppendResult.
func (r AppendResult) String() string {
	switch r {
	case Appended:
		return "appended"
	case DuplicateIgnored:
		return "duplicate_ignored"
	case DuplicateAppended:
		return "duplicate_appended"
	default:
		return "unknown"
	}
}

// MarshalText implements encoding.TextMarshaler.
func (r AppendResult) MarshalText() ([]byte, error) {
	return []byte(r.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (r *AppendResult) UnmarshalText(b []byte) error {
	for _, v := range []AppendResult{Appended, DuplicateIgnored, DuplicateAppended} {
		if v.String() == string(b) {
			*r = v
			return nil
		}
	}
	return fmt.Errorf("unknown append result %q", b)
}
