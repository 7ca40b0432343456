package types

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/xtxerr/benchkeeper/internal/errors"
)

// JSPrefix is the assignment github-action-benchmark puts in front of data.js.
const JSPrefix = "window.BENCHMARK_DATA = "

// Document is the persisted history of all suites.
type Document struct {
	LastUpdate int64                    `json:"lastUpdate"` // Unix milliseconds
	RepoURL    string                   `json:"repoUrl"`
	Entries    map[string][]CommitEntry `json:"entries"`
}

// NewDocument returns an empty document.
func NewDocument(repoURL string) *Document {
	return &Document{RepoURL: repoURL, Entries: make(map[string][]CommitEntry)}
}

// Suites returns the suite names in sorted order.
func (d *Document) Suites() []string {
	names := make([]string, 0, len(d.Entries))
	for name := range d.Entries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// RawDocument is a document whose entries have not been decoded yet.
// Keeping entries raw lets a writer preserve records it cannot parse.
type RawDocument struct {
	LastUpdate int64                        `json:"lastUpdate"`
	RepoURL    string                       `json:"repoUrl"`
	Entries    map[string][]json.RawMessage `json:"entries"`
}

// Malformed describes a stored entry that failed to decode.
type Malformed struct {
	Suite string
	Index int
	Err   error
}

func (m Malformed) Error() string {
	return fmt.Sprintf("suite %q entry %d: %v", m.Suite, m.Index, m.Err)
}

// DecodeRaw parses the document envelope without decoding entries.
// The data.js JavaScript assignment prefix and a trailing semicolon are
// accepted. Empty input yields an empty document.
func DecodeRaw(data []byte) (*RawDocument, error) {
	data = bytes.TrimSpace(data)
	data = bytes.TrimPrefix(data, []byte("\uFEFF"))
	if i := bytes.IndexByte(data, '{'); i > 0 && bytes.Contains(data[:i], []byte("=")) {
		data = data[i:]
	}
	data = bytes.TrimSuffix(bytes.TrimSpace(data), []byte(";"))

	raw := &RawDocument{Entries: make(map[string][]json.RawMessage)}
	if len(data) == 0 {
		return raw, nil
	}
	if err := json.Unmarshal(data, raw); err != nil {
		return nil, errors.NewMalformed("document", err)
	}
	if raw.Entries == nil {
		raw.Entries = make(map[string][]json.RawMessage)
	}
	return raw, nil
}

// Decode decodes every entry. Entries that fail to decode are left out of
// the result and reported individually; they never fail the whole document.
func (r *RawDocument) Decode() (*Document, []Malformed) {
	doc := &Document{
		LastUpdate: r.LastUpdate,
		RepoURL:    r.RepoURL,
		Entries:    make(map[string][]CommitEntry, len(r.Entries)),
	}
	var bad []Malformed

	for suite, raws := range r.Entries {
		entries := make([]CommitEntry, 0, len(raws))
		for i, msg := range raws {
			e, err := DecodeEntry(msg)
			if err != nil {
				bad = append(bad, Malformed{Suite: suite, Index: i, Err: err})
				continue
			}
			entries = append(entries, e)
		}
		doc.Entries[suite] = entries
	}

	sort.Slice(bad, func(i, j int) bool {
		if bad[i].Suite != bad[j].Suite {
			return bad[i].Suite < bad[j].Suite
		}
		return bad[i].Index < bad[j].Index
	})
	return doc, bad
}

// DecodeDocument parses a whole document, skipping malformed entries.
func DecodeDocument(data []byte) (*Document, []Malformed, error) {
	raw, err := DecodeRaw(data)
	if err != nil {
		return nil, nil, err
	}
	doc, bad := raw.Decode()
	return doc, bad, nil
}

// DecodeEntry decodes and minimally checks a single entry.
func DecodeEntry(data []byte) (CommitEntry, error) {
	var e CommitEntry
	if err := json.Unmarshal(data, &e); err != nil {
		if errors.Is(err, errors.ErrMalformedRecord) {
			return CommitEntry{}, err
		}
		return CommitEntry{}, errors.NewMalformed("entry", err)
	}
	if e.Commit.ID == "" {
		return CommitEntry{}, fmt.Errorf("entry without commit id: %w", errors.ErrMalformedRecord)
	}
	return e, nil
}

// Encode renders the raw document, optionally as a data.js script.
func (r *RawDocument) Encode(jsPrefix bool) ([]byte, error) {
	return encode(r, jsPrefix)
}

// Encode renders the document, optionally as a data.js script.
func (d *Document) Encode(jsPrefix bool) ([]byte, error) {
	return encode(d, jsPrefix)
}

func encode(v any, jsPrefix bool) ([]byte, error) {
	body, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode document: %w", err)
	}
	if !jsPrefix {
		return append(body, '\n'), nil
	}
	out := make([]byte, 0, len(JSPrefix)+len(body)+1)
	out = append(out, JSPrefix...)
	out = append(out, body...)
	return append(out, '\n'), nil
}
