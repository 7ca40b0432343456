package wal

import (
	"fmt"
	"math"
	"time"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/xtxerr/benchkeeper/internal/storage/types"
)

// Record is one appended entry as written to the log.
type Record struct {
	Suite        string
	Seq          uint64 // Position of the entry within its suite
	LastUpdateMs int64
	Entry        types.CommitEntry
}

// Records are encoded in protobuf wire format without a generated schema.
// Field numbers:
//
//	Record:      1 suite, 2 seq, 3 last_update, 4 entry
//	Entry:       1 commit, 2 date, 3 tool, 4 measurement (repeated)
//	Commit:      1 id, 2 timestamp (RFC 3339), 3 url, 4 message,
//	             5 author, 6 committer, 7 distinct, 8 tree_id
//	Person:      1 name, 2 email, 3 username
//	Measurement: 1 name, 2 value (double), 3 variability (double), 4 unit, 5 extra

func encodeRecord(r *Record) []byte {
	buf := make([]byte, 0, 256)
	buf = appendString(buf, 1, r.Suite)
	buf = protowire.AppendTag(buf, 2, protowire.VarintType)
	buf = protowire.AppendVarint(buf, r.Seq)
	buf = protowire.AppendTag(buf, 3, protowire.VarintType)
	buf = protowire.AppendVarint(buf, uint64(r.LastUpdateMs))
	buf = protowire.AppendTag(buf, 4, protowire.BytesType)
	buf = protowire.AppendBytes(buf, encodeEntry(&r.Entry))
	return buf
}

func encodeEntry(e *types.CommitEntry) []byte {
	var buf []byte
	buf = protowire.AppendTag(buf, 1, protowire.BytesType)
	buf = protowire.AppendBytes(buf, encodeCommit(&e.Commit))
	buf = protowire.AppendTag(buf, 2, protowire.VarintType)
	buf = protowire.AppendVarint(buf, uint64(e.DateMs))
	buf = appendString(buf, 3, e.Tool)
	for i := range e.Measurements {
		buf = protowire.AppendTag(buf, 4, protowire.BytesType)
		buf = protowire.AppendBytes(buf, encodeMeasurement(&e.Measurements[i]))
	}
	return buf
}

func encodeCommit(c *types.Commit) []byte {
	var buf []byte
	buf = appendString(buf, 1, c.ID)
	if !c.Timestamp.IsZero() {
		buf = appendString(buf, 2, c.Timestamp.Format(time.RFC3339Nano))
	}
	buf = appendString(buf, 3, c.URL)
	buf = appendString(buf, 4, c.Message)
	buf = protowire.AppendTag(buf, 5, protowire.BytesType)
	buf = protowire.AppendBytes(buf, encodePerson(&c.Author))
	buf = protowire.AppendTag(buf, 6, protowire.BytesType)
	buf = protowire.AppendBytes(buf, encodePerson(&c.Committer))
	if c.Distinct != nil {
		buf = protowire.AppendTag(buf, 7, protowire.VarintType)
		buf = protowire.AppendVarint(buf, protowire.EncodeBool(*c.Distinct))
	}
	buf = appendString(buf, 8, c.TreeID)
	return buf
}

func encodePerson(p *types.Person) []byte {
	var buf []byte
	buf = appendString(buf, 1, p.Name)
	buf = appendString(buf, 2, p.Email)
	buf = appendString(buf, 3, p.Username)
	return buf
}

func encodeMeasurement(m *types.Measurement) []byte {
	var buf []byte
	buf = appendString(buf, 1, m.Name)
	buf = protowire.AppendTag(buf, 2, protowire.Fixed64Type)
	buf = protowire.AppendFixed64(buf, math.Float64bits(m.Value))
	buf = protowire.AppendTag(buf, 3, protowire.Fixed64Type)
	buf = protowire.AppendFixed64(buf, math.Float64bits(m.Variability))
	buf = appendString(buf, 4, m.Unit)
	buf = appendString(buf, 5, m.Extra)
	return buf
}

// appendString omits empty strings, as proto3 does.
func appendString(buf []byte, num protowire.Number, s string) []byte {
	if s == "" {
		return buf
	}
	buf = protowire.AppendTag(buf, num, protowire.BytesType)
	return protowire.AppendString(buf, s)
}

// fieldFunc handles one field; it returns the number of bytes consumed.
type fieldFunc func(num protowire.Number, typ protowire.Type, b []byte) (int, error)

// walkFields calls fn for every field in b. Unknown fields are skipped by
// returning -1 from fn.
func walkFields(b []byte, fn fieldFunc) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]

		m, err := fn(num, typ, b)
		if err != nil {
			return fmt.Errorf("field %d: %w", num, err)
		}
		if m < 0 {
			m = protowire.ConsumeFieldValue(num, typ, b)
			if m < 0 {
				return protowire.ParseError(m)
			}
		}
		b = b[m:]
	}
	return nil
}

func consumeVarint(b []byte, dst *uint64) (int, error) {
	v, n := protowire.ConsumeVarint(b)
	if n < 0 {
		return 0, protowire.ParseError(n)
	}
	*dst = v
	return n, nil
}

func consumeString(b []byte, dst *string) (int, error) {
	v, n := protowire.ConsumeString(b)
	if n < 0 {
		return 0, protowire.ParseError(n)
	}
	*dst = v
	return n, nil
}

func consumeDouble(b []byte, dst *float64) (int, error) {
	v, n := protowire.ConsumeFixed64(b)
	if n < 0 {
		return 0, protowire.ParseError(n)
	}
	*dst = math.Float64frombits(v)
	return n, nil
}

func consumeMessage(b []byte, decode func([]byte) error) (int, error) {
	v, n := protowire.ConsumeBytes(b)
	if n < 0 {
		return 0, protowire.ParseError(n)
	}
	return n, decode(v)
}

func decodeRecord(b []byte) (Record, error) {
	var r Record
	err := walkFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch {
		case num == 1 && typ == protowire.BytesType:
			return consumeString(b, &r.Suite)
		case num == 2 && typ == protowire.VarintType:
			return consumeVarint(b, &r.Seq)
		case num == 3 && typ == protowire.VarintType:
			var v uint64
			n, err := consumeVarint(b, &v)
			r.LastUpdateMs = int64(v)
			return n, err
		case num == 4 && typ == protowire.BytesType:
			return consumeMessage(b, func(m []byte) error {
				return decodeEntry(m, &r.Entry)
			})
		}
		return -1, nil
	})
	return r, err
}

func decodeEntry(b []byte, e *types.CommitEntry) error {
	return walkFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch {
		case num == 1 && typ == protowire.BytesType:
			return consumeMessage(b, func(m []byte) error {
				return decodeCommit(m, &e.Commit)
			})
		case num == 2 && typ == protowire.VarintType:
			var v uint64
			n, err := consumeVarint(b, &v)
			e.DateMs = int64(v)
			return n, err
		case num == 3 && typ == protowire.BytesType:
			return consumeString(b, &e.Tool)
		case num == 4 && typ == protowire.BytesType:
			return consumeMessage(b, func(m []byte) error {
				var meas types.Measurement
				if err := decodeMeasurement(m, &meas); err != nil {
					return err
				}
				e.Measurements = append(e.Measurements, meas)
				return nil
			})
		}
		return -1, nil
	})
}

func decodeCommit(b []byte, c *types.Commit) error {
	return walkFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch {
		case num == 1 && typ == protowire.BytesType:
			return consumeString(b, &c.ID)
		case num == 2 && typ == protowire.BytesType:
			var s string
			n, err := consumeString(b, &s)
			if err != nil {
				return n, err
			}
			ts, err := time.Parse(time.RFC3339Nano, s)
			if err != nil {
				return n, fmt.Errorf("timestamp: %w", err)
			}
			c.Timestamp = ts
			return n, nil
		case num == 3 && typ == protowire.BytesType:
			return consumeString(b, &c.URL)
		case num == 4 && typ == protowire.BytesType:
			return consumeString(b, &c.Message)
		case num == 5 && typ == protowire.BytesType:
			return consumeMessage(b, func(m []byte) error { return decodePerson(m, &c.Author) })
		case num == 6 && typ == protowire.BytesType:
			return consumeMessage(b, func(m []byte) error { return decodePerson(m, &c.Committer) })
		case num == 7 && typ == protowire.VarintType:
			var v uint64
			n, err := consumeVarint(b, &v)
			d := protowire.DecodeBool(v)
			c.Distinct = &d
			return n, err
		case num == 8 && typ == protowire.BytesType:
			return consumeString(b, &c.TreeID)
		}
		return -1, nil
	})
}

func decodePerson(b []byte, p *types.Person) error {
	return walkFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if typ != protowire.BytesType {
			return -1, nil
		}
		switch num {
		case 1:
			return consumeString(b, &p.Name)
		case 2:
			return consumeString(b, &p.Email)
		case 3:
			return consumeString(b, &p.Username)
		}
		return -1, nil
	})
}

func decodeMeasurement(b []byte, m *types.Measurement) error {
	return walkFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch {
		case num == 1 && typ == protowire.BytesType:
			return consumeString(b, &m.Name)
		case num == 2 && typ == protowire.Fixed64Type:
			return consumeDouble(b, &m.Value)
		case num == 3 && typ == protowire.Fixed64Type:
			return consumeDouble(b, &m.Variability)
		case num == 4 && typ == protowire.BytesType:
			return consumeString(b, &m.Unit)
		case num == 5 && typ == protowire.BytesType:
			return consumeString(b, &m.Extra)
		}
		return -1, nil
	})
}
