package wal

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
	"os"

	"github.com/xtxerr/benchkeeper/internal/errors"
)

// A length beyond this cannot come from the writer and is treated like a
// torn write.
const maxRecordSize = 64 * 1024 * 1024

// ReaderStats summarizes what a read found.
type ReaderStats struct {
	RecordsRead    int64
	CorruptRecords int64
	TruncatedTail  bool // the segment ends inside a record
}

func (s *ReaderStats) merge(o ReaderStats) {
	s.RecordsRead += o.RecordsRead
	s.CorruptRecords += o.CorruptRecords
	s.TruncatedTail = s.TruncatedTail || o.TruncatedTail
}

// Reader reads the records of one segment.
type Reader struct {
	file  *os.File
	br    *bufio.Reader
	stats ReaderStats
}

// NewReader opens a segment and checks its header.
func NewReader(path string) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open segment: %w", err)
	}
	br := bufio.NewReader(f)

	var header [headerSize]byte
	if _, err := io.ReadFull(br, header[:]); err != nil {
		f.Close()
		return nil, fmt.Errorf("read segment header: %w", err)
	}
	if magic := binary.LittleEndian.Uint64(header[0:8]); magic != walMagic {
		f.Close()
		return nil, fmt.Errorf("%s is not a wal segment (magic %x)", path, magic)
	}
	if v := binary.LittleEndian.Uint32(header[8:12]); v != walVersion {
		f.Close()
		return nil, fmt.Errorf("segment %s: unsupported version %d", path, v)
	}
	return &Reader{file: f, br: br}, nil
}

// Next returns the next record. It returns io.EOF at a clean end and an
// error wrapping io.ErrUnexpectedEOF when the segment ends inside a record.
// Any other error marks a corrupt record that has been skipped; reading can
// continue.
func (r *Reader) Next() (Record, error) {
	var frame [recordHeaderSize]byte
	if _, err := io.ReadFull(r.br, frame[:]); err != nil {
		if err == io.EOF {
			return Record{}, io.EOF
		}
		return Record{}, fmt.Errorf("record header: %w", err)
	}

	size := binary.LittleEndian.Uint32(frame[0:4])
	sum := binary.LittleEndian.Uint32(frame[4:8])
	if size > maxRecordSize {
		return Record{}, fmt.Errorf("record length %d: %w", size, io.ErrUnexpectedEOF)
	}

	payload := make([]byte, size)
	if _, err := io.ReadFull(r.br, payload); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return Record{}, fmt.Errorf("record payload: %w", err)
	}

	if got := crc32.ChecksumIEEE(payload); got != sum {
		return Record{}, errors.NewMalformed("wal record",
			fmt.Errorf("checksum %08x, want %08x", got, sum))
	}
	rec, err := decodeRecord(payload)
	if err != nil {
		return Record{}, err
	}
	r.stats.RecordsRead++
	return rec, nil
}

// ReadAll reads the rest of the segment, skipping corrupt records. A torn
// record ends the read.
func (r *Reader) ReadAll() []Record {
	var out []Record
	for {
		rec, err := r.Next()
		switch {
		case err == io.EOF:
			return out
		case errors.Is(err, io.ErrUnexpectedEOF):
			r.stats.TruncatedTail = true
			return out
		case err != nil:
			r.stats.CorruptRecords++
		default:
			out = append(out, rec)
		}
	}
}

func (r *Reader) Stats() ReaderStats { return r.stats }

func (r *Reader) Close() error { return r.file.Close() }

// ReadSegment reads every intact record of one segment.
func ReadSegment(path string) ([]Record, ReaderStats, error) {
	r, err := NewReader(path)
	if err != nil {
		return nil, ReaderStats{}, err
	}
	defer r.Close()

	records := r.ReadAll()
	return records, r.Stats(), nil
}

// ReadAllSegments reads segments in the given order. A segment whose header
// never reached the disk counts as a torn tail.
func ReadAllSegments(paths []string) ([]Record, ReaderStats, error) {
	var (
		all   []Record
		total ReaderStats
	)
	for _, path := range paths {
		records, stats, err := ReadSegment(path)
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			total.TruncatedTail = true
			continue
		}
		if err != nil {
			return nil, total, fmt.Errorf("read segment %s: %w", path, err)
		}
		all = append(all, records...)
		total.merge(stats)
	}
	return all, total, nil
}
