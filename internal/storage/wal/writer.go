package wal

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"sync"

	"github.com/xtxerr/benchkeeper/internal/errors"
)

// Segment layout:
//
//	header  magic (8) | version (4)
//	record  payload length (4) | crc32 of payload (4) | payload
//
// Payloads are protobuf-encoded Records. Segment names are the zero-padded
// sequence number, so lexical and numeric order agree.
const (
	walMagic         = 0x424B5057414C0001 // "BKPWAL" + version 1
	walVersion       = 1
	headerSize       = 12
	recordHeaderSize = 8

	segmentExt     = ".wal"
	segmentNameLen = 16
)

// SyncMode controls when written records reach stable storage.
type SyncMode string

const (
	SyncAsync SyncMode = "async" // buffered until Sync, rotation or Close
	SyncFlush SyncMode = "sync"  // handed to the OS after every record
	SyncFsync SyncMode = "fsync" // fsynced after every record
)

// Options configures the WAL writer.
type Options struct {
	// MaxSegmentSize rotates to a new segment once exceeded. Default: 16MB
	MaxSegmentSize int64

	// SyncMode is one of "async", "sync", "fsync". Default: fsync
	SyncMode string

	// BufferSize is the write buffer per segment. Default: 64KB
	BufferSize int
}

// DefaultOptions returns default WAL options.
func DefaultOptions() Options {
	return Options{
		MaxSegmentSize: 16 * 1024 * 1024,
		SyncMode:       string(SyncFsync),
		BufferSize:     64 * 1024,
	}
}

// WriterStats holds WAL writer statistics.
type WriterStats struct {
	Segments int64
	Records  int64
	Bytes    int64
	Syncs    int64
	Errors   int64
}

// =============================================================================
// Segment
// =============================================================================

type segment struct {
	seq     int64
	path    string
	file    *os.File
	buf     *bufio.Writer
	size    int64
	records int
}

func segmentPath(dir string, seq int64) string {
	return filepath.Join(dir, fmt.Sprintf("%0*d%s", segmentNameLen, seq, segmentExt))
}

// parseSegmentName returns the sequence number of a segment file name.
func parseSegmentName(name string) (int64, bool) {
	num, ok := strings.CutSuffix(name, segmentExt)
	if !ok || len(num) != segmentNameLen {
		return 0, false
	}
	seq, err := strconv.ParseInt(num, 10, 64)
	if err != nil || seq < 0 {
		return 0, false
	}
	return seq, true
}

func createSegment(dir string, seq int64, bufSize int) (*segment, error) {
	path := segmentPath(dir, seq)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0644)
	if err != nil {
		return nil, fmt.Errorf("create segment %s: %w", path, err)
	}

	var header [headerSize]byte
	binary.LittleEndian.PutUint64(header[0:8], walMagic)
	binary.LittleEndian.PutUint32(header[8:12], walVersion)
	if _, err := f.Write(header[:]); err != nil {
		f.Close()
		os.Remove(path)
		return nil, fmt.Errorf("write segment header: %w", err)
	}

	return &segment{
		seq:  seq,
		path: path,
		file: f,
		buf:  bufio.NewWriterSize(f, bufSize),
		size: headerSize,
	}, nil
}

// append frames payload and returns the bytes added to the segment.
func (s *segment) append(payload []byte) (int64, error) {
	var frame [recordHeaderSize]byte
	binary.LittleEndian.PutUint32(frame[0:4], uint32(len(payload)))
	binary.LittleEndian.PutUint32(frame[4:8], crc32.ChecksumIEEE(payload))

	if _, err := s.buf.Write(frame[:]); err != nil {
		return 0, err
	}
	if _, err := s.buf.Write(payload); err != nil {
		return 0, err
	}

	n := int64(recordHeaderSize + len(payload))
	s.size += n
	s.records++
	return n, nil
}

func (s *segment) flush(fsync bool) error {
	if err := s.buf.Flush(); err != nil {
		return err
	}
	if fsync {
		return s.file.Sync()
	}
	return nil
}

// close flushes and closes the file. A torn record left at the tail by a
// failed flush is tolerated by the reader.
func (s *segment) close(fsync bool) error {
	err := s.flush(fsync)
	if cerr := s.file.Close(); err == nil {
		err = cerr
	}
	return err
}

// =============================================================================
// Writer
// =============================================================================

// Writer appends records to a directory of segment files. It is safe for
// concurrent use.
type Writer struct {
	mu    sync.Mutex
	dir   string
	opts  Options
	mode  SyncMode
	seg   *segment
	next  int64
	stats WriterStats
}

// NewWriter opens dir for appending. Existing segments are left untouched;
// writing continues in a new segment after the highest one.
func NewWriter(dir string, opts Options) (*Writer, error) {
	def := DefaultOptions()
	if opts.MaxSegmentSize <= 0 {
		opts.MaxSegmentSize = def.MaxSegmentSize
	}
	if opts.BufferSize <= 0 {
		opts.BufferSize = def.BufferSize
	}
	if opts.SyncMode == "" {
		opts.SyncMode = def.SyncMode
	}

	mode := SyncMode(opts.SyncMode)
	switch mode {
	case SyncAsync, SyncFlush, SyncFsync:
	default:
		return nil, errors.NewInvalidValue("sync_mode", opts.SyncMode, "must be async, sync or fsync")
	}

	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create wal dir: %w", err)
	}

	seqs, err := segmentSeqs(dir)
	if err != nil {
		return nil, fmt.Errorf("list segments: %w", err)
	}

	w := &Writer{dir: dir, opts: opts, mode: mode}
	if len(seqs) > 0 {
		w.next = seqs[len(seqs)-1] + 1
	}
	if err := w.rotateLocked(); err != nil {
		return nil, err
	}
	return w, nil
}

// Write appends rec to the current segment, rotating first when the record
// would push the segment past MaxSegmentSize.
func (w *Writer) Write(rec Record) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.seg == nil {
		return fmt.Errorf("wal write: %w", errors.ErrStoreClosed)
	}

	payload := encodeRecord(&rec)
	if w.seg.records > 0 && w.seg.size+int64(recordHeaderSize+len(payload)) > w.opts.MaxSegmentSize {
		if err := w.rotateLocked(); err != nil {
			w.stats.Errors++
			return err
		}
	}

	n, err := w.seg.append(payload)
	if err != nil {
		w.stats.Errors++
		return fmt.Errorf("write record: %w", err)
	}
	w.stats.Records++
	w.stats.Bytes += n

	if w.mode != SyncAsync {
		if err := w.syncLocked(); err != nil {
			w.stats.Errors++
			return fmt.Errorf("sync: %w", err)
		}
	}
	return nil
}

// Sync flushes buffered records, fsyncing unless the mode is "sync".
func (w *Writer) Sync() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.syncLocked()
}

func (w *Writer) syncLocked() error {
	if w.seg == nil {
		return nil
	}
	if err := w.seg.flush(w.mode != SyncFlush); err != nil {
		return err
	}
	w.stats.Syncs++
	return nil
}

// Rotate closes the current segment and starts a new one.
func (w *Writer) Rotate() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.seg == nil {
		return fmt.Errorf("wal rotate: %w", errors.ErrStoreClosed)
	}
	return w.rotateLocked()
}

func (w *Writer) rotateLocked() error {
	if w.seg != nil {
		w.seg.close(true)
		w.seg = nil
	}
	seg, err := createSegment(w.dir, w.next, w.opts.BufferSize)
	if err != nil {
		return err
	}
	w.seg = seg
	w.next++
	w.stats.Segments++
	return nil
}

// Truncate drops every segment before the current one, rotating first when
// the current segment holds records. Call it once the records are covered by
// a snapshot. It returns the number of segments removed.
func (w *Writer) Truncate() (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.seg == nil {
		return 0, fmt.Errorf("wal truncate: %w", errors.ErrStoreClosed)
	}
	if w.seg.records > 0 {
		if err := w.rotateLocked(); err != nil {
			return 0, err
		}
	}

	seqs, err := segmentSeqs(w.dir)
	if err != nil {
		return 0, err
	}
	var errs []error
	removed := 0
	for _, seq := range seqs {
		if seq >= w.seg.seq {
			break
		}
		if err := os.Remove(segmentPath(w.dir, seq)); err != nil && !os.IsNotExist(err) {
			errs = append(errs, err)
			continue
		}
		removed++
	}
	return removed, errors.Join(errs...)
}

// Close flushes and closes the current segment.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.seg == nil {
		return nil
	}
	err := w.seg.close(w.mode != SyncFlush)
	w.seg = nil
	return err
}

// Stats returns writer statistics.
func (w *Writer) Stats() WriterStats {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.stats
}

// CurrentSegment returns the path of the segment being written.
func (w *Writer) CurrentSegment() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.seg == nil {
		return ""
	}
	return w.seg.path
}

// Segments returns the writer's segment paths in order.
func (w *Writer) Segments() ([]string, error) {
	return ListSegments(w.dir)
}

// ListSegments returns the segment paths in dir in order. A missing
// directory has no segments.
func ListSegments(dir string) ([]string, error) {
	seqs, err := segmentSeqs(dir)
	if err != nil {
		return nil, err
	}
	paths := make([]string, len(seqs))
	for i, seq := range seqs {
		paths[i] = segmentPath(dir, seq)
	}
	return paths, nil
}

func segmentSeqs(dir string) ([]int64, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var seqs []int64
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if seq, ok := parseSegmentName(e.Name()); ok {
			seqs = append(seqs, seq)
		}
	}
	slices.Sort(seqs)
	return seqs, nil
}
