package wal

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"lsmkv/pkg/config"
	"lsmkv/pkg/dberrors"
	"lsmkv/pkg/fsutil"
	"lsmkv/pkg/listener"
	"lsmkv/pkg/types"
)

// Record framing:
//
//	crc32c(payload) uint32 | len(payload) uint32 | payload
//	payload = seq uint64 | kind uint8 | uvarint keyLen | key | uvarint valueLen | value
//
// All fixed-width integers are little endian.
const (
	headerSize = 8

	// MaxRecordSize bounds one record so that a corrupt length prefix can't
	// make replay allocate arbitrary amounts of memory.
	MaxRecordSize = 64 << 20
)

var (
	crcTable = crc32.MakeTable(crc32.Castagnoli)

	ErrClosed    = errors.New("wal: closed")
	ErrTooLarge  = errors.New("wal: record too large")
	errShortData = errors.New("short payload")
)

type Record = types.Record

// Options controls durability of appends.
type Options struct {
	Sync         config.SyncMode
	SyncInterval time.Duration
	Logger       *slog.Logger
}

func (o Options) norm() Options {
	if o.Sync == "" {
		o.Sync = config.SyncAlways
	}
	if o.Sync == config.SyncBatch && o.SyncInterval <= 0 {
		o.SyncInterval = 10 * time.Millisecond
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}

// WAL is one append-only log file. Appends are serialized by the caller's
// write lock and additionally by mu, which also guards the background sync.
type WAL struct {
	mu     sync.Mutex
	file   *os.File
	writer *bufio.Writer
	path   string
	gen    uint64
	opts   Options
	log    *slog.Logger

	size  int64 // end offset of the last complete record
	dirty bool  // bytes written since the last fsync
	err   error // sticky failure, see Append

	syncer *listener.Listener[struct{}]
	buf    []byte
}

// Create creates a new log file with the given generation in dir. It fails if
// the file already exists.
func Create(dir string, gen uint64, opts Options) (*WAL, error) {
	opts = opts.norm()
	path := fsutil.WALPath(dir, gen)

	file, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return nil, dberrors.NewIOError("create wal", path, err)
	}
	if err := fsutil.SyncDir(dir); err != nil {
		_ = file.Close()
		return nil, dberrors.NewIOError("sync dir", dir, err)
	}

	w := &WAL{
		file:   file,
		writer: bufio.NewWriterSize(file, 64<<10),
		path:   path,
		gen:    gen,
		opts:   opts,
		log:    opts.Logger.With("component", "wal", "gen", gen),
	}

	if opts.Sync == config.SyncBatch {
		w.syncer = listener.New[struct{}](nil, func(context.Context, struct{}) error {
			return w.Sync()
		},
			listener.WithTick(opts.SyncInterval, struct{}{}),
			listener.WithErrorHandler[struct{}](func(err error) {
				w.log.Error("background wal sync failed", "error", err)
			}),
		)
		w.syncer.Start(context.Background())
	}

	return w, nil
}

func (w *WAL) Gen() uint64  { return w.gen }
func (w *WAL) Path() string { return w.path }

// Size returns the offset just past the last complete record.
func (w *WAL) Size() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.size
}

// Append frames rec and writes it to the log. In SyncAlways mode the record is
// on stable storage when Append returns nil. The returned offset is the end
// of the record.
//
// A failed write is rolled back by truncating the file to the last complete
// record, so that later records stay replayable. If the rollback itself fails
// the log is unusable and every further Append returns the same error.
func (w *WAL) Append(rec Record) (int64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.file == nil {
		return 0, ErrClosed
	}
	if w.err != nil {
		return 0, w.err
	}

	payload, err := w.encode(rec)
	if err != nil {
		return 0, err
	}

	var hdr [headerSize]byte
	binary.LittleEndian.PutUint32(hdr[0:4], crc32.Checksum(payload, crcTable))
	binary.LittleEndian.PutUint32(hdr[4:8], uint32(len(payload)))

	if err := w.write(hdr[:], payload); err != nil {
		w.rollback()
		return 0, dberrors.NewIOError("append wal", w.path, err)
	}

	if w.opts.Sync == config.SyncAlways {
		if err := w.file.Sync(); err != nil {
			w.rollback()
			return 0, dberrors.NewIOError("sync wal", w.path, err)
		}
	} else {
		w.dirty = true
	}

	w.size += int64(headerSize + len(payload))
	return w.size, nil
}

func (w *WAL) write(hdr, payload []byte) error {
	if _, err := w.writer.Write(hdr); err != nil {
		return err
	}
	if _, err := w.writer.Write(payload); err != nil {
		return err
	}
	return w.writer.Flush()
}

// rollback drops a partially written record.
func (w *WAL) rollback() {
	w.writer.Reset(w.file)
	if err := w.file.Truncate(w.size); err != nil {
		w.err = dberrors.NewIOError("truncate wal", w.path, err)
		w.log.Error("wal rollback failed, log is now read-only", "error", err)
		return
	}
	w.log.Warn("rolled back partial wal record", "offset", w.size)
}

func (w *WAL) encode(rec Record) ([]byte, error) {
	size := 8 + 1 + 2*binary.MaxVarintLen64 + len(rec.Key) + len(rec.Value)
	if size > MaxRecordSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrTooLarge, size)
	}

	buf := w.buf[:0]
	if cap(buf) < size {
		buf = make([]byte, 0, size)
	}

	buf = binary.LittleEndian.AppendUint64(buf, rec.SeqN)
	buf = append(buf, byte(rec.Kind))
	buf = binary.AppendUvarint(buf, uint64(len(rec.Key)))
	buf = append(buf, rec.Key...)
	buf = binary.AppendUvarint(buf, uint64(len(rec.Value)))
	buf = append(buf, rec.Value...)

	w.buf = buf
	return buf, nil
}

// Sync forces buffered records to stable storage.
func (w *WAL) Sync() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.sync()
}

func (w *WAL) sync() error {
	if w.file == nil {
		return ErrClosed
	}
	if !w.dirty {
		return nil
	}
	if err := w.writer.Flush(); err != nil {
		return dberrors.NewIOError("flush wal", w.path, err)
	}
	if err := w.file.Sync(); err != nil {
		return dberrors.NewIOError("sync wal", w.path, err)
	}
	w.dirty = false
	return nil
}

// Close syncs and closes the file. Calling Close twice is a no-op.
func (w *WAL) Close() error {
	if w.syncer != nil {
		w.syncer.Stop()
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.file == nil {
		return nil
	}

	err := w.sync()
	if cerr := w.file.Close(); cerr != nil && err == nil {
		err = dberrors.NewIOError("close wal", w.path, cerr)
	}
	w.file = nil
	w.writer = nil

	return err
}

// ReplayResult summarizes one replayed log.
type ReplayResult struct {
	Records     int
	LastSeqN    types.SeqN
	ValidOffset int64 // end of the last intact record
	Truncated   bool  // replay stopped at an invalid record before EOF
	Reason      string
}

// Replay calls fn for every intact record in the file at path, in write
// order. Replay stops at the first record that is short, oversized or fails
// its checksum and reports it in the result instead of failing, since a torn
// tail is the expected shape of a crash in the middle of an append. Only
// errors from opening the file or from fn are returned.
func Replay(path string, fn func(Record) error) (ReplayResult, error) {
	var res ReplayResult

	file, err := os.Open(path)
	if err != nil {
		return res, dberrors.NewIOError("open wal", path, err)
	}
	defer func() {
		if cerr := file.Close(); cerr != nil {
			slog.Warn("failed to close WAL read file", "path", path, "error", cerr)
		}
	}()

	reader := bufio.NewReaderSize(file, 64<<10)
	var (
		hdr     [headerSize]byte
		payload []byte
	)

	stop := func(reason string) (ReplayResult, error) {
		res.Truncated = true
		res.Reason = reason
		return res, nil
	}

	for {
		if _, err := io.ReadFull(reader, hdr[:]); err != nil {
			if errors.Is(err, io.EOF) {
				return res, nil
			}
			if errors.Is(err, io.ErrUnexpectedEOF) {
				return stop("torn record header")
			}
			return res, dberrors.NewIOError("read wal", path, err)
		}

		crc := binary.LittleEndian.Uint32(hdr[0:4])
		n := binary.LittleEndian.Uint32(hdr[4:8])
		if n == 0 || n > MaxRecordSize {
			return stop(fmt.Sprintf("invalid record length %d", n))
		}

		if cap(payload) < int(n) {
			payload = make([]byte, n)
		}
		payload = payload[:n]
		if _, err := io.ReadFull(reader, payload); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return stop("torn record payload")
			}
			return res, dberrors.NewIOError("read wal", path, err)
		}

		if crc32.Checksum(payload, crcTable) != crc {
			return stop("checksum mismatch")
		}

		rec, err := decode(payload)
		if err != nil {
			return stop(err.Error())
		}

		if err := fn(rec); err != nil {
			return res, fmt.Errorf("WAL replay callback failed: %w", err)
		}

		res.Records++
		res.ValidOffset += int64(headerSize) + int64(n)
		if rec.SeqN > res.LastSeqN {
			res.LastSeqN = rec.SeqN
		}
	}
}

func decode(p []byte) (Record, error) {
	var rec Record
	if len(p) < 9 {
		return rec, errShortData
	}

	rec.SeqN = binary.LittleEndian.Uint64(p[0:8])
	rec.Kind = types.Kind(p[8])
	if rec.Kind != types.KindPut && rec.Kind != types.KindDelete {
		return rec, fmt.Errorf("unknown record kind %d", p[8])
	}
	p = p[9:]

	key, p, err := readBytes(p)
	if err != nil {
		return rec, err
	}
	value, p, err := readBytes(p)
	if err != nil {
		return rec, err
	}
	if len(p) != 0 {
		return rec, fmt.Errorf("%d trailing bytes", len(p))
	}

	// copy out of the reused replay buffer
	rec.Key = types.Clone(key)
	if rec.Kind == types.KindPut {
		rec.Value = append([]byte{}, value...)
	}

	return rec, nil
}

func readBytes(p []byte) ([]byte, []byte, error) {
	n, k := binary.Uvarint(p)
	if k <= 0 || uint64(len(p)-k) < n {
		return nil, nil, errShortData
	}
	p = p[k:]
	return p[:n], p[n:], nil
}
