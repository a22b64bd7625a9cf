package segment

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/bits-and-blooms/bloom/v3"

	"lsmkv/pkg/config"
	"lsmkv/pkg/dberrors"
	"lsmkv/pkg/fsutil"
	"lsmkv/pkg/types"
)

var (
	ErrOutOfOrder = errors.New("segment: keys must be strictly increasing")
	ErrEmpty      = errors.New("segment: no records")
	ErrFinished   = errors.New("segment: writer already finished")
)

type WriterOptions struct {
	BlockSize   int
	Compression config.Compression
	BloomFPRate float64
}

func WriterOptionsFrom(cfg config.SegmentConfig) WriterOptions {
	return WriterOptions{
		BlockSize:   cfg.BlockSize,
		Compression: cfg.Compression,
		BloomFPRate: cfg.BloomFPRate,
	}
}

func (o WriterOptions) norm() WriterOptions {
	if o.BlockSize <= 0 {
		o.BlockSize = 4 << 10
	}
	if o.Compression == "" {
		o.Compression = config.CompressionSnappy
	}
	if o.BloomFPRate <= 0 || o.BloomFPRate >= 1 {
		o.BloomFPRate = 0.01
	}
	return o
}

// Writer builds one segment file from records added in ascending key order.
// The file is only valid after Finish; Abort removes it.
type Writer struct {
	path string
	file *os.File
	bw   *bufio.Writer
	opts WriterOptions
	typ  blockType

	offset  uint64
	block   []byte
	encoded []byte
	index   []indexEntry
	keys    [][]byte

	meta    Meta
	lastKey []byte
	done    bool
}

// NewWriter creates the file at path. It fails if the file exists.
func NewWriter(path string, gen uint64, opts WriterOptions) (*Writer, error) {
	opts = opts.norm()

	file, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, dberrors.NewIOError("create segment", path, err)
	}

	return &Writer{
		path: path,
		file: file,
		bw:   bufio.NewWriterSize(file, 256<<10),
		opts: opts,
		typ:  blockTypeFor(opts.Compression),
		meta: Meta{Gen: gen},
	}, nil
}

func (w *Writer) Path() string { return w.path }

// Count returns the number of records added so far.
func (w *Writer) Count() uint64 { return w.meta.Count }

// EstimatedSize is the number of bytes the file would have if finished now,
// not counting the bloom filter and index.
func (w *Writer) EstimatedSize() int64 {
	return int64(w.offset) + int64(len(w.block))
}

// Add appends rec. Keys must be strictly increasing.
func (w *Writer) Add(rec types.Record) error {
	if w.done {
		return ErrFinished
	}
	if w.meta.Count > 0 && types.Compare(rec.Key, w.lastKey) <= 0 {
		return fmt.Errorf("%w: %q after %q", ErrOutOfOrder, rec.Key, w.lastKey)
	}

	if rec.Kind == types.KindDelete {
		rec.Value = nil
		w.meta.Tombstones++
	}
	w.block = appendEntry(w.block, rec)
	w.lastKey = append(w.lastKey[:0], rec.Key...)
	w.keys = append(w.keys, types.Clone(rec.Key))

	if w.meta.Count == 0 {
		w.meta.MinKey = append([]byte{}, rec.Key...)
		w.meta.MinSeq = rec.SeqN
	}
	w.meta.MinSeq = min(w.meta.MinSeq, rec.SeqN)
	w.meta.MaxSeq = max(w.meta.MaxSeq, rec.SeqN)
	w.meta.Count++

	if len(w.block) >= w.opts.BlockSize {
		return w.flushBlock()
	}
	return nil
}

func (w *Writer) flushBlock() error {
	if len(w.block) == 0 {
		return nil
	}

	h, err := w.writeBlock(w.block, w.typ)
	if err != nil {
		return err
	}
	w.index = append(w.index, indexEntry{lastKey: types.Clone(w.lastKey), handle: h})
	w.block = w.block[:0]
	return nil
}

func (w *Writer) writeBlock(raw []byte, t blockType) (handle, error) {
	var err error
	w.encoded, err = encodeBlock(w.encoded[:0], raw, t)
	if err != nil {
		return handle{}, err
	}
	if _, err := w.bw.Write(w.encoded); err != nil {
		return handle{}, dberrors.NewIOError("write segment", w.path, err)
	}

	h := handle{offset: w.offset, size: uint64(len(w.encoded))}
	w.offset += uint64(len(w.encoded))
	return h, nil
}

// Finish writes the bloom filter, index, meta and footer and fsyncs the file.
// A writer without records is aborted and returns ErrEmpty.
func (w *Writer) Finish() (Meta, error) {
	if w.done {
		return Meta{}, ErrFinished
	}
	if w.meta.Count == 0 {
		_ = w.Abort()
		return Meta{}, ErrEmpty
	}

	meta, err := w.finish()
	if err != nil {
		_ = w.Abort()
		return Meta{}, err
	}
	return meta, nil
}

func (w *Writer) finish() (Meta, error) {
	if err := w.flushBlock(); err != nil {
		return Meta{}, err
	}

	filter := bloom.NewWithEstimates(uint(len(w.keys)), w.opts.BloomFPRate)
	for _, k := range w.keys {
		filter.Add(k)
	}
	bloomData, err := filter.MarshalBinary()
	if err != nil {
		return Meta{}, fmt.Errorf("marshal bloom filter: %w", err)
	}

	var ft footer
	if ft.bloom, err = w.writeBlock(bloomData, blockNone); err != nil {
		return Meta{}, err
	}

	var index []byte
	for _, ie := range w.index {
		index = appendIndexEntry(index, ie)
	}
	if ft.index, err = w.writeBlock(index, blockNone); err != nil {
		return Meta{}, err
	}

	w.meta.MaxKey = append([]byte{}, w.lastKey...)
	w.meta.Blocks = len(w.index)
	w.meta.CreatedAt = time.Now().UTC()
	metaData, err := json.Marshal(w.meta)
	if err != nil {
		return Meta{}, fmt.Errorf("marshal segment meta: %w", err)
	}
	if ft.meta, err = w.writeBlock(metaData, blockNone); err != nil {
		return Meta{}, err
	}

	if _, err := w.bw.Write(ft.encode()); err != nil {
		return Meta{}, dberrors.NewIOError("write segment", w.path, err)
	}
	if err := w.bw.Flush(); err != nil {
		return Meta{}, dberrors.NewIOError("write segment", w.path, err)
	}
	if err := w.file.Sync(); err != nil {
		return Meta{}, dberrors.NewIOError("sync segment", w.path, err)
	}
	if err := w.file.Close(); err != nil {
		return Meta{}, dberrors.NewIOError("close segment", w.path, err)
	}
	w.file = nil
	w.done = true

	if err := fsutil.SyncDir(filepath.Dir(w.path)); err != nil {
		return Meta{}, dberrors.NewIOError("sync dir", filepath.Dir(w.path), err)
	}

	w.meta.Size = int64(w.offset) + footerSize
	return w.meta, nil
}

// Abort closes and removes the partial file.
func (w *Writer) Abort() error {
	w.done = true
	if w.file != nil {
		_ = w.file.Close()
		w.file = nil
	}
	if err := os.Remove(w.path); err != nil && !os.IsNotExist(err) {
		return dberrors.NewIOError("remove segment", w.path, err)
	}
	return nil
}
