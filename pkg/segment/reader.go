package segment

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"sync/atomic"

	"github.com/bits-and-blooms/bloom/v3"

	"lsmkv/pkg/cache"
	"lsmkv/pkg/dberrors"
	"lsmkv/pkg/iterator"
	"lsmkv/pkg/types"
)

// Reader serves lookups and scans from one immutable segment file.
//
// Readers are reference counted. Open returns a reader with one reference
// held by the caller. When the last reference is dropped the file is closed,
// and if the reader was marked obsolete the file is also deleted.
type Reader struct {
	path  string
	file  *os.File
	meta  Meta
	index []indexEntry
	bloom *bloom.BloomFilter
	cache *cache.Cache
	log   *slog.Logger

	refs     atomic.Int32
	obsolete atomic.Bool
}

// Open opens the segment at path and verifies its footer, meta, index and
// bloom blocks. Data blocks are verified when first read.
func Open(path string, c *cache.Cache, logger *slog.Logger) (*Reader, error) {
	if logger == nil {
		logger = slog.Default()
	}

	file, err := os.Open(path)
	if err != nil {
		return nil, dberrors.NewIOError("open segment", path, err)
	}

	r := &Reader{
		path:  path,
		file:  file,
		cache: c,
	}
	if err := r.load(); err != nil {
		_ = file.Close()
		return nil, err
	}
	r.log = logger.With("component", "segment", "gen", r.meta.Gen)
	r.refs.Store(1)

	return r, nil
}

func (r *Reader) load() error {
	info, err := r.file.Stat()
	if err != nil {
		return dberrors.NewIOError("stat segment", r.path, err)
	}
	size := info.Size()
	if size < footerSize {
		return dberrors.NewCorruptionError(r.path, 0, "file shorter than footer")
	}

	buf := make([]byte, footerSize)
	if _, err := r.file.ReadAt(buf, size-footerSize); err != nil {
		return dberrors.NewIOError("read segment", r.path, err)
	}
	ft, err := decodeFooter(buf)
	if err != nil {
		return dberrors.NewCorruptionError(r.path, size-footerSize, err.Error())
	}

	for _, h := range []handle{ft.meta, ft.index, ft.bloom} {
		if h.offset+h.size > uint64(size-footerSize) {
			return dberrors.NewCorruptionError(r.path, size-footerSize, "block handle out of range")
		}
	}

	metaData, err := r.readRaw(ft.meta)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(metaData, &r.meta); err != nil {
		return dberrors.NewCorruptionError(r.path, int64(ft.meta.offset), "malformed meta: "+err.Error())
	}
	r.meta.Size = size

	indexData, err := r.readRaw(ft.index)
	if err != nil {
		return err
	}
	if r.index, err = decodeIndex(indexData); err != nil {
		return dberrors.NewCorruptionError(r.path, int64(ft.index.offset), err.Error())
	}
	if len(r.index) != r.meta.Blocks {
		return dberrors.NewCorruptionError(r.path, int64(ft.index.offset),
			fmt.Sprintf("index has %d blocks, meta says %d", len(r.index), r.meta.Blocks))
	}

	bloomData, err := r.readRaw(ft.bloom)
	if err != nil {
		return err
	}
	r.bloom = &bloom.BloomFilter{}
	if err := r.bloom.UnmarshalBinary(bloomData); err != nil {
		return dberrors.NewCorruptionError(r.path, int64(ft.bloom.offset), "malformed bloom filter: "+err.Error())
	}

	return nil
}

// readRaw reads and decodes a block without going through the cache.
func (r *Reader) readRaw(h handle) ([]byte, error) {
	buf := make([]byte, h.size)
	if _, err := r.file.ReadAt(buf, int64(h.offset)); err != nil {
		return nil, dberrors.NewIOError("read segment", r.path, err)
	}
	data, err := decodeBlock(buf)
	if err != nil {
		return nil, dberrors.NewCorruptionError(r.path, int64(h.offset), err.Error())
	}
	return data, nil
}

// readBlock returns the decoded data block i, consulting the cache first.
func (r *Reader) readBlock(i int) ([]byte, error) {
	h := r.index[i].handle
	key := cache.Key{Gen: r.meta.Gen, Offset: h.offset}
	if data, ok := r.cache.Get(key); ok {
		return data, nil
	}

	data, err := r.readRaw(h)
	if err != nil {
		return nil, err
	}
	r.cache.Set(key, data)
	return data, nil
}

func (r *Reader) Path() string   { return r.path }
func (r *Reader) Gen() uint64    { return r.meta.Gen }
func (r *Reader) Meta() Meta     { return r.meta }
func (r *Reader) Size() int64    { return r.meta.Size }
func (r *Reader) MinKey() []byte { return r.meta.MinKey }
func (r *Reader) MaxKey() []byte { return r.meta.MaxKey }

// Overlaps reports whether the segment's key range intersects [lo, hi].
// Nil bounds are open.
func (r *Reader) Overlaps(lo, hi []byte) bool {
	if hi != nil && bytes.Compare(r.meta.MinKey, hi) > 0 {
		return false
	}
	if lo != nil && bytes.Compare(r.meta.MaxKey, lo) < 0 {
		return false
	}
	return true
}

func (r *Reader) Contains(key []byte) bool {
	return bytes.Compare(key, r.meta.MinKey) >= 0 && bytes.Compare(key, r.meta.MaxKey) <= 0
}

// Get returns the record for key, which may be a tombstone.
func (r *Reader) Get(key []byte) (types.Record, bool, error) {
	if !r.Contains(key) || !r.bloom.Test(key) {
		return types.Record{}, false, nil
	}

	i := r.blockFor(key)
	if i == len(r.index) {
		return types.Record{}, false, nil
	}

	data, err := r.readBlock(i)
	if err != nil {
		return types.Record{}, false, err
	}

	for p := data; len(p) > 0; {
		e, n, err := decodeEntry(p)
		if err != nil {
			return types.Record{}, false, r.corrupt(i, err)
		}
		switch c := bytes.Compare(e.key, key); {
		case c == 0:
			return types.Record{
				Key:   types.Clone(e.key),
				Value: types.Clone(e.value),
				SeqN:  e.seqN,
				Kind:  e.kind,
			}, true, nil
		case c > 0:
			return types.Record{}, false, nil
		}
		p = p[n:]
	}

	return types.Record{}, false, nil
}

// blockFor returns the first block whose last key is >= key.
func (r *Reader) blockFor(key []byte) int {
	return sort.Search(len(r.index), func(i int) bool {
		return bytes.Compare(r.index[i].lastKey, key) >= 0
	})
}

func (r *Reader) corrupt(block int, err error) error {
	return dberrors.NewCorruptionError(r.path, int64(r.index[block].offset), err.Error())
}

// NewIterator returns a lazy iterator over [from, to). The iterator holds a
// reference on the reader until it is closed.
func (r *Reader) NewIterator(from, to []byte) iterator.Iterator {
	r.Ref()
	return &segmentIterator{r: r, from: from, to: to, block: -1}
}

func (r *Reader) Ref() {
	r.refs.Add(1)
}

// Unref drops a reference. Dropping the last one closes the file and, for an
// obsolete segment, deletes it.
func (r *Reader) Unref() {
	n := r.refs.Add(-1)
	if n > 0 {
		return
	}
	if n < 0 {
		r.log.Error("segment reference count dropped below zero", "refs", n)
		return
	}

	if err := r.file.Close(); err != nil {
		r.log.Warn("failed to close segment", "error", err)
	}
	if !r.obsolete.Load() {
		return
	}

	r.cache.EvictGen(r.meta.Gen)
	if err := os.Remove(r.path); err != nil && !os.IsNotExist(err) {
		r.log.Error("failed to delete obsolete segment", "error", err)
		return
	}
	r.log.Debug("deleted obsolete segment", "path", r.path)
}

// MarkObsolete schedules the file for deletion once the last reference is
// dropped.
func (r *Reader) MarkObsolete() {
	r.obsolete.Store(true)
}

func (r *Reader) Obsolete() bool {
	return r.obsolete.Load()
}
