package memtable

import (
	"bytes"
	"errors"
	"sync/atomic"

	"github.com/zhangyunhao116/skipmap"

	"lsmkv/pkg/iterator"
	"lsmkv/pkg/types"
)

var (
	ErrSealed = errors.New("memtable: sealed")
)

type concurrentSet = skipmap.FuncMap[[]byte, Item]

// Memtable is an ordered in-memory table backed by a lock-free skiplist.
// Inserts come from a single writer at a time; readers never block.
// Once sealed the table is immutable until it is flushed and dropped.
type Memtable struct {
	underlying *concurrentSet
	walGen     uint64

	size   atomic.Int64
	maxSeq atomic.Uint64
	sealed atomic.Bool
}

// New creates an empty table whose writes are logged in the WAL with
// generation walGen.
func New(walGen uint64) *Memtable {
	return &Memtable{
		walGen: walGen,
		underlying: skipmap.NewFunc[[]byte, Item](func(a, b []byte) bool {
			return bytes.Compare(a, b) < 0
		}),
	}
}

// Upsert stores a new version of key. The memtable keeps references to key
// and value, so callers must not modify them afterwards.
func (mt *Memtable) Upsert(key, value []byte, seqN uint64, kind types.Kind) error {
	if mt.sealed.Load() {
		return ErrSealed
	}
	if kind == types.KindDelete {
		value = nil
	}

	it := Item{Key: key, Value: value, SeqN: seqN, Kind: kind}
	mt.underlying.Store(key, it)
	mt.size.Add(it.size())

	if seqN > mt.maxSeq.Load() {
		mt.maxSeq.Store(seqN)
	}

	return nil
}

// Get returns the newest version of key, which may be a tombstone.
func (mt *Memtable) Get(key []byte) (Item, bool) {
	return mt.underlying.Load(key)
}

// Size is the approximate number of bytes held, including overwritten
// versions.
func (mt *Memtable) Size() int64 { return mt.size.Load() }

func (mt *Memtable) Len() int { return mt.underlying.Len() }

func (mt *Memtable) Empty() bool { return mt.underlying.Len() == 0 }

func (mt *Memtable) MaxSeq() uint64 { return mt.maxSeq.Load() }

func (mt *Memtable) WALGen() uint64 { return mt.walGen }

// Seal makes the table read-only.
func (mt *Memtable) Seal() { mt.sealed.Store(true) }

func (mt *Memtable) Sealed() bool { return mt.sealed.Load() }

// Sorted returns every item in key order.
func (mt *Memtable) Sorted() []Item {
	return mt.Range(nil, nil)
}

// Range returns the items with keys in [from, to) in key order. Nil bounds are
// open.
func (mt *Memtable) Range(from, to []byte) []Item {
	result := make([]Item, 0, mt.underlying.Len())
	mt.underlying.Range(func(key []byte, value Item) bool {
		if to != nil && bytes.Compare(key, to) >= 0 {
			return false
		}
		if from == nil || bytes.Compare(key, from) >= 0 {
			result = append(result, value)
		}
		return true
	})

	return result
}

// NewIterator returns an iterator over a point-in-time copy of the items in
// [from, to).
func (mt *Memtable) NewIterator(from, to []byte) iterator.Iterator {
	items := mt.Range(from, to)
	recs := make([]types.Record, len(items))
	for i, it := range items {
		recs[i] = it.Record()
	}
	return iterator.NewSlice(recs)
}
