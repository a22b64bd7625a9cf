package store

import (
	"fmt"

	"lsmkv/pkg/dberrors"
	"lsmkv/pkg/iterator"
	"lsmkv/pkg/types"
)

// Iterator walks the live keys of [from, to) in ascending order. It sees
// the memtables as they were when it was created and keeps the segments of
// that moment alive until Close. Key and Value are valid until the next
// call that moves the iterator and must not be modified, since they may
// point into a block shared through the cache.
//
// An Iterator is not safe for concurrent use.
type Iterator struct {
	from, to []byte
	merged   *iterator.Merge
	release  func()
	closed   bool
}

// NewIterator returns an iterator over [from, to). A nil bound is open.
// The iterator starts before the first key; call First or Seek.
func (s *Store) NewIterator(from, to []byte) (*Iterator, error) {
	if s.closed.Load() {
		return nil, dberrors.ErrClosed
	}
	if from != nil && to != nil && types.Compare(from, to) > 0 {
		return nil, fmt.Errorf("%w: iterator lower bound above upper bound", dberrors.ErrInvalidArgument)
	}

	st, release, err := s.acquire()
	if err != nil {
		return nil, err
	}

	from, to = types.Clone(from), types.Clone(to)

	its := []iterator.Iterator{st.mem.NewIterator(from, to)}
	for i := len(st.imm) - 1; i >= 0; i-- {
		its = append(its, st.imm[i].NewIterator(from, to))
	}
	its = append(its, st.version.NewIterators(from, to)...)

	return &Iterator{
		from:    from,
		to:      to,
		merged:  iterator.NewMerge(its...),
		release: release,
	}, nil
}

// First moves to the smallest live key.
func (it *Iterator) First() {
	if it.closed {
		return
	}
	if it.from != nil {
		it.merged.Seek(it.from)
	} else {
		it.merged.First()
	}
	it.skip()
}

// Seek moves to the smallest live key >= target.
func (it *Iterator) Seek(target []byte) {
	if it.closed {
		return
	}
	if it.from != nil && types.Compare(target, it.from) < 0 {
		target = it.from
	}
	it.merged.Seek(target)
	it.skip()
}

func (it *Iterator) Next() {
	if !it.Valid() {
		return
	}
	it.merged.Next()
	it.skip()
}

// skip steps over tombstones.
func (it *Iterator) skip() {
	for it.merged.Valid() && it.merged.Kind() == types.KindDelete {
		it.merged.Next()
	}
}

func (it *Iterator) Valid() bool {
	if it.closed || !it.merged.Valid() {
		return false
	}
	return it.to == nil || types.Compare(it.merged.Key(), it.to) < 0
}

// Key returns the current key. The caller must not modify it.
func (it *Iterator) Key() []byte { return it.merged.Key() }

// Value returns the current value. The caller must not modify it.
func (it *Iterator) Value() []byte { return it.merged.Value() }

// Err returns the error that ended iteration early, if any.
func (it *Iterator) Err() error {
	if it.closed {
		return nil
	}
	return it.merged.Err()
}

// Close releases the iterator's segments. Calling Close twice is a no-op.
func (it *Iterator) Close() error {
	if it.closed {
		return nil
	}
	it.closed = true
	err := it.merged.Close()
	it.release()
	return err
}

// Scan calls fn for every live key in [from, to) in order until fn returns
// false. The slices passed to fn are only valid during the call and must
// not be modified.
func (s *Store) Scan(from, to []byte, fn func(key, value []byte) bool) error {
	it, err := s.NewIterator(from, to)
	if err != nil {
		return err
	}
	defer it.Close()

	for it.First(); it.Valid(); it.Next() {
		if !fn(it.Key(), it.Value()) {
			break
		}
	}
	return it.Err()
}
