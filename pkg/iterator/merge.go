package iterator

import (
	"container/heap"
	"errors"

	"lsmkv/pkg/types"
)

// Merge combines several sorted sources into one sorted stream that holds a
// single record per key: the one with the highest sequence number. Tombstones
// are yielded like any other record; dropping them is up to the caller.
type Merge struct {
	children []Iterator
	h        mergeHeap
	cur      []byte
	err      error
}

var _ Iterator = (*Merge)(nil)

// NewMerge takes ownership of children and closes them on Close.
func NewMerge(children ...Iterator) *Merge {
	return &Merge{
		children: children,
		h:        make(mergeHeap, 0, len(children)),
	}
}

func (m *Merge) First() {
	m.reset(func(it Iterator) { it.First() })
}

func (m *Merge) Seek(target types.Key) {
	m.reset(func(it Iterator) { it.Seek(target) })
}

func (m *Merge) reset(position func(Iterator)) {
	m.h = m.h[:0]
	m.err = nil
	for _, it := range m.children {
		position(it)
		if it.Valid() {
			m.h = append(m.h, it)
			continue
		}
		if err := it.Err(); err != nil {
			m.err = err
		}
	}
	if m.err != nil {
		m.h = m.h[:0]
		return
	}
	heap.Init(&m.h)
}

// Next skips every older version of the current key.
func (m *Merge) Next() {
	if !m.Valid() {
		return
	}

	m.cur = append(m.cur[:0], m.h[0].Key()...)
	for len(m.h) > 0 && types.Compare(m.h[0].Key(), m.cur) == 0 {
		top := m.h[0]
		top.Next()
		if top.Valid() {
			heap.Fix(&m.h, 0)
			continue
		}
		if err := top.Err(); err != nil {
			m.err = err
			m.h = m.h[:0]
			return
		}
		heap.Pop(&m.h)
	}
}

func (m *Merge) Valid() bool        { return m.err == nil && len(m.h) > 0 }
func (m *Merge) Key() types.Key     { return m.h[0].Key() }
func (m *Merge) Value() types.Value { return m.h[0].Value() }
func (m *Merge) SeqN() types.SeqN   { return m.h[0].SeqN() }
func (m *Merge) Kind() types.Kind   { return m.h[0].Kind() }
func (m *Merge) Err() error         { return m.err }

func (m *Merge) Close() error {
	var errs []error
	for _, it := range m.children {
		if err := it.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	m.children = nil
	m.h = nil
	return errors.Join(errs...)
}

// mergeHeap orders sources by key, newest version first on ties.
type mergeHeap []Iterator

func (h mergeHeap) Len() int { return len(h) }

func (h mergeHeap) Less(i, j int) bool {
	if c := types.Compare(h[i].Key(), h[j].Key()); c != 0 {
		return c < 0
	}
	return h[i].SeqN() > h[j].SeqN()
}

func (h mergeHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *mergeHeap) Push(x any) { *h = append(*h, x.(Iterator)) }

func (h *mergeHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	*h = old[:n-1]
	return it
}
