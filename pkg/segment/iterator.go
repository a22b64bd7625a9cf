package segment

import (
	"bytes"

	"lsmkv/pkg/iterator"
	"lsmkv/pkg/types"
)

// segmentIterator walks data blocks lazily, loading one block at a time.
type segmentIterator struct {
	r        *Reader
	from, to []byte

	block int    // index of the loaded block, -1 if none
	data  []byte // decoded block
	pos   int    // offset of the next entry in data
	cur   entry
	valid bool
	err   error
}

var _ iterator.Iterator = (*segmentIterator)(nil)

func (it *segmentIterator) First() {
	if it.from != nil {
		it.Seek(it.from)
		return
	}
	it.err = nil
	it.load(0)
	it.advance()
}

func (it *segmentIterator) Seek(target types.Key) {
	if it.from != nil && bytes.Compare(target, it.from) < 0 {
		target = it.from
	}
	it.err = nil

	i := it.r.blockFor(target)
	if !it.load(i) {
		return
	}
	for it.advance(); it.valid && bytes.Compare(it.cur.key, target) < 0; {
		it.advance()
	}
}

func (it *segmentIterator) Next() {
	if it.valid {
		it.advance()
	}
}

// load makes block i current. It returns false and invalidates the iterator
// if there is no such block or it can't be read.
func (it *segmentIterator) load(i int) bool {
	it.valid = false
	if i >= len(it.r.index) {
		it.block, it.data, it.pos = len(it.r.index), nil, 0
		return false
	}

	data, err := it.r.readBlock(i)
	if err != nil {
		it.err = err
		return false
	}
	it.block, it.data, it.pos = i, data, 0
	return true
}

// advance decodes the next entry, moving on to the next block at the end of
// the current one.
func (it *segmentIterator) advance() {
	it.valid = false
	for it.pos >= len(it.data) {
		if it.err != nil || it.block < 0 || !it.load(it.block+1) {
			return
		}
	}

	e, n, err := decodeEntry(it.data[it.pos:])
	if err != nil {
		it.err = it.r.corrupt(it.block, err)
		return
	}
	it.pos += n

	if it.to != nil && bytes.Compare(e.key, it.to) >= 0 {
		return
	}
	it.cur = e
	it.valid = true
}

func (it *segmentIterator) Valid() bool        { return it.valid }
func (it *segmentIterator) Key() types.Key     { return it.cur.key }
func (it *segmentIterator) Value() types.Value { return it.cur.value }
func (it *segmentIterator) SeqN() types.SeqN   { return it.cur.seqN }
func (it *segmentIterator) Kind() types.Kind   { return it.cur.kind }
func (it *segmentIterator) Err() error         { return it.err }

func (it *segmentIterator) Close() error {
	if it.r != nil {
		it.r.Unref()
		it.r = nil
	}
	it.valid = false
	return nil
}
