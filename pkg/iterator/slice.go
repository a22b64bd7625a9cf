package iterator

import (
	"sort"

	"lsmkv/pkg/types"
)

// Slice iterates over records that are already sorted by key with at most
// one record per key.
type Slice struct {
	recs []types.Record
	pos  int
}

var _ Iterator = (*Slice)(nil)

func NewSlice(recs []types.Record) *Slice {
	return &Slice{recs: recs, pos: len(recs)}
}

func (s *Slice) First() { s.pos = 0 }

func (s *Slice) Seek(target types.Key) {
	s.pos = sort.Search(len(s.recs), func(i int) bool {
		return types.Compare(s.recs[i].Key, target) >= 0
	})
}

func (s *Slice) Next() {
	if s.pos < len(s.recs) {
		s.pos++
	}
}

func (s *Slice) Valid() bool        { return s.pos < len(s.recs) }
func (s *Slice) Key() types.Key     { return s.recs[s.pos].Key }
func (s *Slice) Value() types.Value { return s.recs[s.pos].Value }
func (s *Slice) SeqN() types.SeqN   { return s.recs[s.pos].SeqN }
func (s *Slice) Kind() types.Kind   { return s.recs[s.pos].Kind }
func (s *Slice) Err() error         { return nil }
func (s *Slice) Close() error {
	s.recs = nil
	s.pos = 0
	return nil
}
