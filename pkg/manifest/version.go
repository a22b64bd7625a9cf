package manifest

import (
	"bytes"
	"sort"
	"sync/atomic"

	"lsmkv/pkg/iterator"
	"lsmkv/pkg/segment"
	"lsmkv/pkg/types"
)

// Version is an immutable view of the live segments. L0 is ordered newest
// first and its segments may overlap. Every deeper level is sorted by min key
// and its segments are disjoint.
//
// A version holds a reference on each of its segments. Callers obtained a
// version from Manifest.Current and must Unref it.
type Version struct {
	levels [][]*segment.Reader
	refs   atomic.Int32
}

func newVersion(numLevels int, segs map[uint64]*segment.Reader, metas map[uint64]SegmentMeta) *Version {
	v := &Version{levels: make([][]*segment.Reader, numLevels)}
	for gen, r := range segs {
		lvl := metas[gen].Level
		v.levels[lvl] = append(v.levels[lvl], r)
		r.Ref()
	}

	for lvl, rs := range v.levels {
		if lvl == 0 {
			sort.Slice(rs, func(i, j int) bool { return rs[i].Gen() > rs[j].Gen() })
			continue
		}
		sort.Slice(rs, func(i, j int) bool { return bytes.Compare(rs[i].MinKey(), rs[j].MinKey()) < 0 })
	}

	v.refs.Store(1)
	return v
}

func (v *Version) Ref() {
	v.refs.Add(1)
}

func (v *Version) Unref() {
	if v.refs.Add(-1) != 0 {
		return
	}
	for _, rs := range v.levels {
		for _, r := range rs {
			r.Unref()
		}
	}
}

func (v *Version) NumLevels() int { return len(v.levels) }

// Level returns the segments of level lvl. The slice must not be modified.
func (v *Version) Level(lvl int) []*segment.Reader {
	if lvl < 0 || lvl >= len(v.levels) {
		return nil
	}
	return v.levels[lvl]
}

func (v *Version) Levels() [][]*segment.Reader { return v.levels }

func (v *Version) NumSegments() int {
	n := 0
	for _, rs := range v.levels {
		n += len(rs)
	}
	return n
}

func (v *Version) LevelSize(lvl int) int64 {
	var size int64
	for _, r := range v.Level(lvl) {
		size += r.Size()
	}
	return size
}

// Deepest returns the deepest level holding any segment, or -1.
func (v *Version) Deepest() int {
	for lvl := len(v.levels) - 1; lvl >= 0; lvl-- {
		if len(v.levels[lvl]) > 0 {
			return lvl
		}
	}
	return -1
}

// Overlapping returns the segments of lvl whose key range intersects
// [lo, hi]. Nil bounds are open.
func (v *Version) Overlapping(lvl int, lo, hi []byte) []*segment.Reader {
	var out []*segment.Reader
	for _, r := range v.Level(lvl) {
		if r.Overlaps(lo, hi) {
			out = append(out, r)
		}
	}
	return out
}

// Get looks key up level by level and returns the newest record found, which
// may be a tombstone.
func (v *Version) Get(key []byte) (types.Record, bool, error) {
	for _, r := range v.Level(0) {
		rec, ok, err := r.Get(key)
		if err != nil || ok {
			return rec, ok, err
		}
	}

	for lvl := 1; lvl < len(v.levels); lvl++ {
		rs := v.levels[lvl]
		i := sort.Search(len(rs), func(i int) bool {
			return bytes.Compare(rs[i].MaxKey(), key) >= 0
		})
		if i == len(rs) || !rs[i].Contains(key) {
			continue
		}
		rec, ok, err := rs[i].Get(key)
		if err != nil || ok {
			return rec, ok, err
		}
	}

	return types.Record{}, false, nil
}

// NewIterators returns one iterator per L0 segment and one per deeper level
// segment overlapping [from, to).
func (v *Version) NewIterators(from, to []byte) []iterator.Iterator {
	var its []iterator.Iterator
	for _, rs := range v.levels {
		for _, r := range rs {
			if to != nil && bytes.Compare(r.MinKey(), to) >= 0 {
				continue
			}
			if from != nil && bytes.Compare(r.MaxKey(), from) < 0 {
				continue
			}
			its = append(its, r.NewIterator(from, to))
		}
	}
	return its
}
