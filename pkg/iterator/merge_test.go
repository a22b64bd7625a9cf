package iterator

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lsmkv/pkg/types"
)

func put(k, v string, seq uint64) types.Record {
	return types.Record{Key: []byte(k), Value: []byte(v), SeqN: seq, Kind: types.KindPut}
}

func del(k string, seq uint64) types.Record {
	return types.Record{Key: []byte(k), SeqN: seq, Kind: types.KindDelete}
}

func collect(t *testing.T, it Iterator) []types.Record {
	t.Helper()

	var out []types.Record
	for ; it.Valid(); it.Next() {
		out = append(out, Record(it))
	}
	require.NoError(t, it.Err())
	return out
}

func TestSlice(t *testing.T) {
	s := NewSlice([]types.Record{put("a", "1", 1), put("c", "3", 2), put("e", "5", 3)})
	assert.False(t, s.Valid())

	s.First()
	assert.Len(t, collect(t, s), 3)

	s.Seek([]byte("b"))
	require.True(t, s.Valid())
	assert.Equal(t, []byte("c"), s.Key())

	s.Seek([]byte("f"))
	assert.False(t, s.Valid())
}

func TestMergeNewestWins(t *testing.T) {
	older := NewSlice([]types.Record{put("a", "old", 1), put("b", "2", 2), put("d", "old", 3)})
	newer := NewSlice([]types.Record{put("a", "new", 10), del("d", 11), put("e", "5", 12)})

	m := NewMerge(older, newer)
	defer m.Close()

	m.First()
	got := collect(t, m)

	want := []types.Record{
		put("a", "new", 10),
		put("b", "2", 2),
		del("d", 11),
		put("e", "5", 12),
	}
	assert.Equal(t, want, got)
}

func TestMergeSeekAndRestart(t *testing.T) {
	m := NewMerge(
		NewSlice([]types.Record{put("a", "1", 1), put("c", "3", 3)}),
		NewSlice([]types.Record{put("b", "2", 2), put("d", "4", 4)}),
	)
	defer m.Close()

	m.Seek([]byte("bb"))
	keys := func() []string {
		var ks []string
		for ; m.Valid(); m.Next() {
			ks = append(ks, string(m.Key()))
		}
		return ks
	}
	assert.Equal(t, []string{"c", "d"}, keys())

	m.First()
	assert.Equal(t, []string{"a", "b", "c", "d"}, keys())
}

func TestMergeEmpty(t *testing.T) {
	m := NewMerge()
	m.First()
	assert.False(t, m.Valid())
	require.NoError(t, m.Close())
}

type failing struct {
	*Slice
	err error
}

func (f *failing) Next() {
	f.Slice.Next()
	if f.Slice.pos == 1 {
		f.Slice.pos = len(f.Slice.recs)
	}
}

func (f *failing) Valid() bool {
	return f.Slice.Valid()
}

func (f *failing) Err() error {
	if f.Slice.pos >= len(f.Slice.recs) && len(f.Slice.recs) > 0 {
		return f.err
	}
	return nil
}

func TestMergePropagatesError(t *testing.T) {
	boom := errors.New("boom")
	bad := &failing{Slice: NewSlice([]types.Record{put("a", "1", 1), put("b", "2", 2)}), err: boom}

	m := NewMerge(NewSlice([]types.Record{put("c", "3", 3)}), bad)
	m.First()
	require.True(t, m.Valid())
	assert.Equal(t, []byte("a"), m.Key())

	m.Next()
	assert.False(t, m.Valid())
	assert.ErrorIs(t, m.Err(), boom)
}
