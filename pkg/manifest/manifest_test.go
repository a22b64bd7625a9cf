package manifest

import (
	"fmt"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lsmkv/pkg/dberrors"
	"lsmkv/pkg/fsutil"
	"lsmkv/pkg/segment"
	"lsmkv/pkg/types"
)

// buildSegment writes a segment holding keys[i] -> "gen/keys[i]".
func buildSegment(t *testing.T, dir string, gen uint64, level int, seq uint64, keys ...string) SegmentMeta {
	t.Helper()

	w, err := segment.NewWriter(fsutil.SegmentPath(dir, gen), gen, segment.WriterOptions{})
	require.NoError(t, err)
	for i, k := range keys {
		require.NoError(t, w.Add(types.Record{
			Key:   []byte(k),
			Value: []byte(fmt.Sprintf("%d/%s", gen, k)),
			SeqN:  seq + uint64(i),
			Kind:  types.KindPut,
		}))
	}
	meta, err := w.Finish()
	require.NoError(t, err)
	return MetaOf(meta, level)
}

func openManifest(t *testing.T, dir string) *Manifest {
	t.Helper()

	m, err := Open(dir, Options{NumLevels: 4})
	require.NoError(t, err)
	return m
}

func getValue(t *testing.T, v *Version, key string) string {
	t.Helper()

	rec, ok, err := v.Get([]byte(key))
	require.NoError(t, err)
	if !ok {
		return ""
	}
	return string(rec.Value)
}

func TestOpenEmpty(t *testing.T) {
	dir := t.TempDir()
	m := openManifest(t, dir)
	defer m.Close()

	assert.NotEmpty(t, m.StoreID())
	assert.Equal(t, uint64(1), m.PeekNextGen())
	assert.Zero(t, m.LogGen())

	v := m.Current()
	defer v.Unref()
	assert.Zero(t, v.NumSegments())
	assert.Equal(t, 4, v.NumLevels())
	assert.Equal(t, -1, v.Deepest())

	_, err := os.Stat(fsutil.ManifestPath(dir))
	require.NoError(t, err)
}

func TestApplyAndReopen(t *testing.T) {
	dir := t.TempDir()
	m := openManifest(t, dir)
	id := m.StoreID()

	g1, g2 := m.NextGen(), m.NextGen()
	s1 := buildSegment(t, dir, g1, 0, 1, "a", "b", "c")
	s2 := buildSegment(t, dir, g2, 0, 10, "b", "d")

	require.NoError(t, m.Apply(Edit{Add: []SegmentMeta{s1}, LogGen: 5, LastSeq: 3}))
	require.NoError(t, m.Apply(Edit{Add: []SegmentMeta{s2}, LastSeq: 11}))

	v := m.Current()
	assert.Equal(t, 2, v.NumSegments())
	// newest L0 segment wins
	assert.Equal(t, fmt.Sprintf("%d/b", g2), getValue(t, v, "b"))
	assert.Equal(t, fmt.Sprintf("%d/a", g1), getValue(t, v, "a"))
	assert.Equal(t, "", getValue(t, v, "zz"))
	v.Unref()
	require.NoError(t, m.Close())

	m = openManifest(t, dir)
	defer m.Close()

	assert.Equal(t, id, m.StoreID())
	assert.Equal(t, uint64(5), m.LogGen())
	assert.Equal(t, uint64(11), m.LastSeq())
	assert.Greater(t, m.PeekNextGen(), g2)
	assert.Len(t, m.Segments(), 2)

	v = m.Current()
	defer v.Unref()
	assert.Equal(t, fmt.Sprintf("%d/b", g2), getValue(t, v, "b"))
}

func TestCountersNeverMoveBackward(t *testing.T) {
	dir := t.TempDir()
	m := openManifest(t, dir)
	defer m.Close()

	require.NoError(t, m.Apply(Edit{LogGen: 9, LastSeq: 100}))
	require.NoError(t, m.Apply(Edit{LogGen: 3, LastSeq: 50}))

	assert.Equal(t, uint64(9), m.LogGen())
	assert.Equal(t, uint64(100), m.LastSeq())
}

func TestRetiredSegmentDeletedAfterLastReader(t *testing.T) {
	dir := t.TempDir()
	m := openManifest(t, dir)
	defer m.Close()

	gen := m.NextGen()
	sm := buildSegment(t, dir, gen, 0, 1, "a")
	require.NoError(t, m.Apply(Edit{Add: []SegmentMeta{sm}}))

	held := m.Current()
	require.NoError(t, m.Apply(Edit{Remove: []uint64{gen}}))

	path := fsutil.SegmentPath(dir, gen)
	_, err := os.Stat(path)
	require.NoError(t, err, "file must survive while a version references it")
	assert.Equal(t, "1/a", getValue(t, held, "a"))

	held.Unref()
	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err))

	v := m.Current()
	defer v.Unref()
	assert.Zero(t, v.NumSegments())
}

func TestCurrentAfterClose(t *testing.T) {
	m := openManifest(t, t.TempDir())
	require.NoError(t, m.Close())
	assert.Nil(t, m.Current())
}

func TestMoveKeepsFile(t *testing.T) {
	dir := t.TempDir()
	m := openManifest(t, dir)
	defer m.Close()

	gen := m.NextGen()
	sm := buildSegment(t, dir, gen, 0, 1, "a", "b")
	require.NoError(t, m.Apply(Edit{Add: []SegmentMeta{sm}}))

	moved := sm
	moved.Level = 2
	require.NoError(t, m.Apply(Edit{Remove: []uint64{gen}, Add: []SegmentMeta{moved}}))

	v := m.Current()
	defer v.Unref()
	assert.Empty(t, v.Level(0))
	require.Len(t, v.Level(2), 1)
	assert.Equal(t, "1/b", getValue(t, v, "b"))

	_, err := os.Stat(fsutil.SegmentPath(dir, gen))
	assert.NoError(t, err)
}

func TestReconcile(t *testing.T) {
	dir := t.TempDir()
	m := openManifest(t, dir)

	g1, g2 := m.NextGen(), m.NextGen()
	s1 := buildSegment(t, dir, g1, 1, 1, "a")
	s2 := buildSegment(t, dir, g2, 1, 2, "m")
	require.NoError(t, m.Apply(Edit{Add: []SegmentMeta{s1, s2}}))
	require.NoError(t, m.Close())

	// a listed segment vanished and an unlisted one appeared
	require.NoError(t, os.Remove(fsutil.SegmentPath(dir, g2)))
	buildSegment(t, dir, 42, 0, 3, "z")

	m = openManifest(t, dir)
	defer m.Close()

	segs := m.Segments()
	require.Len(t, segs, 1)
	assert.Equal(t, g1, segs[0].Gen)

	_, err := os.Stat(fsutil.SegmentPath(dir, 42))
	assert.True(t, os.IsNotExist(err))
	assert.Equal(t, uint64(43), m.PeekNextGen())
}

func TestTornTailTolerated(t *testing.T) {
	dir := t.TempDir()
	m := openManifest(t, dir)
	require.NoError(t, m.Apply(Edit{LastSeq: 7}))
	require.NoError(t, m.Close())

	f, err := os.OpenFile(fsutil.ManifestPath(dir), os.O_WRONLY|os.O_APPEND, 0o600)
	require.NoError(t, err)
	_, err = f.Write([]byte{1, 2, 3, 4, 100, 0})
	require.NoError(t, err)
	require.NoError(t, f.Close())

	m = openManifest(t, dir)
	defer m.Close()
	assert.Equal(t, uint64(7), m.LastSeq())
}

func TestCorruptFirstRecord(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(fsutil.ManifestPath(dir), []byte("garbage garbage"), 0o600))

	_, err := Open(dir, Options{})
	require.ErrorIs(t, err, dberrors.ErrRecovery)
}

func TestRewriteAfterMaxEdits(t *testing.T) {
	dir := t.TempDir()
	m, err := Open(dir, Options{MaxEdits: 3})
	require.NoError(t, err)

	for i := 1; i <= 10; i++ {
		require.NoError(t, m.Apply(Edit{LastSeq: uint64(i)}))
	}
	assert.LessOrEqual(t, m.edits, 4)
	require.NoError(t, m.Close())

	m, err = Open(dir, Options{MaxEdits: 3})
	require.NoError(t, err)
	defer m.Close()
	assert.Equal(t, uint64(10), m.LastSeq())
}

func TestOverlappingAndIterators(t *testing.T) {
	dir := t.TempDir()
	m := openManifest(t, dir)
	defer m.Close()

	require.NoError(t, m.Apply(Edit{Add: []SegmentMeta{
		buildSegment(t, dir, 1, 1, 1, "a", "c"),
		buildSegment(t, dir, 2, 1, 3, "e", "g"),
		buildSegment(t, dir, 3, 1, 5, "k", "m"),
	}}))

	v := m.Current()
	defer v.Unref()

	assert.Len(t, v.Overlapping(1, []byte("b"), []byte("f")), 2)
	assert.Len(t, v.Overlapping(1, []byte("h"), []byte("j")), 0)
	assert.Len(t, v.Overlapping(1, nil, nil), 3)
	assert.Equal(t, 1, v.Deepest())
	assert.Positive(t, v.LevelSize(1))

	its := v.NewIterators([]byte("d"), []byte("l"))
	assert.Len(t, its, 2)
	for _, it := range its {
		require.NoError(t, it.Close())
	}
}

func TestApplyBadLevel(t *testing.T) {
	dir := t.TempDir()
	m := openManifest(t, dir)
	defer m.Close()

	sm := buildSegment(t, dir, m.NextGen(), 9, 1, "a")
	require.ErrorIs(t, m.Apply(Edit{Add: []SegmentMeta{sm}}), ErrBadLevel)
}
