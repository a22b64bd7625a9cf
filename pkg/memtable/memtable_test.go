package memtable

import (
	"fmt"
	"math/rand"
	"sort"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lsmkv/pkg/types"
)

func TestUpsertGet(t *testing.T) {
	mt := New(3)
	assert.Equal(t, uint64(3), mt.WALGen())
	assert.True(t, mt.Empty())

	require.NoError(t, mt.Upsert([]byte("k"), []byte("v1"), 1, types.KindPut))
	require.NoError(t, mt.Upsert([]byte("k"), []byte("v2"), 2, types.KindPut))

	it, ok := mt.Get([]byte("k"))
	require.True(t, ok)
	assert.Equal(t, []byte("v2"), it.Value)
	assert.Equal(t, uint64(2), it.SeqN)
	assert.Equal(t, 1, mt.Len())
	assert.Equal(t, uint64(2), mt.MaxSeq())

	require.NoError(t, mt.Upsert([]byte("k"), []byte("ignored"), 3, types.KindDelete))
	it, ok = mt.Get([]byte("k"))
	require.True(t, ok)
	assert.True(t, it.Tombstone())
	assert.Nil(t, it.Value)

	_, ok = mt.Get([]byte("missing"))
	assert.False(t, ok)
}

func TestSizeGrows(t *testing.T) {
	mt := New(1)
	require.NoError(t, mt.Upsert([]byte("a"), make([]byte, 100), 1, types.KindPut))
	first := mt.Size()
	assert.GreaterOrEqual(t, first, int64(101))

	require.NoError(t, mt.Upsert([]byte("a"), make([]byte, 100), 2, types.KindPut))
	assert.Greater(t, mt.Size(), first)
}

func TestSeal(t *testing.T) {
	mt := New(1)
	require.NoError(t, mt.Upsert([]byte("a"), []byte("1"), 1, types.KindPut))

	mt.Seal()
	assert.True(t, mt.Sealed())
	require.ErrorIs(t, mt.Upsert([]byte("b"), []byte("2"), 2, types.KindPut), ErrSealed)

	_, ok := mt.Get([]byte("a"))
	assert.True(t, ok)
	assert.Equal(t, 1, mt.Len())
}

func TestSortedAndRange(t *testing.T) {
	mt := New(1)
	keys := []string{"d", "b", "", "a", "c", "\xff", "ab"}
	for i, k := range keys {
		require.NoError(t, mt.Upsert([]byte(k), []byte(k), uint64(i+1), types.KindPut))
	}

	var got []string
	for _, it := range mt.Sorted() {
		got = append(got, string(it.Key))
	}
	want := append([]string{}, keys...)
	sort.Strings(want)
	assert.Equal(t, want, got)

	tests := []struct {
		name     string
		from, to []byte
		want     []string
	}{
		{"open", nil, nil, want},
		{"from", []byte("b"), nil, []string{"b", "c", "d", "\xff"}},
		{"to", nil, []byte("b"), []string{"", "a", "ab"}},
		{"both", []byte("ab"), []byte("d"), []string{"ab", "b", "c"}},
		{"empty", []byte("x"), []byte("y"), nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got []string
			for _, it := range mt.Range(tt.from, tt.to) {
				got = append(got, string(it.Key))
			}
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestIterator(t *testing.T) {
	mt := New(1)
	for i := 0; i < 10; i++ {
		require.NoError(t, mt.Upsert([]byte(fmt.Sprintf("k%d", i)), []byte("v"), uint64(i+1), types.KindPut))
	}

	it := mt.NewIterator([]byte("k3"), []byte("k7"))
	defer it.Close()

	var got []string
	for it.First(); it.Valid(); it.Next() {
		got = append(got, string(it.Key()))
	}
	assert.Equal(t, []string{"k3", "k4", "k5", "k6"}, got)

	// writes after creation are not visible
	require.NoError(t, mt.Upsert([]byte("k35"), []byte("v"), 100, types.KindPut))
	it.Seek([]byte("k35"))
	require.True(t, it.Valid())
	assert.Equal(t, []byte("k4"), it.Key())
}

func TestConcurrentReadersSingleWriter(t *testing.T) {
	mt := New(1)
	const n = 2000

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < n; i++ {
			k := []byte(fmt.Sprintf("key-%05d", i))
			_ = mt.Upsert(k, k, uint64(i+1), types.KindPut)
		}
	}()

	for r := 0; r < 4; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < n; i++ {
				k := []byte(fmt.Sprintf("key-%05d", rand.Intn(n)))
				if it, ok := mt.Get(k); ok {
					assert.Equal(t, k, it.Value)
				}
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, n, mt.Len())
	assert.Equal(t, uint64(n), mt.MaxSeq())
}
