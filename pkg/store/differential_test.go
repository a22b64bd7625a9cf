package store

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"testing"

	"github.com/cockroachdb/pebble"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// pebbleScan returns every live pair of db in [from, to), in order.
func pebbleScan(t *testing.T, db *pebble.DB, from, to []byte) []kv {
	t.Helper()

	iter, err := db.NewIter(&pebble.IterOptions{LowerBound: from, UpperBound: to})
	require.NoError(t, err)
	defer iter.Close()

	var out []kv
	for iter.First(); iter.Valid(); iter.Next() {
		val, err := iter.ValueAndErr()
		require.NoError(t, err)
		out = append(out, kv{string(iter.Key()), string(val)})
	}
	require.NoError(t, iter.Error())
	return out
}

// TestMatchesPebble runs one random workload against the store and against
// pebble and expects identical reads throughout, including across restarts.
func TestMatchesPebble(t *testing.T) {
	ref, err := pebble.Open(t.TempDir(), &pebble.Options{})
	require.NoError(t, err)
	defer ref.Close()

	dir := t.TempDir()
	cfg := testConfig()
	cfg.Memtable.FlushThresholdBytes = 2 << 10
	cfg.Compaction.L0Trigger = 2

	s := openStore(t, dir, cfg)
	defer func() { _ = s.Close() }()

	rng := rand.New(rand.NewSource(42))
	key := func() []byte { return []byte(fmt.Sprintf("key-%03d", rng.Intn(300))) }

	for op := 0; op < 6000; op++ {
		switch r := rng.Intn(100); {
		case r < 60:
			k, v := key(), []byte(fmt.Sprintf("value-%d-%d", op, rng.Intn(1000)))
			require.NoError(t, s.Put(k, v))
			require.NoError(t, ref.Set(k, v, pebble.NoSync))
		case r < 80:
			k := key()
			require.NoError(t, s.Delete(k))
			require.NoError(t, ref.Delete(k, pebble.NoSync))
		case r < 97:
			k := key()
			got, ok, err := s.Get(k)
			require.NoError(t, err)
			want, closer, err := ref.Get(k)
			if errors.Is(err, pebble.ErrNotFound) {
				assert.False(t, ok, "key %s", k)
				continue
			}
			require.NoError(t, err)
			assert.True(t, ok, "key %s", k)
			assert.Equal(t, string(want), string(got), "key %s", k)
			require.NoError(t, closer.Close())
		case r < 98:
			require.NoError(t, s.Compact(context.Background()))
		case r < 99:
			require.NoError(t, s.Close())
			s = openStore(t, dir, cfg)
		default:
			from, to := key(), key()
			if string(from) > string(to) {
				from, to = to, from
			}
			assert.Equal(t, pebbleScan(t, ref, from, to), scanAll(t, s, from, to))
		}
	}

	assert.Equal(t, pebbleScan(t, ref, nil, nil), scanAll(t, s, nil, nil))
	require.NoError(t, s.Compact(context.Background()))
	assert.Equal(t, pebbleScan(t, ref, nil, nil), scanAll(t, s, nil, nil))
}
