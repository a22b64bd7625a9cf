package memtable

import "lsmkv/pkg/types"

// entryOverhead approximates the per-entry bookkeeping of the skiplist node
// on top of key and value bytes.
const entryOverhead = 8 + 1 + 32

type Item struct {
	Key   []byte
	Value []byte
	SeqN  uint64
	Kind  types.Kind
}

func (it Item) Tombstone() bool {
	return it.Kind == types.KindDelete
}

func (it Item) Record() types.Record {
	return types.Record{Key: it.Key, Value: it.Value, SeqN: it.SeqN, Kind: it.Kind}
}

func (it Item) size() int64 {
	return int64(len(it.Key) + len(it.Value) + entryOverhead)
}
