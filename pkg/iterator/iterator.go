package iterator

import "lsmkv/pkg/types"

// Iterator iterates over a sorted sequence of versioned records. Sources
// within the engine (memtables, segments, merges) all implement it.
//
// Key and Value are only valid until the next positioning call.
type Iterator interface {
	// First moves to the smallest key.
	First()
	// Seek moves the iterator to the first key >= target.
	Seek(target types.Key)
	// Next advances to the next key.
	Next()
	// Valid reports whether the iterator points to a valid entry.
	Valid() bool
	// Key returns the current key.
	Key() types.Key
	// Value returns the current value. It is nil for tombstones.
	Value() types.Value
	SeqN() types.SeqN
	Kind() types.Kind
	// Err returns the error that made the iterator invalid, if any.
	Err() error
	// Close releases resources.
	Close() error
}

// Record copies the current entry of it out into a Record.
func Record(it Iterator) types.Record {
	return types.Record{
		Key:   types.Clone(it.Key()),
		Value: types.Clone(it.Value()),
		SeqN:  it.SeqN(),
		Kind:  it.Kind(),
	}
}
