package types

import "bytes"

// Key is an immutable byte slice type alias used for clarity.
type Key = []byte

// Value is an immutable byte slice type alias used for clarity.
type Value = []byte

// SeqN is a monotonically increasing sequence number that totally orders
// every mutation applied to a store.
type SeqN = uint64

// Gen is a file generation number shared by WAL and segment files.
type Gen = uint64

// Kind tells a live value from a deletion marker.
type Kind uint8

const (
	KindPut Kind = iota
	KindDelete
)

func (k Kind) String() string {
	switch k {
	case KindPut:
		return "put"
	case KindDelete:
		return "delete"
	default:
		return "unknown"
	}
}

// Record is a single versioned mutation.
type Record struct {
	Key   Key
	Value Value
	SeqN  SeqN
	Kind  Kind
}

// Tombstone reports whether the record marks a deleted key.
func (r Record) Tombstone() bool {
	return r.Kind == KindDelete
}

// Compare orders keys by unsigned byte value.
func Compare(a, b Key) int {
	return bytes.Compare(a, b)
}

// InRange reports whether key falls into [from, to). Nil bounds are open.
func InRange(key, from, to Key) bool {
	if from != nil && bytes.Compare(key, from) < 0 {
		return false
	}
	if to != nil && bytes.Compare(key, to) >= 0 {
		return false
	}
	return true
}

// Clone returns a copy of b that does not alias it.
func Clone(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
