package segment

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"time"

	"lsmkv/pkg/types"
)

// File layout:
//
//	data block 1 .. n | bloom block | index block | meta block | footer
//
// Every block is followed by a 5 byte trailer: the compression type and the
// crc32 of payload plus type. Data block entries are
//
//	uvarint keyLen | uvarint valueLen | seq uint64 | kind uint8 | key | value
//
// The index has one entry per data block with the block's last key:
//
//	uvarint keyLen | key | uvarint offset | uvarint size
//
// The footer points at the meta, index and bloom blocks and ends with magic.
const (
	blockTrailerSize = 5
	footerSize       = 48
	magic            = uint64(0x6c736d6b76736567) // "lsmkvseg"

	entryFixedSize = 8 + 1
)

var (
	crcTable = crc32.MakeTable(crc32.Castagnoli)

	errBadEntry = errors.New("malformed entry")
)

type blockType byte

const (
	blockNone blockType = iota
	blockSnappy
	blockZstd
)

// Meta describes a finished segment. It is stored as JSON inside the file.
type Meta struct {
	Gen        uint64    `json:"gen"`
	MinKey     []byte    `json:"min_key"`
	MaxKey     []byte    `json:"max_key"`
	Count      uint64    `json:"count"`
	MinSeq     uint64    `json:"min_seq"`
	MaxSeq     uint64    `json:"max_seq"`
	Tombstones uint64    `json:"tombstones"`
	Blocks     int       `json:"blocks"`
	CreatedAt  time.Time `json:"created_at"`

	// Size is the file size in bytes. It is filled in from the file, not
	// from the encoded meta.
	Size int64 `json:"-"`
}

type handle struct {
	offset uint64
	size   uint64 // including trailer
}

type footer struct {
	meta  handle
	index handle
	bloom handle
}

func (f footer) encode() []byte {
	buf := make([]byte, footerSize)
	binary.LittleEndian.PutUint64(buf[0:8], f.meta.offset)
	binary.LittleEndian.PutUint32(buf[8:12], uint32(f.meta.size))
	binary.LittleEndian.PutUint64(buf[12:20], f.index.offset)
	binary.LittleEndian.PutUint32(buf[20:24], uint32(f.index.size))
	binary.LittleEndian.PutUint64(buf[24:32], f.bloom.offset)
	binary.LittleEndian.PutUint32(buf[32:36], uint32(f.bloom.size))
	binary.LittleEndian.PutUint32(buf[36:40], crc32.Checksum(buf[:36], crcTable))
	binary.LittleEndian.PutUint64(buf[40:48], magic)
	return buf
}

func decodeFooter(buf []byte) (footer, error) {
	var f footer
	if len(buf) != footerSize {
		return f, fmt.Errorf("footer is %d bytes", len(buf))
	}
	if binary.LittleEndian.Uint64(buf[40:48]) != magic {
		return f, errors.New("bad magic")
	}
	if binary.LittleEndian.Uint32(buf[36:40]) != crc32.Checksum(buf[:36], crcTable) {
		return f, errors.New("footer checksum mismatch")
	}

	f.meta = handle{binary.LittleEndian.Uint64(buf[0:8]), uint64(binary.LittleEndian.Uint32(buf[8:12]))}
	f.index = handle{binary.LittleEndian.Uint64(buf[12:20]), uint64(binary.LittleEndian.Uint32(buf[20:24]))}
	f.bloom = handle{binary.LittleEndian.Uint64(buf[24:32]), uint64(binary.LittleEndian.Uint32(buf[32:36]))}
	return f, nil
}

func appendEntry(dst []byte, rec types.Record) []byte {
	dst = binary.AppendUvarint(dst, uint64(len(rec.Key)))
	dst = binary.AppendUvarint(dst, uint64(len(rec.Value)))
	dst = binary.LittleEndian.AppendUint64(dst, rec.SeqN)
	dst = append(dst, byte(rec.Kind))
	dst = append(dst, rec.Key...)
	dst = append(dst, rec.Value...)
	return dst
}

type entry struct {
	key   []byte
	value []byte
	seqN  uint64
	kind  types.Kind
}

// decodeEntry parses the entry at the start of p and returns the number of
// bytes it occupies. Key and value alias p.
func decodeEntry(p []byte) (entry, int, error) {
	var e entry

	keyLen, n1 := binary.Uvarint(p)
	if n1 <= 0 {
		return e, 0, errBadEntry
	}
	valLen, n2 := binary.Uvarint(p[n1:])
	if n2 <= 0 {
		return e, 0, errBadEntry
	}

	off := n1 + n2
	if uint64(len(p)-off) < entryFixedSize || uint64(len(p)-off-entryFixedSize) < keyLen+valLen {
		return e, 0, errBadEntry
	}

	e.seqN = binary.LittleEndian.Uint64(p[off:])
	e.kind = types.Kind(p[off+8])
	off += entryFixedSize

	e.key = p[off : off+int(keyLen)]
	off += int(keyLen)
	if e.kind == types.KindPut {
		e.value = p[off : off+int(valLen)]
	}
	off += int(valLen)

	return e, off, nil
}

type indexEntry struct {
	lastKey []byte
	handle
}

func appendIndexEntry(dst []byte, ie indexEntry) []byte {
	dst = binary.AppendUvarint(dst, uint64(len(ie.lastKey)))
	dst = append(dst, ie.lastKey...)
	dst = binary.AppendUvarint(dst, ie.offset)
	dst = binary.AppendUvarint(dst, ie.size)
	return dst
}

func decodeIndex(p []byte) ([]indexEntry, error) {
	var out []indexEntry
	for len(p) > 0 {
		keyLen, n := binary.Uvarint(p)
		if n <= 0 || uint64(len(p)-n) < keyLen {
			return nil, errors.New("malformed index key")
		}
		p = p[n:]
		key := append([]byte{}, p[:keyLen]...)
		p = p[keyLen:]

		off, n := binary.Uvarint(p)
		if n <= 0 {
			return nil, errors.New("malformed index offset")
		}
		p = p[n:]
		size, n := binary.Uvarint(p)
		if n <= 0 {
			return nil, errors.New("malformed index size")
		}
		p = p[n:]

		out = append(out, indexEntry{lastKey: key, handle: handle{offset: off, size: size}})
	}
	return out, nil
}
