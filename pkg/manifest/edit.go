package manifest

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
)

// SegmentMeta is what the manifest records about a live segment.
type SegmentMeta struct {
	Gen    uint64 `json:"gen"`
	Level  int    `json:"level"`
	Size   int64  `json:"size"`
	MinKey []byte `json:"min_key"`
	MaxKey []byte `json:"max_key"`
	MaxSeq uint64 `json:"max_seq"`
}

// Edit is one manifest log record. Segments in Remove are dropped before
// segments in Add are installed, so moving a segment between levels is a
// remove and an add of the same generation. Counters only ever move forward;
// zero leaves them unchanged.
type Edit struct {
	// Snapshot resets the state to exactly this edit.
	Snapshot bool   `json:"snapshot,omitempty"`
	StoreID  string `json:"store_id,omitempty"`

	Add    []SegmentMeta `json:"add,omitempty"`
	Remove []uint64      `json:"remove,omitempty"`

	NextGen uint64 `json:"next_gen,omitempty"`
	LogGen  uint64 `json:"log_gen,omitempty"`
	LastSeq uint64 `json:"last_seq,omitempty"`
}

// state is the fold of every edit read so far.
type state struct {
	storeID  string
	segments map[uint64]SegmentMeta
	nextGen  uint64
	logGen   uint64
	lastSeq  uint64
}

func newState() *state {
	return &state{segments: make(map[uint64]SegmentMeta), nextGen: 1}
}

func (s *state) apply(e Edit) {
	if e.Snapshot {
		*s = *newState()
	}
	if e.StoreID != "" {
		s.storeID = e.StoreID
	}
	for _, gen := range e.Remove {
		delete(s.segments, gen)
	}
	for _, sm := range e.Add {
		s.segments[sm.Gen] = sm
		s.nextGen = max(s.nextGen, sm.Gen+1)
	}
	s.nextGen = max(s.nextGen, e.NextGen)
	s.logGen = max(s.logGen, e.LogGen)
	s.lastSeq = max(s.lastSeq, e.LastSeq)
}

func (s *state) snapshot() Edit {
	e := Edit{
		Snapshot: true,
		StoreID:  s.storeID,
		NextGen:  s.nextGen,
		LogGen:   s.logGen,
		LastSeq:  s.lastSeq,
	}
	for _, sm := range s.segments {
		e.Add = append(e.Add, sm)
	}
	return e
}

// Records are framed as crc32c(payload) uint32 | len(payload) uint32 | JSON.
const recordHeaderSize = 8

var (
	crcTable = crc32.MakeTable(crc32.Castagnoli)

	errTornRecord = errors.New("torn manifest record")
)

func encodeEdit(e Edit) ([]byte, error) {
	payload, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("marshal manifest edit: %w", err)
	}

	buf := make([]byte, recordHeaderSize, recordHeaderSize+len(payload))
	binary.LittleEndian.PutUint32(buf[0:4], crc32.Checksum(payload, crcTable))
	binary.LittleEndian.PutUint32(buf[4:8], uint32(len(payload)))
	return append(buf, payload...), nil
}

// readEdits decodes edits until EOF or the first invalid record, which is
// reported as errTornRecord together with the edits read before it.
func readEdits(r io.Reader) ([]Edit, error) {
	var (
		edits []Edit
		hdr   [recordHeaderSize]byte
	)

	for {
		if _, err := io.ReadFull(r, hdr[:]); err != nil {
			if errors.Is(err, io.EOF) {
				return edits, nil
			}
			if errors.Is(err, io.ErrUnexpectedEOF) {
				return edits, errTornRecord
			}
			return edits, err
		}

		n := binary.LittleEndian.Uint32(hdr[4:8])
		if n == 0 || n > 64<<20 {
			return edits, errTornRecord
		}
		payload := make([]byte, n)
		if _, err := io.ReadFull(r, payload); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return edits, errTornRecord
			}
			return edits, err
		}
		if crc32.Checksum(payload, crcTable) != binary.LittleEndian.Uint32(hdr[0:4]) {
			return edits, errTornRecord
		}

		var e Edit
		if err := json.Unmarshal(payload, &e); err != nil {
			return edits, errTornRecord
		}
		edits = append(edits, e)
	}
}
