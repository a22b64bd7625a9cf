package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"lsmkv/pkg/fsutil"
	"lsmkv/pkg/manifest"
	"lsmkv/pkg/memtable"
	"lsmkv/pkg/segment"
	"lsmkv/pkg/types"
)

// flushPending writes every sealed memtable into an L0 segment, oldest
// first. Each flushed memtable leaves the read state in the same swap that
// publishes its segment, and its WAL file is deleted afterwards.
func (s *Store) flushPending(ctx context.Context) error {
	s.flushMu.Lock()
	defer s.flushMu.Unlock()

	flushed := 0
	defer func() {
		if flushed > 0 {
			notify(s.compactCh)
		}
	}()

	for {
		if err := s.backgroundErr(); err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		s.stateMu.RLock()
		st := s.state
		if st == nil || len(st.imm) == 0 {
			s.stateMu.RUnlock()
			return nil
		}
		mt := st.imm[0]
		nextLogGen := st.mem.WALGen()
		if len(st.imm) > 1 {
			nextLogGen = st.imm[1].WALGen()
		}
		s.stateMu.RUnlock()

		if err := s.flushMemtable(mt, nextLogGen); err != nil {
			err = fmt.Errorf("flush memtable of wal %d: %w", mt.WALGen(), err)
			s.setBackgroundErr(err)
			return err
		}
		flushed++
		s.wakeWriters()
	}
}

// flushActive writes the active memtable during Close, after the WAL has
// been closed and no writer can run.
func (s *Store) flushActive() error {
	s.flushMu.Lock()
	defer s.flushMu.Unlock()

	mem := s.current().mem
	if mem.Empty() {
		return nil
	}
	mem.Seal()

	s.stateMu.Lock()
	old := s.state
	s.state = &readState{mem: memtable.New(mem.WALGen() + 1), imm: append(append([]*memtable.Memtable{}, old.imm...), mem), version: old.version}
	s.stateMu.Unlock()

	return s.flushMemtable(mem, mem.WALGen()+1)
}

// flushMemtable writes mt into a new L0 segment, publishes it and deletes
// the WAL that backed mt.
func (s *Store) flushMemtable(mt *memtable.Memtable, nextLogGen uint64) error {
	start := time.Now()

	meta, err := s.writeL0(mt, nextLogGen)
	if err != nil {
		return err
	}
	s.installVersion(mt)

	path := fsutil.WALPath(s.dir, mt.WALGen())
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		s.log.Warn("failed to remove flushed wal", "path", path, "error", err)
	}

	s.flushes.Add(1)
	s.flushedBytes.Add(uint64(meta.Size))
	s.log.Info("flushed memtable",
		"wal_gen", mt.WALGen(),
		"segment_gen", meta.Gen,
		"entries", meta.Count,
		"bytes", meta.Size,
		"duration", time.Since(start),
	)
	return nil
}

// writeL0 persists mt as an L0 segment and records in the manifest that WAL
// files older than logGen are no longer needed. A zero logGen leaves the
// manifest's log generation alone. An empty mt writes no segment.
func (s *Store) writeL0(mt *memtable.Memtable, logGen uint64) (segment.Meta, error) {
	edit := manifest.Edit{LogGen: logGen, LastSeq: mt.MaxSeq()}
	var meta segment.Meta
	if !mt.Empty() {
		var err error
		meta, err = s.writeSegment(mt.Sorted())
		if err != nil {
			return segment.Meta{}, err
		}
		edit.Add = []manifest.SegmentMeta{manifest.MetaOf(meta, 0)}
	}
	edit.NextGen = s.manifest.PeekNextGen()

	if err := s.manifest.Apply(edit); err != nil {
		if len(edit.Add) > 0 {
			_ = os.Remove(fsutil.SegmentPath(s.dir, meta.Gen))
		}
		return segment.Meta{}, err
	}
	return meta, nil
}

func (s *Store) writeSegment(items []memtable.Item) (segment.Meta, error) {
	gen := s.manifest.NextGen()
	w, err := segment.NewWriter(fsutil.SegmentPath(s.dir, gen), gen, segment.WriterOptionsFrom(s.cfg.Segment))
	if err != nil {
		return segment.Meta{}, err
	}

	for _, it := range items {
		if err := w.Add(types.Record{Key: it.Key, Value: it.Value, SeqN: it.SeqN, Kind: it.Kind}); err != nil {
			_ = w.Abort()
			return segment.Meta{}, err
		}
	}
	return w.Finish()
}
