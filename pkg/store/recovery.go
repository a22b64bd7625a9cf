package store

import (
	"errors"
	"fmt"
	"os"

	"lsmkv/pkg/dberrors"
	"lsmkv/pkg/fsutil"
	"lsmkv/pkg/memtable"
	"lsmkv/pkg/wal"
)

// recover replays every WAL the manifest still needs into L0 segments, then
// starts a fresh WAL and memtable. Records are flushed before the old logs
// are deleted, so a crash at any point leaves either the logs or the
// segments in place.
func (s *Store) recover() error {
	gens, err := fsutil.List(s.dir, fsutil.KindWAL)
	if err != nil {
		return dberrors.NewRecoveryError(err)
	}

	logGen := s.manifest.LogGen()
	var replay []uint64
	for _, gen := range gens {
		if gen >= logGen {
			replay = append(replay, gen)
		}
	}

	var (
		mem     = memtable.New(0)
		records int
	)
	for i, gen := range replay {
		path := fsutil.WALPath(s.dir, gen)
		res, err := wal.Replay(path, func(rec wal.Record) error {
			if err := mem.Upsert(rec.Key, rec.Value, rec.SeqN, rec.Kind); err != nil {
				return err
			}
			s.seqN.Advance(rec.SeqN)
			if mem.Size() < int64(s.cfg.Memtable.FlushThresholdBytes) {
				return nil
			}
			// logGen stays put until every log has been replayed
			if _, err := s.writeL0(mem, 0); err != nil {
				return err
			}
			mem = memtable.New(0)
			return nil
		})
		if err != nil {
			return dberrors.NewRecoveryError(err)
		}
		records += res.Records

		if res.Truncated {
			if i < len(replay)-1 {
				return dberrors.NewRecoveryError(dberrors.NewCorruptionError(path, res.ValidOffset, res.Reason))
			}
			s.log.Warn("discarding torn wal tail",
				"path", path,
				"valid_offset", res.ValidOffset,
				"reason", res.Reason,
			)
		}
	}

	newGen := s.manifest.NextGen()
	w, err := wal.Create(s.dir, newGen, s.walOptions())
	if err != nil {
		return dberrors.NewRecoveryError(err)
	}

	if _, err := s.writeL0(mem, newGen); err != nil {
		_ = w.Close()
		_ = os.Remove(w.Path())
		return dberrors.NewRecoveryError(fmt.Errorf("flush recovered writes: %w", err))
	}

	for _, gen := range gens {
		if gen >= newGen {
			continue
		}
		path := fsutil.WALPath(s.dir, gen)
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			s.log.Warn("failed to remove replayed wal", "path", path, "error", err)
		}
	}

	if len(replay) > 0 {
		s.log.Info("recovered wal",
			"files", len(replay),
			"records", records,
			"seq", s.seqN.Val(),
		)
	}

	s.wal = w
	s.state = &readState{
		mem:     memtable.New(newGen),
		version: s.manifest.Current(),
	}
	return nil
}
