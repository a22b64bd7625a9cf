package store

import (
	"lsmkv/pkg/cache"
	"lsmkv/pkg/compaction"
	"lsmkv/pkg/dberrors"
)

type LevelStats struct {
	Level    int     `json:"level"`
	Segments int     `json:"segments"`
	Bytes    int64   `json:"bytes"`
	Score    float64 `json:"score"`
}

// Stats is a point-in-time view of the store, meant for operators.
type Stats struct {
	StoreID         string           `json:"store_id"`
	Dir             string           `json:"dir"`
	Seq             uint64           `json:"seq"`
	WALGen          uint64           `json:"wal_gen"`
	MemtableBytes   int64            `json:"memtable_bytes"`
	MemtableEntries int              `json:"memtable_entries"`
	SealedMemtables int              `json:"sealed_memtables"`
	Levels          []LevelStats     `json:"levels"`
	Flushes         uint64           `json:"flushes"`
	FlushedBytes    uint64           `json:"flushed_bytes"`
	Compaction      compaction.Stats `json:"compaction"`
	Cache           cache.Stats      `json:"cache"`
	BackgroundError string           `json:"background_error,omitempty"`
}

func (s *Store) Stats() (Stats, error) {
	if s.closed.Load() {
		return Stats{}, dberrors.ErrClosed
	}

	st, release, err := s.acquire()
	if err != nil {
		return Stats{}, err
	}
	defer release()

	s.writeMu.Lock()
	walGen := s.wal.Gen()
	s.writeMu.Unlock()

	stats := Stats{
		StoreID:         s.manifest.StoreID(),
		Dir:             s.dir,
		Seq:             s.seqN.Val(),
		WALGen:          walGen,
		MemtableBytes:   st.mem.Size(),
		MemtableEntries: st.mem.Len(),
		SealedMemtables: len(st.imm),
		Flushes:         s.flushes.Load(),
		FlushedBytes:    s.flushedBytes.Load(),
		Compaction:      s.compactor.Stats(),
		Cache:           s.cache.Stats(),
	}
	if err := s.backgroundErr(); err != nil {
		stats.BackgroundError = err.Error()
	}

	scores := s.compactor.ScoresFor(st.version)
	for lvl := 0; lvl < st.version.NumLevels(); lvl++ {
		ls := LevelStats{
			Level:    lvl,
			Segments: len(st.version.Level(lvl)),
			Bytes:    st.version.LevelSize(lvl),
		}
		if lvl < len(scores) {
			ls.Score = scores[lvl]
		}
		stats.Levels = append(stats.Levels, ls)
	}

	return stats, nil
}
