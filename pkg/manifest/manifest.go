package manifest

import (
	"bufio"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"sync"

	"github.com/google/uuid"

	"lsmkv/pkg/cache"
	"lsmkv/pkg/dberrors"
	"lsmkv/pkg/fsutil"
	"lsmkv/pkg/segment"
)

var (
	ErrFailed   = errors.New("manifest: earlier write failed")
	ErrBadLevel = errors.New("manifest: level out of range")
)

type Options struct {
	NumLevels int
	// MaxEdits is the number of log records after which the log is rewritten
	// as a single snapshot record.
	MaxEdits int
	Cache    *cache.Cache
	Logger   *slog.Logger
}

func (o Options) norm() Options {
	if o.NumLevels <= 1 {
		o.NumLevels = 7
	}
	if o.MaxEdits <= 0 {
		o.MaxEdits = 1000
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}

// Manifest is the durable record of which segments are live, at which level,
// plus the store's persisted counters. Apply is serialized internally; every
// other method is safe for concurrent use.
type Manifest struct {
	dir  string
	opts Options
	log  *slog.Logger

	mu      sync.Mutex
	state   *state
	readers map[uint64]*segment.Reader
	current *Version
	file    *os.File
	edits   int
	err     error
}

// Open loads the manifest in dir, creating it if absent. Segments listed in
// the manifest whose files are missing are dropped, and segment files the
// manifest doesn't list are deleted. The log is always rewritten as a single
// snapshot on open.
func Open(dir string, opts Options) (*Manifest, error) {
	opts = opts.norm()
	m := &Manifest{
		dir:     dir,
		opts:    opts,
		log:     opts.Logger.With("component", "manifest"),
		readers: make(map[uint64]*segment.Reader),
	}

	st, err := m.replay()
	if err != nil {
		return nil, err
	}
	m.state = st

	if err := m.reconcile(); err != nil {
		m.releaseReaders()
		return nil, err
	}
	if err := m.rewrite(); err != nil {
		m.releaseReaders()
		return nil, err
	}

	m.current = newVersion(opts.NumLevels, m.readers, m.state.segments)
	m.log.Info("manifest opened",
		"store_id", m.state.storeID,
		"segments", len(m.readers),
		"next_gen", m.state.nextGen,
		"log_gen", m.state.logGen,
		"last_seq", m.state.lastSeq,
	)

	return m, nil
}

func (m *Manifest) replay() (*state, error) {
	st := newState()
	path := fsutil.ManifestPath(m.dir)

	file, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		st.storeID = uuid.NewString()
		m.log.Info("creating new manifest", "store_id", st.storeID)
		return st, nil
	}
	if err != nil {
		return nil, dberrors.NewIOError("open manifest", path, err)
	}
	defer file.Close()

	edits, err := readEdits(bufio.NewReader(file))
	switch {
	case errors.Is(err, errTornRecord) && len(edits) == 0:
		return nil, dberrors.NewRecoveryError(
			dberrors.NewCorruptionError(path, 0, "first manifest record is invalid"))
	case errors.Is(err, errTornRecord):
		m.log.Warn("ignoring torn manifest tail", "valid_records", len(edits))
	case err != nil:
		return nil, dberrors.NewIOError("read manifest", path, err)
	}

	for _, e := range edits {
		st.apply(e)
	}
	if st.storeID == "" {
		st.storeID = uuid.NewString()
	}
	return st, nil
}

// reconcile opens every listed segment and brings the directory in line with
// the manifest.
func (m *Manifest) reconcile() error {
	for gen, sm := range m.state.segments {
		if sm.Level < 0 || sm.Level >= m.opts.NumLevels {
			return dberrors.NewRecoveryError(fmt.Errorf("%w: segment %d at level %d", ErrBadLevel, gen, sm.Level))
		}

		path := fsutil.SegmentPath(m.dir, gen)
		r, err := segment.Open(path, m.opts.Cache, m.opts.Logger)
		if errors.Is(err, os.ErrNotExist) {
			m.log.Warn("dropping missing segment from manifest", "gen", gen, "level", sm.Level)
			delete(m.state.segments, gen)
			continue
		}
		if err != nil {
			return dberrors.NewRecoveryError(err)
		}
		m.readers[gen] = r
	}

	segs, err := fsutil.List(m.dir, fsutil.KindSegment)
	if err != nil {
		return dberrors.NewIOError("list segments", m.dir, err)
	}
	for _, gen := range segs {
		m.state.nextGen = max(m.state.nextGen, gen+1)
		if _, ok := m.readers[gen]; ok {
			continue
		}
		path := fsutil.SegmentPath(m.dir, gen)
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return dberrors.NewIOError("remove orphan segment", path, err)
		}
		m.log.Info("removed orphan segment", "gen", gen)
	}

	wals, err := fsutil.List(m.dir, fsutil.KindWAL)
	if err != nil {
		return dberrors.NewIOError("list wal files", m.dir, err)
	}
	for _, gen := range wals {
		m.state.nextGen = max(m.state.nextGen, gen+1)
	}

	return nil
}

// rewrite replaces the log with a single snapshot record and leaves it open
// for appends.
func (m *Manifest) rewrite() error {
	tmp := fsutil.ManifestTmpPath(m.dir)
	path := fsutil.ManifestPath(m.dir)

	rec, err := encodeEdit(m.state.snapshot())
	if err != nil {
		return err
	}

	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return dberrors.NewIOError("create manifest", tmp, err)
	}
	if _, err := f.Write(rec); err != nil {
		_ = f.Close()
		return dberrors.NewIOError("write manifest", tmp, err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return dberrors.NewIOError("sync manifest", tmp, err)
	}
	if err := f.Close(); err != nil {
		return dberrors.NewIOError("close manifest", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return dberrors.NewIOError("rename manifest", path, err)
	}
	if err := fsutil.SyncDir(m.dir); err != nil {
		return dberrors.NewIOError("sync dir", m.dir, err)
	}

	file, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return dberrors.NewIOError("open manifest", path, err)
	}
	if m.file != nil {
		_ = m.file.Close()
	}
	m.file = file
	m.edits = 1

	return nil
}

// Apply logs e durably and installs the resulting version. Segments in
// e.Add must already be finished on disk. Removed segments are deleted once
// no version references them.
//
// A failed log write leaves the manifest unusable: every later Apply
// returns ErrFailed.
func (m *Manifest) Apply(e Edit) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.err != nil {
		return fmt.Errorf("%w: %w", ErrFailed, m.err)
	}
	if m.file == nil {
		return dberrors.ErrClosed
	}

	opened, err := m.openAdded(e.Add)
	if err != nil {
		return err
	}

	rec, err := encodeEdit(e)
	if err != nil {
		unrefAll(opened)
		return err
	}
	if err := m.append(rec); err != nil {
		unrefAll(opened)
		m.err = err
		m.log.Error("manifest write failed", "error", err)
		return err
	}

	m.state.apply(e)
	m.install(e, opened)

	if m.edits > m.opts.MaxEdits {
		if err := m.rewrite(); err != nil {
			// the appended log is still valid, so only the rewrite failed
			m.log.Warn("manifest rewrite failed", "error", err)
		}
	}

	return nil
}

func (m *Manifest) openAdded(add []SegmentMeta) (map[uint64]*segment.Reader, error) {
	opened := make(map[uint64]*segment.Reader)
	for _, sm := range add {
		if sm.Level < 0 || sm.Level >= m.opts.NumLevels {
			unrefAll(opened)
			return nil, fmt.Errorf("%w: %d", ErrBadLevel, sm.Level)
		}
		if _, ok := m.readers[sm.Gen]; ok {
			continue
		}
		r, err := segment.Open(fsutil.SegmentPath(m.dir, sm.Gen), m.opts.Cache, m.opts.Logger)
		if err != nil {
			unrefAll(opened)
			return nil, err
		}
		opened[sm.Gen] = r
	}
	return opened, nil
}

func (m *Manifest) append(rec []byte) error {
	if _, err := m.file.Write(rec); err != nil {
		return dberrors.NewIOError("write manifest", m.file.Name(), err)
	}
	if err := m.file.Sync(); err != nil {
		return dberrors.NewIOError("sync manifest", m.file.Name(), err)
	}
	m.edits++
	return nil
}

// install swaps in the version for the current state and retires segments
// that left it.
func (m *Manifest) install(e Edit, opened map[uint64]*segment.Reader) {
	for gen, r := range opened {
		m.readers[gen] = r
	}

	var retired []*segment.Reader
	for gen, r := range m.readers {
		if _, ok := m.state.segments[gen]; !ok {
			retired = append(retired, r)
			delete(m.readers, gen)
		}
	}

	old := m.current
	m.current = newVersion(m.opts.NumLevels, m.readers, m.state.segments)
	old.Unref()

	for _, r := range retired {
		r.MarkObsolete()
		r.Unref()
	}

	m.log.Debug("installed version",
		"added", len(e.Add),
		"removed", len(e.Remove),
		"retired", len(retired),
		"segments", len(m.readers),
	)
}

// Current returns the live version with a reference the caller must drop.
// It returns nil once the manifest is closed.
func (m *Manifest) Current() *Version {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.current == nil {
		return nil
	}
	m.current.Ref()
	return m.current
}

// NextGen reserves a file generation. Reserved generations are persisted
// with the next edit; reuse after a crash is prevented by scanning the
// directory on open.
func (m *Manifest) NextGen() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	gen := m.state.nextGen
	m.state.nextGen++
	return gen
}

// PeekNextGen returns the generation NextGen would hand out.
func (m *Manifest) PeekNextGen() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.nextGen
}

func (m *Manifest) LogGen() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.logGen
}

func (m *Manifest) LastSeq() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.lastSeq
}

func (m *Manifest) StoreID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.storeID
}

// Segments returns the metadata of every live segment ordered by generation.
func (m *Manifest) Segments() []SegmentMeta {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]SegmentMeta, 0, len(m.state.segments))
	for _, sm := range m.state.segments {
		out = append(out, sm)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Gen < out[j].Gen })
	return out
}

// Close drops the manifest's version. Versions held by readers stay usable
// until they are released.
func (m *Manifest) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.file == nil {
		return nil
	}

	err := m.file.Close()
	m.file = nil
	if m.current != nil {
		m.current.Unref()
		m.current = nil
	}
	m.releaseReaders()

	if err != nil {
		return dberrors.NewIOError("close manifest", fsutil.ManifestPath(m.dir), err)
	}
	return nil
}

func (m *Manifest) releaseReaders() {
	for gen, r := range m.readers {
		r.Unref()
		delete(m.readers, gen)
	}
}

func unrefAll(rs map[uint64]*segment.Reader) {
	for _, r := range rs {
		r.Unref()
	}
}

// MetaOf builds the manifest entry for a finished segment.
func MetaOf(meta segment.Meta, level int) SegmentMeta {
	return SegmentMeta{
		Gen:    meta.Gen,
		Level:  level,
		Size:   meta.Size,
		MinKey: meta.MinKey,
		MaxKey: meta.MaxKey,
		MaxSeq: meta.MaxSeq,
	}
}
