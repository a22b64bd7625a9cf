package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"

	"lsmkv/pkg/cache"
	"lsmkv/pkg/clock"
	"lsmkv/pkg/compaction"
	"lsmkv/pkg/config"
	"lsmkv/pkg/dberrors"
	"lsmkv/pkg/fsutil"
	"lsmkv/pkg/listener"
	"lsmkv/pkg/manifest"
	"lsmkv/pkg/memtable"
	"lsmkv/pkg/types"
	"lsmkv/pkg/wal"
)

// readState is what a lookup consults: the active memtable, the sealed
// memtables waiting for flush (oldest first) and the segment version. A
// state is never modified after it is published. It owns one reference on
// its version.
type readState struct {
	mem     *memtable.Memtable
	imm     []*memtable.Memtable
	version *manifest.Version
}

// Store is an embedded LSM key-value store rooted at one directory. All
// methods are safe for concurrent use. Writes are serialized; reads never
// wait for writes, flushes or compactions.
type Store struct {
	dir string
	cfg config.DB
	log *slog.Logger

	lock      *fsutil.Lock
	cache     *cache.Cache
	manifest  *manifest.Manifest
	compactor *compaction.Compactor
	seqN      *clock.AtomicClock

	// writeMu serializes writers and guards wal, mem and closed transitions.
	writeMu sync.Mutex
	stall   *sync.Cond
	wal     *wal.WAL
	closed  atomic.Bool

	// closeMu is held shared by Flush and Compact so that Close can wait
	// for them.
	closeMu sync.RWMutex

	stateMu sync.RWMutex
	state   *readState

	flushMu sync.Mutex
	flushCh chan struct{}
	flusher *listener.Listener[struct{}]

	compactCh chan struct{}
	compacter *listener.Listener[struct{}]

	bgMu  sync.Mutex
	bgErr error

	flushes      atomic.Uint64
	flushedBytes atomic.Uint64
}

// Open opens the store in dir, creating it if needed, and recovers any
// writes that were logged but not flushed. A nil cfg uses the defaults.
// Open either returns a fully recovered store or releases everything it
// acquired.
func Open(dir string, cfg *config.DB) (*Store, error) {
	c := config.DefaultDB()
	if cfg != nil {
		c = *cfg
	}
	c.Dir = dir

	if dir == "" {
		return nil, fmt.Errorf("%w: empty directory", dberrors.ErrInvalidArgument)
	}
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", dberrors.ErrInvalidArgument, err)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, dberrors.NewIOError("create dir", dir, err)
	}

	lock, err := fsutil.AcquireLock(dir)
	if err != nil {
		if errors.Is(err, fsutil.ErrLocked) {
			return nil, fmt.Errorf("%w: %s", dberrors.ErrLocked, dir)
		}
		return nil, dberrors.WrapIO("lock", dir, err)
	}

	s := &Store{
		dir:       dir,
		cfg:       c,
		log:       slog.Default().With("component", "store", "dir", dir),
		lock:      lock,
		cache:     cache.New(c.Cache.CapacityBytes),
		flushCh:   make(chan struct{}, 1),
		compactCh: make(chan struct{}, 1),
	}
	s.stall = sync.NewCond(&s.writeMu)

	if err := s.open(); err != nil {
		s.abandon()
		return nil, err
	}

	s.startWorkers()
	s.log.Info("store opened",
		"store_id", s.manifest.StoreID(),
		"seq", s.seqN.Val(),
		"wal_gen", s.wal.Gen(),
	)

	return s, nil
}

func (s *Store) open() error {
	m, err := manifest.Open(s.dir, manifest.Options{
		NumLevels: s.cfg.Compaction.MaxLevels,
		MaxEdits:  s.cfg.Manifest.MaxEdits,
		Cache:     s.cache,
		Logger:    slog.Default(),
	})
	if err != nil {
		return err
	}
	s.manifest = m
	s.seqN = clock.NewAtomic(m.LastSeq())

	if err := s.recover(); err != nil {
		return err
	}

	compactionOpts := compaction.OptionsFrom(&s.cfg)
	compactionOpts.Logger = slog.Default()
	s.compactor = compaction.New(s.dir, m, compactionOpts)

	return nil
}

// abandon releases what a failed Open acquired.
func (s *Store) abandon() {
	if s.wal != nil {
		_ = s.wal.Close()
	}
	if s.state != nil {
		s.state.version.Unref()
	}
	if s.manifest != nil {
		_ = s.manifest.Close()
	}
	if err := s.lock.Release(); err != nil {
		s.log.Warn("failed to release lock", "error", err)
	}
}

func (s *Store) walOptions() wal.Options {
	return wal.Options{
		Sync:         s.cfg.WAL.Sync,
		SyncInterval: s.cfg.WAL.SyncInterval,
		Logger:       slog.Default(),
	}
}

func (s *Store) startWorkers() {
	s.flusher = listener.New(s.flushCh, func(ctx context.Context, _ struct{}) error {
		if err := s.flushPending(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	}, listener.WithErrorHandler[struct{}](func(err error) {
		s.log.Error("flush failed", "error", err)
	}))
	s.flusher.Start(context.Background())

	opts := []listener.Option[struct{}]{
		listener.WithErrorHandler[struct{}](func(err error) {
			s.log.Error("compaction failed", "error", err)
		}),
	}
	if s.cfg.Compaction.Interval > 0 {
		opts = append(opts, listener.WithTick(s.cfg.Compaction.Interval, struct{}{}))
	}
	s.compacter = listener.New(s.compactCh, func(ctx context.Context, _ struct{}) error {
		return s.compactBackground(ctx)
	}, opts...)
	if !s.cfg.Compaction.Disabled {
		s.compacter.Start(context.Background())
	}
}

// Put stores value under key. Once Put returns nil the write survives a
// crash, subject to the configured WAL sync mode.
func (s *Store) Put(key, value []byte) error {
	if value == nil {
		value = []byte{}
	}
	return s.write(key, value, types.KindPut)
}

// Delete removes key. Deleting a missing key is not an error.
func (s *Store) Delete(key []byte) error {
	return s.write(key, nil, types.KindDelete)
}

func (s *Store) write(key, value []byte, kind types.Kind) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if s.closed.Load() {
		return dberrors.ErrClosed
	}
	if err := s.backgroundErr(); err != nil {
		return err
	}

	mem := s.current().mem
	if mem.Size() >= int64(s.cfg.Memtable.FlushThresholdBytes) {
		if err := s.rotate(); err != nil {
			return err
		}
		mem = s.current().mem
	}

	rec := types.Record{
		Key:   append([]byte{}, key...),
		Value: types.Clone(value),
		SeqN:  s.seqN.Val() + 1,
		Kind:  kind,
	}
	if _, err := s.wal.Append(rec); err != nil {
		if errors.Is(err, wal.ErrTooLarge) {
			return fmt.Errorf("%w: %w", dberrors.ErrInvalidArgument, err)
		}
		return err
	}
	s.seqN.Set(rec.SeqN)

	return mem.Upsert(rec.Key, rec.Value, rec.SeqN, rec.Kind)
}

// rotate seals the active memtable and starts a new memtable and WAL. It
// waits while too many sealed memtables are pending. writeMu must be held.
func (s *Store) rotate() error {
	for len(s.current().imm) >= s.cfg.Memtable.MaxImmTables {
		if s.closed.Load() {
			return dberrors.ErrClosed
		}
		if err := s.backgroundErr(); err != nil {
			return err
		}
		s.log.Debug("write stalled on pending flushes")
		s.stall.Wait()
	}

	gen := s.manifest.NextGen()
	next, err := wal.Create(s.dir, gen, s.walOptions())
	if err != nil {
		return err
	}
	if err := s.wal.Sync(); err != nil {
		_ = next.Close()
		_ = os.Remove(next.Path())
		return err
	}
	if err := s.wal.Close(); err != nil {
		s.log.Warn("failed to close rotated wal", "gen", s.wal.Gen(), "error", err)
	}
	s.wal = next

	s.stateMu.Lock()
	old := s.state
	old.mem.Seal()
	imm := make([]*memtable.Memtable, 0, len(old.imm)+1)
	imm = append(imm, old.imm...)
	imm = append(imm, old.mem)
	s.state = &readState{mem: memtable.New(gen), imm: imm, version: old.version}
	s.stateMu.Unlock()

	s.log.Debug("rotated memtable", "sealed_wal_gen", old.mem.WALGen(), "wal_gen", gen, "pending", len(imm))
	notify(s.flushCh)
	return nil
}

// current returns the published state without taking a version reference.
// Only the fields owned by the caller's lock are safe to use.
func (s *Store) current() *readState {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()
	return s.state
}

// acquire returns the published state with a reference on its version. The
// caller must call the returned release function.
func (s *Store) acquire() (*readState, func(), error) {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()

	st := s.state
	if st == nil {
		return nil, nil, dberrors.ErrClosed
	}
	st.version.Ref()
	return st, st.version.Unref, nil
}

// installVersion publishes the manifest's current version, dropping the
// sealed memtables in flushed from the state. stateMu must not be held.
func (s *Store) installVersion(flushed *memtable.Memtable) {
	s.stateMu.Lock()
	old := s.state
	if old == nil {
		s.stateMu.Unlock()
		return
	}
	st := &readState{mem: old.mem, imm: old.imm, version: s.manifest.Current()}
	if flushed != nil {
		st.imm = make([]*memtable.Memtable, 0, len(old.imm))
		for _, mt := range old.imm {
			if mt != flushed {
				st.imm = append(st.imm, mt)
			}
		}
	}
	s.state = st
	s.stateMu.Unlock()

	old.version.Unref()
}

// Get returns the value stored under key. The second result is false if the
// key does not exist or was deleted.
func (s *Store) Get(key []byte) ([]byte, bool, error) {
	if s.closed.Load() {
		return nil, false, dberrors.ErrClosed
	}

	st, release, err := s.acquire()
	if err != nil {
		return nil, false, err
	}
	defer release()

	if it, ok := st.mem.Get(key); ok {
		return itemValue(it)
	}
	for i := len(st.imm) - 1; i >= 0; i-- {
		if it, ok := st.imm[i].Get(key); ok {
			return itemValue(it)
		}
	}

	rec, ok, err := st.version.Get(key)
	if err != nil {
		return nil, false, fmt.Errorf("get %q: %w", key, err)
	}
	if !ok || rec.Tombstone() {
		return nil, false, nil
	}
	return rec.Value, true, nil
}

func itemValue(it memtable.Item) ([]byte, bool, error) {
	if it.Tombstone() {
		return nil, false, nil
	}
	return append([]byte{}, it.Value...), true, nil
}

// Flush writes the active memtable and every sealed one into segments and
// waits for it.
func (s *Store) Flush() error {
	s.closeMu.RLock()
	defer s.closeMu.RUnlock()

	return s.flush()
}

func (s *Store) flush() error {
	s.writeMu.Lock()
	if s.closed.Load() {
		s.writeMu.Unlock()
		return dberrors.ErrClosed
	}
	if err := s.backgroundErr(); err != nil {
		s.writeMu.Unlock()
		return err
	}
	if !s.current().mem.Empty() {
		if err := s.rotate(); err != nil {
			s.writeMu.Unlock()
			return err
		}
	}
	s.writeMu.Unlock()

	return s.flushPending(context.Background())
}

// Compact flushes and then merges every segment into the deepest level.
func (s *Store) Compact(ctx context.Context) error {
	s.closeMu.RLock()
	defer s.closeMu.RUnlock()

	if err := s.flush(); err != nil {
		return err
	}
	if err := s.compactor.Full(ctx); err != nil {
		return fmt.Errorf("compact: %w", err)
	}
	s.installVersion(nil)
	return nil
}

func (s *Store) compactBackground(ctx context.Context) error {
	if s.backgroundErr() != nil || s.closed.Load() {
		return nil
	}

	err := s.compactor.CompactAll(ctx)
	s.installVersion(nil)

	if err != nil && !errors.Is(err, context.Canceled) {
		s.setBackgroundErr(fmt.Errorf("background compaction: %w", err))
		return err
	}
	return nil
}

func (s *Store) backgroundErr() error {
	s.bgMu.Lock()
	defer s.bgMu.Unlock()
	return s.bgErr
}

// setBackgroundErr records the first background failure. Later writes,
// flushes and compactions return it.
func (s *Store) setBackgroundErr(err error) {
	s.bgMu.Lock()
	if s.bgErr == nil {
		s.bgErr = err
		s.log.Error("background error, store is now read-only", "error", err)
	}
	s.bgMu.Unlock()

	s.wakeWriters()
}

func (s *Store) wakeWriters() {
	s.writeMu.Lock()
	s.stall.Broadcast()
	s.writeMu.Unlock()
}

// Close flushes memtables if configured, stops background work and
// releases the directory. Calling Close again returns nil. After Close
// every method returns ErrClosed.
func (s *Store) Close() error {
	s.writeMu.Lock()
	if s.closed.Swap(true) {
		s.writeMu.Unlock()
		return nil
	}
	s.stall.Broadcast()
	s.writeMu.Unlock()

	// wait for in-flight Flush and Compact calls
	s.closeMu.Lock()
	s.closeMu.Unlock()

	s.compacter.Stop()
	s.flusher.Stop()

	var errs []error
	if s.backgroundErr() == nil {
		if err := s.flushPending(context.Background()); err != nil {
			errs = append(errs, err)
		}
	}

	s.writeMu.Lock()
	if err := s.wal.Close(); err != nil {
		errs = append(errs, err)
	}
	s.writeMu.Unlock()

	if s.cfg.FlushOnClose && len(errs) == 0 && s.backgroundErr() == nil {
		if err := s.flushActive(); err != nil {
			errs = append(errs, err)
		}
	}

	s.stateMu.Lock()
	s.state.version.Unref()
	s.state = nil
	s.stateMu.Unlock()

	if err := s.manifest.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := s.lock.Release(); err != nil {
		errs = append(errs, dberrors.WrapIO("unlock", s.dir, err))
	}

	s.log.Info("store closed", "seq", s.seqN.Val())
	return errors.Join(errs...)
}

func notify(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}
