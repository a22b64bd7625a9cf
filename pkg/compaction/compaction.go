package compaction

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"lsmkv/pkg/config"
	"lsmkv/pkg/dberrors"
	"lsmkv/pkg/fsutil"
	"lsmkv/pkg/iterator"
	"lsmkv/pkg/manifest"
	"lsmkv/pkg/segment"
	"lsmkv/pkg/types"
)

type Options struct {
	NumLevels           int
	L0Trigger           int
	LevelBaseBytes      int64
	LevelSizeMultiplier int
	TargetFileSize      int64
	Writer              segment.WriterOptions
	Logger              *slog.Logger
}

func OptionsFrom(cfg *config.DB) Options {
	return Options{
		NumLevels:           cfg.Compaction.MaxLevels,
		L0Trigger:           cfg.Compaction.L0Trigger,
		LevelBaseBytes:      cfg.Compaction.LevelBaseBytes,
		LevelSizeMultiplier: cfg.Compaction.LevelSizeMultiplier,
		TargetFileSize:      cfg.Segment.TargetFileSize,
		Writer:              segment.WriterOptionsFrom(cfg.Segment),
	}
}

func (o Options) norm() Options {
	if o.NumLevels < 2 {
		o.NumLevels = 7
	}
	if o.L0Trigger < 1 {
		o.L0Trigger = 4
	}
	if o.LevelBaseBytes < 1 {
		o.LevelBaseBytes = 8 << 20
	}
	if o.LevelSizeMultiplier < 2 {
		o.LevelSizeMultiplier = 10
	}
	if o.TargetFileSize < 1 {
		o.TargetFileSize = 2 << 20
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}

// Stats are cumulative counters since the compactor was created.
type Stats struct {
	Compactions  uint64 `json:"compactions"`
	TrivialMoves uint64 `json:"trivial_moves"`
	BytesRead    uint64 `json:"bytes_read"`
	BytesWritten uint64 `json:"bytes_written"`
	Tombstones   uint64 `json:"tombstones_dropped"`
}

// Compactor merges segments of a manifest. At most one compaction runs at a
// time.
type Compactor struct {
	dir    string
	m      *manifest.Manifest
	opts   Options
	picker *Picker
	log    *slog.Logger

	mu sync.Mutex

	compactions  atomic.Uint64
	trivialMoves atomic.Uint64
	bytesRead    atomic.Uint64
	bytesWritten atomic.Uint64
	tombstones   atomic.Uint64
}

func New(dir string, m *manifest.Manifest, opts Options) *Compactor {
	opts = opts.norm()
	return &Compactor{
		dir:    dir,
		m:      m,
		opts:   opts,
		picker: NewPicker(opts),
		log:    opts.Logger.With("component", "compaction"),
	}
}

// MaybeCompact runs a single task if some level needs it. It reports whether
// a task ran.
func (c *Compactor) MaybeCompact(ctx context.Context) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	v := c.m.Current()
	if v == nil {
		return false, dberrors.ErrClosed
	}
	defer v.Unref()

	task := c.picker.Pick(v)
	if task == nil {
		return false, nil
	}
	return true, c.run(ctx, v, task)
}

// CompactAll repeatedly runs tasks until no level needs one or ctx is done.
func (c *Compactor) CompactAll(ctx context.Context) error {
	for {
		ran, err := c.MaybeCompact(ctx)
		if err != nil || !ran {
			return err
		}
	}
}

// Full merges every segment into the deepest level.
func (c *Compactor) Full(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	v := c.m.Current()
	if v == nil {
		return dberrors.ErrClosed
	}
	defer v.Unref()

	task := Full(v)
	if task == nil {
		return nil
	}
	return c.run(ctx, v, task)
}

// ScoresFor returns the level scores of v, which the caller keeps referenced.
func (c *Compactor) ScoresFor(v *manifest.Version) []float64 {
	return c.picker.Scores(v)
}

func (c *Compactor) Stats() Stats {
	return Stats{
		Compactions:  c.compactions.Load(),
		TrivialMoves: c.trivialMoves.Load(),
		BytesRead:    c.bytesRead.Load(),
		BytesWritten: c.bytesWritten.Load(),
		Tombstones:   c.tombstones.Load(),
	}
}

func (c *Compactor) run(ctx context.Context, v *manifest.Version, task *Task) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	if task.TrivialMove() {
		return c.move(task)
	}

	start := time.Now()
	outputs, dropped, err := c.merge(ctx, v, task)
	if err != nil {
		c.removeOutputs(outputs)
		return err
	}

	edit := manifest.Edit{NextGen: c.m.PeekNextGen()}
	for _, r := range task.All() {
		edit.Remove = append(edit.Remove, r.Gen())
	}
	var written int64
	for _, meta := range outputs {
		edit.Add = append(edit.Add, manifest.MetaOf(meta, task.Target))
		written += meta.Size
	}

	if err := c.m.Apply(edit); err != nil {
		c.removeOutputs(outputs)
		return fmt.Errorf("install compaction: %w", err)
	}

	read := task.InputBytes()
	c.compactions.Add(1)
	c.bytesRead.Add(uint64(read))
	c.bytesWritten.Add(uint64(written))
	c.tombstones.Add(dropped)

	c.log.Info("compaction finished",
		"level", task.Level,
		"target", task.Target,
		"manual", task.Manual,
		"inputs", len(task.Inputs),
		"overlaps", len(task.Overlaps),
		"outputs", len(outputs),
		"bytes_read", read,
		"bytes_written", written,
		"tombstones_dropped", dropped,
		"duration", time.Since(start),
	)
	return nil
}

func (c *Compactor) move(task *Task) error {
	r := task.Inputs[0]
	meta := manifest.MetaOf(r.Meta(), task.Target)

	err := c.m.Apply(manifest.Edit{
		Remove: []uint64{r.Gen()},
		Add:    []manifest.SegmentMeta{meta},
	})
	if err != nil {
		return fmt.Errorf("install trivial move: %w", err)
	}

	c.trivialMoves.Add(1)
	c.log.Info("moved segment", "gen", r.Gen(), "from", task.Level, "to", task.Target)
	return nil
}

// merge writes the merged inputs into new segments of at most
// TargetFileSize. On error the returned outputs must be removed.
func (c *Compactor) merge(ctx context.Context, v *manifest.Version, task *Task) ([]segment.Meta, uint64, error) {
	var its []iterator.Iterator
	for _, r := range task.All() {
		its = append(its, r.NewIterator(nil, nil))
	}
	merged := iterator.NewMerge(its...)
	defer merged.Close()

	var (
		outputs []segment.Meta
		w       *segment.Writer
		dropped uint64
		n       int
	)
	abort := func(err error) ([]segment.Meta, uint64, error) {
		if w != nil {
			_ = w.Abort()
		}
		return outputs, dropped, err
	}

	for merged.First(); merged.Valid(); merged.Next() {
		if n++; n%256 == 0 {
			if err := ctx.Err(); err != nil {
				return abort(err)
			}
		}

		if merged.Kind() == types.KindDelete && !overlapsBelow(v, task.Target, merged.Key()) {
			dropped++
			continue
		}

		if w == nil {
			gen := c.m.NextGen()
			var err error
			w, err = segment.NewWriter(fsutil.SegmentPath(c.dir, gen), gen, c.opts.Writer)
			if err != nil {
				return abort(err)
			}
		}

		err := w.Add(types.Record{
			Key:   merged.Key(),
			Value: merged.Value(),
			SeqN:  merged.SeqN(),
			Kind:  merged.Kind(),
		})
		if err != nil {
			return abort(err)
		}

		if w.EstimatedSize() >= c.opts.TargetFileSize {
			meta, err := w.Finish()
			w = nil
			if err != nil {
				return abort(err)
			}
			outputs = append(outputs, meta)
		}
	}
	if err := merged.Err(); err != nil {
		return abort(err)
	}
	if err := ctx.Err(); err != nil {
		return abort(err)
	}

	if w != nil {
		meta, err := w.Finish()
		w = nil
		if err != nil {
			return abort(err)
		}
		outputs = append(outputs, meta)
	}

	return outputs, dropped, nil
}

// overlapsBelow reports whether any level deeper than target may hold key.
func overlapsBelow(v *manifest.Version, target int, key []byte) bool {
	for lvl := target + 1; lvl < v.NumLevels(); lvl++ {
		for _, r := range v.Level(lvl) {
			if r.Contains(key) {
				return true
			}
		}
	}
	return false
}

func (c *Compactor) removeOutputs(outputs []segment.Meta) {
	for _, meta := range outputs {
		path := fsutil.SegmentPath(c.dir, meta.Gen)
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			c.log.Warn("failed to remove compaction output", "path", path, "error", err)
		}
	}
}
