package compaction

import (
	"bytes"
	"math"

	"lsmkv/pkg/manifest"
	"lsmkv/pkg/segment"
)

// Task describes one compaction: Inputs from Level are merged with the
// Overlaps already in Target and written to Target.
type Task struct {
	Level    int
	Target   int
	Inputs   []*segment.Reader
	Overlaps []*segment.Reader
	Score    float64
	// Manual tasks merge every segment of the version regardless of score.
	Manual bool
}

// All returns every segment the task reads.
func (t *Task) All() []*segment.Reader {
	out := make([]*segment.Reader, 0, len(t.Inputs)+len(t.Overlaps))
	out = append(out, t.Inputs...)
	return append(out, t.Overlaps...)
}

// TrivialMove reports whether the task can be done by changing the level of
// its only input in the manifest.
func (t *Task) TrivialMove() bool {
	return !t.Manual && len(t.Inputs) == 1 && len(t.Overlaps) == 0
}

func (t *Task) InputBytes() int64 {
	var n int64
	for _, r := range t.All() {
		n += r.Size()
	}
	return n
}

// Picker chooses the next task from level scores. It keeps a round-robin
// position per level so that repeated compactions of a level walk its key
// space instead of hammering the same segment.
type Picker struct {
	opts    Options
	cursors [][]byte
}

func NewPicker(opts Options) *Picker {
	opts = opts.norm()
	return &Picker{opts: opts, cursors: make([][]byte, opts.NumLevels)}
}

// MaxBytes is the size target of level lvl >= 1.
func (p *Picker) MaxBytes(lvl int) float64 {
	return float64(p.opts.LevelBaseBytes) * math.Pow(float64(p.opts.LevelSizeMultiplier), float64(lvl-1))
}

// Scores returns the compaction score of every level but the last. A level
// with score >= 1 needs compaction.
func (p *Picker) Scores(v *manifest.Version) []float64 {
	n := min(v.NumLevels(), p.opts.NumLevels)
	scores := make([]float64, max(n-1, 0))
	for lvl := range scores {
		if lvl == 0 {
			scores[lvl] = float64(len(v.Level(0))) / float64(p.opts.L0Trigger)
			continue
		}
		scores[lvl] = float64(v.LevelSize(lvl)) / p.MaxBytes(lvl)
	}
	return scores
}

// Pick returns the task for the level with the highest score, or nil if no
// level needs compaction.
func (p *Picker) Pick(v *manifest.Version) *Task {
	best, bestScore := -1, 1.0
	for lvl, score := range p.Scores(v) {
		if score >= bestScore {
			best, bestScore = lvl, score
		}
	}
	if best < 0 {
		return nil
	}

	task := &Task{Level: best, Target: best + 1, Score: bestScore}
	if best == 0 {
		task.Inputs = append(task.Inputs, v.Level(0)...)
	} else {
		task.Inputs = []*segment.Reader{p.next(v, best)}
	}

	lo, hi := keyRange(task.Inputs)
	task.Overlaps = v.Overlapping(task.Target, lo, hi)
	return task
}

// next picks the first segment of lvl past the level's cursor, wrapping
// around at the end.
func (p *Picker) next(v *manifest.Version, lvl int) *segment.Reader {
	segs := v.Level(lvl)
	pick := segs[0]
	if cur := p.cursors[lvl]; cur != nil {
		for _, r := range segs {
			if bytes.Compare(r.MinKey(), cur) > 0 {
				pick = r
				break
			}
		}
	}
	p.cursors[lvl] = append(p.cursors[lvl][:0], pick.MaxKey()...)
	return pick
}

// Full builds a manual task that merges every segment into the deepest
// non-empty level, and at least L1. It returns nil when there is nothing to
// gain: no segments, or a single tombstone-free segment already there.
func Full(v *manifest.Version) *Task {
	deepest := v.Deepest()
	if deepest < 0 {
		return nil
	}
	target := max(deepest, 1)

	if v.NumSegments() == 1 && deepest == target {
		if r := v.Level(target)[0]; r.Meta().Tombstones == 0 {
			return nil
		}
	}

	task := &Task{Level: 0, Target: target, Manual: true}
	for lvl := 0; lvl < v.NumLevels(); lvl++ {
		if lvl == target {
			task.Overlaps = append(task.Overlaps, v.Level(lvl)...)
			continue
		}
		task.Inputs = append(task.Inputs, v.Level(lvl)...)
	}
	return task
}

func keyRange(rs []*segment.Reader) (lo, hi []byte) {
	for i, r := range rs {
		if i == 0 || bytes.Compare(r.MinKey(), lo) < 0 {
			lo = r.MinKey()
		}
		if i == 0 || bytes.Compare(r.MaxKey(), hi) > 0 {
			hi = r.MaxKey()
		}
	}
	return lo, hi
}
