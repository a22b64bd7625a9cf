package metrics

import (
	"log/slog"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"

	"lsmkv/pkg/store"
)

const namespace = "lsmkv"

// StatsSource is what the collector reads on every scrape.
type StatsSource interface {
	Stats() (store.Stats, error)
}

// Collector exports store statistics as Prometheus metrics. Values are read
// from the store at scrape time, so nothing is cached between scrapes.
type Collector struct {
	src StatsSource

	seq             *prometheus.Desc
	memtableBytes   *prometheus.Desc
	memtableEntries *prometheus.Desc
	sealed          *prometheus.Desc
	levelSegments   *prometheus.Desc
	levelBytes      *prometheus.Desc
	levelScore      *prometheus.Desc
	flushes         *prometheus.Desc
	flushedBytes    *prometheus.Desc
	compactions     *prometheus.Desc
	trivialMoves    *prometheus.Desc
	compactRead     *prometheus.Desc
	compactWritten  *prometheus.Desc
	tombstones      *prometheus.Desc
	cacheUsed       *prometheus.Desc
	cacheHits       *prometheus.Desc
	cacheMisses     *prometheus.Desc
	healthy         *prometheus.Desc
}

var _ prometheus.Collector = (*Collector)(nil)

func NewCollector(src StatsSource) *Collector {
	desc := func(name, help string, labels ...string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(namespace, "", name), help, labels, nil)
	}

	return &Collector{
		src:             src,
		seq:             desc("last_sequence", "Sequence number of the newest write."),
		memtableBytes:   desc("memtable_bytes", "Approximate size of the active memtable."),
		memtableEntries: desc("memtable_entries", "Entries in the active memtable."),
		sealed:          desc("sealed_memtables", "Sealed memtables waiting for flush."),
		levelSegments:   desc("level_segments", "Live segments per level.", "level"),
		levelBytes:      desc("level_bytes", "Bytes of live segments per level.", "level"),
		levelScore:      desc("level_compaction_score", "Compaction score per level, 1 or more means due.", "level"),
		flushes:         desc("flushes_total", "Memtables flushed to L0."),
		flushedBytes:    desc("flushed_bytes_total", "Bytes written by memtable flushes."),
		compactions:     desc("compactions_total", "Merging compactions finished."),
		trivialMoves:    desc("compaction_trivial_moves_total", "Segments moved between levels without rewriting."),
		compactRead:     desc("compaction_read_bytes_total", "Bytes read by compactions."),
		compactWritten:  desc("compaction_written_bytes_total", "Bytes written by compactions."),
		tombstones:      desc("compaction_tombstones_dropped_total", "Tombstones dropped by compactions."),
		cacheUsed:       desc("block_cache_bytes", "Bytes held by the block cache."),
		cacheHits:       desc("block_cache_hits_total", "Block cache hits."),
		cacheMisses:     desc("block_cache_misses_total", "Block cache misses."),
		healthy:         desc("healthy", "1 while the store accepts writes, 0 after a background error."),
	}
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range []*prometheus.Desc{
		c.seq, c.memtableBytes, c.memtableEntries, c.sealed,
		c.levelSegments, c.levelBytes, c.levelScore,
		c.flushes, c.flushedBytes,
		c.compactions, c.trivialMoves, c.compactRead, c.compactWritten, c.tombstones,
		c.cacheUsed, c.cacheHits, c.cacheMisses,
		c.healthy,
	} {
		ch <- d
	}
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	stats, err := c.src.Stats()
	if err != nil {
		slog.Warn("failed to collect store stats", "error", err)
		ch <- prometheus.MustNewConstMetric(c.healthy, prometheus.GaugeValue, 0)
		return
	}

	gauge := func(d *prometheus.Desc, v float64, labels ...string) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.GaugeValue, v, labels...)
	}
	counter := func(d *prometheus.Desc, v uint64) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.CounterValue, float64(v))
	}

	gauge(c.seq, float64(stats.Seq))
	gauge(c.memtableBytes, float64(stats.MemtableBytes))
	gauge(c.memtableEntries, float64(stats.MemtableEntries))
	gauge(c.sealed, float64(stats.SealedMemtables))
	for _, ls := range stats.Levels {
		lvl := strconv.Itoa(ls.Level)
		gauge(c.levelSegments, float64(ls.Segments), lvl)
		gauge(c.levelBytes, float64(ls.Bytes), lvl)
		gauge(c.levelScore, ls.Score, lvl)
	}

	counter(c.flushes, stats.Flushes)
	counter(c.flushedBytes, stats.FlushedBytes)
	counter(c.compactions, stats.Compaction.Compactions)
	counter(c.trivialMoves, stats.Compaction.TrivialMoves)
	counter(c.compactRead, stats.Compaction.BytesRead)
	counter(c.compactWritten, stats.Compaction.BytesWritten)
	counter(c.tombstones, stats.Compaction.Tombstones)

	gauge(c.cacheUsed, float64(stats.Cache.Used))
	counter(c.cacheHits, stats.Cache.Hits)
	counter(c.cacheMisses, stats.Cache.Misses)

	healthy := 1.0
	if stats.BackgroundError != "" {
		healthy = 0
	}
	gauge(c.healthy, healthy)
}
