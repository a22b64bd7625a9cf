// Package fsutil names the files of a store directory and wraps the few
// filesystem calls that need care: directory fsync and the LOCK file.
package fsutil

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
)

const (
	LockFileName     = "LOCK"
	ManifestFileName = "MANIFEST"
	manifestTmpName  = "MANIFEST.tmp"

	walExt     = ".wal"
	segmentExt = ".sst"
)

// FileKind classifies a file found in a store directory.
type FileKind int

const (
	KindUnknown FileKind = iota
	KindWAL
	KindSegment
	KindManifest
	KindLock
	KindTemp
)

func WALPath(dir string, gen uint64) string {
	return filepath.Join(dir, fmt.Sprintf("%06d%s", gen, walExt))
}

func SegmentPath(dir string, gen uint64) string {
	return filepath.Join(dir, fmt.Sprintf("%06d%s", gen, segmentExt))
}

func ManifestPath(dir string) string {
	return filepath.Join(dir, ManifestFileName)
}

func ManifestTmpPath(dir string) string {
	return filepath.Join(dir, manifestTmpName)
}

// ParseName returns the kind and generation encoded in a file name.
func ParseName(name string) (FileKind, uint64) {
	switch name {
	case LockFileName:
		return KindLock, 0
	case ManifestFileName:
		return KindManifest, 0
	case manifestTmpName:
		return KindTemp, 0
	}

	var (
		kind FileKind
		base string
	)
	switch {
	case strings.HasSuffix(name, walExt):
		kind, base = KindWAL, strings.TrimSuffix(name, walExt)
	case strings.HasSuffix(name, segmentExt):
		kind, base = KindSegment, strings.TrimSuffix(name, segmentExt)
	default:
		return KindUnknown, 0
	}

	gen, err := strconv.ParseUint(base, 10, 64)
	if err != nil {
		return KindUnknown, 0
	}
	return kind, gen
}

// List returns the generations of every file of the given kind in dir,
// in ascending order.
func List(dir string, kind FileKind) ([]uint64, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	var gens []uint64
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if k, gen := ParseName(e.Name()); k == kind {
			gens = append(gens, gen)
		}
	}
	sort.Slice(gens, func(i, j int) bool { return gens[i] < gens[j] })

	return gens, nil
}

// SyncDir fsyncs a directory so that created, renamed and removed entries
// survive a crash.
func SyncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	if err := d.Sync(); err != nil {
		_ = d.Close()
		return err
	}
	return d.Close()
}
