package engine

import (
	"log/slog"
	"math"
	"os"
	"time"

	"github.com/cockroachdb/errors"

	"cowkv/compression"
	"cowkv/files"
)

// Config holds the configuration for the database.
type Config struct {
	// Dir is the directory holding segment files. Unused with the Memory
	// backend or when Files is set.
	Dir string

	// Backend selects how segments are stored.
	Backend files.Backend

	// Files, if set, is used instead of opening Dir. The caller keeps
	// ownership: Close does not close it. Reopening a store over the same
	// collection recovers it, which is how memory-backed stores survive an
	// abandoned handle.
	Files files.Collection

	// Compression is used for blobs of a newly created store. An existing
	// store keeps the strategy it was created with.
	Compression compression.Strategy

	// MaxKeySize and MaxValueSize bound key and value lengths (bytes).
	MaxKeySize   int
	MaxValueSize int

	// InlineValueLimit is the largest value stored inside its leaf. Larger
	// values become separate, compressed, deduplicated blobs.
	InlineValueLimit int

	// NodeMaxEntries is the entry count at which B-tree nodes split.
	NodeMaxEntries int

	// NodeCacheSize and ValueCacheSize bound the decoded node cache and the
	// decompressed blob cache (entries).
	NodeCacheSize  int
	ValueCacheSize int

	// SyncWrites controls whether every commit is fsynced.
	// When true (default), a committed transaction survives a crash.
	// When false, commits since the last sync point (Sync, a compaction
	// step, a root log rewrite or Close) may be lost on crash. Space they
	// free is not reused before that point, so the version recovery falls
	// back to stays intact.
	SyncWrites bool

	// CompactionWaitTime is the compactor's debounce interval.
	CompactionWaitTime time.Duration

	// CompactionOpeningDelay is how long after Open the first compaction
	// runs. Zero means CompactionWaitTime.
	CompactionOpeningDelay time.Duration

	// CompactionBatch is the number of leaves relocated per compaction
	// transaction.
	CompactionBatch int

	// FragmentationThreshold is the free fraction at which the active
	// segment is rewritten into a fresh one, once it is at least
	// MinCompactionSize bytes.
	FragmentationThreshold float64
	MinCompactionSize      uint64

	// SweepThreshold is the estimated unreachable blob bytes that trigger a
	// mark-and-sweep.
	SweepThreshold uint64

	// RootLogLimit is the root log size (bytes) past which it is rewritten.
	RootLogLimit uint64

	// DisableCompactor turns off background compaction. Compact still works.
	DisableCompactor bool

	Logger *slog.Logger
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Backend:                files.Disk,
		Compression:            compression.Snappy,
		MaxKeySize:             2048,
		MaxValueSize:           64 * 1024 * 1024, // 64MB
		InlineValueLimit:       64,
		NodeMaxEntries:         64,
		NodeCacheSize:          4096,
		ValueCacheSize:         256,
		SyncWrites:             true,
		CompactionWaitTime:     2 * time.Second,
		CompactionBatch:        256,
		FragmentationThreshold: 0.5,
		MinCompactionSize:      4 * 1024 * 1024, // 4MB
		SweepThreshold:         8 * 1024 * 1024, // 8MB
		RootLogLimit:           1024 * 1024,     // 1MB
	}
}

// Validate checks the configuration and fills the logger if unset.
func (c *Config) Validate() error {
	if c.Files == nil && c.Backend != files.Memory && c.Dir == "" {
		return errors.Newf("engine: Dir required for %s backend", c.Backend)
	}
	if !c.Compression.Valid() {
		return errors.Newf("engine: unknown compression strategy %d", c.Compression)
	}
	if c.MaxKeySize <= 0 || c.MaxKeySize > math.MaxUint16 {
		return errors.Newf("engine: MaxKeySize %d out of range", c.MaxKeySize)
	}
	if c.MaxValueSize <= 0 || c.MaxValueSize > math.MaxUint32/2 {
		return errors.Newf("engine: MaxValueSize %d out of range", c.MaxValueSize)
	}
	if c.InlineValueLimit < 0 || c.InlineValueLimit > c.MaxValueSize {
		return errors.Newf("engine: InlineValueLimit %d out of range", c.InlineValueLimit)
	}
	if c.NodeMaxEntries < 4 {
		return errors.Newf("engine: NodeMaxEntries must be at least 4, got %d", c.NodeMaxEntries)
	}
	if c.NodeCacheSize <= 0 || c.ValueCacheSize <= 0 {
		return errors.New("engine: cache sizes must be positive")
	}
	if c.CompactionOpeningDelay < 0 {
		return errors.Newf("engine: negative CompactionOpeningDelay %s", c.CompactionOpeningDelay)
	}
	if c.CompactionWaitTime <= 0 || c.CompactionBatch <= 0 {
		return errors.New("engine: compaction wait time and batch must be positive")
	}
	if c.FragmentationThreshold <= 0 || c.FragmentationThreshold > 1 {
		return errors.Newf("engine: FragmentationThreshold %v out of (0,1]", c.FragmentationThreshold)
	}
	if c.Logger == nil {
		c.Logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	}
	return nil
}
