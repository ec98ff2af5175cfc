// Package options provides data structures and functions for configuring a
// TrieStore database. It defines every parameter that controls how the
// engine lays out its data directory, sizes its segments, schedules its
// background threads, and balances durability against throughput.
package options

import (
	"strings"
	"time"
)

// SyncMode selects how aggressively a write transaction's commit persists
// the segment it wrote into before publishing the new root.
type SyncMode int

const (
	// SyncModeNone never calls msync from the commit path; durability is
	// left entirely to the operating system's own page-cache writeback.
	SyncModeNone SyncMode = iota

	// SyncModeAsync issues an asynchronous msync (MS_ASYNC) and returns
	// without waiting for it to complete.
	SyncModeAsync

	// SyncModeSync issues a synchronous msync (MS_SYNC) and waits for it to
	// complete before the commit returns.
	SyncModeSync

	// SyncModeFull synchronously msyncs both the data segment and the
	// database header, the strongest durability mode offered.
	SyncModeFull
)

// String renders the sync mode the way it is written in logs and configuration diagnostics.
func (m SyncMode) String() string {
	switch m {
	case SyncModeNone:
		return "none"
	case SyncModeAsync:
		return "async"
	case SyncModeSync:
		return "sync"
	case SyncModeFull:
		return "full"
	default:
		return "unknown"
	}
}

// segmentOptions groups the parameters that shape how the segment allocator
// carves usable space out of its memory-mapped slab files.
type segmentOptions struct {
	// Size is the fixed size of every segment (one slab block each).
	//
	//  - Default: 1GiB
	//  - Maximum: 4GiB
	//  - Minimum: 64MiB
	Size uint64 `json:"segmentSize"`

	// MaxPinnedCacheSizeMB bounds how many megabytes of segments the
	// provider thread is allowed to mlock in RAM at once; it is converted
	// to a segment count by dividing by Size.
	MaxPinnedCacheSizeMB uint64 `json:"maxPinnedCacheSizeMB"`
}

// Options defines the full configuration surface of a TrieStore database. It
// controls on-disk layout, segment sizing, background-thread scheduling, and
// durability/validation trade-offs.
type Options struct {
	// DataDir is the base path under which the header, segment log, and
	// address-allocator files are stored.
	//
	// Default: "/var/lib/triestore"
	DataDir string `json:"dataDir"`

	// NumTopRoots is the number of named top-level roots the database
	// header reserves. Each root has its own write mutex and can be
	// committed to independently of the others.
	//
	// Default: 1
	NumTopRoots int `json:"numTopRoots"`

	// CacheFrequencyWindow controls how often the read-bit decay thread
	// sweeps a given region; the thread's tick interval is this window
	// divided by the number of regions in use, clamped to a 10ms floor.
	//
	// Default: 5m
	CacheFrequencyWindow time.Duration `json:"cacheFrequencyWindow"`

	// CompactInterval is the idle sleep the compactor thread takes when it
	// finds nothing eligible to compact, before checking again.
	//
	// Default: 5s
	CompactInterval time.Duration `json:"compactInterval"`

	// SyncMode selects the durability behavior of transaction commits.
	//
	// Default: SyncModeSync
	SyncMode SyncMode `json:"syncMode"`

	// ChecksumOnModify is stored and persisted in the header. No code path
	// reads it: nodes are not checksummed when they are written or cloned.
	//
	// Default: true
	ChecksumOnModify bool `json:"checksumOnModify"`

	// ChecksumOnCompact is stored and persisted in the header. The
	// compactor recomputes a relocated object's checksum as it copies it
	// into its destination segment whether or not this is set.
	//
	// Default: true
	ChecksumOnCompact bool `json:"checksumOnCompact"`

	// ValidateOnCompact makes the engine's recovery walk verify the
	// checksum of every node it reaches. The compactor does not read it,
	// and no bitmap or descendant-count validator runs.
	//
	// Default: false
	ValidateOnCompact bool `json:"validateOnCompact"`

	// Debug is stored and persisted in the header; no code path reads it.
	//
	// Default: false
	Debug bool `json:"debug"`

	// SegmentOptions configures segment sizing and pinned-cache capacity.
	SegmentOptions *segmentOptions `json:"segmentOptions"`

	// MaxInlineValue is the largest value, in bytes, the mutation kernel
	// will store inline in a binary/set-list/full node's content area.
	// Larger values are promoted to a separate value-node address instead.
	//
	// Default: 512
	MaxInlineValue int `json:"maxInlineValue"`
}

// OptionFunc is a function type that modifies a database's configuration.
type OptionFunc func(*Options)

// WithDefaultOptions resets every field to its documented default.
func WithDefaultOptions() OptionFunc {
	return func(o *Options) {
		*o = NewDefaultOptions()
	}
}

// WithDataDir sets the primary data directory.
func WithDataDir(directory string) OptionFunc {
	return func(o *Options) {
		directory = strings.TrimSpace(directory)
		if directory != "" {
			o.DataDir = directory
		}
	}
}

// WithNumTopRoots sets how many named top-roots the header reserves.
func WithNumTopRoots(n int) OptionFunc {
	return func(o *Options) {
		if n > 0 {
			o.NumTopRoots = n
		}
	}
}

// WithCacheFrequencyWindow sets the read-bit decay sweep window.
func WithCacheFrequencyWindow(window time.Duration) OptionFunc {
	return func(o *Options) {
		if window > 0 {
			o.CacheFrequencyWindow = window
		}
	}
}

// WithCompactInterval sets the compactor thread's idle polling interval.
func WithCompactInterval(interval time.Duration) OptionFunc {
	return func(o *Options) {
		if interval > 0 {
			o.CompactInterval = interval
		}
	}
}

// WithSyncMode sets the commit durability mode.
func WithSyncMode(mode SyncMode) OptionFunc {
	return func(o *Options) {
		o.SyncMode = mode
	}
}

// WithChecksums sets ChecksumOnModify and ChecksumOnCompact.
func WithChecksums(onModify, onCompact bool) OptionFunc {
	return func(o *Options) {
		o.ChecksumOnModify = onModify
		o.ChecksumOnCompact = onCompact
	}
}

// WithValidateOnCompact toggles the recovery walk's checksum verification.
func WithValidateOnCompact(validate bool) OptionFunc {
	return func(o *Options) {
		o.ValidateOnCompact = validate
	}
}

// WithDebug sets Debug.
func WithDebug(debug bool) OptionFunc {
	return func(o *Options) {
		o.Debug = debug
	}
}

// WithSegmentSize sets the fixed size of every segment.
func WithSegmentSize(size uint64) OptionFunc {
	return func(o *Options) {
		if size >= MinSegmentSize && size <= MaxSegmentSize {
			o.SegmentOptions.Size = size
		}
	}
}

// WithMaxPinnedCacheSizeMB sets the pinned-in-RAM segment budget.
func WithMaxPinnedCacheSizeMB(mb uint64) OptionFunc {
	return func(o *Options) {
		o.SegmentOptions.MaxPinnedCacheSizeMB = mb
	}
}

// WithMaxInlineValue sets the largest value size stored inline in a node
// rather than promoted to a separate value-node address.
func WithMaxInlineValue(n int) OptionFunc {
	return func(o *Options) {
		if n > 0 {
			o.MaxInlineValue = n
		}
	}
}
