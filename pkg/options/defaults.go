package options

import "time"

const (
	// DefaultDataDir is the base directory used when no other directory is
	// specified during initialization.
	DefaultDataDir = "/var/lib/triestore"

	// DefaultNumTopRoots is the number of named top-roots reserved in the
	// database header when none is specified.
	DefaultNumTopRoots = 1

	// DefaultCacheFrequencyWindow is how often the read-bit decay thread
	// sweeps every region of the address allocator.
	DefaultCacheFrequencyWindow = 5 * time.Minute

	// DefaultCompactInterval is the compactor thread's idle polling period.
	DefaultCompactInterval = 5 * time.Second

	// ReadBitDecayMinTick is the floor applied to the decay thread's
	// per-region tick interval regardless of region count.
	ReadBitDecayMinTick = 10 * time.Millisecond

	// MinSegmentSize is the minimum allowed segment size in bytes (64MiB).
	MinSegmentSize uint64 = 64 * 1024 * 1024

	// MaxSegmentSize is the maximum allowed segment size in bytes (4GiB).
	MaxSegmentSize uint64 = 4 * 1024 * 1024 * 1024

	// DefaultSegmentSize is the segment size used when none is specified (1GiB).
	DefaultSegmentSize uint64 = 1 * 1024 * 1024 * 1024

	// DefaultMaxPinnedCacheSizeMB is the default pinned-in-RAM segment budget.
	DefaultMaxPinnedCacheSizeMB uint64 = 512

	// DefaultMaxInlineValue is the default ceiling on inline value storage.
	DefaultMaxInlineValue = 512
)

// defaultOptions holds the default configuration settings for a TrieStore
// database.
var defaultOptions = Options{
	DataDir:               DefaultDataDir,
	NumTopRoots:           DefaultNumTopRoots,
	CacheFrequencyWindow:  DefaultCacheFrequencyWindow,
	CompactInterval:       DefaultCompactInterval,
	SyncMode:              SyncModeSync,
	ChecksumOnModify:      true,
	ChecksumOnCompact:     true,
	ValidateOnCompact:     false,
	Debug:                 false,
	MaxInlineValue:        DefaultMaxInlineValue,
	SegmentOptions: &segmentOptions{
		Size:                 DefaultSegmentSize,
		MaxPinnedCacheSizeMB: DefaultMaxPinnedCacheSizeMB,
	},
}

// NewDefaultOptions returns a copy of the default configuration, safe for
// the caller to mutate field-by-field or through OptionFunc values.
func NewDefaultOptions() Options {
	opts := defaultOptions
	segCopy := *defaultOptions.SegmentOptions
	opts.SegmentOptions = &segCopy
	return opts
}
