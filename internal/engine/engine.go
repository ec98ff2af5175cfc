package engine

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/iamNilotpal/triestore/internal/addralloc"
	"github.com/iamNilotpal/triestore/internal/epoch"
	"github.com/iamNilotpal/triestore/internal/kernel"
	"github.com/iamNilotpal/triestore/internal/segalloc"
	apperrors "github.com/iamNilotpal/triestore/pkg/errors"
	"github.com/iamNilotpal/triestore/pkg/filesys"
	"github.com/iamNilotpal/triestore/pkg/options"
	"go.uber.org/zap"
)

// headerFileName and segsDirName are the two top-level entries spec.md
// §6's on-disk layout names directly ("db" and "segs"); the address
// allocator's three files ("ids/address_blocks", "ids/page_headers",
// "ids/alloc_header") are not created by this port — see DESIGN.md's
// internal/addralloc entry for why the address table is rebuilt by a
// recovery walk instead of persisted.
const (
	headerFileName  = "db"
	segsDirName     = "segs"
	headerFilePerm  = 0o644
	blocksPerSlab   = 4
)

// Config holds every parameter needed to open or create an Engine,
// mirroring the teacher's own internal/engine.Config shape exactly so
// pkg/triestore's constructor needs no change beyond what this package
// now does internally.
type Config struct {
	Options *options.Options
	Logger  *zap.SugaredLogger
}

// Engine is spec.md §4.10's `database`: it owns the segment allocator,
// the address allocator, the memory-mapped header record, the mutation
// kernel built over both, and the read-epoch gate sessions register
// with. Grounded on the teacher's own internal/engine.Engine
// (Config/New/Close lifecycle, atomic.Bool closed-flag CAS) generalized
// from Bitcask's index+storage+compaction trio — see DESIGN.md's
// "Dropped teacher code (addendum)" entry.
type Engine struct {
	dir  string
	opts options.Options
	log  *zap.SugaredLogger

	hdrFile *filesys.MappedFile
	hdr     header

	addrs *addralloc.Allocator
	segs  *segalloc.Allocator
	store *kernel.Store

	epochQ *epoch.Queue
	slots  *slotPool
	rootMu []sync.Mutex

	closed atomic.Bool
}

// New creates a fresh database directory or reopens an existing one,
// per spec.md §6's `database::create`/`database(dir, config, access_mode)`
// collapsed into one entry point — the directory's presence (or absence)
// of the header file decides which path this takes, exactly as spec.md
// §6's "exit conditions" describe for the magic check.
func New(ctx context.Context, config *Config) (*Engine, error) {
	opts := options.NewDefaultOptions()
	if config.Options != nil {
		opts = *config.Options
	}
	dir := opts.DataDir

	if err := filesys.CreateDir(dir, 0o755, true); err != nil {
		return nil, fmt.Errorf("engine: creating data directory %s: %w", dir, err)
	}

	hdrPath := filepath.Join(dir, headerFileName)
	existed, err := filesys.Exists(hdrPath)
	if err != nil {
		return nil, fmt.Errorf("engine: checking header file %s: %w", hdrPath, err)
	}

	size := headerAlign(headerSize(opts.NumTopRoots))
	hdrFile, err := filesys.OpenMapped(hdrPath, size, headerFilePerm)
	if err != nil {
		return nil, fmt.Errorf("engine: opening header file: %w", err)
	}
	hdr := header{buf: hdrFile.Bytes()}

	if !existed {
		hdr.setMagic()
		hdr.setNumTopRoots(opts.NumTopRoots)
		hdr.setRuntimeConfig(opts)
		hdr.setSegmentSize(opts.SegmentOptions.Size)
		hdr.SetCleanShutdown(false)
		if err := hdrFile.Sync(false); err != nil {
			hdrFile.Close()
			return nil, fmt.Errorf("engine: syncing freshly created header: %w", err)
		}
	} else {
		if hdr.Magic() != headerMagic {
			hdrFile.Close()
			return nil, apperrors.NewEngineError(nil, apperrors.ErrorCodeInvalidFormat,
				"engine: data directory does not contain a valid TrieStore header").WithOperation("Open")
		}
		opts = hdr.runtimeConfig()
		opts.DataDir = dir
		opts.NumTopRoots = hdr.NumTopRoots()
	}

	addrs := addralloc.New()
	segs, err := segalloc.New(
		filepath.Join(dir, segsDirName),
		segalloc.Config{
			SegmentSize:           int64(opts.SegmentOptions.Size),
			SegmentsPerSlab:       blocksPerSlab,
			TargetReadyCount:      4,
			MaxPinnedSegments:     int(opts.SegmentOptions.MaxPinnedCacheSizeMB * 1024 * 1024 / opts.SegmentOptions.Size),
			PinnedFreeThreshold:   1.0 / 8,
			UnpinnedFreeThreshold: 1.0 / 2,
			CompactIdleInterval:   opts.CompactInterval,
			DecayTick:             decayTick(opts),
		},
		config.Logger,
		addrs,
	)
	if err != nil {
		hdrFile.Close()
		return nil, fmt.Errorf("engine: starting segment allocator: %w", err)
	}

	store := kernel.New(addrs, segs, opts.MaxInlineValue)

	e := &Engine{
		dir:     dir,
		opts:    opts,
		log:     config.Logger,
		hdrFile: hdrFile,
		hdr:     hdr,
		addrs:   addrs,
		segs:    segs,
		store:   store,
		epochQ:  epoch.New(),
		slots:   newSlotPool(),
		rootMu:  make([]sync.Mutex, opts.NumTopRoots),
	}

	if existed {
		if !hdr.CleanShutdown() {
			e.log.Warnw("engine: reopening database that was not cleanly shut down; rebuilding address table",
				"dir", dir)
		}
		if err := e.recover(ctx); err != nil {
			hdrFile.Close()
			segs.Close()
			return nil, fmt.Errorf("engine: recovery walk failed: %w", err)
		}
	}

	hdr.SetCleanShutdown(false)
	if err := hdrFile.Sync(false); err != nil {
		e.log.Warnw("engine: failed to sync dirty-shutdown flag", "error", err)
	}

	segs.Start(ctx, store.Relocate)
	return e, nil
}

// Close implements `~database`: it sets clean_shutdown, fully syncs the
// header, and stops every background thread, per spec.md §4.10's
// durability-on-normal-shutdown description.
func (e *Engine) Close() error {
	if !e.closed.CompareAndSwap(false, true) {
		return apperrors.NewEngineError(nil, apperrors.ErrorCodeEngineClosed,
			"engine: already closed").WithOperation("Close")
	}

	e.hdr.SetCleanShutdown(true)
	if err := e.hdrFile.Sync(false); err != nil {
		e.log.Errorw("engine: failed to sync clean-shutdown header", "error", err)
	}

	var firstErr error
	if err := e.segs.Close(); err != nil {
		firstErr = err
	}
	if err := e.hdrFile.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// decayTick turns opts.CacheFrequencyWindow into the per-region tick
// internal/segalloc's read-bit decay thread expects, since that package
// doesn't know the address allocator's region count on its own. One
// region per configured top root is used as the divisor: a lower bound,
// since subtrees allocate further regions lazily, but the closest
// estimate available before any write has run.
func decayTick(opts options.Options) time.Duration {
	regions := opts.NumTopRoots
	if regions < 1 {
		regions = 1
	}
	tick := opts.CacheFrequencyWindow / time.Duration(regions)
	if tick < options.ReadBitDecayMinTick {
		tick = options.ReadBitDecayMinTick
	}
	return tick
}

// GetRuntimeConfig returns the engine's currently effective configuration.
func (e *Engine) GetRuntimeConfig() options.Options { return e.opts }

// SetRuntimeConfig applies the mutable subset of cfg — sync mode, the
// checksum/validate toggles, Debug and CacheFrequencyWindow — to the
// engine's options and stamps it into the header. The read-bit decay
// thread's tick is derived from CacheFrequencyWindow once in New, so a
// changed window takes effect on the next open. SegmentOptions (Size and
// MaxPinnedCacheSizeMB) and NumTopRoots are not touched here.
func (e *Engine) SetRuntimeConfig(cfg options.Options) {
	e.opts.SyncMode = cfg.SyncMode
	e.opts.ChecksumOnModify = cfg.ChecksumOnModify
	e.opts.ChecksumOnCompact = cfg.ChecksumOnCompact
	e.opts.ValidateOnCompact = cfg.ValidateOnCompact
	e.opts.Debug = cfg.Debug
	e.opts.CacheFrequencyWindow = cfg.CacheFrequencyWindow
	e.hdr.setRuntimeConfig(e.opts)
}

// Stats summarizes the engine for spec.md §6's `print_stats`.
type Stats struct {
	Segments    segalloc.Stats
	Addresses   uint64
	NumTopRoots int
}

// Stats gathers the current segment/address allocator counters.
func (e *Engine) Stats() Stats {
	return Stats{
		Segments:    e.segs.Stats(),
		Addresses:   e.addrs.Count(),
		NumTopRoots: e.opts.NumTopRoots,
	}
}

// Sync flushes the segment log and, for options.SyncModeFull, the
// header file as well — the engine-level counterpart to a transaction
// commit's own sync call, for an explicit out-of-band flush.
func (e *Engine) Sync(mode options.SyncMode) error {
	if mode == options.SyncModeNone {
		return nil
	}
	async := mode == options.SyncModeAsync
	if err := e.segs.Sync(async); err != nil {
		return err
	}
	if mode == options.SyncModeFull {
		return e.hdrFile.Sync(async)
	}
	return nil
}

// slotPool hands out small dense indices (0..255) for epoch.Queue.Acquire,
// since epoch.Queue has no session-lifetime management of its own — it
// only stores per-slot lock pointers. Grounded on the same fixed-size
// dense-index idiom internal/objref's lockStripes table already uses in
// this codebase.
const maxEngineSessions = 256

type slotPool struct {
	mu   sync.Mutex
	next uint32
	free []uint32
}

func newSlotPool() *slotPool { return &slotPool{} }

func (p *slotPool) acquire() (uint32, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if n := len(p.free); n > 0 {
		s := p.free[n-1]
		p.free = p.free[:n-1]
		return s, nil
	}
	if p.next >= maxEngineSessions {
		return 0, apperrors.NewConcurrencyError(nil, apperrors.ErrorCodeRetryExhausted,
			"engine: exhausted the session slot table").WithDetail("operation", "StartSession")
	}
	s := p.next
	p.next++
	return s, nil
}

func (p *slotPool) release(slot uint32) {
	p.mu.Lock()
	p.free = append(p.free, slot)
	p.mu.Unlock()
}
