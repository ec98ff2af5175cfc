// Package segalloc implements the segment allocator: it carves the
// engine's append-only data log into fixed-size segments, hands fresh
// or recycled segments to writers through a ready-segment buffer, and
// runs the background threads that keep that buffer topped up, reclaim
// dead space, and decay the read-frequency bits used for cache
// promotion.
//
// Grounded on original_source/src/seg_allocator.cpp: the
// provider/compactor/read-bit-decay three-thread design, the
// pinned-then-unpinned two-pass compaction sweep scored by free space
// and virtual age, and the "push a drained segment back onto the ready
// queue" recycle step all carry over. Two adaptations: (1) the original
// owns a single combined read_lock_queue that gates when a freed
// segment becomes safe to reuse against the slowest reader's epoch;
// that gate is internal/epoch's concern here, not this package's, so
// CompactSegment recycles a drained segment immediately and the caller
// (the future engine layer) is expected to wire epoch-gating in before
// handing segments to the compactor. (2) object relocation itself
// (walking a segment's node headers, bumping ref-counts, CAS-ing new
// locations) belongs to internal/objref and internal/node, neither of
// which segalloc depends on to avoid an import cycle; compaction takes
// a caller-supplied Relocate function instead of hard-coding node
// layout.
package segalloc

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"

	"github.com/iamNilotpal/triestore/internal/blockalloc"
	"github.com/iamNilotpal/triestore/internal/readybuf"
	apperrors "github.com/iamNilotpal/triestore/pkg/errors"

	"go.uber.org/zap"
)

// SegmentNumber identifies one fixed-size segment within the data log.
type SegmentNumber = blockalloc.BlockNumber

// notAllocating is the allocPos sentinel meaning "this segment is not
// the currently active write target of any session" (the original's
// segment_offset(-1)).
const notAllocating = ^uint64(0)

// Config controls segment sizing and background-thread behavior.
type Config struct {
	SegmentSize         int64
	SegmentsPerSlab      int64
	TargetReadyCount    int           // how many ready segments the provider keeps on hand
	MaxPinnedSegments    int           // mlock budget, in segment count
	PinnedFreeThreshold  float64       // fraction free before a pinned segment is compaction-eligible
	UnpinnedFreeThreshold float64      // fraction free before an unpinned segment is compaction-eligible
	CompactIdleInterval time.Duration // sleep when the compactor finds nothing to do
	DecayTick           time.Duration // read-bit decay thread's per-region tick
}

// DefaultConfig mirrors the original's constants: a 1GiB segment, compact
// pinned segments past 1/8 free and unpinned segments past 1/2 free.
func DefaultConfig() Config {
	return Config{
		SegmentSize:           1 << 30,
		SegmentsPerSlab:       4,
		TargetReadyCount:      4,
		MaxPinnedSegments:     8,
		PinnedFreeThreshold:   1.0 / 8,
		UnpinnedFreeThreshold: 1.0 / 2,
		CompactIdleInterval:   5 * time.Second,
		DecayTick:             10 * time.Millisecond,
	}
}

// segmentState is one segment's live bookkeeping: how full it is, how
// much of that is dead (freed) space, whether it is pinned in RAM, and
// its virtual age for compaction ordering. Grounded on
// mapped_memory::segment_header / segment_meta in the original; kept as
// discrete atomics rather than one packed word since, unlike a node's
// meta slot, no single CAS needs to span more than one of these fields
// at a time.
type segmentState struct {
	allocPos    atomic.Uint64 // next write offset, or notAllocating
	freeSpace   atomic.Uint64 // bytes reclaimed by relocated/dead objects
	lastSyncPos atomic.Uint64
	pinned      atomic.Bool
	vage        atomic.Int64 // average virtual age of live data
}

func newSegmentState() *segmentState {
	s := &segmentState{}
	s.allocPos.Store(notAllocating)
	return s
}

// RelocateFunc walks the live objects of seg and moves each one the
// caller still considers live into a fresh location (typically via
// ses.AllocData and the address allocator's TryStartMove/TryMove),
// returning the first error that stopped it.
// Supplied by the layer that understands node layout (internal/kernel).
type RelocateFunc func(ctx context.Context, ses *Session, seg SegmentNumber) error

// ReadBitDecayer clears the read-frequency bit for a sweep of one region
// at a time; implemented by internal/addralloc.Allocator.
type ReadBitDecayer interface {
	ClearSomeReadBits(region uint16, n int) error
}

// Allocator owns the segment log: the fixed-size block storage beneath
// it, the ready-segment handoff buffer, and the background threads that
// keep both healthy.
type Allocator struct {
	cfg Config
	log *zap.SugaredLogger

	blocks *blockalloc.Allocator
	ready  *readybuf.Buffer[SegmentNumber]

	mu    sync.Mutex
	meta  []*segmentState
	decay ReadBitDecayer

	nextRegion  atomic.Uint64 // read-bit decay sweep cursor
	pinnedCount atomic.Int64

	group  *errgroup.Group
	cancel context.CancelFunc
}

// New constructs a segment allocator rooted at dir. decay may be nil;
// when set, the read-bit decay thread sweeps it once Start is called.
func New(dir string, cfg Config, log *zap.SugaredLogger, decay ReadBitDecayer) (*Allocator, error) {
	blocks, err := blockalloc.New(dir, cfg.SegmentSize, cfg.SegmentsPerSlab)
	if err != nil {
		return nil, fmt.Errorf("segalloc: %w", err)
	}
	return &Allocator{
		cfg:    cfg,
		log:    log,
		blocks: blocks,
		ready:  readybuf.New[SegmentNumber](),
		decay:  decay,
	}, nil
}

// stateFor returns (creating if necessary) the tracking state for seg,
// growing meta to cover it. Segment numbers are assigned densely by
// blockalloc, so this only ever appends.
func (a *Allocator) stateFor(seg SegmentNumber) *segmentState {
	a.mu.Lock()
	defer a.mu.Unlock()
	for uint64(len(a.meta)) <= uint64(seg) {
		a.meta = append(a.meta, newSegmentState())
	}
	return a.meta[seg]
}

// Session is a single writer's (or the compactor's) handle onto the
// allocator: it owns the currently-active write segment and bump-
// allocates object storage out of it, requesting a fresh one from the
// ready buffer when the active segment fills.
type Session struct {
	a *Allocator

	curSeg   SegmentNumber
	curState *segmentState
	hasSeg   bool
	pinned   bool // whether this session should prefer pinned segments
}

// StartSession opens a new allocation session. Pinned sessions prefer
// ready segments that are currently mlocked; the compactor uses an
// unpinned session when draining pinned segments into cold storage, the
// same division the original's "unpinned_session.set_alloc_to_pinned(false)"
// makes.
func (a *Allocator) StartSession(preferPinned bool) *Session {
	return &Session{a: a, pinned: preferPinned}
}

// AllocData bump-allocates size bytes from the session's active
// segment, requesting a new ready segment when the active one lacks
// room. It returns the destination segment and the byte offset the
// caller should write at.
func (s *Session) AllocData(ctx context.Context, size int) (SegmentNumber, int64, error) {
	if size <= 0 || int64(size) > s.a.cfg.SegmentSize {
		return 0, 0, apperrors.NewConcurrencyError(nil, apperrors.ErrorCodeInvalidInput,
			"segalloc: object size out of range").WithDetail("size", size)
	}

	for {
		if !s.hasSeg {
			if err := s.acquireSegment(ctx); err != nil {
				return 0, 0, err
			}
		}

		pos := s.curState.allocPos.Load()
		next := pos + uint64(size)
		if next > uint64(s.a.cfg.SegmentSize) {
			// This segment doesn't have room; hand it off to the
			// compactor's eventual sweep and grab a fresh one.
			s.hasSeg = false
			continue
		}
		if s.curState.allocPos.CompareAndSwap(pos, next) {
			return s.curSeg, int64(pos), nil
		}
		// Another writer on the same session lost the race (shouldn't
		// happen under the one-writer-per-session contract, but retry
		// rather than assume).
	}
}

func (s *Session) acquireSegment(ctx context.Context) error {
	seg, err := s.a.acquireReadySegment(ctx, s.pinned)
	if err != nil {
		return err
	}
	st := s.a.stateFor(seg)
	st.allocPos.Store(0)
	st.freeSpace.Store(0)
	s.curSeg = seg
	s.curState = st
	s.hasSeg = true
	return nil
}

// Unalloc gives back size bytes from the session's active segment when
// an AllocData caller (the compactor, mid object-move) ends up not
// needing what it reserved.
func (s *Session) Unalloc(size int) {
	if !s.hasSeg || size <= 0 {
		return
	}
	for {
		pos := s.curState.allocPos.Load()
		if uint64(size) > pos {
			return
		}
		if s.curState.allocPos.CompareAndSwap(pos, pos-uint64(size)) {
			return
		}
	}
}

// acquireReadySegment pops the next ready segment, blocking until the
// provider thread supplies one. Pinned sessions pop from the front
// (where the provider places newly pinned segments); unpinned sessions
// pop from the back, which prefers non-priority (unpinned) segments so
// pinned ones stay available for pinned sessions longer.
func (a *Allocator) acquireReadySegment(ctx context.Context, preferPinned bool) (SegmentNumber, error) {
	type result struct {
		seg SegmentNumber
		err error
	}
	done := make(chan result, 1)
	go func() {
		var seg SegmentNumber
		var err error
		if preferPinned {
			seg, err = a.ready.PopWait(readybuf.RequireAck)
		} else {
			seg, err = a.ready.PopBackWait(readybuf.RequireAck)
		}
		done <- result{seg, err}
	}()

	select {
	case r := <-done:
		if r.err == nil {
			a.ready.PopAck()
		}
		return r.seg, r.err
	case <-ctx.Done():
		a.ready.WakeBlocked()
		<-done
		return 0, ctx.Err()
	}
}

// Start launches the provider, compactor, and read-bit-decay background
// threads, supervised by an errgroup the way the original's
// segment_thread trio is supervised by the owning seg_allocator.
func (a *Allocator) Start(ctx context.Context, relocate RelocateFunc) {
	ctx, cancel := context.WithCancel(ctx)
	a.cancel = cancel
	g, gctx := errgroup.WithContext(ctx)
	a.group = g

	g.Go(func() error { return a.providerLoop(gctx) })
	g.Go(func() error { return a.compactorLoop(gctx, relocate) })
	if a.decay != nil {
		g.Go(func() error { return a.readBitDecayLoop(gctx) })
	}
}

// Stop signals every background thread to exit and waits for them.
func (a *Allocator) Stop() error {
	if a.cancel == nil {
		return nil
	}
	a.cancel()
	a.ready.WakeBlocked()
	err := a.group.Wait()
	return err
}

// providerLoop keeps the ready buffer topped up to TargetReadyCount by
// growing fresh segments, and mlocks up to MaxPinnedSegments of them so
// consumers see pinned segments first. Grounded on
// seg_allocator::provider_loop.
func (a *Allocator) providerLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		if int(a.ready.Usage()) >= a.cfg.TargetReadyCount {
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(50 * time.Millisecond):
				continue
			}
		}

		seg, err := a.blocks.Alloc()
		if err != nil {
			a.log.Errorw("segalloc: provider failed to allocate a new segment", "error", err)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(a.cfg.CompactIdleInterval):
				continue
			}
		}
		st := a.stateFor(seg)
		st.allocPos.Store(notAllocating)

		pinned := false
		if int(a.pinnedCount.Load()) < a.cfg.MaxPinnedSegments {
			if a.lockSegment(seg) {
				st.pinned.Store(true)
				a.pinnedCount.Add(1)
				pinned = true
			}
		}

		// Pinned segments go to the front so pinned-preferring sessions
		// (Pop's priority filter) see them ahead of plain ones.
		if pinned {
			a.ready.PushFrontWait(seg)
		} else {
			a.ready.PushWait(seg)
		}
	}
}

func (a *Allocator) lockSegment(seg SegmentNumber) bool {
	block, err := a.blocks.Block(seg)
	if err != nil {
		return false
	}
	if err := mlockBytes(block); err != nil {
		a.log.Warnw("segalloc: mlock failed, segment stays unpinned", "segment", seg, "error", err)
		return false
	}
	return true
}

// compactorLoop alternates between draining nearly-empty pinned
// segments and nearly-empty unpinned segments, same priority order as
// seg_allocator::compactor_loop: cache promotion (left to relocate),
// pinned, cache promotion again, unpinned.
func (a *Allocator) compactorLoop(ctx context.Context, relocate RelocateFunc) error {
	ses := a.StartSession(true)
	unpinnedSes := a.StartSession(false)

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		didWork := false
		if a.compactPass(ctx, ses, relocate, true) {
			didWork = true
		}
		if a.compactPass(ctx, unpinnedSes, relocate, false) {
			didWork = true
		}

		if !didWork {
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(a.cfg.CompactIdleInterval):
			}
		}
	}
}

type candidate struct {
	seg  SegmentNumber
	vage int64
}

// compactPass scans every tracked segment for ones matching the pinned
// or unpinned eligibility rule, then compacts the most qualifying
// (oldest virtual age first, matching insert_sorted_pair's descending-
// age ordering) via CompactSegment.
func (a *Allocator) compactPass(ctx context.Context, ses *Session, relocate RelocateFunc, pinned bool) bool {
	a.mu.Lock()
	snapshot := append([]*segmentState(nil), a.meta...)
	a.mu.Unlock()

	threshold := a.cfg.UnpinnedFreeThreshold
	if pinned {
		threshold = a.cfg.PinnedFreeThreshold
	}

	var candidates []candidate
	for i, st := range snapshot {
		if st.allocPos.Load() != notAllocating {
			continue // currently the active write target of some session
		}
		if st.pinned.Load() != pinned {
			continue
		}
		free := st.freeSpace.Load()
		if float64(free) < threshold*float64(a.cfg.SegmentSize) {
			continue
		}
		candidates = append(candidates, candidate{seg: SegmentNumber(i), vage: st.vage.Load()})
	}
	if len(candidates) == 0 {
		return false
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].vage < candidates[j].vage })

	for _, c := range candidates {
		if err := a.CompactSegment(ctx, ses, c.seg, relocate); err != nil {
			a.log.Warnw("segalloc: compaction failed", "segment", c.seg, "error", err)
		}
	}
	return true
}

// CompactSegment drains seg by handing it to relocate, then resets its
// bookkeeping and pushes it back onto the ready buffer. Grounded on
// seg_allocator::compact_segment's tail: reset alloc_pos and vage, clear
// the meta's free_space/is_alloc state, and recycle the segment. The
// msync-before-recycle step happens inside relocate (via the session's
// own segment), since only relocate knows when the destination segment
// it wrote into has actually filled.
func (a *Allocator) CompactSegment(ctx context.Context, ses *Session, seg SegmentNumber, relocate RelocateFunc) error {
	if relocate == nil {
		return apperrors.NewConcurrencyError(nil, apperrors.ErrorCodeInvalidInput,
			"segalloc: CompactSegment called with no relocate function")
	}
	if err := relocate(ctx, ses, seg); err != nil {
		return fmt.Errorf("segalloc: relocating segment %d: %w", seg, err)
	}

	st := a.stateFor(seg)
	st.allocPos.Store(notAllocating)
	st.freeSpace.Store(0)
	st.vage.Store(-1)
	st.lastSyncPos.Store(uint64(a.cfg.SegmentSize))

	if st.pinned.Load() {
		a.ready.PushFrontWait(seg)
	} else {
		a.ready.PushWait(seg)
	}
	return nil
}

// readBitDecayLoop sweeps one address-allocator region per tick,
// clearing its slots' read bits so SetReadBit's signal decays into an
// approximate recency measure rather than a sticky one. Grounded on
// seg_allocator::clear_read_bits_loop; the original derives its tick
// from CacheFrequencyWindow / total region count, clamped to a 10ms
// floor — callers configure that division result directly as DecayTick
// since segalloc doesn't know the address allocator's region count.
func (a *Allocator) readBitDecayLoop(ctx context.Context) error {
	tick := a.cfg.DecayTick
	if tick <= 0 {
		tick = 10 * time.Millisecond
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			region := uint16(a.nextRegion.Add(1) - 1)
			if err := a.decay.ClearSomeReadBits(region, 1); err != nil {
				a.log.Debugw("segalloc: read-bit decay sweep skipped", "region", region, "error", err)
			}
		}
	}
}

// FreeSpace credits size additional dead bytes to seg, called whenever a
// relocation or delete frees an object without moving the segment's own
// alloc_pos.
func (a *Allocator) FreeSpace(seg SegmentNumber, size int) {
	a.stateFor(seg).freeSpace.Add(uint64(size))
}

// SetVAge records seg's virtual age accumulator, used to order
// compaction so related-age data stays together.
func (a *Allocator) SetVAge(seg SegmentNumber, vage int64) {
	a.stateFor(seg).vage.Store(vage)
}

// Block returns the raw backing bytes for seg, for a relocate
// implementation to read/write object headers directly.
func (a *Allocator) Block(seg SegmentNumber) ([]byte, error) {
	return a.blocks.Block(seg)
}

// SegmentSize returns the configured fixed segment size.
func (a *Allocator) SegmentSize() int64 { return a.cfg.SegmentSize }

// Sync flushes the entire segment log to disk, honoring the same
// async/sync msync split internal/blockalloc already exposes. The write
// transaction's commit path calls this before publishing a new root, per
// spec.md §4.10 and the configured options.SyncMode.
func (a *Allocator) Sync(async bool) error {
	return a.blocks.Sync(async)
}

// Stats summarizes the allocator's current state for diagnostics.
type Stats struct {
	TotalSegments  uint64
	PinnedSegments int64
	ReadyUsage     uint64
	ReadyFree      uint64
}

func (a *Allocator) Stats() Stats {
	return Stats{
		TotalSegments:  a.blocks.NumBlocks(),
		PinnedSegments: a.pinnedCount.Load(),
		ReadyUsage:     a.ready.Usage(),
		ReadyFree:      a.ready.FreeSpace(),
	}
}

// Close stops background threads (if started) and closes the
// underlying block storage.
func (a *Allocator) Close() error {
	if err := a.Stop(); err != nil {
		return err
	}
	return a.blocks.Close()
}

// mlockBytes pins block in RAM. Failure is always non-fatal to the
// caller: per the original's mlock_pinned_segments, a failed mlock
// simply leaves the segment unpinned rather than aborting startup.
func mlockBytes(block []byte) error {
	if len(block) == 0 {
		return nil
	}
	return unix.Mlock(block)
}
