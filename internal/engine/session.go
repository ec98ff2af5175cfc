package engine

import (
	"context"

	"github.com/iamNilotpal/triestore/internal/addralloc"
	"github.com/iamNilotpal/triestore/internal/epoch"
	"github.com/iamNilotpal/triestore/internal/kernel"
	"github.com/iamNilotpal/triestore/internal/segalloc"
	apperrors "github.com/iamNilotpal/triestore/pkg/errors"
	"github.com/iamNilotpal/triestore/pkg/options"
)

// ReadSession is spec.md §6's `read_session`: a lock-free handle that
// can observe any top root's currently-published contents without ever
// blocking a concurrent writer, by registering with the engine's read
// epoch for the duration of each individual read.
//
// Scope note: BeginRead/EndRead still bracket each individual call
// rather than staying pinned for the session's whole lifetime, trading
// one extra atomic store per call for letting a long-lived session sit
// open without pinning an epoch (and therefore segment reclamation)
// indefinitely — but the underlying epoch.Session itself is acquired
// once, in StartReadSession, and kept for the session's life, per
// internal/epoch's own "sessions are cheap and meant to be kept ...
// not allocated per-operation" contract. A caller needing a single
// epoch-consistent view across several reads should take its own
// snapshot of each GetRoot result up front rather than re-querying
// mid-session.
//
// Iterator scope: spec.md §6 also describes a cursor
// (first/last/begin/end/next/prev/lower_bound/upper_bound) over a
// subtree handle. That surface is not implemented here — see
// DESIGN.md's matching Open Question — ReadSession exposes only the
// point and counting operations the mutation kernel itself provides.
type ReadSession struct {
	e    *Engine
	epS  *epoch.Session
	slot uint32
}

// StartReadSession opens a new read session.
func (e *Engine) StartReadSession() (*ReadSession, error) {
	slot, err := e.slots.acquire()
	if err != nil {
		return nil, err
	}
	return &ReadSession{e: e, epS: e.epochQ.Acquire(slot), slot: slot}, nil
}

// Close releases the epoch session and hands the slot back to the
// engine's pool.
func (rs *ReadSession) Close() {
	rs.epS.Release()
	rs.e.slots.release(rs.slot)
}

// GetRoot returns top-root slot idx's currently published address.
func (rs *ReadSession) GetRoot(idx int) (addralloc.Address, error) {
	if idx < 0 || idx >= rs.e.opts.NumTopRoots {
		return addralloc.Address{}, apperrors.NewEngineError(nil, apperrors.ErrorCodeIndexOutOfRange,
			"engine: root index out of range").WithRootIndex(idx).WithOperation("GetRoot")
	}
	return rs.e.hdr.TopRoot(idx), nil
}

// Get looks up key under top root idx, per spec.md §6's
// `read_session::get`.
func (rs *ReadSession) Get(idx int, key []byte) (kernel.ValueSpec, bool, error) {
	rs.epS.BeginRead()
	defer rs.epS.EndRead()

	root, err := rs.GetRoot(idx)
	if err != nil {
		return kernel.ValueSpec{}, false, err
	}
	return rs.e.store.Get(root, key)
}

// CountKeys returns the number of keys reachable from top root idx, per
// spec.md §6's `read_session::count_keys`. The (lo, hi) range bounds
// spec.md's conceptual interface describes are not implemented: the
// mutation kernel tracks a node's total descendant count but not a
// ranged count, so this always returns the full count regardless of any
// range a future caller might want to supply.
func (rs *ReadSession) CountKeys(idx int) (uint32, error) {
	rs.epS.BeginRead()
	defer rs.epS.EndRead()

	root, err := rs.GetRoot(idx)
	if err != nil {
		return 0, err
	}
	return rs.e.store.CountKeys(root)
}

// WriteSession is spec.md §6's `write_session`: the handle a writer
// holds open across one or more write transactions, each one a
// serialized mutation against a single top root.
type WriteSession struct {
	e    *Engine
	ses  *segalloc.Session
	slot uint32
}

// StartWriteSession opens a new write session, claiming one segment
// allocator session for every transaction it starts. Unlike
// ReadSession, a writer never needs an epoch.Session of its own: it
// never dereferences a pointer into a segment that compaction might
// recycle out from under it, since every address it touches is either
// freshly allocated or resolved fresh through the (never stale)
// address table on each recursive step.
func (e *Engine) StartWriteSession() (*WriteSession, error) {
	slot, err := e.slots.acquire()
	if err != nil {
		return nil, err
	}
	return &WriteSession{e: e, ses: e.segs.StartSession(false), slot: slot}, nil
}

// Close releases the session's slot back to the engine's pool. Any
// transaction started from this session must already have been
// committed or aborted.
func (ws *WriteSession) Close() { ws.e.slots.release(ws.slot) }

// WriteTransaction is spec.md §6's `write_session::start_write_transaction`
// result: a single serialized mutation pass against one top root,
// committed or aborted as one unit.
type WriteTransaction struct {
	e       *Engine
	rootIdx int
	region  uint16
	root    addralloc.Address // root published when the transaction started
	current addralloc.Address // root as upserts within the transaction apply
	ses     *segalloc.Session
	done    bool
}

// StartWriteTransaction begins a transaction against top root rootIdx,
// holding that root's write mutex until Commit or Abort releases it —
// spec.md §4.9's "writes against a given top root are serialized; reads
// are never blocked by them." The transaction takes its own reference on
// the published root, so the root node is copied rather than changed in
// place by the transaction's mutations.
func (ws *WriteSession) StartWriteTransaction(rootIdx int) (*WriteTransaction, error) {
	if rootIdx < 0 || rootIdx >= ws.e.opts.NumTopRoots {
		return nil, apperrors.NewEngineError(nil, apperrors.ErrorCodeIndexOutOfRange,
			"engine: root index out of range").WithRootIndex(rootIdx).WithOperation("StartWriteTransaction")
	}

	ws.e.rootMu[rootIdx].Lock()
	root := ws.e.hdr.TopRoot(rootIdx)
	region := root.Region

	if root.IsNull() {
		r, err := ws.e.addrs.NewRegion()
		if err != nil {
			ws.e.rootMu[rootIdx].Unlock()
			return nil, err
		}
		region = r
	} else if err := ws.e.store.Retain(root); err != nil {
		ws.e.rootMu[rootIdx].Unlock()
		return nil, err
	}

	return &WriteTransaction{
		e: ws.e, rootIdx: rootIdx, region: region,
		root: root, current: root, ses: ws.ses,
	}, nil
}

// Upsert applies one insert/update/upsert/remove against the
// transaction's current root, per spec.md §6's `write_session::upsert`
// (and its insert/update/remove convenience wrappers, all expressed here
// as mode).
func (tx *WriteTransaction) Upsert(ctx context.Context, key []byte, val kernel.ValueSpec, mode kernel.Mode) error {
	if tx.done {
		return apperrors.NewEngineError(nil, apperrors.ErrorCodeInvalidInput,
			"engine: transaction already committed or aborted").WithOperation("Upsert")
	}
	newRoot, _, err := tx.e.store.Upsert(ctx, tx.ses, tx.region, tx.current, key, val, mode)
	if err != nil {
		return err
	}
	tx.current = newRoot
	return nil
}

// Commit publishes the transaction's accumulated root into its top-root
// slot and, per the engine's configured sync mode, flushes the segment
// log (and, for SyncModeFull, the header) before returning — spec.md
// §4.10's durability contract for a committed write. The root the
// transaction started with is released once here: if the root changed,
// the copy-on-write step that replaced it already dropped the
// transaction's own reference, and the one released is the header's,
// superseded by the new root; otherwise it is the transaction's own.
// tx.current's reference was established by the Upsert call chain that
// produced it.
func (tx *WriteTransaction) Commit(ctx context.Context) error {
	defer tx.e.rootMu[tx.rootIdx].Unlock()
	if tx.done {
		return apperrors.NewEngineError(nil, apperrors.ErrorCodeInvalidInput,
			"engine: transaction already committed or aborted").WithOperation("Commit")
	}
	tx.done = true

	if tx.e.opts.SyncMode != options.SyncModeNone {
		async := tx.e.opts.SyncMode == options.SyncModeAsync
		if err := tx.e.segs.Sync(async); err != nil {
			return err
		}
	}

	if !tx.root.IsNull() {
		if err := tx.e.store.Release(tx.root); err != nil {
			return err
		}
	}

	tx.e.hdr.SetTopRoot(tx.rootIdx, tx.current)

	if tx.e.opts.SyncMode == options.SyncModeFull {
		return tx.e.hdrFile.Sync(false)
	}
	return nil
}

// Abort discards every change the transaction made, releasing the
// never-published root it built instead of the one still named by the
// header, or, if the root never changed, the transaction's own
// reference to it.
func (tx *WriteTransaction) Abort() error {
	defer tx.e.rootMu[tx.rootIdx].Unlock()
	if tx.done {
		return nil
	}
	tx.done = true

	if tx.current != tx.root {
		return tx.e.store.Release(tx.current)
	}
	if !tx.root.IsNull() {
		return tx.e.store.Release(tx.root)
	}
	return nil
}
