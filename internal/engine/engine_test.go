package engine

import (
	"context"
	"testing"
	"time"

	"github.com/iamNilotpal/triestore/internal/kernel"
	"github.com/iamNilotpal/triestore/pkg/logger"
	"github.com/iamNilotpal/triestore/pkg/options"
)

func testOptions(dir string) *options.Options {
	o := options.NewDefaultOptions()
	o.DataDir = dir
	o.NumTopRoots = 2
	o.MaxInlineValue = 64
	o.SegmentOptions.Size = 1 << 20
	o.SegmentOptions.MaxPinnedCacheSizeMB = 4
	o.CompactInterval = 20 * time.Millisecond
	return &o
}

func openTestEngine(t *testing.T, dir string) *Engine {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	e, err := New(ctx, &Config{Options: testOptions(dir), Logger: logger.Nop()})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return e
}

func mustSet(t *testing.T, e *Engine, rootIdx int, key string, value []byte) {
	t.Helper()
	ws, err := e.StartWriteSession()
	if err != nil {
		t.Fatalf("StartWriteSession: %v", err)
	}
	defer ws.Close()

	tx, err := ws.StartWriteTransaction(rootIdx)
	if err != nil {
		t.Fatalf("StartWriteTransaction: %v", err)
	}
	if err := tx.Upsert(context.Background(), []byte(key), kernel.ValueSpec{Inline: value}, kernel.Upsert); err != nil {
		t.Fatalf("Upsert(%q): %v", key, err)
	}
	if err := tx.Commit(context.Background()); err != nil {
		t.Fatalf("Commit: %v", err)
	}
}

func mustGet(t *testing.T, e *Engine, rootIdx int, key string) ([]byte, bool) {
	t.Helper()
	rs, err := e.StartReadSession()
	if err != nil {
		t.Fatalf("StartReadSession: %v", err)
	}
	defer rs.Close()

	val, ok, err := rs.Get(rootIdx, []byte(key))
	if err != nil {
		t.Fatalf("Get(%q): %v", key, err)
	}
	if !ok {
		return nil, false
	}
	return val.Inline, true
}

func TestNewCreatesDirectoryAndOpens(t *testing.T) {
	dir := t.TempDir()
	e := openTestEngine(t, dir)
	if e.opts.NumTopRoots != 2 {
		t.Fatalf("NumTopRoots = %d, want 2", e.opts.NumTopRoots)
	}
	if err := e.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
}

func TestSetGetRoundTrip(t *testing.T) {
	dir := t.TempDir()
	e := openTestEngine(t, dir)
	defer e.Close()

	mustSet(t, e, 0, "alpha", []byte("one"))
	mustSet(t, e, 0, "beta", []byte("two"))

	got, ok := mustGet(t, e, 0, "alpha")
	if !ok || string(got) != "one" {
		t.Fatalf("Get(alpha) = (%q, %v), want (one, true)", got, ok)
	}
	got, ok = mustGet(t, e, 0, "beta")
	if !ok || string(got) != "two" {
		t.Fatalf("Get(beta) = (%q, %v), want (two, true)", got, ok)
	}
	if _, ok := mustGet(t, e, 0, "missing"); ok {
		t.Fatalf("Get(missing) found a value, want absent")
	}
}

func TestRootsAreIndependent(t *testing.T) {
	dir := t.TempDir()
	e := openTestEngine(t, dir)
	defer e.Close()

	mustSet(t, e, 0, "k", []byte("root0"))
	mustSet(t, e, 1, "k", []byte("root1"))

	v0, _ := mustGet(t, e, 0, "k")
	v1, _ := mustGet(t, e, 1, "k")
	if string(v0) != "root0" || string(v1) != "root1" {
		t.Fatalf("roots leaked into each other: root0=%q root1=%q", v0, v1)
	}
}

func TestWriteTransactionAbortDiscardsChanges(t *testing.T) {
	dir := t.TempDir()
	e := openTestEngine(t, dir)
	defer e.Close()

	mustSet(t, e, 0, "kept", []byte("v1"))

	ws, err := e.StartWriteSession()
	if err != nil {
		t.Fatalf("StartWriteSession: %v", err)
	}
	tx, err := ws.StartWriteTransaction(0)
	if err != nil {
		t.Fatalf("StartWriteTransaction: %v", err)
	}
	if err := tx.Upsert(context.Background(), []byte("aborted"), kernel.ValueSpec{Inline: []byte("nope")}, kernel.Upsert); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	if err := tx.Abort(); err != nil {
		t.Fatalf("Abort: %v", err)
	}
	ws.Close()

	if _, ok := mustGet(t, e, 0, "aborted"); ok {
		t.Fatalf("Get(aborted) found a value after Abort")
	}
	if v, ok := mustGet(t, e, 0, "kept"); !ok || string(v) != "v1" {
		t.Fatalf("Get(kept) = (%q, %v), want (v1, true)", v, ok)
	}
}

func TestCloseTwiceReturnsEngineClosedError(t *testing.T) {
	dir := t.TempDir()
	e := openTestEngine(t, dir)

	if err := e.Close(); err != nil {
		t.Fatalf("first Close: %v", err)
	}
	if err := e.Close(); err == nil {
		t.Fatalf("second Close: want an error, got nil")
	}
}

func TestReopenAfterCleanShutdownPreservesData(t *testing.T) {
	dir := t.TempDir()
	e := openTestEngine(t, dir)
	mustSet(t, e, 0, "durable", []byte("value"))
	if err := e.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	e2 := openTestEngine(t, dir)
	defer e2.Close()
	if v, ok := mustGet(t, e2, 0, "durable"); !ok || string(v) != "value" {
		t.Fatalf("Get(durable) after reopen = (%q, %v), want (value, true)", v, ok)
	}
}

func TestReopenAfterUncleanShutdownRunsRecovery(t *testing.T) {
	dir := t.TempDir()
	e := openTestEngine(t, dir)
	mustSet(t, e, 0, "recovered", []byte("yes"))

	// Simulate a crash: New already leaves clean_shutdown stamped false
	// until a clean Close flips it, so skipping Close here and just
	// releasing the segment allocator's own resources (so the reopen
	// below doesn't collide with still-open slab file descriptors) is
	// enough to exercise the recovery path.
	if err := e.segs.Close(); err != nil {
		t.Fatalf("segs.Close: %v", err)
	}
	if err := e.hdrFile.Close(); err != nil {
		t.Fatalf("hdrFile.Close: %v", err)
	}

	e2 := openTestEngine(t, dir)
	defer e2.Close()
	if v, ok := mustGet(t, e2, 0, "recovered"); !ok || string(v) != "yes" {
		t.Fatalf("Get(recovered) after unclean-shutdown reopen = (%q, %v), want (yes, true)", v, ok)
	}
}

func TestGetRuntimeConfigReflectsSetRuntimeConfig(t *testing.T) {
	dir := t.TempDir()
	e := openTestEngine(t, dir)
	defer e.Close()

	cfg := e.GetRuntimeConfig()
	cfg.SyncMode = options.SyncModeAsync
	e.SetRuntimeConfig(cfg)

	if got := e.GetRuntimeConfig().SyncMode; got != options.SyncModeAsync {
		t.Fatalf("SyncMode = %v, want %v", got, options.SyncModeAsync)
	}
}

func TestSlotPoolReusesReleasedSlots(t *testing.T) {
	p := newSlotPool()
	a, err := p.acquire()
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	p.release(a)
	b, err := p.acquire()
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if a != b {
		t.Fatalf("acquire after release = %d, want reused slot %d", b, a)
	}
}
