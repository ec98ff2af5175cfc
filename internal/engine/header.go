// Package engine implements spec.md §4.10: the database object that owns
// the segment allocator, the address allocator, and the memory-mapped
// header record, plus the read/write session and write-transaction types
// built on top of internal/kernel's mutation kernel and internal/epoch's
// read-epoch gate.
//
// Grounded on the teacher's own internal/engine (Engine/Config/New/Close
// lifecycle, atomic.Bool closed-flag CAS) generalized from Bitcask's
// index+storage+compaction trio to spec.md's segment/address-allocator
// architecture — see DESIGN.md's "Dropped teacher code (addendum)" entry
// for why that trio was replaced outright rather than adapted. No
// database.cpp/.hpp was retrieved in original_source/, so the on-disk
// header layout below is this port's own design built to satisfy every
// field spec.md §6 names (magic, clean_shutdown, top-root table, runtime
// config) in the same little-endian hand-packed-buffer idiom
// internal/node and internal/addralloc already establish.
package engine

import (
	"encoding/binary"
	"time"

	"github.com/iamNilotpal/triestore/internal/addralloc"
	"github.com/iamNilotpal/triestore/pkg/options"
)

// headerMagic identifies a valid TrieStore database directory. Opening a
// "db" file whose first 8 bytes don't match this is spec.md §6's
// "invalid format" exit condition.
const headerMagic uint64 = 0x54726965537401DB

const (
	offMagic           = 0
	offCleanShutdown   = 8
	offNumTopRoots     = 12
	offSyncMode        = 16
	offChecksumModify  = 17
	offChecksumCompact = 18
	offValidateCompact = 19
	offDebug           = 20
	offMaxPinnedMB     = 24
	offCacheWindowNS   = 32
	offMaxInlineValue  = 40
	offSegmentSize     = 48
	topRootsStart      = 64
	topRootEntrySize   = 4 // Region uint16 + Index uint16
)

// headerAlign rounds n up to the nearest 4096-byte page, so the header
// file's mapping boundary never splits a cacheline the way an
// arbitrarily-sized mapping could.
func headerAlign(n int) int64 {
	const page = 4096
	return int64((n + page - 1) &^ (page - 1))
}

// headerSize returns the exact byte size a database header needs for
// numTopRoots entries, before page alignment.
func headerSize(numTopRoots int) int {
	return topRootsStart + numTopRoots*topRootEntrySize
}

// header is a thin accessor over the memory-mapped "db" file's bytes,
// mirroring internal/node/header.go's convention of a zero-cost wrapper
// struct over a live []byte rather than a parsed-then-reserialized copy.
type header struct {
	buf []byte
}

func (h header) Magic() uint64 { return binary.LittleEndian.Uint64(h.buf[offMagic:]) }
func (h header) setMagic()     { binary.LittleEndian.PutUint64(h.buf[offMagic:], headerMagic) }

func (h header) CleanShutdown() bool { return h.buf[offCleanShutdown] != 0 }
func (h header) SetCleanShutdown(clean bool) {
	if clean {
		h.buf[offCleanShutdown] = 1
	} else {
		h.buf[offCleanShutdown] = 0
	}
}

func (h header) NumTopRoots() int {
	return int(binary.LittleEndian.Uint32(h.buf[offNumTopRoots:]))
}
func (h header) setNumTopRoots(n int) {
	binary.LittleEndian.PutUint32(h.buf[offNumTopRoots:], uint32(n))
}

// TopRoot reads top-root slot idx's currently published address.
func (h header) TopRoot(idx int) addralloc.Address {
	off := topRootsStart + idx*topRootEntrySize
	return addralloc.Address{
		Region: binary.LittleEndian.Uint16(h.buf[off:]),
		Index:  binary.LittleEndian.Uint16(h.buf[off+2:]),
	}
}

// SetTopRoot publishes addr into top-root slot idx. Callers besides
// WriteTransaction.Commit must hold that root's write mutex.
func (h header) SetTopRoot(idx int, addr addralloc.Address) {
	off := topRootsStart + idx*topRootEntrySize
	binary.LittleEndian.PutUint16(h.buf[off:], addr.Region)
	binary.LittleEndian.PutUint16(h.buf[off+2:], addr.Index)
}

// runtimeConfig returns the subset of options persisted in the header
// and re-loaded on every open, per spec.md §6's "runtime config"
// external-interface entry.
func (h header) runtimeConfig() options.Options {
	o := options.NewDefaultOptions()
	o.SyncMode = options.SyncMode(h.buf[offSyncMode])
	o.ChecksumOnModify = h.buf[offChecksumModify] != 0
	o.ChecksumOnCompact = h.buf[offChecksumCompact] != 0
	o.ValidateOnCompact = h.buf[offValidateCompact] != 0
	o.Debug = h.buf[offDebug] != 0
	o.SegmentOptions.MaxPinnedCacheSizeMB = binary.LittleEndian.Uint64(h.buf[offMaxPinnedMB:])
	o.CacheFrequencyWindow = time.Duration(binary.LittleEndian.Uint64(h.buf[offCacheWindowNS:]))
	o.MaxInlineValue = int(binary.LittleEndian.Uint32(h.buf[offMaxInlineValue:]))
	o.SegmentOptions.Size = binary.LittleEndian.Uint64(h.buf[offSegmentSize:])
	return o
}

// setRuntimeConfig stamps opts into the header, called once at create
// time and again by Engine.SetRuntimeConfig for the fields spec.md's
// set_runtime_config applies immediately (SyncMode, checksum toggles).
// SegmentOptions.Size is written once at create and never changed by
// SetRuntimeConfig — the segment allocator's geometry is fixed for the
// life of the directory.
func (h header) setRuntimeConfig(opts options.Options) {
	h.buf[offSyncMode] = byte(opts.SyncMode)
	h.buf[offChecksumModify] = boolByte(opts.ChecksumOnModify)
	h.buf[offChecksumCompact] = boolByte(opts.ChecksumOnCompact)
	h.buf[offValidateCompact] = boolByte(opts.ValidateOnCompact)
	h.buf[offDebug] = boolByte(opts.Debug)
	binary.LittleEndian.PutUint64(h.buf[offMaxPinnedMB:], opts.SegmentOptions.MaxPinnedCacheSizeMB)
	binary.LittleEndian.PutUint64(h.buf[offCacheWindowNS:], uint64(opts.CacheFrequencyWindow))
	binary.LittleEndian.PutUint32(h.buf[offMaxInlineValue:], uint32(opts.MaxInlineValue))
}

func (h header) setSegmentSize(size uint64) {
	binary.LittleEndian.PutUint64(h.buf[offSegmentSize:], size)
}

func boolByte(b bool) byte {
	if b {
		return 1
	}
	return 0
}
