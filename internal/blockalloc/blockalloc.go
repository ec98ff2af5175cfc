// Package blockalloc allocates fixed-size blocks backed by memory-mapped
// files on disk. It is the lowest storage layer: the segment allocator
// above it uses each block as one segment. The database header is not
// stored here; the engine keeps it in a separate memory-mapped file.
//
// Blocks are grouped into slabs of a configured size. Growing the
// allocator maps a brand new slab file rather than growing (and
// therefore remapping) an existing one, so a []byte previously returned
// by Block remains valid for as long as the allocator is open — no
// concurrent reader can be invalidated by another goroutine's Alloc.
package blockalloc

import (
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/iamNilotpal/triestore/pkg/filesys"
)

// BlockNumber addresses one fixed-size block across every slab an
// allocator has ever mapped.
type BlockNumber uint64

// Allocator hands out fixed-size blocks backed by one or more
// memory-mapped slab files under a data directory.
type Allocator struct {
	dir           string
	blockSize     int64
	blocksPerSlab int64

	growMu sync.Mutex // serializes Alloc's slab creation; Block needs no lock
	slabs  atomic.Pointer[[]*filesys.MappedFile]
	count  atomic.Uint64
}

// New opens (creating if necessary) a block allocator rooted at dir,
// with the given per-block size and number of blocks per slab file. Any
// slab files already present from a prior run are reopened in order so
// that previously allocated blocks keep their numbers.
func New(dir string, blockSize, blocksPerSlab int64) (*Allocator, error) {
	if err := filesys.CreateDir(dir, 0o755, true); err != nil {
		return nil, fmt.Errorf("creating block allocator directory %s: %w", dir, err)
	}

	a := &Allocator{dir: dir, blockSize: blockSize, blocksPerSlab: blocksPerSlab}
	empty := []*filesys.MappedFile{}
	a.slabs.Store(&empty)

	existing, err := existingSlabCount(dir)
	if err != nil {
		return nil, err
	}
	for i := 0; i < existing; i++ {
		if _, err := a.growBySlab(); err != nil {
			return nil, err
		}
	}
	a.count.Store(uint64(existing) * uint64(blocksPerSlab))
	return a, nil
}

func existingSlabCount(dir string) (int, error) {
	n := 0
	for {
		path := slabPath(dir, n)
		exists, err := filesys.Exists(path)
		if err != nil {
			return 0, fmt.Errorf("checking slab %s: %w", path, err)
		}
		if !exists {
			return n, nil
		}
		n++
	}
}

func slabPath(dir string, slabIndex int) string {
	return filepath.Join(dir, fmt.Sprintf("slab_%08d.blk", slabIndex))
}

// Alloc reserves and returns the next sequential block number, mapping a
// new slab file first if the current last slab is exhausted.
func (a *Allocator) Alloc() (BlockNumber, error) {
	a.growMu.Lock()
	defer a.growMu.Unlock()

	num := a.count.Load()
	slabIdx := int64(num) / a.blocksPerSlab
	slabs := *a.slabs.Load()
	if slabIdx >= int64(len(slabs)) {
		if _, err := a.growBySlab(); err != nil {
			return 0, err
		}
	}

	a.count.Add(1)
	return BlockNumber(num), nil
}

// growBySlab maps one additional slab file and appends it to the slab
// list. Callers must hold growMu.
func (a *Allocator) growBySlab() (*filesys.MappedFile, error) {
	slabs := *a.slabs.Load()
	path := slabPath(a.dir, len(slabs))
	mapped, err := filesys.OpenMapped(path, a.blockSize*a.blocksPerSlab, 0o644)
	if err != nil {
		return nil, fmt.Errorf("mapping slab %s: %w", path, err)
	}

	next := make([]*filesys.MappedFile, len(slabs)+1)
	copy(next, slabs)
	next[len(slabs)] = mapped
	a.slabs.Store(&next)
	return mapped, nil
}

// Block returns the byte range backing block num. The slice is valid for
// the lifetime of the allocator; concurrent Alloc calls never invalidate
// it because slabs are append-only.
func (a *Allocator) Block(num BlockNumber) ([]byte, error) {
	if uint64(num) >= a.count.Load() {
		return nil, fmt.Errorf("block %d not yet allocated (count=%d)", num, a.count.Load())
	}

	slabIdx := int64(num) / a.blocksPerSlab
	offset := (int64(num) % a.blocksPerSlab) * a.blockSize

	slabs := *a.slabs.Load()
	if slabIdx >= int64(len(slabs)) {
		return nil, fmt.Errorf("block %d maps to slab %d, only %d mapped", num, slabIdx, len(slabs))
	}

	data := slabs[slabIdx].Bytes()
	return data[offset : offset+a.blockSize], nil
}

// NumBlocks returns the number of blocks allocated so far.
func (a *Allocator) NumBlocks() uint64 { return a.count.Load() }

// BlockSize returns the fixed size, in bytes, of every block.
func (a *Allocator) BlockSize() int64 { return a.blockSize }

// Sync flushes every mapped slab to disk.
func (a *Allocator) Sync(async bool) error {
	slabs := *a.slabs.Load()
	for _, s := range slabs {
		if err := s.Sync(async); err != nil {
			return err
		}
	}
	return nil
}

// Close unmaps and closes every slab file.
func (a *Allocator) Close() error {
	slabs := *a.slabs.Load()
	var firstErr error
	for _, s := range slabs {
		if err := s.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
