package filesys

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// MappedFile wraps an *os.File together with its current memory mapping,
// growable in place by remapping when the file is extended. It backs each
// of the block allocator's slab files and the database header file.
type MappedFile struct {
	file *os.File
	data []byte
}

// OpenMapped opens (creating if necessary) the file at path, truncates it up
// to at least size bytes, and maps it read/write.
func OpenMapped(path string, size int64, permission os.FileMode) (*MappedFile, error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, permission)
	if err != nil {
		return nil, fmt.Errorf("opening mapped file %s: %w", path, err)
	}

	stat, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("stat mapped file %s: %w", path, err)
	}

	if stat.Size() < size {
		if err := file.Truncate(size); err != nil {
			file.Close()
			return nil, fmt.Errorf("truncating mapped file %s to %d bytes: %w", path, size, err)
		}
	} else {
		size = stat.Size()
	}

	data, err := unix.Mmap(int(file.Fd()), 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("mmap %s (%d bytes): %w", path, size, err)
	}

	return &MappedFile{file: file, data: data}, nil
}

// Bytes returns the current mapping. The slice is only valid until the next
// call to Grow or Close.
func (m *MappedFile) Bytes() []byte {
	return m.data
}

// Len returns the current mapped size in bytes.
func (m *MappedFile) Len() int {
	return len(m.data)
}

// Grow extends the backing file to newSize and remaps it. newSize must be
// greater than the current mapping length; growth always happens under the
// caller's own lock (the block allocator's growth mutex), mirroring the
// original design where remapping a memory-mapped file is never done
// concurrently with another grow.
func (m *MappedFile) Grow(newSize int64) error {
	if newSize <= int64(len(m.data)) {
		return nil
	}

	if err := m.file.Truncate(newSize); err != nil {
		return fmt.Errorf("truncating mapped file to %d bytes: %w", newSize, err)
	}

	if err := unix.Munmap(m.data); err != nil {
		return fmt.Errorf("unmapping prior to growth: %w", err)
	}

	data, err := unix.Mmap(int(m.file.Fd()), 0, int(newSize), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return fmt.Errorf("remapping after growth to %d bytes: %w", newSize, err)
	}

	m.data = data
	return nil
}

// Sync flushes the mapping to disk. async selects MS_ASYNC over MS_SYNC.
func (m *MappedFile) Sync(async bool) error {
	flags := unix.MS_SYNC
	if async {
		flags = unix.MS_ASYNC
	}
	return unix.Msync(m.data, flags)
}

// SyncRange flushes only [offset, offset+length) of the mapping, used by the
// segment allocator to sync a single segment without touching its siblings.
func (m *MappedFile) SyncRange(offset, length int, async bool) error {
	if offset < 0 || length < 0 || offset+length > len(m.data) {
		return fmt.Errorf("sync range [%d,%d) out of bounds for mapping of length %d", offset, offset+length, len(m.data))
	}
	flags := unix.MS_SYNC
	if async {
		flags = unix.MS_ASYNC
	}
	return unix.Msync(m.data[offset:offset+length], flags)
}

// Lock pins [offset, offset+length) of the mapping in RAM via mlock. Callers
// treat failure as non-fatal: the segment simply remains unpinned.
func (m *MappedFile) Lock(offset, length int) error {
	if offset < 0 || length < 0 || offset+length > len(m.data) {
		return fmt.Errorf("lock range [%d,%d) out of bounds for mapping of length %d", offset, offset+length, len(m.data))
	}
	return unix.Mlock(m.data[offset : offset+length])
}

// Unlock releases a previously mlocked range.
func (m *MappedFile) Unlock(offset, length int) error {
	if offset < 0 || length < 0 || offset+length > len(m.data) {
		return fmt.Errorf("unlock range [%d,%d) out of bounds for mapping of length %d", offset, offset+length, len(m.data))
	}
	return unix.Munlock(m.data[offset : offset+length])
}

// Protect sets the memory protection of [offset, offset+length); used to
// write-protect a segment once it has been sealed and durably synced, and to
// lift that protection when the provider thread reinitializes it for reuse.
func (m *MappedFile) Protect(offset, length int, writable bool) error {
	if offset < 0 || length < 0 || offset+length > len(m.data) {
		return fmt.Errorf("protect range [%d,%d) out of bounds for mapping of length %d", offset, offset+length, len(m.data))
	}
	prot := unix.PROT_READ
	if writable {
		prot |= unix.PROT_WRITE
	}
	return unix.Mprotect(m.data[offset:offset+length], prot)
}

// Close unmaps and closes the backing file.
func (m *MappedFile) Close() error {
	var err error
	if m.data != nil {
		err = unix.Munmap(m.data)
		m.data = nil
	}
	if cerr := m.file.Close(); cerr != nil && err == nil {
		err = cerr
	}
	return err
}

// File returns the underlying *os.File, for operations (Fd, Name) not
// exposed directly by MappedFile.
func (m *MappedFile) File() *os.File {
	return m.file
}
