//go:build linux || darwin

// Package mmap provides thin wrappers around anonymous and file-backed
// memory mapping, used by lib/bufpool for large transfer buffers and by
// metatree for the read-only metadata image.
package mmap

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// Alloc allocates size bytes of anonymous memory via mmap. The memory is
// not zeroed by the kernel guarantee alone; callers should treat it as
// dirty.
func Alloc(size int) ([]byte, error) {
	if size <= 0 {
		return nil, nil
	}
	b, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED|unix.MAP_ANON)
	if err != nil {
		return nil, fmt.Errorf("mmap: failed to allocate %d bytes: %w", size, err)
	}
	return b, nil
}

// MustAlloc is like Alloc but panics on error.
func MustAlloc(size int) []byte {
	b, err := Alloc(size)
	if err != nil {
		panic(err)
	}
	return b
}

// Free releases memory obtained from Alloc or MapFile.
func Free(b []byte) error {
	if len(b) == 0 {
		return nil
	}
	if err := unix.Munmap(b); err != nil {
		return fmt.Errorf("mmap: failed to free %d bytes: %w", len(b), err)
	}
	return nil
}

// MustFree is like Free but panics on error.
func MustFree(b []byte) {
	if err := Free(b); err != nil {
		panic(err)
	}
}

// MapFile maps the whole of f read-only. The returned slice is valid
// until Free is called; f may be closed immediately after mapping
// succeeds, the mapping itself keeps no reference to the descriptor.
func MapFile(f *os.File) ([]byte, error) {
	fi, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("mmap: stat: %w", err)
	}
	size := int(fi.Size())
	if size == 0 {
		return nil, nil
	}
	b, err := unix.Mmap(int(f.Fd()), 0, size, unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("mmap: failed to map %d bytes from %q: %w", size, f.Name(), err)
	}
	return b, nil
}
