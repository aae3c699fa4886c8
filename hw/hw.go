// Copyright © 2018-2019 Information Sciences Institute. All rights reserved.
// Use of this source code is governed by the GPL-2 license described in the
// LICENSE file.

// Package hw provides memory-mapped register region access.
//
// Device memory must be accessed in aligned 32-bit words; byte-wise copies
// are unsafe on the mailbox data window, so block transfers go through
// CopyFrom and CopyTo which read and write one word at a time.
package hw

import (
	"fmt"
	"os"
	"sync/atomic"
	"syscall"
	"unsafe"
)

// Io is the register-level access contract shared by mapped device memory
// and the simulated blocks used in tests.
type Io interface {
	R32(off uint) uint32
	W32(off uint, v uint32)
	Size() int
}

// Region is a word-addressable window of mapped or allocated memory.
type Region struct {
	b []byte
	f *os.File
}

// MapDevMem maps size bytes of physical address space at base from the given
// device file, usually /dev/mem. The mapping is MAP_SHARED so register writes
// reach the device.
func MapDevMem(path string, base int64, size int) (*Region, error) {
	pagesz := int64(syscall.Getpagesize())
	if base%pagesz != 0 {
		return nil, fmt.Errorf("hw: base 0x%x not page aligned: %w",
			base, syscall.EINVAL)
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_SYNC, 0)
	if err != nil {
		return nil, err
	}
	b, err := syscall.Mmap(int(f.Fd()), base, size,
		syscall.PROT_READ|syscall.PROT_WRITE, syscall.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("hw: mmap %s base 0x%x size 0x%x: %w",
			path, base, size, err)
	}
	return &Region{b: b, f: f}, nil
}

// MapFile maps a plain file, growing it to size if needed. Used for the
// shared-memory message regions.
func MapFile(path string, size int) (*Region, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0600)
	if err != nil {
		return nil, err
	}
	if err = f.Truncate(int64(size)); err != nil {
		f.Close()
		return nil, err
	}
	b, err := syscall.Mmap(int(f.Fd()), 0, size,
		syscall.PROT_READ|syscall.PROT_WRITE, syscall.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, err
	}
	return &Region{b: b, f: f}, nil
}

// NewRAM returns an anonymous region; tests and loopback use it in place of
// device memory.
func NewRAM(size int) *Region {
	return &Region{b: make([]byte, size)}
}

func (r *Region) Size() int { return len(r.b) }

func (r *Region) Close() error {
	var err error
	if r.f != nil {
		err = syscall.Munmap(r.b)
		if cerr := r.f.Close(); err == nil {
			err = cerr
		}
		r.f = nil
	}
	r.b = nil
	return err
}

func (r *Region) check(off uint) {
	if off+4 > uint(len(r.b)) || off%4 != 0 {
		panic(fmt.Errorf("hw: bad register offset 0x%x (size 0x%x)",
			off, len(r.b)))
	}
}

// R32 performs an aligned volatile 32-bit read.
func (r *Region) R32(off uint) uint32 {
	r.check(off)
	return atomic.LoadUint32((*uint32)(unsafe.Pointer(&r.b[off])))
}

// W32 performs an aligned volatile 32-bit write.
func (r *Region) W32(off uint, v uint32) {
	r.check(off)
	atomic.StoreUint32((*uint32)(unsafe.Pointer(&r.b[off])), v)
}

// CopyFrom reads len(dst) bytes starting at off, one 32-bit word at a time.
// len(dst) must be a word multiple.
func CopyFrom(io Io, off uint, dst []byte) {
	if len(dst)%4 != 0 {
		panic(fmt.Errorf("hw: copy length %d not a word multiple", len(dst)))
	}
	for i := 0; i < len(dst); i += 4 {
		w := io.R32(off + uint(i))
		dst[i] = byte(w)
		dst[i+1] = byte(w >> 8)
		dst[i+2] = byte(w >> 16)
		dst[i+3] = byte(w >> 24)
	}
}

// CopyTo writes len(src) bytes starting at off, one 32-bit word at a time.
// len(src) must be a word multiple.
func CopyTo(io Io, off uint, src []byte) {
	if len(src)%4 != 0 {
		panic(fmt.Errorf("hw: copy length %d not a word multiple", len(src)))
	}
	for i := 0; i < len(src); i += 4 {
		w := uint32(src[i]) | uint32(src[i+1])<<8 |
			uint32(src[i+2])<<16 | uint32(src[i+3])<<24
		io.W32(off+uint(i), w)
	}
}
