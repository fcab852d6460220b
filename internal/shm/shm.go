// SPDX-License-Identifier: Unlicense OR MIT

// Package shm allocates anonymous shared memory regions and wraps them
// as wl_shm buffers. The mapped region is reference-counted: it stays
// alive while either the owner or an in-flight wl_buffer still needs
// it, whichever drops last unmaps.
package shm

import (
	"fmt"
	"sync/atomic"

	"github.com/rajveermalviya/go-wayland/wayland/client"
	"golang.org/x/sys/unix"
)

// Backing is a mapped anonymous shared memory region.
type Backing struct {
	data []byte
	refs atomic.Int32
}

// Bytes returns the mapped region.
func (b *Backing) Bytes() []byte {
	return b.data
}

// Ref takes an additional reference on the mapping.
func (b *Backing) Ref() {
	b.refs.Add(1)
}

// Unref drops a reference, unmapping the region when the last one
// goes.
func (b *Backing) Unref() {
	if b.refs.Add(-1) > 0 {
		return
	}
	_ = unix.Munmap(b.data)
	b.data = nil
}

// Buffer is a wl_buffer backed by an anonymous shared memory mapping.
// The compositor reads the mapping; the local side writes it.
type Buffer struct {
	Wl      *client.Buffer
	Backing *Backing

	Width  int32
	Height int32
	Stride int32
	Format uint32
}

// Create allocates a shared region of stride*height bytes, maps it
// read-write, and registers a wl_buffer of the given geometry over it.
// The transient wl_shm_pool and the file descriptor are released
// before returning; only the mapping and the buffer survive. A failure
// is returned for the caller to retry later, never escalated.
func Create(shm *client.Shm, width, height, stride int32, format uint32) (*Buffer, error) {
	size := int64(stride) * int64(height)
	if size <= 0 {
		return nil, fmt.Errorf("shm: invalid buffer geometry %dx%d stride %d", width, height, stride)
	}
	fd, err := createAnonymousFile(size)
	if err != nil {
		return nil, fmt.Errorf("shm: create region: %w", err)
	}
	data, err := unix.Mmap(fd, 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("shm: map region: %w", err)
	}
	pool, err := shm.CreatePool(fd, int32(size))
	if err != nil {
		unix.Munmap(data)
		unix.Close(fd)
		return nil, fmt.Errorf("shm: wl_shm_pool: %w", err)
	}
	wl, err := pool.CreateBuffer(0, width, height, stride, format)
	// The pool and the fd are only needed to mint the buffer.
	pool.Destroy()
	unix.Close(fd)
	if err != nil {
		unix.Munmap(data)
		return nil, fmt.Errorf("shm: wl_buffer: %w", err)
	}

	backing := &Backing{data: data}
	backing.refs.Store(1)
	b := &Buffer{
		Wl:      wl,
		Backing: backing,
		Width:   width,
		Height:  height,
		Stride:  stride,
		Format:  format,
	}
	return b, nil
}

// Bytes returns the writable pixel storage.
func (b *Buffer) Bytes() []byte {
	return b.Backing.Bytes()
}

// HoldUntilReleased takes a reference for the compositor's use of the
// buffer and arranges for the wl_buffer and that reference to be
// dropped on the release event. Call once, before attaching.
func (b *Buffer) HoldUntilReleased() {
	b.Backing.Ref()
	var once atomic.Bool
	b.Wl.SetReleaseHandler(func(client.BufferReleaseEvent) {
		if once.Swap(true) {
			return
		}
		b.Wl.Destroy()
		b.Backing.Unref()
	})
}

// ReleaseOwnership drops the owner's reference after the buffer has
// been attached and committed. The wl_buffer itself lives on until the
// compositor's release event collects it.
func (b *Buffer) ReleaseOwnership() {
	b.Backing.Unref()
}

// Abort discards a buffer after HoldUntilReleased when the commit
// never happened. No release event will come for it, so the held
// reference, the owner's reference and the wl_buffer are all dropped
// here.
func (b *Buffer) Abort() {
	b.Wl.Destroy()
	b.Backing.Unref()
	b.Backing.Unref()
}

// Destroy destroys a buffer that was never handed to the compositor,
// dropping the wl_buffer and the owner's reference.
func (b *Buffer) Destroy() {
	b.Wl.Destroy()
	b.Backing.Unref()
}

func createAnonymousFile(size int64) (int, error) {
	fd, err := unix.MemfdCreate("tideway-shm", unix.MFD_CLOEXEC|unix.MFD_ALLOW_SEALING)
	if err == nil {
		if err := unix.Ftruncate(fd, size); err != nil {
			unix.Close(fd)
			return -1, err
		}
		// The compositor maps this fd; sealing shrink protects it from
		// SIGBUS if we misbehave.
		if _, err := unix.FcntlInt(uintptr(fd), unix.F_ADD_SEALS,
			unix.F_SEAL_SHRINK|unix.F_SEAL_GROW|unix.F_SEAL_SEAL); err != nil {
			unix.Close(fd)
			return -1, err
		}
		return fd, nil
	}

	// Pre-memfd kernels.
	fd, err = unix.Open("/dev/shm", unix.O_TMPFILE|unix.O_RDWR|unix.O_CLOEXEC, 0600)
	if err != nil {
		return -1, err
	}
	if err := unix.Ftruncate(fd, size); err != nil {
		unix.Close(fd)
		return -1, err
	}
	return fd, nil
}
