//go:build unix

package dma

import (
	"fmt"
	"os"
	"unsafe"

	"golang.org/x/sys/unix"
)

// shm_unix.go provides the raw mmap/munmap and /dev/shm object primitives
// the rest of the package builds on. golang.org/x/sys/unix's Mmap wrapper
// (like syscall.Mmap) always lets the kernel choose the address, which is
// unusable for MAP_FIXED placement into a prior reservation — so segment
// attachment goes through unix.Syscall6 directly, the escape hatch for
// mmap flag combinations the higher-level wrapper doesn't expose.

const shmDir = "/dev/shm"

func shmPath(name string) string {
	// name is of the form "/pg.port.id:rev"; /dev/shm objects are plain
	// files, so the leading slash becomes the directory separator.
	return shmDir + name
}

// createSHMObject creates a /dev/shm-backed object and sizes it to the
// given size, exclusively — EEXIST propagates to the caller so AttachManager
// can distinguish "someone already created this" from a real failure.
func createSHMObject(name string, size int64) (*os.File, error) {
	f, err := os.OpenFile(shmPath(name), os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return nil, fmt.Errorf("dma: create shm object %s: %w", name, err)
	}
	if err := f.Truncate(size); err != nil {
		f.Close()
		os.Remove(shmPath(name))
		return nil, fmt.Errorf("%w: truncate shm object %s: %v", ErrOSFailure, name, err)
	}
	return f, nil
}

// openSHMObject opens an existing /dev/shm object for read/write, without
// creating it.
func openSHMObject(name string) (*os.File, error) {
	f, err := os.OpenFile(shmPath(name), os.O_RDWR, 0o600)
	if err != nil {
		return nil, fmt.Errorf("dma: open shm object %s: %w", name, err)
	}
	return f, nil
}

// unlinkSHMObject removes a /dev/shm object. Missing-file is not an error:
// callers unlink defensively during cleanup.
func unlinkSHMObject(name string) error {
	if err := os.Remove(shmPath(name)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("%w: unlink shm object %s: %v", ErrOSFailure, name, err)
	}
	return nil
}

// truncateAndUnlinkSHMObject is the destroy-time sequence for a segment's
// backing object: truncate to zero (so any process that still holds the
// fd open sees an empty file rather than stale data) then unlink the
// name, the destroy-side counterpart of createSHMObject's O_CREATE|O_EXCL.
func truncateAndUnlinkSHMObject(name string) error {
	f, err := os.OpenFile(shmPath(name), os.O_RDWR|os.O_TRUNC, 0o600)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("%w: truncate shm object %s: %v", ErrOSFailure, name, err)
	}
	f.Close()
	return unlinkSHMObject(name)
}

// reserveAnon carves out a length-byte PROT_NONE anonymous mapping at an
// address the kernel chooses, used once at Open time to reserve the flat
// virtual address range segments will later be placed into.
func reserveAnon(length uintptr) (uintptr, error) {
	addr, _, errno := unix.Syscall6(unix.SYS_MMAP, 0, length,
		unix.PROT_NONE, unix.MAP_PRIVATE|unix.MAP_ANON, ^uintptr(0), 0)
	if errno != 0 {
		return 0, fmt.Errorf("%w: reserve %d bytes: %v", ErrOSFailure, length, errno)
	}
	return addr, nil
}

// releaseAnon releases a region obtained from reserveAnon (or any mapping
// at that address range) entirely.
func releaseAnon(addr, length uintptr) error {
	_, _, errno := unix.Syscall(unix.SYS_MUNMAP, addr, length, 0)
	if errno != 0 {
		return fmt.Errorf("%w: release %d bytes at %#x: %v", ErrOSFailure, length, addr, errno)
	}
	return nil
}

// mapFixedShared overlays a MAP_SHARED mapping of fd onto the given
// address, which must already be reserved (by reserveAnon or a prior
// mapFixedShared at the same address). This is the attach step, reached
// through virtualReservation.attachSlot from createSegment and from
// attachOnFault the first time a process resolves a segment it hasn't
// mapped yet.
func mapFixedShared(addr uintptr, length uintptr, fd int) ([]byte, error) {
	got, _, errno := unix.Syscall6(unix.SYS_MMAP, addr, length,
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED|unix.MAP_FIXED, uintptr(fd), 0)
	if errno != 0 {
		return nil, fmt.Errorf("%w: map %d bytes at %#x: %v", ErrOSFailure, length, addr, errno)
	}
	if got != addr {
		// MAP_FIXED is documented to either land exactly or fail; this
		// is a defensive check against a kernel/ABI surprise.
		unix.Syscall(unix.SYS_MUNMAP, got, length, 0)
		return nil, fmt.Errorf("%w: kernel placed mapping at %#x, wanted %#x", ErrOSFailure, got, addr)
	}
	return unsafe.Slice((*byte)(unsafe.Pointer(addr)), int(length)), nil
}

// unmapFixed reverts a segment's slot back to PROT_NONE anonymous memory
// without shrinking the overall reservation, so later attachments (by a
// newer revision of the same slot) can still land at the same address.
func unmapFixed(addr, length uintptr) error {
	got, _, errno := unix.Syscall6(unix.SYS_MMAP, addr, length,
		unix.PROT_NONE, unix.MAP_PRIVATE|unix.MAP_ANON|unix.MAP_FIXED, ^uintptr(0), 0)
	if errno != 0 {
		return fmt.Errorf("%w: unmap %d bytes at %#x: %v", ErrOSFailure, length, addr, errno)
	}
	if got != addr {
		return fmt.Errorf("%w: kernel placed unmap-replacement at %#x, wanted %#x", ErrOSFailure, got, addr)
	}
	return nil
}

// msyncRegion flushes dirty pages of a shared mapping, mirroring the
// teacher's hive/dirty flush helpers built on unix.Msync.
func msyncRegion(b []byte) error {
	if len(b) == 0 {
		return nil
	}
	if err := unix.Msync(b, unix.MS_SYNC); err != nil {
		return fmt.Errorf("%w: msync: %v", ErrOSFailure, err)
	}
	return nil
}

// mapShared maps fd MAP_SHARED at an address the kernel chooses. Unlike
// segment payloads, the control region is never referenced by raw
// pointer across processes — every access goes through a segment id or
// byte offset — so it has no need of MAP_FIXED placement.
func mapShared(length uintptr, fd int) ([]byte, uintptr, error) {
	addr, _, errno := unix.Syscall6(unix.SYS_MMAP, 0, length,
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED, uintptr(fd), 0)
	if errno != 0 {
		return nil, 0, fmt.Errorf("%w: map %d bytes: %v", ErrOSFailure, length, errno)
	}
	return unsafe.Slice((*byte)(unsafe.Pointer(addr)), int(length)), addr, nil
}

// unmapShared releases a mapping obtained from mapShared.
func unmapShared(addr, length uintptr) error {
	_, _, errno := unix.Syscall(unix.SYS_MUNMAP, addr, length, 0)
	if errno != 0 {
		return fmt.Errorf("%w: unmap %d bytes at %#x: %v", ErrOSFailure, length, addr, errno)
	}
	return nil
}
