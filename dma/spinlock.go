package dma

import (
	"runtime"
	"sync/atomic"
	"unsafe"
)

// spinWord aliases a uint32 slot inside a shared-memory region so it can be
// manipulated with real atomic instructions by every process that has that
// region mapped. This, and rwlock.go, stand in for the lightweight locks
// and spinlocks a host database runtime would normally provide — there
// being no such runtime in this module's dependency pack, the pool
// provides its own, built on sync/atomic CAS loops with a short
// runtime.Gosched backoff, matching the uncontended-non-blocking behavior
// expected of spinlocks.
func spinWord(b []byte, off int) *uint32 {
	return (*uint32)(unsafe.Pointer(&b[off]))
}

// spinLock acquires a CAS-based spinlock at the given shared-memory offset.
func spinLock(b []byte, off int) {
	w := spinWord(b, off)
	for !atomic.CompareAndSwapUint32(w, 0, 1) {
		runtime.Gosched()
	}
}

// spinUnlock releases a spinlock acquired by spinLock.
func spinUnlock(b []byte, off int) {
	atomic.StoreUint32(spinWord(b, off), 0)
}

// spinTryLock attempts a non-blocking acquire, returning false if contended.
func spinTryLock(b []byte, off int) bool {
	return atomic.CompareAndSwapUint32(spinWord(b, off), 0, 1)
}
