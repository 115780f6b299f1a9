// Package dma implements a multi-process, host-pinned DMA buffer allocator.
//
// # Overview
//
// The pool manages a fixed number of large, fixed-size shared-memory
// segments. Each segment is partitioned by a buddy allocator into
// power-of-two chunks addressable from any cooperating process and,
// optionally, pinned for device DMA. Three mechanisms do the real work:
//
//   - A reservation-plus-lazy-attach scheme that pre-reserves one contiguous
//     virtual address range per process at startup, so every segment has a
//     stable process-local slot; physical backing is committed only when a
//     segment is actually used.
//   - A buddy allocator maintained inside the shared segment itself, with
//     constant-time split/merge and in-band chunk headers carrying integrity
//     magic words.
//   - An on-demand attachment path: touching a segment a process hasn't yet
//     mapped transparently maps the current revision and resumes, making
//     segment creation on one process visible to readers on any other
//     without explicit coordination.
//
// # Usage
//
//	pool, err := dma.Open(dma.Config{
//	    ProcessGroupName: "myapp",
//	    SegmentSize:      1 << 28,
//	    MaxSegments:      64,
//	})
//	if err != nil {
//	    return err
//	}
//	defer pool.Close()
//
//	ref, err := pool.Alloc(ctx, owner, 100)
//	if err != nil {
//	    return err
//	}
//	buf, err := pool.Resolve(ref)
//	copy(buf, payload)
//
//	// Another process, given ref out of band:
//	buf2, err := pool2.Resolve(ref)
//
// # Pointers
//
// Pool.Alloc returns a Ptr, not a raw address. Ptr is a (segment id, chunk
// offset) pair — position-independent, and the only thing that can be
// exchanged safely between processes (see DESIGN.md for why raw pointers are
// not an option in Go).
//
// # Thread safety
//
// A Pool is safe for concurrent use by multiple goroutines within one
// process, and safe for concurrent use across processes that have each
// opened the same named pool. It does not protect against a caller using a
// Ptr after freeing it.
package dma
