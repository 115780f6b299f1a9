package dma

import "sync"

// Owner identifies the caller-supplied tag every chunk is allocated under
//. It is opaque to the allocator: callers typically pass
// a query id, a buffer pool slot index, or similar.
type Owner uint64

// ownerKey is how a process-local Owner index is addressed: the owner tag
// plus the segment it was allocated from, since the in-band owner-list
// links (ownerPrev/ownerNext in the chunk header) are scoped per segment.
type ownerKey struct {
	owner   Owner
	segment uint32
}

// ownerChunkList is the process-local head/tail bookkeeping for one
// (owner, segment) pair's active chunks. Full owner tracking stays out of
// the core buddy allocator; this bookkeeping is process-local while the
// links themselves (ownerPrev/ownerNext) stay in shared memory so any
// process that already holds the segment lock can walk or unlink a chunk
// it did not register.
type ownerChunkList struct {
	head uint32 // NullOffset if empty
	tail uint32
	n    int
}

// ownerIndex is a process-local registry of ownerChunkLists, guarded by its
// own mutex since it is touched by whichever goroutine happens to call
// Alloc/Free/FreeAll in this process — never shared across processes.
type ownerIndex struct {
	mu   sync.Mutex
	sets map[ownerKey]*ownerChunkList
}

func newOwnerIndex() *ownerIndex {
	return &ownerIndex{sets: make(map[ownerKey]*ownerChunkList)}
}

func (idx *ownerIndex) get(owner Owner, segment uint32) *ownerChunkList {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	k := ownerKey{owner, segment}
	l, ok := idx.sets[k]
	if !ok {
		l = &ownerChunkList{head: NullOffset, tail: NullOffset}
		idx.sets[k] = l
	}
	return l
}

// forget drops the bookkeeping entry once a list becomes empty, so a
// long-lived process doesn't accumulate one entry per owner tag forever.
func (idx *ownerIndex) forget(owner Owner, segment uint32) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	delete(idx.sets, ownerKey{owner, segment})
}

// linkOwnerChunk appends the chunk at off to list, updating the in-band
// owner-list links of off and of the previous tail. Caller must hold the
// segment spinlock.
func linkOwnerChunk(payload []byte, list *ownerChunkList, off uint32) {
	setOwnerLinksAt(payload, off, list.tail, NullOffset)
	if list.tail != NullOffset {
		prev, _ := ownerLinksAt(payload, list.tail)
		setOwnerLinksAt(payload, list.tail, prev, off)
	} else {
		list.head = off
	}
	list.tail = off
	list.n++
}

// unlinkOwnerChunk removes the chunk at off from list. Caller must hold the
// segment spinlock.
func unlinkOwnerChunk(payload []byte, list *ownerChunkList, off uint32) {
	prev, next := ownerLinksAt(payload, off)
	if prev != NullOffset {
		pprev, _ := ownerLinksAt(payload, prev)
		setOwnerLinksAt(payload, prev, pprev, next)
	} else {
		list.head = next
	}
	if next != NullOffset {
		_, nnext := ownerLinksAt(payload, next)
		setOwnerLinksAt(payload, next, prev, nnext)
	} else {
		list.tail = prev
	}
	setOwnerLinksAt(payload, off, NullOffset, NullOffset)
	list.n--
}
