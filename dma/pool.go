package dma

import (
	"context"
	"fmt"
)

// Ptr is a stable, cross-process reference to an allocated chunk (spec
// §7's open question on pointer stability: raw Go pointers and slices are
// only meaningful within the process that produced them, so every handle
// a caller holds onto across a fork/exec or IPC boundary is this packed
// (segment id, payload offset) pair instead). The zero Ptr never refers
// to a real chunk — chunk offset 0 within a segment is always consumed by
// that segment's first header at format time, never handed out raw.
type Ptr uint64

func makePtr(segmentID, chunkOffset uint32) Ptr {
	return Ptr(uint64(segmentID)<<32 | uint64(chunkOffset+chunkHeaderSize))
}

func (p Ptr) segmentID() uint32   { return uint32(p >> 32) }
func (p Ptr) chunkOffset() uint32 { return uint32(p) - chunkHeaderSize }

// IsZero reports whether p is the zero Ptr.
func (p Ptr) IsZero() bool { return p == 0 }

// Alloc allocates at least size bytes, charged to owner, and returns a
// handle to it. The returned Ptr is valid in any
// process attached to this pool, for as long as the chunk remains live.
func (p *Pool) Alloc(ctx context.Context, owner Owner, size uint32) (Ptr, error) {
	if size > p.MaxAllocSize() {
		return 0, ErrTooLarge
	}
	cls, err := classForRequest(size)
	if err != nil {
		return 0, err
	}

	if ptr, ok, err := p.tryAllocActive(owner, cls, size); err != nil {
		return 0, err
	} else if ok {
		p.stats.allocs.Add(1)
		return ptr, nil
	}

	ptr, err := p.createAndAllocSegment(ctx, owner, cls, size)
	if err != nil {
		return 0, err
	}
	p.stats.allocs.Add(1)
	return ptr, nil
}

// tryAllocActive walks the active segment list under the table's shared
// (read) lock, attempting to satisfy the request from whichever segment
// has room. ok is false if every active
// segment's free lists are exhausted at cls and above.
func (p *Pool) tryAllocActive(owner Owner, cls uint8, size uint32) (Ptr, bool, error) {
	table := newSegmentTable(p.ctrl)
	lock := table.lock()
	lock.RLock()
	defer lock.RUnlock()

	var (
		result Ptr
		found  bool
		ferr   error
	)
	table.forEachList(table.activeHead(), func(id uint32) {
		if found || ferr != nil {
			return
		}
		seg := segmentSlot(p.ctrl, id)
		payload, err := p.resolveSegment(seg)
		if err != nil {
			ferr = err
			return
		}
		seg.Lock()
		off, ok := allocChunkLocked(seg, payload, cls, size)
		if !ok {
			seg.Unlock()
			return
		}
		list := p.owners.get(owner, id)
		linkOwnerChunk(payload, list, off)
		setOwnerAt(payload, off, owner)
		seg.Unlock()
		result = makePtr(id, off)
		found = true
	})
	if ferr != nil {
		return 0, false, ferr
	}
	return result, found, nil
}

// createAndAllocSegment is the miss path: it upgrades to the table's
// exclusive (write) lock, re-checks the active list in case another
// goroutine already created room, and otherwise pops a fresh segment off
// the inactive list and allocates the guaranteed-success first chunk from
// it.
func (p *Pool) createAndAllocSegment(ctx context.Context, owner Owner, cls uint8, size uint32) (Ptr, error) {
	table := newSegmentTable(p.ctrl)
	lock := table.lock()
	lock.Lock()
	defer lock.Unlock()

	if err := ctx.Err(); err != nil {
		return 0, err
	}

	// Re-verify: another process may have created a segment with room
	// while we were dropping the shared lock and acquiring the exclusive
	// one.
	var (
		result Ptr
		found  bool
		ferr   error
	)
	table.forEachList(table.activeHead(), func(id uint32) {
		if found || ferr != nil {
			return
		}
		seg := segmentSlot(p.ctrl, id)
		payload, err := p.resolveSegment(seg)
		if err != nil {
			ferr = err
			return
		}
		seg.Lock()
		off, ok := allocChunkLocked(seg, payload, cls, size)
		if ok {
			list := p.owners.get(owner, id)
			linkOwnerChunk(payload, list, off)
			setOwnerAt(payload, off, owner)
		}
		seg.Unlock()
		if !ok {
			return
		}
		result = makePtr(id, off)
		found = true
	})
	if ferr != nil {
		return 0, ferr
	}
	if found {
		return result, nil
	}

	id := table.inactiveHead()
	if id == NullSegment {
		return 0, ErrOutOfSegments
	}
	table.removeFromList(ctrlInactiveHeadOff, id)

	seg, payload, err := p.createSegment(id)
	if err != nil {
		// Give the slot back to the inactive list so a later caller can
		// retry rather than leaking a descriptor forever.
		table.pushList(ctrlInactiveHeadOff, id)
		return 0, err
	}
	table.pushList(ctrlActiveHeadOff, id)

	seg.Lock()
	off, ok := allocChunkLocked(seg, payload, cls, size)
	if !ok {
		seg.Unlock()
		return 0, fmt.Errorf("dma: freshly created segment %d could not satisfy class %d", id, cls)
	}
	list := p.owners.get(owner, id)
	linkOwnerChunk(payload, list, off)
	setOwnerAt(payload, off, owner)
	seg.Unlock()

	return makePtr(id, off), nil
}

// validatedChunk resolves ptr to its segment and payload, checking every
// invariant a live chunk must satisfy before the caller is allowed to
// touch it: range, magic words, and active state.
func (p *Pool) validatedChunk(ptr Ptr) (segmentView, []byte, uint32, error) {
	id := ptr.segmentID()
	if id >= uint32(len(p.local.slots)) {
		return segmentView{}, nil, 0, fmt.Errorf("%w: segment id %d out of range", ErrCorrupted, id)
	}
	seg := segmentSlot(p.ctrl, id)
	if !seg.live() {
		return segmentView{}, nil, 0, fmt.Errorf("%w: segment %d not live", ErrCorrupted, id)
	}
	payload, err := p.resolveSegment(seg)
	if err != nil {
		return segmentView{}, nil, 0, err
	}
	off := ptr.chunkOffset()
	if uint64(off) >= uint64(len(payload)) {
		return segmentView{}, nil, 0, fmt.Errorf("%w: chunk offset %d out of range", ErrCorrupted, off)
	}
	cls := classAt(payload, off)
	if cls < MinClass || cls > MaxClass {
		return segmentView{}, nil, 0, fmt.Errorf("%w: chunk %d has invalid class %d", ErrCorrupted, off, cls)
	}
	if uint64(off)+(uint64(1)<<cls) > uint64(len(payload)) {
		return segmentView{}, nil, 0, fmt.Errorf("%w: chunk %d class %d exceeds segment", ErrCorrupted, off, cls)
	}
	if headMagicAt(payload, off) != chunkMagic {
		return segmentView{}, nil, 0, fmt.Errorf("%w: chunk %d head magic mismatch", ErrCorrupted, off)
	}
	required := requiredAt(payload, off)
	if tailMagicAt(payload, off, required) != chunkMagic {
		return segmentView{}, nil, 0, fmt.Errorf("%w: chunk %d tail magic mismatch", ErrCorrupted, off)
	}
	if !isActiveAt(payload, off) {
		return segmentView{}, nil, 0, fmt.Errorf("%w: chunk %d is not active", ErrCorrupted, off)
	}
	return seg, payload, off, nil
}

// Resolve returns the live payload bytes backing ptr, exactly the
// requested length, ready for the caller to read or write.
func (p *Pool) Resolve(ptr Ptr) ([]byte, error) {
	_, payload, off, err := p.validatedChunk(ptr)
	if err != nil {
		return nil, err
	}
	required := requiredAt(payload, off)
	return chunkPayload(payload, off, required), nil
}

// Validate reports whether ptr currently refers to a live, uncorrupted
// active chunk, without returning its contents.
func (p *Pool) Validate(ptr Ptr) bool {
	_, _, _, err := p.validatedChunk(ptr)
	return err == nil
}

// Size returns the number of bytes originally requested for ptr (not its
// rounded-up chunk capacity).
func (p *Pool) Size(ptr Ptr) (uint32, error) {
	_, payload, off, err := p.validatedChunk(ptr)
	if err != nil {
		return 0, err
	}
	return requiredAt(payload, off), nil
}

// ChunkSize returns the full capacity of ptr's size class, i.e. how large
// a request could grow in place without triggering a relocation.
func (p *Pool) ChunkSize(ptr Ptr) (uint32, error) {
	_, payload, off, err := p.validatedChunk(ptr)
	if err != nil {
		return 0, err
	}
	return uint32(1) << classAt(payload, off), nil
}

// MaxAllocSize returns the largest single request this pool can ever
// satisfy, bounded by the segment size: no chunk can exceed the class that exactly fills one
// segment, minus header and tail-magic overhead.
func (p *Pool) MaxAllocSize() uint32 {
	segCls := ceilLog2(p.cfg.SegmentSize)
	if uint64(1)<<segCls > p.cfg.SegmentSize {
		segCls--
	}
	if segCls > MaxClass {
		segCls = MaxClass
	}
	overhead := uint64(chunkHeaderSize) + uint64(tailMagicSize)
	size := uint64(1)<<segCls - overhead
	if size > uint64(^uint32(0)) {
		size = uint64(^uint32(0))
	}
	return uint32(size)
}

// Realloc resizes ptr's chunk to required bytes: same
// class is a no-op header update, growing a still-too-small existing
// chunk into the same class is handled the same way, shrinking carves and
// frees the chunk's freed tail in place, and growing past the current
// class allocates fresh, copies, and frees the old chunk.
func (p *Pool) Realloc(ctx context.Context, owner Owner, ptr Ptr, required uint32) (Ptr, error) {
	if required > p.MaxAllocSize() {
		return 0, ErrTooLarge
	}
	seg, payload, off, err := p.validatedChunk(ptr)
	if err != nil {
		return 0, err
	}
	newCls, err := classForRequest(required)
	if err != nil {
		return 0, err
	}
	oldCls := classAt(payload, off)

	if newCls == oldCls {
		seg.Lock()
		setRequired(payload, off, required)
		seg.Unlock()
		return ptr, nil
	}

	if newCls < oldCls {
		seg.Lock()
		shrinkChunkLocked(seg, payload, off, oldCls, newCls, required)
		seg.Unlock()
		return ptr, nil
	}

	oldRequired := requiredAt(payload, off)
	newPtr, err := p.Alloc(ctx, owner, required)
	if err != nil {
		return 0, err
	}
	newPayload, err := p.Resolve(newPtr)
	if err != nil {
		return 0, err
	}
	copy(newPayload, chunkPayload(payload, off, oldRequired))
	if err := p.Free(owner, ptr); err != nil {
		return 0, err
	}
	return newPtr, nil
}

// Free releases ptr's chunk back to its segment's free lists, coalescing
// with its buddy where possible, and destroys the segment if that was its
// last live chunk and the segment is not persistent.
func (p *Pool) Free(owner Owner, ptr Ptr) error {
	seg, payload, off, err := p.validatedChunk(ptr)
	if err != nil {
		return err
	}
	id := seg.id()
	cls := classAt(payload, off)

	list := p.owners.get(owner, id)
	seg.Lock()
	unlinkOwnerChunk(payload, list, off)
	freeChunkLocked(seg, payload, off, cls)
	empty := seg.numChunks() == 0
	persistent := seg.persistent()
	seg.Unlock()
	p.stats.frees.Add(1)
	if list.n == 0 {
		p.owners.forget(owner, id)
	}

	if !empty || persistent {
		return nil
	}

	// Destroying a segment requires the table write lock; re-check under
	// it in case another allocation landed in this segment between the
	// spinlock release above and acquiring the write lock.
	table := newSegmentTable(p.ctrl)
	lock := table.lock()
	lock.Lock()
	defer lock.Unlock()

	seg.Lock()
	stillEmpty := seg.numChunks() == 0 && seg.live()
	seg.Unlock()
	if !stillEmpty {
		return nil
	}

	table.removeFromList(ctrlActiveHeadOff, id)
	if err := p.destroySegment(seg); err != nil {
		// Descriptor state is now ambiguous; leave it off both lists
		// rather than risk handing out a segment id in an unknown state.
		return err
	}
	table.pushList(ctrlInactiveHeadOff, id)
	return nil
}

// FreeAll releases every chunk currently charged to owner, across every
// segment it has allocated from.
func (p *Pool) FreeAll(owner Owner) error {
	table := newSegmentTable(p.ctrl)
	lock := table.lock()
	lock.RLock()
	var ids []uint32
	table.forEachList(table.activeHead(), func(id uint32) { ids = append(ids, id) })
	lock.RUnlock()

	for _, id := range ids {
		list := p.owners.get(owner, id)
		for {
			var off uint32
			var has bool
			seg := segmentSlot(p.ctrl, id)
			_, err := p.resolveSegment(seg)
			if err != nil {
				return err
			}
			seg.Lock()
			off, has = list.head, list.head != NullOffset
			seg.Unlock()
			if !has {
				break
			}
			if err := p.Free(owner, makePtr(id, off)); err != nil {
				return err
			}
		}
	}
	return nil
}
