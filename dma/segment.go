package dma

import (
	"sync/atomic"
	"unsafe"
)

// Segment descriptor layout, in-band at a fixed offset within the control
// region. One descriptor per slot in [0, MaxSegments);
// slot index doubles as the segment id.
//
//	Offset  Size  Field
//	0x00    4     magic
//	0x04    4     segment id (redundant with slot index, for sanity checks)
//	0x08    8     revision (even = no live segment, odd = live)
//	0x10    4     state (segStateEmpty/Active/Persistent/Destroying)
//	0x14    4     active/inactive list prev
//	0x18    4     active/inactive list next
//	0x1C    4     segment spinlock word
//	0x20    4     num_chunks (active chunk count)
//	0x24    4*N   per-class free-list heads, N = NumClasses
//	...     4     persistent flag (const, set once at table init)
//	...     4     reserved
//
// descriptorSize is chosen generously so NumClasses can grow without
// relayouting existing deployments.
const (
	segDescMagicOff     = 0x00
	segDescIDOff        = 0x04
	segDescRevisionOff  = 0x08
	segDescStateOff     = 0x10
	segDescListPrevOff  = 0x14
	segDescListNextOff  = 0x18
	segDescSpinlockOff  = 0x1C
	segDescNumChunksOff = 0x20
	segDescFreeHeadsOff = 0x24

	rawDescriptorSize = segDescFreeHeadsOff + 4*NumClasses + 8 // + persistent flag + reserved

	// descriptorSize is rounded up to a multiple of 8 so segDescRevisionOff
	// stays 8-byte aligned in every slot — required for atomic uint64
	// access to the revision field";
	// this module widens it to 64 bits, see DESIGN.md).
	descriptorSize = (rawDescriptorSize + 7) &^ 7
)

func segDescPersistentOff() int { return segDescFreeHeadsOff + 4*NumClasses }

const segDescMagic uint32 = 0x32544D44 // ASCII "DMT2"

// segment state values.
const (
	segStateEmpty      uint32 = 0
	segStateActive     uint32 = 1
	segStatePersistent uint32 = 2
	segStateDestroying uint32 = 3
)

// segmentView is a zero-copy accessor over one segment descriptor slot
// inside the control region's byte slice.
type segmentView struct {
	ctrl []byte
	off  int
}

func segmentSlot(ctrl []byte, id uint32) segmentView {
	return segmentView{ctrl: ctrl, off: controlHeaderSize + int(id)*descriptorSize}
}

func (s segmentView) magic() uint32      { return readU32(s.ctrl, s.off+segDescMagicOff) }
func (s segmentView) setMagic(v uint32)  { putU32(s.ctrl, s.off+segDescMagicOff, v) }
func (s segmentView) id() uint32         { return readU32(s.ctrl, s.off+segDescIDOff) }
func (s segmentView) setID(v uint32)     { putU32(s.ctrl, s.off+segDescIDOff, v) }
// revisionWord returns the atomic uint64 view of this descriptor's
// revision field. The fault handler and AttachManager touch this field
// from any process with the control region mapped, so every access goes
// through sync/atomic rather than a plain load/store.
func (s segmentView) revisionWord() *uint64 {
	return (*uint64)(unsafe.Pointer(&s.ctrl[s.off+segDescRevisionOff]))
}

func (s segmentView) revision() uint64     { return atomic.LoadUint64(s.revisionWord()) }
func (s segmentView) setRevision(v uint64) { atomic.StoreUint64(s.revisionWord(), v) }

// bumpRevision atomically increments the revision by one and returns the
// new value — the single publication point for both create (even->odd)
// and destroy (odd->even).
func (s segmentView) bumpRevision() uint64 { return atomic.AddUint64(s.revisionWord(), 1) }

func (s segmentView) state() uint32     { return readU32(s.ctrl, s.off+segDescStateOff) }
func (s segmentView) setState(v uint32) { putU32(s.ctrl, s.off+segDescStateOff, v) }

// numChunks returns the count of active chunks in this segment. Caller must hold the segment spinlock.
func (s segmentView) numChunks() int32 { return int32(readU32(s.ctrl, s.off+segDescNumChunksOff)) }

func (s segmentView) setNumChunks(v int32) { putU32(s.ctrl, s.off+segDescNumChunksOff, uint32(v)) }

func (s segmentView) incrNumChunks() { s.setNumChunks(s.numChunks() + 1) }
func (s segmentView) decrNumChunks() { s.setNumChunks(s.numChunks() - 1) }

// live reports whether a segment currently backs this slot: revision is
// odd by the revision-parity-encodes-liveness convention.
func (s segmentView) live() bool { return s.revision()%2 == 1 }

func (s segmentView) listLinks() (prev, next uint32) {
	return readU32(s.ctrl, s.off+segDescListPrevOff), readU32(s.ctrl, s.off+segDescListNextOff)
}

func (s segmentView) setListLinks(prev, next uint32) {
	putU32(s.ctrl, s.off+segDescListPrevOff, prev)
	putU32(s.ctrl, s.off+segDescListNextOff, next)
}

func (s segmentView) lockOffset() int { return s.off + segDescSpinlockOff }

func (s segmentView) Lock()    { spinLock(s.ctrl, s.lockOffset()) }
func (s segmentView) Unlock()  { spinUnlock(s.ctrl, s.lockOffset()) }
func (s segmentView) TryLock() bool { return spinTryLock(s.ctrl, s.lockOffset()) }

// freeListHead returns the free-list head offset (within the segment's
// payload, not the control region) for size class cls. Caller must hold
// the segment lock.
func (s segmentView) freeListHead(cls uint8) uint32 {
	idx := int(cls) - MinClass
	return readU32(s.ctrl, s.off+segDescFreeHeadsOff+4*idx)
}

func (s segmentView) setFreeListHead(cls uint8, off uint32) {
	idx := int(cls) - MinClass
	putU32(s.ctrl, s.off+segDescFreeHeadsOff+4*idx, off)
}

// isPersistentSlot reports whether this slot was assigned to the
// persistent set at table init time. Unlike state(), this survives
// reset() across create/destroy cycles: persistence is a property of the
// slot, not of any one incarnation of the segment that lives in it.
func (s segmentView) isPersistentSlot() bool {
	return readU32(s.ctrl, s.off+segDescPersistentOff()) != 0
}

func (s segmentView) setPersistentSlot(v bool) {
	x := uint32(0)
	if v {
		x = 1
	}
	putU32(s.ctrl, s.off+segDescPersistentOff(), x)
}

// reset clears a descriptor back to segStateEmpty, bumping revision to the
// next even number so attach-side revision checks observe the segment as
// gone.
func (s segmentView) reset() {
	rev := s.revision()
	if rev%2 == 1 {
		rev++
	}
	for i := 0; i < 8; i++ {
		s.ctrl[s.off+i] = 0
	}
	s.setRevision(rev)
	s.setState(segStateEmpty)
	s.setNumChunks(0)
	s.setListLinks(NullSegment, NullSegment)
	for cls := uint8(MinClass); cls <= MaxClass; cls++ {
		s.setFreeListHead(cls, NullOffset)
	}
}

// activate bumps the descriptor into the live, odd-revision state and
// stamps its identity fields, for use right after a fresh segment's
// payload has been formatted by formatSegment. Persistence comes from the
// slot's const isPersistentSlot flag, not a caller-supplied value, so it
// can never drift between successive create/destroy incarnations. Returns
// the new (odd) revision, which the caller stamps into its LocalMap entry
// in the same step.
func (s segmentView) activate(id uint32) uint64 {
	s.setMagic(segDescMagic)
	s.setID(id)
	rev := s.bumpRevision()
	if s.isPersistentSlot() {
		s.setState(segStatePersistent)
	} else {
		s.setState(segStateActive)
	}
	return rev
}

// persistent reports whether this segment's current incarnation should
// never be destroyed when it empties.
func (s segmentView) persistent() bool { return s.isPersistentSlot() }
