package dma

import "fmt"

// Control region header layout, followed
// immediately by MaxSegments segment descriptors (segment.go).
//
//	Offset  Size  Field
//	0x00    4     magic
//	0x04    4     version
//	0x08    8     segment size
//	0x10    4     max segments
//	0x14    4     min persistent segments
//	0x18    4     active list head (segment id, NullSegment if empty)
//	0x1C    4     inactive list head
//	0x20    8     table rwlock (writerFlag + readerCount)
const (
	ctrlMagicOff       = 0x00
	ctrlVersionOff     = 0x04
	ctrlSegSizeOff     = 0x08
	ctrlMaxSegOff      = 0x10
	ctrlMinPersistOff  = 0x14
	ctrlActiveHeadOff  = 0x18
	ctrlInactiveHeadOff = 0x1C
	ctrlLockOff        = 0x20

	controlHeaderSize = 0x40
)

const controlMagic uint32 = 0x31544D44 // ASCII "DMT1"
const controlVersion uint32 = 1

// segmentTable is a zero-copy view over the control region, shared by
// every attached process. It owns no memory of its own — ctrl is backed by
// the mmap in shm_unix.go.
type segmentTable struct {
	ctrl []byte
}

func newSegmentTable(ctrl []byte) segmentTable { return segmentTable{ctrl: ctrl} }

func (t segmentTable) lock() rwlock { return newRWLock(t.ctrl, ctrlLockOff) }

func (t segmentTable) maxSegments() uint32     { return readU32(t.ctrl, ctrlMaxSegOff) }
func (t segmentTable) segmentSize() uint64     { return readU64(t.ctrl, ctrlSegSizeOff) }
func (t segmentTable) minPersistent() uint32   { return readU32(t.ctrl, ctrlMinPersistOff) }

func (t segmentTable) activeHead() uint32   { return readU32(t.ctrl, ctrlActiveHeadOff) }
func (t segmentTable) setActiveHead(v uint32) { putU32(t.ctrl, ctrlActiveHeadOff, v) }
func (t segmentTable) inactiveHead() uint32 { return readU32(t.ctrl, ctrlInactiveHeadOff) }
func (t segmentTable) setInactiveHead(v uint32) { putU32(t.ctrl, ctrlInactiveHeadOff, v) }

// initControlRegion stamps a freshly created control region's header.
// Caller has exclusive access (this runs once, immediately after the
// backing file was created and truncated to size).
func initControlRegion(ctrl []byte, segSize uint64, maxSegments, minPersistent int) {
	putU32(ctrl, ctrlMagicOff, controlMagic)
	putU32(ctrl, ctrlVersionOff, controlVersion)
	putU64(ctrl, ctrlSegSizeOff, segSize)
	putU32(ctrl, ctrlMaxSegOff, uint32(maxSegments))
	putU32(ctrl, ctrlMinPersistOff, uint32(minPersistent))
	putU32(ctrl, ctrlActiveHeadOff, NullSegment)
	putU32(ctrl, ctrlInactiveHeadOff, NullSegment)
	putU32(ctrl, ctrlLockOff, 0)
	putU32(ctrl, ctrlLockOff+4, 0)
	for id := 0; id < maxSegments; id++ {
		s := segmentSlot(ctrl, uint32(id))
		s.reset()
		s.setPersistentSlot(id < minPersistent)
	}
	t := newSegmentTable(ctrl)
	for id := maxSegments - 1; id >= 0; id-- {
		t.pushList(ctrlInactiveHeadOff, uint32(id))
	}
}

// validateControlRegion sanity-checks a control region opened by a second
// process against that process's own Config: processes that attach to an
// existing pool must agree with its layout.
func validateControlRegion(ctrl []byte, cfg *Config) error {
	if len(ctrl) < controlHeaderSize {
		return fmt.Errorf("%w: control region truncated", ErrCorrupted)
	}
	if readU32(ctrl, ctrlMagicOff) != controlMagic {
		return fmt.Errorf("%w: control region magic mismatch", ErrCorrupted)
	}
	if readU32(ctrl, ctrlVersionOff) != controlVersion {
		return fmt.Errorf("%w: control region version mismatch", ErrCorrupted)
	}
	if readU64(ctrl, ctrlSegSizeOff) != cfg.SegmentSize {
		return fmt.Errorf("dma: segment size mismatch: table has %d, config wants %d",
			readU64(ctrl, ctrlSegSizeOff), cfg.SegmentSize)
	}
	if readU32(ctrl, ctrlMaxSegOff) != uint32(cfg.MaxSegments) {
		return fmt.Errorf("dma: max segments mismatch: table has %d, config wants %d",
			readU32(ctrl, ctrlMaxSegOff), cfg.MaxSegments)
	}
	return nil
}

// controlRegionSize computes the total byte length of the control region
// for a table with the given capacity.
func controlRegionSize(maxSegments int) int {
	return controlHeaderSize + maxSegments*descriptorSize
}

// pushList inserts segment id at the head of the list whose head pointer
// is headOff (ctrlActiveHeadOff or ctrlInactiveHeadOff). Caller must hold
// the table write lock.
func (t segmentTable) pushList(headOff int, id uint32) {
	head := readU32(t.ctrl, headOff)
	s := segmentSlot(t.ctrl, id)
	s.setListLinks(NullSegment, head)
	if head != NullSegment {
		hs := segmentSlot(t.ctrl, head)
		_, hnext := hs.listLinks()
		hs.setListLinks(id, hnext)
	}
	putU32(t.ctrl, headOff, id)
}

// removeFromList unlinks segment id from whichever list it is threaded
// into, given that list's head pointer offset. Caller must hold the table
// write lock.
func (t segmentTable) removeFromList(headOff int, id uint32) {
	s := segmentSlot(t.ctrl, id)
	prev, next := s.listLinks()
	if prev != NullSegment {
		ps := segmentSlot(t.ctrl, prev)
		pprev, _ := ps.listLinks()
		ps.setListLinks(pprev, next)
	} else if readU32(t.ctrl, headOff) == id {
		putU32(t.ctrl, headOff, next)
	}
	if next != NullSegment {
		ns := segmentSlot(t.ctrl, next)
		_, nnext := ns.listLinks()
		ns.setListLinks(prev, nnext)
	}
	s.setListLinks(NullSegment, NullSegment)
}

// forEachList walks the intrusive list starting at head, calling fn for
// each segment id in order. Caller must hold at least a read lock on the
// table.
func (t segmentTable) forEachList(head uint32, fn func(id uint32)) {
	id := head
	for id != NullSegment {
		fn(id)
		_, next := segmentSlot(t.ctrl, id).listLinks()
		id = next
	}
}
