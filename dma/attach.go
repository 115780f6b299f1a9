package dma

import (
	"fmt"
)

// attach.go implements segment lifecycle on the control-plane side: bringing
// a fresh segment into existence and tearing
// one down once it empties. Both run under
// the table's exclusive write lock, held by the caller in pool.go.

// createSegment formats and activates the inactive-list segment id,
// creating its backing shared-memory object and mapping it into this
// process. Caller holds the table write lock and has already popped id off
// the inactive list; on success it is the caller's job to push id onto the
// active list.
func (p *Pool) createSegment(id uint32) (segmentView, []byte, error) {
	seg := segmentSlot(p.ctrl, id)

	lm := p.local.get(id)
	if rev, ok := lm.attached(); ok {
		// A ghost mapping from this segment slot's previous incarnation
		//: this process attached it once, the segment
		// was since destroyed, and nobody has told this LocalMap entry.
		// Unmap it back to PROT_NONE before reusing the address range.
		if p.cfg.Pinner != nil {
			if payload := p.local.attachedPayload(id, rev); payload != nil {
				_ = p.cfg.Pinner.Unpin(payload)
			}
		}
		if err := p.reservation.detachSlot(id); err != nil {
			return segmentView{}, nil, &FatalError{Op: "detach ghost mapping", Err: err}
		}
		lm.setDetached()
	}

	// The next revision this segment will be created at is seg.revision()+1
	// (always odd, since reset() leaves it even). Stamp the name before
	// bumping so create and the name we shm_open match.
	name := segmentObjectName(&p.cfg, id, seg.revision()+1)

	f, err := createSHMObject(name, int64(p.cfg.SegmentSize))
	if err != nil {
		return segmentView{}, nil, fmt.Errorf("dma: create segment %d: %w", id, err)
	}
	fd := int(f.Fd())

	payload, err := p.reservation.attachSlot(id, fd)
	f.Close()
	if err != nil {
		_ = unlinkSHMObject(name)
		return segmentView{}, nil, fmt.Errorf("dma: map segment %d: %w", id, err)
	}

	if p.cfg.Pinner != nil {
		if err := p.cfg.Pinner.Pin(payload); err != nil {
			_ = p.reservation.detachSlot(id)
			_ = unlinkSHMObject(name)
			return segmentView{}, nil, fmt.Errorf("%w: segment %d: %v", ErrPinFailure, id, err)
		}
	}

	formatSegment(seg, payload)
	rev := seg.activate(id)
	lm.setAttached(payload, rev)
	p.stats.segmentCreates.Add(1)

	p.cfg.Logger.Debugf("dma: created segment %d (revision %d, persistent=%v)", id, rev, seg.persistent())
	return seg, payload, nil
}

// destroySegment tears down segment id: unpins and unmaps it in this
// process, then truncates and unlinks its backing object, then marks the
// descriptor empty. Caller holds the table write lock, the segment
// spinlock is NOT held (Pool.Free releases it after re-checking
// num_chunks under the table lock), and the segment is confirmed empty
// and non-persistent.
func (p *Pool) destroySegment(seg segmentView) error {
	id := seg.id()
	rev := seg.bumpRevision() // odd -> even, publishes "gone" before unmapping

	name := segmentObjectName(&p.cfg, id, rev-1)

	if err := p.detachLocal(id); err != nil {
		return err
	}
	if err := truncateAndUnlinkSHMObject(name); err != nil {
		return fmt.Errorf("dma: destroy segment %d: %w", id, err)
	}

	seg.reset()
	p.stats.segmentDestroys.Add(1)
	p.cfg.Logger.Debugf("dma: destroyed segment %d", id)
	return nil
}

// detachLocal unmaps segment id from this process's address space, if
// attached, unpinning first. It does not touch the shared descriptor or
// the backing object — callers use it both from destroySegment and from
// Pool.Close's final cleanup pass.
func (p *Pool) detachLocal(id uint32) error {
	lm := p.local.get(id)
	rev, ok := lm.attached()
	if !ok {
		return nil
	}
	payload := p.local.attachedPayload(id, rev)
	if p.cfg.Pinner != nil && payload != nil {
		if err := p.cfg.Pinner.Unpin(payload); err != nil {
			return &FatalError{Op: "unpin segment", Err: err}
		}
	}
	if err := p.reservation.detachSlot(id); err != nil {
		return &FatalError{Op: "unmap segment", Err: err}
	}
	lm.setDetached()
	return nil
}
