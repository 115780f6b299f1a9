package dma

import (
	"fmt"
	"runtime/debug"
)

// fault.go is the on-demand attach path: the moment a process first needs
// to read or write a segment's payload that it has not yet mapped. A
// page-fault handler would normally do this by trapping SIGSEGV/SIGBUS,
// mapping the page, and resuming the faulting instruction; Go cannot
// install a handler that resumes a fault in the middle of a function, so
// resolveSegment is called explicitly before any payload access instead
// of being triggered by the fault itself. touchSafely exists as a second
// line of defense against a stale pointer slipping past that check,
// walking the mapped pages under debug.SetPanicOnFault the same way a
// pre-fault validation pass would.

// resolveSegment returns the locally-mapped payload for segment id,
// attaching it first if this process hasn't mapped its current revision
// yet. The revision is read from the shared descriptor at call time.
func (p *Pool) resolveSegment(seg segmentView) ([]byte, error) {
	id := seg.id()
	rev := seg.revision()
	if rev%2 == 0 {
		return nil, fmt.Errorf("%w: segment %d has no live incarnation", ErrCorrupted, id)
	}
	if payload := p.local.attachedPayload(id, rev); payload != nil {
		return payload, nil
	}
	return p.attachOnFault(seg, rev)
}

// attachOnFault performs the actual on-demand mapping for segment id at
// the given (already confirmed odd) revision: unmaps any stale mapping
// this process is holding for the slot, then maps the live backing object
// in.
func (p *Pool) attachOnFault(seg segmentView, revision uint64) ([]byte, error) {
	id := seg.id()
	lm := p.local.get(id)

	if staleRev, ok := lm.attached(); ok && staleRev != revision {
		if err := p.detachLocal(id); err != nil {
			return nil, err
		}
	}

	name := segmentObjectName(&p.cfg, id, revision)
	f, err := openSHMObject(name)
	if err != nil {
		// The segment descriptor says revision is live, but the backing
		// object is gone: either we raced a destroy or the descriptor is
		// corrupted. Either way this process cannot safely proceed.
		return nil, &FatalError{Op: fmt.Sprintf("open segment %d object", id), Err: err}
	}
	payload, err := p.reservation.attachSlot(id, int(f.Fd()))
	f.Close()
	if err != nil {
		return nil, &FatalError{Op: fmt.Sprintf("map segment %d", id), Err: err}
	}

	if p.cfg.Pinner != nil {
		if err := p.cfg.Pinner.Pin(payload); err != nil {
			_ = p.reservation.detachSlot(id)
			return nil, fmt.Errorf("%w: segment %d: %v", ErrPinFailure, id, err)
		}
	}

	// The revision may have moved again between our read above and this
	// mapping completing (the segment was destroyed and recreated out
	// from under us). Re-check before publishing the attach.
	if seg.revision() != revision {
		if p.cfg.Pinner != nil {
			_ = p.cfg.Pinner.Unpin(payload)
		}
		_ = p.reservation.detachSlot(id)
		return nil, fmt.Errorf("%w: segment %d revision changed during attach", ErrCorrupted, id)
	}

	lm.setAttached(payload, revision)
	return payload, nil
}

// touchSafely reads one byte from every page of payload under
// debug.SetPanicOnFault, converting an unexpected SIGSEGV/SIGBUS into a
// regular error instead of crashing the process. resolveSegment should
// always have mapped real pages before this is called in practice; this
// exists purely as a backstop against a reservation bookkeeping bug.
func touchSafely(payload []byte) (err error) {
	if len(payload) == 0 {
		return nil
	}
	prev := debug.SetPanicOnFault(true)
	defer debug.SetPanicOnFault(prev)
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: fault touching mapped region: %v", ErrOSFailure, r)
		}
	}()
	const pageSize = 4096
	var sum byte
	for off := 0; off < len(payload); off += pageSize {
		sum += payload[off]
	}
	_ = sum
	return nil
}
