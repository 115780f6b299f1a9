package dma

import "sync"

// localMap is this process's private record of one segment slot's
// attachment state: whether it currently has a live mapping over that
// slot's reserved address range, and which revision it last observed
// there. The backing fd is never kept open past the mmap call that
// consumes it, so it has no field here.
type localMap struct {
	mu       sync.Mutex
	payload  []byte // nil if not currently attached
	revision uint64
}

// localMapTable is this process's whole-pool view: one localMap per
// segment slot, plus the shared virtualReservation every slot's address
// comes from.
type localMapTable struct {
	reservation *virtualReservation
	slots       []localMap
}

func newLocalMapTable(r *virtualReservation, maxSegments int) *localMapTable {
	return &localMapTable{reservation: r, slots: make([]localMap, maxSegments)}
}

func (t *localMapTable) get(id uint32) *localMap { return &t.slots[id] }

// attachedPayload returns the mapped payload for slot id if this process
// has it attached at the given revision, else nil.
func (t *localMapTable) attachedPayload(id uint32, revision uint64) []byte {
	lm := t.get(id)
	lm.mu.Lock()
	defer lm.mu.Unlock()
	if lm.payload != nil && lm.revision == revision {
		return lm.payload
	}
	return nil
}

// attached reports whether this process currently believes it has slot
// id mapped, along with the revision it last mapped it at. Used by
// AttachManager to detect ghost mappings left by a prior incarnation
//.
func (lm *localMap) attached() (revision uint64, ok bool) {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	return lm.revision, lm.payload != nil
}

// setAttached records a fresh mapping for this slot.
func (lm *localMap) setAttached(payload []byte, revision uint64) {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	lm.payload = payload
	lm.revision = revision
}

// setDetached clears this slot's mapping record. The revision is left as
// last observed so a subsequent fault can tell a stale attach from a
// same-revision re-fault.
func (lm *localMap) setDetached() {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	lm.payload = nil
}
