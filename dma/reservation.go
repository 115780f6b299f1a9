package dma

import "fmt"

// virtualReservation holds the flat address range this process has set
// aside for every segment slot, reserved once at Open time as PROT_NONE
// anonymous memory. Slot id's range is
// [base+id*slotSize, base+(id+1)*slotSize). A slot is backed by a real
// shared mapping only once this process has actually touched it, via
// attachSlot.
type virtualReservation struct {
	base     uintptr
	slotSize uintptr
	slots    int
}

func newVirtualReservation(slotSize uint64, slots int) (*virtualReservation, error) {
	total := slotSize * uint64(slots)
	base, err := reserveAnon(uintptr(total))
	if err != nil {
		return nil, err
	}
	return &virtualReservation{base: base, slotSize: uintptr(slotSize), slots: slots}, nil
}

func (r *virtualReservation) close() error {
	return releaseAnon(r.base, r.slotSize*uintptr(r.slots))
}

func (r *virtualReservation) slotAddr(id uint32) (uintptr, error) {
	if int(id) >= r.slots {
		return 0, fmt.Errorf("dma: segment id %d out of range [0,%d)", id, r.slots)
	}
	return r.base + uintptr(id)*r.slotSize, nil
}

// attachSlot maps fd's contents into slot id's reserved address range.
func (r *virtualReservation) attachSlot(id uint32, fd int) ([]byte, error) {
	addr, err := r.slotAddr(id)
	if err != nil {
		return nil, err
	}
	return mapFixedShared(addr, r.slotSize, fd)
}

// detachSlot reverts slot id to PROT_NONE, keeping the address range
// reserved for a future attach of a newer revision.
func (r *virtualReservation) detachSlot(id uint32) error {
	addr, err := r.slotAddr(id)
	if err != nil {
		return err
	}
	return unmapFixed(addr, r.slotSize)
}
