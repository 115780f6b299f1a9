package dma

import (
	"fmt"
	"sync"
)

// Pool is a handle to one multi-process DMA buffer pool: a control region
// shared by every attached process, plus this process's own reservation,
// local attachment map, and owner-chunk bookkeeping.
// A *Pool is safe for concurrent use by multiple goroutines within one
// process.
type Pool struct {
	cfg Config

	ctrlFile *memObject
	ctrl     []byte // control region, mapped non-fixed in this process

	reservation *virtualReservation
	local       *localMapTable
	owners      *ownerIndex
	stats       poolStats

	closeOnce sync.Once
	closed    bool
	mu        sync.Mutex
}

// memObject pairs a mapped region with the address/length needed to
// unmap it later; mapShared returns the pieces separately since []byte
// alone doesn't carry its own mmap address once sliced or grown via
// unsafe.Slice.
type memObject struct {
	addr   uintptr
	length uintptr
}

// Open creates or attaches to a pool identified by cfg.ProcessGroupName
// and cfg.Port.
func Open(cfg Config) (*Pool, error) {
	cfg.setDefaults()
	if cfg.MinPersistentSegments == 0 && cfg.TotalDeviceMemory > 0 {
		cfg.MinPersistentSegments = DerivePersistentSegments(cfg.TotalDeviceMemory, cfg.SegmentSize)
		if cfg.MinPersistentSegments > cfg.MaxSegments {
			cfg.MinPersistentSegments = cfg.MaxSegments
		}
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	name := controlObjectName(&cfg)
	size := int64(controlRegionSize(cfg.MaxSegments))

	ctrl, mo, created, err := openOrCreateControlRegion(name, size)
	if err != nil {
		return nil, err
	}
	if created {
		initControlRegion(ctrl, cfg.SegmentSize, cfg.MaxSegments, cfg.MinPersistentSegments)
	} else if err := validateControlRegion(ctrl, &cfg); err != nil {
		_ = unmapShared(mo.addr, mo.length)
		return nil, err
	}

	reservation, err := newVirtualReservation(cfg.SegmentSize, cfg.MaxSegments)
	if err != nil {
		_ = unmapShared(mo.addr, mo.length)
		return nil, err
	}

	p := &Pool{
		cfg:         cfg,
		ctrlFile:    mo,
		ctrl:        ctrl,
		reservation: reservation,
		local:       newLocalMapTable(reservation, cfg.MaxSegments),
		owners:      newOwnerIndex(),
	}
	cfg.Logger.Debugf("dma: pool %q:%d opened (created=%v, maxSegments=%d, minPersistent=%d)",
		cfg.ProcessGroupName, cfg.Port, created, cfg.MaxSegments, cfg.MinPersistentSegments)
	return p, nil
}

// openOrCreateControlRegion tries to create the control object first
// (O_EXCL); if it already exists, it opens and maps the existing one
// instead. Either way the result is mapped MAP_SHARED at a kernel-chosen
// address — the control region is never referenced by raw pointer across
// processes, only by segment id, so it has no need of MAP_FIXED.
func openOrCreateControlRegion(name string, size int64) ([]byte, *memObject, bool, error) {
	f, err := createSHMObject(name, size)
	created := err == nil
	if err != nil {
		f, err = openSHMObject(name)
		if err != nil {
			return nil, nil, false, fmt.Errorf("dma: open control region %s: %w", name, err)
		}
	}
	defer f.Close()

	ctrl, addr, err := mapShared(uintptr(size), int(f.Fd()))
	if err != nil {
		if created {
			_ = unlinkSHMObject(name)
		}
		return nil, nil, false, err
	}
	return ctrl, &memObject{addr: addr, length: uintptr(size)}, created, nil
}

// Close detaches this process from the pool: unmaps every segment it has
// attached plus the control region, but leaves all shared-memory objects
// in place for other attached processes.
func (p *Pool) Close() error {
	var retErr error
	p.closeOnce.Do(func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		for id := 0; id < len(p.local.slots); id++ {
			if err := p.detachLocal(uint32(id)); err != nil && retErr == nil {
				retErr = err
			}
		}
		if err := p.reservation.close(); err != nil && retErr == nil {
			retErr = err
		}
		if err := unmapShared(p.ctrlFile.addr, p.ctrlFile.length); err != nil && retErr == nil {
			retErr = err
		}
		p.closed = true
	})
	return retErr
}

// Shutdown tears the whole pool down: every active segment's backing
// object is truncated and unlinked, then the control region's own object
// is unlinked. Restricted here to "whoever calls it" rather than gated on
// a specific supervising pid: a pid-matching guard only matters when
// cleanup runs from a signal handler shared by every child process; a Go
// caller decides for itself which process is responsible for shutdown.
func (p *Pool) Shutdown() error {
	table := newSegmentTable(p.ctrl)
	lock := table.lock()
	lock.Lock()
	var ids []uint32
	table.forEachList(table.activeHead(), func(id uint32) { ids = append(ids, id) })
	lock.Unlock()

	var firstErr error
	for _, id := range ids {
		seg := segmentSlot(p.ctrl, id)
		rev := seg.revision()
		if rev%2 == 0 {
			continue
		}
		name := segmentObjectName(&p.cfg, id, rev)
		if err := truncateAndUnlinkSHMObject(name); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	if err := p.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := unlinkSHMObject(controlObjectName(&p.cfg)); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}
