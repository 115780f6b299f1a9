package dma

import "sync/atomic"

// poolStats holds the only metrics this package carries: plain counts of
// the operations that moved a chunk or a segment, deliberately excluding
// per-region efficiency histograms or timing data.
type poolStats struct {
	allocs          atomic.Uint64
	frees           atomic.Uint64
	segmentCreates  atomic.Uint64
	segmentDestroys atomic.Uint64
}

// Stats is a point-in-time snapshot of a Pool's operation counters.
type Stats struct {
	Allocs          uint64
	Frees           uint64
	SegmentCreates  uint64
	SegmentDestroys uint64
}

// Stats returns a snapshot of this pool's operation counters as observed
// by this process. Counters are local to each process, not aggregated
// across the pool, since the control region has no space reserved for
// shared statistics.
func (p *Pool) Stats() Stats {
	return Stats{
		Allocs:          p.stats.allocs.Load(),
		Frees:           p.stats.frees.Load(),
		SegmentCreates:  p.stats.segmentCreates.Load(),
		SegmentDestroys: p.stats.segmentDestroys.Load(),
	}
}
