package dma

import "fmt"

// Size class bounds: the allocator maintains segregated free lists for
// classes MinClass..MaxClass, i.e. 256 B up to 16 GiB chunks.
const (
	MinClass = 8
	MaxClass = 34

	// NumClasses is the number of segregated free lists per segment.
	NumClasses = MaxClass - MinClass + 1
)

// NullOffset is the "no link" sentinel used for free-list links, owner-list
// links, and free-list heads. Zero is a valid chunk offset (a chunk may
// start at the beginning of a segment payload), so it cannot serve as the
// sentinel.
const NullOffset uint32 = ^uint32(0)

// NullSegment is the "not on a list" / "no such segment" sentinel for
// segment ids and the active/inactive intrusive list links.
const NullSegment uint32 = ^uint32(0)

// Pinner is the device-driver binding collaborator: it registers a host
// memory region for DMA (Pin) or releases a prior registration (Unpin).
// Called only while this process holds a live device context (Config.Pinner
// set to a non-nil value).
type Pinner interface {
	Pin(region []byte) error
	Unpin(region []byte) error
}

// Logger is the minimal structured-logging surface the pool uses for its
// non-fault-path operations (segment create/destroy, startup/shutdown). The
// fault path never logs — see fault.go.
type Logger interface {
	Debugf(format string, args ...any)
	Errorf(format string, args ...any)
}

// nopLogger discards everything; it is the default when Config.Logger is nil.
type nopLogger struct{}

func (nopLogger) Debugf(string, ...any) {}
func (nopLogger) Errorf(string, ...any) {}

// Config configures a Pool. The host embedding this module is expected to
// source these values from whatever configuration system it already has.
type Config struct {
	// ProcessGroupName namespaces this pool's shared-memory objects so
	// unrelated pools on the same host don't collide.
	ProcessGroupName string

	// Port further disambiguates the object namespace: object names take
	// the form "/<pg-name>.<port>.<segment_id>:<revision/2>". Processes
	// that want to share a pool must agree on both ProcessGroupName and
	// Port.
	Port int

	// SegmentSize is "dma_segment_size": bytes per segment. Must be a
	// multiple of 1<<MinClass and must fit within one chunk of MaxClass.
	SegmentSize uint64

	// MaxSegments is "max_dma_segment_nums": total descriptor slots (N).
	MaxSegments int

	// MinPersistentSegments is "min_dma_segment_nums": the first
	// MinPersistentSegments segments are persistent (never destroyed
	// when emptied). If zero, it is derived from TotalDeviceMemory by
	// DerivePersistentSegments.
	MinPersistentSegments int

	// TotalDeviceMemory is the attached device memory used to derive
	// MinPersistentSegments when it is left at zero. Ignored otherwise.
	TotalDeviceMemory uint64

	// Pinner is the device-binding collaborator. Nil means no device
	// context is live in this process; segments are created and used
	// without ever calling Pin/Unpin.
	Pinner Pinner

	// Logger receives non-fault-path diagnostics. Nil means discard.
	Logger Logger
}

func (c *Config) setDefaults() {
	if c.Logger == nil {
		c.Logger = nopLogger{}
	}
	if c.ProcessGroupName == "" {
		c.ProcessGroupName = "dmapool"
	}
}

func (c *Config) validate() error {
	if c.SegmentSize < (1 << MinClass) {
		return fmt.Errorf("dma: SegmentSize %d smaller than minimum chunk %d", c.SegmentSize, uint64(1)<<MinClass)
	}
	if c.SegmentSize%(1<<MinClass) != 0 {
		return fmt.Errorf("dma: SegmentSize %d not a multiple of %d", c.SegmentSize, uint64(1)<<MinClass)
	}
	if c.SegmentSize > (uint64(1) << MaxClass) {
		return fmt.Errorf("dma: SegmentSize %d exceeds largest class %d", c.SegmentSize, uint64(1)<<MaxClass)
	}
	if c.SegmentSize >= uint64(NullOffset) {
		// Chunk offsets within a segment are uint32, with NullOffset
		// reserved as the "no link" sentinel — so no valid offset can
		// reach anywhere near the top of that range.
		return fmt.Errorf("dma: SegmentSize %d exceeds the largest representable chunk offset (%d)", c.SegmentSize, NullOffset)
	}
	if c.MaxSegments <= 0 {
		return fmt.Errorf("dma: MaxSegments must be positive, got %d", c.MaxSegments)
	}
	if c.MinPersistentSegments < 0 || c.MinPersistentSegments > c.MaxSegments {
		return fmt.Errorf("dma: MinPersistentSegments %d out of range [0,%d]", c.MinPersistentSegments, c.MaxSegments)
	}
	return nil
}

// DerivePersistentSegments implements the tiered formula spec.md §6
// describes only illustratively ("roughly: 2/3 of memory above 4 GiB, with
// diminishing fractions above 10 GiB and 16 GiB"). The exact tiers and
// additive constants below, and the floor of two segments, follow
// original_source/src/dma_buffer.c's pgstrom_init_dma_buffer: below 4 GiB
// the whole of totalMem is reserved; above that, successively larger
// slices are held back for other consumers of the same device memory. See
// SPEC_FULL.md §10 for the full derivation.
func DerivePersistentSegments(totalMem, segmentSize uint64) int {
	const (
		gib   = uint64(1) << 30
		tier1 = 4 * gib
		tier2 = 10 * gib
		tier3 = 16 * gib
	)
	if segmentSize == 0 {
		return 0
	}
	var reserved uint64
	switch {
	case totalMem >= tier3:
		reserved = (totalMem-tier3)/3 + 11*gib
	case totalMem >= tier2:
		reserved = (totalMem-tier2)/2 + 8*gib
	case totalMem >= tier1:
		reserved = (totalMem-tier1)*2/3 + 4*gib
	default:
		reserved = totalMem
	}
	n := reserved / segmentSize
	if n < 2 {
		n = 2
	}
	return int(n)
}
