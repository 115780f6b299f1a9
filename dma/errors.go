package dma

import "errors"

var (
	// ErrCorrupted indicates pointer validation failed: bad offset, bad
	// magic, or a chunk that is not in the active state.
	ErrCorrupted = errors.New("dma: corrupted pointer")

	// ErrTooLarge indicates a request exceeds Pool.MaxAllocSize or its
	// normalized size class exceeds MaxClass, i.e. no single segment could
	// ever satisfy it.
	ErrTooLarge = errors.New("dma: requested size too large for one segment")

	// ErrOutOfSegments indicates the inactive list was empty when a new
	// segment was needed.
	ErrOutOfSegments = errors.New("dma: no inactive segment descriptors left")

	// ErrOSFailure wraps a failed mmap/shm_open/ftruncate/munmap syscall.
	ErrOSFailure = errors.New("dma: os-level failure")

	// ErrPinFailure indicates the device-binding collaborator rejected a
	// pin request.
	ErrPinFailure = errors.New("dma: device pin failed")
)

// FatalError wraps an OS failure that leaves this process's address space in
// an inconsistent state (failed munmap or failed remap to PROT_NONE). The
// caller should treat the process as unsafe to continue.
type FatalError struct {
	Op  string
	Err error
}

func (e *FatalError) Error() string { return "dma: fatal: " + e.Op + ": " + e.Err.Error() }
func (e *FatalError) Unwrap() error { return e.Err }
