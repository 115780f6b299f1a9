//go:build !unix

package dma

import (
	"fmt"
	"os"
)

// shm_fallback.go stubs the platform primitives on non-unix builds. The
// reservation-plus-lazy-attach addressing scheme fundamentally
// depends on MAP_FIXED, which has no portable equivalent, so this module
// is unix-only; the fallback exists only so the package still compiles
// elsewhere, surfacing a clear error rather than a missing symbol.

var errUnsupportedPlatform = fmt.Errorf("%w: dma requires a unix target (mmap with MAP_FIXED)", ErrOSFailure)

func createSHMObject(name string, size int64) (*os.File, error) { return nil, errUnsupportedPlatform }
func openSHMObject(name string) (*os.File, error)               { return nil, errUnsupportedPlatform }
func unlinkSHMObject(name string) error                         { return errUnsupportedPlatform }
func truncateAndUnlinkSHMObject(name string) error               { return errUnsupportedPlatform }

func reserveAnon(length uintptr) (uintptr, error) { return 0, errUnsupportedPlatform }
func releaseAnon(addr, length uintptr) error      { return errUnsupportedPlatform }
func mapFixedShared(addr, length uintptr, fd int) ([]byte, error) {
	return nil, errUnsupportedPlatform
}
func unmapFixed(addr, length uintptr) error { return errUnsupportedPlatform }
func msyncRegion(b []byte) error            { return errUnsupportedPlatform }

func mapShared(length uintptr, fd int) ([]byte, uintptr, error) {
	return nil, 0, errUnsupportedPlatform
}
func unmapShared(addr, length uintptr) error { return errUnsupportedPlatform }
