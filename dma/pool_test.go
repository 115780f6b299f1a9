//go:build unix

package dma

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func testCtx() context.Context { return context.Background() }

func openTestPool(t *testing.T) *Pool {
	t.Helper()
	cfg := testConfig(t)
	p, err := Open(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Shutdown() })
	return p
}

func Test_Alloc_ReturnsResolvableChunk(t *testing.T) {
	p := openTestPool(t)

	ptr, err := p.Alloc(testCtx(), Owner(1), 100)
	require.NoError(t, err)
	require.False(t, ptr.IsZero())

	buf, err := p.Resolve(ptr)
	require.NoError(t, err)
	require.Len(t, buf, 100)

	for i := range buf {
		buf[i] = byte(i)
	}
	buf2, err := p.Resolve(ptr)
	require.NoError(t, err)
	require.Equal(t, buf, buf2)
}

func Test_Alloc_CreatesSegmentOnFirstUse(t *testing.T) {
	p := openTestPool(t)
	table := newSegmentTable(p.ctrl)
	require.Equal(t, NullSegment, table.activeHead())

	_, err := p.Alloc(testCtx(), Owner(1), 64)
	require.NoError(t, err)
	require.NotEqual(t, NullSegment, table.activeHead())
}

func Test_Alloc_ReusesActiveSegmentForSubsequentAllocs(t *testing.T) {
	p := openTestPool(t)

	_, err := p.Alloc(testCtx(), Owner(1), 64)
	require.NoError(t, err)
	table := newSegmentTable(p.ctrl)
	firstSeg := table.activeHead()

	_, err = p.Alloc(testCtx(), Owner(2), 64)
	require.NoError(t, err)
	require.Equal(t, firstSeg, table.activeHead(), "second alloc should land in the same still-active segment")
}

func Test_Alloc_RejectsSizeAboveMaxAllocSize(t *testing.T) {
	p := openTestPool(t)
	_, err := p.Alloc(testCtx(), Owner(1), p.MaxAllocSize()+1)
	require.ErrorIs(t, err, ErrTooLarge)
}

func Test_Alloc_ExhaustsInactiveListAndReturnsErrOutOfSegments(t *testing.T) {
	p := openTestPool(t)
	cfg := p.cfg

	// Each segment can hold exactly one MaxAllocSize chunk, so allocating
	// one huge chunk per segment burns through MaxSegments quickly.
	big := p.MaxAllocSize()
	for i := 0; i < cfg.MaxSegments; i++ {
		_, err := p.Alloc(testCtx(), Owner(uint64(i)), big)
		require.NoError(t, err)
	}
	_, err := p.Alloc(testCtx(), Owner(999), big)
	require.ErrorIs(t, err, ErrOutOfSegments)
}

func Test_Validate_TrueForLiveChunkFalseAfterFree(t *testing.T) {
	p := openTestPool(t)
	ptr, err := p.Alloc(testCtx(), Owner(1), 32)
	require.NoError(t, err)
	require.True(t, p.Validate(ptr))

	require.NoError(t, p.Free(Owner(1), ptr))
	require.False(t, p.Validate(ptr))
}

func Test_Size_ReturnsRequestedNotClassSize(t *testing.T) {
	p := openTestPool(t)
	ptr, err := p.Alloc(testCtx(), Owner(1), 37)
	require.NoError(t, err)

	sz, err := p.Size(ptr)
	require.NoError(t, err)
	require.Equal(t, uint32(37), sz)

	chunkSz, err := p.ChunkSize(ptr)
	require.NoError(t, err)
	require.GreaterOrEqual(t, chunkSz, sz)
}

func Test_Realloc_SameClassIsInPlace(t *testing.T) {
	p := openTestPool(t)
	ptr, err := p.Alloc(testCtx(), Owner(1), 100)
	require.NoError(t, err)

	newPtr, err := p.Realloc(testCtx(), Owner(1), ptr, 120)
	require.NoError(t, err)
	require.Equal(t, ptr, newPtr, "growing within the same size class should not relocate")

	sz, err := p.Size(newPtr)
	require.NoError(t, err)
	require.Equal(t, uint32(120), sz)
}

func Test_Realloc_ShrinkCarvesFreeSpaceInPlace(t *testing.T) {
	p := openTestPool(t)
	ptr, err := p.Alloc(testCtx(), Owner(1), 4000)
	require.NoError(t, err)

	newPtr, err := p.Realloc(testCtx(), Owner(1), ptr, 8)
	require.NoError(t, err)
	require.Equal(t, ptr, newPtr)

	sz, err := p.Size(newPtr)
	require.NoError(t, err)
	require.Equal(t, uint32(8), sz)
}

func Test_Realloc_GrowBeyondClassRelocatesAndCopies(t *testing.T) {
	p := openTestPool(t)
	ptr, err := p.Alloc(testCtx(), Owner(1), 8)
	require.NoError(t, err)

	buf, err := p.Resolve(ptr)
	require.NoError(t, err)
	copy(buf, []byte("deadbeef"))

	newPtr, err := p.Realloc(testCtx(), Owner(1), ptr, 4000)
	require.NoError(t, err)

	newBuf, err := p.Resolve(newPtr)
	require.NoError(t, err)
	require.Equal(t, []byte("deadbeef"), newBuf[:8])
	require.False(t, p.Validate(ptr), "old chunk should be freed after relocation")
}

func Test_Realloc_RejectsRequiredAboveMaxAllocSize(t *testing.T) {
	p := openTestPool(t)
	ptr, err := p.Alloc(testCtx(), Owner(1), 8)
	require.NoError(t, err)

	_, err = p.Realloc(testCtx(), Owner(1), ptr, p.MaxAllocSize()+1)
	require.ErrorIs(t, err, ErrTooLarge)
}

func Test_Free_DestroysNonPersistentSegmentWhenEmptied(t *testing.T) {
	p := openTestPool(t)
	table := newSegmentTable(p.ctrl)

	big := p.MaxAllocSize()
	ptr, err := p.Alloc(testCtx(), Owner(1), big)
	require.NoError(t, err)
	segID := ptr.segmentID()
	require.Equal(t, segID, table.activeHead())

	require.NoError(t, p.Free(Owner(1), ptr))

	require.Equal(t, NullSegment, table.activeHead())
	require.Equal(t, segID, table.inactiveHead())
}

func Test_Free_KeepsPersistentSegmentAliveWhenEmptied(t *testing.T) {
	cfg := testConfig(t)
	cfg.MinPersistentSegments = 1
	p, err := Open(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Shutdown() })

	table := newSegmentTable(p.ctrl)
	big := p.MaxAllocSize()
	ptr, err := p.Alloc(testCtx(), Owner(1), big)
	require.NoError(t, err)
	segID := ptr.segmentID()

	require.NoError(t, p.Free(Owner(1), ptr))
	require.Equal(t, segID, table.activeHead(), "persistent segment must stay active when empty")
}

func Test_FreeAll_ReleasesEveryChunkForOwner(t *testing.T) {
	p := openTestPool(t)

	var ptrs []Ptr
	for i := 0; i < 5; i++ {
		ptr, err := p.Alloc(testCtx(), Owner(42), 64)
		require.NoError(t, err)
		ptrs = append(ptrs, ptr)
	}

	require.NoError(t, p.FreeAll(Owner(42)))
	for _, ptr := range ptrs {
		require.False(t, p.Validate(ptr))
	}
}

func Test_FreeAll_LeavesOtherOwnersChunksIntact(t *testing.T) {
	p := openTestPool(t)

	mine, err := p.Alloc(testCtx(), Owner(1), 64)
	require.NoError(t, err)
	theirs, err := p.Alloc(testCtx(), Owner(2), 64)
	require.NoError(t, err)

	require.NoError(t, p.FreeAll(Owner(1)))
	require.False(t, p.Validate(mine))
	require.True(t, p.Validate(theirs))
}

func Test_Resolve_RejectsCorruptedPointer(t *testing.T) {
	p := openTestPool(t)
	_, err := p.Resolve(Ptr(0xFFFFFFFFFFFFFFFF))
	require.ErrorIs(t, err, ErrCorrupted)
}

func Test_MaxAllocSize_BoundedBySegmentSizeMinusOverhead(t *testing.T) {
	p := openTestPool(t)
	max := p.MaxAllocSize()
	require.Less(t, uint64(max), p.cfg.SegmentSize)
	require.Greater(t, max, uint32(0))
}
