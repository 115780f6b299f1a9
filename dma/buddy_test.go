package dma

import (
	"testing"

	"github.com/stretchr/testify/require"
)

// newTestSegment builds a bare segment descriptor plus payload backing
// array of the given class, formatted the way formatSegment would leave a
// freshly created segment. It does not go through the control region or
// table.go at all; buddy.go's functions only need a segmentView and a
// payload slice.
func newTestSegment(t *testing.T, payloadClass uint8) (segmentView, []byte) {
	t.Helper()
	ctrl := make([]byte, controlHeaderSize+descriptorSize)
	seg := segmentSlot(ctrl, 0)
	seg.reset()
	payload := make([]byte, 1<<payloadClass)
	formatSegment(seg, payload)
	return seg, payload
}

func Test_FormatSegment_PacksGreedilyFromMaxClassDown(t *testing.T) {
	seg, payload := newTestSegment(t, MinClass+2)
	// MinClass+2 payload = 4 units of MinClass; greedy packing takes the
	// whole thing as a single MinClass+2 chunk.
	off := seg.freeListHead(MinClass + 2)
	require.NotEqual(t, NullOffset, off)
	require.Equal(t, uint32(0), off)
	require.True(t, segmentFullyFree(seg, payload))
}

func Test_AllocChunkLocked_SplitsWhenExactClassEmpty(t *testing.T) {
	seg, payload := newTestSegment(t, MinClass+2)

	off, ok := allocChunkLocked(seg, payload, MinClass, 4)
	require.True(t, ok)
	require.Equal(t, uint32(0), off)
	require.Equal(t, int32(1), seg.numChunks())

	// The rest of the original max-class chunk should have been split down
	// into free chunks threaded onto the smaller classes' free lists.
	require.NotEqual(t, NullOffset, seg.freeListHead(MinClass))
	require.False(t, segmentFullyFree(seg, payload))
}

func Test_AllocChunkLocked_ExhaustsAndReportsFalse(t *testing.T) {
	seg, payload := newTestSegment(t, MinClass)

	_, ok := allocChunkLocked(seg, payload, MinClass, 4)
	require.True(t, ok)

	_, ok = allocChunkLocked(seg, payload, MinClass, 4)
	require.False(t, ok, "segment only had room for one chunk of its own class")
}

func Test_FreeChunkLocked_CoalescesBuddiesBackToMaxClass(t *testing.T) {
	seg, payload := newTestSegment(t, MinClass+1)

	off1, ok := allocChunkLocked(seg, payload, MinClass, 4)
	require.True(t, ok)
	off2, ok := allocChunkLocked(seg, payload, MinClass, 4)
	require.True(t, ok)
	require.NotEqual(t, off1, off2)

	freeChunkLocked(seg, payload, off1, MinClass)
	require.False(t, segmentFullyFree(seg, payload), "buddy is still allocated, no merge yet")

	freeChunkLocked(seg, payload, off2, MinClass)
	require.True(t, segmentFullyFree(seg, payload), "freeing both buddies should merge them back to one MinClass+1 chunk")
	require.NotEqual(t, NullOffset, seg.freeListHead(MinClass+1))
	require.Equal(t, int32(0), seg.numChunks())
}

func Test_FreeChunkLocked_PoisonsPayload(t *testing.T) {
	seg, payload := newTestSegment(t, MinClass)
	off, ok := allocChunkLocked(seg, payload, MinClass, 8)
	require.True(t, ok)

	body := chunkPayload(payload, off, 8)
	for i := range body {
		body[i] = 0x11
	}

	freeChunkLocked(seg, payload, off, MinClass)

	// Two magic words stay inside the freed body: the free-format tail
	// magic right after the header (required is 0 once free) and the
	// active chunk's old tail magic, which poisonPayload leaves alone.
	freeTail := int(tailMagicOffset(off, 0))
	oldTail := int(tailMagicOffset(off, 8))
	start := int(off) + chunkHeaderSize
	end := int(off) + (1 << MinClass) - tailMagicSize
	for i := start; i < end; i++ {
		if (i >= freeTail && i < freeTail+tailMagicSize) || (i >= oldTail && i < oldTail+tailMagicSize) {
			continue
		}
		require.Equal(t, byte(freePoison), payload[i])
	}
}

func Test_ShrinkChunkLocked_CarvesFreedTailIntoFreeLists(t *testing.T) {
	seg, payload := newTestSegment(t, MinClass+2)
	off, ok := allocChunkLocked(seg, payload, MinClass+2, 100)
	require.True(t, ok)

	shrinkChunkLocked(seg, payload, off, MinClass+2, MinClass, 8)

	require.Equal(t, uint8(MinClass), classAt(payload, off))
	require.Equal(t, uint32(8), requiredAt(payload, off))
	require.Equal(t, chunkMagic, tailMagicAt(payload, off, 8))

	// The freed tail (three MinClass-sized units) should now be free.
	freeBytes := uint64(0)
	for cls := uint8(MinClass); cls <= MaxClass; cls++ {
		for o := seg.freeListHead(cls); o != NullOffset; {
			if o != off {
				freeBytes += uint64(1) << cls
			}
			_, next := freeLinksAt(payload, o)
			o = next
		}
	}
	require.Equal(t, uint64(3)<<MinClass, freeBytes)
}

func Test_BuddyOf_IsInvolution(t *testing.T) {
	off := uint32(3) << (MinClass + 2)
	buddy := buddyOf(off, MinClass+2)
	require.Equal(t, off, buddyOf(buddy, MinClass+2), "buddyOf should be its own inverse")
}

func Test_PushPopFree_LIFOOrder(t *testing.T) {
	ctrl := make([]byte, controlHeaderSize+descriptorSize)
	seg := segmentSlot(ctrl, 0)
	seg.reset()
	payload := make([]byte, 3*(1<<MinClass))

	for i := uint32(0); i < 3; i++ {
		off := i * (1 << MinClass)
		formatFreeHeader(payload, off, MinClass)
		pushFree(seg, payload, MinClass, off)
	}

	off, ok := popFree(seg, payload, MinClass)
	require.True(t, ok)
	require.Equal(t, uint32(2)<<MinClass, off)
}

func Test_RemoveFree_UnlinksMiddleElement(t *testing.T) {
	ctrl := make([]byte, controlHeaderSize+descriptorSize)
	seg := segmentSlot(ctrl, 0)
	seg.reset()
	payload := make([]byte, 3*(1<<MinClass))

	offs := make([]uint32, 3)
	for i := uint32(0); i < 3; i++ {
		offs[i] = i * (1 << MinClass)
		formatFreeHeader(payload, offs[i], MinClass)
		pushFree(seg, payload, MinClass, offs[i])
	}

	removeFree(seg, payload, MinClass, offs[1])

	var walked []uint32
	for o := seg.freeListHead(MinClass); o != NullOffset; {
		walked = append(walked, o)
		_, next := freeLinksAt(payload, o)
		o = next
	}
	require.ElementsMatch(t, []uint32{offs[0], offs[2]}, walked)
}
