//go:build unix

package dma

import (
	"fmt"
	"os"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
)

var testPortCounter atomic.Int64

// testConfig returns a Config namespaced with a unique port so parallel
// test functions never collide on the same /dev/shm objects.
func testConfig(t *testing.T) Config {
	t.Helper()
	port := int(testPortCounter.Add(1))
	cfg := Config{
		ProcessGroupName: "dmatest",
		Port:             port,
		SegmentSize:      1 << 20,
		MaxSegments:      4,
	}
	t.Cleanup(func() {
		_ = os.Remove(shmPath(controlObjectName(&cfg)))
		// Some scenario tests override MaxSegments/SegmentSize after this
		// helper returns, so sweep generously rather than trusting cfg's
		// value captured here.
		for id := 0; id < 32; id++ {
			for rev := 0; rev < 16; rev++ {
				_ = os.Remove(shmPath(segmentObjectName(&cfg, uint32(id), uint64(rev))))
			}
		}
	})
	return cfg
}

func Test_Open_CreatesFreshControlRegion(t *testing.T) {
	cfg := testConfig(t)
	p, err := Open(cfg)
	require.NoError(t, err)
	defer p.Close()

	table := newSegmentTable(p.ctrl)
	require.Equal(t, uint32(cfg.MaxSegments), table.maxSegments())
	require.Equal(t, cfg.SegmentSize, table.segmentSize())
	require.NotEqual(t, NullSegment, table.inactiveHead())
	require.Equal(t, NullSegment, table.activeHead())
}

func Test_Open_SecondProcessAttachesToExisting(t *testing.T) {
	cfg := testConfig(t)
	p1, err := Open(cfg)
	require.NoError(t, err)
	defer p1.Close()

	p2, err := Open(cfg)
	require.NoError(t, err)
	defer p2.Close()

	// Both handles should observe the same control region contents.
	require.Equal(t, newSegmentTable(p1.ctrl).maxSegments(), newSegmentTable(p2.ctrl).maxSegments())
}

func Test_Open_RejectsMismatchedSegmentSizeOnAttach(t *testing.T) {
	cfg := testConfig(t)
	p1, err := Open(cfg)
	require.NoError(t, err)
	defer p1.Close()

	badCfg := cfg
	badCfg.SegmentSize = cfg.SegmentSize * 2
	_, err = Open(badCfg)
	require.Error(t, err)
}

func Test_Open_DerivesPersistentSegmentsFromDeviceMemory(t *testing.T) {
	cfg := testConfig(t)
	cfg.TotalDeviceMemory = 1 << 30
	p, err := Open(cfg)
	require.NoError(t, err)
	defer p.Close()

	table := newSegmentTable(p.ctrl)
	require.Greater(t, table.minPersistent(), uint32(0))
}

func Test_Close_DetachesAllLocalMappingsAndIsIdempotent(t *testing.T) {
	cfg := testConfig(t)
	p, err := Open(cfg)
	require.NoError(t, err)

	_, err = p.Alloc(testCtx(), Owner(1), 64)
	require.NoError(t, err)

	require.NoError(t, p.Close())
	require.NoError(t, p.Close(), "Close must be idempotent")
}

func Test_Shutdown_UnlinksSegmentAndControlObjects(t *testing.T) {
	cfg := testConfig(t)
	p, err := Open(cfg)
	require.NoError(t, err)

	ptr, err := p.Alloc(testCtx(), Owner(1), 64)
	require.NoError(t, err)
	require.False(t, ptr.IsZero())

	require.NoError(t, p.Shutdown())

	_, err = os.Stat(shmPath(controlObjectName(&cfg)))
	require.True(t, os.IsNotExist(err), "control object should be unlinked after Shutdown")
}

func Test_ControlRegionSize_MatchesHeaderPlusDescriptors(t *testing.T) {
	got := controlRegionSize(4)
	require.Equal(t, controlHeaderSize+4*descriptorSize, got)
}

func Test_ControlObjectName_IncludesGroupAndPort(t *testing.T) {
	cfg := Config{ProcessGroupName: "grp", Port: 7}
	require.Equal(t, "/grp.7.ctl", controlObjectName(&cfg))
}

func Test_SegmentObjectName_EncodesRevisionOverTwo(t *testing.T) {
	cfg := Config{ProcessGroupName: "grp", Port: 7}
	require.Equal(t, "/grp.7.3:2", segmentObjectName(&cfg, 3, 4))
	require.Equal(t, fmt.Sprintf("/grp.7.3:%d", uint64(5)/2), segmentObjectName(&cfg, 3, 5))
}
