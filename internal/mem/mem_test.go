package mem_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"pios/internal/defs"
	"pios/internal/mem"
)

func TestZeroPageSharedAndRefcounted(t *testing.T) {
	a := mem.NewArena(16)
	require.Equal(t, 1, a.Refcnt(mem.ZeroPage))
	a.Refup(mem.ZeroPage)
	require.Equal(t, 2, a.Refcnt(mem.ZeroPage))
}

func TestAllocZeroReturnsZeroedFrame(t *testing.T) {
	a := mem.NewArena(16)
	f, ok := a.AllocZero()
	require.True(t, ok)
	require.NotEqual(t, mem.ZeroPage, f)
	for _, b := range a.Bytes(f) {
		require.Zero(t, b)
	}
}

func TestAllocExhaustion(t *testing.T) {
	a := mem.NewArena(2) // frame 0 is the zero page; 1 left to allocate
	_, ok := a.AllocZero()
	require.True(t, ok)
	_, ok = a.AllocZero()
	require.False(t, ok, "arena should report exhaustion once all non-zero frames are taken")
}

func TestCloneCopiesBytesAndIsIndependent(t *testing.T) {
	a := mem.NewArena(16)
	src, ok := a.AllocZero()
	require.True(t, ok)
	a.Bytes(src)[0] = 0xAB

	dst, ok := a.Clone(src)
	require.True(t, ok)
	require.Equal(t, byte(0xAB), a.Bytes(dst)[0])

	a.Bytes(dst)[0] = 0xCD
	require.Equal(t, byte(0xAB), a.Bytes(src)[0], "cloning must not alias the source frame")
}

func TestMarkSharedLeavesRefcountUnchanged(t *testing.T) {
	a := mem.NewArena(16)
	f, _ := a.AllocZero()
	a.MarkShared(f, defs.NodeID(2))
	a.MarkShared(f, defs.NodeID(5))
	// recording the same node twice is harmless; marking a frame
	// shared never takes or drops a reference on it.
	a.MarkShared(f, defs.NodeID(2))
	require.Equal(t, 1, a.Refcnt(f))
}

func TestStatsAccountForZeroPage(t *testing.T) {
	a := mem.NewArena(8)
	total, free := a.Stats()
	require.Equal(t, 8, total)
	require.Equal(t, 7, free, "the zero page frame is reserved, not free")
}
