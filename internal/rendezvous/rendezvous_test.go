package rendezvous_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"pios/internal/defs"
	"pios/internal/proc"
	"pios/internal/rendezvous"
)

func newTable(t *testing.T) (*proc.Table, *proc.Proc) {
	t.Helper()
	tb := proc.NewTable(4, 64)
	parent, err := tb.Alloc()
	require.Zero(t, err)
	parent.SetState(proc.Stop)
	return tb, parent
}

func TestPutAllocatesAndCopiesIntoChild(t *testing.T) {
	tb, parent := newTable(t)

	f, _ := tb.Arena.AllocZero()
	a := tb.Arena.Bytes(f)
	a[0] = 0x11
	require.Zero(t, parent.Pdir.Insert(tb.Arena, f, defs.UserLo, defs.SysRead|defs.SysWrite))

	err := rendezvous.Put(tb, parent, rendezvous.Request{
		Cmd:   defs.MCopy | defs.FPerm | defs.SysRead,
		Child: 0,
		SrcVA: defs.UserLo,
		DstVA: defs.UserLo,
		Size:  defs.PageSize,
	})
	require.Zero(t, err)

	child := parent.Children[0]
	require.NotNil(t, child)
	e, err2 := child.Pdir.Walk(tb.Arena, defs.UserLo, false)
	require.Zero(t, err2)
	require.Equal(t, byte(0x11), tb.Arena.Bytes(e.Frame)[0])
}

func TestPutRejectsMisalignedRangesWithNoPartialEffect(t *testing.T) {
	tb, parent := newTable(t)

	err := rendezvous.Put(tb, parent, rendezvous.Request{
		Cmd:   defs.MCopy,
		Child: 0,
		SrcVA: defs.UserLo + 1, // not page-aligned
		DstVA: defs.UserLo,
		Size:  defs.PageSize,
	})
	require.Equal(t, defs.EFAULT, err)
	require.Nil(t, parent.Children[0], "a rejected PUT must not have allocated the child slot's visible effects")
}

func TestPutFStartEnqueuesChildReady(t *testing.T) {
	tb, parent := newTable(t)

	err := rendezvous.Put(tb, parent, rendezvous.Request{
		Cmd:   defs.MNone | defs.FStart,
		Child: 0,
	})
	require.Zero(t, err)
	child := parent.Children[0]
	require.Equal(t, proc.Ready, child.GetState())
	require.Same(t, child, tb.Sched())
}

func TestGetRejectsSnapFlag(t *testing.T) {
	tb, parent := newTable(t)
	_, err := rendezvous.Get(tb, parent, rendezvous.Request{Cmd: defs.MNone | defs.FSnap, Child: 0})
	require.Equal(t, defs.EINVAL, err)
}

func TestGetCopiesRegsFromStoppedChild(t *testing.T) {
	tb, parent := newTable(t)
	require.Zero(t, rendezvous.Put(tb, parent, rendezvous.Request{Cmd: defs.MNone, Child: 0}))
	child := parent.Children[0]
	child.Regs = proc.Regs_t{IP: 42}
	child.SetState(proc.Stop)

	var regs proc.Regs_t
	_, err := rendezvous.Get(tb, parent, rendezvous.Request{Cmd: defs.MNone | defs.FRegs, Child: 0, Regs: &regs})
	require.Zero(t, err)
	require.Equal(t, uint64(42), regs.IP)
}

func TestGetMergeReportsDisjointWritesWithoutConflict(t *testing.T) {
	tb, parent := newTable(t)
	f, _ := tb.Arena.AllocZero()
	require.Zero(t, parent.Pdir.Insert(tb.Arena, f, defs.UserLo, defs.SysRead|defs.SysWrite))

	require.Zero(t, rendezvous.Put(tb, parent, rendezvous.Request{
		Cmd: defs.MCopy | defs.FSnap, Child: 0,
		SrcVA: defs.UserLo, DstVA: defs.UserLo, Size: defs.PTSize,
	}))
	child := parent.Children[0]

	require.Zero(t, child.Pdir.PageFault(tb.Arena, defs.UserLo))
	e, _ := child.Pdir.Walk(tb.Arena, defs.UserLo, true)
	tb.Arena.Bytes(e.Frame)[0] = 0xFE
	child.SetState(proc.Stop)

	conflict, err := rendezvous.Get(tb, parent, rendezvous.Request{
		Cmd: defs.MMerge, Child: 0,
		SrcVA: defs.UserLo, DstVA: defs.UserLo, Size: defs.PTSize,
	})
	require.Zero(t, err)
	require.False(t, conflict)

	pe, _ := parent.Pdir.Walk(tb.Arena, defs.UserLo, false)
	require.Equal(t, byte(0xFE), tb.Arena.Bytes(pe.Frame)[0])
}

func TestRetSuspendsCallerInStop(t *testing.T) {
	tb, parent := newTable(t)
	parent.SetState(proc.Run)
	rendezvous.Ret(tb, parent)
	require.Equal(t, proc.Stop, parent.GetState())
}
