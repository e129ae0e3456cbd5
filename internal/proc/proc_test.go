package proc_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"pios/internal/defs"
	"pios/internal/proc"
)

func TestNewTableReservesSlotZero(t *testing.T) {
	tb := proc.NewTable(4, 64)
	require.Equal(t, proc.Reserved, tb.Procs()[0].GetState())
	for _, p := range tb.Procs()[1:] {
		require.Equal(t, proc.Free, p.GetState())
	}
}

func TestAllocMarksReservedAndExhausts(t *testing.T) {
	tb := proc.NewTable(2, 64) // slot 0 pre-reserved, 1 allocatable
	p, err := tb.Alloc()
	require.Zero(t, err)
	require.Equal(t, proc.Reserved, p.GetState())

	_, err = tb.Alloc()
	require.Equal(t, defs.EAGAIN, err, "no FREE slots should remain")
}

func TestFreeReturnsSlotAndTearsDownAddressSpace(t *testing.T) {
	tb := proc.NewTable(2, 64)
	p, err := tb.Alloc()
	require.Zero(t, err)
	p.Parent = tb.Procs()[0]

	tb.Free(p)
	require.Equal(t, proc.Free, p.GetState())
	require.Nil(t, p.Parent)

	// the freed slot should be allocatable again.
	p2, err := tb.Alloc()
	require.Zero(t, err)
	require.Same(t, p, p2)
}

func TestReadyQueueIsFIFO(t *testing.T) {
	tb := proc.NewTable(4, 64)
	a, _ := tb.Alloc()
	b, _ := tb.Alloc()
	c, _ := tb.Alloc()

	tb.Ready(a)
	tb.Ready(b)
	tb.Ready(c)

	require.Same(t, a, tb.Sched())
	require.Same(t, b, tb.Sched())
	require.Same(t, c, tb.Sched())
}

func TestReadyThenSchedTransitionsState(t *testing.T) {
	tb := proc.NewTable(2, 64)
	p, _ := tb.Alloc()
	tb.Ready(p)
	require.Equal(t, proc.Ready, p.GetState())

	got := tb.Sched()
	require.Same(t, p, got)
	require.Equal(t, proc.Run, got.GetState())
}

func TestYieldReenqueuesAtTail(t *testing.T) {
	tb := proc.NewTable(4, 64)
	a, _ := tb.Alloc()
	b, _ := tb.Alloc()

	tb.Ready(a)
	tb.Ready(b)
	first := tb.Sched() // a
	tb.Yield(first)     // back of the line, behind b

	require.Same(t, b, tb.Sched())
	require.Same(t, first, tb.Sched())
}

func TestWaitStopBlocksUntilStop(t *testing.T) {
	p := proc.NewProc(defs.Slot(1))
	p.SetState(proc.Run)

	done := make(chan struct{})
	go func() {
		p.WaitStop()
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("WaitStop returned before the process reached STOP")
	case <-time.After(20 * time.Millisecond):
	}

	p.SetState(proc.Stop)
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("WaitStop did not observe the STOP transition")
	}
}

func TestAccntAddSumsUsage(t *testing.T) {
	var a, b proc.Accnt
	a.UserNs, a.SysNs = 10, 20
	b.UserNs, b.SysNs = 1, 2

	a.Add(&b)
	u, s := a.Snapshot()
	require.Equal(t, int64(11), u)
	require.Equal(t, int64(22), s)
}

func TestStateStringsAreHumanReadable(t *testing.T) {
	require.Equal(t, "READY", proc.Ready.String())
	require.Equal(t, "STOP", proc.Stop.String())
	require.Equal(t, "?", proc.State(99).String())
}
