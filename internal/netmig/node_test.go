package netmig_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"pios/internal/defs"
	"pios/internal/netmig"
	"pios/internal/pgtbl"
	"pios/internal/proc"
)

func TestSendMigrationInstallsProcessOnDestination(t *testing.T) {
	bus := netmig.NewBus()
	srcTable := proc.NewTable(4, 64)
	dstTable := proc.NewTable(4, 64)

	src := netmig.NewNode(1, bus.Attach(1), srcTable)
	dst := netmig.NewNode(2, bus.Attach(2), dstTable)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go src.Serve(ctx)
	go dst.Serve(ctx)

	p, err := srcTable.Alloc()
	require.Zero(t, err)
	p.Home = proc.Home{Node: 1, Slot: p.Slot}
	p.Regs = proc.Regs_t{IP: 0x4000}

	f, ok := srcTable.Arena.AllocZero()
	require.True(t, ok)
	srcTable.Arena.Bytes(f)[0] = 0x99
	require.Zero(t, p.Pdir.Insert(srcTable.Arena, f, defs.UserLo, defs.SysRead|defs.SysWrite))

	sendCtx, sendCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer sendCancel()
	require.NoError(t, src.SendMigration(sendCtx, p, 2))

	// give the destination's handler goroutine a moment to apply the
	// migration before inspecting its table.
	require.Eventually(t, func() bool {
		for _, dp := range dstTable.Procs() {
			if dp.Home.Node == 1 && dp.Home.Slot == p.Slot {
				return true
			}
		}
		return false
	}, time.Second, 5*time.Millisecond)

	var got *proc.Proc
	for _, dp := range dstTable.Procs() {
		if dp.Home.Node == 1 && dp.Home.Slot == p.Slot {
			got = dp
		}
	}
	require.NotNil(t, got)
	require.Equal(t, uint64(0x4000), got.Regs.IP)

	e, err2 := got.Pdir.Walk(dstTable.Arena, defs.UserLo, false)
	require.Zero(t, err2)
	require.Equal(t, pgtbl.Local, e.Kind)
	require.Equal(t, byte(0x99), dstTable.Arena.Bytes(e.Frame)[0])
}

func TestPullPageResolvesAgainstRemoteNode(t *testing.T) {
	bus := netmig.NewBus()
	aTable := proc.NewTable(2, 8)
	bTable := proc.NewTable(2, 8)
	a := netmig.NewNode(1, bus.Attach(1), aTable)
	b := netmig.NewNode(2, bus.Attach(2), bTable)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go a.Serve(ctx)
	go b.Serve(ctx)

	e := &pgtbl.Entry{Kind: pgtbl.Remote, RemoteNode: 2, RemoteAddr: uint32(defs.UserLo)}
	pullCtx, pullCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer pullCancel()
	data, err := a.PullPage(pullCtx, e)
	require.NoError(t, err)
	require.Len(t, data, defs.PageSize)
}
