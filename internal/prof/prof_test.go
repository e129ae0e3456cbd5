package prof_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"pios/internal/proc"
	"pios/internal/prof"
)

func TestBuildEmitsOneSamplePerInput(t *testing.T) {
	p := prof.Build([]prof.Sample{
		{Slot: 1, UserNs: 100, SysNs: 10},
		{Slot: 2, UserNs: 200, SysNs: 20},
	})
	require.Len(t, p.Sample, 2)
	require.Equal(t, []int64{100, 10}, p.Sample[0].Value)
	require.Equal(t, []int64{200, 20}, p.Sample[1].Value)
	require.Equal(t, "1", p.Sample[0].Label["slot"][0])
}

func TestBuildWithNoSamplesStillHasTypes(t *testing.T) {
	p := prof.Build(nil)
	require.Empty(t, p.Sample)
	require.Len(t, p.SampleType, 2)
}

func TestSnapshotSkipsIdleProcs(t *testing.T) {
	tb := proc.NewTable(4, 8)
	busy, _ := tb.Alloc()
	idle, _ := tb.Alloc()
	busy.Accnt.UserNs, busy.Accnt.SysNs = 50, 5

	samples := prof.Snapshot([]*proc.Proc{busy, idle})
	require.Len(t, samples, 1)
	require.Equal(t, busy.Slot, samples[0].Slot)
	require.Equal(t, int64(50), samples[0].UserNs)
}
