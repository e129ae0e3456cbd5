// Package prof builds pprof-compatible CPU/accounting profiles from
// live process accounting, grounded on the teacher's dependence on
// google/pprof's profile package for its own profiling device and on
// proc.Accnt's Userns/Sysns split.
package prof

import (
	"strconv"
	"time"

	"github.com/google/pprof/profile"

	"pios/internal/defs"
	"pios/internal/proc"
)

// Sample is one process's accounted usage at snapshot time.
type Sample struct {
	Slot   defs.Slot
	UserNs int64
	SysNs  int64
}

// Build renders samples into a pprof Profile with two sample types,
// user and system nanoseconds, one sample per process slot — the
// substrate's answer to a D_PROF profiling device (§SPEC_FULL Domain
// stack: google/pprof).
func Build(samples []Sample) *profile.Profile {
	p := &profile.Profile{
		SampleType: []*profile.ValueType{
			{Type: "user", Unit: "nanoseconds"},
			{Type: "sys", Unit: "nanoseconds"},
		},
		TimeNanos: time.Now().UnixNano(),
	}

	fn := &profile.Function{ID: 1, Name: "process"}
	loc := &profile.Location{ID: 1, Line: []profile.Line{{Function: fn}}}
	p.Function = []*profile.Function{fn}
	p.Location = []*profile.Location{loc}

	for i, s := range samples {
		p.Sample = append(p.Sample, &profile.Sample{
			Location: []*profile.Location{loc},
			Value:    []int64{s.UserNs, s.SysNs},
			Label:    map[string][]string{"slot": {strconv.Itoa(int(s.Slot))}},
			NumLabel: map[string][]int64{"index": {int64(i)}},
		})
	}
	return p
}

// Snapshot collects a Sample from every slot the table still tracks
// with nonzero accounting, reading each process's Accnt under its
// own lock via Accnt.Snapshot; the counters are left as they are.
func Snapshot(procs []*proc.Proc) []Sample {
	out := make([]Sample, 0, len(procs))
	for _, p := range procs {
		if p == nil {
			continue
		}
		u, s := p.Accnt.Snapshot()
		if u == 0 && s == 0 {
			continue
		}
		out = append(out, Sample{Slot: p.Slot, UserNs: u, SysNs: s})
	}
	return out
}

