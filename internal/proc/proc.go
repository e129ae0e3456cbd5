// Package proc implements the process table and the cooperative,
// single-ready-queue scheduler (§4.2). The teacher's own proc package
// was present but empty in the retrieval pack; this is built fresh in
// the teacher's idiom, drawing the accounting and register-capture
// conventions from accnt/accnt.go and tinfo/tinfo.go (embedded mutex,
// Capitalized exported fields, a lock-guarded snapshot method) and
// the COW/snapshot plumbing from pgtbl and mem.
package proc

import (
	"sync"

	"pios/internal/defs"
	"pios/internal/mem"
	"pios/internal/metrics"
	"pios/internal/pgtbl"
)

// State is one of the nine states a process slot may be in (§3 Process).
type State int

const (
	Free State = iota
	Reserved
	Stop
	Ready
	Run
	Wait
	Migr
	Away
	Pull
)

func (s State) String() string {
	switch s {
	case Free:
		return "FREE"
	case Reserved:
		return "RESERVED"
	case Stop:
		return "STOP"
	case Ready:
		return "READY"
	case Run:
		return "RUN"
	case Wait:
		return "WAIT"
	case Migr:
		return "MIGR"
	case Away:
		return "AWAY"
	case Pull:
		return "PULL"
	default:
		return "?"
	}
}

// Regs_t is the saved register file captured by proc_save / restored
// on dispatch. Only the fields the rendezvous and fork/wait layers
// actually touch are modeled; a real implementation would carry the
// full trap frame.
type Regs_t struct {
	IP, SP, A0, A1, A2, A3 uint64
}

// Home identifies where a process originated: its node and its slot
// number there (§3 Process home tag, §GLOSSARY Home). It is the
// stable identity migration routes replies by.
type Home struct {
	Node defs.NodeID
	Slot defs.Slot
}

// Accnt accumulates per-process CPU-time accounting, adapted from
// accnt.Accnt_t: user/system nanosecond counters behind one mutex so
// a consistent snapshot can be exported to internal/prof.
type Accnt struct {
	mu      sync.Mutex
	UserNs  int64
	SysNs   int64
}

// Add merges another process's usage into this one (accnt.Add).
func (a *Accnt) Add(n *Accnt) {
	n.mu.Lock()
	u, s := n.UserNs, n.SysNs
	n.mu.Unlock()
	a.mu.Lock()
	a.UserNs += u
	a.SysNs += s
	a.mu.Unlock()
}

// Snapshot returns a consistent (userNs, sysNs) pair.
func (a *Accnt) Snapshot() (int64, int64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.UserNs, a.SysNs
}

// Proc is one process table slot (§3 Process).
type Proc struct {
	mu sync.Mutex

	Slot  defs.Slot
	State State

	Regs Regs_t

	Pdir  *pgtbl.Dir // current mappings
	Rpdir *pgtbl.Dir // reference snapshot taken at last SYS_SNAP

	Parent   *Proc
	Children [defs.MaxChildren]*Proc

	Home Home

	// Migration/pull linkage (§4.6).
	MigrDest  defs.NodeID
	PullState *PullState

	Accnt Accnt

	// stopCh wakes a caller blocked in WaitStop (GET/PUT, or a
	// parent's wait) when this process becomes STOP.
	stopCh chan struct{}
}

// PullState tracks an in-progress page pull for a process whose page
// directory (or a page/table within it) lives on another node
// (§4.6 Page pull).
type PullState struct {
	Rr       RemoteRef
	Pglev    int // 0 = page, 1 = page table, 2 = page directory
	Arrived  uint8
	Buf      []byte
}

// RemoteRef is the (node, address, rw) capability packed into remote
// page-table entries and pull-reply payloads (§3 Remote reference,
// §GLOSSARY RR).
type RemoteRef struct {
	Node defs.NodeID
	Addr uint32
	RW   defs.Cmd_t
}

// NewProc allocates a fresh, empty process in state Free.
func NewProc(slot defs.Slot) *Proc {
	return &Proc{
		Slot:   slot,
		State:  Free,
		Pdir:   pgtbl.NewDir(),
		Rpdir:  pgtbl.NewDir(),
		stopCh: make(chan struct{}, 1),
	}
}

// SetState transitions p to s under its lock.
func (p *Proc) SetState(s State) {
	p.mu.Lock()
	p.State = s
	p.mu.Unlock()
	if s == Stop {
		select {
		case p.stopCh <- struct{}{}:
		default:
		}
	}
}

// GetState reads p's current state.
func (p *Proc) GetState() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.State
}

// WaitStop blocks the caller's goroutine until p reaches STOP. This
// is the hosted stand-in for "block parent until child becomes STOP"
// (§4.3 PUT step 2); a bare-metal kernel would put the calling
// process on a wait queue and reschedule instead of blocking a
// goroutine, but the observable semantics — the caller makes no
// forward progress until the child stops — are identical.
func (p *Proc) WaitStop() {
	for p.GetState() != Stop {
		<-p.stopCh
	}
}

// Table is the process table: a flat slot array plus the single
// FIFO ready queue the cooperative scheduler drains (§4.2).
type Table struct {
	mu    sync.Mutex
	slots []*Proc
	ready chan *Proc
	Arena *mem.Arena
}

// NewTable allocates a table with n slots (slot 0 is the always-
// reserved exec target, §4.7) backed by a frame arena of the given
// size.
func NewTable(n int, frames int) *Table {
	t := &Table{
		slots: make([]*Proc, n),
		ready: make(chan *Proc, n),
		Arena: mem.NewArena(frames),
	}
	for i := range t.slots {
		t.slots[i] = NewProc(defs.Slot(i))
	}
	t.slots[0].State = Reserved
	return t
}

// Procs returns a snapshot slice of every slot in the table, for
// callers (accounting export, migration home-address resolution)
// that need to scan the whole table rather than one slot at a time.
func (t *Table) Procs() []*Proc {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*Proc, len(t.slots))
	copy(out, t.slots)
	return out
}

// Alloc finds a FREE slot, marks it RESERVED, and returns it. It
// returns EAGAIN (§4.4 step 1) if none exists.
func (t *Table) Alloc() (*Proc, defs.Err_t) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, p := range t.slots {
		if p.GetState() == Free {
			p.SetState(Reserved)
			return p, 0
		}
	}
	return nil, defs.EAGAIN
}

// Free returns a slot to FREE, tearing down its address space.
func (t *Table) Free(p *Proc) {
	p.Pdir = pgtbl.NewDir()
	p.Rpdir = pgtbl.NewDir()
	p.Parent = nil
	p.Children = [defs.MaxChildren]*Proc{}
	p.SetState(Free)
}

// Ready enqueues p onto the FIFO ready queue and marks it READY
// (RESERVED/STOP -> READY, §4.2 state diagram).
func (t *Table) Ready(p *Proc) {
	p.SetState(Ready)
	t.ready <- p
	metrics.ReadyQueueDepth.Set(float64(len(t.ready)))
}

// Sched dequeues the next ready process and marks it RUN
// (READY -> RUN). It blocks if the ready queue is empty, mirroring
// the scheduler's idle wait (§5 Suspension points).
func (t *Table) Sched() *Proc {
	p := <-t.ready
	metrics.ReadyQueueDepth.Set(float64(len(t.ready)))
	p.SetState(Run)
	return p
}

// Yield re-enqueues p at the tail of the ready queue on a timer
// interrupt (RUN -> READY, §4.2).
func (t *Table) Yield(p *Proc) {
	t.Ready(p)
}
