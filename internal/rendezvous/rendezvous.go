// Package rendezvous implements the three syscalls that are the only
// cross-process data path in the system: PUT, GET, and RET (§4.3).
// Each composes register, memory, permission and snapshot operations
// atomically with respect to the child's execution. It is grounded on
// the teacher's vm.Userdmap8_inner fault-or-not decision and the
// defs-style co-located command-word bit layout (§6).
package rendezvous

import (
	"pios/internal/defs"
	"pios/internal/pgtbl"
	"pios/internal/proc"
)

// Request describes one PUT/GET/RET invocation (§4.3 "arguments are
// carried in registers").
type Request struct {
	Cmd    defs.Cmd_t
	Child  defs.Slot
	Regs   *proc.Regs_t // nil unless FRegs is set
	SrcVA  uintptr
	DstVA  uintptr
	Size   uintptr
}

// locateChild finds or allocates the target child slot of parent,
// per §4.3 PUT step 1.
func locateChild(t *proc.Table, parent *proc.Proc, slot defs.Slot) (*proc.Proc, defs.Err_t) {
	if slot < 0 || int(slot) >= len(parent.Children) {
		return nil, defs.ECHILD
	}
	c := parent.Children[slot]
	if c == nil {
		nc, err := t.Alloc()
		if err != 0 {
			return nil, err
		}
		nc.Parent = parent
		// a never-started child is vacuously STOP: nothing is running
		// in it yet, so the first PUT must not block waiting for a
		// RET that can never come (§3 "a child slot is FREE until
		// fork ... the child becomes STOP until started").
		nc.SetState(proc.Stop)
		parent.Children[slot] = nc
		c = nc
	}
	return c, 0
}

// Put executes the PUT syscall: parent -> child register/memory/perm
// transfer, optional reference snapshot, optional start (§4.3 PUT).
// No partial effects are visible on failure (Testable Property 5):
// every validation happens before any mutation.
func Put(t *proc.Table, parent *proc.Proc, req Request) defs.Err_t {
	if err := validate(req); err != 0 {
		return err
	}
	if req.Cmd.Has(defs.FRegs) {
		if req.Regs == nil {
			return defs.EINVAL
		}
	}
	if req.Cmd.MemOp() == defs.MMerge {
		return defs.EINVAL
	}

	child, err := locateChild(t, parent, req.Child)
	if err != 0 {
		return err
	}
	child.WaitStop()

	switch req.Cmd.MemOp() {
	case defs.MNone:
	case defs.MCopy:
		if err := doCopy(t, parent.Pdir, req.SrcVA, child.Pdir, req.DstVA, req.Size); err != 0 {
			return err
		}
	case defs.MZero:
		if err := pgtbl.ZeroRange(t.Arena, child.Pdir, req.DstVA, req.Size); err != 0 {
			return err
		}
	default:
		return defs.EINVAL
	}

	// nothing mutated yet except memory; commit register/perm/snap/start.
	if req.Cmd.Has(defs.FRegs) {
		child.Regs = *req.Regs
	}
	if req.Cmd.Has(defs.FPerm) {
		if err := child.Pdir.SetPerm(t.Arena, req.DstVA, req.Size, req.Cmd.Perm()); err != 0 {
			return err
		}
	}
	if req.Cmd.Has(defs.FSnap) {
		child.Rpdir = child.Pdir.Snapshot()
	}
	if req.Cmd.Has(defs.FStart) {
		t.Ready(child)
	}
	return 0
}

// Get executes the GET syscall: child -> parent transfer, with MERGE
// using the child's rpdir as the three-way-merge snapshot (§4.3 GET).
// SNAP is rejected on GET.
func Get(t *proc.Table, parent *proc.Proc, req Request) (conflict bool, err defs.Err_t) {
	if req.Cmd.Has(defs.FSnap) {
		return false, defs.EINVAL
	}
	child, err := locateChild(t, parent, req.Child)
	if err != 0 {
		return false, err
	}
	child.WaitStop()

	if err := validate(req); err != 0 {
		return false, err
	}

	switch req.Cmd.MemOp() {
	case defs.MNone:
	case defs.MCopy:
		if err := doCopy(t, child.Pdir, req.SrcVA, parent.Pdir, req.DstVA, req.Size); err != 0 {
			return false, err
		}
	case defs.MMerge:
		c, err := pgtbl.Merge(t.Arena, child.Rpdir, child.Pdir, req.SrcVA, parent.Pdir, req.DstVA, req.Size)
		if err != 0 {
			return false, err
		}
		conflict = c
	default:
		return false, defs.EINVAL
	}

	if req.Cmd.Has(defs.FRegs) {
		if req.Regs == nil {
			return conflict, defs.EINVAL
		}
		*req.Regs = child.Regs
	}
	if req.Cmd.Has(defs.FPerm) {
		if err := parent.Pdir.SetPerm(t.Arena, req.DstVA, req.Size, req.Cmd.Perm()); err != 0 {
			return conflict, err
		}
	}
	return conflict, 0
}

// Ret executes the RET syscall: the caller suspends in STOP and, if
// its parent is waiting on it, wakes that parent (§4.3 RET).
func Ret(t *proc.Table, self *proc.Proc) {
	self.SetState(proc.Stop)
}

// validate checks addresses and alignment before any PUT/GET memory
// operation takes effect, so rejection never leaves partial state
// (§4.3 step 4, §7 "Address misalignment / out-of-window").
func validate(req Request) defs.Err_t {
	if req.Size == 0 {
		return 0
	}
	if req.SrcVA%defs.PageSize != 0 || req.DstVA%defs.PageSize != 0 || req.Size%defs.PageSize != 0 {
		return defs.EFAULT
	}
	if req.SrcVA < defs.UserLo || req.SrcVA+req.Size > defs.UserHi {
		return defs.EFAULT
	}
	if req.DstVA < defs.UserLo || req.DstVA+req.Size > defs.UserHi {
		return defs.EFAULT
	}
	return 0
}

func doCopy(t *proc.Table, sdir *pgtbl.Dir, sva uintptr, ddir *pgtbl.Dir, dva uintptr, size uintptr) defs.Err_t {
	if size%defs.PTSize == 0 && sva%defs.PTSize == 0 && dva%defs.PTSize == 0 {
		return pgtbl.Copy(sdir, sva, ddir, dva, size)
	}
	return pgtbl.RawCopy(t.Arena, sdir, sva, ddir, dva, size)
}
