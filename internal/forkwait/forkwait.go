// Package forkwait implements the user-level fork/wait runtime that
// every process is built from (§4.4): fork is PUT with FRegs|FStart
// and a bulk memory copy; wait loops GET-ing a stopped child's state,
// reconciling file state, and either RET-sleeping or restarting the
// child. It is grounded on the teacher's proc package being empty in
// the retrieval pack (built fresh here, composing rendezvous and fs
// rather than adapting teacher source) and on sys_fork/sys_wait's
// control flow as described by defs/syscall.go's command-word shape.
package forkwait

import (
	"pios/internal/defs"
	"pios/internal/fs"
	"pios/internal/proc"
	"pios/internal/rendezvous"
)

// Runtime bundles a node's process table with the per-process file
// state each slot carries, since FileState is not itself addressed
// through pgtbl (the teacher's model keeps it as a fixed-address page
// region, but nothing in this substrate's syscalls touches bytes of
// it directly; every access goes through Reconcile).
type Runtime struct {
	Table *proc.Table
	files map[defs.Slot]*fs.FileState
}

// NewRuntime wraps an already-constructed process table.
func NewRuntime(t *proc.Table) *Runtime {
	return &Runtime{Table: t, files: make(map[defs.Slot]*fs.FileState)}
}

// FileState returns the file-state region of the process at slot,
// creating a fresh root one (console + root dir, no parent) if the
// slot has never forked a child before.
func (r *Runtime) FileState(slot defs.Slot) *fs.FileState {
	fst, ok := r.files[slot]
	if !ok {
		fst = fs.NewRoot()
		r.files[slot] = fst
	}
	return fst
}

// Fork implements §4.4's fork(): parent PUTs its full address window
// and current registers into a (possibly new) child slot and starts
// it, after initializing the child's file-state fork copy.
func (r *Runtime) Fork(parent *proc.Proc, child defs.Slot, entry proc.Regs_t) defs.Err_t {
	pfst := r.FileState(parent.Slot)
	r.files[child] = fs.Fork(pfst)

	req := rendezvous.Request{
		Cmd:   defs.TPUT | defs.MCopy | defs.FRegs | defs.FStart,
		Child: child,
		Regs:  &entry,
		SrcVA: defs.UserLo,
		DstVA: defs.UserLo,
		Size:  defs.UserHi - defs.UserLo,
	}
	return rendezvous.Put(r.Table, parent, req)
}

// Wait implements §4.4's wait(): pull the child's registers and
// file-state delta with GET/MERGE and reconcile. If the child has
// exited it reports that. If reconciliation moved nothing it restarts
// the child, sleeps until its next stop and repeats; otherwise it
// restarts the child and returns with exited == false.
func (r *Runtime) Wait(parent *proc.Proc, child defs.Slot) (exited bool, status int, conflict bool, err defs.Err_t) {
	c := parent.Children[child]
	if c == nil {
		return false, 0, false, defs.ECHILD
	}

	var regs proc.Regs_t
	getReq := rendezvous.Request{
		Cmd:   defs.TGET | defs.MMerge | defs.FRegs,
		Child: child,
		Regs:  &regs,
		SrcVA: defs.UserLo,
		DstVA: defs.UserLo,
		Size:  defs.UserHi - defs.UserLo,
	}
	conflict, err = rendezvous.Get(r.Table, parent, getReq)
	if err != 0 {
		return false, 0, false, err
	}

	cfst := r.files[child]
	pfst := r.FileState(parent.Slot)
	didio := fs.Reconcile(pfst, cfst)

	if cfst.Exited {
		delete(r.files, child)
		return true, cfst.Status, conflict, 0
	}

	if !didio {
		// Nothing moved: RET-sleep by blocking on the child's next
		// stop rather than spinning (§4.4 step 8, §5 suspension
		// points). The child is already STOP from WaitStop inside
		// Get; restart it and wait for it to stop again.
		rendezvous.Put(r.Table, parent, rendezvous.Request{
			Cmd:   defs.TPUT | defs.MNone | defs.FStart,
			Child: child,
		})
		c.WaitStop()
		return r.Wait(parent, child)
	}

	rendezvous.Put(r.Table, parent, rendezvous.Request{
		Cmd:   defs.TPUT | defs.MNone | defs.FStart,
		Child: child,
	})
	return false, 0, conflict, 0
}

// Exit marks self's file-state as exited with status, for its parent
// to observe on the next wait (§4.4 "exit sets Exited/Status").
func (r *Runtime) Exit(self *proc.Proc, status int) {
	fst := r.FileState(self.Slot)
	fst.Exited = true
	fst.Status = status
}
