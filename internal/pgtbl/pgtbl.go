// Package pgtbl implements the two-level page-table manager: COW
// fault handling, 4 MB bulk copy, and the byte-level three-way merge
// (§4.1). It is grounded on the teacher's vm/as.go COW fault path
// (Userdmap8_inner's iscow check, the fault-vs-no-fault decision) but
// replaces the hardware PDE/PTE bit-packed cell with the tagged-enum
// view (PteKind) the design notes call for, since this substrate has
// no real MMU to format a 32-bit hardware cell for.
package pgtbl

import (
	"fmt"
	"os"
	"sync"

	"pios/internal/defs"
	"pios/internal/mem"
	"pios/internal/metrics"
)

// PteKind tags what a leaf entry currently maps.
type PteKind int

const (
	Absent PteKind = iota // no mapping at all
	Zero                  // maps the shared read-only zero page
	Local                 // maps a locally-resident frame
	Remote                // maps a frame that lives on another node
)

// Entry is one leaf page-table entry: the hardware-observed bits
// (Present is implicit in Kind != Absent, Writable is HWWritable)
// plus the nominal SYS_READ/SYS_WRITE bits the fault handler
// reconciles against them, plus the REMOTE payload when Kind==Remote.
type Entry struct {
	Kind PteKind

	Frame mem.Pa_t // valid when Kind == Local or Zero

	RemoteNode defs.NodeID // valid when Kind == Remote
	RemoteAddr uint32      // frame-on-that-node, valid when Kind == Remote

	HWWritable   bool
	NominalRead  bool
	NominalWrite bool
}

func (e Entry) present() bool { return e.Kind != Absent }

// sameSnapshot reports whether e is byte-identical to the snapshot
// entry ref — i.e. neither side has touched this page since the
// reference snapshot was taken. Two Local entries referencing the
// same frame are unchanged by definition: COW sharing means a page
// that has not been privatized still points at the very frame the
// snapshot recorded.
func sameSnapshot(e, ref Entry) bool {
	if e.Kind != ref.Kind {
		return e.Kind == Absent && ref.Kind == Zero || e.Kind == Zero && ref.Kind == Absent
	}
	switch e.Kind {
	case Absent:
		return true
	case Zero:
		return true
	case Local:
		return e.Frame == ref.Frame
	case Remote:
		return e.RemoteNode == ref.RemoteNode && e.RemoteAddr == ref.RemoteAddr
	}
	return false
}

// pageTable is the second level: 1024 leaf entries covering one
// PTSize (4 MB) directory slot. It is itself refcounted because a
// 4 MB copy (§4.1 copy) shares the whole table between two
// directories rather than duplicating 1024 individual entries.
type pageTable struct {
	entries [defs.PTSize / defs.PageSize]Entry
	refcnt  int32
}

func newPageTable() *pageTable {
	return &pageTable{refcnt: 1}
}

// clone duplicates pt's entries into a fresh, independently-refcounted
// table. Duplicating an entry doubles the number of distinct Entry
// objects that name its Frame, so every resident frame's own refcount
// must be bumped too — otherwise a later PageFault on either copy
// would see refcnt == 1 and write through a frame the original table
// (or a third directory still sharing it) can still see.
func (pt *pageTable) clone(a *mem.Arena) *pageTable {
	n := &pageTable{refcnt: 1}
	n.entries = pt.entries
	for _, e := range n.entries {
		if e.Kind == Local {
			a.Refup(e.Frame)
		}
	}
	return n
}

// Dir is a page directory: pdir or rpdir of a process (§3 Process).
// Both directories map the kernel identically; this substrate has no
// kernel mappings to carry, so Dir only ever represents the user
// window, addressed by PTSize-aligned slot.
type Dir struct {
	mu    sync.Mutex
	slots [defs.UserHi/defs.PTSize - defs.UserLo/defs.PTSize]*pageTable
}

// NewDir returns an empty page directory (no slots populated).
func NewDir() *Dir {
	return &Dir{}
}

// Snapshot returns a new directory sharing every slot of d (each
// page table's refcount is bumped), for SYS_SNAP (§4.3 PUT step 7):
// "copy child's pdir wholesale into child's rpdir". The snapshot is
// only ever read for merge comparisons, never written through, so
// sharing the tables without demoting them is safe.
func (d *Dir) Snapshot() *Dir {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := &Dir{}
	for i, pt := range d.slots {
		if pt != nil {
			pt.refcnt++
			n.slots[i] = pt
		}
	}
	return n
}

// Each calls fn once per present entry in d, in slot/leaf order. It
// is used by netmig to flatten a process's address space into a
// migration image (§4.6) rather than re-deriving slot/leaf arithmetic
// there.
func (d *Dir) Each(fn func(va uintptr, e Entry)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for si, pt := range d.slots {
		if pt == nil {
			continue
		}
		for li, e := range pt.entries {
			if !e.present() {
				continue
			}
			va := defs.UserLo + uintptr(si)*defs.PTSize + uintptr(li)*defs.PageSize
			fn(va, e)
		}
	}
}

func slotIndex(va uintptr) int {
	return int((va - defs.UserLo) / defs.PTSize)
}

func leafIndex(va uintptr) int {
	return int((va % defs.PTSize) / defs.PageSize)
}

func checkWindow(va uintptr, size uintptr) defs.Err_t {
	if va < defs.UserLo || va+size > defs.UserHi || va+size < va {
		return defs.EFAULT
	}
	return 0
}

// Walk returns a handle to the leaf entry for va, allocating a new
// page table if one is missing and writing is true. If the existing
// page table is shared (refcnt > 1) and writing is true, walk
// privatizes it with a copy-on-write duplication first (§4.1 walk).
func (d *Dir) Walk(a *mem.Arena, va uintptr, writing bool) (*Entry, defs.Err_t) {
	if err := checkWindow(va, defs.PageSize); err != 0 {
		return nil, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	si := slotIndex(va)
	pt := d.slots[si]
	if pt == nil {
		if !writing {
			return nil, defs.EFAULT
		}
		pt = newPageTable()
		d.slots[si] = pt
	} else if writing && pt.refcnt > 1 {
		n := pt.clone(a)
		pt.refcnt--
		pt = n
		d.slots[si] = pt
	}
	return &pt.entries[leafIndex(va)], 0
}

// Insert maps frame at va with perm, evicting any prior mapping and
// taking a reference on frame (§4.1 insert).
func (d *Dir) Insert(a *mem.Arena, frame mem.Pa_t, va uintptr, perm defs.Cmd_t) defs.Err_t {
	e, err := d.Walk(a, va, true)
	if err != 0 {
		return err
	}
	if e.Kind == Local || e.Kind == Zero {
		a.Refdown(e.Frame)
	}
	a.Refup(frame)
	*e = Entry{
		Kind:         Local,
		Frame:        frame,
		HWWritable:   perm.Has(defs.SysWrite),
		NominalRead:  perm.Has(defs.SysRead),
		NominalWrite: perm.Has(defs.SysWrite),
	}
	return 0
}

// Remove unmaps the (4 KB-aligned) range [va, va+size), decrementing
// frame references and dropping whole page tables exactly covered by
// the removed range (§4.1 remove).
func (d *Dir) Remove(a *mem.Arena, va uintptr, size uintptr) defs.Err_t {
	if va%defs.PageSize != 0 || size%defs.PageSize != 0 {
		return defs.EFAULT
	}
	if err := checkWindow(va, size); err != 0 {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	for off := uintptr(0); off < size; off += defs.PageSize {
		v := va + off
		si := slotIndex(v)
		pt := d.slots[si]
		if pt == nil {
			continue
		}
		e := &pt.entries[leafIndex(v)]
		if e.Kind == Local || e.Kind == Zero {
			a.Refdown(e.Frame)
		}
		*e = Entry{}
	}
	// drop whole tables the removed range covers exactly
	for off := uintptr(0); off < size; off += defs.PTSize {
		v := va + off
		if v%defs.PTSize != 0 || v+defs.PTSize > va+size {
			continue
		}
		si := slotIndex(v)
		if pt := d.slots[si]; pt != nil {
			pt.refcnt--
			if pt.refcnt == 0 {
				d.slots[si] = nil
			} else if d.slots[si] == pt {
				// still shared elsewhere; this directory simply
				// drops its reference to the slot.
				d.slots[si] = nil
			}
		}
	}
	return 0
}

// Copy implements the 4 MB-aligned COW bulk copy (§4.1 copy): source
// and destination directory slots end up pointing at the very same
// page-table object, refcounted, with hardware-writable cleared on
// every entry (clearing the shared object clears it for both
// directories at once) while nominal SYS_WRITE is preserved so a
// later write through either side is intercepted by PageFault.
func Copy(spdir *Dir, sva uintptr, dpdir *Dir, dva uintptr, size uintptr) defs.Err_t {
	if sva%defs.PTSize != 0 || dva%defs.PTSize != 0 || size%defs.PTSize != 0 {
		return defs.EFAULT
	}
	if err := checkWindow(sva, size); err != 0 {
		return err
	}
	if err := checkWindow(dva, size); err != 0 {
		return err
	}
	spdir.mu.Lock()
	if spdir != dpdir {
		dpdir.mu.Lock()
	}
	defer spdir.mu.Unlock()
	if spdir != dpdir {
		defer dpdir.mu.Unlock()
	}
	copyLocked(spdir, sva, dpdir, dva, size)
	return 0
}

// copyLocked performs the slot-sharing bulk copy assuming the caller
// already holds whatever locks on spdir/dpdir are needed; it exists
// so Merge (which must hold its own directories locked for the whole
// three-way comparison) can reuse the COW-copy step without
// recursively re-locking a non-reentrant mutex.
func copyLocked(spdir *Dir, sva uintptr, dpdir *Dir, dva uintptr, size uintptr) {
	for off := uintptr(0); off < size; off += defs.PTSize {
		ssi := slotIndex(sva + off)
		dsi := slotIndex(dva + off)
		pt := spdir.slots[ssi]
		if pt == nil {
			pt = newPageTable()
			spdir.slots[ssi] = pt
		}
		if old := dpdir.slots[dsi]; old != nil && old != pt {
			old.refcnt--
		}
		dpdir.slots[dsi] = pt
		pt.refcnt++
		for i := range pt.entries {
			pt.entries[i].HWWritable = false
		}
	}
}

// SetPerm sets nominal permissions on each page in [va, va+size).
// Granting SYS_READ on an absent page maps the shared zero page
// read-only; granting SYS_WRITE merely records the nominal bit — the
// actual zero-copy is deferred to PageFault (§4.1 setperm).
func (d *Dir) SetPerm(a *mem.Arena, va uintptr, size uintptr, perm defs.Cmd_t) defs.Err_t {
	if va%defs.PageSize != 0 || size%defs.PageSize != 0 {
		return defs.EFAULT
	}
	for off := uintptr(0); off < size; off += defs.PageSize {
		e, err := d.Walk(a, va+off, true)
		if err != 0 {
			return err
		}
		if e.Kind == Absent && perm.Has(defs.SysRead) {
			e.Kind = Zero
			e.Frame = mem.ZeroPage
			e.HWWritable = false
		}
		e.NominalRead = perm.Has(defs.SysRead)
		e.NominalWrite = perm.Has(defs.SysWrite)
		if !perm.Has(defs.SysWrite) {
			e.HWWritable = false
		}
	}
	return 0
}

// PageFault handles a write trap against fva (§4.1 pagefault). If the
// page's nominal SYS_WRITE is set and either the frame is shared
// (refcnt > 1) or it is the zero page, a fresh private frame is
// allocated, the old contents copied in, and the mapping is made
// hardware-writable. Otherwise the fault is reflected to the caller.
func (d *Dir) PageFault(a *mem.Arena, fva uintptr) defs.Err_t {
	if _, err := d.Walk(a, fva, false); err != 0 {
		return defs.EFAULT
	}
	// Walk again for writing, so a page table still shared with another
	// directory is privatized before this entry is rewritten.
	e, err := d.Walk(a, fva, true)
	if err != 0 || e == nil {
		return defs.EFAULT
	}
	if !e.NominalWrite {
		return defs.EFAULT
	}
	if e.Kind == Remote {
		// the caller must pull this page before it can fault it in;
		// reflected as EFAULT so the trap layer can drive a pull.
		return defs.EFAULT
	}
	needsCOW := e.Kind == Zero || (e.Kind == Local && a.Refcnt(e.Frame) > 1)
	if !needsCOW {
		e.HWWritable = true
		return 0
	}
	metrics.COWFaults.Inc()
	var newf mem.Pa_t
	var ok bool
	if e.Kind == Zero {
		newf, ok = a.AllocZero()
	} else {
		newf, ok = a.Clone(e.Frame)
	}
	if !ok {
		return defs.ENOMEM
	}
	if e.Kind == Local {
		a.Refdown(e.Frame)
	}
	e.Kind = Local
	e.Frame = newf
	e.HWWritable = true
	return 0
}

// Merge performs the 4 MB-granularity three-way merge of
// [sva, sva+size) in spdir and [dva, dva+size) in dpdir, using rpdir
// as the common ancestor snapshot (§4.1 merge). It reports whether
// any conflict was found; conflicts are resolved by clearing the
// destination mapping, never by crashing or silently picking a side.
func Merge(a *mem.Arena, rpdir *Dir, spdir *Dir, sva uintptr, dpdir *Dir, dva uintptr, size uintptr) (conflict bool, err defs.Err_t) {
	if sva%defs.PTSize != 0 || dva%defs.PTSize != 0 || size%defs.PTSize != 0 {
		return false, defs.EFAULT
	}
	rpdir.mu.Lock()
	defer rpdir.mu.Unlock()
	if spdir != rpdir {
		spdir.mu.Lock()
		defer spdir.mu.Unlock()
	}
	if dpdir != rpdir && dpdir != spdir {
		dpdir.mu.Lock()
		defer dpdir.mu.Unlock()
	}
	for off := uintptr(0); off < size; off += defs.PTSize {
		ssi := slotIndex(sva + off)
		dsi := slotIndex(dva + off)
		rsi := slotIndex(sva + off) // rpdir shares the source's slot numbering
		rpt := rpdir.slots[rsi]
		spt := spdir.slots[ssi]
		dpt := dpdir.slots[dsi]

		if spt == rpt {
			continue // source unchanged since snapshot
		}
		if dpt == rpt {
			// destination unchanged: COW-copy source wholesale.
			copyLocked(spdir, sva+off, dpdir, dva+off, defs.PTSize)
			continue
		}
		// both sides touched this slot: walk leaf by leaf.
		if spt == nil {
			spt = newPageTable()
		}
		if dpt == nil {
			dpt = newPageTable()
			dpdir.slots[dsi] = dpt
		}
		var refEntries [defs.PTSize / defs.PageSize]Entry
		if rpt != nil {
			refEntries = rpt.entries
		}
		for i := range dpt.entries {
			se := spt.entries[i]
			de := &dpt.entries[i]
			re := refEntries[i]
			if sameSnapshot(se, re) {
				continue // source side unchanged at this page
			}
			if sameSnapshot(*de, re) {
				// destination unchanged: take source's mapping.
				if de.Kind == Local || de.Kind == Zero {
					a.Refdown(de.Frame)
				}
				*de = se
				if de.Kind == Local {
					a.Refup(de.Frame)
				}
				de.HWWritable = false
				continue
			}
			c, merr := mergePage(a, re, se, de)
			if merr != 0 {
				return conflict, merr
			}
			conflict = conflict || c
		}
	}
	return conflict, 0
}

// mergePage performs the byte-wise three-way merge of a single page
// (§4.1 mergepage). The destination is cloned first if it is shared
// or the zero page, since the merge writes directly into it.
func mergePage(a *mem.Arena, ref, src Entry, dst *Entry) (conflict bool, err defs.Err_t) {
	needsCOW := dst.Kind == Zero || (dst.Kind == Local && a.Refcnt(dst.Frame) > 1)
	if needsCOW {
		var newf mem.Pa_t
		var ok bool
		if dst.Kind == Zero {
			newf, ok = a.AllocZero()
		} else {
			newf, ok = a.Clone(dst.Frame)
		}
		if !ok {
			return false, defs.ENOMEM
		}
		if dst.Kind == Local {
			a.Refdown(dst.Frame)
		}
		dst.Kind = Local
		dst.Frame = newf
	}
	if dst.Kind != Local {
		return false, 0 // nothing to merge against an absent/remote dest
	}
	dstBytes := a.Bytes(dst.Frame)

	srcBytes := pageBytes(a, src)
	refBytes := pageBytes(a, ref)

	for b := 0; b < defs.PageSize; b++ {
		sb, db, rb := srcBytes[b], dstBytes[b], refBytes[b]
		switch {
		case sb == rb:
			// source side unchanged this byte; destination's value stands.
		case db == rb:
			dstBytes[b] = sb
		case sb == db:
			// both sides made the same change; no-op.
		default:
			metrics.MergeConflicts.Inc()
			fmt.Fprintf(os.Stderr, "pgtbl: merge conflict at byte %d\n", b)
			*dst = Entry{Kind: Zero, Frame: mem.ZeroPage}
			dst.HWWritable = false
			return true, 0
		}
	}
	dst.HWWritable = false
	return false, 0
}

var zeroPageBytes [defs.PageSize]byte

func pageBytes(a *mem.Arena, e Entry) []byte {
	switch e.Kind {
	case Local, Zero:
		b := a.Bytes(e.Frame)
		return b[:]
	default:
		return zeroPageBytes[:]
	}
}

// RawCopy copies size bytes from sva in sdir to dva in ddir, a page
// at a time. It is used by the rendezvous COPY memory operation for
// ranges that are not 4 MB-aligned and therefore cannot use the
// cheap whole-table Copy; fork's full-window PUT always is aligned
// and goes through Copy instead.
func RawCopy(a *mem.Arena, sdir *Dir, sva uintptr, ddir *Dir, dva uintptr, size uintptr) defs.Err_t {
	if err := checkWindow(sva, size); err != 0 {
		return err
	}
	if err := checkWindow(dva, size); err != 0 {
		return err
	}
	for off := uintptr(0); off < size; off += defs.PageSize {
		n := defs.PageSize
		if rem := size - off; rem < uintptr(n) {
			n = int(rem)
		}
		se, _ := sdir.Walk(a, sva+off, false)
		var sb []byte
		if se != nil {
			sb = pageBytes(a, *se)
		} else {
			sb = zeroPageBytes[:]
		}
		de, err := ddir.Walk(a, dva+off, true)
		if err != 0 {
			return err
		}
		if err := ensureWritable(a, de); err != 0 {
			return err
		}
		db := a.Bytes(de.Frame)
		copy(db[:n], sb[:n])
	}
	return 0
}

// ZeroRange overwrites size bytes starting at dva with zero,
// privatizing shared pages as it goes (§4.3 PUT memory op ZERO).
func ZeroRange(a *mem.Arena, ddir *Dir, dva uintptr, size uintptr) defs.Err_t {
	if err := checkWindow(dva, size); err != 0 {
		return err
	}
	for off := uintptr(0); off < size; off += defs.PageSize {
		n := defs.PageSize
		if rem := size - off; rem < uintptr(n) {
			n = int(rem)
		}
		de, err := ddir.Walk(a, dva+off, true)
		if err != 0 {
			return err
		}
		if err := ensureWritable(a, de); err != 0 {
			return err
		}
		db := a.Bytes(de.Frame)
		for i := 0; i < n; i++ {
			db[i] = 0
		}
	}
	return 0
}

// ensureWritable privatizes e's frame if it is absent/zero/shared,
// giving the caller a frame it may write into directly rather than
// through PageFault's trap path.
func ensureWritable(a *mem.Arena, e *Entry) defs.Err_t {
	if e.Kind == Local && a.Refcnt(e.Frame) == 1 {
		e.HWWritable = true
		e.NominalRead, e.NominalWrite = true, true
		return 0
	}
	var newf mem.Pa_t
	var ok bool
	switch e.Kind {
	case Zero:
		newf, ok = a.AllocZero()
	case Local: // shared, refcnt > 1
		newf, ok = a.Clone(e.Frame)
	default: // Absent or Remote: start from zero
		newf, ok = a.AllocZero()
	}
	if !ok {
		return defs.ENOMEM
	}
	if e.Kind == Local || e.Kind == Zero {
		a.Refdown(e.Frame)
	}
	e.Kind = Local
	e.Frame = newf
	e.HWWritable = true
	e.NominalRead, e.NominalWrite = true, true
	return 0
}
