// Package mem implements the physical memory allocator: a frame
// arena with per-frame atomic refcounts, a home tag (owning node),
// and a share-mask recording which remote nodes hold a copy.
// Adapted from the teacher's mem/mem.go free-list allocator; the
// direct-map (Dmap) indirection through a hardware physical address
// space is replaced by a plain Go slice, since this substrate is
// hosted rather than bare-metal.
package mem

import (
	"fmt"
	"sync"
	"sync/atomic"

	"pios/internal/defs"
)

// Pa_t names a physical frame by its index into the arena. Zero is
// never a valid allocated frame (it is reserved, mirroring the
// teacher's PGSIZE-aligned physical-address-zero convention).
type Pa_t uint32

// ZeroPage is the shared, read-only, all-zero frame every process
// maps before it ever writes. Granting SYS_READ on a previously
// absent range maps this frame (§4.1 setperm).
const ZeroPage Pa_t = 0

// Frame is one page of backing storage plus its COW/sharing metadata.
type Frame struct {
	Data [defs.PageSize]byte

	Refcnt int32 // atomic

	// Home identifies the node that originated this frame. Zero means
	// "owned locally"; nonzero is a remote-ref to the originating
	// node (§3 Page frame).
	Home defs.NodeID

	// ShareMask is OR-only: once a node is recorded as holding a copy
	// it is never cleared, and a frame with any bit set is not returned
	// to the freelist when its last local reference goes
	// (§5 Shared resources — an accepted leak in this design).
	ShareMask uint64

	nexti int32 // freelist link, -1 if none
}

// Arena is the node-local physical frame allocator.
type Arena struct {
	mu     sync.Mutex
	frames []Frame
	freei  int32
}

// NewArena allocates an arena of n frames, all initially free.
// Frame 0 is reserved as the permanent shared zero page.
func NewArena(n int) *Arena {
	if n < 1 {
		n = 1
	}
	a := &Arena{frames: make([]Frame, n)}
	a.frames[0].Refcnt = 1 // the zero page is never freed
	for i := 1; i < n; i++ {
		a.frames[i].nexti = int32(i + 1)
	}
	if n > 1 {
		a.frames[n-1].nexti = -1
		a.freei = 1
	} else {
		a.freei = -1
	}
	return a
}

func (a *Arena) at(p Pa_t) *Frame {
	return &a.frames[p]
}

// AllocZero allocates a frame, zeroes it, and returns it with
// Refcnt == 1. It returns ok=false on exhaustion (ENOMEM at the call
// site, per §7).
func (a *Arena) AllocZero() (Pa_t, bool) {
	p, ok := a.AllocNoZero()
	if !ok {
		return 0, false
	}
	f := a.at(p)
	for i := range f.Data {
		f.Data[i] = 0
	}
	return p, true
}

// AllocNoZero allocates a frame without clearing its contents, for
// callers about to overwrite every byte (e.g. the 4 MB bulk copy).
func (a *Arena) AllocNoZero() (Pa_t, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.freei < 0 {
		return 0, false
	}
	idx := a.freei
	f := &a.frames[idx]
	a.freei = f.nexti
	f.Refcnt = 1
	f.Home = 0
	f.ShareMask = 0
	return Pa_t(idx), true
}

// Refup increments a frame's reference count.
func (a *Arena) Refup(p Pa_t) {
	if p == ZeroPage {
		return
	}
	c := atomic.AddInt32(&a.at(p).Refcnt, 1)
	if c <= 0 {
		panic("mem: refup on dead frame")
	}
}

// Refdown decrements a frame's reference count, freeing it to the
// arena's freelist when it reaches zero. A frame recorded as shared
// with another node (nonzero ShareMask) is never freed. It returns
// true when the frame was freed.
func (a *Arena) Refdown(p Pa_t) bool {
	if p == ZeroPage {
		return false
	}
	f := a.at(p)
	c := atomic.AddInt32(&f.Refcnt, -1)
	if c < 0 {
		panic("mem: refdown underflow")
	}
	if c != 0 {
		return false
	}
	if atomic.LoadUint64(&f.ShareMask) != 0 {
		return false
	}
	a.mu.Lock()
	f.nexti = a.freei
	a.freei = int32(p)
	a.mu.Unlock()
	return true
}

// Refcnt reports a frame's current reference count.
func (a *Arena) Refcnt(p Pa_t) int {
	if p == ZeroPage {
		return 1
	}
	return int(atomic.LoadInt32(&a.at(p).Refcnt))
}

// Bytes returns the backing storage of a frame.
func (a *Arena) Bytes(p Pa_t) *[defs.PageSize]byte {
	return &a.at(p).Data
}

// MarkShared records that node n now holds a copy of frame p
// (§4.6 page pull responder). The mask is OR-only.
func (a *Arena) MarkShared(p Pa_t, n defs.NodeID) {
	if p == ZeroPage || n == 0 {
		return
	}
	f := a.at(p)
	for {
		old := atomic.LoadUint64(&f.ShareMask)
		nw := old | (1 << uint(n))
		if atomic.CompareAndSwapUint64(&f.ShareMask, old, nw) {
			return
		}
	}
}

// Clone allocates a fresh frame and copies src's contents into it,
// the operation the COW fault handler and mergepage perform when a
// shared or zero page must be privatized before writing (§4.1).
func (a *Arena) Clone(src Pa_t) (Pa_t, bool) {
	p, ok := a.AllocNoZero()
	if !ok {
		return 0, false
	}
	*a.at(p) = func() Frame {
		f := *a.at(src)
		f.Refcnt = 1
		f.Home = 0
		f.ShareMask = 0
		return f
	}()
	return p, true
}

// Stats reports free-frame count, for /metrics and diagnostics.
func (a *Arena) Stats() (total, free int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	n := 0
	for i := a.freei; i >= 0; i = a.frames[i].nexti {
		n++
	}
	return len(a.frames), n
}

func (a *Arena) String() string {
	t, f := a.Stats()
	return fmt.Sprintf("arena(%d/%d free)", f, t)
}
