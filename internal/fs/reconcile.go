package fs

import (
	"bytes"

	"golang.org/x/text/unicode/norm"

	"pios/internal/defs"
	"pios/internal/util"
)

// identityIno reports whether ino is one of the fixed inodes that are
// the same object on both sides of every sync by construction, rather
// than by rino bookkeeping (§6 Inode numbering: console-in, console-
// out, root directory).
func identityIno(ino int) bool {
	return ino == defs.InoConsoleIn || ino == defs.InoConsoleOut || ino == defs.InoRoot
}

// Reconcile performs the three-way file-state merge of §4.5 on wake:
// parent and child are the two live FileState regions (the parent's
// own, and the scratch copy GET just pulled out of the child). It
// mutates both in place and reports whether it changed anything on
// either side (an adopted or exported inode, copied or merged data,
// or conflict flags), the didio flag that decides whether wait puts
// the parent back to sleep (§4.4 step 8).
func Reconcile(parent, child *FileState) (didio bool) {
	p2c, c2p := buildMaps(parent, child)

	// Child-side pass (§4.5 step 2): any inode the child created since
	// fork (rino == 0, not identity-mapped) is new to the parent.
	for i, in := range child.Inodes {
		if !in.live() || identityIno(i) {
			continue
		}
		if _, known := c2p[i]; known {
			continue
		}
		if in.Rino != 0 {
			continue // sanity: claims a parent mapping we didn't find; skip it (§7 invalid mapping state)
		}
		pino, err := parent.AllocInode()
		if err != 0 {
			continue // no room to adopt; leave orphaned in the child, matches ENOMEM at allocation time
		}
		parent.Inodes[pino] = &Inode{Name: in.Name, ParentIno: remapParent(in.ParentIno, c2p), Mode: in.Mode}
		c2p[i] = pino
		p2c[pino] = i
		in.Rino = pino
		didio = true
	}

	// Parent-side pass (§4.5 step 3): symmetric export of inodes the
	// parent allocated that the child has never seen.
	for i, in := range parent.Inodes {
		if !in.live() || identityIno(i) {
			continue
		}
		if _, known := p2c[i]; known {
			continue
		}
		cino, err := child.AllocInode()
		if err != 0 {
			continue
		}
		child.Inodes[cino] = &Inode{Name: in.Name, ParentIno: remapParent(in.ParentIno, p2c), Mode: in.Mode, Rino: i}
		p2c[i] = cino
		c2p[cino] = i
		didio = true
	}

	// Per-pair reconcile (§4.5 step 4): walk every mapped pair,
	// including the three identity-mapped inodes.
	for pino, cino := range p2c {
		if p2c[pino] != cino {
			continue
		}
		pin, cin := parent.Inodes[pino], child.Inodes[cino]
		if !pin.live() || !cin.live() {
			continue
		}
		if reconcilePair(pin, cin) {
			didio = true
		}
	}
	return didio
}

// buildMaps constructs the parent<->child inode-number correspondence
// from the rino bookkeeping plus the three fixed identity inodes
// (§4.5 step 1).
func buildMaps(parent, child *FileState) (p2c, c2p map[int]int) {
	p2c = map[int]int{defs.InoConsoleIn: defs.InoConsoleIn, defs.InoConsoleOut: defs.InoConsoleOut, defs.InoRoot: defs.InoRoot}
	c2p = map[int]int{defs.InoConsoleIn: defs.InoConsoleIn, defs.InoConsoleOut: defs.InoConsoleOut, defs.InoRoot: defs.InoRoot}
	for i, in := range child.Inodes {
		if !in.live() || identityIno(i) {
			continue
		}
		if in.Rino <= 0 || in.Rino >= len(parent.Inodes) || !parent.Inodes[in.Rino].live() {
			continue // §7 invalid mapping state: skip, let the child-side pass re-adopt it
		}
		c2p[i] = in.Rino
		p2c[in.Rino] = i
	}
	return p2c, c2p
}

func remapParent(oldParentIno int, table map[int]int) int {
	if identityIno(oldParentIno) {
		return oldParentIno
	}
	if v, ok := table[oldParentIno]; ok {
		return v
	}
	return oldParentIno
}

// reconcilePair applies the four-way branch of §4.5 step 4 to one
// matched (parent, child) inode pair and reports whether it did I/O.
func reconcilePair(pin, cin *Inode) (didio bool) {
	if pin.Ring != nil || cin.Ring != nil {
		return reconcileConsole(pin, cin)
	}

	pChanged := pin.Ver != pin.Rver
	cChanged := cin.Ver != cin.Rver

	switch {
	case !pChanged && !cChanged:
		return false

	case pChanged && !cChanged:
		copyInto(cin, pin)
		return true

	case !pChanged && cChanged:
		copyInto(pin, cin)
		return true

	default: // both changed: append-append merge, or conflict
		if namesConflict(pin.Name, cin.Name) {
			markConflict(pin, cin)
			return true
		}
		merged, overflow, ok := mergeAppends(pin, cin)
		if !ok {
			markConflict(pin, cin)
			return true
		}
		pin.Data, cin.Data = merged, append([]byte(nil), merged...)
		pin.Size, cin.Size = len(merged), len(merged)
		pin.Ver++
		cin.Ver = pin.Ver
		pin.Rver, cin.Rver = pin.Ver, pin.Ver
		pin.Rlen, cin.Rlen = pin.Size, cin.Size
		if overflow {
			pin.Mode |= ModePartial
			cin.Mode |= ModePartial
		}
		return true
	}
}

// reconcileConsole merges the two sides of console-out. Unlike a
// regular file, a shared-prefix check against Rlen is meaningless
// once the ring has evicted its tail, so console output is merged
// unconditionally: whichever bytes either side wrote since the last
// sync are appended to the other side's ring, after that side's own
// new bytes. This never conflicts — a console is an append-only device
// by nature, not a versioned object two writers can disagree about.
func reconcileConsole(pin, cin *Inode) (didio bool) {
	pNew := pin.Ring.ReadRange(pin.Rlen, pin.Ring.Size())
	cNew := cin.Ring.ReadRange(cin.Rlen, cin.Ring.Size())
	if len(pNew) == 0 && len(cNew) == 0 {
		return false
	}
	// Each side appends the other's new bytes after its own: the two
	// rings end up holding the same bytes in a different relative
	// order rather than byte-identical content, which is acceptable
	// for a console and would not be for a regular file.
	pin.Ring.Append(cNew)
	cin.Ring.Append(pNew)
	pin.Size, cin.Size = pin.Ring.Size(), cin.Ring.Size()
	pin.Ver++
	cin.Ver = pin.Ver
	pin.Rver, cin.Rver = pin.Ver, pin.Ver
	pin.Rlen, cin.Rlen = pin.Ring.Size(), cin.Ring.Size()
	return true
}

// copyInto bulk-copies src's content into dst (the one-sided-change
// branch of §4.5 step 4) and refreshes dst's reference snapshot,
// preserving dst's own rino per the spec's explicit note that a
// bulk-copy reconcile must not disturb the cross-reference.
func copyInto(dst, src *Inode) {
	dst.Data = append([]byte(nil), src.Data...)
	dst.Size = src.Size
	dst.Mode = src.Mode
	dst.Ver = src.Ver
	dst.Rver = src.Ver
	dst.Rlen = src.Size
}

func markConflict(pin, cin *Inode) {
	pin.Mode |= ModeConflict
	cin.Mode |= ModeConflict
}

// namesConflict reports whether two inodes believed to be the same
// object have diverging names after Unicode normalization, the one
// shape of "same file, different identity" a pure version/length
// comparison cannot see.
func namesConflict(p, c string) bool {
	if p == c {
		return false
	}
	return !bytes.Equal(norm.NFC.Bytes([]byte(p)), norm.NFC.Bytes([]byte(c)))
}

// mergeAppends implements the append-append merge of §4.5: if both
// sides still agree on the first Rlen bytes (the content as of the
// last sync), the two tails grown independently since then can be
// concatenated; any divergence inside the shared prefix means one
// side rewrote rather than appended, which is not mergeable. A
// combined length over MaxFileBytes is not a conflict: the child's
// tail is truncated to fit and both sides are marked ModePartial
// (§7 "per-inode maximum exceeded" -> E2BIG/S_IFPARTIAL).
func mergeAppends(pin, cin *Inode) (merged []byte, overflow, ok bool) {
	rlen := pin.Rlen
	if cin.Rlen != rlen {
		return nil, false, false
	}
	if rlen > len(pin.Data) || rlen > len(cin.Data) {
		return nil, false, false
	}
	if !bytes.Equal(pin.Data[:rlen], cin.Data[:rlen]) {
		return nil, false, false
	}
	ptail := pin.Data[rlen:]
	ctail := cin.Data[rlen:]
	total := rlen + len(ptail) + len(ctail)
	if total > MaxFileBytes {
		room := util.Max(MaxFileBytes-rlen-len(ptail), 0)
		ctail = ctail[:util.Min(room, len(ctail))]
		overflow = true
		total = rlen + len(ptail) + len(ctail)
	}
	merged = make([]byte, 0, total)
	merged = append(merged, pin.Data[:rlen]...)
	merged = append(merged, ctail...)
	merged = append(merged, ptail...)
	return merged, overflow, true
}
