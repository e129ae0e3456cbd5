// Package fs implements the versioned-inode file layer and its
// reconciliation algorithm (§4.5, §3 Inode / File-state region). It
// is grounded on the teacher's fs/super.go fixed-field accessor style
// (kept here as the FileState's field layout, adapted from
// Superblock_t's block-of-ints convention to a page-sized struct),
// on stat/stat.go's Stat_t (Inode carries the same mode/size pair as
// plain Mode and Size fields), and on hashtable/hashtable.go, whose
// role is taken by the map-based parent<->child inode-number maps
// Reconcile builds.
package fs

import (
	"pios/internal/defs"
)

// Mode bits for an inode (§3 Inode "mode (regular/dir/symlink/
// conflict-flag/partial-flag)").
type Mode uint32

const (
	ModeRegular Mode = 1 << iota
	ModeDir
	ModeSymlink
	ModeConflict // S_IFCONF: set on both inodes of a pair after a merge conflict
	ModePartial  // S_IFPARTIAL: an append merge hit MaxFileBytes and the child's tail was truncated
)

// MaxFileBytes bounds a single inode's data (§4.5 "per-inode maximum").
const MaxFileBytes = 1 << 20

// Inode is one entry of the fixed-index inode array (§3 Inode). The
// child's copy records in Rver/Rlen/Rino the snapshot taken at the
// last rendezvous, and its Rino is what Reconcile uses to pair it
// with a parent inode. The parent's copy keeps its own Rver/Rlen too,
// which is how Reconcile tells whether the parent side changed since
// the last sync (an implementation choice recorded in DESIGN.md); the
// parent's Rino is not used for pairing.
type Inode struct {
	Name      string
	ParentIno int
	Mode      Mode
	Ver       int
	Size      int

	Rver int
	Rlen int
	Rino int

	Data []byte

	// Ring backs console-out only (§SPEC_FULL Console device); nil for
	// every other inode, which use Data as a plain growable buffer.
	Ring *ConsoleRing
}

func (in *Inode) live() bool {
	return in != nil && in.Name != ""
}

func (in *Inode) ephemeral() bool {
	return in.Mode&ModeDir != 0 && in.ParentIno == 0
}

// FileState is the fixed-address, page-sized block of §3: the inode
// array, the current working inode, and the exited/status pair. The
// child-slot table named in the spec is tracked by proc.Table instead
// of duplicated here, since this substrate already has one process
// table per node.
type FileState struct {
	Inodes [defs.MaxInodes]*Inode
	Cwd    int
	Exited bool
	Status int
}

// NewRoot constructs the file-state region a freshly-booted root
// process starts with: console-in, console-out and root directory at
// their fixed inode numbers (§6 Inode numbering).
func NewRoot() *FileState {
	fst := &FileState{Cwd: defs.InoRoot}
	fst.Inodes[defs.InoConsoleIn] = &Inode{Name: "console-in", Mode: ModeRegular}
	fst.Inodes[defs.InoConsoleOut] = &Inode{Name: "console-out", Mode: ModeRegular, Ring: NewConsoleRing(consoleRingCap)}
	fst.Inodes[defs.InoRoot] = &Inode{Name: "/", Mode: ModeDir}
	return fst
}

// Clone returns a deep copy of fst, the scratch copy wait/reconcile
// operate on (§4.4 "GETs the child's ... file-state page into a
// scratch region").
func (fst *FileState) Clone() *FileState {
	n := &FileState{Cwd: fst.Cwd, Exited: fst.Exited, Status: fst.Status}
	for i, in := range fst.Inodes {
		if in == nil {
			continue
		}
		c := *in
		c.Data = append([]byte(nil), in.Data...)
		if in.Ring != nil {
			c.Ring = in.Ring.clone()
		}
		n.Inodes[i] = &c
	}
	return n
}

// initChildInodes resets rver/rlen/rino on every in-use inode to the
// freshly-forked baseline (§4.4 step 4: "initialise every in-use
// inode's reference (rino=i, rver=ver, rlen=size)").
func (fst *FileState) initChildInodes() {
	for i, in := range fst.Inodes {
		if !in.live() {
			continue
		}
		in.Rino = i
		in.Rver = in.Ver
		in.Rlen = in.Size
	}
}

// Fork initializes a child's file state from its parent's at fork
// time (§4.4 step 4).
func Fork(parent *FileState) *FileState {
	c := parent.Clone()
	c.initChildInodes()
	return c
}

// AllocInode finds the lowest free index >= defs.InoFirstFile.
func (fst *FileState) AllocInode() (int, defs.Err_t) {
	for i := defs.InoFirstFile; i < len(fst.Inodes); i++ {
		if fst.Inodes[i] == nil {
			return i, 0
		}
	}
	return 0, defs.ENOMEM
}

const consoleRingCap = 4096
