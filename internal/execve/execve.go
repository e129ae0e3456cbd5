// Package execve implements §4.7: replacing child-slot 0's address
// space with a freshly parsed executable image and argument stack,
// and returning its entry point for the caller to start. It is grounded on the teacher's
// vm package for the zero-then-map-then-copy sequence and on
// stat.Stat_t's Wmode/Wsize accessor style for the minimal image
// header parsed here in place of a full ELF loader, which the
// teacher's own fs/elf.go-less retrieval pack gives no grounding for.
package execve

import (
	"encoding/binary"
	"fmt"

	"pios/internal/defs"
	"pios/internal/fs"
	"pios/internal/mem"
	"pios/internal/pgtbl"
	"pios/internal/util"
)

// imageMagic tags the minimal flat executable format this substrate
// loads: a sequence of (va, length, writable) segments followed by a
// data blob, terminated by an entry-point trailer. A real kernel
// would parse ELF; nothing in the retrieved pack grounds an ELF
// loader for this substrate, so the format is kept deliberately
// simple: its layout is documented on Parse, and DESIGN.md records
// why it is a standard-library fallback.
const imageMagic = 0x50494f53 // "PIOS"

// Segment is one loadable region of a parsed image.
type Segment struct {
	VA       uintptr
	Data     []byte
	Writable bool
}

// Image is a fully parsed executable: its segments and entry point.
type Image struct {
	Segments []Segment
	Entry    uint64
}

// Parse decodes the flat image format: magic(4) nsegs(4) then, per
// segment, va(8) len(4) writable(1) data(len); the file ends with
// entry(8).
func Parse(raw []byte) (Image, error) {
	if len(raw) < 8 || binary.BigEndian.Uint32(raw[0:4]) != imageMagic {
		return Image{}, fmt.Errorf("execve: bad image magic")
	}
	nsegs := binary.BigEndian.Uint32(raw[4:8])
	off := 8
	var img Image
	for i := uint32(0); i < nsegs; i++ {
		if len(raw) < off+8+4+1 {
			return Image{}, fmt.Errorf("execve: truncated segment header")
		}
		va := uintptr(binary.BigEndian.Uint64(raw[off : off+8]))
		slen := binary.BigEndian.Uint32(raw[off+8 : off+12])
		writable := raw[off+12] == 1
		off += 13
		if len(raw) < off+int(slen) {
			return Image{}, fmt.Errorf("execve: truncated segment data")
		}
		img.Segments = append(img.Segments, Segment{VA: va, Data: raw[off : off+int(slen)], Writable: writable})
		off += int(slen)
	}
	if len(raw) < off+8 {
		return Image{}, fmt.Errorf("execve: missing entry trailer")
	}
	img.Entry = binary.BigEndian.Uint64(raw[off : off+8])
	return img, nil
}

// Args renders argv as a NUL-separated blob plus an offset table, the
// layout the spawned process finds on its stack (§4.7 "build the
// argument stack").
func Args(argv []string) []byte {
	var blob []byte
	offsets := make([]uint32, len(argv))
	for i, a := range argv {
		offsets[i] = uint32(len(blob))
		blob = append(blob, a...)
		blob = append(blob, 0)
	}
	hdr := make([]byte, 4+4*len(offsets))
	binary.BigEndian.PutUint32(hdr[0:4], uint32(len(offsets)))
	for i, o := range offsets {
		binary.BigEndian.PutUint32(hdr[4+4*i:8+4*i], o)
	}
	return append(hdr, blob...)
}

// Load replaces slot 0's address space with img and argv, and returns
// the entry registers the caller should PUT into slot 0 with FStart
// (§4.7 steps 1-6). It first removes every mapping in the user window
// (an unmapped page reads as zero), then maps fresh frames directly at
// each segment's addresses, copies segment bytes in, leaves read-only
// segments without write permission, and writes the argument blob at
// the top of the user stack.
func Load(a *mem.Arena, pdir *pgtbl.Dir, img Image, argv []string) (entry uintptr, sp uintptr, err defs.Err_t) {
	if e := pdir.Remove(a, defs.UserLo, defs.UserHi-defs.UserLo); e != 0 {
		return 0, 0, e
	}

	for _, seg := range img.Segments {
		n := len(seg.Data)
		aligned := util.Roundup(n, defs.PageSize)
		if aligned == 0 {
			continue
		}
		for off := 0; off < aligned; off += defs.PageSize {
			frame, ok := a.AllocZero()
			if !ok {
				return 0, 0, defs.ENOMEM
			}
			end := off + defs.PageSize
			if end > n {
				end = n
			}
			if end > off {
				copy(a.Bytes(frame)[:], seg.Data[off:end])
			}
			perm := defs.SysRead
			if seg.Writable {
				perm |= defs.SysWrite
			}
			if e := pdir.Insert(a, frame, seg.VA+uintptr(off), perm); e != 0 {
				return 0, 0, e
			}
		}
	}

	argBlob := Args(argv)
	if len(argBlob) > defs.PageSize {
		return 0, 0, defs.E2BIG
	}
	stackTop := defs.StackHi - defs.PageSize
	frame, ok := a.AllocZero()
	if !ok {
		return 0, 0, defs.ENOMEM
	}
	copy(a.Bytes(frame)[defs.PageSize-len(argBlob):], argBlob)
	if e := pdir.Insert(a, frame, stackTop, defs.SysRead|defs.SysWrite); e != 0 {
		return 0, 0, e
	}
	sp = stackTop + uintptr(defs.PageSize-len(argBlob))

	return uintptr(img.Entry), sp, 0
}

// Exec returns the file state a process starts with after exec: a
// fresh root view (console and root directory only). fst is not
// consulted or reconciled, and no image is loaded here; Load does that.
func Exec(fst *fs.FileState) *fs.FileState {
	return fs.NewRoot()
}
