// Package netmig implements cross-node process migration and page
// pull (§4.6, §6 wire formats). The teacher's bnet/unet/inet packages
// were present but empty in the retrieval pack, so the wire types and
// transport here are built fresh, in the command-word-and-fixed-
// header style defs/syscall.go already established, carried over
// net.PacketConn rather than the teacher's raw-Ethernet driver stack
// (ixgbe/pci/msi), a substitution recorded in DESIGN.md.
package netmig

import (
	"encoding/binary"
	"fmt"

	"pios/internal/defs"
)

// MsgKind identifies one of the four migration-protocol messages.
type MsgKind uint8

const (
	MIGRQ MsgKind = iota
	MIGRP
	PULLRQ
	PULLRP
)

func (k MsgKind) String() string {
	switch k {
	case MIGRQ:
		return "MIGRQ"
	case MIGRP:
		return "MIGRP"
	case PULLRQ:
		return "PULLRQ"
	case PULLRP:
		return "PULLRP"
	default:
		return "?"
	}
}

// headerLen is the fixed prefix every message shares: kind, src/dst
// node, home node/slot, and a sequence number used for retransmit
// dedup and reply matching (§4.6 "retransmission must be idempotent").
const headerLen = 1 + 1 + 1 + 1 + 2 + 4

// Header is the fixed prefix of every wire message.
type Header struct {
	Kind     MsgKind
	Src, Dst defs.NodeID
	HomeNode defs.NodeID
	HomeSlot defs.Slot
	Seq      uint32
}

func (h Header) marshal() []byte {
	b := make([]byte, headerLen)
	b[0] = byte(h.Kind)
	b[1] = byte(h.Src)
	b[2] = byte(h.Dst)
	b[3] = byte(h.HomeNode)
	binary.BigEndian.PutUint16(b[4:6], uint16(h.HomeSlot))
	binary.BigEndian.PutUint32(b[6:10], h.Seq)
	return b
}

func unmarshalHeader(b []byte) (Header, error) {
	if len(b) < headerLen {
		return Header{}, fmt.Errorf("netmig: short header: %d bytes", len(b))
	}
	return Header{
		Kind:     MsgKind(b[0]),
		Src:      defs.NodeID(b[1]),
		Dst:      defs.NodeID(b[2]),
		HomeNode: defs.NodeID(b[3]),
		HomeSlot: defs.Slot(binary.BigEndian.Uint16(b[4:6])),
		Seq:      binary.BigEndian.Uint32(b[6:10]),
	}, nil
}

// MigrMsg is the body of a MIGRQ/MIGRP (§4.6 "migration request
// carries the full process image"): the saved registers and a flat
// snapshot of every resident page, plus the entries that were already
// remote references on the source and are passed through unchanged.
type MigrMsg struct {
	Header
	RegsIP, RegsSP, RegsA0, RegsA1, RegsA2, RegsA3 uint64
	Pages                                          []PagePayload
	Remotes                                        []RemoteEntry
}

// PagePayload is one resident page shipped inline in a MIGRQ.
type PagePayload struct {
	VA   uintptr
	Data [defs.PageSize]byte
	RW   bool
}

// RemoteEntry is one page that already lived on another node when the
// image was collected, referenced by (node, addr, rw) rather than
// copied (§3 Remote reference).
type RemoteEntry struct {
	VA   uintptr
	Node defs.NodeID
	Addr uint32
	RW   bool
}

// PullMsg is the body of a PULLRQ/PULLRP (§4.6 Page pull): a request
// names one faulting virtual address behind a remote reference; the
// reply carries the resolved page (or page-table, or page-directory)
// contents at the requested level.
type PullMsg struct {
	Header
	VA    uintptr
	Level int // 0 = page, 1 = page table, 2 = page directory
	Data  []byte
}

func marshalMigr(m MigrMsg) []byte {
	b := m.Header.marshal()
	var regs [48]byte
	binary.BigEndian.PutUint64(regs[0:8], m.RegsIP)
	binary.BigEndian.PutUint64(regs[8:16], m.RegsSP)
	binary.BigEndian.PutUint64(regs[16:24], m.RegsA0)
	binary.BigEndian.PutUint64(regs[24:32], m.RegsA1)
	binary.BigEndian.PutUint64(regs[32:40], m.RegsA2)
	binary.BigEndian.PutUint64(regs[40:48], m.RegsA3)
	b = append(b, regs[:]...)

	var countBuf [4]byte
	binary.BigEndian.PutUint32(countBuf[:], uint32(len(m.Pages)))
	b = append(b, countBuf[:]...)
	for _, pg := range m.Pages {
		var va [8]byte
		binary.BigEndian.PutUint64(va[:], uint64(pg.VA))
		b = append(b, va[:]...)
		rw := byte(0)
		if pg.RW {
			rw = 1
		}
		b = append(b, rw)
		b = append(b, pg.Data[:]...)
	}

	binary.BigEndian.PutUint32(countBuf[:], uint32(len(m.Remotes)))
	b = append(b, countBuf[:]...)
	for _, re := range m.Remotes {
		var va [8]byte
		binary.BigEndian.PutUint64(va[:], uint64(re.VA))
		b = append(b, va[:]...)
		b = append(b, byte(re.Node))
		var addr [4]byte
		binary.BigEndian.PutUint32(addr[:], re.Addr)
		b = append(b, addr[:]...)
		rw := byte(0)
		if re.RW {
			rw = 1
		}
		b = append(b, rw)
	}
	return b
}

func unmarshalMigr(b []byte) (MigrMsg, error) {
	h, err := unmarshalHeader(b)
	if err != nil {
		return MigrMsg{}, err
	}
	off := headerLen
	if len(b) < off+48 {
		return MigrMsg{}, fmt.Errorf("netmig: short migration body")
	}
	m := MigrMsg{Header: h}
	m.RegsIP = binary.BigEndian.Uint64(b[off : off+8])
	m.RegsSP = binary.BigEndian.Uint64(b[off+8 : off+16])
	m.RegsA0 = binary.BigEndian.Uint64(b[off+16 : off+24])
	m.RegsA1 = binary.BigEndian.Uint64(b[off+24 : off+32])
	m.RegsA2 = binary.BigEndian.Uint64(b[off+32 : off+40])
	m.RegsA3 = binary.BigEndian.Uint64(b[off+40 : off+48])
	off += 48

	if len(b) < off+4 {
		return MigrMsg{}, fmt.Errorf("netmig: truncated page count")
	}
	npages := binary.BigEndian.Uint32(b[off : off+4])
	off += 4
	for i := uint32(0); i < npages; i++ {
		if len(b) < off+8+1+defs.PageSize {
			return MigrMsg{}, fmt.Errorf("netmig: truncated page payload")
		}
		var pg PagePayload
		pg.VA = uintptr(binary.BigEndian.Uint64(b[off : off+8]))
		off += 8
		pg.RW = b[off] == 1
		off++
		copy(pg.Data[:], b[off:off+defs.PageSize])
		off += defs.PageSize
		m.Pages = append(m.Pages, pg)
	}

	if len(b) < off+4 {
		return MigrMsg{}, fmt.Errorf("netmig: truncated remote count")
	}
	nremotes := binary.BigEndian.Uint32(b[off : off+4])
	off += 4
	for i := uint32(0); i < nremotes; i++ {
		if len(b) < off+8+1+4+1 {
			return MigrMsg{}, fmt.Errorf("netmig: truncated remote entry")
		}
		var re RemoteEntry
		re.VA = uintptr(binary.BigEndian.Uint64(b[off : off+8]))
		off += 8
		re.Node = defs.NodeID(b[off])
		off++
		re.Addr = binary.BigEndian.Uint32(b[off : off+4])
		off += 4
		re.RW = b[off] == 1
		off++
		m.Remotes = append(m.Remotes, re)
	}
	return m, nil
}

func marshalPull(m PullMsg) []byte {
	b := m.Header.marshal()
	var va [8]byte
	binary.BigEndian.PutUint64(va[:], uint64(m.VA))
	b = append(b, va[:]...)
	b = append(b, byte(m.Level))
	var dlen [4]byte
	binary.BigEndian.PutUint32(dlen[:], uint32(len(m.Data)))
	b = append(b, dlen[:]...)
	b = append(b, m.Data...)
	return b
}

func unmarshalPull(b []byte) (PullMsg, error) {
	h, err := unmarshalHeader(b)
	if err != nil {
		return PullMsg{}, err
	}
	off := headerLen
	if len(b) < off+8+1+4 {
		return PullMsg{}, fmt.Errorf("netmig: short pull message")
	}
	m := PullMsg{Header: h}
	m.VA = uintptr(binary.BigEndian.Uint64(b[off : off+8]))
	off += 8
	m.Level = int(b[off])
	off++
	dlen := binary.BigEndian.Uint32(b[off : off+4])
	off += 4
	if len(b) < off+int(dlen) {
		return PullMsg{}, fmt.Errorf("netmig: truncated pull payload")
	}
	m.Data = append([]byte(nil), b[off:off+int(dlen)]...)
	return m, nil
}
