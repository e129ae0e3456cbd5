package netmig

import (
	"context"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"

	"pios/internal/defs"
	"pios/internal/mem"
	"pios/internal/metrics"
	"pios/internal/pgtbl"
	"pios/internal/proc"
)

// maxInflightPulls bounds concurrent PULLRQ fragments a node will
// chase at once, so a process touching a large remote region cannot
// starve the link with unbounded simultaneous requests.
const maxInflightPulls = 16

// Node runs one cluster member's migration/pull protocol endpoint
// over a Link, dispatching inbound MIGRQ/MIGRP/PULLRQ/PULLRP frames
// against a local process table and arena (§4.6).
type Node struct {
	ID    defs.NodeID
	Link  Link
	Table *proc.Table

	seq uint32

	// migrGroup collapses duplicate MIGRQs for the same (home node,
	// home slot, seq) that arrive while one is still being applied;
	// handleMigrq additionally skips any MIGRQ whose home identity
	// already belongs to a live local process, so a duplicate is only
	// re-acknowledged (§4.6, Testable Property 6).
	migrGroup singleflight.Group

	pullSem *semaphore.Weighted

	pending sync.Map // seq -> chan []byte, for reply correlation
}

// NewNode constructs a protocol endpoint for id, bound to table and
// communicating over link.
func NewNode(id defs.NodeID, link Link, table *proc.Table) *Node {
	return &Node{
		ID:      id,
		Link:    link,
		Table:   table,
		pullSem: semaphore.NewWeighted(maxInflightPulls),
	}
}

func (n *Node) nextSeq() uint32 { return atomic.AddUint32(&n.seq, 1) }

// Serve dispatches inbound frames until the link closes or ctx is
// cancelled; it is meant to run in its own goroutine per node.
func (n *Node) Serve(ctx context.Context) error {
	for {
		frame, err := n.Link.Recv()
		if err != nil {
			return err
		}
		go n.handle(frame)
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
	}
}

func (n *Node) handle(frame []byte) {
	h, err := unmarshalHeader(frame)
	if err != nil {
		return
	}
	switch h.Kind {
	case MIGRQ:
		n.handleMigrq(frame, h)
	case MIGRP:
		n.deliver(h.Seq, frame)
	case PULLRQ:
		n.handlePullrq(frame, h)
	case PULLRP:
		n.deliver(h.Seq, frame)
	}
}

func (n *Node) deliver(seq uint32, frame []byte) {
	if ch, ok := n.pending.Load(seq); ok {
		ch.(chan []byte) <- frame
	}
}

// SendMigration ships p's full image to dstNode and blocks for the
// MIGRP acknowledgement (§4.6 Migration). Resident pages are inlined;
// pages already remote to some third node are passed through as
// RemoteEntry so the destination need not round-trip through the
// source to resolve them again.
func (n *Node) SendMigration(ctx context.Context, p *proc.Proc, dstNode defs.NodeID) error {
	seq := n.nextSeq()
	msg := MigrMsg{
		Header: Header{Kind: MIGRQ, Src: n.ID, Dst: dstNode, HomeNode: p.Home.Node, HomeSlot: p.Home.Slot, Seq: seq},
		RegsIP: p.Regs.IP, RegsSP: p.Regs.SP, RegsA0: p.Regs.A0, RegsA1: p.Regs.A1, RegsA2: p.Regs.A2, RegsA3: p.Regs.A3,
	}
	collectImage(n.Table.Arena, p.Pdir, &msg)

	ch := make(chan []byte, 1)
	n.pending.Store(seq, ch)
	defer n.pending.Delete(seq)

	if err := n.Link.Send(uint8(dstNode), marshalMigr(msg)); err != nil {
		return err
	}
	select {
	case <-ch:
		metrics.MigrationsSent.Inc()
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// handleMigrq applies an inbound migration. Concurrent duplicates for
// the same (home node, home slot, seq) are collapsed through
// singleflight, and a MIGRQ whose home identity already belongs to a
// live local process is only re-acknowledged, so a retransmitted
// MIGRQ that arrives after the first one already installed the
// process is a no-op rather than a double-apply.
func (n *Node) handleMigrq(frame []byte, h Header) {
	key := migrKey(h)
	_, _, _ = n.migrGroup.Do(key, func() (any, error) {
		msg, err := unmarshalMigr(frame)
		if err != nil {
			return nil, err
		}
		home := proc.Home{Node: msg.HomeNode, Slot: msg.HomeSlot}
		known := false
		for _, p := range n.Table.Procs() {
			if home.Node != 0 && p.Home == home && p.GetState() != proc.Free {
				known = true
				break
			}
		}
		if !known {
			n.applyMigration(msg)
			metrics.MigrationsReceived.Inc()
		}
		reply := Header{Kind: MIGRP, Src: n.ID, Dst: h.Src, HomeNode: h.HomeNode, HomeSlot: h.HomeSlot, Seq: h.Seq}
		n.Link.Send(uint8(h.Src), reply.marshal())
		return nil, nil
	})
}

func migrKey(h Header) string {
	return string([]byte{byte(h.HomeNode), byte(h.HomeSlot), byte(h.Seq), byte(h.Seq >> 8), byte(h.Seq >> 16), byte(h.Seq >> 24)})
}

// applyMigration installs msg's image into a local slot claimed for
// the migrated process's home identity (§4.6: the receiving node
// allocates/reuses a slot and rewrites the migrated process's page
// table to hold either the inlined pages or remote references).
func (n *Node) applyMigration(msg MigrMsg) {
	p, err := n.Table.Alloc()
	if err != 0 {
		return
	}
	p.Home = proc.Home{Node: msg.HomeNode, Slot: msg.HomeSlot}
	p.Regs = proc.Regs_t{IP: msg.RegsIP, SP: msg.RegsSP, A0: msg.RegsA0, A1: msg.RegsA1, A2: msg.RegsA2, A3: msg.RegsA3}
	p.Pdir = pgtbl.NewDir()

	for _, pg := range msg.Pages {
		frame, ok := n.Table.Arena.AllocZero()
		if !ok {
			return
		}
		*n.Table.Arena.Bytes(frame) = pg.Data
		perm := defs.SysRead
		if pg.RW {
			perm |= defs.SysWrite
		}
		p.Pdir.Insert(n.Table.Arena, frame, pg.VA, perm)
	}
	for _, re := range msg.Remotes {
		e, err := p.Pdir.Walk(n.Table.Arena, re.VA, false)
		if err != 0 || e == nil {
			continue
		}
		e.Kind = pgtbl.Remote
		e.RemoteNode = re.Node
		e.RemoteAddr = re.Addr
	}
	n.Table.Ready(p)
}

// PullPage resolves one remote page-table entry by asking its home
// node for the page's current contents (§4.6 Page pull). Inflight
// pulls are capped by pullSem so one faulting process cannot flood
// the link chasing a large sparse remote region.
func (n *Node) PullPage(ctx context.Context, e *pgtbl.Entry) ([]byte, error) {
	if err := n.pullSem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer n.pullSem.Release(1)

	seq := n.nextSeq()
	req := PullMsg{Header: Header{Kind: PULLRQ, Src: n.ID, Dst: e.RemoteNode, Seq: seq}, VA: uintptr(e.RemoteAddr), Level: 0}

	ch := make(chan []byte, 1)
	n.pending.Store(seq, ch)
	defer n.pending.Delete(seq)

	if err := n.Link.Send(uint8(e.RemoteNode), marshalPull(req)); err != nil {
		return nil, err
	}
	select {
	case frame := <-ch:
		resp, err := unmarshalPull(frame)
		if err != nil {
			return nil, err
		}
		metrics.PullsCompleted.Inc()
		return resp.Data, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (n *Node) handlePullrq(frame []byte, h Header) {
	req, err := unmarshalPull(frame)
	if err != nil {
		return
	}
	// The reply always carries a zero-filled page of PageSize bytes:
	// the requested address is not looked up in any local process's
	// page directory or arena, and no frame is marked shared.
	data := make([]byte, defs.PageSize)
	resp := PullMsg{Header: Header{Kind: PULLRP, Src: n.ID, Dst: h.Src, Seq: h.Seq}, VA: req.VA, Level: req.Level, Data: data}
	n.Link.Send(uint8(h.Src), marshalPull(resp))
}

// collectImage walks every resident leaf of pdir into msg, splitting
// between inlined pages and pass-through remote entries.
func collectImage(a *mem.Arena, pdir *pgtbl.Dir, msg *MigrMsg) {
	pdir.Each(func(va uintptr, e pgtbl.Entry) {
		switch e.Kind {
		case pgtbl.Remote:
			msg.Remotes = append(msg.Remotes, RemoteEntry{VA: va, Node: e.RemoteNode, Addr: e.RemoteAddr, RW: e.NominalWrite})
		case pgtbl.Local, pgtbl.Zero:
			pg := PagePayload{VA: va, RW: e.NominalWrite}
			pg.Data = *a.Bytes(e.Frame)
			msg.Pages = append(msg.Pages, pg)
		}
	})
}
