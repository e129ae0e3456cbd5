package netmig

import (
	"net"
	"sync"
)

// Link is the transport a Node sends and receives raw wire frames
// over. Bus backs single-process multi-node tests; UDPLink backs the
// node daemon.
type Link interface {
	Send(dst uint8, frame []byte) error
	Recv() (frame []byte, err error)
	Close() error
}

// Bus is an in-memory, in-process Link implementation: every attached
// node gets a buffered channel, and Send looks the destination up by
// node id. It is the test/single-binary stand-in for an actual wire,
// grounded on the same "channel as mailbox" idiom the teacher uses
// for its in-kernel IPC channels.
type Bus struct {
	mu    sync.Mutex
	boxes map[uint8]chan []byte
}

// NewBus constructs an empty bus.
func NewBus() *Bus {
	return &Bus{boxes: make(map[uint8]chan []byte)}
}

// Attach registers node id on the bus and returns its Link handle.
func (b *Bus) Attach(id uint8) *BusLink {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch := make(chan []byte, 256)
	b.boxes[id] = ch
	return &BusLink{bus: b, self: id, in: ch}
}

// BusLink is one node's handle onto a Bus.
type BusLink struct {
	bus  *Bus
	self uint8
	in   chan []byte
}

func (l *BusLink) Send(dst uint8, frame []byte) error {
	l.bus.mu.Lock()
	ch, ok := l.bus.boxes[dst]
	l.bus.mu.Unlock()
	if !ok {
		return errNoSuchNode(dst)
	}
	cp := append([]byte(nil), frame...)
	ch <- cp
	return nil
}

func (l *BusLink) Recv() ([]byte, error) {
	return <-l.in, nil
}

func (l *BusLink) Close() error { return nil }

type errNoSuchNode uint8

func (e errNoSuchNode) Error() string { return "netmig: no such node on bus" }

// UDPLink carries wire frames over UDP datagrams, one frame per
// packet, addressed by a static node-id -> address table (§SPEC_FULL
// Transport: plain UDP substitutes for the teacher's raw-Ethernet
// ixgbe/pci driver stack, which has no hosted equivalent).
type UDPLink struct {
	conn  *net.UDPConn
	peers map[uint8]*net.UDPAddr
}

// NewUDPLink listens on listenAddr and resolves the given peer table.
func NewUDPLink(listenAddr string, peers map[uint8]string) (*UDPLink, error) {
	laddr, err := net.ResolveUDPAddr("udp", listenAddr)
	if err != nil {
		return nil, err
	}
	conn, err := net.ListenUDP("udp", laddr)
	if err != nil {
		return nil, err
	}
	resolved := make(map[uint8]*net.UDPAddr, len(peers))
	for id, addr := range peers {
		a, err := net.ResolveUDPAddr("udp", addr)
		if err != nil {
			conn.Close()
			return nil, err
		}
		resolved[id] = a
	}
	return &UDPLink{conn: conn, peers: resolved}, nil
}

func (l *UDPLink) Send(dst uint8, frame []byte) error {
	addr, ok := l.peers[dst]
	if !ok {
		return errNoSuchNode(dst)
	}
	_, err := l.conn.WriteToUDP(frame, addr)
	return err
}

func (l *UDPLink) Recv() ([]byte, error) {
	buf := make([]byte, 65536)
	n, _, err := l.conn.ReadFromUDP(buf)
	if err != nil {
		return nil, err
	}
	return buf[:n], nil
}

func (l *UDPLink) Close() error { return l.conn.Close() }
