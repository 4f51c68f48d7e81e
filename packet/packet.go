// Package packet provides the tunnel packet buffer and the FIFO queues
// shared between the transports and the tun handler.
package packet

const (
	// largest possible tunnel packet (64k IP datagram)
	MaxPacketSize = (1 << 16) - 1

	// how many buffers the shared pool may hand out at once;
	// 0 disables the cap and allows unbounded growth
	PreallocatedBufsPerPool = 0
)

// Packet is one tunnel packet in flight between a transport and the tun
// device. Buf is owned by exactly one queue, or by the handler currently
// writing it; once written it is released back to the pool, never re-queued
// and released both.
type Packet struct {
	buf *[MaxPacketSize]byte // backing array from the pool (always!)
	Buf []byte               // slice of buf holding the payload
}

// New returns a pool-backed packet with room for n payload bytes.
func New(n int) *Packet {
	p := pkts.Get().(*Packet)
	p.buf = bufs.Get().(*[MaxPacketSize]byte)
	p.Buf = p.buf[:n]
	return p
}

// Outgoing copies b into a fresh packet.
func Outgoing(b []byte) *Packet {
	p := New(len(b))
	copy(p.Buf, b)
	return p
}

// Len reports the payload length.
func (p *Packet) Len() int { return len(p.Buf) }

// Release returns the packet and its buffer to the pool. The packet must not
// be used afterwards.
func (p *Packet) Release() {
	bufs.Put(p.buf)
	p.zeroOutPointers()
	pkts.Put(p)
}

// zeroOutPointers zeroes out fields that contain pointers.
// This makes the garbage collector's life easier and
// avoids accidentally keeping other objects around unnecessarily.
// It also reduces the possible collateral damage from use-after-free bugs.
func (p *Packet) zeroOutPointers() {
	p.buf = nil
	p.Buf = nil
}

var (
	bufs = NewWaitPool(PreallocatedBufsPerPool, func() any {
		return new([MaxPacketSize]byte)
	})
	pkts = NewWaitPool(PreallocatedBufsPerPool, func() any {
		return new(Packet)
	})
)
