// Package cstp is the reliable stream transport: tunnel packets framed over
// an established byte stream, normally a TLS connection the authentication
// layer already negotiated.
//
// The mainloop drives it through per-tick calls; a single reader goroutine
// turns the blocking net.Conn into descriptor readiness via a waker pipe, so
// inbound frames interrupt the loop's poll like any other descriptor.
package cstp

import (
	"errors"
	"fmt"
	"net"
	"os"
	"syscall"
	"time"

	"github.com/octungo/octun/keepalive"
	"github.com/octungo/octun/mainloop"
	"github.com/octungo/octun/packet"
	"github.com/octungo/octun/poll"
)

const (
	// inboundDepth bounds frames parked between reader and tick.
	inboundDepth = 128

	// writeSlice is how long a tick may spend on a blocked write before
	// declaring the socket stalled.
	writeSlice = time.Millisecond

	// wbufHighWater stops pulling from the outgoing queue while this much
	// framed data is still unflushed.
	wbufHighWater = 64 * 1024

	byeDeadline = time.Second
)

// Config parameterizes a stream transport instance.
type Config struct {
	// Keepalive carries the negotiated intervals. Timestamps are managed
	// by the transport itself.
	Keepalive keepalive.Info

	// Out is drained into the stream; In receives decapsulated packets
	// for the tun device. Both are shared with the tun handler.
	Out, In *packet.Queue

	// Rekey, when set, is invoked when the rekey interval elapses. A nil
	// Rekey just restarts the interval.
	Rekey func() error

	// DatagramActive, when set and true, leaves the shared outgoing
	// queue to the datagram transport; the stream then carries only its
	// own control frames.
	DatagramActive func() bool
}

type inFrame struct {
	typ frameType
	pkt *packet.Packet // data frames only
	msg string         // disconnect/terminate reason
}

// Conn is an established stream transport.
type Conn struct {
	log *mainloop.Logger
	nc  net.Conn
	cfg Config
	ka  keepalive.Info

	rawFd   int // underlying socket, -1 when unknown
	waker   *poll.Waker
	inbound chan inFrame
	readErr chan error

	wbuf []byte // framed bytes awaiting flush
}

// New wraps an established stream connection and starts its reader.
func New(nc net.Conn, cfg Config, log *mainloop.Logger) (*Conn, error) {
	waker, err := poll.NewWaker()
	if err != nil {
		return nil, err
	}
	c := &Conn{
		log:     log,
		nc:      nc,
		cfg:     cfg,
		ka:      cfg.Keepalive,
		rawFd:   SocketFd(nc),
		waker:   waker,
		inbound: make(chan inFrame, inboundDepth),
		readErr: make(chan error, 1),
	}
	c.ka.Reset(time.Now())
	go c.reader()
	return c, nil
}

// reader blocks on the stream and republishes frames as channel sends plus a
// wake, until the first read error.
func (c *Conn) reader() {
	buf := make([]byte, maxPayload)
	for {
		typ, payload, err := readFrame(c.nc, buf)
		if err != nil {
			c.readErr <- err
			c.waker.Wake()
			return
		}
		f := inFrame{typ: typ}
		switch typ {
		case frameData:
			f.pkt = packet.Outgoing(payload)
		case frameDisconnect, frameTerminate:
			f.msg = string(payload)
		}
		c.inbound <- f
		c.waker.Wake()
	}
}

// Tick implements mainloop.Handler.
func (c *Conn) Tick(in *poll.Interest, timeout *time.Duration) (int, error) {
	work := 0
	now := time.Now()
	c.waker.Drain()

	n, err := c.drainInbound(now)
	work += n
	if err != nil {
		return work, err
	}

	// Frame outbound packets, bounded by the staging high-water mark.
	// While the datagram path carries the tunnel, the queue is its.
	if c.cfg.DatagramActive == nil || !c.cfg.DatagramActive() {
		for len(c.wbuf) < wbufHighWater {
			p := c.cfg.Out.Pop()
			if p == nil {
				break
			}
			c.wbuf = appendFrame(c.wbuf, frameData, p.Buf)
			p.Release()
			work++
		}
	}

	stalled, n, err := c.flush(now)
	work += n
	if err != nil {
		return work, fmt.Errorf("cstp write: %w", err)
	}

	n, err = c.keepaliveTick(now, stalled, timeout)
	work += n
	if err != nil {
		return work, err
	}

	// Late keepalive frames may still be staged.
	if len(c.wbuf) > 0 {
		stalled, n, err = c.flush(now)
		work += n
		if err != nil {
			return work, fmt.Errorf("cstp write: %w", err)
		}
	}

	in.Read(c.waker.Fd())
	if stalled && c.rawFd >= 0 {
		in.Write(c.rawFd)
	}
	return work, nil
}

// drainInbound consumes everything the reader parked since the last tick.
func (c *Conn) drainInbound(now time.Time) (int, error) {
	work := 0
	for {
		select {
		case f := <-c.inbound:
			work++
			c.ka.LastRx = now
			switch f.typ {
			case frameData:
				c.cfg.In.Push(f.pkt)
			case frameDPDRequest:
				c.log.Verbosef("CSTP DPD request from peer, responding")
				c.wbuf = appendFrame(c.wbuf, frameDPDResponse, nil)
			case frameDPDResponse:
				c.log.Verbosef("Got CSTP DPD response")
			case frameKeepalive:
				c.log.Verbosef("Got CSTP keepalive")
			case frameDisconnect:
				return work, fmt.Errorf("%w: %s", mainloop.ErrRemoteTerminated, f.msg)
			case frameTerminate:
				return work, fmt.Errorf("%w: %s", mainloop.ErrAuthExpired, f.msg)
			default:
				c.log.Errorf("Unknown CSTP frame type %s, ignoring", f.typ)
			}
		default:
			select {
			case err := <-c.readErr:
				return work, fmt.Errorf("cstp read: %w", err)
			default:
				return work, nil
			}
		}
	}
}

// keepaliveTick runs the DPD/keepalive/rekey schedule for this tick.
func (c *Conn) keepaliveTick(now time.Time, stalled bool, timeout *time.Duration) (int, error) {
	var action keepalive.Action
	if stalled {
		action = c.ka.DecideStalled(now, timeout)
	} else {
		action = c.ka.Decide(now, timeout)
	}

	switch action {
	case keepalive.None:
		return 0, nil

	case keepalive.Rekey:
		c.log.Infof("CSTP rekey due")
		c.ka.LastRekey = now
		if c.cfg.Rekey != nil {
			if err := c.cfg.Rekey(); err != nil {
				return 0, fmt.Errorf("cstp rekey: %w", err)
			}
		}
		return 1, nil

	case keepalive.DPDProbe:
		c.log.Verbosef("Sending CSTP DPD probe")
		c.wbuf = appendFrame(c.wbuf, frameDPDRequest, nil)
		return 1, nil

	case keepalive.Keepalive:
		c.log.Verbosef("Sending CSTP keepalive")
		c.wbuf = appendFrame(c.wbuf, frameKeepalive, nil)
		return 1, nil

	case keepalive.DPDDead:
		return 0, fmt.Errorf("CSTP: %w", mainloop.ErrDeadPeer)
	}
	return 0, nil
}

// flush pushes staged bytes out with a bounded write deadline. A deadline
// expiry means the socket is full: keep the residue for the next tick and
// report the stall.
func (c *Conn) flush(now time.Time) (stalled bool, work int, err error) {
	if len(c.wbuf) == 0 {
		return false, 0, nil
	}
	c.nc.SetWriteDeadline(now.Add(writeSlice))
	n, err := c.nc.Write(c.wbuf)
	if n > 0 {
		c.ka.LastTx = now
		work = 1
		c.wbuf = c.wbuf[n:]
		if len(c.wbuf) == 0 {
			c.wbuf = nil
		}
	}
	if err != nil {
		if errors.Is(err, os.ErrDeadlineExceeded) {
			return true, work, nil
		}
		return false, work, err
	}
	return false, work, nil
}

// Bye sends a best-effort disconnect notice carrying the reason. Errors are
// ignored; the peer may already be gone.
func (c *Conn) Bye(reason string) {
	c.log.Verbosef("Sending CSTP disconnect: %s", reason)
	c.nc.SetWriteDeadline(time.Now().Add(byeDeadline))
	c.nc.Write(appendFrame(nil, frameDisconnect, []byte(reason)))
}

// Close tears the stream down and releases anything still staged.
func (c *Conn) Close() {
	c.nc.Close()
	c.waker.Close()
	c.wbuf = nil
	for {
		select {
		case f := <-c.inbound:
			if f.pkt != nil {
				f.pkt.Release()
			}
		default:
			return
		}
	}
}

// SocketFd digs the poll-able descriptor out of a connection, unwrapping
// tls.Conn-style layers. Returns -1 when the connection has no usable
// descriptor (a WebSocket carrier, for instance); the mainloop then relies
// on timeouts instead of write readiness.
func SocketFd(nc net.Conn) int {
	type netConner interface{ NetConn() net.Conn }
	for {
		inner, ok := nc.(netConner)
		if !ok {
			break
		}
		nc = inner.NetConn()
	}
	sc, ok := nc.(syscall.Conn)
	if !ok {
		return -1
	}
	raw, err := sc.SyscallConn()
	if err != nil {
		return -1
	}
	fd := -1
	raw.Control(func(f uintptr) { fd = int(f) })
	return fd
}
