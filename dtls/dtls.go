// Package dtls is the optional unreliable datagram transport. It is
// attempted opportunistically alongside the stream transport: a failed
// handshake or a dead peer only costs the lower-latency path, the stream
// keeps carrying the tunnel.
//
// The record layer and handshake come from pion/dtls, keyed by a pre-shared
// key derived from the session secret, so no certificate exchange happens on
// this path.
package dtls

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"time"

	piondtls "github.com/pion/dtls/v3"
	"github.com/pion/logging"
	"golang.org/x/crypto/hkdf"
	"golang.org/x/net/ipv4"

	"github.com/octungo/octun/keepalive"
	"github.com/octungo/octun/mainloop"
	"github.com/octungo/octun/packet"
	"github.com/octungo/octun/poll"
)

const (
	inboundDepth = 128

	writeSlice = time.Millisecond

	// pskInfo labels the HKDF expansion of the session secret.
	pskInfo = "octun dtls psk"

	defaultHandshakeTimeout = 30 * time.Second
)

// Datagram framing: one type byte, then the payload. Data records carry the
// tunnel packet; the control records are empty.
const (
	pktData       byte = 0
	pktDPDRequest byte = 3
	pktDPDReply   byte = 4
	pktKeepalive  byte = 7
)

// Config parameterizes the datagram transport.
type Config struct {
	// Server is the gateway's datagram endpoint, host:port.
	Server string

	// Secret is the session secret shared with the gateway; the DTLS PSK
	// is HKDF-derived from it.
	Secret []byte

	// PSKIdentity names the derived key to the gateway.
	PSKIdentity string

	// Keepalive carries the negotiated intervals for this transport.
	Keepalive keepalive.Info

	// Out is drained onto the wire while established; In receives
	// decapsulated packets for the tun device.
	Out, In *packet.Queue

	// TOS, when nonzero, is stamped on the socket so the tunnel keeps the
	// QoS marking of the traffic it carries.
	TOS int

	HandshakeTimeout time.Duration

	// LoggerFactory feeds pion's internals; nil silences them.
	LoggerFactory logging.LoggerFactory
}

type hsResult struct {
	conn *piondtls.Conn
	err  error
}

// Transport implements mainloop.DatagramTransport.
type Transport struct {
	log *mainloop.Logger
	cfg Config
	ka  keepalive.Info

	state    mainloop.DatagramState
	hsResult chan hsResult
	hsCancel context.CancelFunc

	conn    *piondtls.Conn
	waker   *poll.Waker
	inbound chan *packet.Packet
	readErr chan error
}

// NewTransport returns an idle transport; the mainloop calls Connect when an
// attempt is due.
func NewTransport(cfg Config, log *mainloop.Logger) *Transport {
	if cfg.HandshakeTimeout == 0 {
		cfg.HandshakeTimeout = defaultHandshakeTimeout
	}
	return &Transport{log: log, cfg: cfg, state: mainloop.DatagramIdle}
}

// State implements mainloop.DatagramTransport.
func (t *Transport) State() mainloop.DatagramState { return t.state }

// derivePSK expands the session secret into the DTLS pre-shared key.
func derivePSK(secret []byte) ([]byte, error) {
	psk := make([]byte, 32)
	r := hkdf.New(sha256.New, secret, nil, []byte(pskInfo))
	if _, err := io.ReadFull(r, psk); err != nil {
		return nil, fmt.Errorf("dtls psk derivation: %w", err)
	}
	return psk, nil
}

// Connect starts a handshake attempt in the background. Only valid while
// idle; the attempt is observed through AdvanceHandshake.
func (t *Transport) Connect() error {
	if t.state != mainloop.DatagramIdle {
		return errors.New("dtls: connect while not idle")
	}

	raddr, err := net.ResolveUDPAddr("udp", t.cfg.Server)
	if err != nil {
		return fmt.Errorf("dtls resolve: %w", err)
	}
	uc, err := net.DialUDP("udp", nil, raddr)
	if err != nil {
		return fmt.Errorf("dtls dial: %w", err)
	}
	if t.cfg.TOS != 0 && raddr.IP.To4() != nil {
		if err := ipv4.NewConn(uc).SetTOS(t.cfg.TOS); err != nil {
			t.log.Verbosef("DTLS: cannot set TOS %#x: %v", t.cfg.TOS, err)
		}
	}

	psk, err := derivePSK(t.cfg.Secret)
	if err != nil {
		uc.Close()
		return err
	}
	conf := &piondtls.Config{
		PSK:             func(hint []byte) ([]byte, error) { return psk, nil },
		PSKIdentityHint: []byte(t.cfg.PSKIdentity),
		CipherSuites:    []piondtls.CipherSuiteID{piondtls.TLS_PSK_WITH_AES_128_GCM_SHA256},
		LoggerFactory:   t.cfg.LoggerFactory,
	}
	ctx, cancel := context.WithTimeout(context.Background(), t.cfg.HandshakeTimeout)

	t.hsCancel = cancel
	t.hsResult = make(chan hsResult, 1)
	t.state = mainloop.DatagramHandshaking

	go func() {
		conn, err := piondtls.Client(uc, raddr, conf)
		if err == nil {
			err = conn.HandshakeContext(ctx)
		}
		if err != nil {
			uc.Close()
		}
		t.hsResult <- hsResult{conn: conn, err: err}
	}()
	return nil
}

// AdvanceHandshake implements mainloop.DatagramTransport: a nonblocking check
// on the background handshake. A failed attempt reverts to idle; the
// reattempt period governs the next try.
func (t *Transport) AdvanceHandshake() (int, error) {
	select {
	case res := <-t.hsResult:
		t.hsCancel()
		t.hsResult = nil
		t.hsCancel = nil
		if res.err != nil {
			t.log.Infof("DTLS handshake failed: %v", res.err)
			t.state = mainloop.DatagramIdle
			return 1, nil
		}
		waker, err := poll.NewWaker()
		if err != nil {
			res.conn.Close()
			t.state = mainloop.DatagramIdle
			return 1, err
		}
		t.conn = res.conn
		t.waker = waker
		t.inbound = make(chan *packet.Packet, inboundDepth)
		t.readErr = make(chan error, 1)
		t.ka = t.cfg.Keepalive
		t.ka.Reset(time.Now())
		t.state = mainloop.DatagramEstablished
		t.log.Infof("Established DTLS connection to %s", t.cfg.Server)
		go t.reader(t.conn, t.inbound, t.readErr, t.waker)
		return 1, nil
	default:
		return 0, nil
	}
}

// reader republishes records as channel sends plus a wake. Control records
// are answered from the tick, not here; the reader only classifies.
func (t *Transport) reader(conn *piondtls.Conn, inbound chan *packet.Packet, readErr chan error, waker *poll.Waker) {
	buf := make([]byte, packet.MaxPacketSize)
	for {
		n, err := conn.Read(buf)
		if err != nil {
			readErr <- err
			waker.Wake()
			return
		}
		if n == 0 {
			continue
		}
		// First byte is the record type; data payload follows.
		p := packet.New(n)
		copy(p.Buf, buf[:n])
		select {
		case inbound <- p:
			waker.Wake()
		default:
			// Unreliable path; drop rather than stall the reader.
			p.Release()
		}
	}
}

// Tick implements mainloop.Handler for the established state.
func (t *Transport) Tick(in *poll.Interest, timeout *time.Duration) (int, error) {
	work := 0
	now := time.Now()
	t.waker.Drain()

	n, fatal := t.drainInbound(now)
	work += n
	if fatal {
		// Datagram loss is not session loss; fall back to the stream.
		t.log.Infof("DTLS connection lost, falling back to stream transport")
		t.teardown(false)
		return work + 1, nil
	}

	stalled := false
	for {
		p := t.cfg.Out.Peek()
		if p == nil {
			break
		}
		ok, err := t.send(now, pktData, p.Buf)
		if err != nil {
			t.log.Infof("DTLS write failed (%v), falling back to stream transport", err)
			t.teardown(false)
			return work + 1, nil
		}
		if !ok {
			stalled = true
			break
		}
		t.cfg.Out.Pop().Release()
		work++
	}

	n, dead := t.keepaliveTick(now, stalled, timeout)
	work += n
	if dead {
		t.log.Infof("DTLS peer unresponsive, falling back to stream transport")
		t.teardown(false)
		return work + 1, nil
	}

	in.Read(t.waker.Fd())
	return work, nil
}

// drainInbound consumes parked records. fatal reports a latched read error.
func (t *Transport) drainInbound(now time.Time) (work int, fatal bool) {
	for {
		select {
		case p := <-t.inbound:
			work++
			t.ka.LastRx = now
			typ := p.Buf[0]
			switch typ {
			case pktData:
				copy(p.Buf, p.Buf[1:])
				p.Buf = p.Buf[:p.Len()-1]
				t.cfg.In.Push(p)
			case pktDPDRequest:
				p.Release()
				t.log.Verbosef("DTLS DPD request from peer, responding")
				t.send(now, pktDPDReply, nil)
			case pktDPDReply:
				p.Release()
				t.log.Verbosef("Got DTLS DPD response")
			case pktKeepalive:
				p.Release()
				t.log.Verbosef("Got DTLS keepalive")
			default:
				p.Release()
				t.log.Verbosef("Unknown DTLS record type 0x%02x, ignoring", typ)
			}
		default:
			select {
			case err := <-t.readErr:
				t.log.Verbosef("DTLS read: %v", err)
				return work, true
			default:
				return work, false
			}
		}
	}
}

// keepaliveTick runs the DPD/keepalive schedule. dead reports that the peer
// missed its DPD deadline. Rekeying belongs to the stream transport; this
// path never negotiates keys of its own.
func (t *Transport) keepaliveTick(now time.Time, stalled bool, timeout *time.Duration) (work int, dead bool) {
	var action keepalive.Action
	if stalled {
		action = t.ka.DecideStalled(now, timeout)
	} else {
		action = t.ka.Decide(now, timeout)
	}

	switch action {
	case keepalive.DPDProbe:
		t.log.Verbosef("Sending DTLS DPD probe")
		t.send(now, pktDPDRequest, nil)
		return 1, false
	case keepalive.Keepalive:
		t.log.Verbosef("Sending DTLS keepalive")
		t.send(now, pktKeepalive, nil)
		return 1, false
	case keepalive.DPDDead:
		return 0, true
	}
	return 0, false
}

// send writes one record with a bounded deadline. ok is false when the
// socket is momentarily unwritable.
func (t *Transport) send(now time.Time, typ byte, payload []byte) (ok bool, err error) {
	rec := make([]byte, 0, len(payload)+1)
	rec = append(rec, typ)
	rec = append(rec, payload...)
	t.conn.SetWriteDeadline(now.Add(writeSlice))
	if _, err := t.conn.Write(rec); err != nil {
		if errors.Is(err, os.ErrDeadlineExceeded) {
			return false, nil
		}
		return false, err
	}
	t.ka.LastTx = now
	return true, nil
}

// Established reports whether the datagram path currently carries traffic.
// The stream transport uses this to leave the shared outgoing queue alone.
func (t *Transport) Established() bool {
	return t.state == mainloop.DatagramEstablished
}

// Close implements mainloop.DatagramTransport.
func (t *Transport) Close(clearAttempt bool) {
	t.teardown(clearAttempt)
}

func (t *Transport) teardown(clearAttempt bool) {
	if t.hsCancel != nil {
		t.hsCancel()
		t.hsCancel = nil
		t.hsResult = nil
	}
	if t.conn != nil {
		t.conn.Close()
		t.conn = nil
	}
	if t.waker != nil {
		t.waker.Close()
		t.waker = nil
	}
	if t.inbound != nil {
		for {
			select {
			case p := <-t.inbound:
				p.Release()
			default:
				t.inbound = nil
				t.state = mainloop.DatagramIdle
				return
			}
		}
	}
	t.state = mainloop.DatagramIdle
}
