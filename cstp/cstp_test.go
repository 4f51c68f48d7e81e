package cstp

import (
	"bytes"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/octungo/octun/keepalive"
	"github.com/octungo/octun/mainloop"
	"github.com/octungo/octun/packet"
	"github.com/octungo/octun/poll"
)

func TestCodecRoundTrip(t *testing.T) {
	for _, tc := range []struct {
		typ     frameType
		payload []byte
	}{
		{frameData, []byte("a tunnel packet")},
		{frameKeepalive, nil},
		{frameDisconnect, []byte("goodbye")},
	} {
		raw := appendFrame(nil, tc.typ, tc.payload)
		require.Len(t, raw, headerLen+len(tc.payload))

		buf := make([]byte, maxPayload)
		typ, payload, err := readFrame(bytes.NewReader(raw), buf)
		require.NoError(t, err)
		require.Equal(t, tc.typ, typ)
		require.Equal(t, string(tc.payload), string(payload))
	}
}

func TestCodecRejectsBadHeader(t *testing.T) {
	raw := []byte{'X', 'T', 'F', 0x01, 0, 0, 0, 0}
	_, _, err := readFrame(bytes.NewReader(raw), make([]byte, 16))
	require.Error(t, err)
}

type rframe struct {
	typ     frameType
	payload []byte
}

// startPeer plays the gateway end of the pipe, parsing every frame the
// transport sends into a channel.
func startPeer(nc net.Conn) <-chan rframe {
	ch := make(chan rframe, 64)
	go func() {
		defer close(ch)
		buf := make([]byte, maxPayload)
		for {
			typ, payload, err := readFrame(nc, buf)
			if err != nil {
				return
			}
			ch <- rframe{typ: typ, payload: append([]byte(nil), payload...)}
		}
	}()
	return ch
}

func newTestConn(t *testing.T, ka keepalive.Info) (*Conn, net.Conn, *packet.Queue, *packet.Queue) {
	t.Helper()
	client, server := net.Pipe()
	out := packet.NewQueue(64)
	in := packet.NewQueue(64)
	c, err := New(client, Config{Keepalive: ka, Out: out, In: in},
		mainloop.NewLogger(mainloop.LogLevelSilent, nil))
	require.NoError(t, err)
	t.Cleanup(c.Close)
	t.Cleanup(func() { server.Close() })
	return c, server, out, in
}

// tick drives Tick until cond holds or the deadline passes.
func tick(t *testing.T, c *Conn, cond func() bool) error {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		var in poll.Interest
		timeout := time.Hour
		if _, err := c.Tick(&in, &timeout); err != nil {
			return err
		}
		if cond() {
			return nil
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not reached")
	return nil
}

// pump keeps ticking in the background until stopped or the transport errors.
// done is closed on return so tests can join before cleanup closes the Conn.
func pump(c *Conn, stop, done chan struct{}) {
	defer close(done)
	for {
		select {
		case <-stop:
			return
		default:
		}
		var in poll.Interest
		timeout := time.Hour
		if _, err := c.Tick(&in, &timeout); err != nil {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func expectFrame(t *testing.T, frames <-chan rframe, typ frameType) rframe {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case f, ok := <-frames:
			require.True(t, ok, "peer closed while waiting for %s", typ)
			if f.typ == typ {
				return f
			}
		case <-deadline:
			t.Fatalf("no %s frame from transport", typ)
		}
	}
}

func TestOutboundData(t *testing.T) {
	c, server, out, _ := newTestConn(t, keepalive.Info{})
	frames := startPeer(server)

	require.NoError(t, out.PushNew([]byte("ping over the tunnel")))
	require.NoError(t, tick(t, c, func() bool {
		return out.Len() == 0 && len(c.wbuf) == 0
	}))

	f := expectFrame(t, frames, frameData)
	require.Equal(t, "ping over the tunnel", string(f.payload))
}

func TestInboundData(t *testing.T) {
	c, server, _, in := newTestConn(t, keepalive.Info{})

	go server.Write(appendFrame(nil, frameData, []byte("pong")))
	require.NoError(t, tick(t, c, func() bool { return in.Len() > 0 }))

	p := in.Pop()
	require.Equal(t, "pong", string(p.Buf))
	p.Release()
}

func TestDPDRequestAnswered(t *testing.T) {
	c, server, _, _ := newTestConn(t, keepalive.Info{})
	frames := startPeer(server)

	stop := make(chan struct{})
	done := make(chan struct{})
	defer func() { close(stop); <-done }()
	go server.Write(appendFrame(nil, frameDPDRequest, nil))
	go pump(c, stop, done)

	expectFrame(t, frames, frameDPDResponse)
}

func TestDPDProbeSent(t *testing.T) {
	c, server, _, _ := newTestConn(t, keepalive.Info{DPD: time.Second})
	frames := startPeer(server)

	// A DPD period of silence has already passed.
	c.ka.LastRx = time.Now().Add(-1100 * time.Millisecond)
	c.ka.LastDPD = time.Time{}

	stop := make(chan struct{})
	done := make(chan struct{})
	defer func() { close(stop); <-done }()
	go pump(c, stop, done)
	expectFrame(t, frames, frameDPDRequest)
}

func TestKeepaliveSent(t *testing.T) {
	c, server, _, _ := newTestConn(t, keepalive.Info{Keepalive: 20 * time.Millisecond})
	frames := startPeer(server)

	time.Sleep(30 * time.Millisecond)
	stop := make(chan struct{})
	done := make(chan struct{})
	defer func() { close(stop); <-done }()
	go pump(c, stop, done)
	expectFrame(t, frames, frameKeepalive)
}

func TestRemoteDisconnect(t *testing.T) {
	c, server, _, _ := newTestConn(t, keepalive.Info{})

	go server.Write(appendFrame(nil, frameDisconnect, []byte("session over")))
	err := tick(t, c, func() bool { return false })
	require.ErrorIs(t, err, mainloop.ErrRemoteTerminated)
	require.ErrorContains(t, err, "session over")
}

func TestTerminateMeansReauth(t *testing.T) {
	c, server, _, _ := newTestConn(t, keepalive.Info{})

	go server.Write(appendFrame(nil, frameTerminate, []byte("cookie expired")))
	err := tick(t, c, func() bool { return false })
	require.ErrorIs(t, err, mainloop.ErrAuthExpired)
}

func TestBye(t *testing.T) {
	c, server, _, _ := newTestConn(t, keepalive.Info{})
	frames := startPeer(server)

	go c.Bye("client shutting down")
	f := expectFrame(t, frames, frameDisconnect)
	require.Equal(t, "client shutting down", string(f.payload))
}
