package wstunnel_test

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/octungo/octun/wstunnel"
)

var upgrader = websocket.Upgrader{}

// startEchoServer upgrades every request and echoes binary messages back.
func startEchoServer(t *testing.T) string {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()
		for {
			typ, msg, err := ws.ReadMessage()
			if err != nil {
				return
			}
			if typ != websocket.BinaryMessage {
				continue
			}
			if err := ws.WriteMessage(websocket.BinaryMessage, msg); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func dial(t *testing.T, url string) *wstunnel.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c, err := wstunnel.Dial(ctx, url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func TestRoundTrip(t *testing.T) {
	c := dial(t, startEchoServer(t))

	msg := []byte("framed tunnel bytes")
	n, err := c.Write(msg)
	require.NoError(t, err)
	require.Equal(t, len(msg), n)

	buf := make([]byte, len(msg))
	_, err = io.ReadFull(c, buf)
	require.NoError(t, err)
	require.Equal(t, string(msg), string(buf))
}

func TestReadSplicesMessages(t *testing.T) {
	c := dial(t, startEchoServer(t))

	// Two writes become two messages; a reader sees one byte stream.
	_, err := c.Write([]byte("ab"))
	require.NoError(t, err)
	_, err = c.Write([]byte("cd"))
	require.NoError(t, err)

	buf := make([]byte, 4)
	_, err = io.ReadFull(c, buf)
	require.NoError(t, err)
	require.Equal(t, "abcd", string(buf))
}

func TestShortReadsWithinMessage(t *testing.T) {
	c := dial(t, startEchoServer(t))

	_, err := c.Write([]byte("split me"))
	require.NoError(t, err)

	one := make([]byte, 1)
	var got []byte
	for len(got) < len("split me") {
		n, err := c.Read(one)
		require.NoError(t, err)
		got = append(got, one[:n]...)
	}
	require.Equal(t, "split me", string(got))
}

func TestReadDeadline(t *testing.T) {
	c := dial(t, startEchoServer(t))

	require.NoError(t, c.SetReadDeadline(time.Now().Add(50*time.Millisecond)))
	buf := make([]byte, 1)
	_, err := c.Read(buf)
	require.Error(t, err, "no traffic and an expired deadline must fail the read")
}
