package packet_test

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/octungo/octun/packet"
)

func TestQueueFIFO(t *testing.T) {
	q := packet.NewQueue(0)

	const n = 100
	for i := 0; i < n; i++ {
		require.NoError(t, q.PushNew(fmt.Appendf(nil, "packet-%03d", i)))
	}
	require.Equal(t, n, q.Len())

	for i := 0; i < n; i++ {
		p := q.Pop()
		require.NotNil(t, p)
		require.Equal(t, fmt.Sprintf("packet-%03d", i), string(p.Buf))
		p.Release()
	}

	require.Equal(t, 0, q.Len())
	require.Nil(t, q.Pop())
	require.Nil(t, q.Peek())
}

func TestQueueInterleaved(t *testing.T) {
	q := packet.NewQueue(0)

	// Interleaved pushes and pops must still come out in insertion order.
	next := 0
	want := 0
	for round := 0; round < 20; round++ {
		for i := 0; i < 3; i++ {
			require.NoError(t, q.PushNew([]byte{byte(next)}))
			next++
		}
		for i := 0; i < 2; i++ {
			p := q.Pop()
			require.NotNil(t, p)
			require.Equal(t, byte(want), p.Buf[0])
			want++
			p.Release()
		}
	}
	for p := q.Pop(); p != nil; p = q.Pop() {
		require.Equal(t, byte(want), p.Buf[0])
		want++
		p.Release()
	}
	require.Equal(t, next, want)
}

func TestQueueBound(t *testing.T) {
	q := packet.NewQueue(2)

	require.NoError(t, q.PushNew([]byte{1}))
	require.NoError(t, q.PushNew([]byte{2}))
	require.ErrorIs(t, q.PushNew([]byte{3}), packet.ErrQueueFull)
	require.Equal(t, 2, q.Len())

	// A packet the caller already owns is accepted past the bound.
	q.Push(packet.Outgoing([]byte{4}))
	require.Equal(t, 3, q.Len())

	q.Flush()
	require.Equal(t, 0, q.Len())
	require.NoError(t, q.PushNew([]byte{5}))
	q.Flush()
}

func TestQueuePeek(t *testing.T) {
	q := packet.NewQueue(0)
	require.NoError(t, q.PushNew([]byte("head")))
	require.NoError(t, q.PushNew([]byte("tail")))

	require.Equal(t, "head", string(q.Peek().Buf))
	require.Equal(t, 2, q.Len(), "peek must not consume")
	require.Equal(t, "head", string(q.Pop().Buf))
	require.Equal(t, "tail", string(q.Peek().Buf))
}

func TestPacketRoundTrip(t *testing.T) {
	p := packet.Outgoing([]byte("hello"))
	require.Equal(t, 5, p.Len())
	require.Equal(t, "hello", string(p.Buf))
	p.Release()

	p = packet.New(3)
	require.Equal(t, 3, p.Len())
	p.Release()
}
