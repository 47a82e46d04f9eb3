package socket

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/netmesh/corenet/wire"
)

func waitWritable(t *testing.T, fd int) {
	t.Helper()
	fds := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLOUT}}
	_, err := unix.Poll(fds, 1000)
	require.NoError(t, err)
}

func waitReadable(t *testing.T, fd int) {
	t.Helper()
	fds := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLIN}}
	_, err := unix.Poll(fds, 1000)
	require.NoError(t, err)
}

func TestEnqueueFlushReadFramesRoundTrip(t *testing.T) {
	listenFd, port, err := ListenTCP(0)
	require.NoError(t, err)
	defer unix.Close(listenFd)

	loopback := wire.SocketAddress{IP: net.ParseIP("::1"), Port: port}
	client, err := DialTCP(loopback)
	require.NoError(t, err)
	defer client.Close()

	waitReadable(t, listenFd)
	server, err := AcceptTCP(listenFd)
	require.NoError(t, err)
	defer server.Close()

	waitWritable(t, client.Fd())

	require.NoError(t, client.Enqueue([]byte("hello"), wire.PriorityDefault))
	require.True(t, client.HasPending())

	drained, err := client.Flush()
	require.NoError(t, err)
	require.True(t, drained)
	require.False(t, client.HasPending())

	waitReadable(t, server.Fd())

	deadline := time.Now().Add(time.Second)
	var frames [][]byte
	for time.Now().Before(deadline) {
		got, ferr := server.ReadFrames()
		require.NoError(t, ferr)
		frames = append(frames, got...)
		if len(frames) > 0 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	require.Len(t, frames, 1)
	require.Equal(t, []byte("hello"), frames[0])
}

func TestEnqueueRejectsOversizePayload(t *testing.T) {
	s := &Socket{highWater: DefaultHighWaterMark}
	err := s.Enqueue(make([]byte, wire.MaxPayloadSize+1), wire.PriorityDefault)
	require.ErrorIs(t, err, wire.ErrPayloadTooLarge)
}

func TestEnqueueBackpressureBypassedBySystemPriority(t *testing.T) {
	s := &Socket{highWater: 10}
	s.queuedBytes = 10

	err := s.Enqueue([]byte("background"), wire.PriorityBackground)
	require.ErrorIs(t, err, ErrWouldBlock)

	err = s.Enqueue([]byte("system"), wire.PrioritySystem)
	require.NoError(t, err)
}

func TestPriorityOrderingWithinQueue(t *testing.T) {
	s := &Socket{highWater: DefaultHighWaterMark}
	require.NoError(t, s.Enqueue([]byte("low-1"), wire.PriorityBackground))
	require.NoError(t, s.Enqueue([]byte("high"), wire.PrioritySystem))
	require.NoError(t, s.Enqueue([]byte("low-2"), wire.PriorityBackground))

	chunk, idx, ok := s.dequeueNext()
	require.True(t, ok)
	require.Equal(t, 0, idx)
	frame, err := wire.EncodeFrame([]byte("high"))
	require.NoError(t, err)
	require.Equal(t, frame, chunk)
}
