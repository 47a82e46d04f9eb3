// Package socket implements the framed, priority-queued, backpressured
// stream socket. It sits directly on a raw non-blocking fd rather
// than a blocking net.Conn, since a hand-rolled reactor needs to drive
// reads and writes itself on EPOLLIN/EPOLLOUT readiness rather than behind
// Go's own internal netpoller.
package socket

import (
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/netmesh/corenet/wire"
)

// DefaultHighWaterMark is the default outbound queue byte budget before
// non-system sends start failing with ErrWouldBlock.
const DefaultHighWaterMark = 4 * 1024 * 1024 // 4 MiB

// ErrWouldBlock is returned by Enqueue when the outbound queue is over its
// high-water mark and the message isn't system priority.
var ErrWouldBlock = errors.New("socket: outbound queue full")

const numPriorities = 3 // wire.PrioritySystem, PriorityDefault, PriorityBackground

// Socket wraps one connected, non-blocking TCP fd with message framing.
// All methods are expected to run on the owning reactor goroutine; Socket
// does no internal locking.
type Socket struct {
	fd     int
	remote wire.SocketAddress

	decoder wire.FrameDecoder

	queues      [numPriorities][][]byte
	queuedBytes int
	highWater   int

	// inFlight is the byte remainder of the frame currently being
	// written; nil when no partial write is outstanding.
	inFlight    []byte
	inFlightPri wire.Priority

	closed bool
}

// New wraps an already-connected, non-blocking fd.
func New(fd int, remote wire.SocketAddress) *Socket {
	return &Socket{
		fd:        fd,
		remote:    remote,
		highWater: DefaultHighWaterMark,
	}
}

// DialTCP creates a non-blocking socket and starts connecting to addr.
// Completion (or failure) is observed by the caller registering the fd for
// writable readiness with the reactor, exactly as the original mio-based
// design does.
func DialTCP(addr wire.SocketAddress) (*Socket, error) {
	domain := unix.AF_INET
	if addr.IP.To4() == nil {
		domain = unix.AF_INET6
	}

	fd, err := unix.Socket(domain, unix.SOCK_STREAM, unix.IPPROTO_TCP)
	if err != nil {
		return nil, errors.Wrap(err, "socket: socket()")
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return nil, errors.Wrap(err, "socket: set non-blocking")
	}

	sa := toSockaddr(addr)
	err = unix.Connect(fd, sa)
	if err != nil && err != unix.EINPROGRESS {
		unix.Close(fd)
		return nil, errors.Wrap(err, "socket: connect()")
	}

	return New(fd, addr), nil
}

// ListenTCP binds and listens on port (0 meaning "any free port") and
// returns the raw listening fd plus the port actually bound.
func ListenTCP(port uint16) (fd int, boundPort uint16, err error) {
	fd, err = unix.Socket(unix.AF_INET6, unix.SOCK_STREAM, unix.IPPROTO_TCP)
	if err != nil {
		return 0, 0, errors.Wrap(err, "socket: socket()")
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		unix.Close(fd)
		return 0, 0, errors.Wrap(err, "socket: SO_REUSEADDR")
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return 0, 0, errors.Wrap(err, "socket: set non-blocking")
	}

	sa := &unix.SockaddrInet6{Port: int(port)}
	if err := unix.Bind(fd, sa); err != nil {
		unix.Close(fd)
		return 0, 0, errors.Wrap(err, "socket: bind()")
	}
	if err := unix.Listen(fd, unix.SOMAXCONN); err != nil {
		unix.Close(fd)
		return 0, 0, errors.Wrap(err, "socket: listen()")
	}

	got, err := unix.Getsockname(fd)
	if err != nil {
		unix.Close(fd)
		return 0, 0, errors.Wrap(err, "socket: getsockname()")
	}
	addr, err := fromSockaddr(got)
	if err != nil {
		unix.Close(fd)
		return 0, 0, err
	}

	return fd, addr.Port, nil
}

// AcceptTCP accepts one pending connection off a listening fd and returns a
// non-blocking Socket for it.
func AcceptTCP(listenFd int) (*Socket, error) {
	nfd, sa, err := unix.Accept4(listenFd, unix.SOCK_NONBLOCK)
	if err != nil {
		return nil, err
	}
	remote, err := fromSockaddr(sa)
	if err != nil {
		unix.Close(nfd)
		return nil, err
	}
	return New(nfd, remote), nil
}

// Fd returns the raw file descriptor, for reactor registration.
func (s *Socket) Fd() int { return s.fd }

// Remote returns the peer's socket address.
func (s *Socket) Remote() wire.SocketAddress { return s.remote }

// Enqueue frames payload and appends it to priority's outbound queue.
// Messages over wire.MaxPayloadSize are rejected outright (PayloadTooLarge,
// Non-system priority enqueues fail with ErrWouldBlock once the queue
// is over its high-water mark; system priority always succeeds.
func (s *Socket) Enqueue(payload []byte, priority wire.Priority) error {
	if len(payload) > wire.MaxPayloadSize {
		return wire.ErrPayloadTooLarge
	}
	if priority != wire.PrioritySystem && s.queuedBytes >= s.highWater {
		return ErrWouldBlock
	}

	frame, err := wire.EncodeFrame(payload)
	if err != nil {
		return err
	}

	idx := priorityIndex(priority)
	s.queues[idx] = append(s.queues[idx], frame)
	s.queuedBytes += len(frame)
	return nil
}

// HasPending reports whether anything remains to be written, i.e. whether
// this socket should be registered for writable readiness.
func (s *Socket) HasPending() bool {
	if s.inFlight != nil {
		return true
	}
	for _, q := range s.queues {
		if len(q) > 0 {
			return true
		}
	}
	return false
}

// Flush performs non-blocking writes until the outbound queue drains or
// the socket would block. It returns drained=true once HasPending would
// report false.
func (s *Socket) Flush() (drained bool, err error) {
	for {
		if s.inFlight == nil {
			chunk, idx, ok := s.dequeueNext()
			if !ok {
				return true, nil
			}
			s.inFlight = chunk
			s.inFlightPri = wire.Priority(idx)
		}

		n, werr := unix.Write(s.fd, s.inFlight)
		if n > 0 {
			s.queuedBytes -= n
			s.inFlight = s.inFlight[n:]
		}
		if werr != nil {
			if werr == unix.EAGAIN || werr == unix.EINTR {
				return false, nil
			}
			return false, errors.Wrap(werr, "socket: write")
		}
		if len(s.inFlight) == 0 {
			s.inFlight = nil
		}
	}
}

func (s *Socket) dequeueNext() ([]byte, int, bool) {
	for idx := range s.queues {
		q := s.queues[idx]
		if len(q) == 0 {
			continue
		}
		chunk := q[0]
		s.queues[idx] = q[1:]
		return chunk, idx, true
	}
	return nil, 0, false
}

// ReadFrames drains whatever is currently readable and returns every
// complete frame that reassembled as a result. A clean remote close (a read
// of 0 bytes) is reported as the error ErrPeerClosed returns.
func (s *Socket) ReadFrames() ([][]byte, error) {
	var out [][]byte
	buf := make([]byte, 64*1024)

	for {
		n, err := unix.Read(s.fd, buf)
		if n > 0 {
			frames, ferr := s.decoder.Feed(buf[:n])
			out = append(out, frames...)
			if ferr != nil {
				return out, ferr
			}
		}
		if err != nil {
			if err == unix.EAGAIN {
				return out, nil
			}
			if err == unix.EINTR {
				continue
			}
			return out, errors.Wrap(err, "socket: read")
		}
		if n == 0 {
			return out, errPeerClosed
		}
	}
}

var errPeerClosed = errors.New("socket: peer closed connection")

// ErrPeerClosed reports a clean remote close (read of zero bytes).
func ErrPeerClosed() error { return errPeerClosed }

// Close releases the underlying fd. The reactor's Deregister must be
// called separately to drop the token/context registration.
func (s *Socket) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	return unix.Close(s.fd)
}

func priorityIndex(p wire.Priority) int {
	idx := int(p)
	if idx < 0 {
		idx = 0
	}
	if idx >= numPriorities {
		idx = numPriorities - 1
	}
	return idx
}
