package peer

import (
	"context"
	"net"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"

	"github.com/netmesh/corenet/socket"
	"github.com/netmesh/corenet/wire"
)

// ErrAllCandidatesFailed is returned when every racing dial/handshake
// attempt failed or timed out.
var ErrAllCandidatesFailed = errors.New("peer: all candidates failed")

type dialOutcome struct {
	sock      *socket.Socket
	handshake wire.Handshake
	endpoint  wire.Endpoint
}

// raceHandshake dials every candidate concurrently with golang.org/x/sync's
// errgroup, completes the accept handshake over whichever connects first,
// and cancels the rest.
// This is the initiator's half of bootstrap's and direct connect's
// racing connection attempts; the accepting side is BootstrapAcceptor.
func raceHandshake(parent context.Context, candidates []wire.Endpoint, perCandidateTimeout time.Duration, ours wire.Handshake) (*dialOutcome, error) {
	if len(candidates) == 0 {
		return nil, ErrAllCandidatesFailed
	}

	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	g, ctx := errgroup.WithContext(ctx)
	resultCh := make(chan dialOutcome, 1)

	for _, ep := range candidates {
		ep := ep
		g.Go(func() error {
			outcome, err := dialAndHandshake(ctx, ep, perCandidateTimeout, ours)
			if err != nil {
				return nil // a single candidate's failure doesn't fail the race
			}
			select {
			case resultCh <- *outcome:
				cancel()
			default:
				_ = outcome.sock.Close()
			}
			return nil
		})
	}

	_ = g.Wait()
	close(resultCh)

	outcome, ok := <-resultCh
	if !ok {
		return nil, ErrAllCandidatesFailed
	}
	return &outcome, nil
}

func dialAndHandshake(ctx context.Context, ep wire.Endpoint, timeout time.Duration, ours wire.Handshake) (*dialOutcome, error) {
	dialer := net.Dialer{Timeout: timeout}
	conn, err := dialer.DialContext(ctx, "tcp", ep.Tcp.String())
	if err != nil {
		return nil, err
	}

	deadline := time.Now().Add(timeout)
	_ = conn.SetDeadline(deadline)

	encodedHandshake, err := wire.EncodeHandshake(ours)
	if err != nil {
		conn.Close()
		return nil, err
	}
	frame, err := wire.EncodeFrame(encodedHandshake)
	if err != nil {
		conn.Close()
		return nil, err
	}
	if _, err := conn.Write(frame); err != nil {
		conn.Close()
		return nil, err
	}

	remote, err := readHandshakeBlocking(conn)
	if err != nil {
		conn.Close()
		return nil, err
	}

	fd, err := nonblockingFdFromConn(conn)
	if err != nil {
		conn.Close()
		return nil, err
	}
	conn.Close()

	return &dialOutcome{
		sock:      socket.New(fd, ep.Tcp),
		handshake: remote,
		endpoint:  ep,
	}, nil
}

// readHandshakeBlocking reads exactly one length-prefixed frame off conn
// (which still has a deadline set) and decodes it as a Handshake.
func readHandshakeBlocking(conn net.Conn) (wire.Handshake, error) {
	lenBuf := make([]byte, 4)
	if _, err := readFull(conn, lenBuf); err != nil {
		return wire.Handshake{}, err
	}
	length := uint32(lenBuf[0])<<24 | uint32(lenBuf[1])<<16 | uint32(lenBuf[2])<<8 | uint32(lenBuf[3])
	if length > wire.MaxPayloadSize {
		return wire.Handshake{}, wire.ErrPayloadTooLarge
	}
	payload := make([]byte, length)
	if _, err := readFull(conn, payload); err != nil {
		return wire.Handshake{}, err
	}
	return wire.DecodeHandshake(payload)
}

func readFull(conn net.Conn, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := conn.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// nonblockingFdFromConn detaches an independent, non-blocking raw fd from
// a *net.TCPConn so the reactor can own it directly. conn remains valid
// and must still be closed by the caller; closing it does not affect the
// fd returned here.
func nonblockingFdFromConn(conn net.Conn) (int, error) {
	tcp, ok := conn.(*net.TCPConn)
	if !ok {
		return 0, errors.New("peer: expected *net.TCPConn")
	}

	file, err := tcp.File()
	if err != nil {
		return 0, errors.Wrap(err, "peer: detach fd")
	}
	defer file.Close()

	fd, err := unix.Dup(int(file.Fd()))
	if err != nil {
		return 0, errors.Wrap(err, "peer: dup fd")
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return 0, errors.Wrap(err, "peer: set non-blocking")
	}
	return fd, nil
}
