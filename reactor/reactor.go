// Package reactor implements the single-threaded, edge-triggered event loop
// that drives every non-blocking socket owned by a corenet Service.
//
// It is the Go-native analogue of the mio-based event loop the original
// implementation was built on: one goroutine owns an epoll instance, a
// token-keyed registry of States, and an unbounded mailbox of command
// closures. Everything that touches reactor-owned state must do so from
// inside a command run on the reactor goroutine.
package reactor

import (
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// Token stably identifies a State registered with the reactor. Tokens are
// never reused while their owning State is alive.
type Token uint64

// Context groups logically related tokens (e.g. the several sockets raced
// by one connect attempt) under a single state.
type Context uint64

// Events is the readiness set delivered to a State's Ready callback.
type Events struct {
	Readable bool
	Writable bool
	Error    bool
	Hup      bool
}

// Any reports whether at least one readiness bit is set.
func (e Events) Any() bool { return e.Readable || e.Writable || e.Error || e.Hup }

// State is a reactor-managed object driven by I/O readiness. Implementations
// must not block in Ready or Terminate; both run on the reactor goroutine.
type State interface {
	// Ready is invoked once per wakeup that reports readiness for this
	// state's token.
	Ready(r *Reactor, token Token, events Events)
	// Terminate deregisters every fd this state owns and releases its
	// resources. The reactor guarantees Terminate runs at most once.
	Terminate(r *Reactor)
}

// Command is a closure applied to the reactor on its own goroutine. Commands
// run to completion before the next I/O event is dispatched.
type Command func(r *Reactor)

const maxEpollEvents = 256

// Reactor owns one epoll instance, the token/context registries, and the
// command mailbox. Create with New and drive it with Run from a dedicated
// goroutine; everything else is safe to call from any goroutine.
type Reactor struct {
	log *logrus.Entry

	epfd    int
	wakeFd  int // eventfd used to interrupt EpollWait when a command arrives
	nextTok uint64

	mu       sync.Mutex
	states   map[Token]State
	fds      map[Token]int
	fdToTok  map[int32]Token
	tokCtx   map[Token]Context
	ctxState map[Context]State
	closed   bool

	mailMu sync.Mutex
	mail   []Command

	done   chan struct{}
	exited chan struct{} // closed when Run's goroutine returns
}

// New creates an epoll instance and its wakeup eventfd but does not start
// the loop; call Run to start dispatching.
func New(log *logrus.Entry) (*Reactor, error) {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}

	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, errors.Wrap(err, "reactor: epoll_create1")
	}

	wakeFd, err := unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK)
	if err != nil {
		unix.Close(epfd)
		return nil, errors.Wrap(err, "reactor: eventfd")
	}

	r := &Reactor{
		log:      log.WithField("component", "reactor"),
		epfd:     epfd,
		wakeFd:   wakeFd,
		states:   make(map[Token]State),
		fds:      make(map[Token]int),
		fdToTok:  make(map[int32]Token),
		tokCtx:   make(map[Token]Context),
		ctxState: make(map[Context]State),
		done:     make(chan struct{}),
		exited:   make(chan struct{}),
	}

	ev := unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(wakeFd)}
	if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, wakeFd, &ev); err != nil {
		unix.Close(epfd)
		unix.Close(wakeFd)
		return nil, errors.Wrap(err, "reactor: register wake fd")
	}

	return r, nil
}

// NewToken allocates a fresh, never-reused token.
func (r *Reactor) NewToken() Token {
	return Token(atomic.AddUint64(&r.nextTok, 1))
}

// NewContext allocates a fresh, never-reused context id. Contexts and
// tokens are independent namespaces sharing one counter; that's fine,
// since nothing ever compares a Token to a Context.
func (r *Reactor) NewContext() Context {
	return Context(atomic.AddUint64(&r.nextTok, 1))
}

// Register adds fd to the epoll set under token, owned by state.
func (r *Reactor) Register(fd int, token Token, events Events, state State) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return errors.New("reactor: closed")
	}

	ev := unix.EpollEvent{Events: toEpollMask(events) | unix.EPOLLET, Fd: int32(fd)}
	if err := unix.EpollCtl(r.epfd, unix.EPOLL_CTL_ADD, fd, &ev); err != nil {
		return errors.Wrapf(err, "reactor: register token %d", token)
	}

	r.states[token] = state
	r.fds[token] = fd
	r.fdToTok[int32(fd)] = token
	return nil
}

// Promote swaps the State owning an already-registered token, e.g. when a
// BootstrapAcceptor's handshake completes and the same fd continues life
// as a Peer. The fd's epoll registration is updated to events in the same
// call, so the new state starts with exactly the interest it asked for.
func (r *Reactor) Promote(token Token, state State, events Events) error {
	r.mu.Lock()
	fd, ok := r.fds[token]
	if !ok {
		r.mu.Unlock()
		return errors.Errorf("reactor: promote unknown token %d", token)
	}
	r.states[token] = state
	r.mu.Unlock()

	ev := unix.EpollEvent{Events: toEpollMask(events) | unix.EPOLLET, Fd: int32(fd)}
	if err := unix.EpollCtl(r.epfd, unix.EPOLL_CTL_MOD, fd, &ev); err != nil {
		return errors.Wrapf(err, "reactor: promote token %d", token)
	}
	return nil
}

// Reregister changes the interest set for an already-registered token. Used
// by framed sockets transitioning between empty/non-empty outbound queues.
func (r *Reactor) Reregister(token Token, events Events) error {
	r.mu.Lock()
	fd, ok := r.fds[token]
	r.mu.Unlock()
	if !ok {
		return errors.Errorf("reactor: unknown token %d", token)
	}

	ev := unix.EpollEvent{Events: toEpollMask(events) | unix.EPOLLET, Fd: int32(fd)}
	if err := unix.EpollCtl(r.epfd, unix.EPOLL_CTL_MOD, fd, &ev); err != nil {
		return errors.Wrapf(err, "reactor: reregister token %d", token)
	}
	return nil
}

// Deregister removes token's fd from the poll set and drops its registry
// entries, including any context it owned. It does not close the fd; the
// caller's State.Terminate owns that.
func (r *Reactor) Deregister(token Token) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if fd, ok := r.fds[token]; ok {
		_ = unix.EpollCtl(r.epfd, unix.EPOLL_CTL_DEL, fd, nil)
		delete(r.fds, token)
		delete(r.fdToTok, int32(fd))
	}
	delete(r.states, token)
	if ctx, ok := r.tokCtx[token]; ok {
		delete(r.tokCtx, token)
		delete(r.ctxState, ctx)
	}
}

// InsertContext associates token's context with state, so other tokens
// belonging to the same multi-socket attempt can be found via the context.
func (r *Reactor) InsertContext(token Token, ctx Context, state State) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tokCtx[token] = ctx
	r.ctxState[ctx] = state
}

// StateByContext looks up the state owning ctx, if any.
func (r *Reactor) StateByContext(ctx Context) (State, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.ctxState[ctx]
	return s, ok
}

// RemoveContext drops the context→state mapping without touching tokens.
func (r *Reactor) RemoveContext(ctx Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.ctxState, ctx)
}

// Post enqueues a command for execution on the reactor goroutine and wakes
// it if it is blocked in EpollWait. Safe to call from any goroutine,
// including before Run has started.
func (r *Reactor) Post(cmd Command) {
	r.mailMu.Lock()
	r.mail = append(r.mail, cmd)
	r.mailMu.Unlock()
	r.wake()
}

func (r *Reactor) wake() {
	buf := make([]byte, 8)
	buf[0] = 1
	_, _ = unix.Write(r.wakeFd, buf)
}

func (r *Reactor) drainWake() {
	buf := make([]byte, 8)
	for {
		_, err := unix.Read(r.wakeFd, buf)
		if err != nil {
			break
		}
	}
}

// Run drives the loop until Shutdown is called. It must run on its own
// goroutine; command closures and State.Ready/Terminate all execute here.
func (r *Reactor) Run() {
	defer close(r.exited)

	events := make([]unix.EpollEvent, maxEpollEvents)

	for {
		select {
		case <-r.done:
			return
		default:
		}

		n, err := unix.EpollWait(r.epfd, events, -1)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			r.log.WithError(err).Error("epoll_wait failed, reactor exiting")
			return
		}

		for i := 0; i < n; i++ {
			ev := events[i]
			if int(ev.Fd) == r.wakeFd {
				r.drainWake()
				r.runMail()
				continue
			}
			r.dispatch(ev)
		}

		select {
		case <-r.done:
			return
		default:
		}
	}
}

func (r *Reactor) dispatch(ev unix.EpollEvent) {
	token, state, ok := r.stateForFd(ev.Fd)
	if !ok {
		return
	}

	set := fromEpollMask(ev.Events)

	func() {
		defer func() {
			if rec := recover(); rec != nil {
				r.log.WithField("token", token).Panicf("state panicked in Ready: %v", rec)
				panic(rec)
			}
		}()
		state.Ready(r, token, set)
	}()
}

func (r *Reactor) stateForFd(fd int32) (Token, State, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	tok, ok := r.fdToTok[fd]
	if !ok {
		return 0, nil, false
	}
	return tok, r.states[tok], true
}

func (r *Reactor) runMail() {
	r.mailMu.Lock()
	batch := r.mail
	r.mail = nil
	r.mailMu.Unlock()

	for _, cmd := range batch {
		func() {
			defer func() {
				if rec := recover(); rec != nil {
					r.log.Panicf("command panicked: %v", rec)
					panic(rec)
				}
			}()
			cmd(r)
		}()
	}
}

// Shutdown terminates every live state and stops Run, then blocks until
// Run's goroutine has actually returned. Safe to call once from any
// goroutine.
func (r *Reactor) Shutdown() {
	r.Post(func(r *Reactor) {
		r.mu.Lock()
		states := make([]State, 0, len(r.states))
		for _, s := range r.states {
			states = append(states, s)
		}
		r.closed = true
		r.mu.Unlock()

		for _, s := range states {
			s.Terminate(r)
		}

		close(r.done)
		unix.Close(r.epfd)
		unix.Close(r.wakeFd)
	})
	<-r.exited
}

func toEpollMask(e Events) uint32 {
	var m uint32
	if e.Readable {
		m |= unix.EPOLLIN
	}
	if e.Writable {
		m |= unix.EPOLLOUT
	}
	return m
}

func fromEpollMask(m uint32) Events {
	return Events{
		Readable: m&unix.EPOLLIN != 0,
		Writable: m&unix.EPOLLOUT != 0,
		Error:    m&unix.EPOLLERR != 0,
		Hup:      m&unix.EPOLLHUP != 0,
	}
}
