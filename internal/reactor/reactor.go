// Package reactor is a single-threaded, epoll-driven socket server. All
// socket state lives on the goroutine that calls Poll; every other
// goroutine talks to it by queueing a command on a channel and writing one
// wakeup byte to a self-pipe, the way the original runtime serialized
// cross-thread commands through a pipe instead of letting callers touch
// socket state directly. Poll returns at
// most one Event per call, same as the original's "one message per poll"
// contract, so callers can fold it into their own dispatch loop alongside
// other event sources.
package reactor

import (
	"context"
	"fmt"
	"net"
	"os"
	"sync"
	"syscall"

	"golang.org/x/sys/unix"

	"actorbus/internal/syncutil"
)

const eventMax = 256

// EventTag classifies an Event returned from Poll.
type EventTag int

const (
	EventOpen EventTag = iota
	EventAccept
	EventData
	EventClose
	EventErr
)

func (t EventTag) String() string {
	switch t {
	case EventOpen:
		return "open"
	case EventAccept:
		return "accept"
	case EventData:
		return "data"
	case EventClose:
		return "close"
	case EventErr:
		return "error"
	default:
		return "unknown"
	}
}

// Event is what Poll hands back to the caller.
type Event struct {
	Tag    EventTag
	ID     int
	Opaque uintptr
	Data   []byte
	// RemoteAddr carries the accepted connection's peer address on an
	// EventAccept, the Go equivalent of the original's peer-address
	// buffer handed back alongside SOCKET_ACCEPT.
	RemoteAddr string
	// LocalAddr carries the bound address on an EventOpen for a listening
	// socket, needed when the caller asked to bind port 0.
	LocalAddr string
}

// request command type bytes, mirroring the original self-pipe protocol.
const (
	cmdClose   byte = 'X'
	cmdListen  byte = 'L'
	cmdSend    byte = 'W'
	cmdConnect byte = 'C'
	cmdStart   byte = 'S'
)

type closeRequest struct {
	id     int
	opaque uintptr
	what   ShutdownKind
}

type listenRequest struct {
	id      int
	opaque  uintptr
	host    string
	port    string
	backlog int
}

type connectRequest struct {
	id     int
	opaque uintptr
	host   string
	port   string
}

type startRequest struct {
	id int
}

type sendRequest struct {
	id   int
	buf  []byte
	high bool
}

// request is sent over the self-pipe's control channel; the actual pipe
// only ever carries a one-byte wakeup, with the payload riding a Go
// channel — the idiomatic substitute for framing request structs as raw
// bytes, since unlike C we can pass real values through a channel instead
// of serializing them into a shared buffer.
type request struct {
	kind byte
	body interface{}
}

// Server is the reactor. Build one with New, drive it by calling Poll in a
// loop from a single goroutine, and issue commands from any goroutine via
// Listen/Connect/Start/Close/SendHigh/SendLow.
type Server struct {
	epfd int

	wakeR, wakeW *os.File
	reqs         chan request

	lock    syncutil.Spinlock
	slots   [socketIDMax]socket
	allocID int

	events []unix.EpollEvent
	evIdx  int
	evNum  int

	wakeArmed bool
	listeners map[int]int // fd -> socket id, for accept routing
	closeOnce sync.Once
}

// New creates a Server with its own epoll instance and self-pipe.
func New() (*Server, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("reactor: epoll_create1: %w", err)
	}

	r, w, err := os.Pipe()
	if err != nil {
		unix.Close(epfd)
		return nil, fmt.Errorf("reactor: pipe: %w", err)
	}

	s := &Server{
		epfd:      epfd,
		wakeR:     r,
		wakeW:     w,
		reqs:      make(chan request, 256),
		events:    make([]unix.EpollEvent, eventMax),
		listeners: make(map[int]int),
	}
	return s, nil
}

// Release force-closes every live socket and tears down the epoll fd and
// self-pipe. Call it once, after the Poll loop has stopped.
func (s *Server) Release() {
	s.closeOnce.Do(func() {
		s.lock.Lock()
		for i := range s.slots {
			sock := &s.slots[i]
			if sock.status != StatusInvalid && sock.status != StatusReserve {
				s.forceClose(sock)
			}
		}
		s.lock.Unlock()
		unix.Close(s.epfd)
		s.wakeR.Close()
		s.wakeW.Close()
	})
}

func (s *Server) reserveID() (int, error) {
	s.lock.Lock()
	defer s.lock.Unlock()
	for i := 0; i < socketIDMax; i++ {
		s.allocID++
		if s.allocID < 0 {
			s.allocID = 0
		}
		id := s.allocID % socketIDMax
		sock := &s.slots[id]
		if sock.status == StatusInvalid {
			sock.id = id
			sock.status = StatusReserve
			return id, nil
		}
	}
	return -1, fmt.Errorf("reactor: socket table full (max %d)", socketIDMax)
}

func (s *Server) submit(kind byte, body interface{}) {
	s.reqs <- request{kind: kind, body: body}
	// wake the poller if it's blocked in epoll_wait
	s.wakeW.Write([]byte{0})
}

// Listen asynchronously binds and listens on host:port. The result is
// delivered as an EventOpen from Poll carrying the new socket's id.
func (s *Server) Listen(host, port string, backlog int, opaque uintptr) {
	s.submit(cmdListen, listenRequest{opaque: opaque, host: host, port: port, backlog: backlog})
}

// Connect asynchronously dials host:port.
func (s *Server) Connect(host, port string, opaque uintptr) {
	s.submit(cmdConnect, connectRequest{opaque: opaque, host: host, port: port})
}

// Start arms read-readiness on a socket delivered via EventAccept, moving
// it from StatusAccept to StatusConnected.
func (s *Server) Start(id int) {
	s.submit(cmdStart, startRequest{id: id})
}

// Close asynchronously shuts down or fully closes a socket.
func (s *Server) Close(id int, what ShutdownKind, opaque uintptr) {
	s.submit(cmdClose, closeRequest{id: id, opaque: opaque, what: what})
}

// SendHigh enqueues buf on id's high-priority write list.
func (s *Server) SendHigh(id int, buf []byte) {
	s.submit(cmdSend, sendRequest{id: id, buf: buf, high: true})
}

// SendLow enqueues buf on id's low-priority write list.
func (s *Server) SendLow(id int, buf []byte) {
	s.submit(cmdSend, sendRequest{id: id, buf: buf, high: false})
}

func (s *Server) enableRead(sock *socket, read bool) error {
	if sock.wantRead == read {
		return nil
	}
	sock.wantRead = read
	return s.rearm(sock.fd, sock.id, read, !sock.high.empty() || !sock.low.empty())
}

// forceClose tears an active socket all the way down to Invalid. Caller
// must hold s.lock.
func (s *Server) forceClose(sock *socket) error {
	sock.closing = true
	sock.status = StatusInvalid

	hadData := !sock.high.empty() || !sock.low.empty()
	sock.high.clear()
	sock.low.clear()
	sock.wbSize = 0
	sock.minRead = 0

	unix.EpollCtl(s.epfd, unix.EPOLL_CTL_DEL, sock.fd, nil)
	syscall.Close(sock.fd)
	delete(s.listeners, sock.fd)

	sock.closing = false
	if hadData {
		return fmt.Errorf("reactor: socket %d closed with undelivered writes", sock.id)
	}
	return nil
}

func tryListen(host, port string, backlog int) (int, error) {
	addr := net.JoinHostPort(host, port)
	lc := net.ListenConfig{
		Control: func(network, address string, c syscall.RawConn) error {
			return c.Control(func(fd uintptr) {
				unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
				unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEPORT, 1)
			})
		},
	}
	ln, err := lc.Listen(context.Background(), "tcp", addr)
	if err != nil {
		return -1, err
	}
	tcpLn, ok := ln.(*net.TCPListener)
	if !ok {
		ln.Close()
		return -1, fmt.Errorf("reactor: unexpected listener type %T", ln)
	}
	file, err := tcpLn.File()
	if err != nil {
		ln.Close()
		return -1, err
	}
	// file.Fd() is owned by file's finalizer; dup it so the fd we hand
	// back survives file.Close() and isn't closed out from under us by
	// the garbage collector.
	fd, err := unix.Dup(int(file.Fd()))
	file.Close()
	ln.Close()
	if err != nil {
		return -1, err
	}
	if backlog <= 0 {
		backlog = 1024
	}
	// listen(2) on an already listening socket updates its backlog.
	if err := unix.Listen(fd, backlog); err != nil {
		unix.Close(fd)
		return -1, err
	}
	return fd, nil
}
