package reactor

import (
	"context"
	"fmt"
	"net"

	"golang.org/x/sys/unix"
)

const wakeID = -1

// arm registers fd with the epoll instance under the given socket id as
// its user-data tag (so events hand back an id, not a raw fd — the Go
// substitute for stashing a *socket pointer in epoll_data).
func (s *Server) arm(fd, id int, read, write bool) error {
	var events uint32 = unix.EPOLLRDHUP
	if read {
		events |= unix.EPOLLIN
	}
	if write {
		events |= unix.EPOLLOUT
	}
	ev := unix.EpollEvent{Events: events, Fd: int32(id)}
	return unix.EpollCtl(s.epfd, unix.EPOLL_CTL_ADD, fd, &ev)
}

func (s *Server) rearm(fd, id int, read, write bool) error {
	var events uint32 = unix.EPOLLRDHUP
	if read {
		events |= unix.EPOLLIN
	}
	if write {
		events |= unix.EPOLLOUT
	}
	ev := unix.EpollEvent{Events: events, Fd: int32(id)}
	return unix.EpollCtl(s.epfd, unix.EPOLL_CTL_MOD, fd, &ev)
}

// armWake adds the self-pipe's read end to the interest set, used only to
// break out of a blocking epoll_wait when a command is submitted.
func (s *Server) armWake() error {
	ev := unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(wakeID)}
	return unix.EpollCtl(s.epfd, unix.EPOLL_CTL_ADD, int(s.wakeR.Fd()), &ev)
}

// Poll blocks until there is one Event to report, or ctx is done. The
// bool result is false when ctx ended the wait with nothing ready, or when
// arming the wakeup pipe or epoll_wait itself failed.
func (s *Server) Poll(ctx context.Context) (Event, bool) {
	if err := s.ensureWakeArmed(); err != nil {
		return Event{}, false
	}

	for {
		select {
		case <-ctx.Done():
			return Event{}, false
		case req := <-s.reqs:
			if ev, ok := s.processRequest(req); ok {
				return ev, true
			}
			continue
		default:
		}

		if s.evIdx == s.evNum {
			n, err := unix.EpollWait(s.epfd, s.events, 100)
			if err != nil {
				if err == unix.EINTR {
					continue
				}
				return Event{}, false
			}
			s.evNum = n
			s.evIdx = 0
			if n == 0 {
				continue
			}
		}

		ev := s.events[s.evIdx]
		s.evIdx++

		id := int(ev.Fd)
		if id == wakeID {
			var buf [64]byte
			unix.Read(int(s.wakeR.Fd()), buf[:])
			continue
		}

		out, ok := s.handleEpollEvent(id, ev)
		if ok {
			return out, true
		}
	}
}

func (s *Server) ensureWakeArmed() error {
	if s.wakeArmed {
		return nil
	}
	if err := s.armWake(); err != nil {
		return err
	}
	s.wakeArmed = true
	return nil
}

func (s *Server) processRequest(req request) (Event, bool) {
	switch req.kind {
	case cmdListen:
		return s.doListen(req.body.(listenRequest))
	case cmdConnect:
		return s.doConnect(req.body.(connectRequest))
	case cmdStart:
		return s.doStart(req.body.(startRequest))
	case cmdClose:
		return s.doClose(req.body.(closeRequest))
	case cmdSend:
		s.doSend(req.body.(sendRequest))
		return Event{}, false
	}
	return Event{}, false
}

func (s *Server) doListen(r listenRequest) (Event, bool) {
	fd, err := tryListen(r.host, r.port, r.backlog)
	if err != nil {
		return Event{Tag: EventErr, Opaque: r.opaque}, true
	}
	id, err := s.reserveID()
	if err != nil {
		unix.Close(fd)
		return Event{Tag: EventErr, Opaque: r.opaque}, true
	}

	s.lock.Lock()
	sock := &s.slots[id]
	sock.fd = fd
	sock.opaque = r.opaque
	sock.status = StatusListen
	sock.minRead = tcpMinReadBytes
	sock.high.clear()
	sock.low.clear()
	s.listeners[fd] = id
	s.lock.Unlock()

	unix.SetNonblock(fd, true)
	if err := s.arm(fd, id, true, false); err != nil {
		return Event{Tag: EventErr, ID: id, Opaque: r.opaque}, true
	}
	sock.wantRead = true

	local := ""
	if sa, err := unix.Getsockname(fd); err == nil {
		local = sockaddrString(sa)
	}
	return Event{Tag: EventOpen, ID: id, Opaque: r.opaque, LocalAddr: local}, true
}

func (s *Server) doConnect(r connectRequest) (Event, bool) {
	id, err := s.reserveID()
	if err != nil {
		return Event{Tag: EventErr, Opaque: r.opaque}, true
	}

	tcpAddr, err := net.ResolveTCPAddr("tcp", net.JoinHostPort(r.host, r.port))
	if err != nil {
		return Event{Tag: EventErr, ID: id, Opaque: r.opaque}, true
	}

	domain := unix.AF_INET
	if tcpAddr.IP.To4() == nil {
		domain = unix.AF_INET6
	}
	fd, err := unix.Socket(domain, unix.SOCK_STREAM|unix.SOCK_NONBLOCK, 0)
	if err != nil {
		return Event{Tag: EventErr, ID: id, Opaque: r.opaque}, true
	}

	sa, err := toSockaddr(tcpAddr)
	if err != nil {
		unix.Close(fd)
		return Event{Tag: EventErr, ID: id, Opaque: r.opaque}, true
	}

	s.lock.Lock()
	sock := &s.slots[id]
	sock.fd = fd
	sock.opaque = r.opaque
	sock.status = StatusReserve
	sock.minRead = tcpMinReadBytes
	sock.high.clear()
	sock.low.clear()
	s.lock.Unlock()

	err = unix.Connect(fd, sa)
	if err != nil && err != unix.EINPROGRESS {
		unix.Close(fd)
		return Event{Tag: EventErr, ID: id, Opaque: r.opaque}, true
	}

	if err := s.arm(fd, id, false, true); err != nil {
		unix.Close(fd)
		return Event{Tag: EventErr, ID: id, Opaque: r.opaque}, true
	}
	sock.wantRead = false
	return Event{}, false
}

func (s *Server) doStart(r startRequest) (Event, bool) {
	s.lock.Lock()
	sock := &s.slots[r.id]
	if sock.status != StatusAccept {
		s.lock.Unlock()
		return Event{}, false
	}
	sock.status = StatusConnected
	s.lock.Unlock()

	if err := s.rearm(sock.fd, r.id, true, !sock.high.empty() || !sock.low.empty()); err != nil {
		return Event{Tag: EventErr, ID: r.id, Opaque: sock.opaque}, true
	}
	sock.wantRead = true
	return Event{}, false
}

func (s *Server) doClose(r closeRequest) (Event, bool) {
	s.lock.Lock()
	defer s.lock.Unlock()
	sock := &s.slots[r.id]

	switch r.what {
	case ShutdownRead:
		sock.status = StatusHalfCloseRead
		unix.Shutdown(sock.fd, unix.SHUT_RD)
		s.enableRead(sock, false)
		return Event{Tag: EventClose, ID: r.id, Opaque: r.opaque}, true
	case ShutdownWrite:
		sock.status = StatusHalfCloseWrite
		unix.Shutdown(sock.fd, unix.SHUT_WR)
		return Event{Tag: EventClose, ID: r.id, Opaque: r.opaque}, true
	case ShutdownBoth:
		if err := s.forceClose(sock); err != nil {
			return Event{Tag: EventErr, ID: r.id, Opaque: r.opaque}, true
		}
		return Event{Tag: EventClose, ID: r.id, Opaque: r.opaque}, true
	}
	return Event{Tag: EventErr, ID: r.id, Opaque: r.opaque}, true
}

func (s *Server) doSend(r sendRequest) {
	s.lock.Lock()
	defer s.lock.Unlock()
	sock := &s.slots[r.id]
	if sock.status != StatusConnected && sock.status != StatusHalfCloseRead {
		return
	}
	wb := &writeBuffer{buf: r.buf}
	if r.high {
		sock.high.pushTail(wb)
	} else {
		sock.low.pushTail(wb)
	}
	sock.wbSize += len(r.buf)
	s.rearm(sock.fd, r.id, sock.wantRead, true)
}

func (s *Server) handleEpollEvent(id int, ev unix.EpollEvent) (Event, bool) {
	s.lock.Lock()
	sock := &s.slots[id]

	switch sock.status {
	case StatusInvalid:
		err := s.forceClose(sock)
		s.lock.Unlock()
		if err != nil {
			return Event{Tag: EventErr, ID: id, Opaque: sock.opaque}, true
		}
		return Event{}, false
	case StatusListen:
		s.lock.Unlock()
		if ev.Events&unix.EPOLLIN != 0 {
			return s.doAccept(id)
		}
		return Event{}, false
	}

	if ev.Events&unix.EPOLLIN != 0 {
		out, tag := s.processRead(sock)
		s.lock.Unlock()
		return out, tag
	}
	if ev.Events&unix.EPOLLOUT != 0 {
		out, tag := s.processWrite(sock)
		s.lock.Unlock()
		return out, tag
	}
	if ev.Events&(unix.EPOLLRDHUP|unix.EPOLLHUP) != 0 {
		if sock.status != StatusHalfCloseRead {
			sock.status = StatusHalfCloseRead
			s.enableRead(sock, false)
		}
		opaque := sock.opaque
		s.lock.Unlock()
		return Event{Tag: EventClose, ID: id, Opaque: opaque}, true
	}
	if ev.Events&unix.EPOLLERR != 0 {
		errno, _ := unix.GetsockoptInt(sock.fd, unix.SOL_SOCKET, unix.SO_ERROR)
		opaque := sock.opaque
		s.forceClose(sock)
		s.lock.Unlock()
		return Event{Tag: EventErr, ID: id, Opaque: opaque, Data: []byte(fmt.Sprintf("errno %d", errno))}, true
	}
	s.lock.Unlock()
	return Event{}, false
}

func (s *Server) doAccept(listenID int) (Event, bool) {
	s.lock.Lock()
	listenSock := &s.slots[listenID]
	listenFD, opaque := listenSock.fd, listenSock.opaque
	s.lock.Unlock()

	connFD, sa, err := unix.Accept4(listenFD, unix.SOCK_NONBLOCK)
	if err != nil {
		if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
			return Event{}, false
		}
		return Event{Tag: EventErr, ID: listenID, Opaque: opaque}, true
	}

	id, err := s.reserveID()
	if err != nil {
		unix.Close(connFD)
		return Event{Tag: EventErr, ID: listenID, Opaque: opaque}, true
	}

	s.lock.Lock()
	sock := &s.slots[id]
	sock.fd = connFD
	sock.opaque = opaque
	sock.status = StatusAccept
	sock.minRead = tcpMinReadBytes
	sock.high.clear()
	sock.low.clear()
	sock.wbSize = 0
	s.lock.Unlock()

	if err := s.arm(connFD, id, false, false); err != nil {
		return Event{Tag: EventErr, ID: id, Opaque: opaque}, true
	}

	return Event{Tag: EventAccept, ID: id, Opaque: opaque, RemoteAddr: sockaddrString(sa)}, true
}

// processRead is the Go equivalent of process_read_event: a single
// recv(2) sized to the socket's adaptive minRead, doubling on a full
// buffer, halving when a read fills less than half of it, floored at
// tcpMinReadBytes per the resolved Open Question on the floor semantics.
func (s *Server) processRead(sock *socket) (Event, bool) {
	buf := make([]byte, sock.minRead)
	n, err := unix.Read(sock.fd, buf)
	if err != nil {
		if err == unix.EAGAIN || err == unix.EWOULDBLOCK || err == unix.EINTR {
			return Event{}, false
		}
		return Event{Tag: EventErr, ID: sock.id, Opaque: sock.opaque}, true
	}
	if n == 0 {
		if sock.status != StatusHalfCloseRead {
			sock.status = StatusHalfCloseRead
			s.enableRead(sock, false)
		}
		return Event{Tag: EventClose, ID: sock.id, Opaque: sock.opaque}, true
	}

	sock.stat.rbytes += uint64(n)
	if n == len(buf) {
		sock.minRead *= 2
	} else if sock.minRead > tcpMinReadBytes && 2*n < len(buf) {
		sock.minRead /= 2
		if sock.minRead < tcpMinReadBytes {
			sock.minRead = tcpMinReadBytes
		}
	}
	return Event{Tag: EventData, ID: sock.id, Opaque: sock.opaque, Data: buf[:n]}, true
}

// sendList drains wl as far as the socket will currently accept, leaving
// a partially sent head buffer in place (with its cursor advanced) for
// the next write-ready visit.
func sendList(fd int, wl *writeList) (bool, error) {
	for wl.head != nil {
		wb := wl.head
		n, err := unix.Write(fd, wb.remaining())
		if err != nil {
			if err == unix.EAGAIN || err == unix.EWOULDBLOCK || err == unix.EINTR {
				return false, nil
			}
			return false, err
		}
		wb.cursor += n
		if wb.cursor != len(wb.buf) {
			return false, nil
		}
		wl.popHead()
	}
	return true, nil
}

// processWrite is the corrected equivalent of process_write_event: drain
// high first, then low; if a low write was left partially sent, promote
// it straight to the head of high so the next visit finishes it before
// any newer high-priority traffic queued behind it.
func (s *Server) processWrite(sock *socket) (Event, bool) {
	if !sock.high.empty() {
		if _, err := sendList(sock.fd, &sock.high); err != nil {
			return Event{Tag: EventErr, ID: sock.id, Opaque: sock.opaque}, true
		}
	} else if !sock.low.empty() {
		if _, err := sendList(sock.fd, &sock.low); err != nil {
			return Event{Tag: EventErr, ID: sock.id, Opaque: sock.opaque}, true
		}
		if sock.low.uncomplete() {
			wb := sock.low.popHead()
			sock.high.pushHead(wb)
		}
	}

	if sock.high.empty() && sock.low.empty() {
		s.rearm(sock.fd, sock.id, sock.wantRead, false)
	}

	if sock.status == StatusReserve {
		errno, _ := unix.GetsockoptInt(sock.fd, unix.SOL_SOCKET, unix.SO_ERROR)
		if errno != 0 {
			s.forceClose(sock)
			return Event{Tag: EventErr, ID: sock.id, Opaque: sock.opaque}, true
		}
		sock.status = StatusConnected
		s.rearm(sock.fd, sock.id, true, !sock.high.empty() || !sock.low.empty())
		sock.wantRead = true
		return Event{Tag: EventOpen, ID: sock.id, Opaque: sock.opaque}, true
	}

	return Event{}, false
}
