//go:build linux

package ws

import (
	"errors"
	"net"
	"sync"
	"syscall"

	"golang.org/x/sys/unix"
)

const (
	epollBatch = 128
	// epollWaitMillis bounds each epoll_wait so the event loop can observe
	// shutdown without a wake-up fd.
	epollWaitMillis = 200
)

// Epoll reports which registered sockets have a frame ready to read. It is
// level-triggered: a socket the workers have not drained yet is reported
// again, which Connection.processing guards against.
type Epoll struct {
	fd int

	mu    sync.RWMutex
	conns map[int32]net.Conn

	batch []unix.EpollEvent
}

// NewEpoll creates the epoll instance.
func NewEpoll() (*Epoll, error) {
	fd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, err
	}
	return &Epoll{
		fd:    fd,
		conns: make(map[int32]net.Conn),
		batch: make([]unix.EpollEvent, epollBatch),
	}, nil
}

// Add watches conn for input and peer hang-up.
func (e *Epoll) Add(conn net.Conn) error {
	fd, err := rawFD(conn)
	if err != nil {
		return err
	}
	ev := unix.EpollEvent{Events: unix.EPOLLIN | unix.EPOLLRDHUP | unix.EPOLLHUP, Fd: fd}
	if err := unix.EpollCtl(e.fd, unix.EPOLL_CTL_ADD, int(fd), &ev); err != nil {
		return err
	}
	e.mu.Lock()
	e.conns[fd] = conn
	e.mu.Unlock()
	return nil
}

// Remove stops watching conn. A socket that was already closed has left the
// interest list on its own, so ENOENT and EBADF are not errors.
func (e *Epoll) Remove(conn net.Conn) error {
	fd, err := rawFD(conn)
	if err != nil {
		return err
	}
	e.mu.Lock()
	delete(e.conns, fd)
	e.mu.Unlock()

	err = unix.EpollCtl(e.fd, unix.EPOLL_CTL_DEL, int(fd), nil)
	if errors.Is(err, unix.ENOENT) || errors.Is(err, unix.EBADF) {
		return nil
	}
	return err
}

// Wait returns the sockets that became readable. It returns an empty slice
// when the wait timed out or was interrupted by a signal.
func (e *Epoll) Wait() ([]net.Conn, error) {
	n, err := unix.EpollWait(e.fd, e.batch, epollWaitMillis)
	if errors.Is(err, unix.EINTR) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	ready := make([]net.Conn, 0, n)
	e.mu.RLock()
	for _, ev := range e.batch[:n] {
		if conn, ok := e.conns[ev.Fd]; ok {
			ready = append(ready, conn)
		}
	}
	e.mu.RUnlock()
	return ready, nil
}

// Rearm is a no-op with level-triggered epoll.
func (e *Epoll) Rearm(net.Conn) {}

// Close releases the epoll descriptor. Registered sockets stay open.
func (e *Epoll) Close() error {
	e.mu.Lock()
	e.conns = map[int32]net.Conn{}
	e.mu.Unlock()
	return unix.Close(e.fd)
}

var errNoFD = errors.New("ws: connection has no socket descriptor")

// socketFD is the connection manager's lookup key, -1 for connections that
// are not backed by a socket.
func socketFD(conn net.Conn) int {
	fd, err := rawFD(conn)
	if err != nil {
		return -1
	}
	return int(fd)
}

// rawFD reads the socket descriptor without dup'ing it the way File does.
func rawFD(conn net.Conn) (int32, error) {
	sc, ok := conn.(syscall.Conn)
	if !ok {
		return 0, errNoFD
	}
	raw, err := sc.SyscallConn()
	if err != nil {
		return 0, err
	}
	var fd int32 = -1
	if err := raw.Control(func(v uintptr) { fd = int32(v) }); err != nil {
		return 0, err
	}
	return fd, nil
}
