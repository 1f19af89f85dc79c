//go:build !linux

package ws

import (
	"bufio"
	"net"
	"sync"
	"sync/atomic"
)

// Epoll is the goroutine-per-connection fallback used on platforms without
// epoll. Each registered connection is wrapped in a buffered reader; a monitor
// goroutine peeks one byte to detect readiness, hands the wrapper to Wait and
// then blocks until the server calls Rearm after reading a frame.
type Epoll struct {
	mu      sync.Mutex
	watched map[net.Conn]*watchedConn
	readyCh chan net.Conn
	done    chan struct{}
	once    sync.Once
}

type watchedConn struct {
	net.Conn
	br      *bufio.Reader
	rearm   chan struct{}
	removed chan struct{}
}

// Read serves frame bytes from the buffer the monitor peeked into.
func (w *watchedConn) Read(p []byte) (int, error) {
	return w.br.Read(p)
}

// NewEpoll creates a fallback poller.
func NewEpoll() (*Epoll, error) {
	return &Epoll{
		watched: make(map[net.Conn]*watchedConn),
		readyCh: make(chan net.Conn, 128),
		done:    make(chan struct{}),
	}, nil
}

// Add starts monitoring conn.
func (e *Epoll) Add(conn net.Conn) error {
	w := &watchedConn{
		Conn:    conn,
		br:      bufio.NewReader(conn),
		rearm:   make(chan struct{}, 1),
		removed: make(chan struct{}),
	}
	e.mu.Lock()
	e.watched[conn] = w
	e.mu.Unlock()

	go e.monitor(w)
	return nil
}

func (e *Epoll) monitor(w *watchedConn) {
	for {
		_, err := w.br.Peek(1)

		select {
		case e.readyCh <- w:
		case <-w.removed:
			return
		case <-e.done:
			return
		}
		if err != nil {
			// The server's read will observe the same error and remove us.
			return
		}

		select {
		case <-w.rearm:
		case <-w.removed:
			return
		case <-e.done:
			return
		}
	}
}

// Rearm lets the monitor look for the next frame.
func (e *Epoll) Rearm(conn net.Conn) {
	w, ok := conn.(*watchedConn)
	if !ok {
		return
	}
	select {
	case w.rearm <- struct{}{}:
	default:
	}
}

// Remove stops monitoring conn.
func (e *Epoll) Remove(conn net.Conn) error {
	if w, ok := conn.(*watchedConn); ok {
		conn = w.Conn
	}
	e.mu.Lock()
	w, ok := e.watched[conn]
	delete(e.watched, conn)
	e.mu.Unlock()
	if ok {
		close(w.removed)
	}
	fallbackFDs.Delete(conn)
	return nil
}

// Wait blocks until at least one connection is ready and drains any others
// that are already queued.
func (e *Epoll) Wait() ([]net.Conn, error) {
	select {
	case first := <-e.readyCh:
		conns := []net.Conn{first}
		for {
			select {
			case conn := <-e.readyCh:
				conns = append(conns, conn)
			default:
				return conns, nil
			}
		}
	case <-e.done:
		return nil, net.ErrClosed
	}
}

// Close shuts down the fallback poller.
func (e *Epoll) Close() error {
	e.once.Do(func() { close(e.done) })
	return nil
}

var (
	fallbackFDs    sync.Map // net.Conn -> int
	fallbackNextFD atomic.Int64
)

// socketFD hands out stable synthetic descriptors so the connection manager's
// fd index works without real sockets.
func socketFD(conn net.Conn) int {
	if w, ok := conn.(*watchedConn); ok {
		conn = w.Conn
	}
	if fd, ok := fallbackFDs.Load(conn); ok {
		return fd.(int)
	}
	fd, _ := fallbackFDs.LoadOrStore(conn, int(fallbackNextFD.Add(1)))
	return fd.(int)
}
