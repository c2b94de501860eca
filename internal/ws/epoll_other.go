//go:build !linux

package ws

import (
	"bufio"
	"errors"
	"io"
	"net"
	"sync"
	"time"
)

// Epoll provides a goroutine-per-connection fallback for non-Linux platforms.
// Each connection is monitored by a goroutine that peeks one byte through a
// buffered reader; the peeked byte stays in the buffer, and frames are read
// through the same buffer via Reader.
type Epoll struct {
	mu      sync.RWMutex
	conns   map[net.Conn]*watch
	readyCh chan net.Conn // connections with pending data
	done    chan struct{}
	once    sync.Once
}

type watch struct {
	br     *bufio.Reader
	resume chan struct{} // signalled by Resume once the frame was handled
	gone   chan struct{} // closed by Remove
}

// NewEpoll creates a new fallback epoll instance.
func NewEpoll() (*Epoll, error) {
	return &Epoll{
		conns:   make(map[net.Conn]*watch),
		readyCh: make(chan net.Conn, 128),
		done:    make(chan struct{}),
	}, nil
}

// Add registers a connection and starts its monitor goroutine.
func (e *Epoll) Add(conn net.Conn) error {
	w := &watch{
		br:     bufio.NewReader(conn),
		resume: make(chan struct{}, 1),
		gone:   make(chan struct{}),
	}

	e.mu.Lock()
	if e.conns == nil {
		e.mu.Unlock()
		return net.ErrClosed
	}
	e.conns[conn] = w
	e.mu.Unlock()

	go e.monitor(conn, w)
	return nil
}

// monitor waits for data (or an error) on the connection, reports it as
// ready, then waits for Resume before peeking again so that it never reads
// concurrently with the frame reader.
func (e *Epoll) monitor(conn net.Conn, w *watch) {
	for {
		_, err := w.br.Peek(1)
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			// A read deadline left over from the frame reader.
			_ = conn.SetReadDeadline(time.Time{})
			continue
		}

		select {
		case e.readyCh <- conn:
		case <-w.gone:
			return
		case <-e.done:
			return
		}

		if err != nil {
			// The server's read path will observe the same error.
			return
		}

		select {
		case <-w.resume:
		case <-w.gone:
			return
		case <-e.done:
			return
		}
	}
}

// Remove unregisters a connection from the fallback epoll.
func (e *Epoll) Remove(conn net.Conn) error {
	e.mu.Lock()
	w, ok := e.conns[conn]
	if ok {
		delete(e.conns, conn)
		close(w.gone)
	}
	e.mu.Unlock()
	return nil
}

// Wait blocks until at least one connection is ready for reading or the wait
// times out, then drains all currently ready connections.
func (e *Epoll) Wait() ([]net.Conn, error) {
	var first net.Conn
	select {
	case first = <-e.readyCh:
	case <-e.done:
		return nil, net.ErrClosed
	case <-time.After(200 * time.Millisecond):
		return nil, nil
	}

	conns := []net.Conn{first}
	for {
		select {
		case conn := <-e.readyCh:
			conns = append(conns, conn)
		default:
			return conns, nil
		}
	}
}

// Reader returns the buffered reader holding the peeked byte for conn.
func (e *Epoll) Reader(conn net.Conn) io.Reader {
	e.mu.RLock()
	w, ok := e.conns[conn]
	e.mu.RUnlock()
	if !ok {
		return conn
	}
	return w.br
}

// Resume lets the monitor goroutine of conn look for the next frame.
func (e *Epoll) Resume(conn net.Conn) {
	e.mu.RLock()
	w, ok := e.conns[conn]
	e.mu.RUnlock()
	if !ok {
		return
	}
	select {
	case w.resume <- struct{}{}:
	default:
	}
}

// Close shuts down the fallback epoll instance.
func (e *Epoll) Close() error {
	e.once.Do(func() { close(e.done) })
	e.mu.Lock()
	e.conns = nil
	e.mu.Unlock()
	return nil
}

// socketFD is not needed by the fallback.
func socketFD(conn net.Conn) int {
	return -1
}

func isEINTR(err error) bool {
	return false
}
