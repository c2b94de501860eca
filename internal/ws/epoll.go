//go:build linux

package ws

import (
	"errors"
	"io"
	"net"
	"sync"
	"syscall"

	"golang.org/x/sys/unix"
)

// waitTimeoutMs bounds each epoll_wait so the event loop can observe shutdown.
const waitTimeoutMs = 200

// Epoll wraps Linux epoll syscalls for efficient WebSocket I/O multiplexing.
// Instead of spawning a reader goroutine per connection, we register file
// descriptors with the kernel and get notified only when data is ready to read.
type Epoll struct {
	fd          int               // epoll file descriptor
	connections map[int]net.Conn  // fd -> net.Conn mapping
	fds         map[net.Conn]int  // net.Conn -> fd, survives the conn being closed
	mu          sync.RWMutex      // protects both maps
	events      []unix.EpollEvent // reusable event buffer for Wait
}

// NewEpoll creates a new epoll instance using epoll_create1.
func NewEpoll() (*Epoll, error) {
	fd, err := unix.EpollCreate1(0)
	if err != nil {
		return nil, err
	}
	return &Epoll{
		fd:          fd,
		connections: make(map[int]net.Conn),
		fds:         make(map[net.Conn]int),
		events:      make([]unix.EpollEvent, 128),
	}, nil
}

// readEvents is the interest set of every registered connection. With
// EPOLLONESHOT a descriptor is reported once and stays disarmed until Resume,
// so a socket is never handed to a second worker while the first one is still
// reading it or after the first one has drained it.
const readEvents = unix.EPOLLIN | unix.EPOLLHUP | unix.EPOLLRDHUP | unix.EPOLLONESHOT

// Add registers a network connection with epoll for read readiness
// notifications. It extracts the underlying file descriptor from the
// connection and adds it to the epoll interest list, armed for one event.
func (e *Epoll) Add(conn net.Conn) error {
	fd := socketFD(conn)
	if fd < 0 {
		return errors.New("ws: connection has no file descriptor")
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.connections == nil {
		return net.ErrClosed
	}

	if err := unix.EpollCtl(e.fd, syscall.EPOLL_CTL_ADD, fd, &unix.EpollEvent{
		Events: readEvents,
		Fd:     int32(fd),
	}); err != nil {
		return err
	}

	e.connections[fd] = conn
	e.fds[conn] = fd
	return nil
}

// Remove unregisters a network connection from epoll. The descriptor recorded
// at Add time is used, so this works even after the connection was closed (in
// which case the kernel has already dropped it from the interest list).
func (e *Epoll) Remove(conn net.Conn) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	fd, ok := e.fds[conn]
	if !ok {
		return nil
	}
	delete(e.fds, conn)
	delete(e.connections, fd)

	err := unix.EpollCtl(e.fd, syscall.EPOLL_CTL_DEL, fd, nil)
	if errors.Is(err, unix.EBADF) || errors.Is(err, unix.ENOENT) {
		return nil
	}
	return err
}

// Wait blocks until one or more registered connections are ready for reading
// or the wait times out. It returns a slice of net.Conn for all file
// descriptors that have pending data; the slice is empty on timeout.
// Connections that have been removed between epoll_wait returning and the
// lookup are silently skipped.
func (e *Epoll) Wait() ([]net.Conn, error) {
	n, err := unix.EpollWait(e.fd, e.events, waitTimeoutMs)
	if err != nil {
		return nil, err
	}

	e.mu.RLock()
	conns := make([]net.Conn, 0, n)
	for i := 0; i < n; i++ {
		conn, ok := e.connections[int(e.events[i].Fd)]
		if ok {
			conns = append(conns, conn)
		}
	}
	e.mu.RUnlock()
	return conns, nil
}

// Reader returns the reader frames should be read from for conn. With real
// epoll no bytes are consumed ahead of time, so it is the connection itself.
func (e *Epoll) Reader(conn net.Conn) io.Reader {
	return conn
}

// Resume re-arms conn once its ready frame has been handled. Data that is
// already waiting is reported again immediately. Connections removed in the
// meantime are ignored.
func (e *Epoll) Resume(conn net.Conn) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	fd, ok := e.fds[conn]
	if !ok {
		return
	}
	_ = unix.EpollCtl(e.fd, syscall.EPOLL_CTL_MOD, fd, &unix.EpollEvent{
		Events: readEvents,
		Fd:     int32(fd),
	})
}

// Close closes the epoll file descriptor.
func (e *Epoll) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.connections = nil
	e.fds = nil
	return unix.Close(e.fd)
}

// socketFD extracts the file descriptor from a net.Conn using the
// SyscallConn interface. This avoids duplicating the file descriptor
// (which File() does), keeping the original fd valid for epoll registration.
// It returns -1 if the descriptor cannot be obtained.
func socketFD(conn net.Conn) int {
	sc, ok := conn.(syscall.Conn)
	if !ok {
		return -1
	}

	raw, err := sc.SyscallConn()
	if err != nil {
		return -1
	}

	fd := -1
	if err := raw.Control(func(sfd uintptr) {
		fd = int(sfd)
	}); err != nil {
		return -1
	}
	return fd
}

// isEINTR checks if the error is a syscall interrupted error (EINTR),
// which is expected during signal handling and should be retried.
func isEINTR(err error) bool {
	return errors.Is(err, unix.EINTR)
}
