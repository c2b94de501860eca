package ws

import (
	"bytes"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/whisper/notice-relay/internal/metrics"
)

const controlWriteTimeout = 2 * time.Second

// State is the lifecycle state of a Connection.
type State int32

const (
	StateConnecting State = iota
	StateOpen
	StateClosed
)

// String returns the lowercase state name.
func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Connection represents a single WebSocket client connection. Outbound frames
// are queued by the hub and written by a dedicated writer goroutine, so a
// slow socket never blocks the goroutine that produced the frame.
type Connection struct {
	id         string
	Conn       net.Conn  // underlying TCP connection
	Fd         int       // file descriptor, -1 when unavailable
	RemoteAddr string    // client address as seen by the server
	CreatedAt  time.Time // when the connection was established

	send       chan [][]byte       // outbound queue, one batch per entry
	done       chan struct{}       // closed by Close
	onClose    func(c *Connection) // called once, after the socket is closed
	closeOnce  sync.Once
	writeMu    sync.Mutex    // serializes writes to this connection
	state      atomic.Int32  // State
	lastSeen   atomic.Int64  // unix nanos of the last inbound frame
	presenceAt atomic.Int64  // unix nanos of the last presence refresh
	processing int32         // atomic flag: 0 = idle, 1 = being read by handleConn
	pending    *bytes.Reader // bytes read past the upgrade request, consumed first
}

// newConnection wraps conn with an outbound queue of queueSize batches.
func newConnection(id string, conn net.Conn, queueSize int) *Connection {
	now := time.Now()
	c := &Connection{
		id:         id,
		Conn:       conn,
		Fd:         socketFD(conn),
		RemoteAddr: conn.RemoteAddr().String(),
		CreatedAt:  now,
		send:       make(chan [][]byte, queueSize),
		done:       make(chan struct{}),
	}
	c.lastSeen.Store(now.UnixNano())
	return c
}

// ID returns the connection's session ID.
func (c *Connection) ID() string {
	return c.id
}

// State returns the current lifecycle state.
func (c *Connection) State() State {
	return State(c.state.Load())
}

func (c *Connection) setState(s State) {
	c.state.Store(int32(s))
}

// LastSeen returns the time of the most recent inbound frame.
func (c *Connection) LastSeen() time.Time {
	return time.Unix(0, c.lastSeen.Load())
}

func (c *Connection) touch() {
	c.lastSeen.Store(time.Now().UnixNano())
}

// source returns the reader the next frame is read from: any bytes left over
// from the upgrade, then r. Only the goroutine holding processing may call it.
func (c *Connection) source(r io.Reader) io.Reader {
	if c.pending == nil || c.pending.Len() == 0 {
		return r
	}
	return io.MultiReader(c.pending, r)
}

// Enqueue queues frames for the writer goroutine without blocking. It returns
// false if the connection is closed or its queue is full.
func (c *Connection) Enqueue(frames [][]byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}

	select {
	case c.send <- frames:
		return true
	default:
		return false
	}
}

// WriteMessage sends a WebSocket text frame to this connection. The write
// mutex ensures that concurrent goroutines do not interleave frame bytes.
// A positive timeout bounds the write.
func (c *Connection) WriteMessage(data []byte, timeout time.Duration) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if timeout > 0 {
		_ = c.Conn.SetWriteDeadline(time.Now().Add(timeout))
		// Clear the deadline so it doesn't affect future writes (e.g., heartbeat pings).
		defer c.Conn.SetWriteDeadline(time.Time{})
	}

	start := time.Now()
	err := wsutil.WriteServerMessage(c.Conn, ws.OpText, data)
	metrics.WriteLatency.Observe(time.Since(start).Seconds())
	return err
}

// writeLoop drains the outbound queue until the connection is closed. On a
// write error onError is called and the loop exits.
func (c *Connection) writeLoop(timeout time.Duration, onError func(c *Connection, err error)) {
	for {
		select {
		case <-c.done:
			return
		case frames := <-c.send:
			for _, frame := range frames {
				if err := c.WriteMessage(frame, timeout); err != nil {
					if onError != nil {
						onError(c, err)
					} else {
						_ = c.Close()
					}
					return
				}
			}
		}
	}
}

// WriteControl sends a control frame (ping, pong or close), bounded by
// controlWriteTimeout.
func (c *Connection) WriteControl(f ws.Frame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	_ = c.Conn.SetWriteDeadline(time.Now().Add(controlWriteTimeout))
	defer c.Conn.SetWriteDeadline(time.Time{})
	return ws.WriteFrame(c.Conn, f)
}

// Close closes the underlying network connection and stops the writer. It is
// safe to call multiple times; only the first call runs the close hook, after
// the socket is closed, so the hook may call Close again.
func (c *Connection) Close() error {
	var err error
	closed := false
	c.closeOnce.Do(func() {
		c.setState(StateClosed)
		close(c.done)
		err = c.Conn.Close()
		closed = true
	})
	if closed && c.onClose != nil {
		c.onClose(c)
	}
	return err
}

// ConnectionManager is a thread-safe registry of live connections, indexed by
// session ID and by the underlying net.Conn for O(1) lookups from the event
// loop.
type ConnectionManager struct {
	mu     sync.RWMutex
	byID   map[string]*Connection   // session_id -> Connection
	byConn map[net.Conn]*Connection // net.Conn -> Connection
}

// NewConnectionManager creates an empty ConnectionManager ready for use.
func NewConnectionManager() *ConnectionManager {
	return &ConnectionManager{
		byID:   make(map[string]*Connection),
		byConn: make(map[net.Conn]*Connection),
	}
}

// Add registers a new connection in both lookup maps.
func (cm *ConnectionManager) Add(conn *Connection) {
	cm.mu.Lock()
	cm.byID[conn.id] = conn
	cm.byConn[conn.Conn] = conn
	cm.mu.Unlock()
}

// Remove removes a connection by session ID and closes it. Returns true if
// the connection was found and removed, false if it was already gone.
func (cm *ConnectionManager) Remove(id string) bool {
	cm.mu.Lock()
	conn, ok := cm.byID[id]
	if ok {
		delete(cm.byID, id)
		delete(cm.byConn, conn.Conn)
	}
	cm.mu.Unlock()

	if ok {
		conn.Close()
	}
	return ok
}

// Get returns the connection for the given session ID, or nil if not found.
func (cm *ConnectionManager) Get(id string) *Connection {
	cm.mu.RLock()
	conn := cm.byID[id]
	cm.mu.RUnlock()
	return conn
}

// GetByConn returns the connection wrapping c, or nil if not found.
func (cm *ConnectionManager) GetByConn(c net.Conn) *Connection {
	cm.mu.RLock()
	conn := cm.byConn[c]
	cm.mu.RUnlock()
	return conn
}

// Count returns the current number of active connections.
func (cm *ConnectionManager) Count() int {
	cm.mu.RLock()
	n := len(cm.byID)
	cm.mu.RUnlock()
	return n
}

// All returns a snapshot of all current connections. The returned slice is
// safe to iterate without holding the lock.
func (cm *ConnectionManager) All() []*Connection {
	cm.mu.RLock()
	conns := make([]*Connection, 0, len(cm.byID))
	for _, conn := range cm.byID {
		conns = append(conns, conn)
	}
	cm.mu.RUnlock()
	return conns
}
