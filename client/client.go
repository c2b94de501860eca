// Package client is a Go client for the notice relay. It connects with
// gobwas/ws (the same library the server uses), decodes every received frame
// as a notice and keeps the local notice list the way the relay's UIs do: a
// CLEAR notice empties it, anything else is appended.
package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/whisper/notice-relay/internal/protocol"
)

// ErrClosed is returned when sending on a closed client.
var ErrClosed = errors.New("client: connection closed")

// State is the lifecycle state of the client connection.
type State int32

const (
	StateConnecting State = iota
	StateOpen
	StateClosed
)

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

// Message is one frame received from the relay.
type Message struct {
	Raw    []byte          // payload exactly as received
	Notice protocol.Notice // decoded payload, or a notice dated at receipt if Err is set
	Err    error           // decode error, if any
}

// Metrics tracks per-connection counters.
type Metrics struct {
	ConnectLatency   time.Duration
	MessagesReceived int64
	MessagesSent     int64
}

type options struct {
	buffer int
}

// Option configures a Client.
type Option func(*options)

// WithBuffer sets the capacity of the Messages channel. The read loop blocks
// when the channel is full, which eventually makes the relay evict the client.
func WithBuffer(n int) Option {
	return func(o *options) { o.buffer = n }
}

// Client is a single connection to a relay.
type Client struct {
	conn     net.Conn
	state    atomic.Int32
	writeMu  sync.Mutex
	messages chan Message
	done     chan struct{} // closed when the read loop exits
	stop     chan struct{} // closed by Close

	closeOnce sync.Once

	mu      sync.Mutex
	notices []protocol.Notice
	err     error

	connectLatency time.Duration
	received       atomic.Int64
	sent           atomic.Int64
}

// Dial connects to the relay at url (for example "ws://localhost:4040") and
// starts reading in the background.
func Dial(ctx context.Context, url string, opts ...Option) (*Client, error) {
	o := options{buffer: 256}
	for _, opt := range opts {
		opt(&o)
	}

	c := &Client{
		messages: make(chan Message, o.buffer),
		done:     make(chan struct{}),
		stop:     make(chan struct{}),
	}
	c.state.Store(int32(StateConnecting))

	start := time.Now()
	conn, br, _, err := ws.Dial(ctx, url)
	if err != nil {
		c.state.Store(int32(StateClosed))
		return nil, fmt.Errorf("client: dial %s: %w", url, err)
	}
	c.connectLatency = time.Since(start)
	c.conn = conn
	c.state.Store(int32(StateOpen))

	// Frames sent right after the handshake may already be buffered.
	var src io.Reader = conn
	if br != nil {
		src = br
	}
	go c.readLoop(src)
	return c, nil
}

// State returns the current connection state.
func (c *Client) State() State {
	return State(c.state.Load())
}

// Messages returns the channel of received frames. It is closed when the
// connection ends.
func (c *Client) Messages() <-chan Message {
	return c.messages
}

// Done is closed when the connection ends.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Err returns the error that ended the connection, or nil if it was closed
// locally or is still open.
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Notices returns a copy of the notices received since the last CLEAR.
func (c *Client) Notices() []protocol.Notice {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]protocol.Notice, len(c.notices))
	copy(out, c.notices)
	return out
}

// GetMetrics returns a snapshot of the client's counters.
func (c *Client) GetMetrics() Metrics {
	return Metrics{
		ConnectLatency:   c.connectLatency,
		MessagesReceived: c.received.Load(),
		MessagesSent:     c.sent.Load(),
	}
}

// Send encodes n and sends it to the relay.
func (c *Client) Send(n protocol.Notice) error {
	data, err := protocol.Encode(n)
	if err != nil {
		return fmt.Errorf("client: encode: %w", err)
	}
	return c.SendRaw(data)
}

// Publish sends a normal notice with the given message, dated now.
func (c *Client) Publish(message string) error {
	return c.Send(protocol.NewNotice(message))
}

// Clear asks the relay to drop its history.
func (c *Client) Clear() error {
	return c.Send(protocol.NewClear())
}

// SendRaw sends data as a single text frame without inspecting it.
func (c *Client) SendRaw(data []byte) error {
	if c.State() != StateOpen {
		return ErrClosed
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := wsutil.WriteClientMessage(c.conn, ws.OpText, data); err != nil {
		return fmt.Errorf("client: write: %w", err)
	}
	c.sent.Add(1)
	return nil
}

// Close sends a close frame and closes the connection. It is safe to call
// multiple times.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.stop)
		if c.State() == StateOpen {
			body := ws.NewCloseFrameBody(ws.StatusNormalClosure, "")
			_ = c.writeFrame(ws.NewCloseFrame(body))
		}
		c.state.Store(int32(StateClosed))
		err = c.conn.Close()
	})
	return err
}

func (c *Client) writeFrame(f ws.Frame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(2 * time.Second))
	defer c.conn.SetWriteDeadline(time.Time{})
	return ws.WriteFrame(c.conn, ws.MaskFrameInPlace(f))
}

// readLoop reads frames until the connection ends. Control frames are
// answered here so that pongs are written under the same lock as notices.
func (c *Client) readLoop(src io.Reader) {
	rd := &wsutil.Reader{
		Source: src,
		State:  ws.StateClientSide,
	}

	var err error
	for {
		var hdr ws.Header
		hdr, err = rd.NextFrame()
		if err != nil {
			break
		}

		if hdr.OpCode.IsControl() {
			if err = c.handleControl(hdr, rd); err != nil {
				break
			}
			continue
		}

		var data []byte
		data, err = io.ReadAll(rd)
		if err != nil {
			break
		}
		if !c.deliver(data) {
			break
		}
	}

	c.finish(err)
}

func (c *Client) handleControl(hdr ws.Header, r io.Reader) error {
	payload := make([]byte, hdr.Length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return err
	}

	switch hdr.OpCode {
	case ws.OpPing:
		return c.writeFrame(ws.NewPongFrame(payload))
	case ws.OpClose:
		_ = c.writeFrame(ws.NewCloseFrame(ws.NewCloseFrameBody(ws.StatusNormalClosure, "")))
		return io.EOF
	}
	return nil
}

// deliver updates the local notice list and hands the frame to Messages. It
// returns false if the client was closed while waiting.
func (c *Client) deliver(data []byte) bool {
	n, err := protocol.Decode(data)
	if err != nil {
		// Same fallback as protocol.DecodeOrDefault, without decoding twice.
		n = protocol.Notice{Date: time.Now()}
	}

	c.mu.Lock()
	if n.IsClear() {
		c.notices = nil
	} else {
		c.notices = append(c.notices, n)
	}
	c.mu.Unlock()
	c.received.Add(1)

	select {
	case c.messages <- Message{Raw: data, Notice: n, Err: err}:
		return true
	case <-c.stop:
		return false
	}
}

func (c *Client) finish(err error) {
	c.state.Store(int32(StateClosed))
	select {
	case <-c.stop:
		err = nil
	default:
	}
	if errors.Is(err, io.EOF) {
		err = nil
	}

	c.mu.Lock()
	c.err = err
	c.mu.Unlock()

	_ = c.conn.Close()
	close(c.done)
	close(c.messages)
}
