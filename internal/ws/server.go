// Package ws is the WebSocket transport of the relay. It upgrades HTTP
// connections, watches them for readable frames with epoll, hands inbound
// payloads to the relay and drains each connection's outbound queue.
package ws

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/whisper/notice-relay/internal/hub"
	"github.com/whisper/notice-relay/internal/metrics"
)

// presenceRefreshEvery throttles presence refreshes driven by inbound frames.
const presenceRefreshEvery = time.Minute

// Relay receives connection lifecycle events and inbound payloads.
type Relay interface {
	Open(p hub.Peer)
	Receive(p hub.Peer, data []byte)
	Close(p hub.Peer, err error) bool
	HistoryLen() int
}

// Presence mirrors open connections into an external directory.
type Presence interface {
	Add(ctx context.Context, id, remoteAddr string) error
	Refresh(ctx context.Context, id string) error
	Remove(ctx context.Context, id string) error
}

// ServerConfig holds tunable parameters for the WebSocket server.
type ServerConfig struct {
	ListenAddr     string        // address to listen on, e.g. ":4040"
	WorkerPoolSize int           // max concurrent read-worker goroutines
	MaxConnections int           // hard cap on total connections
	ReadTimeout    time.Duration // bound on reading one frame once data is ready
	WriteTimeout   time.Duration // bound on writing one frame
	SendQueueSize  int           // outbound batches buffered per connection
	Heartbeat      HeartbeatConfig
}

// DefaultServerConfig returns a ServerConfig with the relay's defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		ListenAddr:     ":4040",
		WorkerPoolSize: 256,
		MaxConnections: 100000,
		ReadTimeout:    10 * time.Second,
		WriteTimeout:   10 * time.Second,
		SendQueueSize:  256,
		Heartbeat:      DefaultHeartbeatConfig(),
	}
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the server logger.
func WithLogger(log zerolog.Logger) Option {
	return func(s *Server) { s.log = log }
}

// WithPresence mirrors connections into p.
func WithPresence(p Presence) Option {
	return func(s *Server) { s.presence = p }
}

// Server is the WebSocket server built on gobwas/ws and epoll. Ready
// connections are dispatched to a bounded worker pool for frame reading.
type Server struct {
	config       ServerConfig
	relay        Relay
	presence     Presence
	log          zerolog.Logger
	epoll        *Epoll
	conns        *ConnectionManager
	workerPool   chan struct{} // semaphore limiting concurrent read workers
	httpServer   *http.Server
	done         chan struct{}
	shutdownOnce sync.Once
	startedAt    time.Time
}

// NewServer creates a Server that reports connection events to relay.
func NewServer(config ServerConfig, relay Relay, opts ...Option) (*Server, error) {
	if config.WorkerPoolSize <= 0 {
		return nil, fmt.Errorf("ws: worker pool size must be positive, got %d", config.WorkerPoolSize)
	}
	if config.SendQueueSize <= 0 {
		return nil, fmt.Errorf("ws: send queue size must be positive, got %d", config.SendQueueSize)
	}

	ep, err := NewEpoll()
	if err != nil {
		return nil, fmt.Errorf("ws: failed to create epoll: %w", err)
	}

	s := &Server{
		config:     config,
		relay:      relay,
		log:        zerolog.Nop(),
		epoll:      ep,
		conns:      NewConnectionManager(),
		workerPool: make(chan struct{}, config.WorkerPoolSize),
		done:       make(chan struct{}),
		startedAt:  time.Now(),
	}
	for _, opt := range opts {
		opt(s)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/", s.handleUpgrade)

	s.httpServer = &http.Server{
		Addr:              config.ListenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s, nil
}

// Start listens on the configured address and serves until Shutdown.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.config.ListenAddr)
	if err != nil {
		return fmt.Errorf("ws: listen on %s: %w", s.config.ListenAddr, err)
	}
	return s.Serve(ln)
}

// Serve accepts connections on ln. It starts the epoll event loop and, when
// enabled, the heartbeat monitor, then blocks until Shutdown.
func (s *Server) Serve(ln net.Listener) error {
	go s.startEventLoop()

	if s.config.Heartbeat.Interval > 0 {
		StartHeartbeat(s, s.config.Heartbeat)
	}

	s.log.Info().
		Str("addr", ln.Addr().String()).
		Int("workers", s.config.WorkerPoolSize).
		Int("max_conns", s.config.MaxConnections).
		Dur("heartbeat", s.config.Heartbeat.Interval).
		Msg("server listening")

	if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("ws: http server error: %w", err)
	}
	return nil
}

// handleUpgrade upgrades an HTTP request on any path to a WebSocket
// connection. The connection is registered with the relay, which queues the
// backlog, before epoll starts reporting its frames.
func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	if s.config.MaxConnections > 0 && s.conns.Count() >= s.config.MaxConnections {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	conn, rw, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		s.log.Debug().Err(err).Str("remote", r.RemoteAddr).Msg("upgrade failed")
		return
	}

	c := newConnection(uuid.New().String(), conn, s.config.SendQueueSize)
	c.onClose = func(c *Connection) { s.RemoveConnection(c, nil) }
	if rw != nil && rw.Reader.Buffered() > 0 {
		// Frames the client pipelined behind the upgrade request.
		buffered, _ := rw.Reader.Peek(rw.Reader.Buffered())
		c.pending = bytes.NewReader(bytes.Clone(buffered))
	}

	s.conns.Add(c)
	go c.writeLoop(s.config.WriteTimeout, s.RemoveConnection)

	c.setState(StateOpen)
	s.relay.Open(c)

	// Pending frames are handled before epoll can report the socket, so they
	// keep their place ahead of anything read later.
	for c.State() == StateOpen && c.pending != nil && c.pending.Len() > 0 {
		s.handleConn(conn)
	}
	if c.State() == StateClosed {
		// Evicted while its backlog was being queued, or closed by the client.
		return
	}

	if s.presence != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		if err := s.presence.Add(ctx, c.id, c.RemoteAddr); err != nil {
			s.log.Warn().Err(err).Str("session", c.id).Msg("presence add failed")
		}
		c.presenceAt.Store(time.Now().UnixNano())
		if c.State() == StateClosed {
			// RemoveConnection may have run before the entry was written.
			_ = s.presence.Remove(ctx, c.id)
			cancel()
			return
		}
		cancel()
	}

	if err := s.epoll.Add(conn); err != nil {
		s.log.Error().Err(err).Str("session", c.id).Msg("epoll add failed")
		s.RemoveConnection(c, err)
		return
	}
	if c.State() == StateClosed {
		_ = s.epoll.Remove(conn)
		return
	}

	s.log.Debug().
		Str("session", c.id).
		Int("fd", c.Fd).
		Str("remote", c.RemoteAddr).
		Int("total", s.conns.Count()).
		Msg("new connection")
}

// handleHealth responds with the server's health status as JSON.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)

	resp := struct {
		Status      string `json:"status"`
		Connections int    `json:"connections"`
		History     int    `json:"history"`
		Uptime      string `json:"uptime"`
	}{
		Status:      "ok",
		Connections: s.conns.Count(),
		History:     s.relay.HistoryLen(),
		Uptime:      time.Since(s.startedAt).Round(time.Second).String(),
	}

	_ = json.NewEncoder(w).Encode(resp)
}

// startEventLoop runs the epoll wait loop and dispatches each ready
// connection to a worker goroutine bounded by the worker pool semaphore.
func (s *Server) startEventLoop() {
	for {
		select {
		case <-s.done:
			return
		default:
		}

		conns, err := s.epoll.Wait()
		if err != nil {
			select {
			case <-s.done:
				return
			default:
			}
			if isEINTR(err) {
				continue
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			s.log.Error().Err(err).Msg("epoll wait error")
			continue
		}

		for _, conn := range conns {
			conn := conn

			s.workerPool <- struct{}{}
			go func() {
				defer func() { <-s.workerPool }()
				s.handleConn(conn)
			}()
		}
	}
}

// handleConn reads one WebSocket message from a ready connection. Control
// frames are answered in place; data frames are handed to the relay. A read
// failure other than a timeout removes the connection.
func (s *Server) handleConn(netConn net.Conn) {
	c := s.conns.GetByConn(netConn)
	if c == nil {
		return
	}

	// One frame reader per connection at a time.
	if !atomic.CompareAndSwapInt32(&c.processing, 0, 1) {
		return
	}
	defer s.epoll.Resume(netConn)
	defer atomic.StoreInt32(&c.processing, 0)

	if s.config.ReadTimeout > 0 {
		_ = netConn.SetReadDeadline(time.Now().Add(s.config.ReadTimeout))
		defer netConn.SetReadDeadline(time.Time{})
	}

	rd := &wsutil.Reader{
		Source:    c.source(s.epoll.Reader(netConn)),
		State:     ws.StateServerSide,
		CheckUTF8: true,
	}
	header, err := rd.NextFrame()
	if err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			// Stale readiness; the heartbeat handles dead peers.
			return
		}
		s.RemoveConnection(c, readError(err))
		return
	}

	c.touch()

	if header.OpCode.IsControl() {
		s.handleControl(c, header, rd)
		return
	}

	data, err := io.ReadAll(rd)
	if errors.Is(err, wsutil.ErrInvalidUTF8) {
		s.log.Warn().Str("session", c.id).Msg("closing connection after invalid utf-8 text frame")
		_ = c.WriteControl(ws.NewCloseFrame(ws.NewCloseFrameBody(ws.StatusInvalidFramePayloadData, "")))
		s.RemoveConnection(c, fmt.Errorf("ws: read payload: %w", err))
		return
	}
	if err != nil {
		s.RemoveConnection(c, fmt.Errorf("ws: read payload: %w", err))
		return
	}
	if header.OpCode == ws.OpBinary {
		// Relayed as text, so undecodable bytes become U+FFFD.
		data = []byte(strings.ToValidUTF8(string(data), "\uFFFD"))
	}

	s.relay.Receive(c, data)
	s.refreshPresence(c)
}

// handleControl consumes a control frame's payload and answers it.
func (s *Server) handleControl(c *Connection, header ws.Header, reader io.Reader) {
	payload := make([]byte, header.Length)
	if _, err := io.ReadFull(reader, payload); err != nil {
		s.RemoveConnection(c, fmt.Errorf("ws: read control frame: %w", err))
		return
	}

	switch header.OpCode {
	case ws.OpClose:
		_ = c.WriteControl(ws.NewCloseFrame(ws.NewCloseFrameBody(ws.StatusNormalClosure, "")))
		s.RemoveConnection(c, nil)
	case ws.OpPing:
		if err := c.WriteControl(ws.NewPongFrame(payload)); err != nil {
			s.RemoveConnection(c, fmt.Errorf("ws: write pong: %w", err))
		}
	}
}

// readError maps the errors that mean the peer went away without a close
// frame to a plain EOF so they are reported uniformly.
func readError(err error) error {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return io.ErrUnexpectedEOF
	}
	return fmt.Errorf("ws: read frame: %w", err)
}

func (s *Server) refreshPresence(c *Connection) {
	if s.presence == nil {
		return
	}
	now := time.Now()
	last := c.presenceAt.Load()
	if now.Sub(time.Unix(0, last)) < presenceRefreshEvery || !c.presenceAt.CompareAndSwap(last, now.UnixNano()) {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := s.presence.Refresh(ctx, c.id); err != nil {
		s.log.Warn().Err(err).Str("session", c.id).Msg("presence refresh failed")
	}
}

// RemoveConnection removes a connection from epoll and the connection
// manager, closes it and deregisters it from the relay. A nil err means a
// graceful close. Concurrent and repeated calls are safe; only the first one
// deregisters.
func (s *Server) RemoveConnection(c *Connection, err error) {
	_ = s.epoll.Remove(c.Conn)

	if !s.conns.Remove(c.id) {
		return
	}

	s.relay.Close(c, err)

	if s.presence != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err := s.presence.Remove(ctx, c.id); err != nil {
			s.log.Warn().Err(err).Str("session", c.id).Msg("presence remove failed")
		}
	}
}

// Connections returns the ConnectionManager, used by the heartbeat.
func (s *Server) Connections() *ConnectionManager {
	return s.conns
}

// Shutdown stops the HTTP listener and the event loop, closes every open
// connection and releases the epoll instance.
func (s *Server) Shutdown(ctx context.Context) error {
	var err error
	s.shutdownOnce.Do(func() {
		s.log.Info().Int("connections", s.conns.Count()).Msg("shutting down server")
		close(s.done)

		if e := s.httpServer.Shutdown(ctx); e != nil {
			err = fmt.Errorf("ws: http shutdown: %w", e)
		}

		for _, c := range s.conns.All() {
			_ = c.WriteControl(ws.NewCloseFrame(ws.NewCloseFrameBody(ws.StatusGoingAway, "")))
			s.RemoveConnection(c, nil)
		}

		if e := s.epoll.Close(); e != nil && err == nil {
			err = fmt.Errorf("ws: close epoll: %w", e)
		}
	})
	return err
}
