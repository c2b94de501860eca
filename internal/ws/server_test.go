package ws

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/whisper/notice-relay/client"
	"github.com/whisper/notice-relay/internal/hub"
)

const (
	m1       = `{"date":"2024-03-05T01:30:00.000Z","message":"maintenance at 10:00"}`
	m2       = `{"date":"2024-03-05T01:31:00.000Z","message":"maintenance at 11:00"}`
	m3       = `{"date":"2024-03-05T01:32:00.000Z","message":"done"}`
	clearMsg = `{"date":"2024-03-05T01:33:00.000Z","message":"","command":"CLEAR"}`
)

func startServer(t *testing.T) (*Server, *hub.Hub, string) {
	t.Helper()
	return startServerWith(t, nil)
}

// startServerWith starts a server whose config is adjusted by configure, if
// non-nil.
func startServerWith(t *testing.T, configure func(*ServerConfig), opts ...Option) (*Server, *hub.Hub, string) {
	t.Helper()

	h := hub.New()
	cfg := DefaultServerConfig()
	cfg.ListenAddr = "127.0.0.1:0"
	cfg.WorkerPoolSize = 16
	if configure != nil {
		configure(&cfg)
	}

	srv, err := NewServer(cfg, h, opts...)
	require.NoError(t, err)

	ln, err := net.Listen("tcp", cfg.ListenAddr)
	require.NoError(t, err)

	served := make(chan error, 1)
	go func() { served <- srv.Serve(ln) }()

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		assert.NoError(t, srv.Shutdown(ctx))
		assert.NoError(t, <-served)
	})

	return srv, h, ln.Addr().String()
}

func dial(t *testing.T, addr string) *client.Client {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	c, err := client.Dial(ctx, "ws://"+addr+"/")
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func next(t *testing.T, c *client.Client) string {
	t.Helper()
	select {
	case msg, ok := <-c.Messages():
		require.True(t, ok, "connection closed while waiting for a message")
		return string(msg.Raw)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for a message")
		return ""
	}
}

// dialRaw opens a WebSocket without the client package, for tests that need
// to send or inspect frames directly.
func dialRaw(t *testing.T, addr string) io.ReadWriter {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, br, _, err := ws.Dial(ctx, "ws://"+addr+"/")
	require.NoError(t, err)
	require.NoError(t, conn.SetDeadline(time.Now().Add(5*time.Second)))
	t.Cleanup(func() { _ = conn.Close() })

	var r io.Reader = conn
	if br != nil {
		r = br
	}
	return struct {
		io.Reader
		io.Writer
	}{r, conn}
}

func waitForCount(t *testing.T, h *hub.Hub, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return h.Count() == n }, 5*time.Second, 10*time.Millisecond)
}

func TestRelayEndToEnd(t *testing.T) {
	_, h, addr := startServer(t)

	a := dial(t, addr)
	waitForCount(t, h, 1)

	require.NoError(t, a.SendRaw([]byte(m1)))
	require.NoError(t, a.SendRaw([]byte(m2)))
	assert.Equal(t, m1, next(t, a))
	assert.Equal(t, m2, next(t, a))

	// Late joiner gets the backlog in order.
	b := dial(t, addr)
	assert.Equal(t, m1, next(t, b))
	assert.Equal(t, m2, next(t, b))
	waitForCount(t, h, 2)

	require.NoError(t, a.SendRaw([]byte(clearMsg)))
	assert.Equal(t, clearMsg, next(t, a))
	assert.Equal(t, clearMsg, next(t, b))
	assert.Equal(t, 0, h.HistoryLen())
	assert.Empty(t, a.Notices())
	assert.Empty(t, b.Notices())

	// A joiner after CLEAR gets no backlog: its first frame is live.
	c := dial(t, addr)
	waitForCount(t, h, 3)
	require.NoError(t, b.SendRaw([]byte(m3)))
	assert.Equal(t, m3, next(t, c))
	assert.Equal(t, m3, next(t, a))
	assert.Equal(t, m3, next(t, b))

	notices := c.Notices()
	require.Len(t, notices, 1)
	assert.Equal(t, "done", notices[0].Message)
}

func TestMalformedPayloadKeepsConnection(t *testing.T) {
	_, h, addr := startServer(t)

	a := dial(t, addr)
	b := dial(t, addr)
	waitForCount(t, h, 2)

	require.NoError(t, a.SendRaw([]byte("not json")))
	assert.Equal(t, "not json", next(t, a))
	assert.Equal(t, "not json", next(t, b))

	require.NoError(t, a.SendRaw([]byte(m1)))
	assert.Equal(t, m1, next(t, b))
	assert.Equal(t, client.StateOpen, a.State())
	assert.Equal(t, 2, h.HistoryLen())
}

func TestClientCloseDeregisters(t *testing.T) {
	srv, h, addr := startServer(t)

	a := dial(t, addr)
	b := dial(t, addr)
	waitForCount(t, h, 2)

	require.NoError(t, a.Close())
	waitForCount(t, h, 1)
	require.Eventually(t, func() bool { return srv.Connections().Count() == 1 }, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, b.SendRaw([]byte(m1)))
	assert.Equal(t, m1, next(t, b))
	assert.ErrorIs(t, a.SendRaw([]byte(m2)), client.ErrClosed)
}

func TestConcurrentPublishersKeepPerSenderOrder(t *testing.T) {
	_, h, addr := startServer(t)

	const publishers, perPublisher = 4, 25
	pubs := make([]*client.Client, publishers)
	for i := range pubs {
		pubs[i] = dial(t, addr)
	}
	watcher := dial(t, addr)
	waitForCount(t, h, publishers+1)

	payload := func(p, i int) string {
		return fmt.Sprintf(`{"message":"p%d-%d"}`, p, i)
	}

	var wg sync.WaitGroup
	for p, c := range pubs {
		wg.Add(1)
		go func(p int, c *client.Client) {
			defer wg.Done()
			for i := 0; i < perPublisher; i++ {
				assert.NoError(t, c.SendRaw([]byte(payload(p, i))))
			}
		}(p, c)
	}
	wg.Wait()

	seen := make([]int, publishers)
	for n := 0; n < publishers*perPublisher; n++ {
		got := next(t, watcher)
		matched := false
		for p := range seen {
			if seen[p] < perPublisher && got == payload(p, seen[p]) {
				seen[p]++
				matched = true
				break
			}
		}
		require.True(t, matched, "out-of-order or unknown payload %q", got)
	}
	assert.Equal(t, publishers*perPublisher, h.HistoryLen())
}

func TestHealthEndpoint(t *testing.T) {
	_, h, addr := startServer(t)

	a := dial(t, addr)
	waitForCount(t, h, 1)
	require.NoError(t, a.SendRaw([]byte(m1)))
	next(t, a)

	resp, err := http.Get("http://" + addr + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		Status      string `json:"status"`
		Connections int    `json:"connections"`
		History     int    `json:"history"`
		Uptime      string `json:"uptime"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "ok", body.Status)
	assert.Equal(t, 1, body.Connections)
	assert.Equal(t, 1, body.History)
	assert.NotEmpty(t, body.Uptime)
}

func TestMetricsEndpoint(t *testing.T) {
	_, _, addr := startServer(t)

	resp, err := http.Get("http://" + addr + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestShutdownClosesClients(t *testing.T) {
	srv, h, addr := startServer(t)

	a := dial(t, addr)
	waitForCount(t, h, 1)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, srv.Shutdown(ctx))

	select {
	case <-a.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("client not closed by shutdown")
	}
	assert.Equal(t, client.StateClosed, a.State())
	assert.Equal(t, 0, h.Count())
}

func TestIdleSendersDoNotStallOthers(t *testing.T) {
	_, h, addr := startServerWith(t, func(cfg *ServerConfig) {
		cfg.WorkerPoolSize = 2
		cfg.ReadTimeout = 2 * time.Second
	})

	const clients = 6
	cs := make([]*client.Client, clients)
	for i := range cs {
		cs[i] = dial(t, addr)
	}
	waitForCount(t, h, clients)

	// Each client sends in turn, so every recent sender sits idle while
	// the others publish.
	var worst time.Duration
	for round := 0; round < 3; round++ {
		for i, c := range cs {
			payload := fmt.Sprintf(`{"message":"r%d-c%d"}`, round, i)
			start := time.Now()
			require.NoError(t, c.SendRaw([]byte(payload)))
			for _, other := range cs {
				require.Equal(t, payload, next(t, other))
			}
			worst = max(worst, time.Since(start))
		}
	}
	assert.Less(t, worst, time.Second, "worst echo latency %s", worst)
}

func TestBinaryFrameIsRelayedAsValidText(t *testing.T) {
	_, h, addr := startServer(t)

	sender := dialRaw(t, addr)
	waitForCount(t, h, 1)
	require.NoError(t, wsutil.WriteClientMessage(sender, ws.OpBinary, []byte{0xff, 0xfe, 'x'}))

	data, op, err := wsutil.ReadServerData(sender)
	require.NoError(t, err)
	assert.Equal(t, ws.OpText, op)
	assert.Equal(t, "\uFFFDx", string(data))

	// The stored copy replays as a valid text frame too.
	late := dialRaw(t, addr)
	data, op, err = wsutil.ReadServerData(late)
	require.NoError(t, err)
	assert.Equal(t, ws.OpText, op)
	assert.True(t, utf8.Valid(data))
	assert.Equal(t, "\uFFFDx", string(data))
}

func TestInvalidUTF8TextClosesSender(t *testing.T) {
	_, h, addr := startServer(t)

	bystander := dial(t, addr)
	bad := dialRaw(t, addr)
	waitForCount(t, h, 2)

	require.NoError(t, wsutil.WriteClientMessage(bad, ws.OpText, []byte{'{', 0xff, '}'}))

	hdr, err := ws.ReadHeader(bad)
	require.NoError(t, err)
	require.Equal(t, ws.OpClose, hdr.OpCode)
	body := make([]byte, hdr.Length)
	_, err = io.ReadFull(bad, body)
	require.NoError(t, err)
	code, _ := ws.ParseCloseFrameData(body)
	assert.Equal(t, ws.StatusInvalidFramePayloadData, code)

	waitForCount(t, h, 1)
	assert.Equal(t, 0, h.HistoryLen())

	// The bystander never saw the bad frame; its next frame is live traffic.
	require.NoError(t, bystander.SendRaw([]byte(m1)))
	assert.Equal(t, m1, next(t, bystander))
}

func TestFramePipelinedWithUpgradeIsRelayed(t *testing.T) {
	_, h, addr := startServer(t)

	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.SetDeadline(time.Now().Add(5*time.Second)))

	var out bytes.Buffer
	out.WriteString("GET / HTTP/1.1\r\n" +
		"Host: " + addr + "\r\n" +
		"Upgrade: websocket\r\n" +
		"Connection: Upgrade\r\n" +
		"Sec-WebSocket-Key: dGhlIHNhbXBsZSBub25jZQ==\r\n" +
		"Sec-WebSocket-Version: 13\r\n\r\n")
	require.NoError(t, ws.WriteFrame(&out, ws.MaskFrameInPlace(ws.NewTextFrame([]byte(m1)))))
	_, err = conn.Write(out.Bytes())
	require.NoError(t, err)

	br := bufio.NewReader(conn)
	resp, err := http.ReadResponse(br, nil)
	require.NoError(t, err)
	require.Equal(t, http.StatusSwitchingProtocols, resp.StatusCode)

	hdr, err := ws.ReadHeader(br)
	require.NoError(t, err)
	assert.Equal(t, ws.OpText, hdr.OpCode)
	payload := make([]byte, hdr.Length)
	_, err = io.ReadFull(br, payload)
	require.NoError(t, err)
	assert.Equal(t, m1, string(payload))
	assert.Equal(t, 1, h.HistoryLen())
}

// closingPresence closes the connection while its entry is being written,
// the way a client hanging up mid-upgrade would.
type closingPresence struct {
	mu      sync.Mutex
	srv     *Server
	added   int
	entries map[string]bool
}

func (p *closingPresence) Add(_ context.Context, id, _ string) error {
	p.mu.Lock()
	srv := p.srv
	p.mu.Unlock()

	if c := srv.Connections().Get(id); c != nil {
		_ = c.Close()
	}

	p.mu.Lock()
	p.added++
	p.entries[id] = true
	p.mu.Unlock()
	return nil
}

func (p *closingPresence) Refresh(context.Context, string) error { return nil }

func (p *closingPresence) Remove(_ context.Context, id string) error {
	p.mu.Lock()
	delete(p.entries, id)
	p.mu.Unlock()
	return nil
}

func TestPresenceEntryNotLeftByEarlyClose(t *testing.T) {
	p := &closingPresence{entries: make(map[string]bool)}
	srv, h, addr := startServerWith(t, nil, WithPresence(p))
	p.mu.Lock()
	p.srv = srv
	p.mu.Unlock()

	c := dial(t, addr)
	select {
	case <-c.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("connection was not closed")
	}

	waitForCount(t, h, 0)
	require.Eventually(t, func() bool {
		p.mu.Lock()
		defer p.mu.Unlock()
		return p.added == 1 && len(p.entries) == 0
	}, 5*time.Second, 10*time.Millisecond)
}
