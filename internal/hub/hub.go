// Package hub implements the relay hub: it owns the registry of open
// connections and the notice history, applies every inbound notice to the
// history and fans it out to all registered connections.
//
// Every registry and history mutation, together with the broadcast iteration
// over the registry, runs under a single mutex. Delivery itself never blocks
// the hub: peers accept frames into their own outbound queue and a peer whose
// queue is full is evicted.
package hub

import (
	"sort"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/rs/zerolog"
	"github.com/samber/lo"

	"github.com/whisper/notice-relay/internal/history"
	"github.com/whisper/notice-relay/internal/metrics"
	"github.com/whisper/notice-relay/internal/protocol"
)

// Peer is a connection endpoint registered with the hub.
type Peer interface {
	// ID returns the identity of the peer, unique for its lifetime.
	ID() string

	// Enqueue hands frames to the peer's outbound queue, in order, without
	// blocking. It returns false when the queue is full or the peer is
	// closed. Implementations must not call back into the Hub.
	Enqueue(frames [][]byte) bool

	// Close terminates the peer's transport.
	Close() error
}

// Tap is notified of every payload the hub accepts, after broadcast. It is
// called under the hub lock, so taps see payloads in history order; it must
// not block or call back into the Hub.
type Tap interface {
	PublishRelayed(payload []byte) error
}

// Option configures a Hub.
type Option func(*Hub)

// WithLogger sets the hub logger.
func WithLogger(log zerolog.Logger) Option {
	return func(h *Hub) { h.log = log }
}

// WithHistory makes the hub use the given store instead of a fresh one.
func WithHistory(s *history.Store) Option {
	return func(h *Hub) { h.history = s }
}

// WithTap registers a Tap that receives accepted payloads.
func WithTap(t Tap) Option {
	return func(h *Hub) { h.tap = t }
}

// Hub mediates between transport events and the history store.
type Hub struct {
	mu      sync.Mutex
	peers   map[string]Peer // peer ID -> Peer
	history *history.Store
	tap     Tap
	log     zerolog.Logger
}

// New creates a Hub with an empty registry.
func New(opts ...Option) *Hub {
	h := &Hub{
		peers: make(map[string]Peer),
		log:   zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(h)
	}
	if h.history == nil {
		h.history = history.NewStore()
	}
	return h
}

// Open registers p and queues the current backlog to it. Registration and the
// backlog snapshot happen under the hub lock, so every live broadcast that
// reaches p is queued after its backlog.
func (h *Hub) Open(p Peer) {
	h.mu.Lock()
	h.peers[p.ID()] = p
	backlog := h.history.Snapshot()
	slow := false
	if len(backlog) > 0 && !p.Enqueue(backlog) {
		delete(h.peers, p.ID())
		slow = true
	}
	total := len(h.peers)
	h.mu.Unlock()

	metrics.Connections.Set(float64(total))
	if slow {
		h.evict(p)
		return
	}
	metrics.ReplayedTotal.Add(float64(len(backlog)))

	h.log.Info().
		Str("session", p.ID()).
		Int("backlog", len(backlog)).
		Int("total", total).
		Msg("connection opened")
}

// Close deregisters p. A non-nil err marks a transport failure and is logged;
// otherwise it is a graceful close. Closing a peer that is not registered is
// a no-op. It reports whether p was registered.
func (h *Hub) Close(p Peer, err error) bool {
	h.mu.Lock()
	_, ok := h.peers[p.ID()]
	if ok {
		delete(h.peers, p.ID())
	}
	total := len(h.peers)
	h.mu.Unlock()

	if !ok {
		return false
	}
	metrics.Connections.Set(float64(total))

	if err != nil {
		h.log.Warn().Err(err).Str("session", p.ID()).Int("total", total).Msg("connection failed")
	} else {
		h.log.Info().Str("session", p.ID()).Int("total", total).Msg("connection closed")
	}
	return true
}

// Receive handles a payload read from p. The payload is broadcast to every
// registered peer, p included.
func (h *Hub) Receive(p Peer, data []byte) {
	h.publish(p.ID(), data)
}

// Inject handles a payload that did not come from a registered connection,
// such as one delivered over the message bus. Payloads are relayed as text
// frames, so invalid UTF-8 is replaced with U+FFFD.
func (h *Hub) Inject(data []byte) {
	if !utf8.Valid(data) {
		data = []byte(strings.ToValidUTF8(string(data), "\uFFFD"))
	}
	h.publish("", data)
}

// publish applies data to the history and broadcasts it. A CLEAR notice
// empties the history instead of being appended; it is still broadcast. A
// payload that cannot be decoded is relayed as an ordinary notice.
func (h *Hub) publish(origin string, data []byte) {
	kind := metrics.KindNotice
	cmd, err := protocol.CommandOf(data)
	if err != nil {
		kind = metrics.KindOpaque
		h.log.Warn().Err(err).Str("session", origin).Int("bytes", len(data)).Msg("relaying undecodable payload")
	} else if cmd == protocol.CommandClear {
		kind = metrics.KindClear
	}

	frames := [][]byte{data}
	var slow []Peer

	h.mu.Lock()
	dropped := 0
	if kind == metrics.KindClear {
		dropped = h.history.Clear()
	} else {
		h.history.Append(data)
	}
	for id, p := range h.peers {
		if !p.Enqueue(frames) {
			delete(h.peers, id)
			slow = append(slow, p)
		}
	}
	delivered := len(h.peers)
	historyLen := h.history.Len()
	var tapErr error
	if h.tap != nil {
		tapErr = h.tap.PublishRelayed(data)
	}
	h.mu.Unlock()

	metrics.NoticesTotal.WithLabelValues(kind).Inc()
	metrics.DeliveriesTotal.Add(float64(delivered))
	metrics.HistorySize.Set(float64(historyLen))
	if len(slow) > 0 {
		metrics.Connections.Set(float64(delivered))
	}

	if kind == metrics.KindClear {
		h.log.Info().Str("session", origin).Int("dropped", dropped).Int("recipients", delivered).Msg("history cleared")
	} else {
		h.log.Debug().Str("session", origin).Int("bytes", len(data)).Int("recipients", delivered).Msg("notice relayed")
	}

	for _, p := range slow {
		h.evict(p)
	}

	if tapErr != nil {
		h.log.Warn().Err(tapErr).Msg("tap publish failed")
	}
}

// evict closes a peer that was removed from the registry because it could
// not keep up. Its transport reports the close back through Close, which is
// then a no-op.
func (h *Hub) evict(p Peer) {
	metrics.SlowEvictionsTotal.Inc()
	h.log.Warn().Str("session", p.ID()).Msg("evicting slow connection")
	if err := p.Close(); err != nil {
		h.log.Debug().Err(err).Str("session", p.ID()).Msg("close after eviction failed")
	}
}

// Count returns the number of registered peers.
func (h *Hub) Count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.peers)
}

// IDs returns the registered peer IDs in sorted order.
func (h *Hub) IDs() []string {
	h.mu.Lock()
	ids := lo.Keys(h.peers)
	h.mu.Unlock()
	sort.Strings(ids)
	return ids
}

// History returns a point-in-time copy of the backlog.
func (h *Hub) History() [][]byte {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.history.Snapshot()
}

// HistoryLen returns the number of payloads held for replay.
func (h *Hub) HistoryLen() int {
	return h.history.Len()
}
