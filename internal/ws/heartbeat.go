package ws

import (
	"errors"
	"time"

	"github.com/gobwas/ws"
)

var errHeartbeatTimeout = errors.New("ws: heartbeat timeout")

// HeartbeatConfig holds heartbeat tuning parameters. A zero Interval disables
// the heartbeat.
type HeartbeatConfig struct {
	Interval time.Duration // how often to ping
	Timeout  time.Duration // grace period after Interval before a silent peer is dropped
}

// DefaultHeartbeatConfig returns the heartbeat defaults: disabled, with a
// 10s grace period once an interval is set.
func DefaultHeartbeatConfig() HeartbeatConfig {
	return HeartbeatConfig{
		Interval: 0,
		Timeout:  10 * time.Second,
	}
}

// StartHeartbeat begins a background goroutine that periodically pings every
// connection and removes those that have gone silent for longer than
// Interval + Timeout. It returns immediately; the goroutine exits when the
// server shuts down.
func StartHeartbeat(server *Server, config HeartbeatConfig) {
	go func() {
		ticker := time.NewTicker(config.Interval)
		defer ticker.Stop()

		for {
			select {
			case <-server.done:
				return
			case <-ticker.C:
				checkConnections(server, config, time.Now())
			}
		}
	}()
}

// checkConnections removes connections with no inbound frame (pongs
// included) within Interval + Timeout and pings the rest.
func checkConnections(server *Server, config HeartbeatConfig, now time.Time) {
	deadline := config.Interval + config.Timeout

	for _, c := range server.Connections().All() {
		if idle := now.Sub(c.LastSeen()); idle > deadline {
			server.log.Info().
				Str("session", c.id).
				Dur("idle", idle.Round(time.Second)).
				Msg("heartbeat timeout")
			server.RemoveConnection(c, errHeartbeatTimeout)
			continue
		}

		if err := c.WriteControl(ws.NewPingFrame(nil)); err != nil {
			server.RemoveConnection(c, err)
		}
	}
}
