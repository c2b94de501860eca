// Command relay runs the notice relay: a WebSocket server that fans every
// notice out to all connected clients and replays the history since the last
// CLEAR to new ones.
package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/rs/zerolog"

	"github.com/whisper/notice-relay/internal/config"
	"github.com/whisper/notice-relay/internal/discovery"
	"github.com/whisper/notice-relay/internal/hub"
	"github.com/whisper/notice-relay/internal/logging"
	"github.com/whisper/notice-relay/internal/messaging"
	"github.com/whisper/notice-relay/internal/presence"
	"github.com/whisper/notice-relay/internal/ws"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "relay: %v\n", err)
		os.Exit(1)
	}

	root := logging.New(cfg.LogLevel, cfg.LogConsole)
	log := logging.Component(root, "main")

	if err := run(cfg, root, log); err != nil {
		log.Fatal().Err(err).Msg("relay stopped")
	}
}

func run(cfg config.Config, root, log zerolog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// --- NATS tap (optional) ---
	hubOpts := []hub.Option{hub.WithLogger(logging.Component(root, "hub"))}
	var natsClient *messaging.NATSClient
	if cfg.NATSURL != "" {
		nc, err := messaging.NewNATSClient(messaging.DefaultNATSConfig(cfg.NATSURL), logging.Component(root, "nats"))
		if err != nil {
			return fmt.Errorf("connect to NATS: %w", err)
		}
		defer nc.Close()
		natsClient = nc
		hubOpts = append(hubOpts, hub.WithTap(natsClient))
	}

	h := hub.New(hubOpts...)

	if natsClient != nil {
		if err := natsClient.SubscribePublish(h.Inject); err != nil {
			return err
		}
	}

	// --- Redis presence (optional) ---
	serverOpts := []ws.Option{ws.WithLogger(logging.Component(root, "ws"))}
	var presenceStore *presence.Store
	if cfg.RedisAddr != "" {
		rc, err := presence.Dial(ctx, cfg.RedisAddr)
		if err != nil {
			return err
		}
		presenceStore = presence.NewStore(rc, cfg.ServerName, cfg.PresenceTTL)
		defer presenceStore.Close()

		if n, err := presenceStore.RemoveServer(ctx); err != nil {
			log.Warn().Err(err).Msg("failed to drop stale presence entries")
		} else if n > 0 {
			log.Info().Int("removed", n).Msg("dropped stale presence entries")
		}
		serverOpts = append(serverOpts, ws.WithPresence(presenceStore))
	}

	server, err := ws.NewServer(cfg.Server(), h, serverOpts...)
	if err != nil {
		return err
	}

	ln, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", cfg.ListenAddr, err)
	}

	// --- mDNS (optional) ---
	if cfg.MDNSEnabled {
		port := ln.Addr().(*net.TCPAddr).Port
		adv, err := discovery.Advertise(cfg.ServerName, port, "path=/")
		if err != nil {
			log.Warn().Err(err).Msg("mDNS advertisement disabled")
		} else {
			defer adv.Close()
			log.Info().Str("service", discovery.ServiceType).Int("port", port).Msg("advertising over mDNS")
		}
	}

	log.Info().
		Str("listen_addr", ln.Addr().String()).
		Int("worker_pool", cfg.WorkerPoolSize).
		Int("max_connections", cfg.MaxConnections).
		Int("send_queue", cfg.SendQueueSize).
		Dur("heartbeat_interval", cfg.HeartbeatInterval).
		Str("nats_url", cfg.NATSURL).
		Str("redis_addr", cfg.RedisAddr).
		Str("server_name", cfg.ServerName).
		Msg("notice relay starting")

	shutdownDone := make(chan struct{})
	go func() {
		defer close(shutdownDone)
		<-ctx.Done()
		log.Info().Msg("received signal, initiating graceful shutdown")
		_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)

		if natsClient != nil {
			_ = natsClient.UnsubscribePublish()
		}

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("shutdown error")
		}
		if presenceStore != nil {
			if _, err := presenceStore.RemoveServer(shutdownCtx); err != nil {
				log.Warn().Err(err).Msg("failed to drop presence entries")
			}
		}
	}()

	if ok, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		log.Warn().Err(err).Msg("sd_notify failed")
	} else if ok {
		log.Debug().Msg("notified systemd")
	}

	if err := server.Serve(ln); err != nil {
		return err
	}
	<-shutdownDone
	return nil
}
