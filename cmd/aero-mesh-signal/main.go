package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"

	"github.com/wilsonzlin/aero/proxy/webrtc-mesh-call/internal/config"
	"github.com/wilsonzlin/aero/proxy/webrtc-mesh-call/internal/httpserver"
	"github.com/wilsonzlin/aero/proxy/webrtc-mesh-call/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/webrtc-mesh-call/internal/signaling"
	"github.com/wilsonzlin/aero/proxy/webrtc-mesh-call/internal/turnrest"
)

var (
	// Set via -ldflags at build time. Values may be empty in local/dev builds.
	buildCommit = ""
	buildTime   = ""
)

func main() {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	logger, err := config.NewLogger(cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	slog.SetDefault(logger)

	turn, err := turnrest.FromConfig(cfg.TURNREST)
	if err != nil {
		logger.Error("failed to configure TURN REST credentials", "err", err)
		os.Exit(2)
	}

	logger.Info("starting aero-mesh-signal",
		"listen_addr", cfg.ListenAddr,
		"mode", cfg.Mode,
		"max_connections", cfg.MaxConnections,
		"max_participants_per_room", cfg.MaxParticipantsPerRoom,
		"max_signaling_message_bytes", cfg.MaxSignalingMessageBytes,
		"max_signaling_messages_per_second", cfg.MaxSignalingMessagesPerSecond,
		"ice_servers", len(cfg.ICEServers),
		"turn_rest_enabled", turn != nil,
	)
	if err := cfg.ICEConfigError(); err != nil {
		logger.Warn("invalid ICE server configuration; /readyz will report not ready", "err", err)
	}

	logStartupSecurityWarnings(logger, cfg)

	ln, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		logger.Error("failed to listen", "err", err)
		os.Exit(1)
	}

	commit, buildTime := resolveBuildInfo(buildCommit, buildTime)

	m := metrics.New()
	srv := httpserver.New(cfg, logger, httpserver.BuildInfo{Commit: commit, BuildTime: buildTime}, httpserver.Options{
		Metrics: m,
		TURN:    turn,
	})

	sig := signaling.NewServer(signaling.Config{
		Logger:                 logger,
		Metrics:                m,
		MaxParticipantsPerRoom: cfg.MaxParticipantsPerRoom,
		AllowedOrigins:         cfg.AllowedOrigins,
		MaxConnections:         cfg.MaxConnections,
		ConnectsPerIPPerSecond: cfg.SignalingConnectsPerIPPerSecond,

		MaxSignalingMessageBytes:      cfg.MaxSignalingMessageBytes,
		MaxSignalingMessagesPerSecond: cfg.MaxSignalingMessagesPerSecond,
		SendQueueMessages:             cfg.SignalingSendQueueMessages,

		SignalingWSIdleTimeout:  cfg.SignalingWSIdleTimeout,
		SignalingWSPingInterval: cfg.SignalingWSPingInterval,
	})
	sig.RegisterRoutes(srv.Mux())

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	select {
	case err := <-errCh:
		sig.Close()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server exited", "err", err)
			os.Exit(1)
		}
		return
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	// Hijacked websocket connections are not tracked by http.Server, so close
	// the signaling hub explicitly to send going-away frames.
	sig.Close()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown failed", "err", err)
	}

	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("http server exited after shutdown", "err", err)
		os.Exit(1)
	}
}

func resolveBuildInfo(commit, buildTime string) (string, string) {
	// Prefer ldflags-injected values but fall back to the Go build info
	// (useful for `go run` / dev builds).
	if bi, ok := debug.ReadBuildInfo(); ok {
		for _, s := range bi.Settings {
			switch s.Key {
			case "vcs.revision":
				if commit == "" {
					commit = s.Value
				}
			case "vcs.time":
				if buildTime == "" {
					buildTime = s.Value
				}
			}
		}
	}

	return commit, buildTime
}
