package main

import (
	"log/slog"

	"github.com/wilsonzlin/aero/proxy/webrtc-mesh-call/internal/config"
)

func logStartupSecurityWarnings(logger *slog.Logger, cfg config.Config) {
	if logger == nil {
		logger = slog.Default()
	}

	if containsString(cfg.AllowedOrigins, "*") {
		logger.Warn("startup security warning: ALLOWED_ORIGINS contains '*' (allows any origin)",
			"warning_code", "allowed_origins_wildcard",
			"allowed_origins", cfg.AllowedOrigins,
			"mode", cfg.Mode,
		)
	}

	if cfg.Mode == config.ModeProd && cfg.MaxConnections <= 0 {
		logger.Warn("startup security warning: MAX_CONNECTIONS is unset/0 (unlimited) while --mode=prod",
			"warning_code", "max_connections_unlimited_in_prod",
			"max_connections", cfg.MaxConnections,
			"mode", cfg.Mode,
		)
	}

	if cfg.Mode == config.ModeProd && cfg.SignalingConnectsPerIPPerSecond <= 0 {
		logger.Warn("startup security warning: SIGNALING_CONNECTS_PER_IP_PER_SECOND is unset/0 (unlimited) while --mode=prod",
			"warning_code", "connect_rate_unlimited_in_prod",
			"signaling_connects_per_ip_per_second", cfg.SignalingConnectsPerIPPerSecond,
			"mode", cfg.Mode,
		)
	}

	// 1MiB: large messages weaken the per-connection memory bound.
	if cfg.MaxSignalingMessageBytes > 1<<20 {
		logger.Warn("startup security warning: MAX_SIGNALING_MESSAGE_BYTES is very large (increases per-message allocation risk)",
			"warning_code", "signaling_message_max_large",
			"max_signaling_message_bytes", cfg.MaxSignalingMessageBytes,
			"mode", cfg.Mode,
		)
	}

	if len(cfg.ICEServers) == 0 {
		logger.Warn("startup warning: no STUN/TURN servers configured; participants behind NAT may fail to connect",
			"warning_code", "ice_servers_empty",
			"mode", cfg.Mode,
		)
	}
}

func containsString(xs []string, v string) bool {
	for _, s := range xs {
		if s == v {
			return true
		}
	}
	return false
}
