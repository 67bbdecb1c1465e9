package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/wilsonzlin/aero/proxy/webrtc-mesh-call/internal/call"
	"github.com/wilsonzlin/aero/proxy/webrtc-mesh-call/internal/callerr"
	"github.com/wilsonzlin/aero/proxy/webrtc-mesh-call/internal/config"
	"github.com/wilsonzlin/aero/proxy/webrtc-mesh-call/internal/media"
	"github.com/wilsonzlin/aero/proxy/webrtc-mesh-call/internal/signalclient"
	"github.com/wilsonzlin/aero/proxy/webrtc-mesh-call/internal/webrtcpeer"
)

var joinFlags struct {
	opts config.PeerOptions

	screenFile     string
	shareAfter     time.Duration
	duration       time.Duration
	statsInterval  time.Duration
	startMuted     bool
	startVideoOff  bool
	connectTimeout time.Duration
}

var joinCmd = &cobra.Command{
	Use:   "join <room-id>",
	Short: "Join a room and stay until interrupted",
	Long: `Join a mesh call room. Without --video-ivf/--audio-ogg the participant sends
a synthetic VP8 frame and Opus silence.

Examples:
  aero-mesh-peer join standup --server ws://localhost:3001/ws
  aero-mesh-peer join standup --video-ivf clip.ivf --audio-ogg clip.ogg
  aero-mesh-peer join standup --screen-ivf desktop.ivf --share-screen-after 10s`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		opts := joinFlags.opts
		if len(args) == 1 {
			opts.RoomID = args[0]
		}
		opts.ServerURL = peerFlags.server
		opts.LogFormat = peerFlags.logFormat
		opts.LogLevel = peerFlags.logLevel
		opts.ICEServersJSON = peerFlags.iceServersJSON
		opts.STUNURLs = peerFlags.stunURLs
		opts.TURNURLs = peerFlags.turnURLs
		opts.TURNUsername = peerFlags.turnUsername
		opts.TURNCredential = peerFlags.turnCredential

		cfg, err := config.LoadPeer(opts)
		if err != nil {
			return err
		}
		logger, err := config.NewPeerLogger(cfg)
		if err != nil {
			return err
		}
		slog.SetDefault(logger)

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return runJoin(ctx, cfg, logger)
	},
}

func runJoin(ctx context.Context, cfg config.PeerConfig, logger *slog.Logger) error {
	api, err := webrtcpeer.NewAPI(webrtcpeer.APIOptionsFromPeerConfig(cfg, logger))
	if err != nil {
		return fmt.Errorf("configure webrtc: %w", err)
	}

	iceServers := cfg.ICEServers
	if cfg.ICEFromServer {
		fetchCtx, cancel := context.WithTimeout(ctx, joinFlags.connectTimeout)
		servers, err := signalclient.FetchICEServers(fetchCtx, cfg.HTTPBaseURL(), nil)
		cancel()
		if err != nil {
			return err
		}
		iceServers = servers
	}

	sess := call.New(call.Config{
		Media:       media.NewManager(newDevices(cfg, logger), logger),
		Constraints: media.DefaultConstraints(),
		ServerURL:   cfg.ServerURL,
		Reconnect: signalclient.ReconnectConfig{
			Enabled:        cfg.Reconnect.Enabled,
			InitialBackoff: cfg.Reconnect.InitialBackoff,
			MaxBackoff:     cfg.Reconnect.MaxBackoff,
		},
		API:              api,
		ICEServers:       iceServers,
		Trickle:          cfg.Trickle,
		HandshakeTimeout: cfg.HandshakeTimeout,
		Logger:           logger,
	})
	unsubscribe := sess.OnParticipantsChanged(func(ps []call.Participant) {
		logger.Info("participants changed", "count", len(ps), "participants", participantSummary(ps))
	})
	defer unsubscribe()

	logger.Info("joining room",
		"server", cfg.ServerURL,
		"room_id", cfg.RoomID,
		"user_id", cfg.UserID,
		"ice_servers", len(iceServers),
		"trickle", cfg.Trickle,
	)

	startCtx, cancel := context.WithTimeout(ctx, joinFlags.connectTimeout)
	err = sess.Start(startCtx, cfg.RoomID, cfg.UserID, cfg.UserName)
	cancel()
	if err != nil {
		return err
	}
	defer sess.Leave()

	if joinFlags.startMuted {
		sess.ToggleAudio()
	}
	if joinFlags.startVideoOff {
		sess.ToggleVideo()
	}

	var shareC, endC <-chan time.Time
	if joinFlags.screenFile != "" && joinFlags.shareAfter > 0 {
		t := time.NewTimer(joinFlags.shareAfter)
		defer t.Stop()
		shareC = t.C
	}
	if joinFlags.duration > 0 {
		t := time.NewTimer(joinFlags.duration)
		defer t.Stop()
		endC = t.C
	}
	var statsC <-chan time.Time
	if joinFlags.statsInterval > 0 {
		t := time.NewTicker(joinFlags.statsInterval)
		defer t.Stop()
		statsC = t.C
	}

	for {
		select {
		case <-ctx.Done():
			logger.Info("leaving room", "reason", "signal")
			return nil
		case <-endC:
			logger.Info("leaving room", "reason", "duration elapsed")
			return nil
		case <-sess.Done():
			if err := sess.Err(); err != nil {
				return err
			}
			return nil
		case <-shareC:
			if err := sess.StartScreenShare(ctx); err != nil {
				var me *callerr.MediaAccessError
				if !errors.As(err, &me) {
					return err
				}
				logger.Warn("screen share failed", "err", err)
			}
		case <-statsC:
			logStats(logger, sess)
		}
	}
}

func newDevices(cfg config.PeerConfig, logger *slog.Logger) media.Devices {
	if cfg.VideoFile == "" && cfg.AudioFile == "" && joinFlags.screenFile == "" {
		return &media.SyntheticDevices{Logger: logger}
	}
	return &media.FileDevices{
		VideoFile:  cfg.VideoFile,
		AudioFile:  cfg.AudioFile,
		ScreenFile: joinFlags.screenFile,
		Logger:     logger,
	}
}

func participantSummary(ps []call.Participant) []string {
	out := make([]string, 0, len(ps))
	for _, p := range ps {
		out = append(out, fmt.Sprintf("%s(%s)", p.UserID, p.State))
	}
	return out
}

func logStats(logger *slog.Logger, sess *call.Session) {
	for _, p := range sess.Participants() {
		var video, audio uint64
		if p.Stream != nil {
			video = p.Stream.PacketsReceived(media.KindVideo)
			audio = p.Stream.PacketsReceived(media.KindAudio)
		}
		logger.Info("participant stats",
			"user_id", p.UserID,
			"user_name", p.UserName,
			"state", p.State.String(),
			"video_packets", video,
			"audio_packets", audio,
		)
	}
	logger.Info("local state",
		"video_enabled", sess.VideoEnabled(),
		"audio_enabled", sess.AudioEnabled(),
		"screen_sharing", sess.ScreenSharing(),
	)
}

func init() {
	rootCmd.AddCommand(joinCmd)

	f := joinCmd.Flags()
	f.StringVar(&joinFlags.opts.RoomID, "room", "", "room ID (alternative to the positional argument)")
	f.StringVar(&joinFlags.opts.UserID, "user-id", "", "participant ID (default: random UUID)")
	f.StringVar(&joinFlags.opts.UserName, "user-name", "", "display name (default: user ID)")
	f.StringVar(&joinFlags.opts.VideoFile, "video-ivf", "", "loop this VP8 IVF file as the camera")
	f.StringVar(&joinFlags.opts.AudioFile, "audio-ogg", "", "loop this Ogg/Opus file as the microphone")
	f.StringVar(&joinFlags.opts.Trickle, "trickle", "", "send ICE candidates as they are gathered (true/false)")
	f.StringVar(&joinFlags.opts.ICEFromServer, "ice-from-server", "", "use the server's GET /webrtc/ice response (true/false)")
	f.StringVar(&joinFlags.opts.HandshakeTimeout, "handshake-timeout", "", "close peers not connected within this duration (0 = never)")
	f.StringVar(&joinFlags.opts.Reconnect, "reconnect", "", "reconnect to signaling after a drop (true/false)")
	f.StringVar(&joinFlags.opts.UDPPortMin, "webrtc-udp-port-min", "", "lowest local UDP port for ICE")
	f.StringVar(&joinFlags.opts.UDPPortMax, "webrtc-udp-port-max", "", "highest local UDP port for ICE")
	f.StringVar(&joinFlags.opts.NAT1To1IPs, "webrtc-nat-1to1-ips", "", "comma-separated public IPs to advertise")
	f.StringVar(&joinFlags.opts.NAT1To1IPCandidateType, "webrtc-nat-1to1-ip-candidate-type", "", "host or srflx")
	f.StringVar(&joinFlags.opts.UDPListenIP, "webrtc-udp-listen-ip", "", "local IP to gather host candidates on")

	f.StringVar(&joinFlags.screenFile, "screen-ivf", "", "VP8 IVF file used as the screen share source")
	f.DurationVar(&joinFlags.shareAfter, "share-screen-after", 0, "start sharing --screen-ivf after this delay")
	f.DurationVar(&joinFlags.duration, "duration", 0, "leave after this long (0 = until interrupted)")
	f.DurationVar(&joinFlags.statsInterval, "stats-interval", 30*time.Second, "log per-participant packet counts (0 = off)")
	f.BoolVar(&joinFlags.startMuted, "muted", false, "join with the microphone disabled")
	f.BoolVar(&joinFlags.startVideoOff, "video-off", false, "join with the camera disabled")
	f.DurationVar(&joinFlags.connectTimeout, "connect-timeout", 15*time.Second, "deadline for joining the room")
}
