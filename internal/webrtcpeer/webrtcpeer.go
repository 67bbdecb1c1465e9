package webrtcpeer

import (
	"fmt"
	"log/slog"
	"net"

	"github.com/pion/interceptor"
	"github.com/pion/transport/v4"
	"github.com/pion/webrtc/v4"

	"github.com/wilsonzlin/aero/proxy/webrtc-mesh-call/internal/config"
)

// APIOptions are the network knobs applied to every PeerConnection built by
// NewAPI.
type APIOptions struct {
	UDPPortRange           *config.UDPPortRange
	NAT1To1IPs             []string
	NAT1To1IPCandidateType config.NAT1To1IPCandidateType
	UDPListenIP            net.IP

	// Net replaces the host network stack, e.g. with a pion vnet.
	Net transport.Net

	Logger *slog.Logger
}

func APIOptionsFromPeerConfig(cfg config.PeerConfig, logger *slog.Logger) APIOptions {
	return APIOptions{
		UDPPortRange:           cfg.WebRTCUDPPortRange,
		NAT1To1IPs:             cfg.WebRTCNAT1To1IPs,
		NAT1To1IPCandidateType: cfg.WebRTCNAT1To1IPCandidateType,
		UDPListenIP:            cfg.WebRTCUDPListenIP,
		Logger:                 logger,
	}
}

// NewAPI builds a media-capable API: default codecs, default interceptors
// (NACK, RTCP reports) and the configured network settings.
func NewAPI(opts APIOptions) (*webrtc.API, error) {
	se := webrtc.SettingEngine{}
	if err := ApplyNetworkSettings(&se, opts); err != nil {
		return nil, err
	}
	if opts.Logger != nil {
		se.LoggerFactory = NewLoggerFactory(opts.Logger)
	}

	me := &webrtc.MediaEngine{}
	if err := me.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("register default codecs: %w", err)
	}
	registry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(me, registry); err != nil {
		return nil, fmt.Errorf("register default interceptors: %w", err)
	}

	api := webrtc.NewAPI(
		webrtc.WithSettingEngine(se),
		webrtc.WithMediaEngine(me),
		webrtc.WithInterceptorRegistry(registry),
	)
	return api, nil
}

func ApplyNetworkSettings(se *webrtc.SettingEngine, opts APIOptions) error {
	if opts.Net != nil {
		se.SetNet(opts.Net)
	}

	if opts.UDPPortRange != nil {
		if err := se.SetEphemeralUDPPortRange(opts.UDPPortRange.Min, opts.UDPPortRange.Max); err != nil {
			return fmt.Errorf("set ephemeral udp port range: %w", err)
		}
	}

	if len(opts.NAT1To1IPs) > 0 {
		var candidateType webrtc.ICECandidateType
		switch opts.NAT1To1IPCandidateType {
		case config.NAT1To1CandidateTypeHost, "":
			candidateType = webrtc.ICECandidateTypeHost
		case config.NAT1To1CandidateTypeSrflx:
			candidateType = webrtc.ICECandidateTypeSrflx
		default:
			return fmt.Errorf("invalid NAT 1:1 IP candidate type %q", opts.NAT1To1IPCandidateType)
		}
		se.SetNAT1To1IPs(opts.NAT1To1IPs, candidateType)
	}

	// SettingEngine doesn't currently expose a "bind to 0.0.0.0" toggle; instead
	// we restrict candidate gathering and socket binding via IPFilter.
	if !config.IsUnspecifiedIP(opts.UDPListenIP) {
		listenIP := opts.UDPListenIP
		se.SetIPFilter(func(ip net.IP) bool {
			return ip.Equal(listenIP)
		})
	}

	return nil
}
