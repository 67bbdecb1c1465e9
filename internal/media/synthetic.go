package media

import (
	"context"
	"log/slog"
	"sync"
	"time"

	pionmedia "github.com/pion/webrtc/v4/pkg/media"

	"github.com/wilsonzlin/aero/proxy/webrtc-mesh-call/internal/callerr"
)

const opusFrameDuration = 20 * time.Millisecond

var (
	// A VP8 key frame header followed by a few bytes of payload. Decoders may
	// reject it; it only needs to flow through RTP.
	syntheticVP8Frame = []byte{0x10, 0x02, 0x00, 0x9d, 0x01, 0x2a, 0x10, 0x00, 0x10, 0x00, 0x00, 0x47, 0x08, 0x85}
	// Opus TOC for a 20ms CELT frame of silence.
	opusSilenceFrame = []byte{0xf8, 0xff, 0xfe}
)

// SyntheticDevices generates fixed VP8 and Opus payloads. The boolean knobs
// simulate capture failures.
type SyntheticDevices struct {
	DenyCamera     bool
	DenyMicrophone bool
	NoCamera       bool

	CancelDisplay      bool
	DisplayUnsupported bool
	// DisplayAudio makes system audio available to screen capture.
	DisplayAudio bool

	Logger *slog.Logger
}

func (d *SyntheticDevices) logger() *slog.Logger {
	if d.Logger == nil {
		return slog.Default()
	}
	return d.Logger
}

func (d *SyntheticDevices) UserMedia(ctx context.Context, c Constraints) (*Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, callerr.Media("getUserMedia", callerr.ErrCaptureCancelled, err.Error())
	}
	switch {
	case d.NoCamera:
		return nil, callerr.Media("getUserMedia", callerr.ErrDeviceUnavailable, "no camera")
	case d.DenyCamera:
		return nil, callerr.Media("getUserMedia", callerr.ErrPermissionDenied, "camera")
	case d.DenyMicrophone:
		return nil, callerr.Media("getUserMedia", callerr.ErrPermissionDenied, "microphone")
	}
	frameDur := time.Second / time.Duration(c.frameRate())
	return buildStream(SourceCamera,
		newRepeatSource(syntheticVP8Frame, frameDur),
		newRepeatSource(opusSilenceFrame, opusFrameDuration),
		d.logger())
}

func (d *SyntheticDevices) DisplayMedia(ctx context.Context, opts DisplayOptions) (*Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, callerr.Media("getDisplayMedia", callerr.ErrCaptureCancelled, err.Error())
	}
	switch {
	case d.DisplayUnsupported:
		return nil, callerr.Media("getDisplayMedia", callerr.ErrCaptureUnsupported, "")
	case d.CancelDisplay:
		return nil, callerr.Media("getDisplayMedia", callerr.ErrCaptureCancelled, "picker dismissed")
	}
	var audio sampleSource
	if opts.Audio && d.DisplayAudio {
		audio = newRepeatSource(opusSilenceFrame, opusFrameDuration)
	}
	frameDur := time.Second / time.Duration(opts.frameRate())
	return buildStream(SourceScreen, newRepeatSource(syntheticVP8Frame, frameDur), audio, d.logger())
}

// repeatSource yields the same payload forever.
type repeatSource struct {
	payload  []byte
	duration time.Duration

	mu     sync.Mutex
	closed bool
}

func newRepeatSource(payload []byte, d time.Duration) *repeatSource {
	return &repeatSource{payload: payload, duration: d}
}

func (s *repeatSource) next() (pionmedia.Sample, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return pionmedia.Sample{}, errSourceClosed
	}
	return pionmedia.Sample{Data: append([]byte(nil), s.payload...), Duration: s.duration}, nil
}

func (s *repeatSource) close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}
