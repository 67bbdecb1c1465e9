package media

import (
	"context"
	"errors"
	"log/slog"

	"github.com/wilsonzlin/aero/proxy/webrtc-mesh-call/internal/callerr"
)

// Devices is a capture backend.
type Devices interface {
	UserMedia(ctx context.Context, c Constraints) (*Stream, error)
	DisplayMedia(ctx context.Context, opts DisplayOptions) (*Stream, error)
}

// Manager acquires and releases local streams through a Devices backend.
type Manager struct {
	devices Devices
	logger  *slog.Logger
}

func NewManager(devices Devices, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{devices: devices, logger: logger}
}

// AcquireCameraAndMicrophone returns a camera stream with one video and one
// audio track. Failures are *callerr.MediaAccessError.
func (m *Manager) AcquireCameraAndMicrophone(ctx context.Context, c Constraints) (*Stream, error) {
	stream, err := m.devices.UserMedia(ctx, c)
	if err != nil {
		err = asMediaError("getUserMedia", err)
		m.logger.Warn("camera/microphone acquisition failed", "err", err)
		return nil, err
	}
	m.logger.Debug("camera/microphone acquired", "stream_id", stream.ID())
	return stream, nil
}

// AcquireScreenShare returns a display-capture stream. Failures, including
// the user cancelling the picker, are *callerr.MediaAccessError.
func (m *Manager) AcquireScreenShare(ctx context.Context, opts DisplayOptions) (*Stream, error) {
	stream, err := m.devices.DisplayMedia(ctx, opts)
	if err != nil {
		err = asMediaError("getDisplayMedia", err)
		m.logger.Warn("screen capture failed", "err", err)
		return nil, err
	}
	m.logger.Debug("screen capture acquired", "stream_id", stream.ID(), "with_audio", stream.Track(KindAudio) != nil)
	return stream, nil
}

// Release stops every track of stream. nil and already-stopped streams are
// no-ops.
func (m *Manager) Release(stream *Stream) {
	if stream == nil || stream.Stopped() {
		return
	}
	stream.Stop()
	m.logger.Debug("stream released", "stream_id", stream.ID(), "source", string(stream.Source()))
}

// SetTrackEnabled flips the enabled flag of stream's track of kind. It
// reports false when the stream has no such track.
func (m *Manager) SetTrackEnabled(stream *Stream, kind Kind, enabled bool) bool {
	t := stream.Track(kind)
	if t == nil {
		return false
	}
	t.SetEnabled(enabled)
	return true
}

func asMediaError(op string, err error) error {
	var mediaErr *callerr.MediaAccessError
	if errors.As(err, &mediaErr) {
		return err
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return callerr.Media(op, callerr.ErrCaptureCancelled, err.Error())
	}
	return callerr.Media(op, err, "")
}

func buildStream(source Source, video, audio sampleSource, logger *slog.Logger) (*Stream, error) {
	s := &Stream{id: newStreamID(), source: source}
	if video != nil {
		t, err := newTrack(KindVideo, s.id, video, logger)
		if err != nil {
			if audio != nil {
				_ = audio.close()
			}
			return nil, err
		}
		s.video = t
	}
	if audio != nil {
		t, err := newTrack(KindAudio, s.id, audio, logger)
		if err != nil {
			s.Stop()
			return nil, err
		}
		s.audio = t
	}
	return s, nil
}
