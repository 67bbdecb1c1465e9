// Package media acquires local camera, microphone and screen streams and
// exposes them as pion sample tracks.
package media

import (
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	pionmedia "github.com/pion/webrtc/v4/pkg/media"
)

type Kind string

const (
	KindVideo Kind = "video"
	KindAudio Kind = "audio"
)

// Source identifies what a stream captures.
type Source string

const (
	SourceCamera Source = "camera"
	SourceScreen Source = "screen"
)

var (
	vp8Capability  = webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000}
	opusCapability = webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2}
)

// sampleSource yields paced media samples. next blocks only for I/O; pacing
// is done by the pump from Sample.Duration.
type sampleSource interface {
	next() (pionmedia.Sample, error)
	close() error
}

// Track is one local media track. Disabling a track keeps it attached to
// every sender but stops sample delivery.
type Track struct {
	kind  Kind
	local *webrtc.TrackLocalStaticSample

	enabled atomic.Bool
	written atomic.Uint64

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

func newTrack(kind Kind, streamID string, src sampleSource, logger *slog.Logger) (*Track, error) {
	capability := vp8Capability
	if kind == KindAudio {
		capability = opusCapability
	}
	local, err := webrtc.NewTrackLocalStaticSample(capability, uuid.NewString(), streamID)
	if err != nil {
		_ = src.close()
		return nil, err
	}
	t := &Track{
		kind:  kind,
		local: local,
		stop:  make(chan struct{}),
		done:  make(chan struct{}),
	}
	t.enabled.Store(true)
	go t.pump(src, logger.With("track_kind", string(kind), "track_id", local.ID()))
	return t, nil
}

func (t *Track) Kind() Kind { return t.kind }
func (t *Track) ID() string { return t.local.ID() }

// Local is the pion track to attach to RTP senders.
func (t *Track) Local() *webrtc.TrackLocalStaticSample { return t.local }

func (t *Track) Enabled() bool { return t.enabled.Load() }

func (t *Track) SetEnabled(enabled bool) { t.enabled.Store(enabled) }

// SamplesWritten counts samples handed to the local track since creation.
func (t *Track) SamplesWritten() uint64 { return t.written.Load() }

func (t *Track) Stopped() bool {
	select {
	case <-t.stop:
		return true
	default:
		return false
	}
}

// Stop ends the sample pump and waits for it to exit. Safe to call more than
// once.
func (t *Track) Stop() {
	t.stopOnce.Do(func() { close(t.stop) })
	<-t.done
}

func (t *Track) pump(src sampleSource, logger *slog.Logger) {
	defer close(t.done)
	defer func() { _ = src.close() }()

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-t.stop:
			return
		case <-timer.C:
		}

		sample, err := src.next()
		if err != nil {
			if !errors.Is(err, errSourceClosed) {
				logger.Warn("media source failed", "err", err)
			}
			return
		}
		if t.enabled.Load() {
			if err := t.local.WriteSample(sample); err != nil {
				logger.Debug("write sample failed", "err", err)
			} else {
				t.written.Add(1)
			}
		}

		d := sample.Duration
		if d <= 0 {
			d = time.Millisecond
		}
		timer.Reset(d)
	}
}

var errSourceClosed = errors.New("media source closed")
