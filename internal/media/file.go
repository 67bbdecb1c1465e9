package media

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	pionmedia "github.com/pion/webrtc/v4/pkg/media"
	"github.com/pion/webrtc/v4/pkg/media/ivfreader"
	"github.com/pion/webrtc/v4/pkg/media/oggreader"

	"github.com/wilsonzlin/aero/proxy/webrtc-mesh-call/internal/callerr"
)

const opusSampleRate = 48000

// FileDevices plays media files in a loop. VideoFile is an IVF container with
// VP8 frames and AudioFile an Ogg container with Opus pages. An empty path
// falls back to a synthetic source for that kind. Screen capture plays
// ScreenFile and is unsupported when it is empty.
type FileDevices struct {
	VideoFile  string
	AudioFile  string
	ScreenFile string

	Logger *slog.Logger
}

func (d *FileDevices) logger() *slog.Logger {
	if d.Logger == nil {
		return slog.Default()
	}
	return d.Logger
}

func (d *FileDevices) UserMedia(ctx context.Context, c Constraints) (*Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, callerr.Media("getUserMedia", callerr.ErrCaptureCancelled, err.Error())
	}

	var video sampleSource = newRepeatSource(syntheticVP8Frame, time.Second/time.Duration(c.frameRate()))
	if d.VideoFile != "" {
		src, err := openIVFSource(d.VideoFile)
		if err != nil {
			return nil, callerr.Media("getUserMedia", fmt.Errorf("%w: %v", callerr.ErrDeviceUnavailable, err), d.VideoFile)
		}
		video = src
	}

	var audio sampleSource = newRepeatSource(opusSilenceFrame, opusFrameDuration)
	if d.AudioFile != "" {
		src, err := openOggSource(d.AudioFile)
		if err != nil {
			_ = video.close()
			return nil, callerr.Media("getUserMedia", fmt.Errorf("%w: %v", callerr.ErrDeviceUnavailable, err), d.AudioFile)
		}
		audio = src
	}

	return buildStream(SourceCamera, video, audio, d.logger())
}

func (d *FileDevices) DisplayMedia(ctx context.Context, opts DisplayOptions) (*Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, callerr.Media("getDisplayMedia", callerr.ErrCaptureCancelled, err.Error())
	}
	if d.ScreenFile == "" {
		return nil, callerr.Media("getDisplayMedia", callerr.ErrCaptureUnsupported, "no screen file configured")
	}
	src, err := openIVFSource(d.ScreenFile)
	if err != nil {
		return nil, callerr.Media("getDisplayMedia", fmt.Errorf("%w: %v", callerr.ErrDeviceUnavailable, err), d.ScreenFile)
	}
	// File-backed screens carry no system audio.
	return buildStream(SourceScreen, src, nil, d.logger())
}

// loopingFile reopens its file on EOF. A pass that yields no samples is an
// error so an empty file cannot spin.
type loopingFile struct {
	path string

	mu          sync.Mutex
	f           *os.File
	closed      bool
	passSamples int
}

func (l *loopingFile) reopen() (io.Reader, error) {
	if l.f != nil {
		_ = l.f.Close()
		l.f = nil
	}
	f, err := os.Open(l.path)
	if err != nil {
		return nil, err
	}
	l.f = f
	l.passSamples = 0
	return f, nil
}

func (l *loopingFile) close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed = true
	if l.f == nil {
		return nil
	}
	err := l.f.Close()
	l.f = nil
	return err
}

func isEOF(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF)
}

type ivfSource struct {
	loopingFile
	reader   *ivfreader.IVFReader
	frameDur time.Duration
}

func openIVFSource(path string) (*ivfSource, error) {
	s := &ivfSource{loopingFile: loopingFile{path: path}}
	if err := s.rewind(); err != nil {
		_ = s.loopingFile.close()
		return nil, err
	}
	return s, nil
}

func (s *ivfSource) rewind() error {
	r, err := s.reopen()
	if err != nil {
		return err
	}
	reader, header, err := ivfreader.NewWith(r)
	if err != nil {
		return fmt.Errorf("read ivf header: %w", err)
	}
	if header.FourCC != "VP80" {
		return fmt.Errorf("unsupported ivf codec %q", header.FourCC)
	}
	s.reader = reader
	s.frameDur = time.Second / 30
	if header.TimebaseDenominator > 0 && header.TimebaseNumerator > 0 {
		s.frameDur = time.Duration(float64(time.Second) * float64(header.TimebaseNumerator) / float64(header.TimebaseDenominator))
	}
	return nil
}

func (s *ivfSource) next() (pionmedia.Sample, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for {
		if s.closed {
			return pionmedia.Sample{}, errSourceClosed
		}
		frame, _, err := s.reader.ParseNextFrame()
		if err == nil {
			s.passSamples++
			return pionmedia.Sample{Data: frame, Duration: s.frameDur}, nil
		}
		if !isEOF(err) {
			return pionmedia.Sample{}, fmt.Errorf("read ivf frame: %w", err)
		}
		if s.passSamples == 0 {
			return pionmedia.Sample{}, fmt.Errorf("%s: no frames", s.path)
		}
		if err := s.rewind(); err != nil {
			return pionmedia.Sample{}, err
		}
	}
}

func (s *ivfSource) close() error { return s.loopingFile.close() }

type oggSource struct {
	loopingFile
	reader      *oggreader.OggReader
	lastGranule uint64
}

func openOggSource(path string) (*oggSource, error) {
	s := &oggSource{loopingFile: loopingFile{path: path}}
	if err := s.rewind(); err != nil {
		_ = s.loopingFile.close()
		return nil, err
	}
	return s, nil
}

func (s *oggSource) rewind() error {
	r, err := s.reopen()
	if err != nil {
		return err
	}
	reader, _, err := oggreader.NewWith(r)
	if err != nil {
		return fmt.Errorf("read ogg header: %w", err)
	}
	s.reader = reader
	s.lastGranule = 0
	return nil
}

func (s *oggSource) next() (pionmedia.Sample, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for {
		if s.closed {
			return pionmedia.Sample{}, errSourceClosed
		}
		page, header, err := s.reader.ParseNextPage()
		if err == nil {
			// Header pages (OpusTags) carry granule 0.
			if header.GranulePosition <= s.lastGranule {
				continue
			}
			samples := header.GranulePosition - s.lastGranule
			s.lastGranule = header.GranulePosition
			s.passSamples++
			d := time.Duration(float64(samples) / opusSampleRate * float64(time.Second))
			return pionmedia.Sample{Data: page, Duration: d}, nil
		}
		if !isEOF(err) {
			return pionmedia.Sample{}, fmt.Errorf("read ogg page: %w", err)
		}
		if s.passSamples == 0 {
			return pionmedia.Sample{}, fmt.Errorf("%s: no audio pages", s.path)
		}
		if err := s.rewind(); err != nil {
			return pionmedia.Sample{}, err
		}
	}
}

func (s *oggSource) close() error { return s.loopingFile.close() }
