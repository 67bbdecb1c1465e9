package media

import (
	"sync"

	"github.com/google/uuid"
)

// Stream is a set of local tracks captured together, at most one per kind.
type Stream struct {
	id     string
	source Source
	video  *Track
	audio  *Track

	stopOnce sync.Once
}

func newStreamID() string { return uuid.NewString() }

func (s *Stream) ID() string     { return s.id }
func (s *Stream) Source() Source { return s.source }

// Track returns the stream's track of the given kind, or nil.
func (s *Stream) Track(kind Kind) *Track {
	if s == nil {
		return nil
	}
	switch kind {
	case KindVideo:
		return s.video
	case KindAudio:
		return s.audio
	default:
		return nil
	}
}

// Tracks lists video before audio.
func (s *Stream) Tracks() []*Track {
	if s == nil {
		return nil
	}
	out := make([]*Track, 0, 2)
	if s.video != nil {
		out = append(out, s.video)
	}
	if s.audio != nil {
		out = append(out, s.audio)
	}
	return out
}

// Stop stops every track. Safe to call more than once.
func (s *Stream) Stop() {
	if s == nil {
		return
	}
	s.stopOnce.Do(func() {
		for _, t := range s.Tracks() {
			t.Stop()
		}
	})
}

// Stopped reports whether every track has been stopped.
func (s *Stream) Stopped() bool {
	for _, t := range s.Tracks() {
		if !t.Stopped() {
			return false
		}
	}
	return true
}
