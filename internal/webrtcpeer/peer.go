package webrtcpeer

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/wilsonzlin/aero/proxy/webrtc-mesh-call/internal/media"
)

// State is a peer's position in the handshake lifecycle. A peer only moves
// forward; closed peers are never reused.
type State int

const (
	StateIdle State = iota
	StateNegotiating
	StateConnected
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateNegotiating:
		return "negotiating"
	case StateConnected:
		return "connected"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

type Role int

const (
	RoleUnknown Role = iota
	RoleInitiator
	RoleResponder
)

func (r Role) String() string {
	switch r {
	case RoleInitiator:
		return "initiator"
	case RoleResponder:
		return "responder"
	default:
		return "unknown"
	}
}

// RemoteStream collects the tracks a remote participant sends us.
type RemoteStream struct {
	id string

	mu      sync.Mutex
	tracks  []*webrtc.TrackRemote
	packets map[media.Kind]*atomic.Uint64
}

func newRemoteStream(id string) *RemoteStream {
	return &RemoteStream{
		id: id,
		packets: map[media.Kind]*atomic.Uint64{
			media.KindVideo: {},
			media.KindAudio: {},
		},
	}
}

func (s *RemoteStream) ID() string { return s.id }

func (s *RemoteStream) Tracks() []*webrtc.TrackRemote {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*webrtc.TrackRemote(nil), s.tracks...)
}

// PacketsReceived counts RTP packets read for kind.
func (s *RemoteStream) PacketsReceived(kind media.Kind) uint64 {
	c, ok := s.packets[kind]
	if !ok {
		return 0
	}
	return c.Load()
}

func (s *RemoteStream) add(track *webrtc.TrackRemote) {
	s.mu.Lock()
	s.tracks = append(s.tracks, track)
	s.mu.Unlock()
}

// drain reads RTP until the track ends so interceptors keep running.
func (s *RemoteStream) drain(track *webrtc.TrackRemote) {
	counter := s.packets[kindOf(track.Kind())]
	for {
		if _, _, err := track.ReadRTP(); err != nil {
			return
		}
		if counter != nil {
			counter.Add(1)
		}
	}
}

func kindOf(k webrtc.RTPCodecType) media.Kind {
	if k == webrtc.RTPCodecTypeAudio {
		return media.KindAudio
	}
	return media.KindVideo
}

func codecTypeOf(k media.Kind) webrtc.RTPCodecType {
	if k == media.KindAudio {
		return webrtc.RTPCodecTypeAudio
	}
	return webrtc.RTPCodecTypeVideo
}

// peer is one remote participant. Fields are guarded by Manager.mu; the
// PeerConnection itself is only called outside that lock.
type peer struct {
	userID   string
	userName string

	state State
	role  Role

	pc      *webrtc.PeerConnection
	senders map[media.Kind]*webrtc.RTPSender
	remote  *RemoteStream

	// Remote candidates that arrived before the remote description.
	pendingRemote  []webrtc.ICECandidateInit
	haveRemoteDesc bool
	// Local trickle candidates held until our offer or answer is sent.
	pendingLocal   []webrtc.ICECandidateInit
	localDescSent  bool
	awaitingAnswer bool

	ctx       context.Context
	cancel    context.CancelFunc
	handshake *time.Timer
}

// PeerInfo is a read-only snapshot of one peer.
type PeerInfo struct {
	UserID   string
	UserName string
	State    State
	Role     Role
	// Stream is nil until the first remote track arrives.
	Stream *RemoteStream
}

func (p *peer) info() PeerInfo {
	return PeerInfo{
		UserID:   p.userID,
		UserName: p.userName,
		State:    p.state,
		Role:     p.role,
		Stream:   p.remote,
	}
}
