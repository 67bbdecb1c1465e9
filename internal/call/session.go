// Package call runs one participant's side of a mesh call: local media,
// the signaling channel and a peer connection per remote participant.
package call

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"

	"github.com/wilsonzlin/aero/proxy/webrtc-mesh-call/internal/callerr"
	"github.com/wilsonzlin/aero/proxy/webrtc-mesh-call/internal/media"
	"github.com/wilsonzlin/aero/proxy/webrtc-mesh-call/internal/signalclient"
	"github.com/wilsonzlin/aero/proxy/webrtc-mesh-call/internal/signaling"
	"github.com/wilsonzlin/aero/proxy/webrtc-mesh-call/internal/webrtcpeer"
)

var (
	ErrAlreadyStarted = errors.New("call: session already started")
	ErrNotStarted     = errors.New("call: session not started")
	ErrSessionClosed  = errors.New("call: session closed")
)

type Config struct {
	Media          *media.Manager
	Constraints    media.Constraints
	DisplayOptions media.DisplayOptions

	ServerURL string
	Reconnect signalclient.ReconnectConfig
	Dialer    *websocket.Dialer
	Header    http.Header

	API              *webrtc.API
	ICEServers       []webrtc.ICEServer
	Trickle          bool
	HandshakeTimeout time.Duration

	Logger *slog.Logger
}

// Participant is a read-only view of one remote participant.
type Participant struct {
	UserID   string
	UserName string
	State    webrtcpeer.State
	// Stream is nil until the participant's first track arrives.
	Stream *webrtcpeer.RemoteStream
}

// Session is one participant's call. Start it once; Leave ends it for good.
type Session struct {
	cfg    Config
	logger *slog.Logger

	mu       sync.Mutex
	started  bool
	left     bool
	roomID   string
	userID   string
	camera   *media.Stream
	screen   *media.Stream
	videoOn  bool
	audioOn  bool
	signal   *signalclient.Client
	unsub    func()
	peers    *webrtcpeer.Manager
	joined   chan error
	joinSeen bool

	// swapMu serializes screen-share transitions.
	swapMu sync.Mutex

	subMu   sync.Mutex
	subs    map[uint64]func([]Participant)
	nextSub uint64

	doneOnce sync.Once
	done     chan struct{}
	err      error
}

func New(cfg Config) *Session {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Media == nil {
		cfg.Media = media.NewManager(&media.SyntheticDevices{Logger: cfg.Logger}, cfg.Logger)
	}
	if cfg.Constraints == (media.Constraints{}) {
		cfg.Constraints = media.DefaultConstraints()
	}
	if cfg.DisplayOptions == (media.DisplayOptions{}) {
		cfg.DisplayOptions = media.DefaultDisplayOptions()
	}
	return &Session{
		cfg:     cfg,
		logger:  cfg.Logger,
		videoOn: true,
		audioOn: true,
		subs:    make(map[uint64]func([]Participant)),
		done:    make(chan struct{}),
	}
}

// Start acquires the camera and microphone, connects to signaling and joins
// roomID. It returns once the server has confirmed the join. Media failures
// are *callerr.MediaAccessError; signaling failures are
// *callerr.SignalingConnectError and release the acquired media.
func (s *Session) Start(ctx context.Context, roomID, userID, userName string) error {
	s.mu.Lock()
	switch {
	case s.left:
		s.mu.Unlock()
		return ErrSessionClosed
	case s.started:
		s.mu.Unlock()
		return ErrAlreadyStarted
	}
	s.started = true
	s.roomID, s.userID = roomID, userID
	s.mu.Unlock()

	logger := s.logger.With("room_id", roomID, "user_id", userID)

	camera, err := s.cfg.Media.AcquireCameraAndMicrophone(ctx, s.cfg.Constraints)
	if err != nil {
		s.resetStart()
		return err
	}

	client := signalclient.New(signalclient.Config{
		ServerURL: s.cfg.ServerURL,
		RoomID:    roomID,
		UserID:    userID,
		UserName:  userName,
		Reconnect: s.cfg.Reconnect,
		Dialer:    s.cfg.Dialer,
		Header:    s.cfg.Header,
		Logger:    s.logger,
	})
	peers := webrtcpeer.NewManager(webrtcpeer.Config{
		API:              s.cfg.API,
		ICEServers:       s.cfg.ICEServers,
		Signaler:         client,
		LocalUserID:      userID,
		LocalStream:      camera,
		Trickle:          s.cfg.Trickle,
		HandshakeTimeout: s.cfg.HandshakeTimeout,
		Logger:           logger,
		OnPeerError:      s.onPeerError,
		OnPeersChanged:   s.onPeersChanged,
	})
	joined := make(chan error, 1)

	s.mu.Lock()
	s.camera = camera
	s.signal = client
	s.peers = peers
	s.joined = joined
	s.mu.Unlock()

	unsub := client.Subscribe(s.handleEvent)
	s.mu.Lock()
	s.unsub = unsub
	s.mu.Unlock()

	abort := func(err error) error {
		unsub()
		_ = client.Close()
		peers.Close()
		s.cfg.Media.Release(camera)
		s.mu.Lock()
		s.camera, s.signal, s.peers, s.unsub, s.joined = nil, nil, nil, nil, nil
		s.mu.Unlock()
		s.resetStart()
		return err
	}

	if err := client.Connect(ctx); err != nil {
		logger.Warn("signaling connect failed", "err", err)
		return abort(err)
	}

	select {
	case err := <-joined:
		if err != nil {
			logger.Warn("join rejected", "err", err)
			return abort(err)
		}
	case <-client.Done():
		return abort(callerr.Signaling("join", callerr.ErrConnectionLost, "connection closed before join completed"))
	case <-ctx.Done():
		return abort(callerr.Signaling("join", fmt.Errorf("%w: %v", callerr.ErrDialFailed, ctx.Err()), s.cfg.ServerURL))
	}

	logger.Info("joined call")
	return nil
}

func (s *Session) resetStart() {
	s.mu.Lock()
	if !s.left {
		s.started = false
	}
	s.mu.Unlock()
}

func (s *Session) handleEvent(ev signalclient.Event) {
	s.mu.Lock()
	peers := s.peers
	s.mu.Unlock()
	if peers == nil {
		return
	}

	switch e := ev.(type) {
	case signalclient.RoomParticipants:
		s.confirmJoin(nil)
		s.logger.Debug("room roster", "participants", len(e.Participants))
	case signalclient.ServerError:
		s.handleServerError(e)
	case signalclient.Disconnected:
		if e.Reconnecting {
			// Everyone else sees us leave, so every peer is stale.
			s.logger.Warn("signaling lost; reconnecting", "err", e.Err)
			peers.Reset()
			return
		}
		if !s.confirmJoin(e.Err) {
			s.finish(e.Err)
		}
	case signalclient.Reconnected:
		s.logger.Info("signaling reconnected")
	default:
		peers.HandleEvent(ev)
	}
}

func (s *Session) handleServerError(e signalclient.ServerError) {
	switch e.Code {
	case signaling.CodeRoomFull:
		s.confirmJoin(callerr.Signaling("join", errors.New("room full"), e.Message))
	case signaling.CodeSessionReplaced:
		err := callerr.Signaling("join", fmt.Errorf("%w: %s", callerr.ErrConnectionLost, e.Code), e.Message)
		if !s.confirmJoin(err) {
			s.finish(err)
		}
	default:
		s.logger.Warn("signaling server rejected a message", "code", e.Code, "message", e.Message)
	}
}

// confirmJoin resolves a pending Start at most once. It reports whether err
// went to Start rather than to a running session.
func (s *Session) confirmJoin(err error) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.joinSeen || s.joined == nil {
		return false
	}
	s.joinSeen = true
	s.joined <- err
	return true
}

func (s *Session) onPeerError(userID string, err error) {
	s.logger.Warn("peer connection failed", "remote_user_id", userID, "err", err)
}

func (s *Session) onPeersChanged(peers []webrtcpeer.PeerInfo) {
	parts := toParticipants(peers)

	s.subMu.Lock()
	ids := make([]uint64, 0, len(s.subs))
	for id := range s.subs {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	fns := make([]func([]Participant), 0, len(ids))
	for _, id := range ids {
		fns = append(fns, s.subs[id])
	}
	s.subMu.Unlock()

	for _, fn := range fns {
		fn(parts)
	}
}

func toParticipants(peers []webrtcpeer.PeerInfo) []Participant {
	out := make([]Participant, 0, len(peers))
	for _, p := range peers {
		out = append(out, Participant{UserID: p.UserID, UserName: p.UserName, State: p.State, Stream: p.Stream})
	}
	return out
}

// Participants is a snapshot of the remote participants, ordered by user ID.
func (s *Session) Participants() []Participant {
	s.mu.Lock()
	peers := s.peers
	s.mu.Unlock()
	if peers == nil {
		return nil
	}
	return toParticipants(peers.Peers())
}

// OnParticipantsChanged calls fn with a fresh snapshot whenever a remote
// participant appears, changes state or goes away.
func (s *Session) OnParticipantsChanged(fn func([]Participant)) (unsubscribe func()) {
	s.subMu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = fn
	s.subMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.subMu.Lock()
			delete(s.subs, id)
			s.subMu.Unlock()
		})
	}
}

// ToggleVideo flips the camera preference and returns the new value. While
// screen sharing it only records the preference for when the camera returns.
func (s *Session) ToggleVideo() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.videoOn = !s.videoOn
	if s.screen == nil {
		s.cfg.Media.SetTrackEnabled(s.camera, media.KindVideo, s.videoOn)
	}
	return s.videoOn
}

// ToggleAudio flips the microphone preference and applies it to the active
// stream's audio track.
func (s *Session) ToggleAudio() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.audioOn = !s.audioOn
	s.cfg.Media.SetTrackEnabled(s.activeLocked(), media.KindAudio, s.audioOn)
	return s.audioOn
}

func (s *Session) VideoEnabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.videoOn
}

func (s *Session) AudioEnabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.audioOn
}

func (s *Session) ScreenSharing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.screen != nil
}

// LocalStream is the stream currently sent to peers.
func (s *Session) LocalStream() *media.Stream {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.activeLocked()
}

func (s *Session) activeLocked() *media.Stream {
	if s.screen != nil {
		return s.screen
	}
	return s.camera
}

// StartScreenShare replaces the camera with a screen capture on every peer.
// On failure the camera stays active. Calling it while sharing is a no-op.
func (s *Session) StartScreenShare(ctx context.Context) error {
	s.swapMu.Lock()
	defer s.swapMu.Unlock()

	s.mu.Lock()
	if err := s.liveLocked(); err != nil {
		s.mu.Unlock()
		return err
	}
	if s.screen != nil {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	screen, err := s.cfg.Media.AcquireScreenShare(ctx, s.cfg.DisplayOptions)
	if err != nil {
		return err
	}

	s.mu.Lock()
	if err := s.liveLocked(); err != nil {
		s.mu.Unlock()
		s.cfg.Media.Release(screen)
		return err
	}
	s.cfg.Media.SetTrackEnabled(screen, media.KindAudio, s.audioOn)
	old := s.camera
	s.screen = screen
	s.camera = nil
	peers := s.peers
	s.mu.Unlock()

	peers.ReplaceLocalStream(screen)
	s.cfg.Media.Release(old)
	s.logger.Info("screen share started", "stream_id", screen.ID())
	return nil
}

// StopScreenShare re-acquires the camera, applies the saved toggles and swaps
// it back in. On failure the screen stays active. Calling it while not
// sharing is a no-op.
func (s *Session) StopScreenShare(ctx context.Context) error {
	s.swapMu.Lock()
	defer s.swapMu.Unlock()

	s.mu.Lock()
	if err := s.liveLocked(); err != nil {
		s.mu.Unlock()
		return err
	}
	if s.screen == nil {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	camera, err := s.cfg.Media.AcquireCameraAndMicrophone(ctx, s.cfg.Constraints)
	if err != nil {
		return err
	}

	s.mu.Lock()
	if err := s.liveLocked(); err != nil {
		s.mu.Unlock()
		s.cfg.Media.Release(camera)
		return err
	}
	s.cfg.Media.SetTrackEnabled(camera, media.KindVideo, s.videoOn)
	s.cfg.Media.SetTrackEnabled(camera, media.KindAudio, s.audioOn)
	old := s.screen
	s.camera = camera
	s.screen = nil
	peers := s.peers
	s.mu.Unlock()

	peers.ReplaceLocalStream(camera)
	s.cfg.Media.Release(old)
	s.logger.Info("screen share stopped", "stream_id", camera.ID())
	return nil
}

func (s *Session) liveLocked() error {
	switch {
	case s.left:
		return ErrSessionClosed
	case s.peers == nil:
		return ErrNotStarted
	}
	return nil
}

// Leave closes every peer, releases local media and leaves the room. It is
// idempotent.
func (s *Session) Leave() {
	s.mu.Lock()
	if s.left {
		s.mu.Unlock()
		return
	}
	s.left = true
	client, unsub, peers := s.signal, s.unsub, s.peers
	camera, screen := s.camera, s.screen
	s.camera, s.screen = nil, nil
	s.mu.Unlock()

	if unsub != nil {
		unsub()
	}
	if peers != nil {
		peers.Close()
	}
	s.cfg.Media.Release(screen)
	s.cfg.Media.Release(camera)
	if client != nil {
		_ = client.Leave()
		_ = client.Close()
	}
	s.logger.Info("left call")
	s.finish(nil)
}

// Cleanup is Leave under the name callers use on teardown paths.
func (s *Session) Cleanup() { s.Leave() }

// Done is closed when the session ends, by Leave or by losing signaling.
func (s *Session) Done() <-chan struct{} { return s.done }

// Err reports why the session ended. It is nil after Leave and a
// *callerr.SignalingConnectError after an unexpected signaling drop.
func (s *Session) Err() error {
	select {
	case <-s.done:
	default:
		return nil
	}
	return s.err
}

func (s *Session) finish(err error) {
	s.doneOnce.Do(func() {
		s.err = err
		close(s.done)
	})
}
