package webrtcpeer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/wilsonzlin/aero/proxy/webrtc-mesh-call/internal/callerr"
	"github.com/wilsonzlin/aero/proxy/webrtc-mesh-call/internal/media"
	"github.com/wilsonzlin/aero/proxy/webrtc-mesh-call/internal/signalclient"
)

// Signaler carries handshake messages to one remote participant.
// *signalclient.Client implements it.
type Signaler interface {
	SendOffer(toUserID string, sdp webrtc.SessionDescription) error
	SendAnswer(toUserID string, sdp webrtc.SessionDescription) error
	SendICECandidate(toUserID string, cand webrtc.ICECandidateInit) error
}

type Config struct {
	// API defaults to NewAPI with no network overrides.
	API        *webrtc.API
	ICEServers []webrtc.ICEServer
	Signaler   Signaler

	LocalUserID string
	LocalStream *media.Stream

	// Trickle sends local candidates as they are gathered. When false the
	// offer and answer are sent once gathering completes.
	Trickle bool
	// HandshakeTimeout closes a peer that has not connected in time. Zero
	// disables it.
	HandshakeTimeout time.Duration

	Logger *slog.Logger

	OnPeerError    func(userID string, err error)
	OnPeersChanged func([]PeerInfo)
}

// Manager owns the PeerConnection for every remote participant in a room.
type Manager struct {
	cfg    Config
	api    *webrtc.API
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	peers  map[string]*peer
	local  *media.Stream
	closed bool

	// kick wakes the dispatcher; stop ends it after a final delivery.
	kick chan struct{}
	stop chan struct{}
}

func NewManager(cfg Config) *Manager {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	api := cfg.API
	if api == nil {
		var err error
		if api, err = NewAPI(APIOptions{Logger: cfg.Logger}); err != nil {
			cfg.Logger.Warn("falling back to bare webrtc API", "err", err)
			api = webrtc.NewAPI()
		}
	}
	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		cfg:    cfg,
		api:    api,
		logger: cfg.Logger,
		ctx:    ctx,
		cancel: cancel,
		peers:  make(map[string]*peer),
		local:  cfg.LocalStream,
		kick:   make(chan struct{}, 1),
		stop:   make(chan struct{}),
	}
	if cfg.OnPeersChanged != nil {
		go m.dispatch()
	}
	return m
}

// HandleEvent dispatches the handshake-related signaling events. Other
// events are ignored.
func (m *Manager) HandleEvent(ev signalclient.Event) {
	switch e := ev.(type) {
	case signalclient.UserJoined:
		m.HandleUserJoined(e.UserID, e.UserName, e.Existing)
	case signalclient.UserLeft:
		m.HandleUserLeft(e.UserID)
	case signalclient.Offer:
		m.HandleOffer(e.FromUserID, e.FromUserName, e.SDP)
	case signalclient.Answer:
		m.HandleAnswer(e.FromUserID, e.SDP)
	case signalclient.ICECandidate:
		m.HandleICECandidate(e.FromUserID, e.Candidate)
	}
}

// HandleUserJoined registers a remote participant. A fresh join makes us the
// initiator; a replayed (existing) participant is registered idle and we wait
// for its offer. Repeated joins for a known participant are ignored.
func (m *Manager) HandleUserJoined(userID, userName string, existing bool) {
	logger := m.logger.With("remote_user_id", userID)

	m.mu.Lock()
	if m.closed || userID == "" || userID == m.cfg.LocalUserID {
		m.mu.Unlock()
		return
	}
	if _, ok := m.peers[userID]; ok {
		m.mu.Unlock()
		logger.Debug("ignoring user-joined for known peer", "existing", existing)
		return
	}
	p := m.newPeerLocked(userID, userName)
	if existing {
		p.role = RoleResponder
		m.mu.Unlock()
		logger.Debug("registered existing participant; awaiting offer")
		m.notify()
		return
	}
	p.role = RoleInitiator
	if err := m.openLocked(p); err != nil {
		m.mu.Unlock()
		m.fail(p, callerr.Negotiation("create peer connection", userID, fmt.Errorf("%w: %v", callerr.ErrNegotiationFailed, err)))
		return
	}
	p.state = StateNegotiating
	p.awaitingAnswer = true
	m.mu.Unlock()

	logger.Info("initiating peer connection")
	m.notify()
	m.spawn(func() { m.runOffer(p) })
}

// HandleOffer answers an offer from a participant we have no live
// connection with. Offers for peers already negotiating or connected are
// ignored.
func (m *Manager) HandleOffer(fromUserID, fromUserName string, sdp webrtc.SessionDescription) {
	logger := m.logger.With("remote_user_id", fromUserID)

	m.mu.Lock()
	if m.closed || fromUserID == "" || fromUserID == m.cfg.LocalUserID {
		m.mu.Unlock()
		return
	}
	p, ok := m.peers[fromUserID]
	if ok && p.state != StateIdle {
		m.mu.Unlock()
		logger.Debug("ignoring duplicate offer", "state", p.state.String())
		return
	}
	if !ok {
		p = m.newPeerLocked(fromUserID, fromUserName)
	}
	if fromUserName != "" {
		p.userName = fromUserName
	}
	p.role = RoleResponder
	if err := m.openLocked(p); err != nil {
		m.mu.Unlock()
		m.fail(p, callerr.Negotiation("create peer connection", fromUserID, fmt.Errorf("%w: %v", callerr.ErrNegotiationFailed, err)))
		return
	}
	p.state = StateNegotiating
	m.mu.Unlock()

	logger.Info("answering peer connection")
	m.notify()
	m.spawn(func() { m.runAnswer(p, sdp) })
}

// HandleAnswer completes a handshake we initiated. Answers with no
// outstanding local offer are ignored.
func (m *Manager) HandleAnswer(fromUserID string, sdp webrtc.SessionDescription) {
	m.mu.Lock()
	p, ok := m.peers[fromUserID]
	if m.closed || !ok || !p.awaitingAnswer || p.pc == nil {
		m.mu.Unlock()
		m.logger.Debug("ignoring stray answer", "remote_user_id", fromUserID)
		return
	}
	p.awaitingAnswer = false
	pc := p.pc
	m.mu.Unlock()

	if err := pc.SetRemoteDescription(sdp); err != nil {
		m.fail(p, callerr.Negotiation("set remote answer", fromUserID, fmt.Errorf("%w: %v", callerr.ErrNegotiationFailed, err)))
		return
	}
	m.remoteDescriptionApplied(p)
}

// HandleICECandidate adds a remote candidate, queueing it until the remote
// description is set.
func (m *Manager) HandleICECandidate(fromUserID string, cand webrtc.ICECandidateInit) {
	m.mu.Lock()
	p, ok := m.peers[fromUserID]
	if m.closed || !ok {
		m.mu.Unlock()
		m.logger.Debug("dropping candidate for unknown peer", "remote_user_id", fromUserID)
		return
	}
	if !p.haveRemoteDesc {
		p.pendingRemote = append(p.pendingRemote, cand)
		m.mu.Unlock()
		return
	}
	pc := p.pc
	m.mu.Unlock()

	if err := pc.AddICECandidate(cand); err != nil {
		m.logger.Warn("add remote candidate failed", "remote_user_id", fromUserID, "err", err)
	}
}

// HandleUserLeft closes and forgets the participant's peer.
func (m *Manager) HandleUserLeft(userID string) {
	m.mu.Lock()
	p, ok := m.peers[userID]
	m.mu.Unlock()
	if !ok {
		return
	}
	m.logger.Info("remote participant left", "remote_user_id", userID)
	m.closePeer(p)
	m.notify()
}

// ReplaceLocalStream swaps the outgoing tracks on every open peer without
// renegotiating. Kinds the new stream lacks are detached. Failures are logged
// per sender.
func (m *Manager) ReplaceLocalStream(stream *media.Stream) {
	m.mu.Lock()
	m.local = stream
	type swap struct {
		userID string
		kind   media.Kind
		sender *webrtc.RTPSender
	}
	var swaps []swap
	for id, p := range m.peers {
		for kind, sender := range p.senders {
			swaps = append(swaps, swap{userID: id, kind: kind, sender: sender})
		}
	}
	m.mu.Unlock()

	for _, s := range swaps {
		var track webrtc.TrackLocal
		if t := stream.Track(s.kind); t != nil {
			track = t.Local()
		}
		if err := s.sender.ReplaceTrack(track); err != nil {
			m.logger.Warn("replace track failed", "remote_user_id", s.userID, "kind", string(s.kind), "err", err)
		}
	}
}

// Peers returns a snapshot ordered by user ID.
func (m *Manager) Peers() []PeerInfo {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]PeerInfo, 0, len(m.peers))
	for _, p := range m.peers {
		out = append(out, p.info())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}

func (m *Manager) Peer(userID string) (PeerInfo, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.peers[userID]
	if !ok {
		return PeerInfo{}, false
	}
	return p.info(), true
}

// Reset closes every peer but keeps the manager usable, for when the
// signaling session was re-established and every peer may be stale.
func (m *Manager) Reset() {
	m.mu.Lock()
	peers := make([]*peer, 0, len(m.peers))
	for _, p := range m.peers {
		peers = append(peers, p)
	}
	m.mu.Unlock()

	for _, p := range peers {
		m.closePeer(p)
	}
	if len(peers) > 0 {
		m.notify()
	}
}

// Close tears down every peer and aborts in-flight negotiations. Later
// events are ignored. Safe to call more than once.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	peers := make([]*peer, 0, len(m.peers))
	for _, p := range m.peers {
		peers = append(peers, p)
	}
	m.mu.Unlock()

	m.cancel()
	for _, p := range peers {
		m.closePeer(p)
	}
	m.wg.Wait()
	m.notify()
	close(m.stop)
}

func (m *Manager) spawn(fn func()) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		fn()
	}()
}

func (m *Manager) newPeerLocked(userID, userName string) *peer {
	ctx, cancel := context.WithCancel(m.ctx)
	p := &peer{
		userID:   userID,
		userName: userName,
		state:    StateIdle,
		senders:  make(map[media.Kind]*webrtc.RTPSender),
		ctx:      ctx,
		cancel:   cancel,
	}
	m.peers[userID] = p
	// The deadline starts at registration, so an idle peer whose offer never
	// arrives is reaped too.
	if m.cfg.HandshakeTimeout > 0 {
		p.handshake = time.AfterFunc(m.cfg.HandshakeTimeout, func() {
			m.mu.Lock()
			expired := m.peers[userID] == p && p.state != StateConnected && p.state != StateClosed
			m.mu.Unlock()
			if expired {
				m.fail(p, callerr.Negotiation("handshake", userID, callerr.ErrHandshakeTimeout))
			}
		})
	}
	return p
}

// openLocked creates p's PeerConnection with the local tracks attached.
func (m *Manager) openLocked(p *peer) error {
	pc, err := m.api.NewPeerConnection(webrtc.Configuration{ICEServers: m.cfg.ICEServers})
	if err != nil {
		return err
	}

	for _, kind := range []media.Kind{media.KindVideo, media.KindAudio} {
		var sender *webrtc.RTPSender
		if t := m.local.Track(kind); t != nil {
			sender, err = pc.AddTrack(t.Local())
		} else {
			// pion backs the slot with a silent placeholder track so a later
			// stream can take it over with ReplaceTrack.
			var tr *webrtc.RTPTransceiver
			tr, err = pc.AddTransceiverFromKind(codecTypeOf(kind), webrtc.RTPTransceiverInit{Direction: webrtc.RTPTransceiverDirectionSendrecv})
			if err == nil {
				sender = tr.Sender()
			}
		}
		if err != nil {
			_ = pc.Close()
			return fmt.Errorf("attach local %s: %w", kind, err)
		}
		p.senders[kind] = sender
		go drainRTCP(sender)
	}

	userID := p.userID
	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		m.onTrack(p, track)
	})
	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		m.logger.Debug("peer connection state", "remote_user_id", userID, "state", state.String())
		switch state {
		case webrtc.PeerConnectionStateConnected:
			m.markConnected(p)
		case webrtc.PeerConnectionStateFailed:
			m.fail(p, callerr.Negotiation("connection", userID, callerr.ErrConnectionFailed))
		case webrtc.PeerConnectionStateClosed:
			m.closePeer(p)
		}
	})
	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil || !m.cfg.Trickle {
			return
		}
		m.onLocalCandidate(p, c.ToJSON())
	})

	p.pc = pc
	return nil
}

// drainRTCP reads sender reports so interceptors keep processing them.
func drainRTCP(sender *webrtc.RTPSender) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := sender.Read(buf); err != nil {
			return
		}
	}
}

func (m *Manager) runOffer(p *peer) {
	offer, err := p.pc.CreateOffer(nil)
	if err != nil {
		m.fail(p, callerr.Negotiation("create offer", p.userID, fmt.Errorf("%w: %v", callerr.ErrNegotiationFailed, err)))
		return
	}
	local, err := m.setLocalAndGather(p, offer)
	if err != nil {
		m.fail(p, callerr.Negotiation("set local offer", p.userID, err))
		return
	}
	if err := m.cfg.Signaler.SendOffer(p.userID, local); err != nil {
		m.fail(p, callerr.Negotiation("send offer", p.userID, fmt.Errorf("%w: %v", callerr.ErrNegotiationFailed, err)))
		return
	}
	m.localDescriptionSent(p)
}

func (m *Manager) runAnswer(p *peer, offer webrtc.SessionDescription) {
	if err := p.pc.SetRemoteDescription(offer); err != nil {
		m.fail(p, callerr.Negotiation("set remote offer", p.userID, fmt.Errorf("%w: %v", callerr.ErrNegotiationFailed, err)))
		return
	}
	m.remoteDescriptionApplied(p)

	answer, err := p.pc.CreateAnswer(nil)
	if err != nil {
		m.fail(p, callerr.Negotiation("create answer", p.userID, fmt.Errorf("%w: %v", callerr.ErrNegotiationFailed, err)))
		return
	}
	local, err := m.setLocalAndGather(p, answer)
	if err != nil {
		m.fail(p, callerr.Negotiation("set local answer", p.userID, err))
		return
	}
	if err := m.cfg.Signaler.SendAnswer(p.userID, local); err != nil {
		m.fail(p, callerr.Negotiation("send answer", p.userID, fmt.Errorf("%w: %v", callerr.ErrNegotiationFailed, err)))
		return
	}
	m.localDescriptionSent(p)
}

// setLocalAndGather applies desc and, without trickle, waits for ICE
// gathering so the returned description carries every candidate.
func (m *Manager) setLocalAndGather(p *peer, desc webrtc.SessionDescription) (webrtc.SessionDescription, error) {
	var gathered <-chan struct{}
	if !m.cfg.Trickle {
		gathered = webrtc.GatheringCompletePromise(p.pc)
	}
	if err := p.pc.SetLocalDescription(desc); err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("%w: %v", callerr.ErrNegotiationFailed, err)
	}
	if gathered != nil {
		select {
		case <-gathered:
		case <-p.ctx.Done():
			return webrtc.SessionDescription{}, p.ctx.Err()
		}
	}
	if err := p.ctx.Err(); err != nil {
		return webrtc.SessionDescription{}, err
	}
	local := p.pc.LocalDescription()
	if local == nil {
		return webrtc.SessionDescription{}, fmt.Errorf("%w: missing local description", callerr.ErrNegotiationFailed)
	}
	return *local, nil
}

func (m *Manager) remoteDescriptionApplied(p *peer) {
	m.mu.Lock()
	p.haveRemoteDesc = true
	pending := p.pendingRemote
	p.pendingRemote = nil
	m.mu.Unlock()

	for _, cand := range pending {
		if err := p.pc.AddICECandidate(cand); err != nil {
			m.logger.Warn("add queued candidate failed", "remote_user_id", p.userID, "err", err)
		}
	}
}

func (m *Manager) localDescriptionSent(p *peer) {
	m.mu.Lock()
	p.localDescSent = true
	pending := p.pendingLocal
	p.pendingLocal = nil
	m.mu.Unlock()

	for _, cand := range pending {
		m.sendCandidate(p.userID, cand)
	}
}

func (m *Manager) onLocalCandidate(p *peer, cand webrtc.ICECandidateInit) {
	m.mu.Lock()
	if m.peers[p.userID] != p {
		m.mu.Unlock()
		return
	}
	if !p.localDescSent {
		p.pendingLocal = append(p.pendingLocal, cand)
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()
	m.sendCandidate(p.userID, cand)
}

func (m *Manager) sendCandidate(userID string, cand webrtc.ICECandidateInit) {
	if err := m.cfg.Signaler.SendICECandidate(userID, cand); err != nil {
		m.logger.Warn("send candidate failed", "remote_user_id", userID, "err", err)
	}
}

func (m *Manager) onTrack(p *peer, track *webrtc.TrackRemote) {
	m.mu.Lock()
	if m.peers[p.userID] != p {
		m.mu.Unlock()
		return
	}
	if p.remote == nil {
		p.remote = newRemoteStream(track.StreamID())
	}
	remote := p.remote
	remote.add(track)
	m.mu.Unlock()

	m.logger.Info("remote track", "remote_user_id", p.userID, "kind", track.Kind().String(), "codec", track.Codec().MimeType)
	go remote.drain(track)
	m.markConnected(p)
}

// markConnected advances a negotiating peer. A remote with every track muted
// sends no media, so transport connectivity counts as well as a first track.
func (m *Manager) markConnected(p *peer) {
	m.mu.Lock()
	if m.peers[p.userID] != p || p.state != StateNegotiating {
		m.mu.Unlock()
		return
	}
	p.state = StateConnected
	if p.handshake != nil {
		p.handshake.Stop()
	}
	m.mu.Unlock()

	m.logger.Info("peer connected", "remote_user_id", p.userID)
	m.notify()
}

// fail closes p and reports err unless p was already closed.
func (m *Manager) fail(p *peer, err error) {
	if errors.Is(err, context.Canceled) {
		m.closePeer(p)
		return
	}
	if !m.closePeer(p) {
		return
	}
	m.logger.Warn("peer failed", "remote_user_id", p.userID, "err", err)
	if m.cfg.OnPeerError != nil {
		m.cfg.OnPeerError(p.userID, err)
	}
	m.notify()
}

// closePeer removes p and releases its connection. It reports whether this
// call did the close.
func (m *Manager) closePeer(p *peer) bool {
	m.mu.Lock()
	if p.state == StateClosed {
		m.mu.Unlock()
		return false
	}
	p.state = StateClosed
	if m.peers[p.userID] == p {
		delete(m.peers, p.userID)
	}
	if p.handshake != nil {
		p.handshake.Stop()
	}
	pc := p.pc
	p.remote = nil
	p.pendingRemote = nil
	p.pendingLocal = nil
	m.mu.Unlock()

	p.cancel()
	if pc != nil {
		if err := pc.Close(); err != nil {
			m.logger.Debug("close peer connection", "remote_user_id", p.userID, "err", err)
		}
	}
	return true
}

// notify schedules an OnPeersChanged delivery. Bursts collapse into one
// snapshot taken at delivery time, and the callback never runs under a
// manager lock, so it may call back into the manager (including Close).
func (m *Manager) notify() {
	if m.cfg.OnPeersChanged == nil {
		return
	}
	select {
	case m.kick <- struct{}{}:
	default:
	}
}

// dispatch is the only goroutine that runs OnPeersChanged.
func (m *Manager) dispatch() {
	for {
		select {
		case <-m.kick:
			m.cfg.OnPeersChanged(m.Peers())
		case <-m.stop:
			select {
			case <-m.kick:
				m.cfg.OnPeersChanged(m.Peers())
			default:
			}
			return
		}
	}
}
