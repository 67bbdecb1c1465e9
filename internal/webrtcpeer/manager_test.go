package webrtcpeer

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pion/logging"
	"github.com/pion/transport/v4/vnet"
	"github.com/pion/webrtc/v4"

	"github.com/wilsonzlin/aero/proxy/webrtc-mesh-call/internal/callerr"
	"github.com/wilsonzlin/aero/proxy/webrtc-mesh-call/internal/media"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newRouter(t *testing.T) *vnet.Router {
	t.Helper()
	router, err := vnet.NewRouter(&vnet.RouterConfig{
		CIDR:          "10.0.0.0/24",
		LoggerFactory: logging.NewDefaultLoggerFactory(),
	})
	if err != nil {
		t.Fatalf("vnet.NewRouter: %v", err)
	}
	if err := router.Start(); err != nil {
		t.Fatalf("router.Start: %v", err)
	}
	t.Cleanup(func() { _ = router.Stop() })
	return router
}

func newVNetAPI(t *testing.T, router *vnet.Router, ip string) *webrtc.API {
	t.Helper()
	vn, err := vnet.NewNet(&vnet.NetConfig{StaticIPs: []string{ip}})
	if err != nil {
		t.Fatalf("vnet.NewNet: %v", err)
	}
	if err := router.AddNet(vn); err != nil {
		t.Fatalf("router.AddNet: %v", err)
	}
	api, err := NewAPI(APIOptions{Net: vn, Logger: discardLogger()})
	if err != nil {
		t.Fatalf("NewAPI: %v", err)
	}
	return api
}

func acquireStream(t *testing.T) *media.Stream {
	t.Helper()
	stream, err := media.NewManager(&media.SyntheticDevices{Logger: discardLogger()}, discardLogger()).
		AcquireCameraAndMicrophone(context.Background(), media.DefaultConstraints())
	if err != nil {
		t.Fatalf("acquire stream: %v", err)
	}
	t.Cleanup(stream.Stop)
	return stream
}

type pair struct{ from, to string }

// bus is an in-memory stand-in for the signaling server. Each recipient has
// one delivery goroutine so per-sender order is preserved.
type bus struct {
	mu       sync.Mutex
	managers map[string]*Manager
	queues   map[string]chan func(*Manager)
	order    []string
	offers   map[pair]int
	answers  map[pair]int
	lastSDP  map[pair]webrtc.SessionDescription
	wg       sync.WaitGroup
}

func newBus(t *testing.T) *bus {
	b := &bus{
		managers: make(map[string]*Manager),
		queues:   make(map[string]chan func(*Manager)),
		offers:   make(map[pair]int),
		answers:  make(map[pair]int),
		lastSDP:  make(map[pair]webrtc.SessionDescription),
	}
	t.Cleanup(func() {
		b.mu.Lock()
		for _, q := range b.queues {
			close(q)
		}
		b.queues = map[string]chan func(*Manager){}
		b.mu.Unlock()
		b.wg.Wait()
	})
	return b
}

func (b *bus) register(userID string, m *Manager) {
	q := make(chan func(*Manager), 256)
	b.mu.Lock()
	b.managers[userID] = m
	b.queues[userID] = q
	b.mu.Unlock()

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		for fn := range q {
			fn(m)
		}
	}()
}

func (b *bus) deliver(to string, fn func(*Manager)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if q, ok := b.queues[to]; ok {
		q <- fn
	}
}

// join mimics the server: the joiner gets existing replays, the others get a
// fresh user-joined.
func (b *bus) join(userID string) {
	b.mu.Lock()
	existing := append([]string(nil), b.order...)
	b.mu.Unlock()

	b.replay(userID, existing)
	b.announce(userID)
}

// announce adds userID to the room and sends a fresh user-joined to everyone
// already in it. It returns those members.
func (b *bus) announce(userID string) []string {
	b.mu.Lock()
	existing := append([]string(nil), b.order...)
	b.order = append(b.order, userID)
	b.mu.Unlock()

	for _, other := range existing {
		b.deliver(other, func(m *Manager) { m.HandleUserJoined(userID, strings.ToUpper(userID), false) })
	}
	return existing
}

// replay sends userID an existing-participant user-joined for each member.
func (b *bus) replay(userID string, existing []string) {
	for _, other := range existing {
		other := other
		b.deliver(userID, func(m *Manager) { m.HandleUserJoined(other, strings.ToUpper(other), true) })
	}
}

func (b *bus) manager(userID string) *Manager {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.managers[userID]
}

func (b *bus) offerCount(from, to string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.offers[pair{from, to}]
}

func (b *bus) answerCount(from, to string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.answers[pair{from, to}]
}

func (b *bus) signaler(from string) Signaler { return &busSignaler{bus: b, from: from} }

type busSignaler struct {
	bus  *bus
	from string
}

func (s *busSignaler) SendOffer(to string, sdp webrtc.SessionDescription) error {
	s.bus.mu.Lock()
	s.bus.offers[pair{s.from, to}]++
	s.bus.lastSDP[pair{s.from, to}] = sdp
	s.bus.mu.Unlock()
	from := s.from
	s.bus.deliver(to, func(m *Manager) { m.HandleOffer(from, strings.ToUpper(from), sdp) })
	return nil
}

func (s *busSignaler) SendAnswer(to string, sdp webrtc.SessionDescription) error {
	s.bus.mu.Lock()
	s.bus.answers[pair{s.from, to}]++
	s.bus.mu.Unlock()
	from := s.from
	s.bus.deliver(to, func(m *Manager) { m.HandleAnswer(from, sdp) })
	return nil
}

func (s *busSignaler) SendICECandidate(to string, cand webrtc.ICECandidateInit) error {
	from := s.from
	s.bus.deliver(to, func(m *Manager) { m.HandleICECandidate(from, cand) })
	return nil
}

type meshPeer struct {
	userID string
	mgr    *Manager
	stream *media.Stream

	mu     sync.Mutex
	errs   []error
	change int
}

func (p *meshPeer) peerErrors() []error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]error(nil), p.errs...)
}

func newMeshPeer(t *testing.T, b *bus, router *vnet.Router, ip, userID string, mutate func(*Config)) *meshPeer {
	t.Helper()
	mp := &meshPeer{userID: userID, stream: acquireStream(t)}
	cfg := Config{
		API:         newVNetAPI(t, router, ip),
		Signaler:    b.signaler(userID),
		LocalUserID: userID,
		LocalStream: mp.stream,
		Logger:      discardLogger(),
		OnPeerError: func(_ string, err error) {
			mp.mu.Lock()
			mp.errs = append(mp.errs, err)
			mp.mu.Unlock()
		},
		OnPeersChanged: func([]PeerInfo) {
			mp.mu.Lock()
			mp.change++
			mp.mu.Unlock()
		},
	}
	if mutate != nil {
		mutate(&cfg)
	}
	mp.mgr = NewManager(cfg)
	t.Cleanup(mp.mgr.Close)
	b.register(userID, mp.mgr)
	return mp
}

func waitFor(t *testing.T, timeout time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(20 * time.Millisecond)
	}
}

// waitMesh waits until mp has n connected peers receiving video.
func waitMesh(t *testing.T, mp *meshPeer, n int) {
	t.Helper()
	waitFor(t, 20*time.Second, mp.userID+" mesh", func() bool {
		peers := mp.mgr.Peers()
		if len(peers) != n {
			return false
		}
		for _, p := range peers {
			if p.State != StateConnected || p.Stream == nil || p.Stream.PacketsReceived(media.KindVideo) == 0 {
				return false
			}
		}
		return true
	})
}

func TestManager_TwoPartyMesh(t *testing.T) {
	router := newRouter(t)
	b := newBus(t)
	alice := newMeshPeer(t, b, router, "10.0.0.1", "alice", nil)
	bob := newMeshPeer(t, b, router, "10.0.0.2", "bob", nil)

	b.join("alice")
	b.join("bob")

	waitMesh(t, alice, 1)
	waitMesh(t, bob, 1)

	if got := b.offerCount("alice", "bob"); got != 1 {
		t.Fatalf("alice->bob offers=%d, want 1", got)
	}
	if got := b.offerCount("bob", "alice"); got != 0 {
		t.Fatalf("bob->alice offers=%d, want 0", got)
	}

	info, ok := alice.mgr.Peer("bob")
	if !ok || info.Role != RoleInitiator || info.UserName != "BOB" {
		t.Fatalf("alice's peer=%+v ok=%v, want initiator for BOB", info, ok)
	}
	info, ok = bob.mgr.Peer("alice")
	if !ok || info.Role != RoleResponder {
		t.Fatalf("bob's peer=%+v ok=%v, want responder", info, ok)
	}
	waitFor(t, 10*time.Second, "audio at bob", func() bool {
		info, _ := bob.mgr.Peer("alice")
		return info.Stream != nil && info.Stream.PacketsReceived(media.KindAudio) > 0
	})

	if errs := alice.peerErrors(); len(errs) != 0 {
		t.Fatalf("alice peer errors: %v", errs)
	}
	waitFor(t, 3*time.Second, "peer change notifications", func() bool {
		alice.mu.Lock()
		defer alice.mu.Unlock()
		return alice.change >= 2
	})
}

func TestManager_ThreePartyMeshOneOfferPerPair(t *testing.T) {
	ips := map[string]string{"alice": "10.0.0.1", "bob": "10.0.0.2", "carol": "10.0.0.3"}
	cases := []struct {
		name  string
		order []string
		// offerFirst delivers the last joiner's incoming offers before its
		// existing-participant replay.
		offerFirst bool
	}{
		{name: "abc", order: []string{"alice", "bob", "carol"}},
		{name: "cba", order: []string{"carol", "bob", "alice"}},
		{name: "bca", order: []string{"bob", "carol", "alice"}},
		{name: "acb offer before replay", order: []string{"alice", "carol", "bob"}, offerFirst: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			router := newRouter(t)
			b := newBus(t)
			var peers []*meshPeer
			for _, id := range tc.order {
				peers = append(peers, newMeshPeer(t, b, router, ips[id], id, nil))
			}

			last := len(tc.order) - 1
			for _, id := range tc.order[:last] {
				b.join(id)
			}
			if tc.offerFirst {
				joiner := tc.order[last]
				existing := b.announce(joiner)
				for _, other := range existing {
					other := other
					waitFor(t, 10*time.Second, other+" offer to "+joiner, func() bool { return b.offerCount(other, joiner) == 1 })
				}
				b.replay(joiner, existing)
			} else {
				b.join(tc.order[last])
			}

			for _, mp := range peers {
				waitMesh(t, mp, 2)
			}

			for i, a := range tc.order {
				for _, c := range tc.order[i+1:] {
					if got := b.offerCount(a, c); got != 1 {
						t.Fatalf("%s->%s offers=%d, want 1", a, c, got)
					}
					if got := b.offerCount(c, a); got != 0 {
						t.Fatalf("later joiner %s offered to %s", c, a)
					}
				}
			}
			for _, mp := range peers {
				if errs := mp.peerErrors(); len(errs) != 0 {
					t.Fatalf("%s peer errors: %v", mp.userID, errs)
				}
			}
		})
	}
}

func TestManager_DuplicateOfferAndStrayAnswerIgnored(t *testing.T) {
	router := newRouter(t)
	b := newBus(t)
	alice := newMeshPeer(t, b, router, "10.0.0.1", "alice", nil)
	bob := newMeshPeer(t, b, router, "10.0.0.2", "bob", nil)

	b.join("alice")
	b.join("bob")
	waitMesh(t, alice, 1)
	waitMesh(t, bob, 1)

	b.mu.Lock()
	offer := b.lastSDP[pair{"alice", "bob"}]
	b.mu.Unlock()

	bob.mgr.HandleOffer("alice", "ALICE", offer)
	alice.mgr.HandleUserJoined("bob", "BOB", false)
	alice.mgr.HandleAnswer("nobody", webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "v=0"})
	// bob never sent an offer, so an answer from alice is stray.
	bob.mgr.HandleAnswer("alice", webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "v=0"})
	time.Sleep(200 * time.Millisecond)

	if got := b.answerCount("bob", "alice"); got != 1 {
		t.Fatalf("bob answers=%d, want 1", got)
	}
	if got := b.offerCount("alice", "bob"); got != 1 {
		t.Fatalf("alice offers=%d, want 1", got)
	}
	for _, mp := range []*meshPeer{alice, bob} {
		peers := mp.mgr.Peers()
		if len(peers) != 1 || peers[0].State != StateConnected {
			t.Fatalf("%s peers=%+v, want one connected", mp.userID, peers)
		}
		if errs := mp.peerErrors(); len(errs) != 0 {
			t.Fatalf("%s peer errors: %v", mp.userID, errs)
		}
	}
}

func TestManager_UserLeftClosesPeer(t *testing.T) {
	router := newRouter(t)
	b := newBus(t)
	alice := newMeshPeer(t, b, router, "10.0.0.1", "alice", nil)
	newMeshPeer(t, b, router, "10.0.0.2", "bob", nil)

	b.join("alice")
	b.join("bob")
	waitMesh(t, alice, 1)

	alice.mgr.HandleUserLeft("bob")
	if peers := alice.mgr.Peers(); len(peers) != 0 {
		t.Fatalf("alice peers after user-left=%+v, want none", peers)
	}
	alice.mgr.HandleUserLeft("bob")

	// Closing on user-left is not a peer error.
	if errs := alice.peerErrors(); len(errs) != 0 {
		t.Fatalf("alice peer errors: %v", errs)
	}
}

func TestManager_TrickleQueuesCandidates(t *testing.T) {
	router := newRouter(t)
	b := newBus(t)
	trickle := func(c *Config) { c.Trickle = true }
	alice := newMeshPeer(t, b, router, "10.0.0.1", "alice", trickle)
	bob := newMeshPeer(t, b, router, "10.0.0.2", "bob", trickle)

	b.join("alice")
	b.join("bob")
	waitMesh(t, alice, 1)
	waitMesh(t, bob, 1)
}

func TestManager_ReplaceLocalStream(t *testing.T) {
	router := newRouter(t)
	b := newBus(t)
	alice := newMeshPeer(t, b, router, "10.0.0.1", "alice", nil)
	bob := newMeshPeer(t, b, router, "10.0.0.2", "bob", nil)

	b.join("alice")
	b.join("bob")
	waitMesh(t, alice, 1)
	waitMesh(t, bob, 1)

	screen, err := media.NewManager(&media.SyntheticDevices{}, discardLogger()).
		AcquireScreenShare(context.Background(), media.DisplayOptions{})
	if err != nil {
		t.Fatalf("AcquireScreenShare: %v", err)
	}
	t.Cleanup(screen.Stop)

	alice.mgr.ReplaceLocalStream(screen)

	alice.mgr.mu.Lock()
	senders := alice.mgr.peers["bob"].senders
	videoTrack := senders[media.KindVideo].Track()
	audioTrack := senders[media.KindAudio].Track()
	alice.mgr.mu.Unlock()

	if videoTrack != webrtc.TrackLocal(screen.Track(media.KindVideo).Local()) {
		t.Fatalf("video sender track=%v, want screen track", videoTrack)
	}
	if audioTrack != nil {
		t.Fatalf("audio sender track=%v, want detached", audioTrack)
	}

	info, _ := bob.mgr.Peer("alice")
	before := info.Stream.PacketsReceived(media.KindVideo)
	waitFor(t, 10*time.Second, "screen video at bob", func() bool {
		return info.Stream.PacketsReceived(media.KindVideo) > before+5
	})
	if info.State != StateConnected {
		t.Fatalf("bob's peer state=%v, want connected", info.State)
	}
}

func TestManager_HandshakeTimeout(t *testing.T) {
	router := newRouter(t)
	b := newBus(t)
	alice := newMeshPeer(t, b, router, "10.0.0.1", "alice", func(c *Config) {
		c.HandshakeTimeout = 300 * time.Millisecond
	})

	// Nobody answers for "ghost".
	alice.mgr.HandleUserJoined("ghost", "Ghost", false)

	waitFor(t, 5*time.Second, "handshake timeout", func() bool { return len(alice.peerErrors()) == 1 })
	err := alice.peerErrors()[0]
	var negErr *callerr.PeerNegotiationError
	if !errors.As(err, &negErr) || !errors.Is(err, callerr.ErrHandshakeTimeout) {
		t.Fatalf("err=%v, want PeerNegotiationError wrapping ErrHandshakeTimeout", err)
	}
	if negErr.RemoteUserID != "ghost" {
		t.Fatalf("remote=%q, want ghost", negErr.RemoteUserID)
	}
	if peers := alice.mgr.Peers(); len(peers) != 0 {
		t.Fatalf("peers=%+v, want none", peers)
	}
}

func TestManager_HandshakeTimeoutReapsIdlePeer(t *testing.T) {
	router := newRouter(t)
	b := newBus(t)
	bob := newMeshPeer(t, b, router, "10.0.0.2", "bob", func(c *Config) {
		c.HandshakeTimeout = 300 * time.Millisecond
	})

	// "ghost" is replayed as existing, but its offer never arrives.
	bob.mgr.HandleUserJoined("ghost", "Ghost", true)
	if info, ok := bob.mgr.Peer("ghost"); !ok || info.State != StateIdle {
		t.Fatalf("peer=%+v ok=%v, want idle", info, ok)
	}

	waitFor(t, 5*time.Second, "idle handshake timeout", func() bool { return len(bob.peerErrors()) == 1 })
	if err := bob.peerErrors()[0]; !errors.Is(err, callerr.ErrHandshakeTimeout) {
		t.Fatalf("err=%v, want ErrHandshakeTimeout", err)
	}
	if peers := bob.mgr.Peers(); len(peers) != 0 {
		t.Fatalf("peers=%+v, want none", peers)
	}
}

func TestManager_CloseFromPeersChangedCallback(t *testing.T) {
	router := newRouter(t)
	b := newBus(t)
	var (
		mgr    *Manager
		sawOne atomic.Bool
		closed = make(chan struct{})
		once   sync.Once
	)
	newMeshPeer(t, b, router, "10.0.0.1", "alice", func(c *Config) {
		c.OnPeersChanged = func(peers []PeerInfo) {
			if len(peers) > 0 {
				sawOne.Store(true)
				return
			}
			if sawOne.Load() {
				once.Do(func() {
					mgr.Close()
					close(closed)
				})
			}
		}
	})
	mgr = b.manager("alice")

	mgr.HandleUserJoined("bob", "BOB", true)
	waitFor(t, 3*time.Second, "first notification", sawOne.Load)
	mgr.HandleUserLeft("bob")

	select {
	case <-closed:
	case <-time.After(5 * time.Second):
		t.Fatalf("Close from OnPeersChanged did not return")
	}
	mgr.HandleUserJoined("carol", "CAROL", false)
	if peers := mgr.Peers(); len(peers) != 0 {
		t.Fatalf("peers after Close=%+v, want none", peers)
	}
}

func TestManager_ExistingParticipantWaitsForOffer(t *testing.T) {
	router := newRouter(t)
	b := newBus(t)
	bob := newMeshPeer(t, b, router, "10.0.0.2", "bob", nil)

	bob.mgr.HandleUserJoined("alice", "ALICE", true)
	bob.mgr.HandleICECandidate("alice", webrtc.ICECandidateInit{Candidate: "candidate:1 1 udp 1 10.0.0.1 9 typ host"})

	info, ok := bob.mgr.Peer("alice")
	if !ok || info.State != StateIdle || info.Role != RoleResponder {
		t.Fatalf("peer=%+v ok=%v, want idle responder", info, ok)
	}
	if got := b.offerCount("bob", "alice"); got != 0 {
		t.Fatalf("bob offered %d times to an existing participant", got)
	}
	bob.mgr.mu.Lock()
	queued := len(bob.mgr.peers["alice"].pendingRemote)
	bob.mgr.mu.Unlock()
	if queued != 1 {
		t.Fatalf("queued candidates=%d, want 1", queued)
	}
}

func TestManager_CloseIsIdempotentAndIgnoresLaterEvents(t *testing.T) {
	router := newRouter(t)
	b := newBus(t)
	alice := newMeshPeer(t, b, router, "10.0.0.1", "alice", nil)

	alice.mgr.HandleUserJoined("bob", "BOB", false)
	alice.mgr.Close()
	alice.mgr.Close()

	alice.mgr.HandleUserJoined("carol", "CAROL", false)
	if peers := alice.mgr.Peers(); len(peers) != 0 {
		t.Fatalf("peers after Close=%+v, want none", peers)
	}
	if errs := alice.peerErrors(); len(errs) != 0 {
		t.Fatalf("errors after Close: %v", errs)
	}
}

func TestState_String(t *testing.T) {
	cases := map[State]string{
		StateIdle:        "idle",
		StateNegotiating: "negotiating",
		StateConnected:   "connected",
		StateClosed:      "closed",
	}
	for s, want := range cases {
		if got := s.String(); got != want {
			t.Fatalf("State(%d).String()=%q, want %q", int(s), got, want)
		}
	}
}

func TestManager_ResetKeepsManagerUsable(t *testing.T) {
	router := newRouter(t)
	b := newBus(t)
	bob := newMeshPeer(t, b, router, "10.0.0.2", "bob", nil)

	bob.mgr.HandleUserJoined("alice", "ALICE", true)
	bob.mgr.Reset()
	if peers := bob.mgr.Peers(); len(peers) != 0 {
		t.Fatalf("peers after Reset=%+v, want none", peers)
	}

	bob.mgr.HandleUserJoined("alice", "ALICE", true)
	if _, ok := bob.mgr.Peer("alice"); !ok {
		t.Fatalf("peer not registered after Reset")
	}
}
