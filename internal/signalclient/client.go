package signalclient

import (
	"context"
	"encoding/json"
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
	"github.com/wilsonzlin/aero/proxy/webrtc-mesh-call/internal/signaling"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024
	sendQueueSize  = 64

	defaultInitialBackoff = 500 * time.Millisecond
	defaultMaxBackoff     = 30 * time.Second
)

var (
	ErrNotConnected = errors.New("signalclient: not connected")
	ErrClosed       = errors.New("signalclient: closed")
)

// ReconnectConfig enables automatic reconnection with exponential backoff.
// It is off by default.
type ReconnectConfig struct {
	Enabled        bool
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

type Config struct {
	// ServerURL is the ws:// or wss:// signaling endpoint.
	ServerURL string
	RoomID    string
	UserID    string
	UserName  string

	Reconnect ReconnectConfig

	// Dialer defaults to websocket.DefaultDialer.
	Dialer *websocket.Dialer
	Header http.Header
	Logger *slog.Logger
}

// session is one live WebSocket connection.
type session struct {
	ws        *websocket.Conn
	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

func (s *session) close() {
	s.closeOnce.Do(func() { close(s.done) })
}

// Client is the participant side of the signaling channel.
type Client struct {
	cfg    Config
	logger *slog.Logger

	subMu   sync.Mutex
	subs    map[uint64]func(Event)
	nextSub uint64

	mu      sync.Mutex
	cur     *session
	started bool
	closed  bool

	stop     chan struct{}
	finished chan struct{}
}

func New(cfg Config) *Client {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Dialer == nil {
		cfg.Dialer = websocket.DefaultDialer
	}
	if cfg.UserName == "" {
		cfg.UserName = cfg.UserID
	}
	if cfg.Reconnect.InitialBackoff <= 0 {
		cfg.Reconnect.InitialBackoff = defaultInitialBackoff
	}
	if cfg.Reconnect.MaxBackoff < cfg.Reconnect.InitialBackoff {
		cfg.Reconnect.MaxBackoff = defaultMaxBackoff
	}
	return &Client{
		cfg:      cfg,
		logger:   cfg.Logger.With("room_id", cfg.RoomID, "user_id", cfg.UserID),
		subs:     make(map[uint64]func(Event)),
		stop:     make(chan struct{}),
		finished: make(chan struct{}),
	}
}

func (c *Client) UserID() string { return c.cfg.UserID }
func (c *Client) RoomID() string { return c.cfg.RoomID }

// Subscribe registers fn for every subsequent event. Handlers run on the
// client's read goroutine and must not block for long.
func (c *Client) Subscribe(fn func(Event)) (unsubscribe func()) {
	c.subMu.Lock()
	id := c.nextSub
	c.nextSub++
	c.subs[id] = fn
	c.subMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			c.subMu.Lock()
			delete(c.subs, id)
			c.subMu.Unlock()
		})
	}
}

// Connect dials the server and joins the configured room. The join-room frame
// is the first frame written on the connection.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.started {
		c.mu.Unlock()
		return errors.New("signalclient: already connected")
	}
	c.started = true
	c.mu.Unlock()

	sess, err := c.dial(ctx)
	if err != nil {
		c.mu.Lock()
		c.started = false
		if c.closed {
			close(c.finished)
		}
		c.mu.Unlock()
		return err
	}

	c.mu.Lock()
	if c.closed {
		close(c.finished)
		c.mu.Unlock()
		_ = sess.ws.Close()
		return ErrClosed
	}
	c.cur = sess
	c.mu.Unlock()

	c.logger.Info("signaling connected", "server_url", c.cfg.ServerURL)
	go c.run(sess)
	return nil
}

// Done is closed once the client has stopped for good, either through Close
// or a disconnect without reconnection.
func (c *Client) Done() <-chan struct{} {
	return c.finished
}

func (c *Client) SendOffer(toUserID string, sdp webrtc.SessionDescription) error {
	raw, err := json.Marshal(sdp)
	if err != nil {
		return fmt.Errorf("encode offer: %w", err)
	}
	return c.send(signaling.Message{Type: signaling.TypeOffer, ToUserID: toUserID, FromUserID: c.cfg.UserID, Offer: raw})
}

func (c *Client) SendAnswer(toUserID string, sdp webrtc.SessionDescription) error {
	raw, err := json.Marshal(sdp)
	if err != nil {
		return fmt.Errorf("encode answer: %w", err)
	}
	return c.send(signaling.Message{Type: signaling.TypeAnswer, ToUserID: toUserID, FromUserID: c.cfg.UserID, Answer: raw})
}

func (c *Client) SendICECandidate(toUserID string, cand webrtc.ICECandidateInit) error {
	raw, err := json.Marshal(cand)
	if err != nil {
		return fmt.Errorf("encode candidate: %w", err)
	}
	return c.send(signaling.Message{Type: signaling.TypeICECandidate, ToUserID: toUserID, FromUserID: c.cfg.UserID, Candidate: raw})
}

// Leave asks the server to remove this participant from the room while
// keeping the connection open.
func (c *Client) Leave() error {
	return c.send(signaling.Message{Type: signaling.TypeLeaveRoom})
}

// Close sends a close frame and stops the client. It is idempotent and does
// not wait for the read goroutine, so it is safe to call from a subscriber.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	close(c.stop)
	sess := c.cur
	c.cur = nil
	started := c.started
	c.mu.Unlock()

	if sess != nil {
		sess.close()
	}
	if !started {
		close(c.finished)
	}
	return nil
}

func (c *Client) send(msg signaling.Message) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	c.mu.Lock()
	closed, sess := c.closed, c.cur
	c.mu.Unlock()
	if closed {
		return ErrClosed
	}
	if sess == nil {
		return ErrNotConnected
	}

	select {
	case sess.send <- payload:
		return nil
	case <-sess.done:
		return ErrNotConnected
	}
}

func (c *Client) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Client) dial(ctx context.Context) (*session, error) {
	ws, _, err := c.cfg.Dialer.DialContext(ctx, c.cfg.ServerURL, c.cfg.Header)
	if err != nil {
		return nil, callerr.Signaling("dial", fmt.Errorf("%w: %v", callerr.ErrDialFailed, err), c.cfg.ServerURL)
	}
	ws.SetReadLimit(maxMessageSize)
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	join := signaling.Message{
		Type:     signaling.TypeJoinRoom,
		RoomID:   c.cfg.RoomID,
		UserID:   c.cfg.UserID,
		UserName: c.cfg.UserName,
	}
	_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
	if err := ws.WriteJSON(join); err != nil {
		_ = ws.Close()
		return nil, callerr.Signaling("join", fmt.Errorf("%w: %v", callerr.ErrDialFailed, err), c.cfg.ServerURL)
	}

	return &session{
		ws:   ws,
		send: make(chan []byte, sendQueueSize),
		done: make(chan struct{}),
	}, nil
}

// run owns the read side for the client's lifetime, including reconnects, so
// events keep a single total order.
func (c *Client) run(sess *session) {
	defer close(c.finished)
	for {
		go c.writePump(sess)
		err := c.readLoop(sess)
		sess.close()

		c.mu.Lock()
		if c.cur == sess {
			c.cur = nil
		}
		closed := c.closed
		c.mu.Unlock()
		if closed {
			return
		}

		reconnecting := c.cfg.Reconnect.Enabled
		c.logger.Warn("signaling connection lost", "err", err, "reconnecting", reconnecting)
		c.emit(Disconnected{
			Err:          callerr.Signaling("read", fmt.Errorf("%w: %v", callerr.ErrConnectionLost, err), c.cfg.ServerURL),
			Reconnecting: reconnecting,
		})
		if !reconnecting {
			return
		}

		next, ok := c.reconnect()
		if !ok {
			return
		}
		c.logger.Info("signaling reconnected")
		c.emit(Reconnected{})
		sess = next
	}
}

func (c *Client) reconnect() (*session, bool) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-c.stop:
			cancel()
		case <-ctx.Done():
		}
	}()

	backoff := c.cfg.Reconnect.InitialBackoff
	for {
		timer := time.NewTimer(backoff)
		select {
		case <-c.stop:
			timer.Stop()
			return nil, false
		case <-timer.C:
		}

		sess, err := c.dial(ctx)
		if err == nil {
			c.mu.Lock()
			if c.closed {
				c.mu.Unlock()
				_ = sess.ws.Close()
				return nil, false
			}
			c.cur = sess
			c.mu.Unlock()
			return sess, true
		}
		c.logger.Debug("signaling reconnect failed", "err", err, "backoff", backoff)

		backoff *= 2
		if backoff > c.cfg.Reconnect.MaxBackoff {
			backoff = c.cfg.Reconnect.MaxBackoff
		}
	}
}

func (c *Client) readLoop(sess *session) error {
	_ = sess.ws.SetReadDeadline(time.Now().Add(pongWait))
	for {
		_, data, err := sess.ws.ReadMessage()
		if err != nil {
			return err
		}
		_ = sess.ws.SetReadDeadline(time.Now().Add(pongWait))

		var msg signaling.Message
		if err := json.Unmarshal(data, &msg); err != nil {
			c.logger.Warn("invalid signaling frame", "err", err)
			continue
		}
		ev := c.toEvent(msg)
		if ev == nil || c.isClosed() {
			continue
		}
		c.emit(ev)
	}
}

func (c *Client) writePump(sess *session) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = sess.ws.Close()
	}()

	for {
		select {
		case payload := <-sess.send:
			_ = sess.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := sess.ws.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		case <-ticker.C:
			_ = sess.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := sess.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-sess.done:
			flushQueued(sess)
			_ = sess.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
			return
		}
	}
}

// flushQueued writes frames queued before the session closed, so a
// leave-room sent right before Close still reaches the server.
func flushQueued(sess *session) {
	for {
		select {
		case payload := <-sess.send:
			_ = sess.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := sess.ws.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		default:
			return
		}
	}
}

func (c *Client) toEvent(msg signaling.Message) Event {
	switch msg.Type {
	case signaling.TypeUserJoined:
		return UserJoined{UserID: msg.UserID, UserName: msg.UserName, Existing: msg.Existing}
	case signaling.TypeUserLeft:
		return UserLeft{UserID: msg.UserID}
	case signaling.TypeRoomParticipants:
		return RoomParticipants{Participants: msg.Participants}
	case signaling.TypeOffer:
		var sdp webrtc.SessionDescription
		if err := json.Unmarshal(msg.Offer, &sdp); err != nil {
			c.logger.Warn("invalid offer payload", "from_user_id", msg.FromUserID, "err", err)
			return nil
		}
		return Offer{SDP: sdp, FromUserID: msg.FromUserID, FromUserName: msg.FromUserName}
	case signaling.TypeAnswer:
		var sdp webrtc.SessionDescription
		if err := json.Unmarshal(msg.Answer, &sdp); err != nil {
			c.logger.Warn("invalid answer payload", "from_user_id", msg.FromUserID, "err", err)
			return nil
		}
		return Answer{SDP: sdp, FromUserID: msg.FromUserID, FromUserName: msg.FromUserName}
	case signaling.TypeICECandidate:
		var cand webrtc.ICECandidateInit
		if err := json.Unmarshal(msg.Candidate, &cand); err != nil {
			c.logger.Warn("invalid candidate payload", "from_user_id", msg.FromUserID, "err", err)
			return nil
		}
		return ICECandidate{Candidate: cand, FromUserID: msg.FromUserID}
	case signaling.TypeError:
		c.logger.Warn("signaling server error", "code", msg.Code, "message", msg.Message)
		return ServerError{Code: msg.Code, Message: msg.Message}
	default:
		c.logger.Debug("ignoring unknown signaling frame", "type", msg.Type)
		return nil
	}
}

func (c *Client) emit(ev Event) {
	c.subMu.Lock()
	ids := make([]uint64, 0, len(c.subs))
	for id := range c.subs {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	handlers := make([]func(Event), 0, len(ids))
	for _, id := range ids {
		handlers = append(handlers, c.subs[id])
	}
	c.subMu.Unlock()

	for _, h := range handlers {
		h(ev)
	}
}
