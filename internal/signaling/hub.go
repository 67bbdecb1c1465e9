package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"github.com/gorilla/websocket"

	"github.com/wilsonzlin/aero/proxy/webrtc-mesh-call/internal/metrics"
)

type inbound struct {
	conn *conn
	msg  Message
	err  error
}

// Hub serializes every registry mutation onto one goroutine.
type Hub struct {
	registry *Registry
	logger   *slog.Logger
	metrics  *metrics.Metrics

	register   chan *conn
	unregister chan *conn
	inbound    chan inbound
	queries    chan func(*Registry)
	done       chan struct{}

	conns map[ConnID]*conn
}

func NewHub(registry *Registry, logger *slog.Logger, m *metrics.Metrics) *Hub {
	if registry == nil {
		registry = NewRegistry(0)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		registry:   registry,
		logger:     logger,
		metrics:    m,
		register:   make(chan *conn),
		unregister: make(chan *conn),
		inbound:    make(chan inbound, 64),
		queries:    make(chan func(*Registry)),
		done:       make(chan struct{}),
		conns:      make(map[ConnID]*conn),
	}
}

// Run processes hub events until ctx is cancelled, then closes every
// connection with a going-away close frame.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			for _, c := range h.conns {
				h.closeConn(c, websocket.CloseGoingAway, "server shutting down")
			}
			return
		case c := <-h.register:
			h.conns[c.id] = c
		case c := <-h.unregister:
			if _, ok := h.conns[c.id]; !ok {
				continue
			}
			h.deliverAll(h.leave(c))
			h.closeConn(c, websocket.CloseNormalClosure, "")
		case in := <-h.inbound:
			if _, ok := h.conns[in.conn.id]; !ok {
				continue
			}
			h.handle(in)
		case q := <-h.queries:
			q(h.registry)
		}
	}
}

// Do runs fn on the hub goroutine with exclusive access to the registry.
func (h *Hub) Do(ctx context.Context, fn func(*Registry)) error {
	finished := make(chan struct{})
	wrapped := func(r *Registry) {
		fn(r)
		close(finished)
	}
	select {
	case h.queries <- wrapped:
	case <-h.done:
		return errors.New("signaling: hub stopped")
	case <-ctx.Done():
		return ctx.Err()
	}
	<-finished
	return nil
}

func (h *Hub) handle(in inbound) {
	c := in.conn
	if in.err != nil {
		h.metrics.Inc(metrics.SignalingInvalidMessage)
		h.logger.Debug("invalid signaling message", "conn_id", c.id, "err", in.err)
		h.deliver(Delivery{To: c.id, Msg: errorMessage(CodeBadMessage, in.err.Error())})
		return
	}

	switch in.msg.Type {
	case TypeJoinRoom:
		h.join(c, in.msg)
	case TypeLeaveRoom:
		if _, _, ok := h.registry.Membership(c.id); ok {
			h.deliverAll(h.leave(c))
		}
	case TypeOffer, TypeAnswer, TypeICECandidate:
		d, err := h.registry.Route(c.id, in.msg)
		if err != nil {
			h.metrics.Inc(metrics.SignalingRoutingMiss)
			roomID, userID, _ := h.registry.Membership(c.id)
			h.logger.Debug("dropping unroutable signaling message",
				"conn_id", c.id,
				"room_id", roomID,
				"user_id", userID,
				"to_user_id", in.msg.ToUserID,
				"type", in.msg.Type,
				"err", err,
			)
			return
		}
		h.metrics.Inc(metrics.SignalingMessagesRouted)
		h.deliver(d)
	}
}

func (h *Hub) join(c *conn, msg Message) {
	res, err := h.registry.Join(c.id, msg.RoomID, msg.UserID, msg.UserName)
	if errors.Is(err, ErrRoomFull) {
		h.metrics.Inc(metrics.SignalingRoomFull)
		h.logger.Info("room full", "conn_id", c.id, "room_id", msg.RoomID, "user_id", msg.UserID)
		h.deliver(Delivery{To: c.id, Msg: errorMessage(CodeRoomFull, "room is full")})
		return
	}
	if res.LeftRoom != "" {
		h.metrics.Inc(metrics.SignalingRoomLeaves)
	}
	if res.Replaced != "" {
		h.metrics.Inc(metrics.SignalingDuplicateUser)
		h.logger.Info("user ID re-registered from a new connection",
			"room_id", msg.RoomID,
			"user_id", msg.UserID,
			"conn_id", c.id,
			"stale_conn_id", res.Replaced,
		)
	}
	h.metrics.Inc(metrics.SignalingRoomJoins)
	h.logger.Info("user joined room", "conn_id", c.id, "room_id", msg.RoomID, "user_id", msg.UserID)
	h.deliverAll(res.Deliveries)
}

func (h *Hub) leave(c *conn) []Delivery {
	roomID, userID, ok := h.registry.Membership(c.id)
	if !ok {
		return nil
	}
	h.metrics.Inc(metrics.SignalingRoomLeaves)
	h.logger.Info("user left room", "conn_id", c.id, "room_id", roomID, "user_id", userID)
	return h.registry.Leave(c.id)
}

func (h *Hub) deliverAll(ds []Delivery) {
	for _, d := range ds {
		h.deliver(d)
	}
}

// deliver never blocks: a connection whose send queue is full is dropped as
// a slow consumer, and its departure is delivered to its room in turn.
func (h *Hub) deliver(d Delivery) {
	c, ok := h.conns[d.To]
	if !ok {
		return
	}
	payload, err := json.Marshal(d.Msg)
	if err != nil {
		h.logger.Error("encode signaling message", "conn_id", c.id, "type", d.Msg.Type, "err", err)
		return
	}
	select {
	case c.send <- payload:
	default:
		h.metrics.Inc(metrics.SignalingSlowConsumer)
		h.logger.Warn("dropping slow signaling consumer", "conn_id", c.id)
		departures := h.leave(c)
		h.closeConn(c, websocket.ClosePolicyViolation, "slow consumer")
		h.deliverAll(departures)
	}
}

func (h *Hub) closeConn(c *conn, code int, reason string) {
	if _, ok := h.conns[c.id]; !ok {
		return
	}
	delete(h.conns, c.id)
	c.closeCode = code
	c.closeReason = reason
	close(c.send)
}
