package signaling

import (
	"errors"
	"log/slog"
	"net"
	"time"

	"github.com/gorilla/websocket"

	"github.com/wilsonzlin/aero/proxy/webrtc-mesh-call/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/webrtc-mesh-call/internal/ratelimit"
)

const wsWriteWait = 10 * time.Second

type conn struct {
	id  ConnID
	hub *Hub
	ws  *websocket.Conn

	// send is closed by the hub; closeCode/closeReason are set before that
	// and read by the write pump after observing the close.
	send        chan []byte
	closeCode   int
	closeReason string

	limiter         *ratelimit.TokenBucket
	maxMessageBytes int64
	idleTimeout     time.Duration
	pingInterval    time.Duration

	logger  *slog.Logger
	metrics *metrics.Metrics
}

// readPump reads frames and feeds them to the hub. It is the only reader of
// ws. On return the connection is unregistered and the socket closed.
func (c *conn) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		_ = c.ws.Close()
	}()

	c.ws.SetReadLimit(c.maxMessageBytes)
	_ = c.ws.SetReadDeadline(time.Now().Add(c.idleTimeout))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(c.idleTimeout))
	})

	for {
		msgType, data, err := c.ws.ReadMessage()
		if err != nil {
			switch {
			case errors.Is(err, websocket.ErrReadLimit):
				c.metrics.Inc(metrics.SignalingMessageTooLarge)
				c.closeWith(websocket.CloseMessageTooBig, "message too large")
			case isTimeout(err):
				c.logger.Debug("closing idle signaling connection", "conn_id", c.id)
				c.closeWith(websocket.CloseNormalClosure, "idle timeout")
			case websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived):
				c.logger.Debug("signaling connection read error", "conn_id", c.id, "err", err)
			}
			return
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(c.idleTimeout))

		// Rate limiting happens after the read so the close frame is not lost
		// to a reset caused by unread bytes.
		if !c.limiter.Allow(1) {
			c.metrics.Inc(metrics.SignalingRateLimited)
			c.logger.Info("signaling rate limit exceeded", "conn_id", c.id)
			c.closeWith(websocket.ClosePolicyViolation, "rate limit exceeded")
			return
		}
		if msgType != websocket.TextMessage {
			c.closeWith(websocket.CloseUnsupportedData, "expected text message")
			return
		}

		msg, err := ParseClientMessage(data)
		select {
		case c.hub.inbound <- inbound{conn: c, msg: msg, err: err}:
		case <-c.hub.done:
			return
		}
	}
}

// writePump is the only writer of data frames on ws.
func (c *conn) writePump() {
	ticker := time.NewTicker(c.pingInterval)
	defer func() {
		ticker.Stop()
		_ = c.ws.Close()
	}()

	for {
		select {
		case payload, ok := <-c.send:
			if !ok {
				code := c.closeCode
				if code == 0 {
					code = websocket.CloseNormalClosure
				}
				c.closeWith(code, c.closeReason)
				return
			}
			_ = c.ws.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *conn) closeWith(code int, reason string) {
	_ = c.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(wsWriteWait))
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
