package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mlukyanov/tradecore/internal/metrics"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096
	sendBuffer     = 256
)

// Client is one authenticated socket.
type Client struct {
	id          string
	userID      string
	sessionID   string
	token       string
	fingerprint string

	conn      *websocket.Conn
	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once

	cfg      Config
	bus      Bus
	verifier TokenVerifier
	recorder *metrics.Recorder
	logger   *slog.Logger
}

// run drives the connection until the socket dies. It blocks; the caller
// owns registry and presence cleanup.
func (c *Client) run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(3)
	go func() { defer wg.Done(); c.writePump() }()
	go func() { defer wg.Done(); c.watchdog(ctx) }()
	go func() { defer wg.Done(); c.revalidate(ctx) }()

	c.readPump(ctx)
	cancel()
	c.stop()
	wg.Wait()
}

// stop tears the connection down without sending a close frame.
func (c *Client) stop() {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.conn.Close()
	})
}

// closeWithCode sends a close frame and tears the connection down. The first
// close wins; later calls are no-ops.
func (c *Client) closeWithCode(code int, reason string) {
	select {
	case <-c.done:
		return
	default:
	}
	deadline := time.Now().Add(writeWait)
	frame := websocket.FormatCloseMessage(code, reason)
	_ = c.conn.WriteControl(websocket.CloseMessage, frame, deadline)
	c.stop()
}

func (c *Client) readPump(ctx context.Context) {
	defer c.stop()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			select {
			case <-c.done:
			default:
				if websocket.IsUnexpectedCloseError(err,
					websocket.CloseNormalClosure,
					websocket.CloseGoingAway,
					websocket.CloseAbnormalClosure) {
					c.logger.Warn("read failed", "error", err)
				}
			}
			return
		}
		c.recorder.RecordWSMessage("in")

		allowed, err := c.bus.AllowMessage(ctx, c.id, c.cfg.MaxMessagesPerMinute)
		if err != nil {
			c.logger.Error("message rate check failed", "error", err)
			c.closeWithCode(websocket.CloseInternalServerErr, "")
			return
		}
		if !allowed {
			c.logger.Warn("message rate exceeded", "user_id", c.userID)
			c.closeWithCode(CloseRateLimited, "message rate exceeded")
			return
		}

		var msg clientMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			c.reply(serverMessage{Event: "error", Detail: "malformed message"})
			continue
		}
		c.handle(ctx, msg)
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case message := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
			c.recorder.RecordWSMessage("out")
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}

func (c *Client) handle(ctx context.Context, msg clientMessage) {
	switch msg.Event {
	case "heartbeat":
		if err := c.bus.TouchHeartbeat(ctx, c.id); err != nil {
			c.logger.Warn("heartbeat touch failed", "error", err)
		}
		c.recorder.RecordHeartbeat()
		c.reply(serverMessage{
			Event: "heartbeat_ack",
			TS:    time.Now().UTC().Format(time.RFC3339Nano),
		})
	case "subscribe":
		c.subscribe(ctx, msg.Topic)
	case "unsubscribe":
		c.unsubscribe(ctx, msg.Topic)
	default:
		c.reply(serverMessage{Event: "error", Detail: "unsupported event"})
	}
}

func (c *Client) subscribe(ctx context.Context, topic string) {
	if !topicAllowed(topic, c.userID) {
		c.logger.Warn("subscription to foreign topic refused",
			"user_id", c.userID,
			"topic", topic)
		c.closeWithCode(CloseUnauthorized, "topic not allowed")
		return
	}
	if err := c.bus.Subscribe(ctx, c.userID, topic); err != nil {
		c.logger.Error("subscribe failed", "topic", topic, "error", err)
		c.closeWithCode(websocket.CloseInternalServerErr, "")
		return
	}
	within, err := c.bus.WithinSubscriptionLimit(ctx, c.userID, c.cfg.MaxSubscriptionsPerUser)
	if err != nil {
		c.logger.Error("subscription limit check failed", "error", err)
		c.closeWithCode(websocket.CloseInternalServerErr, "")
		return
	}
	if !within {
		c.logger.Warn("subscription limit exceeded", "user_id", c.userID)
		c.closeWithCode(CloseRateLimited, "subscription limit exceeded")
		return
	}
	c.reply(serverMessage{Event: "subscribed", Topic: topic})
}

func (c *Client) unsubscribe(ctx context.Context, topic string) {
	if err := c.bus.Unsubscribe(ctx, c.userID, topic); err != nil {
		c.logger.Error("unsubscribe failed", "topic", topic, "error", err)
		c.closeWithCode(websocket.CloseInternalServerErr, "")
		return
	}
	c.reply(serverMessage{Event: "unsubscribed", Topic: topic})
}

func (c *Client) reply(msg serverMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	select {
	case c.send <- data:
	default:
		c.logger.Warn("send buffer full, dropping reply", "connection_id", c.id)
	}
}

// watchdog enforces the application-level heartbeat. TCP pings keep the
// socket open, but a client that stops sending heartbeat events is presumed
// wedged and disconnected.
func (c *Client) watchdog(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.HeartbeatCheck)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			last, ok, err := c.bus.LastHeartbeat(ctx, c.id)
			if err != nil {
				c.logger.Warn("heartbeat lookup failed", "error", err)
				continue
			}
			if !ok || time.Since(last) > c.cfg.HeartbeatStale {
				c.logger.Info("heartbeat stale, disconnecting",
					"connection_id", c.id,
					"user_id", c.userID)
				c.closeWithCode(websocket.CloseGoingAway, "heartbeat stale")
				return
			}
		case <-c.done:
			return
		case <-ctx.Done():
			return
		}
	}
}

// revalidate re-checks the connection token on an interval so that a revoked
// or expired token cuts the stream instead of riding out the socket.
func (c *Client) revalidate(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.RevalidateInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if _, err := c.verifier.VerifyToken(ctx, c.token, c.fingerprint); err != nil {
				c.logger.Warn("token revalidation failed",
					"user_id", c.userID,
					"error", err)
				c.closeWithCode(CloseTokenRevoked, "token no longer valid")
				return
			}
		case <-c.done:
			return
		case <-ctx.Done():
			return
		}
	}
}
