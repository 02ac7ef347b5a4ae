package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mlukyanov/tradecore/internal/bus"
	"github.com/mlukyanov/tradecore/internal/types"
)

func TestConfig_Defaults(t *testing.T) {
	cfg := Config{}.withDefaults()

	if cfg.Port != 8081 {
		t.Errorf("Port = %d, want 8081", cfg.Port)
	}
	if cfg.InstanceID != "gateway" {
		t.Errorf("InstanceID = %q, want gateway", cfg.InstanceID)
	}
	if cfg.MaxConnectionsPerIP != 20 {
		t.Errorf("MaxConnectionsPerIP = %d, want 20", cfg.MaxConnectionsPerIP)
	}
	if cfg.MaxMessagesPerMinute != 600 {
		t.Errorf("MaxMessagesPerMinute = %d, want 600", cfg.MaxMessagesPerMinute)
	}
	if cfg.MaxSubscriptionsPerUser != 100 {
		t.Errorf("MaxSubscriptionsPerUser = %d, want 100", cfg.MaxSubscriptionsPerUser)
	}
	if cfg.HeartbeatCheck != 30*time.Second {
		t.Errorf("HeartbeatCheck = %v, want 30s", cfg.HeartbeatCheck)
	}
	if cfg.HeartbeatStale != 90*time.Second {
		t.Errorf("HeartbeatStale = %v, want 90s", cfg.HeartbeatStale)
	}
	if cfg.RevalidateInterval != 5*time.Minute {
		t.Errorf("RevalidateInterval = %v, want 5m", cfg.RevalidateInterval)
	}
}

func TestServer_ConnectRegistersPresence(t *testing.T) {
	_, fb, _, ts := newTestGateway(t, Config{InstanceID: "gw-test"})

	conn := dialWS(t, ts, "?token=good-token&fingerprint=device-1")
	sendEvent(t, conn, "heartbeat", "")

	ack := readFrame(t, conn)
	if ack.Event != "heartbeat_ack" {
		t.Fatalf("event = %q, want heartbeat_ack", ack.Event)
	}
	if _, err := time.Parse(time.RFC3339Nano, ack.TS); err != nil {
		t.Errorf("heartbeat_ack ts %q not RFC3339: %v", ack.TS, err)
	}

	metas := fb.registeredMeta()
	if len(metas) != 1 {
		t.Fatalf("registered %d connections, want 1", len(metas))
	}
	meta := metas[0]
	if meta.UserID != "u1" {
		t.Errorf("UserID = %q, want u1", meta.UserID)
	}
	if meta.SessionID != "sess-1" {
		t.Errorf("SessionID = %q, want sess-1", meta.SessionID)
	}
	if meta.InstanceID != "gw-test" {
		t.Errorf("InstanceID = %q, want gw-test", meta.InstanceID)
	}
	if meta.ConnectionID == "" {
		t.Error("ConnectionID is empty")
	}
	if _, ok := fb.heartbeatOf(meta.ConnectionID); !ok {
		t.Error("heartbeat not tracked after touch")
	}
}

func TestServer_MissingTokenRejected(t *testing.T) {
	_, fb, _, ts := newTestGateway(t, Config{})

	conn := dialWS(t, ts, "")
	expectClose(t, conn, CloseUnauthorized)

	if n := len(fb.registeredMeta()); n != 0 {
		t.Errorf("registered %d connections, want 0", n)
	}
}

func TestServer_InvalidTokenRejected(t *testing.T) {
	_, _, _, ts := newTestGateway(t, Config{})

	conn := dialWS(t, ts, "?token=forged")
	expectClose(t, conn, CloseUnauthorized)
}

func TestServer_ConnectionLimitRejected(t *testing.T) {
	_, fb, _, ts := newTestGateway(t, Config{})
	fb.mu.Lock()
	fb.allowConn = false
	fb.mu.Unlock()

	conn := dialWS(t, ts, "?token=good-token")
	expectClose(t, conn, CloseRateLimited)
}

func TestServer_SubscribeOwnTopic(t *testing.T) {
	_, fb, _, ts := newTestGateway(t, Config{})

	conn := dialWS(t, ts, "?token=good-token")
	sendEvent(t, conn, "subscribe", "order_updates:u1")

	reply := readFrame(t, conn)
	if reply.Event != "subscribed" || reply.Topic != "order_updates:u1" {
		t.Fatalf("reply = %+v, want subscribed order_updates:u1", reply)
	}
	if !fb.subscribed("u1", "order_updates:u1") {
		t.Error("subscription not recorded on bus")
	}
}

func TestServer_ForeignTopicClosesConnection(t *testing.T) {
	_, fb, _, ts := newTestGateway(t, Config{})

	conn := dialWS(t, ts, "?token=good-token")
	sendEvent(t, conn, "subscribe", "order_updates:u2")

	expectClose(t, conn, CloseUnauthorized)
	if fb.subscribed("u1", "order_updates:u2") {
		t.Error("foreign subscription recorded on bus")
	}
}

func TestServer_SubscriptionLimitClosesConnection(t *testing.T) {
	_, fb, _, ts := newTestGateway(t, Config{})
	fb.mu.Lock()
	fb.withinSubs = false
	fb.mu.Unlock()

	conn := dialWS(t, ts, "?token=good-token")
	sendEvent(t, conn, "subscribe", "order_updates:u1")

	expectClose(t, conn, CloseRateLimited)
	// The subscription lands before the limit check; the expiring set on the
	// bus shakes out the overflow.
	if !fb.subscribed("u1", "order_updates:u1") {
		t.Error("subscription missing from bus")
	}
}

func TestServer_Unsubscribe(t *testing.T) {
	_, fb, _, ts := newTestGateway(t, Config{})

	conn := dialWS(t, ts, "?token=good-token")
	sendEvent(t, conn, "subscribe", "market_data:u1")
	if reply := readFrame(t, conn); reply.Event != "subscribed" {
		t.Fatalf("event = %q, want subscribed", reply.Event)
	}

	sendEvent(t, conn, "unsubscribe", "market_data:u1")
	reply := readFrame(t, conn)
	if reply.Event != "unsubscribed" || reply.Topic != "market_data:u1" {
		t.Fatalf("reply = %+v, want unsubscribed market_data:u1", reply)
	}
	if fb.subscribed("u1", "market_data:u1") {
		t.Error("subscription still on bus after unsubscribe")
	}
}

func TestServer_UnsupportedEvent(t *testing.T) {
	_, _, _, ts := newTestGateway(t, Config{})

	conn := dialWS(t, ts, "?token=good-token")
	sendEvent(t, conn, "teleport", "")

	reply := readFrame(t, conn)
	if reply.Event != "error" || reply.Detail != "unsupported event" {
		t.Fatalf("reply = %+v, want error/unsupported event", reply)
	}

	// Connection survives the bad event.
	sendEvent(t, conn, "heartbeat", "")
	if ack := readFrame(t, conn); ack.Event != "heartbeat_ack" {
		t.Fatalf("event = %q, want heartbeat_ack", ack.Event)
	}
}

func TestServer_MalformedMessage(t *testing.T) {
	_, _, _, ts := newTestGateway(t, Config{})

	conn := dialWS(t, ts, "?token=good-token")
	if err := conn.WriteMessage(websocket.TextMessage, []byte("not json")); err != nil {
		t.Fatalf("write: %v", err)
	}

	reply := readFrame(t, conn)
	if reply.Event != "error" || reply.Detail != "malformed message" {
		t.Fatalf("reply = %+v, want error/malformed message", reply)
	}
}

func TestServer_MessageRateLimitClosesConnection(t *testing.T) {
	_, fb, _, ts := newTestGateway(t, Config{})
	fb.mu.Lock()
	fb.allowMsg = false
	fb.mu.Unlock()

	conn := dialWS(t, ts, "?token=good-token")
	sendEvent(t, conn, "heartbeat", "")

	expectClose(t, conn, CloseRateLimited)
}

func TestServer_DisconnectCleansPresence(t *testing.T) {
	srv, fb, _, ts := newTestGateway(t, Config{})

	conn := dialWS(t, ts, "?token=good-token")
	sendEvent(t, conn, "heartbeat", "")
	readFrame(t, conn)

	conn.Close()

	waitFor(t, 2*time.Second, func() bool {
		return fb.deregisteredCount() == 1 && srv.Hub().ConnectionCount() == 0
	})
	if n := len(fb.registeredMeta()); n != 0 {
		t.Errorf("registered %d connections after disconnect, want 0", n)
	}
}

func TestServer_BroadcastRoutesToOwner(t *testing.T) {
	srv, fb, fv, ts := newTestGateway(t, Config{})
	fv.allow("other-token", "u2", "sess-2")

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() { _ = srv.Run(ctx) }()

	conn1 := dialWS(t, ts, "?token=good-token")
	conn2 := dialWS(t, ts, "?token=other-token")
	sendEvent(t, conn1, "heartbeat", "")
	readFrame(t, conn1)
	sendEvent(t, conn2, "heartbeat", "")
	readFrame(t, conn2)

	payload := []byte(`{"user_id":"u1","order_id":"ord-1","status":"FILLED"}`)
	fb.broadcasts <- bus.Broadcast{Channel: "order_updates:u1", Payload: payload}

	frame := readFrame(t, conn1)
	if frame.Topic != "order_updates:u1" {
		t.Errorf("topic = %q, want order_updates:u1", frame.Topic)
	}
	var data map[string]any
	if err := json.Unmarshal(frame.Data, &data); err != nil {
		t.Fatalf("unmarshal data: %v", err)
	}
	if data["order_id"] != "ord-1" || data["status"] != "FILLED" {
		t.Errorf("data = %v, want original payload", data)
	}

	// The other user's socket stays quiet.
	_ = conn2.SetReadDeadline(time.Now().Add(150 * time.Millisecond))
	if _, _, err := conn2.ReadMessage(); err == nil {
		t.Fatal("broadcast delivered to the wrong user")
	} else {
		var nerr net.Error
		if !errors.As(err, &nerr) || !nerr.Timeout() {
			t.Fatalf("expected read timeout, got %v", err)
		}
	}
}

func TestServer_WatchdogClosesStaleConnection(t *testing.T) {
	_, _, _, ts := newTestGateway(t, Config{
		HeartbeatCheck: 20 * time.Millisecond,
		HeartbeatStale: 50 * time.Millisecond,
	})

	conn := dialWS(t, ts, "?token=good-token")
	// Never send a heartbeat; the watchdog should cut the connection.
	expectClose(t, conn, websocket.CloseGoingAway)
}

func TestServer_HeartbeatsKeepConnectionAlive(t *testing.T) {
	_, _, _, ts := newTestGateway(t, Config{
		HeartbeatCheck: 20 * time.Millisecond,
		HeartbeatStale: 80 * time.Millisecond,
	})

	conn := dialWS(t, ts, "?token=good-token")
	for i := 0; i < 5; i++ {
		sendEvent(t, conn, "heartbeat", "")
		if ack := readFrame(t, conn); ack.Event != "heartbeat_ack" {
			t.Fatalf("event = %q, want heartbeat_ack", ack.Event)
		}
		time.Sleep(30 * time.Millisecond)
	}
}

func TestServer_RevalidationClosesRevokedToken(t *testing.T) {
	_, _, fv, ts := newTestGateway(t, Config{
		RevalidateInterval: 20 * time.Millisecond,
	})

	conn := dialWS(t, ts, "?token=good-token")
	sendEvent(t, conn, "heartbeat", "")
	readFrame(t, conn)

	fv.fail(types.ErrTokenRevoked)
	expectClose(t, conn, CloseTokenRevoked)
}
