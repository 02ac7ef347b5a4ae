package gateway

import (
	"context"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"

	"github.com/mlukyanov/tradecore/internal/auth"
	"github.com/mlukyanov/tradecore/internal/bus"
	"github.com/mlukyanov/tradecore/internal/types"
)

// fakeBus is an in-memory stand-in for the shared bus.
type fakeBus struct {
	mu           sync.Mutex
	registered   map[string]bus.ConnectionMeta
	heartbeats   map[string]time.Time
	subs         map[string]map[string]bool
	deregistered []string

	allowConn  bool
	allowMsg   bool
	withinSubs bool

	broadcasts chan bus.Broadcast
}

var _ Bus = (*fakeBus)(nil)

func newFakeBus() *fakeBus {
	return &fakeBus{
		registered: make(map[string]bus.ConnectionMeta),
		heartbeats: make(map[string]time.Time),
		subs:       make(map[string]map[string]bool),
		allowConn:  true,
		allowMsg:   true,
		withinSubs: true,
		broadcasts: make(chan bus.Broadcast, 16),
	}
}

func (f *fakeBus) RegisterConnection(_ context.Context, meta bus.ConnectionMeta) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.registered[meta.ConnectionID] = meta
	f.heartbeats[meta.ConnectionID] = meta.LastHeartbeat
	return nil
}

func (f *fakeBus) DeregisterConnection(_ context.Context, connectionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.registered, connectionID)
	delete(f.heartbeats, connectionID)
	f.deregistered = append(f.deregistered, connectionID)
	return nil
}

func (f *fakeBus) TouchHeartbeat(_ context.Context, connectionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.heartbeats[connectionID] = time.Now().UTC()
	return nil
}

func (f *fakeBus) LastHeartbeat(_ context.Context, connectionID string) (time.Time, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	last, ok := f.heartbeats[connectionID]
	return last, ok, nil
}

func (f *fakeBus) Subscribe(_ context.Context, userID, topic string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.subs[userID] == nil {
		f.subs[userID] = make(map[string]bool)
	}
	f.subs[userID][topic] = true
	return nil
}

func (f *fakeBus) Unsubscribe(_ context.Context, userID, topic string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.subs[userID], topic)
	return nil
}

func (f *fakeBus) AllowConnection(_ context.Context, _ string, _ int) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.allowConn, nil
}

func (f *fakeBus) AllowMessage(_ context.Context, _ string, _ int) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.allowMsg, nil
}

func (f *fakeBus) WithinSubscriptionLimit(_ context.Context, _ string, _ int) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.withinSubs, nil
}

func (f *fakeBus) Broadcasts(_ context.Context) (<-chan bus.Broadcast, error) {
	return f.broadcasts, nil
}

func (f *fakeBus) registeredMeta() []bus.ConnectionMeta {
	f.mu.Lock()
	defer f.mu.Unlock()
	metas := make([]bus.ConnectionMeta, 0, len(f.registered))
	for _, meta := range f.registered {
		metas = append(metas, meta)
	}
	return metas
}

func (f *fakeBus) subscribed(userID, topic string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.subs[userID][topic]
}

func (f *fakeBus) deregisteredCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.deregistered)
}

func (f *fakeBus) heartbeatOf(connectionID string) (time.Time, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	last, ok := f.heartbeats[connectionID]
	return last, ok
}

// fakeVerifier resolves tokens from a fixed table.
type fakeVerifier struct {
	mu     sync.Mutex
	claims map[string]*auth.Claims
	err    error
}

var _ TokenVerifier = (*fakeVerifier)(nil)

func newFakeVerifier() *fakeVerifier {
	return &fakeVerifier{claims: make(map[string]*auth.Claims)}
}

func (f *fakeVerifier) allow(token, subject, sessionID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.claims[token] = &auth.Claims{
		TokenType: auth.TypeAccess,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject: subject,
			ID:      sessionID,
		},
	}
}

func (f *fakeVerifier) fail(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

func (f *fakeVerifier) VerifyToken(_ context.Context, token, _ string) (*auth.Claims, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	claims, ok := f.claims[token]
	if !ok {
		return nil, types.ErrTokenInvalid
	}
	return claims, nil
}

// newTestGateway wires a server backed by fakes behind an httptest listener.
func newTestGateway(t *testing.T, cfg Config) (*Server, *fakeBus, *fakeVerifier, *httptest.Server) {
	t.Helper()

	fb := newFakeBus()
	fv := newFakeVerifier()
	fv.allow("good-token", "u1", "sess-1")

	srv := NewServer(cfg, fb, fv, nil)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	return srv, fb, fv, ts
}

// dialWS opens a client connection against the test listener.
func dialWS(t *testing.T, ts *httptest.Server, query string) *websocket.Conn {
	t.Helper()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws" + query
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", url, err)
	}
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func sendEvent(t *testing.T, conn *websocket.Conn, event, topic string) {
	t.Helper()
	if err := conn.WriteJSON(clientMessage{Event: event, Topic: topic}); err != nil {
		t.Fatalf("write %s: %v", event, err)
	}
}

func readFrame(t *testing.T, conn *websocket.Conn) serverMessage {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg serverMessage
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("read frame: %v", err)
	}
	return msg
}

// expectClose drains the connection until the peer closes it and checks the
// close code.
func expectClose(t *testing.T, conn *websocket.Conn, code int) {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if !websocket.IsCloseError(err, code) {
				t.Fatalf("expected close code %d, got %v", code, err)
			}
			return
		}
	}
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}
