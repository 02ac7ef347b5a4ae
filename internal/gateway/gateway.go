// Package gateway is the WebSocket fan-out layer: it authenticates
// connections, tracks presence and subscriptions on the shared bus, applies
// the bus-backed rate limits and relays cross-instance broadcasts to the
// sockets this instance owns.
package gateway

import (
	"context"
	"encoding/json"
	"time"

	"github.com/mlukyanov/tradecore/internal/auth"
	"github.com/mlukyanov/tradecore/internal/bus"
)

// Close codes beyond the RFC 6455 set.
const (
	CloseUnauthorized = 4001
	CloseRateLimited  = 4002
	CloseTokenRevoked = 4003
)

// Config holds the gateway settings.
type Config struct {
	Host                    string
	Port                    int
	InstanceID              string
	MaxConnectionsPerIP     int
	MaxMessagesPerMinute    int
	MaxSubscriptionsPerUser int
	HeartbeatCheck          time.Duration
	HeartbeatStale          time.Duration
	RevalidateInterval      time.Duration
}

func (c Config) withDefaults() Config {
	if c.Port <= 0 {
		c.Port = 8081
	}
	if c.InstanceID == "" {
		c.InstanceID = "gateway"
	}
	if c.MaxConnectionsPerIP <= 0 {
		c.MaxConnectionsPerIP = 20
	}
	if c.MaxMessagesPerMinute <= 0 {
		c.MaxMessagesPerMinute = 600
	}
	if c.MaxSubscriptionsPerUser <= 0 {
		c.MaxSubscriptionsPerUser = 100
	}
	if c.HeartbeatCheck <= 0 {
		c.HeartbeatCheck = 30 * time.Second
	}
	if c.HeartbeatStale <= 0 {
		c.HeartbeatStale = 90 * time.Second
	}
	if c.RevalidateInterval <= 0 {
		c.RevalidateInterval = 5 * time.Minute
	}
	return c
}

// Bus is the slice of the shared bus the gateway rides on.
type Bus interface {
	RegisterConnection(ctx context.Context, meta bus.ConnectionMeta) error
	DeregisterConnection(ctx context.Context, connectionID string) error
	TouchHeartbeat(ctx context.Context, connectionID string) error
	LastHeartbeat(ctx context.Context, connectionID string) (time.Time, bool, error)
	Subscribe(ctx context.Context, userID, topic string) error
	Unsubscribe(ctx context.Context, userID, topic string) error
	AllowConnection(ctx context.Context, ip string, limit int) (bool, error)
	AllowMessage(ctx context.Context, connectionID string, limit int) (bool, error)
	WithinSubscriptionLimit(ctx context.Context, userID string, max int) (bool, error)
	Broadcasts(ctx context.Context) (<-chan bus.Broadcast, error)
}

// TokenVerifier authenticates connection tokens, at accept time and on the
// periodic revalidation.
type TokenVerifier interface {
	VerifyToken(ctx context.Context, token, fingerprint string) (*auth.Claims, error)
}

// clientMessage is anything a client sends.
type clientMessage struct {
	Event string `json:"event"`
	Topic string `json:"topic,omitempty"`
}

// serverMessage covers every frame the gateway sends: protocol replies carry
// Event, broadcast deliveries carry Topic and Data.
type serverMessage struct {
	Event  string          `json:"event,omitempty"`
	Topic  string          `json:"topic,omitempty"`
	TS     string          `json:"ts,omitempty"`
	Detail string          `json:"detail,omitempty"`
	Data   json.RawMessage `json:"data,omitempty"`
}
