package bus

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	presenceTTL = 24 * time.Hour
	subsTTL     = 24 * time.Hour
)

// ConnectionMeta is the presence record kept per live WebSocket connection.
type ConnectionMeta struct {
	UserID        string
	SessionID     string
	ConnectionID  string
	ConnectedAt   time.Time
	LastHeartbeat time.Time
	InstanceID    string
}

// RegisterConnection writes the presence hash and adds the connection to the
// user's set. The hash carries its own TTL so a gateway that dies without
// cleanup does not leave permanent records.
func (b *Bus) RegisterConnection(ctx context.Context, meta ConnectionMeta) error {
	key := keyConnection(meta.ConnectionID)
	fields := map[string]any{
		"user_id":        meta.UserID,
		"session_id":     meta.SessionID,
		"connection_id":  meta.ConnectionID,
		"connected_at":   meta.ConnectedAt.UTC().Format(time.RFC3339Nano),
		"last_heartbeat": meta.LastHeartbeat.UTC().Format(time.RFC3339Nano),
		"instance_id":    meta.InstanceID,
	}

	pipe := b.rdb.TxPipeline()
	pipe.HSet(ctx, key, fields)
	pipe.Expire(ctx, key, presenceTTL)
	pipe.SAdd(ctx, keyUserConnections(meta.UserID), meta.ConnectionID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("register connection: %w", err)
	}
	return nil
}

// DeregisterConnection removes the presence hash and the user-set entry.
func (b *Bus) DeregisterConnection(ctx context.Context, connectionID string) error {
	key := keyConnection(connectionID)

	userID, err := b.rdb.HGet(ctx, key, "user_id").Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("read presence: %w", err)
	}

	pipe := b.rdb.TxPipeline()
	if userID != "" {
		pipe.SRem(ctx, keyUserConnections(userID), connectionID)
	}
	pipe.Del(ctx, key)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("deregister connection: %w", err)
	}
	return nil
}

// TouchHeartbeat refreshes last_heartbeat on the presence hash.
func (b *Bus) TouchHeartbeat(ctx context.Context, connectionID string) error {
	ts := time.Now().UTC().Format(time.RFC3339Nano)
	if err := b.rdb.HSet(ctx, keyConnection(connectionID), "last_heartbeat", ts).Err(); err != nil {
		return fmt.Errorf("touch heartbeat: %w", err)
	}
	return nil
}

// LastHeartbeat reads the heartbeat timestamp. ok is false when the presence
// record no longer exists.
func (b *Bus) LastHeartbeat(ctx context.Context, connectionID string) (time.Time, bool, error) {
	val, err := b.rdb.HGet(ctx, keyConnection(connectionID), "last_heartbeat").Result()
	if errors.Is(err, redis.Nil) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("read heartbeat: %w", err)
	}
	ts, err := time.Parse(time.RFC3339Nano, val)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("parse heartbeat: %w", err)
	}
	return ts, true, nil
}

// UserConnections lists the connection ids registered for a user.
func (b *Bus) UserConnections(ctx context.Context, userID string) ([]string, error) {
	ids, err := b.rdb.SMembers(ctx, keyUserConnections(userID)).Result()
	if err != nil {
		return nil, fmt.Errorf("list user connections: %w", err)
	}
	return ids, nil
}

// Presence returns the live connection records for a user. Connections whose
// hash already expired are skipped.
func (b *Bus) Presence(ctx context.Context, userID string) ([]ConnectionMeta, error) {
	ids, err := b.UserConnections(ctx, userID)
	if err != nil {
		return nil, err
	}

	out := make([]ConnectionMeta, 0, len(ids))
	for _, id := range ids {
		data, err := b.rdb.HGetAll(ctx, keyConnection(id)).Result()
		if err != nil {
			return nil, fmt.Errorf("read presence %s: %w", id, err)
		}
		if len(data) == 0 {
			continue
		}
		out = append(out, metaFromHash(data))
	}
	return out, nil
}

func metaFromHash(data map[string]string) ConnectionMeta {
	meta := ConnectionMeta{
		UserID:       data["user_id"],
		SessionID:    data["session_id"],
		ConnectionID: data["connection_id"],
		InstanceID:   data["instance_id"],
	}
	if t, err := time.Parse(time.RFC3339Nano, data["connected_at"]); err == nil {
		meta.ConnectedAt = t
	}
	if t, err := time.Parse(time.RFC3339Nano, data["last_heartbeat"]); err == nil {
		meta.LastHeartbeat = t
	}
	return meta
}

// Subscribe records a topic subscription for the user.
func (b *Bus) Subscribe(ctx context.Context, userID, topic string) error {
	key := keyUserSubs(userID)
	pipe := b.rdb.TxPipeline()
	pipe.SAdd(ctx, key, topic)
	pipe.Expire(ctx, key, subsTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}
	return nil
}

// Unsubscribe drops a topic subscription for the user.
func (b *Bus) Unsubscribe(ctx context.Context, userID, topic string) error {
	if err := b.rdb.SRem(ctx, keyUserSubs(userID), topic).Err(); err != nil {
		return fmt.Errorf("unsubscribe: %w", err)
	}
	return nil
}

// SubscriptionCount returns the size of the user's topic set.
func (b *Bus) SubscriptionCount(ctx context.Context, userID string) (int64, error) {
	n, err := b.rdb.SCard(ctx, keyUserSubs(userID)).Result()
	if err != nil {
		return 0, fmt.Errorf("count subscriptions: %w", err)
	}
	return n, nil
}
