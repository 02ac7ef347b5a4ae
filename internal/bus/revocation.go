package bus

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// Revocation state shared by every token-verifying service: per-token
// blacklist, per-user watermark, and refresh-rotation bookkeeping.

// Watermarks outlive any refresh token that could pre-date them.
const revokeAfterTTL = 90 * 24 * time.Hour

// RevokeToken blacklists a jti. ttl should cover the token's remaining
// lifetime; after that the entry is pointless anyway.
func (b *Bus) RevokeToken(ctx context.Context, jti string, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = time.Second
	}
	if err := b.rdb.Set(ctx, keyTokenRevoked(jti), "1", ttl).Err(); err != nil {
		return fmt.Errorf("revoke token: %w", err)
	}
	return nil
}

// IsTokenRevoked reports whether the jti is blacklisted.
func (b *Bus) IsTokenRevoked(ctx context.Context, jti string) (bool, error) {
	n, err := b.rdb.Exists(ctx, keyTokenRevoked(jti)).Result()
	if err != nil {
		return false, fmt.Errorf("check token revocation: %w", err)
	}
	return n > 0, nil
}

// SetRevokeAfter stamps the user-wide revocation watermark: tokens issued at
// or before it stop verifying.
func (b *Bus) SetRevokeAfter(ctx context.Context, userID string, at time.Time) error {
	val := strconv.FormatInt(at.UTC().Unix(), 10)
	if err := b.rdb.Set(ctx, keyUserRevokeAfter(userID), val, revokeAfterTTL).Err(); err != nil {
		return fmt.Errorf("set revoke watermark: %w", err)
	}
	return nil
}

// RevokeAfter reads the user's revocation watermark. ok is false when no
// watermark is set.
func (b *Bus) RevokeAfter(ctx context.Context, userID string) (time.Time, bool, error) {
	val, err := b.rdb.Get(ctx, keyUserRevokeAfter(userID)).Result()
	if errors.Is(err, redis.Nil) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("read revoke watermark: %w", err)
	}
	sec, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("parse revoke watermark: %w", err)
	}
	return time.Unix(sec, 0).UTC(), true, nil
}

// MarkRefreshUsed burns a refresh jti. Returns false when the jti was
// already burned, which signals rotation reuse.
func (b *Bus) MarkRefreshUsed(ctx context.Context, jti string, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		ttl = time.Second
	}
	first, err := b.rdb.SetNX(ctx, keyRefreshUsed(jti), "1", ttl).Result()
	if err != nil {
		return false, fmt.Errorf("mark refresh used: %w", err)
	}
	return first, nil
}

// RevokeRefreshFamily kills an entire refresh lineage.
func (b *Bus) RevokeRefreshFamily(ctx context.Context, familyID string, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = time.Second
	}
	if err := b.rdb.Set(ctx, keyRefreshFamilyRevoked(familyID), "1", ttl).Err(); err != nil {
		return fmt.Errorf("revoke refresh family: %w", err)
	}
	return nil
}

// IsRefreshFamilyRevoked reports whether the refresh lineage is dead.
func (b *Bus) IsRefreshFamilyRevoked(ctx context.Context, familyID string) (bool, error) {
	n, err := b.rdb.Exists(ctx, keyRefreshFamilyRevoked(familyID)).Result()
	if err != nil {
		return false, fmt.Errorf("check refresh family: %w", err)
	}
	return n > 0, nil
}
