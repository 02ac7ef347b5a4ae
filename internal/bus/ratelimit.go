package bus

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// Sliding-window rate limits on sorted sets: drop entries older than the
// window, add the current event, then count. The event lands before the
// verdict, so a rejected attempt still consumes window budget.

const rateWindow = 60 * time.Second

// AllowConnection records a connection attempt from ip and reports whether
// the attempt stays within limit.
func (b *Bus) AllowConnection(ctx context.Context, ip string, limit int) (bool, error) {
	count, err := b.slidingWindowCount(ctx, keyConnRate(ip))
	if err != nil {
		return false, fmt.Errorf("connection rate: %w", err)
	}
	if count > int64(limit) {
		b.recorder.RecordWSRateLimited("connection")
		return false, nil
	}
	return true, nil
}

// AllowMessage records an inbound message on the connection and reports
// whether the rate stays within limit.
func (b *Bus) AllowMessage(ctx context.Context, connectionID string, limit int) (bool, error) {
	count, err := b.slidingWindowCount(ctx, keyMsgRate(connectionID))
	if err != nil {
		return false, fmt.Errorf("message rate: %w", err)
	}
	if count > int64(limit) {
		b.recorder.RecordWSRateLimited("message")
		return false, nil
	}
	return true, nil
}

// WithinSubscriptionLimit reports whether the user's topic set fits max.
// Checked after the subscription is added, so the set size already includes
// the topic under consideration.
func (b *Bus) WithinSubscriptionLimit(ctx context.Context, userID string, max int) (bool, error) {
	n, err := b.SubscriptionCount(ctx, userID)
	if err != nil {
		return false, err
	}
	if n > int64(max) {
		b.recorder.RecordWSRateLimited("subscription")
		return false, nil
	}
	return true, nil
}

func (b *Bus) slidingWindowCount(ctx context.Context, key string) (int64, error) {
	now := time.Now()
	cutoff := unixSeconds(now.Add(-rateWindow))

	pipe := b.rdb.TxPipeline()
	pipe.ZRemRangeByScore(ctx, key, "0", strconv.FormatFloat(cutoff, 'f', -1, 64))
	pipe.ZAdd(ctx, key, redis.Z{
		Score:  unixSeconds(now),
		Member: strconv.FormatInt(now.UnixNano(), 10),
	})
	card := pipe.ZCard(ctx, key)
	pipe.Expire(ctx, key, rateWindow)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return card.Val(), nil
}

func unixSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / float64(time.Second)
}
