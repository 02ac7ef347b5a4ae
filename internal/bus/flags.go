package bus

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/mlukyanov/tradecore/internal/risk"
)

// The kill switch flag is shared across instances: the value is the trigger
// reason, absence means trading is enabled.

var _ risk.Flagger = (*Bus)(nil)
var _ risk.Broadcaster = (*Bus)(nil)

// SetKillSwitch raises the cluster-wide kill switch flag.
func (b *Bus) SetKillSwitch(ctx context.Context, reason string) error {
	if err := b.rdb.Set(ctx, keyKillSwitch, reason, 0).Err(); err != nil {
		b.recorder.RecordBusError("kill_switch")
		return fmt.Errorf("set kill switch flag: %w", err)
	}
	b.logger.Warn("kill switch flag set", "reason", reason)
	return nil
}

// ClearKillSwitch lowers the cluster-wide kill switch flag.
func (b *Bus) ClearKillSwitch(ctx context.Context) error {
	if err := b.rdb.Del(ctx, keyKillSwitch).Err(); err != nil {
		b.recorder.RecordBusError("kill_switch")
		return fmt.Errorf("clear kill switch flag: %w", err)
	}
	b.logger.Info("kill switch flag cleared")
	return nil
}

// KillSwitchActive reads the flag and its reason.
func (b *Bus) KillSwitchActive(ctx context.Context) (bool, string, error) {
	val, err := b.rdb.Get(ctx, keyKillSwitch).Result()
	if errors.Is(err, redis.Nil) {
		return false, "", nil
	}
	if err != nil {
		return false, "", fmt.Errorf("read kill switch flag: %w", err)
	}
	return true, val, nil
}
