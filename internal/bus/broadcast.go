package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// Broadcast is one message received off the fan-out pub/sub pattern. Channel
// is the logical name with the key prefix stripped.
type Broadcast struct {
	Channel string
	Payload []byte
}

// Publish serializes payload and publishes it on the channel's broadcast
// key. Every gateway instance subscribed to the pattern receives it.
func (b *Bus) Publish(ctx context.Context, channel string, payload map[string]any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal broadcast: %w", err)
	}
	if err := b.rdb.Publish(ctx, keyBroadcast(channel), data).Err(); err != nil {
		b.recorder.RecordBusError("publish")
		return fmt.Errorf("publish broadcast: %w", err)
	}
	b.recorder.RecordWSBroadcast(channel)
	return nil
}

// Broadcasts psubscribes to every broadcast channel and returns a receive
// channel. The subscription and the channel close when ctx is canceled.
func (b *Bus) Broadcasts(ctx context.Context) (<-chan Broadcast, error) {
	ps := b.rdb.PSubscribe(ctx, patternBroadcast)

	// Force the subscription onto the wire before handing the channel out,
	// so no broadcast published after this call is missed.
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("psubscribe broadcasts: %w", err)
	}

	out := make(chan Broadcast, 256)
	go func() {
		defer close(out)
		defer ps.Close()

		ch := ps.Channel()
		for {
			select {
			case msg, ok := <-ch:
				if !ok {
					return
				}
				bc := Broadcast{
					Channel: strings.TrimPrefix(msg.Channel, broadcastKeyPrefix),
					Payload: []byte(msg.Payload),
				}
				select {
				case out <- bc:
				case <-ctx.Done():
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}
