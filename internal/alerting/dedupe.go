package alerting

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// DedupeAlerter suppresses repeats of the same alert inside a window. A
// flapping broker heartbeat raises one page, not one per retry.
type DedupeAlerter struct {
	inner  Alerter
	window time.Duration
	logger *slog.Logger

	mu   sync.Mutex
	seen map[string]time.Time
}

// NewDedupeAlerter wraps inner with a suppression window. A non-positive
// window disables suppression.
func NewDedupeAlerter(inner Alerter, window time.Duration, logger *slog.Logger) *DedupeAlerter {
	if logger == nil {
		logger = slog.Default()
	}
	return &DedupeAlerter{
		inner:  inner,
		window: window,
		logger: logger.With("component", "alerting"),
		seen:   make(map[string]time.Time),
	}
}

// Name returns the name of the alerter.
func (d *DedupeAlerter) Name() string {
	return "dedupe(" + d.inner.Name() + ")"
}

// Alert forwards the alert unless the same severity and message fired within
// the window. Fields do not participate in the key: retries of one condition
// usually differ only in attempt counters.
func (d *DedupeAlerter) Alert(ctx context.Context, severity Severity, message string, fields ...any) error {
	if d.window <= 0 {
		return d.inner.Alert(ctx, severity, message, fields...)
	}

	key := severity.String() + "|" + message
	now := time.Now()

	d.mu.Lock()
	last, repeated := d.seen[key]
	if repeated && now.Sub(last) < d.window {
		d.mu.Unlock()
		d.logger.Debug("alert suppressed",
			"severity", severity.String(),
			"message", message)
		return nil
	}
	d.seen[key] = now
	d.prune(now)
	d.mu.Unlock()

	return d.inner.Alert(ctx, severity, message, fields...)
}

// prune drops expired entries. Called with the mutex held.
func (d *DedupeAlerter) prune(now time.Time) {
	for key, at := range d.seen {
		if now.Sub(at) >= d.window {
			delete(d.seen, key)
		}
	}
}
