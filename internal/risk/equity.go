package risk

import (
	"sync"

	"github.com/shopspring/decimal"
)

// EquityTracker follows the account equity and remembers its peak. The
// monitor feeds it; drawdown-from-peak is reported for observability.
// Thread-safe for concurrent access.
type EquityTracker struct {
	mu      sync.RWMutex
	peak    decimal.Decimal
	current decimal.Decimal
}

// NewEquityTracker creates a tracker seeded with the starting equity.
func NewEquityTracker(initial decimal.Decimal) *EquityTracker {
	return &EquityTracker{
		peak:    initial,
		current: initial,
	}
}

// Update records the latest equity. Returns true if a new peak was set.
func (t *EquityTracker) Update(equity decimal.Decimal) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.current = equity

	if equity.GreaterThan(t.peak) {
		t.peak = equity
		return true
	}
	return false
}

// Current returns the last recorded equity.
func (t *EquityTracker) Current() decimal.Decimal {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.current
}

// Peak returns the highest equity seen so far.
func (t *EquityTracker) Peak() decimal.Decimal {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.peak
}

// Drawdown returns (peak - current) / peak as a ratio; 0.15 means the equity
// sits 15% below its peak.
func (t *EquityTracker) Drawdown() decimal.Decimal {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return drawdownOf(t.current, t.peak)
}

// Snapshot returns the current equity, the peak and the drawdown ratio.
func (t *EquityTracker) Snapshot() (current, peak, drawdown decimal.Decimal) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.current, t.peak, drawdownOf(t.current, t.peak)
}

// Reset re-seeds the tracker. Intended for tests and manual resets.
func (t *EquityTracker) Reset(equity decimal.Decimal) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.peak = equity
	t.current = equity
}

func drawdownOf(current, peak decimal.Decimal) decimal.Decimal {
	if peak.IsZero() || current.GreaterThanOrEqual(peak) {
		return decimal.Zero
	}
	return peak.Sub(current).Div(peak)
}
