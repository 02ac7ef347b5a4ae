package risk

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mlukyanov/tradecore/internal/types"
)

// FuzzDrawdownEvaluator tests the drawdown rule with random account states.
func FuzzDrawdownEvaluator(f *testing.F) {
	// Seed corpus
	f.Add("10000.00", "10000.00", 0.2)
	f.Add("1000.00", "700.00", 0.2)
	f.Add("1000.00", "0.00", 0.5)
	f.Add("0.00", "100.00", 0.1)
	f.Add("999999.99", "999999.98", 0.0001)

	f.Fuzz(func(t *testing.T, balanceStr string, equityStr string, maxDD float64) {
		balance, err := decimal.NewFromString(balanceStr)
		if err != nil {
			return
		}
		equity, err := decimal.NewFromString(equityStr)
		if err != nil {
			return
		}
		if maxDD < 0 || maxDD > 1 {
			return
		}

		rule := hardRule(types.RuleMaxDrawdown, map[string]any{"max_drawdown": maxDD})
		ec := &evalContext{
			order:   marketOrder("EURUSD", types.SideBuy, "0.1", "1.10"),
			account: &types.AccountInfo{Balance: balance, Equity: equity},
			now:     time.Now().UTC(),
		}

		// Should never panic
		v := evalMaxDrawdown(rule, ec)

		// Invariants
		// 1. Nonpositive balance never produces a verdict
		if !balance.IsPositive() && v != nil {
			t.Errorf("verdict on balance %s", balance)
		}

		// 2. A violation implies the observed drawdown really exceeds the cap
		if v != nil {
			dd := balance.Sub(equity).Div(balance)
			if !dd.GreaterThan(decimal.NewFromFloat(maxDD)) {
				t.Errorf("violation at drawdown %s against cap %v", dd, maxDD)
			}
		}
	})
}

// FuzzEquityTracker tests drawdown tracking with random equity values.
func FuzzEquityTracker(f *testing.F) {
	// Seed corpus
	f.Add("10000.00", "10000.00")
	f.Add("12000.00", "10000.00")
	f.Add("8000.00", "10000.00")
	f.Add("0.01", "10000.00")
	f.Add("10000.00", "0.01")

	f.Fuzz(func(t *testing.T, equityStr string, peakStr string) {
		equity, err := decimal.NewFromString(equityStr)
		if err != nil || equity.LessThanOrEqual(decimal.Zero) {
			return
		}

		peak, err := decimal.NewFromString(peakStr)
		if err != nil || peak.LessThanOrEqual(decimal.Zero) {
			return
		}

		tracker := NewEquityTracker(peak)
		tracker.Update(equity)
		current, hwm, drawdown := tracker.Snapshot()

		// Invariants
		// 1. Drawdown should be non-negative
		if drawdown.LessThan(decimal.Zero) {
			t.Errorf("negative drawdown: %s", drawdown)
		}

		// 2. Drawdown should be <= 1 (100%) for positive equity
		if drawdown.GreaterThan(decimal.NewFromInt(1)) {
			t.Errorf("drawdown > 100%%: %s", drawdown)
		}

		// 3. Peak should track new highs
		if hwm.LessThan(current) && equity.GreaterThan(peak) {
			t.Error("peak should track new highs")
		}
	})
}

// FuzzTradingHoursClock tests session clock parsing with arbitrary strings.
func FuzzTradingHoursClock(f *testing.F) {
	f.Add("09:00")
	f.Add("23:59")
	f.Add("00:00")
	f.Add("25:99")
	f.Add("garbage")
	f.Add("9:5")

	f.Fuzz(func(t *testing.T, s string) {
		// Should never panic
		minutes, ok := parseClock(s)
		if !ok {
			return
		}
		if minutes < 0 || minutes >= 24*60 {
			t.Errorf("parseClock(%q) = %d, outside a day", s, minutes)
		}
	})
}

// FuzzDecimalArithmetic tests decimal operations don't lose precision.
func FuzzDecimalArithmetic(f *testing.F) {
	f.Add("100.00", "0.01", 1000)
	f.Add("1234.56", "0.99", 100)
	f.Add("0.01", "0.01", 10)

	f.Fuzz(func(t *testing.T, baseStr string, incrementStr string, count int) {
		base, err := decimal.NewFromString(baseStr)
		if err != nil || base.LessThan(decimal.Zero) {
			return
		}

		increment, err := decimal.NewFromString(incrementStr)
		if err != nil {
			return
		}

		if count < 0 || count > 10000 {
			return
		}

		// Accumulate
		result := base
		for i := 0; i < count; i++ {
			result = result.Add(increment)
		}

		// Calculate expected
		expected := base.Add(increment.Mul(decimal.NewFromInt(int64(count))))

		// Should match exactly (no floating point errors)
		if !result.Equal(expected) {
			t.Errorf("precision loss: got %s, want %s", result, expected)
		}
	})
}
