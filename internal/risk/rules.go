package risk

import (
	"fmt"
	"math"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mlukyanov/tradecore/internal/types"
	"github.com/mlukyanov/tradecore/pkg/stat"
)

// evalContext carries everything a rule evaluator may observe. Evaluators are
// pure functions of this context.
type evalContext struct {
	order     *types.Order
	account   *types.AccountInfo
	positions []types.Position
	market    *types.MarketSnapshot
	now       time.Time

	lastTradeAt    time.Time
	openOrderCount int
	returns        map[string][]float64
}

// violation is a rule's verdict. message is the default reason; the engine
// prefers the rule's configured message when one is set.
type violation struct {
	message  string
	observed map[string]any
}

// evaluator inspects one rule against the context. A nil result means the
// rule passed or could not be observed.
type evaluator func(rule types.RiskRule, ec *evalContext) *violation

// evaluators is the rule registry. Adding a rule type means adding an entry
// here plus its types.RuleType constant.
var evaluators = map[types.RuleType]evaluator{
	types.RuleMaxPositionSize:        evalMaxPositionSize,
	types.RuleMaxDrawdown:            evalMaxDrawdown,
	types.RuleMaxDailyLoss:           evalMaxDailyLoss,
	types.RuleMaxLeverage:            evalMaxLeverage,
	types.RuleMinTimeBetweenTrades:   evalMinTimeBetweenTrades,
	types.RuleCorrelationLimit:       evalCorrelationLimit,
	types.RuleMaxSymbolConcentration: evalMaxSymbolConcentration,
	types.RuleMaxOpenPositions:       evalMaxOpenPositions,
	types.RuleMaxOrderCount:          evalMaxOrderCount,
	types.RuleMaxExposure:            evalMaxExposure,
	types.RuleStopLossRequired:       evalStopLossRequired,
	types.RuleTakeProfitRequired:     evalTakeProfitRequired,
	types.RuleMaxSpread:              evalMaxSpread,
	types.RuleMaxSlippage:            evalMaxSlippage,
	types.RuleTradingHoursOnly:       evalTradingHours,
}

func evalMaxPositionSize(rule types.RiskRule, ec *evalContext) *violation {
	maxPct, ok := rule.Param("max_percent")
	if !ok || ec.account == nil {
		return nil
	}
	exposure := orderExposure(ec.order, ec.market)
	if exposure.IsZero() {
		return nil
	}
	equity := ec.account.Equity
	if !equity.IsPositive() {
		return &violation{
			message:  "order exposure exceeds position size limit",
			observed: map[string]any{"equity": equity.String(), "exposure": exposure.String()},
		}
	}
	share := exposure.Div(equity)
	if share.GreaterThan(decimal.NewFromFloat(maxPct)) {
		return &violation{
			message: "order exposure exceeds position size limit",
			observed: map[string]any{
				"exposure":    exposure.String(),
				"equity":      equity.String(),
				"share":       share.String(),
				"max_percent": maxPct,
			},
		}
	}
	return nil
}

func evalMaxDrawdown(rule types.RiskRule, ec *evalContext) *violation {
	maxDD, ok := rule.Param("max_drawdown")
	if !ok || ec.account == nil {
		return nil
	}
	balance := ec.account.Balance
	if !balance.IsPositive() {
		return nil
	}
	dd := balance.Sub(ec.account.Equity).Div(balance)
	if dd.GreaterThan(decimal.NewFromFloat(maxDD)) {
		return &violation{
			message: "drawdown limit breached",
			observed: map[string]any{
				"balance":      balance.String(),
				"equity":       ec.account.Equity.String(),
				"drawdown":     dd.String(),
				"max_drawdown": maxDD,
			},
		}
	}
	return nil
}

func evalMaxDailyLoss(rule types.RiskRule, ec *evalContext) *violation {
	maxLoss, ok := rule.Param("max_daily_loss")
	if !ok || ec.account == nil {
		return nil
	}
	balance := ec.account.Balance
	if !balance.IsPositive() {
		return nil
	}
	pnl := ec.account.Profit
	if pnl.Sign() >= 0 {
		return nil
	}
	lossShare := pnl.Neg().Div(balance)
	if lossShare.GreaterThan(decimal.NewFromFloat(maxLoss)) {
		return &violation{
			message: "daily loss limit breached",
			observed: map[string]any{
				"pnl":            pnl.String(),
				"balance":        balance.String(),
				"loss_share":     lossShare.String(),
				"max_daily_loss": maxLoss,
			},
		}
	}
	return nil
}

func evalMaxLeverage(rule types.RiskRule, ec *evalContext) *violation {
	maxLev, ok := rule.Param("max_leverage")
	if !ok || ec.account == nil {
		return nil
	}
	notional := totalNotional(ec.positions).Add(orderExposure(ec.order, ec.market))
	if notional.IsZero() {
		return nil
	}
	equity := ec.account.Equity
	if !equity.IsPositive() {
		return &violation{
			message:  "leverage limit exceeded",
			observed: map[string]any{"equity": equity.String(), "notional": notional.String()},
		}
	}
	leverage := notional.Div(equity)
	if leverage.GreaterThan(decimal.NewFromFloat(maxLev)) {
		return &violation{
			message: "leverage limit exceeded",
			observed: map[string]any{
				"notional":     notional.String(),
				"equity":       equity.String(),
				"leverage":     leverage.String(),
				"max_leverage": maxLev,
			},
		}
	}
	return nil
}

func evalMinTimeBetweenTrades(rule types.RiskRule, ec *evalContext) *violation {
	secs, ok := rule.Param("seconds")
	if !ok || ec.lastTradeAt.IsZero() {
		return nil
	}
	elapsed := ec.now.Sub(ec.lastTradeAt)
	minInterval := time.Duration(secs * float64(time.Second))
	if elapsed < minInterval {
		return &violation{
			message: "minimum trade interval not elapsed",
			observed: map[string]any{
				"elapsed_sec": elapsed.Seconds(),
				"min_sec":     secs,
			},
		}
	}
	return nil
}

func evalCorrelationLimit(rule types.RiskRule, ec *evalContext) *violation {
	maxCorr, ok := rule.Param("max_corr")
	if !ok {
		return nil
	}
	base, ok := ec.returns[ec.order.Symbol]
	if !ok {
		return nil
	}
	for _, p := range ec.positions {
		if p.Symbol == ec.order.Symbol {
			continue
		}
		other, ok := ec.returns[p.Symbol]
		if !ok {
			continue
		}
		corr := stat.Correlation(base, other)
		if math.Abs(corr) > maxCorr {
			return &violation{
				message: "correlated exposure limit breached",
				observed: map[string]any{
					"symbol":      ec.order.Symbol,
					"held_symbol": p.Symbol,
					"correlation": corr,
					"max_corr":    maxCorr,
				},
			}
		}
	}
	return nil
}

func evalMaxSymbolConcentration(rule types.RiskRule, ec *evalContext) *violation {
	maxPct, ok := rule.Param("max_percent")
	if !ok || ec.account == nil {
		return nil
	}
	notional := symbolNotional(ec.positions, ec.order.Symbol).Add(orderExposure(ec.order, ec.market))
	if notional.IsZero() {
		return nil
	}
	equity := ec.account.Equity
	if !equity.IsPositive() {
		return &violation{
			message:  "symbol concentration limit breached",
			observed: map[string]any{"equity": equity.String(), "symbol_notional": notional.String()},
		}
	}
	share := notional.Div(equity)
	if share.GreaterThan(decimal.NewFromFloat(maxPct)) {
		return &violation{
			message: "symbol concentration limit breached",
			observed: map[string]any{
				"symbol":          ec.order.Symbol,
				"symbol_notional": notional.String(),
				"equity":          equity.String(),
				"share":           share.String(),
				"max_percent":     maxPct,
			},
		}
	}
	return nil
}

func evalMaxOpenPositions(rule types.RiskRule, ec *evalContext) *violation {
	maxPos, ok := rule.Param("max")
	if !ok {
		return nil
	}
	if float64(len(ec.positions)) >= maxPos {
		return &violation{
			message: "open position limit reached",
			observed: map[string]any{
				"open": len(ec.positions),
				"max":  maxPos,
			},
		}
	}
	return nil
}

func evalMaxOrderCount(rule types.RiskRule, ec *evalContext) *violation {
	maxOrders, ok := rule.Param("max")
	if !ok {
		return nil
	}
	if float64(ec.openOrderCount) >= maxOrders {
		return &violation{
			message: "open order limit reached",
			observed: map[string]any{
				"open": ec.openOrderCount,
				"max":  maxOrders,
			},
		}
	}
	return nil
}

func evalMaxExposure(rule types.RiskRule, ec *evalContext) *violation {
	maxExposure, ok := rule.Param("max_exposure")
	if !ok {
		return nil
	}
	total := totalNotional(ec.positions).Add(orderExposure(ec.order, ec.market))
	if total.GreaterThan(decimal.NewFromFloat(maxExposure)) {
		return &violation{
			message: "aggregate exposure limit breached",
			observed: map[string]any{
				"exposure":     total.String(),
				"max_exposure": maxExposure,
			},
		}
	}
	return nil
}

func evalStopLossRequired(rule types.RiskRule, ec *evalContext) *violation {
	if ec.order.StopPrice.IsZero() {
		return &violation{message: "stop loss required"}
	}
	return nil
}

func evalTakeProfitRequired(rule types.RiskRule, ec *evalContext) *violation {
	if ec.order.LimitPrice.IsZero() {
		return &violation{message: "take profit required"}
	}
	return nil
}

func evalMaxSpread(rule types.RiskRule, ec *evalContext) *violation {
	maxSpread, ok := rule.Param("max_spread")
	if !ok || ec.market == nil {
		return nil
	}
	if ec.market.SpreadPoints.GreaterThan(decimal.NewFromFloat(maxSpread)) {
		return &violation{
			message: "spread above limit",
			observed: map[string]any{
				"spread_points": ec.market.SpreadPoints.String(),
				"max_spread":    maxSpread,
			},
		}
	}
	return nil
}

func evalMaxSlippage(rule types.RiskRule, ec *evalContext) *violation {
	maxSlippage, ok := rule.Param("max_slippage")
	if !ok || ec.market == nil {
		return nil
	}
	if ec.market.Slippage.GreaterThan(decimal.NewFromFloat(maxSlippage)) {
		return &violation{
			message: "slippage above limit",
			observed: map[string]any{
				"slippage":     ec.market.Slippage.String(),
				"max_slippage": maxSlippage,
			},
		}
	}
	return nil
}

// evalTradingHours checks the session window. Windows where start > end wrap
// midnight. Unparseable parameters disable the rule rather than reject trades.
func evalTradingHours(rule types.RiskRule, ec *evalContext) *violation {
	start, ok := stringParam(rule, "start")
	if !ok {
		return nil
	}
	end, ok := stringParam(rule, "end")
	if !ok {
		return nil
	}
	loc := time.UTC
	if tz, ok := stringParam(rule, "timezone"); ok {
		l, err := time.LoadLocation(tz)
		if err != nil {
			return nil
		}
		loc = l
	}
	startMin, ok := parseClock(start)
	if !ok {
		return nil
	}
	endMin, ok := parseClock(end)
	if !ok {
		return nil
	}

	now := ec.now.In(loc)
	cur := now.Hour()*60 + now.Minute()

	var inside bool
	if startMin <= endMin {
		inside = cur >= startMin && cur < endMin
	} else {
		inside = cur >= startMin || cur < endMin
	}
	if inside {
		return nil
	}
	return &violation{
		message: "outside trading hours",
		observed: map[string]any{
			"now":      now.Format("15:04"),
			"start":    start,
			"end":      end,
			"timezone": loc.String(),
		},
	}
}

// stringParam reads a string rule parameter.
func stringParam(r types.RiskRule, name string) (string, bool) {
	v, ok := r.Params[name]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// parseClock converts "15:04" into minutes since midnight.
func parseClock(s string) (int, bool) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, false
	}
	return t.Hour()*60 + t.Minute(), true
}

// defaultMessage resolves the rejection reason for a violated rule.
func defaultMessage(rule types.RiskRule, v *violation) string {
	if rule.Message != "" {
		return rule.Message
	}
	if v.message != "" {
		return v.message
	}
	return fmt.Sprintf("rule %s violated", rule.Type)
}
