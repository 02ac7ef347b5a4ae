// Package types defines shared types used across the trading platform.
package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// Side represents the direction of an order or position.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// Opposite returns the opposite side.
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// Valid reports whether the side is one of the known values.
func (s Side) Valid() bool {
	return s == SideBuy || s == SideSell
}

// OrderType represents how an order is priced.
type OrderType string

const (
	OrderTypeMarket    OrderType = "MARKET"
	OrderTypeLimit     OrderType = "LIMIT"
	OrderTypeStop      OrderType = "STOP"
	OrderTypeStopLimit OrderType = "STOP_LIMIT"
)

// Valid reports whether the order type is one of the known values.
func (t OrderType) Valid() bool {
	switch t {
	case OrderTypeMarket, OrderTypeLimit, OrderTypeStop, OrderTypeStopLimit:
		return true
	default:
		return false
	}
}

// OrderStatus represents the state of an order in its lifecycle.
type OrderStatus string

const (
	OrderStatusPending   OrderStatus = "PENDING"
	OrderStatusValidated OrderStatus = "VALIDATED"
	OrderStatusSubmitted OrderStatus = "SUBMITTED"
	OrderStatusPartial   OrderStatus = "PARTIAL"
	OrderStatusFilled    OrderStatus = "FILLED"
	OrderStatusRejected  OrderStatus = "REJECTED"
	OrderStatusCanceled  OrderStatus = "CANCELED"
	OrderStatusExpired   OrderStatus = "EXPIRED"
)

// IsFinal returns true if the order is in a terminal state.
func (s OrderStatus) IsFinal() bool {
	switch s {
	case OrderStatusFilled, OrderStatusRejected, OrderStatusCanceled, OrderStatusExpired:
		return true
	default:
		return false
	}
}

// Order is the unit of work of the execution pipeline. ClientOrderID is the
// caller-chosen idempotency key, unique across all accounts. Version is the
// optimistic-concurrency counter bumped on every persisted mutation.
type Order struct {
	ID             string          `json:"id"`
	ClientOrderID  string          `json:"client_order_id"`
	AccountID      string          `json:"account_id"`
	StrategyID     string          `json:"strategy_id,omitempty"`
	ModelID        string          `json:"model_id,omitempty"`
	Symbol         string          `json:"symbol"`
	Side           Side            `json:"side"`
	Type           OrderType       `json:"order_type"`
	Quantity       decimal.Decimal `json:"quantity"`
	FilledQuantity decimal.Decimal `json:"filled_quantity"`
	Price          decimal.Decimal `json:"price,omitempty"`       // zero for MARKET
	StopPrice      decimal.Decimal `json:"stop_price,omitempty"`  // stop loss, zero if absent
	LimitPrice     decimal.Decimal `json:"limit_price,omitempty"` // take profit, zero if absent
	Status         OrderStatus     `json:"status"`
	Reason         string          `json:"reason,omitempty"`
	BrokerOrderID  string          `json:"broker_order_id,omitempty"`
	Commission     decimal.Decimal `json:"commission"`
	Swap           decimal.Decimal `json:"swap"`
	Profit         decimal.Decimal `json:"profit"`
	Version        int64           `json:"version"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
	OpenedAt       *time.Time      `json:"opened_at,omitempty"`
	ClosedAt       *time.Time      `json:"closed_at,omitempty"`
}

// Position is open inventory per (account, symbol). ClosedAt is nil iff the
// position is live.
type Position struct {
	ID           string          `json:"id"`
	AccountID    string          `json:"account_id"`
	Symbol       string          `json:"symbol"`
	Side         Side            `json:"side"`
	Quantity     decimal.Decimal `json:"quantity"`
	EntryPrice   decimal.Decimal `json:"entry_price"`
	CurrentPrice decimal.Decimal `json:"current_price"`
	UnrealizedPL decimal.Decimal `json:"unrealized_pl"`
	RealizedPL   decimal.Decimal `json:"realized_pl"`
	Version      int64           `json:"version"`
	OpenedAt     time.Time       `json:"opened_at"`
	ClosedAt     *time.Time      `json:"closed_at,omitempty"`
}

// Trade is an immutable fill record tied to an order.
type Trade struct {
	ID           string          `json:"id"`
	OrderID      string          `json:"order_id"`
	AccountID    string          `json:"account_id"`
	Symbol       string          `json:"symbol"`
	Side         Side            `json:"side"`
	Quantity     decimal.Decimal `json:"quantity"`
	Price        decimal.Decimal `json:"price"`
	Commission   decimal.Decimal `json:"commission"`
	Swap         decimal.Decimal `json:"swap"`
	Profit       decimal.Decimal `json:"profit"`
	BrokerDealID string          `json:"broker_deal_id,omitempty"`
	ExecutedAt   time.Time       `json:"executed_at"`
}

// AccountInfo is the broker-reported account snapshot.
type AccountInfo struct {
	AccountID   string          `json:"account_id"`
	Currency    string          `json:"currency"`
	Balance     decimal.Decimal `json:"balance"`
	Equity      decimal.Decimal `json:"equity"`
	Margin      decimal.Decimal `json:"margin"`
	FreeMargin  decimal.Decimal `json:"free_margin"`
	MarginLevel decimal.Decimal `json:"margin_level"`
	Profit      decimal.Decimal `json:"profit"`
	Leverage    int             `json:"leverage"`
}

// Trade modes a venue can report for a symbol.
const (
	TradeModeDisabled  = 0
	TradeModeLongOnly  = 1
	TradeModeShortOnly = 2
	TradeModeCloseOnly = 3
	TradeModeFull      = 4
)

// SymbolSpec defines the venue trading constraints for a symbol.
type SymbolSpec struct {
	Name         string          `json:"name"`
	TradeMode    int             `json:"trade_mode"`
	Digits       int             `json:"digits"`
	Point        decimal.Decimal `json:"point"`
	TickSize     decimal.Decimal `json:"tick_size"`
	VolumeMin    decimal.Decimal `json:"volume_min"`
	VolumeMax    decimal.Decimal `json:"volume_max"`
	VolumeStep   decimal.Decimal `json:"volume_step"`
	StopsLevel   int             `json:"stops_level"`
	ContractSize decimal.Decimal `json:"contract_size"`
	Bid          decimal.Decimal `json:"bid"`
	Ask          decimal.Decimal `json:"ask"`
}

// Tick is a single top-of-book observation.
type Tick struct {
	Symbol string          `json:"symbol"`
	Time   time.Time       `json:"time"`
	Bid    decimal.Decimal `json:"bid"`
	Ask    decimal.Decimal `json:"ask"`
	Last   decimal.Decimal `json:"last"`
	Volume int64           `json:"volume"`
}

// Rate is an OHLC bar for a symbol and timeframe.
type Rate struct {
	Symbol     string          `json:"symbol"`
	Time       time.Time       `json:"time"`
	Open       decimal.Decimal `json:"open"`
	High       decimal.Decimal `json:"high"`
	Low        decimal.Decimal `json:"low"`
	Close      decimal.Decimal `json:"close"`
	TickVolume int64           `json:"tick_volume"`
	Spread     int             `json:"spread"`
}

// MarketSnapshot carries the market observations some risk rules evaluate
// (spread, slippage estimate). Optional in pre-trade checks.
type MarketSnapshot struct {
	Symbol       string          `json:"symbol"`
	Bid          decimal.Decimal `json:"bid"`
	Ask          decimal.Decimal `json:"ask"`
	SpreadPoints decimal.Decimal `json:"spread_points"`
	Slippage     decimal.Decimal `json:"slippage"`
	At           time.Time       `json:"at"`
}

// RuleSeverity splits risk rules into rejecting and advisory ones.
type RuleSeverity string

const (
	SeverityHard RuleSeverity = "hard"
	SeveritySoft RuleSeverity = "soft"
)

// RuleType tags a risk rule with the evaluator that interprets its parameters.
type RuleType string

const (
	RuleMaxPositionSize        RuleType = "MAX_POSITION_SIZE"
	RuleMaxDrawdown            RuleType = "MAX_DRAWDOWN"
	RuleMaxDailyLoss           RuleType = "MAX_DAILY_LOSS"
	RuleMaxLeverage            RuleType = "MAX_LEVERAGE"
	RuleMinTimeBetweenTrades   RuleType = "MIN_TIME_BETWEEN_TRADES"
	RuleCorrelationLimit       RuleType = "CORRELATION_LIMIT"
	RuleMaxSymbolConcentration RuleType = "MAX_SYMBOL_CONCENTRATION"
	RuleMaxOpenPositions       RuleType = "MAX_OPEN_POSITIONS"
	RuleMaxOrderCount          RuleType = "MAX_ORDER_COUNT"
	RuleMaxExposure            RuleType = "MAX_EXPOSURE"
	RuleStopLossRequired       RuleType = "STOP_LOSS_REQUIRED"
	RuleTakeProfitRequired     RuleType = "TAKE_PROFIT_REQUIRED"
	RuleMaxSpread              RuleType = "MAX_SPREAD"
	RuleMaxSlippage            RuleType = "MAX_SLIPPAGE"
	RuleTradingHoursOnly       RuleType = "TRADING_HOURS_ONLY"

	// RuleKillSwitch tags operator kill switch incidents. It has no
	// evaluator; it never appears in a configured rule set.
	RuleKillSwitch RuleType = "KILL_SWITCH"
)

// RiskRule is a configured gate evaluated on every pre-trade check.
type RiskRule struct {
	ID       string         `json:"id"`
	Type     RuleType       `json:"type"`
	Params   map[string]any `json:"params"`
	Severity RuleSeverity   `json:"severity"`
	Enabled  bool           `json:"enabled"`
	Message  string         `json:"message,omitempty"`
}

// Param returns a numeric rule parameter. Supports the types ordinary YAML
// and JSON decoding produce.
func (r RiskRule) Param(name string) (float64, bool) {
	v, ok := r.Params[name]
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}

// Incident action values persisted with risk incidents.
const (
	ActionReject            = "reject"
	ActionWarning           = "warning"
	ActionKillSwitch        = "kill_switch"
	ActionPositionReduced   = "position_reduced"
	ActionKillSwitchRelease = "kill_switch_release"
)

// RiskIncident is the immutable record of a rule violation or risk action.
type RiskIncident struct {
	ID          string         `json:"id"`
	RuleType    RuleType       `json:"rule_type"`
	Severity    RuleSeverity   `json:"severity"`
	Params      map[string]any `json:"params,omitempty"`
	Observed    map[string]any `json:"observed,omitempty"`
	OrderID     string         `json:"order_id,omitempty"`
	AccountID   string         `json:"account_id,omitempty"`
	ActionTaken string         `json:"action_taken"`
	TriggeredBy string         `json:"triggered_by,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
}

// Approval is the outcome of a pre-trade check. RuleViolated is set only on
// hard rejections; Warnings accumulate soft violations.
type Approval struct {
	Approved     bool     `json:"approved"`
	Reason       string   `json:"reason,omitempty"`
	RuleViolated RuleType `json:"rule_violated,omitempty"`
	Warnings     []string `json:"warnings,omitempty"`
}

// AuditEntry records a privileged action for the audit trail.
type AuditEntry struct {
	ID        string         `json:"id"`
	Actor     string         `json:"actor"`
	Action    string         `json:"action"`
	Entity    string         `json:"entity"`
	EntityID  string         `json:"entity_id,omitempty"`
	Payload   map[string]any `json:"payload,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// ConnectorHealth reports the broker session state.
type ConnectorHealth struct {
	Uptime         time.Duration `json:"uptime"`
	LastHeartbeat  time.Time     `json:"last_heartbeat"`
	ReconnectCount int           `json:"reconnect_count"`
	Connected      bool          `json:"connected"`
}
