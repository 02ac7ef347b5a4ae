// Package broker defines the connector contract the execution engine uses to
// reach a trading venue.
package broker

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mlukyanov/tradecore/internal/types"
)

// ConnectionState represents the broker session state.
type ConnectionState int

const (
	StateDisconnected ConnectionState = iota
	StateConnecting
	StateConnected
	StateError
)

func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// Connector is the stateful broker session. State-changing operations
// serialize on the connector's mutex; queries may run concurrently.
// Transport failures surface as errors; venue rejections ride inside
// ExecutionResult with OK false.
type Connector interface {
	// Session management
	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error
	Reconnect(ctx context.Context) error
	IsConnected() bool
	Health() types.ConnectorHealth

	// Order execution
	ExecuteOrder(ctx context.Context, order *types.Order) (*ExecutionResult, error)
	ModifyOrder(ctx context.Context, brokerOrderID string, changes OrderChanges) (*ExecutionResult, error)
	CancelOrder(ctx context.Context, brokerOrderID string) error
	ClosePosition(ctx context.Context, positionID string, deviation int) (*ExecutionResult, error)
	CloseAllPositions(ctx context.Context, symbol string) ([]ExecutionResult, error)

	// Queries
	GetAccountInfo(ctx context.Context) (*types.AccountInfo, error)
	GetPositions(ctx context.Context, symbol string) ([]types.Position, error)
	GetOrders(ctx context.Context, symbol string) ([]types.Order, error)
	GetTicks(ctx context.Context, symbol string, from, to time.Time, count int) ([]types.Tick, error)
	GetRates(ctx context.Context, symbol, timeframe string, from time.Time, count int) ([]types.Rate, error)

	// Market data selection
	SubscribeMarketData(ctx context.Context, symbols []string) (map[string]bool, error)
	UnsubscribeMarketData(ctx context.Context, symbols []string) (map[string]bool, error)

	// WarmIdempotency seeds the client-to-broker order id map, typically from
	// the repository at startup.
	WarmIdempotency(index map[string]string)
}

// ExecutionResult is the venue's answer to a trade request. OK reflects the
// retcode classification; Error carries the short-circuit reason when the
// request never reached the venue.
type ExecutionResult struct {
	OK             bool
	Duplicate      bool
	Retcode        int
	RetcodeMessage string
	BrokerOrderID  string
	Deal           string
	Volume         decimal.Decimal
	Price          decimal.Decimal
	Error          string
	Raw            map[string]any
}

// OrderChanges carries the fields a modify request may touch. Nil fields are
// left unchanged at the venue.
type OrderChanges struct {
	Price      *decimal.Decimal
	StopPrice  *decimal.Decimal
	LimitPrice *decimal.Decimal
	Quantity   *decimal.Decimal
}
