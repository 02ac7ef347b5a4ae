// Package persistence provides durable storage for orders, trades, positions
// and risk incidents.
package persistence

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mlukyanov/tradecore/internal/types"
)

// Repository defines the interface for the order store. Implementations must
// provide idempotent order inserts keyed by client_order_id and
// version-checked status updates.
type Repository interface {
	// Order operations
	SaveOrder(ctx context.Context, order *types.Order) (string, error)
	GetOrder(ctx context.Context, id string) (*types.Order, error)
	GetOrderByClientID(ctx context.Context, clientOrderID string) (*types.Order, error)
	UpdateOrder(ctx context.Context, order *types.Order) error
	UpdateOrderStatus(ctx context.Context, id string, status types.OrderStatus, update OrderUpdate) (bool, error)
	GetOpenOrders(ctx context.Context, accountID string) ([]types.Order, error)
	ListNonTerminalOrders(ctx context.Context, olderThan time.Time) ([]types.Order, error)
	LoadIdempotencyIndex(ctx context.Context) (map[string]string, error)

	// Trade operations
	SaveTrade(ctx context.Context, trade *types.Trade) error

	// Position operations
	GetPosition(ctx context.Context, accountID, symbol string) (*types.Position, error)
	UpdatePosition(ctx context.Context, position *types.Position) error
	ClosePosition(ctx context.Context, positionID string, closePrice decimal.Decimal, closedAt time.Time) error
	GetOpenPositions(ctx context.Context, accountID string) ([]types.Position, error)

	// Account operations
	GetAccountState(ctx context.Context, accountID string) (*AccountState, error)
	SaveAccountState(ctx context.Context, state AccountState) error

	// Risk and audit operations
	SaveRiskIncident(ctx context.Context, incident *types.RiskIncident) error
	GetRiskIncidents(ctx context.Context, accountID string, limit int) ([]types.RiskIncident, error)
	SaveAuditLog(ctx context.Context, entry *types.AuditEntry) error

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}

// OrderUpdate carries the mutable fields written alongside a status change.
// Nil fields are left untouched.
type OrderUpdate struct {
	Reason         *string
	FilledQuantity *decimal.Decimal
	BrokerOrderID  *string
	Commission     *decimal.Decimal
	Swap           *decimal.Decimal
	Profit         *decimal.Decimal
	OpenedAt       *time.Time
	ClosedAt       *time.Time
}

// AccountState is the last recorded snapshot of an account.
type AccountState struct {
	AccountID     string
	Balance       decimal.Decimal
	Equity        decimal.Decimal
	Margin        decimal.Decimal
	FreeMargin    decimal.Decimal
	OpenPositions int
	DailyPnL      decimal.Decimal
	RecordedAt    time.Time
}

// Helper constructors for OrderUpdate fields.

// String returns a pointer to s.
func String(s string) *string { return &s }

// Decimal returns a pointer to d.
func Decimal(d decimal.Decimal) *decimal.Decimal { return &d }

// Time returns a pointer to t.
func Time(t time.Time) *time.Time { return &t }

// orderUpdateColumns expands the non-nil fields of an OrderUpdate into
// parallel column-name and value slices. Decimal values are passed as
// strings so both drivers store them losslessly.
func orderUpdateColumns(u OrderUpdate) ([]string, []any) {
	var cols []string
	var args []any
	if u.Reason != nil {
		cols, args = append(cols, "reason"), append(args, *u.Reason)
	}
	if u.FilledQuantity != nil {
		cols, args = append(cols, "filled_quantity"), append(args, u.FilledQuantity.String())
	}
	if u.BrokerOrderID != nil {
		cols, args = append(cols, "broker_order_id"), append(args, *u.BrokerOrderID)
	}
	if u.Commission != nil {
		cols, args = append(cols, "commission"), append(args, u.Commission.String())
	}
	if u.Swap != nil {
		cols, args = append(cols, "swap"), append(args, u.Swap.String())
	}
	if u.Profit != nil {
		cols, args = append(cols, "profit"), append(args, u.Profit.String())
	}
	if u.OpenedAt != nil {
		cols, args = append(cols, "opened_at"), append(args, *u.OpenedAt)
	}
	if u.ClosedAt != nil {
		cols, args = append(cols, "closed_at"), append(args, *u.ClosedAt)
	}
	return cols, args
}
