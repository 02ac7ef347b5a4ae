package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/mlukyanov/tradecore/internal/types"

	_ "github.com/mattn/go-sqlite3" // SQLite driver
)

// SQLiteRepository implements Repository on an embedded database. Used for
// standalone deployments and tests; the production store is Postgres.
type SQLiteRepository struct {
	db         *sql.DB
	logger     *slog.Logger
	cmdTimeout time.Duration
}

// NewSQLiteRepository opens the database and runs migrations.
func NewSQLiteRepository(path string, logger *slog.Logger) (*SQLiteRepository, error) {
	if logger == nil {
		logger = slog.Default()
	}

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	repo := &SQLiteRepository{
		db:         db,
		logger:     logger.With("component", "persistence"),
		cmdTimeout: 30 * time.Second,
	}

	if err := repo.Migrate(context.Background()); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return repo, nil
}

var _ Repository = (*SQLiteRepository)(nil)

// Migrate runs database migrations.
func (r *SQLiteRepository) Migrate(ctx context.Context) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS orders (
			id TEXT PRIMARY KEY,
			client_order_id TEXT UNIQUE NOT NULL,
			account_id TEXT NOT NULL,
			strategy_id TEXT NOT NULL DEFAULT '',
			model_id TEXT NOT NULL DEFAULT '',
			symbol TEXT NOT NULL,
			side TEXT NOT NULL,
			order_type TEXT NOT NULL,
			quantity TEXT NOT NULL,
			filled_quantity TEXT NOT NULL DEFAULT '0',
			price TEXT NOT NULL DEFAULT '0',
			stop_price TEXT NOT NULL DEFAULT '0',
			limit_price TEXT NOT NULL DEFAULT '0',
			status TEXT NOT NULL,
			reason TEXT NOT NULL DEFAULT '',
			broker_order_id TEXT NOT NULL DEFAULT '',
			commission TEXT NOT NULL DEFAULT '0',
			swap TEXT NOT NULL DEFAULT '0',
			profit TEXT NOT NULL DEFAULT '0',
			version INTEGER NOT NULL DEFAULT 1,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL,
			opened_at DATETIME,
			closed_at DATETIME
		)`,
		`CREATE INDEX IF NOT EXISTS idx_orders_account_status ON orders(account_id, status)`,
		`CREATE INDEX IF NOT EXISTS idx_orders_created_at ON orders(created_at)`,

		`CREATE TABLE IF NOT EXISTS positions (
			id TEXT PRIMARY KEY,
			account_id TEXT NOT NULL,
			symbol TEXT NOT NULL,
			side TEXT NOT NULL,
			quantity TEXT NOT NULL,
			entry_price TEXT NOT NULL,
			current_price TEXT NOT NULL DEFAULT '0',
			unrealized_pl TEXT NOT NULL DEFAULT '0',
			realized_pl TEXT NOT NULL DEFAULT '0',
			version INTEGER NOT NULL DEFAULT 1,
			opened_at DATETIME NOT NULL,
			closed_at DATETIME
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_positions_live
			ON positions(account_id, symbol) WHERE closed_at IS NULL`,

		`CREATE TABLE IF NOT EXISTS trades (
			id TEXT PRIMARY KEY,
			order_id TEXT NOT NULL,
			account_id TEXT NOT NULL,
			symbol TEXT NOT NULL,
			side TEXT NOT NULL,
			quantity TEXT NOT NULL,
			price TEXT NOT NULL,
			commission TEXT NOT NULL DEFAULT '0',
			swap TEXT NOT NULL DEFAULT '0',
			profit TEXT NOT NULL DEFAULT '0',
			broker_deal_id TEXT NOT NULL DEFAULT '',
			executed_at DATETIME NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_trades_order ON trades(order_id)`,

		`CREATE TABLE IF NOT EXISTS account_states (
			account_id TEXT NOT NULL,
			balance TEXT NOT NULL,
			equity TEXT NOT NULL,
			margin TEXT NOT NULL DEFAULT '0',
			free_margin TEXT NOT NULL DEFAULT '0',
			open_positions INTEGER NOT NULL DEFAULT 0,
			daily_pnl TEXT NOT NULL DEFAULT '0',
			recorded_at DATETIME NOT NULL,
			PRIMARY KEY (account_id, recorded_at)
		)`,

		`CREATE TABLE IF NOT EXISTS risk_incidents (
			id TEXT PRIMARY KEY,
			rule_type TEXT NOT NULL,
			severity TEXT NOT NULL DEFAULT '',
			params TEXT,
			observed TEXT,
			order_id TEXT NOT NULL DEFAULT '',
			account_id TEXT NOT NULL DEFAULT '',
			action_taken TEXT NOT NULL,
			triggered_by TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_incidents_account ON risk_incidents(account_id, created_at)`,

		`CREATE TABLE IF NOT EXISTS audit_log (
			id TEXT PRIMARY KEY,
			actor TEXT NOT NULL,
			action TEXT NOT NULL,
			entity TEXT NOT NULL,
			entity_id TEXT NOT NULL DEFAULT '',
			payload TEXT,
			created_at DATETIME NOT NULL
		)`,
	}

	for _, migration := range migrations {
		if _, err := r.db.ExecContext(ctx, migration); err != nil {
			return fmt.Errorf("execute migration: %w", err)
		}
	}
	return nil
}

const sqliteOrderColumns = `id, client_order_id, account_id, strategy_id, model_id, symbol, side, order_type,
	quantity, filled_quantity, price, stop_price, limit_price,
	status, reason, broker_order_id, commission, swap, profit,
	version, created_at, updated_at, opened_at, closed_at`

// SaveOrder inserts an order, assigning an id if absent. A duplicate
// client_order_id returns the existing row's id without side effect.
func (r *SQLiteRepository) SaveOrder(ctx context.Context, order *types.Order) (string, error) {
	if order.ID == "" {
		order.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if order.CreatedAt.IsZero() {
		order.CreatedAt = now
	}
	order.UpdatedAt = now
	if order.Version == 0 {
		order.Version = 1
	}

	var id string
	err := r.execute(ctx, "save_order", func(ctx context.Context) error {
		res, execErr := r.db.ExecContext(ctx, `
			INSERT OR IGNORE INTO orders (id, client_order_id, account_id, strategy_id, model_id,
				symbol, side, order_type, quantity, filled_quantity, price, stop_price, limit_price,
				status, reason, broker_order_id, commission, swap, profit, version, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			order.ID, order.ClientOrderID, order.AccountID, order.StrategyID, order.ModelID,
			order.Symbol, string(order.Side), string(order.Type),
			order.Quantity.String(), order.FilledQuantity.String(), order.Price.String(),
			order.StopPrice.String(), order.LimitPrice.String(),
			string(order.Status), order.Reason, order.BrokerOrderID,
			order.Commission.String(), order.Swap.String(), order.Profit.String(),
			order.Version, order.CreatedAt, order.UpdatedAt)
		if execErr != nil {
			return execErr
		}
		affected, execErr := res.RowsAffected()
		if execErr != nil {
			return execErr
		}
		if affected == 1 {
			id = order.ID
			return nil
		}
		// Duplicate client_order_id: hand back the stored id.
		return r.db.QueryRowContext(ctx,
			`SELECT id FROM orders WHERE client_order_id = ?`, order.ClientOrderID).Scan(&id)
	})
	if err != nil {
		return "", fmt.Errorf("save order: %w", err)
	}
	return id, nil
}

// GetOrder returns an order by id, or nil if absent.
func (r *SQLiteRepository) GetOrder(ctx context.Context, id string) (*types.Order, error) {
	return r.getOrderWhere(ctx, "get_order", "id = ?", id)
}

// GetOrderByClientID returns an order by its idempotency key, or nil.
func (r *SQLiteRepository) GetOrderByClientID(ctx context.Context, clientOrderID string) (*types.Order, error) {
	return r.getOrderWhere(ctx, "get_order_by_client_id", "client_order_id = ?", clientOrderID)
}

func (r *SQLiteRepository) getOrderWhere(ctx context.Context, op, where string, arg any) (*types.Order, error) {
	var order *types.Order
	err := r.execute(ctx, op, func(ctx context.Context) error {
		row := r.db.QueryRowContext(ctx,
			`SELECT `+sqliteOrderColumns+` FROM orders WHERE `+where, arg)
		o, scanErr := scanSQLiteOrder(row)
		if errors.Is(scanErr, sql.ErrNoRows) {
			order = nil
			return nil
		}
		if scanErr != nil {
			return scanErr
		}
		order = o
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return order, nil
}

// UpdateOrder writes an order's mutable fields conditional on its version,
// bumping the version on success.
func (r *SQLiteRepository) UpdateOrder(ctx context.Context, order *types.Order) error {
	newVersion := order.Version + 1
	err := r.execute(ctx, "update_order", func(ctx context.Context) error {
		res, execErr := r.db.ExecContext(ctx, `
			UPDATE orders SET
				quantity = ?, filled_quantity = ?, price = ?, stop_price = ?, limit_price = ?,
				status = ?, reason = ?, broker_order_id = ?, commission = ?, swap = ?, profit = ?,
				opened_at = ?, closed_at = ?, version = ?, updated_at = ?
			WHERE id = ? AND version = ?`,
			order.Quantity.String(), order.FilledQuantity.String(), order.Price.String(),
			order.StopPrice.String(), order.LimitPrice.String(),
			string(order.Status), order.Reason, order.BrokerOrderID,
			order.Commission.String(), order.Swap.String(), order.Profit.String(),
			nullableTime(order.OpenedAt), nullableTime(order.ClosedAt), newVersion, time.Now().UTC(),
			order.ID, order.Version)
		if execErr != nil {
			return execErr
		}
		affected, execErr := res.RowsAffected()
		if execErr != nil {
			return execErr
		}
		if affected == 0 {
			return types.ErrVersionConflict
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, types.ErrVersionConflict) {
			return err
		}
		return fmt.Errorf("update order: %w", err)
	}
	order.Version = newVersion
	return nil
}

// UpdateOrderStatus performs the optimistic-locked status transition write.
// Returns false when the order does not exist.
func (r *SQLiteRepository) UpdateOrderStatus(ctx context.Context, id string, status types.OrderStatus, update OrderUpdate) (bool, error) {
	var matched bool
	err := r.execute(ctx, "update_order_status", func(ctx context.Context) error {
		tx, txErr := r.db.BeginTx(ctx, nil)
		if txErr != nil {
			return txErr
		}
		defer func() { _ = tx.Rollback() }()

		var version int64
		scanErr := tx.QueryRowContext(ctx,
			`SELECT version FROM orders WHERE id = ?`, id).Scan(&version)
		if errors.Is(scanErr, sql.ErrNoRows) {
			matched = false
			return nil
		}
		if scanErr != nil {
			return scanErr
		}

		set := []string{"status = ?", "version = ?", "updated_at = ?"}
		args := []any{string(status), version + 1, time.Now().UTC()}
		cols, vals := orderUpdateColumns(update)
		for i, col := range cols {
			set = append(set, col+" = ?")
			args = append(args, vals[i])
		}
		args = append(args, id, version)
		query := fmt.Sprintf(`UPDATE orders SET %s WHERE id = ? AND version = ?`,
			strings.Join(set, ", "))

		res, execErr := tx.ExecContext(ctx, query, args...)
		if execErr != nil {
			return execErr
		}
		affected, execErr := res.RowsAffected()
		if execErr != nil {
			return execErr
		}
		matched = affected == 1
		return tx.Commit()
	})
	if err != nil {
		return false, fmt.Errorf("update order status: %w", err)
	}
	return matched, nil
}

// GetOpenOrders returns the account's orders in non-terminal states.
func (r *SQLiteRepository) GetOpenOrders(ctx context.Context, accountID string) ([]types.Order, error) {
	var orders []types.Order
	err := r.execute(ctx, "get_open_orders", func(ctx context.Context) error {
		rows, qErr := r.db.QueryContext(ctx,
			`SELECT `+sqliteOrderColumns+` FROM orders
			WHERE account_id = ? AND status IN ('PENDING', 'VALIDATED', 'SUBMITTED', 'PARTIAL')
			ORDER BY created_at`, accountID)
		if qErr != nil {
			return qErr
		}
		defer func() { _ = rows.Close() }()
		orders = nil
		return scanSQLiteOrders(rows, &orders)
	})
	if err != nil {
		return nil, fmt.Errorf("get open orders: %w", err)
	}
	return orders, nil
}

// ListNonTerminalOrders returns every order still in flight that was last
// updated before the cutoff. Used by the reconciler.
func (r *SQLiteRepository) ListNonTerminalOrders(ctx context.Context, olderThan time.Time) ([]types.Order, error) {
	var orders []types.Order
	err := r.execute(ctx, "list_non_terminal_orders", func(ctx context.Context) error {
		rows, qErr := r.db.QueryContext(ctx,
			`SELECT `+sqliteOrderColumns+` FROM orders
			WHERE status IN ('PENDING', 'VALIDATED', 'SUBMITTED', 'PARTIAL') AND updated_at < ?
			ORDER BY updated_at`, olderThan)
		if qErr != nil {
			return qErr
		}
		defer func() { _ = rows.Close() }()
		orders = nil
		return scanSQLiteOrders(rows, &orders)
	})
	if err != nil {
		return nil, fmt.Errorf("list non-terminal orders: %w", err)
	}
	return orders, nil
}

// LoadIdempotencyIndex returns client_order_id -> broker_order_id for every
// order that reached the broker.
func (r *SQLiteRepository) LoadIdempotencyIndex(ctx context.Context) (map[string]string, error) {
	index := make(map[string]string)
	err := r.execute(ctx, "load_idempotency_index", func(ctx context.Context) error {
		rows, qErr := r.db.QueryContext(ctx,
			`SELECT client_order_id, broker_order_id FROM orders WHERE broker_order_id <> ''`)
		if qErr != nil {
			return qErr
		}
		defer func() { _ = rows.Close() }()
		for rows.Next() {
			var clientID, brokerID string
			if scanErr := rows.Scan(&clientID, &brokerID); scanErr != nil {
				return scanErr
			}
			index[clientID] = brokerID
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("load idempotency index: %w", err)
	}
	return index, nil
}

// SaveTrade saves a fill record.
func (r *SQLiteRepository) SaveTrade(ctx context.Context, trade *types.Trade) error {
	if trade.ID == "" {
		trade.ID = uuid.NewString()
	}
	err := r.execute(ctx, "save_trade", func(ctx context.Context) error {
		_, execErr := r.db.ExecContext(ctx, `
			INSERT INTO trades (id, order_id, account_id, symbol, side, quantity, price,
				commission, swap, profit, broker_deal_id, executed_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			trade.ID, trade.OrderID, trade.AccountID, trade.Symbol, string(trade.Side),
			trade.Quantity.String(), trade.Price.String(),
			trade.Commission.String(), trade.Swap.String(), trade.Profit.String(),
			trade.BrokerDealID, trade.ExecutedAt)
		return execErr
	})
	if err != nil {
		return fmt.Errorf("save trade: %w", err)
	}
	return nil
}

// GetPosition returns the live position for (account, symbol), or nil.
func (r *SQLiteRepository) GetPosition(ctx context.Context, accountID, symbol string) (*types.Position, error) {
	var pos *types.Position
	err := r.execute(ctx, "get_position", func(ctx context.Context) error {
		row := r.db.QueryRowContext(ctx, `
			SELECT id, account_id, symbol, side, quantity, entry_price, current_price,
				unrealized_pl, realized_pl, version, opened_at, closed_at
			FROM positions
			WHERE account_id = ? AND symbol = ? AND closed_at IS NULL`, accountID, symbol)
		p, scanErr := scanSQLitePosition(row)
		if errors.Is(scanErr, sql.ErrNoRows) {
			pos = nil
			return nil
		}
		if scanErr != nil {
			return scanErr
		}
		pos = p
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("get position: %w", err)
	}
	return pos, nil
}

// UpdatePosition upserts a position, bumping its version on update.
func (r *SQLiteRepository) UpdatePosition(ctx context.Context, position *types.Position) error {
	if position.ID == "" {
		position.ID = uuid.NewString()
	}
	if position.OpenedAt.IsZero() {
		position.OpenedAt = time.Now().UTC()
	}
	if position.Version == 0 {
		position.Version = 1
	}
	err := r.execute(ctx, "update_position", func(ctx context.Context) error {
		_, execErr := r.db.ExecContext(ctx, `
			INSERT INTO positions (id, account_id, symbol, side, quantity, entry_price, current_price,
				unrealized_pl, realized_pl, version, opened_at, closed_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (id) DO UPDATE SET
				quantity = excluded.quantity,
				current_price = excluded.current_price,
				unrealized_pl = excluded.unrealized_pl,
				realized_pl = excluded.realized_pl,
				closed_at = excluded.closed_at,
				version = positions.version + 1`,
			position.ID, position.AccountID, position.Symbol, string(position.Side),
			position.Quantity.String(), position.EntryPrice.String(), position.CurrentPrice.String(),
			position.UnrealizedPL.String(), position.RealizedPL.String(),
			position.Version, position.OpenedAt, nullableTime(position.ClosedAt))
		return execErr
	})
	if err != nil {
		return fmt.Errorf("update position: %w", err)
	}
	return nil
}

// ClosePosition stamps closed_at and the final price on a position.
func (r *SQLiteRepository) ClosePosition(ctx context.Context, positionID string, closePrice decimal.Decimal, closedAt time.Time) error {
	err := r.execute(ctx, "close_position", func(ctx context.Context) error {
		res, execErr := r.db.ExecContext(ctx, `
			UPDATE positions SET closed_at = ?, current_price = ?, version = version + 1
			WHERE id = ? AND closed_at IS NULL`,
			closedAt, closePrice.String(), positionID)
		if execErr != nil {
			return execErr
		}
		affected, execErr := res.RowsAffected()
		if execErr != nil {
			return execErr
		}
		if affected == 0 {
			return types.ErrPositionNotFound
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, types.ErrPositionNotFound) {
			return err
		}
		return fmt.Errorf("close position: %w", err)
	}
	return nil
}

// GetOpenPositions returns all live positions for an account.
func (r *SQLiteRepository) GetOpenPositions(ctx context.Context, accountID string) ([]types.Position, error) {
	var positions []types.Position
	err := r.execute(ctx, "get_open_positions", func(ctx context.Context) error {
		rows, qErr := r.db.QueryContext(ctx, `
			SELECT id, account_id, symbol, side, quantity, entry_price, current_price,
				unrealized_pl, realized_pl, version, opened_at, closed_at
			FROM positions WHERE account_id = ? AND closed_at IS NULL
			ORDER BY opened_at`, accountID)
		if qErr != nil {
			return qErr
		}
		defer func() { _ = rows.Close() }()
		positions = nil
		for rows.Next() {
			p, scanErr := scanSQLitePosition(rows)
			if scanErr != nil {
				return scanErr
			}
			positions = append(positions, *p)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("get open positions: %w", err)
	}
	return positions, nil
}

// GetAccountState returns the most recent account snapshot, or nil.
func (r *SQLiteRepository) GetAccountState(ctx context.Context, accountID string) (*AccountState, error) {
	var state *AccountState
	err := r.execute(ctx, "get_account_state", func(ctx context.Context) error {
		var s AccountState
		var balance, equity, margin, freeMargin, dailyPnL string
		scanErr := r.db.QueryRowContext(ctx, `
			SELECT account_id, balance, equity, margin, free_margin, open_positions, daily_pnl, recorded_at
			FROM account_states WHERE account_id = ?
			ORDER BY recorded_at DESC LIMIT 1`, accountID).
			Scan(&s.AccountID, &balance, &equity, &margin, &freeMargin,
				&s.OpenPositions, &dailyPnL, &s.RecordedAt)
		if errors.Is(scanErr, sql.ErrNoRows) {
			state = nil
			return nil
		}
		if scanErr != nil {
			return scanErr
		}
		s.Balance, _ = decimal.NewFromString(balance)
		s.Equity, _ = decimal.NewFromString(equity)
		s.Margin, _ = decimal.NewFromString(margin)
		s.FreeMargin, _ = decimal.NewFromString(freeMargin)
		s.DailyPnL, _ = decimal.NewFromString(dailyPnL)
		state = &s
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("get account state: %w", err)
	}
	return state, nil
}

// SaveAccountState appends an account snapshot.
func (r *SQLiteRepository) SaveAccountState(ctx context.Context, state AccountState) error {
	if state.RecordedAt.IsZero() {
		state.RecordedAt = time.Now().UTC()
	}
	err := r.execute(ctx, "save_account_state", func(ctx context.Context) error {
		_, execErr := r.db.ExecContext(ctx, `
			INSERT OR IGNORE INTO account_states (account_id, balance, equity, margin, free_margin,
				open_positions, daily_pnl, recorded_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			state.AccountID, state.Balance.String(), state.Equity.String(),
			state.Margin.String(), state.FreeMargin.String(),
			state.OpenPositions, state.DailyPnL.String(), state.RecordedAt)
		return execErr
	})
	if err != nil {
		return fmt.Errorf("save account state: %w", err)
	}
	return nil
}

// SaveRiskIncident writes an immutable incident record.
func (r *SQLiteRepository) SaveRiskIncident(ctx context.Context, incident *types.RiskIncident) error {
	if incident.ID == "" {
		incident.ID = uuid.NewString()
	}
	if incident.CreatedAt.IsZero() {
		incident.CreatedAt = time.Now().UTC()
	}
	params, err := json.Marshal(incident.Params)
	if err != nil {
		return fmt.Errorf("marshal incident params: %w", err)
	}
	observed, err := json.Marshal(incident.Observed)
	if err != nil {
		return fmt.Errorf("marshal incident observed: %w", err)
	}
	err = r.execute(ctx, "save_risk_incident", func(ctx context.Context) error {
		_, execErr := r.db.ExecContext(ctx, `
			INSERT INTO risk_incidents (id, rule_type, severity, params, observed,
				order_id, account_id, action_taken, triggered_by, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			incident.ID, string(incident.RuleType), string(incident.Severity),
			string(params), string(observed),
			incident.OrderID, incident.AccountID, incident.ActionTaken,
			incident.TriggeredBy, incident.CreatedAt)
		return execErr
	})
	if err != nil {
		return fmt.Errorf("save risk incident: %w", err)
	}
	return nil
}

// GetRiskIncidents returns the newest incidents for an account.
func (r *SQLiteRepository) GetRiskIncidents(ctx context.Context, accountID string, limit int) ([]types.RiskIncident, error) {
	var incidents []types.RiskIncident
	err := r.execute(ctx, "get_risk_incidents", func(ctx context.Context) error {
		rows, qErr := r.db.QueryContext(ctx, `
			SELECT id, rule_type, severity, params, observed,
				order_id, account_id, action_taken, triggered_by, created_at
			FROM risk_incidents WHERE account_id = ?
			ORDER BY created_at DESC LIMIT ?`, accountID, limit)
		if qErr != nil {
			return qErr
		}
		defer func() { _ = rows.Close() }()
		incidents = nil
		for rows.Next() {
			var inc types.RiskIncident
			var ruleType, severity, params, observed string
			if scanErr := rows.Scan(&inc.ID, &ruleType, &severity, &params, &observed,
				&inc.OrderID, &inc.AccountID, &inc.ActionTaken, &inc.TriggeredBy, &inc.CreatedAt); scanErr != nil {
				return scanErr
			}
			inc.RuleType = types.RuleType(ruleType)
			inc.Severity = types.RuleSeverity(severity)
			_ = json.Unmarshal([]byte(params), &inc.Params)
			_ = json.Unmarshal([]byte(observed), &inc.Observed)
			incidents = append(incidents, inc)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("get risk incidents: %w", err)
	}
	return incidents, nil
}

// SaveAuditLog appends an audit record.
func (r *SQLiteRepository) SaveAuditLog(ctx context.Context, entry *types.AuditEntry) error {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	payload, err := json.Marshal(entry.Payload)
	if err != nil {
		return fmt.Errorf("marshal audit payload: %w", err)
	}
	err = r.execute(ctx, "save_audit_log", func(ctx context.Context) error {
		_, execErr := r.db.ExecContext(ctx, `
			INSERT INTO audit_log (id, actor, action, entity, entity_id, payload, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			entry.ID, entry.Actor, entry.Action, entry.Entity, entry.EntityID,
			string(payload), entry.CreatedAt)
		return execErr
	})
	if err != nil {
		return fmt.Errorf("save audit log: %w", err)
	}
	return nil
}

// Close closes the database connection.
func (r *SQLiteRepository) Close() error {
	return r.db.Close()
}

func (r *SQLiteRepository) execute(ctx context.Context, op string, fn func(context.Context) error) error {
	return withRetry(ctx, r.logger, op, func(ctx context.Context) error {
		opCtx, cancel := context.WithTimeout(ctx, r.cmdTimeout)
		defer cancel()
		return fn(opCtx)
	})
}

func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

type sqliteScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteOrder(sc sqliteScanner) (*types.Order, error) {
	var o types.Order
	var quantity, filled, price, stopPrice, limitPrice, commission, swap, profit string
	var side, orderType, status string
	var openedAt, closedAt sql.NullTime

	err := sc.Scan(&o.ID, &o.ClientOrderID, &o.AccountID, &o.StrategyID, &o.ModelID,
		&o.Symbol, &side, &orderType,
		&quantity, &filled, &price, &stopPrice, &limitPrice,
		&status, &o.Reason, &o.BrokerOrderID, &commission, &swap, &profit,
		&o.Version, &o.CreatedAt, &o.UpdatedAt, &openedAt, &closedAt)
	if err != nil {
		return nil, err
	}

	o.Side = types.Side(side)
	o.Type = types.OrderType(orderType)
	o.Status = types.OrderStatus(status)
	o.Quantity, _ = decimal.NewFromString(quantity)
	o.FilledQuantity, _ = decimal.NewFromString(filled)
	o.Price, _ = decimal.NewFromString(price)
	o.StopPrice, _ = decimal.NewFromString(stopPrice)
	o.LimitPrice, _ = decimal.NewFromString(limitPrice)
	o.Commission, _ = decimal.NewFromString(commission)
	o.Swap, _ = decimal.NewFromString(swap)
	o.Profit, _ = decimal.NewFromString(profit)
	if openedAt.Valid {
		o.OpenedAt = &openedAt.Time
	}
	if closedAt.Valid {
		o.ClosedAt = &closedAt.Time
	}
	return &o, nil
}

func scanSQLiteOrders(rows *sql.Rows, out *[]types.Order) error {
	for rows.Next() {
		o, err := scanSQLiteOrder(rows)
		if err != nil {
			return err
		}
		*out = append(*out, *o)
	}
	return rows.Err()
}

func scanSQLitePosition(sc sqliteScanner) (*types.Position, error) {
	var p types.Position
	var quantity, entryPrice, currentPrice, unrealized, realized string
	var side string
	var closedAt sql.NullTime

	err := sc.Scan(&p.ID, &p.AccountID, &p.Symbol, &side,
		&quantity, &entryPrice, &currentPrice, &unrealized, &realized,
		&p.Version, &p.OpenedAt, &closedAt)
	if err != nil {
		return nil, err
	}

	p.Side = types.Side(side)
	p.Quantity, _ = decimal.NewFromString(quantity)
	p.EntryPrice, _ = decimal.NewFromString(entryPrice)
	p.CurrentPrice, _ = decimal.NewFromString(currentPrice)
	p.UnrealizedPL, _ = decimal.NewFromString(unrealized)
	p.RealizedPL, _ = decimal.NewFromString(realized)
	if closedAt.Valid {
		p.ClosedAt = &closedAt.Time
	}
	return &p, nil
}
