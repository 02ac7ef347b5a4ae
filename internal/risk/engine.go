// Package risk evaluates configured rule sets against candidate orders and
// account state, and owns the platform kill switch.
package risk

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/mlukyanov/tradecore/internal/alerting"
	"github.com/mlukyanov/tradecore/internal/broker"
	"github.com/mlukyanov/tradecore/internal/metrics"
	"github.com/mlukyanov/tradecore/internal/persistence"
	"github.com/mlukyanov/tradecore/internal/types"
	"github.com/mlukyanov/tradecore/pkg/stat"
)

// IncidentStore persists rule violations, audit entries and the account
// snapshots the position monitor records.
type IncidentStore interface {
	SaveRiskIncident(ctx context.Context, incident *types.RiskIncident) error
	SaveAuditLog(ctx context.Context, entry *types.AuditEntry) error
	SaveAccountState(ctx context.Context, state persistence.AccountState) error
}

// Flagger mirrors the kill switch onto the shared bus so peer instances
// observe it.
type Flagger interface {
	SetKillSwitch(ctx context.Context, reason string) error
	ClearKillSwitch(ctx context.Context) error
	KillSwitchActive(ctx context.Context) (bool, string, error)
}

// Broadcaster publishes risk events to the fan-out layer.
type Broadcaster interface {
	Publish(ctx context.Context, channel string, payload map[string]any) error
}

// OrderSource exposes the open-order view count-based rules need.
type OrderSource interface {
	GetOpenOrders(ctx context.Context, accountID string) ([]types.Order, error)
}

// OrderCanceler sweeps open orders during a kill switch. Bound after
// construction because the execution engine also depends on the risk engine.
type OrderCanceler interface {
	CancelAllOrders(ctx context.Context) (int, error)
}

// Config holds the risk engine configuration.
type Config struct {
	AccountID         string
	MonitorInterval   time.Duration
	KillSwitchRetries int
	CorrelationWindow int
}

// DefaultConfig returns a conservative default configuration.
func DefaultConfig() Config {
	return Config{
		MonitorInterval:   2 * time.Second,
		KillSwitchRetries: 3,
		CorrelationWindow: 50,
	}
}

// Engine is the pre-trade gate and kill switch owner. All state-changing
// operations serialize on one mutex. Thread-safe for concurrent access.
type Engine struct {
	mu sync.RWMutex

	cfg       Config
	rules     []types.RiskRule
	store     IncidentStore
	connector broker.Connector
	alerter   alerting.Alerter
	recorder  *metrics.Recorder
	logger    *slog.Logger

	// Optional collaborators, wired after construction.
	flags    Flagger
	events   Broadcaster
	orders   OrderSource
	canceler OrderCanceler

	killSwitch       bool
	killSwitchReason string
	killSwitchAt     time.Time
	scheduling       bool

	lastTradeAt time.Time

	equity  *EquityTracker
	windows map[string]*stat.Window

	dailyDate       string
	dayStartBalance decimal.Decimal
	dailyPnL        decimal.Decimal

	done chan struct{}
	wg   sync.WaitGroup
}

// NewEngine creates a new risk engine. Rules are evaluated in a stable order
// regardless of how the configuration lists them.
func NewEngine(
	cfg Config,
	rules []types.RiskRule,
	store IncidentStore,
	connector broker.Connector,
	alerter alerting.Alerter,
	logger *slog.Logger,
) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MonitorInterval <= 0 {
		cfg.MonitorInterval = 2 * time.Second
	}
	if cfg.KillSwitchRetries <= 0 {
		cfg.KillSwitchRetries = 3
	}
	if cfg.CorrelationWindow < 2 {
		cfg.CorrelationWindow = 50
	}

	sorted := make([]types.RiskRule, len(rules))
	copy(sorted, rules)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Type < sorted[j].Type })

	return &Engine{
		cfg:        cfg,
		rules:      sorted,
		store:      store,
		connector:  connector,
		alerter:    alerter,
		recorder:   metrics.NewRecorder(),
		logger:     logger.With("component", "risk"),
		scheduling: true,
		equity:     NewEquityTracker(decimal.Zero),
		windows:    make(map[string]*stat.Window),
		done:       make(chan struct{}),
	}
}

// SetFlagger wires the shared-bus kill switch flag.
func (e *Engine) SetFlagger(f Flagger) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.flags = f
}

// SetBroadcaster wires the risk event broadcaster.
func (e *Engine) SetBroadcaster(b Broadcaster) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = b
}

// SetOrderSource wires the open-order view used by count-based rules.
func (e *Engine) SetOrderSource(s OrderSource) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.orders = s
}

// BindOrderCanceler wires the execution engine's cancel sweep.
func (e *Engine) BindOrderCanceler(c OrderCanceler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.canceler = c
}

// Rules returns the configured rule set in evaluation order.
func (e *Engine) Rules() []types.RiskRule {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]types.RiskRule, len(e.rules))
	copy(out, e.rules)
	return out
}

// PreTradeCheck evaluates every enabled rule against the candidate order.
// Hard violations reject immediately; soft violations accumulate as warnings.
// The error return is reserved for context cancellation.
func (e *Engine) PreTradeCheck(
	ctx context.Context,
	order *types.Order,
	account *types.AccountInfo,
	positions []types.Position,
	market *types.MarketSnapshot,
) (*types.Approval, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	if active, reason := e.killSwitchStateLocked(ctx); active {
		e.logger.Warn("order rejected: kill switch active",
			"order_id", order.ID,
			"symbol", order.Symbol,
			"kill_reason", reason,
		)
		return &types.Approval{Approved: false, Reason: "Kill switch active"}, nil
	}

	ec := &evalContext{
		order:       order,
		account:     account,
		positions:   positions,
		market:      market,
		now:         time.Now().UTC(),
		lastTradeAt: e.lastTradeAt,
	}

	if e.orders != nil && e.hasEnabledRuleLocked(types.RuleMaxOrderCount) {
		open, err := e.orders.GetOpenOrders(ctx, order.AccountID)
		if err != nil {
			e.logger.Warn("failed to count open orders", "err", err)
		} else {
			ec.openOrderCount = len(open)
		}
	}
	if e.hasEnabledRuleLocked(types.RuleCorrelationLimit) {
		ec.returns = e.returnSeriesLocked()
	}

	var warnings []string
	for _, rule := range e.rules {
		if !rule.Enabled {
			continue
		}
		eval, ok := evaluators[rule.Type]
		if !ok {
			e.logger.Warn("no evaluator registered for rule", "rule", rule.Type)
			continue
		}
		v := eval(rule, ec)
		if v == nil {
			continue
		}
		reason := defaultMessage(rule, v)
		if rule.Severity == types.SeverityHard {
			e.recordIncident(ctx, newIncident(rule, v, order, types.ActionReject))
			e.logger.Warn("order rejected: rule violated",
				"order_id", order.ID,
				"symbol", order.Symbol,
				"rule", rule.Type,
				"reason", reason,
			)
			return &types.Approval{
				Approved:     false,
				Reason:       reason,
				RuleViolated: rule.Type,
				Warnings:     warnings,
			}, nil
		}
		e.recordIncident(ctx, newIncident(rule, v, order, types.ActionWarning))
		warnings = append(warnings, reason)
	}

	e.lastTradeAt = ec.now
	return &types.Approval{Approved: true, Warnings: warnings}, nil
}

// KillSwitch halts trading: raises the local and bus flags, writes a critical
// incident, then tries to flatten the book with bounded retries. The flag is
// raised even when flattening fails; the returned error reports the last
// flatten failure.
func (e *Engine) KillSwitch(ctx context.Context, reason, triggeredBy string) error {
	e.mu.Lock()
	if e.killSwitch {
		e.mu.Unlock()
		return nil
	}
	e.killSwitch = true
	e.killSwitchReason = reason
	e.killSwitchAt = time.Now().UTC()
	e.scheduling = false
	retries := e.cfg.KillSwitchRetries
	e.mu.Unlock()

	e.logger.Error("KILL SWITCH ACTIVATED",
		"reason", reason,
		"triggered_by", triggeredBy,
	)
	e.recorder.RecordKillSwitch(true)

	if e.flags != nil {
		if err := e.flags.SetKillSwitch(ctx, reason); err != nil {
			e.logger.Error("failed to raise kill switch flag on bus", "err", err)
			e.recorder.RecordBusError("kill_switch_set")
		}
	}

	e.recordIncident(ctx, &types.RiskIncident{
		ID:          uuid.New().String(),
		RuleType:    types.RuleKillSwitch,
		Severity:    types.SeverityHard,
		Observed:    map[string]any{"reason": reason},
		AccountID:   e.cfg.AccountID,
		ActionTaken: types.ActionKillSwitch,
		TriggeredBy: triggeredBy,
		CreatedAt:   time.Now().UTC(),
	})
	e.audit(ctx, triggeredBy, "kill_switch", map[string]any{"reason": reason})

	var lastErr error
	for attempt := 1; attempt <= retries; attempt++ {
		if attempt > 1 {
			select {
			case <-time.After(time.Second):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		if lastErr = e.flatten(ctx); lastErr == nil {
			break
		}
		e.logger.Error("kill switch flatten attempt failed",
			"attempt", attempt,
			"err", lastErr,
		)
	}

	e.broadcast(ctx, map[string]any{
		"event":        "kill_switch_activated",
		"reason":       reason,
		"triggered_by": triggeredBy,
		"at":           time.Now().UTC().Format(time.RFC3339),
	})

	if e.alerter != nil {
		if err := e.alerter.Alert(ctx, alerting.SeverityCritical, "Kill switch activated",
			"reason", reason,
			"triggered_by", triggeredBy,
		); err != nil {
			e.logger.Warn("failed to send kill switch alert", "err", err)
		}
	}

	return lastErr
}

// ReleaseKillSwitch clears the local and bus flags and re-enables strategy
// scheduling.
func (e *Engine) ReleaseKillSwitch(ctx context.Context, triggeredBy string) error {
	e.mu.Lock()
	e.killSwitch = false
	e.killSwitchReason = ""
	e.scheduling = true
	e.mu.Unlock()

	e.logger.Warn("kill switch released", "triggered_by", triggeredBy)
	e.recorder.RecordKillSwitch(false)

	if e.flags != nil {
		if err := e.flags.ClearKillSwitch(ctx); err != nil {
			e.logger.Error("failed to clear kill switch flag on bus", "err", err)
			e.recorder.RecordBusError("kill_switch_clear")
		}
	}

	e.recordIncident(ctx, &types.RiskIncident{
		ID:          uuid.New().String(),
		RuleType:    types.RuleKillSwitch,
		Severity:    types.SeveritySoft,
		AccountID:   e.cfg.AccountID,
		ActionTaken: types.ActionKillSwitchRelease,
		TriggeredBy: triggeredBy,
		CreatedAt:   time.Now().UTC(),
	})
	e.audit(ctx, triggeredBy, "kill_switch_release", nil)

	e.broadcast(ctx, map[string]any{
		"event":        "kill_switch_released",
		"triggered_by": triggeredBy,
		"at":           time.Now().UTC().Format(time.RFC3339),
	})

	if e.alerter != nil {
		if err := e.alerter.Alert(ctx, alerting.SeverityWarning, "Kill switch released",
			"triggered_by", triggeredBy,
		); err != nil {
			e.logger.Warn("failed to send release alert", "err", err)
		}
	}

	return nil
}

// KillSwitchActive reports whether the local or shared-bus flag is raised.
func (e *Engine) KillSwitchActive(ctx context.Context) (bool, string) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.killSwitchStateLocked(ctx)
}

// SchedulingEnabled reports whether strategy scheduling is allowed. Consumers
// poll this between scheduling decisions.
func (e *Engine) SchedulingEnabled() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.scheduling
}

// ObservePrice feeds the per-symbol price window behind the correlation rule.
// Market data consumers call this on every tick.
func (e *Engine) ObservePrice(symbol string, price decimal.Decimal) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.observePriceLocked(symbol, price)
}

// EquityStats returns the monitor's last equity observation, the peak and the
// drawdown from peak.
func (e *Engine) EquityStats() (current, peak, drawdown decimal.Decimal) {
	return e.equity.Snapshot()
}

// flatten cancels all open orders and closes all positions. Any failure
// aborts the pass so the caller can retry it whole.
func (e *Engine) flatten(ctx context.Context) error {
	if e.canceler != nil {
		n, err := e.canceler.CancelAllOrders(ctx)
		if err != nil {
			return fmt.Errorf("cancel open orders: %w", err)
		}
		e.logger.Info("open orders canceled", "count", n)
	}

	if e.connector != nil {
		results, err := e.connector.CloseAllPositions(ctx, "")
		if err != nil {
			return fmt.Errorf("close positions: %w", err)
		}
		for _, r := range results {
			if !r.OK {
				return fmt.Errorf("close position %s: %s", r.BrokerOrderID, r.RetcodeMessage)
			}
		}
		e.logger.Info("positions closed", "count", len(results))
	}

	return nil
}

// killSwitchStateLocked consults the local flag first, then the shared bus.
// Bus read failures degrade to the local view. Must be called with the lock
// held.
func (e *Engine) killSwitchStateLocked(ctx context.Context) (bool, string) {
	if e.killSwitch {
		return true, e.killSwitchReason
	}
	if e.flags != nil {
		active, reason, err := e.flags.KillSwitchActive(ctx)
		if err != nil {
			e.logger.Warn("failed to read kill switch flag from bus", "err", err)
			e.recorder.RecordBusError("kill_switch_get")
			return false, ""
		}
		if active {
			return true, reason
		}
	}
	return false, ""
}

func (e *Engine) hasEnabledRuleLocked(t types.RuleType) bool {
	for _, r := range e.rules {
		if r.Type == t && r.Enabled {
			return true
		}
	}
	return false
}

// returnSeriesLocked converts the full price windows into return series for
// the correlation evaluator. Partial windows are withheld.
func (e *Engine) returnSeriesLocked() map[string][]float64 {
	out := make(map[string][]float64, len(e.windows))
	for sym, w := range e.windows {
		if !w.Full() {
			continue
		}
		out[sym] = stat.Returns(w.Values())
	}
	return out
}

func (e *Engine) observePriceLocked(symbol string, price decimal.Decimal) {
	w, ok := e.windows[symbol]
	if !ok {
		w = stat.NewWindow(e.cfg.CorrelationWindow)
		e.windows[symbol] = w
	}
	w.Push(price.InexactFloat64())
}

// newIncident builds the immutable violation record for persistence.
func newIncident(rule types.RiskRule, v *violation, order *types.Order, action string) *types.RiskIncident {
	inc := &types.RiskIncident{
		ID:          uuid.New().String(),
		RuleType:    rule.Type,
		Severity:    rule.Severity,
		Params:      rule.Params,
		ActionTaken: action,
		CreatedAt:   time.Now().UTC(),
	}
	if v != nil {
		inc.Observed = v.observed
	}
	if order != nil {
		inc.OrderID = order.ID
		inc.AccountID = order.AccountID
	}
	return inc
}

// recordIncident counts and persists a violation. Persistence failures are
// logged, never surfaced; the trading decision has already been made.
func (e *Engine) recordIncident(ctx context.Context, incident *types.RiskIncident) {
	e.recorder.RecordRiskViolation(string(incident.RuleType), incident.ActionTaken)
	if e.store == nil {
		return
	}
	if err := e.store.SaveRiskIncident(ctx, incident); err != nil {
		e.logger.Error("failed to persist risk incident",
			"rule", incident.RuleType,
			"err", err,
		)
	}
}

func (e *Engine) audit(ctx context.Context, actor, action string, payload map[string]any) {
	if e.store == nil {
		return
	}
	entry := &types.AuditEntry{
		ID:        uuid.New().String(),
		Actor:     actor,
		Action:    action,
		Entity:    "risk_engine",
		Payload:   payload,
		CreatedAt: time.Now().UTC(),
	}
	if err := e.store.SaveAuditLog(ctx, entry); err != nil {
		e.logger.Error("failed to persist audit entry",
			"action", action,
			"err", err,
		)
	}
}

func (e *Engine) broadcast(ctx context.Context, payload map[string]any) {
	if e.events == nil {
		return
	}
	if err := e.events.Publish(ctx, "risk_events", payload); err != nil {
		e.logger.Warn("failed to broadcast risk event", "err", err)
		e.recorder.RecordBusError("risk_broadcast")
	}
}
