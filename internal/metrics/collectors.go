// Package metrics exposes Prometheus collectors and the health endpoints for
// the trading platform.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// OrdersTotal counts orders by their terminal or intermediate status.
	OrdersTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tradecore",
		Name:      "orders_total",
		Help:      "Total orders processed by symbol, side and status",
	}, []string{"symbol", "side", "status"})

	// TradesTotal counts recorded fills by outcome.
	TradesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tradecore",
		Name:      "trades_total",
		Help:      "Total trades recorded by symbol, side and outcome",
	}, []string{"symbol", "side", "outcome"})

	// SubmitLatency observes the full Submit path including the broker round trip.
	SubmitLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "tradecore",
		Name:      "order_submit_duration_seconds",
		Help:      "Order submit latency in seconds",
		Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
	})

	// RiskViolationsTotal counts rule violations by rule type and action taken.
	RiskViolationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tradecore",
		Name:      "risk_violations_total",
		Help:      "Risk rule violations by rule type and action",
	}, []string{"rule", "action"})

	// KillSwitchEngaged is 1 while the kill switch is active.
	KillSwitchEngaged = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "tradecore",
		Name:      "kill_switch_engaged",
		Help:      "Whether the kill switch is currently active",
	})

	// PositionsOpen tracks open position count per symbol.
	PositionsOpen = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "tradecore",
		Name:      "positions_open",
		Help:      "Number of open positions per symbol",
	}, []string{"symbol"})

	// ExposureCurrent is the aggregate notional across open positions.
	ExposureCurrent = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "tradecore",
		Name:      "exposure_current",
		Help:      "Aggregate notional exposure in account currency",
	})

	// EquityCurrent mirrors the broker-reported account equity.
	EquityCurrent = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "tradecore",
		Name:      "equity_current",
		Help:      "Current account equity",
	})

	// DailyPL is the running day profit and loss.
	DailyPL = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "tradecore",
		Name:      "daily_pl",
		Help:      "Profit and loss accumulated since the day open",
	})

	// BrokerConnected is 1 while the connector session is up.
	BrokerConnected = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "tradecore",
		Name:      "broker_connected",
		Help:      "Whether the broker connector is connected",
	})

	// BrokerReconnectsTotal counts connector session re-establishments.
	BrokerReconnectsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "tradecore",
		Name:      "broker_reconnects_total",
		Help:      "Total broker reconnect attempts",
	})

	// EventsEmittedTotal counts order lifecycle events by name.
	EventsEmittedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tradecore",
		Name:      "events_emitted_total",
		Help:      "Order lifecycle events emitted by event name",
	}, []string{"event"})

	// WSConnectionsActive tracks live WebSocket connections on this instance.
	WSConnectionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "tradecore",
		Subsystem: "ws",
		Name:      "connections_active",
		Help:      "Active WebSocket connections",
	})

	// WSMessagesTotal counts gateway messages by direction.
	WSMessagesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tradecore",
		Subsystem: "ws",
		Name:      "messages_total",
		Help:      "WebSocket messages by direction",
	}, []string{"direction"})

	// WSBroadcastsTotal counts fan-out deliveries by channel.
	WSBroadcastsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tradecore",
		Subsystem: "ws",
		Name:      "broadcasts_total",
		Help:      "Broadcast messages delivered by channel",
	}, []string{"channel"})

	// WSRateLimitedTotal counts rate-limit denials by limit kind.
	WSRateLimitedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tradecore",
		Subsystem: "ws",
		Name:      "rate_limited_total",
		Help:      "Rate-limited gateway operations by kind",
	}, []string{"kind"})

	// BusErrorsTotal counts shared-bus operation failures.
	BusErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tradecore",
		Name:      "bus_errors_total",
		Help:      "Shared bus operation failures by operation",
	}, []string{"op"})

	// ErrorsTotal counts errors by broad type.
	ErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tradecore",
		Name:      "errors_total",
		Help:      "Errors by type",
	}, []string{"type"})

	// HeartbeatTimestamp is the unix time of the last connector heartbeat.
	HeartbeatTimestamp = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "tradecore",
		Name:      "heartbeat_timestamp_seconds",
		Help:      "Unix timestamp of the last successful broker heartbeat",
	})

	// BuildInfo carries version metadata as constant labels.
	BuildInfo = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "tradecore",
		Name:      "build_info",
		Help:      "Build information",
	}, []string{"version", "commit", "date"})
)

// SetBuildInfo records the build metadata gauge.
func SetBuildInfo(version, commit, date string) {
	BuildInfo.WithLabelValues(version, commit, date).Set(1)
}
