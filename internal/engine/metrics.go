package engine

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// ============================================================
// Prometheus метрики ядра
// ============================================================
//
// Регистрируются в default registry и отдаются через /metrics.

// ============ Обработка событий ============

// EventsProcessed - обработанные события по типу и действию
var EventsProcessed = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "riskguard",
		Subsystem: "engine",
		Name:      "events_processed_total",
		Help:      "Total number of dispatched events",
	},
	[]string{"kind", "action"},
)

// EventDispatchLatency - время применения одного события
var EventDispatchLatency = promauto.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: "riskguard",
		Subsystem: "engine",
		Name:      "event_dispatch_latency_ms",
		Help:      "Time to apply one event in milliseconds",
		Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
	},
	[]string{"kind"},
)

// PriceTicksDiscarded - тики каналов вне активной подписки
var PriceTicksDiscarded = promauto.NewCounter(
	prometheus.CounterOpts{
		Namespace: "riskguard",
		Subsystem: "engine",
		Name:      "price_ticks_discarded_total",
		Help:      "Mark price ticks dropped because the channel is not subscribed",
	},
)

// ============ Подписки ============

// ActiveSubscriptions - число активных каналов mark_price
var ActiveSubscriptions = promauto.NewGauge(
	prometheus.GaugeOpts{
		Namespace: "riskguard",
		Subsystem: "feed",
		Name:      "active_mark_subscriptions",
		Help:      "Number of mark price channels currently subscribed",
	},
)

// SubscriptionCommands - отправленные команды подписки
var SubscriptionCommands = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "riskguard",
		Subsystem: "feed",
		Name:      "subscription_commands_total",
		Help:      "Subscribe/unsubscribe commands sent to the venue",
	},
	[]string{"op", "channel"},
)

// ConnectionStateGauge - 1 для текущего состояния подключения
var ConnectionStateGauge = promauto.NewGaugeVec(
	prometheus.GaugeOpts{
		Namespace: "riskguard",
		Subsystem: "feed",
		Name:      "connection_state",
		Help:      "Venue connection state (1 = current)",
	},
	[]string{"state"},
)

// ============ Риск ============

// PortfolioValuation - последняя оценка портфеля
var PortfolioValuation = promauto.NewGauge(
	prometheus.GaugeOpts{
		Namespace: "riskguard",
		Subsystem: "risk",
		Name:      "portfolio_valuation",
		Help:      "Last computed portfolio valuation at mark prices",
	},
)

// RiskDecisions - решения монитора риска
var RiskDecisions = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "riskguard",
		Subsystem: "risk",
		Name:      "decisions_total",
		Help:      "Risk monitor decisions by outcome",
	},
	[]string{"decision"}, // none, trigger, suppressed, error
)

// LiquidationsTotal - завершённые ликвидации
var LiquidationsTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "riskguard",
		Subsystem: "risk",
		Name:      "liquidations_total",
		Help:      "Liquidation attempts by result",
	},
	[]string{"result"}, // success, failed
)

// LiquidationDuration - длительность ликвидации вместе с повторами
var LiquidationDuration = promauto.NewHistogram(
	prometheus.HistogramOpts{
		Namespace: "riskguard",
		Subsystem: "risk",
		Name:      "liquidation_duration_ms",
		Help:      "Close-all duration including retries in milliseconds",
		Buckets:   []float64{50, 100, 250, 500, 1000, 2500, 5000, 10000, 30000},
	},
)
