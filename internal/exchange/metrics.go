package exchange

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// ============================================================
// Prometheus метрики адаптера площадки
// ============================================================

// FramesReceived - входящие кадры WebSocket по типу
var FramesReceived = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "riskguard",
		Subsystem: "venue",
		Name:      "frames_received_total",
		Help:      "Inbound venue websocket frames by type",
	},
	[]string{"type"},
)

// DecodeErrors - отброшенные кадры с ошибкой разбора
var DecodeErrors = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "riskguard",
		Subsystem: "venue",
		Name:      "decode_errors_total",
		Help:      "Venue frames dropped because they could not be decoded",
	},
	[]string{"type"},
)

// Reconnects - попытки переподключения WebSocket
var Reconnects = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "riskguard",
		Subsystem: "venue",
		Name:      "reconnects_total",
		Help:      "Websocket reconnect attempts by result",
	},
	[]string{"result"}, // success, failed
)

// RESTRequests - запросы к REST API площадки
var RESTRequests = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "riskguard",
		Subsystem: "venue",
		Name:      "rest_requests_total",
		Help:      "Venue REST requests by endpoint and HTTP status",
	},
	[]string{"endpoint", "status"},
)

// RESTLatency - время ответа REST API
var RESTLatency = promauto.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: "riskguard",
		Subsystem: "venue",
		Name:      "rest_latency_ms",
		Help:      "Venue REST request latency in milliseconds",
		Buckets:   []float64{10, 25, 50, 100, 250, 500, 1000, 2500, 5000},
	},
	[]string{"endpoint"},
)
