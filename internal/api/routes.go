package api

import (
	"net/http"

	"github.com/gorilla/mux"
	jsoniter "github.com/json-iterator/go"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"riskguard/internal/api/handlers"
	"riskguard/internal/api/middleware"
	"riskguard/internal/engine"
	"riskguard/internal/models"
	"riskguard/internal/service"
	"riskguard/internal/websocket"
	"riskguard/pkg/utils"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const apiPrefix = "/api/v1"

// Dependencies содержит все зависимости для API handlers
type Dependencies struct {
	Engine              handlers.RiskEngine
	NotificationService service.NotificationServiceInterface
	Hub                 *websocket.Hub
	Auth                *middleware.OperatorAuth
	CORSOrigins         []string
	Log                 *utils.Logger
}

// SetupRoutes настраивает все HTTP маршруты приложения
//
// Структура маршрутов:
//
// /api/v1/
//
//	├── GET /state - полный снимок ядра
//	├── GET /positions - позиции
//	├── GET /orders - ордера
//	├── GET /prices - mark-цены
//	├── /risk/bounds
//	│   ├── GET - текущие границы
//	│   ├── PUT - изменить границы (оператор)
//	│   └── DELETE - снять границы (оператор)
//	└── /notifications
//	    ├── GET - журнал уведомлений (?types=, ?severity=, ?limit=)
//	    ├── GET /{id} - одно уведомление
//	    └── DELETE - очистить журнал (оператор)
//
// /ws/stream - WebSocket для наблюдателей
// /health, /metrics
//
// Middleware применяется в следующем порядке:
// 1. CORS (снаружи роутера: preflight не доходит до mux)
// 2. Recovery (для всех маршрутов)
// 3. Logging (для всех маршрутов)
// 4. OperatorAuth (только изменяющие маршруты)
func SetupRoutes(deps *Dependencies) http.Handler {
	router := mux.NewRouter()

	log := deps.Log.WithComponent("http")
	auth := deps.Auth
	if auth == nil {
		auth = middleware.NewOperatorAuth("", "", log)
	}

	router.Use(middleware.Recovery(log))
	router.Use(middleware.Logging(log))

	// /api/v1 без Subrouter: у subrouter'а успешный prefix-matcher следующего
	// маршрута сбрасывает ErrMethodMismatch, и вместо 405 уходит 404
	api := func(path string) string { return apiPrefix + path }

	if deps.Engine != nil {
		stateHandler := handlers.NewStateHandler(deps.Engine)
		router.HandleFunc(api("/state"), stateHandler.GetState).Methods("GET")
		router.HandleFunc(api("/positions"), stateHandler.GetPositions).Methods("GET")
		router.HandleFunc(api("/orders"), stateHandler.GetOrders).Methods("GET")
		router.HandleFunc(api("/prices"), stateHandler.GetPrices).Methods("GET")

		riskHandler := handlers.NewRiskHandler(deps.Engine)
		router.HandleFunc(api("/risk/bounds"), riskHandler.GetBounds).Methods("GET")
		router.Handle(api("/risk/bounds"), auth.Require(http.HandlerFunc(riskHandler.UpdateBounds))).Methods("PUT")
		router.Handle(api("/risk/bounds"), auth.Require(http.HandlerFunc(riskHandler.ClearBounds))).Methods("DELETE")
	}

	if deps.NotificationService != nil {
		notificationHandler := handlers.NewNotificationHandler(deps.NotificationService)
		router.HandleFunc(api("/notifications"), notificationHandler.GetNotifications).Methods("GET")
		router.HandleFunc(api("/notifications/{id:[0-9]+}"), notificationHandler.GetNotification).Methods("GET")
		router.Handle(api("/notifications"), auth.Require(http.HandlerFunc(notificationHandler.ClearNotifications))).Methods("DELETE")
	}

	if deps.Hub != nil {
		router.HandleFunc("/ws/stream", deps.Hub.ServeWS)
	}

	router.Handle("/metrics", promhttp.Handler()).Methods("GET")

	router.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		health := map[string]interface{}{"status": "ok"}
		if deps.Engine != nil {
			state := deps.Engine.Snapshot().Connection
			health["venue"] = state
			health["venue_connected"] = state == models.ConnSubscribed
			health["venue_description"] = engine.StateInfo(state)
		}
		if deps.Hub != nil {
			health["observers"] = deps.Hub.ClientCount()
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(health)
	}).Methods("GET")

	return middleware.CORS(deps.CORSOrigins)(router)
}
