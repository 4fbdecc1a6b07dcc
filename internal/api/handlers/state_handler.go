package handlers

import (
	"context"
	"net/http"
	"sort"

	"riskguard/internal/engine"
	"riskguard/internal/models"
)

// RiskEngine - то, что API читает и меняет в ядре.
// Реализуется *engine.Engine.
type RiskEngine interface {
	Snapshot() engine.Snapshot
	Bounds() models.RiskBounds
	UpdateBounds(ctx context.Context, u engine.BoundsUpdate) (models.RiskBounds, error)
}

// StateHandler отдаёт текущее состояние ядра
//
// Endpoints:
// - GET /api/v1/state - полный снимок
// - GET /api/v1/positions - позиции
// - GET /api/v1/orders - ордера
// - GET /api/v1/prices - mark-цены активных подписок
type StateHandler struct {
	engine RiskEngine
}

// NewStateHandler создает новый StateHandler
func NewStateHandler(e RiskEngine) *StateHandler {
	return &StateHandler{engine: e}
}

// StateResponse - полный снимок состояния
type StateResponse struct {
	Positions       []models.Position         `json:"positions"`
	Orders          []models.Order            `json:"orders"`
	Prices          []models.PriceTick        `json:"prices"`
	Bounds          models.RiskBounds         `json:"bounds"`
	Armed           bool                      `json:"armed"`
	Latched         bool                      `json:"latched"`
	Connection      models.ConnectionState    `json:"connection"`
	Description     string                    `json:"description"`
	Valuation       *models.Valuation         `json:"valuation,omitempty"`
	LastLiquidation *models.LiquidationResult `json:"last_liquidation,omitempty"`
}

// GetState возвращает полный снимок
//
// GET /api/v1/state
func (h *StateHandler) GetState(w http.ResponseWriter, r *http.Request) {
	snap := h.engine.Snapshot()

	respondWithJSON(w, http.StatusOK, StateResponse{
		Positions:       nonNilPositions(snap.Positions),
		Orders:          nonNilOrders(snap.Orders),
		Prices:          sortedPrices(snap.Prices),
		Bounds:          snap.Bounds,
		Armed:           snap.Bounds.Armed(),
		Latched:         snap.Latched,
		Connection:      snap.Connection,
		Description:     engine.StateInfo(snap.Connection),
		Valuation:       snap.Valuation,
		LastLiquidation: snap.LastLiquidation,
	})
}

// GetPositions - GET /api/v1/positions
func (h *StateHandler) GetPositions(w http.ResponseWriter, r *http.Request) {
	positions := nonNilPositions(h.engine.Snapshot().Positions)
	respondWithJSON(w, http.StatusOK, map[string]interface{}{
		"positions": positions,
		"total":     len(positions),
	})
}

// GetOrders - GET /api/v1/orders
func (h *StateHandler) GetOrders(w http.ResponseWriter, r *http.Request) {
	orders := nonNilOrders(h.engine.Snapshot().Orders)
	respondWithJSON(w, http.StatusOK, map[string]interface{}{
		"orders": orders,
		"total":  len(orders),
	})
}

// GetPrices - GET /api/v1/prices
func (h *StateHandler) GetPrices(w http.ResponseWriter, r *http.Request) {
	prices := sortedPrices(h.engine.Snapshot().Prices)
	respondWithJSON(w, http.StatusOK, map[string]interface{}{
		"prices": prices,
		"total":  len(prices),
	})
}

func nonNilPositions(p []models.Position) []models.Position {
	if p == nil {
		return []models.Position{}
	}
	return p
}

func nonNilOrders(o []models.Order) []models.Order {
	if o == nil {
		return []models.Order{}
	}
	return o
}

func sortedPrices(m map[string]models.PriceTick) []models.PriceTick {
	out := make([]models.PriceTick, 0, len(m))
	for _, t := range m {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}
