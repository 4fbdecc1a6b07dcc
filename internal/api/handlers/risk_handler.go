package handlers

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/shopspring/decimal"

	"riskguard/internal/engine"
	"riskguard/internal/models"
)

const (
	maxBoundsBodySize = 4096

	// Ядро отвечает быстро; дольше ждать значит, что оно встало
	boundsUpdateTimeout = 5 * time.Second
)

// RiskHandler управляет границами риска
//
// Endpoints:
// - GET /api/v1/risk/bounds - текущие границы
// - PUT /api/v1/risk/bounds - изменить границы
// - DELETE /api/v1/risk/bounds - снять обе границы (мониторинг выключен)
type RiskHandler struct {
	engine RiskEngine
}

// NewRiskHandler создает новый RiskHandler
func NewRiskHandler(e RiskEngine) *RiskHandler {
	return &RiskHandler{engine: e}
}

// BoundsResponse - границы и признак, что мониторинг включён
type BoundsResponse struct {
	UpperLimit *decimal.Decimal `json:"upper_limit"`
	LowerLimit *decimal.Decimal `json:"lower_limit"`
	Armed      bool             `json:"armed"`
}

func boundsResponse(b models.RiskBounds) BoundsResponse {
	return BoundsResponse{UpperLimit: b.UpperLimit, LowerLimit: b.LowerLimit, Armed: b.Armed()}
}

// GetBounds - GET /api/v1/risk/bounds
func (h *RiskHandler) GetBounds(w http.ResponseWriter, r *http.Request) {
	respondWithJSON(w, http.StatusOK, boundsResponse(h.engine.Bounds()))
}

// UpdateBounds изменяет границы
//
// PUT /api/v1/risk/bounds
//
// Тело: {"upper_limit": 1200, "lower_limit": "900.5"}
// - поле отсутствует: граница не меняется
// - null: граница снимается
// - число или строка с числом: новое значение
//
// HTTP коды:
// - 200 OK: новые границы
// - 400 Bad Request: невалидное тело или lower >= upper
// - 503 Service Unavailable: ядро остановлено
func (h *RiskHandler) UpdateBounds(w http.ResponseWriter, r *http.Request) {
	update, err := parseBoundsUpdate(io.LimitReader(r.Body, maxBoundsBodySize))
	if err != nil {
		respondWithError(w, http.StatusBadRequest, CodeInvalidRequest, "Invalid request body", err.Error())
		return
	}

	h.apply(w, r, update)
}

// ClearBounds снимает обе границы
//
// DELETE /api/v1/risk/bounds
func (h *RiskHandler) ClearBounds(w http.ResponseWriter, r *http.Request) {
	h.apply(w, r, engine.ReplaceBounds(models.RiskBounds{}))
}

func (h *RiskHandler) apply(w http.ResponseWriter, r *http.Request, u engine.BoundsUpdate) {
	ctx, cancel := context.WithTimeout(r.Context(), boundsUpdateTimeout)
	defer cancel()

	bounds, err := h.engine.UpdateBounds(ctx, u)
	switch {
	case err == nil:
		respondWithJSON(w, http.StatusOK, boundsResponse(bounds))
	case errors.Is(err, models.ErrInvalidBounds):
		respondWithError(w, http.StatusBadRequest, CodeInvalidBounds, err.Error(), "")
	case errors.Is(err, engine.ErrEngineStopped), errors.Is(err, context.DeadlineExceeded):
		respondWithError(w, http.StatusServiceUnavailable, CodeUnavailable, "Risk engine unavailable", err.Error())
	default:
		respondWithError(w, http.StatusInternalServerError, CodeInternal, "Failed to update bounds", err.Error())
	}
}

// parseBoundsUpdate различает отсутствующее поле и null
func parseBoundsUpdate(body io.Reader) (engine.BoundsUpdate, error) {
	var raw map[string]jsoniter.RawMessage
	if err := json.NewDecoder(body).Decode(&raw); err != nil {
		return engine.BoundsUpdate{}, err
	}

	var u engine.BoundsUpdate
	var err error
	if v, ok := raw["upper_limit"]; ok {
		u.SetUpper = true
		if u.Upper, err = parseBoundValue("upper_limit", v); err != nil {
			return u, err
		}
	}
	if v, ok := raw["lower_limit"]; ok {
		u.SetLower = true
		if u.Lower, err = parseBoundValue("lower_limit", v); err != nil {
			return u, err
		}
	}
	if !u.SetUpper && !u.SetLower {
		return u, errors.New("upper_limit or lower_limit is required")
	}
	return u, nil
}

// parseBoundValue: null снимает границу. jsoniter декодирует null в
// map[string]RawMessage как пустое значение, поэтому "" - тоже null.
func parseBoundValue(field string, raw jsoniter.RawMessage) (*decimal.Decimal, error) {
	s := strings.TrimSpace(string(raw))
	if s == "" || s == "null" {
		return nil, nil
	}
	var d decimal.Decimal
	if err := d.UnmarshalJSON([]byte(s)); err != nil {
		return nil, errors.New(field + " must be a number or null")
	}
	return &d, nil
}
