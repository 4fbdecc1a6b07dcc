package models

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

// ErrInvalidBounds - нижняя граница не меньше верхней
var ErrInvalidBounds = errors.New("lower limit must be below upper limit")

// RiskBounds - границы стоимости портфеля, задаваемые оператором.
// nil - граница не задана; проверка идёт только когда заданы обе.
type RiskBounds struct {
	UpperLimit *decimal.Decimal `json:"upper_limit"`
	LowerLimit *decimal.Decimal `json:"lower_limit"`
}

// Armed - заданы ли обе границы
func (b RiskBounds) Armed() bool {
	return b.UpperLimit != nil && b.LowerLimit != nil
}

// Validate проверяет согласованность границ
func (b RiskBounds) Validate() error {
	if b.Armed() && !b.LowerLimit.LessThan(*b.UpperLimit) {
		return ErrInvalidBounds
	}
	return nil
}

// Breached - true если v <= lower или v >= upper (только для Armed)
func (b RiskBounds) Breached(v decimal.Decimal) bool {
	if !b.Armed() {
		return false
	}
	return v.LessThanOrEqual(*b.LowerLimit) || v.GreaterThanOrEqual(*b.UpperLimit)
}

// Equal сравнивает границы по значению
func (b RiskBounds) Equal(o RiskBounds) bool {
	return decimalPtrEqual(b.UpperLimit, o.UpperLimit) && decimalPtrEqual(b.LowerLimit, o.LowerLimit)
}

func decimalPtrEqual(a, b *decimal.Decimal) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.Equal(*b)
}

// Valuation - результат оценки портфеля по mark-ценам.
// Value - агрегированная стоимость V, Invested - стоимость по ценам входа.
type Valuation struct {
	Value       decimal.Decimal `json:"value"`
	Invested    decimal.Decimal `json:"invested"`
	Returns     decimal.Decimal `json:"returns"`
	ReturnsPct  decimal.Decimal `json:"returns_pct"`
	Positions   int             `json:"positions"`
	Breached    bool            `json:"breached"`
	Error       string          `json:"error,omitempty"`
	EvaluatedAt time.Time       `json:"evaluated_at"`
}

// LiquidationResult - исход попытки закрыть все позиции
type LiquidationResult struct {
	AttemptID  string          `json:"attempt_id"`
	AccountID  int64           `json:"account_id"`
	Valuation  decimal.Decimal `json:"valuation"`
	Success    bool            `json:"success"`
	Attempts   int             `json:"attempts"`
	Error      string          `json:"error,omitempty"`
	StartedAt  time.Time       `json:"started_at"`
	FinishedAt time.Time       `json:"finished_at"`
}
