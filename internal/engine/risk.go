package engine

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"riskguard/internal/models"
)

// ErrMissingPrice - для позиции нет mark-цены, оценка портфеля не определена
var ErrMissingPrice = errors.New("missing mark price")

// MissingPriceError уточняет, для какого канала не хватило цены
type MissingPriceError struct {
	Symbol string
}

func (e *MissingPriceError) Error() string {
	return fmt.Sprintf("%s for %s", ErrMissingPrice, e.Symbol)
}

func (e *MissingPriceError) Unwrap() error { return ErrMissingPrice }

var hundred = decimal.NewFromInt(100)

// Valuate считает V = Σ size * contract_value * mark_price и сводку по
// ценам входа. Отсутствие цены хотя бы для одной позиции - ошибка:
// неполная оценка небезопасна для принятия решения о ликвидации.
func Valuate(positions []models.Position, prices map[string]models.PriceTick) (models.Valuation, error) {
	value := decimal.Zero
	invested := decimal.Zero

	for _, p := range positions {
		tick, ok := prices[p.MarkSymbol()]
		if !ok {
			return models.Valuation{}, &MissingPriceError{Symbol: p.MarkSymbol()}
		}
		value = value.Add(p.Notional(tick.Price))
		invested = invested.Add(p.Notional(p.EntryPrice))
	}

	returns := value.Sub(invested)
	pct := decimal.Zero
	if !invested.IsZero() {
		pct = returns.Div(invested.Abs()).Mul(hundred).Round(4)
	}

	return models.Valuation{
		Value:      value,
		Invested:   invested,
		Returns:    returns,
		ReturnsPct: pct,
		Positions:  len(positions),
	}, nil
}

// Evaluate - проверка границ: true если V <= lower или V >= upper.
// Пока хотя бы одна граница не задана или позиций нет, всегда false без
// расчёта: закрывать нечего, как и в RiskMonitor.Check.
func Evaluate(positions []models.Position, prices map[string]models.PriceTick, upper, lower *decimal.Decimal) (bool, error) {
	bounds := models.RiskBounds{UpperLimit: upper, LowerLimit: lower}
	if !bounds.Armed() || len(positions) == 0 {
		return false, nil
	}
	v, err := Valuate(positions, prices)
	if err != nil {
		return false, err
	}
	return bounds.Breached(v.Value), nil
}

// ============================================================
// RiskMonitor
// ============================================================

// Decision - итог очередной проверки
type Decision int

const (
	DecisionNone       Decision = iota // границы не пробиты или не заданы
	DecisionTrigger                    // запустить ликвидацию
	DecisionSuppressed                 // пробой, но latch уже взведён
	DecisionError                      // оценка не определена
)

func (d Decision) String() string {
	switch d {
	case DecisionTrigger:
		return "trigger"
	case DecisionSuppressed:
		return "suppressed"
	case DecisionError:
		return "error"
	default:
		return "none"
	}
}

type latchState int

const (
	latchClear  latchState = iota
	latchFired             // ликвидация запущена или прошла успешно
	latchFailed            // ликвидация не удалась, повтор после cooldown
)

// RiskMonitor - latch над Evaluate: одна ликвидация на один пробой.
//
// Latch сбрасывается только когда V строго между границами или когда
// оператор меняет границы. Разрыв соединения latch не трогает.
// После неудачной ликвидации latch остаётся взведённым, но следующий
// тик в пробое повторит попытку не раньше чем через cooldown.
//
// Не потокобезопасен: используется только из горутины Engine.
type RiskMonitor struct {
	bounds   models.RiskBounds
	latch    latchState
	inFlight bool

	cooldown    time.Duration
	lastAttempt time.Time
	now         func() time.Time
}

// NewRiskMonitor создаёт монитор с начальными границами
func NewRiskMonitor(bounds models.RiskBounds, cooldown time.Duration) *RiskMonitor {
	return &RiskMonitor{
		bounds:   bounds,
		cooldown: cooldown,
		now:      time.Now,
	}
}

// Bounds - текущие границы
func (m *RiskMonitor) Bounds() models.RiskBounds {
	return m.bounds
}

// SetBounds меняет границы и сбрасывает latch
func (m *RiskMonitor) SetBounds(b models.RiskBounds) {
	m.bounds = b
	m.latch = latchClear
}

// Latched - взведён ли latch
func (m *RiskMonitor) Latched() bool {
	return m.latch != latchClear
}

// Check оценивает портфель и решает, нужна ли ликвидация.
// Valuation возвращается всегда, когда её удалось посчитать.
func (m *RiskMonitor) Check(positions []models.Position, prices map[string]models.PriceTick) (Decision, *models.Valuation, error) {
	if len(positions) == 0 {
		return DecisionNone, nil, nil
	}

	v, err := Valuate(positions, prices)
	if err != nil {
		if !m.bounds.Armed() {
			// без границ неполная оценка ни на что не влияет
			return DecisionNone, nil, nil
		}
		return DecisionError, nil, err
	}
	v.EvaluatedAt = m.now()

	if !m.bounds.Armed() {
		return DecisionNone, &v, nil
	}

	if !m.bounds.Breached(v.Value) {
		m.latch = latchClear
		return DecisionNone, &v, nil
	}
	v.Breached = true

	if m.inFlight {
		return DecisionSuppressed, &v, nil
	}

	switch m.latch {
	case latchClear:
		m.fire()
		return DecisionTrigger, &v, nil
	case latchFailed:
		if m.now().Sub(m.lastAttempt) >= m.cooldown {
			m.fire()
			return DecisionTrigger, &v, nil
		}
	}
	return DecisionSuppressed, &v, nil
}

func (m *RiskMonitor) fire() {
	m.latch = latchFired
	m.inFlight = true
	m.lastAttempt = m.now()
}

// LiquidationFinished фиксирует исход попытки
func (m *RiskMonitor) LiquidationFinished(success bool) {
	m.inFlight = false
	if !success && m.latch == latchFired {
		m.latch = latchFailed
	}
}
