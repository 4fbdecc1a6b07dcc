package engine

import (
	"fmt"
	"time"

	"riskguard/internal/models"
)

// ValidTransitions определяет допустимые переходы состояния подключения.
// В DISCONNECTED можно перейти из любого состояния (см. Reset).
var ValidTransitions = map[models.ConnectionState][]models.ConnectionState{
	models.ConnDisconnected:   {models.ConnConnecting},
	models.ConnConnecting:     {models.ConnAuthenticating, models.ConnDisconnected},
	models.ConnAuthenticating: {models.ConnAuthenticated, models.ConnDisconnected},
	models.ConnAuthenticated:  {models.ConnSubscribed, models.ConnDisconnected},
	models.ConnSubscribed:     {models.ConnDisconnected},
}

// CanTransition проверяет допустимость перехода
func CanTransition(from, to models.ConnectionState) bool {
	for _, s := range ValidTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// StateInfo возвращает описание состояния для UI
func StateInfo(s models.ConnectionState) string {
	switch s {
	case models.ConnDisconnected:
		return "Нет соединения с площадкой"
	case models.ConnConnecting:
		return "Подключение..."
	case models.ConnAuthenticating:
		return "Аутентификация..."
	case models.ConnAuthenticated:
		return "Аутентифицирован, оформление подписок"
	case models.ConnSubscribed:
		return "Подписан на позиции и ордера"
	default:
		return "Неизвестное состояние"
	}
}

// ConnectionMachine - состояние подключения к площадке. Используется только
// из горутины Engine.
type ConnectionMachine struct {
	state     models.ConnectionState
	changedAt time.Time
}

// NewConnectionMachine стартует в DISCONNECTED
func NewConnectionMachine() *ConnectionMachine {
	return &ConnectionMachine{state: models.ConnDisconnected, changedAt: time.Now()}
}

func (m *ConnectionMachine) State() models.ConnectionState { return m.state }

// Transition переводит автомат в состояние to или возвращает ошибку
func (m *ConnectionMachine) Transition(to models.ConnectionState) error {
	if !CanTransition(m.state, to) {
		return fmt.Errorf("invalid connection transition %s -> %s", m.state, to)
	}
	m.set(to)
	return nil
}

// Reset - разрыв соединения из любого состояния
func (m *ConnectionMachine) Reset() {
	m.set(models.ConnDisconnected)
}

func (m *ConnectionMachine) set(to models.ConnectionState) {
	ConnectionStateGauge.WithLabelValues(string(m.state)).Set(0)
	m.state = to
	m.changedAt = time.Now()
	ConnectionStateGauge.WithLabelValues(string(to)).Set(1)
}
