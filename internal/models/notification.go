package models

import (
	"errors"
	"time"
)

// ErrNotificationNotFound - уведомления с таким ID нет ни в журнале, ни в памяти
var ErrNotificationNotFound = errors.New("notification not found")

// Notification - событие для оператора (журнал + broadcast)
type Notification struct {
	ID        int                    `json:"id" db:"id"`
	Timestamp time.Time              `json:"timestamp" db:"timestamp"`
	Type      string                 `json:"type" db:"type"`
	Severity  string                 `json:"severity" db:"severity"` // info, warn, error
	Message   string                 `json:"message" db:"message"`
	Meta      map[string]interface{} `json:"meta,omitempty" db:"meta"` // JSONB в БД
}

// Типы уведомлений
const (
	NotificationTypeRiskTrigger       = "RISK_TRIGGER"       // стоимость вышла за границы
	NotificationTypeLiquidation       = "LIQUIDATION"        // все позиции закрыты
	NotificationTypeLiquidationFailed = "LIQUIDATION_FAILED" // закрытие не удалось
	NotificationTypeValuationError    = "VALUATION_ERROR"    // нет цены для позиции
	NotificationTypeBounds            = "BOUNDS"             // оператор изменил границы
	NotificationTypeConnection        = "CONNECTION"         // подключение/отключение площадки
)

// Уровни важности
const (
	SeverityInfo  = "info"
	SeverityWarn  = "warn"
	SeverityError = "error"
)

// IsValidSeverity - один из info, warn, error
func IsValidSeverity(s string) bool {
	switch s {
	case SeverityInfo, SeverityWarn, SeverityError:
		return true
	}
	return false
}
