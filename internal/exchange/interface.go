// Package exchange - адаптер площадки Delta Exchange: WebSocket поток
// событий аккаунта и REST вызов закрытия позиций.
package exchange

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"riskguard/internal/models"
)

// VenueName - имя площадки для логов и метрик
const VenueName = "delta"

// EventSink принимает разобранные события площадки (Engine.Submit)
type EventSink interface {
	Submit(ctx context.Context, ev models.Event) error
}

var (
	// ErrNotConnected - команда отправлена без активного соединения
	ErrNotConnected = errors.New("venue websocket not connected")

	// ErrMalformedEvent - фрейм не содержит обязательных полей
	ErrMalformedEvent = errors.New("malformed venue event")
)

// DecodeError - ошибка разбора входящего фрейма
type DecodeError struct {
	Type   string // значение поля type, если его удалось прочитать
	Reason string
	Err    error
}

func (e *DecodeError) Error() string {
	msg := "decode " + e.Type + ": " + e.Reason
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap возвращает причину; сам DecodeError всегда ErrMalformedEvent (см. Is)
func (e *DecodeError) Unwrap() error {
	return e.Err
}

// Is - любой отвергнутый кадр сопоставляется с ErrMalformedEvent
func (e *DecodeError) Is(target error) bool {
	return target == ErrMalformedEvent
}

// VenueError - ошибка REST API площадки
type VenueError struct {
	StatusCode int
	Code       string
	Message    string
	Original   error
}

func (e *VenueError) Error() string {
	msg := VenueName + ": HTTP " + strconv.Itoa(e.StatusCode)
	if e.Code != "" {
		msg += " " + e.Code
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	return msg
}

// Unwrap возвращает оригинальную ошибку для поддержки errors.Is() и errors.As()
func (e *VenueError) Unwrap() error {
	return e.Original
}

// Retryable - имеет ли смысл повторять запрос
func (e *VenueError) Retryable() bool {
	return e.StatusCode == 429 || e.StatusCode >= 500 || e.StatusCode == 0
}

func malformed(eventType, format string, args ...interface{}) error {
	return &DecodeError{Type: eventType, Reason: fmt.Sprintf(format, args...)}
}
