package websocket

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/shopspring/decimal"

	"riskguard/internal/models"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// MessageType определяет тип WebSocket сообщения
type MessageType string

// Типы сообщений наблюдателям. Имена совпадают с событиями UI.
const (
	// Полный список позиций после каждого изменения
	MessageTypePositions MessageType = "positions"

	// Полный список ордеров
	MessageTypeOrders MessageType = "orders"

	// Mark-цены активных подписок
	MessageTypePrices MessageType = "prices"

	// Границы риска, каждая отдельным сообщением (null - не задана)
	MessageTypeUpperLimit MessageType = "upperLimit"
	MessageTypeLowerLimit MessageType = "lowerLimit"

	// Оценка портфеля и сводка
	MessageTypeValuation MessageType = "valuation"

	// Состояние подключения к площадке
	MessageTypeConnection MessageType = "connection"

	// Итог ликвидации
	MessageTypeLiquidation MessageType = "liquidation"

	// Новое уведомление
	MessageTypeNotification MessageType = "notification"

	// Ответ на команду клиента
	MessageTypeError MessageType = "error"
)

// Message - конверт всех исходящих сообщений
type Message struct {
	Type      MessageType `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	Data      interface{} `json:"data"`
}

func newMessage(t MessageType, data interface{}) *Message {
	return &Message{Type: t, Timestamp: time.Now(), Data: data}
}

// PriceData - mark-цена с исходным кадром площадки
type PriceData struct {
	Symbol     string              `json:"symbol"`
	Price      decimal.Decimal     `json:"price"`
	ReceivedAt time.Time           `json:"received_at"`
	Frame      jsoniter.RawMessage `json:"frame,omitempty"`
}

// ConnectionData - состояние подключения к площадке
type ConnectionData struct {
	State       models.ConnectionState `json:"state"`
	Connected   bool                   `json:"connected"`
	Description string                 `json:"description,omitempty"`
}

// ErrorData - отказ в выполнении команды клиента
type ErrorData struct {
	Command string `json:"command,omitempty"`
	Error   string `json:"error"`
}

// ============ Фабричные функции ============

// NewPositionsMessage - пустой список сериализуется как [], не null
func NewPositionsMessage(positions []models.Position) *Message {
	if positions == nil {
		positions = []models.Position{}
	}
	return newMessage(MessageTypePositions, positions)
}

func NewOrdersMessage(orders []models.Order) *Message {
	if orders == nil {
		orders = []models.Order{}
	}
	return newMessage(MessageTypeOrders, orders)
}

// NewPricesMessage - цены, отсортированные по символу
func NewPricesMessage(prices map[string]models.PriceTick) *Message {
	data := make([]PriceData, 0, len(prices))
	for _, t := range prices {
		data = append(data, PriceData{
			Symbol:     t.Symbol,
			Price:      t.Price,
			ReceivedAt: t.ReceivedAt,
			Frame:      t.Raw,
		})
	}
	sort.Slice(data, func(i, j int) bool { return data[i].Symbol < data[j].Symbol })
	return newMessage(MessageTypePrices, data)
}

// NewBoundsMessages - upperLimit и lowerLimit
func NewBoundsMessages(b models.RiskBounds) []*Message {
	return []*Message{
		newMessage(MessageTypeUpperLimit, b.UpperLimit),
		newMessage(MessageTypeLowerLimit, b.LowerLimit),
	}
}

func NewValuationMessage(v models.Valuation) *Message {
	return newMessage(MessageTypeValuation, v)
}

func NewConnectionMessage(state models.ConnectionState, description string) *Message {
	return newMessage(MessageTypeConnection, ConnectionData{
		State:       state,
		Connected:   state != models.ConnDisconnected,
		Description: description,
	})
}

func NewLiquidationMessage(r models.LiquidationResult) *Message {
	return newMessage(MessageTypeLiquidation, r)
}

func NewNotificationMessage(n *models.Notification) *Message {
	return newMessage(MessageTypeNotification, n)
}

func NewErrorMessage(command, errText string) *Message {
	return newMessage(MessageTypeError, ErrorData{Command: command, Error: errText})
}

// ============================================================
// Входящие команды
// ============================================================

// ErrInvalidCommand - команда клиента не распознана
var ErrInvalidCommand = errors.New("invalid command")

// ClientCommand - команда оператора: {"type":"upperLimit","value":950}.
// value: число, строка с числом или null (снять границу).
type ClientCommand struct {
	Type  string              `json:"type"`
	Value jsoniter.RawMessage `json:"value"`
}

// ParseClientCommand разбирает команду и значение границы.
// Поле value обязательно: снять границу можно только явным null.
func ParseClientCommand(data []byte) (ClientCommand, *decimal.Decimal, error) {
	var cmd ClientCommand
	var fields map[string]jsoniter.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return cmd, nil, fmt.Errorf("%w: %v", ErrInvalidCommand, err)
	}
	if err := json.Unmarshal(data, &cmd); err != nil {
		return cmd, nil, fmt.Errorf("%w: %v", ErrInvalidCommand, err)
	}

	switch MessageType(cmd.Type) {
	case MessageTypeUpperLimit, MessageTypeLowerLimit:
	default:
		return cmd, nil, fmt.Errorf("%w: unknown type %q", ErrInvalidCommand, cmd.Type)
	}

	if _, ok := fields["value"]; !ok {
		return cmd, nil, fmt.Errorf("%w: missing value", ErrInvalidCommand)
	}

	value, err := parseLimit(cmd.Value)
	if err != nil {
		return cmd, nil, fmt.Errorf("%w: %v", ErrInvalidCommand, err)
	}
	return cmd, value, nil
}

func parseLimit(raw jsoniter.RawMessage) (*decimal.Decimal, error) {
	s := strings.TrimSpace(string(raw))
	if s == "" || s == "null" {
		return nil, nil
	}
	var d decimal.Decimal
	if err := d.UnmarshalJSON([]byte(s)); err != nil {
		return nil, fmt.Errorf("value %s is not a number", s)
	}
	return &d, nil
}
