package exchange

import (
	"bytes"
	"fmt"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/shopspring/decimal"

	"riskguard/internal/models"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Типы кадров площадки
const (
	FrameAuth          = "auth"
	FrameSuccess       = "success"
	FrameError         = "error"
	FrameSubscriptions = "subscriptions"
	FrameHeartbeat     = "heartbeat"
	FramePositions     = "positions"
	FrameOrders        = "orders"
	FrameMarkPrice     = "mark_price"
)

// authenticatedMessage - текст успешной аутентификации
const authenticatedMessage = "Authenticated"

// ============================================================
// Входящие кадры
// ============================================================

// Frame - разобранный кадр. Event == nil для служебных кадров
// (подтверждения подписок, heartbeat, ошибки площадки).
type Frame struct {
	Type    string
	Action  string
	Message string
	Event   models.Event
}

type envelope struct {
	Type    string              `json:"type"`
	Action  string              `json:"action"`
	Message string              `json:"message"`
	Result  jsoniter.RawMessage `json:"result"`
}

type wireProduct struct {
	ContractValue *decimal.Decimal `json:"contract_value"`
}

type wirePosition struct {
	ProductSymbol    string           `json:"product_symbol"`
	Size             *decimal.Decimal `json:"size"`
	EntryPrice       *decimal.Decimal `json:"entry_price"`
	LiquidationPrice *decimal.Decimal `json:"liquidation_price"`
	ContractValue    *decimal.Decimal `json:"contract_value"`
	Product          *wireProduct     `json:"product"`
	UserID           int64            `json:"user_id"`
}

type wireOrder struct {
	ID               *int64           `json:"id"`
	ProductSymbol    *string          `json:"product_symbol"`
	Side             *string          `json:"side"`
	Size             *decimal.Decimal `json:"size"`
	State            *string          `json:"state"`
	OrderType        *string          `json:"order_type"`
	AverageFillPrice *decimal.Decimal `json:"average_fill_price"`
	LimitPrice       *decimal.Decimal `json:"limit_price"`
	CreatedAt        *string          `json:"created_at"`
	UpdatedAt        *string          `json:"updated_at"`
}

type wireMarkPrice struct {
	Symbol string           `json:"symbol"`
	Price  *decimal.Decimal `json:"price"`
}

// DecodeFrame разбирает кадр площадки в событие.
// Кадр без обязательных полей отклоняется целиком: снимок с одной битой
// позицией не применяется.
func DecodeFrame(raw []byte, receivedAt time.Time) (Frame, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Frame{}, &DecodeError{Reason: "invalid json", Err: err}
	}
	if env.Type == "" {
		return Frame{}, malformed("", "missing type")
	}

	f := Frame{Type: env.Type, Action: env.Action, Message: env.Message}

	var err error
	switch env.Type {
	case FrameSuccess:
		if env.Message == authenticatedMessage {
			f.Event = models.Authenticated{}
		}
	case FramePositions:
		f.Event, err = decodePositions(env, raw)
	case FrameOrders:
		f.Event, err = decodeOrders(env, raw)
	case FrameMarkPrice:
		f.Event, err = decodeMarkPrice(raw, receivedAt)
	}
	if err != nil {
		return Frame{Type: env.Type, Action: env.Action}, err
	}
	return f, nil
}

func decodePositions(env envelope, raw []byte) (models.Event, error) {
	if env.Action == models.ActionSnapshot {
		var items []wirePosition
		if missingResult(env.Result) {
			return nil, malformed(FramePositions, "missing result")
		}
		if err := json.Unmarshal(env.Result, &items); err != nil {
			return nil, &DecodeError{Type: FramePositions, Reason: "invalid snapshot result", Err: err}
		}
		positions := make([]models.Position, 0, len(items))
		for i, w := range items {
			p, err := w.toModel()
			if err != nil {
				return nil, fmt.Errorf("snapshot item %d: %w", i, err)
			}
			positions = append(positions, p)
		}
		return models.PositionSnapshot{Positions: positions}, nil
	}

	var w wirePosition
	if err := json.Unmarshal(raw, &w); err != nil {
		return nil, &DecodeError{Type: FramePositions, Reason: "invalid position", Err: err}
	}
	p, err := w.toModel()
	if err != nil {
		return nil, err
	}
	return models.PositionDelta{Action: env.Action, Position: p}, nil
}

// missingResult - snapshot без result или с "result":null.
// Пустой массив [] - валидный пустой snapshot.
func missingResult(result jsoniter.RawMessage) bool {
	trimmed := bytes.TrimSpace(result)
	return len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null"))
}

func (w wirePosition) toModel() (models.Position, error) {
	if w.ProductSymbol == "" {
		return models.Position{}, malformed(FramePositions, "missing product_symbol")
	}
	if w.Size == nil {
		return models.Position{}, malformed(FramePositions, "missing size for %s", w.ProductSymbol)
	}
	size, err := integral(*w.Size)
	if err != nil {
		return models.Position{}, malformed(FramePositions, "size for %s: %v", w.ProductSymbol, err)
	}

	cv := w.ContractValue
	if w.Product != nil && w.Product.ContractValue != nil {
		cv = w.Product.ContractValue
	}
	if cv == nil {
		return models.Position{}, malformed(FramePositions, "missing contract_value for %s", w.ProductSymbol)
	}

	p := models.Position{
		ProductSymbol:    w.ProductSymbol,
		Size:             size,
		ContractValue:    *cv,
		LiquidationPrice: w.LiquidationPrice,
		UserID:           w.UserID,
	}
	if w.EntryPrice != nil {
		p.EntryPrice = *w.EntryPrice
	}
	return p, nil
}

func decodeOrders(env envelope, raw []byte) (models.Event, error) {
	switch env.Action {
	case models.ActionSnapshot:
		var items []wireOrder
		if missingResult(env.Result) {
			return nil, malformed(FrameOrders, "missing result")
		}
		if err := json.Unmarshal(env.Result, &items); err != nil {
			return nil, &DecodeError{Type: FrameOrders, Reason: "invalid snapshot result", Err: err}
		}
		orders := make([]models.Order, 0, len(items))
		for i, w := range items {
			o, err := w.toModel()
			if err != nil {
				return nil, fmt.Errorf("snapshot item %d: %w", i, err)
			}
			orders = append(orders, o)
		}
		return models.OrderSnapshot{Orders: orders}, nil

	case models.ActionDelete:
		var w wireOrder
		if err := json.Unmarshal(raw, &w); err != nil {
			return nil, &DecodeError{Type: FrameOrders, Reason: "invalid order", Err: err}
		}
		patch, err := w.toPatch()
		if err != nil {
			return nil, err
		}
		return models.OrderDelete{Patch: patch}, nil

	default:
		var w wireOrder
		if err := json.Unmarshal(raw, &w); err != nil {
			return nil, &DecodeError{Type: FrameOrders, Reason: "invalid order", Err: err}
		}
		o, err := w.toModel()
		if err != nil {
			return nil, err
		}
		return models.OrderDelta{Action: env.Action, Order: o}, nil
	}
}

func (w wireOrder) toModel() (models.Order, error) {
	if w.ID == nil {
		return models.Order{}, malformed(FrameOrders, "missing id")
	}
	if w.ProductSymbol == nil || *w.ProductSymbol == "" {
		return models.Order{}, malformed(FrameOrders, "missing product_symbol for order %d", *w.ID)
	}
	patch, err := w.toPatch()
	if err != nil {
		return models.Order{}, err
	}
	return patch.ApplyTo(models.Order{ID: *w.ID}), nil
}

func (w wireOrder) toPatch() (models.OrderPatch, error) {
	if w.ID == nil {
		return models.OrderPatch{}, malformed(FrameOrders, "missing id")
	}
	p := models.OrderPatch{
		ID:               *w.ID,
		ProductSymbol:    w.ProductSymbol,
		Side:             w.Side,
		State:            w.State,
		OrderType:        w.OrderType,
		AverageFillPrice: w.AverageFillPrice,
		LimitPrice:       w.LimitPrice,
		CreatedAt:        w.CreatedAt,
		UpdatedAt:        w.UpdatedAt,
	}
	if w.Size != nil {
		size, err := integral(*w.Size)
		if err != nil {
			return models.OrderPatch{}, malformed(FrameOrders, "size for order %d: %v", *w.ID, err)
		}
		p.Size = &size
	}
	return p, nil
}

func decodeMarkPrice(raw []byte, receivedAt time.Time) (models.Event, error) {
	var w wireMarkPrice
	if err := json.Unmarshal(raw, &w); err != nil {
		return nil, &DecodeError{Type: FrameMarkPrice, Reason: "invalid mark price", Err: err}
	}
	if w.Symbol == "" {
		return nil, malformed(FrameMarkPrice, "missing symbol")
	}
	if w.Price == nil {
		return nil, malformed(FrameMarkPrice, "missing price for %s", w.Symbol)
	}

	frame := make([]byte, len(raw))
	copy(frame, raw)
	return models.MarkPrice{Tick: models.PriceTick{
		Symbol:     w.Symbol,
		Price:      *w.Price,
		ReceivedAt: receivedAt,
		Raw:        frame,
	}}, nil
}

// integral - размер контракта должен быть целым
func integral(d decimal.Decimal) (int64, error) {
	if !d.Equal(d.Truncate(0)) {
		return 0, fmt.Errorf("non-integral value %s", d)
	}
	return d.IntPart(), nil
}

// ============================================================
// Исходящие команды
// ============================================================

type outbound struct {
	Type    string      `json:"type"`
	Payload interface{} `json:"payload"`
}

type authPayload struct {
	APIKey    string `json:"api-key"`
	Signature string `json:"signature"`
	Timestamp string `json:"timestamp"`
}

type channelSpec struct {
	Name    string   `json:"name"`
	Symbols []string `json:"symbols"`
}

type subscribePayload struct {
	Channels []channelSpec `json:"channels"`
}

// EncodeCommand сериализует команду в кадр площадки.
// Auth подписывается в момент кодирования.
func EncodeCommand(cmd models.Command, signer *Signer) ([]byte, error) {
	switch cmd.Op {
	case models.OpAuth:
		if signer == nil {
			return nil, fmt.Errorf("auth command without credentials")
		}
		ts := signer.Timestamp()
		return json.Marshal(outbound{
			Type: FrameAuth,
			Payload: authPayload{
				APIKey:    signer.APIKey(),
				Signature: signer.SignWebsocket(ts),
				Timestamp: ts,
			},
		})

	case models.OpSubscribe, models.OpUnsubscribe:
		if cmd.Channel == "" || len(cmd.Symbols) == 0 {
			return nil, fmt.Errorf("%s: empty channel or symbols", cmd.Op)
		}
		return json.Marshal(outbound{
			Type: cmd.Op,
			Payload: subscribePayload{Channels: []channelSpec{
				{Name: cmd.Channel, Symbols: cmd.Symbols},
			}},
		})

	default:
		return nil, fmt.Errorf("unknown command op %q", cmd.Op)
	}
}
