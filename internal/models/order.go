package models

import "github.com/shopspring/decimal"

// Order - ордер аккаунта. Ключ в State Store - ID.
type Order struct {
	ID               int64            `json:"id"`
	ProductSymbol    string           `json:"product_symbol"`
	Side             string           `json:"side"` // buy, sell
	Size             int64            `json:"size"`
	State            string           `json:"state"` // open, pending, closed, cancelled
	OrderType        string           `json:"order_type"`
	AverageFillPrice *decimal.Decimal `json:"average_fill_price,omitempty"`
	LimitPrice       *decimal.Decimal `json:"limit_price,omitempty"`
	CreatedAt        string           `json:"created_at,omitempty"`
	UpdatedAt        string           `json:"updated_at,omitempty"`
}

// Стороны ордера
const (
	SideBuy  = "buy"
	SideSell = "sell"
)

// Состояния ордера
const (
	OrderStateOpen      = "open"
	OrderStatePending   = "pending"
	OrderStateClosed    = "closed"
	OrderStateCancelled = "cancelled"
)

// OrderPatch - частичное обновление ордера из события delete.
// nil-поле означает "в событии не было", такое поле не перезаписывается.
type OrderPatch struct {
	ID               int64
	ProductSymbol    *string
	Side             *string
	Size             *int64
	State            *string
	OrderType        *string
	AverageFillPrice *decimal.Decimal
	LimitPrice       *decimal.Decimal
	CreatedAt        *string
	UpdatedAt        *string
}

// ApplyTo накладывает присутствующие поля патча на копию ордера
func (p OrderPatch) ApplyTo(o Order) Order {
	if p.ProductSymbol != nil {
		o.ProductSymbol = *p.ProductSymbol
	}
	if p.Side != nil {
		o.Side = *p.Side
	}
	if p.Size != nil {
		o.Size = *p.Size
	}
	if p.State != nil {
		o.State = *p.State
	}
	if p.OrderType != nil {
		o.OrderType = *p.OrderType
	}
	if p.AverageFillPrice != nil {
		v := *p.AverageFillPrice
		o.AverageFillPrice = &v
	}
	if p.LimitPrice != nil {
		v := *p.LimitPrice
		o.LimitPrice = &v
	}
	if p.CreatedAt != nil {
		o.CreatedAt = *p.CreatedAt
	}
	if p.UpdatedAt != nil {
		o.UpdatedAt = *p.UpdatedAt
	}
	return o
}
