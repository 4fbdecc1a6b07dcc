package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// PriceTick - последняя mark-цена по каналу MARK:<symbol>.
// Raw хранит исходный кадр площадки для наблюдателей.
type PriceTick struct {
	Symbol     string          `json:"symbol"`
	Price      decimal.Decimal `json:"price"`
	ReceivedAt time.Time       `json:"received_at"`
	Raw        []byte          `json:"-"`
}
