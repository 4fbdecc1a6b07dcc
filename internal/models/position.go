package models

import (
	"strings"

	"github.com/shopspring/decimal"
)

// MarkPrefix - префикс канала mark-цены: MARK:<product_symbol>
const MarkPrefix = "MARK:"

// Position - открытая позиция аккаунта на площадке.
// Ключ в State Store - ProductSymbol.
type Position struct {
	ProductSymbol    string           `json:"product_symbol"`
	Size             int64            `json:"size"` // >0 long, <0 short
	EntryPrice       decimal.Decimal  `json:"entry_price"`
	LiquidationPrice *decimal.Decimal `json:"liquidation_price,omitempty"`
	ContractValue    decimal.Decimal  `json:"contract_value"` // множитель на единицу размера
	UserID           int64            `json:"user_id,omitempty"`
}

// MarkSymbol возвращает символ канала mark-цены для позиции
func (p Position) MarkSymbol() string {
	return MarkSymbol(p.ProductSymbol)
}

// Notional - стоимость позиции по цене price: size * contract_value * price
func (p Position) Notional(price decimal.Decimal) decimal.Decimal {
	return decimal.NewFromInt(p.Size).Mul(p.ContractValue).Mul(price)
}

// MarkSymbol строит символ канала mark-цены из символа продукта
func MarkSymbol(productSymbol string) string {
	return MarkPrefix + productSymbol
}

// ProductFromMark - обратное преобразование; ok=false если префикса нет
func ProductFromMark(markSymbol string) (string, bool) {
	if !strings.HasPrefix(markSymbol, MarkPrefix) {
		return "", false
	}
	return strings.TrimPrefix(markSymbol, MarkPrefix), true
}
