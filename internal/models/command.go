package models

// Операции исходящих команд к площадке
const (
	OpAuth        = "auth"
	OpSubscribe   = "subscribe"
	OpUnsubscribe = "unsubscribe"
)

// Каналы площадки
const (
	ChannelPositions = "positions"
	ChannelOrders    = "orders"
	ChannelMarkPrice = "mark_price"
)

// SymbolsAll - подписка на все продукты аккаунта
const SymbolsAll = "all"

// Command - исходящая команда к Feed Transport.
// Для OpAuth Channel и Symbols пустые: подпись формирует транспорт.
type Command struct {
	Op      string   `json:"op"`
	Channel string   `json:"channel,omitempty"`
	Symbols []string `json:"symbols,omitempty"`
}
