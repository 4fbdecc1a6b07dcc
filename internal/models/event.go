package models

// Event - входящее событие площадки после декодирования.
// Набор вариантов закрыт: реализовать Event можно только в этом пакете.
type Event interface {
	Kind() EventKind
	isEvent()
}

// EventKind - тип события
type EventKind string

const (
	KindPositions     EventKind = "positions"
	KindOrders        EventKind = "orders"
	KindMarkPrice     EventKind = "mark_price"
	KindConnected     EventKind = "connected"
	KindAuthenticated EventKind = "authenticated"
	KindDisconnected  EventKind = "disconnected"
)

// Действия в событиях positions/orders
const (
	ActionSnapshot = "snapshot"
	ActionCreate   = "create"
	ActionUpdate   = "update"
	ActionDelete   = "delete"
)

// PositionSnapshot - полный список позиций (resync)
type PositionSnapshot struct {
	Positions []Position
}

// PositionDelta - изменение одной позиции; Action как прислала площадка
type PositionDelta struct {
	Action   string
	Position Position
}

// OrderSnapshot - полный список ордеров
type OrderSnapshot struct {
	Orders []Order
}

// OrderDelta - create/update одного ордера
type OrderDelta struct {
	Action string
	Order  Order
}

// OrderDelete - delete: поля накладываются на существующую запись
type OrderDelete struct {
	Patch OrderPatch
}

// MarkPrice - тик mark-цены
type MarkPrice struct {
	Tick PriceTick
}

// Connected - транспорт установил соединение
type Connected struct{}

// Authenticated - площадка подтвердила аутентификацию
type Authenticated struct{}

// Disconnected - соединение потеряно
type Disconnected struct {
	Reason string
}

func (PositionSnapshot) Kind() EventKind { return KindPositions }
func (PositionDelta) Kind() EventKind    { return KindPositions }
func (OrderSnapshot) Kind() EventKind    { return KindOrders }
func (OrderDelta) Kind() EventKind       { return KindOrders }
func (OrderDelete) Kind() EventKind      { return KindOrders }
func (MarkPrice) Kind() EventKind        { return KindMarkPrice }
func (Connected) Kind() EventKind        { return KindConnected }
func (Authenticated) Kind() EventKind    { return KindAuthenticated }
func (Disconnected) Kind() EventKind     { return KindDisconnected }

func (PositionSnapshot) isEvent() {}
func (PositionDelta) isEvent()    {}
func (OrderSnapshot) isEvent()    {}
func (OrderDelta) isEvent()       {}
func (OrderDelete) isEvent()      {}
func (MarkPrice) isEvent()        {}
func (Connected) isEvent()        {}
func (Authenticated) isEvent()    {}
func (Disconnected) isEvent()     {}
