package engine

import (
	"sort"
	"sync"

	"riskguard/internal/models"
)

// Store - единственный владелец трёх карт состояния: позиции, ордера, цены.
//
// Контракт single-writer:
// - мутации вызываются только из горутины Engine.Run (по одному событию)
// - чтение допускается из любых горутин (API, hub) и возвращает копии
//
// mu защищает карты от чтения во время применения события, поэтому
// читатель никогда не увидит snapshot наполовину заменённым delta.
type Store struct {
	mu sync.RWMutex

	positions map[string]models.Position  // product_symbol -> позиция
	orders    map[int64]models.Order      // id -> ордер
	prices    map[string]models.PriceTick // MARK:<symbol> -> последний тик
	active    SymbolSet                   // каналы mark_price, на которые подписаны сейчас
}

// NewStore создаёт пустое хранилище
func NewStore() *Store {
	return &Store{
		positions: make(map[string]models.Position),
		orders:    make(map[int64]models.Order),
		prices:    make(map[string]models.PriceTick),
		active:    make(SymbolSet),
	}
}

// ============================================================
// Позиции
// ============================================================

// ApplyPositionSnapshot полностью заменяет карту позиций
func (s *Store) ApplyPositionSnapshot(list []models.Position) {
	next := make(map[string]models.Position, len(list))
	for _, p := range list {
		next[p.ProductSymbol] = p
	}

	s.mu.Lock()
	s.positions = next
	s.mu.Unlock()
}

// ApplyPositionDelta перезаписывает одну позицию целиком. Delta никогда не удаляет.
func (s *Store) ApplyPositionDelta(p models.Position) {
	s.mu.Lock()
	s.positions[p.ProductSymbol] = p
	s.mu.Unlock()
}

// ============================================================
// Ордера
// ============================================================

// ApplyOrderSnapshot заменяет карту ордеров содержимым snapshot
func (s *Store) ApplyOrderSnapshot(list []models.Order) {
	next := make(map[int64]models.Order, len(list))
	for _, o := range list {
		next[o.ID] = o
	}

	s.mu.Lock()
	s.orders = next
	s.mu.Unlock()
}

// ApplyOrderDelta - upsert ордера (create/update)
func (s *Store) ApplyOrderDelta(o models.Order) {
	s.mu.Lock()
	s.orders[o.ID] = o
	s.mu.Unlock()
}

// ApplyOrderDelete накладывает поля события на существующую запись.
// Запись не удаляется. Если записи нет - no-op, возвращает false.
func (s *Store) ApplyOrderDelete(patch models.OrderPatch) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	prior, ok := s.orders[patch.ID]
	if !ok {
		return false
	}
	s.orders[patch.ID] = patch.ApplyTo(prior)
	return true
}

// ============================================================
// Цены и подписки
// ============================================================

// ApplyPriceTick сохраняет тик, только если канал в активной подписке.
// Возвращает false, если тик отброшен.
func (s *Store) ApplyPriceTick(tick models.PriceTick) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.active.Has(tick.Symbol) {
		return false
	}
	s.prices[tick.Symbol] = tick
	return true
}

// SetActiveSymbols фиксирует набор активных подписок и удаляет цены
// каналов, которые в него больше не входят. Возвращает true, если
// карта цен изменилась.
func (s *Store) SetActiveSymbols(set SymbolSet) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.active = set.Clone()

	pruned := false
	for sym := range s.prices {
		if !s.active.Has(sym) {
			delete(s.prices, sym)
			pruned = true
		}
	}
	return pruned
}

// ResetSubscriptions - после разрыва соединения учёт подписок недействителен.
// Позиции и ордера остаются: реальные позиции на площадке не изменились.
func (s *Store) ResetSubscriptions() {
	s.mu.Lock()
	s.active = make(SymbolSet)
	s.prices = make(map[string]models.PriceTick)
	s.mu.Unlock()
}

// ============================================================
// Чтение (копии)
// ============================================================

// StoreView - три коллекции, прочитанные под одной блокировкой
type StoreView struct {
	Positions []models.Position
	Orders    []models.Order
	Prices    map[string]models.PriceTick
}

// Snapshot копирует позиции, ордера и цены за один захват mu:
// между коллекциями не может вклиниться событие
func (s *Store) Snapshot() StoreView {
	s.mu.RLock()
	positions := s.copyPositions()
	orders := s.copyOrders()
	prices := s.copyPrices()
	s.mu.RUnlock()

	sortPositions(positions)
	sortOrders(orders)
	return StoreView{Positions: positions, Orders: orders, Prices: prices}
}

// Positions возвращает позиции, отсортированные по символу
func (s *Store) Positions() []models.Position {
	s.mu.RLock()
	out := s.copyPositions()
	s.mu.RUnlock()

	sortPositions(out)
	return out
}

// Orders возвращает ордера, отсортированные по id
func (s *Store) Orders() []models.Order {
	s.mu.RLock()
	out := s.copyOrders()
	s.mu.RUnlock()

	sortOrders(out)
	return out
}

// Order возвращает ордер по id
func (s *Store) Order(id int64) (models.Order, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	o, ok := s.orders[id]
	return o, ok
}

// Prices возвращает копию карты цен
func (s *Store) Prices() map[string]models.PriceTick {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.copyPrices()
}

// copy* вызываются под mu

func (s *Store) copyPositions() []models.Position {
	out := make([]models.Position, 0, len(s.positions))
	for _, p := range s.positions {
		out = append(out, p)
	}
	return out
}

func (s *Store) copyOrders() []models.Order {
	out := make([]models.Order, 0, len(s.orders))
	for _, o := range s.orders {
		out = append(out, o)
	}
	return out
}

func (s *Store) copyPrices() map[string]models.PriceTick {
	out := make(map[string]models.PriceTick, len(s.prices))
	for k, v := range s.prices {
		out[k] = v
	}
	return out
}

func sortPositions(list []models.Position) {
	sort.Slice(list, func(i, j int) bool { return list[i].ProductSymbol < list[j].ProductSymbol })
}

func sortOrders(list []models.Order) {
	sort.Slice(list, func(i, j int) bool { return list[i].ID < list[j].ID })
}

// ActiveSymbols - текущий учёт активных подписок mark_price
func (s *Store) ActiveSymbols() SymbolSet {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.active.Clone()
}

// DesiredSymbols - { "MARK:" + symbol } по всем позициям карты
func (s *Store) DesiredSymbols() SymbolSet {
	s.mu.RLock()
	defer s.mu.RUnlock()

	set := make(SymbolSet, len(s.positions))
	for sym := range s.positions {
		set.Add(models.MarkSymbol(sym))
	}
	return set
}
