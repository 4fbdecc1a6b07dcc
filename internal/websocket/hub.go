package websocket

import (
	"bytes"
	"context"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"riskguard/internal/engine"
	"riskguard/internal/models"
	"riskguard/pkg/utils"
)

// Буферы JSON для Broadcast: публикация идёт на каждый тик цены
var jsonBufferPool = sync.Pool{
	New: func() interface{} {
		return bytes.NewBuffer(make([]byte, 0, 512))
	},
}

// StateProvider - источник полного состояния для новых клиентов
type StateProvider interface {
	Snapshot() engine.Snapshot
}

// BoundsUpdater применяет команды оператора к границам риска
type BoundsUpdater interface {
	UpdateBounds(ctx context.Context, u engine.BoundsUpdate) (models.RiskBounds, error)
}

// Authorizer решает, может ли подключение отправлять команды оператора
type Authorizer func(r *http.Request) bool

// Hub управляет всеми WebSocket соединениями наблюдателей.
//
// Реализует engine.Observer: каждое изменение состояния ядра рассылается
// всем клиентам. Публикация не блокирует ядро: при переполненной очереди
// сообщение отбрасывается и учитывается в DroppedMessages.
//
// Новый клиент сразу получает полное текущее состояние (позиции, ордера,
// цены, обе границы, оценку, подключение), дальше - обновления.
//
// Использование:
// 1. hub := NewHub(log); hub.SetStateProvider(eng); hub.SetBoundsUpdater(eng)
// 2. go hub.Run()
// 3. eng.SetObserver(hub)
type Hub struct {
	// Зарегистрированные клиенты
	clients map[*Client]bool

	// Broadcast канал для отправки сообщений всем клиентам
	broadcast chan []byte

	register   chan *Client
	unregister chan *Client
	stop       chan struct{}
	stopOnce   sync.Once

	// Сообщения, не попавшие в очередь или к медленному клиенту
	dropped uint64

	state      StateProvider
	bounds     BoundsUpdater
	authorizer Authorizer
	origins    *OriginChecker

	mu  sync.RWMutex
	log *utils.Logger
}

// NewHub создает новый Hub
func NewHub(log *utils.Logger) *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		broadcast:  make(chan []byte, 1024),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		stop:       make(chan struct{}),
		origins:    NewOriginChecker(nil),
		log:        log.WithComponent("ws_hub"),
	}
}

func (h *Hub) SetStateProvider(p StateProvider)  { h.state = p }
func (h *Hub) SetBoundsUpdater(u BoundsUpdater)  { h.bounds = u }
func (h *Hub) SetAuthorizer(a Authorizer)        { h.authorizer = a }
func (h *Hub) SetOriginChecker(c *OriginChecker) { h.origins = c }

// Run запускает главный цикл Hub до вызова Stop.
// Должен запускаться в отдельной горутине: go hub.Run()
func (h *Hub) Run() {
	for {
		select {
		case <-h.stop:
			h.mu.Lock()
			for client := range h.clients {
				delete(h.clients, client)
				close(client.send)
			}
			h.mu.Unlock()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			total := len(h.clients)
			h.mu.Unlock()
			h.sendInitialState(client)
			h.log.Info("Observer connected",
				utils.String("client_id", client.id),
				utils.Bool("operator", client.operator),
				utils.Int("total", total),
			)

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
			total := len(h.clients)
			h.mu.Unlock()
			h.log.Info("Observer disconnected", utils.String("client_id", client.id), utils.Int("total", total))

		case message := <-h.broadcast:
			// Копируем список под коротким RLock, отправляем без блокировки
			h.mu.RLock()
			clients := make([]*Client, 0, len(h.clients))
			for client := range h.clients {
				clients = append(clients, client)
			}
			h.mu.RUnlock()

			var toRemove []*Client
			for _, client := range clients {
				select {
				case client.send <- message:
				default:
					// Клиент не успевает читать
					toRemove = append(toRemove, client)
				}
			}

			if len(toRemove) > 0 {
				h.mu.Lock()
				for _, client := range toRemove {
					if _, ok := h.clients[client]; ok {
						delete(h.clients, client)
						close(client.send)
					}
				}
				total := len(h.clients)
				h.mu.Unlock()
				atomic.AddUint64(&h.dropped, uint64(len(toRemove)))
				h.log.Warn("Removed slow observers", utils.Int("removed", len(toRemove)), utils.Int("total", total))
			}
		}
	}
}

// Stop останавливает Run и закрывает очереди клиентов
func (h *Hub) Stop() {
	h.stopOnce.Do(func() { close(h.stop) })
}

// sendInitialState кладёт снимок состояния в очередь нового клиента
func (h *Hub) sendInitialState(c *Client) {
	if h.state == nil {
		return
	}
	snap := h.state.Snapshot()

	msgs := []*Message{
		NewPositionsMessage(snap.Positions),
		NewOrdersMessage(snap.Orders),
		NewPricesMessage(snap.Prices),
	}
	msgs = append(msgs, NewBoundsMessages(snap.Bounds)...)
	if snap.Valuation != nil {
		msgs = append(msgs, NewValuationMessage(*snap.Valuation))
	}
	msgs = append(msgs, NewConnectionMessage(snap.Connection, engine.StateInfo(snap.Connection)))
	if snap.LastLiquidation != nil {
		msgs = append(msgs, NewLiquidationMessage(*snap.LastLiquidation))
	}

	for _, m := range msgs {
		data, err := encode(m)
		if err != nil {
			h.log.Error("Failed to encode initial state", utils.String("type", string(m.Type)), utils.Err(err))
			continue
		}
		select {
		case c.send <- data:
		default:
			atomic.AddUint64(&h.dropped, 1)
		}
	}
}

// Broadcast сериализует сообщение и ставит его в очередь рассылки.
// Не блокирует: при полной очереди сообщение теряется.
func (h *Hub) Broadcast(message interface{}) {
	data, err := encode(message)
	if err != nil {
		h.log.Error("Error marshaling broadcast message", utils.Err(err))
		return
	}

	select {
	case h.broadcast <- data:
	default:
		atomic.AddUint64(&h.dropped, 1)
	}
}

func encode(message interface{}) ([]byte, error) {
	buf := jsonBufferPool.Get().(*bytes.Buffer)
	buf.Reset()
	defer jsonBufferPool.Put(buf)

	if err := json.NewEncoder(buf).Encode(message); err != nil {
		return nil, err
	}

	// Убираем trailing newline от Encode и копируем: буфер вернётся в пул
	data := bytes.TrimSuffix(buf.Bytes(), []byte{'\n'})
	out := make([]byte, len(data))
	copy(out, data)
	return out, nil
}

// ============================================================
// engine.Observer
// ============================================================

func (h *Hub) PublishPositions(positions []models.Position) {
	h.Broadcast(NewPositionsMessage(positions))
}

func (h *Hub) PublishOrders(orders []models.Order) {
	h.Broadcast(NewOrdersMessage(orders))
}

func (h *Hub) PublishPrices(prices map[string]models.PriceTick) {
	h.Broadcast(NewPricesMessage(prices))
}

func (h *Hub) PublishBounds(bounds models.RiskBounds) {
	for _, m := range NewBoundsMessages(bounds) {
		h.Broadcast(m)
	}
}

func (h *Hub) PublishValuation(v models.Valuation) {
	h.Broadcast(NewValuationMessage(v))
}

func (h *Hub) PublishConnection(state models.ConnectionState) {
	h.Broadcast(NewConnectionMessage(state, engine.StateInfo(state)))
}

func (h *Hub) PublishLiquidation(r models.LiquidationResult) {
	h.Broadcast(NewLiquidationMessage(r))
}

// BroadcastNotification отправляет новое уведомление
func (h *Hub) BroadcastNotification(n *models.Notification) {
	h.Broadcast(NewNotificationMessage(n))
}

// ClientCount возвращает количество подключенных клиентов
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// DroppedMessages - сколько сообщений не дошло до клиентов
func (h *Hub) DroppedMessages() uint64 {
	return atomic.LoadUint64(&h.dropped)
}

// ============================================================
// Команды оператора
// ============================================================

// handleCommand применяет команду границы; ошибка уходит только автору
func (h *Hub) handleCommand(ctx context.Context, c *Client, data []byte) {
	cmd, value, err := ParseClientCommand(data)
	if err != nil {
		h.sendTo(c, NewErrorMessage(cmd.Type, err.Error()))
		return
	}
	if !c.operator {
		h.sendTo(c, NewErrorMessage(cmd.Type, "operator authorisation required"))
		return
	}
	if !c.limiter.Allow() {
		h.sendTo(c, NewErrorMessage(cmd.Type, "too many commands"))
		return
	}
	if h.bounds == nil {
		h.sendTo(c, NewErrorMessage(cmd.Type, "bounds are read-only"))
		return
	}

	var u engine.BoundsUpdate
	if MessageType(cmd.Type) == MessageTypeUpperLimit {
		u = engine.BoundsUpdate{SetUpper: true, Upper: value}
	} else {
		u = engine.BoundsUpdate{SetLower: true, Lower: value}
	}

	// Успешное изменение придёт всем через PublishBounds
	if _, err := h.bounds.UpdateBounds(ctx, u); err != nil {
		h.log.Warn("Operator bound command rejected", utils.String("client_id", c.id), utils.String("command", cmd.Type), utils.Err(err))
		h.sendTo(c, NewErrorMessage(cmd.Type, err.Error()))
		return
	}
	h.log.Info("Operator changed bound via websocket",
		utils.String("client_id", c.id),
		utils.String("command", cmd.Type),
		utils.Bound("value", value),
	)
}

// sendTo отправляет сообщение одному клиенту, если он ещё зарегистрирован.
// Очередь клиента закрывается только под h.mu.Lock, поэтому RLock защищает отправку.
func (h *Hub) sendTo(c *Client, m *Message) {
	data, err := encode(m)
	if err != nil {
		return
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	if !h.clients[c] {
		return
	}
	select {
	case c.send <- data:
	default:
		atomic.AddUint64(&h.dropped, 1)
	}
}

func newClientID() string {
	return uuid.NewString()
}
