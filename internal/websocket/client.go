package websocket

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"riskguard/pkg/ratelimit"
	"riskguard/pkg/utils"
)

const (
	// Время ожидания записи сообщения
	writeWait = 10 * time.Second

	// Время ожидания между pong сообщениями
	pongWait = 60 * time.Second

	// Интервал отправки ping сообщений (должен быть меньше pongWait)
	pingPeriod = (pongWait * 9) / 10

	// Входящие сообщения - только короткие команды оператора
	maxMessageSize = 4096

	// Размер буфера отправки клиента: тики цен идут часто
	clientSendBufferSize = 512

	// Команды оператора: 2 в секунду, burst 5
	commandRate  = 2
	commandBurst = 5

	// Таймаут применения команды ядром
	commandTimeout = 5 * time.Second
)

// OriginChecker проверяет Origin с O(1) lookup через map
// Потокобезопасен для чтения после инициализации
type OriginChecker struct {
	allowedOrigins map[string]struct{}
	allowAll       bool
}

// NewOriginChecker создаёт проверку по списку origins (ALLOWED_ORIGINS).
// Пустой список или "*" - разрешены все (development).
func NewOriginChecker(origins []string) *OriginChecker {
	checker := &OriginChecker{allowedOrigins: make(map[string]struct{})}

	for _, origin := range origins {
		origin = strings.TrimSpace(origin)
		if origin == "*" {
			checker.allowAll = true
			continue
		}
		if origin != "" {
			checker.allowedOrigins[origin] = struct{}{}
		}
	}
	if len(checker.allowedOrigins) == 0 {
		checker.allowAll = true
	}
	return checker
}

// Check проверяет origin за O(1)
func (oc *OriginChecker) Check(origin string) bool {
	if origin == "" {
		return true // Non-browser clients (curl, API tools)
	}
	if oc.allowAll {
		return true
	}
	_, ok := oc.allowedOrigins[origin]
	return ok
}

// Client - одно WebSocket соединение наблюдателя.
//
// Каждый клиент имеет две горутины:
// 1. readPump - читает команды оператора
// 2. writePump - пишет сообщения из очереди send
type Client struct {
	id string

	conn *websocket.Conn
	hub  *Hub

	// Буферизованный канал исходящих сообщений; закрывает только Hub
	send chan []byte

	// Разрешены ли команды изменения границ
	operator bool
	limiter  *ratelimit.RateLimiter
}

// readPump читает команды клиента до разрыва соединения
func (c *Client) readPump(ctx context.Context) {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.stop:
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.log.Debug("Observer read error", utils.String("client_id", c.id), utils.Err(err))
			}
			return
		}

		cmdCtx, cancel := context.WithTimeout(ctx, commandTimeout)
		c.hub.handleCommand(cmdCtx, c, message)
		cancel()
	}
}

// writePump отправляет сообщения клиенту, по одному JSON на кадр
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// Hub закрыл канал
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// ServeWS апгрейдит HTTP соединение и регистрирует клиента.
//
// router.HandleFunc("/ws/stream", hub.ServeWS)
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			return h.origins.Check(r.Header.Get("Origin"))
		},
		EnableCompression: true,
	}

	// Авторизация по заголовкам upgrade-запроса
	operator := h.authorizer == nil || h.authorizer(r)

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("WebSocket upgrade error", utils.Err(err))
		return
	}

	client := &Client{
		id:       newClientID(),
		conn:     conn,
		hub:      h,
		send:     make(chan []byte, clientSendBufferSize),
		operator: operator,
		limiter:  ratelimit.NewRateLimiter(commandRate, commandBurst),
	}

	select {
	case h.register <- client:
	case <-h.stop:
		conn.Close()
		return
	}

	// Соединение живёт дольше HTTP запроса
	ctx := context.WithoutCancel(r.Context())

	go client.writePump()
	go client.readPump(ctx)
}
