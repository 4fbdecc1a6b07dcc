package exchange

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"riskguard/pkg/retry"
	"riskguard/pkg/utils"
)

// WSReconnectConfig конфигурация переподключения WebSocket
type WSReconnectConfig struct {
	// Таймаут подключения
	ConnectTimeout time.Duration
	// Интервал ping для проверки соединения
	PingInterval time.Duration
	// Таймаут ожидания pong (read deadline = PingInterval + PongTimeout)
	PongTimeout time.Duration
	// Таймаут записи одного кадра
	WriteTimeout time.Duration
	// Задержки между попытками: 2s, 4s, 8s, 16s
	Backoff retry.Config
	// Максимальное количество попыток подряд (0 = бесконечно)
	MaxRetries int
}

// DefaultWSReconnectConfig возвращает конфигурацию по умолчанию.
// Guard не должен сдаваться, поэтому попытки не ограничены.
func DefaultWSReconnectConfig() WSReconnectConfig {
	return WSReconnectConfig{
		ConnectTimeout: 10 * time.Second,
		PingInterval:   30 * time.Second,
		PongTimeout:    10 * time.Second,
		WriteTimeout:   5 * time.Second,
		Backoff:        retry.ReconnectConfig(),
		MaxRetries:     0,
	}
}

// WSConnectionState состояние WebSocket соединения
type WSConnectionState int32

const (
	WSStateDisconnected WSConnectionState = iota
	WSStateConnecting
	WSStateConnected
	WSStateReconnecting
	WSStateClosed
)

func (s WSConnectionState) String() string {
	switch s {
	case WSStateDisconnected:
		return "disconnected"
	case WSStateConnecting:
		return "connecting"
	case WSStateConnected:
		return "connected"
	case WSStateReconnecting:
		return "reconnecting"
	case WSStateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// WSReconnectManager держит WebSocket соединение с площадкой и
// переподключается с exponential backoff.
//
// Подписки менеджер не восстанавливает: после onConnect ядро само проходит
// auth и заново строит подписки по позициям.
//
// Порядок callbacks: onDisconnect всегда вызывается до onConnect
// следующего соединения.
type WSReconnectManager struct {
	wsURL  string
	config WSReconnectConfig

	// WebSocket соединение
	conn   *websocket.Conn
	connMu sync.RWMutex

	// gorilla/websocket допускает только одного писателя
	writeMu sync.Mutex

	state      int32 // atomic WSConnectionState
	retryCount int32 // atomic

	closeChan chan struct{}
	closeOnce sync.Once

	// Callbacks
	onMessage    func([]byte)
	onConnect    func()
	onDisconnect func(error)
	callbackMu   sync.RWMutex

	dialer *websocket.Dialer
	log    *utils.Logger
}

// NewWSReconnectManager создаёт новый менеджер переподключений
func NewWSReconnectManager(wsURL string, config WSReconnectConfig, log *utils.Logger) *WSReconnectManager {
	return &WSReconnectManager{
		wsURL:     wsURL,
		config:    config,
		closeChan: make(chan struct{}),
		dialer:    &websocket.Dialer{HandshakeTimeout: config.ConnectTimeout},
		log:       log.WithComponent("venue_ws"),
	}
}

// SetOnMessage устанавливает callback для входящих сообщений
func (m *WSReconnectManager) SetOnMessage(handler func([]byte)) {
	m.callbackMu.Lock()
	m.onMessage = handler
	m.callbackMu.Unlock()
}

// SetOnConnect устанавливает callback для события подключения
func (m *WSReconnectManager) SetOnConnect(handler func()) {
	m.callbackMu.Lock()
	m.onConnect = handler
	m.callbackMu.Unlock()
}

// SetOnDisconnect устанавливает callback для события отключения
func (m *WSReconnectManager) SetOnDisconnect(handler func(error)) {
	m.callbackMu.Lock()
	m.onDisconnect = handler
	m.callbackMu.Unlock()
}

// GetState возвращает текущее состояние соединения
func (m *WSReconnectManager) GetState() WSConnectionState {
	return WSConnectionState(atomic.LoadInt32(&m.state))
}

// IsConnected проверяет, установлено ли соединение
func (m *WSReconnectManager) IsConnected() bool {
	return m.GetState() == WSStateConnected
}

// GetRetryCount возвращает текущее количество попыток переподключения
func (m *WSReconnectManager) GetRetryCount() int {
	return int(atomic.LoadInt32(&m.retryCount))
}

// Connect устанавливает соединение. При неудаче запускает фоновое
// переподключение и возвращает ошибку первой попытки.
func (m *WSReconnectManager) Connect() error {
	select {
	case <-m.closeChan:
		return fmt.Errorf("manager is closed")
	default:
	}

	atomic.StoreInt32(&m.state, int32(WSStateConnecting))

	conn, err := m.dial()
	if err != nil {
		m.log.Warn("Initial venue connection failed", utils.Err(err))
		atomic.StoreInt32(&m.state, int32(WSStateReconnecting))
		go m.reconnectLoop()
		return err
	}

	m.established(conn)
	m.log.Info("WebSocket connected", utils.String("url", m.wsURL))
	return nil
}

// dial выполняет подключение к WebSocket
func (m *WSReconnectManager) dial() (*websocket.Conn, error) {
	ctx, cancel := context.WithTimeout(context.Background(), m.config.ConnectTimeout)
	defer cancel()

	conn, _, err := m.dialer.DialContext(ctx, m.wsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("dial error: %w", err)
	}
	return conn, nil
}

// established публикует новое соединение и запускает его горутины
func (m *WSReconnectManager) established(conn *websocket.Conn) {
	m.connMu.Lock()
	m.conn = conn
	m.connMu.Unlock()

	atomic.StoreInt32(&m.state, int32(WSStateConnected))
	atomic.StoreInt32(&m.retryCount, 0)

	readTimeout := m.config.PingInterval + m.config.PongTimeout
	_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(readTimeout))
	})

	m.callbackMu.RLock()
	onConnect := m.onConnect
	m.callbackMu.RUnlock()

	// onConnect до запуска readPump: событие подключения всегда раньше кадров
	if onConnect != nil {
		onConnect()
	}

	done := make(chan struct{})
	go m.readPump(conn, done)
	go m.pingPump(conn, done)
}

// readPump читает сообщения текущего соединения
func (m *WSReconnectManager) readPump(conn *websocket.Conn, done chan struct{}) {
	defer close(done)

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			m.handleDisconnect(conn, err)
			return
		}

		// Любой кадр подтверждает живость соединения
		_ = conn.SetReadDeadline(time.Now().Add(m.config.PingInterval + m.config.PongTimeout))

		m.callbackMu.RLock()
		onMessage := m.onMessage
		m.callbackMu.RUnlock()

		if onMessage != nil {
			onMessage(message)
		}
	}
}

// pingPump отправляет ping для проверки соединения
func (m *WSReconnectManager) pingPump(conn *websocket.Conn, done chan struct{}) {
	ticker := time.NewTicker(m.config.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.closeChan:
			return
		case <-done:
			return
		case <-ticker.C:
			deadline := time.Now().Add(m.config.PongTimeout)
			if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				m.log.Warn("Ping failed", utils.Err(err))
				// readPump получит ошибку чтения и обработает разрыв
				_ = conn.Close()
				return
			}
		}
	}
}

// handleDisconnect обрабатывает разрыв соединения conn
func (m *WSReconnectManager) handleDisconnect(conn *websocket.Conn, err error) {
	select {
	case <-m.closeChan:
		return
	default:
	}

	// Разрыв уже заменённого соединения не интересен
	m.connMu.Lock()
	if m.conn != conn {
		m.connMu.Unlock()
		return
	}
	m.conn = nil
	m.connMu.Unlock()
	_ = conn.Close()

	if !atomic.CompareAndSwapInt32(&m.state, int32(WSStateConnected), int32(WSStateReconnecting)) {
		return
	}

	m.log.Warn("WebSocket disconnected", utils.Err(err))

	m.callbackMu.RLock()
	onDisconnect := m.onDisconnect
	m.callbackMu.RUnlock()

	if onDisconnect != nil {
		onDisconnect(err)
	}

	go m.reconnectLoop()
}

// reconnectLoop выполняет переподключение с exponential backoff
func (m *WSReconnectManager) reconnectLoop() {
	for {
		retryCount := atomic.AddInt32(&m.retryCount, 1)

		if m.config.MaxRetries > 0 && int(retryCount) > m.config.MaxRetries {
			m.log.Error("Max reconnect attempts reached", utils.Int("max_retries", m.config.MaxRetries))
			atomic.StoreInt32(&m.state, int32(WSStateDisconnected))
			return
		}

		delay := m.config.Backoff.Backoff(int(retryCount) - 1)
		m.log.Info("Reconnecting", utils.Duration("delay", delay), utils.Int("attempt", int(retryCount)))

		timer := time.NewTimer(delay)
		select {
		case <-m.closeChan:
			timer.Stop()
			return
		case <-timer.C:
		}

		conn, err := m.dial()
		if err != nil {
			Reconnects.WithLabelValues("failed").Inc()
			m.log.Warn("Reconnect failed", utils.Err(err), utils.Int("attempt", int(retryCount)))
			continue
		}

		// Close мог случиться во время dial
		select {
		case <-m.closeChan:
			_ = conn.Close()
			return
		default:
		}

		Reconnects.WithLabelValues("success").Inc()
		m.established(conn)
		m.log.Info("WebSocket reconnected", utils.Int("attempts", int(retryCount)))
		return
	}
}

// Send отправляет текстовый кадр
func (m *WSReconnectManager) Send(data []byte) error {
	if m.GetState() != WSStateConnected {
		return fmt.Errorf("%w (state: %s)", ErrNotConnected, m.GetState())
	}

	m.connMu.RLock()
	conn := m.conn
	m.connMu.RUnlock()

	if conn == nil {
		return ErrNotConnected
	}

	m.writeMu.Lock()
	defer m.writeMu.Unlock()

	_ = conn.SetWriteDeadline(time.Now().Add(m.config.WriteTimeout))
	return conn.WriteMessage(websocket.TextMessage, data)
}

// Close закрывает WebSocket соединение и останавливает переподключение
func (m *WSReconnectManager) Close() error {
	var err error
	m.closeOnce.Do(func() {
		close(m.closeChan)
		atomic.StoreInt32(&m.state, int32(WSStateClosed))

		m.connMu.Lock()
		conn := m.conn
		m.conn = nil
		m.connMu.Unlock()

		if conn != nil {
			m.writeMu.Lock()
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			m.writeMu.Unlock()
			err = conn.Close()
			if errors.Is(err, websocket.ErrCloseSent) {
				err = nil
			}
		}
	})
	return err
}
