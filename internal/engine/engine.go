package engine

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"riskguard/internal/models"
	"riskguard/pkg/retry"
	"riskguard/pkg/utils"
)

var (
	// ErrEngineStopped - цикл Run завершён, события больше не принимаются
	ErrEngineStopped = errors.New("engine stopped")

	// ErrNoAccount - ни у одной позиции нет user_id, закрывать нечего
	ErrNoAccount = errors.New("no account id on held positions")
)

// FeedSender - исходящие команды к площадке. Send не ждёт подтверждения:
// ответы приходят обычными событиями.
type FeedSender interface {
	Send(cmd models.Command) error
}

// LiquidationExecutor закрывает все позиции аккаунта на площадке
type LiquidationExecutor interface {
	CloseAll(ctx context.Context, accountID int64) error
}

// Observer получает снимки состояния при каждом изменении.
// Вызовы идут из горутины Engine и не должны блокировать.
type Observer interface {
	PublishPositions(positions []models.Position)
	PublishOrders(orders []models.Order)
	PublishPrices(prices map[string]models.PriceTick)
	PublishBounds(bounds models.RiskBounds)
	PublishValuation(v models.Valuation)
	PublishConnection(state models.ConnectionState)
	PublishLiquidation(result models.LiquidationResult)
}

// Config - параметры ядра
type Config struct {
	InboxSize int

	// Начальные границы (могут быть пустыми)
	Bounds models.RiskBounds

	LiquidationRetry    retry.Config
	LiquidationTimeout  time.Duration
	LiquidationCooldown time.Duration
}

// DefaultConfig возвращает конфигурацию по умолчанию
func DefaultConfig() Config {
	cfg := retry.LiquidationConfig()
	cfg.RetryIf = retry.NotContext
	return Config{
		InboxSize:           1024,
		LiquidationRetry:    cfg,
		LiquidationTimeout:  15 * time.Second,
		LiquidationCooldown: 30 * time.Second,
	}
}

// Engine - event-driven ядро сверки состояния.
//
// Все события (площадка, оператор, итоги ликвидаций) проходят через один
// канал inbox и применяются строго по одному в порядке поступления:
//
//	Feed → inbox → Store → SubscriptionManager → RiskMonitor → Observers
//
// Команды площадке и ликвидация fire-and-forget: цикл не ждёт ответа,
// результат ликвидации возвращается в inbox отдельным сообщением.
type Engine struct {
	cfg Config

	store *Store
	subs  *SubscriptionManager
	risk  *RiskMonitor
	conn  *ConnectionMachine

	feed     FeedSender
	executor LiquidationExecutor
	observer Observer

	// Канал уведомлений оператора (отправка неблокирующая)
	notificationChan chan<- *models.Notification

	inbox chan message
	done  chan struct{}
	liqWG sync.WaitGroup

	// Копия производного состояния для читателей вне цикла
	viewMu sync.RWMutex
	view   view

	// Последняя ошибка оценки - чтобы не слать уведомление на каждый тик
	lastEvalErr string

	log *utils.Logger
}

type view struct {
	bounds          models.RiskBounds
	latched         bool
	connection      models.ConnectionState
	valuation       *models.Valuation
	lastLiquidation *models.LiquidationResult
}

// Snapshot - полное текущее состояние для API и новых наблюдателей
type Snapshot struct {
	Positions       []models.Position           `json:"positions"`
	Orders          []models.Order              `json:"orders"`
	Prices          map[string]models.PriceTick `json:"prices"`
	Bounds          models.RiskBounds           `json:"bounds"`
	Latched         bool                        `json:"latched"`
	Connection      models.ConnectionState      `json:"connection"`
	Valuation       *models.Valuation           `json:"valuation,omitempty"`
	LastLiquidation *models.LiquidationResult   `json:"last_liquidation,omitempty"`
}

// ============================================================
// Сообщения inbox
// ============================================================

type message interface{ isMessage() }

type feedMessage struct{ event models.Event }

type boundsMessage struct {
	update BoundsUpdate
	reply  chan boundsReply
}

type boundsReply struct {
	bounds models.RiskBounds
	err    error
}

type liquidationMessage struct{ result models.LiquidationResult }

func (feedMessage) isMessage()        {}
func (boundsMessage) isMessage()      {}
func (liquidationMessage) isMessage() {}

// BoundsUpdate - изменение границ оператором. Set*=false оставляет границу
// как есть, Set*=true с nil значением снимает её.
type BoundsUpdate struct {
	SetUpper bool
	Upper    *decimal.Decimal
	SetLower bool
	Lower    *decimal.Decimal
}

// ReplaceBounds - заменить обе границы
func ReplaceBounds(b models.RiskBounds) BoundsUpdate {
	return BoundsUpdate{SetUpper: true, Upper: b.UpperLimit, SetLower: true, Lower: b.LowerLimit}
}

// Apply возвращает новые границы
func (u BoundsUpdate) Apply(cur models.RiskBounds) models.RiskBounds {
	if u.SetUpper {
		cur.UpperLimit = u.Upper
	}
	if u.SetLower {
		cur.LowerLimit = u.Lower
	}
	return cur
}

// ============================================================
// Конструктор
// ============================================================

// NewEngine создаёт ядро. Observer и канал уведомлений подключаются
// через SetObserver/SetNotificationChannel до Run.
func NewEngine(cfg Config, feed FeedSender, executor LiquidationExecutor, log *utils.Logger) *Engine {
	if cfg.InboxSize <= 0 {
		cfg.InboxSize = DefaultConfig().InboxSize
	}
	if cfg.LiquidationTimeout <= 0 {
		cfg.LiquidationTimeout = DefaultConfig().LiquidationTimeout
	}

	log = log.WithComponent("engine")
	e := &Engine{
		cfg:      cfg,
		store:    NewStore(),
		subs:     NewSubscriptionManager(feed, log),
		risk:     NewRiskMonitor(cfg.Bounds, cfg.LiquidationCooldown),
		conn:     NewConnectionMachine(),
		feed:     feed,
		executor: executor,
		observer: noopObserver{},
		inbox:    make(chan message, cfg.InboxSize),
		done:     make(chan struct{}),
		log:      log,
	}
	e.view.bounds = cfg.Bounds
	e.view.connection = models.ConnDisconnected
	return e
}

// SetObserver подключает наблюдателя (WebSocket hub)
func (e *Engine) SetObserver(o Observer) {
	if o == nil {
		o = noopObserver{}
	}
	e.observer = o
}

// SetNotificationChannel подключает канал уведомлений оператора
func (e *Engine) SetNotificationChannel(ch chan<- *models.Notification) {
	e.notificationChan = ch
}

// Store - доступ на чтение к состоянию
func (e *Engine) Store() *Store {
	return e.store
}

// ============================================================
// Главный цикл
// ============================================================

// Run обрабатывает inbox до отмены ctx. Блокирующий вызов.
func (e *Engine) Run(ctx context.Context) error {
	defer close(e.done)

	e.log.Info("Engine started", utils.Bound("upper_limit", e.cfg.Bounds.UpperLimit), utils.Bound("lower_limit", e.cfg.Bounds.LowerLimit))

	for {
		select {
		case <-ctx.Done():
			e.liqWG.Wait()
			e.log.Info("Engine stopped")
			return ctx.Err()
		case msg := <-e.inbox:
			e.dispatch(ctx, msg)
		}
	}
}

// Submit ставит событие площадки в очередь. Блокирует, если очередь полна.
func (e *Engine) Submit(ctx context.Context, ev models.Event) error {
	return e.post(ctx, feedMessage{event: ev})
}

// UpdateBounds применяет изменение границ и ждёт результата.
// Latch сбрасывается, портфель сразу переоценивается.
func (e *Engine) UpdateBounds(ctx context.Context, u BoundsUpdate) (models.RiskBounds, error) {
	reply := make(chan boundsReply, 1)
	if err := e.post(ctx, boundsMessage{update: u, reply: reply}); err != nil {
		return models.RiskBounds{}, err
	}

	select {
	case r := <-reply:
		return r.bounds, r.err
	case <-e.done:
		return models.RiskBounds{}, ErrEngineStopped
	case <-ctx.Done():
		return models.RiskBounds{}, ctx.Err()
	}
}

func (e *Engine) post(ctx context.Context, msg message) error {
	select {
	case e.inbox <- msg:
		return nil
	case <-e.done:
		return ErrEngineStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Engine) dispatch(ctx context.Context, msg message) {
	switch m := msg.(type) {
	case feedMessage:
		start := time.Now()
		e.handleEvent(ctx, m.event)
		kind := string(m.event.Kind())
		EventsProcessed.WithLabelValues(kind, eventAction(m.event)).Inc()
		EventDispatchLatency.WithLabelValues(kind).Observe(float64(time.Since(start).Microseconds()) / 1000)
	case boundsMessage:
		e.handleBounds(ctx, m)
	case liquidationMessage:
		e.handleLiquidationResult(m.result)
	}
	e.refreshView()
}

// ============================================================
// События площадки
// ============================================================

func (e *Engine) handleEvent(ctx context.Context, ev models.Event) {
	switch ev := ev.(type) {
	case models.PositionSnapshot:
		e.store.ApplyPositionSnapshot(ev.Positions)
		e.log.Info("Position snapshot applied", utils.Int("positions", len(ev.Positions)))
		e.afterPositionChange()

	case models.PositionDelta:
		e.store.ApplyPositionDelta(ev.Position)
		e.log.Debug("Position updated",
			utils.Symbol(ev.Position.ProductSymbol),
			utils.Size(ev.Position.Size),
			utils.Action(ev.Action),
		)
		e.afterPositionChange()

	case models.OrderSnapshot:
		e.store.ApplyOrderSnapshot(ev.Orders)
		e.observer.PublishOrders(e.store.Orders())

	case models.OrderDelta:
		e.store.ApplyOrderDelta(ev.Order)
		e.observer.PublishOrders(e.store.Orders())

	case models.OrderDelete:
		if !e.store.ApplyOrderDelete(ev.Patch) {
			e.log.Debug("Delete for unknown order ignored", utils.OrderID(ev.Patch.ID))
			return
		}
		e.observer.PublishOrders(e.store.Orders())

	case models.MarkPrice:
		if !e.store.ApplyPriceTick(ev.Tick) {
			PriceTicksDiscarded.Inc()
			e.log.Debug("Discarded tick for unsubscribed channel", utils.Symbol(ev.Tick.Symbol))
			return
		}
		e.observer.PublishPrices(e.store.Prices())
		e.evaluateRisk(ctx)

	case models.Connected:
		e.handleConnected()

	case models.Authenticated:
		e.handleAuthenticated()

	case models.Disconnected:
		e.handleDisconnected(ev.Reason)
	}
}

// afterPositionChange публикует позиции и сверяет подписки по всей карте
// позиций, а не по одному delta.
func (e *Engine) afterPositionChange() {
	e.observer.PublishPositions(e.store.Positions())

	desired := e.store.DesiredSymbols()
	if _, err := e.subs.Sync(e.store.ActiveSymbols(), desired); err != nil {
		e.log.Error("Subscription sync incomplete", utils.Err(err))
	}
	if e.store.SetActiveSymbols(desired) {
		e.observer.PublishPrices(e.store.Prices())
	}
	ActiveSubscriptions.Set(float64(len(desired)))
}

func (e *Engine) handleConnected() {
	if e.conn.State() != models.ConnDisconnected {
		// disconnect потерян - считаем, что он был
		e.handleDisconnected("reconnected without disconnect event")
	}
	if !e.transition(models.ConnConnecting) {
		return
	}
	if err := e.feed.Send(models.Command{Op: models.OpAuth}); err != nil {
		e.log.Error("Failed to send auth request", utils.Err(err))
		return
	}
	e.transition(models.ConnAuthenticating)
}

func (e *Engine) handleAuthenticated() {
	if !e.transition(models.ConnAuthenticated) {
		return
	}
	if err := e.subs.Baseline(); err != nil {
		e.log.Error("Failed to subscribe to positions/orders", utils.Err(err))
		return
	}
	e.transition(models.ConnSubscribed)
	e.notify(models.NotificationTypeConnection, models.SeverityInfo, "Venue connection authenticated and subscribed", nil)
}

// handleDisconnected сбрасывает учёт подписок и цены. Latch риска не трогаем:
// реальные позиции на площадке не изменились.
func (e *Engine) handleDisconnected(reason string) {
	wasConnected := e.conn.State() != models.ConnDisconnected
	e.conn.Reset()
	e.store.ResetSubscriptions()
	ActiveSubscriptions.Set(0)

	e.observer.PublishConnection(models.ConnDisconnected)
	e.observer.PublishPrices(e.store.Prices())

	if wasConnected {
		e.log.Warn("Venue disconnected", utils.String("reason", reason))
		e.notify(models.NotificationTypeConnection, models.SeverityWarn, "Venue connection lost", map[string]interface{}{"reason": reason})
	}
}

func (e *Engine) transition(to models.ConnectionState) bool {
	from := e.conn.State()
	if err := e.conn.Transition(to); err != nil {
		e.log.Warn("Ignoring connection event", utils.Err(err))
		return false
	}
	e.log.Info("Connection state changed", utils.String("from", string(from)), utils.State(string(to)))
	e.observer.PublishConnection(to)
	return true
}

// ============================================================
// Риск
// ============================================================

func (e *Engine) handleBounds(ctx context.Context, m boundsMessage) {
	cur := e.risk.Bounds()
	next := m.update.Apply(cur)
	if err := next.Validate(); err != nil {
		m.reply <- boundsReply{bounds: cur, err: err}
		return
	}

	if !next.Equal(cur) {
		e.risk.SetBounds(next)
		e.log.Info("Risk bounds changed by operator",
			utils.Bound("upper_limit", next.UpperLimit),
			utils.Bound("lower_limit", next.LowerLimit),
		)
		e.notify(models.NotificationTypeBounds, models.SeverityInfo, "Risk bounds updated", boundsMeta(next))
		e.observer.PublishBounds(next)
	}

	e.evaluateRisk(ctx)
	m.reply <- boundsReply{bounds: next}
}

func (e *Engine) evaluateRisk(ctx context.Context) {
	positions := e.store.Positions()
	decision, val, err := e.risk.Check(positions, e.store.Prices())
	RiskDecisions.WithLabelValues(decision.String()).Inc()

	if val != nil {
		e.setValuation(*val)
	}

	switch decision {
	case DecisionError:
		e.reportEvalError(err)
		return
	case DecisionTrigger:
		e.startLiquidation(ctx, positions, *val)
	case DecisionSuppressed:
		e.log.Debug("Bounds still breached, latch holds", utils.Valuation(val.Value))
	}
	e.lastEvalErr = ""
}

func (e *Engine) reportEvalError(err error) {
	msg := err.Error()
	if msg == e.lastEvalErr {
		e.log.Debug("Valuation still undefined", utils.Err(err))
		return
	}
	e.lastEvalErr = msg

	e.log.Warn("Valuation aborted, no trigger", utils.Err(err))
	e.notify(models.NotificationTypeValuationError, models.SeverityWarn, msg, nil)

	e.viewMu.Lock()
	v := models.Valuation{EvaluatedAt: time.Now()}
	if e.view.valuation != nil {
		v = *e.view.valuation
	}
	v.Error = msg
	e.view.valuation = &v
	e.viewMu.Unlock()
	e.observer.PublishValuation(v)
}

func (e *Engine) setValuation(v models.Valuation) {
	e.viewMu.Lock()
	e.view.valuation = &v
	e.viewMu.Unlock()

	f, _ := v.Value.Float64()
	PortfolioValuation.Set(f)
	e.observer.PublishValuation(v)
}

func (e *Engine) startLiquidation(ctx context.Context, positions []models.Position, v models.Valuation) {
	attemptID := uuid.NewString()
	account := accountFor(positions)
	bounds := e.risk.Bounds()

	e.log.Error("Portfolio valuation crossed risk bounds, closing all positions",
		utils.AttemptID(attemptID),
		utils.AccountID(account),
		utils.Valuation(v.Value),
		utils.Bound("upper_limit", bounds.UpperLimit),
		utils.Bound("lower_limit", bounds.LowerLimit),
	)
	meta := boundsMeta(bounds)
	meta["valuation"] = v.Value.String()
	meta["attempt_id"] = attemptID
	e.notify(models.NotificationTypeRiskTrigger, models.SeverityError, "Valuation crossed risk bounds, closing all positions", meta)

	e.liqWG.Add(1)
	go e.liquidate(ctx, attemptID, account, v.Value)
}

// liquidate выполняется вне цикла; результат возвращается в inbox.
// Отмена ctx при остановке не прерывает уже начатое закрытие.
func (e *Engine) liquidate(ctx context.Context, attemptID string, account int64, value decimal.Decimal) {
	defer e.liqWG.Done()

	result := models.LiquidationResult{
		AttemptID: attemptID,
		AccountID: account,
		Valuation: value,
		StartedAt: time.Now(),
	}

	var err error
	if account == 0 {
		err = ErrNoAccount
	} else {
		lctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.cfg.LiquidationTimeout)
		defer cancel()

		cfg := e.cfg.LiquidationRetry
		cfg.OnRetry = func(attempt int, err error, delay time.Duration) {
			e.log.Warn("Close-all failed, retrying",
				utils.AttemptID(attemptID),
				utils.Int("attempt", attempt),
				utils.Duration("delay", delay),
				utils.Err(err),
			)
		}
		result.Attempts, err = retry.Do(lctx, cfg, func(int) error {
			return e.executor.CloseAll(lctx, account)
		})
	}

	result.FinishedAt = time.Now()
	result.Success = err == nil
	if err != nil {
		result.Error = err.Error()
	}
	LiquidationDuration.Observe(float64(result.FinishedAt.Sub(result.StartedAt).Milliseconds()))

	if perr := e.post(ctx, liquidationMessage{result: result}); perr != nil {
		e.log.Warn("Liquidation result dropped", utils.AttemptID(attemptID), utils.Bool("success", result.Success), utils.Err(perr))
	}
}

func (e *Engine) handleLiquidationResult(r models.LiquidationResult) {
	e.risk.LiquidationFinished(r.Success)

	e.viewMu.Lock()
	e.view.lastLiquidation = &r
	e.viewMu.Unlock()
	e.observer.PublishLiquidation(r)

	meta := map[string]interface{}{
		"attempt_id": r.AttemptID,
		"account_id": r.AccountID,
		"attempts":   r.Attempts,
		"valuation":  r.Valuation.String(),
	}

	if r.Success {
		LiquidationsTotal.WithLabelValues("success").Inc()
		e.log.Info("All positions closed", utils.AttemptID(r.AttemptID), utils.Int("attempts", r.Attempts))
		e.notify(models.NotificationTypeLiquidation, models.SeverityInfo, "All positions closed", meta)
		return
	}

	LiquidationsTotal.WithLabelValues("failed").Inc()
	e.log.Error("Close-all failed, will retry on next breached tick after cooldown",
		utils.AttemptID(r.AttemptID),
		utils.Int("attempts", r.Attempts),
		utils.String("error", r.Error),
		utils.Duration("cooldown", e.cfg.LiquidationCooldown),
	)
	meta["error"] = r.Error
	e.notify(models.NotificationTypeLiquidationFailed, models.SeverityError, "Close-all failed: "+r.Error, meta)
}

// accountFor - user_id первой позиции (по символу), у которой он есть
func accountFor(positions []models.Position) int64 {
	for _, p := range positions {
		if p.UserID != 0 {
			return p.UserID
		}
	}
	return 0
}

func boundsMeta(b models.RiskBounds) map[string]interface{} {
	meta := map[string]interface{}{"upper_limit": nil, "lower_limit": nil}
	if b.UpperLimit != nil {
		meta["upper_limit"] = b.UpperLimit.String()
	}
	if b.LowerLimit != nil {
		meta["lower_limit"] = b.LowerLimit.String()
	}
	return meta
}

// ============================================================
// Уведомления и чтение состояния
// ============================================================

func (e *Engine) notify(notifType, severity, message string, meta map[string]interface{}) {
	if e.notificationChan == nil {
		return
	}
	n := &models.Notification{
		Timestamp: time.Now(),
		Type:      notifType,
		Severity:  severity,
		Message:   message,
		Meta:      meta,
	}
	select {
	case e.notificationChan <- n:
	default:
		e.log.Warn("Notification channel full, dropping", utils.String("type", notifType))
	}
}

func (e *Engine) refreshView() {
	e.viewMu.Lock()
	e.view.bounds = e.risk.Bounds()
	e.view.latched = e.risk.Latched()
	e.view.connection = e.conn.State()
	e.viewMu.Unlock()
}

// Bounds - текущие границы риска
func (e *Engine) Bounds() models.RiskBounds {
	e.viewMu.RLock()
	defer e.viewMu.RUnlock()
	return e.view.bounds
}

// Snapshot собирает полное текущее состояние
func (e *Engine) Snapshot() Snapshot {
	e.viewMu.RLock()
	v := e.view
	e.viewMu.RUnlock()

	sv := e.store.Snapshot()
	return Snapshot{
		Positions:       sv.Positions,
		Orders:          sv.Orders,
		Prices:          sv.Prices,
		Bounds:          v.bounds,
		Latched:         v.latched,
		Connection:      v.connection,
		Valuation:       v.valuation,
		LastLiquidation: v.lastLiquidation,
	}
}

func eventAction(ev models.Event) string {
	switch ev := ev.(type) {
	case models.PositionSnapshot, models.OrderSnapshot:
		return models.ActionSnapshot
	case models.PositionDelta:
		return ev.Action
	case models.OrderDelta:
		return ev.Action
	case models.OrderDelete:
		return models.ActionDelete
	default:
		return ""
	}
}

type noopObserver struct{}

func (noopObserver) PublishPositions([]models.Position)          {}
func (noopObserver) PublishOrders([]models.Order)                {}
func (noopObserver) PublishPrices(map[string]models.PriceTick)   {}
func (noopObserver) PublishBounds(models.RiskBounds)             {}
func (noopObserver) PublishValuation(models.Valuation)           {}
func (noopObserver) PublishConnection(models.ConnectionState)    {}
func (noopObserver) PublishLiquidation(models.LiquidationResult) {}
