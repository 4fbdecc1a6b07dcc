package engine

import (
	"context"
	"errors"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"riskguard/internal/models"
	"riskguard/pkg/retry"
)

// fakeExecutor считает вызовы CloseAll
type fakeExecutor struct {
	mu     sync.Mutex
	calls  []int64
	err    error
	called chan int64
}

func newFakeExecutor(err error) *fakeExecutor {
	return &fakeExecutor{err: err, called: make(chan int64, 32)}
}

func (f *fakeExecutor) CloseAll(ctx context.Context, accountID int64) error {
	f.mu.Lock()
	f.calls = append(f.calls, accountID)
	err := f.err
	f.mu.Unlock()

	f.called <- accountID
	return err
}

func (f *fakeExecutor) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type testEngine struct {
	*Engine
	feed          *fakeFeed
	executor      *fakeExecutor
	notifications chan *models.Notification
	ctx           context.Context
}

func startEngine(t *testing.T, b models.RiskBounds, execErr error) *testEngine {
	t.Helper()

	cfg := DefaultConfig()
	cfg.Bounds = b
	cfg.LiquidationRetry = retry.Config{MaxAttempts: 2, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond}
	cfg.LiquidationCooldown = 0

	feed := &fakeFeed{}
	exec := newFakeExecutor(execErr)
	e := NewEngine(cfg, feed, exec, testLogger())

	notifications := make(chan *models.Notification, 64)
	e.SetNotificationChannel(notifications)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = e.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	return &testEngine{Engine: e, feed: feed, executor: exec, notifications: notifications, ctx: ctx}
}

func (te *testEngine) submit(t *testing.T, events ...models.Event) {
	t.Helper()
	for _, ev := range events {
		if err := te.Submit(te.ctx, ev); err != nil {
			t.Fatalf("Submit(%T): %v", ev, err)
		}
	}
	te.flush(t)
}

// flush дожидается обработки всех ранее отправленных событий:
// пустое изменение границ проходит через тот же inbox
func (te *testEngine) flush(t *testing.T) {
	t.Helper()
	if _, err := te.UpdateBounds(te.ctx, BoundsUpdate{}); err != nil {
		t.Fatalf("flush: %v", err)
	}
}

func (te *testEngine) waitNotification(t *testing.T, notifType string) *models.Notification {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case n := <-te.notifications:
			if n.Type == notifType {
				return n
			}
		case <-timeout:
			t.Fatalf("notification %s not received", notifType)
			return nil
		}
	}
}

func markTick(symbol, price string) models.MarkPrice {
	return models.MarkPrice{Tick: tick(symbol, price)}
}

func connect(t *testing.T, te *testEngine) {
	te.submit(t, models.Connected{}, models.Authenticated{})
}

// ============================================================
// Подключение
// ============================================================

func TestEngine_ConnectAuthSubscribe(t *testing.T) {
	te := startEngine(t, models.RiskBounds{}, nil)

	te.submit(t, models.Connected{})
	if got := te.Snapshot().Connection; got != models.ConnAuthenticating {
		t.Fatalf("state after connect = %s, want AUTHENTICATING", got)
	}
	if cmds := te.feed.Commands(); len(cmds) != 1 || cmds[0].Op != models.OpAuth {
		t.Fatalf("expected auth command, got %+v", cmds)
	}

	te.submit(t, models.Authenticated{})
	if got := te.Snapshot().Connection; got != models.ConnSubscribed {
		t.Fatalf("state after auth = %s, want SUBSCRIBED", got)
	}

	want := []models.Command{
		{Op: models.OpAuth},
		{Op: models.OpSubscribe, Channel: models.ChannelPositions, Symbols: []string{"all"}},
		{Op: models.OpSubscribe, Channel: models.ChannelOrders, Symbols: []string{"all"}},
	}
	if got := te.feed.Commands(); !reflect.DeepEqual(got, want) {
		t.Errorf("commands = %+v, want %+v", got, want)
	}
}

func TestEngine_AuthenticatedWithoutConnectIgnored(t *testing.T) {
	te := startEngine(t, models.RiskBounds{}, nil)

	te.submit(t, models.Authenticated{})

	if got := te.Snapshot().Connection; got != models.ConnDisconnected {
		t.Errorf("state = %s, want DISCONNECTED", got)
	}
	if len(te.feed.Commands()) != 0 {
		t.Errorf("no baseline subscription expected, got %+v", te.feed.Commands())
	}
}

// ============================================================
// Подписки по позициям
// ============================================================

func TestEngine_PositionEventsDriveSubscriptions(t *testing.T) {
	te := startEngine(t, models.RiskBounds{}, nil)
	connect(t, te)
	te.feed.Reset()

	te.submit(t, models.PositionSnapshot{Positions: []models.Position{pos("X", 1), pos("Y", 1)}})
	want := []models.Command{
		{Op: models.OpSubscribe, Channel: models.ChannelMarkPrice, Symbols: []string{"MARK:X", "MARK:Y"}},
	}
	if got := te.feed.Commands(); !reflect.DeepEqual(got, want) {
		t.Fatalf("after snapshot: %+v, want %+v", got, want)
	}

	// delta для нового символа сверяется по всей карте позиций
	te.feed.Reset()
	te.submit(t, models.PositionDelta{Action: models.ActionCreate, Position: pos("Z", 2)})
	want = []models.Command{
		{Op: models.OpSubscribe, Channel: models.ChannelMarkPrice, Symbols: []string{"MARK:Z"}},
	}
	if got := te.feed.Commands(); !reflect.DeepEqual(got, want) {
		t.Fatalf("after delta: %+v, want %+v", got, want)
	}

	// delta по уже известному символу трафика не даёт
	te.feed.Reset()
	te.submit(t, models.PositionDelta{Action: models.ActionUpdate, Position: pos("Z", 0)})
	if got := te.feed.Commands(); len(got) != 0 {
		t.Fatalf("expected no traffic, got %+v", got)
	}

	te.feed.Reset()
	te.submit(t, models.PositionSnapshot{Positions: []models.Position{pos("Y", 1)}})
	want = []models.Command{
		{Op: models.OpUnsubscribe, Channel: models.ChannelMarkPrice, Symbols: []string{"MARK:X", "MARK:Z"}},
	}
	if got := te.feed.Commands(); !reflect.DeepEqual(got, want) {
		t.Fatalf("after shrinking snapshot: %+v, want %+v", got, want)
	}
}

func TestEngine_TickForUnsubscribedChannelDiscarded(t *testing.T) {
	te := startEngine(t, models.RiskBounds{}, nil)
	connect(t, te)

	te.submit(t,
		models.PositionSnapshot{Positions: []models.Position{pos("X", 1)}},
		markTick("MARK:X", "10"),
		markTick("MARK:Y", "20"),
	)

	prices := te.Snapshot().Prices
	if len(prices) != 1 {
		t.Fatalf("expected only MARK:X, got %v", prices)
	}
	if _, ok := prices["MARK:Y"]; ok {
		t.Error("MARK:Y must not be stored")
	}
}

// ============================================================
// Риск
// ============================================================

func TestEngine_TriggerFiresOncePerCrossing(t *testing.T) {
	te := startEngine(t, bounds("2000", "900"), nil)
	connect(t, te)
	te.submit(t, models.PositionSnapshot{Positions: positionX()})

	te.submit(t, markTick("MARK:X", "95"))
	if te.executor.Calls() != 0 {
		t.Fatal("no liquidation expected at 950")
	}
	if v := te.Snapshot().Valuation; v == nil || !v.Value.Equal(decimal.NewFromInt(950)) {
		t.Fatalf("valuation = %+v, want 950", v)
	}

	te.submit(t, markTick("MARK:X", "89"))
	select {
	case account := <-te.executor.called:
		if account != 42 {
			t.Errorf("CloseAll account = %d, want 42", account)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("liquidation not triggered at 890")
	}
	te.waitNotification(t, models.NotificationTypeLiquidation)

	te.submit(t, markTick("MARK:X", "89"))
	if got := te.executor.Calls(); got != 1 {
		t.Errorf("CloseAll calls = %d, want 1 while latch holds", got)
	}
	if !te.Snapshot().Latched {
		t.Error("latch must be set")
	}
	if r := te.Snapshot().LastLiquidation; r == nil || !r.Success {
		t.Errorf("last liquidation = %+v, want success", r)
	}
}

func TestEngine_LatchClearsAndRetriggers(t *testing.T) {
	te := startEngine(t, bounds("2000", "900"), nil)
	connect(t, te)
	te.submit(t, models.PositionSnapshot{Positions: positionX()})

	te.submit(t, markTick("MARK:X", "89"))
	te.waitNotification(t, models.NotificationTypeLiquidation)

	te.submit(t, markTick("MARK:X", "95"))
	if te.Snapshot().Latched {
		t.Fatal("latch must clear at 950")
	}

	te.submit(t, markTick("MARK:X", "89"))
	te.waitNotification(t, models.NotificationTypeLiquidation)
	if got := te.executor.Calls(); got != 2 {
		t.Errorf("CloseAll calls = %d, want 2", got)
	}
}

func TestEngine_DisconnectKeepsLatch(t *testing.T) {
	te := startEngine(t, bounds("2000", "900"), nil)
	connect(t, te)
	te.submit(t, models.PositionSnapshot{Positions: positionX()})
	te.submit(t, markTick("MARK:X", "89"))
	te.waitNotification(t, models.NotificationTypeLiquidation)

	te.submit(t, models.Disconnected{Reason: "read error"})
	snap := te.Snapshot()
	if snap.Connection != models.ConnDisconnected {
		t.Errorf("state = %s, want DISCONNECTED", snap.Connection)
	}
	if len(snap.Prices) != 0 {
		t.Errorf("prices must be cleared on disconnect, got %v", snap.Prices)
	}
	if !snap.Latched {
		t.Fatal("disconnect must not clear the latch")
	}

	// после переподключения подписки строятся заново
	te.feed.Reset()
	connect(t, te)
	te.submit(t, models.PositionSnapshot{Positions: positionX()})
	last := te.feed.Commands()[len(te.feed.Commands())-1]
	if last.Op != models.OpSubscribe || !reflect.DeepEqual(last.Symbols, []string{"MARK:X"}) {
		t.Errorf("expected resubscription to MARK:X, got %+v", last)
	}

	te.submit(t, markTick("MARK:X", "89"))
	if got := te.executor.Calls(); got != 1 {
		t.Errorf("CloseAll calls = %d, want 1 after reconnect", got)
	}
}

func TestEngine_LiquidationFailureReported(t *testing.T) {
	te := startEngine(t, bounds("2000", "900"), errors.New("venue unavailable"))
	connect(t, te)
	te.submit(t, models.PositionSnapshot{Positions: positionX()})

	te.submit(t, markTick("MARK:X", "89"))
	n := te.waitNotification(t, models.NotificationTypeLiquidationFailed)
	if n.Severity != models.SeverityError {
		t.Errorf("severity = %s, want error", n.Severity)
	}
	if got := te.executor.Calls(); got != 2 {
		t.Errorf("CloseAll calls = %d, want 2 (bounded retry)", got)
	}

	snap := te.Snapshot()
	if !snap.Latched {
		t.Error("latch must stay set after failure")
	}
	if snap.LastLiquidation == nil || snap.LastLiquidation.Success || snap.LastLiquidation.Attempts != 2 {
		t.Errorf("last liquidation = %+v", snap.LastLiquidation)
	}

	// cooldown = 0: следующий тик в пробое повторяет попытку
	te.submit(t, markTick("MARK:X", "89"))
	te.waitNotification(t, models.NotificationTypeLiquidationFailed)
	if got := te.executor.Calls(); got != 4 {
		t.Errorf("CloseAll calls = %d, want 4", got)
	}
}

func TestEngine_MissingPriceNoTrigger(t *testing.T) {
	te := startEngine(t, bounds("2000", "900"), nil)
	connect(t, te)
	te.submit(t, models.PositionSnapshot{Positions: append(positionX(), pos("Y", 1))})

	te.submit(t, markTick("MARK:X", "1"))
	te.waitNotification(t, models.NotificationTypeValuationError)

	if te.executor.Calls() != 0 {
		t.Error("no liquidation on incomplete valuation")
	}
	if v := te.Snapshot().Valuation; v == nil || v.Error == "" {
		t.Errorf("valuation error must be visible to observers, got %+v", v)
	}
}

func TestEngine_UpdateBounds(t *testing.T) {
	te := startEngine(t, models.RiskBounds{}, nil)
	connect(t, te)
	te.submit(t, models.PositionSnapshot{Positions: positionX()}, markTick("MARK:X", "95"))

	if te.executor.Calls() != 0 {
		t.Fatal("no bounds, no liquidation")
	}

	_, err := te.UpdateBounds(te.ctx, ReplaceBounds(bounds("900", "2000")))
	if !errors.Is(err, models.ErrInvalidBounds) {
		t.Fatalf("expected ErrInvalidBounds, got %v", err)
	}

	got, err := te.UpdateBounds(te.ctx, BoundsUpdate{SetLower: true, Lower: dec("960")})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.LowerLimit == nil || got.UpperLimit != nil {
		t.Fatalf("bounds = %+v", got)
	}
	if te.executor.Calls() != 0 {
		t.Fatal("single bound must not arm the monitor")
	}

	// вторая граница вооружает монитор и сразу переоценивает портфель
	if _, err := te.UpdateBounds(te.ctx, BoundsUpdate{SetUpper: true, Upper: dec("2000")}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	select {
	case <-te.executor.called:
	case <-time.After(2 * time.Second):
		t.Fatal("bound change must re-evaluate immediately")
	}

	if b := te.Bounds(); !b.Equal(bounds("2000", "960")) {
		t.Errorf("Bounds() = %+v", b)
	}
}

func TestEngine_OrderEvents(t *testing.T) {
	te := startEngine(t, models.RiskBounds{}, nil)

	state := models.OrderStateCancelled
	te.submit(t,
		models.OrderSnapshot{Orders: []models.Order{{ID: 1, ProductSymbol: "X", State: models.OrderStateOpen}}},
		models.OrderDelta{Action: models.ActionCreate, Order: models.Order{ID: 2, ProductSymbol: "Y", State: models.OrderStateOpen}},
		models.OrderDelete{Patch: models.OrderPatch{ID: 1, State: &state}},
		models.OrderDelete{Patch: models.OrderPatch{ID: 99, State: &state}},
	)

	orders := te.Snapshot().Orders
	if len(orders) != 2 {
		t.Fatalf("orders = %+v", orders)
	}
	if orders[0].State != models.OrderStateCancelled || orders[0].ProductSymbol != "X" {
		t.Errorf("order 1 = %+v, want merged cancel", orders[0])
	}
}

func TestEngine_SubmitAfterStop(t *testing.T) {
	e := NewEngine(DefaultConfig(), &fakeFeed{}, newFakeExecutor(nil), testLogger())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_ = e.Run(ctx)

	if err := e.Submit(context.Background(), models.Connected{}); err != nil && !errors.Is(err, ErrEngineStopped) {
		t.Errorf("unexpected error: %v", err)
	}
	if _, err := e.UpdateBounds(context.Background(), BoundsUpdate{}); err == nil {
		t.Error("expected error after stop")
	}
}
