package exchange

import (
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"riskguard/internal/models"
)

var testNow = time.Unix(1700000000, 0)

func decPtr(s string) *decimal.Decimal {
	d := decimal.RequireFromString(s)
	return &d
}

// ============================================================
// Входящие кадры
// ============================================================

func TestDecodeFrame_Positions(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want models.Event
	}{
		{
			name: "snapshot with nested contract value",
			raw: `{"type":"positions","action":"snapshot","result":[
				{"product_symbol":"BTCUSD","size":10,"entry_price":"100","product":{"contract_value":"0.001"},"user_id":42}
			]}`,
			want: models.PositionSnapshot{Positions: []models.Position{{
				ProductSymbol: "BTCUSD",
				Size:          10,
				EntryPrice:    decimal.RequireFromString("100"),
				ContractValue: decimal.RequireFromString("0.001"),
				UserID:        42,
			}}},
		},
		{
			name: "empty snapshot",
			raw:  `{"type":"positions","action":"snapshot","result":[]}`,
			want: models.PositionSnapshot{Positions: []models.Position{}},
		},
		{
			name: "delta with top-level contract value",
			raw:  `{"type":"positions","action":"update","product_symbol":"ETHUSD","size":-3,"entry_price":"2000","liquidation_price":"2500","contract_value":"0.01"}`,
			want: models.PositionDelta{Action: "update", Position: models.Position{
				ProductSymbol:    "ETHUSD",
				Size:             -3,
				EntryPrice:       decimal.RequireFromString("2000"),
				LiquidationPrice: decPtr("2500"),
				ContractValue:    decimal.RequireFromString("0.01"),
			}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, err := DecodeFrame([]byte(tt.raw), testNow)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !eventsEqual(f.Event, tt.want) {
				t.Errorf("event = %+v, want %+v", f.Event, tt.want)
			}
		})
	}
}

func TestDecodeFrame_Orders(t *testing.T) {
	f, err := DecodeFrame([]byte(`{"type":"orders","action":"snapshot","result":[
		{"id":7,"product_symbol":"BTCUSD","side":"buy","size":2,"state":"open","order_type":"limit_order","limit_price":"99.5"}
	]}`), testNow)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	snap, ok := f.Event.(models.OrderSnapshot)
	if !ok || len(snap.Orders) != 1 {
		t.Fatalf("event = %+v", f.Event)
	}
	o := snap.Orders[0]
	if o.ID != 7 || o.Side != models.SideBuy || o.Size != 2 || o.LimitPrice == nil || !o.LimitPrice.Equal(decimal.RequireFromString("99.5")) {
		t.Errorf("order = %+v", o)
	}

	f, err = DecodeFrame([]byte(`{"type":"orders","action":"create","id":8,"product_symbol":"ETHUSD","state":"pending"}`), testNow)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if d, ok := f.Event.(models.OrderDelta); !ok || d.Action != "create" || d.Order.ID != 8 || d.Order.State != models.OrderStatePending {
		t.Errorf("create event = %+v", f.Event)
	}

	// delete несёт только часть полей
	f, err = DecodeFrame([]byte(`{"type":"orders","action":"delete","id":8,"state":"cancelled"}`), testNow)
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	del, ok := f.Event.(models.OrderDelete)
	if !ok || del.Patch.ID != 8 || del.Patch.State == nil || *del.Patch.State != models.OrderStateCancelled {
		t.Fatalf("delete event = %+v", f.Event)
	}
	if del.Patch.ProductSymbol != nil || del.Patch.Size != nil {
		t.Errorf("absent fields must stay nil: %+v", del.Patch)
	}
}

func TestDecodeFrame_MarkPrice(t *testing.T) {
	raw := `{"type":"mark_price","symbol":"MARK:BTCUSD","price":"65000.5","timestamp":1700000000000000}`

	f, err := DecodeFrame([]byte(raw), testNow)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	mp, ok := f.Event.(models.MarkPrice)
	if !ok {
		t.Fatalf("event = %T", f.Event)
	}
	if mp.Tick.Symbol != "MARK:BTCUSD" || !mp.Tick.Price.Equal(decimal.RequireFromString("65000.5")) {
		t.Errorf("tick = %+v", mp.Tick)
	}
	if !mp.Tick.ReceivedAt.Equal(testNow) {
		t.Errorf("ReceivedAt = %v", mp.Tick.ReceivedAt)
	}
	if string(mp.Tick.Raw) != raw {
		t.Errorf("raw frame not retained: %s", mp.Tick.Raw)
	}

	// числовая цена тоже принимается
	f, err = DecodeFrame([]byte(`{"type":"mark_price","symbol":"MARK:X","price":12.25}`), testNow)
	if err != nil {
		t.Fatalf("numeric price: %v", err)
	}
	if p := f.Event.(models.MarkPrice).Tick.Price; !p.Equal(decimal.RequireFromString("12.25")) {
		t.Errorf("price = %s", p)
	}
}

func TestDecodeFrame_ServiceFrames(t *testing.T) {
	tests := []struct {
		raw       string
		wantType  string
		wantEvent models.Event
	}{
		{`{"type":"success","message":"Authenticated"}`, FrameSuccess, models.Authenticated{}},
		{`{"type":"success","message":"Something else"}`, FrameSuccess, nil},
		{`{"type":"subscriptions","channels":[]}`, FrameSubscriptions, nil},
		{`{"type":"error","message":"Invalid api key"}`, FrameError, nil},
		{`{"type":"heartbeat"}`, FrameHeartbeat, nil},
	}

	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			f, err := DecodeFrame([]byte(tt.raw), testNow)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if f.Type != tt.wantType {
				t.Errorf("type = %q, want %q", f.Type, tt.wantType)
			}
			if f.Event != tt.wantEvent {
				t.Errorf("event = %+v, want %+v", f.Event, tt.wantEvent)
			}
		})
	}
}

func TestDecodeFrame_Malformed(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{"not json", `{"type":`},
		{"missing type", `{"action":"snapshot"}`},
		{"position without symbol", `{"type":"positions","action":"update","size":1,"contract_value":"1"}`},
		{"position without size", `{"type":"positions","action":"update","product_symbol":"X","contract_value":"1"}`},
		{"position without contract value", `{"type":"positions","action":"update","product_symbol":"X","size":1}`},
		{"fractional size", `{"type":"positions","action":"update","product_symbol":"X","size":1.5,"contract_value":"1"}`},
		{"positions snapshot without result", `{"type":"positions","action":"snapshot"}`},
		{"positions snapshot with null result", `{"type":"positions","action":"snapshot","result":null}`},
		{"orders snapshot without result", `{"type":"orders","action":"snapshot"}`},
		{"orders snapshot with null result", `{"type":"orders","action":"snapshot","result": null }`},
		{"snapshot with one bad item", `{"type":"positions","action":"snapshot","result":[{"product_symbol":"X","size":1,"contract_value":"1"},{"size":2}]}`},
		{"order without id", `{"type":"orders","action":"create","product_symbol":"X"}`},
		{"order create without symbol", `{"type":"orders","action":"create","id":1}`},
		{"order delete without id", `{"type":"orders","action":"delete","state":"cancelled"}`},
		{"mark price without symbol", `{"type":"mark_price","price":"1"}`},
		{"mark price without price", `{"type":"mark_price","symbol":"MARK:X"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, err := DecodeFrame([]byte(tt.raw), testNow)
			if err == nil {
				t.Fatalf("expected error, got %+v", f)
			}
			var de *DecodeError
			if !errors.As(err, &de) {
				t.Errorf("expected *DecodeError, got %T: %v", err, err)
			}
			if !errors.Is(err, ErrMalformedEvent) {
				t.Errorf("%v must match ErrMalformedEvent", err)
			}
			if f.Event != nil {
				t.Errorf("malformed frame must not produce an event")
			}
		})
	}
}

func TestDecodeError_IsMalformed(t *testing.T) {
	err := malformed(FramePositions, "missing %s", "size")
	if !errors.Is(err, ErrMalformedEvent) {
		t.Error("DecodeError without cause must match ErrMalformedEvent")
	}
	if err.Error() != "decode positions: missing size" {
		t.Errorf("Error() = %q", err.Error())
	}

	cause := errors.New("unexpected end of JSON input")
	wrapped := &DecodeError{Type: FrameOrders, Reason: "invalid order", Err: cause}
	if !errors.Is(wrapped, ErrMalformedEvent) {
		t.Error("DecodeError with cause must still match ErrMalformedEvent")
	}
	if !errors.Is(wrapped, cause) {
		t.Error("DecodeError must unwrap to its cause")
	}
}

func TestDecodeFrame_EmptySnapshotKept(t *testing.T) {
	f, err := DecodeFrame([]byte(`{"type":"orders","action":"snapshot","result":[]}`), testNow)
	if err != nil {
		t.Fatalf("DecodeFrame: %v", err)
	}
	if !reflect.DeepEqual(f.Event, models.OrderSnapshot{Orders: []models.Order{}}) {
		t.Errorf("event = %#v", f.Event)
	}
}

// ============================================================
// Исходящие команды
// ============================================================

func TestEncodeCommand(t *testing.T) {
	signer := fixedSigner()

	tests := []struct {
		name string
		cmd  models.Command
		want string
	}{
		{
			name: "auth",
			cmd:  models.Command{Op: models.OpAuth},
			want: `{"type":"auth","payload":{"api-key":"key","signature":"21c22df1589945dad979a72af38c6c065dfd7ab8501a6fca580308cd02aed4f9","timestamp":"1700000000"}}`,
		},
		{
			name: "subscribe baseline",
			cmd:  models.Command{Op: models.OpSubscribe, Channel: models.ChannelPositions, Symbols: []string{"all"}},
			want: `{"type":"subscribe","payload":{"channels":[{"name":"positions","symbols":["all"]}]}}`,
		},
		{
			name: "unsubscribe mark price",
			cmd:  models.Command{Op: models.OpUnsubscribe, Channel: models.ChannelMarkPrice, Symbols: []string{"MARK:X", "MARK:Y"}},
			want: `{"type":"unsubscribe","payload":{"channels":[{"name":"mark_price","symbols":["MARK:X","MARK:Y"]}]}}`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := EncodeCommand(tt.cmd, signer)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if string(got) != tt.want {
				t.Errorf("got  %s\nwant %s", got, tt.want)
			}
		})
	}
}

func TestEncodeCommand_Invalid(t *testing.T) {
	cmds := []models.Command{
		{Op: "ping"},
		{Op: models.OpSubscribe, Channel: models.ChannelMarkPrice},
		{Op: models.OpUnsubscribe, Symbols: []string{"MARK:X"}},
	}
	for _, cmd := range cmds {
		if _, err := EncodeCommand(cmd, fixedSigner()); err == nil {
			t.Errorf("EncodeCommand(%+v) expected error", cmd)
		}
	}

	if _, err := EncodeCommand(models.Command{Op: models.OpAuth}, nil); err == nil {
		t.Error("auth without signer must fail")
	}
}

func eventsEqual(a, b models.Event) bool {
	switch av := a.(type) {
	case models.PositionSnapshot:
		bv, ok := b.(models.PositionSnapshot)
		if !ok || len(av.Positions) != len(bv.Positions) {
			return false
		}
		for i := range av.Positions {
			if !positionsEqual(av.Positions[i], bv.Positions[i]) {
				return false
			}
		}
		return true
	case models.PositionDelta:
		bv, ok := b.(models.PositionDelta)
		return ok && av.Action == bv.Action && positionsEqual(av.Position, bv.Position)
	default:
		return reflect.DeepEqual(a, b)
	}
}

// decimal сравнивается по значению: "100" и 100.0 равны
func positionsEqual(a, b models.Position) bool {
	if a.ProductSymbol != b.ProductSymbol || a.Size != b.Size || a.UserID != b.UserID {
		return false
	}
	if !a.EntryPrice.Equal(b.EntryPrice) || !a.ContractValue.Equal(b.ContractValue) {
		return false
	}
	if (a.LiquidationPrice == nil) != (b.LiquidationPrice == nil) {
		return false
	}
	return a.LiquidationPrice == nil || a.LiquidationPrice.Equal(*b.LiquidationPrice)
}
