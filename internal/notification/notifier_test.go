package notification

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"tradebotv1/internal/model"
)

// slowNotifier blocks every Send until released, then reports the alert.
type slowNotifier struct {
	release chan struct{}
	sent    chan Alert
}

func newSlowNotifier() *slowNotifier {
	return &slowNotifier{release: make(chan struct{}), sent: make(chan Alert, 1)}
}

func (s *slowNotifier) Send(ctx context.Context, a Alert) error {
	select {
	case <-s.release:
	case <-ctx.Done():
		return ctx.Err()
	}
	s.sent <- a
	return nil
}

func TestEventNotifier_DoesNotBlockCaller(t *testing.T) {
	slow := newSlowNotifier()
	sink := NewEventNotifier(slow)

	done := make(chan struct{})
	go func() {
		sink.PublishTrade(context.Background(), model.TradeEvent{
			Type: model.EventFilled, BotID: 7, TradeID: 1, Symbol: "BTCUSD",
		})
		close(done)
	}()

	// The publish must return while the backend is still stuck.
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("PublishTrade blocked on a slow notifier backend")
	}

	close(slow.release)
	select {
	case a := <-slow.sent:
		if a.Level != AlertInfo {
			t.Errorf("alert level = %s, want %s", a.Level, AlertInfo)
		}
	case <-time.After(time.Second):
		t.Fatal("alert never delivered after the backend unblocked")
	}
}

func TestEventNotifier_SuppressesNoops(t *testing.T) {
	slow := newSlowNotifier()
	close(slow.release)
	sink := NewEventNotifier(slow)

	sink.PublishTrade(context.Background(), model.TradeEvent{
		Type: model.EventNoop, BotID: 7, Symbol: "BTCUSD", Reason: "already flat",
	})

	select {
	case a := <-slow.sent:
		t.Fatalf("no-op event produced alert %q", a.Title)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestFromTradeEvent_Levels(t *testing.T) {
	pnl := decimal.NullDecimal{Decimal: decimal.RequireFromString("1.6024574817"), Valid: true}
	cases := []struct {
		typ  model.TradeEventType
		want AlertLevel
	}{
		{model.EventSubmitted, AlertInfo},
		{model.EventFilled, AlertInfo},
		{model.EventRejected, AlertWarning},
		{model.EventTimedOut, AlertCritical},
	}
	for _, tc := range cases {
		a := FromTradeEvent(model.TradeEvent{
			Type: tc.typ, BotID: 1, TradeID: 2, OrderID: "ord-1",
			Symbol: "BTCUSD", Action: model.ActionClose, RealizedPnL: pnl,
		})
		if a.Level != tc.want {
			t.Errorf("%s: level = %s, want %s", tc.typ, a.Level, tc.want)
		}
	}
}
