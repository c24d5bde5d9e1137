// Package notification provides alert delivery to external channels
// (Telegram, generic webhooks) for trade lifecycle events.
package notification

import (
	"context"
	"fmt"
	"log"
	"time"

	"tradebotv1/internal/model"
)

// AlertLevel represents the severity of an alert.
type AlertLevel string

const (
	AlertInfo     AlertLevel = "INFO"
	AlertWarning  AlertLevel = "WARNING"
	AlertCritical AlertLevel = "CRITICAL"
)

// Alert represents a notification to be sent.
type Alert struct {
	Level   AlertLevel `json:"level"`
	Title   string     `json:"title"`
	Message string     `json:"message"`
}

// Notifier is the interface for all notification backends.
type Notifier interface {
	// Send delivers an alert. Returns error if delivery fails.
	Send(ctx context.Context, alert Alert) error
}

// LogNotifier is a simple notifier that logs alerts (useful for development).
type LogNotifier struct{}

// NewLogNotifier creates a log-based notifier.
func NewLogNotifier() *LogNotifier {
	return &LogNotifier{}
}

func (n *LogNotifier) Send(ctx context.Context, alert Alert) error {
	log.Printf("[notify] [%s] %s: %s", alert.Level, alert.Title, alert.Message)
	return nil
}

// MultiNotifier fans one alert out to several backends. A failing backend
// is logged and skipped so the remaining channels still get the alert.
type MultiNotifier struct {
	backends []Notifier
}

// NewMultiNotifier creates a fan-out notifier over the given backends.
func NewMultiNotifier(backends ...Notifier) *MultiNotifier {
	return &MultiNotifier{backends: backends}
}

func (m *MultiNotifier) Send(ctx context.Context, alert Alert) error {
	for _, n := range m.backends {
		if err := n.Send(ctx, alert); err != nil {
			log.Printf("[notify] backend %T failed: %v", n, err)
		}
	}
	return nil
}

// FromTradeEvent converts a trade event into a human-readable alert.
// Fills are info, rejections are warnings, timeouts are critical since
// they mean an order is live but unconfirmed.
func FromTradeEvent(ev model.TradeEvent) Alert {
	a := Alert{Level: AlertInfo}
	switch ev.Type {
	case model.EventFilled:
		a.Title = fmt.Sprintf("Order filled: %s %s", ev.Action, ev.Symbol)
		a.Message = fmt.Sprintf("bot %d trade %d order %s filled", ev.BotID, ev.TradeID, ev.OrderID)
		if ev.RealizedPnL.Valid {
			a.Message += fmt.Sprintf(", realized P&L %s", ev.RealizedPnL.Decimal.StringFixed(2))
		}
	case model.EventRejected:
		a.Level = AlertWarning
		a.Title = fmt.Sprintf("Order rejected: %s %s", ev.Action, ev.Symbol)
		a.Message = fmt.Sprintf("bot %d trade %d: %s", ev.BotID, ev.TradeID, ev.Reason)
	case model.EventTimedOut:
		a.Level = AlertCritical
		a.Title = fmt.Sprintf("Order unconfirmed: %s %s", ev.Action, ev.Symbol)
		a.Message = fmt.Sprintf("bot %d trade %d order %s still %s after fill poll, sweep will reconcile", ev.BotID, ev.TradeID, ev.OrderID, ev.Status)
	case model.EventSubmitted:
		a.Title = fmt.Sprintf("Order submitted: %s %s", ev.Action, ev.Symbol)
		a.Message = fmt.Sprintf("bot %d trade %d order %s", ev.BotID, ev.TradeID, ev.OrderID)
	default:
		a.Title = fmt.Sprintf("Signal no-op: %s %s", ev.Action, ev.Symbol)
		a.Message = fmt.Sprintf("bot %d: %s", ev.BotID, ev.Reason)
	}
	return a
}

// EventNotifier adapts a Notifier into an engine event sink. No-ops are
// suppressed to keep channels quiet.
type EventNotifier struct {
	n Notifier
}

// NewEventNotifier wraps n as an event sink.
func NewEventNotifier(n Notifier) *EventNotifier {
	return &EventNotifier{n: n}
}

// sendTimeout bounds one backend delivery attempt.
const sendTimeout = 15 * time.Second

// PublishTrade implements engine.EventSink. Delivery runs on its own
// goroutine with a detached deadline: backends make network calls and
// the event sink contract forbids blocking the signal path.
func (e *EventNotifier) PublishTrade(ctx context.Context, ev model.TradeEvent) {
	if ev.Type == model.EventNoop {
		return
	}
	go func() {
		sendCtx, cancel := context.WithTimeout(context.Background(), sendTimeout)
		defer cancel()
		if err := e.n.Send(sendCtx, FromTradeEvent(ev)); err != nil {
			log.Printf("[notify] send failed: %v", err)
		}
	}()
}
