// Package engine implements the signal-to-order execution core: it
// resolves the bot's broker-side position, decides the broker action for
// an incoming signal, submits and reconciles the order, and books realized
// P&L into the owning bot's aggregates.
//
// Correctness rests on two rules: the broker is the only source of truth
// for positions (no local cache across signals), and at most one in-flight
// position-changing operation exists per bot at a time (BotLocks).
package engine

import (
	"context"
	"fmt"
	"log"
	"time"

	"tradebotv1/internal/metrics"
	"tradebotv1/internal/model"
)

// EventSink receives trade lifecycle events for fan-out (WebSocket hub,
// Redis pub/sub). Implementations must not block.
type EventSink interface {
	PublishTrade(ctx context.Context, ev model.TradeEvent)
}

// MultiSink fans one event out to several sinks in order.
type MultiSink []EventSink

func (m MultiSink) PublishTrade(ctx context.Context, ev model.TradeEvent) {
	for _, s := range m {
		s.PublishTrade(ctx, ev)
	}
}

// SignalCache is the fast-path last-signal cache (Redis). Fire-and-forget.
type SignalCache interface {
	SetLastSignal(ctx context.Context, botID int64, action model.Action, side model.Side)
}

// Outcome is the result of processing one signal. A no-op is an outcome,
// not an error.
type Outcome struct {
	Decision Decision       `json:"decision"`
	Trades   []*model.Trade `json:"trades"`
}

// NoOp reports whether the signal produced no broker order.
func (o *Outcome) NoOp() bool { return o.Decision.Kind == DecideNone }

// Engine wires the resolver, decision engine, and executor under the
// per-bot exclusion scope.
type Engine struct {
	locks    *BotLocks
	bots     model.BotStore
	resolver *Resolver
	exec     *Executor
	ledger   model.TradeLedger

	prom   *metrics.Metrics // optional
	events EventSink        // optional
	cache  SignalCache      // optional
	health *metrics.HealthStatus
}

// New creates an engine. prom, events, and health may be nil.
func New(bots model.BotStore, ledger model.TradeLedger, gw model.BrokerGateway, poll PollConfig, prom *metrics.Metrics) *Engine {
	return &Engine{
		locks:    NewBotLocks(),
		bots:     bots,
		resolver: NewResolver(gw),
		exec:     NewExecutor(gw, ledger, poll, prom),
		ledger:   ledger,
		prom:     prom,
	}
}

// SetEventSink attaches a trade-event fan-out target.
func (e *Engine) SetEventSink(s EventSink) { e.events = s }

// SetSignalCache attaches the last-signal cache.
func (e *Engine) SetSignalCache(c SignalCache) { e.cache = c }

// SetHealth attaches the health status updated on signal activity.
func (e *Engine) SetHealth(h *metrics.HealthStatus) { e.health = h }

// Executor exposes the executor for the reconciliation sweep.
func (e *Engine) Executor() *Executor { return e.exec }

// Locks exposes the per-bot lock set for the reconciliation sweep.
func (e *Engine) Locks() *BotLocks { return e.locks }

// HandleSignal processes one normalized signal end to end under the
// owning bot's lock. Position-read and order-submission failures abort
// the signal entirely (fail closed); no-ops return a successful Outcome.
func (e *Engine) HandleSignal(ctx context.Context, sig model.Signal) (*Outcome, error) {
	unlock := e.locks.Lock(sig.BotID)
	defer unlock()

	if e.prom != nil {
		e.prom.SignalsTotal.WithLabelValues(string(sig.Action)).Inc()
	}
	if e.health != nil {
		e.health.SetLastSignalTime(time.Now())
	}
	if sig.ReceivedAt.IsZero() {
		sig.ReceivedAt = time.Now()
	}

	bot, err := e.bots.GetBot(ctx, sig.BotID)
	if err != nil {
		return nil, fmt.Errorf("load bot %d: %w", sig.BotID, err)
	}
	if !bot.Active {
		return e.recordNoop(ctx, bot, sig, Decision{Kind: DecideNone, Reason: "bot disabled"})
	}

	snap, err := e.resolver.Resolve(ctx, bot)
	if err != nil {
		// No order is submitted without a trustworthy position read.
		log.Printf("[engine] bot=%d signal=%s dropped: %v", bot.ID, sig.Action, err)
		return nil, err
	}

	dec := Decide(sig.Action, snap.Side)
	if e.prom != nil {
		e.prom.DecisionsTotal.WithLabelValues(dec.Kind.String()).Inc()
	}
	log.Printf("[engine] bot=%d action=%s side=%s -> %s", bot.ID, sig.Action, snap.Side, dec.Kind)

	var (
		out     *Outcome
		outErr  error
		newSide model.Side
	)
	switch dec.Kind {
	case DecideNone:
		out, outErr = e.recordNoop(ctx, bot, sig, dec)
		newSide = snap.Side

	case DecideOpen:
		trade, err := e.exec.ExecuteOpen(ctx, bot, dec.OpenSide, sig)
		if err != nil {
			return nil, err
		}
		out = &Outcome{Decision: dec, Trades: []*model.Trade{trade}}
		e.emit(ctx, trade, dec)
		newSide = dec.OpenSide

	case DecideClose:
		trade, err := e.exec.ExecuteClose(ctx, bot, snap, sig)
		if err != nil {
			return nil, err
		}
		out = &Outcome{Decision: dec, Trades: []*model.Trade{trade}}
		e.emit(ctx, trade, dec)
		newSide = model.SideFlat

	case DecideFlip:
		out, outErr = e.handleFlip(ctx, bot, snap, sig, dec)
		newSide = model.SideFlat
		if out != nil && len(out.Trades) == 2 {
			newSide = dec.OpenSide
		}

	default:
		return nil, fmt.Errorf("unhandled decision %v", dec.Kind)
	}

	if out != nil {
		e.recordLastSignal(ctx, bot.ID, sig.Action, newSide)
	}
	return out, outErr
}

// recordLastSignal refreshes the informational last-signal/side cache on
// the bot row and in Redis. Failures are logged, never fatal: the trade
// ledger is the durable record.
func (e *Engine) recordLastSignal(ctx context.Context, botID int64, action model.Action, side model.Side) {
	if err := e.bots.SetLastSignal(ctx, botID, action, side); err != nil {
		log.Printf("[engine] WARNING: persist last signal bot=%d: %v", botID, err)
	}
	if e.cache != nil {
		e.cache.SetLastSignal(ctx, botID, action, side)
	}
}

// handleFlip decomposes a reversal into close-then-open, never a single
// "reverse" call: the closed leg's P&L is fully booked before the new
// leg's entry exists. If the close leg does not reach FILLED inside the
// poll budget the open leg is withheld; acting on an unsettled close
// would race the broker's view of the position.
func (e *Engine) handleFlip(ctx context.Context, bot *model.BotConfig, snap *model.Position, sig model.Signal, dec Decision) (*Outcome, error) {
	closeTrade, err := e.exec.ExecuteClose(ctx, bot, snap, sig)
	if err != nil {
		return nil, err
	}
	e.emit(ctx, closeTrade, dec)

	if closeTrade.Status != model.StatusFilled {
		log.Printf("[engine] bot=%d flip: close leg %s, open leg withheld", bot.ID, closeTrade.Status)
		return &Outcome{Decision: dec, Trades: []*model.Trade{closeTrade}}, ErrFlipCloseIncomplete
	}

	openTrade, err := e.exec.ExecuteOpen(ctx, bot, dec.OpenSide, sig)
	if err != nil {
		return &Outcome{Decision: dec, Trades: []*model.Trade{closeTrade}}, err
	}
	e.emit(ctx, openTrade, dec)
	return &Outcome{Decision: dec, Trades: []*model.Trade{closeTrade, openTrade}}, nil
}

func (e *Engine) recordNoop(ctx context.Context, bot *model.BotConfig, sig model.Signal, dec Decision) (*Outcome, error) {
	id, err := e.ledger.RecordNoop(ctx, sig, dec.Reason)
	if err != nil {
		return nil, fmt.Errorf("record noop: %w", err)
	}
	log.Printf("[engine] bot=%d %s no-op: %s", bot.ID, sig.Action, dec.Reason)
	if e.events != nil {
		e.events.PublishTrade(ctx, model.TradeEvent{
			Type:    model.EventNoop,
			BotID:   bot.ID,
			TradeID: id,
			Symbol:  bot.Symbol,
			Action:  sig.Action,
			Status:  model.StatusNoop,
			Reason:  dec.Reason,
			TS:      time.Now(),
		})
	}
	return &Outcome{Decision: dec}, nil
}

func (e *Engine) emit(ctx context.Context, trade *model.Trade, dec Decision) {
	if e.events == nil {
		return
	}
	typ := model.EventSubmitted
	switch trade.Status {
	case model.StatusFilled:
		typ = model.EventFilled
	case model.StatusRejected, model.StatusCanceled:
		typ = model.EventRejected
	case model.StatusSubmitted, model.StatusPartiallyFilled:
		typ = model.EventTimedOut
	}
	e.events.PublishTrade(ctx, model.TradeEvent{
		Type:        typ,
		BotID:       trade.BotID,
		TradeID:     trade.ID,
		OrderID:     trade.OrderID,
		Symbol:      trade.Symbol,
		Action:      trade.Action,
		Status:      trade.Status,
		Reason:      trade.Reason,
		RealizedPnL: trade.RealizedPnL,
		TS:          time.Now(),
	})
}
