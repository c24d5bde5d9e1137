package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"tradebotv1/internal/metrics"
	"tradebotv1/internal/model"
)

// PollResult is the explicit outcome of the bounded order-status poll.
// Modeling it as a value (instead of errors) lets the initial execution
// path and the reconciliation sweep share one fill-handling routine.
type PollResult int

const (
	PollFilled PollResult = iota
	PollPending
	PollRejected
	PollTimedOut
)

func (r PollResult) String() string {
	switch r {
	case PollFilled:
		return "filled"
	case PollPending:
		return "pending"
	case PollRejected:
		return "rejected"
	case PollTimedOut:
		return "timed_out"
	default:
		return "unknown"
	}
}

// PollConfig bounds the post-submission status poll. Exceeding the budget
// leaves the trade SUBMITTED for the reconciliation sweep rather than
// blocking the signal indefinitely.
type PollConfig struct {
	Attempts int
	Delay    time.Duration
}

// DefaultPollConfig waits roughly three seconds total.
func DefaultPollConfig() PollConfig {
	return PollConfig{Attempts: 10, Delay: 300 * time.Millisecond}
}

// Executor submits decided actions to the broker and reconciles them
// against the broker's asynchronous order lifecycle.
type Executor struct {
	gw     model.BrokerGateway
	ledger model.TradeLedger
	poll   PollConfig
	prom   *metrics.Metrics // optional
}

// NewExecutor creates an order executor. prom may be nil (tests).
func NewExecutor(gw model.BrokerGateway, ledger model.TradeLedger, poll PollConfig, prom *metrics.Metrics) *Executor {
	if poll.Attempts <= 0 {
		poll = DefaultPollConfig()
	}
	return &Executor{gw: gw, ledger: ledger, poll: poll, prom: prom}
}

// ExecuteOpen submits a market order for the bot's configured size and
// drives it through the bounded reconciliation poll.
func (e *Executor) ExecuteOpen(ctx context.Context, bot *model.BotConfig, side model.Side, sig model.Signal) (*model.Trade, error) {
	req := model.OrderRequest{
		Symbol:        bot.Symbol,
		Side:          side,
		ClientOrderID: uuid.New().String(),
	}
	action := model.ActionBuy
	if side == model.SideShort {
		action = model.ActionSell
	}

	trade := &model.Trade{
		BotID:            bot.ID,
		Symbol:           bot.Symbol,
		Action:           action,
		Status:           model.StatusSubmitted,
		SignalReceivedAt: sig.ReceivedAt,
	}
	if bot.Sizing == model.SizeQty {
		req.Qty = bot.SizeQty
		trade.RequestedQty = bot.SizeQty
	} else {
		req.Notional = bot.SizeNotional
		trade.RequestedNotional = bot.SizeNotional
	}

	orderID, err := e.gw.SubmitOrder(ctx, req)
	if err != nil {
		e.countBrokerError()
		return nil, fmt.Errorf("%w: submit order %s %s: %v", ErrBrokerUnavailable, side, bot.Symbol, err)
	}
	trade.OrderID = orderID
	trade.OrderSubmittedAt = time.Now()

	if trade.ID, err = e.ledger.CreateTrade(ctx, trade); err != nil {
		// Order is live at the broker but unrecorded: surface loudly,
		// there is nothing for the sweep to find.
		return nil, fmt.Errorf("record open trade (order %s live!): %w", orderID, err)
	}
	trade.CreatedAt = time.Now()
	if e.prom != nil {
		e.prom.OrdersSubmitted.Inc()
	}
	log.Printf("[executor] bot=%d submitted %s %s order=%s", bot.ID, action, bot.Symbol, orderID)

	res, st := e.pollOrder(ctx, orderID, trade.OrderSubmittedAt)
	if err := e.Finalize(ctx, trade, res, st); err != nil {
		return trade, err
	}
	return trade, nil
}

// ExecuteClose liquidates the bot's position and books realized P&L.
//
// The entry price and quantity are captured from the snapshot before the
// close call: the position disappears from the broker once closed and the
// entry price is otherwise unrecoverable.
func (e *Executor) ExecuteClose(ctx context.Context, bot *model.BotConfig, snap *model.Position, sig model.Signal) (*model.Trade, error) {
	trade := &model.Trade{
		BotID:            bot.ID,
		Symbol:           bot.Symbol,
		Action:           model.ActionClose,
		RequestedQty:     snap.Qty,
		EntryPriceAtOpen: snap.AvgEntryPrice,
		SideAtClose:      snap.Side,
		Status:           model.StatusSubmitted,
		SignalReceivedAt: sig.ReceivedAt,
	}

	orderID, err := e.gw.ClosePosition(ctx, bot.Symbol)
	if err != nil {
		e.countBrokerError()
		return nil, fmt.Errorf("%w: close position %s: %v", ErrBrokerUnavailable, bot.Symbol, err)
	}
	trade.OrderID = orderID
	trade.OrderSubmittedAt = time.Now()

	if trade.ID, err = e.ledger.CreateTrade(ctx, trade); err != nil {
		return nil, fmt.Errorf("record close trade (order %s live!): %w", orderID, err)
	}
	trade.CreatedAt = time.Now()
	if e.prom != nil {
		e.prom.OrdersSubmitted.Inc()
	}
	log.Printf("[executor] bot=%d closing %s %s qty=%s entry=%s order=%s",
		bot.ID, snap.Side, bot.Symbol, snap.Qty, snap.AvgEntryPrice, orderID)

	res, st := e.pollOrder(ctx, orderID, trade.OrderSubmittedAt)
	if err := e.Finalize(ctx, trade, res, st); err != nil {
		return trade, err
	}
	return trade, nil
}

// pollOrder polls the broker for a terminal order status, bounded by the
// configured attempts × delay. Returns the last status seen (may be nil
// if every poll errored).
func (e *Executor) pollOrder(ctx context.Context, orderID string, submittedAt time.Time) (PollResult, *model.OrderStatus) {
	var last *model.OrderStatus
	for i := 0; i < e.poll.Attempts; i++ {
		st, err := e.gw.GetOrderStatus(ctx, orderID)
		if err != nil {
			e.countBrokerError()
			log.Printf("[executor] order %s status poll failed: %v", orderID, err)
		} else {
			last = st
			if res := ClassifyStatus(st); res != PollPending {
				e.observeFillWait(submittedAt)
				return res, st
			}
		}

		select {
		case <-ctx.Done():
			return PollTimedOut, last
		case <-time.After(e.poll.Delay):
		}
	}
	e.observeFillWait(submittedAt)
	if e.prom != nil {
		e.prom.PollTimeouts.Inc()
	}
	return PollTimedOut, last
}

// ClassifyStatus maps a broker-native order status onto a poll result.
func ClassifyStatus(st *model.OrderStatus) PollResult {
	switch st.Status {
	case "filled":
		return PollFilled
	case "rejected", "canceled", "expired":
		return PollRejected
	default:
		// new, accepted, pending_new, partially_filled, ...
		return PollPending
	}
}

// Finalize applies a poll result to the trade record and, for a filled
// CLOSE, computes and books realized P&L. Shared between the initial
// execution path and the reconciliation sweep.
//
// A failure after the FILLED update does not roll back the fill: the
// broker fact stands, and P&L application is idempotent and retried by
// the sweep.
func (e *Executor) Finalize(ctx context.Context, trade *model.Trade, res PollResult, st *model.OrderStatus) error {
	switch res {
	case PollFilled:
		return e.finalizeFill(ctx, trade, st)

	case PollRejected:
		status := model.StatusRejected
		if st.Status == "canceled" {
			status = model.StatusCanceled
		}
		upd := model.TradeUpdate{Status: status, Reason: st.Reason}
		if err := e.ledger.UpdateTradeStatus(ctx, trade.ID, upd); err != nil {
			return fmt.Errorf("mark trade %d %s: %w", trade.ID, status, err)
		}
		trade.Status = status
		trade.Reason = st.Reason
		if e.prom != nil {
			e.prom.OrdersRejected.Inc()
		}
		log.Printf("[executor] trade=%d order=%s %s: %s", trade.ID, trade.OrderID, status, st.Reason)
		return nil

	default:
		// Pending or timed out: the order may still fill. Record any
		// partial fill but keep the trade non-terminal for the sweep.
		if st != nil && st.Status == "partially_filled" {
			upd := model.TradeUpdate{
				Status:         model.StatusPartiallyFilled,
				FilledQty:      st.FilledQty,
				FilledAvgPrice: st.FilledAvgPrice,
			}
			if err := e.ledger.UpdateTradeStatus(ctx, trade.ID, upd); err != nil {
				return fmt.Errorf("mark trade %d partial: %w", trade.ID, err)
			}
			trade.Status = model.StatusPartiallyFilled
		}
		log.Printf("[executor] trade=%d order=%s left %s for sweep", trade.ID, trade.OrderID, trade.Status)
		return nil
	}
}

func (e *Executor) finalizeFill(ctx context.Context, trade *model.Trade, st *model.OrderStatus) error {
	filledAt := st.FilledAt
	if filledAt.IsZero() {
		filledAt = time.Now()
	}
	upd := model.TradeUpdate{
		Status:         model.StatusFilled,
		FilledQty:      st.FilledQty,
		FilledAvgPrice: st.FilledAvgPrice,
		FilledAt:       filledAt,
	}

	var pnl decimal.Decimal
	booked := false
	if trade.Action == model.ActionClose {
		pnl = RealizedPnL(trade.SideAtClose, trade.EntryPriceAtOpen, st.FilledAvgPrice, st.FilledQty)
		upd.RealizedPnL = decimal.NullDecimal{Decimal: pnl, Valid: true}
		booked = true
	}

	if err := e.ledger.UpdateTradeStatus(ctx, trade.ID, upd); err != nil {
		return fmt.Errorf("mark trade %d filled: %w", trade.ID, err)
	}
	trade.Status = model.StatusFilled
	trade.FilledQty = st.FilledQty
	trade.FilledAvgPrice = st.FilledAvgPrice
	trade.FilledAt = filledAt
	trade.RealizedPnL = upd.RealizedPnL
	if e.prom != nil {
		e.prom.OrdersFilled.Inc()
	}
	log.Printf("[executor] trade=%d order=%s filled qty=%s avg=%s", trade.ID, trade.OrderID, st.FilledQty, st.FilledAvgPrice)

	if booked {
		err := e.ledger.ApplyPnL(ctx, trade.ID, trade.BotID, pnl)
		switch {
		case errors.Is(err, model.ErrPnLAlreadyApplied):
			if e.prom != nil {
				e.prom.PnLSkipped.Inc()
			}
			log.Printf("[executor] trade=%d pnl already applied, skipping", trade.ID)
		case err != nil:
			// The fill stands; the sweep retries the idempotent booking.
			return fmt.Errorf("apply pnl for trade %d: %w", trade.ID, err)
		default:
			trade.PnLApplied = true
			if e.prom != nil {
				e.prom.PnLApplied.Inc()
			}
			log.Printf("[executor] trade=%d realized pnl=%s booked to bot=%d", trade.ID, pnl, trade.BotID)
		}
	}
	return nil
}

// RealizedPnL computes the signed profit of a close fill using the side
// captured in the position snapshot, not the broker's order side label:
// a CLOSE of a LONG is submitted as a broker sell, and vice versa.
func RealizedPnL(side model.Side, entry, fill, qty decimal.Decimal) decimal.Decimal {
	if side == model.SideShort {
		return entry.Sub(fill).Mul(qty)
	}
	return fill.Sub(entry).Mul(qty)
}

func (e *Executor) countBrokerError() {
	if e.prom != nil {
		e.prom.BrokerErrors.Inc()
	}
}

func (e *Executor) observeFillWait(submittedAt time.Time) {
	if e.prom != nil {
		e.prom.FillWaitDur.Observe(time.Since(submittedAt).Seconds())
	}
}
