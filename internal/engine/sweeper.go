package engine

import (
	"context"
	"errors"
	"log"
	"time"

	"tradebotv1/internal/metrics"
	"tradebotv1/internal/model"
)

// Sweeper re-checks non-terminal trades against the broker and completes
// stalled fills. The bounded poll in the execution path may give up before
// the broker fills an order; without this sweep such trades would sit in
// SUBMITTED with null fill data indefinitely.
type Sweeper struct {
	ledger model.TradeLedger
	gw     model.BrokerGateway
	exec   *Executor
	locks  *BotLocks

	// Grace period: trades younger than this are left for their own
	// in-flight poll to finish.
	Grace    time.Duration
	Interval time.Duration

	prom   *metrics.Metrics // optional
	health *metrics.HealthStatus
}

// NewSweeper creates a reconciliation sweeper sharing the engine's
// executor and per-bot locks.
func NewSweeper(e *Engine, ledger model.TradeLedger, gw model.BrokerGateway, grace, interval time.Duration) *Sweeper {
	return &Sweeper{
		ledger:   ledger,
		gw:       gw,
		exec:     e.Executor(),
		locks:    e.Locks(),
		Grace:    grace,
		Interval: interval,
		prom:     e.prom,
		health:   e.health,
	}
}

// Run sweeps on a fixed interval until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.Interval)
	defer ticker.Stop()
	log.Printf("[sweeper] running every %s (grace %s)", s.Interval, s.Grace)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.SweepOnce(ctx); err != nil {
				log.Printf("[sweeper] pass failed: %v", err)
			}
		}
	}
}

// SweepOnce reconciles every pending trade older than the grace period.
// Returns the number of trades driven to a terminal status.
func (s *Sweeper) SweepOnce(ctx context.Context) (int, error) {
	if s.prom != nil {
		s.prom.SweepRuns.Inc()
	}
	if s.health != nil {
		s.health.SetLastSweepTime(time.Now())
	}

	pending, err := s.ledger.PendingTrades(ctx, time.Now().Add(-s.Grace))
	if err != nil {
		return 0, err
	}
	if len(pending) > 0 {
		log.Printf("[sweeper] %d pending trade(s) to reconcile", len(pending))
	}

	recovered := 0
	for i := range pending {
		trade := pending[i]
		if s.sweepTrade(ctx, &trade) {
			recovered++
		}
		if ctx.Err() != nil {
			break
		}
	}

	// A fill whose ApplyPnL failed leaves a terminal trade with its
	// realized P&L missing from the bot aggregates. Re-book those too.
	unbooked, err := s.ledger.UnbookedTrades(ctx)
	if err != nil {
		return recovered, err
	}
	for i := range unbooked {
		if s.rebookPnL(ctx, &unbooked[i]) {
			recovered++
		}
		if ctx.Err() != nil {
			break
		}
	}

	if recovered > 0 && s.prom != nil {
		s.prom.SweepRecovered.Add(float64(recovered))
	}
	return recovered, nil
}

// sweepTrade re-polls one trade under its bot's lock and reuses the
// executor's fill handling, so P&L booking stays idempotent and shared.
func (s *Sweeper) sweepTrade(ctx context.Context, trade *model.Trade) bool {
	unlock := s.locks.Lock(trade.BotID)
	defer unlock()

	// The trade may have been finalized while we waited for the lock.
	current, err := s.ledger.GetTrade(ctx, trade.ID)
	if err != nil {
		log.Printf("[sweeper] reload trade %d: %v", trade.ID, err)
		return false
	}
	if current.Status.Terminal() {
		return false
	}

	st, err := s.gw.GetOrderStatus(ctx, current.OrderID)
	if err != nil {
		log.Printf("[sweeper] trade=%d order=%s status: %v", current.ID, current.OrderID, err)
		return false
	}

	res := ClassifyStatus(st)
	if res == PollPending {
		return false
	}
	if err := s.exec.Finalize(ctx, current, res, st); err != nil {
		log.Printf("[sweeper] trade=%d finalize: %v", current.ID, err)
		return false
	}
	log.Printf("[sweeper] trade=%d order=%s recovered -> %s", current.ID, current.OrderID, current.Status)
	return true
}

// rebookPnL retries the aggregate update for a filled close trade whose
// P&L was computed but never applied.
func (s *Sweeper) rebookPnL(ctx context.Context, trade *model.Trade) bool {
	if !trade.RealizedPnL.Valid {
		return false
	}
	unlock := s.locks.Lock(trade.BotID)
	defer unlock()

	err := s.ledger.ApplyPnL(ctx, trade.ID, trade.BotID, trade.RealizedPnL.Decimal)
	switch {
	case errors.Is(err, model.ErrPnLAlreadyApplied):
		return false
	case err != nil:
		log.Printf("[sweeper] trade=%d rebook pnl: %v", trade.ID, err)
		return false
	}
	if s.prom != nil {
		s.prom.PnLApplied.Inc()
	}
	log.Printf("[sweeper] trade=%d rebooked pnl=%s to bot=%d", trade.ID, trade.RealizedPnL.Decimal, trade.BotID)
	return true
}
