package engine_test

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"tradebotv1/internal/broker"
	"tradebotv1/internal/engine"
	"tradebotv1/internal/model"
)

func newSweepFixture(t *testing.T, gw *broker.PaperGateway, ledger *memLedger) *engine.Sweeper {
	t.Helper()
	eng := engine.New(ledger, ledger, gw, fastPoll(), nil)
	return engine.NewSweeper(eng, ledger, gw, 0, time.Minute)
}

func TestSweepOnce_RecoversStalledFill(t *testing.T) {
	bot := qtyBot(1, "BTCUSD", "0.5")
	ledger := newMemLedger(bot)
	gw := broker.NewPaperGateway()
	gw.Hold = true
	eng := engine.New(ledger, ledger, gw, fastPoll(), nil)
	sweeper := engine.NewSweeper(eng, ledger, gw, 0, time.Minute)

	out, err := eng.HandleSignal(context.Background(), signal(1, model.ActionBuy, "BTCUSD"))
	if err != nil {
		t.Fatalf("HandleSignal: %v", err)
	}
	tradeID := out.Trades[0].ID
	if out.Trades[0].Status != model.StatusSubmitted {
		t.Fatalf("precondition: trade should be stalled in SUBMITTED")
	}

	gw.Release()
	n, err := sweeper.SweepOnce(context.Background())
	if err != nil {
		t.Fatalf("SweepOnce: %v", err)
	}
	if n != 1 {
		t.Fatalf("recovered = %d, want 1", n)
	}

	trade, err := ledger.GetTrade(context.Background(), tradeID)
	if err != nil {
		t.Fatalf("GetTrade: %v", err)
	}
	if trade.Status != model.StatusFilled {
		t.Fatalf("trade status = %s, want FILLED after sweep", trade.Status)
	}
	if trade.FilledAvgPrice.IsZero() {
		t.Error("sweep must record the fill price")
	}
}

func TestSweepOnce_BooksClosePnLExactlyOnce(t *testing.T) {
	bot := qtyBot(1, "BTCUSD", "0.5")
	ledger := newMemLedger(bot)
	gw := broker.NewPaperGateway()
	gw.Hold = true
	gw.Seed(model.Position{
		Symbol:        "BTCUSD",
		Side:          model.SideLong,
		Qty:           decimal.RequireFromString("0.5"),
		AvgEntryPrice: decimal.RequireFromString("90"),
	})
	gw.SetPrice("BTCUSD", decimal.RequireFromString("100"))
	eng := engine.New(ledger, ledger, gw, fastPoll(), nil)
	sweeper := engine.NewSweeper(eng, ledger, gw, 0, time.Minute)

	out, err := eng.HandleSignal(context.Background(), signal(1, model.ActionClose, "BTCUSD"))
	if err != nil {
		t.Fatalf("HandleSignal: %v", err)
	}
	if out.Trades[0].Status != model.StatusSubmitted {
		t.Fatalf("precondition: close should be stalled in SUBMITTED")
	}

	gw.Release()
	if n, err := sweeper.SweepOnce(context.Background()); err != nil || n != 1 {
		t.Fatalf("first sweep: n=%d err=%v", n, err)
	}

	// A second pass finds nothing pending and books nothing twice.
	if n, err := sweeper.SweepOnce(context.Background()); err != nil || n != 0 {
		t.Fatalf("second sweep: n=%d err=%v, want 0 nil", n, err)
	}

	// (100 - 90) * 0.5 = 5, applied once.
	got, _ := ledger.GetBot(context.Background(), 1)
	want := decimal.RequireFromString("5")
	if !got.TotalPnL.Equal(want) {
		t.Errorf("bot total pnl = %s, want %s", got.TotalPnL, want)
	}
	if got.TotalTrades != 1 {
		t.Errorf("bot total trades = %d, want 1", got.TotalTrades)
	}
}

func TestSweepOnce_RebooksPnLAfterLedgerFailure(t *testing.T) {
	bot := qtyBot(1, "BTCUSD", "0.5")
	ledger := newMemLedger(bot)
	gw := broker.NewPaperGateway()
	gw.Seed(model.Position{
		Symbol:        "BTCUSD",
		Side:          model.SideLong,
		Qty:           decimal.RequireFromString("0.5"),
		AvgEntryPrice: decimal.RequireFromString("90"),
	})
	gw.SetPrice("BTCUSD", decimal.RequireFromString("100"))
	eng := engine.New(ledger, ledger, gw, fastPoll(), nil)
	sweeper := engine.NewSweeper(eng, ledger, gw, 0, time.Minute)

	// The close fills, but the aggregate update dies under it.
	ledger.failPnL = 1
	if _, err := eng.HandleSignal(context.Background(), signal(1, model.ActionClose, "BTCUSD")); err == nil {
		t.Fatalf("HandleSignal should surface the ApplyPnL failure")
	}
	trades, _ := ledger.RecentTrades(context.Background(), 1, 10)
	if len(trades) != 1 {
		t.Fatalf("trade rows = %d, want 1", len(trades))
	}
	tradeID := trades[0].ID
	stored, _ := ledger.GetTrade(context.Background(), tradeID)
	if stored.Status != model.StatusFilled || stored.PnLApplied {
		t.Fatalf("precondition: trade should be FILLED with pnl unapplied, got %s applied=%v",
			stored.Status, stored.PnLApplied)
	}

	// The terminal trade is not pending, but its P&L still owes the bot.
	n, err := sweeper.SweepOnce(context.Background())
	if err != nil {
		t.Fatalf("SweepOnce: %v", err)
	}
	if n != 1 {
		t.Fatalf("recovered = %d, want 1 rebooked trade", n)
	}

	got, _ := ledger.GetBot(context.Background(), 1)
	want := decimal.RequireFromString("5")
	if !got.TotalPnL.Equal(want) {
		t.Errorf("bot total pnl = %s, want %s", got.TotalPnL, want)
	}
	if got.TotalTrades != 1 {
		t.Errorf("bot total trades = %d, want 1", got.TotalTrades)
	}
	stored, _ = ledger.GetTrade(context.Background(), tradeID)
	if !stored.PnLApplied {
		t.Error("trade should be marked pnl_applied after the rebook")
	}

	// Nothing left for the next pass.
	if n, err := sweeper.SweepOnce(context.Background()); err != nil || n != 0 {
		t.Fatalf("second sweep: n=%d err=%v, want 0 nil", n, err)
	}
}

func TestSweepOnce_RespectsGracePeriod(t *testing.T) {
	bot := qtyBot(1, "BTCUSD", "0.5")
	ledger := newMemLedger(bot)
	gw := broker.NewPaperGateway()
	gw.Hold = true
	eng := engine.New(ledger, ledger, gw, fastPoll(), nil)
	// Trades younger than an hour are left for their in-flight poll.
	sweeper := engine.NewSweeper(eng, ledger, gw, time.Hour, time.Minute)

	if _, err := eng.HandleSignal(context.Background(), signal(1, model.ActionBuy, "BTCUSD")); err != nil {
		t.Fatalf("HandleSignal: %v", err)
	}
	gw.Release()

	n, err := sweeper.SweepOnce(context.Background())
	if err != nil {
		t.Fatalf("SweepOnce: %v", err)
	}
	if n != 0 {
		t.Fatalf("recovered = %d, want 0 inside grace period", n)
	}
}

func TestSweepOnce_LeavesStillPendingOrders(t *testing.T) {
	bot := qtyBot(1, "BTCUSD", "0.5")
	ledger := newMemLedger(bot)
	gw := broker.NewPaperGateway()
	gw.Hold = true
	sweeper := newSweepFixture(t, gw, ledger)
	eng := engine.New(ledger, ledger, gw, fastPoll(), nil)

	out, err := eng.HandleSignal(context.Background(), signal(1, model.ActionBuy, "BTCUSD"))
	if err != nil {
		t.Fatalf("HandleSignal: %v", err)
	}

	// Order still held at the broker: the sweep must not force it.
	n, err := sweeper.SweepOnce(context.Background())
	if err != nil {
		t.Fatalf("SweepOnce: %v", err)
	}
	if n != 0 {
		t.Fatalf("recovered = %d, want 0 while order is pending", n)
	}
	trade, _ := ledger.GetTrade(context.Background(), out.Trades[0].ID)
	if trade.Status != model.StatusSubmitted {
		t.Errorf("trade status = %s, want SUBMITTED", trade.Status)
	}
}
