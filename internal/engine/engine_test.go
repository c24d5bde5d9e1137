package engine_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"tradebotv1/internal/broker"
	"tradebotv1/internal/engine"
	"tradebotv1/internal/model"
)

// memLedger is an in-memory TradeLedger + BotStore for engine tests. It
// mirrors the real ledgers' semantics: terminal trades are immutable and
// P&L application is idempotent per trade.
type memLedger struct {
	mu      sync.Mutex
	trades  map[int64]*model.Trade
	bots    map[int64]*model.BotConfig
	applied map[int64]bool
	nextID  int64

	// failPnL makes the next N ApplyPnL calls fail, simulating a
	// transient ledger outage.
	failPnL int
}

func newMemLedger(bots ...*model.BotConfig) *memLedger {
	l := &memLedger{
		trades:  make(map[int64]*model.Trade),
		bots:    make(map[int64]*model.BotConfig),
		applied: make(map[int64]bool),
	}
	for _, b := range bots {
		l.bots[b.ID] = b
	}
	return l
}

func (l *memLedger) CreateTrade(ctx context.Context, t *model.Trade) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.nextID++
	cp := *t
	cp.ID = l.nextID
	cp.CreatedAt = time.Now().Add(-time.Second)
	l.trades[cp.ID] = &cp
	return cp.ID, nil
}

func (l *memLedger) RecordNoop(ctx context.Context, sig model.Signal, reason string) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.nextID++
	l.trades[l.nextID] = &model.Trade{
		ID:               l.nextID,
		BotID:            sig.BotID,
		Symbol:           sig.Symbol,
		Action:           sig.Action,
		Status:           model.StatusNoop,
		Reason:           reason,
		SignalReceivedAt: sig.ReceivedAt,
		CreatedAt:        time.Now(),
	}
	return l.nextID, nil
}

func (l *memLedger) UpdateTradeStatus(ctx context.Context, tradeID int64, upd model.TradeUpdate) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	t, ok := l.trades[tradeID]
	if !ok {
		return model.ErrNotFound
	}
	if t.Status.Terminal() {
		return nil
	}
	t.Status = upd.Status
	t.FilledQty = upd.FilledQty
	t.FilledAvgPrice = upd.FilledAvgPrice
	t.FilledAt = upd.FilledAt
	t.RealizedPnL = upd.RealizedPnL
	t.Reason = upd.Reason
	return nil
}

func (l *memLedger) GetTrade(ctx context.Context, tradeID int64) (*model.Trade, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	t, ok := l.trades[tradeID]
	if !ok {
		return nil, model.ErrNotFound
	}
	cp := *t
	return &cp, nil
}

func (l *memLedger) PendingTrades(ctx context.Context, olderThan time.Time) ([]model.Trade, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []model.Trade
	for _, t := range l.trades {
		if !t.Status.Terminal() && t.CreatedAt.Before(olderThan) {
			out = append(out, *t)
		}
	}
	return out, nil
}

func (l *memLedger) RecentTrades(ctx context.Context, botID int64, limit int) ([]model.Trade, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []model.Trade
	for _, t := range l.trades {
		if botID == 0 || t.BotID == botID {
			out = append(out, *t)
		}
	}
	return out, nil
}

func (l *memLedger) UnbookedTrades(ctx context.Context) ([]model.Trade, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []model.Trade
	for _, t := range l.trades {
		if t.Status == model.StatusFilled && t.Action == model.ActionClose &&
			!t.PnLApplied && t.RealizedPnL.Valid {
			out = append(out, *t)
		}
	}
	return out, nil
}

func (l *memLedger) ApplyPnL(ctx context.Context, tradeID, botID int64, delta decimal.Decimal) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.failPnL > 0 {
		l.failPnL--
		return errors.New("ledger busy")
	}
	if l.applied[tradeID] {
		return model.ErrPnLAlreadyApplied
	}
	t, ok := l.trades[tradeID]
	if !ok || t.Status != model.StatusFilled {
		return model.ErrPnLAlreadyApplied
	}
	l.applied[tradeID] = true
	t.PnLApplied = true
	b := l.bots[botID]
	b.TotalPnL = b.TotalPnL.Add(delta)
	b.TotalTrades++
	return nil
}

func (l *memLedger) GetBot(ctx context.Context, id int64) (*model.BotConfig, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	b, ok := l.bots[id]
	if !ok {
		return nil, model.ErrNotFound
	}
	cp := *b
	return &cp, nil
}

func (l *memLedger) GetBotByToken(ctx context.Context, token string) (*model.BotConfig, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, b := range l.bots {
		if b.Token == token {
			cp := *b
			return &cp, nil
		}
	}
	return nil, model.ErrNotFound
}

func (l *memLedger) ListBots(ctx context.Context) ([]model.BotConfig, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []model.BotConfig
	for _, b := range l.bots {
		out = append(out, *b)
	}
	return out, nil
}

func (l *memLedger) SetActive(ctx context.Context, id int64, active bool) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	b, ok := l.bots[id]
	if !ok {
		return model.ErrNotFound
	}
	b.Active = active
	return nil
}

func (l *memLedger) SetLastSignal(ctx context.Context, id int64, action model.Action, side model.Side) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	b, ok := l.bots[id]
	if !ok {
		return model.ErrNotFound
	}
	b.LastAction = action
	b.LastSide = side
	return nil
}

// failingGateway errors on every call.
type failingGateway struct{}

func (failingGateway) GetPosition(ctx context.Context, symbol string) (*model.Position, error) {
	return nil, fmt.Errorf("dial tcp: connection refused")
}
func (failingGateway) ListPositions(ctx context.Context) ([]model.Position, error) {
	return nil, fmt.Errorf("dial tcp: connection refused")
}
func (failingGateway) SubmitOrder(ctx context.Context, req model.OrderRequest) (string, error) {
	return "", fmt.Errorf("dial tcp: connection refused")
}
func (failingGateway) ClosePosition(ctx context.Context, symbol string) (string, error) {
	return "", fmt.Errorf("dial tcp: connection refused")
}
func (failingGateway) GetOrderStatus(ctx context.Context, orderID string) (*model.OrderStatus, error) {
	return nil, fmt.Errorf("dial tcp: connection refused")
}

func qtyBot(id int64, symbol string, qty string) *model.BotConfig {
	return &model.BotConfig{
		ID:      id,
		UserID:  1,
		Token:   fmt.Sprintf("tok-%d", id),
		Symbol:  symbol,
		Sizing:  model.SizeQty,
		SizeQty: decimal.RequireFromString(qty),
		Active:  true,
	}
}

func fastPoll() engine.PollConfig {
	return engine.PollConfig{Attempts: 3, Delay: time.Millisecond}
}

func signal(botID int64, action model.Action, symbol string) model.Signal {
	return model.Signal{Action: action, Symbol: symbol, BotID: botID, ReceivedAt: time.Now()}
}

func TestHandleSignal_OpenLongFromFlat(t *testing.T) {
	bot := qtyBot(1, "BTCUSD", "0.5")
	ledger := newMemLedger(bot)
	gw := broker.NewPaperGateway()
	eng := engine.New(ledger, ledger, gw, fastPoll(), nil)

	out, err := eng.HandleSignal(context.Background(), signal(1, model.ActionBuy, "BTCUSD"))
	if err != nil {
		t.Fatalf("HandleSignal: %v", err)
	}
	if out.Decision.Kind != engine.DecideOpen {
		t.Fatalf("decision = %s, want open", out.Decision.Kind)
	}
	if len(out.Trades) != 1 {
		t.Fatalf("expected 1 trade, got %d", len(out.Trades))
	}
	trade := out.Trades[0]
	if trade.Status != model.StatusFilled {
		t.Fatalf("trade status = %s, want FILLED", trade.Status)
	}
	if !trade.FilledQty.Equal(decimal.RequireFromString("0.5")) {
		t.Errorf("filled qty = %s, want 0.5", trade.FilledQty)
	}

	pos, err := gw.GetPosition(context.Background(), "BTCUSD")
	if err != nil || pos == nil {
		t.Fatalf("expected open position, got %v / %v", pos, err)
	}
	if pos.Side != model.SideLong {
		t.Errorf("position side = %s, want LONG", pos.Side)
	}
}

func TestHandleSignal_CloseWhileFlatIsIdempotent(t *testing.T) {
	bot := qtyBot(1, "BTCUSD", "0.5")
	ledger := newMemLedger(bot)
	gw := broker.NewPaperGateway()
	eng := engine.New(ledger, ledger, gw, fastPoll(), nil)

	for i := 0; i < 3; i++ {
		out, err := eng.HandleSignal(context.Background(), signal(1, model.ActionClose, "BTCUSD"))
		if err != nil {
			t.Fatalf("duplicate CLOSE %d errored: %v", i, err)
		}
		if !out.NoOp() {
			t.Fatalf("duplicate CLOSE %d was not a no-op: %s", i, out.Decision.Kind)
		}
		if out.Decision.Reason != "already flat" {
			t.Errorf("reason = %q, want 'already flat'", out.Decision.Reason)
		}
	}
	if gw.CloseCalls() != 0 {
		t.Errorf("close calls = %d, want 0", gw.CloseCalls())
	}

	// Every no-op leaves an audit row.
	trades, _ := ledger.RecentTrades(context.Background(), 1, 10)
	if len(trades) != 3 {
		t.Errorf("noop rows = %d, want 3", len(trades))
	}
}

func TestHandleSignal_NoPyramiding(t *testing.T) {
	bot := qtyBot(1, "BTCUSD", "0.5")
	ledger := newMemLedger(bot)
	gw := broker.NewPaperGateway()
	gw.Seed(model.Position{
		Symbol:        "BTCUSD",
		Side:          model.SideLong,
		Qty:           decimal.RequireFromString("0.5"),
		AvgEntryPrice: decimal.RequireFromString("100"),
	})
	eng := engine.New(ledger, ledger, gw, fastPoll(), nil)

	out, err := eng.HandleSignal(context.Background(), signal(1, model.ActionBuy, "BTCUSD"))
	if err != nil {
		t.Fatalf("HandleSignal: %v", err)
	}
	if !out.NoOp() {
		t.Fatalf("BUY while long should be a no-op, got %s", out.Decision.Kind)
	}
	if gw.SubmitCalls() != 0 {
		t.Errorf("submit calls = %d, want 0", gw.SubmitCalls())
	}
}

func TestHandleSignal_CloseBooksLongPnL(t *testing.T) {
	bot := qtyBot(1, "BTCUSD", "0.00319603")
	ledger := newMemLedger(bot)
	gw := broker.NewPaperGateway()
	gw.Seed(model.Position{
		Symbol:        "BTCUSD",
		Side:          model.SideLong,
		Qty:           decimal.RequireFromString("0.00319603"),
		AvgEntryPrice: decimal.RequireFromString("91799.21"),
	})
	gw.SetPrice("BTCUSD", decimal.RequireFromString("92300.60"))
	eng := engine.New(ledger, ledger, gw, fastPoll(), nil)

	out, err := eng.HandleSignal(context.Background(), signal(1, model.ActionClose, "BTCUSD"))
	if err != nil {
		t.Fatalf("HandleSignal: %v", err)
	}
	if out.Decision.Kind != engine.DecideClose {
		t.Fatalf("decision = %s, want close", out.Decision.Kind)
	}
	trade := out.Trades[0]
	if trade.Status != model.StatusFilled {
		t.Fatalf("trade status = %s, want FILLED", trade.Status)
	}

	// (92300.60 - 91799.21) * 0.00319603 = 1.6024574817, about +1.60.
	want := decimal.RequireFromString("1.6024574817")
	if !trade.RealizedPnL.Valid || !trade.RealizedPnL.Decimal.Equal(want) {
		t.Fatalf("realized pnl = %v, want %s", trade.RealizedPnL, want)
	}
	if !trade.EntryPriceAtOpen.Equal(decimal.RequireFromString("91799.21")) {
		t.Errorf("entry price at open = %s, want 91799.21", trade.EntryPriceAtOpen)
	}

	got, _ := ledger.GetBot(context.Background(), 1)
	if !got.TotalPnL.Equal(want) {
		t.Errorf("bot total pnl = %s, want %s", got.TotalPnL, want)
	}
	if got.TotalTrades != 1 {
		t.Errorf("bot total trades = %d, want 1", got.TotalTrades)
	}
}

func TestHandleSignal_CloseBooksShortPnL(t *testing.T) {
	bot := qtyBot(1, "BTCUSD", "0.00316158")
	ledger := newMemLedger(bot)
	gw := broker.NewPaperGateway()
	gw.Seed(model.Position{
		Symbol:        "BTCUSD",
		Side:          model.SideShort,
		Qty:           decimal.RequireFromString("0.00316158"),
		AvgEntryPrice: decimal.RequireFromString("93030.90"),
	})
	gw.SetPrice("BTCUSD", decimal.RequireFromString("92900.00"))
	eng := engine.New(ledger, ledger, gw, fastPoll(), nil)

	out, err := eng.HandleSignal(context.Background(), signal(1, model.ActionClose, "BTCUSD"))
	if err != nil {
		t.Fatalf("HandleSignal: %v", err)
	}
	trade := out.Trades[0]

	// Short profits when price falls: (93030.90 - 92900.00) * 0.00316158,
	// about +0.41.
	want := decimal.RequireFromString("0.413850822")
	if !trade.RealizedPnL.Valid || !trade.RealizedPnL.Decimal.Equal(want) {
		t.Fatalf("realized pnl = %v, want %s", trade.RealizedPnL, want)
	}
}

func TestHandleSignal_FlipClosesBeforeOpening(t *testing.T) {
	bot := qtyBot(1, "BTCUSD", "0.5")
	ledger := newMemLedger(bot)
	gw := broker.NewPaperGateway()
	gw.Seed(model.Position{
		Symbol:        "BTCUSD",
		Side:          model.SideLong,
		Qty:           decimal.RequireFromString("0.5"),
		AvgEntryPrice: decimal.RequireFromString("95"),
	})
	gw.SetPrice("BTCUSD", decimal.RequireFromString("110"))
	eng := engine.New(ledger, ledger, gw, fastPoll(), nil)

	out, err := eng.HandleSignal(context.Background(), signal(1, model.ActionSell, "BTCUSD"))
	if err != nil {
		t.Fatalf("HandleSignal: %v", err)
	}
	if out.Decision.Kind != engine.DecideFlip {
		t.Fatalf("decision = %s, want flip", out.Decision.Kind)
	}
	if len(out.Trades) != 2 {
		t.Fatalf("expected close+open trades, got %d", len(out.Trades))
	}

	closeTrade, openTrade := out.Trades[0], out.Trades[1]
	if closeTrade.Action != model.ActionClose || closeTrade.Status != model.StatusFilled {
		t.Fatalf("close leg: action=%s status=%s", closeTrade.Action, closeTrade.Status)
	}
	if !closeTrade.RealizedPnL.Valid {
		t.Error("close leg should book realized pnl")
	}
	if openTrade.Action != model.ActionSell || openTrade.Status != model.StatusFilled {
		t.Fatalf("open leg: action=%s status=%s", openTrade.Action, openTrade.Status)
	}
	if openTrade.ID <= closeTrade.ID {
		t.Error("open leg must be created after the close leg")
	}

	pos, _ := gw.GetPosition(context.Background(), "BTCUSD")
	if pos == nil || pos.Side != model.SideShort {
		t.Fatalf("expected SHORT position after flip, got %+v", pos)
	}
}

func TestHandleSignal_FlipWithholdsOpenWhenCloseStalls(t *testing.T) {
	bot := qtyBot(1, "BTCUSD", "0.5")
	ledger := newMemLedger(bot)
	gw := broker.NewPaperGateway()
	gw.Hold = true
	gw.Seed(model.Position{
		Symbol:        "BTCUSD",
		Side:          model.SideLong,
		Qty:           decimal.RequireFromString("0.5"),
		AvgEntryPrice: decimal.RequireFromString("95"),
	})
	eng := engine.New(ledger, ledger, gw, fastPoll(), nil)

	out, err := eng.HandleSignal(context.Background(), signal(1, model.ActionSell, "BTCUSD"))
	if !errors.Is(err, engine.ErrFlipCloseIncomplete) {
		t.Fatalf("err = %v, want ErrFlipCloseIncomplete", err)
	}
	if len(out.Trades) != 1 {
		t.Fatalf("expected only the close leg, got %d trades", len(out.Trades))
	}
	if out.Trades[0].Status != model.StatusSubmitted {
		t.Errorf("close leg status = %s, want SUBMITTED", out.Trades[0].Status)
	}
	if gw.SubmitCalls() != 0 {
		t.Errorf("open leg was submitted (%d calls), must be withheld", gw.SubmitCalls())
	}
}

func TestHandleSignal_ConcurrentDuplicateBuySubmitsOnce(t *testing.T) {
	bot := qtyBot(1, "BTCUSD", "0.5")
	ledger := newMemLedger(bot)
	gw := broker.NewPaperGateway()
	eng := engine.New(ledger, ledger, gw, fastPoll(), nil)

	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			eng.HandleSignal(context.Background(), signal(1, model.ActionBuy, "BTCUSD"))
		}()
	}
	wg.Wait()

	// The lock serializes the two signals; the second sees LONG and
	// no-ops instead of pyramiding.
	if gw.SubmitCalls() != 1 {
		t.Fatalf("submit calls = %d, want exactly 1", gw.SubmitCalls())
	}
}

func TestHandleSignal_BrokerErrorFailsClosed(t *testing.T) {
	bot := qtyBot(1, "BTCUSD", "0.5")
	ledger := newMemLedger(bot)
	eng := engine.New(ledger, ledger, failingGateway{}, fastPoll(), nil)

	_, err := eng.HandleSignal(context.Background(), signal(1, model.ActionBuy, "BTCUSD"))
	if !errors.Is(err, engine.ErrBrokerUnavailable) {
		t.Fatalf("err = %v, want ErrBrokerUnavailable", err)
	}

	trades, _ := ledger.RecentTrades(context.Background(), 1, 10)
	if len(trades) != 0 {
		t.Errorf("no trade rows should exist after a dropped signal, got %d", len(trades))
	}
}

func TestHandleSignal_InactiveBotNoops(t *testing.T) {
	bot := qtyBot(1, "BTCUSD", "0.5")
	bot.Active = false
	ledger := newMemLedger(bot)
	gw := broker.NewPaperGateway()
	eng := engine.New(ledger, ledger, gw, fastPoll(), nil)

	out, err := eng.HandleSignal(context.Background(), signal(1, model.ActionBuy, "BTCUSD"))
	if err != nil {
		t.Fatalf("HandleSignal: %v", err)
	}
	if !out.NoOp() {
		t.Fatalf("disabled bot must no-op, got %s", out.Decision.Kind)
	}
	if gw.SubmitCalls() != 0 {
		t.Errorf("submit calls = %d, want 0", gw.SubmitCalls())
	}
}

func TestHandleSignal_UpdatesLastSignal(t *testing.T) {
	bot := qtyBot(1, "BTCUSD", "0.5")
	ledger := newMemLedger(bot)
	gw := broker.NewPaperGateway()
	eng := engine.New(ledger, ledger, gw, fastPoll(), nil)

	if _, err := eng.HandleSignal(context.Background(), signal(1, model.ActionBuy, "BTCUSD")); err != nil {
		t.Fatalf("HandleSignal: %v", err)
	}
	got, _ := ledger.GetBot(context.Background(), 1)
	if got.LastAction != model.ActionBuy || got.LastSide != model.SideLong {
		t.Errorf("last signal = %s/%s, want BUY/LONG", got.LastAction, got.LastSide)
	}
}
