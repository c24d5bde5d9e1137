package broker

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"tradebotv1/internal/engine"
	"tradebotv1/internal/model"
)

// PaperGateway simulates the broker in memory: orders fill at the set
// mark price after a configurable number of status polls, positions are
// tracked per normalized symbol. Used for dry runs and tests.
type PaperGateway struct {
	mu        sync.Mutex
	positions map[string]*model.Position // key: normalized symbol
	orders    map[string]*paperOrder
	prices    map[string]decimal.Decimal
	seq       int64

	// FillAfterPolls delays the simulated fill by that many status
	// polls (0 = first poll fills). Lets tests exercise the bounded
	// poll and the reconciliation sweep.
	FillAfterPolls int

	// RejectNext makes the next submitted order terminally rejected.
	RejectNext bool

	// Hold freezes all open orders in "new" until Release is called.
	Hold bool

	submitCalls int
	closeCalls  int
}

type paperOrder struct {
	id        string
	symbol    string
	side      model.Side
	notional  decimal.Decimal
	qty       decimal.Decimal
	closing   bool
	closeSide model.Side // side of the position being closed
	closeQty  decimal.Decimal

	status    string
	fillQty   decimal.Decimal
	fillPrice decimal.Decimal
	filledAt  time.Time
	pollsLeft int
	held      bool
}

// NewPaperGateway creates an empty paper broker with a 100.00 default mark.
func NewPaperGateway() *PaperGateway {
	return &PaperGateway{
		positions: make(map[string]*model.Position),
		orders:    make(map[string]*paperOrder),
		prices:    make(map[string]decimal.Decimal),
	}
}

// SetPrice sets the mark price used for subsequent fills of a symbol.
func (p *PaperGateway) SetPrice(symbol string, price decimal.Decimal) {
	p.mu.Lock()
	p.prices[engine.NormalizeSymbol(symbol)] = price
	p.mu.Unlock()
}

// Seed installs a position directly, bypassing order flow (test setup).
func (p *PaperGateway) Seed(pos model.Position) {
	p.mu.Lock()
	p.positions[engine.NormalizeSymbol(pos.Symbol)] = &pos
	p.mu.Unlock()
}

// SubmitCalls returns how many orders were submitted (opens only).
func (p *PaperGateway) SubmitCalls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.submitCalls
}

// CloseCalls returns how many close-position calls were made.
func (p *PaperGateway) CloseCalls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closeCalls
}

// Release unfreezes held orders so subsequent polls can fill them.
func (p *PaperGateway) Release() {
	p.mu.Lock()
	p.Hold = false
	for _, o := range p.orders {
		o.held = false
	}
	p.mu.Unlock()
}

// Ping always succeeds; the simulated broker has no connectivity.
func (p *PaperGateway) Ping(ctx context.Context) error { return nil }

func (p *PaperGateway) GetPosition(ctx context.Context, symbol string) (*model.Position, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	pos, ok := p.positions[engine.NormalizeSymbol(symbol)]
	if !ok {
		return nil, nil
	}
	cp := *pos
	return &cp, nil
}

func (p *PaperGateway) ListPositions(ctx context.Context) ([]model.Position, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]model.Position, 0, len(p.positions))
	for _, pos := range p.positions {
		out = append(out, *pos)
	}
	return out, nil
}

func (p *PaperGateway) SubmitOrder(ctx context.Context, req model.OrderRequest) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.submitCalls++
	p.seq++
	o := &paperOrder{
		id:        fmt.Sprintf("PAPER-%d", p.seq),
		symbol:    req.Symbol,
		side:      req.Side,
		notional:  req.Notional,
		qty:       req.Qty,
		status:    "new",
		pollsLeft: p.FillAfterPolls,
		held:      p.Hold,
	}
	if p.RejectNext {
		o.status = "rejected"
		p.RejectNext = false
	}
	p.orders[o.id] = o
	log.Printf("[paper] submitted %s %s order=%s", req.Side, req.Symbol, o.id)
	return o.id, nil
}

func (p *PaperGateway) ClosePosition(ctx context.Context, symbol string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.closeCalls++
	key := engine.NormalizeSymbol(symbol)
	pos, ok := p.positions[key]
	if !ok {
		return "", fmt.Errorf("paper: no open position for %s", symbol)
	}

	p.seq++
	o := &paperOrder{
		id:        fmt.Sprintf("PAPER-%d", p.seq),
		symbol:    symbol,
		closing:   true,
		closeSide: pos.Side,
		closeQty:  pos.Qty,
		status:    "new",
		pollsLeft: p.FillAfterPolls,
		held:      p.Hold,
	}
	p.orders[o.id] = o
	log.Printf("[paper] closing %s %s order=%s", pos.Side, symbol, o.id)
	return o.id, nil
}

func (p *PaperGateway) GetOrderStatus(ctx context.Context, orderID string) (*model.OrderStatus, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	o, ok := p.orders[orderID]
	if !ok {
		return nil, fmt.Errorf("paper: unknown order %s", orderID)
	}

	if o.status == "new" && !o.held {
		if o.pollsLeft > 0 {
			o.pollsLeft--
		} else {
			p.fill(o)
		}
	}

	st := &model.OrderStatus{
		OrderID:        o.id,
		Status:         o.status,
		FilledQty:      o.fillQty,
		FilledAvgPrice: o.fillPrice,
		FilledAt:       o.filledAt,
	}
	if o.status == "rejected" {
		st.Reason = "rejected by paper broker"
	}
	return st, nil
}

// fill settles an order at the mark price and mutates the position book.
// Caller holds the lock.
func (p *PaperGateway) fill(o *paperOrder) {
	key := engine.NormalizeSymbol(o.symbol)
	price, ok := p.prices[key]
	if !ok {
		price = decimal.NewFromInt(100)
	}

	o.status = "filled"
	o.fillPrice = price
	o.filledAt = time.Now()

	if o.closing {
		o.fillQty = o.closeQty
		delete(p.positions, key)
		return
	}

	qty := o.qty
	if qty.IsZero() && !o.notional.IsZero() {
		qty = o.notional.Div(price)
	}
	o.fillQty = qty
	p.positions[key] = &model.Position{
		Symbol:        o.symbol,
		Side:          o.side,
		Qty:           qty,
		AvgEntryPrice: price,
		MarketValue:   qty.Mul(price),
	}
}
