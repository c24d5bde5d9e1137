package broker

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/shopspring/decimal"

	"tradebotv1/internal/metrics"
	"tradebotv1/internal/model"
	"tradebotv1/pkg/alpaca"
)

// AlpacaGateway implements model.BrokerGateway over the Alpaca REST API,
// with every call routed through a circuit breaker so a flapping broker
// degrades into fast failures instead of piling up blocked signals.
type AlpacaGateway struct {
	client  *alpaca.Client
	breaker *Breaker
}

// NewAlpacaGateway wraps an API client. prom may be nil; when set, the
// breaker state and trips are exported.
func NewAlpacaGateway(client *alpaca.Client, maxFailures int, resetTimeout time.Duration, prom *metrics.Metrics) *AlpacaGateway {
	g := &AlpacaGateway{
		client:  client,
		breaker: NewBreaker(maxFailures, resetTimeout),
	}
	g.breaker.OnStateChange = func(from, to BreakerState) {
		log.Printf("[broker] circuit breaker %s -> %s", from, to)
		if prom != nil {
			prom.BrokerBreakerState.Set(float64(to))
			if to == BreakerOpen {
				prom.BrokerBreakerTrips.Inc()
			}
		}
	}
	return g
}

// Breaker exposes the circuit breaker for health reporting.
func (g *AlpacaGateway) Breaker() *Breaker { return g.breaker }

// Ping verifies broker connectivity (not routed through the breaker: the
// liveness probe must observe the real backend, not the breaker state).
func (g *AlpacaGateway) Ping(ctx context.Context) error {
	return g.client.Ping(ctx)
}

func (g *AlpacaGateway) GetPosition(ctx context.Context, symbol string) (*model.Position, error) {
	var pos *alpaca.Position
	err := g.breaker.Execute(func() error {
		var err error
		pos, err = g.client.GetPosition(ctx, symbol)
		return err
	})
	if err != nil {
		return nil, err
	}
	if pos == nil {
		return nil, nil
	}
	return convertPosition(pos)
}

func (g *AlpacaGateway) ListPositions(ctx context.Context) ([]model.Position, error) {
	var raw []alpaca.Position
	err := g.breaker.Execute(func() error {
		var err error
		raw, err = g.client.ListPositions(ctx)
		return err
	})
	if err != nil {
		return nil, err
	}
	out := make([]model.Position, 0, len(raw))
	for i := range raw {
		p, err := convertPosition(&raw[i])
		if err != nil {
			return nil, err
		}
		out = append(out, *p)
	}
	return out, nil
}

func (g *AlpacaGateway) SubmitOrder(ctx context.Context, req model.OrderRequest) (string, error) {
	payload := alpaca.PlaceOrderRequest{
		Symbol:        req.Symbol,
		Side:          "buy",
		Type:          "market",
		TimeInForce:   "gtc",
		ClientOrderID: req.ClientOrderID,
	}
	if req.Side == model.SideShort {
		payload.Side = "sell"
	}
	if !req.Notional.IsZero() {
		payload.Notional = req.Notional.String()
	} else {
		payload.Qty = req.Qty.String()
	}

	var order *alpaca.Order
	err := g.breaker.Execute(func() error {
		var err error
		order, err = g.client.PlaceOrder(ctx, payload)
		return err
	})
	if err != nil {
		return "", err
	}
	return order.ID, nil
}

func (g *AlpacaGateway) ClosePosition(ctx context.Context, symbol string) (string, error) {
	var order *alpaca.Order
	err := g.breaker.Execute(func() error {
		var err error
		order, err = g.client.ClosePosition(ctx, symbol)
		return err
	})
	if err != nil {
		return "", err
	}
	return order.ID, nil
}

func (g *AlpacaGateway) GetOrderStatus(ctx context.Context, orderID string) (*model.OrderStatus, error) {
	var order *alpaca.Order
	err := g.breaker.Execute(func() error {
		var err error
		order, err = g.client.GetOrder(ctx, orderID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return convertOrder(order)
}

func convertPosition(p *alpaca.Position) (*model.Position, error) {
	qty, err := parseDec(p.Qty)
	if err != nil {
		return nil, fmt.Errorf("position %s qty: %w", p.Symbol, err)
	}
	entry, err := parseDec(p.AvgEntryPrice)
	if err != nil {
		return nil, fmt.Errorf("position %s avg entry: %w", p.Symbol, err)
	}
	mv, err := parseDec(p.MarketValue)
	if err != nil {
		return nil, fmt.Errorf("position %s market value: %w", p.Symbol, err)
	}

	side := model.SideLong
	switch {
	case p.Side == "short" || qty.IsNegative():
		side = model.SideShort
	case qty.IsZero():
		side = model.SideFlat
	}
	return &model.Position{
		Symbol:        p.Symbol,
		Side:          side,
		Qty:           qty.Abs(),
		AvgEntryPrice: entry,
		MarketValue:   mv,
	}, nil
}

func convertOrder(o *alpaca.Order) (*model.OrderStatus, error) {
	st := &model.OrderStatus{
		OrderID: o.ID,
		Status:  o.Status,
	}
	var err error
	if st.FilledQty, err = parseDec(o.FilledQty); err != nil {
		return nil, fmt.Errorf("order %s filled qty: %w", o.ID, err)
	}
	if st.FilledAvgPrice, err = parseDec(o.FilledAvgPrice); err != nil {
		return nil, fmt.Errorf("order %s filled avg price: %w", o.ID, err)
	}
	if o.FilledAt != nil {
		st.FilledAt = *o.FilledAt
	}
	return st, nil
}

// parseDec parses a broker decimal string; empty or null strings mean zero.
func parseDec(s string) (decimal.Decimal, error) {
	if s == "" || s == "null" {
		return decimal.Zero, nil
	}
	return decimal.NewFromString(s)
}
