package engine

import (
	"context"
	"fmt"

	"tradebotv1/internal/model"
)

// Resolver determines a bot's current side by querying the broker and
// normalizing the broker's symbol representation against the bot's
// configured symbol. It holds no state between calls: the broker is the
// only consistent view of the position.
type Resolver struct {
	gw model.BrokerGateway
}

// NewResolver creates a position resolver over a broker gateway.
func NewResolver(gw model.BrokerGateway) *Resolver {
	return &Resolver{gw: gw}
}

// Resolve fetches the bot's live position snapshot.
//
// Returns a FLAT snapshot when the broker holds nothing for the symbol.
// Any gateway failure maps to ErrBrokerUnavailable: no order may be
// submitted without a trustworthy position read.
func (r *Resolver) Resolve(ctx context.Context, bot *model.BotConfig) (*model.Position, error) {
	pos, err := r.gw.GetPosition(ctx, bot.Symbol)
	if err != nil {
		return nil, fmt.Errorf("%w: get position %s: %v", ErrBrokerUnavailable, bot.Symbol, err)
	}

	if pos == nil {
		// The broker may list the pair under a different representation
		// ("BTC/USD" vs "BTCUSD"); scan the account before concluding flat.
		list, err := r.gw.ListPositions(ctx)
		if err != nil {
			return nil, fmt.Errorf("%w: list positions: %v", ErrBrokerUnavailable, err)
		}
		for i := range list {
			if SameSymbol(list[i].Symbol, bot.Symbol) {
				pos = &list[i]
				break
			}
		}
	}

	if pos == nil || pos.IsFlat() {
		return model.Flat(bot.Symbol), nil
	}

	if !SameSymbol(pos.Symbol, bot.Symbol) {
		return nil, fmt.Errorf("%w: broker=%q bot=%q", ErrSymbolMismatch, pos.Symbol, bot.Symbol)
	}

	return pos, nil
}
