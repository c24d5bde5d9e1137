// Package redis caches per-bot last-signal state and fans trade events
// out over Pub/Sub so multiple server instances can feed one dashboard
// stream. The store is optional: a nil *Store is a no-op everywhere.
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	goredis "github.com/go-redis/redis/v8"

	"tradebotv1/internal/model"
)

// TradeEventsChannel is the Pub/Sub channel carrying trade events.
const TradeEventsChannel = "trades:events"

const lastSignalTTL = 7 * 24 * time.Hour

// Store wraps a Redis client for the bot server's caching and fan-out.
type Store struct {
	rdb *goredis.Client
}

// New connects to Redis. Returns an error if the initial ping fails.
func New(ctx context.Context, addr, password string) (*Store, error) {
	rdb := goredis.NewClient(&goredis.Options{
		Addr:     addr,
		Password: password,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping %s: %w", addr, err)
	}
	log.Printf("[redis] connected to %s", addr)
	return &Store{rdb: rdb}, nil
}

// Client returns the underlying client for health checks. Nil-safe.
func (s *Store) Client() *goredis.Client {
	if s == nil {
		return nil
	}
	return s.rdb
}

// Close releases the client. Nil-safe.
func (s *Store) Close() error {
	if s == nil || s.rdb == nil {
		return nil
	}
	return s.rdb.Close()
}

// LastSignal is the cached view of a bot's most recent processed signal.
type LastSignal struct {
	Action model.Action `json:"action"`
	Side   model.Side   `json:"side"`
	At     time.Time    `json:"at"`
}

func lastSignalKey(botID int64) string {
	return fmt.Sprintf("bot:%d:last_signal", botID)
}

// SetLastSignal caches the bot's latest signal/side. Fire-and-forget:
// the ledger remains the durable record. Nil-safe.
func (s *Store) SetLastSignal(ctx context.Context, botID int64, action model.Action, side model.Side) {
	if s == nil || s.rdb == nil {
		return
	}
	data, err := json.Marshal(LastSignal{Action: action, Side: side, At: time.Now().UTC()})
	if err != nil {
		return
	}
	if err := s.rdb.Set(ctx, lastSignalKey(botID), data, lastSignalTTL).Err(); err != nil {
		log.Printf("[redis] WARNING: cache last signal bot=%d: %v", botID, err)
	}
}

// GetLastSignal returns the cached last signal, or nil when absent. Nil-safe.
func (s *Store) GetLastSignal(ctx context.Context, botID int64) *LastSignal {
	if s == nil || s.rdb == nil {
		return nil
	}
	data, err := s.rdb.Get(ctx, lastSignalKey(botID)).Result()
	if err != nil {
		return nil
	}
	var ls LastSignal
	if json.Unmarshal([]byte(data), &ls) != nil {
		return nil
	}
	return &ls
}

// PublishTrade broadcasts a trade event on the Pub/Sub channel. Nil-safe,
// satisfies engine.EventSink.
func (s *Store) PublishTrade(ctx context.Context, ev model.TradeEvent) {
	if s == nil || s.rdb == nil {
		return
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return
	}
	if err := s.rdb.Publish(ctx, TradeEventsChannel, data).Err(); err != nil {
		log.Printf("[redis] WARNING: publish trade event: %v", err)
	}
}

// SubscribeTrades consumes trade events published by other instances and
// delivers them to fn. Blocks until ctx is cancelled. Nil-safe.
func (s *Store) SubscribeTrades(ctx context.Context, fn func(model.TradeEvent)) {
	if s == nil || s.rdb == nil {
		return
	}
	sub := s.rdb.Subscribe(ctx, TradeEventsChannel)
	defer sub.Close()

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			var ev model.TradeEvent
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
				log.Printf("[redis] bad trade event payload: %v", err)
				continue
			}
			fn(ev)
		}
	}
}
