package engine

import "sync"

// BotLocks serializes position-changing work per bot id.
//
// At most one in-flight position-changing operation may exist per bot at a
// time: the lock is acquired before the position read and released only
// after order execution and P&L application complete. Without it, two
// near-simultaneous signals can both read the same FLAT snapshot and both
// submit an order.
type BotLocks struct {
	mu    sync.Mutex
	locks map[int64]*sync.Mutex
}

// NewBotLocks creates an empty keyed lock set.
func NewBotLocks() *BotLocks {
	return &BotLocks{locks: make(map[int64]*sync.Mutex)}
}

// Lock acquires the mutex for a bot, creating it on first use, and
// returns the corresponding unlock function.
//
// Locks are never removed: the live bot population is small and a stale
// entry costs one mutex.
func (b *BotLocks) Lock(botID int64) (unlock func()) {
	b.mu.Lock()
	m, ok := b.locks[botID]
	if !ok {
		m = &sync.Mutex{}
		b.locks[botID] = m
	}
	b.mu.Unlock()

	m.Lock()
	return m.Unlock
}
