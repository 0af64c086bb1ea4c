package extractor

import (
	"sync"
	"time"
)

// memoryEntry records that a host needed the aggressive strategy.
type memoryEntry struct {
	expiresAt time.Time
}

// StrategyMemory remembers, per host, that the aggressive interaction
// strategy was needed to find a stream. Entries expire after the TTL and are
// pruned periodically.
type StrategyMemory struct {
	store sync.Map // host (string) -> *memoryEntry
	ttl   time.Duration
	now   func() time.Time

	done     chan struct{}
	stopOnce sync.Once
}

// NewStrategyMemory creates a StrategyMemory and starts a goroutine that
// prunes expired entries every hour.
func NewStrategyMemory(ttl time.Duration) *StrategyMemory {
	sm := newStrategyMemory(ttl, time.Now)
	go sm.cleanupLoop()
	return sm
}

func newStrategyMemory(ttl time.Duration, now func() time.Time) *StrategyMemory {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &StrategyMemory{
		ttl:  ttl,
		now:  now,
		done: make(chan struct{}),
	}
}

// Aggressive reports whether host is remembered as needing the aggressive
// strategy. A nil memory remembers nothing.
func (sm *StrategyMemory) Aggressive(host string) bool {
	if sm == nil || host == "" {
		return false
	}
	val, ok := sm.store.Load(host)
	if !ok {
		return false
	}
	if sm.now().After(val.(*memoryEntry).expiresAt) {
		sm.store.Delete(host)
		return false
	}
	return true
}

// RememberAggressive records that host needed the aggressive strategy.
func (sm *StrategyMemory) RememberAggressive(host string) {
	if sm == nil || host == "" {
		return
	}
	sm.store.Store(host, &memoryEntry{expiresAt: sm.now().Add(sm.ttl)})
}

// Forget drops host, e.g. after the remembered strategy failed too.
func (sm *StrategyMemory) Forget(host string) {
	if sm == nil {
		return
	}
	sm.store.Delete(host)
}

// Stop terminates the background cleanup goroutine.
func (sm *StrategyMemory) Stop() {
	if sm == nil {
		return
	}
	sm.stopOnce.Do(func() { close(sm.done) })
}

func (sm *StrategyMemory) cleanupLoop() {
	ticker := time.NewTicker(1 * time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-sm.done:
			return
		case <-ticker.C:
			now := sm.now()
			sm.store.Range(func(key, value any) bool {
				if now.After(value.(*memoryEntry).expiresAt) {
					sm.store.Delete(key)
				}
				return true
			})
		}
	}
}
