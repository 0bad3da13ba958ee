package conversation

import (
	"fmt"
	"sync"
)

// Arena caches snapshots by (conversation, tick) within one worker process.
// Snapshots are immutable, so the arena only guards its own maps; readers of
// a snapshot never lock. Old ticks are retained until Prune is called, which
// supports audit and re-running a stage against a historical tick.
type Arena struct {
	mu     sync.RWMutex
	ticks  map[string]map[int]*Snapshot
	latest map[string]int
}

// NewArena creates an empty snapshot arena
func NewArena() *Arena {
	return &Arena{
		ticks:  make(map[string]map[int]*Snapshot),
		latest: make(map[string]int),
	}
}

// Publish stores a snapshot. Ticks must arrive in increasing order per
// conversation; publishing a tick at or below the current latest is a
// sequencing bug and is rejected.
func (a *Arena) Publish(s *Snapshot) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	conv := s.ConversationID()
	if cur, ok := a.latest[conv]; ok && s.Tick() <= cur {
		return fmt.Errorf("tick %d for conversation %s is not after latest tick %d",
			s.Tick(), conv, cur)
	}
	if a.ticks[conv] == nil {
		a.ticks[conv] = make(map[int]*Snapshot)
	}
	a.ticks[conv][s.Tick()] = s
	a.latest[conv] = s.Tick()
	return nil
}

// Get returns the snapshot for (conversation, tick), or nil if not cached
func (a *Arena) Get(conversationID string, tick int) *Snapshot {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.ticks[conversationID][tick]
}

// Latest returns the most recent snapshot for a conversation, or nil
func (a *Arena) Latest(conversationID string) *Snapshot {
	a.mu.RLock()
	defer a.mu.RUnlock()
	tick, ok := a.latest[conversationID]
	if !ok {
		return nil
	}
	return a.ticks[conversationID][tick]
}

// LatestTick returns the most recent tick for a conversation (0 if none)
func (a *Arena) LatestTick(conversationID string) int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.latest[conversationID]
}

// Prune drops cached snapshots older than keep ticks behind the latest.
// The latest snapshot is always retained.
func (a *Arena) Prune(conversationID string, keep int) int {
	a.mu.Lock()
	defer a.mu.Unlock()

	latest, ok := a.latest[conversationID]
	if !ok {
		return 0
	}
	dropped := 0
	for tick := range a.ticks[conversationID] {
		if tick < latest-keep {
			delete(a.ticks[conversationID], tick)
			dropped++
		}
	}
	return dropped
}
