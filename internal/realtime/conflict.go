package realtime

import (
	"encoding/json"
	"sort"
	"sync"
	"time"
)

// Strategy names a conflict resolution policy.
type Strategy string

const (
	// StrategyServerWins discards the pending optimistic mutation and
	// adopts the server's reported state.
	StrategyServerWins Strategy = "server-wins"

	// StrategyClientWins re-issues the pending mutation against the item
	// store, overwriting the server's concurrent change.
	StrategyClientWins Strategy = "client-wins"

	// StrategyMerge combines both states through the engine's merge
	// function and re-issues the result.
	StrategyMerge Strategy = "merge"

	// StrategyManual applies a caller-supplied final state.
	StrategyManual Strategy = "manual"
)

// Conflict pairs a pending optimistic update with the divergent state a
// concurrent writer produced for the same item. It stays in the registry,
// blocking the item's update queue, until resolved explicitly.
type Conflict struct {
	ID          string
	Event       RealtimeEvent
	UpdateID    string
	ItemType    string
	ItemID      string
	ServerState json.RawMessage
	RaisedAt    time.Time
}

// Registry holds undecided conflicts, indexed by conflict id and by item.
// At most one conflict is open per item: while it is open, inbound events
// for the item are deferred rather than reconciled, so a second conflict
// cannot arise.
type Registry struct {
	mu     sync.Mutex
	byID   map[string]*Conflict
	byItem map[itemKey]string
}

// NewRegistry creates an empty conflict registry.
func NewRegistry() *Registry {
	return &Registry{
		byID:   make(map[string]*Conflict),
		byItem: make(map[itemKey]string),
	}
}

// Add records a conflict. Returns false if the item already has one open.
func (r *Registry) Add(c Conflict) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := itemKey{itemType: c.ItemType, itemID: c.ItemID}
	if _, ok := r.byItem[key]; ok {
		return false
	}

	stored := c
	r.byID[c.ID] = &stored
	r.byItem[key] = c.ID

	return true
}

// Get returns a copy of the conflict with the given id, or nil.
func (r *Registry) Get(id string) *Conflict {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.byID[id]
	if !ok {
		return nil
	}

	out := *c

	return &out
}

// Remove deletes a conflict, returning a copy of it or nil if unknown.
func (r *Registry) Remove(id string) *Conflict {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.byID[id]
	if !ok {
		return nil
	}

	delete(r.byID, id)
	delete(r.byItem, itemKey{itemType: c.ItemType, itemID: c.ItemID})

	out := *c

	return &out
}

// Blocked reports whether the item has an open conflict.
func (r *Registry) Blocked(itemType, itemID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	_, ok := r.byItem[itemKey{itemType: itemType, itemID: itemID}]

	return ok
}

// Events returns the sync_conflict events of all outstanding conflicts,
// oldest first.
func (r *Registry) Events() []RealtimeEvent {
	r.mu.Lock()
	defer r.mu.Unlock()

	conflicts := make([]*Conflict, 0, len(r.byID))
	for _, c := range r.byID {
		conflicts = append(conflicts, c)
	}

	sort.Slice(conflicts, func(i, j int) bool {
		return conflicts[i].RaisedAt.Before(conflicts[j].RaisedAt)
	})

	out := make([]RealtimeEvent, len(conflicts))
	for i, c := range conflicts {
		out[i] = c.Event
	}

	return out
}

// Len reports the number of outstanding conflicts.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return len(r.byID)
}
