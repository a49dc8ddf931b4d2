package realtime

import (
	"encoding/json"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// UpdateStatus is the lifecycle state of an optimistic update.
type UpdateStatus string

const (
	StatusPending   UpdateStatus = "pending"
	StatusConfirmed UpdateStatus = "confirmed"
	StatusFailed    UpdateStatus = "failed"
)

// OptimisticUpdate is a locally-applied, not-yet-confirmed mutation.
// OriginalData is the full pre-mutation snapshot, kept so a failed update
// can be rolled back to the exact prior bytes. OptimisticData is the
// speculative state consumers are already rendering.
type OptimisticUpdate struct {
	ID             string          `json:"id"`
	EventType      EventType       `json:"eventType"`
	ItemType       string          `json:"itemType"`
	ItemID         string          `json:"itemId"`
	OriginalData   json.RawMessage `json:"originalData,omitempty"`
	OptimisticData json.RawMessage `json:"optimisticData,omitempty"`
	Status         UpdateStatus    `json:"status"`
	SubmittedAt    time.Time       `json:"submittedAt"`
}

// itemKey identifies the target of a mutation.
type itemKey struct {
	itemType string
	itemID   string
}

// Journal persists pending updates across restarts. Implemented by
// state.Journal; nil disables persistence.
type Journal interface {
	Put(OptimisticUpdate) error
	Delete(id string) error
	List() ([]OptimisticUpdate, error)
}

// Ledger is the bookkeeping store of pending optimistic updates: an arena
// keyed by update id plus a per-item FIFO queue resolving the ordering
// invariant (an item's later update never settles before an earlier one).
//
// The engine's event loop is the only writer during reconciliation, but
// SendOptimisticUpdate and the snapshot getters run on caller goroutines,
// so access is mutex-protected.
type Ledger struct {
	journal Journal
	logger  *slog.Logger

	mu     sync.Mutex
	byID   map[string]*OptimisticUpdate
	byItem map[itemKey][]*OptimisticUpdate
}

// NewLedger creates an empty ledger. journal may be nil.
func NewLedger(journal Journal, logger *slog.Logger) *Ledger {
	return &Ledger{
		journal: journal,
		logger:  logger,
		byID:    make(map[string]*OptimisticUpdate),
		byItem:  make(map[itemKey][]*OptimisticUpdate),
	}
}

// Insert records a pending update in both indices and journals it.
// Returns false if the id is already present (at most one entry per id).
func (l *Ledger) Insert(u OptimisticUpdate) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.byID[u.ID]; ok {
		return false
	}

	entry := &u
	l.byID[u.ID] = entry

	key := itemKey{itemType: u.ItemType, itemID: u.ItemID}
	l.byItem[key] = append(l.byItem[key], entry)

	l.persist(entry)

	return true
}

// Head returns a copy of the oldest pending update for the item, or nil.
// Only the head is eligible for confirmation, conflict detection, or an
// in-flight store write.
func (l *Ledger) Head(itemType, itemID string) *OptimisticUpdate {
	l.mu.Lock()
	defer l.mu.Unlock()

	queue := l.byItem[itemKey{itemType: itemType, itemID: itemID}]
	if len(queue) == 0 {
		return nil
	}

	head := *queue[0]

	return &head
}

// Get returns a copy of the update with the given id, or nil.
func (l *Ledger) Get(id string) *OptimisticUpdate {
	l.mu.Lock()
	defer l.mu.Unlock()

	entry, ok := l.byID[id]
	if !ok {
		return nil
	}

	u := *entry

	return &u
}

// Remove transitions the entry to the given terminal status and deletes it
// from both indices and the journal. Returns a copy of the removed entry
// and the new head of the item's queue (nil if the queue drained), so the
// caller can issue the next store write.
func (l *Ledger) Remove(id string, status UpdateStatus) (removed, nextHead *OptimisticUpdate) {
	l.mu.Lock()
	defer l.mu.Unlock()

	entry, ok := l.byID[id]
	if !ok {
		return nil, nil
	}

	entry.Status = status
	delete(l.byID, id)

	key := itemKey{itemType: entry.ItemType, itemID: entry.ItemID}
	queue := l.byItem[key]

	for i, e := range queue {
		if e.ID == id {
			queue = append(queue[:i], queue[i+1:]...)
			break
		}
	}

	if len(queue) == 0 {
		delete(l.byItem, key)
	} else {
		l.byItem[key] = queue
		head := *queue[0]
		nextHead = &head
	}

	if l.journal != nil {
		if err := l.journal.Delete(id); err != nil {
			l.logger.Warn("failed to remove journaled update",
				slog.String("update_id", id),
				slog.String("error", err.Error()),
			)
		}
	}

	u := *entry

	return &u, nextHead
}

// SetOptimisticData replaces the speculative state of a pending entry.
// Used by merge/manual conflict resolution before the write is re-issued.
func (l *Ledger) SetOptimisticData(id string, data json.RawMessage) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	entry, ok := l.byID[id]
	if !ok {
		return false
	}

	entry.OptimisticData = data
	l.persist(entry)

	return true
}

// Pending returns a snapshot of all pending updates, ordered by submission
// time within each item group, then by item key across groups.
func (l *Ledger) Pending() []OptimisticUpdate {
	l.mu.Lock()
	defer l.mu.Unlock()

	keys := make([]itemKey, 0, len(l.byItem))
	for key := range l.byItem {
		keys = append(keys, key)
	}

	sort.Slice(keys, func(i, j int) bool {
		if keys[i].itemType != keys[j].itemType {
			return keys[i].itemType < keys[j].itemType
		}

		return keys[i].itemID < keys[j].itemID
	})

	var out []OptimisticUpdate

	for _, key := range keys {
		for _, entry := range l.byItem[key] {
			out = append(out, *entry)
		}
	}

	return out
}

// Len reports the number of pending updates.
func (l *Ledger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	return len(l.byID)
}

// persist journals an entry. Journal errors are logged, not returned: the
// in-memory ledger stays authoritative and the journal is self-correcting
// on the next write. Caller holds l.mu.
func (l *Ledger) persist(entry *OptimisticUpdate) {
	if l.journal == nil {
		return
	}

	if err := l.journal.Put(*entry); err != nil {
		l.logger.Warn("failed to journal pending update",
			slog.String("update_id", entry.ID),
			slog.String("error", err.Error()),
		)
	}
}
