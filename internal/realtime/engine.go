package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/parakit/para-sync/internal/errors"
	"github.com/parakit/para-sync/internal/store"
)

const (
	// seenEventCap is the size of the recently-seen event id ring used to
	// suppress duplicate deliveries from the at-least-once transport.
	seenEventCap = 512

	// writeResultChanSize buffers store write settlements flowing back
	// into the reconciliation loop.
	writeResultChanSize = 64
)

// Config holds the engine's construction parameters.
type Config struct {
	// Conn configures the transport connection.
	Conn ConnManagerConfig

	// Rules drive the default merge strategy.
	Rules MergeRules
}

// writeResult is the settlement of an asynchronous item store write. gen
// identifies which issued write this settles; conflict resolution can
// re-issue an update's write while an earlier one is still in flight.
type writeResult struct {
	err       error
	updateID  string
	gen       uint64
	confirmed json.RawMessage
}

// Engine is the synchronization facade consumers use: it composes the
// connection manager, event bus, optimistic ledger, reconciler, and
// conflict registry. Construct one per sync session with New and drive
// it with Connect and Run; there is no package-level instance.
type Engine struct {
	cfg      Config
	bus      *Bus
	ledger   *Ledger
	registry *Registry
	conn     *ConnManager
	store    store.ItemStore
	journal  Journal
	logger   *slog.Logger

	writeResults chan writeResult

	// dispatch serializes all ledger/registry transitions: the
	// reconciliation loop, update submission, and conflict resolution
	// take turns, giving the single-logical-task-queue semantics the
	// core's invariants assume.
	dispatch chan struct{}

	// The fields below are read and written only while holding the
	// dispatch token.

	// mergeFn overrides the default merge strategy when set.
	mergeFn MergeFunc

	// writeGen counts the writes issued per update id, so a settlement
	// of a superseded write can be told apart from the current one.
	writeGen map[string]uint64

	deferred map[itemKey][]RealtimeEvent
	seen     *seenRing

	runCtx context.Context
}

// New creates a sync engine. journal may be nil to disable pending-update
// persistence; st is the item store writes are issued against.
func New(cfg Config, st store.ItemStore, journal Journal, logger *slog.Logger) *Engine {
	bus := NewBus(logger)

	e := &Engine{
		cfg:          cfg,
		bus:          bus,
		ledger:       NewLedger(journal, logger),
		registry:     NewRegistry(),
		conn:         NewConnManager(cfg.Conn, bus, logger),
		store:        st,
		journal:      journal,
		logger:       logger,
		writeResults: make(chan writeResult, writeResultChanSize),
		dispatch:     make(chan struct{}, 1),
		writeGen:     make(map[string]uint64),
		deferred:     make(map[itemKey][]RealtimeEvent),
		seen:         newSeenRing(seenEventCap),
	}
	e.dispatch <- struct{}{}

	return e
}

// SetMergeFunc installs a caller-supplied reconciliation function for the
// merge strategy, replacing the default shallow-merge-plus-text-diff.
// Safe to call while the engine is running.
func (e *Engine) SetMergeFunc(fn MergeFunc) {
	e.acquire()
	e.mergeFn = fn
	e.release()
}

// On registers a handler for a bus topic and returns a subscription id.
func (e *Engine) On(topic Topic, h Handler) int {
	return e.bus.Subscribe(topic, h)
}

// Off removes a handler registered with On.
func (e *Engine) Off(topic Topic, id int) {
	e.bus.Unsubscribe(topic, id)
}

// ConnectionStatus returns a snapshot of the transport state.
func (e *Engine) ConnectionStatus() ConnectionState {
	return e.conn.Status()
}

// PendingUpdates returns a snapshot of all pending optimistic updates,
// ordered by submission time within each item.
func (e *Engine) PendingUpdates() []OptimisticUpdate {
	return e.ledger.Pending()
}

// Conflicts returns the sync_conflict events of all outstanding
// conflicts, oldest first.
func (e *Engine) Conflicts() []RealtimeEvent {
	return e.registry.Events()
}

// Connect opens the transport for the given principal. Idempotent for
// the same principal. Pending updates recorded before the connection (or
// journaled by an earlier process) are not affected.
func (e *Engine) Connect(ctx context.Context, principalID string) error {
	return e.conn.Connect(ctx, principalID)
}

// Close tears down the transport voluntarily. Pending updates stay in
// the ledger and resume reconciliation after the next Connect.
func (e *Engine) Close() {
	e.conn.Disconnect()
}

// Run drives the engine until ctx is cancelled: it restores journaled
// pending updates, runs the transport loop, and reconciles inbound events
// and write settlements. Call after Connect.
func (e *Engine) Run(ctx context.Context) error {
	e.acquire()
	e.runCtx = ctx
	e.release()

	e.restorePending(ctx)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return e.conn.Run(gctx)
	})

	g.Go(func() error {
		return e.reconcileLoop(gctx)
	})

	return g.Wait()
}

// SendOptimisticUpdate records a locally-applied mutation: the update is
// journaled and indexed, optimistic_update is published so consumers
// render the speculative state immediately, and the store write is issued
// asynchronously. Returns the update id used to correlate confirmation,
// failure, or conflict. Confirmation only ever comes from the event
// stream, never from the write's own success.
func (e *Engine) SendOptimisticUpdate(ctx context.Context, eventType EventType, itemType, itemID string, originalData, optimisticData json.RawMessage) (string, error) {
	switch eventType {
	case EventItemCreated, EventItemUpdated, EventItemDeleted:
	default:
		return "", fmt.Errorf("event type %q is not a mutation", eventType)
	}

	if itemType == "" || itemID == "" {
		return "", fmt.Errorf("item type and id are required")
	}

	if eventType == EventItemDeleted {
		// Deletions have no post-state; the nil payload is what an
		// item_deleted stream event is matched against.
		optimisticData = nil
	}

	u := OptimisticUpdate{
		ID:             uuid.NewString(),
		EventType:      eventType,
		ItemType:       itemType,
		ItemID:         itemID,
		OriginalData:   originalData,
		OptimisticData: optimisticData,
		Status:         StatusPending,
		SubmittedAt:    time.Now(),
	}

	e.acquire()
	defer e.release()

	if !e.ledger.Insert(u) {
		return "", fmt.Errorf("update %s: duplicate id", u.ID)
	}

	e.bus.Publish(TopicOptimisticUpdate, RealtimeEvent{
		ID:   uuid.NewString(),
		Type: eventType,
		Data: EventData{
			ItemType: itemType,
			ItemID:   itemID,
			Payload:  optimisticData,
			UpdateID: u.ID,
		},
		Timestamp: time.Now(),
	})

	// Only the head of the item's queue has a write in flight; later
	// writes wait for their predecessor to resolve, which keeps
	// settlement in submission order.
	if head := e.ledger.Head(itemType, itemID); head != nil && head.ID == u.ID {
		e.issueWrite(u)
	}

	e.logger.Debug("optimistic update recorded",
		slog.String("update_id", u.ID),
		slog.String("item_type", itemType),
		slog.String("item_id", itemID),
	)

	return u.ID, nil
}

// ResolveConflict applies a resolution strategy to an outstanding
// conflict, settles the blocked ledger entry accordingly, and replays any
// events and writes that queued up behind it.
func (e *Engine) ResolveConflict(ctx context.Context, conflictID string, strategy Strategy, manualResolution json.RawMessage) error {
	e.acquire()
	defer e.release()

	c := e.registry.Get(conflictID)
	if c == nil {
		return fmt.Errorf("resolving %s: %w", conflictID, errors.ErrConflictNotFound)
	}

	u := e.ledger.Get(c.UpdateID)
	if u == nil {
		// The blocked entry vanished (should not happen); clear the
		// conflict so the item is not stuck.
		e.registry.Remove(conflictID)
		e.drainDeferred(itemKey{itemType: c.ItemType, itemID: c.ItemID})

		return fmt.Errorf("resolving %s: %w", conflictID, errors.ErrUpdateNotFound)
	}

	switch strategy {
	case StrategyServerWins:
		e.registry.Remove(conflictID)
		e.failHead(u, "conflict resolved server-wins")

		// Consumers adopt the server's reported state as an ordinary
		// external change.
		e.bus.Publish(TopicRealtimeEvent, RealtimeEvent{
			ID:   uuid.NewString(),
			Type: c.Event.Type,
			Data: EventData{
				ItemType: c.ItemType,
				ItemID:   c.ItemID,
				Payload:  c.ServerState,
			},
			Timestamp: time.Now(),
		})

	case StrategyClientWins:
		e.registry.Remove(conflictID)
		e.issueWrite(*u)

	case StrategyMerge, StrategyManual:
		var merged json.RawMessage

		if strategy == StrategyManual {
			if manualResolution == nil {
				return fmt.Errorf("resolving %s: %w", conflictID, errors.ErrMissingResolution)
			}

			merged = manualResolution
		} else {
			fn := e.mergeFn
			if fn == nil {
				fn = NewDefaultMerge(c.ItemType, e.cfg.Rules, e.logger)
			}

			var err error
			if merged, err = fn(u.OriginalData, c.ServerState, u.OptimisticData); err != nil {
				return fmt.Errorf("merging conflict %s: %w", conflictID, err)
			}
		}

		e.ledger.SetOptimisticData(u.ID, merged)
		u.OptimisticData = merged

		e.bus.Publish(TopicOptimisticUpdate, RealtimeEvent{
			ID:   uuid.NewString(),
			Type: u.EventType,
			Data: EventData{
				ItemType: u.ItemType,
				ItemID:   u.ItemID,
				Payload:  merged,
				UpdateID: u.ID,
			},
			Timestamp: time.Now(),
		})

		e.registry.Remove(conflictID)
		e.issueWrite(*u)

	default:
		return fmt.Errorf("resolving %s: %q: %w", conflictID, strategy, errors.ErrUnknownStrategy)
	}

	e.logger.Info("conflict resolved",
		slog.String("conflict_id", conflictID),
		slog.String("strategy", string(strategy)),
		slog.String("item_type", c.ItemType),
		slog.String("item_id", c.ItemID),
	)

	e.drainDeferred(itemKey{itemType: c.ItemType, itemID: c.ItemID})

	return nil
}

// reconcileLoop consumes transport events and write settlements. All
// ledger transitions happen under the dispatch token, one at a time.
func (e *Engine) reconcileLoop(ctx context.Context) error {
	for {
		select {
		case ev := <-e.conn.Events():
			e.acquire()
			e.handleEvent(ev)
			e.release()

		case res := <-e.writeResults:
			e.acquire()
			e.handleWriteResult(res)
			e.release()

		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// handleEvent reconciles one transport-delivered event against the
// ledger. Duplicate deliveries are suppressed; events for items with an
// open conflict are deferred until resolution. Caller holds dispatch.
func (e *Engine) handleEvent(ev RealtimeEvent) {
	if !e.seen.observe(ev.ID) {
		e.logger.Debug("duplicate event ignored", slog.String("event_id", ev.ID))
		return
	}

	e.dispatchEvent(ev)
}

// dispatchEvent classifies and applies one event. Also the replay path
// for deferred events, which have already passed the duplicate check.
func (e *Engine) dispatchEvent(ev RealtimeEvent) {
	if ev.Data.ItemType != "" && ev.Data.ItemID != "" &&
		e.registry.Blocked(ev.Data.ItemType, ev.Data.ItemID) {
		key := itemKey{itemType: ev.Data.ItemType, itemID: ev.Data.ItemID}
		e.deferred[key] = append(e.deferred[key], ev)

		e.logger.Debug("event deferred behind open conflict",
			slog.String("event_id", ev.ID),
			slog.String("item_id", ev.Data.ItemID),
		)

		return
	}

	head := e.ledger.Head(ev.Data.ItemType, ev.Data.ItemID)
	disp := Classify(ev, head)

	switch disp {
	case DispositionExternal:
		e.bus.Publish(TopicRealtimeEvent, ev)

	case DispositionConfirm:
		e.confirmHead(head, ev)

	case DispositionConflict:
		e.raiseConflict(ev, head)

	case DispositionStaleEcho:
		e.logger.Debug("event matches pre-update snapshot, ignoring",
			slog.String("event_id", ev.ID),
			slog.String("update_id", head.ID),
		)

	case DispositionAnomaly:
		e.logger.Warn("protocol anomaly: unclassifiable event",
			slog.String("event_id", ev.ID),
			slog.String("event_type", string(ev.Type)),
			slog.String("item_type", ev.Data.ItemType),
			slog.String("item_id", ev.Data.ItemID),
		)
	}
}

// confirmHead settles the item's oldest pending update as confirmed by
// the authoritative stream and starts the next queued write.
func (e *Engine) confirmHead(head *OptimisticUpdate, ev RealtimeEvent) {
	_, next := e.ledger.Remove(head.ID, StatusConfirmed)
	delete(e.writeGen, head.ID)

	e.bus.Publish(TopicOptimisticConfirmed, RealtimeEvent{
		ID:   uuid.NewString(),
		Type: ev.Type,
		Data: EventData{
			ItemType: head.ItemType,
			ItemID:   head.ItemID,
			Payload:  head.OptimisticData,
			UpdateID: head.ID,
		},
		Timestamp: time.Now(),
	})

	e.logger.Debug("optimistic update confirmed",
		slog.String("update_id", head.ID),
		slog.String("item_id", head.ItemID),
	)

	if next != nil {
		e.issueWrite(*next)
	}
}

// raiseConflict registers a divergent concurrent write and notifies
// consumers. The head entry stays pending, blocking the item's queue
// until ResolveConflict is called.
func (e *Engine) raiseConflict(ev RealtimeEvent, head *OptimisticUpdate) {
	conflictID := uuid.NewString()

	cev := RealtimeEvent{
		ID:   conflictID,
		Type: EventSyncConflict,
		Data: EventData{
			ItemType: ev.Data.ItemType,
			ItemID:   ev.Data.ItemID,
			Payload:  ev.Data.Payload,
			UpdateID: head.ID,
			Device:   ev.Data.Device,
		},
		Timestamp: time.Now(),
	}

	if !e.registry.Add(Conflict{
		ID:          conflictID,
		Event:       cev,
		UpdateID:    head.ID,
		ItemType:    ev.Data.ItemType,
		ItemID:      ev.Data.ItemID,
		ServerState: ev.Data.Payload,
		RaisedAt:    time.Now(),
	}) {
		// Blocked() should have deferred this event already.
		e.logger.Warn("conflict already open for item",
			slog.String("item_id", ev.Data.ItemID),
		)

		return
	}

	e.bus.Publish(TopicSyncConflict, cev)

	e.logger.Info("sync conflict raised",
		slog.String("conflict_id", conflictID),
		slog.String("update_id", head.ID),
		slog.String("item_type", ev.Data.ItemType),
		slog.String("item_id", ev.Data.ItemID),
	)
}

// handleWriteResult settles an asynchronous store write. Success is
// deliberately not a confirmation: the entry stays pending until the
// event stream echoes it, preserving ordering with concurrent writers.
// Rejection is terminal for the update.
func (e *Engine) handleWriteResult(res writeResult) {
	if res.gen != e.writeGen[res.updateID] {
		// A conflict resolution re-issued this update's write while the
		// settled one was in flight; only the latest write counts.
		e.logger.Debug("superseded write settlement ignored",
			slog.String("update_id", res.updateID),
		)

		return
	}

	u := e.ledger.Get(res.updateID)
	if u == nil {
		// Already settled through the stream or a resolution.
		return
	}

	if res.err == nil {
		e.logger.Debug("store write accepted, awaiting stream confirmation",
			slog.String("update_id", res.updateID),
		)

		return
	}

	if store.IsTransient(res.err) {
		e.logger.Warn("store write failed in transit",
			slog.String("update_id", res.updateID),
			slog.String("error", res.err.Error()),
		)
	} else {
		e.logger.Warn("store rejected write",
			slog.String("update_id", res.updateID),
			slog.String("error", res.err.Error()),
		)
	}

	e.failHead(u, res.err.Error())
}

// failHead fails the item's oldest pending update: optimistic_failed is
// published, then revert_optimistic carrying the exact original snapshot,
// then the entry is removed and the next queued write issued.
func (e *Engine) failHead(u *OptimisticUpdate, reason string) {
	_, next := e.ledger.Remove(u.ID, StatusFailed)
	delete(e.writeGen, u.ID)

	e.bus.Publish(TopicOptimisticFailed, RealtimeEvent{
		ID:   uuid.NewString(),
		Type: u.EventType,
		Data: EventData{
			ItemType: u.ItemType,
			ItemID:   u.ItemID,
			Payload:  u.OptimisticData,
			UpdateID: u.ID,
		},
		Timestamp: time.Now(),
	})

	e.bus.Publish(TopicRevertOptimistic, RealtimeEvent{
		ID:   uuid.NewString(),
		Type: u.EventType,
		Data: EventData{
			ItemType: u.ItemType,
			ItemID:   u.ItemID,
			Payload:  u.OriginalData,
			UpdateID: u.ID,
		},
		Timestamp: time.Now(),
	})

	e.logger.Info("optimistic update failed, rolled back",
		slog.String("update_id", u.ID),
		slog.String("item_id", u.ItemID),
		slog.String("reason", reason),
	)

	if next != nil {
		e.issueWrite(*next)
	}
}

// issueWrite sends the update's mutation to the item store out of band.
// The settlement flows back through writeResults into the loop. Caller
// holds dispatch.
func (e *Engine) issueWrite(u OptimisticUpdate) {
	e.writeGen[u.ID]++
	gen := e.writeGen[u.ID]

	ctx := e.runCtx
	if ctx == nil {
		ctx = context.Background()
	}

	go func() {
		confirmed, err := e.store.Write(ctx, u.ItemType, u.ItemID, u.OptimisticData)

		select {
		case e.writeResults <- writeResult{updateID: u.ID, gen: gen, confirmed: confirmed, err: err}:
		case <-ctx.Done():
		}
	}()
}

// drainDeferred replays events held back while the item's conflict was
// open. If replay raises a new conflict, remaining events defer again.
// Caller holds dispatch.
func (e *Engine) drainDeferred(key itemKey) {
	evs := e.deferred[key]
	delete(e.deferred, key)

	for _, ev := range evs {
		e.dispatchEvent(ev)
	}

	// The unblocked head may still be waiting for its write.
	if head := e.ledger.Head(key.itemType, key.itemID); head != nil {
		e.logger.Debug("item unblocked, head still pending",
			slog.String("update_id", head.ID),
		)
	}
}

// restorePending reloads journaled pending updates from an earlier
// process and re-issues their head writes. The store write is idempotent
// on retry, so re-issuing an already-applied write is harmless.
func (e *Engine) restorePending(ctx context.Context) {
	if e.journal == nil {
		return
	}

	entries, err := e.journal.List()
	if err != nil {
		e.logger.Warn("failed to restore journaled updates", slog.String("error", err.Error()))
		return
	}

	if len(entries) == 0 {
		return
	}

	e.acquire()
	defer e.release()

	heads := make(map[itemKey]struct{})

	for _, u := range entries {
		if !e.ledger.Insert(u) {
			continue
		}

		heads[itemKey{itemType: u.ItemType, itemID: u.ItemID}] = struct{}{}
	}

	for key := range heads {
		if head := e.ledger.Head(key.itemType, key.itemID); head != nil {
			e.issueWrite(*head)
		}
	}

	e.logger.Info("restored journaled pending updates", slog.Int("count", len(entries)))
}

// acquire takes the dispatch token serializing ledger transitions.
func (e *Engine) acquire() {
	<-e.dispatch
}

func (e *Engine) release() {
	e.dispatch <- struct{}{}
}

// seenRing is a fixed-capacity set of recently observed event ids.
type seenRing struct {
	ids  map[string]struct{}
	ring []string
	next int
}

func newSeenRing(capacity int) *seenRing {
	return &seenRing{
		ids:  make(map[string]struct{}, capacity),
		ring: make([]string, capacity),
	}
}

// observe records an id, returning false if it was already present.
func (s *seenRing) observe(id string) bool {
	if _, ok := s.ids[id]; ok {
		return false
	}

	if old := s.ring[s.next]; old != "" {
		delete(s.ids, old)
	}

	s.ring[s.next] = id
	s.next = (s.next + 1) % len(s.ring)
	s.ids[id] = struct{}{}

	return true
}
