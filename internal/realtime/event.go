// Package realtime implements the client-side synchronization core: a
// ledger of optimistic updates applied locally before server confirmation,
// a reconciler that matches server-pushed events against pending entries,
// a registry of unresolved conflicts, and a reconnecting WebSocket
// transport. The Engine type ties the pieces together and is the only
// entry point consumers use.
package realtime

import (
	"encoding/json"
	"time"
)

// EventType is the closed set of realtime event kinds. Server-originated
// events carry one of the item_* or user_activity types; sync_conflict is
// synthesized locally when reconciliation detects a divergent concurrent
// write.
type EventType string

const (
	EventItemCreated  EventType = "item_created"
	EventItemUpdated  EventType = "item_updated"
	EventItemDeleted  EventType = "item_deleted"
	EventUserActivity EventType = "user_activity"
	EventSyncConflict EventType = "sync_conflict"
)

// knownEventTypes is the validation set for inbound frames. Anything
// outside it is a protocol anomaly.
var knownEventTypes = map[EventType]struct{}{
	EventItemCreated:  {},
	EventItemUpdated:  {},
	EventItemDeleted:  {},
	EventUserActivity: {},
	EventSyncConflict: {},
}

// Topic identifies a bus subscription channel. Using a dedicated type
// instead of free-form strings means handler registration is checked at
// compile time against the closed set below.
type Topic string

const (
	TopicConnected           Topic = "connected"
	TopicDisconnected        Topic = "disconnected"
	TopicRealtimeEvent       Topic = "realtime_event"
	TopicOptimisticUpdate    Topic = "optimistic_update"
	TopicOptimisticConfirmed Topic = "optimistic_confirmed"
	TopicOptimisticFailed    Topic = "optimistic_failed"
	TopicRevertOptimistic    Topic = "revert_optimistic"
	TopicSyncConflict        Topic = "sync_conflict"
)

// EventData is the payload of a RealtimeEvent. Payload holds the item
// state reported by the event (nil for deletions). UpdateID is set on
// internally synthesized events to correlate with a ledger entry.
type EventData struct {
	ItemType string          `json:"itemType"`
	ItemID   string          `json:"itemId"`
	Payload  json.RawMessage `json:"payload,omitempty"`
	UpdateID string          `json:"updateId,omitempty"`
	Device   string          `json:"device,omitempty"`
}

// RealtimeEvent is an immutable record of something that happened, either
// received from the server or synthesized by the engine. Events are
// fire-and-forget: published once through the bus, never replayed.
type RealtimeEvent struct {
	ID        string    `json:"id"`
	Type      EventType `json:"type"`
	Data      EventData `json:"data"`
	Timestamp time.Time `json:"timestamp"`
}

// ConnectionState is a snapshot of the transport status, owned by the
// connection manager and read through the engine.
type ConnectionState struct {
	Connected         bool
	ReconnectAttempts int
}

// Wire messages exchanged with the sync server.

// initMessage is sent as the first frame after the WebSocket connects.
type initMessage struct {
	Op        string `json:"op"`
	Token     string `json:"token"`
	Principal string `json:"principal"`
	Device    string `json:"device"`
}

// initResponse is the server reply to an init message.
type initResponse struct {
	Res string `json:"res"`
	Msg string `json:"msg"`
}

// eventMessage wraps a server-pushed RealtimeEvent.
type eventMessage struct {
	Op    string        `json:"op"`
	Event RealtimeEvent `json:"event"`
}
