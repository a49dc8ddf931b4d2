package realtime

// Disposition is the outcome of classifying an inbound event against the
// ledger. The engine performs the corresponding bookkeeping and bus
// publishes; classification itself is pure.
type Disposition int

const (
	// DispositionExternal means no pending update targets the item: an
	// ordinary change by someone else, forwarded to consumers.
	DispositionExternal Disposition = iota

	// DispositionConfirm means the event echoes the head entry's
	// optimistic state: the client's own write came back through the
	// authoritative stream. The head is confirmed and removed.
	DispositionConfirm

	// DispositionConflict means the event reports a state diverging from
	// both the head's original and optimistic snapshots: a third party
	// wrote the item concurrently. A conflict is raised and the head
	// stays pending until resolved.
	DispositionConflict

	// DispositionStaleEcho means the event matches the head's
	// pre-update snapshot. Neither a confirmation nor a divergence;
	// logged and ignored for ledger purposes.
	DispositionStaleEcho

	// DispositionAnomaly means the event shape cannot be classified at
	// all (unknown type, missing item coordinates). Logged, never
	// applied, never fatal.
	DispositionAnomaly
)

// String returns the disposition name for logging.
func (d Disposition) String() string {
	switch d {
	case DispositionExternal:
		return "external"
	case DispositionConfirm:
		return "confirm"
	case DispositionConflict:
		return "conflict"
	case DispositionStaleEcho:
		return "stale_echo"
	case DispositionAnomaly:
		return "anomaly"
	default:
		return "unknown"
	}
}

// Classify decides the disposition of a transport-delivered event given
// the oldest pending ledger entry for the event's item (nil when the item
// has no pending updates). Pure function, no I/O; the engine calls it for
// every inbound event, and both live and journal-replayed reconciliation
// go through it so decisions stay consistent.
//
// Deletions report a nil payload, so a pending delete is confirmed by an
// item_deleted event through the same state comparison (nil == nil).
func Classify(ev RealtimeEvent, head *OptimisticUpdate) Disposition {
	if _, ok := knownEventTypes[ev.Type]; !ok {
		return DispositionAnomaly
	}

	if ev.Data.ItemType == "" || ev.Data.ItemID == "" {
		return DispositionAnomaly
	}

	// user_activity never carries item state; it cannot confirm or
	// conflict with a mutation regardless of pending entries.
	if ev.Type == EventUserActivity {
		return DispositionExternal
	}

	if head == nil {
		return DispositionExternal
	}

	if sameState(ev.Data.Payload, head.OptimisticData) {
		return DispositionConfirm
	}

	if sameState(ev.Data.Payload, head.OriginalData) {
		return DispositionStaleEcho
	}

	return DispositionConflict
}
