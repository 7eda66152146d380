// Package timeline implements the ordered per-room event window and its
// relation index. The component is under-specified by the source material
// beyond its core contract (see spec §4.D), so the shape here is inferred
// from how the event model (go.mau.fi/hicore/event) and the sync engine's
// per-event handling actually use it: an append-only, sort-order-ordered
// list plus a (target event, relation type) -> []*event.Event index kept
// in sync as annotations and edits arrive.
package timeline

import (
	"sort"

	sync "github.com/sasha-s/go-deadlock"

	"go.mau.fi/hicore/event"
	"go.mau.fi/hicore/id"
)

// Timeline is the ordered event window for a single room, along with the
// relation aggregation index event.Event.GetDisplayEvent relies on.
//
// It implements event.RelationSource.
type Timeline struct {
	RoomID id.RoomID

	mu       sync.RWMutex
	byID     map[id.EventID]*event.Event
	ordered  []*event.Event
	// relations[targetEventID][relType] holds every event observed to
	// relate to targetEventID via relType, in arrival order.
	relations map[id.EventID]map[string][]*event.Event
}

// New creates an empty Timeline for roomID.
func New(roomID id.RoomID) *Timeline {
	return &Timeline{
		RoomID:    roomID,
		byID:      map[id.EventID]*event.Event{},
		relations: map[id.EventID]map[string][]*event.Event{},
	}
}

// Add appends e to the timeline, indexing it by ID and, if it carries a
// relation, under its target event's relation index. The ordered slice is
// kept sorted by SortOrder so callers that need bounded windows can slice
// it directly.
func (t *Timeline) Add(e *event.Event) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.byID[e.ID] = e
	t.ordered = append(t.ordered, e)
	sort.SliceStable(t.ordered, func(i, j int) bool { return t.ordered[i].SortOrder < t.ordered[j].SortOrder })

	relType := e.RelationshipType()
	if relType == "" {
		return
	}
	targetID := id.EventID(e.RelationshipEventID())
	if targetID == "" {
		return
	}
	byType, ok := t.relations[targetID]
	if !ok {
		byType = map[string][]*event.Event{}
		t.relations[targetID] = byType
	}
	byType[relType] = append(byType[relType], e)
}

// GetEventByID returns a previously-observed event, or nil.
func (t *Timeline) GetEventByID(eventID id.EventID) *event.Event {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.byID[eventID]
}

// AggregatedEvents implements event.RelationSource: it returns every event
// recorded as relating to target via relType, in arrival order.
func (t *Timeline) AggregatedEvents(target event.EventIDLike, relType string) []*event.Event {
	t.mu.RLock()
	defer t.mu.RUnlock()
	byType, ok := t.relations[id.EventID(target.String())]
	if !ok {
		return nil
	}
	out := make([]*event.Event, len(byType[relType]))
	copy(out, byType[relType])
	return out
}

// Events returns a snapshot of the ordered event window.
func (t *Timeline) Events() []*event.Event {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]*event.Event, len(t.ordered))
	copy(out, t.ordered)
	return out
}

// ApplyRedaction redacts the timeline event named by redaction's
// content.redacts, if this timeline has observed it. Complements
// room.Room.ApplyRedaction, which handles state events; non-state
// redactions are this component's responsibility per §4.C.
func (t *Timeline) ApplyRedaction(redaction *event.Event, redactsEventID id.EventID) bool {
	t.mu.RLock()
	target, ok := t.byID[redactsEventID]
	t.mu.RUnlock()
	if !ok {
		return false
	}
	target.SetRedactionEvent(redaction)
	return true
}
