// Package room implements the room state store: the per-room current-state
// table keyed by (event_type, state_key), the membership view derived from
// it, cached summary fields, and the monotone sort-order cursors the sync
// engine uses to keep stale updates from clobbering newer ones.
//
// Grounded on the teacher's matrix/rooms.Room, restructured around the
// generic-JSON event.Event model instead of a typed mautrix.Event, and
// without the gob/gzip on-disk cache (state persistence is the database
// package's job here, not the room's).
package room

import (
	"github.com/tidwall/gjson"

	sync "github.com/sasha-s/go-deadlock"

	"go.mau.fi/hicore/broadcast"
	"go.mau.fi/hicore/event"
	"go.mau.fi/hicore/id"
)

// Membership is the room's own membership state, from the client's point
// of view (not to be confused with a specific member's membership).
type Membership string

const (
	MembershipJoin   Membership = "join"
	MembershipInvite Membership = "invite"
	MembershipLeave  Membership = "leave"
)

// Summary holds the lazy-loading summary fields the server may include in
// a sync response: heroes to derive a fallback room name from, and the
// joined/invited member counts.
type Summary struct {
	Heroes        []string
	JoinedCount   int
	InvitedCount  int
}

// Room is the current-state projection for a single room. It does not
// hold a pointer back to its owning client: the sync engine and façade
// look rooms up by id.RoomID in their own maps instead of following a
// pointer, keeping the event/room/client graph acyclic.
type Room struct {
	ID                 id.RoomID
	Membership         Membership
	PrevBatch          string
	HighlightCount     int
	NotificationCount  int
	Summary            Summary
	RoomAccountData    map[string]*event.Event
	Ephemerals         map[string]*event.Event

	// OnUpdate fires whenever room state, counters, or summary change.
	OnUpdate broadcast.Stream[*Room]

	mu           sync.RWMutex
	states       map[string]map[string]*event.Event
	newSortOrder float64
	oldSortOrder float64
}

// New creates an empty Room ready to receive state.
func New(roomID id.RoomID) *Room {
	return &Room{
		ID:              roomID,
		Membership:      MembershipLeave,
		RoomAccountData: map[string]*event.Event{},
		Ephemerals:      map[string]*event.Event{},
		states:          map[string]map[string]*event.Event{},
		newSortOrder:    1,
		oldSortOrder:    0,
	}
}

// SetState writes e into states[e.Type][e.StateKeyOr()], unless a stored
// entry for the same (type, state_key) already carries a greater sort
// order, in which case the write is a stale no-op and ok is false. An
// equal sort order overwrites.
func (r *Room) SetState(e *event.Event) (ok bool) {
	r.mu.Lock()
	typeMap, exists := r.states[e.Type]
	if !exists {
		typeMap = make(map[string]*event.Event)
		r.states[e.Type] = typeMap
	}
	key := e.StateKeyOr()
	if existing, had := typeMap[key]; had && e.SortOrder < existing.SortOrder {
		r.mu.Unlock()
		return false
	}
	typeMap[key] = e
	r.mu.Unlock()

	r.applyDerivedFields(e)
	r.OnUpdate.Emit(r)
	return true
}

// GetState returns the stored event for (evtType, stateKey), or nil.
func (r *Room) GetState(evtType, stateKey string) *event.Event {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if m, ok := r.states[evtType]; ok {
		return m[stateKey]
	}
	return nil
}

// GetStateEvents returns every stored state event of evtType, keyed by
// state key. The returned map is a copy; mutating it does not affect the
// store.
func (r *Room) GetStateEvents(evtType string) map[string]*event.Event {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]*event.Event, len(r.states[evtType]))
	for k, v := range r.states[evtType] {
		out[k] = v
	}
	return out
}

// Members returns the current join/invite membership view: user ID to
// the m.room.member event describing their membership. Left and banned
// members are not included.
func (r *Room) Members() map[string]*event.Event {
	out := map[string]*event.Event{}
	for userID, e := range r.GetStateEvents("m.room.member") {
		switch e.Membership() {
		case "join", "invite":
			out[userID] = e
		}
	}
	return out
}

// GetMember returns the m.room.member event for userID regardless of
// membership state, or nil if the room has no such state event. Used by
// pushrules.Room for contains_display_name matching.
func (r *Room) GetMember(userID string) *event.Event {
	return r.GetState("m.room.member", userID)
}

// GetMembers is an alias of Members, satisfying pushrules.Room.
func (r *Room) GetMembers() map[string]*event.Event {
	return r.Members()
}

// SetEphemeral records the latest ephemeral event of its type (e.g.
// m.typing, m.receipt), per-room state that is never persisted to the
// database.
func (r *Room) SetEphemeral(e *event.Event) {
	r.mu.Lock()
	r.Ephemerals[e.Type] = e
	r.mu.Unlock()
}

// SetRoomAccountData records the latest room-scoped account data event of
// its type. Like Ephemerals, this is in-memory only: the Database
// capability only exposes a client-global account-data store (spec §6),
// not a per-room one.
func (r *Room) SetRoomAccountData(e *event.Event) {
	r.mu.Lock()
	r.RoomAccountData[e.Type] = e
	r.mu.Unlock()
	r.OnUpdate.Emit(r)
}

// GetRoomAccountData returns the stored room-scoped account data event of
// the given type, or nil.
func (r *Room) GetRoomAccountData(evtType string) *event.Event {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.RoomAccountData[evtType]
}

// IsEncrypted reports whether this room has m.room.encryption state.
func (r *Room) IsEncrypted() bool {
	return r.GetState("m.room.encryption", "") != nil
}

// EncryptionAlgorithm returns the room's configured encryption algorithm,
// or "" if the room is not encrypted. Used by the sync engine's
// anti-downgrade gate.
func (r *Room) EncryptionAlgorithm() string {
	e := r.GetState("m.room.encryption", "")
	if e == nil {
		return ""
	}
	return gjson.GetBytes(e.Content, "algorithm").Str
}

// ApplyRedaction implements the §4.C redaction fan-out: it scans every
// stored state event for one whose ID matches redaction's content.redacts
// and, if found, redacts it in place. It reports whether a matching state
// event was found (non-state timeline redactions are the Timeline
// component's responsibility).
func (r *Room) ApplyRedaction(redaction *event.Event) bool {
	target := gjson.GetBytes(redaction.Content, "redacts").Str
	if target == "" {
		return false
	}
	r.mu.RLock()
	var hit *event.Event
	for _, typeMap := range r.states {
		for _, e := range typeMap {
			if string(e.ID) == target {
				hit = e
				break
			}
		}
		if hit != nil {
			break
		}
	}
	r.mu.RUnlock()
	if hit == nil {
		return false
	}
	hit.SetRedactionEvent(redaction)
	r.OnUpdate.Emit(r)
	return true
}

// NextSortOrder allocates the next sort order for an event entering this
// room: the increasing cursor for live events, the decreasing cursor for
// backfilled ones. Ephemeral events do not come through here; they always
// sort at 0.
func (r *Room) NextSortOrder(backfilling bool) float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	if backfilling {
		r.oldSortOrder--
		return r.oldSortOrder
	}
	r.newSortOrder++
	return r.newSortOrder
}

// ResetSortOrder is invoked when a limited-timeline gap is reported: it
// moves the live cursor above the highest sort order currently stored and
// the backfill cursor to that highest value, so
// events ingested after the gap sort strictly after everything before it
// while still growing monotonically.
func (r *Room) ResetSortOrder() {
	r.mu.Lock()
	defer r.mu.Unlock()
	high := r.newSortOrder
	for _, typeMap := range r.states {
		for _, e := range typeMap {
			if e.SortOrder > high {
				high = e.SortOrder
			}
		}
	}
	r.newSortOrder = high + 1
	r.oldSortOrder = high
}

// applyDerivedFields updates the cached summary/counter fields a handful
// of state event types feed into.
func (r *Room) applyDerivedFields(e *event.Event) {
	if e.Type != "m.room.member" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	joined, invited := 0, 0
	for _, m := range r.states["m.room.member"] {
		switch m.Membership() {
		case "join":
			joined++
		case "invite":
			invited++
		}
	}
	r.Summary.JoinedCount = joined
	r.Summary.InvitedCount = invited
}
