// Package event implements the typed event envelope the sync engine and its
// consumers operate on: construction from wire JSON, the redaction
// transform, relation inspection, message classification, attachment
// handling, and localized human-readable summaries.
//
// Dynamic fields (content, unsigned, prev_content) are kept as raw JSON and
// read with gjson/written with sjson rather than unmarshalled into per-type
// structs, since the wire schema is open-ended (see the data model notes in
// the design doc).
package event

import (
	"encoding/json"
	"time"

	"github.com/tidwall/gjson"

	"go.mau.fi/hicore/id"
)

// Status is the local delivery/origin status of an event.
type Status int

const (
	StatusError     Status = -1
	StatusSending   Status = 0
	StatusSent      Status = 1
	StatusTimeline  Status = 2
	StatusRoomState Status = 3
)

// Event is the SDK's immutable-by-convention envelope for a single Matrix
// event. It does not hold a pointer back to its Room: lookups that need
// room context take the room (or a narrower capability) as a parameter,
// keeping the event/room/client graph keyed by stable IDs rather than
// cyclic pointers.
type Event struct {
	ID             id.EventID      `json:"event_id"`
	RoomID         id.RoomID       `json:"room_id"`
	Type           string          `json:"type"`
	Sender         id.UserID       `json:"sender"`
	OriginServerTS int64           `json:"origin_server_ts"`
	Content        json.RawMessage `json:"content"`
	Unsigned       json.RawMessage `json:"unsigned,omitempty"`
	StateKey       *string         `json:"state_key,omitempty"`
	PrevContent    json.RawMessage `json:"prev_content,omitempty"`

	Status    Status  `json:"-"`
	SortOrder float64 `json:"-"`
}

// IsState reports whether this event carries a state_key.
func (e *Event) IsState() bool { return e.StateKey != nil }

// StateKeyOr returns the state key, defaulting to "" for non-state events
// (useful for uniform map lookups keyed by (type, state_key)).
func (e *Event) StateKeyOr() string {
	if e.StateKey == nil {
		return ""
	}
	return *e.StateKey
}

func emptyIfNil(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 {
		return json.RawMessage("{}")
	}
	return raw
}

// New constructs an Event from a decoded wire payload. Malformed input never
// panics: missing fields default to empty mappings and a missing
// origin_server_ts is stamped with the current time, per the "always
// constructible" invariant.
func New(raw json.RawMessage) *Event {
	e := &Event{
		ID:             id.EventID(gjson.GetBytes(raw, "event_id").Str),
		RoomID:         id.RoomID(gjson.GetBytes(raw, "room_id").Str),
		Type:           gjson.GetBytes(raw, "type").Str,
		Sender:         id.UserID(gjson.GetBytes(raw, "sender").Str),
		OriginServerTS: gjson.GetBytes(raw, "origin_server_ts").Int(),
		Content:        emptyIfNil(json.RawMessage(gjson.GetBytes(raw, "content").Raw)),
		Unsigned:       emptyIfNil(json.RawMessage(gjson.GetBytes(raw, "unsigned").Raw)),
	}
	if sk := gjson.GetBytes(raw, "state_key"); sk.Exists() {
		s := sk.Str
		e.StateKey = &s
	}
	if e.OriginServerTS == 0 {
		e.OriginServerTS = time.Now().UnixMilli()
	}
	fillPrevContent(e, raw)
	return e
}

// fillPrevContent implements the §9 "prev_content hoisting" open question:
// when the top-level prev_content is absent but unsigned.prev_content is a
// JSON object, it is hoisted unconditionally. A malformed
// unsigned.prev_content (present but not an object) is left unhoisted and
// is not reported anywhere: New has no error result to carry it.
func fillPrevContent(e *Event, raw json.RawMessage) {
	if top := gjson.GetBytes(raw, "prev_content"); top.Exists() {
		e.PrevContent = json.RawMessage(top.Raw)
		return
	}
	if nested := gjson.GetBytes(raw, "unsigned.prev_content"); nested.IsObject() {
		e.PrevContent = json.RawMessage(nested.Raw)
	}
}

// Row is the shape a database implementation round-trips an Event through.
type Row struct {
	ID             id.EventID
	RoomID         id.RoomID
	Type           string
	Sender         id.UserID
	OriginServerTS int64
	Content        json.RawMessage
	Unsigned       json.RawMessage
	StateKey       *string
	PrevContent    json.RawMessage
	Status         Status
	SortOrder      float64
}

// FromRow reconstructs an Event from a database row, the second of the
// three construction paths named in the component design (wire JSON,
// database row, already-parsed API event).
func FromRow(r Row) *Event {
	return &Event{
		ID:             r.ID,
		RoomID:         r.RoomID,
		Type:           r.Type,
		Sender:         r.Sender,
		OriginServerTS: r.OriginServerTS,
		Content:        emptyIfNil(r.Content),
		Unsigned:       emptyIfNil(r.Unsigned),
		StateKey:       r.StateKey,
		PrevContent:    r.PrevContent,
		Status:         r.Status,
		SortOrder:      r.SortOrder,
	}
}

// ToRow projects the event into its database row shape.
func (e *Event) ToRow() Row {
	return Row{
		ID:             e.ID,
		RoomID:         e.RoomID,
		Type:           e.Type,
		Sender:         e.Sender,
		OriginServerTS: e.OriginServerTS,
		Content:        e.Content,
		Unsigned:       e.Unsigned,
		StateKey:       e.StateKey,
		PrevContent:    e.PrevContent,
		Status:         e.Status,
		SortOrder:      e.SortOrder,
	}
}

// AttachToRoom sets RoomID on an already-parsed event, the third
// construction path: attaching room context to an event that arrived
// without one embedded (e.g. from a /sync room-keyed section).
func (e *Event) AttachToRoom(roomID id.RoomID) *Event {
	e.RoomID = roomID
	return e
}
