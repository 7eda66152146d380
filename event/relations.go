package event

import "github.com/tidwall/gjson"

// RelationType constants for the relation kinds the core cares about.
const (
	RelReplace   = "m.replace"
	RelAnnotation = "m.annotation"
	RelInReplyTo = "m.in_reply_to"
)

// RelationshipType returns the relation type of this event, if any: the
// value of content["m.relates_to"]["rel_type"] when present, otherwise
// "m.in_reply_to" when content["m.relates_to"]["m.in_reply_to"] is an
// object, otherwise "".
func (e *Event) RelationshipType() string {
	relatesTo := gjson.GetBytes(e.Content, "m.relates_to")
	if !relatesTo.Exists() {
		return ""
	}
	if relType := relatesTo.Get("rel_type"); relType.Exists() {
		return relType.Str
	}
	if relatesTo.Get("m.in_reply_to").IsObject() {
		return RelInReplyTo
	}
	return ""
}

// RelationshipEventID returns the event ID this event relates to, if any:
// content["m.relates_to"]["event_id"] when present, otherwise
// content["m.relates_to"]["m.in_reply_to"]["event_id"].
func (e *Event) RelationshipEventID() string {
	relatesTo := gjson.GetBytes(e.Content, "m.relates_to")
	if !relatesTo.Exists() {
		return ""
	}
	if evtID := relatesTo.Get("event_id"); evtID.Exists() {
		return evtID.Str
	}
	return relatesTo.Get("m.in_reply_to.event_id").Str
}

// MessageType returns the classification used for dispatch: "m.sticker" for
// stickers, otherwise content.msgtype when it is a string, otherwise
// "m.text".
func (e *Event) MessageType() string {
	if e.Type == "m.sticker" {
		return "m.sticker"
	}
	if mt := gjson.GetBytes(e.Content, "msgtype"); mt.Type == gjson.String {
		return mt.Str
	}
	return "m.text"
}

// Body returns the display body of the event: "Redacted" if the event has
// been redacted, otherwise content.body, otherwise content.formatted_body,
// otherwise the bare event type.
func (e *Event) Body() string {
	if e.IsRedacted() {
		return "Redacted"
	}
	if body := gjson.GetBytes(e.Content, "body"); body.Type == gjson.String && body.Str != "" {
		return body.Str
	}
	if formatted := gjson.GetBytes(e.Content, "formatted_body"); formatted.Type == gjson.String && formatted.Str != "" {
		return formatted.Str
	}
	return e.Type
}

// Membership returns content.membership for m.room.member events, or "".
func (e *Event) Membership() string {
	return gjson.GetBytes(e.Content, "membership").Str
}

// PrevMembership returns the membership this event's target had before this
// event, read from prev_content (which fillPrevContent already hoisted from
// unsigned.prev_content when necessary).
func (e *Event) PrevMembership() string {
	if len(e.PrevContent) == 0 {
		return ""
	}
	return gjson.GetBytes(e.PrevContent, "membership").Str
}
