package event

import (
	"encoding/json"

	"github.com/tidwall/sjson"
)

// redactionWhitelist maps a state event type to the content keys that
// survive redaction. Types not listed here are reduced to an empty object.
var redactionWhitelist = map[string][]string{
	"m.room.member":             {"membership"},
	"m.room.create":             {"creator"},
	"m.room.join_rules":         {"join_rule"},
	"m.room.power_levels":       {"ban", "events", "events_default", "kick", "redact", "state_default", "users", "users_default"},
	"m.room.aliases":            {"aliases"},
	"m.room.history_visibility": {"history_visibility"},
}

// SetRedactionEvent applies the redaction transform described by the
// event model's content whitelist: it stores the redactor's JSON into
// unsigned.redacted_because, clears prev_content, and trims content down to
// the whitelisted keys for this event's type (empty for unlisted types).
func (e *Event) SetRedactionEvent(redactor *Event) {
	redactorJSON, err := json.Marshal(redactor)
	if err != nil {
		// redactor was itself constructed by New/FromRow, so this can only
		// fail on a pathological custom MarshalJSON; fall back to a bare
		// object carrying just the redactor's event ID and type rather than losing
		// the redacted_because marker entirely.
		redactorJSON, _ = json.Marshal(map[string]any{"event_id": redactor.ID, "type": redactor.Type})
	}
	unsigned := e.Unsigned
	if len(unsigned) == 0 {
		unsigned = json.RawMessage("{}")
	}
	unsigned, err = sjson.SetRawBytes(unsigned, "redacted_because", redactorJSON)
	if err == nil {
		e.Unsigned = unsigned
	}
	e.PrevContent = nil
	e.Content = redactContent(e.Type, e.Content)
}

// IsRedacted reports whether this event has been redacted.
func (e *Event) IsRedacted() bool {
	return len(e.Unsigned) > 0 && gjsonRedactedBecause(e.Unsigned).Exists()
}

// RedactedBecause returns the raw JSON of the redacting event, or nil.
func (e *Event) RedactedBecause() json.RawMessage {
	res := gjsonRedactedBecause(e.Unsigned)
	if !res.Exists() {
		return nil
	}
	return json.RawMessage(res.Raw)
}

func redactContent(evtType string, content json.RawMessage) json.RawMessage {
	keys, ok := redactionWhitelist[evtType]
	if !ok || len(content) == 0 {
		return json.RawMessage("{}")
	}
	out := map[string]json.RawMessage{}
	parsed := map[string]json.RawMessage{}
	if err := json.Unmarshal(content, &parsed); err != nil {
		return json.RawMessage("{}")
	}
	for _, k := range keys {
		if v, ok := parsed[k]; ok {
			out[k] = v
		}
	}
	result, err := json.Marshal(out)
	if err != nil {
		return json.RawMessage("{}")
	}
	return result
}
