package event_test

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.mau.fi/hicore/event"
	"go.mau.fi/hicore/id"
)

func mkEvent(t *testing.T, raw string) *event.Event {
	t.Helper()
	e := event.New(json.RawMessage(raw))
	require.NotNil(t, e)
	return e
}

func TestNew_DefaultsOriginServerTS(t *testing.T) {
	e := mkEvent(t, `{"event_id":"$a","type":"m.room.message","sender":"@alice:example.org","content":{"body":"hi","msgtype":"m.text"}}`)
	assert.NotZero(t, e.OriginServerTS)
	assert.Equal(t, id.EventID("$a"), e.ID)
}

func TestNew_PrevContentHoisting(t *testing.T) {
	e := mkEvent(t, `{
		"event_id":"$a","type":"m.room.member","sender":"@alice:example.org","state_key":"@alice:example.org",
		"content":{"membership":"join"},
		"unsigned":{"prev_content":{"membership":"invite"}}
	}`)
	assert.Equal(t, "invite", e.PrevMembership())
	assert.Equal(t, "join", e.Membership())
}

func TestNew_TopLevelPrevContentWins(t *testing.T) {
	e := mkEvent(t, `{
		"event_id":"$a","type":"m.room.member","sender":"@alice:example.org","state_key":"@alice:example.org",
		"content":{"membership":"join"},
		"prev_content":{"membership":"ban"},
		"unsigned":{"prev_content":{"membership":"invite"}}
	}`)
	assert.Equal(t, "ban", e.PrevMembership())
}

func TestNew_MalformedNestedPrevContentLeftUnhoisted(t *testing.T) {
	e := mkEvent(t, `{"event_id":"$a","type":"m.room.member","content":{},"unsigned":{"prev_content":"not-an-object"}}`)
	assert.Empty(t, e.PrevContent)
}

// TestRedaction_PowerLevels exercises the redaction whitelist: only
// ban/events/events_default/kick/redact/state_default/users/users_default
// survive, and unsigned.redacted_because records the redacting event.
func TestRedaction_PowerLevels(t *testing.T) {
	target := mkEvent(t, `{
		"event_id":"$target","type":"m.room.power_levels","state_key":"",
		"content":{"ban":50,"kick":50,"users":{"@alice:example.org":100},"custom":"should be stripped"}
	}`)
	redactor := mkEvent(t, `{"event_id":"$redaction","type":"m.room.redaction","sender":"@admin:example.org","redacts":"$target","content":{}}`)

	target.SetRedactionEvent(redactor)

	assert.True(t, target.IsRedacted())
	assert.Empty(t, target.PrevContent)

	var content map[string]any
	require.NoError(t, json.Unmarshal(target.Content, &content))
	assert.Contains(t, content, "ban")
	assert.Contains(t, content, "kick")
	assert.Contains(t, content, "users")
	assert.NotContains(t, content, "custom")

	because := target.RedactedBecause()
	require.NotEmpty(t, because)
	var becauseType struct {
		Type string `json:"type"`
	}
	require.NoError(t, json.Unmarshal(because, &becauseType))
	assert.Equal(t, "m.room.redaction", becauseType.Type)
}

func TestRedaction_UnlistedTypeYieldsEmptyContent(t *testing.T) {
	target := mkEvent(t, `{"event_id":"$target","type":"m.room.message","content":{"body":"secret","msgtype":"m.text"}}`)
	redactor := mkEvent(t, `{"event_id":"$r","type":"m.room.redaction","sender":"@admin:example.org","content":{}}`)
	target.SetRedactionEvent(redactor)
	assert.JSONEq(t, `{}`, string(target.Content))
	assert.Equal(t, "Redacted", target.Body())
}

func TestRelationshipType_Replace(t *testing.T) {
	e := mkEvent(t, `{"type":"m.room.message","content":{"msgtype":"m.text","body":"edited","m.relates_to":{"rel_type":"m.replace","event_id":"$orig"}}}`)
	assert.Equal(t, event.RelReplace, e.RelationshipType())
	assert.Equal(t, "$orig", e.RelationshipEventID())
}

func TestRelationshipType_InReplyTo(t *testing.T) {
	e := mkEvent(t, `{"type":"m.room.message","content":{"msgtype":"m.text","body":"reply","m.relates_to":{"m.in_reply_to":{"event_id":"$orig"}}}}`)
	assert.Equal(t, event.RelInReplyTo, e.RelationshipType())
	assert.Equal(t, "$orig", e.RelationshipEventID())
}

func TestRelationshipType_None(t *testing.T) {
	e := mkEvent(t, `{"type":"m.room.message","content":{"msgtype":"m.text","body":"plain"}}`)
	assert.Empty(t, e.RelationshipType())
}

func TestMessageType(t *testing.T) {
	assert.Equal(t, "m.sticker", mkEvent(t, `{"type":"m.sticker","content":{"body":"x"}}`).MessageType())
	assert.Equal(t, "m.emote", mkEvent(t, `{"type":"m.room.message","content":{"msgtype":"m.emote","body":"x"}}`).MessageType())
	assert.Equal(t, "m.text", mkEvent(t, `{"type":"m.room.message","content":{"body":"x"}}`).MessageType())
}

func TestBody_FallsBackToFormattedThenType(t *testing.T) {
	assert.Equal(t, "plain", mkEvent(t, `{"type":"m.room.message","content":{"body":"plain"}}`).Body())
	assert.Equal(t, "<b>rich</b>", mkEvent(t, `{"type":"m.room.message","content":{"formatted_body":"<b>rich</b>"}}`).Body())
	assert.Equal(t, "m.room.message", mkEvent(t, `{"type":"m.room.message","content":{}}`).Body())
}

// fakeTimeline is a minimal event.RelationSource for GetDisplayEvent tests.
type fakeTimeline struct {
	byTarget map[string][]*event.Event
}

func (f *fakeTimeline) AggregatedEvents(target event.EventIDLike, relType string) []*event.Event {
	var out []*event.Event
	for _, e := range f.byTarget[target.String()] {
		if e.RelationshipType() == relType {
			out = append(out, e)
		}
	}
	return out
}

// TestGetDisplayEvent_EditResolution covers an original event E0 edited by
// E1: GetDisplayEvent(E0) must return a clone whose body is E1's new_content.
func TestGetDisplayEvent_EditResolution(t *testing.T) {
	e0 := mkEvent(t, `{"event_id":"$E0","sender":"@alice:example.org","type":"m.room.message","content":{"msgtype":"m.text","body":"hello"}}`)
	e1 := mkEvent(t, `{
		"event_id":"$E1","sender":"@alice:example.org","type":"m.room.message",
		"content":{
			"msgtype":"m.text","body":"* world",
			"m.new_content":{"msgtype":"m.text","body":"world"},
			"m.relates_to":{"rel_type":"m.replace","event_id":"$E0"}
		}
	}`)
	e1.SortOrder = 1

	tl := &fakeTimeline{byTarget: map[string][]*event.Event{"$E0": {e1}}}
	displayed := e0.GetDisplayEvent(tl)
	assert.Equal(t, "world", displayed.Body())
	assert.Equal(t, "hello", e0.Body(), "original event must not be mutated")
}

func TestGetDisplayEvent_NoEditsReturnsSelf(t *testing.T) {
	e0 := mkEvent(t, `{"event_id":"$E0","sender":"@alice:example.org","type":"m.room.message","content":{"msgtype":"m.text","body":"hello"}}`)
	tl := &fakeTimeline{byTarget: map[string][]*event.Event{}}
	assert.Same(t, e0, e0.GetDisplayEvent(tl))
}

func TestIsOnlyEmotes_Plain(t *testing.T) {
	assert.True(t, event.IsOnlyEmotes("\U0001F600\U0001F601", false))
	assert.False(t, event.IsOnlyEmotes("hello \U0001F600", false))
}

func TestIsOnlyEmotes_RichWithCustomEmoteTag(t *testing.T) {
	body := `<img data-mx-emote src="mxc://example.org/abc" alt=":party:">`
	assert.True(t, event.IsOnlyEmotes(body, true))
}

func TestNumberEmotes(t *testing.T) {
	assert.Equal(t, 2, event.NumberEmotes("\U0001F600\U0001F601", false))
}

func TestDownload_WrongEventType(t *testing.T) {
	e := mkEvent(t, `{"type":"m.room.message","content":{"url":"mxc://example.org/abc","msgtype":"m.image"}}`)
	e.Type = "m.room.member"
	_, err := e.Download(nil, "https://example.org", false, nil, nil, nil)
	require.Error(t, err)
	var dlErr *event.DownloadError
	require.ErrorAs(t, err, &dlErr)
	assert.Equal(t, event.WrongEventType, dlErr.Kind)
}

func TestDownload_NoAttachment(t *testing.T) {
	e := mkEvent(t, `{"type":"m.room.message","content":{"msgtype":"m.text","body":"hi"}}`)
	_, err := e.Download(nil, "https://example.org", false, nil, nil, nil)
	require.Error(t, err)
	var dlErr *event.DownloadError
	require.ErrorAs(t, err, &dlErr)
	assert.Equal(t, event.NoAttachment, dlErr.Kind)
}
