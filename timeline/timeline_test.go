package timeline_test

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.mau.fi/hicore/event"
	"go.mau.fi/hicore/id"
	"go.mau.fi/hicore/timeline"
)

var _ event.RelationSource = (*timeline.Timeline)(nil)

func mkEvent(t *testing.T, raw string, sortOrder float64) *event.Event {
	t.Helper()
	e := event.New(json.RawMessage(raw))
	e.SortOrder = sortOrder
	return e
}

func TestAdd_OrdersBySortOrder(t *testing.T) {
	tl := timeline.New(id.RoomID("!test:example.org"))
	e2 := mkEvent(t, `{"event_id":"$2","type":"m.room.message","content":{}}`, 2)
	e1 := mkEvent(t, `{"event_id":"$1","type":"m.room.message","content":{}}`, 1)
	tl.Add(e2)
	tl.Add(e1)

	events := tl.Events()
	require.Len(t, events, 2)
	assert.Equal(t, id.EventID("$1"), events[0].ID)
	assert.Equal(t, id.EventID("$2"), events[1].ID)
}

func TestGetEventByID(t *testing.T) {
	tl := timeline.New(id.RoomID("!test:example.org"))
	e := mkEvent(t, `{"event_id":"$1","type":"m.room.message","content":{}}`, 1)
	tl.Add(e)
	assert.Same(t, e, tl.GetEventByID("$1"))
	assert.Nil(t, tl.GetEventByID("$missing"))
}

// TestGetDisplayEvent_ThroughTimeline is scenario S3 end-to-end: an edit
// relation recorded in the timeline resolves E0's display content to E1's
// new_content.
func TestGetDisplayEvent_ThroughTimeline(t *testing.T) {
	tl := timeline.New(id.RoomID("!test:example.org"))
	e0 := mkEvent(t, `{"event_id":"$E0","sender":"@alice:example.org","type":"m.room.message","content":{"msgtype":"m.text","body":"hello"}}`, 1)
	e1 := mkEvent(t, `{
		"event_id":"$E1","sender":"@alice:example.org","type":"m.room.message",
		"content":{
			"msgtype":"m.text","body":"* world",
			"m.new_content":{"msgtype":"m.text","body":"world"},
			"m.relates_to":{"rel_type":"m.replace","event_id":"$E0"}
		}
	}`, 2)
	tl.Add(e0)
	tl.Add(e1)

	displayed := e0.GetDisplayEvent(tl)
	assert.Equal(t, "world", displayed.Body())
}

func TestApplyRedaction_TimelineEvent(t *testing.T) {
	tl := timeline.New(id.RoomID("!test:example.org"))
	msg := mkEvent(t, `{"event_id":"$1","type":"m.room.message","content":{"msgtype":"m.text","body":"secret"}}`, 1)
	tl.Add(msg)
	redaction := mkEvent(t, `{"event_id":"$r","type":"m.room.redaction","sender":"@mod:example.org","content":{"redacts":"$1"}}`, 2)

	assert.True(t, tl.ApplyRedaction(redaction, "$1"))
	assert.True(t, tl.GetEventByID("$1").IsRedacted())
	assert.False(t, tl.ApplyRedaction(redaction, "$missing"))
}
