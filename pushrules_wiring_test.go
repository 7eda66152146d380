package hicore_test

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	hicore "go.mau.fi/hicore"
	"go.mau.fi/hicore/id"
	"go.mau.fi/hicore/mxapi"
)

func timelineJoinRaw(t *testing.T, timelineEvents ...map[string]any) json.RawMessage {
	t.Helper()
	raw, err := json.Marshal(map[string]any{
		"state":    map[string]any{"events": []any{}},
		"timeline": map[string]any{"events": timelineEvents},
	})
	require.NoError(t, err)
	return raw
}

func pushRulesAccountData(t *testing.T) json.RawMessage {
	t.Helper()
	content, err := json.Marshal(map[string]any{
		"global": map[string]any{
			"underride": []map[string]any{{
				"rule_id": ".m.rule.message",
				"default": true,
				"enabled": true,
				"conditions": []map[string]any{{
					"kind": "event_match", "key": "type", "pattern": "m.room.message",
				}},
				"actions": []any{"notify", map[string]any{"set_tweak": "highlight", "value": true}},
			}},
		},
	})
	require.NoError(t, err)
	raw, err := json.Marshal(map[string]any{"type": "m.push_rules", "content": json.RawMessage(content)})
	require.NoError(t, err)
	return raw
}

// TestSync_PushRulesDriveEventNotifyHighlight exercises the push-rule
// engine through the public sync pipeline: once a cached ruleset matches
// m.room.message, a later message from another user carries a populated
// Should on its EventUpdate, and a message from the local user does not.
func TestSync_PushRulesDriveEventNotifyHighlight(t *testing.T) {
	roomID := id.RoomID("!room:example.org")
	bob := id.UserID("@bob:example.org")
	messageEvent := func(sender id.UserID, eventID string) map[string]any {
		return map[string]any{
			"type": "m.room.message", "event_id": eventID, "sender": string(sender),
			"content": map[string]any{"msgtype": "m.text", "body": "hi"},
		}
	}

	api := &fakeAPI{responses: []*mxapi.SyncResponse{
		{NextBatch: "b1", AccountData: struct {
			Events []json.RawMessage `json:"events,omitempty"`
		}{Events: []json.RawMessage{pushRulesAccountData(t)}}},
		joinSyncResponse("b2", roomID, timelineJoinRaw(t, messageEvent(bob, "$m1"))),
		joinSyncResponse("b3", roomID, timelineJoinRaw(t, messageEvent("@local:example.org", "$m2"))),
	}}
	c, _ := newTestClient(t, api)

	var updates []hicore.EventUpdate
	sub := c.OnEvent.Subscribe(func(u hicore.EventUpdate) {
		if u.Kind == hicore.KindTimeline {
			updates = append(updates, u)
		}
	})
	defer sub.Unsubscribe()

	require.NoError(t, c.Sync(context.Background()))
	require.NotNil(t, c.PushRules())

	require.NoError(t, c.Sync(context.Background()))
	require.NoError(t, c.Sync(context.Background()))
	require.Len(t, updates, 2)

	assert.True(t, updates[0].Should.Notify, "a message from another user must be evaluated against push rules")
	assert.True(t, updates[0].Should.Highlight)
	assert.False(t, updates[1].Should.Notify, "the local user's own messages are never evaluated for notification")
}
