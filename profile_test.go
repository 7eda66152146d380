package hicore_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	hicore "go.mau.fi/hicore"
	"go.mau.fi/hicore/id"
	"go.mau.fi/hicore/mxapi"
)

func joinMemberEvent(userID id.UserID, displayName string) map[string]any {
	return map[string]any{
		"type": "m.room.member", "event_id": "$mem-" + string(userID), "state_key": string(userID),
		"sender": string(userID),
		"content": map[string]any{
			"membership": "join", "displayname": displayName,
		},
	}
}

// TestOwnProfile_RoomAgreementAvoidsNetworkFetch checks that when every room
// agrees on the local user's membership event, OwnProfile resolves it
// locally without a network round trip.
func TestOwnProfile_RoomAgreementAvoidsNetworkFetch(t *testing.T) {
	roomID := id.RoomID("!room:example.org")
	api := &fakeAPI{responses: []*mxapi.SyncResponse{
		joinSyncResponse("b1", roomID, roomJoinRaw(t, joinMemberEvent("@local:example.org", "Local User"))),
	}}
	c, _ := newTestClient(t, api)
	require.NoError(t, c.Sync(context.Background()))

	profile, err := c.OwnProfile(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "Local User", profile.DisplayName)
	assert.Equal(t, 0, api.requestProfileCalls, "agreement across rooms must skip the network fetch")
}

// TestOwnProfile_NoRoomsFallsBackToAPI checks that with no known rooms,
// OwnProfile falls back to the homeserver.
func TestOwnProfile_NoRoomsFallsBackToAPI(t *testing.T) {
	api := &fakeAPI{requestProfileResp: &mxapi.Profile{DisplayName: "From API"}}
	c, _ := newTestClient(t, api)

	profile, err := c.OwnProfile(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "From API", profile.DisplayName)
	assert.Equal(t, 1, api.requestProfileCalls)
}

// TestGetProfileFromUserId_RoomFastPathThenCacheThenAPI exercises the three
// resolution paths in priority order.
func TestGetProfileFromUserId_RoomFastPathThenCacheThenAPI(t *testing.T) {
	roomID := id.RoomID("!room:example.org")
	bob := id.UserID("@bob:example.org")
	api := &fakeAPI{responses: []*mxapi.SyncResponse{
		joinSyncResponse("b1", roomID, roomJoinRaw(t, joinMemberEvent(bob, "Bob"))),
	}}
	c, _ := newTestClient(t, api)
	require.NoError(t, c.Sync(context.Background()))

	profile, err := c.GetProfileFromUserId(context.Background(), bob, true)
	require.NoError(t, err)
	assert.Equal(t, "Bob", profile.DisplayName)
	assert.Equal(t, 0, api.requestProfileCalls, "room membership should resolve without a network call")

	carol := id.UserID("@carol:example.org")
	api.requestProfileResp = &mxapi.Profile{DisplayName: "Carol"}
	first, err := c.GetProfileFromUserId(context.Background(), carol, false)
	require.NoError(t, err)
	assert.Equal(t, "Carol", first.DisplayName)
	assert.Equal(t, 1, api.requestProfileCalls)

	second, err := c.GetProfileFromUserId(context.Background(), carol, false)
	require.NoError(t, err)
	assert.Equal(t, "Carol", second.DisplayName)
	assert.Equal(t, 1, api.requestProfileCalls, "second lookup must be served from the cache")
}
