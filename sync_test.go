package hicore_test

import (
	"context"
	"encoding/json"
	"io"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	hicore "go.mau.fi/hicore"
	"go.mau.fi/hicore/crypt"
	"go.mau.fi/hicore/database"
	"go.mau.fi/hicore/id"
	"go.mau.fi/hicore/mxapi"
)

// fakeAPI implements mxapi.MatrixApi, serving a queue of canned Sync
// responses/errors and panicking on anything a given test doesn't expect to
// exercise, following the same shape as devicekeys_test.go's fakeAPI.
type fakeAPI struct {
	responses []*mxapi.SyncResponse
	errs      []error
	syncCalls int

	requestDeviceKeysResp *mxapi.DeviceKeysQueryResponse
	requestProfileResp    *mxapi.Profile
	requestProfileCalls   int
}

func (f *fakeAPI) Sync(ctx context.Context, filter, since string, timeout time.Duration) (*mxapi.SyncResponse, error) {
	i := f.syncCalls
	f.syncCalls++
	var err error
	if i < len(f.errs) {
		err = f.errs[i]
	}
	if err != nil {
		return nil, err
	}
	if i < len(f.responses) {
		return f.responses[i], nil
	}
	return &mxapi.SyncResponse{NextBatch: "end"}, nil
}

func (f *fakeAPI) RequestDeviceKeys(ctx context.Context, users []id.UserID, timeout time.Duration) (*mxapi.DeviceKeysQueryResponse, error) {
	if f.requestDeviceKeysResp != nil {
		return f.requestDeviceKeysResp, nil
	}
	return &mxapi.DeviceKeysQueryResponse{}, nil
}

func (f *fakeAPI) Login(context.Context, *mxapi.LoginRequest) (*mxapi.LoginResponse, error) {
	panic("unused")
}
func (f *fakeAPI) Register(context.Context, *mxapi.RegisterRequest) (*mxapi.LoginResponse, error) {
	panic("unused")
}
func (f *fakeAPI) Logout(context.Context) error    { return nil }
func (f *fakeAPI) LogoutAll(context.Context) error { return nil }
func (f *fakeAPI) SendToDevice(context.Context, string, string, map[id.UserID]map[id.DeviceID]json.RawMessage) error {
	panic("unused")
}
func (f *fakeAPI) RequestProfile(context.Context, id.UserID) (*mxapi.Profile, error) {
	f.requestProfileCalls++
	if f.requestProfileResp == nil {
		return &mxapi.Profile{}, nil
	}
	return f.requestProfileResp, nil
}
func (f *fakeAPI) RequestSupportedVersions(context.Context) (*mxapi.SupportedVersions, error) {
	panic("unused")
}
func (f *fakeAPI) RequestLoginTypes(context.Context) (*mxapi.LoginFlows, error) { panic("unused") }
func (f *fakeAPI) Upload(context.Context, []byte, string, string) (id.ContentURI, error) {
	panic("unused")
}
func (f *fakeAPI) Download(context.Context, id.ContentURI) (io.ReadCloser, error) { panic("unused") }
func (f *fakeAPI) SetAvatarURL(context.Context, id.UserID, id.ContentURI) error   { panic("unused") }
func (f *fakeAPI) EnablePushRule(context.Context, string, string, string, bool) error {
	panic("unused")
}
func (f *fakeAPI) SetAccountData(context.Context, id.UserID, string, json.RawMessage) error {
	panic("unused")
}
func (f *fakeAPI) ChangePassword(context.Context, string, json.RawMessage) (*mxapi.UIAResponse, error) {
	panic("unused")
}
func (f *fakeAPI) RedactEvent(context.Context, id.RoomID, id.EventID, string, string) error {
	panic("unused")
}

var _ mxapi.MatrixApi = (*fakeAPI)(nil)

func newTestClient(t *testing.T, api mxapi.MatrixApi) (*hicore.Client, int64) {
	t.Helper()
	db, err := database.Open(t.TempDir() + "/hicore.db")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	c := hicore.New("test", api, db, crypt.Noop{}, zerolog.Nop())
	row := &database.ClientRow{
		ClientName: "test", Homeserver: "https://example.org",
		AccessToken: "tok", UserID: "@local:example.org", DeviceID: "LOCAL",
	}
	clientID, err := db.InsertClient(context.Background(), row)
	require.NoError(t, err)
	require.NoError(t, c.Connect(context.Background(), clientID, row))
	return c, clientID
}

func roomJoinRaw(t *testing.T, stateEvents ...map[string]any) json.RawMessage {
	t.Helper()
	raw, err := json.Marshal(map[string]any{
		"state":    map[string]any{"events": stateEvents},
		"timeline": map[string]any{"events": []any{}},
	})
	require.NoError(t, err)
	return raw
}

func encryptionEvent(algorithm string) map[string]any {
	return map[string]any{
		"type": "m.room.encryption", "event_id": "$enc1", "state_key": "",
		"sender": "@alice:example.org", "content": map[string]any{"algorithm": algorithm},
	}
}

// joinSyncResponse builds a SyncResponse whose rooms.join map has a single
// entry for roomID, without having to restate mxapi.SyncResponse's anonymous
// struct field tags at every call site.
func joinSyncResponse(nextBatch string, roomID id.RoomID, raw json.RawMessage) *mxapi.SyncResponse {
	resp := &mxapi.SyncResponse{NextBatch: nextBatch}
	resp.Rooms.Join = map[id.RoomID]json.RawMessage{roomID: raw}
	return resp
}

// TestSync_AntiDowngradeDropsEncryptionChange is scenario S2: a room already
// carries m.room.encryption with algorithm=m.megolm.v1.aes-sha2; a later sync
// response tries to introduce a different algorithm for the same room, and
// that write must be silently dropped, without disturbing the stored state.
func TestSync_AntiDowngradeDropsEncryptionChange(t *testing.T) {
	roomID := id.RoomID("!room:example.org")
	api := &fakeAPI{responses: []*mxapi.SyncResponse{
		joinSyncResponse("b1", roomID, roomJoinRaw(t, encryptionEvent("m.megolm.v1.aes-sha2"))),
		joinSyncResponse("b2", roomID, roomJoinRaw(t, encryptionEvent("m.plaintext"))),
	}}
	c, _ := newTestClient(t, api)

	require.NoError(t, c.Sync(context.Background()))
	r := c.GetRoom(roomID)
	require.NotNil(t, r)
	assert.Equal(t, "m.megolm.v1.aes-sha2", r.EncryptionAlgorithm())

	require.NoError(t, c.Sync(context.Background()))
	assert.Equal(t, "m.megolm.v1.aes-sha2", r.EncryptionAlgorithm(), "a downgraded algorithm must never replace the stored one")
}

// TestSync_UnknownTokenClearsSession is scenario S6: an M_UNKNOWN_TOKEN sync
// error must clear the session and emit LoggedOut exactly once, after which
// a further sync returns at once without reaching the API.
func TestSync_UnknownTokenClearsSession(t *testing.T) {
	api := &fakeAPI{errs: []error{&mxapi.Error{ErrCode: "M_UNKNOWN_TOKEN", ErrorMessage: "unknown token"}}}
	c, _ := newTestClient(t, api)

	var loggedOutCount int
	sub := c.OnLoginStateChanged.Subscribe(func(change hicore.LoginStateChange) {
		if !change.LoggedIn {
			loggedOutCount++
		}
	})
	defer sub.Unsubscribe()

	err := c.Sync(context.Background())
	require.Error(t, err)
	assert.True(t, hicore.IsErrCode(err, "M_UNKNOWN_TOKEN"))
	assert.False(t, c.IsLoggedIn())
	assert.Equal(t, 1, loggedOutCount)

	require.NoError(t, c.Sync(context.Background()))
	assert.Equal(t, 1, api.syncCalls, "a sync after the session is cleared must not call the API")
	assert.Equal(t, 1, loggedOutCount)
}

// TestSync_OtherProtocolErrorDoesNotClearSession ensures only
// M_UNKNOWN_TOKEN triggers a session clear; other protocol errors surface on
// the error path but leave the session intact for the caller to retry.
func TestSync_OtherProtocolErrorDoesNotClearSession(t *testing.T) {
	api := &fakeAPI{errs: []error{&mxapi.Error{ErrCode: "M_LIMIT_EXCEEDED", ErrorMessage: "slow down"}}}
	c, _ := newTestClient(t, api)

	err := c.Sync(context.Background())
	require.Error(t, err)
	assert.True(t, hicore.IsErrCode(err, "M_LIMIT_EXCEEDED"))
	assert.True(t, c.IsLoggedIn())
}

// TestSync_FirstSyncEmitsOnce checks the §4.E "first sync"
// bookkeeping: onFirstSync fires exactly once, on the first completed pass.
func TestSync_FirstSyncEmitsOnce(t *testing.T) {
	api := &fakeAPI{}
	c, _ := newTestClient(t, api)

	var firstSyncCount int
	sub := c.OnFirstSync.Subscribe(func(bool) { firstSyncCount++ })
	defer sub.Unsubscribe()

	require.NoError(t, c.Sync(context.Background()))
	require.NoError(t, c.Sync(context.Background()))
	assert.Equal(t, 1, firstSyncCount)
}

// TestSync_ReentrantCallsShareOneInFlightPass exercises the §5 "single
// current sync" guard: two concurrent Sync calls must not race the sync
// pipeline; both return the same outcome.
func TestSync_ReentrantCallsShareOneInFlightPass(t *testing.T) {
	api := &fakeAPI{}
	c, _ := newTestClient(t, api)

	errs := make(chan error, 2)
	go func() { errs <- c.Sync(context.Background()) }()
	go func() { errs <- c.Sync(context.Background()) }()

	require.NoError(t, <-errs)
	require.NoError(t, <-errs)
}

// TestSync_RoomStateAndEventBroadcast checks that a plain state event lands
// in room state and is broadcast on OnEvent.
func TestSync_RoomStateAndEventBroadcast(t *testing.T) {
	roomID := id.RoomID("!room:example.org")
	nameEvent := map[string]any{
		"type": "m.room.name", "event_id": "$name1", "state_key": "",
		"sender": "@alice:example.org", "content": map[string]any{"name": "Testing"},
	}
	api := &fakeAPI{responses: []*mxapi.SyncResponse{
		joinSyncResponse("b1", roomID, roomJoinRaw(t, nameEvent)),
	}}
	c, _ := newTestClient(t, api)

	var got []hicore.EventUpdate
	sub := c.OnEvent.Subscribe(func(u hicore.EventUpdate) { got = append(got, u) })
	defer sub.Unsubscribe()

	require.NoError(t, c.Sync(context.Background()))
	require.Len(t, got, 1)
	assert.Equal(t, hicore.KindState, got[0].Kind)
	assert.Equal(t, "m.room.name", got[0].Event.Type)

	r := c.GetRoom(roomID)
	require.NotNil(t, r)
	assert.NotNil(t, r.GetState("m.room.name", ""))
}
