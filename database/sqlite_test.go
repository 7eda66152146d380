package database_test

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.mau.fi/hicore/database"
	"go.mau.fi/hicore/event"
	"go.mau.fi/hicore/id"
)

func newTestDB(t *testing.T) *database.SQLite {
	t.Helper()
	path := filepath.Join(t.TempDir(), "hicore.db")
	db, err := database.Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestClient_InsertGetUpdateRoundTrip(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	id1, err := db.InsertClient(ctx, &database.ClientRow{
		ClientName: "default", Homeserver: "https://example.org",
		AccessToken: "tok1", UserID: "@alice:example.org", DeviceID: "DEV1", DeviceName: "hicore",
	})
	require.NoError(t, err)
	assert.NotZero(t, id1)

	got, err := db.GetClient(ctx, "default")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, id.UserID("@alice:example.org"), got.UserID)

	got.AccessToken = "tok2"
	require.NoError(t, db.UpdateClient(ctx, got))

	reloaded, err := db.GetClient(ctx, "default")
	require.NoError(t, err)
	assert.Equal(t, "tok2", reloaded.AccessToken)
}

func TestGetClient_MissingReturnsNilNoError(t *testing.T) {
	db := newTestDB(t)
	got, err := db.GetClient(context.Background(), "nonexistent")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestAccountData_StoreAndGet(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	clientID, err := db.InsertClient(ctx, &database.ClientRow{ClientName: "c", Homeserver: "h", AccessToken: "t", UserID: "@a:b", DeviceID: "D"})
	require.NoError(t, err)

	require.NoError(t, db.StoreAccountData(ctx, clientID, "m.direct", json.RawMessage(`{"@bob:example.org":["!room:example.org"]}`)))
	require.NoError(t, db.StoreAccountData(ctx, clientID, "m.direct", json.RawMessage(`{"@carol:example.org":["!other:example.org"]}`)))

	data, err := db.GetAccountData(ctx, clientID)
	require.NoError(t, err)
	require.Contains(t, data, "m.direct")
	assert.JSONEq(t, `{"@carol:example.org":["!other:example.org"]}`, string(data["m.direct"]))
}

func TestRoomList_OnlyLeftFilter(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	clientID, err := db.InsertClient(ctx, &database.ClientRow{ClientName: "c", Homeserver: "h", AccessToken: "t", UserID: "@a:b", DeviceID: "D"})
	require.NoError(t, err)

	require.NoError(t, db.StoreRoomUpdate(ctx, clientID, &database.RoomRow{RoomID: "!joined:example.org", Membership: "join"}))
	require.NoError(t, db.StoreRoomUpdate(ctx, clientID, &database.RoomRow{RoomID: "!left:example.org", Membership: "leave"}))

	all, err := db.GetRoomList(ctx, clientID, false)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	leftOnly, err := db.GetRoomList(ctx, clientID, true)
	require.NoError(t, err)
	require.Len(t, leftOnly, 1)
	assert.Equal(t, id.RoomID("!left:example.org"), leftOnly[0].RoomID)
}

func TestEvent_StoreUpdateAndRemove(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	clientID, err := db.InsertClient(ctx, &database.ClientRow{ClientName: "c", Homeserver: "h", AccessToken: "t", UserID: "@a:b", DeviceID: "D"})
	require.NoError(t, err)

	evt := event.New(json.RawMessage(`{"type":"m.room.message","event_id":"$1","sender":"@a:b","content":{"msgtype":"m.text","body":"hi"}}`))
	row := evt.ToRow()
	row.RoomID = "!room:example.org"
	require.NoError(t, db.StoreEventUpdate(ctx, clientID, row.RoomID, &row))

	require.NoError(t, db.RemoveEvent(ctx, clientID, "$1"))
}

func TestFileCache_StoreGetAndDeleteOld(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	require.NoError(t, db.StoreFile(ctx, "mxc://example.org/old", []byte("old"), 1000))
	require.NoError(t, db.StoreFile(ctx, "mxc://example.org/new", []byte("new"), 9000))

	data, ok, err := db.GetFile(ctx, "mxc://example.org/old")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("old"), data)

	n, err := db.DeleteOldFiles(ctx, 5000)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, ok, err = db.GetFile(ctx, "mxc://example.org/old")
	require.NoError(t, err)
	assert.False(t, ok)

	_, ok, err = db.GetFile(ctx, "mxc://example.org/new")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestFileCache_RejectsOversizedFile(t *testing.T) {
	db := newTestDB(t)
	err := db.StoreFile(context.Background(), "mxc://example.org/huge", make([]byte, db.MaxFileSize()+1), 1)
	assert.Error(t, err)
}

func TestDeviceKeys_StoreRemoveAndList(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	clientID, err := db.InsertClient(ctx, &database.ClientRow{ClientName: "c", Homeserver: "h", AccessToken: "t", UserID: "@a:b", DeviceID: "D"})
	require.NoError(t, err)

	require.NoError(t, db.StoreUserDeviceKeysInfo(ctx, clientID, "@bob:example.org", false))
	require.NoError(t, db.StoreUserDeviceKey(ctx, clientID, "@bob:example.org", database.DeviceKeyRow{
		DeviceID: "DEVBOB", Ed25519Key: "ed25519key", Curve25519Key: "curve25519key",
	}))
	require.NoError(t, db.StoreUserCrossSigningKey(ctx, clientID, "@bob:example.org", "master", database.CrossSigningKeyRow{PublicKey: "masterkey"}))

	keys, err := db.GetUserDeviceKeys(ctx, clientID, "@bob:example.org")
	require.NoError(t, err)
	assert.False(t, keys.Outdated)
	require.Contains(t, keys.Devices, id.DeviceID("DEVBOB"))
	assert.Equal(t, "ed25519key", keys.Devices["DEVBOB"].Ed25519Key)
	require.Contains(t, keys.CrossSigningKeys, "master")

	require.NoError(t, db.RemoveUserDeviceKey(ctx, clientID, "@bob:example.org", "DEVBOB"))
	keys, err = db.GetUserDeviceKeys(ctx, clientID, "@bob:example.org")
	require.NoError(t, err)
	assert.NotContains(t, keys.Devices, id.DeviceID("DEVBOB"))
}

func TestTransaction_RollsBackOnError(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	clientID, err := db.InsertClient(ctx, &database.ClientRow{ClientName: "c", Homeserver: "h", AccessToken: "t", UserID: "@a:b", DeviceID: "D"})
	require.NoError(t, err)

	wantErr := assert.AnError
	err = db.Transaction(ctx, func(ctx context.Context) error {
		if txErr := db.StoreAccountData(ctx, clientID, "m.partial", json.RawMessage(`{}`)); txErr != nil {
			return txErr
		}
		return wantErr
	})
	assert.ErrorIs(t, err, wantErr)

	data, err := db.GetAccountData(ctx, clientID)
	require.NoError(t, err)
	assert.NotContains(t, data, "m.partial")
}

func TestClear_RemovesClientAndAssociatedData(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	clientID, err := db.InsertClient(ctx, &database.ClientRow{ClientName: "c", Homeserver: "h", AccessToken: "t", UserID: "@a:b", DeviceID: "D"})
	require.NoError(t, err)
	require.NoError(t, db.StoreRoomUpdate(ctx, clientID, &database.RoomRow{RoomID: "!room:example.org", Membership: "join"}))

	require.NoError(t, db.Clear(ctx, clientID))

	got, err := db.GetClient(ctx, "c")
	require.NoError(t, err)
	assert.Nil(t, got)
}
