package hicore

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	sync "github.com/sasha-s/go-deadlock"

	"go.mau.fi/hicore/broadcast"
	"go.mau.fi/hicore/crypt"
	"go.mau.fi/hicore/database"
	"go.mau.fi/hicore/devicekeys"
	"go.mau.fi/hicore/event"
	"go.mau.fi/hicore/id"
	"go.mau.fi/hicore/mxapi"
	"go.mau.fi/hicore/pushrules"
	"go.mau.fi/hicore/room"
	"go.mau.fi/hicore/timeline"
)

// InitialDeviceDisplayName is sent with every login/register request.
const InitialDeviceDisplayName = "hicore"

// syncErrorTimeout is the retry delay applied between background sync
// iterations after a failed pass.
const syncErrorTimeout = 10 * time.Second

// fileRetention is how long a cached attachment is kept before a sync
// pass's file-cache prune drops it.
const fileRetention = 30 * 24 * time.Hour

// Client is the SDK façade: a single logical session against one
// homeserver, with its own room/event/device-key/push-rule state and
// broadcast streams. All state mutation happens on the sync loop's
// goroutine or under mu; see the concurrency model in the design doc.
type Client struct {
	ClientName string
	API        mxapi.MatrixApi
	DB         database.Database
	Crypto     crypt.Encryption
	Log        zerolog.Logger

	BackgroundSync bool
	PinUnreadRooms bool

	OnEvent                  broadcast.Stream[EventUpdate]
	OnRoomUpdate             broadcast.Stream[RoomUpdate]
	OnToDeviceEvent          broadcast.Stream[ToDeviceEvent]
	OnLoginStateChanged      broadcast.Stream[LoginStateChange]
	OnError                  broadcast.Stream[error]
	OnSyncError              broadcast.Stream[error]
	OnOlmError               broadcast.Stream[OlmError]
	OnFirstSync              broadcast.Stream[bool]
	OnSync                   broadcast.Stream[*mxapi.SyncResponse]
	OnPresence               broadcast.Stream[*event.Event]
	OnAccountData            broadcast.Stream[EventUpdate]
	OnCallInvite             broadcast.Stream[CallSignalEvent]
	OnCallHangup             broadcast.Stream[CallSignalEvent]
	OnCallCandidates         broadcast.Stream[CallSignalEvent]
	OnCallAnswer             broadcast.Stream[CallSignalEvent]
	OnRoomKeyRequest         broadcast.Stream[ToDeviceEvent]
	OnKeyVerificationRequest broadcast.Stream[ToDeviceEvent]

	mu         sync.RWMutex
	clientID   int64
	homeserver string
	accessToken string
	userID     id.UserID
	deviceID   id.DeviceID
	prevBatch  string
	loggedIn   bool

	rooms     map[id.RoomID]*room.Room
	timelines map[id.RoomID]*timeline.Timeline
	roomOrder []id.RoomID
	favorites map[id.RoomID]bool

	devices   *devicekeys.Tracker
	pushRules *pushrules.Ruleset

	profileCache map[id.UserID]*mxapi.Profile

	disposed    atomic.Bool
	firstSynced atomic.Bool
	sorting     atomic.Bool

	syncLock    sync.Mutex
	currentCall *syncCall
	stopSync    atomic.Pointer[context.CancelFunc]
}

// New constructs a disconnected Client. Call Connect (after Login or
// after restoring a persisted session) to start syncing.
func New(clientName string, api mxapi.MatrixApi, db database.Database, crypto crypt.Encryption, log zerolog.Logger) *Client {
	return &Client{
		ClientName: clientName,
		API:        api,
		DB:         db,
		Crypto:     crypto,
		Log:        log,

		rooms:        map[id.RoomID]*room.Room{},
		timelines:    map[id.RoomID]*timeline.Timeline{},
		favorites:    map[id.RoomID]bool{},
		profileCache: map[id.UserID]*mxapi.Profile{},
	}
}

// IsLoggedIn reports whether the client currently holds a session.
func (c *Client) IsLoggedIn() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.loggedIn
}

// UserID returns the logged-in user's ID, or "" if not logged in.
func (c *Client) UserID() id.UserID {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.userID
}

// CheckServer succeeds iff api's homeserver advertises a supported spec
// version and m.login.password as a login flow. Callers build api against
// NormalizeHomeserverURL(url) first.
func CheckServer(ctx context.Context, api mxapi.MatrixApi) error {
	versions, err := api.RequestSupportedVersions(ctx)
	if err != nil {
		return asProtocolError(err)
	}
	if !hasSupportedVersion(versions.Versions) {
		return newStateError("homeserver does not advertise a supported spec version")
	}
	flows, err := api.RequestLoginTypes(ctx)
	if err != nil {
		return asProtocolError(err)
	}
	for _, f := range flows.Flows {
		if f.Type == "m.login.password" {
			return nil
		}
	}
	return newStateError("homeserver does not support m.login.password")
}

func hasSupportedVersion(versions []string) bool {
	for _, v := range versions {
		if v == "r0.5.0" || v == "r0.6.0" {
			return true
		}
	}
	return false
}

// NormalizeHomeserverURL trims whitespace and a trailing slash, per
// check_server's URL normalization step.
func NormalizeHomeserverURL(raw string) string {
	return strings.TrimSuffix(strings.TrimSpace(raw), "/")
}

// Login authenticates with username/password, then connects.
func (c *Client) Login(ctx context.Context, homeserverURL, username, password string) error {
	homeserverURL = NormalizeHomeserverURL(homeserverURL)
	resp, err := c.API.Login(ctx, &mxapi.LoginRequest{
		Type:                     "m.login.password",
		User:                     username,
		Password:                 password,
		InitialDeviceDisplayName: InitialDeviceDisplayName,
	})
	if err != nil {
		return asProtocolError(err)
	}
	return c.finishLogin(ctx, homeserverURL, resp)
}

// Register registers a new account, then connects.
func (c *Client) Register(ctx context.Context, homeserverURL string, req *mxapi.RegisterRequest) error {
	homeserverURL = NormalizeHomeserverURL(homeserverURL)
	req.InitialDeviceDisplayName = InitialDeviceDisplayName
	resp, err := c.API.Register(ctx, req)
	if err != nil {
		return asProtocolError(err)
	}
	return c.finishLogin(ctx, homeserverURL, resp)
}

func (c *Client) finishLogin(ctx context.Context, homeserverURL string, resp *mxapi.LoginResponse) error {
	if resp.AccessToken == "" || resp.DeviceID == "" || resp.UserID == "" {
		return newStateError("login response missing access_token/device_id/user_id")
	}
	row := &database.ClientRow{
		ClientName: c.ClientName,
		Homeserver: homeserverURL,
		AccessToken: resp.AccessToken,
		UserID:     resp.UserID,
		DeviceID:   resp.DeviceID,
		DeviceName: InitialDeviceDisplayName,
	}
	clientID, err := c.DB.InsertClient(ctx, row)
	if err != nil {
		return fmt.Errorf("failed to persist session: %w", err)
	}
	return c.Connect(ctx, clientID, row)
}

// Connect hydrates the session from row, (re)initializes Encryption, and
// starts the background sync loop if BackgroundSync is set.
func (c *Client) Connect(ctx context.Context, clientID int64, row *database.ClientRow) error {
	c.mu.Lock()
	c.clientID = clientID
	c.homeserver = row.Homeserver
	c.accessToken = row.AccessToken
	c.userID = row.UserID
	c.deviceID = row.DeviceID
	c.prevBatch = row.PrevBatch
	c.loggedIn = true
	c.mu.Unlock()

	if err := c.Crypto.Init(ctx, row.PickledOlmAccount); err != nil {
		return fmt.Errorf("failed to initialize encryption: %w", err)
	}
	c.devices = devicekeys.New(c.API, c.DB, c, clientID, row.UserID, c.Crypto.FingerprintKey())

	if err := c.hydrateFromDatabase(ctx, clientID); err != nil {
		return fmt.Errorf("failed to hydrate session from database: %w", err)
	}

	c.OnLoginStateChanged.Emit(LoginStateChange{LoggedIn: true, UserID: row.UserID})
	if c.BackgroundSync {
		c.startBackgroundLoop()
	}
	return nil
}

// hydrateFromDatabase rebuilds the in-memory room list and push rules
// from a previously persisted session, so a resumed client has a
// populated RoomList/PushRules before its first sync response arrives.
func (c *Client) hydrateFromDatabase(ctx context.Context, clientID int64) error {
	if c.DB == nil {
		return nil
	}
	rows, err := c.DB.GetRoomList(ctx, clientID, false)
	if err != nil {
		return fmt.Errorf("failed to load room list: %w", err)
	}
	c.mu.Lock()
	for _, row := range rows {
		r := room.New(row.RoomID)
		r.Membership = room.Membership(row.Membership)
		r.PrevBatch = row.PrevBatch
		r.HighlightCount = row.HighlightCount
		r.NotificationCount = row.NotificationCount
		r.Summary = room.Summary{Heroes: row.Heroes, JoinedCount: row.JoinedCount, InvitedCount: row.InvitedCount}
		c.rooms[row.RoomID] = r
		c.roomOrder = append(c.roomOrder, row.RoomID)
	}
	c.mu.Unlock()

	data, err := c.DB.GetAccountData(ctx, clientID)
	if err != nil {
		return fmt.Errorf("failed to load account data: %w", err)
	}
	if raw, ok := data["m.push_rules"]; ok {
		if err := c.updatePushRules(raw); err != nil {
			c.Log.Warn().Err(err).Msg("failed to apply persisted push rules")
		}
	}
	return nil
}

// Logout calls the API then clears local state regardless of the API
// call's outcome.
func (c *Client) Logout(ctx context.Context) error {
	apiErr := c.API.Logout(ctx)
	c.clear(ctx)
	if apiErr != nil {
		return asProtocolError(apiErr)
	}
	return nil
}

// LogoutAll calls the all-devices logout endpoint then clears local state
// regardless of the API call's outcome.
func (c *Client) LogoutAll(ctx context.Context) error {
	apiErr := c.API.LogoutAll(ctx)
	c.clear(ctx)
	if apiErr != nil {
		return asProtocolError(apiErr)
	}
	return nil
}

// clear drops session state in memory and in the database, disposes
// Encryption, and emits LoggedOut. Used by Logout/LogoutAll and by the
// sync loop on M_UNKNOWN_TOKEN.
func (c *Client) clear(ctx context.Context) {
	c.Dispose()

	c.mu.Lock()
	clientID := c.clientID
	userID := c.userID
	c.loggedIn = false
	c.rooms = map[id.RoomID]*room.Room{}
	c.timelines = map[id.RoomID]*timeline.Timeline{}
	c.roomOrder = nil
	c.favorites = map[id.RoomID]bool{}
	c.profileCache = map[id.UserID]*mxapi.Profile{}
	c.prevBatch = ""
	c.mu.Unlock()

	if c.DB != nil && clientID != 0 {
		if err := c.DB.Clear(ctx, clientID); err != nil {
			c.Log.Warn().Err(err).Msg("failed to clear persisted session")
		}
	}
	c.Crypto.Dispose()
	c.OnLoginStateChanged.Emit(LoginStateChange{LoggedIn: false, UserID: userID})
}

// Dispose stops the sync loop. An in-flight sync transaction is allowed to
// complete; that sync pass then returns without its remaining steps and
// broadcasts (prev_batch advance, onFirstSync, onSync). Dispose does not
// close the broadcast streams: clear still emits LoginStateChanged after
// calling it.
func (c *Client) Dispose() {
	c.disposed.Store(true)
	if cancel := c.stopSync.Load(); cancel != nil {
		(*cancel)()
	}
}

// IsDisposed reports whether Dispose has been called.
func (c *Client) IsDisposed() bool {
	return c.disposed.Load()
}

// EncryptedRooms implements devicekeys.RoomSource.
func (c *Client) EncryptedRooms() []*room.Room {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*room.Room, 0, len(c.rooms))
	for _, r := range c.rooms {
		if r.IsEncrypted() {
			out = append(out, r)
		}
	}
	return out
}

// room returns the room for roomID, creating it if this is the first time
// it's been seen.
func (c *Client) room(roomID id.RoomID) *room.Room {
	c.mu.Lock()
	defer c.mu.Unlock()
	r, ok := c.rooms[roomID]
	if !ok {
		r = room.New(roomID)
		c.rooms[roomID] = r
	}
	return r
}

// timelineFor returns the Timeline for roomID, creating it if necessary.
func (c *Client) timelineFor(roomID id.RoomID) *timeline.Timeline {
	c.mu.Lock()
	defer c.mu.Unlock()
	t, ok := c.timelines[roomID]
	if !ok {
		t = timeline.New(roomID)
		c.timelines[roomID] = t
	}
	return t
}

// GetRoom returns the room for roomID if known.
func (c *Client) GetRoom(roomID id.RoomID) *room.Room {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.rooms[roomID]
}

// GetTimeline returns the timeline for roomID if known.
func (c *Client) GetTimeline(roomID id.RoomID) *timeline.Timeline {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.timelines[roomID]
}

// RoomList returns the current sort-ordered room list.
func (c *Client) RoomList() []*room.Room {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*room.Room, 0, len(c.roomOrder))
	for _, roomID := range c.roomOrder {
		if r, ok := c.rooms[roomID]; ok {
			out = append(out, r)
		}
	}
	return out
}
