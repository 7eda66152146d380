// Package mxapi defines the MatrixApi capability the sync engine and
// client façade consume, and an HTTPClient implementation of it over
// net/http. Request/response bodies are represented as typed structs with
// json.RawMessage escape hatches for open-ended fields (content, unsigned),
// matching the rest of the module's generic-JSON approach rather than a
// fully typed event schema.
package mxapi

import (
	"context"
	"encoding/json"
	"io"
	"time"

	"go.mau.fi/hicore/id"
)

// LoginRequest is the body of POST /login.
type LoginRequest struct {
	Type                     string          `json:"type"`
	Identifier               json.RawMessage `json:"identifier,omitempty"`
	User                     string          `json:"user,omitempty"`
	Password                 string          `json:"password,omitempty"`
	Token                    string          `json:"token,omitempty"`
	DeviceID                 id.DeviceID     `json:"device_id,omitempty"`
	InitialDeviceDisplayName string          `json:"initial_device_display_name,omitempty"`
}

// LoginResponse is the body of a successful /login or /register response.
type LoginResponse struct {
	UserID      id.UserID   `json:"user_id"`
	AccessToken string      `json:"access_token"`
	DeviceID    id.DeviceID `json:"device_id"`
	HomeServer  string      `json:"home_server,omitempty"`
}

// RegisterRequest is the body of POST /register.
type RegisterRequest struct {
	Username                 string          `json:"username,omitempty"`
	Password                 string          `json:"password"`
	DeviceID                 id.DeviceID     `json:"device_id,omitempty"`
	InitialDeviceDisplayName string          `json:"initial_device_display_name,omitempty"`
	Auth                     json.RawMessage `json:"auth,omitempty"`
}

// SyncResponse is the top-level /sync response, kept close to the wire
// shape; per-room event lists are left as raw JSON since the sync engine
// parses them into event.Event itself.
type SyncResponse struct {
	NextBatch string `json:"next_batch"`
	Rooms     struct {
		Join   map[id.RoomID]json.RawMessage `json:"join,omitempty"`
		Invite map[id.RoomID]json.RawMessage `json:"invite,omitempty"`
		Leave  map[id.RoomID]json.RawMessage `json:"leave,omitempty"`
	} `json:"rooms"`
	Presence struct {
		Events []json.RawMessage `json:"events,omitempty"`
	} `json:"presence"`
	AccountData struct {
		Events []json.RawMessage `json:"events,omitempty"`
	} `json:"account_data"`
	ToDevice struct {
		Events []json.RawMessage `json:"events,omitempty"`
	} `json:"to_device"`
	DeviceLists struct {
		Changed []id.UserID `json:"changed,omitempty"`
		Left    []id.UserID `json:"left,omitempty"`
	} `json:"device_lists"`
	DeviceOneTimeKeysCount map[string]int `json:"device_one_time_keys_count,omitempty"`
}

// DeviceKeys is the wire shape of one device's key set, from a
// /keys/query response.
type DeviceKeys struct {
	UserID     id.UserID         `json:"user_id"`
	DeviceID   id.DeviceID       `json:"device_id"`
	Algorithms []string          `json:"algorithms"`
	Keys       map[string]string `json:"keys"`
	Signatures map[string]map[string]string `json:"signatures"`
}

// CrossSigningKey is the wire shape of a cross-signing key from a
// /keys/query response.
type CrossSigningKey struct {
	UserID     id.UserID                    `json:"user_id"`
	Usage      []string                     `json:"usage"`
	Keys       map[string]string            `json:"keys"`
	Signatures map[string]map[string]string `json:"signatures,omitempty"`
}

// DeviceKeysQueryResponse is the body of a /keys/query response.
type DeviceKeysQueryResponse struct {
	DeviceKeys         map[id.UserID]map[id.DeviceID]DeviceKeys `json:"device_keys"`
	MasterKeys         map[id.UserID]CrossSigningKey            `json:"master_keys,omitempty"`
	SelfSigningKeys    map[id.UserID]CrossSigningKey            `json:"self_signing_keys,omitempty"`
	UserSigningKeys    map[id.UserID]CrossSigningKey            `json:"user_signing_keys,omitempty"`
	Failures           map[string]json.RawMessage               `json:"failures,omitempty"`
}

// Profile is the body of a /profile response.
type Profile struct {
	DisplayName string         `json:"displayname,omitempty"`
	AvatarURL   id.ContentURI  `json:"avatar_url,omitempty"`
}

// SupportedVersions is the body of /_matrix/client/versions.
type SupportedVersions struct {
	Versions         []string        `json:"versions"`
	UnstableFeatures map[string]bool `json:"unstable_features,omitempty"`
}

// LoginFlows is the body of GET /login.
type LoginFlows struct {
	Flows []struct {
		Type string `json:"type"`
	} `json:"flows"`
}

// UIAResponse is a user-interactive-auth stage response: either success
// (caller inspects the original endpoint's response type) or a stage
// description with Flows/Params/Session per the Matrix spec.
type UIAResponse struct {
	Flows []struct {
		Stages []string `json:"stages"`
	} `json:"flows,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Session string          `json:"session,omitempty"`
	Completed []string      `json:"completed,omitempty"`
}

// Error is the MatrixException shape described by spec §6: a typed
// homeserver error plus optional UIA/retry metadata.
type Error struct {
	ErrCode             string   `json:"errcode"`
	ErrorMessage        string   `json:"error"`
	RetryAfterMs        int      `json:"retry_after_ms,omitempty"`
	Session             string   `json:"session,omitempty"`
	AuthenticationFlows []string `json:"-"`
}

func (e *Error) Error() string {
	if e.ErrorMessage != "" {
		return e.ErrCode + ": " + e.ErrorMessage
	}
	return e.ErrCode
}

// MatrixApi is the capability the sync engine and client façade consume.
// It is satisfied by HTTPClient in normal operation and can be faked in
// tests.
type MatrixApi interface {
	Login(ctx context.Context, req *LoginRequest) (*LoginResponse, error)
	Register(ctx context.Context, req *RegisterRequest) (*LoginResponse, error)
	Logout(ctx context.Context) error
	LogoutAll(ctx context.Context) error
	Sync(ctx context.Context, filter string, since string, timeout time.Duration) (*SyncResponse, error)
	SendToDevice(ctx context.Context, eventType string, txnID string, payload map[id.UserID]map[id.DeviceID]json.RawMessage) error
	RequestDeviceKeys(ctx context.Context, users []id.UserID, timeout time.Duration) (*DeviceKeysQueryResponse, error)
	RequestProfile(ctx context.Context, userID id.UserID) (*Profile, error)
	RequestSupportedVersions(ctx context.Context) (*SupportedVersions, error)
	RequestLoginTypes(ctx context.Context) (*LoginFlows, error)
	Upload(ctx context.Context, data []byte, contentType, fileName string) (id.ContentURI, error)
	Download(ctx context.Context, uri id.ContentURI) (io.ReadCloser, error)
	SetAvatarURL(ctx context.Context, userID id.UserID, uri id.ContentURI) error
	EnablePushRule(ctx context.Context, scope, kind, ruleID string, enabled bool) error
	SetAccountData(ctx context.Context, userID id.UserID, evtType string, content json.RawMessage) error
	ChangePassword(ctx context.Context, newPassword string, auth json.RawMessage) (*UIAResponse, error)
	RedactEvent(ctx context.Context, roomID id.RoomID, eventID id.EventID, reason, txnID string) error
}

// DefaultSyncFilter is the filter used for every ordinary sync pass.
const DefaultSyncFilter = `{"room":{"state":{"lazy_load_members":true}}}`

// MessagesFilter is the filter used for the /messages (backfill) endpoint.
const MessagesFilter = `{"lazy_load_members":true}`

// ArchiveFilter is the one-shot filter the client's Archive operation
// uses to materialize left rooms without disturbing live state.
const ArchiveFilter = `{"room":{"include_leave":true,"timeline":{"limit":10}}}`
