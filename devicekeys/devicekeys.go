// Package devicekeys implements the device-key tracker (spec component F):
// computing the tracked-user set from encrypted rooms' membership, the
// per-domain key-query backoff, and the merge logic that folds a
// /keys/query response into stored DeviceKeysList rows without ever
// silently rotating a device's public key.
//
// Grounded on the teacher's matrix/crypto.go OlmMachine wiring (it is the
// closest the pack gets to a device-key tracker; the teacher delegates the
// actual bookkeeping to maunium.net/go/mautrix/crypto, which is not present
// in the pack, so the merge algorithm here is built directly from spec.md
// §4.F rather than adapted from teacher source).
package devicekeys

import (
	"context"
	"fmt"
	"time"

	sync "github.com/sasha-s/go-deadlock"
	"golang.org/x/sync/singleflight"

	"go.mau.fi/hicore/database"
	"go.mau.fi/hicore/id"
	"go.mau.fi/hicore/mxapi"
	"go.mau.fi/hicore/room"
)

// queryTimeout is the timeout passed to MatrixApi.RequestDeviceKeys.
const queryTimeout = 10 * time.Second

// backoffWindow is the per-domain cooldown after a failed key query.
const backoffWindow = 5 * time.Minute

// RoomSource is the narrow view of the client's room set the tracker needs
// to compute tracked_user_ids: rooms with encryption enabled and their
// join/invite membership.
type RoomSource interface {
	EncryptedRooms() []*room.Room
}

// Tracker maintains per-user device-key outdated/backoff state and applies
// /keys/query results to the database.
type Tracker struct {
	api   mxapi.MatrixApi
	db    database.Database
	rooms RoomSource

	clientID   int64
	localUser  id.UserID
	fingerprint string

	mu       sync.RWMutex
	outdated map[id.UserID]bool
	failures map[string]time.Time

	sf singleflight.Group
}

// New constructs a Tracker. fingerprint is the local device's Ed25519 key,
// used to mark the local device directly verified when it reappears in a
// query response.
func New(api mxapi.MatrixApi, db database.Database, rooms RoomSource, clientID int64, localUser id.UserID, fingerprint string) *Tracker {
	return &Tracker{
		api: api, db: db, rooms: rooms,
		clientID: clientID, localUser: localUser, fingerprint: fingerprint,
		outdated: map[id.UserID]bool{},
		failures: map[string]time.Time{},
	}
}

// Snapshot returns a read-only copy of the per-domain backoff table, for
// test assertions (S5).
func (t *Tracker) Snapshot() map[string]time.Time {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make(map[string]time.Time, len(t.failures))
	for k, v := range t.failures {
		out[k] = v
	}
	return out
}

// trackedUserIDs computes the union, across all encrypted rooms, of
// participants whose membership is join or invite, plus the local user.
func (t *Tracker) trackedUserIDs() map[id.UserID]bool {
	tracked := map[id.UserID]bool{t.localUser: true}
	for _, r := range t.rooms.EncryptedRooms() {
		for userID := range r.Members() {
			tracked[id.UserID(userID)] = true
		}
	}
	return tracked
}

// MarkOutdated flags users as needing a fresh key query, per a sync
// response's device_lists.changed.
func (t *Tracker) MarkOutdated(userIDs []id.UserID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, u := range userIDs {
		t.outdated[u] = true
	}
}

// Drop removes tracking state for users no longer relevant, per a sync
// response's device_lists.left.
func (t *Tracker) Drop(userIDs []id.UserID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, u := range userIDs {
		delete(t.outdated, u)
	}
}

// backedOffLocked reports whether userID's homeserver domain failed a key
// query less than backoffWindow ago. Callers must hold t.mu.
func (t *Tracker) backedOffLocked(userID id.UserID, now time.Time) bool {
	failedAt, ok := t.failures[userID.Homeserver()]
	return ok && now.Sub(failedAt) < backoffWindow
}

// Update runs the full per-sync device-key refresh: computes the tracked
// set, drops untracked entries, queries outdated users (respecting the
// per-domain backoff), and merges results into the database under a
// single transaction. Concurrent calls (e.g. the background sync loop
// overlapping an explicit refresh) collapse into a single in-flight
// query via singleflight.
func (t *Tracker) Update(ctx context.Context, now time.Time) error {
	_, err, _ := t.sf.Do("update", func() (any, error) {
		return nil, t.update(ctx, now)
	})
	return err
}

func (t *Tracker) update(ctx context.Context, now time.Time) error {
	tracked := t.trackedUserIDs()

	t.mu.Lock()
	for u := range t.outdated {
		if !tracked[u] {
			delete(t.outdated, u)
		}
	}
	var toQuery []id.UserID
	for u := range tracked {
		if t.outdated[u] && !t.backedOffLocked(u, now) {
			toQuery = append(toQuery, u)
		}
	}
	t.mu.Unlock()

	if len(toQuery) == 0 {
		return nil
	}

	resp, err := t.api.RequestDeviceKeys(ctx, toQuery, queryTimeout)
	if err != nil {
		return fmt.Errorf("failed to query device keys: %w", err)
	}

	return t.db.Transaction(ctx, func(ctx context.Context) error {
		for _, userID := range toQuery {
			if err := t.mergeUser(ctx, userID, resp); err != nil {
				return err
			}
			t.mu.Lock()
			delete(t.outdated, userID)
			t.mu.Unlock()
		}
		t.mu.Lock()
		for domain := range resp.Failures {
			t.failures[domain] = now
		}
		t.mu.Unlock()
		return nil
	})
}

func (t *Tracker) mergeUser(ctx context.Context, userID id.UserID, resp *mxapi.DeviceKeysQueryResponse) error {
	old, err := t.db.GetUserDeviceKeys(ctx, t.clientID, userID)
	if err != nil {
		return fmt.Errorf("failed to load existing device keys for %s: %w", userID, err)
	}

	newDevices := resp.DeviceKeys[userID]
	seen := map[id.DeviceID]bool{}
	for deviceID, dk := range newDevices {
		ed25519 := dk.Keys["ed25519:"+string(deviceID)]
		curve25519 := dk.Keys["curve25519:"+string(deviceID)]
		if ed25519 == "" || curve25519 == "" || dk.UserID != userID || dk.DeviceID != deviceID {
			continue // invalid, skip
		}
		seen[deviceID] = true
		row := database.DeviceKeyRow{DeviceID: deviceID, Ed25519Key: ed25519, Curve25519Key: curve25519}
		if existing, ok := old.Devices[deviceID]; ok {
			if existing.Ed25519Key != ed25519 {
				// public key changed: never silently rotate, keep the old entry.
				continue
			}
			row.DirectVerified = existing.DirectVerified
			row.Blocked = existing.Blocked
			row.ValidSignatures = existing.ValidSignatures
		}
		if ed25519 == t.fingerprint {
			row.DirectVerified = true
		}
		if err := t.db.StoreUserDeviceKey(ctx, t.clientID, userID, row); err != nil {
			return fmt.Errorf("failed to store device key for %s/%s: %w", userID, deviceID, err)
		}
	}
	for deviceID := range old.Devices {
		if !seen[deviceID] {
			if err := t.db.RemoveUserDeviceKey(ctx, t.clientID, userID, deviceID); err != nil {
				return fmt.Errorf("failed to remove stale device key for %s/%s: %w", userID, deviceID, err)
			}
		}
	}

	usages := []struct {
		label string
		keys  map[id.UserID]mxapi.CrossSigningKey
	}{
		{"master", resp.MasterKeys},
		{"self_signing", resp.SelfSigningKeys},
		{"user_signing", resp.UserSigningKeys},
	}
	for _, u := range usages {
		label := u.label
		csk, ok := u.keys[userID]
		if !ok {
			continue // preserve cross-signing keys of usages not addressed in this response
		}
		publicKey := firstValue(csk.Keys)
		if publicKey == "" {
			continue
		}
		row := database.CrossSigningKeyRow{PublicKey: publicKey}
		if existing, ok := old.CrossSigningKeys[label]; ok && existing.PublicKey == publicKey {
			row.DirectVerified = existing.DirectVerified
			row.Blocked = existing.Blocked
			row.ValidSignatures = existing.ValidSignatures
		}
		if err := t.db.StoreUserCrossSigningKey(ctx, t.clientID, userID, label, row); err != nil {
			return fmt.Errorf("failed to store %s cross-signing key for %s: %w", label, userID, err)
		}
	}

	return t.db.StoreUserDeviceKeysInfo(ctx, t.clientID, userID, false)
}

func firstValue(m map[string]string) string {
	for _, v := range m {
		return v
	}
	return ""
}
