package hicore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"go.mau.fi/hicore/event"
	"go.mau.fi/hicore/id"
	"go.mau.fi/hicore/mxapi"
	"go.mau.fi/hicore/pushrules"
	"go.mau.fi/hicore/room"
)

// SendToDevicesOfUserIds addresses a plaintext to-device message to every
// device of each given user (the wildcard device ID "*" per the
// Client-Server spec) and sends it. msgID, if non-empty, is used as the
// transaction ID; otherwise one is generated.
func (c *Client) SendToDevicesOfUserIds(ctx context.Context, userIDs []id.UserID, eventType string, message json.RawMessage, msgID string) error {
	payload := make(map[id.UserID]map[id.DeviceID]json.RawMessage, len(userIDs))
	for _, u := range userIDs {
		payload[u] = map[id.DeviceID]json.RawMessage{"*": message}
	}
	if msgID == "" {
		msgID = uuid.NewString()
	}
	if err := c.API.SendToDevice(ctx, eventType, msgID, payload); err != nil {
		return asProtocolError(err)
	}
	return nil
}

// SendToDeviceEncrypted addresses an encrypted to-device message to a
// specific set of devices per user: blocked devices and this client's own
// device are always excluded; onlyVerified additionally excludes devices
// that are not directly verified. The remaining set is encrypted via
// Encryption.EncryptToDeviceMessage and sent as m.room.encrypted.
func (c *Client) SendToDeviceEncrypted(ctx context.Context, devices map[id.UserID][]id.DeviceID, eventType string, message json.RawMessage, msgID string, onlyVerified bool) error {
	ownUser, ownDevice := c.UserID(), c.deviceIDSnapshot()

	filtered := make(map[id.UserID][]id.DeviceID, len(devices))
	for userID, deviceIDs := range devices {
		keys, err := c.DB.GetUserDeviceKeys(ctx, c.clientID, userID)
		if err != nil {
			return fmt.Errorf("failed to load device keys for %s: %w", userID, err)
		}
		var kept []id.DeviceID
		for _, deviceID := range deviceIDs {
			if userID == ownUser && deviceID == ownDevice {
				continue
			}
			dk, ok := keys.Devices[deviceID]
			if !ok || dk.Blocked {
				continue
			}
			if onlyVerified && !dk.DirectVerified {
				continue
			}
			kept = append(kept, deviceID)
		}
		if len(kept) > 0 {
			filtered[userID] = kept
		}
	}
	if len(filtered) == 0 {
		return nil
	}

	encrypted, err := c.Crypto.EncryptToDeviceMessage(ctx, filtered, eventType, message)
	if err != nil {
		return newDecryptionError(ChannelCorrupted, err)
	}
	if msgID == "" {
		msgID = uuid.NewString()
	}
	if err := c.API.SendToDevice(ctx, "m.room.encrypted", msgID, encrypted); err != nil {
		return asProtocolError(err)
	}
	return nil
}

func (c *Client) deviceIDSnapshot() id.DeviceID {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.deviceID
}

// Redact redacts eventID in roomID with the given reason (may be empty).
func (c *Client) Redact(ctx context.Context, roomID id.RoomID, eventID id.EventID, reason string) error {
	if err := c.API.RedactEvent(ctx, roomID, eventID, reason, uuid.NewString()); err != nil {
		return asProtocolError(err)
	}
	return nil
}

// PushRules returns the currently cached push rule set, or nil if none
// has been loaded yet (populated from the m.push_rules account-data
// event during sync).
func (c *Client) PushRules() *pushrules.Ruleset {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.pushRules
}

// updatePushRules replaces the cached push rule set from a freshly
// received m.push_rules account-data event's content (its "global" key).
func (c *Client) updatePushRules(content json.RawMessage) error {
	var wrapper struct {
		Global pushrules.Ruleset `json:"global"`
	}
	if err := json.Unmarshal(content, &wrapper); err != nil {
		return fmt.Errorf("failed to decode push rules: %w", err)
	}
	c.mu.Lock()
	c.pushRules = &wrapper.Global
	c.mu.Unlock()
	return nil
}

// evaluatePushRules runs the cached push rule set against evt in r and
// reduces the matching rule's actions to a Should summary, for the sync
// engine's per-event highlight/notify bookkeeping. A nil rule set (not
// yet loaded) evaluates to the zero Should.
func (c *Client) evaluatePushRules(r *room.Room, evt *event.Event) pushrules.Should {
	rules := c.PushRules()
	if rules == nil {
		return pushrules.Should{}
	}
	return rules.GetActions(r, string(c.UserID()), evt).Should()
}

// EnablePushRule enables or disables a single push rule.
func (c *Client) EnablePushRule(ctx context.Context, scope, kind, ruleID string, enabled bool) error {
	if err := c.API.EnablePushRule(ctx, scope, kind, ruleID, enabled); err != nil {
		return asProtocolError(err)
	}
	return nil
}

// ChangePassword changes the account password. If the homeserver responds
// with a user-interactive-auth challenge (a 401 carrying a session ID),
// the request is retried exactly once, completing the single
// m.login.password stage this SDK supports (check_server requires the
// homeserver to advertise it, so no other stage type is handled).
func (c *Client) ChangePassword(ctx context.Context, newPassword, oldPassword string) error {
	_, err := c.API.ChangePassword(ctx, newPassword, nil)
	if err == nil {
		return nil
	}
	var uiaErr *mxapi.Error
	if !errors.As(err, &uiaErr) || uiaErr.Session == "" {
		return asProtocolError(err)
	}

	auth, marshalErr := json.Marshal(map[string]string{
		"type":     "m.login.password",
		"password": oldPassword,
		"session":  uiaErr.Session,
	})
	if marshalErr != nil {
		return fmt.Errorf("failed to encode auth stage: %w", marshalErr)
	}
	if _, err := c.API.ChangePassword(ctx, newPassword, auth); err != nil {
		return asProtocolError(err)
	}
	return nil
}
