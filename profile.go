package hicore

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/tidwall/gjson"

	"go.mau.fi/hicore/event"
	"go.mau.fi/hicore/id"
	"go.mau.fi/hicore/mxapi"
)

// memberProfile reads the displayname/avatar_url a membership event
// carries.
func memberProfile(member *event.Event) *mxapi.Profile {
	return &mxapi.Profile{
		DisplayName: gjson.GetBytes(member.Content, "displayname").Str,
		AvatarURL:   id.ParseOrEmpty(gjson.GetBytes(member.Content, "avatar_url").Str),
	}
}

// OwnProfile resolves the local user's own display name/avatar: if every
// room the client has a join membership event in agrees on it, that
// shared value is used directly (no network round trip); otherwise (or
// if no rooms are known yet) it is fetched from the homeserver.
func (c *Client) OwnProfile(ctx context.Context) (*mxapi.Profile, error) {
	userID := c.UserID()

	c.mu.RLock()
	var agreed *mxapi.Profile
	disagree := false
	for _, r := range c.rooms {
		member := r.GetMember(string(userID))
		if member == nil || member.Membership() != "join" {
			continue
		}
		p := memberProfile(member)
		if agreed == nil {
			agreed = p
		} else if *agreed != *p {
			disagree = true
		}
	}
	c.mu.RUnlock()

	if agreed != nil && !disagree {
		return agreed, nil
	}
	profile, err := c.API.RequestProfile(ctx, userID)
	if err != nil {
		return nil, asProtocolError(err)
	}
	return profile, nil
}

// GetProfileFromUserId resolves userID's profile: first from a known
// room's membership state if getFromRooms is set, then from the
// per-session cache, and finally from the homeserver (populating the
// cache on success).
func (c *Client) GetProfileFromUserId(ctx context.Context, userID id.UserID, getFromRooms bool) (*mxapi.Profile, error) {
	if getFromRooms {
		c.mu.RLock()
		for _, r := range c.rooms {
			if member := r.GetMember(string(userID)); member != nil {
				switch member.Membership() {
				case "join", "invite":
					p := memberProfile(member)
					c.mu.RUnlock()
					return p, nil
				}
			}
		}
		c.mu.RUnlock()
	}

	c.mu.RLock()
	cached, ok := c.profileCache[userID]
	c.mu.RUnlock()
	if ok {
		return cached, nil
	}

	profile, err := c.API.RequestProfile(ctx, userID)
	if err != nil {
		return nil, asProtocolError(err)
	}
	c.mu.Lock()
	c.profileCache[userID] = profile
	c.mu.Unlock()
	return profile, nil
}

// SetAvatar uploads data as the local user's new avatar and points the
// profile at it. declaredContentType, if empty, is sniffed from data.
func (c *Client) SetAvatar(ctx context.Context, data []byte, declaredContentType, fileName string) error {
	contentType := event.ContentType(data, declaredContentType)
	uri, err := c.API.Upload(ctx, data, contentType, fileName)
	if err != nil {
		return asProtocolError(err)
	}
	if err := c.API.SetAvatarURL(ctx, c.UserID(), uri); err != nil {
		return asProtocolError(err)
	}
	c.mu.Lock()
	delete(c.profileCache, c.userID)
	c.mu.Unlock()
	return nil
}

// ignoredUserListType is the account-data event type storing the ignore
// list, per the Matrix spec.
const ignoredUserListType = "m.ignored_user_list"

// IgnoreUser adds userID to the ignore list: it validates the Matrix ID
// grammar, rewrites m.ignored_user_list account-data both on the
// homeserver and locally, and clears the local message cache (invariant
// 6: a freshly ignored user's past messages stop rendering immediately
// rather than waiting for the next sync to drop them).
func (c *Client) IgnoreUser(ctx context.Context, userID id.UserID) error {
	return c.setIgnored(ctx, userID, true)
}

// UnignoreUser removes userID from the ignore list.
func (c *Client) UnignoreUser(ctx context.Context, userID id.UserID) error {
	return c.setIgnored(ctx, userID, false)
}

func (c *Client) setIgnored(ctx context.Context, userID id.UserID, ignored bool) error {
	if !id.IsValidUserID(string(userID)) {
		return newValidationError("invalid user ID %q", userID)
	}

	data, err := c.DB.GetAccountData(ctx, c.clientID)
	if err != nil {
		return fmt.Errorf("failed to load account data: %w", err)
	}
	list := map[string]any{}
	if raw, ok := data[ignoredUserListType]; ok {
		_ = json.Unmarshal(raw, &list)
	}
	users, _ := list["ignored_users"].(map[string]any)
	if users == nil {
		users = map[string]any{}
	}
	if ignored {
		users[string(userID)] = map[string]any{}
	} else {
		delete(users, string(userID))
	}
	list["ignored_users"] = users

	content, err := json.Marshal(list)
	if err != nil {
		return fmt.Errorf("failed to encode ignore list: %w", err)
	}

	if err := c.API.SetAccountData(ctx, c.UserID(), ignoredUserListType, content); err != nil {
		return asProtocolError(err)
	}
	if err := c.DB.StoreAccountData(ctx, c.clientID, ignoredUserListType, content); err != nil {
		return fmt.Errorf("failed to persist ignore list: %w", err)
	}
	if err := c.DB.ClearCache(ctx, c.clientID); err != nil {
		c.Log.Warn().Err(err).Msg("failed to clear message cache after ignore list change")
	}

	raw, _ := json.Marshal(map[string]any{"type": ignoredUserListType, "content": json.RawMessage(content)})
	c.OnAccountData.Emit(EventUpdate{Kind: KindAccount, Event: event.New(raw)})
	return nil
}
