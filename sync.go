package hicore

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/tidwall/gjson"

	"go.mau.fi/hicore/crypt"
	"go.mau.fi/hicore/database"
	"go.mau.fi/hicore/event"
	"go.mau.fi/hicore/id"
	"go.mau.fi/hicore/mxapi"
	"go.mau.fi/hicore/pushrules"
	"go.mau.fi/hicore/room"
)

// syncCall is the in-flight sync future every concurrent caller of Sync
// funnels through, implementing the "single current sync" reentrancy
// guard from §5.
type syncCall struct {
	done chan struct{}
	err  error
}

// Sync runs one sync pass, or waits for and returns the result of an
// already in-flight one. This is the single entry point both oneShotSync
// and the background loop use, per the §5 reentrancy requirement.
func (c *Client) Sync(ctx context.Context) error {
	c.syncLock.Lock()
	if call := c.current(); call != nil {
		c.syncLock.Unlock()
		<-call.done
		return call.err
	}
	call := &syncCall{done: make(chan struct{})}
	c.setCurrent(call)
	c.syncLock.Unlock()

	err := c.syncOnce(ctx)

	c.syncLock.Lock()
	c.setCurrent(nil)
	c.syncLock.Unlock()
	call.err = err
	close(call.done)
	return err
}

// current and setCurrent are tiny helpers kept separate from the syncLock
// field itself so syncCall can live behind an ordinary field without an
// atomic.Pointer dance; callers always hold c.syncLock.
func (c *Client) current() *syncCall {
	return c.currentCall
}

func (c *Client) setCurrent(call *syncCall) {
	c.currentCall = call
}

func (c *Client) startBackgroundLoop() {
	ctx, cancel := context.WithCancel(context.Background())
	c.stopSync.Store(&cancel)
	go c.backgroundLoop(ctx)
}

func (c *Client) backgroundLoop(ctx context.Context) {
	for {
		if c.disposed.Load() || !c.IsLoggedIn() {
			return
		}
		err := c.Sync(ctx)
		if ctx.Err() != nil || c.disposed.Load() {
			return
		}
		if err != nil {
			select {
			case <-ctx.Done():
				return
			case <-time.After(syncErrorTimeout):
			}
		}
		if !c.BackgroundSync || !c.IsLoggedIn() || c.disposed.Load() {
			return
		}
	}
}

// syncOnce performs a single §4.E "Single pass": one MatrixApi.Sync call
// plus the full handle_sync/persistence/device-key/encryption pipeline.
func (c *Client) syncOnce(ctx context.Context) error {
	if c.disposed.Load() {
		return nil
	}
	c.mu.RLock()
	prevBatch := c.prevBatch
	clientID := c.clientID
	c.mu.RUnlock()

	timeout := time.Duration(0)
	if prevBatch != "" {
		timeout = 30 * time.Second
	}
	resp, err := c.API.Sync(ctx, mxapi.DefaultSyncFilter, prevBatch, timeout)
	if err != nil {
		return c.handleSyncError(ctx, err)
	}
	if c.disposed.Load() {
		return nil
	}

	handle := func(ctx context.Context) error { return c.handleSync(ctx, resp) }
	if c.DB != nil {
		err = c.DB.Transaction(ctx, handle)
	} else {
		err = handle(ctx)
	}
	if err != nil {
		c.OnSyncError.Emit(err)
		return err
	}
	if c.disposed.Load() {
		return nil
	}

	if prevBatch != resp.NextBatch && c.DB != nil {
		if err := c.DB.StorePrevBatch(ctx, clientID, resp.NextBatch); err != nil {
			c.Log.Warn().Err(err).Msg("failed to persist prev_batch")
		}
	}
	c.mu.Lock()
	c.prevBatch = resp.NextBatch
	c.mu.Unlock()

	if c.firstSynced.CompareAndSwap(false, true) {
		c.sortRoomsNow()
		c.OnFirstSync.Emit(true)
	}

	if c.DB != nil {
		cutoff := time.Now().Add(-fileRetention).UnixMilli()
		if _, err := c.DB.DeleteOldFiles(ctx, cutoff); err != nil {
			c.Log.Warn().Err(err).Msg("failed to prune file cache")
		}
	}

	if c.devices != nil {
		if err := c.devices.Update(ctx, time.Now()); err != nil {
			c.Log.Warn().Err(err).Msg("device key refresh failed")
		}
	}

	if c.disposed.Load() {
		return nil
	}

	if c.Crypto.Enabled() {
		if err := c.Crypto.OnSync(ctx); err != nil {
			c.Log.Warn().Err(err).Msg("encryption onSync hook failed")
		}
	}

	c.OnSync.Emit(resp)
	return nil
}

func (c *Client) handleSyncError(ctx context.Context, err error) error {
	sdkErr := asProtocolError(err)
	if sdkErr.Kind == KindProtocol {
		c.OnError.Emit(sdkErr)
		if sdkErr.ErrCode == "M_UNKNOWN_TOKEN" {
			c.clear(ctx)
		}
	} else {
		c.OnSyncError.Emit(sdkErr)
	}
	return sdkErr
}

// handleSync implements the handle_sync ordering: to-device, then rooms
// (join, invite, leave), then a room re-sort, then presence, then
// account-data, then device-list deltas, then one-time-key counts.
func (c *Client) handleSync(ctx context.Context, resp *mxapi.SyncResponse) error {
	for _, raw := range resp.ToDevice.Events {
		if err := c.handleToDeviceEvent(ctx, event.New(raw)); err != nil {
			return err
		}
	}

	for _, section := range []struct {
		events     map[id.RoomID]json.RawMessage
		membership room.Membership
	}{
		{resp.Rooms.Join, room.MembershipJoin},
		{resp.Rooms.Invite, room.MembershipInvite},
		{resp.Rooms.Leave, room.MembershipLeave},
	} {
		for roomID, raw := range section.events {
			if err := c.handleRoom(ctx, roomID, raw, section.membership, false); err != nil {
				return fmt.Errorf("room %s: %w", roomID, err)
			}
		}
	}

	c.sortRoomsNow()

	for _, raw := range resp.Presence.Events {
		c.OnPresence.Emit(event.New(raw))
	}

	for _, raw := range resp.AccountData.Events {
		evt := event.New(raw)
		if c.DB != nil {
			if err := c.DB.StoreAccountData(ctx, c.clientID, evt.Type, evt.Content); err != nil {
				return fmt.Errorf("account data %s: %w", evt.Type, err)
			}
		}
		if evt.Type == "m.push_rules" {
			if err := c.updatePushRules(evt.Content); err != nil {
				c.Log.Warn().Err(err).Msg("failed to apply push rules update")
			}
		}
		c.OnAccountData.Emit(EventUpdate{Kind: KindAccount, Event: evt})
	}

	if c.devices != nil {
		c.devices.MarkOutdated(resp.DeviceLists.Changed)
		c.devices.Drop(resp.DeviceLists.Left)
	}

	if c.Crypto.Enabled() && len(resp.DeviceOneTimeKeysCount) > 0 {
		counts := crypt.DeviceOneTimeKeysCount(resp.DeviceOneTimeKeysCount)
		if err := c.Crypto.HandleDeviceOneTimeKeysCount(ctx, counts); err != nil {
			return fmt.Errorf("device one-time-key counts: %w", err)
		}
	}

	return nil
}

// handleRoom implements _handle_rooms for a single room's update map
// entry: build and persist the RoomUpdate, update the in-memory room and
// its position in the sort order, then dispatch its event sections in the
// kind order the membership calls for. backfilling marks a backfill pass
// (paginated history) rather than a live sync, per the per-event sort
// order rule in §4.E.
func (c *Client) handleRoom(ctx context.Context, roomID id.RoomID, raw json.RawMessage, membership room.Membership, backfilling bool) error {
	r := c.room(roomID)
	prevMembership := r.Membership

	limited := gjson.GetBytes(raw, "timeline.limited").Bool()
	prevBatch := gjson.GetBytes(raw, "timeline.prev_batch").Str
	highlightCount := int(gjson.GetBytes(raw, "unread_notifications.highlight_count").Int())
	notifCount := int(gjson.GetBytes(raw, "unread_notifications.notification_count").Int())

	summary := room.Summary{
		JoinedCount:  int(gjson.GetBytes(raw, `summary.m\.joined_member_count`).Int()),
		InvitedCount: int(gjson.GetBytes(raw, `summary.m\.invited_member_count`).Int()),
	}
	for _, h := range gjson.GetBytes(raw, `summary.m\.heroes`).Array() {
		summary.Heroes = append(summary.Heroes, h.Str)
	}

	r.Membership = membership
	if prevBatch != "" {
		r.PrevBatch = prevBatch
	}
	r.HighlightCount = highlightCount
	r.NotificationCount = notifCount
	if len(summary.Heroes) > 0 || summary.JoinedCount > 0 || summary.InvitedCount > 0 {
		r.Summary = summary
	}

	if c.DB != nil {
		row := &database.RoomRow{
			RoomID: roomID, Membership: string(membership), PrevBatch: r.PrevBatch,
			HighlightCount: highlightCount, NotificationCount: notifCount,
			Heroes: r.Summary.Heroes, JoinedCount: r.Summary.JoinedCount, InvitedCount: r.Summary.InvitedCount,
		}
		if err := c.DB.StoreRoomUpdate(ctx, c.clientID, row); err != nil {
			return fmt.Errorf("failed to persist room update: %w", err)
		}
	}

	c.updateRoomOrder(roomID, prevMembership, membership)
	c.OnRoomUpdate.Emit(RoomUpdate{
		RoomID: roomID, Membership: membership, PrevMembership: prevMembership,
		PrevBatch: r.PrevBatch, HighlightCount: highlightCount, NotificationCount: notifCount,
		Summary: r.Summary, LimitedTimeline: limited,
	})

	if limited {
		r.ResetSortOrder()
	}

	dispatch := func(results []gjson.Result, kind EventKind) error {
		for _, res := range results {
			evt := event.New(json.RawMessage(res.Raw)).AttachToRoom(roomID)
			if err := c.handleEvent(ctx, r, evt, kind, backfilling); err != nil {
				return err
			}
		}
		return nil
	}

	timelineKind := KindTimeline
	if backfilling {
		timelineKind = KindHistory
	}

	switch membership {
	case room.MembershipJoin:
		if err := dispatch(gjson.GetBytes(raw, "state.events").Array(), KindState); err != nil {
			return err
		}
		if err := dispatch(gjson.GetBytes(raw, "timeline.events").Array(), timelineKind); err != nil {
			return err
		}
		if err := c.dispatchEphemeral(ctx, r, gjson.GetBytes(raw, "ephemeral.events").Array()); err != nil {
			return err
		}
		if err := dispatch(gjson.GetBytes(raw, "account_data.events").Array(), KindAccount); err != nil {
			return err
		}
	case room.MembershipLeave:
		if err := dispatch(gjson.GetBytes(raw, "timeline.events").Array(), timelineKind); err != nil {
			return err
		}
		if err := dispatch(gjson.GetBytes(raw, "account_data.events").Array(), KindAccount); err != nil {
			return err
		}
		if err := dispatch(gjson.GetBytes(raw, "state.events").Array(), KindState); err != nil {
			return err
		}
	case room.MembershipInvite:
		if err := dispatch(gjson.GetBytes(raw, "invite_state.events").Array(), KindInviteState); err != nil {
			return err
		}
	}
	return nil
}

// handleEvent implements _handle_event for a single state/timeline/
// account-data event (ephemeral events take the separate dispatchEphemeral
// path and never reach here): the anti-downgrade gate, sort-order
// assignment, decryption, member hydration, persistence, derived-state
// update, encryption notification, and the onEvent broadcast (plus
// call-signal streams where relevant).
func (c *Client) handleEvent(ctx context.Context, r *room.Room, evt *event.Event, kind EventKind, backfilling bool) error {
	if evt.Type == "m.room.encryption" && r.IsEncrypted() {
		newAlgorithm := gjson.GetBytes(evt.Content, "algorithm").Str
		if newAlgorithm != r.EncryptionAlgorithm() {
			c.Log.Warn().Str("room_id", string(r.ID)).Str("algorithm", newAlgorithm).
				Msg("dropping m.room.encryption downgrade attempt")
			return nil
		}
	}

	evt.SortOrder = r.NextSortOrder(backfilling)

	if evt.Type == "m.room.encrypted" && c.Crypto.Enabled() {
		// HandleEventUpdate decrypts evt in place through the shared
		// pointer (see the Encryption interface doc): a megolm-capable
		// implementation rewrites evt.Type/evt.Content to the plaintext
		// event, so everything below (persistence, state/timeline
		// dispatch, the onEvent broadcast) already sees the decrypted
		// event without us reassigning evt here.
		if err := c.Crypto.HandleEventUpdate(ctx, crypt.EventUpdate{RoomID: r.ID, Event: evt}); err != nil {
			c.Log.Warn().Err(err).Str("event_id", string(evt.ID)).Msg("failed to decrypt room event")
		}
	}

	if evt.Type == "m.room.message" && r.Membership == room.MembershipJoin && r.GetMember(string(evt.Sender)) == nil {
		c.hydrateSenderMember(ctx, r, evt.Sender)
	}

	if c.DB != nil {
		row := evt.ToRow()
		if err := c.DB.StoreEventUpdate(ctx, c.clientID, r.ID, &row); err != nil {
			return fmt.Errorf("failed to persist event %s: %w", evt.ID, err)
		}
	}

	switch kind {
	case KindState, KindTimeline, KindHistory, KindInviteState:
		if evt.Type == "m.room.redaction" {
			target := id.EventID(gjson.GetBytes(evt.Content, "redacts").Str)
			if !r.ApplyRedaction(evt) && target != "" {
				c.timelineFor(r.ID).ApplyRedaction(evt, target)
			}
		} else if evt.IsState() {
			if !r.SetState(evt) {
				c.Log.Warn().Str("event_id", string(evt.ID)).Msg("dropped stale state write")
			}
		}
		if kind == KindTimeline || kind == KindHistory {
			c.timelineFor(r.ID).Add(evt)
		}
	case KindAccount:
		r.SetRoomAccountData(evt)
	}

	if evt.Type != "m.room.encrypted" {
		if err := c.Crypto.HandleEventUpdate(ctx, crypt.EventUpdate{RoomID: r.ID, Event: evt}); err != nil {
			c.Log.Warn().Err(err).Msg("encryption handleEventUpdate failed")
		}
	}

	var should pushrules.Should
	if (kind == KindTimeline || kind == KindHistory) && evt.Sender != c.UserID() {
		should = c.evaluatePushRules(r, evt)
	}
	c.OnEvent.Emit(EventUpdate{RoomID: r.ID, Kind: kind, Event: evt, Should: should})

	if kind == KindTimeline && c.firstSynced.Load() {
		c.broadcastCallSignal(r.ID, evt)
	}
	return nil
}

// broadcastCallSignal fans a timeline event out to its dedicated
// call-signalling stream, if it is one of the four call event types.
func (c *Client) broadcastCallSignal(roomID id.RoomID, evt *event.Event) {
	signal := CallSignalEvent{RoomID: roomID, Event: evt}
	switch evt.Type {
	case "m.call.invite":
		c.OnCallInvite.Emit(signal)
	case "m.call.hangup":
		c.OnCallHangup.Emit(signal)
	case "m.call.candidates":
		c.OnCallCandidates.Emit(signal)
	case "m.call.answer":
		c.OnCallAnswer.Emit(signal)
	}
}

// hydrateSenderMember loads the sender's membership row from the database
// and injects a synthetic m.room.member state event into the room, so a
// message from a lazy-loading-omitted member still has member state to
// render against.
func (c *Client) hydrateSenderMember(ctx context.Context, r *room.Room, sender id.UserID) {
	if c.DB == nil {
		return
	}
	u, err := c.DB.GetUser(ctx, c.clientID, sender, r.ID)
	if err != nil || u == nil {
		return
	}
	content, _ := json.Marshal(map[string]any{
		"membership":  "join",
		"displayname": u.DisplayName,
		"avatar_url":  u.AvatarURL.String(),
	})
	raw, _ := json.Marshal(map[string]any{
		"type": "m.room.member", "state_key": string(sender), "sender": string(sender),
		"room_id": string(r.ID), "content": json.RawMessage(content),
	})
	member := event.New(raw)
	member.SortOrder = r.NextSortOrder(false)
	r.SetState(member)
}

// handleToDeviceEvent implements the §4.E "To-device events" step for a
// single event.
func (c *Client) handleToDeviceEvent(ctx context.Context, evt *event.Event) error {
	if evt.Type == "m.room.encrypted" && c.Crypto.Enabled() {
		plaintext, err := c.Crypto.DecryptToDeviceEvent(ctx, evt)
		if err != nil {
			c.OnOlmError.Emit(OlmError{Event: evt, Err: err})
		} else {
			evt = plaintext
		}
	}
	if err := c.Crypto.HandleToDeviceEvent(ctx, evt); err != nil {
		c.Log.Warn().Err(err).Str("type", evt.Type).Msg("encryption handleToDeviceEvent failed")
	}
	c.OnToDeviceEvent.Emit(ToDeviceEvent{Event: evt})
	switch evt.Type {
	case "m.room_key_request":
		c.OnRoomKeyRequest.Emit(ToDeviceEvent{Event: evt})
	case "m.key.verification.request":
		c.OnKeyVerificationRequest.Emit(ToDeviceEvent{Event: evt})
	}
	return nil
}

// dispatchEphemeral implements the §4.E ephemeral handling: every
// ephemeral event is recorded on the room as-is, and m.receipt deltas are
// additionally folded into a synthesized, user-keyed room-account-data
// entry (the §9 "receipt map shape" open question, resolved in favor of
// the flat form) which is then rebroadcast as an account_data update.
func (c *Client) dispatchEphemeral(ctx context.Context, r *room.Room, events []gjson.Result) error {
	for _, res := range events {
		evt := event.New(json.RawMessage(res.Raw)).AttachToRoom(r.ID)
		evt.SortOrder = 0
		r.SetEphemeral(evt)
		c.OnEvent.Emit(EventUpdate{RoomID: r.ID, Kind: KindEphemeral, Event: evt})

		if evt.Type != "m.receipt" {
			continue
		}
		receiptEvt := c.applyReceiptDelta(r, evt)
		c.OnEvent.Emit(EventUpdate{RoomID: r.ID, Kind: KindAccount, Event: receiptEvt})
		c.OnAccountData.Emit(EventUpdate{RoomID: r.ID, Kind: KindAccount, Event: receiptEvt})
	}
	return nil
}

// receiptEntry is the per-user value of the synthesized flat receipt map.
type receiptEntry struct {
	EventID string `json:"event_id"`
	TS      int64  `json:"ts"`
}

// receiptAccountDataType is the room-account-data type the flat receipt
// map is stored under. It is the same name as the wire ephemeral type
// "m.receipt"; the two representations are kept apart by where they are
// stored (Ephemerals vs RoomAccountData), not by type name.
const receiptAccountDataType = "m.receipt"

// applyReceiptDelta merges a raw m.receipt delta (keyed event_id ->
// m.read -> user_id -> {ts}) into the room's synthesized flat user-keyed
// receipt map, replacing each mentioned user's prior entry outright.
func (c *Client) applyReceiptDelta(r *room.Room, delta *event.Event) *event.Event {
	flat := map[string]receiptEntry{}
	if existing := r.GetRoomAccountData(receiptAccountDataType); existing != nil {
		_ = json.Unmarshal(existing.Content, &flat)
	}
	gjson.ParseBytes(delta.Content).ForEach(func(eventIDKey, perType gjson.Result) bool {
		perType.Get(`m\.read`).ForEach(func(userKey, info gjson.Result) bool {
			flat[userKey.Str] = receiptEntry{EventID: eventIDKey.Str, TS: info.Get("ts").Int()}
			return true
		})
		return true
	})
	content, _ := json.Marshal(flat)
	synthesized := &event.Event{Type: receiptAccountDataType, RoomID: r.ID, Content: content, OriginServerTS: time.Now().UnixMilli()}
	r.SetRoomAccountData(synthesized)
	return synthesized
}
