package hicore

import (
	"context"
	"encoding/json"
	"sort"

	"github.com/tidwall/gjson"

	"go.mau.fi/hicore/event"
	"go.mau.fi/hicore/id"
	"go.mau.fi/hicore/mxapi"
	"go.mau.fi/hicore/room"
)

// updateRoomOrder implements the §4.E "_update_rooms_by_room_update"
// rule: a room new to this client is inserted (at the front for a fresh
// invite, at the back otherwise), a room that left is removed, and an
// already-known room is left in place (sortRoomsNow reorders it).
func (c *Client) updateRoomOrder(roomID id.RoomID, prevMembership, newMembership room.Membership) {
	c.mu.Lock()
	defer c.mu.Unlock()

	idx := indexOf(c.roomOrder, roomID)
	switch {
	case newMembership == room.MembershipLeave:
		if idx >= 0 {
			c.roomOrder = append(c.roomOrder[:idx], c.roomOrder[idx+1:]...)
		}
	case idx < 0 && newMembership == room.MembershipInvite:
		c.roomOrder = append([]id.RoomID{roomID}, c.roomOrder...)
	case idx < 0:
		c.roomOrder = append(c.roomOrder, roomID)
	}
}

func indexOf(list []id.RoomID, target id.RoomID) int {
	for i, r := range list {
		if r == target {
			return i
		}
	}
	return -1
}

// SetFavorite marks or unmarks a room as a favorite, then re-sorts.
func (c *Client) SetFavorite(roomID id.RoomID, favorite bool) {
	c.mu.Lock()
	if favorite {
		c.favorites[roomID] = true
	} else {
		delete(c.favorites, roomID)
	}
	c.mu.Unlock()
	c.sortRoomsNow()
}

// sortRoomsNow implements invariant 7: before the first completed sync,
// sorting is a no-op (there is nothing meaningful to compare rooms by
// yet); with fewer than two rooms there is nothing to reorder; otherwise
// rooms are ordered favorites-first, then (if PinUnreadRooms) by
// descending notification count, then by reverse insertion order (most
// recently added first). Reentrant calls (e.g. from within handleSync
// while a prior sort is still being applied) are dropped rather than
// queued, since the next real event will trigger another sort anyway.
func (c *Client) sortRoomsNow() {
	if !c.firstSynced.Load() {
		return
	}
	if !c.sorting.CompareAndSwap(false, true) {
		return
	}
	defer c.sorting.Store(false)

	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.roomOrder) < 2 {
		return
	}

	position := make(map[id.RoomID]int, len(c.roomOrder))
	for i, roomID := range c.roomOrder {
		position[roomID] = i
	}

	sorted := make([]id.RoomID, len(c.roomOrder))
	copy(sorted, c.roomOrder)

	sort.SliceStable(sorted, func(i, j int) bool {
		a, b := sorted[i], sorted[j]
		if c.favorites[a] != c.favorites[b] {
			return c.favorites[a]
		}
		if c.PinUnreadRooms {
			ra, ba := c.rooms[a], c.rooms[b]
			if ra != nil && ba != nil && ra.NotificationCount != ba.NotificationCount {
				return ra.NotificationCount > ba.NotificationCount
			}
		}
		return position[a] > position[b]
	})
	c.roomOrder = sorted
}

// Archive performs a one-shot, timeout-0 sync with ArchiveFilter and
// returns every room the server reports as left (include_leave), each
// with its last state/timeline events applied to a scratch room.Room.
// It never touches the client's tracked rooms, roomOrder, or prev_batch
// cursor, and emits no broadcasts: per spec this is a pure read.
func (c *Client) Archive(ctx context.Context) ([]*room.Room, error) {
	resp, err := c.API.Sync(ctx, mxapi.ArchiveFilter, "", 0)
	if err != nil {
		return nil, asProtocolError(err)
	}

	out := make([]*room.Room, 0, len(resp.Rooms.Leave))
	for roomID, raw := range resp.Rooms.Leave {
		r := room.New(roomID)
		r.Membership = room.MembershipLeave
		for _, evtType := range []string{"state.events", "timeline.events"} {
			for _, res := range gjson.GetBytes(raw, evtType).Array() {
				evt := event.New(json.RawMessage(res.Raw)).AttachToRoom(roomID)
				evt.SortOrder = r.NextSortOrder(false)
				if evt.IsState() {
					r.SetState(evt)
				}
			}
		}
		out = append(out, r)
	}
	return out, nil
}
