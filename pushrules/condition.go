package pushrules

import (
	"path"
	"regexp"
	"strconv"
	"strings"

	"github.com/tidwall/gjson"

	"go.mau.fi/hicore/event"
)

// Room is the narrow room capability condition matching needs: the
// member set, for contains_display_name and room_member_count
// conditions. Grounded on the teacher's pushrules.Room interface, minus
// GetSessionOwner (this module's Room never holds a back-reference to
// the local user; callers pass localUserID explicitly instead).
type Room interface {
	GetMember(userID string) *event.Event
	GetMembers() map[string]*event.Event
}

// CondKind is the type of a push condition.
type CondKind string

const (
	KindEventMatch          CondKind = "event_match"
	KindContainsDisplayName CondKind = "contains_display_name"
	KindRoomMemberCount     CondKind = "room_member_count"
)

// Condition wraps a single requirement a PushRule's conditions list
// evaluates.
type Condition struct {
	Kind                 CondKind `json:"kind"`
	Key                  string   `json:"key,omitempty"`
	Pattern              string   `json:"pattern,omitempty"`
	MemberCountCondition string   `json:"is,omitempty"`
}

// memberCountFilterRegex parses the MemberCountCondition of a Condition.
var memberCountFilterRegex = regexp.MustCompile(`^(==|[<>]=?)?([0-9]+)$`)

// Match reports whether cond is satisfied for evt in room, given the
// local user's ID (for contains_display_name).
func (cond *Condition) Match(room Room, localUserID string, evt *event.Event) bool {
	switch cond.Kind {
	case KindEventMatch:
		return cond.matchValue(evt)
	case KindContainsDisplayName:
		return cond.matchDisplayName(room, localUserID, evt)
	case KindRoomMemberCount:
		return cond.matchMemberCount(room)
	default:
		return false
	}
}

func globMatch(pattern, value string) bool {
	ok, err := path.Match(pattern, value)
	return err == nil && ok
}

func (cond *Condition) matchValue(evt *event.Event) bool {
	key, subkey := cond.Key, ""
	if idx := strings.IndexByte(cond.Key, '.'); idx > 0 {
		key, subkey = cond.Key[:idx], cond.Key[idx+1:]
	}
	switch key {
	case "type":
		return globMatch(cond.Pattern, evt.Type)
	case "sender":
		return globMatch(cond.Pattern, string(evt.Sender))
	case "room_id":
		return globMatch(cond.Pattern, string(evt.RoomID))
	case "state_key":
		if evt.StateKey == nil {
			return cond.Pattern == ""
		}
		return globMatch(cond.Pattern, *evt.StateKey)
	case "content":
		return globMatch(cond.Pattern, gjson.GetBytes(evt.Content, subkey).String())
	default:
		return false
	}
}

func (cond *Condition) matchDisplayName(room Room, localUserID string, evt *event.Event) bool {
	if localUserID == string(evt.Sender) {
		return false
	}
	member := room.GetMember(localUserID)
	if member == nil {
		return false
	}
	displayName := gjson.GetBytes(member.Content, "displayname").String()
	if displayName == "" {
		return false
	}
	return strings.Contains(evt.Body(), displayName)
}

func (cond *Condition) matchMemberCount(room Room) bool {
	group := memberCountFilterRegex.FindStringSubmatch(cond.MemberCountCondition)
	if len(group) != 3 {
		return false
	}
	operator := group[1]
	wanted, _ := strconv.Atoi(group[2])
	count := len(room.GetMembers())
	switch operator {
	case "==", "":
		return count == wanted
	case ">":
		return count > wanted
	case ">=":
		return count >= wanted
	case "<":
		return count < wanted
	case "<=":
		return count <= wanted
	default:
		return false // unreachable: memberCountFilterRegex constrains operator
	}
}
