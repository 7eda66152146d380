package pushrules

import "go.mau.fi/hicore/event"

// RuleCollection is a set of rules of one kind (override/content/room/
// sender/underride) that can be matched against an event as a unit.
type RuleCollection interface {
	GetActions(room Room, localUserID string, evt *event.Event) ActionArray
}

// RuleType is the kind of rule collection a Rule belongs to.
type RuleType string

const (
	OverrideRule  RuleType = "override"
	ContentRule   RuleType = "content"
	RoomRule      RuleType = "room"
	SenderRule    RuleType = "sender"
	UnderrideRule RuleType = "underride"
)

// Rule is a single push rule.
type Rule struct {
	Type       RuleType     `json:"-"`
	RuleID     string       `json:"rule_id"`
	Actions    ActionArray  `json:"actions"`
	Default    bool         `json:"default"`
	Enabled    bool         `json:"enabled"`
	Conditions []*Condition `json:"conditions,omitempty"`
	Pattern    string       `json:"pattern,omitempty"`
}

// Match reports whether rule applies to evt in room.
func (rule *Rule) Match(room Room, localUserID string, evt *event.Event) bool {
	if !rule.Enabled {
		return false
	}
	switch rule.Type {
	case OverrideRule, UnderrideRule:
		return rule.matchConditions(room, localUserID, evt)
	case ContentRule:
		return globMatch(rule.Pattern, evt.Body())
	case RoomRule:
		return rule.RuleID == string(evt.RoomID)
	case SenderRule:
		return rule.RuleID == string(evt.Sender)
	default:
		return false
	}
}

func (rule *Rule) matchConditions(room Room, localUserID string, evt *event.Event) bool {
	for _, cond := range rule.Conditions {
		if !cond.Match(room, localUserID, evt) {
			return false
		}
	}
	return true
}

// RuleArray is an ordered, first-match-wins list of rules (override,
// content, underride).
type RuleArray []*Rule

func (rules RuleArray) setType(typ RuleType) RuleArray {
	for _, rule := range rules {
		rule.Type = typ
	}
	return rules
}

func (rules RuleArray) GetActions(room Room, localUserID string, evt *event.Event) ActionArray {
	for _, rule := range rules {
		if rule.Match(room, localUserID, evt) {
			return rule.Actions
		}
	}
	return nil
}

// RuleMap is a room- or sender-keyed rule lookup (room, sender).
type RuleMap struct {
	Map  map[string]*Rule
	Type RuleType
}

func (rules RuleArray) setTypeAndMap(typ RuleType) RuleMap {
	m := RuleMap{Map: make(map[string]*Rule, len(rules)), Type: typ}
	for _, rule := range rules {
		rule.Type = typ
		m.Map[rule.RuleID] = rule
	}
	return m
}

func (m RuleMap) GetActions(room Room, localUserID string, evt *event.Event) ActionArray {
	var key string
	switch m.Type {
	case RoomRule:
		key = string(evt.RoomID)
	case SenderRule:
		key = string(evt.Sender)
	default:
		return nil
	}
	rule, ok := m.Map[key]
	if !ok || !rule.Match(room, localUserID, evt) {
		return nil
	}
	return rule.Actions
}

func (m RuleMap) unmap() RuleArray {
	out := make(RuleArray, 0, len(m.Map))
	for _, rule := range m.Map {
		out = append(out, rule)
	}
	return out
}
