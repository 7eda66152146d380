// Package pushrules adapts the teacher's matrix/pushrules package to the
// generic-JSON event model: rule/ruleset/condition matching against
// *event.Event and a narrow Room capability instead of gomatrix.Event and
// rooms.Room.
package pushrules

import "encoding/json"

// ActionType is the type of a PushAction.
type ActionType string

const (
	ActionNotify     ActionType = "notify"
	ActionDontNotify ActionType = "dont_notify"
	ActionCoalesce   ActionType = "coalesce"
	ActionSetTweak   ActionType = "set_tweak"
)

// ActionTweak is the type of the tweak in a set_tweak action.
type ActionTweak string

const (
	TweakSound     ActionTweak = "sound"
	TweakHighlight ActionTweak = "highlight"
)

// Action is a single action a matched rule triggers.
type Action struct {
	Action ActionType
	Tweak  ActionTweak
	Value  any
}

// ActionArray is an ordered list of Actions, as stored on a PushRule.
type ActionArray []*Action

// Should is the client-facing summary of what an ActionArray means:
// whether to notify, highlight, and/or play a sound.
type Should struct {
	NotifySpecified bool
	Notify          bool
	Highlight       bool
	PlaySound       bool
	SoundName       string
}

// Should parses the action array into a Should summary.
func (actions ActionArray) Should() (should Should) {
	for _, action := range actions {
		switch action.Action {
		case ActionNotify, ActionCoalesce:
			should.Notify = true
			should.NotifySpecified = true
		case ActionDontNotify:
			should.Notify = false
			should.NotifySpecified = true
		case ActionSetTweak:
			switch action.Tweak {
			case TweakHighlight:
				if b, ok := action.Value.(bool); ok {
					should.Highlight = b
				} else {
					should.Highlight = true
				}
			case TweakSound:
				should.SoundName, _ = action.Value.(string)
				should.PlaySound = len(should.SoundName) > 0
			}
		}
	}
	return
}

func (action *Action) UnmarshalJSON(raw []byte) error {
	var data any
	if err := json.Unmarshal(raw, &data); err != nil {
		return err
	}
	switch val := data.(type) {
	case string:
		action.Action = ActionType(val)
	case map[string]any:
		if tweak, ok := val["set_tweak"].(string); ok {
			action.Action = ActionSetTweak
			action.Tweak = ActionTweak(tweak)
			action.Value = val["value"]
		}
	}
	return nil
}

func (action *Action) MarshalJSON() ([]byte, error) {
	if action.Action == ActionSetTweak {
		return json.Marshal(map[string]any{"set_tweak": action.Tweak, "value": action.Value})
	}
	return json.Marshal(string(action.Action))
}
