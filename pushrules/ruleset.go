package pushrules

import (
	"encoding/json"

	"go.mau.fi/hicore/event"
)

// Ruleset is a user's full push rule set, per r0.12.1 §13.16.1.
type Ruleset struct {
	Override  RuleArray
	Content   RuleArray
	Room      RuleMap
	Sender    RuleMap
	Underride RuleArray
}

type rawRuleset struct {
	Override  RuleArray `json:"override"`
	Content   RuleArray `json:"content"`
	Room      RuleArray `json:"room"`
	Sender    RuleArray `json:"sender"`
	Underride RuleArray `json:"underride"`
}

func (rs *Ruleset) UnmarshalJSON(raw []byte) error {
	var data rawRuleset
	if err := json.Unmarshal(raw, &data); err != nil {
		return err
	}
	rs.Override = data.Override.setType(OverrideRule)
	rs.Content = data.Content.setType(ContentRule)
	rs.Room = data.Room.setTypeAndMap(RoomRule)
	rs.Sender = data.Sender.setTypeAndMap(SenderRule)
	rs.Underride = data.Underride.setType(UnderrideRule)
	return nil
}

func (rs *Ruleset) MarshalJSON() ([]byte, error) {
	return json.Marshal(rawRuleset{
		Override:  rs.Override,
		Content:   rs.Content,
		Room:      rs.Room.unmap(),
		Sender:    rs.Sender.unmap(),
		Underride: rs.Underride,
	})
}

// DefaultActions is returned when no rule collection matches.
var DefaultActions = make(ActionArray, 0)

// GetActions matches evt against every rule collection in priority order
// (override, content, room, sender, underride) per r0.12.1 §13.16.1.4.
func (rs *Ruleset) GetActions(room Room, localUserID string, evt *event.Event) ActionArray {
	collections := []RuleCollection{rs.Override, rs.Content, rs.Room, rs.Sender, rs.Underride}
	for _, c := range collections {
		if match := c.GetActions(room, localUserID, evt); match != nil {
			return match
		}
	}
	return DefaultActions
}
