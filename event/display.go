package event

import (
	"encoding/json"
	"sort"

	"github.com/tidwall/gjson"
)

// RelationSource is the narrow view of a Timeline that GetDisplayEvent
// needs: the set of events recorded as relating to a given target under a
// given relation type. Timeline implements this; event does not import
// timeline to avoid a dependency cycle (events are looked up by ID, not by
// pointer, per the arena-ID design).
type RelationSource interface {
	AggregatedEvents(target EventIDLike, relType string) []*Event
}

// EventIDLike lets callers pass either an id.EventID or a plain string
// without this package importing id for the single use site.
type EventIDLike interface{ String() string }

// GetDisplayEvent resolves the event that should actually be rendered for
// e: if e has been edited (an m.replace relation from the same sender, on
// an m.room.message), the latest such edit (by SortOrder) wins and its
// content becomes the returned event's content. Otherwise e itself is
// returned unchanged.
func (e *Event) GetDisplayEvent(timeline RelationSource) *Event {
	if timeline == nil {
		return e
	}
	edits := timeline.AggregatedEvents(stringEventID(e.ID), RelReplace)
	if len(edits) == 0 {
		return e
	}
	var candidates []*Event
	for _, edit := range edits {
		if edit.Sender == e.Sender && edit.Type == "m.room.message" {
			candidates = append(candidates, edit)
		}
	}
	if len(candidates) == 0 {
		return e
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].SortOrder < candidates[j].SortOrder })
	latest := candidates[len(candidates)-1]
	newContent := gjson.GetBytes(latest.Content, "m.new_content")
	if !newContent.Exists() {
		return e
	}
	clone := *e
	clone.Content = json.RawMessage(newContent.Raw)
	return &clone
}

type stringEventID string

func (s stringEventID) String() string { return string(s) }
