// Package item defines the normalized content item exchanged between source
// connectors and the briefing core. Connectors own fetching and wire formats;
// the core only ever sees this shape and never stores raw content.
package item

import (
	"errors"
	"strings"
	"time"
)

// Well-known heuristic flags a connector may attach to an item. Unknown flags
// are carried through untouched; the ranker only reacts to the ones it knows.
const (
	FlagRequiresReply          = "requires_reply"
	FlagRequiresAction         = "requires_action"
	FlagMentionsTrackedProject = "mentions_tracked_project"
	FlagBroadAudience          = "broad_audience"
	FlagBlocking               = "blocking"
)

// PersonTagPrefix marks an entity tag as referring to a person
// (e.g. "person:ada.lovelace"). Person tags feed VIP matching and promotion.
const PersonTagPrefix = "person:"

// Item is a single normalized content item for one briefing run.
type Item struct {
	Source     string     `json:"source"`              // connector module, e.g. "email", "calendar"
	Type       string     `json:"type"`                // item kind within the source, e.g. "message", "event"
	SourceID   string     `json:"source_id,omitempty"` // stable upstream identifier, may be absent
	URL        string     `json:"url,omitempty"`
	Timestamp  time.Time  `json:"timestamp"` // upstream creation/update time
	Title      string     `json:"title"`
	Summary    string     `json:"summary,omitempty"`
	Status     string     `json:"status,omitempty"`
	Deadline   *time.Time `json:"deadline,omitempty"` // explicit deadline/event time, if any
	EntityTags []string   `json:"entity_tags,omitempty"`
	Flags      []string   `json:"flags,omitempty"`
}

// Validate reports whether the item carries the fields the core requires.
// Items failing validation are skipped with a warning, never a run failure.
func (it Item) Validate() error {
	switch {
	case strings.TrimSpace(it.Source) == "":
		return errors.New("item missing source")
	case strings.TrimSpace(it.Type) == "":
		return errors.New("item missing type")
	case strings.TrimSpace(it.Title) == "":
		return errors.New("item missing title")
	case it.Timestamp.IsZero():
		return errors.New("item missing timestamp")
	}
	return nil
}

// HasFlag reports whether the item carries the given heuristic flag.
func (it Item) HasFlag(flag string) bool {
	for _, f := range it.Flags {
		if f == flag {
			return true
		}
	}
	return false
}

// PersonTags returns the subset of entity tags that name a person.
func (it Item) PersonTags() []string {
	var out []string
	for _, tag := range it.EntityTags {
		if strings.HasPrefix(tag, PersonTagPrefix) {
			out = append(out, tag)
		}
	}
	return out
}
