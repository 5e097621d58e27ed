package memory

import "time"

// MemoryRecord is the durable per-user state for one item fingerprint: the
// last-known content hash plus bookkeeping for novelty classification. It is
// created on first sight and mutated on every later sighting; it is deleted
// only by retention pruning or an explicit user erasure.
type MemoryRecord struct {
	UserID      string            `json:"user_id"`
	Fingerprint string            `json:"fingerprint"`
	ContentHash string            `json:"content_hash"`
	FieldHashes map[string]string `json:"field_hashes,omitempty"` // per mutable field, for change reasons
	Source      string            `json:"source"`
	Type        string            `json:"type"`
	EntityTags  []string          `json:"entity_tags,omitempty"`
	FirstSeenAt time.Time         `json:"first_seen_at"`
	LastSeenAt  time.Time         `json:"last_seen_at"`
	SeenCount   int64             `json:"seen_count"` // monotonically non-decreasing
}

// Verbosity presets for ContentPreferences. "brief" shows one item per
// module by default; "detailed" opens the default view to the module hard
// cap. An empty or unknown value keeps the configured default.
const (
	VerbosityBrief    = "brief"
	VerbosityDetailed = "detailed"
)

// ContentPreferences holds per-user presentation knobs the selector reads.
type ContentPreferences struct {
	Verbosity        string `json:"verbosity,omitempty"` // VerbosityBrief or VerbosityDetailed
	MaxItems         int    `json:"max_items,omitempty"`
	MaxPerModule     int    `json:"max_per_module,omitempty"`
	VisiblePerModule int    `json:"visible_per_module,omitempty"`
}

// PreferenceProfile is the per-user learned state consumed by ranking and
// mutated only by consolidation (or explicit user edits upstream). All
// weights live in [0,1]; Clamp enforces that before every persist.
type PreferenceProfile struct {
	UserID        string             `json:"user_id"`
	Version       int64              `json:"version"`
	TopicWeight   map[string]float64 `json:"topic_weight"`
	VIPIdentities map[string]bool    `json:"vip_identities"`
	SourceTrust   map[string]float64 `json:"source_trust"`
	ContentPrefs  ContentPreferences `json:"content_prefs"`
	UpdatedAt     time.Time          `json:"updated_at"`
}

// NewProfile returns an empty profile for a user who has no stored one yet.
func NewProfile(userID string) *PreferenceProfile {
	return &PreferenceProfile{
		UserID:        userID,
		TopicWeight:   make(map[string]float64),
		VIPIdentities: make(map[string]bool),
		SourceTrust:   make(map[string]float64),
	}
}

// Clamp forces every weight into [0,1]. Out-of-range values are a corruption
// guard case: they are clamped rather than propagated.
func (p *PreferenceProfile) Clamp() {
	for topic, w := range p.TopicWeight {
		p.TopicWeight[topic] = clamp01(w)
	}
	for source, w := range p.SourceTrust {
		p.SourceTrust[source] = clamp01(w)
	}
}

// IsVIP reports whether the given person tag is a VIP identity.
func (p *PreferenceProfile) IsVIP(person string) bool {
	return p.VIPIdentities[person]
}

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}

// ConsolidationCheckpoint marks how far feedback has been folded into the
// profile. LastEventID is the authoritative high-water mark: event ids are
// assigned in append order, so an id comparison never loses an event that
// shares a timestamp second with the last folded one. The timestamp is kept
// for scheduling and display.
type ConsolidationCheckpoint struct {
	UserID             string    `json:"user_id"`
	LastEventID        int64     `json:"last_event_id"`
	LastConsolidatedAt time.Time `json:"last_consolidated_at"`
}

// SourceCursor is the per-user, per-source bookmark of how far a user's data
// has been consumed. It advances only inside a run's atomic batch write, so
// a failed run leaves the window untouched for the next run to re-cover.
type SourceCursor struct {
	UserID        string    `json:"user_id"`
	Source        string    `json:"source"`
	LastCheckedAt time.Time `json:"last_checked_at"`
}

// EventType enumerates the accepted feedback event kinds. Unknown types are
// rejected at the append boundary, not silently accepted.
type EventType string

const (
	EventOpen         EventType = "open"
	EventSave         EventType = "save"
	EventDismiss      EventType = "dismiss"
	EventThumbUp      EventType = "thumb_up"
	EventThumbDown    EventType = "thumb_down"
	EventLessLikeThis EventType = "less_like_this"
	EventMarkSeen     EventType = "mark_seen"
)

// Positive reports whether the event should reward the item's topics.
func (t EventType) Positive() bool {
	return t == EventOpen || t == EventSave || t == EventThumbUp
}

// Negative reports whether the event should punish the item's topics.
// mark_seen is deliberately neither: it clears the item without judging it.
func (t EventType) Negative() bool {
	return t == EventDismiss || t == EventThumbDown || t == EventLessLikeThis
}

// Valid reports whether the event type is part of the fixed enumeration.
func (t EventType) Valid() bool {
	switch t {
	case EventOpen, EventSave, EventDismiss, EventThumbUp,
		EventThumbDown, EventLessLikeThis, EventMarkSeen:
		return true
	}
	return false
}

// FeedbackEvent is one append-only user reaction to a surfaced item. Events
// are immutable once written and consumed in batches by consolidation.
type FeedbackEvent struct {
	ID          int64     `json:"id"`
	UserID      string    `json:"user_id"`
	Fingerprint string    `json:"item_fingerprint"`
	EventType   EventType `json:"event_type"`
	CreatedAt   time.Time `json:"created_at"`
	Payload     string    `json:"payload,omitempty"`
}

// RecordUpsert is one record mutation inside a run batch. InsertNew marks a
// first sighting; UpdateContent carries the new hashes for an UPDATED item.
type RecordUpsert struct {
	Fingerprint string
	Source      string
	Type        string
	EntityTags  []string
	SeenAt      time.Time
	// Content hashes. For a REPEAT sighting UpdateContent is false and the
	// stored hash is left untouched.
	UpdateContent bool
	ContentHash   string
	FieldHashes   map[string]string
}

// RunItem is the per-item accounting row for one run: every classification
// is recorded, including the ones dropped from user-facing output, so that
// consolidation can compute engagement rates over what was actually shown.
type RunItem struct {
	Fingerprint string
	Source      string
	Label       string
	FinalScore  float64
	Surfaced    bool
}

// RunBatch is the complete write set of one briefing run. The store applies
// it in a single transaction: records, cursors, run row and accounting all
// land together or not at all.
type RunBatch struct {
	RunID      string
	UserID     string
	Status     string
	StartedAt  time.Time
	FinishedAt time.Time
	Warnings   []string
	Records    []RecordUpsert
	Items      []RunItem
	Cursors    []SourceCursor
}

// SourceStats aggregates shown/engaged counts for one source inside the
// consolidation window. Observed engagement is engaged/shown.
type SourceStats struct {
	Source  string
	Shown   int64
	Engaged int64
}
