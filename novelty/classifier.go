// Package novelty labels each incoming item NEW, UPDATED, REPEAT or
// LOW_SIGNAL against the user's memory snapshot. Only NEW and meaningfully
// UPDATED items proceed to ranking; REPEAT and LOW_SIGNAL are recorded for
// accounting and dropped from user-facing output.
package novelty

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/tidewater/briefd/config"
	"github.com/tidewater/briefd/fingerprint"
	"github.com/tidewater/briefd/item"
	"github.com/tidewater/briefd/memory"
)

// Label is the per-run novelty classification of one item.
type Label string

const (
	LabelNew       Label = "new"
	LabelUpdated   Label = "updated"
	LabelRepeat    Label = "repeat"
	LabelLowSignal Label = "low_signal"
)

// Surfaced reports whether items with this label reach ranking and output.
func (l Label) Surfaced() bool {
	return l == LabelNew || l == LabelUpdated
}

// Relative weight of each mutable field in the change delta. A title rewrite
// matters more than a shifted date.
var fieldDeltaWeight = map[string]float64{
	fingerprint.FieldTitle:   0.40,
	fingerprint.FieldSummary: 0.30,
	fingerprint.FieldStatus:  0.20,
	fingerprint.FieldDates:   0.10,
}

// elapsedDeltaWeight bounds how much pure staleness can contribute to the
// delta: time alone never flips a cosmetic change into UPDATED.
const elapsedDeltaWeight = 0.15

// Classification is the outcome for one item.
type Classification struct {
	Label         Label
	Reason        string   // short "what changed" text for UPDATED items
	ChangedFields []string // mutable fields whose hash differs
	Delta         float64  // computed change significance in [0,1]
}

// Classifier applies the novelty state machine. It is stateless between
// calls; all per-user state arrives as the memory snapshot.
type Classifier struct {
	cfg    config.NoveltyConfig
	logger zerolog.Logger
}

// NewClassifier creates a Classifier.
func NewClassifier(cfg config.NoveltyConfig, logger zerolog.Logger) *Classifier {
	return &Classifier{
		cfg:    cfg,
		logger: logger.With().Str("component", "novelty").Logger(),
	}
}

// Classify labels one item against its previous record (nil when the
// fingerprint has never been seen). The low-signal quality gate runs first
// and independently of recency; it is suspended while the profile has no
// learned topics, so a new user's first briefings are not empty.
func (c *Classifier) Classify(it item.Item, fieldHashes map[string]string, prev *memory.MemoryRecord, profile *memory.PreferenceProfile, now time.Time) Classification {
	if c.lowSignal(it, profile) {
		return Classification{Label: LabelLowSignal}
	}

	if prev == nil {
		return Classification{Label: LabelNew}
	}

	contentHash := fingerprint.CombineFieldHashes(fieldHashes)
	if contentHash == prev.ContentHash {
		return Classification{Label: LabelRepeat}
	}

	changed := changedFields(fieldHashes, prev.FieldHashes)
	delta := c.delta(changed, prev.LastSeenAt, now)

	// UPDATED requires continuity with what was stored before: the entity
	// tags must overlap, and the delta must clear the significance bar.
	// Anything less is the stricter REPEAT - UPDATED must never be cosmetic.
	if !tagsOverlap(it.EntityTags, prev.EntityTags) || delta < c.cfg.SignificanceThreshold {
		c.logger.Debug().
			Str("fingerprint", prev.Fingerprint).
			Float64("delta", delta).
			Strs("changed", changed).
			Msg("sub-threshold change treated as repeat")
		return Classification{Label: LabelRepeat, ChangedFields: changed, Delta: delta}
	}

	return Classification{
		Label:         LabelUpdated,
		Reason:        changeReason(changed),
		ChangedFields: changed,
		Delta:         delta,
	}
}

// lowSignal is the minimum-relevance bar: no weighted topic overlap, no VIP
// person and no urgency signal of any kind.
func (c *Classifier) lowSignal(it item.Item, profile *memory.PreferenceProfile) bool {
	if profile == nil || len(profile.TopicWeight) == 0 {
		return false // cold start: nothing learned yet, let everything through
	}
	for _, tag := range it.EntityTags {
		if profile.TopicWeight[tag] > 0 {
			return false
		}
	}
	for _, person := range it.PersonTags() {
		if profile.IsVIP(person) {
			return false
		}
	}
	if it.Deadline != nil || it.HasFlag(item.FlagBlocking) || it.HasFlag(item.FlagRequiresReply) {
		return false
	}
	return true
}

// delta combines the weighted changed-field score with a bounded
// elapsed-time component, clamped to [0,1].
func (c *Classifier) delta(changed []string, lastSeen, now time.Time) float64 {
	var fieldScore float64
	for _, name := range changed {
		fieldScore += fieldDeltaWeight[name]
	}

	var elapsedFraction float64
	if c.cfg.StaleAfter > 0 && now.After(lastSeen) {
		elapsedFraction = float64(now.Sub(lastSeen)) / float64(c.cfg.StaleAfter)
		if elapsedFraction > 1 {
			elapsedFraction = 1
		}
	}

	delta := fieldScore + elapsedDeltaWeight*elapsedFraction
	if delta > 1 {
		delta = 1
	}
	return delta
}

func changedFields(current, previous map[string]string) []string {
	var changed []string
	for name, hash := range current {
		if previous[name] != hash {
			changed = append(changed, name)
		}
	}
	sort.Strings(changed)
	return changed
}

func changeReason(changed []string) string {
	if len(changed) == 0 {
		return ""
	}
	if len(changed) == 1 {
		return fmt.Sprintf("%s changed", changed[0])
	}
	return fmt.Sprintf("%s changed", strings.Join(changed, ", "))
}

func tagsOverlap(a, b []string) bool {
	if len(a) == 0 || len(b) == 0 {
		return false
	}
	set := make(map[string]struct{}, len(a))
	for _, tag := range a {
		set[tag] = struct{}{}
	}
	for _, tag := range b {
		if _, ok := set[tag]; ok {
			return true
		}
	}
	return false
}
