// Package consolidate folds accumulated feedback events into the per-user
// preference profile: topic weight steps, VIP promotion, source-trust moving
// averages and decay of untouched interests. Consolidation is checkpointed
// so a retried job never double-applies a batch.
package consolidate

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/samber/lo"

	"github.com/tidewater/briefd/config"
	"github.com/tidewater/briefd/item"
	"github.com/tidewater/briefd/memory"
)

// neutralTrust is the prior for a source with no learned trust yet.
const neutralTrust = 0.5

// ProfileDelta summarizes what one consolidation run changed. A Skipped
// delta signals an under-sized batch; it is not an error.
type ProfileDelta struct {
	Skipped       bool
	EventsApplied int
	TopicChanges  map[string]float64 // topic -> net weight change
	PromotedVIPs  []string
	TrustChanges  map[string]float64 // source -> net trust change
	DecayedTopics int
	LastEventID   int64
	CheckpointAt  time.Time
}

// Consolidator runs the learning loop against the memory store.
type Consolidator struct {
	store  *memory.Store
	cfg    config.ConsolidationConfig
	logger zerolog.Logger
}

// NewConsolidator creates a Consolidator.
func NewConsolidator(store *memory.Store, cfg config.ConsolidationConfig, logger zerolog.Logger) *Consolidator {
	return &Consolidator{
		store:  store,
		cfg:    cfg,
		logger: logger.With().Str("component", "consolidator").Logger(),
	}
}

// Consolidate folds every feedback event appended after the user's
// checkpoint (by event id) into the preference profile, then advances the
// checkpoint in the same transaction as the profile write. Batches below the
// minimum size are skipped so a single stray event cannot swing the profile.
//
// Callers must hold the same per-user lock as briefing runs: both sides
// read and write the profile.
func (c *Consolidator) Consolidate(ctx context.Context, userID string, now time.Time) (*ProfileDelta, error) {
	checkpoint, err := c.store.Checkpoint(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("load checkpoint: %w", err)
	}
	events, err := c.store.FeedbackAfter(ctx, userID, checkpoint.LastEventID)
	if err != nil {
		return nil, fmt.Errorf("load feedback: %w", err)
	}
	if len(events) < c.cfg.MinBatchSize {
		c.logger.Info().
			Str("user_id", userID).
			Int("events", len(events)).
			Int("min_batch", c.cfg.MinBatchSize).
			Msg("consolidation skipped: batch below minimum size")
		return &ProfileDelta{Skipped: true}, nil
	}

	profile, err := c.store.Profile(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("load profile: %w", err)
	}

	before := snapshotWeights(profile)

	touched, err := c.applyTopicSteps(ctx, userID, events, profile)
	if err != nil {
		return nil, err
	}
	promoted, err := c.promoteVIPs(ctx, userID, profile, now)
	if err != nil {
		return nil, err
	}
	if err := c.updateSourceTrust(ctx, userID, profile, now); err != nil {
		return nil, err
	}
	decayed := decayUntouched(profile, touched, c.cfg.DecayFactor)

	last := events[len(events)-1]
	next := memory.ConsolidationCheckpoint{
		UserID:             userID,
		LastEventID:        last.ID,
		LastConsolidatedAt: last.CreatedAt,
	}
	if err := c.store.ApplyConsolidation(ctx, profile, next); err != nil {
		return nil, fmt.Errorf("apply consolidation: %w", err)
	}

	delta := &ProfileDelta{
		EventsApplied: len(events),
		TopicChanges:  diffWeights(before.topics, profile.TopicWeight),
		PromotedVIPs:  promoted,
		TrustChanges:  diffWeights(before.trust, profile.SourceTrust),
		DecayedTopics: decayed,
		LastEventID:   next.LastEventID,
		CheckpointAt:  next.LastConsolidatedAt,
	}
	c.logger.Info().
		Str("user_id", userID).
		Int("events", delta.EventsApplied).
		Int("topics_changed", len(delta.TopicChanges)).
		Strs("promoted_vips", delta.PromotedVIPs).
		Int("decayed_topics", delta.DecayedTopics).
		Int64("last_event_id", delta.LastEventID).
		Time("checkpoint", delta.CheckpointAt).
		Msg("consolidation complete")
	return delta, nil
}

// applyTopicSteps walks the batch and nudges topic weights: a larger step up
// for positive events than down for negative ones, so the profile is slower
// to punish than to reward. Returns the set of topics the batch touched.
//
// A failed record read aborts the run: the checkpoint must not advance past
// events whose topics were never folded. Fingerprints merely absent from the
// returned map (pruned or unknown items) still consume the batch; they just
// carry no topics to move.
func (c *Consolidator) applyTopicSteps(ctx context.Context, userID string, events []memory.FeedbackEvent, profile *memory.PreferenceProfile) (map[string]struct{}, error) {
	fps := lo.Uniq(lo.Map(events, func(ev memory.FeedbackEvent, _ int) string { return ev.Fingerprint }))
	records, err := c.store.RecordsByFingerprint(ctx, userID, fps)
	if err != nil {
		return nil, fmt.Errorf("load records for feedback batch: %w", err)
	}

	touched := make(map[string]struct{})
	for _, ev := range events {
		var step float64
		switch {
		case ev.EventType.Positive():
			step = c.cfg.PositiveStep
		case ev.EventType.Negative():
			step = -c.cfg.NegativeStep
		default:
			continue // mark_seen clears the item without judging it
		}
		rec, ok := records[ev.Fingerprint]
		if !ok {
			continue
		}
		for _, topic := range rec.EntityTags {
			profile.TopicWeight[topic] = clamp01(profile.TopicWeight[topic] + step)
			touched[topic] = struct{}{}
		}
	}
	return touched, nil
}

// promoteVIPs adds any person tagged on enough distinct positively-received
// items within the lookback window. Promotion is one-directional: nothing
// here ever demotes.
func (c *Consolidator) promoteVIPs(ctx context.Context, userID string, profile *memory.PreferenceProfile, now time.Time) ([]string, error) {
	since := now.Add(-c.cfg.Lookback.Duration())
	positives, err := c.store.PositiveFeedbackSince(ctx, userID, since)
	if err != nil {
		return nil, fmt.Errorf("load positive feedback window: %w", err)
	}
	if len(positives) == 0 {
		return nil, nil
	}

	fps := lo.Uniq(lo.Map(positives, func(ev memory.FeedbackEvent, _ int) string { return ev.Fingerprint }))
	records, err := c.store.RecordsByFingerprint(ctx, userID, fps)
	if err != nil {
		return nil, fmt.Errorf("load records for vip window: %w", err)
	}

	itemsPerPerson := make(map[string]map[string]struct{})
	for _, fp := range fps {
		rec, ok := records[fp]
		if !ok {
			continue
		}
		for _, tag := range rec.EntityTags {
			if !isPersonTag(tag) {
				continue
			}
			if itemsPerPerson[tag] == nil {
				itemsPerPerson[tag] = make(map[string]struct{})
			}
			itemsPerPerson[tag][fp] = struct{}{}
		}
	}

	var promoted []string
	for person, itemSet := range itemsPerPerson {
		if len(itemSet) >= c.cfg.VIPThreshold && !profile.VIPIdentities[person] {
			profile.VIPIdentities[person] = true
			promoted = append(promoted, person)
		}
	}
	return promoted, nil
}

// updateSourceTrust moves each source's trust toward its observed engagement
// rate with an exponential moving average, but only when the source was
// shown often enough in the window for the rate to mean anything.
func (c *Consolidator) updateSourceTrust(ctx context.Context, userID string, profile *memory.PreferenceProfile, now time.Time) error {
	since := now.Add(-c.cfg.Lookback.Duration())
	stats, err := c.store.SourceStats(ctx, userID, since)
	if err != nil {
		return fmt.Errorf("load source stats: %w", err)
	}
	for source, st := range stats {
		if st.Shown < c.cfg.TrustMinShown {
			continue
		}
		observed := float64(st.Engaged) / float64(st.Shown)
		old, ok := profile.SourceTrust[source]
		if !ok {
			old = neutralTrust
		}
		profile.SourceTrust[source] = clamp01((1-c.cfg.TrustAlpha)*old + c.cfg.TrustAlpha*observed)
	}
	return nil
}

// decayUntouched fades topics the batch never mentioned, letting stale
// interests drift down without requiring negative feedback.
func decayUntouched(profile *memory.PreferenceProfile, touched map[string]struct{}, factor float64) int {
	decayed := 0
	for topic, w := range profile.TopicWeight {
		if _, ok := touched[topic]; ok {
			continue
		}
		profile.TopicWeight[topic] = clamp01(w * factor)
		decayed++
	}
	return decayed
}

type weightSnapshot struct {
	topics map[string]float64
	trust  map[string]float64
}

func snapshotWeights(p *memory.PreferenceProfile) weightSnapshot {
	return weightSnapshot{
		topics: lo.Assign(map[string]float64{}, p.TopicWeight),
		trust:  lo.Assign(map[string]float64{}, p.SourceTrust),
	}
}

func diffWeights(before, after map[string]float64) map[string]float64 {
	out := make(map[string]float64)
	for key, now := range after {
		if prev := before[key]; now != prev {
			out[key] = now - prev
		}
	}
	for key, prev := range before {
		if _, ok := after[key]; !ok {
			out[key] = -prev
		}
	}
	return out
}

func isPersonTag(tag string) bool {
	return len(tag) > len(item.PersonTagPrefix) && tag[:len(item.PersonTagPrefix)] == item.PersonTagPrefix
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
