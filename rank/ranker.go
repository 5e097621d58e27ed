// Package rank computes the bounded composite importance score for an item
// given a user's preference profile. Scoring is pure: identical (item,
// profile, now) inputs always produce bit-identical results.
package rank

import (
	"time"

	"github.com/tidewater/briefd/config"
	"github.com/tidewater/briefd/item"
	"github.com/tidewater/briefd/memory"
)

// neutralScore is the default for signals an item does not carry: an unknown
// source or a missing deadline is neutral, not worthless.
const neutralScore = 0.5

// vipBoost is added to relevance when a tagged person is a VIP identity.
const vipBoost = 0.25

// urgencyWindow is the deadline horizon: a deadline this far out scores 0
// urgency, one due now (or overdue) scores 1.
const urgencyWindow = 7 * 24 * time.Hour

// Flag-driven heuristic scores. The highest matching flag wins; items
// without any known flag fall back to the floor value.
var (
	impactByFlag = map[string]float64{
		item.FlagBlocking:               0.90,
		item.FlagMentionsTrackedProject: 0.80,
		item.FlagBroadAudience:          0.60,
	}
	actionabilityByFlag = map[string]float64{
		item.FlagRequiresReply:  0.90,
		item.FlagRequiresAction: 0.80,
		item.FlagBlocking:       0.70,
	}
	impactFloor        = 0.30
	actionabilityFloor = 0.20
)

// Result carries the five sub-scores and the final weighted combination,
// all in [0,1].
type Result struct {
	Relevance     float64 `json:"relevance"`
	Urgency       float64 `json:"urgency"`
	Credibility   float64 `json:"credibility"`
	Impact        float64 `json:"impact"`
	Actionability float64 `json:"actionability"`
	Final         float64 `json:"final"`
}

// Ranker scores items with a fixed weighted sum. The weights come from
// configuration so tuning never touches this code.
type Ranker struct {
	weights config.RankWeights
}

// NewRanker creates a Ranker with the given combination weights.
func NewRanker(weights config.RankWeights) *Ranker {
	return &Ranker{weights: weights}
}

// Score computes the ranking result for one item. now is the urgency
// feature's explicit temporal input; nothing else depends on call time.
func (r *Ranker) Score(it item.Item, profile *memory.PreferenceProfile, now time.Time) Result {
	res := Result{
		Relevance:     relevance(it, profile),
		Urgency:       urgency(it.Deadline, now),
		Credibility:   credibility(it.Source, profile),
		Impact:        flagScore(it, impactByFlag, impactFloor),
		Actionability: flagScore(it, actionabilityByFlag, actionabilityFloor),
	}
	res.Final = clamp01(res.Relevance*r.weights.Relevance +
		res.Urgency*r.weights.Urgency +
		res.Credibility*r.weights.Credibility +
		res.Impact*r.weights.Impact +
		res.Actionability*r.weights.Actionability)
	return res
}

// relevance is the mean learned weight of the item's entity tags, boosted
// when a tagged person is a VIP.
func relevance(it item.Item, profile *memory.PreferenceProfile) float64 {
	if len(it.EntityTags) == 0 {
		return 0
	}
	var sum float64
	for _, tag := range it.EntityTags {
		sum += profile.TopicWeight[tag]
	}
	score := sum / float64(len(it.EntityTags))

	for _, person := range it.PersonTags() {
		if profile.IsVIP(person) {
			score += vipBoost
			break
		}
	}
	return clamp01(score)
}

// urgency maps deadline proximity into [0,1]. No deadline is neutral; due
// or overdue saturates at 1.
func urgency(deadline *time.Time, now time.Time) float64 {
	if deadline == nil {
		return neutralScore
	}
	remaining := deadline.Sub(now)
	if remaining <= 0 {
		return 1
	}
	if remaining >= urgencyWindow {
		return 0
	}
	return clamp01(1 - float64(remaining)/float64(urgencyWindow))
}

func credibility(source string, profile *memory.PreferenceProfile) float64 {
	if trust, ok := profile.SourceTrust[source]; ok {
		return clamp01(trust)
	}
	return neutralScore
}

func flagScore(it item.Item, byFlag map[string]float64, floor float64) float64 {
	score := floor
	for _, flag := range it.Flags {
		if v, ok := byFlag[flag]; ok && v > score {
			score = v
		}
	}
	return clamp01(score)
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
