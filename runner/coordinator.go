// Package runner sequences one briefing run per user: fingerprint, novelty
// classification, ranking and selection over a single memory snapshot,
// followed by one atomic batch write. It owns the run state machine, the
// time budget and cursor advancement.
package runner

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/tidewater/briefd/config"
	"github.com/tidewater/briefd/fingerprint"
	"github.com/tidewater/briefd/item"
	"github.com/tidewater/briefd/memory"
	"github.com/tidewater/briefd/novelty"
	"github.com/tidewater/briefd/rank"
	"github.com/tidewater/briefd/selector"
)

// SourceBatch is one connector's contribution to a run: the normalized items
// fetched for a source, or the fetch error if the connector failed. Batches
// arrive in priority order; when the budget runs out the tail is skipped.
type SourceBatch struct {
	Source string
	Items  []item.Item
	Err    error
}

// Coordinator runs briefings. All per-user work between the snapshot read
// and the batch write is single-threaded under the user's lock; runs for
// different users proceed independently.
type Coordinator struct {
	store      *memory.Store
	classifier *novelty.Classifier
	ranker     *rank.Ranker
	cfg        *config.Config
	locks      *UserLocks
	logger     zerolog.Logger
}

// NewCoordinator creates a Coordinator. The lock registry is shared with
// the consolidator so briefing runs and consolidation never interleave for
// one user.
func NewCoordinator(store *memory.Store, cfg *config.Config, locks *UserLocks, logger zerolog.Logger) *Coordinator {
	return &Coordinator{
		store:      store,
		classifier: novelty.NewClassifier(cfg.Novelty, logger),
		ranker:     rank.NewRanker(cfg.RankWeights),
		cfg:        cfg,
		locks:      locks,
		logger:     logger.With().Str("component", "coordinator").Logger(),
	}
}

// Run executes one briefing for a user. now is the run's logical time: it
// stamps cursors, record sightings and the urgency feature. The wall-clock
// budget is tracked separately.
//
// A budget overrun skips the remaining source batches and degrades the run.
// A failure in the batched memory write is fatal for the run: no bundle, no
// cursor movement, no partial record mutation.
func (c *Coordinator) Run(ctx context.Context, userID string, batches []SourceBatch, now time.Time) (*Bundle, error) {
	c.locks.Lock(userID)
	defer c.locks.Unlock(userID)

	runID := uuid.NewString()
	startedWall := time.Now()
	logger := c.logger.With().Str("run_id", runID).Str("user_id", userID).Logger()
	logger.Info().Int("batches", len(batches)).Msg("run started")

	// One read pass: the snapshot every classification works against.
	records, err := c.store.Records(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("read memory snapshot: %w", err)
	}
	profile, err := c.store.Profile(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("read profile: %w", err)
	}

	state := newRunState(runID, userID, now)
	for i, batch := range batches {
		if c.budgetExceeded(ctx, startedWall) {
			state.skipRemaining(batches[i:])
			state.warn("run budget exceeded, skipped %d remaining sources", len(batches)-i)
			logger.Warn().Int("skipped_sources", len(batches)-i).Msg("run budget exceeded")
			break
		}
		c.processBatch(batch, records, profile, state, now, logger)
	}

	selection := selector.Select(state.candidates, c.effectiveCaps(profile))
	state.markSurfaced(selection)

	finishedWall := time.Now()
	bundle := state.buildBundle(selection, now, finishedWall.Sub(startedWall))

	if err := c.store.ApplyRunBatch(ctx, state.batch(bundle.Status, now)); err != nil {
		logger.Error().Err(err).Msg("run failed: memory batch write")
		return nil, fmt.Errorf("apply run batch: %w", err)
	}

	logger.Info().
		Str("status", string(bundle.Status)).
		Int("highlights", len(bundle.Highlights)).
		Int("modules", len(bundle.Modules)).
		Dur("latency", bundle.Latency).
		Msg("run complete")
	return bundle, nil
}

func (c *Coordinator) budgetExceeded(ctx context.Context, startedWall time.Time) bool {
	select {
	case <-ctx.Done():
		return true
	default:
	}
	return time.Since(startedWall) > c.cfg.Run.Budget.Duration()
}

// effectiveCaps overlays the user's own content preferences onto the
// configured selection caps. Verbosity sets the default visible count per
// module; the numeric preferences then tighten, never widen.
func (c *Coordinator) effectiveCaps(profile *memory.PreferenceProfile) config.SelectionConfig {
	caps := c.cfg.Selection
	prefs := profile.ContentPrefs
	switch prefs.Verbosity {
	case memory.VerbosityBrief:
		caps.ModuleDefaultCap = 1
	case memory.VerbosityDetailed:
		caps.ModuleDefaultCap = caps.ModuleHardCap
	}
	if prefs.MaxItems > 0 && prefs.MaxItems < caps.GlobalCap {
		caps.GlobalCap = prefs.MaxItems
	}
	if prefs.MaxPerModule > 0 && prefs.MaxPerModule < caps.ModuleHardCap {
		caps.ModuleHardCap = prefs.MaxPerModule
	}
	if prefs.VisiblePerModule > 0 && prefs.VisiblePerModule < caps.ModuleDefaultCap {
		caps.ModuleDefaultCap = prefs.VisiblePerModule
	}
	return caps
}

func (c *Coordinator) processBatch(batch SourceBatch, records map[string]memory.MemoryRecord, profile *memory.PreferenceProfile, state *runState, now time.Time, logger zerolog.Logger) {
	if batch.Err != nil {
		state.moduleFailed(batch.Source)
		state.warn("source %s failed: %v", batch.Source, batch.Err)
		logger.Warn().Str("source", batch.Source).Err(batch.Err).Msg("source batch errored, cursor frozen")
		return
	}

	module := state.module(batch.Source)
	for _, it := range batch.Items {
		if err := it.Validate(); err != nil {
			state.warn("skipped malformed item from %s: %v", batch.Source, err)
			logger.Warn().Str("source", batch.Source).Err(err).Msg("skipped malformed item")
			continue
		}

		fp := fingerprint.Fingerprint(it)
		if state.seenThisRun(fp) {
			// The same logical item twice in one window is one sighting.
			logger.Debug().Str("fingerprint", fp).Msg("duplicate fingerprint within run, skipped")
			continue
		}

		fieldHashes := fingerprint.FieldHashes(it)
		var prev *memory.MemoryRecord
		if rec, ok := records[fp]; ok {
			prev = &rec
		}

		cls := c.classifier.Classify(it, fieldHashes, prev, profile, now)
		state.recordSighting(fp, it, cls, fieldHashes, now)

		if !cls.Label.Surfaced() {
			continue
		}

		switch cls.Label {
		case novelty.LabelNew:
			module.NewCount++
		case novelty.LabelUpdated:
			module.UpdatedCount++
		}

		firstSeen := now
		if prev != nil {
			firstSeen = prev.FirstSeenAt
		}
		state.candidates = append(state.candidates, selector.Candidate{
			Item:        it,
			Fingerprint: fp,
			Label:       cls.Label,
			Reason:      cls.Reason,
			Scores:      c.ranker.Score(it, profile, now),
			FirstSeenAt: firstSeen,
		})
	}

	// The source contributed successfully; its cursor advances to the run
	// window end, inside the same atomic batch as the records.
	state.cursors = append(state.cursors, memory.SourceCursor{
		UserID:        state.userID,
		Source:        batch.Source,
		LastCheckedAt: now,
	})
}

// runState accumulates everything a run computes before the single batch
// write at the end.
type runState struct {
	runID     string
	userID    string
	startedAt time.Time

	warnings   []string
	records    []memory.RecordUpsert
	runItems   []memory.RunItem
	cursors    []memory.SourceCursor
	candidates []selector.Candidate

	modules     []*ModuleResult
	moduleIndex map[string]*ModuleResult
	seen        map[string]struct{}
	surfaced    map[string]struct{}
}

func newRunState(runID, userID string, startedAt time.Time) *runState {
	return &runState{
		runID:       runID,
		userID:      userID,
		startedAt:   startedAt,
		moduleIndex: make(map[string]*ModuleResult),
		seen:        make(map[string]struct{}),
		surfaced:    make(map[string]struct{}),
	}
}

func (s *runState) warn(format string, args ...any) {
	s.warnings = append(s.warnings, fmt.Sprintf(format, args...))
}

func (s *runState) module(source string) *ModuleResult {
	if m, ok := s.moduleIndex[source]; ok {
		return m
	}
	m := &ModuleResult{Source: source, Status: ModuleOK}
	s.modules = append(s.modules, m)
	s.moduleIndex[source] = m
	return m
}

func (s *runState) moduleFailed(source string) {
	s.module(source).Status = ModuleError
}

func (s *runState) skipRemaining(batches []SourceBatch) {
	for _, b := range batches {
		s.module(b.Source).Status = ModuleSkipped
	}
}

func (s *runState) seenThisRun(fp string) bool {
	_, ok := s.seen[fp]
	return ok
}

func (s *runState) recordSighting(fp string, it item.Item, cls novelty.Classification, fieldHashes map[string]string, now time.Time) {
	s.seen[fp] = struct{}{}
	s.records = append(s.records, memory.RecordUpsert{
		Fingerprint:   fp,
		Source:        it.Source,
		Type:          it.Type,
		EntityTags:    it.EntityTags,
		SeenAt:        now,
		UpdateContent: cls.Label == novelty.LabelNew || cls.Label == novelty.LabelUpdated,
		ContentHash:   fingerprint.CombineFieldHashes(fieldHashes),
		FieldHashes:   fieldHashes,
	})
	s.runItems = append(s.runItems, memory.RunItem{
		Fingerprint: fp,
		Source:      it.Source,
		Label:       string(cls.Label),
	})
}

func (s *runState) markSurfaced(sel selector.Selection) {
	for _, module := range sel.Modules {
		for _, cand := range module.Items {
			s.surfaced[cand.Fingerprint] = struct{}{}
		}
	}
	for i := range s.runItems {
		if _, ok := s.surfaced[s.runItems[i].Fingerprint]; ok {
			s.runItems[i].Surfaced = true
		}
	}
	scoreByFp := make(map[string]float64, len(s.candidates))
	for _, cand := range s.candidates {
		scoreByFp[cand.Fingerprint] = cand.Scores.Final
	}
	for i := range s.runItems {
		s.runItems[i].FinalScore = scoreByFp[s.runItems[i].Fingerprint]
	}
}

func (s *runState) status() RunStatus {
	for _, m := range s.modules {
		if m.Status == ModuleSkipped || m.Status == ModuleError {
			return RunDegraded
		}
	}
	return RunOK
}

func (s *runState) buildBundle(sel selector.Selection, now time.Time, latency time.Duration) *Bundle {
	selected := make(map[string][]BundleItem, len(sel.Modules))
	visible := make(map[string]int, len(sel.Modules))
	for _, module := range sel.Modules {
		items := make([]BundleItem, 0, len(module.Items))
		for _, cand := range module.Items {
			items = append(items, toBundleItem(cand))
		}
		selected[module.Source] = items
		visible[module.Source] = module.VisibleCount
	}

	bundle := &Bundle{
		RunID:       s.runID,
		UserID:      s.userID,
		Status:      s.status(),
		GeneratedAt: now,
		Latency:     latency,
		Warnings:    s.warnings,
	}
	for _, cand := range sel.Highlights {
		bundle.Highlights = append(bundle.Highlights, toBundleItem(cand))
	}
	for _, m := range s.modules {
		result := *m
		result.Items = selected[m.Source]
		result.VisibleCount = visible[m.Source]
		bundle.Modules = append(bundle.Modules, result)
	}
	return bundle
}

func (s *runState) batch(status RunStatus, now time.Time) memory.RunBatch {
	return memory.RunBatch{
		RunID:      s.runID,
		UserID:     s.userID,
		Status:     string(status),
		StartedAt:  s.startedAt,
		FinishedAt: now,
		Warnings:   s.warnings,
		Records:    s.records,
		Items:      s.runItems,
		Cursors:    s.cursors,
	}
}

func toBundleItem(cand selector.Candidate) BundleItem {
	return BundleItem{
		Fingerprint: cand.Fingerprint,
		Title:       cand.Item.Title,
		Source:      cand.Item.Source,
		Type:        cand.Item.Type,
		URL:         cand.Item.URL,
		Label:       cand.Label,
		Reason:      cand.Reason,
		Scores:      cand.Scores,
		FirstSeenAt: cand.FirstSeenAt,
		Evidence: []EvidenceRef{{
			Source:   cand.Item.Source,
			Type:     cand.Item.Type,
			SourceID: cand.Item.SourceID,
			URL:      cand.Item.URL,
		}},
	}
}
