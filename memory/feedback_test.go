package memory

import (
	"context"
	"testing"
	"time"
)

func TestAppendFeedback_RejectsUnknownType(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	_, err := store.AppendFeedback(ctx, FeedbackEvent{
		UserID: "u1", Fingerprint: "email:abc", EventType: "starred",
	})
	if err == nil {
		t.Fatalf("expected rejection of unknown event type")
	}

	events, err := store.FeedbackAfter(ctx, "u1", 0)
	if err != nil {
		t.Fatalf("FeedbackAfter: %v", err)
	}
	if len(events) != 0 {
		t.Errorf("rejected event was stored")
	}
}

func TestAppendFeedback_RequiresUserAndFingerprint(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if _, err := store.AppendFeedback(ctx, FeedbackEvent{Fingerprint: "email:abc", EventType: EventOpen}); err == nil {
		t.Errorf("expected rejection of missing user")
	}
	if _, err := store.AppendFeedback(ctx, FeedbackEvent{UserID: "u1", EventType: EventOpen}); err == nil {
		t.Errorf("expected rejection of missing fingerprint")
	}
}

func TestFeedbackAfter_StrictlyAfterID(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 10, 8, 0, 0, 0, time.UTC)

	ids := make([]int64, 3)
	for i := 0; i < 3; i++ {
		id, err := store.AppendFeedback(ctx, FeedbackEvent{
			UserID:      "u1",
			Fingerprint: "email:abc",
			EventType:   EventOpen,
			CreatedAt:   base.Add(time.Duration(i) * time.Minute),
		})
		if err != nil {
			t.Fatalf("AppendFeedback: %v", err)
		}
		ids[i] = id
	}

	// A checkpoint at the first event's id must exclude that event.
	events, err := store.FeedbackAfter(ctx, "u1", ids[0])
	if err != nil {
		t.Fatalf("FeedbackAfter: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("events = %d, want 2 (strictly after checkpoint)", len(events))
	}
	if events[0].ID <= ids[0] {
		t.Errorf("returned event at or before checkpoint id: %d", events[0].ID)
	}
}

func TestFeedbackAfter_SameSecondEventsNotLost(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	at := time.Date(2026, 3, 10, 8, 0, 0, 0, time.UTC)

	// Three events sharing one timestamp second. Filtering on id keeps the
	// two appended after the first, which a timestamp cut would drop.
	ids := make([]int64, 3)
	for i := 0; i < 3; i++ {
		id, err := store.AppendFeedback(ctx, FeedbackEvent{
			UserID: "u1", Fingerprint: "email:abc", EventType: EventSave, CreatedAt: at,
		})
		if err != nil {
			t.Fatalf("AppendFeedback: %v", err)
		}
		ids[i] = id
	}

	events, err := store.FeedbackAfter(ctx, "u1", ids[0])
	if err != nil {
		t.Fatalf("FeedbackAfter: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("events = %d, want 2 despite shared timestamp", len(events))
	}
	if events[0].ID != ids[1] || events[1].ID != ids[2] {
		t.Errorf("events out of append order: %d, %d", events[0].ID, events[1].ID)
	}
}

func TestPendingFeedbackCounts(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 10, 8, 0, 0, 0, time.UTC)

	ids := make([]int64, 4)
	for i := 0; i < 4; i++ {
		id, err := store.AppendFeedback(ctx, FeedbackEvent{
			UserID:      "u1",
			Fingerprint: "email:abc",
			EventType:   EventSave,
			CreatedAt:   base.Add(time.Duration(i) * time.Minute),
		})
		if err != nil {
			t.Fatalf("AppendFeedback: %v", err)
		}
		ids[i] = id
	}

	pending, err := store.PendingFeedbackCounts(ctx)
	if err != nil {
		t.Fatalf("PendingFeedbackCounts: %v", err)
	}
	if pending["u1"] != 4 {
		t.Fatalf("pending = %d, want 4", pending["u1"])
	}

	// Consolidating through the second event leaves two pending.
	profile := NewProfile("u1")
	cp := ConsolidationCheckpoint{
		UserID:             "u1",
		LastEventID:        ids[1],
		LastConsolidatedAt: base.Add(time.Minute),
	}
	if err := store.ApplyConsolidation(ctx, profile, cp); err != nil {
		t.Fatalf("ApplyConsolidation: %v", err)
	}
	pending, err = store.PendingFeedbackCounts(ctx)
	if err != nil {
		t.Fatalf("PendingFeedbackCounts: %v", err)
	}
	if pending["u1"] != 2 {
		t.Fatalf("pending after checkpoint = %d, want 2", pending["u1"])
	}
}

func TestCheckpoint_AdvancesWithConsolidation(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	checkpoint, err := store.Checkpoint(ctx, "u1")
	if err != nil {
		t.Fatalf("Checkpoint: %v", err)
	}
	if checkpoint.LastEventID != 0 || !checkpoint.LastConsolidatedAt.IsZero() {
		t.Fatalf("expected zero checkpoint before first consolidation, got %+v", checkpoint)
	}

	at := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	cp := ConsolidationCheckpoint{UserID: "u1", LastEventID: 7, LastConsolidatedAt: at}
	if err := store.ApplyConsolidation(ctx, NewProfile("u1"), cp); err != nil {
		t.Fatalf("ApplyConsolidation: %v", err)
	}
	checkpoint, err = store.Checkpoint(ctx, "u1")
	if err != nil {
		t.Fatalf("Checkpoint: %v", err)
	}
	if checkpoint.LastEventID != 7 {
		t.Fatalf("checkpoint id = %d, want 7", checkpoint.LastEventID)
	}
	if !checkpoint.LastConsolidatedAt.Equal(at) {
		t.Fatalf("checkpoint = %v, want %v", checkpoint.LastConsolidatedAt, at)
	}

	// Checkpoint never moves backward.
	stale := ConsolidationCheckpoint{UserID: "u1", LastEventID: 3, LastConsolidatedAt: at.Add(-time.Hour)}
	if err := store.ApplyConsolidation(ctx, NewProfile("u1"), stale); err != nil {
		t.Fatalf("ApplyConsolidation: %v", err)
	}
	checkpoint, err = store.Checkpoint(ctx, "u1")
	if err != nil {
		t.Fatalf("Checkpoint: %v", err)
	}
	if checkpoint.LastEventID != 7 || !checkpoint.LastConsolidatedAt.Equal(at) {
		t.Fatalf("checkpoint moved backward: %+v", checkpoint)
	}
}

func TestSourceStats(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 10, 8, 0, 0, 0, time.UTC)

	batch := RunBatch{
		RunID: "run-1", UserID: "u1", Status: "ok", StartedAt: now, FinishedAt: now,
		Records: []RecordUpsert{
			testUpsert("email:a", now, true, "h1"),
			testUpsert("email:b", now, true, "h2"),
		},
		Items: []RunItem{
			{Fingerprint: "email:a", Source: "email", Label: "new", Surfaced: true},
			{Fingerprint: "email:b", Source: "email", Label: "new", Surfaced: true},
			{Fingerprint: "email:c", Source: "email", Label: "repeat", Surfaced: false},
		},
	}
	if err := store.ApplyRunBatch(ctx, batch); err != nil {
		t.Fatalf("ApplyRunBatch: %v", err)
	}
	if _, err := store.AppendFeedback(ctx, FeedbackEvent{
		UserID: "u1", Fingerprint: "email:a", EventType: EventOpen, CreatedAt: now.Add(time.Hour),
	}); err != nil {
		t.Fatalf("AppendFeedback: %v", err)
	}
	// Dismissals are not engagement.
	if _, err := store.AppendFeedback(ctx, FeedbackEvent{
		UserID: "u1", Fingerprint: "email:b", EventType: EventDismiss, CreatedAt: now.Add(time.Hour),
	}); err != nil {
		t.Fatalf("AppendFeedback: %v", err)
	}

	stats, err := store.SourceStats(ctx, "u1", now.Add(-time.Hour))
	if err != nil {
		t.Fatalf("SourceStats: %v", err)
	}
	email := stats["email"]
	if email.Shown != 2 {
		t.Errorf("shown = %d, want 2 (only surfaced items count)", email.Shown)
	}
	if email.Engaged != 1 {
		t.Errorf("engaged = %d, want 1", email.Engaged)
	}
}
