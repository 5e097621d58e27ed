package memory

import (
	"context"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
)

// AppendFeedback records one user reaction to a surfaced item. The event
// type is validated against the fixed enumeration; unknown types are
// rejected, not silently accepted. Events are immutable once written.
func (s *Store) AppendFeedback(ctx context.Context, ev FeedbackEvent) (int64, error) {
	if ev.UserID == "" || ev.Fingerprint == "" {
		return 0, fmt.Errorf("feedback event missing user or fingerprint")
	}
	if !ev.EventType.Valid() {
		return 0, fmt.Errorf("unknown feedback event type %q", ev.EventType)
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now().UTC()
	}

	queryStr, args, err := StatementBuilder().
		Insert("feedback_events").
		Columns("user_id", "item_fingerprint", "event_type", "created_at", "payload").
		Values(ev.UserID, ev.Fingerprint, string(ev.EventType), ev.CreatedAt.Unix(), ev.Payload).
		ToSql()
	if err != nil {
		return 0, fmt.Errorf("build feedback insert: %w", err)
	}
	res, err := s.db.ExecContext(ctx, queryStr, args...)
	if err != nil {
		return 0, fmt.Errorf("insert feedback event: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}
	s.logger.Debug().
		Str("user_id", ev.UserID).
		Str("fingerprint", ev.Fingerprint).
		Str("event_type", string(ev.EventType)).
		Int64("id", id).
		Msg("feedback appended")
	return id, nil
}

// FeedbackAfter returns events with an id strictly greater than afterID, in
// id order. Consolidation passes the prior checkpoint's event id here so
// each event is folded exactly once; filtering on id rather than timestamp
// means events sharing a second with the checkpoint are never lost.
func (s *Store) FeedbackAfter(ctx context.Context, userID string, afterID int64) ([]FeedbackEvent, error) {
	query := StatementBuilder().
		Select("id", "user_id", "item_fingerprint", "event_type", "created_at", "payload").
		From("feedback_events").
		Where(sq.Eq{"user_id": userID}).
		Where(sq.Gt{"id": afterID}).
		OrderBy("id ASC")
	return s.queryFeedback(ctx, query)
}

// PositiveFeedbackSince returns the positive events (open, save, thumb_up)
// within the VIP-promotion lookback window, regardless of checkpoint. VIP
// promotion counts distinct items across the whole window; promotion is a
// set insertion, so recounting is harmless.
func (s *Store) PositiveFeedbackSince(ctx context.Context, userID string, since time.Time) ([]FeedbackEvent, error) {
	query := StatementBuilder().
		Select("id", "user_id", "item_fingerprint", "event_type", "created_at", "payload").
		From("feedback_events").
		Where(sq.Eq{"user_id": userID}).
		Where(sq.GtOrEq{"created_at": since.Unix()}).
		Where(sq.Eq{"event_type": []string{string(EventOpen), string(EventSave), string(EventThumbUp)}}).
		OrderBy("created_at ASC", "id ASC")
	return s.queryFeedback(ctx, query)
}

func (s *Store) queryFeedback(ctx context.Context, query sq.SelectBuilder) ([]FeedbackEvent, error) {
	queryStr, args, err := query.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build feedback query: %w", err)
	}
	rows, err := s.db.QueryContext(ctx, queryStr, args...)
	if err != nil {
		return nil, fmt.Errorf("query feedback_events: %w", err)
	}
	defer rows.Close() //nolint:errcheck // read-only rows

	var events []FeedbackEvent
	for rows.Next() {
		var (
			ev        FeedbackEvent
			eventType string
			createdAt int64
		)
		if err := rows.Scan(&ev.ID, &ev.UserID, &ev.Fingerprint, &eventType, &createdAt, &ev.Payload); err != nil {
			return nil, fmt.Errorf("scan feedback_event: %w", err)
		}
		ev.EventType = EventType(eventType)
		ev.CreatedAt = time.Unix(createdAt, 0).UTC()
		events = append(events, ev)
	}
	return events, rows.Err()
}

// PendingFeedbackCounts returns, per user, how many feedback events have
// accumulated past that user's consolidation checkpoint. The background
// scheduler uses this to decide who is due for consolidation.
func (s *Store) PendingFeedbackCounts(ctx context.Context) (map[string]int64, error) {
	const query = `
SELECT f.user_id, COUNT(*)
FROM feedback_events f
LEFT JOIN consolidation_checkpoints c ON c.user_id = f.user_id
WHERE f.id > COALESCE(c.last_event_id, 0)
GROUP BY f.user_id`
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query pending feedback: %w", err)
	}
	defer rows.Close() //nolint:errcheck // read-only rows

	out := make(map[string]int64)
	for rows.Next() {
		var (
			userID string
			count  int64
		)
		if err := rows.Scan(&userID, &count); err != nil {
			return nil, err
		}
		out[userID] = count
	}
	return out, rows.Err()
}

// SourceStats aggregates shown and engaged counts per source since the given
// time. Shown counts come from run accounting (surfaced items only); engaged
// counts are distinct items per source with a positive feedback event. The
// ratio feeds the source-trust moving average.
func (s *Store) SourceStats(ctx context.Context, userID string, since time.Time) (map[string]SourceStats, error) {
	out := make(map[string]SourceStats)

	shownStr, shownArgs, err := StatementBuilder().
		Select("source", "COUNT(*)").
		From("run_items").
		Where(sq.Eq{"user_id": userID, "surfaced": 1}).
		Where(sq.GtOrEq{"shown_at": since.Unix()}).
		GroupBy("source").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build shown query: %w", err)
	}
	rows, err := s.db.QueryContext(ctx, shownStr, shownArgs...)
	if err != nil {
		return nil, fmt.Errorf("query shown counts: %w", err)
	}
	defer rows.Close() //nolint:errcheck // read-only rows
	for rows.Next() {
		var (
			source string
			shown  int64
		)
		if err := rows.Scan(&source, &shown); err != nil {
			return nil, err
		}
		out[source] = SourceStats{Source: source, Shown: shown}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	const engagedQuery = `
SELECT r.source, COUNT(DISTINCT f.item_fingerprint)
FROM feedback_events f
JOIN memory_records r ON r.user_id = f.user_id AND r.fingerprint = f.item_fingerprint
WHERE f.user_id = ? AND f.created_at >= ? AND f.event_type IN (?, ?, ?)
GROUP BY r.source`
	engagedRows, err := s.db.QueryContext(ctx, engagedQuery, userID, since.Unix(),
		string(EventOpen), string(EventSave), string(EventThumbUp))
	if err != nil {
		return nil, fmt.Errorf("query engaged counts: %w", err)
	}
	defer engagedRows.Close() //nolint:errcheck // read-only rows
	for engagedRows.Next() {
		var (
			source  string
			engaged int64
		)
		if err := engagedRows.Scan(&source, &engaged); err != nil {
			return nil, err
		}
		stats := out[source]
		stats.Source = source
		stats.Engaged = engaged
		out[source] = stats
	}
	return out, engagedRows.Err()
}
