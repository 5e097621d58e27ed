package memory

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/samber/lo"
)

// Profile loads the preference profile for a user, returning an empty
// profile if none has been stored yet.
func (s *Store) Profile(ctx context.Context, userID string) (*PreferenceProfile, error) {
	queryStr, args, err := StatementBuilder().
		Select("version", "topic_weights", "vip_identities", "source_trust", "content_prefs", "updated_at").
		From("profiles").
		Where(sq.Eq{"user_id": userID}).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build profile query: %w", err)
	}

	var (
		version   int64
		topics    string
		vips      string
		trust     string
		prefs     string
		updatedAt int64
	)
	row := s.db.QueryRowContext(ctx, queryStr, args...)
	if err := row.Scan(&version, &topics, &vips, &trust, &prefs, &updatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return NewProfile(userID), nil
		}
		return nil, fmt.Errorf("scan profile: %w", err)
	}

	p := NewProfile(userID)
	p.Version = version
	p.UpdatedAt = time.Unix(updatedAt, 0).UTC()
	if err := json.Unmarshal([]byte(topics), &p.TopicWeight); err != nil {
		return nil, fmt.Errorf("unmarshal topic_weights: %w", err)
	}
	var vipList []string
	if err := json.Unmarshal([]byte(vips), &vipList); err != nil {
		return nil, fmt.Errorf("unmarshal vip_identities: %w", err)
	}
	for _, v := range vipList {
		p.VIPIdentities[v] = true
	}
	if err := json.Unmarshal([]byte(trust), &p.SourceTrust); err != nil {
		return nil, fmt.Errorf("unmarshal source_trust: %w", err)
	}
	if prefs != "" {
		if err := json.Unmarshal([]byte(prefs), &p.ContentPrefs); err != nil {
			return nil, fmt.Errorf("unmarshal content_prefs: %w", err)
		}
	}
	return p, nil
}

// SaveProfile persists a profile, clamping every weight into [0,1] first and
// bumping its version. Used for explicit edits; consolidation goes through
// ApplyConsolidation so the checkpoint advances in the same transaction.
func (s *Store) SaveProfile(ctx context.Context, p *PreferenceProfile) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin profile tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := s.saveProfileTx(ctx, tx, p, time.Now().UTC()); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Store) saveProfileTx(ctx context.Context, tx *sql.Tx, p *PreferenceProfile, at time.Time) error {
	p.Clamp()
	p.Version++
	p.UpdatedAt = at

	topicsJSON, err := json.Marshal(p.TopicWeight)
	if err != nil {
		return fmt.Errorf("marshal topic_weights: %w", err)
	}
	vipsJSON, err := json.Marshal(lo.Keys(p.VIPIdentities))
	if err != nil {
		return fmt.Errorf("marshal vip_identities: %w", err)
	}
	trustJSON, err := json.Marshal(p.SourceTrust)
	if err != nil {
		return fmt.Errorf("marshal source_trust: %w", err)
	}
	prefsJSON, err := json.Marshal(p.ContentPrefs)
	if err != nil {
		return fmt.Errorf("marshal content_prefs: %w", err)
	}

	queryStr, args, err := StatementBuilder().
		Insert("profiles").
		Columns("user_id", "version", "topic_weights", "vip_identities", "source_trust", "content_prefs", "updated_at").
		Values(p.UserID, p.Version, string(topicsJSON), string(vipsJSON), string(trustJSON), string(prefsJSON), at.Unix()).
		Suffix(`ON CONFLICT(user_id) DO UPDATE SET
			version = excluded.version,
			topic_weights = excluded.topic_weights,
			vip_identities = excluded.vip_identities,
			source_trust = excluded.source_trust,
			content_prefs = excluded.content_prefs,
			updated_at = excluded.updated_at`).
		ToSql()
	if err != nil {
		return fmt.Errorf("build profile upsert: %w", err)
	}
	if _, err := tx.ExecContext(ctx, queryStr, args...); err != nil {
		return fmt.Errorf("upsert profile: %w", err)
	}
	return nil
}

// Cursors loads all source cursors for a user.
func (s *Store) Cursors(ctx context.Context, userID string) (map[string]SourceCursor, error) {
	queryStr, args, err := StatementBuilder().
		Select("source", "last_checked_at").
		From("source_cursors").
		Where(sq.Eq{"user_id": userID}).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build cursors query: %w", err)
	}
	rows, err := s.db.QueryContext(ctx, queryStr, args...)
	if err != nil {
		return nil, fmt.Errorf("query source_cursors: %w", err)
	}
	defer rows.Close() //nolint:errcheck // read-only rows

	out := make(map[string]SourceCursor)
	for rows.Next() {
		var (
			source    string
			checkedAt int64
		)
		if err := rows.Scan(&source, &checkedAt); err != nil {
			return nil, err
		}
		out[source] = SourceCursor{
			UserID:        userID,
			Source:        source,
			LastCheckedAt: time.Unix(checkedAt, 0).UTC(),
		}
	}
	return out, rows.Err()
}

// Checkpoint returns how far feedback has been consolidated for a user. A
// zero-valued checkpoint means no consolidation has ever run.
func (s *Store) Checkpoint(ctx context.Context, userID string) (ConsolidationCheckpoint, error) {
	queryStr, args, err := StatementBuilder().
		Select("last_event_id", "last_consolidated_at").
		From("consolidation_checkpoints").
		Where(sq.Eq{"user_id": userID}).
		ToSql()
	if err != nil {
		return ConsolidationCheckpoint{}, fmt.Errorf("build checkpoint query: %w", err)
	}
	var (
		lastID int64
		at     int64
	)
	row := s.db.QueryRowContext(ctx, queryStr, args...)
	if err := row.Scan(&lastID, &at); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ConsolidationCheckpoint{UserID: userID}, nil
		}
		return ConsolidationCheckpoint{}, fmt.Errorf("scan checkpoint: %w", err)
	}
	return ConsolidationCheckpoint{
		UserID:             userID,
		LastEventID:        lastID,
		LastConsolidatedAt: time.Unix(at, 0).UTC(),
	}, nil
}

// ApplyConsolidation persists the consolidated profile and advances the
// checkpoint in one transaction. Because consolidation reads events strictly
// after the previous checkpoint's event id and the checkpoint only moves on
// a successful write, a retried job folds each event exactly once.
func (s *Store) ApplyConsolidation(ctx context.Context, p *PreferenceProfile, cp ConsolidationCheckpoint) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin consolidation tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := s.saveProfileTx(ctx, tx, p, cp.LastConsolidatedAt); err != nil {
		return err
	}

	queryStr, args, err := StatementBuilder().
		Insert("consolidation_checkpoints").
		Columns("user_id", "last_event_id", "last_consolidated_at").
		Values(p.UserID, cp.LastEventID, cp.LastConsolidatedAt.Unix()).
		Suffix(`ON CONFLICT(user_id) DO UPDATE SET
			last_event_id = MAX(consolidation_checkpoints.last_event_id, excluded.last_event_id),
			last_consolidated_at = MAX(consolidation_checkpoints.last_consolidated_at, excluded.last_consolidated_at)`).
		ToSql()
	if err != nil {
		return fmt.Errorf("build checkpoint upsert: %w", err)
	}
	if _, err := tx.ExecContext(ctx, queryStr, args...); err != nil {
		return fmt.Errorf("advance checkpoint: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit consolidation: %w", err)
	}
	s.logger.Info().
		Str("user_id", p.UserID).
		Int64("profile_version", p.Version).
		Int64("last_event_id", cp.LastEventID).
		Time("checkpoint", cp.LastConsolidatedAt).
		Msg("consolidation applied")
	return nil
}
