package memory

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
)

// Store is the durable per-user memory: item records, preference profiles,
// source cursors, feedback events, consolidation checkpoints and run
// accounting, all behind one narrow interface so the storage medium stays an
// implementation choice.
type Store struct {
	db     *sql.DB
	logger zerolog.Logger
}

// NewStore creates and returns a Store.
func NewStore(db *sql.DB, logger zerolog.Logger) (*Store, error) {
	if db == nil {
		return nil, fmt.Errorf("store: db is nil")
	}
	logger = logger.With().Str("component", "memory_store").Logger()
	return &Store{db: db, logger: logger}, nil
}

// Records loads the full fingerprint → record snapshot for a user. A run
// performs exactly one such read pass; all classification happens against
// this snapshot, never against live rows.
func (s *Store) Records(ctx context.Context, userID string) (map[string]MemoryRecord, error) {
	query := StatementBuilder().
		Select(SelectRecordColumns()...).
		From("memory_records").
		Where(sq.Eq{"user_id": userID})
	return s.queryRecords(ctx, query)
}

// RecordsByFingerprint loads the records for a specific set of fingerprints,
// used by consolidation to recover the entity tags of items referenced by
// feedback events.
func (s *Store) RecordsByFingerprint(ctx context.Context, userID string, fps []string) (map[string]MemoryRecord, error) {
	if len(fps) == 0 {
		return map[string]MemoryRecord{}, nil
	}
	query := StatementBuilder().
		Select(SelectRecordColumns()...).
		From("memory_records").
		Where(sq.Eq{"user_id": userID, "fingerprint": fps})
	return s.queryRecords(ctx, query)
}

func (s *Store) queryRecords(ctx context.Context, query sq.SelectBuilder) (map[string]MemoryRecord, error) {
	queryStr, args, err := query.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build records query: %w", err)
	}
	rows, err := s.db.QueryContext(ctx, queryStr, args...)
	if err != nil {
		return nil, fmt.Errorf("query memory_records: %w", err)
	}
	defer rows.Close() //nolint:errcheck // read-only rows

	out := make(map[string]MemoryRecord)
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out[rec.Fingerprint] = rec
	}
	return out, rows.Err()
}

func scanRecord(rows *sql.Rows) (MemoryRecord, error) {
	var (
		rec                 MemoryRecord
		fieldHashes, tags   sql.NullString
		firstSeen, lastSeen int64
	)
	if err := rows.Scan(&rec.UserID, &rec.Fingerprint, &rec.ContentHash, &fieldHashes,
		&rec.Source, &rec.Type, &tags, &firstSeen, &lastSeen, &rec.SeenCount); err != nil {
		return MemoryRecord{}, fmt.Errorf("scan memory_record: %w", err)
	}
	if fieldHashes.Valid && fieldHashes.String != "" {
		if err := json.Unmarshal([]byte(fieldHashes.String), &rec.FieldHashes); err != nil {
			return MemoryRecord{}, fmt.Errorf("unmarshal field_hashes: %w", err)
		}
	}
	if tags.Valid && tags.String != "" {
		if err := json.Unmarshal([]byte(tags.String), &rec.EntityTags); err != nil {
			return MemoryRecord{}, fmt.Errorf("unmarshal entity_tags: %w", err)
		}
	}
	rec.FirstSeenAt = time.Unix(firstSeen, 0).UTC()
	rec.LastSeenAt = time.Unix(lastSeen, 0).UTC()
	return rec, nil
}

// ApplyRunBatch writes the complete result of one briefing run in a single
// transaction: record upserts, cursor advances, the run row and per-item
// accounting. The batch lands whole or not at all, so a crash mid-run can
// never leave the store half-updated for a subset of items. Transient
// SQLITE_BUSY failures are retried with exponential backoff.
func (s *Store) ApplyRunBatch(ctx context.Context, batch RunBatch) error {
	if batch.UserID == "" || batch.RunID == "" {
		return fmt.Errorf("run batch missing user or run id")
	}

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = 50 * time.Millisecond
	eb.MaxInterval = 2 * time.Second
	eb.MaxElapsedTime = 15 * time.Second
	eb.Reset()

	operation := func() error {
		err := s.applyRunBatchOnce(ctx, batch)
		if err != nil && !isBusy(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	if err := backoff.Retry(operation, backoff.WithContext(eb, ctx)); err != nil {
		s.logger.Error().
			Str("run_id", batch.RunID).
			Str("user_id", batch.UserID).
			Err(err).
			Msg("run batch write failed")
		return err
	}

	s.logger.Info().
		Str("run_id", batch.RunID).
		Str("user_id", batch.UserID).
		Str("status", batch.Status).
		Int("records", len(batch.Records)).
		Int("items", len(batch.Items)).
		Int("cursors", len(batch.Cursors)).
		Msg("run batch applied")
	return nil
}

func (s *Store) applyRunBatchOnce(ctx context.Context, batch RunBatch) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin run batch tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, up := range batch.Records {
		if err := s.upsertRecord(ctx, tx, batch.UserID, up); err != nil {
			return err
		}
	}
	for _, cur := range batch.Cursors {
		if err := s.advanceCursor(ctx, tx, batch.UserID, cur); err != nil {
			return err
		}
	}
	if err := s.insertRun(ctx, tx, batch); err != nil {
		return err
	}
	for _, ri := range batch.Items {
		if err := s.insertRunItem(ctx, tx, batch, ri); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit run batch: %w", err)
	}
	return nil
}

func (s *Store) upsertRecord(ctx context.Context, tx *sql.Tx, userID string, up RecordUpsert) error {
	tagsJSON, err := json.Marshal(up.EntityTags)
	if err != nil {
		return fmt.Errorf("marshal entity_tags: %w", err)
	}
	fieldsJSON, err := json.Marshal(up.FieldHashes)
	if err != nil {
		return fmt.Errorf("marshal field_hashes: %w", err)
	}
	seenAt := up.SeenAt.Unix()

	// An UPDATED sighting rewrites the content hashes; a REPEAT sighting only
	// bumps the bookkeeping and leaves the stored hash untouched so that
	// sub-threshold drift can accumulate across runs. first_seen_at is never
	// overwritten and seen_count only ever grows.
	suffix := `ON CONFLICT(user_id, fingerprint) DO UPDATE SET
		last_seen_at = MAX(memory_records.last_seen_at, excluded.last_seen_at),
		seen_count = memory_records.seen_count + 1,
		entity_tags = excluded.entity_tags`
	if up.UpdateContent {
		suffix += `,
		content_hash = excluded.content_hash,
		field_hashes = excluded.field_hashes`
	}

	query := StatementBuilder().
		Insert("memory_records").
		Columns("user_id", "fingerprint", "content_hash", "field_hashes",
			"source", "type", "entity_tags", "first_seen_at", "last_seen_at", "seen_count").
		Values(userID, up.Fingerprint, up.ContentHash, string(fieldsJSON),
			up.Source, up.Type, string(tagsJSON), seenAt, seenAt, 1).
		Suffix(suffix)

	queryStr, args, err := query.ToSql()
	if err != nil {
		return fmt.Errorf("build record upsert: %w", err)
	}
	if _, err := tx.ExecContext(ctx, queryStr, args...); err != nil {
		return fmt.Errorf("upsert memory_record %s: %w", up.Fingerprint, err)
	}
	return nil
}

func (s *Store) advanceCursor(ctx context.Context, tx *sql.Tx, userID string, cur SourceCursor) error {
	query := StatementBuilder().
		Insert("source_cursors").
		Columns("user_id", "source", "last_checked_at").
		Values(userID, cur.Source, cur.LastCheckedAt.Unix()).
		Suffix(`ON CONFLICT(user_id, source) DO UPDATE SET
			last_checked_at = MAX(source_cursors.last_checked_at, excluded.last_checked_at)`)
	queryStr, args, err := query.ToSql()
	if err != nil {
		return fmt.Errorf("build cursor upsert: %w", err)
	}
	if _, err := tx.ExecContext(ctx, queryStr, args...); err != nil {
		return fmt.Errorf("advance cursor %s: %w", cur.Source, err)
	}
	return nil
}

func (s *Store) insertRun(ctx context.Context, tx *sql.Tx, batch RunBatch) error {
	warningsJSON, err := json.Marshal(batch.Warnings)
	if err != nil {
		return fmt.Errorf("marshal run warnings: %w", err)
	}
	query := StatementBuilder().
		Insert("runs").
		Columns("id", "user_id", "status", "started_at", "finished_at", "warnings").
		Values(batch.RunID, batch.UserID, batch.Status,
			batch.StartedAt.Unix(), batch.FinishedAt.Unix(), string(warningsJSON))
	queryStr, args, err := query.ToSql()
	if err != nil {
		return fmt.Errorf("build run insert: %w", err)
	}
	if _, err := tx.ExecContext(ctx, queryStr, args...); err != nil {
		return fmt.Errorf("insert run %s: %w", batch.RunID, err)
	}
	return nil
}

func (s *Store) insertRunItem(ctx context.Context, tx *sql.Tx, batch RunBatch, ri RunItem) error {
	query := StatementBuilder().
		Insert("run_items").
		Columns("run_id", "user_id", "fingerprint", "source", "label", "final_score", "surfaced", "shown_at").
		Values(batch.RunID, batch.UserID, ri.Fingerprint, ri.Source, ri.Label,
			ri.FinalScore, boolToInt(ri.Surfaced), batch.FinishedAt.Unix())
	queryStr, args, err := query.ToSql()
	if err != nil {
		return fmt.Errorf("build run_item insert: %w", err)
	}
	if _, err := tx.ExecContext(ctx, queryStr, args...); err != nil {
		return fmt.Errorf("insert run_item %s: %w", ri.Fingerprint, err)
	}
	return nil
}

// Prune deletes records last seen before the given time. Profiles, cursors
// and feedback are not touched: pruning is a retention policy over item
// memory only.
func (s *Store) Prune(ctx context.Context, userID string, olderThan time.Time) (int64, error) {
	query := StatementBuilder().
		Delete("memory_records").
		Where(sq.Eq{"user_id": userID}).
		Where(sq.Lt{"last_seen_at": olderThan.Unix()})
	queryStr, args, err := query.ToSql()
	if err != nil {
		return 0, fmt.Errorf("build prune query: %w", err)
	}
	res, err := s.db.ExecContext(ctx, queryStr, args...)
	if err != nil {
		return 0, fmt.Errorf("prune memory_records: %w", err)
	}
	count, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	if count > 0 {
		s.logger.Info().
			Str("user_id", userID).
			Int64("pruned", count).
			Time("older_than", olderThan).
			Msg("pruned memory records")
	}
	return count, nil
}

// EraseUser removes every trace of a user: records, profile, cursors,
// feedback, checkpoints and run accounting. This is the explicit erasure
// path; nothing else deletes profile or feedback state.
func (s *Store) EraseUser(ctx context.Context, userID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin erase tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	tables := []string{
		"memory_records", "profiles", "source_cursors",
		"feedback_events", "consolidation_checkpoints", "runs", "run_items",
	}
	for _, table := range tables {
		queryStr, args, err := StatementBuilder().
			Delete(table).
			Where(sq.Eq{"user_id": userID}).
			ToSql()
		if err != nil {
			return fmt.Errorf("build erase query for %s: %w", table, err)
		}
		if _, err := tx.ExecContext(ctx, queryStr, args...); err != nil {
			return fmt.Errorf("erase %s: %w", table, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit erase: %w", err)
	}
	s.logger.Info().Str("user_id", userID).Msg("erased all user state")
	return nil
}

// Users returns every user id with memory records, for retention sweeps.
func (s *Store) Users(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT user_id FROM memory_records`)
	if err != nil {
		return nil, fmt.Errorf("query users: %w", err)
	}
	defer rows.Close() //nolint:errcheck // read-only rows

	var users []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		users = append(users, id)
	}
	return users, rows.Err()
}

func isBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") || strings.Contains(msg, "SQLITE_BUSY")
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
