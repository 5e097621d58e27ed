package memory

import (
	sq "github.com/Masterminds/squirrel"
)

// StatementBuilder returns a Squirrel StatementBuilder configured for SQLite.
// SQLite uses '?' as placeholders, which is Squirrel's default.
func StatementBuilder() sq.StatementBuilderType {
	return sq.StatementBuilder
}

// SelectRecordColumns returns the standard column list for memory_records
// SELECT queries, in scan order.
func SelectRecordColumns() []string {
	return []string{
		"user_id", "fingerprint", "content_hash", "field_hashes",
		"source", "type", "entity_tags",
		"first_seen_at", "last_seen_at", "seen_count",
	}
}
