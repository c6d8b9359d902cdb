package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/healthstack/fieldsync/internal/types"
)

// scopeFilter returns the WHERE fragment and arguments restricting
// entity_revisions rows to a sync scope. An empty shard selects the
// globally-visible types; a health-center UUID selects the sharded types
// whose refs include it.
func scopeFilter(shard string) (string, []any) {
	if shard == "" {
		list := types.GlobalTypes()
		args := make([]any, len(list))
		for i, t := range list {
			args[i] = string(t)
		}
		return "r.entity_type IN (" + placeholders(len(list)) + ")", args
	}

	list := types.ShardedTypes()
	args := make([]any, 0, len(list)+1)
	for _, t := range list {
		args = append(args, string(t))
	}
	args = append(args, shard)
	return "r.entity_type IN (" + placeholders(len(list)) + ")" +
		" AND EXISTS (SELECT 1 FROM shard_refs sr WHERE sr.entity_id = r.entity_id AND sr.shard_uuid = ?)", args
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

// RevisionsAfter returns up to limit revision rows with revision > after,
// in ascending revision order, restricted to the scope. Each row is the
// entity as of that specific revision, never its current state.
func (s *SQLiteStore) RevisionsAfter(ctx context.Context, shard string, after int64, limit int) ([]types.Entity, error) {
	filter, filterArgs := scopeFilter(shard)
	args := append([]any{}, filterArgs...)
	args = append(args, after, limit)

	rows, err := s.db.QueryContext(ctx, `
		SELECT r.revision, r.entity_id, r.entity_type, r.uuid, r.fields, r.deleted, r.created_at
		FROM entity_revisions r
		WHERE `+filter+` AND r.revision > ?
		ORDER BY r.revision ASC
		LIMIT ?
	`, args...)
	if err != nil {
		return nil, fmt.Errorf("query revisions: %w", err)
	}
	defer rows.Close()

	entities := make([]types.Entity, 0)
	for rows.Next() {
		e, err := scanRevision(rows)
		if err != nil {
			return nil, err
		}
		entities = append(entities, *e)
	}
	return entities, rows.Err()
}

// CountRevisionsAfter returns the total number of in-scope revisions
// beyond the client's cursor, regardless of page size.
func (s *SQLiteStore) CountRevisionsAfter(ctx context.Context, shard string, after int64) (int64, error) {
	filter, filterArgs := scopeFilter(shard)
	args := append([]any{}, filterArgs...)
	args = append(args, after)

	var count int64
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM entity_revisions r
		WHERE `+filter+` AND r.revision > ?
	`, args...).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count revisions: %w", err)
	}
	return count, nil
}

// LastModified returns the wall-clock timestamp of the newest in-scope
// revision, ignoring page boundaries. Zero time when the scope is empty.
func (s *SQLiteStore) LastModified(ctx context.Context, shard string) (time.Time, error) {
	filter, filterArgs := scopeFilter(shard)

	var created sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT MAX(r.created_at) FROM entity_revisions r WHERE `+filter,
		filterArgs...).Scan(&created)
	if err != nil {
		return time.Time{}, fmt.Errorf("last modified: %w", err)
	}
	if !created.Valid {
		return time.Time{}, nil
	}
	t, err := parseTimestamp(created.String)
	if err != nil {
		slog.Warn("entity_revisions: failed to parse created_at", "value", created.String, "error", err)
		return time.Time{}, nil
	}
	return t, nil
}

// GetShardRefs returns the health-center UUIDs scoping an entity.
func (s *SQLiteStore) GetShardRefs(ctx context.Context, entityID int64) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT shard_uuid FROM shard_refs WHERE entity_id = ? ORDER BY shard_uuid
	`, entityID)
	if err != nil {
		return nil, fmt.Errorf("query shard refs: %w", err)
	}
	defer rows.Close()

	var refs []string
	for rows.Next() {
		var ref string
		if err := rows.Scan(&ref); err != nil {
			return nil, fmt.Errorf("scan shard ref: %w", err)
		}
		refs = append(refs, ref)
	}
	return refs, rows.Err()
}

// ResolveUUID maps a UUID to the internal id and entity type.
func (s *SQLiteStore) ResolveUUID(ctx context.Context, uuid string) (int64, types.EntityType, error) {
	return resolveUUID(ctx, s.db, uuid)
}

// ResolveUUIDTx is ResolveUUID inside a transaction, so a push can resolve
// references to entities created earlier in the same batch.
func ResolveUUIDTx(ctx context.Context, tx *sql.Tx, uuid string) (int64, types.EntityType, error) {
	return resolveUUID(ctx, tx, uuid)
}

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func resolveUUID(ctx context.Context, q querier, uuid string) (int64, types.EntityType, error) {
	var id int64
	var entityType string
	err := q.QueryRowContext(ctx, `
		SELECT id, entity_type FROM entities WHERE uuid = ?
	`, uuid).Scan(&id, &entityType)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, "", fmt.Errorf("uuid %s: %w", uuid, ErrNotFound)
	}
	if err != nil {
		return 0, "", fmt.Errorf("resolve uuid: %w", err)
	}
	return id, types.EntityType(entityType), nil
}

// LookupUUID maps an internal id back to its UUID.
func (s *SQLiteStore) LookupUUID(ctx context.Context, id int64) (string, error) {
	var uuid string
	err := s.db.QueryRowContext(ctx, `
		SELECT uuid FROM entities WHERE id = ?
	`, id).Scan(&uuid)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("entity id %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("lookup uuid: %w", err)
	}
	return uuid, nil
}

// CreateEntityTx inserts a new entity and its first revision. Returns the
// internal id and the allocated revision.
func CreateEntityTx(ctx context.Context, tx *sql.Tx, entityType types.EntityType, uuid string, fields map[string]any, now time.Time) (int64, int64, error) {
	result, err := tx.ExecContext(ctx, `
		INSERT INTO entities (uuid, entity_type, current_revision) VALUES (?, ?, 0)
	`, uuid, string(entityType))
	if err != nil {
		return 0, 0, fmt.Errorf("insert entity: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return 0, 0, fmt.Errorf("entity id: %w", err)
	}

	rev, err := AppendRevisionTx(ctx, tx, id, entityType, uuid, fields, false, now)
	if err != nil {
		return 0, 0, err
	}
	return id, rev, nil
}

// AppendRevisionTx appends a revision row for an existing entity and moves
// its current_revision pointer. The AUTOINCREMENT primary key allocates
// the store-wide revision under SQLite's write serialization, so
// concurrent pushes never observe duplicate or skipped revisions.
func AppendRevisionTx(ctx context.Context, tx *sql.Tx, entityID int64, entityType types.EntityType, uuid string, fields map[string]any, deleted bool, now time.Time) (int64, error) {
	fieldsJSON, err := json.Marshal(fields)
	if err != nil {
		return 0, fmt.Errorf("marshal fields: %w", err)
	}

	result, err := tx.ExecContext(ctx, `
		INSERT INTO entity_revisions (entity_id, entity_type, uuid, fields, deleted, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, entityID, string(entityType), uuid, string(fieldsJSON), boolToInt(deleted), timestamp(now))
	if err != nil {
		return 0, fmt.Errorf("insert revision: %w", err)
	}
	rev, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("revision id: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE entities SET current_revision = ? WHERE id = ?
	`, rev, entityID); err != nil {
		return 0, fmt.Errorf("update current revision: %w", err)
	}
	return rev, nil
}

// CurrentStateTx returns the field map and delete flag of an entity's
// newest revision, for merging an update onto.
func CurrentStateTx(ctx context.Context, tx *sql.Tx, entityID int64) (map[string]any, bool, error) {
	var fieldsJSON string
	var deleted int
	err := tx.QueryRowContext(ctx, `
		SELECT r.fields, r.deleted
		FROM entities e
		JOIN entity_revisions r ON r.revision = e.current_revision
		WHERE e.id = ?
	`, entityID).Scan(&fieldsJSON, &deleted)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, fmt.Errorf("entity id %d: %w", entityID, ErrNotFound)
	}
	if err != nil {
		return nil, false, fmt.Errorf("current state: %w", err)
	}

	fields := make(map[string]any)
	if err := json.Unmarshal([]byte(fieldsJSON), &fields); err != nil {
		return nil, false, fmt.Errorf("parse fields: %w", err)
	}
	return fields, deleted != 0, nil
}

// SetShardRefsTx replaces an entity's health-center refs.
func SetShardRefsTx(ctx context.Context, tx *sql.Tx, entityID int64, shardUUIDs []string) error {
	if _, err := tx.ExecContext(ctx, `
		DELETE FROM shard_refs WHERE entity_id = ?
	`, entityID); err != nil {
		return fmt.Errorf("clear shard refs: %w", err)
	}
	for _, shard := range shardUUIDs {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO shard_refs (entity_id, shard_uuid) VALUES (?, ?)
		`, entityID, shard); err != nil {
			return fmt.Errorf("insert shard ref: %w", err)
		}
	}
	return nil
}

// scanRevision scans one entity_revisions row into a types.Entity.
// A malformed fields payload is a hard error: a pull page must never be
// delivered with gaps.
func scanRevision(rows *sql.Rows) (*types.Entity, error) {
	var e types.Entity
	var entityType, fieldsJSON, createdAt string
	var deleted int

	if err := rows.Scan(&e.Revision, &e.ID, &entityType, &e.UUID, &fieldsJSON, &deleted, &createdAt); err != nil {
		return nil, fmt.Errorf("scan revision: %w", err)
	}

	e.Type = types.EntityType(entityType)
	e.Deleted = deleted != 0
	e.Fields = make(map[string]any)
	if err := json.Unmarshal([]byte(fieldsJSON), &e.Fields); err != nil {
		return nil, fmt.Errorf("render revision %d: %w", e.Revision, err)
	}

	t, err := parseTimestamp(createdAt)
	if err != nil {
		slog.Warn("entity_revisions: failed to parse created_at", "value", createdAt, "error", err)
	}
	e.CreatedAt = t

	return &e, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
