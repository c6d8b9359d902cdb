package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// StatsCacheEntry is a precomputed aggregate payload for one scope.
type StatsCacheEntry struct {
	ScopeUUID  string
	Payload    string
	Hash       string
	ComputedAt time.Time
}

// GetStatsCache returns the cached aggregate for a scope.
func (s *SQLiteStore) GetStatsCache(ctx context.Context, scopeUUID string) (*StatsCacheEntry, error) {
	var e StatsCacheEntry
	var computedAt string
	err := s.db.QueryRowContext(ctx, `
		SELECT scope_uuid, payload, hash, computed_at FROM stats_cache WHERE scope_uuid = ?
	`, scopeUUID).Scan(&e.ScopeUUID, &e.Payload, &e.Hash, &computedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get stats cache: %w", err)
	}
	if t, err := parseTimestamp(computedAt); err == nil {
		e.ComputedAt = t
	}
	return &e, nil
}

// PutStatsCache stores or replaces a scope's aggregate payload.
func (s *SQLiteStore) PutStatsCache(ctx context.Context, scopeUUID, payload, hash string) error {
	if _, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO stats_cache (scope_uuid, payload, hash, computed_at)
		VALUES (?, ?, ?, ?)
	`, scopeUUID, payload, hash, timestamp(time.Now())); err != nil {
		return fmt.Errorf("put stats cache: %w", err)
	}
	return nil
}

// ListShardScopes returns every health-center UUID referenced by at least
// one entity, for full stats recomputation sweeps.
func (s *SQLiteStore) ListShardScopes(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT shard_uuid FROM shard_refs ORDER BY shard_uuid
	`)
	if err != nil {
		return nil, fmt.Errorf("list shard scopes: %w", err)
	}
	defer rows.Close()

	var scopes []string
	for rows.Next() {
		var scope string
		if err := rows.Scan(&scope); err != nil {
			return nil, fmt.Errorf("scan scope: %w", err)
		}
		scopes = append(scopes, scope)
	}
	return scopes, rows.Err()
}

// CountEntitiesByType returns live-entity counts per type within a scope.
func (s *SQLiteStore) CountEntitiesByType(ctx context.Context, scopeUUID string) (map[string]int64, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT e.entity_type, COUNT(*)
		FROM entities e
		JOIN entity_revisions r ON r.revision = e.current_revision
		WHERE r.deleted = 0
		  AND EXISTS (SELECT 1 FROM shard_refs sr WHERE sr.entity_id = e.id AND sr.shard_uuid = ?)
		GROUP BY e.entity_type
	`, scopeUUID)
	if err != nil {
		return nil, fmt.Errorf("count entities by type: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int64)
	for rows.Next() {
		var entityType string
		var count int64
		if err := rows.Scan(&entityType, &count); err != nil {
			return nil, fmt.Errorf("scan count: %w", err)
		}
		counts[entityType] = count
	}
	return counts, rows.Err()
}
