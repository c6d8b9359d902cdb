package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/healthstack/fieldsync/internal/types"
)

// Store is the contract the sync engines, pairing service, and HTTP layer
// share. SQLiteStore is the only production implementation; the interface
// exists so engine tests can substitute failures.
type Store interface {
	// Revision log
	RevisionsAfter(ctx context.Context, shard string, after int64, limit int) ([]types.Entity, error)
	CountRevisionsAfter(ctx context.Context, shard string, after int64) (int64, error)
	LastModified(ctx context.Context, shard string) (time.Time, error)
	GetShardRefs(ctx context.Context, entityID int64) ([]string, error)

	// Identity
	ResolveUUID(ctx context.Context, uuid string) (int64, types.EntityType, error)
	LookupUUID(ctx context.Context, id int64) (string, error)

	// Transactions (pushes and pairing redemptions are all-or-nothing)
	BeginTx(ctx context.Context) (*sql.Tx, error)

	// Devices and credentials
	CreateDevice(ctx context.Context, uuid, name, pairingCode string) (*Device, error)
	ListDevices(ctx context.Context) ([]Device, error)
	SetPairingCode(ctx context.Context, deviceID int64, code string) error
	DeviceByTokenHash(ctx context.Context, tokenHash string) (*Device, error)

	// Incidents
	RecordIncident(ctx context.Context, incidentType, contentID string, deviceID int64, details string) error
	CountIncidents(ctx context.Context, incidentType string) (int64, error)

	// Statistics side-channel cache
	GetStatsCache(ctx context.Context, scopeUUID string) (*StatsCacheEntry, error)
	PutStatsCache(ctx context.Context, scopeUUID, payload, hash string) error
	ListShardScopes(ctx context.Context) ([]string, error)
	CountEntitiesByType(ctx context.Context, scopeUUID string) (map[string]int64, error)

	// Health and snapshots
	CountEntities(ctx context.Context) (int64, error)
	LatestRevision(ctx context.Context) (int64, error)
	GenerateSnapshot(ctx context.Context) error
	GetSnapshotPath(ctx context.Context) (string, error)

	Close() error
}

var _ Store = (*SQLiteStore)(nil)
