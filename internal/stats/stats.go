// Package stats implements the hash-gated statistics side-channel. The
// sync layer never computes aggregates inline; it compares a client-held
// cache hash against the server's and hands recomputation to a background
// coordinator.
package stats

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/healthstack/fieldsync/internal/store"
)

// CacheStore is the slice of the entity store the side-channel uses.
type CacheStore interface {
	GetStatsCache(ctx context.Context, scopeUUID string) (*store.StatsCacheEntry, error)
	PutStatsCache(ctx context.Context, scopeUUID, payload, hash string) error
	ListShardScopes(ctx context.Context) ([]string, error)
	CountEntitiesByType(ctx context.Context, scopeUUID string) (map[string]int64, error)
	LastModified(ctx context.Context, shard string) (time.Time, error)
}

// Update is the side-channel's answer for one pull call.
type Update struct {
	// Payload and Hash are set only when the client's hash is stale and
	// the server cache is ready.
	Payload json.RawMessage
	Hash    string
}

// Gate compares client hashes against cached aggregates and requests
// recomputation on miss.
type Gate struct {
	store    CacheStore
	requests chan string
}

// NewGate creates a gate whose recompute requests are drained by a
// coordinator reading Requests().
func NewGate(s CacheStore) *Gate {
	return &Gate{
		store:    s,
		requests: make(chan string, 64),
	}
}

// Requests exposes the recompute queue for the coordinator.
func (g *Gate) Requests() <-chan string {
	return g.requests
}

// Check returns the refreshed payload when the client's hash is stale and
// the cache is ready. A missing cache is a normal outcome: recomputation
// is triggered fire-and-forget and this round returns no update.
func (g *Gate) Check(ctx context.Context, scopeUUID, clientHash string) (*Update, error) {
	entry, err := g.store.GetStatsCache(ctx, scopeUUID)
	if errors.Is(err, store.ErrNotFound) {
		g.requestRecompute(scopeUUID)
		return &Update{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("stats cache lookup: %w", err)
	}

	if entry.Hash == clientHash {
		return &Update{}, nil
	}
	return &Update{Payload: json.RawMessage(entry.Payload), Hash: entry.Hash}, nil
}

// requestRecompute queues a scope for the coordinator. A full queue drops
// the request; the next pull will queue it again.
func (g *Gate) requestRecompute(scopeUUID string) {
	select {
	case g.requests <- scopeUUID:
	default:
		slog.Debug("stats recompute queue full, dropping request",
			"component", "stats",
			"action", "recompute_dropped",
			"scope", scopeUUID,
		)
	}
}

// Recompute builds and caches the aggregate payload for one scope.
func Recompute(ctx context.Context, s CacheStore, scopeUUID string) error {
	counts, err := s.CountEntitiesByType(ctx, scopeUUID)
	if err != nil {
		return fmt.Errorf("aggregate counts: %w", err)
	}
	lastModified, err := s.LastModified(ctx, scopeUUID)
	if err != nil {
		return fmt.Errorf("aggregate last modified: %w", err)
	}

	payload, err := json.Marshal(struct {
		Counts       map[string]int64 `json:"counts"`
		LastActivity string           `json:"last_activity,omitempty"`
	}{
		Counts:       counts,
		LastActivity: formatActivity(lastModified),
	})
	if err != nil {
		return fmt.Errorf("marshal stats payload: %w", err)
	}

	if err := s.PutStatsCache(ctx, scopeUUID, string(payload), HashPayload(payload)); err != nil {
		return err
	}
	return nil
}

// HashPayload returns the cache hash clients echo back on later pulls.
func HashPayload(payload []byte) string {
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}

func formatActivity(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}
