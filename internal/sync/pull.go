package sync

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/healthstack/fieldsync/internal/types"
)

// ErrBadCursor is returned for a negative base revision.
var ErrBadCursor = errors.New("base_revision must be >= 0")

// PullStore is the slice of the entity store the pull engine reads.
type PullStore interface {
	RevisionsAfter(ctx context.Context, shard string, after int64, limit int) ([]types.Entity, error)
	CountRevisionsAfter(ctx context.Context, shard string, after int64) (int64, error)
	LastModified(ctx context.Context, shard string) (time.Time, error)
	GetShardRefs(ctx context.Context, entityID int64) ([]string, error)
	LookupUUID(ctx context.Context, id int64) (string, error)
}

// Puller computes revision-ordered delta pages.
type Puller struct {
	store PullStore
}

// NewPuller creates a pull engine over the given store.
func NewPuller(s PullStore) *Puller {
	return &Puller{store: s}
}

// Pull returns the page of in-scope revisions newer than baseRevision.
//
// The returned cursor advances past every selected row, including rows
// collapsed by within-page dedup, so a client honoring the cursor sees
// each revision at most once. Dedup never crosses the page boundary: a
// revision not selected into this page is delivered untouched by a later
// one, preserving dependency order for devices that are still catching up.
func (p *Puller) Pull(ctx context.Context, shard string, baseRevision int64, pageSize int) (*PullResult, error) {
	if baseRevision < 0 {
		return nil, ErrBadCursor
	}
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	if pageSize > MaxPageSize {
		pageSize = MaxPageSize
	}

	rows, err := p.store.RevisionsAfter(ctx, shard, baseRevision, pageSize)
	if err != nil {
		return nil, fmt.Errorf("select revisions: %w", err)
	}

	total, err := p.store.CountRevisionsAfter(ctx, shard, baseRevision)
	if err != nil {
		return nil, fmt.Errorf("count revisions: %w", err)
	}

	lastModified, err := p.store.LastModified(ctx, shard)
	if err != nil {
		return nil, fmt.Errorf("last modified: %w", err)
	}

	records := dedupPage(rows)

	for i := range records {
		if err := p.renderRecord(ctx, &records[i]); err != nil {
			// One unrenderable record fails the whole page; a partial
			// page with gaps would corrupt the client's cursor.
			return nil, err
		}
	}

	newBase := baseRevision
	if len(rows) > 0 {
		newBase = rows[len(rows)-1].Revision
	}

	return &PullResult{
		BaseRevision:   newBase,
		RemainingCount: total - int64(len(rows)),
		LastModified:   lastModified,
		Records:        records,
	}, nil
}

// dedupPage keeps only the highest revision per entity id within the page.
// Rows arrive in ascending revision order; a kept later revision replaces
// the earlier occurrence and moves to the back, so the surviving records
// remain revision-ordered.
func dedupPage(rows []types.Entity) []types.Entity {
	kept := make([]types.Entity, 0, len(rows))
	position := make(map[int64]int, len(rows))

	for _, row := range rows {
		if i, seen := position[row.ID]; seen {
			kept = append(kept[:i], kept[i+1:]...)
			for id, j := range position {
				if j > i {
					position[id] = j - 1
				}
			}
		}
		position[row.ID] = len(kept)
		kept = append(kept, row)
	}
	return kept
}

// renderRecord finishes a record for the wire: shard refs attached, and
// reference fields translated from internal ids back to UUIDs.
func (p *Puller) renderRecord(ctx context.Context, e *types.Entity) error {
	refs, err := p.store.GetShardRefs(ctx, e.ID)
	if err != nil {
		return fmt.Errorf("render revision %d: %w", e.Revision, err)
	}
	e.ShardRefs = refs

	for name, value := range e.Fields {
		if !types.ReferenceField(name) {
			continue
		}
		id, ok := asInt64(value)
		if !ok {
			return fmt.Errorf("render revision %d: field %q holds %T, expected internal id", e.Revision, name, value)
		}
		uuid, err := p.store.LookupUUID(ctx, id)
		if err != nil {
			return fmt.Errorf("render revision %d: field %q: %w", e.Revision, name, err)
		}
		e.Fields[name] = uuid
	}
	return nil
}

// asInt64 handles the two numeric shapes a JSON field map can hold.
func asInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int64:
		return n, true
	case float64:
		return int64(n), true
	default:
		return 0, false
	}
}
