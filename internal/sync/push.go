package sync

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/healthstack/fieldsync/internal/store"
	"github.com/healthstack/fieldsync/internal/types"
)

// PushStore is the slice of the entity store the push engine writes.
// Revision writes go through the package-level Tx helpers in store so the
// whole batch shares one transaction.
type PushStore interface {
	BeginTx(ctx context.Context) (*sql.Tx, error)
	RecordIncident(ctx context.Context, incidentType, contentID string, deviceID int64, details string) error
}

// Pusher applies client change batches as single atomic transactions.
type Pusher struct {
	store PushStore
}

// NewPusher creates a push engine over the given store.
func NewPusher(s PushStore) *Pusher {
	return &Pusher{store: s}
}

// Push applies every change or none of them. On an unresolved UUID
// reference the transaction is rolled back and a sync incident is
// recorded keyed by the offending identifier, so recurring client bugs
// stay observable without blocking future pushes.
func (p *Pusher) Push(ctx context.Context, deviceID int64, changes []Change) error {
	tx, err := p.store.BeginTx(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	for i := range changes {
		if err := p.applyChange(ctx, tx, &changes[i], now); err != nil {
			pushErr := asPushError(err, i, changes[i].UUID)
			tx.Rollback()
			p.recordFailure(ctx, deviceID, &changes[i], pushErr)
			return pushErr
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// applyChange validates, transforms, and writes a single change inside
// the batch transaction.
func (p *Pusher) applyChange(ctx context.Context, tx *sql.Tx, change *Change, now time.Time) error {
	data, shardRefs, err := p.prepareFields(ctx, tx, change)
	if err != nil {
		return err
	}

	switch change.Method {
	case MethodCreate:
		return p.applyCreate(ctx, tx, change, data, shardRefs, now)
	case MethodUpdate:
		return p.applyUpdate(ctx, tx, change, data, shardRefs, now)
	default:
		return fmt.Errorf("unknown method %q", change.Method)
	}
}

// prepareFields strips protected fields, applies the transform registry,
// resolves reference UUIDs to internal ids, and splits out shard refs.
func (p *Pusher) prepareFields(ctx context.Context, tx *sql.Tx, change *Change) (map[string]any, []string, error) {
	data := make(map[string]any, len(change.Data))
	for name, value := range change.Data {
		data[name] = value
	}

	// Deletion is a server-driven state transition; a client setting the
	// flag directly is rejected, not silently stored.
	if _, ok := data[types.FieldDeleted]; ok {
		return nil, nil, fmt.Errorf("field %q is server-managed and cannot be set", types.FieldDeleted)
	}
	for name := range data {
		if types.ProtectedField(name) {
			slog.Warn("stripping protected field from change",
				"component", "sync",
				"action", "push_strip_field",
				"uuid", change.UUID,
				"field", name,
			)
			delete(data, name)
		}
	}

	var shardRefs []string
	if raw, ok := data[types.FieldShardRefs]; ok {
		refs, err := p.resolveShardRefs(ctx, tx, raw)
		if err != nil {
			return nil, nil, err
		}
		shardRefs = refs
		delete(data, types.FieldShardRefs)
	}

	for name, value := range data {
		transformed, err := types.TransformField(name, value)
		if err != nil {
			return nil, nil, err
		}
		data[name] = transformed
	}

	for name, value := range data {
		if !types.ReferenceField(name) {
			continue
		}
		ref, ok := value.(string)
		if !ok {
			return nil, nil, fmt.Errorf("field %q: expected reference uuid, got %T", name, value)
		}
		id, _, err := store.ResolveUUIDTx(ctx, tx, ref)
		if err != nil {
			return nil, nil, fmt.Errorf("field %q: %w", name, err)
		}
		data[name] = id
	}

	return data, shardRefs, nil
}

// resolveShardRefs checks each health-center reference resolves to a real
// health center before it becomes a shard ref row.
func (p *Pusher) resolveShardRefs(ctx context.Context, tx *sql.Tx, raw any) ([]string, error) {
	list, ok := raw.([]any)
	if !ok {
		return nil, fmt.Errorf("field %q: expected list of health center uuids, got %T", types.FieldShardRefs, raw)
	}

	refs := make([]string, 0, len(list))
	for _, item := range list {
		ref, ok := item.(string)
		if !ok {
			return nil, fmt.Errorf("field %q: expected uuid string, got %T", types.FieldShardRefs, item)
		}
		_, entityType, err := store.ResolveUUIDTx(ctx, tx, ref)
		if err != nil {
			return nil, fmt.Errorf("field %q: %w", types.FieldShardRefs, err)
		}
		if entityType != types.TypeHealthCenter {
			return nil, fmt.Errorf("field %q: %s is a %s, not a health center", types.FieldShardRefs, ref, entityType)
		}
		refs = append(refs, ref)
	}
	return refs, nil
}

func (p *Pusher) applyCreate(ctx context.Context, tx *sql.Tx, change *Change, data map[string]any, shardRefs []string, now time.Time) error {
	entityUUID := change.UUID
	if entityUUID == "" {
		// Trusted clients normally supply the UUID; assign one otherwise.
		entityUUID = uuid.NewString()
		change.UUID = entityUUID
	}

	if _, _, err := store.ResolveUUIDTx(ctx, tx, entityUUID); err == nil {
		// Duplicate submission, most likely a retry after a lost
		// response. Idempotent no-op; the discarded payload is logged so
		// a genuinely divergent duplicate stays diagnosable.
		slog.Warn("duplicate create ignored",
			"component", "sync",
			"action", "push_duplicate_create",
			"uuid", entityUUID,
			"type", change.Type,
			"discarded_fields", len(data),
		)
		return nil
	} else if !errors.Is(err, store.ErrNotFound) {
		return err
	}

	id, _, err := store.CreateEntityTx(ctx, tx, change.Type, entityUUID, data, now)
	if err != nil {
		return err
	}
	if len(shardRefs) > 0 {
		if err := store.SetShardRefsTx(ctx, tx, id, shardRefs); err != nil {
			return err
		}
	}
	return nil
}

func (p *Pusher) applyUpdate(ctx context.Context, tx *sql.Tx, change *Change, data map[string]any, shardRefs []string, now time.Time) error {
	id, entityType, err := store.ResolveUUIDTx(ctx, tx, change.UUID)
	if err != nil {
		return fmt.Errorf("update target: %w", err)
	}
	if change.Type != "" && change.Type != entityType {
		return fmt.Errorf("update target %s is a %s, not a %s", change.UUID, entityType, change.Type)
	}

	current, deleted, err := store.CurrentStateTx(ctx, tx, id)
	if err != nil {
		return err
	}
	for name, value := range data {
		current[name] = value
	}

	// Writing the merged state allocates the next store-wide revision;
	// history is never mutated in place.
	if _, err := store.AppendRevisionTx(ctx, tx, id, entityType, change.UUID, current, deleted, now); err != nil {
		return err
	}
	if len(shardRefs) > 0 {
		if err := store.SetShardRefsTx(ctx, tx, id, shardRefs); err != nil {
			return err
		}
	}
	return nil
}

// recordFailure logs the offending change with enough context to diagnose
// the client bug, and records an incident for unresolved references. The
// incident write happens after the rollback so it survives the abort.
func (p *Pusher) recordFailure(ctx context.Context, deviceID int64, change *Change, pushErr *PushError) {
	dump, _ := json.Marshal(change)
	slog.Error("push aborted",
		"component", "sync",
		"action", "push_failed",
		"device_id", deviceID,
		"change_index", pushErr.Index,
		"uuid", pushErr.UUID,
		"error", pushErr.Message,
		"change", string(dump),
	)

	if !isUnresolvedReference(pushErr) {
		return
	}
	if err := p.store.RecordIncident(ctx, IncidentUnknownReference, pushErr.UUID, deviceID, string(dump)); err != nil {
		slog.Warn("failed to record sync incident",
			"component", "sync",
			"action", "incident_record_failed",
			"uuid", pushErr.UUID,
			"error", err,
		)
	}
}

func isUnresolvedReference(pushErr *PushError) bool {
	return pushErr.unresolved
}

// asPushError wraps an apply failure with its batch position.
func asPushError(err error, index int, changeUUID string) *PushError {
	var pe *PushError
	if errors.As(err, &pe) {
		return pe
	}
	return &PushError{
		Index:      index,
		UUID:       changeUUID,
		Message:    err.Error(),
		unresolved: errors.Is(err, store.ErrNotFound),
	}
}
