// Package sync implements the incremental synchronization core: the pull
// engine computing revision-ordered deltas, and the push engine applying
// client batches atomically.
package sync

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/healthstack/fieldsync/internal/types"
)

// Change methods accepted on push.
const (
	MethodCreate = "create"
	MethodUpdate = "update"
)

// Incident types recorded for push-side failures.
const (
	IncidentUnknownReference = "unknown_reference"
)

// Default and maximum pull page sizes.
const (
	DefaultPageSize = 50
	MaxPageSize     = 500
)

// Change is the wire representation of one client-side create or update.
// It is consumed by the push engine and never persisted as such.
type Change struct {
	Type   types.EntityType `json:"type"`
	Method string           `json:"method"`
	UUID   string           `json:"uuid"`
	Data   map[string]any   `json:"data"`
}

// PushRequest is the body of a push call.
type PushRequest struct {
	DBSchemaVersion int      `json:"db_schema_version"`
	Changes         []Change `json:"changes"`
}

// PullResult is what the pull engine returns for one page.
type PullResult struct {
	BaseRevision   int64
	RemainingCount int64
	LastModified   time.Time
	Records        []types.Entity
}

// PullResponse is the wire shape of a pull page.
type PullResponse struct {
	BaseRevision   int64           `json:"base_revision"`
	LastTimestamp  int64           `json:"last_timestamp"`
	RevisionCount  int64           `json:"revision_count"`
	Batch          []types.Entity  `json:"batch"`
	Stats          json.RawMessage `json:"stats,omitempty"`
	StatsCacheHash string          `json:"stats_cache_hash,omitempty"`
}

// PairingRequest is the body of a pairing-code redemption.
type PairingRequest struct {
	Code string `json:"code"`
}

// PairingResponse carries the issued credential and the device's stable id.
type PairingResponse struct {
	AccessToken string `json:"access_token"`
	DeviceID    int64  `json:"device_id"`
}

// IncidentRequest is a client-reported sync incident.
type IncidentRequest struct {
	IncidentType      string `json:"incident_type"`
	ContentIdentifier string `json:"content_identifier"`
}

// PushError describes the first failing change of a rejected push. The
// whole batch is rolled back; nothing before or after the failing change
// is committed.
type PushError struct {
	Index   int    `json:"index"`
	UUID    string `json:"uuid,omitempty"`
	Message string `json:"message"`

	// unresolved marks a reference-resolution failure, which additionally
	// records a sync incident.
	unresolved bool
}

func (e *PushError) Error() string {
	return fmt.Sprintf("change %d (uuid %s): %s", e.Index, e.UUID, e.Message)
}
