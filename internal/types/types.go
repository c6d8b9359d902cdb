package types

import (
	"fmt"
	"time"
)

// EntityType identifies one of the fixed entity kinds the sync engine moves.
type EntityType string

const (
	// Global types: visible to every device, no shard refs.
	TypeCatchmentArea EntityType = "catchment_area"
	TypeHealthCenter  EntityType = "health_center"
	TypeNurse         EntityType = "nurse"

	// Health-center scoped types.
	TypePerson             EntityType = "person"
	TypeRelationship       EntityType = "relationship"
	TypeSession            EntityType = "session"
	TypeAttendance         EntityType = "attendance"
	TypeHeight             EntityType = "height"
	TypeWeight             EntityType = "weight"
	TypeMuac               EntityType = "muac"
	TypePhoto              EntityType = "photo"
	TypeNutrition          EntityType = "nutrition"
	TypeParticipantConsent EntityType = "participant_consent"
	TypeCounselingSession  EntityType = "counseling_session"
)

var globalTypes = []EntityType{
	TypeCatchmentArea,
	TypeHealthCenter,
	TypeNurse,
}

var shardedTypes = []EntityType{
	TypePerson,
	TypeRelationship,
	TypeSession,
	TypeAttendance,
	TypeHeight,
	TypeWeight,
	TypeMuac,
	TypePhoto,
	TypeNutrition,
	TypeParticipantConsent,
	TypeCounselingSession,
}

// GlobalTypes returns the entity types delivered to every device.
func GlobalTypes() []EntityType {
	return globalTypes
}

// ShardedTypes returns the entity types scoped to a health center.
func ShardedTypes() []EntityType {
	return shardedTypes
}

// KnownType reports whether t is one of the fixed entity kinds.
func KnownType(t EntityType) bool {
	for _, g := range globalTypes {
		if t == g {
			return true
		}
	}
	for _, s := range shardedTypes {
		if t == s {
			return true
		}
	}
	return false
}

// Entity is one revision of a typed, versioned, UUID-identified record.
// The sync engine treats Fields as opaque except for the names registered
// in the transform and reference tables below.
type Entity struct {
	Type      EntityType     `json:"type"`
	ID        int64          `json:"-"`
	Revision  int64          `json:"revision"`
	UUID      string         `json:"uuid"`
	ShardRefs []string       `json:"shard_refs,omitempty"`
	Fields    map[string]any `json:"fields"`
	Deleted   bool           `json:"deleted,omitempty"`
	CreatedAt time.Time      `json:"-"`
}

// FieldShardRefs is the field name carrying health-center references on
// incoming changes. It is resolved into shard_refs rows, never stored in
// the opaque field map.
const FieldShardRefs = "health_centers"

// FieldDeleted is the soft-delete flag. Clients must never set it directly;
// deletion is a server-driven state transition.
const FieldDeleted = "deleted"

// protectedFields are system-managed names stripped from every incoming
// change regardless of entity type.
var protectedFields = map[string]bool{
	"label":   true,
	"created": true,
	"changed": true,
}

// ProtectedField reports whether name is stripped from incoming changes.
func ProtectedField(name string) bool {
	return protectedFields[name]
}

// referenceFields maps field names whose values are entity UUIDs that must
// be resolvable before a push commits. Lookup is by name, never inferred.
var referenceFields = map[string]bool{
	"person":         true,
	"mother":         true,
	"father":         true,
	"caregiver":      true,
	"related_by":     true,
	"session":        true,
	"nurse":          true,
	"clinic":         true,
	"catchment_area": true,
}

// ReferenceField reports whether the named field holds an entity UUID.
func ReferenceField(name string) bool {
	return referenceFields[name]
}

// dateFields are normalized to RFC 3339 dates before storage.
var dateFields = map[string]bool{
	"birth_date":     true,
	"date_measured":  true,
	"scheduled_date": true,
	"expected_date":  true,
}

// dateListFields hold multi-value dates, transformed element-wise.
var dateListFields = map[string]bool{
	"closed_dates": true,
}

// acceptedDateLayouts are the client date formats the transform accepts.
var acceptedDateLayouts = []string{
	"2006-01-02",
	time.RFC3339,
	"2006-01-02T15:04:05",
}

// TransformField normalizes a field value by name against the fixed
// registry. Unregistered names pass through untouched.
func TransformField(name string, value any) (any, error) {
	switch {
	case dateFields[name]:
		return transformDate(name, value)
	case dateListFields[name]:
		list, ok := value.([]any)
		if !ok {
			return nil, fmt.Errorf("field %q: expected list of dates, got %T", name, value)
		}
		out := make([]any, len(list))
		for i, v := range list {
			d, err := transformDate(name, v)
			if err != nil {
				return nil, err
			}
			out[i] = d
		}
		return out, nil
	default:
		return value, nil
	}
}

func transformDate(name string, value any) (any, error) {
	s, ok := value.(string)
	if !ok {
		return nil, fmt.Errorf("field %q: expected date string, got %T", name, value)
	}
	for _, layout := range acceptedDateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.Format("2006-01-02"), nil
		}
	}
	return nil, fmt.Errorf("field %q: unparseable date %q", name, s)
}

// HealthResponse is the health check payload.
type HealthResponse struct {
	Status         string `json:"status"`
	Version        string `json:"version"`
	EntityCount    int64  `json:"entity_count"`
	LatestRevision int64  `json:"latest_revision"`
}
