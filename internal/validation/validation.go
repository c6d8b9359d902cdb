package validation

import (
	"fmt"

	"github.com/google/uuid"

	syncpkg "github.com/healthstack/fieldsync/internal/sync"
	"github.com/healthstack/fieldsync/internal/types"
)

// ValidationError represents a single field validation failure.
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// MaxPushChanges bounds one push call so it completes within standard
// request timeouts. A tuning parameter, not a correctness one.
const MaxPushChanges = 1000

// ValidatePushRequest checks the structural shape of a push body.
// Per-change validation is separate so errors carry the change index.
func ValidatePushRequest(req syncpkg.PushRequest) []ValidationError {
	var errs []ValidationError
	if len(req.Changes) == 0 {
		errs = append(errs, ValidationError{Field: "changes", Message: "changes array is required"})
	}
	if len(req.Changes) > MaxPushChanges {
		errs = append(errs, ValidationError{
			Field:   "changes",
			Message: fmt.Sprintf("changes exceeds maximum of %d", MaxPushChanges),
		})
	}
	return errs
}

// ValidateChange checks one change's structure before it reaches the push
// engine.
func ValidateChange(index int, c syncpkg.Change) []ValidationError {
	var errs []ValidationError
	field := func(name string) string {
		return fmt.Sprintf("changes[%d].%s", index, name)
	}

	if !types.KnownType(c.Type) {
		errs = append(errs, ValidationError{
			Field:   field("type"),
			Message: fmt.Sprintf("unknown entity type %q", c.Type),
		})
	}

	switch c.Method {
	case syncpkg.MethodCreate:
		// UUID may be absent on create; the server assigns one.
	case syncpkg.MethodUpdate:
		if c.UUID == "" {
			errs = append(errs, ValidationError{
				Field:   field("uuid"),
				Message: "uuid is required for update",
			})
		}
	default:
		errs = append(errs, ValidationError{
			Field:   field("method"),
			Message: fmt.Sprintf("method must be %q or %q", syncpkg.MethodCreate, syncpkg.MethodUpdate),
		})
	}

	if c.UUID != "" {
		if _, err := uuid.Parse(c.UUID); err != nil {
			errs = append(errs, ValidationError{
				Field:   field("uuid"),
				Message: "uuid is not a valid UUID",
			})
		}
	}

	if c.Data == nil {
		errs = append(errs, ValidationError{
			Field:   field("data"),
			Message: "data object is required",
		})
	}

	return errs
}

// ValidateScope checks a health-center path parameter's shape.
func ValidateScope(scope string) *ValidationError {
	if _, err := uuid.Parse(scope); err != nil {
		return &ValidationError{Field: "health_center", Message: "must be a valid UUID"}
	}
	return nil
}
