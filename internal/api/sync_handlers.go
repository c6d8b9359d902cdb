package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	syncpkg "github.com/healthstack/fieldsync/internal/sync"
	"github.com/healthstack/fieldsync/internal/validation"
)

// pullParams are the validated query parameters of a pull call.
type pullParams struct {
	BaseRevision  int64
	SchemaVersion int
}

// parsePullParams extracts and validates pull query parameters.
func (h *Handler) parsePullParams(r *http.Request) (pullParams, error) {
	var p pullParams

	baseStr := r.URL.Query().Get("base_revision")
	if baseStr == "" {
		return p, fmt.Errorf("missing required query parameter: base_revision")
	}
	base, err := strconv.ParseInt(baseStr, 10, 64)
	if err != nil {
		return p, fmt.Errorf("invalid base_revision parameter: must be an integer")
	}
	if base < 0 {
		return p, fmt.Errorf("invalid base_revision parameter: must be >= 0")
	}
	p.BaseRevision = base

	versionStr := r.URL.Query().Get("db_schema_version")
	if versionStr == "" {
		return p, fmt.Errorf("missing required query parameter: db_schema_version")
	}
	version, err := strconv.Atoi(versionStr)
	if err != nil {
		return p, fmt.Errorf("invalid db_schema_version parameter: must be an integer")
	}
	if version < h.minSchemaVersion {
		return p, fmt.Errorf("db_schema_version %d is below the minimum supported version %d; app upgrade required", version, h.minSchemaVersion)
	}
	p.SchemaVersion = version

	return p, nil
}

// Pull handles GET /api/v1/sync — the all-devices scope.
func (h *Handler) Pull(w http.ResponseWriter, r *http.Request) {
	h.servePull(w, r, "")
}

// PullShard handles GET /api/v1/sync/{healthCenter} — one shard's scope,
// with the optional statistics side-channel.
func (h *Handler) PullShard(w http.ResponseWriter, r *http.Request) {
	scope := chi.URLParam(r, "healthCenter")
	if verr := validation.ValidateScope(scope); verr != nil {
		WriteProblem(w, r, http.StatusBadRequest, fmt.Sprintf("invalid health center identifier: %s", verr.Message))
		return
	}
	h.servePull(w, r, scope)
}

func (h *Handler) servePull(w http.ResponseWriter, r *http.Request, scope string) {
	start := time.Now()
	ctx := r.Context()

	params, err := h.parsePullParams(r)
	if err != nil {
		WriteProblem(w, r, http.StatusBadRequest, err.Error())
		return
	}

	result, err := h.puller.Pull(ctx, scope, params.BaseRevision, h.pageSize)
	if err != nil {
		if errors.Is(err, syncpkg.ErrBadCursor) {
			WriteProblem(w, r, http.StatusBadRequest, err.Error())
			return
		}
		slog.Error("pull failed",
			"component", "api",
			"action", "sync_pull_failed",
			"scope", scope,
			"base_revision", params.BaseRevision,
			"error", err,
		)
		WriteProblem(w, r, http.StatusInternalServerError, "Failed to compute delta")
		return
	}

	resp := syncpkg.PullResponse{
		BaseRevision:  result.BaseRevision,
		LastTimestamp: asUnix(result.LastModified),
		RevisionCount: result.RemainingCount,
		Batch:         result.Records,
	}

	// Statistics side-channel rides along on shard pulls only. "Not
	// ready yet" is a normal outcome and never fails the pull.
	if scope != "" && h.statsGate != nil {
		update, err := h.statsGate.Check(ctx, scope, r.URL.Query().Get("stats_cache_hash"))
		if err != nil {
			slog.Warn("stats gate check failed",
				"component", "api",
				"action", "stats_check_failed",
				"scope", scope,
				"error", err,
			)
		} else if update.Hash != "" {
			resp.Stats = update.Payload
			resp.StatsCacheHash = update.Hash
		}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)

	slog.Info("pull served",
		"component", "api",
		"action", "sync_pull",
		"device_id", DeviceIDFromContext(ctx),
		"scope", scope,
		"base_revision", params.BaseRevision,
		"new_base_revision", resp.BaseRevision,
		"records", len(resp.Batch),
		"remaining", resp.RevisionCount,
		"duration_ms", time.Since(start).Milliseconds(),
	)
}

// Push handles POST /api/v1/sync.
func (h *Handler) Push(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()
	deviceID := DeviceIDFromContext(ctx)

	var req syncpkg.PushRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteProblem(w, r, http.StatusBadRequest, fmt.Sprintf("Invalid JSON: %s", err))
		return
	}

	if req.DBSchemaVersion < h.minSchemaVersion {
		WriteProblem(w, r, http.StatusBadRequest,
			fmt.Sprintf("db_schema_version %d is below the minimum supported version %d; app upgrade required", req.DBSchemaVersion, h.minSchemaVersion))
		return
	}

	if errs := validation.ValidatePushRequest(req); len(errs) > 0 {
		WriteProblemWithErrors(w, r, "Request contains invalid fields", errs)
		return
	}
	var changeErrs []validation.ValidationError
	for i, change := range req.Changes {
		changeErrs = append(changeErrs, validation.ValidateChange(i, change)...)
	}
	if len(changeErrs) > 0 {
		WriteProblemWithErrors(w, r, "Request contains invalid changes", changeErrs)
		return
	}

	if err := h.pusher.Push(ctx, deviceID, req.Changes); err != nil {
		var pushErr *syncpkg.PushError
		if errors.As(err, &pushErr) {
			writePushError(w, r, pushErr)
			return
		}
		slog.Error("push transaction failed",
			"component", "api",
			"action", "sync_push_failed",
			"device_id", deviceID,
			"changes", len(req.Changes),
			"error", err,
		)
		WriteProblem(w, r, http.StatusInternalServerError, "Push failed")
		return
	}

	w.WriteHeader(http.StatusNoContent)

	slog.Info("push completed",
		"component", "api",
		"action", "sync_push",
		"device_id", deviceID,
		"changes", len(req.Changes),
		"duration_ms", time.Since(start).Milliseconds(),
	)
}

// writePushError reports the first failing change of a rejected batch.
func writePushError(w http.ResponseWriter, r *http.Request, pushErr *syncpkg.PushError) {
	resp := struct {
		Problem
		FailedChange *syncpkg.PushError `json:"failed_change"`
	}{
		Problem: Problem{
			Type:     "https://fieldsync.dev/errors/push-rejected",
			Title:    "Push Rejected",
			Status:   http.StatusUnprocessableEntity,
			Detail:   "No changes were applied. Fix the failing change and resubmit the batch.",
			Instance: r.URL.Path,
		},
		FailedChange: pushErr,
	}

	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(http.StatusUnprocessableEntity)
	json.NewEncoder(w).Encode(resp)
}

func asUnix(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.Unix()
}
