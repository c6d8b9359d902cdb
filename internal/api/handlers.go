package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/healthstack/fieldsync/internal/device"
	"github.com/healthstack/fieldsync/internal/stats"
	"github.com/healthstack/fieldsync/internal/store"
	syncpkg "github.com/healthstack/fieldsync/internal/sync"
	"github.com/healthstack/fieldsync/internal/types"
)

// Handler implements the API handlers.
type Handler struct {
	store            store.Store
	puller           *syncpkg.Puller
	pusher           *syncpkg.Pusher
	devices          *device.Service
	statsGate        *stats.Gate
	pageSize         int
	minSchemaVersion int
	version          string
}

// NewHandler wires the sync engines, pairing service, and stats gate.
func NewHandler(s store.Store, devices *device.Service, gate *stats.Gate, pageSize, minSchemaVersion int, version string) *Handler {
	return &Handler{
		store:            s,
		puller:           syncpkg.NewPuller(s),
		pusher:           syncpkg.NewPusher(s),
		devices:          devices,
		statsGate:        gate,
		pageSize:         pageSize,
		minSchemaVersion: minSchemaVersion,
		version:          version,
	}
}

// Health returns the health status
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	count, err := h.store.CountEntities(r.Context())
	if err != nil {
		WriteProblem(w, r, http.StatusInternalServerError, "Internal Server Error")
		return
	}
	latest, err := h.store.LatestRevision(r.Context())
	if err != nil {
		WriteProblem(w, r, http.StatusInternalServerError, "Internal Server Error")
		return
	}

	resp := types.HealthResponse{
		Status:         "healthy",
		Version:        h.version,
		EntityCount:    count,
		LatestRevision: latest,
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

// RedeemPairingCode handles POST /api/v1/device/pairing
func (h *Handler) RedeemPairingCode(w http.ResponseWriter, r *http.Request) {
	var req syncpkg.PairingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteProblem(w, r, http.StatusBadRequest, fmt.Sprintf("Invalid JSON: %s", err))
		return
	}

	cred, err := h.devices.Redeem(r.Context(), req.Code)
	if err != nil {
		if errors.Is(err, store.ErrPairingCode) {
			// Uniform rejection: unknown, reused, and malformed codes are
			// indistinguishable to the caller.
			WriteProblem(w, r, http.StatusForbidden, "Invalid pairing code")
			return
		}
		slog.Error("pairing redemption failed", "error", err)
		WriteProblem(w, r, http.StatusInternalServerError, "Internal Server Error")
		return
	}

	resp := syncpkg.PairingResponse{
		AccessToken: cred.Token,
		DeviceID:    cred.DeviceID,
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

// ReportIncident handles POST /api/v1/sync-incidents
func (h *Handler) ReportIncident(w http.ResponseWriter, r *http.Request) {
	var req syncpkg.IncidentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteProblem(w, r, http.StatusBadRequest, fmt.Sprintf("Invalid JSON: %s", err))
		return
	}
	if req.IncidentType == "" || req.ContentIdentifier == "" {
		WriteProblem(w, r, http.StatusBadRequest, "incident_type and content_identifier are required")
		return
	}

	deviceID := DeviceIDFromContext(r.Context())
	if err := h.store.RecordIncident(r.Context(), req.IncidentType, req.ContentIdentifier, deviceID, ""); err != nil {
		// Fire-and-forget from the client's perspective: log and accept.
		slog.Warn("failed to record client incident",
			"component", "api",
			"action", "incident_record_failed",
			"incident_type", req.IncidentType,
			"error", err,
		)
	}

	w.WriteHeader(http.StatusNoContent)
}
