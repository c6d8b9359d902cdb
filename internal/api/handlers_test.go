package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/google/uuid"

	"github.com/healthstack/fieldsync/internal/device"
	"github.com/healthstack/fieldsync/internal/stats"
	"github.com/healthstack/fieldsync/internal/store"
	syncpkg "github.com/healthstack/fieldsync/internal/sync"
	"github.com/healthstack/fieldsync/internal/types"
)

type testEnv struct {
	db      *store.SQLiteStore
	devices *device.Service
	gate    *stats.Gate
	router  http.Handler
	token   string
}

// newTestEnv wires a full server over a throwaway database and pairs one
// device so protected routes are reachable.
func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	db, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })

	devices := device.NewService(db)
	gate := stats.NewGate(db)
	h := NewHandler(db, devices, gate, 50, 2, "test")
	router := NewRouter(h, devices)

	d, err := devices.Register(context.Background(), "test-device")
	if err != nil {
		t.Fatal(err)
	}
	cred, err := devices.Redeem(context.Background(), d.PairingCode)
	if err != nil {
		t.Fatal(err)
	}

	return &testEnv{db: db, devices: devices, gate: gate, router: router, token: cred.Token}
}

func (e *testEnv) do(t *testing.T, method, path string, body any, authed bool) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	if authed {
		req.Header.Set("Authorization", "Bearer "+e.token)
	}
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

// pushChanges applies a batch through the API and fails the test on any
// non-204 response.
func (e *testEnv) pushChanges(t *testing.T, changes []syncpkg.Change) {
	t.Helper()
	rec := e.do(t, http.MethodPost, "/api/v1/sync", syncpkg.PushRequest{
		DBSchemaVersion: 2,
		Changes:         changes,
	}, true)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("Expected 204 from push, got %d: %s", rec.Code, rec.Body.String())
	}
}

func decodeProblem(t *testing.T, rec *httptest.ResponseRecorder) Problem {
	t.Helper()
	if ct := rec.Header().Get("Content-Type"); ct != "application/problem+json" {
		t.Errorf("Expected problem+json content type, got %q", ct)
	}
	var p Problem
	if err := json.Unmarshal(rec.Body.Bytes(), &p); err != nil {
		t.Fatal(err)
	}
	return p
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodGet, "/api/v1/health", nil, false)
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rec.Code)
	}

	var resp types.HealthResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Status != "healthy" {
		t.Errorf("Expected status healthy, got %q", resp.Status)
	}
	if resp.Version != "test" {
		t.Errorf("Expected version test, got %q", resp.Version)
	}
}

func TestAuthRequired(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodGet, "/api/v1/sync?base_revision=0&db_schema_version=2", nil, false)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("Expected 401 without a token, got %d", rec.Code)
	}
	p := decodeProblem(t, rec)
	if p.Status != http.StatusUnauthorized {
		t.Errorf("Expected problem status 401, got %d", p.Status)
	}
}

func TestAuthRejectsBadToken(t *testing.T) {
	env := newTestEnv(t)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/sync?base_revision=0&db_schema_version=2", nil)
	req.Header.Set("Authorization", "Bearer not-a-real-token")
	rec := httptest.NewRecorder()
	env.router.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("Expected 401 for an unknown token, got %d", rec.Code)
	}
}

func TestPairingRedemption(t *testing.T) {
	env := newTestEnv(t)

	d, err := env.devices.Register(context.Background(), "second-device")
	if err != nil {
		t.Fatal(err)
	}

	rec := env.do(t, http.MethodPost, "/api/v1/device/pairing",
		syncpkg.PairingRequest{Code: d.PairingCode}, false)
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	var resp syncpkg.PairingResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.AccessToken == "" {
		t.Error("Expected an access token")
	}
	if resp.DeviceID != d.ID {
		t.Errorf("Expected device id %d, got %d", d.ID, resp.DeviceID)
	}

	// The code is consumed: a second redemption fails uniformly.
	rec = env.do(t, http.MethodPost, "/api/v1/device/pairing",
		syncpkg.PairingRequest{Code: d.PairingCode}, false)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("Expected 403 on reuse, got %d", rec.Code)
	}
}

func TestPairingInvalidCode(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/api/v1/device/pairing",
		syncpkg.PairingRequest{Code: "NOSUCHCODE00"}, false)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("Expected 403, got %d", rec.Code)
	}
}

func TestReportIncident(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/api/v1/sync-incidents",
		syncpkg.IncidentRequest{IncidentType: "photo_missing", ContentIdentifier: "photo-0001"}, true)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("Expected 204, got %d", rec.Code)
	}

	count, err := env.db.CountIncidents(context.Background(), "photo_missing")
	if err != nil {
		t.Fatal(err)
	}
	if count != 1 {
		t.Errorf("Expected 1 recorded incident, got %d", count)
	}

	rec = env.do(t, http.MethodPost, "/api/v1/sync-incidents",
		syncpkg.IncidentRequest{IncidentType: "photo_missing"}, true)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("Expected 400 for a missing content identifier, got %d", rec.Code)
	}
}

func seedClinic(t *testing.T, env *testEnv) string {
	t.Helper()
	clinic := uuid.NewString()
	env.pushChanges(t, []syncpkg.Change{{
		Type:   types.TypeHealthCenter,
		Method: syncpkg.MethodCreate,
		UUID:   clinic,
		Data:   map[string]any{"name": "North Clinic"},
	}})
	return clinic
}

func TestPull(t *testing.T) {
	env := newTestEnv(t)
	clinic := seedClinic(t, env)

	rec := env.do(t, http.MethodGet, "/api/v1/sync?base_revision=0&db_schema_version=2", nil, true)
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	var resp syncpkg.PullResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if len(resp.Batch) != 1 {
		t.Fatalf("Expected 1 record, got %d", len(resp.Batch))
	}
	if resp.Batch[0].UUID != clinic {
		t.Errorf("Expected clinic %s, got %s", clinic, resp.Batch[0].UUID)
	}
	if resp.BaseRevision != 1 {
		t.Errorf("Expected cursor 1, got %d", resp.BaseRevision)
	}
	if resp.RevisionCount != 0 {
		t.Errorf("Expected 0 remaining, got %d", resp.RevisionCount)
	}
	if resp.LastTimestamp == 0 {
		t.Error("Expected a last timestamp")
	}
}

func TestPullParamValidation(t *testing.T) {
	env := newTestEnv(t)

	cases := []struct {
		name  string
		query string
	}{
		{"missing base_revision", "db_schema_version=2"},
		{"bad base_revision", "base_revision=abc&db_schema_version=2"},
		{"negative base_revision", "base_revision=-1&db_schema_version=2"},
		{"missing db_schema_version", "base_revision=0"},
		{"bad db_schema_version", "base_revision=0&db_schema_version=x"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := env.do(t, http.MethodGet, "/api/v1/sync?"+tc.query, nil, true)
			if rec.Code != http.StatusBadRequest {
				t.Errorf("Expected 400, got %d", rec.Code)
			}
		})
	}
}

func TestPullRejectsOldSchema(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodGet, "/api/v1/sync?base_revision=0&db_schema_version=1", nil, true)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("Expected 400, got %d", rec.Code)
	}
	p := decodeProblem(t, rec)
	if want := "app upgrade required"; !bytes.Contains([]byte(p.Detail), []byte(want)) {
		t.Errorf("Expected detail mentioning %q, got %q", want, p.Detail)
	}
}

func TestPullShard(t *testing.T) {
	env := newTestEnv(t)
	clinic := seedClinic(t, env)

	person := uuid.NewString()
	env.pushChanges(t, []syncpkg.Change{{
		Type:   types.TypePerson,
		Method: syncpkg.MethodCreate,
		UUID:   person,
		Data:   map[string]any{"first_name": "Amina", "health_centers": []any{clinic}},
	}})

	path := fmt.Sprintf("/api/v1/sync/%s?base_revision=0&db_schema_version=2", clinic)
	rec := env.do(t, http.MethodGet, path, nil, true)
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	var resp syncpkg.PullResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if len(resp.Batch) != 1 {
		t.Fatalf("Expected 1 sharded record, got %d", len(resp.Batch))
	}
	if resp.Batch[0].UUID != person {
		t.Errorf("Expected person %s, got %s", person, resp.Batch[0].UUID)
	}
}

func TestPullShardInvalidScope(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodGet, "/api/v1/sync/not-a-uuid?base_revision=0&db_schema_version=2", nil, true)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("Expected 400 for a malformed scope, got %d", rec.Code)
	}
}

func TestPullShardStatsRideAlong(t *testing.T) {
	env := newTestEnv(t)
	clinic := seedClinic(t, env)

	if err := env.db.PutStatsCache(context.Background(), clinic, `{"counts":{"person":3}}`, "hash-v1"); err != nil {
		t.Fatal(err)
	}

	// A stale client hash gets the refreshed payload.
	path := fmt.Sprintf("/api/v1/sync/%s?base_revision=0&db_schema_version=2&stats_cache_hash=old", clinic)
	rec := env.do(t, http.MethodGet, path, nil, true)
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rec.Code)
	}
	var resp syncpkg.PullResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.StatsCacheHash != "hash-v1" {
		t.Errorf("Expected stats hash hash-v1, got %q", resp.StatsCacheHash)
	}
	if len(resp.Stats) == 0 {
		t.Error("Expected a stats payload")
	}

	// A current hash gets no payload.
	path = fmt.Sprintf("/api/v1/sync/%s?base_revision=0&db_schema_version=2&stats_cache_hash=hash-v1", clinic)
	rec = env.do(t, http.MethodGet, path, nil, true)
	resp = syncpkg.PullResponse{}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.StatsCacheHash != "" || len(resp.Stats) != 0 {
		t.Error("Expected no stats update for a current hash")
	}
}

func TestPushValidation(t *testing.T) {
	env := newTestEnv(t)

	// Empty batch.
	rec := env.do(t, http.MethodPost, "/api/v1/sync", syncpkg.PushRequest{
		DBSchemaVersion: 2,
	}, true)
	if rec.Code != http.StatusUnprocessableEntity {
		t.Errorf("Expected 422 for an empty batch, got %d", rec.Code)
	}

	// Old schema.
	rec = env.do(t, http.MethodPost, "/api/v1/sync", syncpkg.PushRequest{
		DBSchemaVersion: 1,
		Changes:         []syncpkg.Change{{Type: types.TypeNurse, Method: syncpkg.MethodCreate, Data: map[string]any{}}},
	}, true)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for an old schema, got %d", rec.Code)
	}

	// Malformed change.
	rec = env.do(t, http.MethodPost, "/api/v1/sync", syncpkg.PushRequest{
		DBSchemaVersion: 2,
		Changes:         []syncpkg.Change{{Type: "spaceship", Method: "teleport", Data: map[string]any{}}},
	}, true)
	if rec.Code != http.StatusUnprocessableEntity {
		t.Errorf("Expected 422 for a malformed change, got %d", rec.Code)
	}
}

func TestPushRejectedBatchReportsFailingChange(t *testing.T) {
	env := newTestEnv(t)

	missing := uuid.NewString()
	rec := env.do(t, http.MethodPost, "/api/v1/sync", syncpkg.PushRequest{
		DBSchemaVersion: 2,
		Changes: []syncpkg.Change{
			{Type: types.TypeNurse, Method: syncpkg.MethodCreate, UUID: uuid.NewString(), Data: map[string]any{"name": "ok"}},
			{Type: types.TypePerson, Method: syncpkg.MethodUpdate, UUID: missing, Data: map[string]any{"first_name": "x"}},
		},
	}, true)
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("Expected 422, got %d: %s", rec.Code, rec.Body.String())
	}

	var resp struct {
		Problem
		FailedChange struct {
			Index int    `json:"index"`
			UUID  string `json:"uuid"`
		} `json:"failed_change"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.FailedChange.Index != 1 {
		t.Errorf("Expected failing change index 1, got %d", resp.FailedChange.Index)
	}
	if resp.FailedChange.UUID != missing {
		t.Errorf("Expected failing uuid %s, got %s", missing, resp.FailedChange.UUID)
	}

	// The whole batch rolled back.
	count, err := env.db.CountEntities(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if count != 0 {
		t.Errorf("Expected 0 entities after a rejected batch, got %d", count)
	}
}

func TestExtractBearerToken(t *testing.T) {
	cases := []struct {
		header string
		want   string
	}{
		{"", ""},
		{"Bearer abc123", "abc123"},
		{"bearer abc123", ""},
		{"Basic abc123", ""},
		{"Bearer  abc123 ", "abc123"},
	}
	for _, tc := range cases {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		if tc.header != "" {
			req.Header.Set("Authorization", tc.header)
		}
		if got := extractBearerToken(req); got != tc.want {
			t.Errorf("header %q: expected %q, got %q", tc.header, tc.want, got)
		}
	}
}
