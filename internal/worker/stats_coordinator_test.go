package worker

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/healthstack/fieldsync/internal/store"
)

type fakeCacheStore struct {
	mu      sync.Mutex
	entries map[string]string
	scopes  []string
}

func newFakeCacheStore(scopes ...string) *fakeCacheStore {
	return &fakeCacheStore{entries: make(map[string]string), scopes: scopes}
}

func (f *fakeCacheStore) GetStatsCache(ctx context.Context, scopeUUID string) (*store.StatsCacheEntry, error) {
	return nil, store.ErrNotFound
}

func (f *fakeCacheStore) PutStatsCache(ctx context.Context, scopeUUID, payload, hash string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entries[scopeUUID] = payload
	return nil
}

func (f *fakeCacheStore) ListShardScopes(ctx context.Context) ([]string, error) {
	return f.scopes, nil
}

func (f *fakeCacheStore) CountEntitiesByType(ctx context.Context, scopeUUID string) (map[string]int64, error) {
	return map[string]int64{"person": 1}, nil
}

func (f *fakeCacheStore) LastModified(ctx context.Context, shard string) (time.Time, error) {
	return time.Time{}, nil
}

func (f *fakeCacheStore) has(scope string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.entries[scope]
	return ok
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("Condition not met before deadline")
}

func TestStatsCoordinator_DrainsRequests(t *testing.T) {
	f := newFakeCacheStore()
	requests := make(chan string, 1)
	c := NewStatsCoordinator(f, requests, time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		c.Run(ctx)
	}()

	requests <- "hc-0001"
	waitFor(t, func() bool { return f.has("hc-0001") })

	cancel()
	<-done
}

func TestStatsCoordinator_PeriodicSweep(t *testing.T) {
	f := newFakeCacheStore("hc-0001", "hc-0002")
	c := NewStatsCoordinator(f, make(chan string), 10*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		c.Run(ctx)
	}()

	waitFor(t, func() bool { return f.has("hc-0001") && f.has("hc-0002") })

	cancel()
	<-done
}
