package geo

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeRedis is a map-backed stand-in for the redis client interface; the
// buffer only needs set/get/delete and the geo index.
type fakeRedis struct {
	mu    sync.Mutex
	store map[string]string
	geo   map[string]map[string]bool
}

func newFakeRedis() *fakeRedis {
	return &fakeRedis{
		store: make(map[string]string),
		geo:   make(map[string]map[string]bool),
	}
}

func (f *fakeRedis) SetWithExpiration(_ context.Context, key string, value interface{}, _ time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	switch v := value.(type) {
	case []byte:
		f.store[key] = string(v)
	case string:
		f.store[key] = v
	}
	return nil
}

func (f *fakeRedis) GetString(_ context.Context, key string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.store[key]
	if !ok {
		return "", context.DeadlineExceeded
	}
	return v, nil
}

func (f *fakeRedis) Delete(_ context.Context, keys ...string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, k := range keys {
		delete(f.store, k)
	}
	return nil
}

func (f *fakeRedis) Exists(_ context.Context, key string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.store[key]
	return ok, nil
}

func (f *fakeRedis) Close() error { return nil }

func (f *fakeRedis) GeoAdd(_ context.Context, key string, _, _ float64, member string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.geo[key] == nil {
		f.geo[key] = make(map[string]bool)
	}
	f.geo[key][member] = true
	return nil
}

func (f *fakeRedis) GeoRadius(_ context.Context, _ string, _, _, _ float64, _ int) ([]string, error) {
	return nil, nil
}

func (f *fakeRedis) GeoRemove(_ context.Context, key, member string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.geo[key] != nil {
		delete(f.geo[key], member)
	}
	return nil
}

func (f *fakeRedis) Expire(_ context.Context, _ string, _ time.Duration) error { return nil }

func (f *fakeRedis) MGet(_ context.Context, keys ...string) ([]interface{}, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]interface{}, len(keys))
	for i, k := range keys {
		if v, ok := f.store[k]; ok {
			out[i] = v
		}
	}
	return out, nil
}

func (f *fakeRedis) MGetStrings(_ context.Context, keys ...string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(keys))
	for i, k := range keys {
		out[i] = f.store[k]
	}
	return out, nil
}

func (f *fakeRedis) storedLocation(t *testing.T, driverID uuid.UUID) *DriverLocation {
	t.Helper()
	f.mu.Lock()
	raw, ok := f.store[driverLocationPrefix+driverID.String()]
	f.mu.Unlock()
	if !ok {
		return nil
	}
	var loc DriverLocation
	require.NoError(t, json.Unmarshal([]byte(raw), &loc))
	return &loc
}

func (f *fakeRedis) inGeoIndex(driverID uuid.UUID) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.geo[driverGeoIndexKey] != nil && f.geo[driverGeoIndexKey][driverID.String()]
}

func fix(driverID uuid.UUID, lat float64, at time.Time) LocationUpdate {
	return LocationUpdate{
		DriverID:  driverID,
		Latitude:  lat,
		Longitude: 13.405,
		H3Cell:    "891f1d48267ffff",
		Timestamp: at,
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		if cond() {
			return
		}
		select {
		case <-deadline:
			t.Fatal("condition not reached")
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestLocationBuffer_FlushesOnInterval(t *testing.T) {
	redis := newFakeRedis()
	lb := NewLocationBuffer(redis, LocationBufferConfig{
		FlushInterval: 20 * time.Millisecond,
		MaxPending:    1000,
	})
	defer lb.Stop()

	driverID := uuid.New()
	lb.Enqueue(fix(driverID, 52.52, time.Now()))

	waitFor(t, func() bool { return redis.storedLocation(t, driverID) != nil })
	assert.True(t, redis.inGeoIndex(driverID))
}

func TestLocationBuffer_FullBufferFlushesEarly(t *testing.T) {
	redis := newFakeRedis()
	lb := NewLocationBuffer(redis, LocationBufferConfig{
		FlushInterval: time.Hour, // the ticker must not be the trigger
		MaxPending:    5,
	})
	defer lb.Stop()

	ids := make([]uuid.UUID, 5)
	for i := range ids {
		ids[i] = uuid.New()
		lb.Enqueue(fix(ids[i], 52.52+float64(i)*0.001, time.Now()))
	}

	waitFor(t, func() bool { return redis.storedLocation(t, ids[4]) != nil })
}

func TestLocationBuffer_NewestFixPerDriverWins(t *testing.T) {
	redis := newFakeRedis()
	lb := NewLocationBuffer(redis, LocationBufferConfig{
		FlushInterval: time.Hour,
		MaxPending:    1000,
	})

	driverID := uuid.New()
	base := time.Now()
	lb.Enqueue(fix(driverID, 52.52, base.Add(2*time.Second)))
	// Out-of-order older fix must not overwrite the pending newer one.
	lb.Enqueue(fix(driverID, 99.99, base))

	lb.Stop()

	loc := redis.storedLocation(t, driverID)
	require.NotNil(t, loc)
	assert.InDelta(t, 52.52, loc.Latitude, 1e-9)
}

func TestLocationBuffer_StopDrainsPending(t *testing.T) {
	redis := newFakeRedis()
	lb := NewLocationBuffer(redis, LocationBufferConfig{
		FlushInterval: time.Hour,
		MaxPending:    1000,
	})

	driverID := uuid.New()
	lb.Enqueue(fix(driverID, 52.52, time.Now()))

	lb.Stop()

	require.NotNil(t, redis.storedLocation(t, driverID))

	// A second Stop is a no-op, not a panic.
	lb.Stop()
}

func TestLocationBuffer_ConcurrentEnqueue(t *testing.T) {
	redis := newFakeRedis()
	lb := NewLocationBuffer(redis, LocationBufferConfig{
		FlushInterval: 20 * time.Millisecond,
		MaxPending:    1000,
	})

	ids := make([]uuid.UUID, 50)
	var wg sync.WaitGroup
	for i := range ids {
		ids[i] = uuid.New()
		wg.Add(1)
		go func(id uuid.UUID) {
			defer wg.Done()
			lb.Enqueue(fix(id, 52.52, time.Now()))
		}(ids[i])
	}
	wg.Wait()

	lb.Stop()

	for _, id := range ids {
		require.NotNil(t, redis.storedLocation(t, id))
	}
}
