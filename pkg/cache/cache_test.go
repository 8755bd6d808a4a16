package cache

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/go-redis/redismock/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	redisclient "github.com/courierflow/dispatch/pkg/redis"
)

type cachedDriver struct {
	ID            string `json:"id"`
	Name          string `json:"name"`
	MaxConcurrent int    `json:"max_concurrent"`
}

func newTestManager(t *testing.T) (*Manager, redismock.ClientMock) {
	t.Helper()
	db, mock := redismock.NewClientMock()
	return NewManager(&redisclient.Client{Client: db}), mock
}

func mustJSON(t *testing.T, v interface{}) string {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	return string(data)
}

func TestManager_Get(t *testing.T) {
	driver := cachedDriver{ID: "d-1", Name: "Dana", MaxConcurrent: 3}

	t.Run("hit unmarshals into result", func(t *testing.T) {
		m, mock := newTestManager(t)
		mock.ExpectGet("driver:d-1").SetVal(mustJSON(t, driver))

		var got cachedDriver
		require.NoError(t, m.Get(context.Background(), "driver:d-1", &got))
		assert.Equal(t, driver, got)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("miss surfaces redis.Nil", func(t *testing.T) {
		m, mock := newTestManager(t)
		mock.ExpectGet("driver:absent").RedisNil()

		var got cachedDriver
		assert.Error(t, m.Get(context.Background(), "driver:absent", &got))
	})

	t.Run("corrupt payload is an error", func(t *testing.T) {
		m, mock := newTestManager(t)
		mock.ExpectGet("driver:d-1").SetVal("{not json")

		var got cachedDriver
		assert.Error(t, m.Get(context.Background(), "driver:d-1", &got))
	})
}

func TestManager_Set(t *testing.T) {
	driver := cachedDriver{ID: "d-1", Name: "Dana", MaxConcurrent: 3}

	t.Run("marshals and sets with ttl", func(t *testing.T) {
		m, mock := newTestManager(t)
		mock.ExpectSet("driver:d-1", mustJSON(t, driver), TTL.Medium()).SetVal("OK")

		require.NoError(t, m.Set(context.Background(), "driver:d-1", driver, TTL.Medium()))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("unmarshalable value fails before redis", func(t *testing.T) {
		m, _ := newTestManager(t)
		err := m.Set(context.Background(), "bad", make(chan int), time.Minute)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "failed to marshal cache value")
	})

	t.Run("redis failure propagates", func(t *testing.T) {
		m, mock := newTestManager(t)
		mock.ExpectSet("driver:d-1", mustJSON(t, driver), time.Minute).SetErr(errors.New("connection refused"))

		assert.Error(t, m.Set(context.Background(), "driver:d-1", driver, time.Minute))
	})
}

func TestManager_GetOrSet(t *testing.T) {
	driver := cachedDriver{ID: "d-1", Name: "Dana", MaxConcurrent: 3}

	t.Run("hit skips the loader", func(t *testing.T) {
		m, mock := newTestManager(t)
		mock.ExpectGet("driver:d-1").SetVal(mustJSON(t, driver))

		var got cachedDriver
		err := m.GetOrSet(context.Background(), "driver:d-1", TTL.Medium(), &got, func() (interface{}, error) {
			t.Fatal("loader must not run on a cache hit")
			return nil, nil
		})
		require.NoError(t, err)
		assert.Equal(t, driver, got)
	})

	t.Run("miss runs the loader and fills result", func(t *testing.T) {
		m, mock := newTestManager(t)
		mock.ExpectGet("driver:d-1").RedisNil()
		// The write-back happens on a background goroutine.
		mock.ExpectSet("driver:d-1", mustJSON(t, driver), TTL.Medium()).SetVal("OK")

		var got cachedDriver
		err := m.GetOrSet(context.Background(), "driver:d-1", TTL.Medium(), &got, func() (interface{}, error) {
			return driver, nil
		})
		require.NoError(t, err)
		assert.Equal(t, driver, got)
	})

	t.Run("loader error propagates", func(t *testing.T) {
		m, mock := newTestManager(t)
		mock.ExpectGet("driver:d-1").RedisNil()

		var got cachedDriver
		err := m.GetOrSet(context.Background(), "driver:d-1", time.Minute, &got, func() (interface{}, error) {
			return nil, errors.New("store unavailable")
		})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "store unavailable")
	})
}

func TestManager_Delete(t *testing.T) {
	m, mock := newTestManager(t)
	mock.ExpectDel("driver:d-1", "driver:status:d-1").SetVal(2)

	require.NoError(t, m.Delete(context.Background(), "driver:d-1", "driver:status:d-1"))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestManager_Invalidate(t *testing.T) {
	t.Run("scans and deletes matches", func(t *testing.T) {
		m, mock := newTestManager(t)
		mock.ExpectScan(0, "driver:*", 100).SetVal([]string{"driver:a", "driver:b"}, 0)
		mock.ExpectDel("driver:a", "driver:b").SetVal(2)

		require.NoError(t, m.Invalidate(context.Background(), "driver:*"))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("no matches is a no-op", func(t *testing.T) {
		m, mock := newTestManager(t)
		mock.ExpectScan(0, "driver:*", 100).SetVal(nil, 0)

		require.NoError(t, m.Invalidate(context.Background(), "driver:*"))
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestCacheKeys(t *testing.T) {
	tests := []struct {
		name string
		got  string
		want string
	}{
		{"order", Keys.Order("o-1"), "order:o-1"},
		{"driver", Keys.Driver("d-1"), "driver:d-1"},
		{"driver location", Keys.DriverLocation("d-1"), "driver:location:d-1"},
		{"driver status", Keys.DriverStatus("d-1"), "driver:status:d-1"},
		{"driver route", Keys.DriverRoute("d-1"), "driver:route:d-1"},
		{"driver stats", Keys.DriverStats("d-1"), "driver:stats:d-1"},
		{"order offer", Keys.OrderOffer("o-1", "d-1"), "order_offer:o-1:d-1"},
		{"pending orders", Keys.PendingOrders(), "orders:pending"},
		{"draft session", Keys.DraftSession("s-1"), "draft_session:s-1"},
		{"cycle lock", Keys.MatchingCycleLock(), "matching:cycle:lock"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.got)
		})
	}
}

func TestCacheKeys_NearbyDriversQuantisesCoordinates(t *testing.T) {
	// Lookups that agree to six decimal places share a key; a different
	// radius does not.
	a := Keys.NearbyDrivers(52.5200001, 13.4050001, 3000)
	b := Keys.NearbyDrivers(52.52, 13.405, 3000)
	c := Keys.NearbyDrivers(52.52, 13.405, 5000)

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
}

func TestCacheTTLBands(t *testing.T) {
	assert.Equal(t, 5*time.Minute, TTL.Short())
	assert.Equal(t, 15*time.Minute, TTL.Medium())
	assert.Equal(t, time.Hour, TTL.Long())
	assert.Less(t, TTL.Long(), TTL.VeryLong())
}
