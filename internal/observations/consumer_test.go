package observations

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/courierflow/dispatch/internal/geo"
	"github.com/courierflow/dispatch/pkg/eventbus"
)

// ─── stubs ───────────────────────────────────────────────────────────────────

type stubStore struct {
	inserted  []*Observation
	insertErr error

	prunedBefore time.Time
	pruneCount   int64
	pruneErr     error
}

func (s *stubStore) Insert(_ context.Context, obs *Observation) error {
	if s.insertErr != nil {
		return s.insertErr
	}
	s.inserted = append(s.inserted, obs)
	return nil
}

func (s *stubStore) DeleteOlderThan(_ context.Context, cutoff time.Time) (int64, error) {
	if s.pruneErr != nil {
		return 0, s.pruneErr
	}
	s.prunedBefore = cutoff
	return s.pruneCount, nil
}

func legEvent(t *testing.T, data *eventbus.DeliveryLegCompletedData) *eventbus.Event {
	t.Helper()
	event, err := eventbus.NewEvent(eventbus.SubjectDeliveryLegCompleted, "dispatch", data)
	require.NoError(t, err)
	return event
}

func sampleLegData() *eventbus.DeliveryLegCompletedData {
	return &eventbus.DeliveryLegCompletedData{
		DriverID:         uuid.New(),
		OrderID:          uuid.New(),
		FromLatitude:     37.7749,
		FromLongitude:    -122.4194,
		ToLatitude:       37.7849,
		ToLongitude:      -122.4094,
		PredictedSeconds: 540,
		ActualSeconds:    612,
		DistanceM:        1834,
		HourOfDay:        12,
		DayOfWeek:        2,
		CompletedAt:      time.Date(2025, 7, 1, 12, 10, 12, 0, time.UTC),
	}
}

// ─── tests ───────────────────────────────────────────────────────────────────

func TestHandleLegCompleted_RecordsObservation(t *testing.T) {
	store := &stubStore{}
	consumer := NewConsumer(store)
	data := sampleLegData()

	err := consumer.HandleLegCompleted(context.Background(), legEvent(t, data))

	require.NoError(t, err)
	require.Len(t, store.inserted, 1)

	obs := store.inserted[0]
	assert.Equal(t, data.DriverID, obs.DriverID)
	assert.Equal(t, data.OrderID, obs.OrderID)
	assert.Equal(t, data.ActualSeconds, obs.ActualSeconds)
	assert.Equal(t, data.PredictedSeconds, obs.PredictedSeconds)
	assert.Equal(t, data.HourOfDay, obs.HourOfDay)
	assert.Equal(t, data.DayOfWeek, obs.DayOfWeek)
	assert.True(t, data.CompletedAt.Equal(obs.CompletedAt))

	// Endpoints are bucketed at segment resolution on the way in.
	assert.Equal(t, geo.GetSegmentCell(data.FromLatitude, data.FromLongitude), obs.FromCell)
	assert.Equal(t, geo.GetSegmentCell(data.ToLatitude, data.ToLongitude), obs.ToCell)
}

func TestHandleLegCompleted_DropsMalformedPayload(t *testing.T) {
	store := &stubStore{}
	consumer := NewConsumer(store)
	event := &eventbus.Event{
		ID:   uuid.New().String(),
		Type: eventbus.SubjectDeliveryLegCompleted,
		Data: json.RawMessage(`{not json`),
	}

	err := consumer.HandleLegCompleted(context.Background(), event)

	// Acked and dropped: redelivery cannot repair a malformed payload.
	assert.NoError(t, err)
	assert.Empty(t, store.inserted)
}

func TestHandleLegCompleted_DropsNonPositiveActual(t *testing.T) {
	store := &stubStore{}
	consumer := NewConsumer(store)
	data := sampleLegData()
	data.ActualSeconds = 0

	err := consumer.HandleLegCompleted(context.Background(), legEvent(t, data))

	assert.NoError(t, err)
	assert.Empty(t, store.inserted)
}

func TestHandleLegCompleted_StoreErrorNacks(t *testing.T) {
	store := &stubStore{insertErr: errors.New("connection refused")}
	consumer := NewConsumer(store)

	err := consumer.HandleLegCompleted(context.Background(), legEvent(t, sampleLegData()))

	assert.Error(t, err)
	assert.Contains(t, err.Error(), "failed to store observation")
}

func TestPrune_UsesRetentionCutoff(t *testing.T) {
	store := &stubStore{pruneCount: 5}
	consumer := NewConsumer(store)

	removed, err := consumer.Prune(context.Background(), 90*24*time.Hour)

	require.NoError(t, err)
	assert.Equal(t, int64(5), removed)
	assert.WithinDuration(t, time.Now().Add(-90*24*time.Hour), store.prunedBefore, 2*time.Second)
}

func TestPrune_PropagatesStoreError(t *testing.T) {
	store := &stubStore{pruneErr: errors.New("deadlock detected")}
	consumer := NewConsumer(store)

	_, err := consumer.Prune(context.Background(), time.Hour)

	assert.Error(t, err)
}
