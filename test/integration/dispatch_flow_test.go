//go:build integration

package integration

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/courierflow/dispatch/internal/assignments"
	"github.com/courierflow/dispatch/internal/drivers"
	"github.com/courierflow/dispatch/internal/orders"
	"github.com/courierflow/dispatch/pkg/models"
	"github.com/courierflow/dispatch/test/helpers"
)

var dispatchTables = []string{
	"order_assignments", "driver_locations", "orders", "drivers",
}

func seedDriver(t *testing.T, repo *drivers.Repository) *models.Driver {
	t.Helper()
	d := &models.Driver{
		ID:            uuid.New(),
		Name:          "Integration Driver",
		Phone:         "+490000000000",
		VehicleType:   "cargo_bike",
		MaxConcurrent: 3,
		Status:        models.DriverStatusOffline,
	}
	require.NoError(t, repo.Create(context.Background(), d))
	ok, err := repo.UpdateStatus(context.Background(), d.ID, models.DriverStatusOffline, models.DriverStatusAvailable)
	require.NoError(t, err)
	require.True(t, ok)
	return d
}

func seedOrder(t *testing.T, repo *orders.Repository) *models.Order {
	t.Helper()
	o := &models.Order{
		ID:                 uuid.New(),
		PickupLat:          52.5200,
		PickupLon:          13.4050,
		DropoffLat:         52.5310,
		DropoffLon:         13.3840,
		RequestedDate:      time.Now().UTC().Truncate(24 * time.Hour),
		BasePriority:       5,
		PriorityMultiplier: 1.0,
		Status:             models.OrderStatusPending,
	}
	require.NoError(t, repo.Create(context.Background(), o))
	return o
}

func offerFor(order *models.Order, driver *models.Driver, expiresAt time.Time) *models.Assignment {
	now := time.Now().UTC()
	return &models.Assignment{
		ID:                  uuid.New(),
		OrderID:             order.ID,
		DriverID:            driver.ID,
		Sequence:            1,
		EstimatedPickupAt:   now.Add(10 * time.Minute),
		EstimatedDeliveryAt: now.Add(25 * time.Minute),
		OfferExpiresAt:      &expiresAt,
		OfferRound:          1,
	}
}

// TestIntegration_OfferAcceptFlow walks an offer through acceptance against a
// real database: the conditional updates and the order/assignment atomicity
// only show their behaviour under actual transactions.
func TestIntegration_OfferAcceptFlow(t *testing.T) {
	pool := helpers.SetupTestDatabase(t)
	helpers.ResetTables(t, pool, dispatchTables...)
	ctx := context.Background()

	orderRepo := orders.NewRepository(pool)
	driverRepo := drivers.NewRepository(pool)
	assignRepo := assignments.NewRepository(pool)

	driver := seedDriver(t, driverRepo)
	order := seedOrder(t, orderRepo)

	a := offerFor(order, driver, time.Now().UTC().Add(10*time.Minute))
	ok, err := assignRepo.CreateOffered(ctx, a)
	require.NoError(t, err)
	require.True(t, ok)

	stored, err := orderRepo.GetByID(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusOffered, stored.Status)

	accepted, ok, err := assignRepo.Accept(ctx, a.ID, driver.ID, time.Now().UTC())
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, models.AssignmentStatusAccepted, accepted.Status)

	stored, err = orderRepo.GetByID(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusAssigned, stored.Status)

	// A second accept must lose the conditional update, not double-accept.
	_, ok, err = assignRepo.Accept(ctx, a.ID, driver.ID, time.Now().UTC())
	require.NoError(t, err)
	assert.False(t, ok)
}

// TestIntegration_RejectBoostsOrder verifies the reject transaction: boost,
// blacklist and the order's return to the pool all land atomically.
func TestIntegration_RejectBoostsOrder(t *testing.T) {
	pool := helpers.SetupTestDatabase(t)
	helpers.ResetTables(t, pool, dispatchTables...)
	ctx := context.Background()

	orderRepo := orders.NewRepository(pool)
	driverRepo := drivers.NewRepository(pool)
	assignRepo := assignments.NewRepository(pool)

	driver := seedDriver(t, driverRepo)
	order := seedOrder(t, orderRepo)

	a := offerFor(order, driver, time.Now().UTC().Add(10*time.Minute))
	ok, err := assignRepo.CreateOffered(ctx, a)
	require.NoError(t, err)
	require.True(t, ok)

	reason := "too far"
	outcome, ok, err := assignRepo.Reject(ctx, a.ID, driver.ID, &reason, time.Now().UTC())
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 1, outcome.RejectionCount)
	assert.InDelta(t, 1.2, outcome.PriorityMultiplier, 1e-9)

	stored, err := orderRepo.GetByID(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusPending, stored.Status)
	assert.Contains(t, stored.RejectedDriverIDs, driver.ID)

	// The blacklist guard must block a re-offer to the same driver.
	retry := offerFor(order, driver, time.Now().UTC().Add(10*time.Minute))
	ok, err = assignRepo.RebuildRejected(ctx, retry, *retry.OfferExpiresAt)
	require.NoError(t, err)
	assert.False(t, ok)

	// A different driver goes through, reusing the rejected row in place.
	other := seedDriver(t, driverRepo)
	retry = offerFor(order, other, time.Now().UTC().Add(10*time.Minute))
	retry.ID = a.ID
	ok, err = assignRepo.RebuildRejected(ctx, retry, *retry.OfferExpiresAt)
	require.NoError(t, err)
	require.True(t, ok)

	latest, err := assignRepo.LatestByOrder(ctx, order.ID)
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, a.ID, latest.ID)
	assert.Equal(t, other.ID, latest.DriverID)
	assert.Equal(t, models.AssignmentStatusOffered, latest.Status)
	assert.Equal(t, 2, latest.OfferRound)
}

// TestIntegration_ExpireStaleIsIdempotent runs the expiry sweep twice; the
// second pass must find nothing left to expire.
func TestIntegration_ExpireStaleIsIdempotent(t *testing.T) {
	pool := helpers.SetupTestDatabase(t)
	helpers.ResetTables(t, pool, dispatchTables...)
	ctx := context.Background()

	orderRepo := orders.NewRepository(pool)
	driverRepo := drivers.NewRepository(pool)
	assignRepo := assignments.NewRepository(pool)

	driver := seedDriver(t, driverRepo)
	order := seedOrder(t, orderRepo)

	a := offerFor(order, driver, time.Now().UTC().Add(-time.Minute))
	ok, err := assignRepo.CreateOffered(ctx, a)
	require.NoError(t, err)
	require.True(t, ok)

	expired, err := assignRepo.ExpireStale(ctx, time.Now().UTC())
	require.NoError(t, err)
	require.Len(t, expired, 1)
	assert.Equal(t, a.ID, expired[0].Assignment.ID)
	assert.InDelta(t, 1.2, expired[0].PriorityMultiplier, 1e-9)

	stored, err := orderRepo.GetByID(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusPending, stored.Status)

	expired, err = assignRepo.ExpireStale(ctx, time.Now().UTC())
	require.NoError(t, err)
	assert.Empty(t, expired)
}
