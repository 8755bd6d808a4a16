package main

import (
	"context"
	"flag"
	"fmt"
	"math"
	"math/rand"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/courierflow/dispatch/internal/drivers"
	"github.com/courierflow/dispatch/internal/orders"
	"github.com/courierflow/dispatch/pkg/config"
	"github.com/courierflow/dispatch/pkg/database"
	"github.com/courierflow/dispatch/pkg/logger"
	"github.com/courierflow/dispatch/pkg/models"
)

// seed loads a synthetic city: a fleet of available drivers and a book of
// pending orders scattered around a centre point. It exists so a fresh
// database can exercise the matching loop without any external traffic.
func main() {
	var (
		driverCount = flag.Int("drivers", 3, "number of drivers to create")
		orderCount  = flag.Int("orders", 10, "number of pending orders to create")
		centerLat   = flag.Float64("lat", 52.5200, "centre latitude")
		centerLon   = flag.Float64("lon", 13.4050, "centre longitude")
		spreadKm    = flag.Float64("spread-km", 10, "max distance of points from the centre")
		capacity    = flag.Int("capacity", models.DefaultMaxConcurrent, "driver concurrent-load capacity")
		seed        = flag.Int64("seed", 0, "PRNG seed; 0 uses the clock")
	)
	flag.Parse()

	if err := run(*driverCount, *orderCount, *centerLat, *centerLon, *spreadKm, *capacity, *seed); err != nil {
		fmt.Fprintf(os.Stderr, "seed: %v\n", err)
		os.Exit(1)
	}
}

func run(driverCount, orderCount int, centerLat, centerLon, spreadKm float64, capacity int, seed int64) error {
	cfg, err := config.Load("seed")
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	defer cfg.Close()

	if err := logger.Init(cfg.Server.Environment); err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer logger.Sync()

	db, err := database.NewPostgresPool(&cfg.Database)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer database.Close(db)

	if err := database.RunMigrations(&cfg.Database); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	rng := rand.New(rand.NewSource(seed))

	ctx := context.Background()
	driverRepo := drivers.NewRepository(db)
	orderRepo := orders.NewRepository(db)

	for i := 0; i < driverCount; i++ {
		d := &models.Driver{
			ID:            uuid.New(),
			Name:          fmt.Sprintf("Seed Driver %d", i+1),
			Phone:         fmt.Sprintf("+4915%08d", rng.Intn(100000000)),
			VehicleType:   pickVehicle(rng),
			MaxConcurrent: capacity,
			Status:        models.DriverStatusOffline,
		}
		if err := driverRepo.Create(ctx, d); err != nil {
			return fmt.Errorf("create driver %d: %w", i+1, err)
		}
		if _, err := driverRepo.UpdateStatus(ctx, d.ID, models.DriverStatusOffline, models.DriverStatusAvailable); err != nil {
			return fmt.Errorf("bring driver %d online: %w", i+1, err)
		}

		lat, lon := jitter(rng, centerLat, centerLon, spreadKm)
		loc := &models.DriverLocation{
			DriverID: d.ID,
			Lat:      lat,
			Lon:      lon,
		}
		if err := driverRepo.RecordLocation(ctx, loc); err != nil {
			return fmt.Errorf("record driver %d location: %w", i+1, err)
		}
	}

	for i := 0; i < orderCount; i++ {
		pickupLat, pickupLon := jitter(rng, centerLat, centerLon, spreadKm)
		dropoffLat, dropoffLon := jitter(rng, centerLat, centerLon, spreadKm)
		o := &models.Order{
			ID:                 uuid.New(),
			PickupLat:          pickupLat,
			PickupLon:          pickupLon,
			DropoffLat:         dropoffLat,
			DropoffLon:         dropoffLon,
			RequestedDate:      time.Now().UTC().Truncate(24 * time.Hour),
			BasePriority:       1 + rng.Intn(10),
			PriorityMultiplier: 1.0,
			Status:             models.OrderStatusPending,
		}
		if err := orderRepo.Create(ctx, o); err != nil {
			return fmt.Errorf("create order %d: %w", i+1, err)
		}
	}

	fmt.Printf("seeded %d drivers and %d orders around (%.4f, %.4f), seed %d\n",
		driverCount, orderCount, centerLat, centerLon, seed)
	return nil
}

// jitter places a point uniformly within spreadKm of the centre.
func jitter(rng *rand.Rand, lat, lon, spreadKm float64) (float64, float64) {
	distKm := spreadKm * math.Sqrt(rng.Float64())
	bearing := rng.Float64() * 2 * math.Pi

	dLat := (distKm / 111.0) * math.Cos(bearing)
	dLon := (distKm / (111.0 * math.Cos(lat*math.Pi/180))) * math.Sin(bearing)
	return lat + dLat, lon + dLon
}

func pickVehicle(rng *rand.Rand) string {
	vehicles := []string{"bicycle", "cargo_bike", "scooter", "van"}
	return vehicles[rng.Intn(len(vehicles))]
}
