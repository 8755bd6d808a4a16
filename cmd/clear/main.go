package main

import (
	"context"
	"fmt"
	"os"

	"github.com/courierflow/dispatch/pkg/config"
	"github.com/courierflow/dispatch/pkg/database"
)

// clear empties every dispatch table. Development utility; there is no
// confirmation prompt, so keep it away from anything that matters.
func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "clear: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load("clear")
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	defer cfg.Close()

	db, err := database.NewPostgresPool(&cfg.Database)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer database.Close(db)

	// Assignment and draft rows reference orders and drivers; one TRUNCATE
	// with CASCADE keeps the ordering problem out of the picture.
	_, err = db.Exec(context.Background(), `
		TRUNCATE orders, drivers, driver_locations, order_assignments,
			draft_groups, draft_assignments, distance_cache,
			route_segment_observations
		CASCADE
	`)
	if err != nil {
		return fmt.Errorf("truncate tables: %w", err)
	}

	fmt.Println("all dispatch tables cleared")
	return nil
}
