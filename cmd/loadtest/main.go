package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/courierflow/dispatch/pkg/httpclient"
	"github.com/courierflow/dispatch/pkg/middleware"
)

// loadtest drives matching cycles against a running dispatch service. It is
// meant for closed-loop runs: start the server with
// MATCHING_SIMULATION_MODE=true, seed a dataset, then point this at it.
func main() {
	var (
		baseURL  = flag.String("url", "http://localhost:8080", "dispatch service base URL")
		cycles   = flag.Int("cycles", 1, "number of optimize calls to issue")
		interval = flag.Duration("interval", 2*time.Second, "pause between cycles")
		timeout  = flag.Duration("timeout", 5*time.Minute, "per-call HTTP timeout")
		verbose  = flag.Bool("verbose", false, "request per-stop route detail")
	)
	flag.Parse()

	if err := run(*baseURL, *cycles, *interval, *timeout, *verbose); err != nil {
		fmt.Fprintf(os.Stderr, "loadtest: %v\n", err)
		os.Exit(1)
	}
}

type cycleSummary struct {
	CycleID         string  `json:"cycle_id"`
	RoundsRun       int     `json:"rounds_run"`
	OrdersMatched   int     `json:"orders_matched"`
	OrdersAccepted  int     `json:"orders_accepted"`
	OrdersUnmatched int     `json:"orders_unmatched"`
	DriversEngaged  int     `json:"drivers_engaged"`
	TotalDistanceM  float64 `json:"total_distance_m"`
	ElapsedMS       int64   `json:"elapsed_ms"`
}

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
}

func run(baseURL string, cycles int, interval, timeout time.Duration, verbose bool) error {
	key := os.Getenv("INTERNAL_API_KEY")
	if key == "" {
		return fmt.Errorf("INTERNAL_API_KEY must be set; the matching endpoints require it")
	}
	headers := map[string]string{middleware.InternalKeyHeader: key}

	client := httpclient.NewClient(baseURL, timeout)
	path := fmt.Sprintf("/api/v1/matching/optimize?verbose=%t", verbose)

	var totalMatched, totalAccepted int
	for i := 1; i <= cycles; i++ {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		body, err := client.Post(ctx, path, nil, headers)
		cancel()
		if err != nil {
			return fmt.Errorf("cycle %d: %w", i, err)
		}

		var env envelope
		if err := json.Unmarshal(body, &env); err != nil {
			return fmt.Errorf("cycle %d: decode response: %w", i, err)
		}
		var summary cycleSummary
		if err := json.Unmarshal(env.Data, &summary); err != nil {
			return fmt.Errorf("cycle %d: decode summary: %w", i, err)
		}

		totalMatched += summary.OrdersMatched
		totalAccepted += summary.OrdersAccepted
		fmt.Printf("cycle %d/%d: rounds=%d matched=%d accepted=%d unmatched=%d drivers=%d distance=%.0fm elapsed=%dms\n",
			i, cycles, summary.RoundsRun, summary.OrdersMatched, summary.OrdersAccepted,
			summary.OrdersUnmatched, summary.DriversEngaged, summary.TotalDistanceM, summary.ElapsedMS)

		if i < cycles && interval > 0 {
			time.Sleep(interval)
		}
	}

	fmt.Printf("done: %d cycles, %d orders matched, %d accepted\n", cycles, totalMatched, totalAccepted)
	return nil
}
