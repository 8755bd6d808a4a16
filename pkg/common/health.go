package common

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
)

// HealthResponse is the body served by the probe endpoints.
type HealthResponse struct {
	Status    string                 `json:"status"`
	Service   string                 `json:"service"`
	Version   string                 `json:"version"`
	Timestamp string                 `json:"timestamp"`
	Uptime    string                 `json:"uptime,omitempty"`
	Checks    map[string]CheckStatus `json:"checks,omitempty"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
}

// CheckStatus is the outcome of one dependency check.
type CheckStatus struct {
	Status    string `json:"status"`
	Message   string `json:"message,omitempty"`
	Duration  string `json:"duration,omitempty"`
	Timestamp string `json:"timestamp"`
}

var startTime = time.Now()

func probeResponse(status, serviceName, version string, now time.Time) HealthResponse {
	return HealthResponse{
		Status:    status,
		Service:   serviceName,
		Version:   version,
		Timestamp: now.UTC().Format(time.RFC3339),
		Uptime:    time.Since(startTime).String(),
	}
}

// HealthCheck serves the basic service identity probe.
func HealthCheck(serviceName, version string) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, probeResponse("healthy", serviceName, version, time.Now()))
	}
}

// LivenessProbe answers 200 as long as the process can serve requests;
// the orchestrator restarts the pod when it stops doing so.
func LivenessProbe(serviceName, version string) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, probeResponse("alive", serviceName, version, time.Now()))
	}
}

// ReadinessProbe runs the dependency checks in parallel and answers 503
// when any of them fails, taking the instance out of the load balancer
// without restarting it.
func ReadinessProbe(serviceName, version string, checks map[string]func() error) gin.HandlerFunc {
	return func(c *gin.Context) {
		now := time.Now()
		results, failed := runChecks(checks, now)

		status, code := "ready", http.StatusOK
		if failed {
			status, code = "not ready", http.StatusServiceUnavailable
		}

		resp := probeResponse(status, serviceName, version, now)
		resp.Checks = results
		c.JSON(code, resp)
	}
}

// runChecks fans the checks out concurrently so one slow dependency does
// not serialize the probe.
func runChecks(checks map[string]func() error, now time.Time) (map[string]CheckStatus, bool) {
	type outcome struct {
		name     string
		err      error
		duration time.Duration
	}

	outcomes := make(chan outcome, len(checks))
	var wg sync.WaitGroup
	for name, check := range checks {
		wg.Add(1)
		go func(name string, check func() error) {
			defer wg.Done()
			start := time.Now()
			err := check()
			outcomes <- outcome{name: name, err: err, duration: time.Since(start)}
		}(name, check)
	}
	go func() {
		wg.Wait()
		close(outcomes)
	}()

	timestamp := now.UTC().Format(time.RFC3339)
	results := make(map[string]CheckStatus, len(checks))
	failed := false
	for o := range outcomes {
		cs := CheckStatus{
			Status:    "healthy",
			Duration:  o.duration.String(),
			Timestamp: timestamp,
		}
		if o.err != nil {
			cs.Status = "unhealthy"
			cs.Message = o.err.Error()
			failed = true
		}
		results[o.name] = cs
	}
	return results, failed
}
