package health

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/courierflow/dispatch/pkg/resilience"
)

// Dependency states reported by the deep checker. A degraded dependency
// keeps the service serving; only unhealthy should fail a probe.
const (
	StatusHealthy   = "healthy"
	StatusDegraded  = "degraded"
	StatusUnhealthy = "unhealthy"
)

// Pinger is the connectivity check a database pool must expose.
// Both pgxpool.Pool and database/sql (via PingContext) satisfy it.
type Pinger interface {
	Ping(ctx context.Context) error
}

// DependencyStatus is the result of probing a single dependency.
type DependencyStatus struct {
	Name      string        `json:"name"`
	Status    string        `json:"status"`
	Latency   time.Duration `json:"latency_ms"`
	Message   string        `json:"message,omitempty"`
	CheckedAt time.Time     `json:"checked_at"`
}

// BreakerStatus reports a monitored circuit breaker.
type BreakerStatus struct {
	Name   string `json:"name"`
	State  string `json:"state"`
	Allows bool   `json:"allows_requests"`
}

// DeepHealthStatus is the aggregate view served at /health/deep.
type DeepHealthStatus struct {
	Status       string                      `json:"status"`
	Version      string                      `json:"version,omitempty"`
	Uptime       time.Duration               `json:"uptime_seconds"`
	Dependencies map[string]DependencyStatus `json:"dependencies"`
	Breakers     map[string]BreakerStatus    `json:"circuit_breakers,omitempty"`
	CheckedAt    time.Time                   `json:"checked_at"`
}

// DeepCheckerConfig holds configuration for the deep checker.
type DeepCheckerConfig struct {
	Version  string
	Timeout  time.Duration
	CacheTTL time.Duration
}

// DefaultDeepCheckerConfig returns sensible defaults.
func DefaultDeepCheckerConfig() DeepCheckerConfig {
	return DeepCheckerConfig{
		Version:  "unknown",
		Timeout:  5 * time.Second,
		CacheTTL: 10 * time.Second,
	}
}

// DeepChecker probes every registered dependency concurrently and caches
// the aggregate result so a scraped health endpoint cannot hammer the
// dependencies themselves.
type DeepChecker struct {
	version    string
	startTime  time.Time
	timeout    time.Duration
	cacheTTL   time.Duration
	httpClient *http.Client

	mu          sync.RWMutex
	db          Pinger
	redis       *redis.Client
	breakers    map[string]*resilience.CircuitBreaker
	endpoints   map[string]string
	lastResult  *DeepHealthStatus
	lastChecked time.Time
}

// NewDeepChecker creates a deep health checker with no dependencies
// registered yet.
func NewDeepChecker(cfg DeepCheckerConfig) *DeepChecker {
	return &DeepChecker{
		version:    cfg.Version,
		startTime:  time.Now(),
		timeout:    cfg.Timeout,
		cacheTTL:   cfg.CacheTTL,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		breakers:   make(map[string]*resilience.CircuitBreaker),
		endpoints:  make(map[string]string),
	}
}

// SetDatabase registers the database pool to probe.
func (d *DeepChecker) SetDatabase(db Pinger) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.db = db
}

// SetRedis registers the Redis client to probe.
func (d *DeepChecker) SetRedis(client *redis.Client) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.redis = client
}

// AddCircuitBreaker registers a circuit breaker to report on.
func (d *DeepChecker) AddCircuitBreaker(name string, breaker *resilience.CircuitBreaker) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.breakers[name] = breaker
}

// AddEndpoint registers an HTTP dependency to probe.
func (d *DeepChecker) AddEndpoint(name, url string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.endpoints[name] = url
}

// probe is one named dependency check.
type probe struct {
	name string
	run  func(ctx context.Context) DependencyStatus
}

// Check probes all registered dependencies concurrently, reusing the
// previous result while it is within the cache TTL.
func (d *DeepChecker) Check(ctx context.Context) *DeepHealthStatus {
	d.mu.RLock()
	if d.lastResult != nil && time.Since(d.lastChecked) < d.cacheTTL {
		cached := d.lastResult
		d.mu.RUnlock()
		return cached
	}

	// Snapshot the registrations so probing runs without the lock.
	probes := d.probesLocked()
	breakers := make(map[string]*resilience.CircuitBreaker, len(d.breakers))
	for name, b := range d.breakers {
		breakers[name] = b
	}
	d.mu.RUnlock()

	status := &DeepHealthStatus{
		Status:       StatusHealthy,
		Version:      d.version,
		Uptime:       time.Since(d.startTime),
		Dependencies: make(map[string]DependencyStatus, len(probes)),
		Breakers:     make(map[string]BreakerStatus, len(breakers)),
		CheckedAt:    time.Now(),
	}

	var wg sync.WaitGroup
	var resultMu sync.Mutex
	for _, p := range probes {
		wg.Add(1)
		go func(p probe) {
			defer wg.Done()
			dep := p.run(ctx)
			resultMu.Lock()
			status.Dependencies[p.name] = dep
			if dep.Status != StatusHealthy {
				status.Status = StatusDegraded
			}
			resultMu.Unlock()
		}(p)
	}
	wg.Wait()

	for name, breaker := range breakers {
		allows := breaker.Allow()
		state := "closed"
		if !allows {
			state = "open"
			status.Status = StatusDegraded
		}
		status.Breakers[name] = BreakerStatus{Name: name, State: state, Allows: allows}
	}

	d.mu.Lock()
	d.lastResult = status
	d.lastChecked = time.Now()
	d.mu.Unlock()

	return status
}

func (d *DeepChecker) probesLocked() []probe {
	var probes []probe
	if db := d.db; db != nil {
		probes = append(probes, probe{"postgres", func(ctx context.Context) DependencyStatus {
			return d.checkDatabase(ctx, db)
		}})
	}
	if rc := d.redis; rc != nil {
		probes = append(probes, probe{"redis", func(ctx context.Context) DependencyStatus {
			return d.checkRedis(ctx, rc)
		}})
	}
	for name, url := range d.endpoints {
		name, url := name, url
		probes = append(probes, probe{name, func(ctx context.Context) DependencyStatus {
			return d.checkHTTPEndpoint(ctx, name, url)
		}})
	}
	return probes
}

func (d *DeepChecker) checkDatabase(ctx context.Context, db Pinger) DependencyStatus {
	start := time.Now()
	dep := DependencyStatus{Name: "postgres", CheckedAt: start}

	checkCtx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	if err := db.Ping(checkCtx); err != nil {
		dep.Status = StatusUnhealthy
		dep.Message = fmt.Sprintf("ping failed: %v", err)
	} else {
		dep.Status = StatusHealthy
	}
	dep.Latency = time.Since(start)
	return dep
}

func (d *DeepChecker) checkRedis(ctx context.Context, client *redis.Client) DependencyStatus {
	start := time.Now()
	dep := DependencyStatus{Name: "redis", CheckedAt: start}

	checkCtx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	pong, err := client.Ping(checkCtx).Result()
	if err != nil {
		dep.Status = StatusUnhealthy
		dep.Message = fmt.Sprintf("ping failed: %v", err)
	} else {
		dep.Status = StatusHealthy
		dep.Message = pong
	}
	dep.Latency = time.Since(start)
	return dep
}

func (d *DeepChecker) checkHTTPEndpoint(ctx context.Context, name, url string) DependencyStatus {
	start := time.Now()
	dep := DependencyStatus{Name: name, CheckedAt: start}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		dep.Status = StatusUnhealthy
		dep.Message = fmt.Sprintf("request creation failed: %v", err)
		dep.Latency = time.Since(start)
		return dep
	}

	resp, err := d.httpClient.Do(req)
	if err != nil {
		dep.Status = StatusUnhealthy
		dep.Message = fmt.Sprintf("request failed: %v", err)
		dep.Latency = time.Since(start)
		return dep
	}
	defer resp.Body.Close()

	dep.Latency = time.Since(start)
	dep.Message = fmt.Sprintf("status code: %d", resp.StatusCode)
	switch {
	case resp.StatusCode >= 500:
		dep.Status = StatusUnhealthy
	case resp.StatusCode >= 400:
		dep.Status = StatusDegraded
	default:
		dep.Status = StatusHealthy
	}
	return dep
}

// Handler serves the deep health check. Degraded still answers 200; only
// unhealthy returns 503.
func (d *DeepChecker) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status := d.Check(r.Context())

		w.Header().Set("Content-Type", "application/json")
		if status.Status == StatusUnhealthy {
			w.WriteHeader(http.StatusServiceUnavailable)
		} else {
			w.WriteHeader(http.StatusOK)
		}
		json.NewEncoder(w).Encode(status)
	}
}

// IsHealthy reports whether the service can keep serving traffic.
func (d *DeepChecker) IsHealthy() bool {
	return d.Check(context.Background()).Status != StatusUnhealthy
}

// IsReady reports whether the critical stores are reachable.
func (d *DeepChecker) IsReady() bool {
	status := d.Check(context.Background())
	for _, critical := range []string{"postgres", "redis"} {
		if dep, ok := status.Dependencies[critical]; ok && dep.Status == StatusUnhealthy {
			return false
		}
	}
	return true
}
