package config

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	Server      ServerConfig
	Database    DatabaseConfig
	Redis       RedisConfig
	NATS        NATSConfig
	JWT         JWTConfig
	Matching    MatchingConfig
	Solver      SolverConfig
	Distance    DistanceConfig
	Regions     RegionsConfig
	TimeWindows TimeWindowConfig
	RateLimit   RateLimitConfig
	Resilience  ResilienceConfig
	Timeout     TimeoutConfig
}

// ServerConfig holds server-specific configuration
type ServerConfig struct {
	Port         string
	Environment  string
	ServiceName  string
	ReadTimeout  int
	WriteTimeout int
	CORSOrigins  string // Comma-separated list of allowed origins
	InternalKey  string // shared secret for operational endpoints
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Host          string
	Port          string
	User          string
	Password      string
	DBName        string
	SSLMode       string
	MaxConns      int
	MinConns      int
	MigrationsDir string
}

// RedisConfig holds Redis configuration
type RedisConfig struct {
	Host     string
	Port     string
	Password string
	DB       int
}

// NATSConfig holds NATS JetStream configuration
type NATSConfig struct {
	URL        string
	StreamName string
	Enabled    bool
}

// JWTConfig holds JWT configuration for driver tokens
type JWTConfig struct {
	Secret         string
	Expiration     int    // in hours
	KeyFile        string // versioned signing-key store; empty keeps keys in memory
	RotationHours  int
	GraceHours     int
	RefreshMinutes int // key-cache reload interval for verifiers
}

// MatchingConfig tunes the matching loop
type MatchingConfig struct {
	MaxRounds             int     // rounds per cycle
	OfferTTLMinutes       int     // offer expiry window
	ResponseWindowSeconds int     // wait for driver responses per round
	TriggerQueueSize      int     // bounded matching-trigger queue
	ExpirySweepSeconds    int     // stale-offer sweep interval
	SimulationMode        bool    // respond to offers synchronously
	SimulationAcceptProb  float64 // accept probability in simulation mode
}

// OfferTTL returns the offer expiry window.
func (c MatchingConfig) OfferTTL() time.Duration {
	return time.Duration(c.OfferTTLMinutes) * time.Minute
}

// ResponseWindow returns the per-round wait for driver responses.
func (c MatchingConfig) ResponseWindow() time.Duration {
	return time.Duration(c.ResponseWindowSeconds) * time.Second
}

// ExpirySweepInterval returns the stale-offer sweep period.
func (c MatchingConfig) ExpirySweepInterval() time.Duration {
	return time.Duration(c.ExpirySweepSeconds) * time.Second
}

// SolverConfig tunes draft construction and improvement
type SolverConfig struct {
	Candidates               int     // candidate draft groups per run
	ALNSBudgetsMS            []int   // ALNS time budgets for candidates 2..k
	ALNSMaxStale             int     // consecutive non-improving iterations before stop
	RemovalFraction          float64 // share of assigned orders removed per destroy
	UnassignedPenaltySeconds float64 // objective penalty per unassigned order
	Seed                     int64   // PRNG seed; 0 derives from the clock
}

// ALNSBudgets returns the configured improvement budgets as durations.
func (c SolverConfig) ALNSBudgets() []time.Duration {
	out := make([]time.Duration, 0, len(c.ALNSBudgetsMS))
	for _, ms := range c.ALNSBudgetsMS {
		out = append(out, time.Duration(ms)*time.Millisecond)
	}
	return out
}

// DistanceConfig tunes the distance oracle
type DistanceConfig struct {
	ProviderBaseURL        string
	Profile                string
	ProviderTimeoutSeconds int
	CacheTTLHours          int     // persistent grid-cache TTL
	L1TTLSeconds           int     // in-memory cache TTL
	MaxMatrixPoints        int     // provider matrix size cap
	PreFilterKm            float64 // great-circle cutoff for nearest-driver pairs
}

// ProviderTimeout returns the per-call provider timeout.
func (c DistanceConfig) ProviderTimeout() time.Duration {
	return time.Duration(c.ProviderTimeoutSeconds) * time.Second
}

// CacheTTL returns the persistent cache TTL.
func (c DistanceConfig) CacheTTL() time.Duration {
	return time.Duration(c.CacheTTLHours) * time.Hour
}

// L1TTL returns the in-memory cache TTL.
func (c DistanceConfig) L1TTL() time.Duration {
	return time.Duration(c.L1TTLSeconds) * time.Second
}

// RegionsConfig tunes the region partitioner
type RegionsConfig struct {
	MaxRadiusKm float64
	MinPoints   int
}

// TimeWindowConfig tunes the arrival-window oracle
type TimeWindowConfig struct {
	Confidence float64 // quantile confidence for SAA bounds
	MinSamples int     // below this, fall back to the simple heuristic
}

// RateLimitConfig holds rate limiting configuration
type RateLimitConfig struct {
	Enabled           bool
	WindowSeconds     int
	DefaultLimit      int
	DefaultBurst      int
	AnonymousLimit    int
	AnonymousBurst    int
	RedisPrefix       string
	// EndpointOverrides keys on bucket resource names: "offer-response",
	// "location-update", or "METHOD:/route" for everything else.
	EndpointOverrides map[string]EndpointRateLimitConfig
}

// EndpointRateLimitConfig allows customizing limits per endpoint
type EndpointRateLimitConfig struct {
	AuthenticatedLimit int `json:"authenticated_limit"`
	AuthenticatedBurst int `json:"authenticated_burst"`
	AnonymousLimit     int `json:"anonymous_limit"`
	AnonymousBurst     int `json:"anonymous_burst"`
	WindowSeconds      int `json:"window_seconds"`
}

// ResilienceConfig groups runtime resilience controls
type ResilienceConfig struct {
	CircuitBreaker CircuitBreakerConfig
}

// CircuitBreakerConfig captures default and per-provider breaker tuning
type CircuitBreakerConfig struct {
	Enabled          bool
	FailureThreshold int
	SuccessThreshold int
	TimeoutSeconds   int
	IntervalSeconds  int
	ServiceOverrides map[string]CircuitBreakerSettings
}

// CircuitBreakerSettings overrides defaults for a specific upstream provider
type CircuitBreakerSettings struct {
	FailureThreshold int `json:"failure_threshold"`
	SuccessThreshold int `json:"success_threshold"`
	TimeoutSeconds   int `json:"timeout_seconds"`
	IntervalSeconds  int `json:"interval_seconds"`
}

// Load loads configuration from environment variables
func Load(serviceName string) (*Config, error) {
	// Load .env file if it exists
	_ = godotenv.Load()

	cfg := &Config{
		Server: ServerConfig{
			Port:         getEnv("PORT", "8080"),
			Environment:  getEnv("ENVIRONMENT", "development"),
			ServiceName:  serviceName,
			ReadTimeout:  getEnvAsInt("READ_TIMEOUT", 10),
			WriteTimeout: getEnvAsInt("WRITE_TIMEOUT", 10),
			CORSOrigins:  getEnv("CORS_ORIGINS", "http://localhost:3000"),
			InternalKey:  getEnv("INTERNAL_API_KEY", ""),
		},
		Database: DatabaseConfig{
			Host:          getEnv("DB_HOST", "localhost"),
			Port:          getEnv("DB_PORT", "5432"),
			User:          getEnv("DB_USER", "postgres"),
			Password:      getEnv("DB_PASSWORD", "postgres"),
			DBName:        getEnv("DB_NAME", "dispatch"),
			SSLMode:       getEnv("DB_SSLMODE", "disable"),
			MaxConns:      getEnvAsInt("DB_MAX_CONNS", 25),
			MinConns:      getEnvAsInt("DB_MIN_CONNS", 5),
			MigrationsDir: getEnv("DB_MIGRATIONS_DIR", "migrations"),
		},
		Redis: RedisConfig{
			Host:     getEnv("REDIS_HOST", "localhost"),
			Port:     getEnv("REDIS_PORT", "6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvAsInt("REDIS_DB", 0),
		},
		NATS: NATSConfig{
			URL:        getEnv("NATS_URL", "nats://localhost:4222"),
			StreamName: getEnv("NATS_STREAM", "DISPATCH"),
			Enabled:    getEnvAsBool("NATS_ENABLED", true),
		},
		JWT: JWTConfig{
			Secret:         getEnv("JWT_SECRET", "your-secret-key-change-in-production"),
			Expiration:     getEnvAsInt("JWT_EXPIRATION", 24),
			KeyFile:        getEnv("JWT_KEY_FILE", ""),
			RotationHours:  getEnvAsInt("JWT_ROTATION_HOURS", 720),
			GraceHours:     getEnvAsInt("JWT_GRACE_HOURS", 720),
			RefreshMinutes: getEnvAsInt("JWT_REFRESH_MINUTES", 5),
		},
		Matching: MatchingConfig{
			MaxRounds:             getEnvAsInt("MATCHING_MAX_ROUNDS", 5),
			OfferTTLMinutes:       getEnvAsInt("MATCHING_OFFER_TTL_MINUTES", 10),
			ResponseWindowSeconds: getEnvAsInt("MATCHING_RESPONSE_WINDOW_SECONDS", 180),
			TriggerQueueSize:      getEnvAsInt("MATCHING_TRIGGER_QUEUE_SIZE", 64),
			ExpirySweepSeconds:    getEnvAsInt("MATCHING_EXPIRY_SWEEP_SECONDS", 60),
			SimulationMode:        getEnvAsBool("MATCHING_SIMULATION_MODE", false),
			SimulationAcceptProb:  getEnvAsFloat("MATCHING_SIMULATION_ACCEPT_PROB", 0.8),
		},
		Solver: SolverConfig{
			Candidates:               getEnvAsInt("SOLVER_CANDIDATES", 3),
			ALNSBudgetsMS:            getEnvAsIntSlice("SOLVER_ALNS_BUDGETS_MS", []int{2000, 5000}),
			ALNSMaxStale:             getEnvAsInt("SOLVER_ALNS_MAX_STALE", 50),
			RemovalFraction:          getEnvAsFloat("SOLVER_REMOVAL_FRACTION", 0.15),
			UnassignedPenaltySeconds: getEnvAsFloat("SOLVER_UNASSIGNED_PENALTY", 10000),
			Seed:                     int64(getEnvAsInt("SOLVER_SEED", 0)),
		},
		Distance: DistanceConfig{
			ProviderBaseURL:        getEnv("DISTANCE_PROVIDER_URL", "http://localhost:5000"),
			Profile:                getEnv("DISTANCE_PROFILE", "driving"),
			ProviderTimeoutSeconds: getEnvAsInt("DISTANCE_PROVIDER_TIMEOUT_SECONDS", 5),
			CacheTTLHours:          getEnvAsInt("DISTANCE_CACHE_TTL_HOURS", 168),
			L1TTLSeconds:           getEnvAsInt("DISTANCE_L1_TTL_SECONDS", 300),
			MaxMatrixPoints:        getEnvAsInt("DISTANCE_MAX_MATRIX_POINTS", 25),
			PreFilterKm:            getEnvAsFloat("DISTANCE_PREFILTER_KM", 100),
		},
		Regions: RegionsConfig{
			MaxRadiusKm: getEnvAsFloat("REGIONS_MAX_RADIUS_KM", 50),
			MinPoints:   getEnvAsInt("REGIONS_MIN_POINTS", 1),
		},
		TimeWindows: TimeWindowConfig{
			Confidence: getEnvAsFloat("TIME_WINDOW_CONFIDENCE", 0.9),
			MinSamples: getEnvAsInt("TIME_WINDOW_MIN_SAMPLES", 30),
		},
		RateLimit: RateLimitConfig{
			Enabled:        getEnvAsBool("RATE_LIMIT_ENABLED", false),
			WindowSeconds:  getEnvAsInt("RATE_LIMIT_WINDOW_SECONDS", 60),
			DefaultLimit:   getEnvAsInt("RATE_LIMIT_DEFAULT_LIMIT", 120),
			DefaultBurst:   getEnvAsInt("RATE_LIMIT_DEFAULT_BURST", 40),
			AnonymousLimit: getEnvAsInt("RATE_LIMIT_ANON_LIMIT", 60),
			AnonymousBurst: getEnvAsInt("RATE_LIMIT_ANON_BURST", 20),
			RedisPrefix:    getEnv("RATE_LIMIT_REDIS_PREFIX", "rate-limit"),
		},
		Resilience: ResilienceConfig{
			CircuitBreaker: CircuitBreakerConfig{
				Enabled:          getEnvAsBool("CB_ENABLED", true),
				FailureThreshold: getEnvAsInt("CB_FAILURE_THRESHOLD", 5),
				SuccessThreshold: getEnvAsInt("CB_SUCCESS_THRESHOLD", 1),
				TimeoutSeconds:   getEnvAsInt("CB_TIMEOUT_SECONDS", 30),
				IntervalSeconds:  getEnvAsInt("CB_INTERVAL_SECONDS", 60),
			},
		},
	}

	timeoutCfg, err := loadTimeoutConfig()
	if err != nil {
		return nil, err
	}
	cfg.Timeout = timeoutCfg

	if err := decodeJSONEnv("RATE_LIMIT_ENDPOINTS", &cfg.RateLimit.EndpointOverrides); err != nil {
		return nil, err
	}
	if err := decodeJSONEnv("CB_SERVICE_OVERRIDES", &cfg.Resilience.CircuitBreaker.ServiceOverrides); err != nil {
		return nil, err
	}

	cfg.applyFloors()
	return cfg, nil
}

// decodeJSONEnv unmarshals a JSON-valued environment variable into out.
// An unset variable leaves out untouched.
func decodeJSONEnv(key string, out interface{}) error {
	raw := getEnv(key, "")
	if raw == "" {
		return nil
	}
	if err := json.Unmarshal([]byte(raw), out); err != nil {
		return fmt.Errorf("invalid %s value: %w", key, err)
	}
	return nil
}

// applyFloors replaces zero or nonsensical values with working defaults.
// Misconfigured tuning knobs should degrade to the stock behaviour, not
// wedge the matching loop.
func (c *Config) applyFloors() {
	if c.RateLimit.WindowSeconds <= 0 {
		c.RateLimit.WindowSeconds = int(time.Minute.Seconds())
	}
	if c.Matching.MaxRounds <= 0 {
		c.Matching.MaxRounds = 5
	}
	if c.Matching.TriggerQueueSize <= 0 {
		c.Matching.TriggerQueueSize = 64
	}
	if c.Solver.Candidates <= 0 {
		c.Solver.Candidates = 3
	}
	if c.Solver.RemovalFraction <= 0 || c.Solver.RemovalFraction >= 1 {
		c.Solver.RemovalFraction = 0.15
	}
	if c.Distance.MaxMatrixPoints <= 0 || c.Distance.MaxMatrixPoints > 25 {
		c.Distance.MaxMatrixPoints = 25
	}

	cb := &c.Resilience.CircuitBreaker
	if cb.FailureThreshold <= 0 {
		cb.FailureThreshold = 5
	}
	if cb.SuccessThreshold <= 0 {
		cb.SuccessThreshold = 1
	}
	if cb.TimeoutSeconds <= 0 {
		cb.TimeoutSeconds = 30
	}
	if cb.IntervalSeconds <= 0 {
		cb.IntervalSeconds = 60
	}
}

// Close releases resources held by remote configuration sources. Env-based
// configs hold none; the method exists so callers can defer it uniformly.
func (c *Config) Close() error {
	return nil
}

// SettingsFor returns effective breaker settings for one upstream
// provider: the global defaults with any positive per-provider override
// fields applied on top.
func (c CircuitBreakerConfig) SettingsFor(service string) CircuitBreakerSettings {
	settings := CircuitBreakerSettings{
		FailureThreshold: c.FailureThreshold,
		SuccessThreshold: c.SuccessThreshold,
		TimeoutSeconds:   c.TimeoutSeconds,
		IntervalSeconds:  c.IntervalSeconds,
	}

	if override, ok := c.ServiceOverrides[service]; ok {
		pick(&settings.FailureThreshold, override.FailureThreshold)
		pick(&settings.SuccessThreshold, override.SuccessThreshold)
		pick(&settings.TimeoutSeconds, override.TimeoutSeconds)
		pick(&settings.IntervalSeconds, override.IntervalSeconds)
	}

	// Floors mirror applyFloors for callers that built the config by hand.
	if settings.FailureThreshold <= 0 {
		settings.FailureThreshold = 5
	}
	if settings.SuccessThreshold <= 0 {
		settings.SuccessThreshold = 1
	}
	if settings.TimeoutSeconds <= 0 {
		settings.TimeoutSeconds = 30
	}
	if settings.IntervalSeconds <= 0 {
		settings.IntervalSeconds = 60
	}
	return settings
}

func pick(dst *int, override int) {
	if override > 0 {
		*dst = override
	}
}

// DSN returns the database connection string
func (c *DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.DBName, c.SSLMode,
	)
}

// URL returns the database connection string in URL form, which the
// migration tooling requires.
func (c *DatabaseConfig) URL() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%s/%s?sslmode=%s",
		url.QueryEscape(c.User), url.QueryEscape(c.Password),
		c.Host, c.Port, c.DBName, c.SSLMode,
	)
}

// RedisAddr returns the Redis address
func (c *RedisConfig) RedisAddr() string {
	return fmt.Sprintf("%s:%s", c.Host, c.Port)
}

// Helper functions
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseFloat(valueStr, 64); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseBool(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsIntSlice(key string, defaultValue []int) []int {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}
	parts := strings.Split(valueStr, ",")
	out := make([]int, 0, len(parts))
	for _, p := range parts {
		v, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil {
			return defaultValue
		}
		out = append(out, v)
	}
	return out
}

// Window returns the configured rate limit window duration
func (c RateLimitConfig) Window() time.Duration {
	if c.WindowSeconds <= 0 {
		return time.Minute
	}
	return time.Duration(c.WindowSeconds) * time.Second
}
