package resilience

import "context"

// FallbackFunc answers a request while its breaker is open. The error
// argument is the gobreaker rejection that triggered it.
type FallbackFunc func(ctx context.Context, err error) (interface{}, error)

// NoopFallback rejects with ErrCircuitOpen, the same behavior as having
// no fallback at all. Useful as an explicit placeholder in wiring code.
func NoopFallback(ctx context.Context, err error) (interface{}, error) {
	return nil, ErrCircuitOpen
}
