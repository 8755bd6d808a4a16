package async

import (
	"context"
	"runtime/debug"
	"time"

	"go.uber.org/zap"

	"github.com/courierflow/dispatch/pkg/logger"
)

type contextKey string

const driverIDKey contextKey = "driver_id"

// TaskContext carries the request-scoped values a background task keeps
// after the originating request context is gone.
type TaskContext struct {
	CorrelationID string
	DriverID      string
	StartTime     time.Time
	TaskName      string
}

// CaptureContext snapshots the propagated values from ctx. The returned
// TaskContext outlives the request, so the task is not cancelled when
// the HTTP handler returns.
func CaptureContext(ctx context.Context, taskName string) TaskContext {
	return TaskContext{
		CorrelationID: logger.CorrelationIDFromContext(ctx),
		DriverID:      DriverIDFromContext(ctx),
		StartTime:     time.Now(),
		TaskName:      taskName,
	}
}

// NewContext rebuilds a detached context carrying the captured values.
func (tc TaskContext) NewContext() context.Context {
	ctx := context.Background()
	if tc.CorrelationID != "" {
		ctx = logger.ContextWithCorrelationID(ctx, tc.CorrelationID)
	}
	if tc.DriverID != "" {
		ctx = context.WithValue(ctx, driverIDKey, tc.DriverID)
	}
	return ctx
}

// Go runs fn on a goroutine with correlation propagation and panic
// recovery. Every fire-and-forget task in the service goes through here
// so a panic in one never takes the process down.
func Go(ctx context.Context, taskName string, fn func(ctx context.Context)) {
	tc := CaptureContext(ctx, taskName)

	go func() {
		defer tc.recoverPanic()

		taskCtx := tc.NewContext()
		fn(taskCtx)

		logger.DebugContext(taskCtx, "async task completed",
			zap.String("task", tc.TaskName),
			zap.Duration("duration", time.Since(tc.StartTime)),
		)
	}()
}

// GoWithTimeout is Go with a deadline on the detached context. The task
// function must honour ctx; the watchdog only logs when the deadline
// passes before the task returns.
func GoWithTimeout(ctx context.Context, taskName string, timeout time.Duration, fn func(ctx context.Context)) {
	tc := CaptureContext(ctx, taskName)

	go func() {
		defer tc.recoverPanic()

		taskCtx, cancel := context.WithTimeout(tc.NewContext(), timeout)
		defer cancel()

		done := make(chan struct{})
		go func() {
			defer close(done)
			fn(taskCtx)
		}()

		select {
		case <-done:
			logger.DebugContext(taskCtx, "async task completed",
				zap.String("task", tc.TaskName),
				zap.Duration("duration", time.Since(tc.StartTime)),
			)
		case <-taskCtx.Done():
			logger.WarnContext(taskCtx, "async task timed out",
				zap.String("task", tc.TaskName),
				zap.Duration("timeout", timeout),
			)
		}
	}()
}

func (tc TaskContext) recoverPanic() {
	if r := recover(); r != nil {
		logger.ErrorContext(tc.NewContext(), "async task panicked",
			zap.String("task", tc.TaskName),
			zap.Any("panic", r),
			zap.String("stack", string(debug.Stack())),
		)
	}
}

// WithDriverID tags a context with the acting driver for propagation
// into background tasks.
func WithDriverID(ctx context.Context, driverID string) context.Context {
	return context.WithValue(ctx, driverIDKey, driverID)
}

// DriverIDFromContext extracts the acting driver, if any.
func DriverIDFromContext(ctx context.Context) string {
	if driverID, ok := ctx.Value(driverIDKey).(string); ok {
		return driverID
	}
	return ""
}
