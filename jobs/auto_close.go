package jobs

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/ptw-platform/ptw/internal/jobs"
)

// AutoCloser closes overdue permits.
type AutoCloser interface {
	AutoCloseDue(ctx context.Context, now time.Time) (int, error)
}

// AutoCloseJob closes every active permit whose effective end has passed.
type AutoCloseJob struct {
	Permits AutoCloser
	Logger  *slog.Logger
	Metrics *jobmetrics.Metrics
	clock   func() time.Time
}

// NewAutoCloseJob initialises the auto-close handler.
func NewAutoCloseJob(permits AutoCloser, logger *slog.Logger, metrics *jobmetrics.Metrics) *AutoCloseJob {
	return &AutoCloseJob{
		Permits: permits,
		Logger:  logger,
		Metrics: metrics,
		clock: func() time.Time {
			return time.Now().UTC()
		},
	}
}

// Handle runs one auto-close sweep.
func (j *AutoCloseJob) Handle(ctx context.Context, t *asynq.Task) (resultErr error) {
	if j == nil || j.Permits == nil {
		return errors.New("auto close: handler not configured")
	}
	tracker := j.Metrics.Track(TaskPermitsAutoClose)
	defer func() {
		resultErr = tracker.End(resultErr)
	}()

	start := j.clock()
	closed, err := j.Permits.AutoCloseDue(ctx, start)
	if err != nil {
		j.logger().Error("auto close failed", slog.Int("closed", closed), slog.Any("error", err))
		return err
	}
	if closed > 0 {
		j.logger().Info("auto closed permits", slog.Int("closed", closed), slog.Duration("duration", time.Since(start)))
	}
	return nil
}

func (j *AutoCloseJob) logger() *slog.Logger {
	if j.Logger == nil {
		return slog.Default()
	}
	return j.Logger
}
