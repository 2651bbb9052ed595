package jobs

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/ptw-platform/ptw/internal/jobs"
	"github.com/ptw-platform/ptw/internal/permits"
)

// NotifyJob delivers permit transition notifications to the log stream.
type NotifyJob struct {
	Logger  *slog.Logger
	Metrics *jobmetrics.Metrics
}

// NewNotifyJob initialises the notification handler.
func NewNotifyJob(logger *slog.Logger, metrics *jobmetrics.Metrics) *NotifyJob {
	if logger == nil {
		logger = slog.Default()
	}
	return &NotifyJob{Logger: logger, Metrics: metrics}
}

// Handle processes TaskPermitsNotify tasks.
func (j *NotifyJob) Handle(ctx context.Context, t *asynq.Task) (resultErr error) {
	var n permits.Notification
	if err := json.Unmarshal(t.Payload(), &n); err != nil {
		return asynq.SkipRetry
	}
	tracker := j.Metrics.Track(TaskPermitsNotify)
	defer func() {
		resultErr = tracker.End(resultErr)
	}()

	j.Logger.Info("permit transition",
		slog.Int64("permit_id", n.PermitID),
		slog.String("number", n.Number),
		slog.String("action", string(n.Action)),
		slog.String("from", string(n.FromStatus)),
		slog.String("to", string(n.ToStatus)),
		slog.Int64("actor_id", n.ActorID),
		slog.Int64("requested_by", n.RequestedBy),
	)
	j.Metrics.AddNotifications(string(n.Action), 1)
	return nil
}
