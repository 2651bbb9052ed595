package jobs

import (
	"encoding/json"
	"time"

	"github.com/hibiken/asynq"

	"github.com/ptw-platform/ptw/internal/permits"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// QueueCritical carries lifecycle work that must not wait behind notifications.
	QueueCritical = "critical"

	// TaskPermitsAutoClose closes permits whose effective end has passed.
	TaskPermitsAutoClose = "permits:auto_close"
	// TaskPermitsNotify delivers a transition notification.
	TaskPermitsNotify = "permits:notify"
	// TaskIdempotencyCleanup prunes expired idempotency keys.
	TaskIdempotencyCleanup = "maintenance:idempotency_cleanup"
)

// AutoClosePayload is empty; the job always uses the current time.
type AutoClosePayload struct{}

// NewAutoCloseTask builds the scheduled auto-close task. Overlapping runs are
// dropped by the unique window.
func NewAutoCloseTask() (*asynq.Task, error) {
	body, err := json.Marshal(AutoClosePayload{})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskPermitsAutoClose, body,
		asynq.Queue(QueueCritical),
		asynq.Unique(time.Minute),
		asynq.MaxRetry(0),
	), nil
}

// NewNotifyTask wraps a transition notification.
func NewNotifyTask(n permits.Notification) (*asynq.Task, error) {
	body, err := json.Marshal(n)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskPermitsNotify, body, asynq.Queue(QueueDefault), asynq.MaxRetry(5)), nil
}

// IdempotencyCleanupPayload sets how long keys are retained.
type IdempotencyCleanupPayload struct {
	RetentionHours int `json:"retention_hours"`
}

// NewIdempotencyCleanupTask builds the cleanup task.
func NewIdempotencyCleanupTask(retention time.Duration) (*asynq.Task, error) {
	body, err := json.Marshal(IdempotencyCleanupPayload{RetentionHours: int(retention.Hours())})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskIdempotencyCleanup, body, asynq.Queue(QueueDefault)), nil
}
