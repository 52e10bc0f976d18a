package jobs

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/odyssey-erp/gatekeeper/internal/jobs"
)

const (
	// TaskPurgeResetTokens removes forgotten-password tokens past their TTL.
	TaskPurgeResetTokens = "auth:tokens:purge"
)

// PurgeResetTokensPayload carries the token lifetime to enforce.
type PurgeResetTokensPayload struct {
	TTLSeconds int64 `json:"ttl_seconds"`
}

// NewPurgeResetTokensTask builds a purge task for tokens older than ttl.
func NewPurgeResetTokensTask(ttl time.Duration) (*asynq.Task, error) {
	body, err := json.Marshal(PurgeResetTokensPayload{TTLSeconds: int64(ttl / time.Second)})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskPurgeResetTokens, body, asynq.Queue(QueueDefault)), nil
}

// TokenPurger deletes tokens created before a cutoff.
type TokenPurger interface {
	PurgeTokens(ctx context.Context, cutoff time.Time) (int64, error)
}

// PurgeResetTokensJob executes TaskPurgeResetTokens.
type PurgeResetTokensJob struct {
	purger  TokenPurger
	logger  *slog.Logger
	metrics *jobmetrics.Metrics
	now     func() time.Time
}

// NewPurgeResetTokensJob constructs the job.
func NewPurgeResetTokensJob(purger TokenPurger, logger *slog.Logger, metrics *jobmetrics.Metrics) *PurgeResetTokensJob {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &PurgeResetTokensJob{purger: purger, logger: logger, metrics: metrics, now: time.Now}
}

// Handle processes the task.
func (j *PurgeResetTokensJob) Handle(ctx context.Context, t *asynq.Task) error {
	tracker := j.metrics.Track(TaskPurgeResetTokens)
	var payload PurgeResetTokensPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return tracker.End(asynq.SkipRetry)
	}
	if payload.TTLSeconds <= 0 {
		return tracker.End(nil)
	}
	cutoff := j.now().Add(-time.Duration(payload.TTLSeconds) * time.Second)
	removed, err := j.purger.PurgeTokens(ctx, cutoff)
	if err != nil {
		return tracker.End(err)
	}
	j.metrics.AddPurged(removed)
	j.logger.Info("purged reset tokens", slog.Int64("removed", removed))
	return tracker.End(nil)
}
