package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"

	jobmetrics "github.com/nexdesk/nexdesk/internal/jobs"
	"github.com/nexdesk/nexdesk/internal/roles"
)

// RoleResyncPayload identifies the role whose principals should be re-synced.
type RoleResyncPayload struct {
	RoleID uuid.UUID `json:"role_id"`
}

// NewRoleResyncTask constructs an Asynq task for a role resync.
func NewRoleResyncTask(payload RoleResyncPayload) (*asynq.Task, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskTypeRoleResync, body, asynq.Queue(QueueDefault)), nil
}

// RoleResyncJob heals principals whose role-derived permissions drifted from
// their role, typically after a partially failed sync during a role update.
type RoleResyncJob struct {
	Roles   *roles.Service
	Logger  *slog.Logger
	Metrics *jobmetrics.Metrics
}

// NewRoleResyncJob wires dependencies for the resync handler.
func NewRoleResyncJob(rolesSvc *roles.Service, logger *slog.Logger, metrics *jobmetrics.Metrics) *RoleResyncJob {
	return &RoleResyncJob{Roles: rolesSvc, Logger: logger, Metrics: metrics}
}

// Handle processes role resync tasks.
func (j *RoleResyncJob) Handle(ctx context.Context, t *asynq.Task) error {
	if j == nil || j.Roles == nil {
		return errors.New("role resync: handler not configured")
	}
	var payload RoleResyncPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}
	if payload.RoleID == uuid.Nil {
		return asynq.SkipRetry
	}

	tracker := j.Metrics.Track(TaskTypeRoleResync)
	report, err := j.Roles.Resync(ctx, payload.RoleID)
	if err != nil {
		j.logger().Error("role resync", slog.String("role_id", payload.RoleID.String()), slog.Any("error", err))
		return tracker.End(err)
	}
	j.logger().Info("role resync complete",
		slog.String("role_id", payload.RoleID.String()),
		slog.Int("updated", report.Updated),
		slog.Int("skipped", report.Skipped),
		slog.Int("failed", report.Failed))
	return tracker.End(nil)
}

func (j *RoleResyncJob) logger() *slog.Logger {
	if j.Logger != nil {
		return j.Logger
	}
	return slog.Default()
}
