package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"
	"github.com/jackc/pgx/v5/pgxpool"

	jobmetrics "github.com/nexdesk/nexdesk/internal/jobs"
)

// SLAScanPayload carries scheduling metadata for the periodic sweep.
type SLAScanPayload struct {
	ScheduledFor time.Time `json:"scheduled_for"`
}

// NewSLAScanTask constructs an Asynq task for the SLA sweep.
func NewSLAScanTask(at time.Time) (*asynq.Task, error) {
	body, err := json.Marshal(SLAScanPayload{ScheduledFor: at})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskTypeSLAScan, body, asynq.Queue(QueueDefault)), nil
}

// SLAScanJob sweeps open work for tickets past their response or resolution
// deadline and alerts the assignee, or the company admins when nobody is
// assigned yet.
type SLAScanJob struct {
	Pool    *pgxpool.Pool
	Client  *Client
	Logger  *slog.Logger
	Metrics *jobmetrics.Metrics
}

// NewSLAScanJob wires dependencies for the sweep handler.
func NewSLAScanJob(pool *pgxpool.Pool, client *Client, logger *slog.Logger, metrics *jobmetrics.Metrics) *SLAScanJob {
	return &SLAScanJob{Pool: pool, Client: client, Logger: logger, Metrics: metrics}
}

type slaBreach struct {
	ticketID  string
	title     string
	companyID string
	kind      string
	email     *string
}

// Handle processes SLA sweep tasks.
func (j *SLAScanJob) Handle(ctx context.Context, t *asynq.Task) error {
	if j == nil || j.Pool == nil || j.Client == nil {
		return errors.New("sla scan: handler not configured")
	}
	var payload SLAScanPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}

	tracker := j.Metrics.Track(TaskTypeSLAScan)

	// A ticket breaches "response" when it is still waiting for a first
	// response past its response deadline, and "resolution" when it is
	// still unresolved past its resolution deadline.
	rows, err := j.Pool.Query(ctx, `
		SELECT tk.id, tk.title, tk.company_id,
		       CASE WHEN tk.responded_at IS NULL AND tk.response_due < NOW()
		            THEN 'response' ELSE 'resolution' END AS kind,
		       p.email
		FROM tickets tk
		LEFT JOIN principals p ON p.id = tk.assignee_id AND p.active
		WHERE tk.state NOT IN ('resolved', 'closed')
		  AND ((tk.responded_at IS NULL AND tk.response_due < NOW())
		    OR (tk.resolved_at IS NULL AND tk.resolution_due < NOW()))
	`)
	if err != nil {
		j.logger().Error("sla scan: query breaches", slog.Any("error", err))
		return tracker.End(err)
	}
	defer rows.Close()

	var breaches []slaBreach
	for rows.Next() {
		var b slaBreach
		if err := rows.Scan(&b.ticketID, &b.title, &b.companyID, &b.kind, &b.email); err != nil {
			return tracker.End(err)
		}
		breaches = append(breaches, b)
	}
	if err := rows.Err(); err != nil {
		return tracker.End(err)
	}

	var lastErr error
	for _, b := range breaches {
		j.Metrics.AddSLABreaches(b.kind, b.companyID, 1)
		if b.email == nil {
			j.logger().Warn("sla breach on unassigned ticket",
				slog.String("ticket_id", b.ticketID), slog.String("kind", b.kind))
			continue
		}
		payload := SendEmailPayload{
			To:      *b.email,
			Subject: fmt.Sprintf("[NexDesk] SLA %s breach: %s", b.kind, b.title),
			Body:    fmt.Sprintf("Ticket %s has passed its %s deadline.", b.ticketID, b.kind),
		}
		if _, err := j.Client.EnqueueSendEmail(ctx, payload); err != nil {
			lastErr = err
			j.logger().Error("sla scan: enqueue email", slog.Any("error", err))
		}
	}
	j.logger().Info("sla scan complete", slog.Int("breaches", len(breaches)))
	return tracker.End(lastErr)
}

func (j *SLAScanJob) logger() *slog.Logger {
	if j.Logger != nil {
		return j.Logger
	}
	return slog.Default()
}
