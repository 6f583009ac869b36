package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/hibiken/asynq"
	"github.com/jackc/pgx/v5/pgxpool"

	jobmetrics "github.com/nexdesk/nexdesk/internal/jobs"
	"github.com/nexdesk/nexdesk/internal/tickets"
)

// NewTicketNotifyTask constructs an Asynq task for a ticket event.
func NewTicketNotifyTask(event tickets.Event) (*asynq.Task, error) {
	body, err := json.Marshal(event)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskTypeTicketNotify, body, asynq.Queue(QueueDefault)), nil
}

// JobRecorder counts job submissions on the API side.
type JobRecorder interface {
	RecordJob(task, outcome string)
}

// Enqueuer bridges the ticket service's notifier port onto the queue, so the
// request path never blocks on delivery.
type Enqueuer struct {
	Client  *Client
	Logger  *slog.Logger
	Metrics JobRecorder
}

var _ tickets.Notifier = (*Enqueuer)(nil)

// NotifyTicketEvent enqueues the event for asynchronous fan-out.
func (e *Enqueuer) NotifyTicketEvent(ctx context.Context, event tickets.Event) error {
	if e == nil || e.Client == nil {
		return errors.New("ticket notify: enqueuer not configured")
	}
	task, err := NewTicketNotifyTask(event)
	if err != nil {
		return err
	}
	_, err = e.Client.client.EnqueueContext(ctx, task, asynq.Queue(QueueDefault))
	if e.Metrics != nil {
		outcome := "enqueued"
		if err != nil {
			outcome = "failed"
		}
		e.Metrics.RecordJob(TaskTypeTicketNotify, outcome)
	}
	return err
}

// TicketNotifyJob fans a ticket event out to the ticket's participants by
// email. Recipients are the creator, assignee and tutor minus the actor who
// triggered the event.
type TicketNotifyJob struct {
	Pool    *pgxpool.Pool
	Client  *Client
	Logger  *slog.Logger
	Metrics *jobmetrics.Metrics
}

// NewTicketNotifyJob wires dependencies for the notify handler.
func NewTicketNotifyJob(pool *pgxpool.Pool, client *Client, logger *slog.Logger, metrics *jobmetrics.Metrics) *TicketNotifyJob {
	return &TicketNotifyJob{Pool: pool, Client: client, Logger: logger, Metrics: metrics}
}

// Handle processes ticket notify tasks.
func (j *TicketNotifyJob) Handle(ctx context.Context, t *asynq.Task) error {
	if j == nil || j.Pool == nil || j.Client == nil {
		return errors.New("ticket notify: handler not configured")
	}
	var event tickets.Event
	if err := json.Unmarshal(t.Payload(), &event); err != nil {
		return asynq.SkipRetry
	}

	tracker := j.Metrics.Track(TaskTypeTicketNotify)

	rows, err := j.Pool.Query(ctx, `
		SELECT DISTINCT p.email, tk.title
		FROM tickets tk
		JOIN principals p ON p.id IN (tk.creator_id, tk.assignee_id, tk.tutor_id)
		WHERE tk.id = $1 AND p.id <> $2 AND p.active
	`, event.TicketID, event.ActorID)
	if err != nil {
		j.logger().Error("ticket notify: load recipients", slog.Any("error", err))
		return tracker.End(err)
	}
	defer rows.Close()

	type recipient struct {
		email string
		title string
	}
	var recipients []recipient
	for rows.Next() {
		var rec recipient
		if err := rows.Scan(&rec.email, &rec.title); err != nil {
			return tracker.End(err)
		}
		recipients = append(recipients, rec)
	}
	if err := rows.Err(); err != nil {
		return tracker.End(err)
	}

	var lastErr error
	for _, rec := range recipients {
		payload := SendEmailPayload{
			To:      rec.email,
			Subject: fmt.Sprintf("[NexDesk] %s: %s", event.Type, rec.title),
			Body:    eventBody(event),
		}
		if _, err := j.Client.EnqueueSendEmail(ctx, payload); err != nil {
			lastErr = err
			j.logger().Error("ticket notify: enqueue email",
				slog.String("to", rec.email), slog.Any("error", err))
		}
	}
	return tracker.End(lastErr)
}

func eventBody(event tickets.Event) string {
	body := fmt.Sprintf("Ticket %s changed: %s.", event.TicketID, event.Type)
	for k, v := range event.Meta {
		body += fmt.Sprintf("\n%s: %s", k, v)
	}
	return body
}

func (j *TicketNotifyJob) logger() *slog.Logger {
	if j.Logger != nil {
		return j.Logger
	}
	return slog.Default()
}
