package builds

import (
	"context"

	"github.com/jackc/pgx/v4"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/postgresql-cfbot/cfbot/go/cirrus"
	"github.com/postgresql-cfbot/cfbot/go/dbutil"
	"github.com/postgresql-cfbot/cfbot/go/workqueue"
)

// ErrNotUnderstood is returned when a webhook body does not have the expected
// shape. The endpoint answers 200 "not understood" so Cirrus stops resending.
var ErrNotUnderstood = errors.New("webhook not understood")

var webhookEvents = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "cfbot_webhook_events",
	Help: "Webhook events received, by type and outcome.",
}, []string{"event", "outcome"})

// IngestWebhook applies one webhook event inside the caller's transaction.
// eventType is the X-Cirrus-Event header value.
func (s *Store) IngestWebhook(ctx context.Context, tx pgx.Tx, eventType string, event *cirrus.WebhookEvent) error {
	switch eventType {
	case "build":
		if event.Build == nil {
			return ErrNotUnderstood
		}
		return s.ingestBuildEvent(ctx, tx, event)
	case "task":
		if event.Build == nil || event.Task == nil {
			return ErrNotUnderstood
		}
		return s.ingestTaskEvent(ctx, tx, event)
	}
	return ErrNotUnderstood
}

func (s *Store) ingestBuildEvent(ctx context.Context, tx pgx.Tx, event *cirrus.WebhookEvent) error {
	build := event.Build
	buildID := string(build.ID)
	switch event.Action {
	case "created":
		tag, err := tx.Exec(ctx, `
			INSERT INTO build (build_id, branch_name, commit_id, status, created, modified)
			VALUES ($1, $2, $3, $4, now(), now())
			ON CONFLICT DO NOTHING`, buildID, build.Branch, build.CommitID, build.Status)
		if err != nil {
			return dbutil.WrappedError(err)
		}
		if tag.RowsAffected() == 0 {
			// We already knew this build, so the webhook stream is out of
			// sync with us; drop the event rather than guess.
			zap.S().Warnf("webhook out of sync: created for known build %s", buildID)
			webhookEvents.WithLabelValues("build", "dropped").Inc()
			return nil
		}
		if err := appendBuildHistory(ctx, tx, buildID, build.Status, SourceWebhook); err != nil {
			return err
		}
		webhookEvents.WithLabelValues("build", "applied").Inc()
		return s.branchUpdate(ctx, tx, buildID, build.Branch, build.CommitID, build.Status)
	case "updated":
		applied, err := s.applyBuildTransition(ctx, tx, buildID, event.OldStatus, build.Status, SourceWebhook)
		if err != nil {
			return err
		}
		if !applied {
			webhookEvents.WithLabelValues("build", "dropped").Inc()
			return nil
		}
		webhookEvents.WithLabelValues("build", "applied").Inc()
		return s.branchUpdate(ctx, tx, buildID, build.Branch, build.CommitID, build.Status)
	}
	return ErrNotUnderstood
}

// applyBuildTransition locks the build row and applies a compare-and-swap
// transition from oldStatus to newStatus. It returns whether the transition
// was applied; an idempotent replay (existing == new) is not "applied" but
// also enqueues nothing. On genuine divergence it enqueues a poll of the
// build so the pull API can resolve the truth.
func (s *Store) applyBuildTransition(ctx context.Context, tx pgx.Tx, buildID, oldStatus, newStatus, source string) (bool, error) {
	var existing string
	err := tx.QueryRow(ctx, "SELECT status FROM build WHERE build_id = $1 FOR UPDATE", buildID).Scan(&existing)
	if errors.Is(err, pgx.ErrNoRows) {
		zap.S().Warnf("update for unknown build %s, polling", buildID)
		return false, s.enqueuePollStaleBuild(ctx, tx, buildID)
	}
	if err != nil {
		return false, dbutil.WrappedError(err)
	}
	if existing == newStatus {
		// Idempotent replay.
		return false, nil
	}
	ok := existing == oldStatus
	if !ok && newStatus == cirrus.StatusExecuting && cirrus.IsPreExecution(existing) && cirrus.IsPreExecution(oldStatus) {
		// One or more pre-execution webhooks were dropped; EXECUTING is
		// still a plausible next step from where we are.
		ok = true
	}
	if !ok {
		zap.S().Warnf("build %s diverged: local %s, webhook %s -> %s; polling", buildID, existing, oldStatus, newStatus)
		return false, s.enqueuePollStaleBuild(ctx, tx, buildID)
	}
	if _, err := tx.Exec(ctx, "UPDATE build SET status = $1, modified = now() WHERE build_id = $2", newStatus, buildID); err != nil {
		return false, dbutil.WrappedError(err)
	}
	if err := appendBuildHistory(ctx, tx, buildID, newStatus, source); err != nil {
		return false, err
	}
	return true, nil
}

func (s *Store) ingestTaskEvent(ctx context.Context, tx pgx.Tx, event *cirrus.WebhookEvent) error {
	task := event.Task
	taskID := string(task.ID)
	buildID := string(event.Build.ID)
	switch event.Action {
	case "created":
		// Lock the parent so the task cannot race its build's ingestion.
		var parentStatus string
		err := tx.QueryRow(ctx, "SELECT status FROM build WHERE build_id = $1 FOR UPDATE", buildID).Scan(&parentStatus)
		if errors.Is(err, pgx.ErrNoRows) {
			zap.S().Warnf("task %s created for unknown build %s, polling", taskID, buildID)
			webhookEvents.WithLabelValues("task", "dropped").Inc()
			return s.enqueuePollStaleBuild(ctx, tx, buildID)
		}
		if err != nil {
			return dbutil.WrappedError(err)
		}
		tag, err := tx.Exec(ctx, `
			INSERT INTO task (task_id, build_id, position, task_name, commit_id, status, created, modified)
			VALUES ($1, $2, $3, $4, $5, $6, now(), now())
			ON CONFLICT DO NOTHING`,
			taskID, buildID, task.LocalGroupID+1, task.Name, event.Build.CommitID, task.Status)
		if err != nil {
			return dbutil.WrappedError(err)
		}
		if tag.RowsAffected() == 0 {
			webhookEvents.WithLabelValues("task", "dropped").Inc()
			return nil
		}
		webhookEvents.WithLabelValues("task", "applied").Inc()
		return s.afterTaskTransition(ctx, tx, taskID, task.Status, task.StatusTimestamp)
	case "updated":
		var existing string
		err := tx.QueryRow(ctx, "SELECT status FROM task WHERE task_id = $1 FOR UPDATE", taskID).Scan(&existing)
		if errors.Is(err, pgx.ErrNoRows) {
			zap.S().Warnf("update for unknown task %s, polling build %s", taskID, buildID)
			webhookEvents.WithLabelValues("task", "dropped").Inc()
			return s.enqueuePollStaleBuild(ctx, tx, buildID)
		}
		if err != nil {
			return dbutil.WrappedError(err)
		}
		if existing == task.Status {
			return nil
		}
		if existing != event.OldStatus {
			zap.S().Warnf("task %s diverged: local %s, webhook %s -> %s; polling build %s", taskID, existing, event.OldStatus, task.Status, buildID)
			webhookEvents.WithLabelValues("task", "dropped").Inc()
			return s.enqueuePollStaleBuild(ctx, tx, buildID)
		}
		if _, err := tx.Exec(ctx, "UPDATE task SET status = $1, modified = now() WHERE task_id = $2", task.Status, taskID); err != nil {
			return dbutil.WrappedError(err)
		}
		webhookEvents.WithLabelValues("task", "applied").Inc()
		return s.afterTaskTransition(ctx, tx, taskID, task.Status, task.StatusTimestamp)
	}
	return ErrNotUnderstood
}

// afterTaskTransition does the bookkeeping shared by every accepted task
// status change: history row, status post, and command fetch on finality.
func (s *Store) afterTaskTransition(ctx context.Context, tx pgx.Tx, taskID, status string, statusTimestampMillis int64) error {
	if err := appendTaskHistory(ctx, tx, taskID, status, SourceWebhook, statusTimestampMillis); err != nil {
		return err
	}
	if err := workqueue.EnqueueIfNotExists(ctx, tx, workqueue.PostTaskStatus, &taskID); err != nil {
		return err
	}
	if cirrus.IsFinal(status) {
		if err := workqueue.EnqueueIfNotExists(ctx, tx, workqueue.FetchTaskCommands, &taskID); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) enqueuePollStaleBuild(ctx context.Context, tx pgx.Tx, buildID string) error {
	return workqueue.EnqueueIfNotExists(ctx, tx, workqueue.PollStaleBuild, &buildID)
}
