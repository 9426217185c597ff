package builds

import (
	"context"
	"strconv"

	"github.com/jackc/pgx/v4"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/postgresql-cfbot/cfbot/go/cirrus"
	"github.com/postgresql-cfbot/cfbot/go/dbutil"
	"github.com/postgresql-cfbot/cfbot/go/workqueue"
)

// CheckStaleBranches enqueues a poll for every testing branch that has waited
// more than a minute without any build showing up. Webhooks normally
// associate the build within seconds of the push.
func (s *Store) CheckStaleBranches(ctx context.Context, tx pgx.Tx) error {
	rows, err := tx.Query(ctx, `
		SELECT id
		  FROM branch
		 WHERE status = 'testing'
		   AND build_id IS NULL
		   AND created < now() - interval '1 minute'`)
	if err != nil {
		return dbutil.WrappedError(err)
	}
	ids, err := collectInt64(rows)
	if err != nil {
		return err
	}
	for _, id := range ids {
		key := strconv.FormatInt(id, 10)
		if err := workqueue.EnqueueIfNotExists(ctx, tx, workqueue.PollStaleBranch, &key); err != nil {
			return err
		}
	}
	return nil
}

// CheckStaleBuilds enqueues a poll for every running build that has been in
// its current status longer than avg + 3*stddev of recently completed builds
// on the matching reference branch. With no usable statistics the threshold
// falls back to 30 minutes.
func (s *Store) CheckStaleBuilds(ctx context.Context, tx pgx.Tx) error {
	rows, err := tx.Query(ctx, `
		SELECT b.build_id
		  FROM build b
		  LEFT JOIN build_status_statistics s
		    ON s.branch_name = CASE WHEN b.branch_name LIKE 'cf/%' THEN 'master' ELSE b.branch_name END
		   AND s.status = b.status
		 WHERE b.status NOT IN ('COMPLETED', 'FAILED', 'ABORTED', 'ERRORED', 'DELETED')
		   AND now() - b.created >
		       COALESCE(CASE WHEN s.n >= 2 THEN s.avg_elapsed + 3 * s.stddev_elapsed END,
		                interval '30 minutes')`)
	if err != nil {
		return dbutil.WrappedError(err)
	}
	ids, err := collectString(rows)
	if err != nil {
		return err
	}
	for _, id := range ids {
		id := id
		if err := workqueue.EnqueueIfNotExists(ctx, tx, workqueue.PollStaleBuild, &id); err != nil {
			return err
		}
	}
	return nil
}

// CheckStaleTasks is the per-task analogue of CheckStaleBuilds, measuring the
// time a task has sat in its current status since its last history row, per
// (reference branch, task name, status). A stale task polls its parent build.
func (s *Store) CheckStaleTasks(ctx context.Context, tx pgx.Tx) error {
	rows, err := tx.Query(ctx, `
		SELECT DISTINCT t.build_id
		  FROM task t
		  JOIN build b ON b.build_id = t.build_id
		  LEFT JOIN LATERAL (SELECT max(received) AS since
		                       FROM task_status_history h
		                      WHERE h.task_id = t.task_id) h ON true
		  LEFT JOIN task_status_statistics s
		    ON s.branch_name = CASE WHEN b.branch_name LIKE 'cf/%' THEN 'master' ELSE b.branch_name END
		   AND s.task_name = t.task_name
		   AND s.status = t.status
		 WHERE t.status NOT IN ('COMPLETED', 'FAILED', 'ABORTED', 'ERRORED', 'DELETED')
		   AND now() - COALESCE(h.since, t.created) >
		       COALESCE(CASE WHEN s.n >= 2 THEN s.avg_elapsed + 3 * s.stddev_elapsed END,
		                interval '30 minutes')`)
	if err != nil {
		return dbutil.WrappedError(err)
	}
	ids, err := collectString(rows)
	if err != nil {
		return err
	}
	for _, id := range ids {
		id := id
		if err := workqueue.EnqueueIfNotExists(ctx, tx, workqueue.PollStaleBuild, &id); err != nil {
			return err
		}
	}
	return nil
}

// PollStaleBranch reconciles one branch against the pull API. A branch past
// the hard one-hour wall-clock age times out; otherwise we search Cirrus for
// builds on its commit and ingest whatever we find.
func (s *Store) PollStaleBranch(ctx context.Context, tx pgx.Tx, branchID int64) error {
	var status string
	var commitID *string
	var timedOut bool
	err := tx.QueryRow(ctx, `
		SELECT status, commit_id, created < now() - interval '1 hour'
		  FROM branch
		 WHERE id = $1
		   FOR UPDATE`, branchID).Scan(&status, &commitID, &timedOut)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil
	}
	if err != nil {
		return dbutil.WrappedError(err)
	}
	if status != BranchTesting {
		return nil
	}
	if timedOut {
		zap.S().Infof("branch %d timed out", branchID)
		if _, err := tx.Exec(ctx, "UPDATE branch SET status = 'timeout', modified = now() WHERE id = $1", branchID); err != nil {
			return dbutil.WrappedError(err)
		}
		key := strconv.FormatInt(branchID, 10)
		return workqueue.EnqueueIfNotExists(ctx, tx, workqueue.PostBranchStatus, &key)
	}
	if commitID == nil {
		return nil
	}
	found, err := s.ci.SearchBuilds(ctx, s.cfg.CirrusUser, s.cfg.CirrusRepo, *commitID)
	if err != nil {
		return err
	}
	for i := range found {
		if err := s.ingestPolledBuild(ctx, tx, &found[i], nil); err != nil {
			return err
		}
	}
	return nil
}

// PollStaleBuild reconciles one build against the pull API. Cirrus denying
// knowledge of a build we saw in pre-execution status means it was deleted
// before running; we record the synthetic DELETED status for it.
func (s *Store) PollStaleBuild(ctx context.Context, tx pgx.Tx, buildID string) error {
	var existing *string
	var localStatus string
	err := tx.QueryRow(ctx, "SELECT status FROM build WHERE build_id = $1 FOR UPDATE", buildID).Scan(&localStatus)
	if err == nil {
		existing = &localStatus
	} else if !errors.Is(err, pgx.ErrNoRows) {
		return dbutil.WrappedError(err)
	}

	remote, err := s.ci.GetBuild(ctx, buildID)
	if err != nil {
		return err
	}
	if remote == nil {
		if existing == nil {
			// Never observed locally and unknown upstream; nothing to do.
			return nil
		}
		if !cirrus.IsPreExecution(*existing) {
			zap.S().Warnf("build %s unknown to Cirrus but locally %s; leaving it alone", buildID, *existing)
			return nil
		}
		zap.S().Infof("build %s deleted by Cirrus before executing", buildID)
		var branchName, commitID string
		if err := tx.QueryRow(ctx, "SELECT branch_name, COALESCE(commit_id, '') FROM build WHERE build_id = $1", buildID).Scan(&branchName, &commitID); err != nil {
			return dbutil.WrappedError(err)
		}
		if _, err := tx.Exec(ctx, "UPDATE build SET status = 'DELETED', modified = now() WHERE build_id = $1", buildID); err != nil {
			return dbutil.WrappedError(err)
		}
		if err := appendBuildHistory(ctx, tx, buildID, cirrus.StatusDeleted, SourcePoll); err != nil {
			return err
		}
		return s.branchUpdate(ctx, tx, buildID, branchName, commitID, cirrus.StatusDeleted)
	}
	return s.ingestPolledBuild(ctx, tx, remote, existing)
}

// ingestPolledBuild upserts a build snapshot from the pull API, with its
// tasks, appending history rows with source=poll for every change. The poll
// result is the current truth, so unlike the webhook path there is no CAS
// check; the row lock alone serialises against concurrent webhooks.
func (s *Store) ingestPolledBuild(ctx context.Context, tx pgx.Tx, remote *cirrus.Build, existing *string) error {
	buildID := string(remote.ID)
	if existing == nil {
		var status string
		err := tx.QueryRow(ctx, "SELECT status FROM build WHERE build_id = $1 FOR UPDATE", buildID).Scan(&status)
		if err == nil {
			existing = &status
		} else if !errors.Is(err, pgx.ErrNoRows) {
			return dbutil.WrappedError(err)
		}
	}
	if existing == nil {
		if _, err := tx.Exec(ctx, `
			INSERT INTO build (build_id, branch_name, commit_id, status, created, modified)
			VALUES ($1, $2, $3, $4, now(), now())
			ON CONFLICT DO NOTHING`, buildID, remote.Branch, remote.CommitID, remote.Status); err != nil {
			return dbutil.WrappedError(err)
		}
		if err := appendBuildHistory(ctx, tx, buildID, remote.Status, SourcePoll); err != nil {
			return err
		}
	} else if *existing != remote.Status {
		if _, err := tx.Exec(ctx, "UPDATE build SET status = $1, modified = now() WHERE build_id = $2", remote.Status, buildID); err != nil {
			return dbutil.WrappedError(err)
		}
		if err := appendBuildHistory(ctx, tx, buildID, remote.Status, SourcePoll); err != nil {
			return err
		}
	}
	for i := range remote.Tasks {
		if err := s.ingestPolledTask(ctx, tx, buildID, remote.CommitID, &remote.Tasks[i]); err != nil {
			return err
		}
	}
	return s.branchUpdate(ctx, tx, buildID, remote.Branch, remote.CommitID, remote.Status)
}

func (s *Store) ingestPolledTask(ctx context.Context, tx pgx.Tx, buildID, commitID string, task *cirrus.Task) error {
	taskID := string(task.ID)
	var existing string
	err := tx.QueryRow(ctx, "SELECT status FROM task WHERE task_id = $1 FOR UPDATE", taskID).Scan(&existing)
	if errors.Is(err, pgx.ErrNoRows) {
		if _, err := tx.Exec(ctx, `
			INSERT INTO task (task_id, build_id, position, task_name, commit_id, status, created, modified)
			VALUES ($1, $2, $3, $4, $5, $6, now(), now())
			ON CONFLICT DO NOTHING`,
			taskID, buildID, task.LocalGroupID+1, task.Name, commitID, task.Status); err != nil {
			return dbutil.WrappedError(err)
		}
	} else if err != nil {
		return dbutil.WrappedError(err)
	} else if existing == task.Status {
		return nil
	} else {
		if _, err := tx.Exec(ctx, "UPDATE task SET status = $1, modified = now() WHERE task_id = $2", task.Status, taskID); err != nil {
			return dbutil.WrappedError(err)
		}
	}
	if err := appendTaskHistory(ctx, tx, taskID, task.Status, SourcePoll, 0); err != nil {
		return err
	}
	if err := workqueue.EnqueueIfNotExists(ctx, tx, workqueue.PostTaskStatus, &taskID); err != nil {
		return err
	}
	if cirrus.IsFinal(task.Status) {
		return workqueue.EnqueueIfNotExists(ctx, tx, workqueue.FetchTaskCommands, &taskID)
	}
	return nil
}

func collectInt64(rows pgx.Rows) ([]int64, error) {
	defer rows.Close()
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, dbutil.WrappedError(err)
		}
		ids = append(ids, id)
	}
	return ids, dbutil.WrappedError(rows.Err())
}

func collectString(rows pgx.Rows) ([]string, error) {
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, dbutil.WrappedError(err)
		}
		ids = append(ids, id)
	}
	return ids, dbutil.WrappedError(rows.Err())
}
