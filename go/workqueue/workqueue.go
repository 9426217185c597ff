// Package workqueue implements the durable job queue that defers, retries and
// serialises all side-effecting work. Jobs live in the work_queue table;
// producers NOTIFY on every insert and workers LISTEN, so a job is normally
// picked up immediately, with lease expiry as the safety net.
package workqueue

import (
	"context"
	"strings"
	"time"

	"github.com/jackc/pgconn"
	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/postgresql-cfbot/cfbot/go/dbutil"
	"github.com/postgresql-cfbot/cfbot/go/httpclient"
)

// Job types. The key is a task_id, branch_id, build_id or highlight type
// depending on the job.
const (
	FetchTaskCommands     = "fetch-task-commands"
	FetchTaskLogs         = "fetch-task-logs"
	IngestTaskLogs        = "ingest-task-logs"
	FetchTaskArtifacts    = "fetch-task-artifacts"
	IngestTaskArtifacts   = "ingest-task-artifacts"
	RefreshHighlightPages = "refresh-highlight-pages"
	PollStaleBranch       = "poll-stale-branch"
	PollStaleBuild        = "poll-stale-build"
	PostTaskStatus        = "post-task-status"
	PostBranchStatus      = "post-branch-status"
)

// Channel is the LISTEN/NOTIFY channel used for worker wake-ups.
const Channel = "work_queue"

const leaseDuration = "15 minutes"

// idleWait bounds how long a worker waits for a notification before polling
// anyway, which catches jobs whose NOTIFY was lost or whose lease expired.
const idleWait = time.Minute

// RetryLimit returns how many attempts a job type gets before it is moved to
// FAIL. Types that hit flaky network APIs get retries; everything else is
// assumed to be a bug or data problem needing user intervention.
func RetryLimit(jobType string) int {
	if strings.HasPrefix(jobType, "fetch-") ||
		strings.HasPrefix(jobType, "poll-") ||
		strings.HasPrefix(jobType, "post-") {
		return 3
	}
	return 0
}

// DBTX is the subset of pgx operations the producer side needs, so enqueues
// can ride along in whatever transaction the caller already holds.
type DBTX interface {
	Exec(ctx context.Context, sql string, arguments ...interface{}) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
}

var (
	jobsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cfbot_work_queue_jobs_processed",
		Help: "Jobs completed successfully, by type.",
	}, []string{"type"})
	jobsRetried = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cfbot_work_queue_jobs_retried",
		Help: "Jobs rolled back due to a retryable error, by type.",
	}, []string{"type"})
	jobsFailed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cfbot_work_queue_jobs_failed",
		Help: "Jobs moved to FAIL after exhausting retries, by type.",
	}, []string{"type"})
)

// Enqueue inserts a NEW job and wakes up a worker.
func Enqueue(ctx context.Context, db DBTX, jobType string, key *string) error {
	if _, err := db.Exec(ctx, "INSERT INTO work_queue (type, key, status) VALUES ($1, $2, 'NEW')", jobType, key); err != nil {
		return dbutil.WrappedError(err)
	}
	if _, err := db.Exec(ctx, "NOTIFY "+Channel); err != nil {
		return dbutil.WrappedError(err)
	}
	return nil
}

// EnqueueIfNotExists inserts a NEW job unless an identical one is already
// pending and lockable without waiting. The non-blocking lock makes the
// deduplication best-effort while guaranteeing no lost wake-ups: a NEW row a
// worker has already claimed does not count as pending.
func EnqueueIfNotExists(ctx context.Context, db DBTX, jobType string, key *string) error {
	rows, err := db.Query(ctx, `
		SELECT 1
		  FROM work_queue
		 WHERE type = $1
		   AND key IS NOT DISTINCT FROM $2
		   AND status = 'NEW'
		   FOR UPDATE SKIP LOCKED
		 LIMIT 1`, jobType, key)
	if err != nil {
		return dbutil.WrappedError(err)
	}
	exists := rows.Next()
	rows.Close()
	if err := rows.Err(); err != nil {
		return dbutil.WrappedError(err)
	}
	if exists {
		return nil
	}
	return Enqueue(ctx, db, jobType, key)
}

// Handler processes one claimed job. It runs inside a transaction which also
// deletes the job row, so a handler's writes and the job's completion commit
// atomically.
type Handler func(ctx context.Context, tx pgx.Tx, key string) error

// Dispatcher maps job types to handlers.
type Dispatcher map[string]Handler

// Worker drains the queue.
type Worker struct {
	db         *pgxpool.Pool
	dispatcher Dispatcher
	// fetchOnly restricts the worker to fetch-* jobs, useful for isolating
	// the network-bound part of the pipeline.
	fetchOnly bool
}

// NewWorker returns a Worker over the given pool and dispatcher.
func NewWorker(db *pgxpool.Pool, dispatcher Dispatcher, fetchOnly bool) *Worker {
	return &Worker{db: db, dispatcher: dispatcher, fetchOnly: fetchOnly}
}

const claimAny = `
	SELECT id, type, key, retries
	  FROM work_queue
	 WHERE status = 'NEW'
	    OR (status = 'WORK' AND lease < now())
	   FOR UPDATE SKIP LOCKED
	 LIMIT 1`

const claimFetchOnly = `
	SELECT id, type, key, retries
	  FROM work_queue
	 WHERE type LIKE 'fetch-%'
	   AND (status = 'NEW' OR (status = 'WORK' AND lease < now()))
	   FOR UPDATE SKIP LOCKED
	 LIMIT 1`

// ProcessOneJob claims and runs a single job. It returns true if it made
// progress and should immediately be called again. A retryable error is
// logged and swallowed (the job's lease will expire and it will be retried);
// any other handler error is returned and should crash the worker.
func (w *Worker) ProcessOneJob(ctx context.Context) (bool, error) {
	var id int64
	var jobType string
	var key *string
	var retries *int32
	claimed := false

	err := w.db.BeginFunc(ctx, func(tx pgx.Tx) error {
		claim := claimAny
		if w.fetchOnly {
			claim = claimFetchOnly
		}
		err := tx.QueryRow(ctx, claim).Scan(&id, &jobType, &key, &retries)
		if errors.Is(err, pgx.ErrNoRows) {
			return nil
		}
		if err != nil {
			return dbutil.WrappedError(err)
		}
		if retries != nil && int(*retries) >= RetryLimit(jobType) {
			jobsFailed.WithLabelValues(jobType).Inc()
			zap.S().Errorf("work_queue: id = %d, type = %s, key = %s exhausted retries, marking FAIL", id, jobType, strValue(key))
			_, err := tx.Exec(ctx, "UPDATE work_queue SET status = 'FAIL' WHERE id = $1", id)
			return dbutil.WrappedError(err)
		}
		claimed = true
		_, err = tx.Exec(ctx, `
			UPDATE work_queue
			   SET lease = now() + interval '`+leaseDuration+`',
			       status = 'WORK',
			       retries = coalesce(retries + 1, 0)
			 WHERE id = $1`, id)
		return dbutil.WrappedError(err)
	})
	if err != nil {
		return false, err
	}
	if id == 0 {
		return false, nil
	}
	if !claimed {
		// The job was moved to FAIL; go around again.
		return true, nil
	}

	handler, ok := w.dispatcher[jobType]
	if !ok {
		// Unknown types are left alone for inspection; they will end up in
		// FAIL via the retry limit.
		zap.S().Errorf("work_queue: no handler for type %s (id = %d)", jobType, id)
		return true, nil
	}

	err = w.db.BeginFunc(ctx, func(tx pgx.Tx) error {
		if err := handler(ctx, tx, strValue(key)); err != nil {
			return err
		}
		_, err := tx.Exec(ctx, "DELETE FROM work_queue WHERE id = $1", id)
		return dbutil.WrappedError(err)
	})
	if err != nil {
		if httpclient.IsTransient(err) {
			jobsRetried.WithLabelValues(jobType).Inc()
			zap.S().Errorf("work_queue retryable error: id = %d, type = %s, key = %s, error = %s", id, jobType, strValue(key), err)
			return false, nil
		}
		return false, errors.Wrapf(err, "work_queue fatal error: id = %d, type = %s, key = %s", id, jobType, strValue(key))
	}
	jobsProcessed.WithLabelValues(jobType).Inc()
	return true, nil
}

// Run drains the queue until the context is cancelled: process everything
// claimable, then sleep on LISTEN with a polling fallback.
func (w *Worker) Run(ctx context.Context) error {
	conn, err := w.db.Acquire(ctx)
	if err != nil {
		return dbutil.WrappedError(err)
	}
	defer conn.Release()
	if _, err := conn.Exec(ctx, "LISTEN "+Channel); err != nil {
		return dbutil.WrappedError(err)
	}

	for {
		if err := ctx.Err(); err != nil {
			return nil
		}
		progress, err := w.ProcessOneJob(ctx)
		if err != nil {
			return err
		}
		if progress {
			continue
		}
		// Queue looks empty (or the head job just hit a retryable error).
		// Wait for a NOTIFY, or poll after a while anyway.
		waitCtx, cancel := context.WithTimeout(ctx, idleWait)
		_, err = conn.Conn().WaitForNotification(waitCtx)
		cancel()
		if err != nil && !errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, context.Canceled) {
			return dbutil.WrappedError(err)
		}
	}
}

func strValue(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
