package builds

import (
	"context"
	"strings"

	"github.com/jackc/pgx/v4"

	"github.com/postgresql-cfbot/cfbot/go/cirrus"
	"github.com/postgresql-cfbot/cfbot/go/dbutil"
	"github.com/postgresql-cfbot/cfbot/go/workqueue"
)

// FetchTaskCommands handles fetch-task-commands jobs: once a task reaches a
// final status, pull down its list of artifacts (without bodies) and its
// command list, then queue the log fetch. Bodies are only fetched after we
// know which tests failed, to avoid downloading too much.
func (s *Store) FetchTaskCommands(ctx context.Context, tx pgx.Tx, taskID string) error {
	artifacts, err := s.ci.TaskArtifacts(ctx, taskID)
	if err != nil {
		return err
	}
	for _, a := range artifacts {
		if _, err := tx.Exec(ctx, `
			INSERT INTO artifact (task_id, name, path, size)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT DO NOTHING`, taskID, a.Name, a.Path, a.Size); err != nil {
			return dbutil.WrappedError(err)
		}
	}
	commands, err := s.ci.TaskCommands(ctx, taskID)
	if err != nil {
		return err
	}
	for _, c := range commands {
		if _, err := tx.Exec(ctx, `
			INSERT INTO task_command (task_id, name, type, status, duration)
			VALUES ($1, $2, $3, $4, $5 * interval '1 second')
			ON CONFLICT DO NOTHING`, taskID, c.Name, c.Type, c.Status, c.DurationSeconds); err != nil {
			return dbutil.WrappedError(err)
		}
	}
	return workqueue.Enqueue(ctx, tx, workqueue.FetchTaskLogs, &taskID)
}

// FetchTaskLogs handles fetch-task-logs jobs: download the log of every
// command that actually ran. A missing log is not an error; short-lived
// commands sometimes have none.
func (s *Store) FetchTaskLogs(ctx context.Context, tx pgx.Tx, taskID string) error {
	rows, err := tx.Query(ctx, `
		SELECT name
		  FROM task_command
		 WHERE task_id = $1
		   AND status NOT IN ('SKIPPED', 'UNDEFINED', 'ABORTED')`, taskID)
	if err != nil {
		return dbutil.WrappedError(err)
	}
	commands, err := collectString(rows)
	if err != nil {
		return err
	}
	for _, command := range commands {
		body, err := s.http.Fetch(ctx, cirrus.TaskLogURL(taskID, command))
		if err != nil {
			return err
		}
		if body == nil {
			continue
		}
		if _, err := tx.Exec(ctx, `
			UPDATE task_command
			   SET log = $1
			 WHERE task_id = $2
			   AND name = $3`, sanitizeUTF8(body), taskID, command); err != nil {
			return dbutil.WrappedError(err)
		}
	}
	// Ingestion is deferred to its own job so a parse bug cannot force the
	// logs to be downloaded again.
	return workqueue.Enqueue(ctx, tx, workqueue.IngestTaskLogs, &taskID)
}

// IngestTaskLogs handles ingest-task-logs jobs: scan the downloaded command
// logs for highlights and structured test results. Re-running replaces the
// log-derived highlights; core highlights belong to this job only when the
// task has a "cores" command (Unix), otherwise they came from crashlog
// artifacts.
func (s *Store) IngestTaskLogs(ctx context.Context, tx pgx.Tx, taskID string) error {
	if err := s.lockTask(ctx, tx, taskID); err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, `
		DELETE FROM highlight
		 WHERE task_id = $1
		   AND (type IN ('compiler', 'linker', 'regress', 'isolation', 'test') OR
		        (type = 'core' AND EXISTS (SELECT 1
		                                     FROM task_command
		                                    WHERE task_id = $1
		                                      AND name = 'cores')))`, taskID); err != nil {
		return dbutil.WrappedError(err)
	}
	if _, err := tx.Exec(ctx, "DELETE FROM test WHERE task_id = $1 AND type = 'tap'", taskID); err != nil {
		return dbutil.WrappedError(err)
	}

	rows, err := tx.Query(ctx, `
		SELECT name, log
		  FROM task_command
		 WHERE task_id = $1
		   AND (name IN ('build', 'build_32', 'test_world', 'test_world_32',
		                 'test_running', 'check_world', 'cores') OR
		        name LIKE '%_warning')
		   AND log IS NOT NULL`, taskID)
	if err != nil {
		return dbutil.WrappedError(err)
	}
	type commandLog struct{ name, log string }
	var logs []commandLog
	for rows.Next() {
		var cl commandLog
		if err := rows.Scan(&cl.name, &cl.log); err != nil {
			rows.Close()
			return dbutil.WrappedError(err)
		}
		logs = append(logs, cl)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return dbutil.WrappedError(err)
	}

	types := map[string]bool{}
	for _, cl := range logs {
		source := "command:" + cl.name
		var highlights []Highlight
		switch {
		case cl.name == "build":
			highlights = scanPatternLines(source, buildPatterns, cl.log)
		case strings.HasSuffix(cl.name, "_warning"):
			highlights = scanPatternLines(source, warningPatterns, cl.log)
		case cl.name == "cores":
			highlights = scanUnixCores(source, cl.log)
		case cl.name == "test_world" || cl.name == "test_world_32" ||
			cl.name == "test_running" || cl.name == "check_world":
			for _, result := range scanMesonTestLines(cl.log) {
				if _, err := tx.Exec(ctx, `
					INSERT INTO test (task_id, command, type, suite, name, result, duration)
					VALUES ($1, $2, 'tap', $3, $4, $5, $6)
					ON CONFLICT DO NOTHING`,
					taskID, cl.name, result.Suite, result.Name, result.Result, result.Duration); err != nil {
					return dbutil.WrappedError(err)
				}
			}
			highlights = scanTapSummary(source, cl.log)
		}
		if err := s.insertHighlights(ctx, tx, taskID, highlights, types); err != nil {
			return err
		}
	}

	// With the failed tests known, the artifact bodies can be pulled down
	// selectively.
	if err := workqueue.Enqueue(ctx, tx, workqueue.FetchTaskArtifacts, &taskID); err != nil {
		return err
	}
	return enqueuePageRefreshes(ctx, tx, types)
}

// FetchTaskArtifacts handles fetch-task-artifacts jobs. Crash logs are always
// wanted; testrun artifacts are wanted except for subdirectories of tests
// that passed. When no test rows were parsed (an autoconf build), fall back
// to the "log" artifacts: artifacts only exist at all when something failed.
func (s *Store) FetchTaskArtifacts(ctx context.Context, tx pgx.Tx, taskID string) error {
	rows, err := tx.Query(ctx, `
		SELECT name, path
		  FROM artifact
		 WHERE task_id = $1
		   AND body IS NULL
		   AND (name = 'crashlog' OR
		        (name = 'testrun' AND
		         (task_id, COALESCE(substring(path FROM '^[^/]+/testrun/[^/]+/[^/]+'), '')) NOT IN
		          (SELECT task_id,
		                  CASE command
		                    WHEN 'test_world_32' THEN 'build-32/testrun/'
		                    ELSE 'build/testrun/'
		                  END || suite || '/' || name
		             FROM test
		            WHERE task_id = $1
		              AND result IN ('OK', 'SKIP'))))`, taskID)
	if err != nil {
		return dbutil.WrappedError(err)
	}
	wanted, err := collectNamePath(rows)
	if err != nil {
		return err
	}
	if len(wanted) == 0 {
		rows, err := tx.Query(ctx, `
			SELECT name, path
			  FROM artifact
			 WHERE task_id = $1
			   AND body IS NULL
			   AND name = 'log'`, taskID)
		if err != nil {
			return dbutil.WrappedError(err)
		}
		wanted, err = collectNamePath(rows)
		if err != nil {
			return err
		}
	}

	for _, a := range wanted {
		body, err := s.http.Fetch(ctx, cirrus.ArtifactBodyURL(taskID, a.name, a.path))
		if err != nil {
			return err
		}
		if body == nil {
			continue
		}
		if _, err := tx.Exec(ctx, `
			UPDATE artifact
			   SET body = $1
			 WHERE task_id = $2
			   AND name = $3
			   AND path = $4`, sanitizeUTF8(body), taskID, a.name, a.path); err != nil {
			return dbutil.WrappedError(err)
		}
	}
	return workqueue.Enqueue(ctx, tx, workqueue.IngestTaskArtifacts, &taskID)
}

// IngestTaskArtifacts handles ingest-task-artifacts jobs: scan the downloaded
// artifact bodies. The mirror image of IngestTaskLogs: core highlights belong
// here only when the task has no "cores" command, i.e. Windows.
func (s *Store) IngestTaskArtifacts(ctx context.Context, tx pgx.Tx, taskID string) error {
	if err := s.lockTask(ctx, tx, taskID); err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, `
		DELETE FROM highlight
		 WHERE task_id = $1
		   AND (type IN ('sanitizer', 'assertion', 'panic', 'regress', 'tap') OR
		        (type = 'core' AND NOT EXISTS (SELECT 1
		                                         FROM task_command
		                                        WHERE task_id = $1
		                                          AND name = 'cores')))`, taskID); err != nil {
		return dbutil.WrappedError(err)
	}

	rows, err := tx.Query(ctx, `
		SELECT name, path, body
		  FROM artifact
		 WHERE task_id = $1
		   AND body IS NOT NULL`, taskID)
	if err != nil {
		return dbutil.WrappedError(err)
	}
	type artifactBody struct{ name, path, body string }
	var bodies []artifactBody
	for rows.Next() {
		var a artifactBody
		if err := rows.Scan(&a.name, &a.path, &a.body); err != nil {
			rows.Close()
			return dbutil.WrappedError(err)
		}
		bodies = append(bodies, a)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return dbutil.WrappedError(err)
	}

	types := map[string]bool{}
	for _, a := range bodies {
		source := "artifact:" + a.name + "/" + a.path
		var highlights []Highlight
		switch {
		case a.name == "crashlog":
			highlights = scanWindowsCrashLog(source, a.body)
		case strings.HasSuffix(a.path, "/regression.diffs"):
			if h := scanRegressionDiffs(source, a.body); h != nil {
				highlights = []Highlight{*h}
			}
		default:
			if regressLogPath.MatchString(a.path) {
				if h := scanRegressLog(source, a.body); h != nil {
					highlights = append(highlights, *h)
				}
			}
			highlights = append(highlights, scanPatternLines(source, artifactPatterns, a.body)...)
		}
		if err := s.insertHighlights(ctx, tx, taskID, highlights, types); err != nil {
			return err
		}
	}
	return enqueuePageRefreshes(ctx, tx, types)
}

func (s *Store) lockTask(ctx context.Context, tx pgx.Tx, taskID string) error {
	rows, err := tx.Query(ctx, "SELECT FROM task WHERE task_id = $1 FOR UPDATE", taskID)
	if err != nil {
		return dbutil.WrappedError(err)
	}
	rows.Close()
	return dbutil.WrappedError(rows.Err())
}

func (s *Store) insertHighlights(ctx context.Context, tx pgx.Tx, taskID string, highlights []Highlight, types map[string]bool) error {
	for _, h := range highlights {
		if _, err := tx.Exec(ctx, `
			INSERT INTO highlight (task_id, type, source, excerpt)
			VALUES ($1, $2, $3, $4)`, taskID, h.Type, h.Source, h.Excerpt); err != nil {
			return dbutil.WrappedError(err)
		}
		types[h.Type] = true
	}
	return nil
}

// enqueuePageRefreshes queues a rebuild of the "all" highlights page and of
// the per-type pages for every type that gained a highlight.
func enqueuePageRefreshes(ctx context.Context, tx pgx.Tx, types map[string]bool) error {
	if len(types) == 0 {
		return nil
	}
	all := "all"
	if err := workqueue.EnqueueIfNotExists(ctx, tx, workqueue.RefreshHighlightPages, &all); err != nil {
		return err
	}
	for t := range types {
		t := t
		if err := workqueue.EnqueueIfNotExists(ctx, tx, workqueue.RefreshHighlightPages, &t); err != nil {
			return err
		}
	}
	return nil
}

type namePath struct{ name, path string }

func collectNamePath(rows pgx.Rows) ([]namePath, error) {
	defer rows.Close()
	var out []namePath
	for rows.Next() {
		var np namePath
		if err := rows.Scan(&np.name, &np.path); err != nil {
			return nil, dbutil.WrappedError(err)
		}
		out = append(out, np)
	}
	return out, dbutil.WrappedError(rows.Err())
}
