package builds

import (
	"context"

	"github.com/jackc/pgx/v4"

	"github.com/postgresql-cfbot/cfbot/go/dbutil"
)

// RefreshStatistics fully recomputes the expected-time-in-status baselines
// from the history tables. Only builds on reference branches (mainline and
// release branches, i.e. everything we did not push ourselves) that finished
// COMPLETED contribute, so a broken patch cannot skew the detector.
//
// The elapsed time in a status is the gap between its history row and the
// next one for the same entity; the final status of a completed entity has no
// next row and contributes nothing, which is what we want.
func (s *Store) RefreshStatistics(ctx context.Context, tx pgx.Tx) error {
	if _, err := tx.Exec(ctx, "DELETE FROM build_status_statistics"); err != nil {
		return dbutil.WrappedError(err)
	}
	if _, err := tx.Exec(ctx, `
		INSERT INTO build_status_statistics (branch_name, status, avg_elapsed, stddev_elapsed, n)
		SELECT b.branch_name,
		       h.status,
		       avg(h.elapsed),
		       COALESCE(stddev_samp(extract(epoch FROM h.elapsed)), 0) * interval '1 second',
		       count(*)
		  FROM (SELECT build_id,
		               status,
		               lead(received) OVER (PARTITION BY build_id ORDER BY received) - received AS elapsed
		          FROM build_status_history) h
		  JOIN build b ON b.build_id = h.build_id
		 WHERE h.elapsed IS NOT NULL
		   AND b.status = 'COMPLETED'
		   AND b.branch_name NOT LIKE 'cf/%'
		 GROUP BY b.branch_name, h.status`); err != nil {
		return dbutil.WrappedError(err)
	}

	if _, err := tx.Exec(ctx, "DELETE FROM task_status_statistics"); err != nil {
		return dbutil.WrappedError(err)
	}
	if _, err := tx.Exec(ctx, `
		INSERT INTO task_status_statistics (branch_name, task_name, status, avg_elapsed, stddev_elapsed, n)
		SELECT b.branch_name,
		       t.task_name,
		       h.status,
		       avg(h.elapsed),
		       COALESCE(stddev_samp(extract(epoch FROM h.elapsed)), 0) * interval '1 second',
		       count(*)
		  FROM (SELECT task_id,
		               status,
		               lead(received) OVER (PARTITION BY task_id ORDER BY received) - received AS elapsed
		          FROM task_status_history) h
		  JOIN task t ON t.task_id = h.task_id
		  JOIN build b ON b.build_id = t.build_id
		 WHERE h.elapsed IS NOT NULL
		   AND t.status = 'COMPLETED'
		   AND b.branch_name NOT LIKE 'cf/%'
		 GROUP BY b.branch_name, t.task_name, h.status`); err != nil {
		return dbutil.WrappedError(err)
	}
	return nil
}
