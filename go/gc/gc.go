// Package gc trims old data from the database on the daily tick.
package gc

import (
	"context"

	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"
	"go.uber.org/zap"

	"github.com/postgresql-cfbot/cfbot/go/config"
	"github.com/postgresql-cfbot/cfbot/go/dbutil"
)

// Run garbage-collects in two stages: first large objects (artifact bodies
// and command logs) older than the short retention window are nulled out;
// then whole builds older than the long window are deleted bottom-up in
// referential integrity order, along with branches that never got a build.
// The highlights system should have ingested the large objects long before
// the short window closes.
func Run(ctx context.Context, db *pgxpool.Pool, cfg config.Config) error {
	err := db.BeginFunc(ctx, func(tx pgx.Tx) error {
		// The anti-joins below are much happier with room to hash.
		if _, err := tx.Exec(ctx, "SET LOCAL work_mem = '256MB'"); err != nil {
			return dbutil.WrappedError(err)
		}

		tag, err := tx.Exec(ctx, `
			UPDATE artifact
			   SET body = NULL
			  FROM task
			 WHERE artifact.task_id = task.task_id
			   AND artifact.body IS NOT NULL
			   AND task.created < now() - interval '1 day' * $1`, cfg.RetentionLargeObjects)
		if err != nil {
			return dbutil.WrappedError(err)
		}
		zap.S().Infof("garbage collected %d artifact bodies", tag.RowsAffected())

		tag, err = tx.Exec(ctx, `
			UPDATE task_command
			   SET log = NULL
			  FROM task
			 WHERE task_command.task_id = task.task_id
			   AND task_command.log IS NOT NULL
			   AND task.created < now() - interval '1 day' * $1`, cfg.RetentionLargeObjects)
		if err != nil {
			return dbutil.WrappedError(err)
		}
		zap.S().Infof("garbage collected %d task_command logs", tag.RowsAffected())
		return nil
	})
	if err != nil {
		return err
	}

	return db.BeginFunc(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, "SET LOCAL work_mem = '256MB'"); err != nil {
			return dbutil.WrappedError(err)
		}

		byTask := []string{"artifact", "test", "task_command", "highlight", "task_status_history"}
		for _, table := range byTask {
			if _, err := tx.Exec(ctx, `
				DELETE FROM `+table+`
				 WHERE task_id IN (SELECT task_id
				                     FROM task JOIN build USING (build_id)
				                    WHERE build.created < now() - interval '1 day' * $1)`, cfg.RetentionAll); err != nil {
				return dbutil.WrappedError(err)
			}
		}
		byBuild := []string{"task", "branch", "build_status_history"}
		for _, table := range byBuild {
			if _, err := tx.Exec(ctx, `
				DELETE FROM `+table+`
				 WHERE build_id IN (SELECT build_id
				                      FROM build
				                     WHERE created < now() - interval '1 day' * $1)`, cfg.RetentionAll); err != nil {
				return dbutil.WrappedError(err)
			}
		}
		tag, err := tx.Exec(ctx, "DELETE FROM build WHERE created < now() - interval '1 day' * $1", cfg.RetentionAll)
		if err != nil {
			return dbutil.WrappedError(err)
		}
		zap.S().Infof("garbage collected %d builds older than %d days", tag.RowsAffected(), cfg.RetentionAll)

		// Branches with no build: they failed to apply, or are simply old.
		tag, err = tx.Exec(ctx, `
			DELETE FROM branch
			 WHERE build_id IS NULL
			   AND created < now() - interval '1 day' * $1`, cfg.RetentionAll)
		if err != nil {
			return dbutil.WrappedError(err)
		}
		zap.S().Infof("garbage collected %d branches with no build older than %d days", tag.RowsAffected(), cfg.RetentionAll)
		return nil
	})
}
