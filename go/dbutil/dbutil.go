// Package dbutil holds the shared database plumbing: pool construction and
// error decoration for pgx.
package dbutil

import (
	"context"

	"github.com/jackc/pgconn"
	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/pkg/errors"
)

// NewPool connects to the given Postgres DSN and returns a pool. The
// application name shows up in pg_stat_activity, which makes it easy to see
// which cfbot process holds which connection. Worker connections disable
// synchronous_commit; every job is retried via the queue lease anyway, so
// losing the tail of the WAL on a crash only repeats work.
func NewPool(ctx context.Context, dsn, applicationName string, synchronousCommit bool) (*pgxpool.Pool, error) {
	conf, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, errors.Wrapf(err, "parsing database config %q", dsn)
	}
	conf.ConnConfig.RuntimeParams["application_name"] = applicationName
	if !synchronousCommit {
		conf.ConnConfig.RuntimeParams["synchronous_commit"] = "off"
	}
	pool, err := pgxpool.ConnectConfig(ctx, conf)
	if err != nil {
		return nil, errors.Wrap(err, "connecting to database")
	}
	return pool, nil
}

// WrappedError unwraps and re-wraps a pgconn.PgError to give more details on
// the failure.
func WrappedError(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return errors.Wrapf(err, "Msg: %s, Code: %s, Detail: %s, Hint: %s", pgErr.Message, pgErr.Code, pgErr.Detail, pgErr.Hint)
	}
	return errors.WithStack(err)
}
