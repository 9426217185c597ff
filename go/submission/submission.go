// Package submission implements the scheduler's choice of which commitfest
// entry to materialise next.
package submission

import (
	"context"

	"github.com/jackc/pgx/v4"
	"go.uber.org/zap"

	"github.com/postgresql-cfbot/cfbot/go/config"
	"github.com/postgresql-cfbot/cfbot/go/dbutil"
)

// schedulableStatuses are the commitfest entry states worth testing.
const schedulableStatuses = "('Ready for Committer', 'Needs review', 'Waiting on Author')"

// DB is the subset of pgxpool.Pool and pgx.Tx the scheduler reads through.
type DB interface {
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
}

// Candidate identifies one submission in one commitfest.
type Candidate struct {
	CommitfestID int64
	SubmissionID int64
}

// Store chooses submissions.
type Store struct {
	cfg config.Config
}

// New returns a Store.
func New(cfg config.Config) *Store {
	return &Store{cfg: cfg}
}

// NeedToLimitRate reports whether enough branches are already being tested
// that no new one should be pushed this tick.
func (s *Store) NeedToLimitRate(ctx context.Context, db DB) (bool, error) {
	var testing int
	err := db.QueryRow(ctx, "SELECT COUNT(*) FROM branch WHERE status = 'testing'").Scan(&testing)
	if err != nil {
		return false, dbutil.WrappedError(err)
	}
	return testing >= s.cfg.ConcurrentBuilds, nil
}

// Choose returns the submission most deserving of a branch, or nil when
// nothing should be done this tick. New patches always win over bitrot
// checks.
func (s *Store) Choose(ctx context.Context, db DB, activeCommitfests []int64) (*Candidate, error) {
	candidate, err := s.chooseWithNewPatch(ctx, db, activeCommitfests)
	if err != nil || candidate != nil {
		return candidate, err
	}
	return s.chooseWithoutNewPatch(ctx, db, activeCommitfests)
}

// chooseWithNewPatch picks the submission that has been waiting longest with
// a patch set newer than the one we last built. The last email time stands in
// for the time the patch was posted.
func (s *Store) chooseWithNewPatch(ctx context.Context, db DB, activeCommitfests []int64) (*Candidate, error) {
	var c Candidate
	err := db.QueryRow(ctx, `
		SELECT commitfest_id, submission_id
		  FROM submission
		 WHERE last_message_id IS NOT NULL
		   AND last_message_id IS DISTINCT FROM last_branch_message_id
		   AND status IN `+schedulableStatuses+`
		   AND commitfest_id = ANY($1)
		   AND NOT (submission_id = ANY($2))
		 ORDER BY last_email_time, submission_id
		 LIMIT 1`, activeCommitfests, s.ignoreList()).Scan(&c.CommitfestID, &c.SubmissionID)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, dbutil.WrappedError(err)
	}
	return &c, nil
}

// chooseWithoutNewPatch picks the submission that has been waiting longest
// for a periodic bitrot check, but only while we are below the push rate that
// gets through every eligible submission once per cycle time.
func (s *Store) chooseWithoutNewPatch(ctx context.Context, db DB, activeCommitfests []int64) (*Candidate, error) {
	var eligible int
	err := db.QueryRow(ctx, `
		SELECT COUNT(*)
		  FROM submission
		 WHERE last_message_id IS NOT NULL
		   AND commitfest_id = ANY($1)
		   AND status IN `+schedulableStatuses, activeCommitfests).Scan(&eligible)
	if err != nil {
		return nil, dbutil.WrappedError(err)
	}
	targetPerHour := float64(eligible) / s.cfg.CycleTime.Hours()

	var currentPerHour int
	err = db.QueryRow(ctx, `
		SELECT COUNT(*)
		  FROM submission
		 WHERE last_message_id IS NOT NULL
		   AND commitfest_id = ANY($1)
		   AND status IN `+schedulableStatuses+`
		   AND last_branch_time > now() - interval '1 hour'`, activeCommitfests).Scan(&currentPerHour)
	if err != nil {
		return nil, dbutil.WrappedError(err)
	}
	if float64(currentPerHour) >= targetPerHour {
		zap.S().Debugf("bitrot sweep at target rate (%d this hour, target %.2f/h)", currentPerHour, targetPerHour)
		return nil, nil
	}

	var c Candidate
	err = db.QueryRow(ctx, `
		SELECT commitfest_id, submission_id
		  FROM submission
		 WHERE last_message_id IS NOT NULL
		   AND status IN `+schedulableStatuses+`
		   AND commitfest_id = ANY($1)
		   AND NOT (submission_id = ANY($2))
		   AND (backoff_until IS NULL OR backoff_until <= now())
		 ORDER BY last_branch_time NULLS FIRST, submission_id
		 LIMIT 1`, activeCommitfests, s.ignoreList()).Scan(&c.CommitfestID, &c.SubmissionID)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, dbutil.WrappedError(err)
	}
	return &c, nil
}

// ignoreList never returns nil so the SQL array parameter is always present.
func (s *Store) ignoreList() []int64 {
	if s.cfg.IgnoreSubmissions == nil {
		return []int64{}
	}
	return s.cfg.IgnoreSubmissions
}
