package builds

import (
	"context"
	"strconv"

	"github.com/jackc/pgx/v4"
	"github.com/pkg/errors"

	"github.com/postgresql-cfbot/cfbot/go/cirrus"
	"github.com/postgresql-cfbot/cfbot/go/dbutil"
	"github.com/postgresql-cfbot/cfbot/go/workqueue"
)

// branchStatusForBuild maps a build status onto the branch lifecycle.
func branchStatusForBuild(buildStatus string) string {
	if !cirrus.IsFinal(buildStatus) {
		return BranchTesting
	}
	if buildStatus == cirrus.StatusCompleted {
		return BranchFinished
	}
	return BranchFailed
}

// branchUpdate merges a build transition into the branch row, after deciding
// whether this build is the branch's current build. A CI provider may re-run
// builds for the same commit, so the association is a decision, not a fact.
func (s *Store) branchUpdate(ctx context.Context, tx pgx.Tx, buildID, branchName, commitID, buildStatus string) error {
	submissionID, ok := SubmissionIDFromBranch(branchName)
	if !ok {
		return nil
	}
	current, err := s.isCurrentBuild(ctx, tx, buildID, branchName, commitID, buildStatus)
	if err != nil {
		return err
	}
	if !current {
		return nil
	}

	// Lock the oldest branch row for this submission and commit; that is the
	// one the materialiser inserted.
	var branchID int64
	var existingBuildID *string
	var existingStatus string
	var commitfestID int64
	err = tx.QueryRow(ctx, `
		SELECT id, build_id, status, commitfest_id
		  FROM branch
		 WHERE submission_id = $1
		   AND commit_id = $2
		 ORDER BY created
		 LIMIT 1
		   FOR UPDATE`, submissionID, commitID).Scan(&branchID, &existingBuildID, &existingStatus, &commitfestID)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil
	}
	if err != nil {
		return dbutil.WrappedError(err)
	}

	newStatus := branchStatusForBuild(buildStatus)
	if existingStatus == BranchTimeout {
		// timeout is sticky; keep tracking builds and tasks but never
		// resurrect the branch.
		newStatus = BranchTimeout
	}
	changed := existingStatus != newStatus || existingBuildID == nil || *existingBuildID != buildID
	if changed {
		if _, err := tx.Exec(ctx, `
			UPDATE branch
			   SET build_id = $1, status = $2, modified = now()
			 WHERE id = $3`, buildID, newStatus, branchID); err != nil {
			return dbutil.WrappedError(err)
		}
		key := strconv.FormatInt(branchID, 10)
		if err := workqueue.EnqueueIfNotExists(ctx, tx, workqueue.PostBranchStatus, &key); err != nil {
			return err
		}
	}
	if cirrus.IsFinal(buildStatus) && (newStatus == BranchFinished || newStatus == BranchFailed) {
		return s.computeBackoff(ctx, tx, commitfestID, submissionID, buildStatus)
	}
	return nil
}

// isCurrentBuild decides whether buildID is the build the branch row should
// track.
func (s *Store) isCurrentBuild(ctx context.Context, tx pgx.Tx, buildID, branchName, commitID, buildStatus string) (bool, error) {
	if !cirrus.IsFinal(buildStatus) {
		return true, nil
	}
	// Another build still running on the same commit wins.
	var one int
	err := tx.QueryRow(ctx, `
		SELECT 1
		  FROM build
		 WHERE branch_name = $1
		   AND commit_id = $2
		   AND build_id <> $3
		   AND status NOT IN ('COMPLETED', 'FAILED', 'ABORTED', 'ERRORED', 'DELETED')
		 LIMIT 1`, branchName, commitID, buildID).Scan(&one)
	if err == nil {
		return false, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return false, dbutil.WrappedError(err)
	}
	// All builds on this commit are final; the most recently created one is
	// authoritative.
	var newest string
	err = tx.QueryRow(ctx, `
		SELECT build_id
		  FROM build
		 WHERE branch_name = $1
		   AND commit_id = $2
		 ORDER BY created DESC, build_id DESC
		 LIMIT 1`, branchName, commitID).Scan(&newest)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, dbutil.WrappedError(err)
	}
	return newest == buildID, nil
}

// computeBackoff updates the submission's backoff bookkeeping after its
// current branch's current build reached a final status. Success clears the
// backoff; anything else starts at one day and doubles. The backoff_until
// guard keeps several failures inside one backoff window from compounding.
func (s *Store) computeBackoff(ctx context.Context, tx pgx.Tx, commitfestID, submissionID int64, buildStatus string) error {
	if buildStatus == cirrus.StatusCompleted {
		_, err := tx.Exec(ctx, `
			UPDATE submission
			   SET backoff_until = NULL,
			       last_backoff = NULL
			 WHERE commitfest_id = $1
			   AND submission_id = $2`, commitfestID, submissionID)
		return dbutil.WrappedError(err)
	}
	_, err := tx.Exec(ctx, `
		UPDATE submission
		   SET backoff_until = now() + COALESCE(last_backoff * 2, interval '1 day'),
		       last_backoff = COALESCE(last_backoff * 2, interval '1 day')
		 WHERE commitfest_id = $1
		   AND submission_id = $2
		   AND (backoff_until < now() OR backoff_until IS NULL)`, commitfestID, submissionID)
	return dbutil.WrappedError(err)
}
