// Package builds keeps the local build/task/branch state consistent under an
// unreliable stream of CI webhooks, reconciled against the pull API by
// stale-entity sweepers. Every observed transition lands in a history table
// tagged with its source (webhook or poll); per-entity row locks serialise
// writers so the history forms a totally ordered per-entity log.
package builds

import (
	"context"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v4"
	"github.com/pkg/errors"

	"github.com/postgresql-cfbot/cfbot/go/cirrus"
	"github.com/postgresql-cfbot/cfbot/go/config"
	"github.com/postgresql-cfbot/cfbot/go/httpclient"
)

// Branch statuses.
const (
	BranchTesting  = "testing"
	BranchFinished = "finished"
	BranchFailed   = "failed"
	BranchTimeout  = "timeout"
)

// Transition sources recorded in the history tables.
const (
	SourceWebhook = "webhook"
	SourcePoll    = "poll"
)

// Store applies CI state transitions.
type Store struct {
	cfg  config.Config
	ci   *cirrus.Client
	http *httpclient.Client
}

// New returns a Store. The cirrus and http clients are only needed by the
// poll and fetch handlers; the webhook path never talks to the network.
func New(cfg config.Config, ci *cirrus.Client, http *httpclient.Client) *Store {
	return &Store{cfg: cfg, ci: ci, http: http}
}

// SubmissionIDFromBranch extracts the submission id from a cf/<id> branch
// name. The second return is false for reference branches (master, REL_...)
// and anything else we did not push.
func SubmissionIDFromBranch(branchName string) (int64, bool) {
	rest, ok := strings.CutPrefix(branchName, "cf/")
	if !ok {
		return 0, false
	}
	id, err := strconv.ParseInt(rest, 10, 64)
	if err != nil {
		return 0, false
	}
	return id, true
}

// referenceBranchFor maps a build's branch to the branch whose statistics are
// the "expected time in status" baseline. Builds on our cf/ branches compare
// against mainline; builds on reference branches compare against themselves.
func referenceBranchFor(branchName string) string {
	if _, ok := SubmissionIDFromBranch(branchName); ok {
		return "master"
	}
	return branchName
}

func appendBuildHistory(ctx context.Context, tx pgx.Tx, buildID, status, source string) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO build_status_history (build_id, status, received, source)
		VALUES ($1, $2, now(), $3)`, buildID, status, source)
	return errors.Wrap(err, "appending build history")
}

func appendTaskHistory(ctx context.Context, tx pgx.Tx, taskID, status, source string, statusTimestampMillis int64) error {
	var err error
	if statusTimestampMillis > 0 {
		_, err = tx.Exec(ctx, `
			INSERT INTO task_status_history (task_id, status, received, source, status_timestamp)
			VALUES ($1, $2, now(), $3, to_timestamp($4 / 1000.0))`, taskID, status, source, statusTimestampMillis)
	} else {
		_, err = tx.Exec(ctx, `
			INSERT INTO task_status_history (task_id, status, received, source)
			VALUES ($1, $2, now(), $3)`, taskID, status, source)
	}
	return errors.Wrap(err, "appending task history")
}
