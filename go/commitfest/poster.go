package commitfest

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/jackc/pgtype"
	"github.com/jackc/pgx/v4"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/postgresql-cfbot/cfbot/go/cirrus"
	"github.com/postgresql-cfbot/cfbot/go/config"
	"github.com/postgresql-cfbot/cfbot/go/dbutil"
	"github.com/postgresql-cfbot/cfbot/go/httpclient"
)

// BranchStatus is the branch half of a callback message.
type BranchStatus struct {
	SubmissionID   int64   `json:"submission_id"`
	BranchName     string  `json:"branch_name"`
	BranchID       int64   `json:"branch_id"`
	CommitID       *string `json:"commit_id"`
	ApplyURL       *string `json:"apply_url"`
	Status         string  `json:"status"`
	Created        string  `json:"created"`
	Modified       string  `json:"modified"`
	Version        *string `json:"version"`
	PatchCount     *int64  `json:"patch_count"`
	FirstAdditions *int64  `json:"first_additions"`
	FirstDeletions *int64  `json:"first_deletions"`
	AllAdditions   *int64  `json:"all_additions"`
	AllDeletions   *int64  `json:"all_deletions"`
}

// TaskStatus is the task half of a callback message.
type TaskStatus struct {
	TaskID   string `json:"task_id"`
	CommitID string `json:"commit_id"`
	TaskName string `json:"task_name"`
	Position int64  `json:"position"`
	Status   string `json:"status"`
	Created  string `json:"created"`
	Modified string `json:"modified"`
}

type branchUpdateMessage struct {
	SharedSecret string        `json:"shared_secret"`
	BranchStatus *BranchStatus `json:"branch_status"`
}

type taskUpdateMessage struct {
	SharedSecret string        `json:"shared_secret"`
	TaskStatus   *TaskStatus   `json:"task_status"`
	BranchStatus *BranchStatus `json:"branch_status"`
}

// Poster pushes branch and task status messages to the Commitfest app. With
// no post URL configured it logs the message it would have sent, which is the
// development mode.
type Poster struct {
	cfg  config.Config
	http *httpclient.Client
}

// NewPoster returns a Poster.
func NewPoster(cfg config.Config, http *httpclient.Client) *Poster {
	return &Poster{cfg: cfg, http: http}
}

// PostBranchStatus handles post-branch-status jobs; key is a branch id.
func (p *Poster) PostBranchStatus(ctx context.Context, tx pgx.Tx, key string) error {
	branchID, err := strconv.ParseInt(key, 10, 64)
	if err != nil {
		return errors.Wrapf(err, "bad branch id %q", key)
	}
	status, err := p.loadBranchStatus(ctx, tx, "id", branchID)
	if err != nil {
		return err
	}
	if status == nil {
		// Branch deleted since the job was enqueued.
		return nil
	}
	return p.post(ctx, branchUpdateMessage{
		SharedSecret: p.cfg.CommitfestSharedSecret,
		BranchStatus: status,
	})
}

// PostTaskStatus handles post-task-status jobs; key is a task id. Tasks in
// states the Commitfest app does not handle are dropped, as are tasks from
// builds on reference branches, which have no branch row.
func (p *Poster) PostTaskStatus(ctx context.Context, tx pgx.Tx, key string) error {
	task, err := p.loadTaskStatus(ctx, tx, key)
	if err != nil {
		return err
	}
	if task == nil {
		return nil
	}
	if !cirrus.ShouldPostTaskStatus(task.Status) {
		return nil
	}
	branch, err := p.loadBranchStatus(ctx, tx, "commit_id", task.CommitID)
	if err != nil {
		return err
	}
	if branch == nil {
		zap.S().Debugf("task %s has no branch row, not posting", key)
		return nil
	}
	return p.post(ctx, taskUpdateMessage{
		SharedSecret: p.cfg.CommitfestSharedSecret,
		TaskStatus:   task,
		BranchStatus: branch,
	})
}

func (p *Poster) post(ctx context.Context, message interface{}) error {
	if p.cfg.CommitfestPostURL == "" {
		body, err := json.Marshal(message)
		if err != nil {
			return errors.Wrap(err, "encoding callback message")
		}
		zap.S().Infof("would post to cf app: %s", body)
		return nil
	}
	_, err := p.http.PostJSON(ctx, p.cfg.CommitfestPostURL, message)
	return err
}

// loadBranchStatus reads the branch row selected by column = arg, the most
// recent one when several commits share a commit id. Nil when there is none.
func (p *Poster) loadBranchStatus(ctx context.Context, tx pgx.Tx, column string, arg interface{}) (*BranchStatus, error) {
	var (
		branchID, submissionID                         int64
		commitID, applyURL, version                    pgtype.Text
		status                                         string
		created, modified                              time.Time
		patchCount, firstAdd, firstDel, allAdd, allDel pgtype.Int4
	)
	err := tx.QueryRow(ctx, `
		SELECT id, submission_id, commit_id, url, status, created, modified,
		       version, patch_count,
		       first_additions, first_deletions,
		       all_additions, all_deletions
		  FROM branch
		 WHERE `+column+` = $1
		 ORDER BY created DESC
		 LIMIT 1`, arg).Scan(
		&branchID, &submissionID, &commitID, &applyURL, &status, &created, &modified,
		&version, &patchCount, &firstAdd, &firstDel, &allAdd, &allDel)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, dbutil.WrappedError(err)
	}
	return &BranchStatus{
		SubmissionID:   submissionID,
		BranchName:     "cf/" + strconv.FormatInt(submissionID, 10),
		BranchID:       branchID,
		CommitID:       textPtr(commitID),
		ApplyURL:       textPtr(applyURL),
		Status:         status,
		Created:        created.Format(time.RFC3339Nano),
		Modified:       modified.Format(time.RFC3339Nano),
		Version:        textPtr(version),
		PatchCount:     int4Ptr(patchCount),
		FirstAdditions: int4Ptr(firstAdd),
		FirstDeletions: int4Ptr(firstDel),
		AllAdditions:   int4Ptr(allAdd),
		AllDeletions:   int4Ptr(allDel),
	}, nil
}

func (p *Poster) loadTaskStatus(ctx context.Context, tx pgx.Tx, taskID string) (*TaskStatus, error) {
	var (
		commitID, taskName, status string
		position                   pgtype.Int4
		created, modified          time.Time
	)
	err := tx.QueryRow(ctx, `
		SELECT commit_id, task_name, position, status, created, modified
		  FROM task
		 WHERE task_id = $1`, taskID).Scan(
		&commitID, &taskName, &position, &status, &created, &modified)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, dbutil.WrappedError(err)
	}
	return &TaskStatus{
		TaskID:   taskID,
		CommitID: commitID,
		TaskName: taskName,
		Position: int64(position.Int),
		Status:   status,
		Created:  created.Format(time.RFC3339Nano),
		Modified: modified.Format(time.RFC3339Nano),
	}, nil
}

func textPtr(t pgtype.Text) *string {
	if t.Status != pgtype.Present {
		return nil
	}
	s := t.String
	return &s
}

func int4Ptr(i pgtype.Int4) *int64 {
	if i.Status != pgtype.Present {
		return nil
	}
	n := int64(i.Int)
	return &n
}
