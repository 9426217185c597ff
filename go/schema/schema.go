// Package schema contains the SQL schema for the cfbot database and Go
// representations of its rows. We define the rows as structs so that tests can
// bulk-insert fixture data and read tables back (see go/sqltest).
package schema

import (
	"time"

	"github.com/jackc/pgtype"
)

// Schema is the complete DDL. The database is the system of record for all
// durable state; every process connects to the same one.
//
// Deletion order matters for GC: artifact, test, task_command, highlight,
// task_status_history, task, branch, build_status_history, build.
const Schema = `
CREATE TABLE IF NOT EXISTS submission (
	commitfest_id INT NOT NULL,
	submission_id INT NOT NULL,
	name TEXT,
	status TEXT,
	authors TEXT,
	last_email_time TIMESTAMPTZ,
	last_email_time_checked TIMESTAMPTZ,
	last_message_id TEXT,
	last_branch_message_id TEXT,
	last_branch_commit_id TEXT,
	last_branch_time TIMESTAMPTZ,
	backoff_until TIMESTAMPTZ,
	last_backoff INTERVAL,
	PRIMARY KEY (commitfest_id, submission_id)
);
CREATE TABLE IF NOT EXISTS branch (
	id BIGSERIAL PRIMARY KEY,
	submission_id INT NOT NULL,
	commitfest_id INT NOT NULL,
	commit_id TEXT,
	build_id TEXT,
	status TEXT NOT NULL,
	url TEXT,
	created TIMESTAMPTZ NOT NULL,
	modified TIMESTAMPTZ NOT NULL,
	version TEXT,
	patch_count INT,
	first_additions INT,
	first_deletions INT,
	all_additions INT,
	all_deletions INT
);
CREATE INDEX IF NOT EXISTS branch_submission_commit ON branch (submission_id, commit_id);
CREATE INDEX IF NOT EXISTS branch_status ON branch (status);
CREATE TABLE IF NOT EXISTS build (
	build_id TEXT PRIMARY KEY,
	branch_name TEXT NOT NULL,
	commit_id TEXT,
	status TEXT NOT NULL,
	created TIMESTAMPTZ NOT NULL,
	modified TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS build_branch_commit ON build (branch_name, commit_id);
CREATE TABLE IF NOT EXISTS task (
	task_id TEXT PRIMARY KEY,
	build_id TEXT NOT NULL,
	position INT,
	task_name TEXT,
	commit_id TEXT,
	status TEXT NOT NULL,
	created TIMESTAMPTZ NOT NULL,
	modified TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS task_build ON task (build_id);
CREATE TABLE IF NOT EXISTS build_status_history (
	build_id TEXT NOT NULL,
	status TEXT NOT NULL,
	received TIMESTAMPTZ NOT NULL,
	source TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS build_status_history_build ON build_status_history (build_id, received);
CREATE TABLE IF NOT EXISTS task_status_history (
	task_id TEXT NOT NULL,
	status TEXT NOT NULL,
	received TIMESTAMPTZ NOT NULL,
	source TEXT NOT NULL,
	status_timestamp TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS task_status_history_task ON task_status_history (task_id, received);
CREATE TABLE IF NOT EXISTS artifact (
	task_id TEXT NOT NULL,
	name TEXT NOT NULL,
	path TEXT NOT NULL,
	size BIGINT,
	body TEXT,
	PRIMARY KEY (task_id, name, path)
);
CREATE TABLE IF NOT EXISTS task_command (
	task_id TEXT NOT NULL,
	name TEXT NOT NULL,
	type TEXT,
	status TEXT,
	duration INTERVAL,
	log TEXT,
	PRIMARY KEY (task_id, name)
);
CREATE TABLE IF NOT EXISTS test (
	task_id TEXT NOT NULL,
	command TEXT NOT NULL,
	suite TEXT NOT NULL,
	name TEXT NOT NULL,
	type TEXT,
	result TEXT,
	duration INTERVAL,
	PRIMARY KEY (task_id, command, suite, name)
);
CREATE TABLE IF NOT EXISTS highlight (
	id BIGSERIAL PRIMARY KEY,
	task_id TEXT NOT NULL,
	type TEXT NOT NULL,
	source TEXT,
	excerpt TEXT
);
CREATE INDEX IF NOT EXISTS highlight_task_type ON highlight (task_id, type);
CREATE TABLE IF NOT EXISTS work_queue (
	id BIGSERIAL PRIMARY KEY,
	type TEXT NOT NULL,
	key TEXT,
	status TEXT NOT NULL DEFAULT 'NEW',
	retries INT,
	lease TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS work_queue_claim ON work_queue (status, lease);
CREATE TABLE IF NOT EXISTS build_status_statistics (
	branch_name TEXT NOT NULL,
	status TEXT NOT NULL,
	avg_elapsed INTERVAL,
	stddev_elapsed INTERVAL,
	n INT,
	PRIMARY KEY (branch_name, status)
);
CREATE TABLE IF NOT EXISTS task_status_statistics (
	branch_name TEXT NOT NULL,
	task_name TEXT NOT NULL,
	status TEXT NOT NULL,
	avg_elapsed INTERVAL,
	stddev_elapsed INTERVAL,
	n INT,
	PRIMARY KEY (branch_name, task_name, status)
);
`

// Tables represents the full database as test fixture data. Fields must be
// ordered so that logical parents come before children.
type Tables struct {
	Submission            []SubmissionRow
	Branch                []BranchRow
	Build                 []BuildRow
	Task                  []TaskRow
	BuildStatusHistory    []BuildStatusHistoryRow
	TaskStatusHistory     []TaskStatusHistoryRow
	Artifact              []ArtifactRow
	TaskCommand           []TaskCommandRow
	Test                  []TestRow
	Highlight             []HighlightRow
	WorkQueue             []WorkQueueRow
	BuildStatusStatistics []BuildStatusStatisticsRow
	TaskStatusStatistics  []TaskStatusStatisticsRow
}

// nullableInterval converts a zero-value pgtype.Interval into a SQL NULL so
// fixture rows do not need to spell out Status: pgtype.Null.
func nullableInterval(i pgtype.Interval) interface{} {
	if i.Status == pgtype.Undefined {
		return nil
	}
	return i
}

// SubmissionRow is one commitfest entry as last seen by the poller. The
// authors column stores the ordered author list joined with ", " as the
// commitfest app renders it.
type SubmissionRow struct {
	CommitfestID         int64
	SubmissionID         int64
	Name                 string
	Status               string
	Authors              string
	LastEmailTime        *time.Time
	LastEmailTimeChecked *time.Time
	LastMessageID        *string
	LastBranchMessageID  *string
	LastBranchCommitID   *string
	LastBranchTime       *time.Time
	BackoffUntil         *time.Time
	LastBackoff          pgtype.Interval
}

// ToSQLRow implements the sqltest.SQLExporter interface.
func (r SubmissionRow) ToSQLRow() (colNames []string, colData []interface{}) {
	return []string{"commitfest_id", "submission_id", "name", "status", "authors",
			"last_email_time", "last_email_time_checked", "last_message_id",
			"last_branch_message_id", "last_branch_commit_id", "last_branch_time",
			"backoff_until", "last_backoff"},
		[]interface{}{r.CommitfestID, r.SubmissionID, r.Name, r.Status, r.Authors,
			r.LastEmailTime, r.LastEmailTimeChecked, r.LastMessageID,
			r.LastBranchMessageID, r.LastBranchCommitID, r.LastBranchTime,
			r.BackoffUntil, nullableInterval(r.LastBackoff)}
}

// ScanFrom implements the sqltest.SQLScanner interface.
func (r *SubmissionRow) ScanFrom(scan func(...interface{}) error) error {
	return scan(&r.CommitfestID, &r.SubmissionID, &r.Name, &r.Status, &r.Authors,
		&r.LastEmailTime, &r.LastEmailTimeChecked, &r.LastMessageID,
		&r.LastBranchMessageID, &r.LastBranchCommitID, &r.LastBranchTime,
		&r.BackoffUntil, &r.LastBackoff)
}

// RowsOrderBy implements the sqltest.RowsOrder interface.
func (r *SubmissionRow) RowsOrderBy() string {
	return "ORDER BY commitfest_id, submission_id"
}

// BranchRow is one materialisation attempt for a submission.
type BranchRow struct {
	ID             int64
	SubmissionID   int64
	CommitfestID   int64
	CommitID       *string
	BuildID        *string
	Status         string
	URL            *string
	Created        time.Time
	Modified       time.Time
	Version        *string
	PatchCount     *int32
	FirstAdditions *int32
	FirstDeletions *int32
	AllAdditions   *int32
	AllDeletions   *int32
}

func (r BranchRow) ToSQLRow() (colNames []string, colData []interface{}) {
	return []string{"id", "submission_id", "commitfest_id", "commit_id", "build_id",
			"status", "url", "created", "modified", "version", "patch_count",
			"first_additions", "first_deletions", "all_additions", "all_deletions"},
		[]interface{}{r.ID, r.SubmissionID, r.CommitfestID, r.CommitID, r.BuildID,
			r.Status, r.URL, r.Created, r.Modified, r.Version, r.PatchCount,
			r.FirstAdditions, r.FirstDeletions, r.AllAdditions, r.AllDeletions}
}

func (r *BranchRow) ScanFrom(scan func(...interface{}) error) error {
	return scan(&r.ID, &r.SubmissionID, &r.CommitfestID, &r.CommitID, &r.BuildID,
		&r.Status, &r.URL, &r.Created, &r.Modified, &r.Version, &r.PatchCount,
		&r.FirstAdditions, &r.FirstDeletions, &r.AllAdditions, &r.AllDeletions)
}

func (r *BranchRow) RowsOrderBy() string {
	return "ORDER BY id"
}

// BuildRow mirrors the CI service's top-level execution for a pushed commit.
type BuildRow struct {
	BuildID    string
	BranchName string
	CommitID   *string
	Status     string
	Created    time.Time
	Modified   time.Time
}

func (r BuildRow) ToSQLRow() (colNames []string, colData []interface{}) {
	return []string{"build_id", "branch_name", "commit_id", "status", "created", "modified"},
		[]interface{}{r.BuildID, r.BranchName, r.CommitID, r.Status, r.Created, r.Modified}
}

func (r *BuildRow) ScanFrom(scan func(...interface{}) error) error {
	return scan(&r.BuildID, &r.BranchName, &r.CommitID, &r.Status, &r.Created, &r.Modified)
}

func (r *BuildRow) RowsOrderBy() string {
	return "ORDER BY build_id"
}

// TaskRow is a named child of a build. Position is the CI localGroupId + 1.
type TaskRow struct {
	TaskID   string
	BuildID  string
	Position *int32
	TaskName string
	CommitID *string
	Status   string
	Created  time.Time
	Modified time.Time
}

func (r TaskRow) ToSQLRow() (colNames []string, colData []interface{}) {
	return []string{"task_id", "build_id", "position", "task_name", "commit_id",
			"status", "created", "modified"},
		[]interface{}{r.TaskID, r.BuildID, r.Position, r.TaskName, r.CommitID,
			r.Status, r.Created, r.Modified}
}

func (r *TaskRow) ScanFrom(scan func(...interface{}) error) error {
	return scan(&r.TaskID, &r.BuildID, &r.Position, &r.TaskName, &r.CommitID,
		&r.Status, &r.Created, &r.Modified)
}

func (r *TaskRow) RowsOrderBy() string {
	return "ORDER BY task_id"
}

// BuildStatusHistoryRow is one observed build transition. Source is "webhook"
// or "poll".
type BuildStatusHistoryRow struct {
	BuildID  string
	Status   string
	Received time.Time
	Source   string
}

func (r BuildStatusHistoryRow) ToSQLRow() (colNames []string, colData []interface{}) {
	return []string{"build_id", "status", "received", "source"},
		[]interface{}{r.BuildID, r.Status, r.Received, r.Source}
}

func (r *BuildStatusHistoryRow) ScanFrom(scan func(...interface{}) error) error {
	return scan(&r.BuildID, &r.Status, &r.Received, &r.Source)
}

func (r *BuildStatusHistoryRow) RowsOrderBy() string {
	return "ORDER BY build_id, received"
}

// TaskStatusHistoryRow is one observed task transition. StatusTimestamp is the
// CI-side event time when the source is a webhook, null for polls.
type TaskStatusHistoryRow struct {
	TaskID          string
	Status          string
	Received        time.Time
	Source          string
	StatusTimestamp *time.Time
}

func (r TaskStatusHistoryRow) ToSQLRow() (colNames []string, colData []interface{}) {
	return []string{"task_id", "status", "received", "source", "status_timestamp"},
		[]interface{}{r.TaskID, r.Status, r.Received, r.Source, r.StatusTimestamp}
}

func (r *TaskStatusHistoryRow) ScanFrom(scan func(...interface{}) error) error {
	return scan(&r.TaskID, &r.Status, &r.Received, &r.Source, &r.StatusTimestamp)
}

func (r *TaskStatusHistoryRow) RowsOrderBy() string {
	return "ORDER BY task_id, received"
}

// ArtifactRow is artifact metadata, with the body downloaded later by a
// fetcher job and nulled out again by GC.
type ArtifactRow struct {
	TaskID string
	Name   string
	Path   string
	Size   *int64
	Body   *string
}

func (r ArtifactRow) ToSQLRow() (colNames []string, colData []interface{}) {
	return []string{"task_id", "name", "path", "size", "body"},
		[]interface{}{r.TaskID, r.Name, r.Path, r.Size, r.Body}
}

func (r *ArtifactRow) ScanFrom(scan func(...interface{}) error) error {
	return scan(&r.TaskID, &r.Name, &r.Path, &r.Size, &r.Body)
}

func (r *ArtifactRow) RowsOrderBy() string {
	return "ORDER BY task_id, name, path"
}

// TaskCommandRow is one command executed by a CI task.
type TaskCommandRow struct {
	TaskID   string
	Name     string
	Type     *string
	Status   *string
	Duration pgtype.Interval
	Log      *string
}

func (r TaskCommandRow) ToSQLRow() (colNames []string, colData []interface{}) {
	return []string{"task_id", "name", "type", "status", "duration", "log"},
		[]interface{}{r.TaskID, r.Name, r.Type, r.Status, nullableInterval(r.Duration), r.Log}
}

func (r *TaskCommandRow) ScanFrom(scan func(...interface{}) error) error {
	return scan(&r.TaskID, &r.Name, &r.Type, &r.Status, &r.Duration, &r.Log)
}

func (r *TaskCommandRow) RowsOrderBy() string {
	return "ORDER BY task_id, name"
}

// TestRow is one test result parsed out of a command log.
type TestRow struct {
	TaskID   string
	Command  string
	Suite    string
	Name     string
	Type     *string
	Result   *string
	Duration pgtype.Interval
}

func (r TestRow) ToSQLRow() (colNames []string, colData []interface{}) {
	return []string{"task_id", "command", "suite", "name", "type", "result", "duration"},
		[]interface{}{r.TaskID, r.Command, r.Suite, r.Name, r.Type, r.Result, nullableInterval(r.Duration)}
}

func (r *TestRow) ScanFrom(scan func(...interface{}) error) error {
	return scan(&r.TaskID, &r.Command, &r.Suite, &r.Name, &r.Type, &r.Result, &r.Duration)
}

func (r *TestRow) RowsOrderBy() string {
	return "ORDER BY task_id, command, suite, name"
}

// HighlightRow is a typed excerpt extracted from a log or artifact.
type HighlightRow struct {
	ID      int64
	TaskID  string
	Type    string
	Source  *string
	Excerpt *string
}

func (r HighlightRow) ToSQLRow() (colNames []string, colData []interface{}) {
	return []string{"id", "task_id", "type", "source", "excerpt"},
		[]interface{}{r.ID, r.TaskID, r.Type, r.Source, r.Excerpt}
}

func (r *HighlightRow) ScanFrom(scan func(...interface{}) error) error {
	return scan(&r.ID, &r.TaskID, &r.Type, &r.Source, &r.Excerpt)
}

func (r *HighlightRow) RowsOrderBy() string {
	return "ORDER BY id"
}

// WorkQueueRow is one deferred job.
type WorkQueueRow struct {
	ID      int64
	Type    string
	Key     *string
	Status  string
	Retries *int32
	Lease   *time.Time
}

func (r WorkQueueRow) ToSQLRow() (colNames []string, colData []interface{}) {
	return []string{"id", "type", "key", "status", "retries", "lease"},
		[]interface{}{r.ID, r.Type, r.Key, r.Status, r.Retries, r.Lease}
}

func (r *WorkQueueRow) ScanFrom(scan func(...interface{}) error) error {
	return scan(&r.ID, &r.Type, &r.Key, &r.Status, &r.Retries, &r.Lease)
}

func (r *WorkQueueRow) RowsOrderBy() string {
	return "ORDER BY id"
}

// BuildStatusStatisticsRow is the expected-time-in-status baseline for builds
// on a reference branch.
type BuildStatusStatisticsRow struct {
	BranchName    string
	Status        string
	AvgElapsed    pgtype.Interval
	StddevElapsed pgtype.Interval
	N             *int32
}

func (r BuildStatusStatisticsRow) ToSQLRow() (colNames []string, colData []interface{}) {
	return []string{"branch_name", "status", "avg_elapsed", "stddev_elapsed", "n"},
		[]interface{}{r.BranchName, r.Status, nullableInterval(r.AvgElapsed), nullableInterval(r.StddevElapsed), r.N}
}

func (r *BuildStatusStatisticsRow) ScanFrom(scan func(...interface{}) error) error {
	return scan(&r.BranchName, &r.Status, &r.AvgElapsed, &r.StddevElapsed, &r.N)
}

func (r *BuildStatusStatisticsRow) RowsOrderBy() string {
	return "ORDER BY branch_name, status"
}

// TaskStatusStatisticsRow is the per-task-name analogue of
// BuildStatusStatisticsRow.
type TaskStatusStatisticsRow struct {
	BranchName    string
	TaskName      string
	Status        string
	AvgElapsed    pgtype.Interval
	StddevElapsed pgtype.Interval
	N             *int32
}

func (r TaskStatusStatisticsRow) ToSQLRow() (colNames []string, colData []interface{}) {
	return []string{"branch_name", "task_name", "status", "avg_elapsed", "stddev_elapsed", "n"},
		[]interface{}{r.BranchName, r.TaskName, r.Status, nullableInterval(r.AvgElapsed), nullableInterval(r.StddevElapsed), r.N}
}

func (r *TaskStatusStatisticsRow) ScanFrom(scan func(...interface{}) error) error {
	return scan(&r.BranchName, &r.TaskName, &r.Status, &r.AvgElapsed, &r.StddevElapsed, &r.N)
}

func (r *TaskStatusStatisticsRow) RowsOrderBy() string {
	return "ORDER BY branch_name, task_name, status"
}
