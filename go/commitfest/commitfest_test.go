package commitfest

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/jackc/pgx/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/postgresql-cfbot/cfbot/go/config"
	"github.com/postgresql-cfbot/cfbot/go/httpclient"
	"github.com/postgresql-cfbot/cfbot/go/schema"
	"github.com/postgresql-cfbot/cfbot/go/sqltest"
)

func newTestClient(url string) *Client {
	return NewClient(httpclient.New("cfbot-test", 5*time.Second, 0), url)
}

func strPtr(s string) *string { return &s }

func TestAPITime_Unmarshal(t *testing.T) {
	var got struct {
		When APITime `json:"when"`
	}
	require.NoError(t, json.Unmarshal([]byte(`{"when": "2026-08-25T10:00:00Z"}`), &got))
	assert.Equal(t, time.Date(2026, 8, 25, 10, 0, 0, 0, time.UTC), got.When.Time)

	require.NoError(t, json.Unmarshal([]byte(`{"when": "2026-08-25 10:00:00"}`), &got))
	assert.Equal(t, time.Date(2026, 8, 25, 10, 0, 0, 0, time.UTC), got.When.Time)

	assert.Error(t, json.Unmarshal([]byte(`{"when": "yesterday"}`), &got))
}

func TestNeedsCI(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/v1/commitfests/needs_ci", r.URL.Path)
		_, _ = w.Write([]byte(`{"commitfests": {
			"open": {"id": 54, "name": "2026-09", "status": "Open"},
			"inprogress": {"id": 53, "name": "2026-07", "status": "In Progress"},
			"parked": null
		}}`))
	}))
	defer srv.Close()

	cfs, err := newTestClient(srv.URL).NeedsCI(context.Background())
	require.NoError(t, err)
	require.Len(t, cfs, 2)
	ids := []int64{cfs[0].ID, cfs[1].ID}
	assert.ElementsMatch(t, []int64{53, 54}, ids)
}

func TestThreadURLForSubmission(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/v1/patches/4000/threads", r.URL.Path)
		_, _ = w.Write([]byte(`{"threads": [
			{"messageid": "old@example.com", "latest_at": "2026-01-01T00:00:00Z", "latest_attachment_at": "2026-01-01T00:00:00Z"},
			{"messageid": "new@example.com", "latest_at": "2026-02-01T00:00:00Z", "latest_attachment_at": "2026-01-15T00:00:00Z"},
			{"messageid": "chatter@example.com", "latest_at": "2026-03-01T00:00:00Z", "latest_attachment_at": null}
		]}`))
	}))
	defer srv.Close()

	url, err := newTestClient(srv.URL).ThreadURLForSubmission(context.Background(), 4000)
	require.NoError(t, err)
	// The thread without attachments is skipped even though it is newest.
	assert.Equal(t, "https://www.postgresql.org/message-id/flat/new@example.com", url)
}

func TestThreadURLForSubmission_NoUsableThread(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"threads": []}`))
	}))
	defer srv.Close()

	url, err := newTestClient(srv.URL).ThreadURLForSubmission(context.Background(), 4000)
	require.NoError(t, err)
	assert.Empty(t, url)
}

func TestPullSubmissions_UpsertClearsBackoff(t *testing.T) {
	ctx := context.Background()
	db := sqltest.NewPostgresForTestsWithSchema(ctx, t)

	emailTime := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	backoff := time.Date(2026, 9, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, sqltest.BulkInsertDataTables(ctx, db, schema.Tables{
		Submission: []schema.SubmissionRow{
			{CommitfestID: 53, SubmissionID: 4000, Name: "old name", Status: "Needs review",
				Authors: "Alice", LastEmailTime: &emailTime, BackoffUntil: &backoff},
			{CommitfestID: 53, SubmissionID: 4001, Name: "steady", Status: "Needs review",
				Authors: "Bob", LastEmailTime: &emailTime, BackoffUntil: &backoff},
		},
	}))

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/v1/commitfests/53/patches", r.URL.Path)
		_, _ = w.Write([]byte(`{"patches": [
			{"id": 4000, "name": "new name", "status": "Ready for Committer", "authors": ["Alice", "Carol"], "last_email_time": "2026-08-20T08:00:00Z"},
			{"id": 4001, "name": "steady", "status": "Needs review", "authors": ["Bob"], "last_email_time": "2026-08-01T12:00:00Z"},
			{"id": 4002, "name": "brand new", "status": "Needs review", "authors": [], "last_email_time": "2026-08-21T09:00:00Z"}
		]}`))
	}))
	defer srv.Close()

	syncer := NewSyncer(db, newTestClient(srv.URL), nil)
	require.NoError(t, syncer.PullSubmissions(ctx, 53))

	rows := sqltest.GetAllRows(ctx, t, db, "submission", &schema.SubmissionRow{}).([]schema.SubmissionRow)
	require.Len(t, rows, 3)

	// Changed submission: columns mirrored, backoff cleared.
	assert.Equal(t, "new name", rows[0].Name)
	assert.Equal(t, "Ready for Committer", rows[0].Status)
	assert.Equal(t, "Alice, Carol", rows[0].Authors)
	assert.Nil(t, rows[0].BackoffUntil)

	// Unchanged submission: the backoff survives.
	assert.Equal(t, "steady", rows[1].Name)
	require.NotNil(t, rows[1].BackoffUntil)
	assert.True(t, backoff.Equal(*rows[1].BackoffUntil))

	// New submission gets a fresh row.
	assert.Equal(t, "brand new", rows[2].Name)
	assert.Nil(t, rows[2].LastMessageID)
}

type fakeScanner struct {
	messageID string
	calls     int
}

func (f *fakeScanner) LatestPatchMessageID(ctx context.Context, threadURL string) (string, error) {
	f.calls++
	return f.messageID, nil
}

func TestPullModifiedThreads(t *testing.T) {
	ctx := context.Background()
	db := sqltest.NewPostgresForTestsWithSchema(ctx, t)

	oldTime := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	recent := time.Now().UTC()
	require.NoError(t, sqltest.BulkInsertDataTables(ctx, db, schema.Tables{
		Submission: []schema.SubmissionRow{
			// Never checked.
			{CommitfestID: 53, SubmissionID: 4000, Name: "a", Status: "Needs review",
				Authors: "Alice", LastEmailTime: &oldTime},
			// Already checked, unchanged.
			{CommitfestID: 53, SubmissionID: 4001, Name: "b", Status: "Needs review",
				Authors: "Bob", LastEmailTime: &oldTime, LastEmailTimeChecked: &oldTime},
			// Changed less than a minute ago; the archive may not show the
			// message yet, so it waits for the next tick.
			{CommitfestID: 53, SubmissionID: 4002, Name: "c", Status: "Needs review",
				Authors: "Carol", LastEmailTime: &recent, LastEmailTimeChecked: &oldTime},
		},
	}))

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/v1/patches/4000/threads", r.URL.Path)
		_, _ = w.Write([]byte(`{"threads": [
			{"messageid": "m1@example.com", "latest_at": "2026-08-01T12:00:00Z", "latest_attachment_at": "2026-08-01T12:00:00Z"}
		]}`))
	}))
	defer srv.Close()

	scanner := &fakeScanner{messageID: "patches@example.com"}
	syncer := NewSyncer(db, newTestClient(srv.URL), scanner)
	require.NoError(t, syncer.PullModifiedThreads(ctx))

	assert.Equal(t, 1, scanner.calls)
	rows := sqltest.GetAllRows(ctx, t, db, "submission", &schema.SubmissionRow{}).([]schema.SubmissionRow)
	require.Len(t, rows, 3)
	require.NotNil(t, rows[0].LastMessageID)
	assert.Equal(t, "patches@example.com", *rows[0].LastMessageID)
	require.NotNil(t, rows[0].LastEmailTimeChecked)
	assert.True(t, oldTime.Equal(*rows[0].LastEmailTimeChecked))
	assert.Nil(t, rows[1].LastMessageID)
	assert.Nil(t, rows[2].LastMessageID)
}

func branchFixture(ts time.Time) schema.BranchRow {
	count := int32(3)
	return schema.BranchRow{
		ID:           1,
		SubmissionID: 4000,
		CommitfestID: 53,
		CommitID:     strPtr("c1"),
		BuildID:      strPtr("B1"),
		Status:       "testing",
		URL:          strPtr("http://cfbot.example.com/patch_53_4000.log"),
		Created:      ts,
		Modified:     ts,
		Version:      strPtr("v2"),
		PatchCount:   &count,
	}
}

func TestPostBranchStatus_PostsMessage(t *testing.T) {
	ctx := context.Background()
	db := sqltest.NewPostgresForTestsWithSchema(ctx, t)

	ts := time.Date(2026, 8, 25, 10, 0, 0, 0, time.UTC)
	require.NoError(t, sqltest.BulkInsertDataTables(ctx, db, schema.Tables{
		Branch: []schema.BranchRow{branchFixture(ts)},
	}))

	var posted branchUpdateMessage
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&posted))
		_, _ = w.Write([]byte("OK"))
	}))
	defer srv.Close()

	poster := NewPoster(config.Config{
		CommitfestPostURL:      srv.URL,
		CommitfestSharedSecret: "hunter2",
	}, httpclient.New("cfbot-test", 5*time.Second, 0))

	require.NoError(t, db.BeginFunc(ctx, func(tx pgx.Tx) error {
		return poster.PostBranchStatus(ctx, tx, "1")
	}))

	assert.Equal(t, "hunter2", posted.SharedSecret)
	require.NotNil(t, posted.BranchStatus)
	assert.Equal(t, "cf/4000", posted.BranchStatus.BranchName)
	assert.EqualValues(t, 4000, posted.BranchStatus.SubmissionID)
	assert.Equal(t, "testing", posted.BranchStatus.Status)
	require.NotNil(t, posted.BranchStatus.Version)
	assert.Equal(t, "v2", *posted.BranchStatus.Version)
	require.NotNil(t, posted.BranchStatus.PatchCount)
	assert.EqualValues(t, 3, *posted.BranchStatus.PatchCount)
	assert.Nil(t, posted.BranchStatus.AllAdditions)
}

func TestPostBranchStatus_MissingBranchIsDropped(t *testing.T) {
	ctx := context.Background()
	db := sqltest.NewPostgresForTestsWithSchema(ctx, t)

	poster := NewPoster(config.Config{CommitfestPostURL: ""}, httpclient.New("cfbot-test", 5*time.Second, 0))
	require.NoError(t, db.BeginFunc(ctx, func(tx pgx.Tx) error {
		return poster.PostBranchStatus(ctx, tx, "99")
	}))
}

func TestPostTaskStatus(t *testing.T) {
	ctx := context.Background()
	db := sqltest.NewPostgresForTestsWithSchema(ctx, t)

	ts := time.Date(2026, 8, 25, 10, 0, 0, 0, time.UTC)
	position := int32(2)
	require.NoError(t, sqltest.BulkInsertDataTables(ctx, db, schema.Tables{
		Branch: []schema.BranchRow{branchFixture(ts)},
		Build: []schema.BuildRow{
			{BuildID: "B1", BranchName: "cf/4000", CommitID: strPtr("c1"), Status: "EXECUTING", Created: ts, Modified: ts},
		},
		Task: []schema.TaskRow{
			{TaskID: "T1", BuildID: "B1", Position: &position, TaskName: "Linux", CommitID: strPtr("c1"), Status: "EXECUTING", Created: ts, Modified: ts},
			{TaskID: "T2", BuildID: "B1", Position: &position, TaskName: "macOS", CommitID: strPtr("c1"), Status: "CREATED", Created: ts, Modified: ts},
		},
	}))

	var postCount int
	var posted taskUpdateMessage
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		postCount++
		require.NoError(t, json.NewDecoder(r.Body).Decode(&posted))
		_, _ = w.Write([]byte("OK"))
	}))
	defer srv.Close()

	poster := NewPoster(config.Config{
		CommitfestPostURL:      srv.URL,
		CommitfestSharedSecret: "hunter2",
	}, httpclient.New("cfbot-test", 5*time.Second, 0))

	require.NoError(t, db.BeginFunc(ctx, func(tx pgx.Tx) error {
		return poster.PostTaskStatus(ctx, tx, "T1")
	}))
	require.Equal(t, 1, postCount)
	require.NotNil(t, posted.TaskStatus)
	assert.Equal(t, "T1", posted.TaskStatus.TaskID)
	assert.Equal(t, "Linux", posted.TaskStatus.TaskName)
	assert.EqualValues(t, 2, posted.TaskStatus.Position)
	require.NotNil(t, posted.BranchStatus)
	assert.Equal(t, "cf/4000", posted.BranchStatus.BranchName)

	// CREATED tasks are not posted, the app does not handle them.
	require.NoError(t, db.BeginFunc(ctx, func(tx pgx.Tx) error {
		return poster.PostTaskStatus(ctx, tx, "T2")
	}))
	assert.Equal(t, 1, postCount)
}
