package webhookserver

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/postgresql-cfbot/cfbot/go/builds"
	"github.com/postgresql-cfbot/cfbot/go/config"
	"github.com/postgresql-cfbot/cfbot/go/schema"
	"github.com/postgresql-cfbot/cfbot/go/sqltest"
)

func strPtr(s string) *string { return &s }

func newTestServer(ctx context.Context, t *testing.T) (*httptest.Server, *Server) {
	t.Helper()
	db := sqltest.NewPostgresForTestsWithSchema(ctx, t)
	cfg := config.Config{CommitfestSharedSecret: "sssh"}
	s := New(cfg, db, builds.New(cfg, nil, nil))
	ts := httptest.NewServer(s.Router())
	t.Cleanup(ts.Close)
	return ts, s
}

func post(t *testing.T, url, event, body string) (int, string) {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, url, strings.NewReader(body))
	require.NoError(t, err)
	if event != "" {
		req.Header.Set("X-Cirrus-Event", event)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	buf := make([]byte, 64)
	n, _ := resp.Body.Read(buf)
	return resp.StatusCode, string(buf[:n])
}

func TestCirrusWebhook_BuildCreated(t *testing.T) {
	ctx := context.Background()
	ts, s := newTestServer(ctx, t)

	code, body := post(t, ts.URL+"/api/cirrus-webhook", "build", `{
		"action": "created",
		"build": {"id": "B1", "status": "CREATED", "branch": "cf/4000", "changeIdInRepo": "c1"}
	}`)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "OK", body)

	rows := sqltest.GetAllRows(ctx, t, s.db, "build", &schema.BuildRow{}).([]schema.BuildRow)
	require.Len(t, rows, 1)
	assert.Equal(t, "B1", rows[0].BuildID)
	assert.Equal(t, "CREATED", rows[0].Status)
}

func TestCirrusWebhook_NotUnderstood(t *testing.T) {
	ctx := context.Background()
	ts, _ := newTestServer(ctx, t)

	// Unknown event type.
	code, body := post(t, ts.URL+"/api/cirrus-webhook", "audit", `{"action": "created"}`)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "not understood", body)

	// Task event without a task.
	code, body = post(t, ts.URL+"/api/cirrus-webhook", "task", `{"action": "created", "build": {"id": "B1"}}`)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "not understood", body)

	// Undecodable body.
	code, body = post(t, ts.URL+"/api/cirrus-webhook", "build", `{{{`)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "not understood", body)
}

func TestRequeuePatch(t *testing.T) {
	ctx := context.Background()
	ts, s := newTestServer(ctx, t)

	now := time.Now().UTC()
	require.NoError(t, sqltest.BulkInsertDataTables(ctx, s.db, schema.Tables{
		Submission: []schema.SubmissionRow{
			{
				CommitfestID:        53,
				SubmissionID:        4000,
				Name:                "Make everything faster",
				Status:              "Needs review",
				Authors:             "A. Hacker",
				LastMessageID:       strPtr("m1"),
				LastBranchMessageID: strPtr("m1"),
				BackoffUntil:        &now,
			},
			// No known message yet, so there is nothing to requeue.
			{
				CommitfestID: 53,
				SubmissionID: 4001,
				Name:         "Speculative idea",
				Status:       "Needs review",
				Authors:      "B. Hacker",
				BackoffUntil: &now,
			},
		},
	}))

	code, body := post(t, ts.URL+"/api/requeue-patch", "",
		`{"commitfest_id": 53, "submission_id": 4000, "shared_secret": "sssh"}`)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "OK", body)

	code, body = post(t, ts.URL+"/api/requeue-patch", "",
		`{"commitfest_id": 53, "submission_id": 4001, "shared_secret": "sssh"}`)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "OK", body)

	rows := sqltest.GetAllRows(ctx, t, s.db, "submission", &schema.SubmissionRow{}).([]schema.SubmissionRow)
	require.Len(t, rows, 2)
	assert.Nil(t, rows[0].LastBranchMessageID)
	assert.Nil(t, rows[0].BackoffUntil)
	// Untouched: requeueing only makes sense once a message is known.
	assert.NotNil(t, rows[1].BackoffUntil)
}

func TestRequeuePatch_BadSecret(t *testing.T) {
	ctx := context.Background()
	ts, _ := newTestServer(ctx, t)

	code, body := post(t, ts.URL+"/api/requeue-patch", "",
		`{"commitfest_id": 53, "submission_id": 4000, "shared_secret": "nope"}`)
	assert.Equal(t, http.StatusForbidden, code)
	assert.Equal(t, "NOT OK", body)
}

func TestHealthz(t *testing.T) {
	ctx := context.Background()
	ts, _ := newTestServer(ctx, t)

	resp, err := http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
