package gc

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/postgresql-cfbot/cfbot/go/config"
	"github.com/postgresql-cfbot/cfbot/go/schema"
	"github.com/postgresql-cfbot/cfbot/go/sqltest"
)

func strPtr(s string) *string { return &s }

func TestRun(t *testing.T) {
	ctx := context.Background()
	db := sqltest.NewPostgresForTestsWithSchema(ctx, t)

	now := time.Now().UTC()
	staleLargeObjects := now.Add(-5 * 24 * time.Hour)
	ancient := now.Add(-400 * 24 * time.Hour)
	size := int64(12)
	body := strPtr("SUMMARY: AddressSanitizer: heap-use-after-free")
	log := "some log"
	require.NoError(t, sqltest.BulkInsertDataTables(ctx, db, schema.Tables{
		Branch: []schema.BranchRow{
			// Current branch with a current build.
			{ID: 1, SubmissionID: 4000, CommitfestID: 53, BuildID: strPtr("B-new"), Status: "testing", Created: now, Modified: now},
			// Ancient build's branch goes away with it.
			{ID: 2, SubmissionID: 4001, CommitfestID: 40, BuildID: strPtr("B-old"), Status: "finished", Created: ancient, Modified: ancient},
			// Ancient branch that never got a build.
			{ID: 3, SubmissionID: 4002, CommitfestID: 40, Status: "failed", Created: ancient, Modified: ancient},
			// Recent failed branch is kept.
			{ID: 4, SubmissionID: 4003, CommitfestID: 53, Status: "failed", Created: now, Modified: now},
		},
		Build: []schema.BuildRow{
			{BuildID: "B-new", BranchName: "cf/4000", Status: "EXECUTING", Created: now, Modified: now},
			{BuildID: "B-mid", BranchName: "cf/4000", Status: "COMPLETED", Created: staleLargeObjects, Modified: staleLargeObjects},
			{BuildID: "B-old", BranchName: "cf/4001", Status: "COMPLETED", Created: ancient, Modified: ancient},
		},
		Task: []schema.TaskRow{
			{TaskID: "T-mid", BuildID: "B-mid", TaskName: "Linux", Status: "COMPLETED", Created: staleLargeObjects, Modified: staleLargeObjects},
			{TaskID: "T-old", BuildID: "B-old", TaskName: "Linux", Status: "COMPLETED", Created: ancient, Modified: ancient},
		},
		Artifact: []schema.ArtifactRow{
			{TaskID: "T-mid", Name: "log", Path: "x/y.log", Size: &size, Body: body},
			{TaskID: "T-old", Name: "log", Path: "x/y.log", Size: &size, Body: body},
		},
		TaskCommand: []schema.TaskCommandRow{
			{TaskID: "T-mid", Name: "build", Log: &log},
			{TaskID: "T-old", Name: "build", Log: &log},
		},
	}))

	cfg := config.Config{RetentionLargeObjects: 2, RetentionAll: 180}
	require.NoError(t, Run(ctx, db, cfg))

	// Large objects of the mid-age task are nulled, the row kept.
	artifacts := sqltest.GetAllRows(ctx, t, db, "artifact", &schema.ArtifactRow{}).([]schema.ArtifactRow)
	require.Len(t, artifacts, 1)
	assert.Equal(t, "T-mid", artifacts[0].TaskID)
	assert.Nil(t, artifacts[0].Body)

	commands := sqltest.GetAllRows(ctx, t, db, "task_command", &schema.TaskCommandRow{}).([]schema.TaskCommandRow)
	require.Len(t, commands, 1)
	assert.Nil(t, commands[0].Log)

	// Ancient build, its task and its branch are gone; recent rows remain.
	builds := sqltest.GetAllRows(ctx, t, db, "build", &schema.BuildRow{}).([]schema.BuildRow)
	require.Len(t, builds, 2)

	tasks := sqltest.GetAllRows(ctx, t, db, "task", &schema.TaskRow{}).([]schema.TaskRow)
	require.Len(t, tasks, 1)
	assert.Equal(t, "T-mid", tasks[0].TaskID)

	branches := sqltest.GetAllRows(ctx, t, db, "branch", &schema.BranchRow{}).([]schema.BranchRow)
	require.Len(t, branches, 2)
	assert.EqualValues(t, 1, branches[0].ID)
	assert.EqualValues(t, 4, branches[1].ID)
}
