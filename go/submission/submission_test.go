package submission

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

var active = []int64{53}

func newStore() *Store {
	return New(config.Config{
		ConcurrentBuilds: 2,
		CycleTime:        48 * time.Hour,
	})
}

func timePtr(t time.Time) *time.Time { return &t }
func strPtr(s string) *string        { return &s }

func entry(id int64, status string) schema.SubmissionRow {
	email := time.Date(2026, 8, 1, 0, 0, int(id), 0, time.UTC)
	return schema.SubmissionRow{
		CommitfestID:  53,
		SubmissionID:  id,
		Name:          "patch",
		Status:        status,
		Authors:       "Alice",
		LastEmailTime: &email,
	}
}

func TestNeedToLimitRate(t *testing.T) {
	ctx := context.Background()
	db := sqltest.NewPostgresForTestsWithSchema(ctx, t)
	s := newStore()

	limited, err := s.NeedToLimitRate(ctx, db)
	require.NoError(t, err)
	assert.False(t, limited)

	now := time.Now()
	require.NoError(t, sqltest.BulkInsertDataTables(ctx, db, schema.Tables{
		Branch: []schema.BranchRow{
			{ID: 1, SubmissionID: 4000, CommitfestID: 53, Status: "testing", Created: now, Modified: now},
			{ID: 2, SubmissionID: 4001, CommitfestID: 53, Status: "testing", Created: now, Modified: now},
			{ID: 3, SubmissionID: 4002, CommitfestID: 53, Status: "finished", Created: now, Modified: now},
		},
	}))
	limited, err = s.NeedToLimitRate(ctx, db)
	require.NoError(t, err)
	assert.True(t, limited)
}

func TestChoose_NewPatchWins(t *testing.T) {
	ctx := context.Background()
	db := sqltest.NewPostgresForTestsWithSchema(ctx, t)
	s := newStore()

	// 4000 has a new patch but arrived later; 4001 has a new patch and has
	// waited longest; 4002 was already built at its latest message.
	a := entry(4000, "Needs review")
	a.LastMessageID = strPtr("m-new")
	b := entry(4001, "Needs review")
	b.LastEmailTime = timePtr(time.Date(2026, 7, 1, 0, 0, 0, 0, time.UTC))
	b.LastMessageID = strPtr("m-old")
	c := entry(4002, "Needs review")
	c.LastMessageID = strPtr("m-same")
	c.LastBranchMessageID = strPtr("m-same")
	require.NoError(t, sqltest.BulkInsertDataTables(ctx, db, schema.Tables{
		Submission: []schema.SubmissionRow{a, b, c},
	}))

	got, err := s.Choose(ctx, db, active)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, Candidate{CommitfestID: 53, SubmissionID: 4001}, *got)
}

func TestChoose_FiltersStatusCommitfestAndIgnoreList(t *testing.T) {
	ctx := context.Background()
	db := sqltest.NewPostgresForTestsWithSchema(ctx, t)

	committed := entry(4000, "Committed")
	committed.LastMessageID = strPtr("m1")
	inactive := entry(4001, "Needs review")
	inactive.CommitfestID = 40
	inactive.LastMessageID = strPtr("m2")
	ignored := entry(4002, "Needs review")
	ignored.LastMessageID = strPtr("m3")
	require.NoError(t, sqltest.BulkInsertDataTables(ctx, db, schema.Tables{
		Submission: []schema.SubmissionRow{committed, inactive, ignored},
	}))

	s := New(config.Config{ConcurrentBuilds: 2, CycleTime: 48 * time.Hour, IgnoreSubmissions: []int64{4002}})
	got, err := s.Choose(ctx, db, active)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestChoose_BitrotPicksOldestBranchNullsFirst(t *testing.T) {
	ctx := context.Background()
	db := sqltest.NewPostgresForTestsWithSchema(ctx, t)
	s := newStore()

	// All built at their latest message, so only the bitrot sweep applies.
	never := entry(4000, "Needs review")
	never.LastMessageID = strPtr("m1")
	never.LastBranchMessageID = strPtr("m1")
	stale := entry(4001, "Needs review")
	stale.LastMessageID = strPtr("m2")
	stale.LastBranchMessageID = strPtr("m2")
	stale.LastBranchTime = timePtr(time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC))
	require.NoError(t, sqltest.BulkInsertDataTables(ctx, db, schema.Tables{
		Submission: []schema.SubmissionRow{never, stale},
	}))

	got, err := s.Choose(ctx, db, active)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.EqualValues(t, 4000, got.SubmissionID)
}

func TestChoose_BitrotRespectsTargetRate(t *testing.T) {
	ctx := context.Background()
	db := sqltest.NewPostgresForTestsWithSchema(ctx, t)
	s := newStore()

	// One eligible submission over a 48 hour cycle is ~0.02 per hour; a
	// branch pushed within the last hour puts us over target.
	recent := entry(4000, "Needs review")
	recent.LastMessageID = strPtr("m1")
	recent.LastBranchMessageID = strPtr("m1")
	recent.LastBranchTime = timePtr(time.Now().UTC().Add(-10 * time.Minute))
	require.NoError(t, sqltest.BulkInsertDataTables(ctx, db, schema.Tables{
		Submission: []schema.SubmissionRow{recent},
	}))

	got, err := s.Choose(ctx, db, active)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestChoose_BitrotSkipsBackedOffSubmissions(t *testing.T) {
	ctx := context.Background()
	db := sqltest.NewPostgresForTestsWithSchema(ctx, t)
	s := newStore()

	backedOff := entry(4000, "Needs review")
	backedOff.LastMessageID = strPtr("m1")
	backedOff.LastBranchMessageID = strPtr("m1")
	backedOff.BackoffUntil = timePtr(time.Now().UTC().Add(24 * time.Hour))
	expired := entry(4001, "Needs review")
	expired.LastMessageID = strPtr("m2")
	expired.LastBranchMessageID = strPtr("m2")
	expired.BackoffUntil = timePtr(time.Now().UTC().Add(-24 * time.Hour))
	require.NoError(t, sqltest.BulkInsertDataTables(ctx, db, schema.Tables{
		Submission: []schema.SubmissionRow{backedOff, expired},
	}))

	got, err := s.Choose(ctx, db, active)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.EqualValues(t, 4001, got.SubmissionID)
}
