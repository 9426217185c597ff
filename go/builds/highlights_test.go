package builds

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/postgresql-cfbot/cfbot/go/schema"
	"github.com/postgresql-cfbot/cfbot/go/sqltest"
)

func TestSanitizeUTF8(t *testing.T) {
	got := sanitizeUTF8([]byte("ok\r\nline\x00 two\xff!"))
	assert.Equal(t, "ok\nline two!", got)
}

func TestScanPatternLines_Build(t *testing.T) {
	log := strings.Join([]string{
		"foo.c(12): warning C4700: uninitialized local variable",
		"compiling bar.c",
	}, "\n")
	got := scanPatternLines("command:build", buildPatterns, log)
	require.Len(t, got, 1)
	assert.Equal(t, "compiler", got[0].Type)
	assert.Equal(t, "command:build", got[0].Source)
}

func TestScanPatternLines_Warnings(t *testing.T) {
	log := strings.Join([]string{
		"foo.c:12: warning: unused variable 'x'",
		"bar.o: undefined reference to `frobnicate'",
		"all good here",
	}, "\n")
	got := scanPatternLines("command:mingw_cross_warning", warningPatterns, log)
	require.Len(t, got, 2)
	assert.Equal(t, "compiler", got[0].Type)
	assert.Equal(t, "linker", got[1].Type)
}

func TestScanPatternLines_Artifacts(t *testing.T) {
	body := strings.Join([]string{
		"SUMMARY: AddressSanitizer: heap-use-after-free foo.c:12 in frob",
		// A line merely quoting the marker is not a sanitizer report.
		"expecting output like SUMMARY: AddressSanitizer: ...",
		`TRAP: failed Assert("x > 0"), File: "foo.c"`,
		"2024-01-01 00:00:00.000 UTC [123] PANIC:  stuck spinlock detected",
	}, "\n")
	got := scanPatternLines("artifact:log/stderr.log", artifactPatterns, body)
	require.Len(t, got, 3)
	assert.Equal(t, "sanitizer", got[0].Type)
	assert.Equal(t, "assertion", got[1].Type)
	assert.Equal(t, "panic", got[2].Type)
}

func TestScanUnixCores(t *testing.T) {
	log := strings.Join([]string{
		"Core was generated by postgres",
		"Thread 1 (Thread 0x7f):",
		"#0  0x0000 in raise ()",
		"#1  0x0001 in abort ()",
		" thread #1, stop reason = signal SIGSEGV",
		"  frame #0: libsystem_kernel",
	}, "\n")
	got := scanUnixCores("command:cores", log)
	require.Len(t, got, 2)
	assert.Equal(t, "core", got[0].Type)
	assert.Contains(t, got[0].Excerpt, "#0  0x0000 in raise ()")
	assert.Contains(t, got[1].Excerpt, "frame #0")
}

func TestScanWindowsCrashLog(t *testing.T) {
	body := strings.Join([]string{
		"OS Thread Id: 0x1234",
		"Child-SP          RetAddr           Call Site",
		"00000054`9631f0e8 00007ff7`21f22f1d postgres!errfinish",
		"00000054`9631f130 00007ff7`21a1b2c3 postgres!ExceptionalCondition",
		// A mid-line mention must not open a second backtrace.
		"the Child-SP column is the stack pointer",
	}, "\n")
	got := scanWindowsCrashLog("artifact:crashlog/crash.txt", body)
	require.Len(t, got, 1)
	assert.Equal(t, "core", got[0].Type)
	assert.Contains(t, got[0].Excerpt, "errfinish")
}

func TestScanRegressionDiffs(t *testing.T) {
	assert.Nil(t, scanRegressionDiffs("a", "  \n"))

	long := strings.Repeat("diff line\n", 30)
	h := scanRegressionDiffs("artifact:log/regression.diffs", long)
	require.NotNil(t, h)
	assert.Equal(t, "regress", h.Type)
	assert.True(t, strings.HasSuffix(h.Excerpt, "\n...\n"))
	assert.Len(t, strings.Split(strings.TrimSuffix(h.Excerpt, "\n...\n"), "\n"), 20)
}

func TestScanRegressLog(t *testing.T) {
	body := strings.Join([]string{
		"ok 1 - setup",
		"not ok 2 - does the thing",
		"not ok 3 - known issue # TODO fix later",
		"Bail out!",
	}, "\n")
	h := scanRegressLog("artifact:testrun/regress_log_001", body)
	require.NotNil(t, h)
	assert.Equal(t, "tap", h.Type)
	assert.Equal(t, "not ok 2 - does the thing\nBail out!", h.Excerpt)

	assert.Nil(t, scanRegressLog("x", "ok 1\nok 2"))
}

const mesonLog = ` 1/300 postgresql:regress / regress/regress        OK     32.10s
 2/300 postgresql:isolation / isolation/isolation   FAIL   12.52s   exit status 1
 3/300 postgresql:recovery / recovery/018_wal_optimize  SKIP   0.01s
random noise
Summary of Failures:

 2/300 postgresql:isolation / isolation/isolation   FAIL   12.52s   exit status 1
 3/300 postgresql:recovery / recovery/018_wal_optimize  SKIP   0.01s

Expected Fail:      0
`

func TestScanMesonTestLines(t *testing.T) {
	got := scanMesonTestLines(mesonLog)
	require.Len(t, got, 5)
	assert.Equal(t, TestResult{Suite: "regress", Name: "regress", Result: "OK", Duration: "32.10s"}, got[0])
	assert.Equal(t, TestResult{Suite: "isolation", Name: "isolation", Result: "FAIL", Duration: "12.52s"}, got[1])
	assert.Equal(t, "SKIP", got[2].Result)
}

func TestScanTapSummary(t *testing.T) {
	got := scanTapSummary("command:test_world", mesonLog)
	require.Len(t, got, 1)
	assert.Equal(t, "test", got[0].Type)
	// The SKIP line is dropped from the summary excerpt.
	assert.Equal(t, " 2/300 postgresql:isolation / isolation/isolation   FAIL   12.52s   exit status 1", got[0].Excerpt)
}

func TestIngestTaskLogs(t *testing.T) {
	ctx := context.Background()
	db := sqltest.NewPostgresForTestsWithSchema(ctx, t)
	s := newStore()

	now := time.Now()
	position := int32(1)
	buildLog := "foo.c(12): warning C4700: uninitialized local variable"
	testLog := mesonLog
	require.NoError(t, sqltest.BulkInsertDataTables(ctx, db, schema.Tables{
		Build: []schema.BuildRow{
			{BuildID: "B1", BranchName: "cf/4000", CommitID: strPtr("c1"), Status: "COMPLETED", Created: now, Modified: now},
		},
		Task: []schema.TaskRow{
			{TaskID: "T1", BuildID: "B1", Position: &position, TaskName: "Windows", CommitID: strPtr("c1"), Status: "FAILED", Created: now, Modified: now},
		},
		TaskCommand: []schema.TaskCommandRow{
			{TaskID: "T1", Name: "build", Type: strPtr("EXECUTE_SCRIPT"), Status: strPtr("SUCCESS"), Log: &buildLog},
			{TaskID: "T1", Name: "test_world", Type: strPtr("EXECUTE_SCRIPT"), Status: strPtr("FAILURE"), Log: &testLog},
		},
		// A stale highlight from a previous ingestion run must go away.
		Highlight: []schema.HighlightRow{
			{ID: 1, TaskID: "T1", Type: "compiler", Source: strPtr("command:build"), Excerpt: strPtr("old")},
		},
	}))

	inTx(ctx, t, db, func(tx pgx.Tx) error {
		return s.IngestTaskLogs(ctx, tx, "T1")
	})

	highlights := sqltest.GetAllRows(ctx, t, db, "highlight", &schema.HighlightRow{}).([]schema.HighlightRow)
	require.Len(t, highlights, 2)
	byType := map[string]string{}
	for _, h := range highlights {
		if h.Excerpt != nil {
			byType[h.Type] = *h.Excerpt
		}
	}
	assert.Equal(t, buildLog, byType["compiler"])
	assert.Contains(t, byType["test"], "isolation/isolation")

	// The summary repeats two result lines; conflicts are ignored.
	tests := sqltest.GetAllRows(ctx, t, db, "test", &schema.TestRow{}).([]schema.TestRow)
	require.Len(t, tests, 3)

	queued := sqltest.GetAllRows(ctx, t, db, "work_queue", &schema.WorkQueueRow{}).([]schema.WorkQueueRow)
	var types []string
	for _, q := range queued {
		types = append(types, q.Type)
	}
	assert.Contains(t, types, "fetch-task-artifacts")
	assert.Contains(t, types, "refresh-highlight-pages")
}

func TestIngestTaskArtifacts(t *testing.T) {
	ctx := context.Background()
	db := sqltest.NewPostgresForTestsWithSchema(ctx, t)
	s := newStore()

	now := time.Now()
	position := int32(1)
	crashBody := strings.Join([]string{
		"OS Thread Id: 0x1234",
		"Child-SP          RetAddr           Call Site",
		"00000054`9631f0e8 00007ff7`21f22f1d postgres!errfinish",
		"00000054`9631f130 00007ff7`21a1b2c3 postgres!ExceptionalCondition",
	}, "\n")
	sanitizerBody := strings.Join([]string{
		"==12345==ERROR: AddressSanitizer: heap-use-after-free",
		"SUMMARY: AddressSanitizer: heap-use-after-free foo.c:12 in frob",
	}, "\n")
	diffsBody := "--- expected\n+++ results\n-1 row\n+2 rows\n"
	require.NoError(t, sqltest.BulkInsertDataTables(ctx, db, schema.Tables{
		Build: []schema.BuildRow{
			{BuildID: "B1", BranchName: "cf/4000", CommitID: strPtr("c1"), Status: "COMPLETED", Created: now, Modified: now},
		},
		// No "cores" command, so core highlights belong to the crashlog.
		Task: []schema.TaskRow{
			{TaskID: "T1", BuildID: "B1", Position: &position, TaskName: "Windows", CommitID: strPtr("c1"), Status: "FAILED", Created: now, Modified: now},
		},
		Artifact: []schema.ArtifactRow{
			{TaskID: "T1", Name: "crashlog", Path: "crashlog-postgres.txt", Body: &crashBody},
			{TaskID: "T1", Name: "testrun", Path: "build/testrun/asan/001_basic/log/stderr.log", Body: &sanitizerBody},
			{TaskID: "T1", Name: "testrun", Path: "build/testrun/regress/regress/regression.diffs", Body: &diffsBody},
			// Still waiting for its body; must be skipped, not scanned.
			{TaskID: "T1", Name: "testrun", Path: "build/testrun/other/002_more/log/stderr.log"},
		},
		// A stale highlight from a previous ingestion run must go away.
		Highlight: []schema.HighlightRow{
			{ID: 1, TaskID: "T1", Type: "sanitizer", Source: strPtr("artifact:testrun/old"), Excerpt: strPtr("old")},
		},
	}))

	inTx(ctx, t, db, func(tx pgx.Tx) error {
		return s.IngestTaskArtifacts(ctx, tx, "T1")
	})

	highlights := sqltest.GetAllRows(ctx, t, db, "highlight", &schema.HighlightRow{}).([]schema.HighlightRow)
	require.Len(t, highlights, 3)
	byType := map[string]string{}
	for _, h := range highlights {
		if h.Excerpt != nil {
			byType[h.Type] = *h.Excerpt
		}
	}
	assert.Contains(t, byType["core"], "postgres!errfinish")
	assert.Equal(t, "SUMMARY: AddressSanitizer: heap-use-after-free foo.c:12 in frob", byType["sanitizer"])
	assert.Contains(t, byType["regress"], "+2 rows")

	queued := sqltest.GetAllRows(ctx, t, db, "work_queue", &schema.WorkQueueRow{}).([]schema.WorkQueueRow)
	pages := map[string]bool{}
	for _, q := range queued {
		if q.Type == "refresh-highlight-pages" && q.Key != nil {
			pages[*q.Key] = true
		}
	}
	assert.True(t, pages["all"])
	assert.True(t, pages["core"])
	assert.True(t, pages["sanitizer"])
	assert.True(t, pages["regress"])
}
