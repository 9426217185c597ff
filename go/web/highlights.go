package web

import (
	"bytes"
	"context"
	"html/template"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v4"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/postgresql-cfbot/cfbot/go/dbutil"
)

// HighlightModes are the page variants: "all" plus one page per highlight
// type.
var HighlightModes = []string{
	"all",
	"assertion",
	"compiler",
	"core",
	"linker",
	"panic",
	"regress",
	"sanitizer",
	"tap",
	"test",
}

// highlightWindows are the time ranges a page can cover: the latest branch
// of each submission, or everything from the last N days.
var highlightWindows = []string{"current", "7", "30", "90"}

// RefreshHighlightPages is the work queue handler: the key is a mode.
func (s *Site) RefreshHighlightPages(ctx context.Context, mode string) error {
	if !validHighlightMode(mode) {
		zap.S().Warnf("unknown highlight page mode %q, ignoring", mode)
		return nil
	}
	for _, when := range highlightWindows {
		if err := s.buildHighlightsPage(ctx, mode, when); err != nil {
			return err
		}
	}
	return nil
}

// RebuildAllHighlightPages regenerates every mode and window combination.
func (s *Site) RebuildAllHighlightPages(ctx context.Context) error {
	for _, mode := range HighlightModes {
		if err := s.RefreshHighlightPages(ctx, mode); err != nil {
			return err
		}
	}
	return nil
}

func validHighlightMode(mode string) bool {
	for _, m := range HighlightModes {
		if m == mode {
			return true
		}
	}
	return false
}

func highlightPageName(mode, when string) string {
	if when == "current" {
		return mode + ".html"
	}
	return mode + "-" + when + ".html"
}

type highlightSelector struct {
	Label   string
	Href    string
	Current bool
}

type highlightItem struct {
	URL     string
	Type    string
	Excerpt string
}

type highlightTask struct {
	URL   string
	Icon  template.HTML
	Name  string
	Items []highlightItem
}

type highlightSubmission struct {
	CommitfestID int64
	SubmissionID int64
	Name         string
	Tasks        []highlightTask
}

type highlightsPage struct {
	Modes       []highlightSelector
	Windows     []highlightSelector
	Submissions []highlightSubmission
}

var highlightsTmpl = template.Must(template.New("highlights").Parse(`<html>
  <head>
    <meta charset="UTF-8"/>
    <title>PostgreSQL Patch Tester</title>
    <style type="text/css">
` + pageStyle + `
    </style>
  </head>
  <body>
    <h1>PostgreSQL Patch Tester</h1>
    <p>
      <a href="/index.html">Current commitfest</a> |
      <a href="/next.html">Next commitfest</a> |
      <a href="https://wiki.postgresql.org/wiki/Cfbot">FAQ</a> |
      <a href="/statistics.html">Statistics</a> |
      <b>Highlights</b>
    </p>
    <p>Highlight type: {{range .Modes}}{{if .Current}}<b>{{.Label}}</b> {{else}}<a href="{{.Href}}">{{.Label}}</a> {{end}}{{end}}</p>
    <p>Time range: {{range .Windows}}{{if .Current}}<b>{{.Label}}</b> {{else}}<a href="{{.Href}}">{{.Label}}</a> {{end}}{{end}}</p>
    <p>
      This robot generates gigabytes of CI logs every week.  Here is an attempt to
      search for "highlights", so it's easier to find actionable information
      quickly.  New ideas for what patterns to search for are very welcome.
      "Current" shows only the most recent results from each submission.  The
      wider time ranges also show information about historical versions, which
      may be useful for flapping tests, and also for hunting for bugs in master.
    </p>
    <table>
{{range .Submissions}}      <tr>
        <td width="10%" id="{{.SubmissionID}}">{{.CommitfestID}}/{{.SubmissionID}}</td>
        <td width="90%">{{.Name}}</td>
      </tr>
{{range .Tasks}}      <tr>
        <td width="10%" align="right"><a href="{{.URL}}">{{.Icon}}</a></td>
        <td width="90%"><a href="{{.URL}}">{{.Name}}</a></td>
      </tr>
{{range .Items}}      <tr>
        <td width="10%"><a href="{{.URL}}">{{.Type}}</a></td>
        <td width="90%"><pre style="font-size: 9px">{{.Excerpt}}</pre></td>
      </tr>
{{end}}{{end}}{{end}}    </table>
  </body>
</html>
`))

// currentHighlightsSQL joins highlights of the latest branch of each
// reviewable submission. A submission has one row per commitfest it was
// entered in, so the latest row wins.
const currentHighlightsSQL = `
	WITH latest_submission AS (SELECT DISTINCT ON (submission_id)
	                                  commitfest_id, submission_id, name, status
	                             FROM submission
	                            ORDER BY submission_id, commitfest_id DESC),
	     latest_branch AS (SELECT DISTINCT ON (submission_id)
	                              submission_id, commit_id
	                         FROM branch
	                        WHERE commit_id IS NOT NULL
	                        ORDER BY submission_id, created DESC)
	SELECT s.name, s.commitfest_id, s.submission_id,
	       t.task_id, t.task_name, t.status,
	       h.type, h.source, h.excerpt
	  FROM latest_submission s
	  JOIN latest_branch b ON b.submission_id = s.submission_id
	  JOIN build USING (commit_id)
	  JOIN task t USING (build_id)
	  JOIN highlight h ON h.task_id = t.task_id
	 WHERE s.status IN ` + reviewableStatuses + `
	   AND ($1 = 'all' OR h.type = $1)
	 ORDER BY t.created DESC, t.task_name, h.type, h.source`

const windowedHighlightsSQL = `
	WITH latest_submission AS (SELECT DISTINCT ON (submission_id)
	                                  commitfest_id, submission_id, name
	                             FROM submission
	                            ORDER BY submission_id, commitfest_id DESC),
	     latest_branch AS (SELECT DISTINCT ON (submission_id)
	                              submission_id, commit_id
	                         FROM branch
	                        ORDER BY submission_id, created DESC)
	SELECT s.name, s.commitfest_id, s.submission_id,
	       t.task_id, t.task_name, t.status,
	       h.type, h.source, h.excerpt
	  FROM latest_submission s
	  JOIN latest_branch b USING (submission_id)
	  JOIN build USING (commit_id)
	  JOIN task t USING (build_id)
	  JOIN highlight h USING (task_id)
	 WHERE t.created > now() - interval '1 day' * $2
	   AND ($1 = 'all' OR h.type = $1)
	 ORDER BY t.created DESC, t.task_name, h.type, h.source`

func (s *Site) buildHighlightsPage(ctx context.Context, mode, when string) error {
	page := highlightsPage{}
	for _, m := range HighlightModes {
		page.Modes = append(page.Modes, highlightSelector{
			Label:   m,
			Href:    "/highlights/" + highlightPageName(m, when),
			Current: m == mode,
		})
	}
	for _, w := range highlightWindows {
		label := w + "-day"
		if w == "current" {
			label = "current"
		}
		page.Windows = append(page.Windows, highlightSelector{
			Label:   label,
			Href:    "/highlights/" + highlightPageName(mode, w),
			Current: w == when,
		})
	}

	var rows pgx.Rows
	var err error
	if when == "current" {
		rows, err = s.db.Query(ctx, currentHighlightsSQL, mode)
	} else {
		days, convErr := strconv.Atoi(when)
		if convErr != nil {
			return errors.Wrapf(convErr, "bad highlight window %q", when)
		}
		rows, err = s.db.Query(ctx, windowedHighlightsSQL, mode, days)
	}
	if err != nil {
		return dbutil.WrappedError(err)
	}
	defer rows.Close()

	var lastSubmissionID int64
	var lastTaskID string
	for rows.Next() {
		var name, taskID, taskName, status, hlType, source, excerpt string
		var commitfestID, submissionID int64
		if err := rows.Scan(&name, &commitfestID, &submissionID, &taskID, &taskName, &status, &hlType, &source, &excerpt); err != nil {
			return dbutil.WrappedError(err)
		}
		if submissionID != lastSubmissionID {
			page.Submissions = append(page.Submissions, highlightSubmission{
				CommitfestID: commitfestID,
				SubmissionID: submissionID,
				Name:         name,
			})
			lastSubmissionID = submissionID
			lastTaskID = ""
		}
		sub := &page.Submissions[len(page.Submissions)-1]
		if taskID != lastTaskID {
			icon := newFailureBadge(taskName + ": " + status)
			if status == "COMPLETED" {
				icon = newSuccessBadge(taskName + ": " + status)
			}
			sub.Tasks = append(sub.Tasks, highlightTask{
				URL:  "https://cirrus-ci.com/task/" + taskID,
				Icon: icon,
				Name: taskName,
			})
			lastTaskID = taskID
		}
		task := &sub.Tasks[len(sub.Tasks)-1]
		task.Items = append(task.Items, highlightItem{
			URL:     highlightSourceURL(taskID, source),
			Type:    hlType,
			Excerpt: narrowExcerpt(excerpt),
		})
	}
	if err := rows.Err(); err != nil {
		return dbutil.WrappedError(err)
	}

	var buf bytes.Buffer
	if err := highlightsTmpl.Execute(&buf, page); err != nil {
		return errors.Wrap(err, "rendering highlights page")
	}
	path := filepath.Join(s.cfg.WebRoot, "highlights", highlightPageName(mode, when))
	return writePage(path, buf.Bytes())
}

// highlightSourceURL turns a highlight source tag into the Cirrus URL of
// the underlying log or artifact.
func highlightSourceURL(taskID, source string) string {
	switch {
	case strings.HasPrefix(source, "artifact:"):
		return "https://api.cirrus-ci.com/v1/artifact/task/" + taskID + "/" + strings.TrimPrefix(source, "artifact:")
	case strings.HasPrefix(source, "command:"):
		return "https://api.cirrus-ci.com/v1/task/" + taskID + "/logs/" + strings.TrimPrefix(source, "command:") + ".log"
	}
	return "https://cirrus-ci.com/task/" + taskID
}

// narrowExcerpt truncates each line so one pathological line cannot blow
// out the page layout.
func narrowExcerpt(excerpt string) string {
	lines := strings.Split(excerpt, "\n")
	for i, line := range lines {
		if runes := []rune(line); len(runes) > 120 {
			lines[i] = string(runes[:120]) + "..."
		}
	}
	return strings.Join(lines, "\n")
}
