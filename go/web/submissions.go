package web

import (
	"bytes"
	"context"
	"html/template"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/jackc/pgtype"
	"github.com/jackc/pgx/v4"
	"github.com/pkg/errors"

	"github.com/postgresql-cfbot/cfbot/go/dbutil"
)

// reviewableStatuses are the Commitfest states shown on the index pages, in
// display order.
const reviewableStatuses = "('Ready for Committer', 'Needs review', 'Waiting on Author')"

type buildResult struct {
	taskID   string
	taskName string
	status   string
	age      float64
	isNew    bool
}

type submission struct {
	commitfestID        int64
	submissionID        int64
	name                string
	status              string
	authors             []string
	lastBranchMessageID *string
	applyFailedURL      *string
	applyFailedSince    *string
	highlightTypes      []string
	results             []buildResult
}

// RebuildSubmissionPages regenerates index.html, next.html and the
// per-author pages for every reviewable submission in the current or a
// later commitfest.
func (s *Site) RebuildSubmissionPages(ctx context.Context, currentCommitfestID int64) error {
	subs, err := s.loadSubmissions(ctx, currentCommitfestID)
	if err != nil {
		return err
	}
	runtimes, err := s.loadExpectedRuntimes(ctx)
	if err != nil {
		return err
	}
	current := currentCommitfestID
	next := currentCommitfestID + 1
	if err := s.buildSubmissionsPage(filepath.Join(s.cfg.WebRoot, "index.html"), &current, "", subs, runtimes); err != nil {
		return err
	}
	if err := s.buildSubmissionsPage(filepath.Join(s.cfg.WebRoot, "next.html"), &next, "", subs, runtimes); err != nil {
		return err
	}
	for _, author := range uniqueAuthors(subs) {
		path := filepath.Join(s.cfg.WebRoot, AuthorPageName(author))
		if err := s.buildSubmissionsPage(path, nil, author, subs, runtimes); err != nil {
			return err
		}
	}
	return nil
}

// loadExpectedRuntimes estimates how long each task takes from the last 12
// hours of completed runs, for drawing the progress badge.
func (s *Site) loadExpectedRuntimes(ctx context.Context) (map[string]float64, error) {
	rows, err := s.db.Query(ctx, `
		SELECT task_name, EXTRACT(epoch FROM avg(modified - created))::float8
		  FROM task
		 WHERE status = 'COMPLETED'
		   AND created > now() - interval '12 hours'
		 GROUP BY 1`)
	if err != nil {
		return nil, dbutil.WrappedError(err)
	}
	defer rows.Close()
	results := map[string]float64{}
	for rows.Next() {
		var name string
		var seconds float64
		if err := rows.Scan(&name, &seconds); err != nil {
			return nil, dbutil.WrappedError(err)
		}
		results[name] = seconds
	}
	return results, dbutil.WrappedError(rows.Err())
}

func (s *Site) loadSubmissions(ctx context.Context, minCommitfestID int64) ([]*submission, error) {
	rows, err := s.db.Query(ctx, `
		SELECT commitfest_id, submission_id, name, authors, status, last_branch_message_id
		  FROM submission
		 WHERE commitfest_id >= $1
		   AND status IN `+reviewableStatuses+`
		 ORDER BY CASE status
		            WHEN 'Ready for Committer' THEN 0
		            WHEN 'Needs review' THEN 1
		            ELSE 2
		          END,
		          name`, minCommitfestID)
	if err != nil {
		return nil, dbutil.WrappedError(err)
	}
	var results []*submission
	for rows.Next() {
		var sub submission
		var authors string
		if err := rows.Scan(&sub.commitfestID, &sub.submissionID, &sub.name, &authors, &sub.status, &sub.lastBranchMessageID); err != nil {
			rows.Close()
			return nil, dbutil.WrappedError(err)
		}
		sub.authors = splitAuthors(authors)
		results = append(results, &sub)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, dbutil.WrappedError(err)
	}
	for _, sub := range results {
		if err := s.loadSubmissionResults(ctx, sub); err != nil {
			return nil, err
		}
	}
	return results, nil
}

// loadSubmissionResults fills in the latest branch, highlight and task
// status details of one submission.
func (s *Site) loadSubmissionResults(ctx context.Context, sub *submission) error {
	var commitID, status pgtype.Text
	var url pgtype.Text
	err := s.db.QueryRow(ctx, `
		SELECT commit_id, status, url
		  FROM branch
		 WHERE submission_id = $1
		 ORDER BY created DESC LIMIT 1`, sub.submissionID).Scan(&commitID, &status, &url)
	if errors.Is(err, pgx.ErrNoRows) {
		// Not branched yet.
		return nil
	}
	if err != nil {
		return dbutil.WrappedError(err)
	}

	if status.String == "failed" {
		if url.Status == pgtype.Present {
			u := url.String
			sub.applyFailedURL = &u
		}
		// Show the results of the last branch that did apply, and work out
		// when rebasing first became necessary.
		var created pgtype.Timestamptz
		err := s.db.QueryRow(ctx, `
			SELECT commit_id, status, url, created
			  FROM branch
			 WHERE submission_id = $1
			   AND commit_id IS NOT NULL
			 ORDER BY created DESC LIMIT 1`, sub.submissionID).Scan(&commitID, &status, &url, &created)
		if err != nil && !errors.Is(err, pgx.ErrNoRows) {
			return dbutil.WrappedError(err)
		}
		if err == nil {
			var since pgtype.Text
			err := s.db.QueryRow(ctx, `
				SELECT to_char(created AT TIME ZONE 'GMT', 'YYYY-MM-DD')
				  FROM branch
				 WHERE submission_id = $1
				   AND created > $2
				 ORDER BY created LIMIT 1`, sub.submissionID, created.Time).Scan(&since)
			if err != nil && !errors.Is(err, pgx.ErrNoRows) {
				return dbutil.WrappedError(err)
			}
			if err == nil && since.Status == pgtype.Present {
				d := since.String
				sub.applyFailedSince = &d
			}
		}
	}
	if commitID.Status != pgtype.Present {
		return nil
	}

	rows, err := s.db.Query(ctx, `
		SELECT DISTINCT type
		  FROM highlight
		  JOIN task USING (task_id)
		 WHERE task.commit_id = $1
		 ORDER BY 1`, commitID.String)
	if err != nil {
		return dbutil.WrappedError(err)
	}
	for rows.Next() {
		var t string
		if err := rows.Scan(&t); err != nil {
			rows.Close()
			return dbutil.WrappedError(err)
		}
		sub.highlightTypes = append(sub.highlightTypes, t)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return dbutil.WrappedError(err)
	}

	// Latest status per task for the commit, and whether it differs from the
	// status the same task had on the submission's previous branches.
	rows, err = s.db.Query(ctx, `
		WITH task_positions AS (SELECT DISTINCT ON (task_name)
		                               task_name,
		                               position
		                          FROM task
		                         WHERE commit_id = $1
		                      ORDER BY task_name, modified),
		     latest_tasks AS   (SELECT DISTINCT ON (task_name)
		                               task_name,
		                               task_id,
		                               status,
		                               EXTRACT(epoch FROM now() - modified)::float8 AS age
		                          FROM task
		                         WHERE commit_id = $1
		                      ORDER BY task_name, modified DESC),
		     prev_statuses AS  (SELECT DISTINCT ON (task_name)
		                               task_name,
		                               status AS prev_status
		                          FROM task
		                         WHERE commit_id IN (SELECT commit_id
		                                               FROM branch
		                                              WHERE submission_id = $2
		                                                AND commit_id IS NOT NULL
		                                                AND commit_id != $1)
		                      ORDER BY task_name, modified DESC)
		SELECT task_id,
		       task_name,
		       age,
		       status,
		       status IS DISTINCT FROM prev_status AS is_new
		  FROM latest_tasks
		  JOIN task_positions USING (task_name)
		  LEFT JOIN prev_statuses USING (task_name)
		 WHERE task_name NOT LIKE '% MinGW64 %'
		 ORDER BY position`, commitID.String, sub.submissionID)
	if err != nil {
		return dbutil.WrappedError(err)
	}
	defer rows.Close()
	for rows.Next() {
		var r buildResult
		if err := rows.Scan(&r.taskID, &r.taskName, &r.age, &r.status, &r.isNew); err != nil {
			return dbutil.WrappedError(err)
		}
		sub.results = append(sub.results, r)
	}
	return dbutil.WrappedError(rows.Err())
}

func splitAuthors(authors string) []string {
	var out []string
	for _, a := range strings.Split(authors, ",") {
		if a = strings.TrimSpace(a); a != "" {
			out = append(out, a)
		}
	}
	return out
}

func uniqueAuthors(subs []*submission) []string {
	seen := map[string]bool{}
	var out []string
	for _, sub := range subs {
		for _, a := range sub.authors {
			if !seen[a] {
				seen[a] = true
				out = append(out, a)
			}
		}
	}
	sort.Strings(out)
	return out
}

type pageLink struct {
	Href  string
	Title string
	Text  string
}

type resultBadge struct {
	URL  string
	Icon template.HTML
}

type submissionRow struct {
	CommitfestID  int64
	SubmissionID  int64
	Name          string
	CommitfestURL string
	Authors       []pageLink
	Flags         []pageLink
	Badges        []resultBadge
}

type statusGroup struct {
	Status string
	Rows   []submissionRow
}

type submissionsPage struct {
	CommitfestURL string
	GithubURL     string
	CirrusURL     string
	KeyNewSuccess template.HTML
	KeyNewFailure template.HTML
	KeyOldSuccess template.HTML
	KeyOldFailure template.HTML
	KeyBuilding   template.HTML
	Groups        []statusGroup
}

var submissionsTmpl = template.Must(template.New("submissions").Parse(`<html>
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
      <a href="index.html">Current commitfest</a> |
      <a href="next.html">Next commitfest</a> |
      <a href="https://wiki.postgresql.org/wiki/Cfbot">FAQ</a> |
      <a href="statistics.html">Statistics</a> |
      <a href="highlights/all.html">Highlights</a>
    </p>
    <p>
      Here lives an experimental bot that converts email threads that are registered in the
      <a href="{{.CommitfestURL}}">Commitfest system</a> into
      <a href="{{.GithubURL}}/branches">branches on Github</a>,
      and collates test results from
      <a href="{{.CirrusURL}}">Cirrus CI</a>.  Key: {{.KeyNewSuccess}} or {{.KeyNewFailure}} = new/recently changed, {{.KeyOldSuccess}} or {{.KeyOldFailure}} = stable, {{.KeyBuilding}} = working.
    </p>
    <table>
{{range .Groups}}      <tr><td colspan="5"><h2>{{.Status}}</h2></td></tr>
{{range .Rows}}      <tr>
        <td width="8%">{{.CommitfestID}}/{{.SubmissionID}}</td>
        <td width="42%"><a href="{{.CommitfestURL}}">{{.Name}}</a></td>
        <td width="20%">{{range $i, $a := .Authors}}{{if $i}}, {{end}}<a href="{{$a.Href}}">{{$a.Text}}</a>{{end}}</td>
        <td width="5%" align="right">{{range .Flags}}&nbsp;<a title="{{.Title}}" href="{{.Href}}">{{.Text}}</a>{{end}}</td>
        <td width="25%">{{range .Badges}}&nbsp;<a href="{{.URL}}">{{.Icon}}</a>{{end}}</td>
      </tr>
{{end}}{{end}}    </table>
  </body>
</html>
`))

func (s *Site) buildSubmissionsPage(path string, commitfestID *int64, filterAuthor string, subs []*submission, runtimes map[string]float64) error {
	page := submissionsPage{
		CommitfestURL: s.cfg.CommitfestHost + "/",
		GithubURL:     "https://github.com/" + s.cfg.GithubFullRepo,
		CirrusURL:     "https://cirrus-ci.com/github/" + s.cfg.GithubFullRepo,
		KeyNewSuccess: newSuccessBadge("new success"),
		KeyNewFailure: newFailureBadge("new failure"),
		KeyOldSuccess: oldSuccessBadge("old success"),
		KeyOldFailure: oldFailureBadge("old failure"),
		KeyBuilding:   buildingBadge(0.3, "working"),
	}
	var group *statusGroup
	for _, sub := range subs {
		if commitfestID != nil && sub.commitfestID != *commitfestID {
			continue
		}
		if filterAuthor != "" && !containsAuthor(sub.authors, filterAuthor) {
			continue
		}
		if group == nil || group.Status != sub.status {
			page.Groups = append(page.Groups, statusGroup{Status: sub.status})
			group = &page.Groups[len(page.Groups)-1]
		}
		group.Rows = append(group.Rows, s.submissionRow(sub, runtimes))
	}
	var buf bytes.Buffer
	if err := submissionsTmpl.Execute(&buf, page); err != nil {
		return errors.Wrap(err, "rendering submissions page")
	}
	return writePage(path, buf.Bytes())
}

func (s *Site) submissionRow(sub *submission, runtimes map[string]float64) submissionRow {
	name := sub.name
	if runes := []rune(name); len(runes) > 80 {
		name = string(runes[:80]) + "..."
	}
	row := submissionRow{
		CommitfestID:  sub.commitfestID,
		SubmissionID:  sub.submissionID,
		Name:          name,
		CommitfestURL: strings.Join([]string{s.cfg.CommitfestHost, itoa(sub.commitfestID), itoa(sub.submissionID), ""}, "/"),
	}
	for _, author := range sub.authors {
		row.Authors = append(row.Authors, pageLink{Href: AuthorPageName(author), Text: author})
	}
	if sub.applyFailedURL != nil {
		title := "Rebase needed"
		if sub.applyFailedSince != nil {
			title = "Rebase needed since " + *sub.applyFailedSince
		}
		row.Flags = append(row.Flags, pageLink{Href: *sub.applyFailedURL, Title: title, Text: "♲"})
	}
	if len(sub.highlightTypes) > 0 {
		row.Flags = append(row.Flags, pageLink{
			Href:  "/highlights/all.html#" + itoa(sub.submissionID),
			Title: "Interesting log excerpts found: " + strings.Join(sub.highlightTypes, ", "),
			Text:  "⚠",
		})
	}
	if sub.lastBranchMessageID != nil {
		row.Flags = append(row.Flags, pageLink{
			Href:  "https://www.postgresql.org/message-id/" + *sub.lastBranchMessageID,
			Title: "Patch email",
			Text:  "✉",
		})
	}
	branch := "cf/" + itoa(sub.submissionID)
	row.Flags = append(row.Flags,
		pageLink{
			Href:  "https://github.com/" + s.cfg.GithubFullRepo + "/compare/" + branch + "~1..." + branch,
			Title: "Diff on GitHub",
			Text:  "D",
		},
		pageLink{
			Href:  "https://cirrus-ci.com/github/" + s.cfg.GithubFullRepo + "/" + branch,
			Title: "Test history",
			Text:  "H",
		})
	for _, r := range sub.results {
		row.Badges = append(row.Badges, resultBadge{
			URL:  "https://cirrus-ci.com/task/" + r.taskID,
			Icon: badgeFor(r, runtimes),
		})
	}
	return row
}

func badgeFor(r buildResult, runtimes map[string]float64) template.HTML {
	alt := r.taskName + ": " + r.status
	switch r.status {
	case "COMPLETED":
		if r.isNew {
			return newSuccessBadge(alt + " (new)")
		}
		return oldSuccessBadge(alt)
	case "FAILED", "ABORTED", "ERRORED":
		if r.isNew {
			return newFailureBadge(alt + " (new)")
		}
		return oldFailureBadge(alt)
	case "CREATED":
		return waitingBadge(alt)
	}
	expected, ok := runtimes[r.taskName]
	if !ok {
		expected = 60 * 30
	}
	fraction := 0.1
	if r.age > 0 && expected > 0 {
		fraction = r.age / expected
	}
	if fraction <= 0 {
		fraction = 0.1
	}
	if fraction >= 0.9 {
		fraction = 0.9
	}
	return buildingBadge(fraction, alt)
}

func containsAuthor(authors []string, author string) bool {
	for _, a := range authors {
		if a == author {
			return true
		}
	}
	return false
}

func itoa(v int64) string {
	return strconv.FormatInt(v, 10)
}
