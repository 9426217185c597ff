package web

import (
	"bytes"
	"context"
	"fmt"
	"html/template"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/jackc/pgtype"
	"github.com/pkg/errors"

	"github.com/postgresql-cfbot/cfbot/go/dbutil"
)

type perDayRow struct {
	Task      string
	Date      string
	Total     string
	AvgOK     string
	StddevOK  string
	Count     string
}

type perTaskRow struct {
	Task    string
	Step    string
	Avg     string
	Stddev  string
	Count   string
}

type perTestRow struct {
	Task   string
	Suite  string
	Test   string
	Avg    string
	Stddev string
	Count  string
}

type statisticsPage struct {
	PerDay  []perDayRow
	PerTask []perTaskRow
	PerTest []perTestRow
}

var statisticsTmpl = template.Must(template.New("statistics").Parse(`<html>
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
      <b>Statistics</b> |
      <a href="highlights/all.html">Highlights</a>
    </p>
    <h2>Per day</h2>
    <p>
      Resources consumed per UTC day over the past month, according to Cirrus's reported "duration" value.
      Also average and stddev, but these only count successful runs because otherwise fast failures would make the data hard to interpret.
    </p>
    <table>
      <tr>
        <td width="20%">Task</td>
        <td width="10%">Date</td>
        <td width="20%" align="center">Total time</td>
        <td width="20%" align="center">Avg (success)</td>
        <td width="20%" align="center">Stddev (success)</td>
        <td width="10%" align="center">Count</td>
      </tr>
{{range .PerDay}}      <tr>
        <td>{{.Task}}</td>
        <td>{{.Date}}</td>
        <td align="right">{{.Total}}</td>
        <td align="right">{{.AvgOK}}</td>
        <td align="right">{{.StddevOK}}</td>
        <td align="right">{{.Count}}</td>
      </tr>
{{end}}    </table>
    <h2>Per task</h2>
    <p>
      Time taken, in seconds, for successfully completed task steps.  Showing
      only configure, build and test.  All numbers are shown as 7-day, 30-day
      and 90-day windows.  Perhaps we can see (very crudely) if it's speeding
      up or slowing down.
    </p>
    <table>
      <tr>
        <td width="20%">Task</td>
        <td width="20%">Step</td>
        <td width="20%" align="center">Avg.</td>
        <td width="20%" align="center">Std. dev.</td>
        <td width="20%" align="center">Count</td>
      </tr>
{{range .PerTask}}      <tr>
        <td>{{.Task}}</td>
        <td>{{.Step}}</td>
        <td align="right">{{.Avg}}</td>
        <td align="right">{{.Stddev}}</td>
        <td align="right">{{.Count}}</td>
      </tr>
{{end}}    </table>
    <h2>Per test</h2>
    <p>
      Time taken for individual tests (Meson builds only, successful tasks
      only).  Again, numbers are 7-day, 30-day, 90-day.
    </p>
    <table>
      <tr>
        <td width="20%">Task</td>
        <td width="10%">Suite</td>
        <td width="10%">Test</td>
        <td width="20%" align="center">Avg.</td>
        <td width="20%" align="center">Std. dev.</td>
        <td width="20%" align="center">Count</td>
      </tr>
{{range .PerTest}}      <tr>
        <td>{{.Task}}</td>
        <td>{{.Suite}}</td>
        <td>{{.Test}}</td>
        <td align="right">{{.Avg}}</td>
        <td align="right">{{.Stddev}}</td>
        <td align="right">{{.Count}}</td>
      </tr>
{{end}}    </table>
  </body>
</html>
`))

// RebuildStatisticsPage regenerates statistics.html.
func (s *Site) RebuildStatisticsPage(ctx context.Context) error {
	var page statisticsPage
	var err error
	if page.PerDay, err = s.loadPerDay(ctx); err != nil {
		return err
	}
	if page.PerTask, err = s.loadPerTask(ctx); err != nil {
		return err
	}
	if page.PerTest, err = s.loadPerTest(ctx); err != nil {
		return err
	}
	var buf bytes.Buffer
	if err := statisticsTmpl.Execute(&buf, page); err != nil {
		return errors.Wrap(err, "rendering statistics page")
	}
	return writePage(filepath.Join(s.cfg.WebRoot, "statistics.html"), buf.Bytes())
}

func (s *Site) loadPerDay(ctx context.Context) ([]perDayRow, error) {
	rows, err := s.db.Query(ctx, `
		WITH subtotals AS (
		    SELECT t.created::date AS date,
		           t.task_name,
		           t.task_id,
		           t.status,
		           sum(c.duration) AS duration
		      FROM task t
		      JOIN task_command c USING (task_id)
		     WHERE t.created BETWEEN date_trunc('day', now() - interval '30 days')
		                         AND date_trunc('day', now())
		       AND t.status NOT IN ('CREATED', 'ABORTED')
		     GROUP BY 1, 2, 3)
		SELECT task_name,
		       date,
		       EXTRACT(epoch FROM sum(duration))::float8,
		       EXTRACT(epoch FROM avg(duration) FILTER (WHERE status = 'COMPLETED'))::float8,
		       stddev(EXTRACT(epoch FROM duration)) FILTER (WHERE status = 'COMPLETED')::float8,
		       count(*)
		  FROM subtotals
		 GROUP BY date, task_name
		 ORDER BY task_name, date`)
	if err != nil {
		return nil, dbutil.WrappedError(err)
	}
	defer rows.Close()
	var out []perDayRow
	lastTask := ""
	for rows.Next() {
		var task string
		var date time.Time
		var total pgtype.Float8
		var avg, stddev pgtype.Float8
		var count int64
		if err := rows.Scan(&task, &date, &total, &avg, &stddev, &count); err != nil {
			return nil, dbutil.WrappedError(err)
		}
		row := perDayRow{
			Date:     date.Format("2006-01-02"),
			Total:    formatSeconds(total),
			AvgOK:    formatSeconds(avg),
			StddevOK: formatStddev(stddev),
			Count:    humanize.Comma(count),
		}
		if task != lastTask {
			row.Task = task
			lastTask = task
		}
		out = append(out, row)
	}
	return out, dbutil.WrappedError(rows.Err())
}

func (s *Site) loadPerTask(ctx context.Context) ([]perTaskRow, error) {
	rows, err := s.db.Query(ctx, `
		SELECT t.task_name,
		       c.name,
		       `+windowedAggregates("c.duration", "t.created")+`
		  FROM task t
		  JOIN task_command c USING (task_id)
		 WHERE c.name IN ('configure', 'configure_32', 'build', 'build_32',
		                  'test_world', 'test_world_32', 'check_world')
		   AND t.status = 'COMPLETED'
		 GROUP BY 1, 2
		 ORDER BY 1, 2`)
	if err != nil {
		return nil, dbutil.WrappedError(err)
	}
	defer rows.Close()
	var out []perTaskRow
	lastTask := ""
	for rows.Next() {
		var task, step string
		var w windowed
		if err := rows.Scan(&task, &step, &w.count7, &w.avg7, &w.stddev7, &w.count30, &w.avg30, &w.stddev30, &w.count90, &w.avg90, &w.stddev90); err != nil {
			return nil, dbutil.WrappedError(err)
		}
		row := perTaskRow{Step: step, Avg: w.avgs(), Stddev: w.stddevs(), Count: w.counts()}
		if task != lastTask {
			row.Task = task
			lastTask = task
		}
		out = append(out, row)
	}
	return out, dbutil.WrappedError(rows.Err())
}

func (s *Site) loadPerTest(ctx context.Context) ([]perTestRow, error) {
	rows, err := s.db.Query(ctx, `
		SELECT task.task_name,
		       test.command,
		       test.suite,
		       test.name,
		       `+windowedAggregates("test.duration", "task.created")+`
		  FROM task
		  JOIN test USING (task_id)
		 WHERE task.status = 'COMPLETED'
		   AND test.result = 'OK'
		 GROUP BY 1, 2, 3, 4
		 ORDER BY 1, 2, 3, 4`)
	if err != nil {
		return nil, dbutil.WrappedError(err)
	}
	defer rows.Close()
	var out []perTestRow
	lastTask := ""
	lastSuite := ""
	for rows.Next() {
		var task, command, suite, test string
		var w windowed
		if err := rows.Scan(&task, &command, &suite, &test, &w.count7, &w.avg7, &w.stddev7, &w.count30, &w.avg30, &w.stddev30, &w.count90, &w.avg90, &w.stddev90); err != nil {
			return nil, dbutil.WrappedError(err)
		}
		// A "/32" marker is cheaper than a whole column for the command.
		if len(command) > 2 && command[len(command)-2:] == "32" {
			task += "/32"
		}
		row := perTestRow{Test: test, Avg: w.avgs(), Stddev: w.stddevs(), Count: w.counts()}
		if task != lastTask {
			row.Task = task
			lastTask = task
		}
		if suite != lastSuite {
			row.Suite = suite
			lastSuite = suite
		}
		out = append(out, row)
	}
	return out, dbutil.WrappedError(rows.Err())
}

// windowedAggregates expands to the 7/30/90-day count, average and stddev
// columns over an interval column.
func windowedAggregates(durationCol, createdCol string) string {
	out := ""
	for i, days := range []string{"7", "30", "90"} {
		if i > 0 {
			out += ",\n"
		}
		window := createdCol + " > now() - interval '" + days + " days'"
		out += "count(*) FILTER (WHERE " + window + "),\n"
		out += "avg(EXTRACT(epoch FROM " + durationCol + ")) FILTER (WHERE " + window + ")::float8,\n"
		out += "stddev(EXTRACT(epoch FROM " + durationCol + ")) FILTER (WHERE " + window + ")::float8"
	}
	return out
}

type windowed struct {
	count7, count30, count90    int64
	avg7, avg30, avg90          pgtype.Float8
	stddev7, stddev30, stddev90 pgtype.Float8
}

func (w windowed) avgs() string {
	return fmt.Sprintf("%.2f, %.2f, %.2f", w.avg7.Float, w.avg30.Float, w.avg90.Float)
}

func (w windowed) stddevs() string {
	return fmt.Sprintf("%.2f, %.2f, %.2f", w.stddev7.Float, w.stddev30.Float, w.stddev90.Float)
}

func (w windowed) counts() string {
	return fmt.Sprintf("%d, %d, %d", w.count7, w.count30, w.count90)
}

// formatSeconds renders a second count as a rounded duration, like
// "2h3m10s".
func formatSeconds(v pgtype.Float8) string {
	if v.Status != pgtype.Present {
		return "0s"
	}
	return (time.Duration(v.Float * float64(time.Second))).Round(time.Second).String()
}

func formatStddev(v pgtype.Float8) string {
	if v.Status != pgtype.Present {
		return "0.00"
	}
	return fmt.Sprintf("%.2f", v.Float)
}
