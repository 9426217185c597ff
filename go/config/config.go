// Package config holds the single configuration record shared by all cfbot
// processes. Every value can be set by flag or by environment variable; the
// record is constructed once in main and passed down explicitly.
package config

import (
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/urfave/cli/v2"
)

// Config collects every option recognised by cfbot.
type Config struct {
	// DSN is the connection string for the Postgres database that is the
	// system of record.
	DSN string

	// LockFile guards the minute tick against overlapping runs.
	LockFile string

	// WebRoot is the directory the generated static site is written to.
	WebRoot string

	// WebURL is the public base URL under which WebRoot is served. Apply
	// logs are linked as <WebURL>/<logfile>.
	WebURL string

	// PatchburnerCtl is the path of the sandbox control script.
	PatchburnerCtl string

	// UserAgent is sent on every outbound HTTP request.
	UserAgent string

	// Timeout bounds every outbound HTTP request.
	Timeout time.Duration

	// SlowFetchSleep is the pause after each archive/commitfest fetch, to be
	// kind to those servers.
	SlowFetchSleep time.Duration

	// ConcurrentBuilds is the maximum number of branches allowed to sit in
	// status 'testing' before the scheduler stops materialising new ones.
	ConcurrentBuilds int

	// CycleTime is how long a full bitrot sweep over all eligible
	// submissions should take.
	CycleTime time.Duration

	// ConcurrentQueueWorkers limits the worker pool size.
	ConcurrentQueueWorkers int

	// CirrusUser and CirrusRepo identify the repository on Cirrus CI.
	CirrusUser string
	CirrusRepo string

	// GithubFullRepo is the owner/name of the hosted repository branches are
	// pushed to, used in generated links.
	GithubFullRepo string

	// GitRemoteName is the remote branches are pushed to. Empty disables
	// pushing (useful for local testing).
	GitRemoteName string

	// GitSSHCommand is placed in GIT_SSH_COMMAND for pushes.
	GitSSHCommand string

	// CommitfestHost is the base URL of the Commitfest application.
	CommitfestHost string

	// CommitfestPostURL receives branch and task status callbacks. Empty
	// means log-only.
	CommitfestPostURL string

	// CommitfestSharedSecret authenticates callbacks and the requeue
	// endpoint.
	CommitfestSharedSecret string

	// RetentionLargeObjects is the age in days after which artifact bodies
	// and command logs are nulled out.
	RetentionLargeObjects int

	// RetentionAll is the age in days after which builds and everything
	// hanging off them are deleted.
	RetentionAll int

	// IgnoreSubmissions are submission ids the scheduler must never pick.
	IgnoreSubmissions []int64

	// WebhookAddr is the listen address of the webhook endpoint.
	WebhookAddr string
}

// Flags returns the cli flag set that populates a Config. Every flag has an
// environment variable binding so the processes can be configured entirely
// from the environment under a supervisor.
func Flags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{Name: "dsn", EnvVars: []string{"DSN"}, Value: "postgres://cfbot@localhost/cfbot", Usage: "Postgres connection string."},
		&cli.StringFlag{Name: "lock-file", EnvVars: []string{"LOCK_FILE"}, Value: "/tmp/cfbot-minute-tick.lock", Usage: "Lock file guarding the minute tick."},
		&cli.StringFlag{Name: "web-root", EnvVars: []string{"WEB_ROOT"}, Value: "www", Usage: "Directory the static site is written to."},
		&cli.StringFlag{Name: "web-url", EnvVars: []string{"WEB_URL"}, Value: "http://cfbot.cputube.org", Usage: "Public base URL for WEB_ROOT."},
		&cli.StringFlag{Name: "patchburner-ctl", EnvVars: []string{"PATCHBURNER_CTL"}, Value: "/usr/local/bin/patchburner-ctl", Usage: "Sandbox control script."},
		&cli.StringFlag{Name: "user-agent", EnvVars: []string{"USER_AGENT"}, Value: "cfbot from cfbot.cputube.org", Usage: "User-Agent for outbound requests."},
		&cli.DurationFlag{Name: "timeout", EnvVars: []string{"TIMEOUT"}, Value: 60 * time.Second, Usage: "Timeout for outbound HTTP requests."},
		&cli.DurationFlag{Name: "slow-fetch-sleep", EnvVars: []string{"SLOW_FETCH_SLEEP"}, Value: time.Second, Usage: "Sleep after each fetch from the archives."},
		&cli.IntFlag{Name: "concurrent-builds", EnvVars: []string{"CONCURRENT_BUILDS"}, Value: 4, Usage: "Maximum branches in 'testing' at once."},
		&cli.DurationFlag{Name: "cycle-time", EnvVars: []string{"CYCLE_TIME"}, Value: 48 * time.Hour, Usage: "Target duration of a full bitrot sweep."},
		&cli.IntFlag{Name: "concurrent-queue-workers", EnvVars: []string{"CONCURRENT_QUEUE_WORKERS"}, Value: 4, Usage: "Worker pool size."},
		&cli.StringFlag{Name: "cirrus-user", EnvVars: []string{"CIRRUS_USER"}, Value: "postgresql-cfbot", Usage: "Repository owner on Cirrus CI."},
		&cli.StringFlag{Name: "cirrus-repo", EnvVars: []string{"CIRRUS_REPO"}, Value: "postgresql", Usage: "Repository name on Cirrus CI."},
		&cli.StringFlag{Name: "github-full-repo", EnvVars: []string{"GITHUB_FULL_REPO"}, Value: "postgresql-cfbot/postgresql", Usage: "owner/name of the hosted repository."},
		&cli.StringFlag{Name: "git-remote-name", EnvVars: []string{"GIT_REMOTE_NAME"}, Usage: "Remote to push branches to; empty disables pushing."},
		&cli.StringFlag{Name: "git-ssh-command", EnvVars: []string{"GIT_SSH_COMMAND"}, Usage: "Value for GIT_SSH_COMMAND when pushing."},
		&cli.StringFlag{Name: "commitfest-host", EnvVars: []string{"COMMITFEST_HOST"}, Value: "https://commitfest.postgresql.org", Usage: "Base URL of the Commitfest app."},
		&cli.StringFlag{Name: "commitfest-post-url", EnvVars: []string{"COMMITFEST_POST_URL"}, Usage: "URL status callbacks are POSTed to; empty means log only."},
		&cli.StringFlag{Name: "commitfest-shared-secret", EnvVars: []string{"COMMITFEST_SHARED_SECRET"}, Usage: "Shared secret for callbacks and requeue."},
		&cli.IntFlag{Name: "retention-large-objects", EnvVars: []string{"RETENTION_LARGE_OBJECTS"}, Value: 2, Usage: "Days before artifact bodies and logs are nulled."},
		&cli.IntFlag{Name: "retention-all", EnvVars: []string{"RETENTION_ALL"}, Value: 180, Usage: "Days before builds are deleted."},
		&cli.StringFlag{Name: "ignore-submissions", EnvVars: []string{"IGNORE_SUBMISSIONS"}, Usage: "Comma-separated submission ids the scheduler skips."},
		&cli.StringFlag{Name: "webhook-addr", EnvVars: []string{"WEBHOOK_ADDR"}, Value: ":8090", Usage: "Listen address of the webhook endpoint."},
	}
}

// FromCLI builds a Config from parsed flags.
func FromCLI(c *cli.Context) (Config, error) {
	ignore, err := parseIDList(c.String("ignore-submissions"))
	if err != nil {
		return Config{}, errors.Wrap(err, "parsing --ignore-submissions")
	}
	return Config{
		DSN:                    c.String("dsn"),
		LockFile:               c.String("lock-file"),
		WebRoot:                c.String("web-root"),
		WebURL:                 strings.TrimRight(c.String("web-url"), "/"),
		PatchburnerCtl:         c.String("patchburner-ctl"),
		UserAgent:              c.String("user-agent"),
		Timeout:                c.Duration("timeout"),
		SlowFetchSleep:         c.Duration("slow-fetch-sleep"),
		ConcurrentBuilds:       c.Int("concurrent-builds"),
		CycleTime:              c.Duration("cycle-time"),
		ConcurrentQueueWorkers: c.Int("concurrent-queue-workers"),
		CirrusUser:             c.String("cirrus-user"),
		CirrusRepo:             c.String("cirrus-repo"),
		GithubFullRepo:         c.String("github-full-repo"),
		GitRemoteName:          c.String("git-remote-name"),
		GitSSHCommand:          c.String("git-ssh-command"),
		CommitfestHost:         strings.TrimRight(c.String("commitfest-host"), "/"),
		CommitfestPostURL:      c.String("commitfest-post-url"),
		CommitfestSharedSecret: c.String("commitfest-shared-secret"),
		RetentionLargeObjects:  c.Int("retention-large-objects"),
		RetentionAll:           c.Int("retention-all"),
		IgnoreSubmissions:      ignore,
		WebhookAddr:            c.String("webhook-addr"),
	}, nil
}

// IsIgnored reports whether a submission is on the configured ignore list.
func (c Config) IsIgnored(submissionID int64) bool {
	for _, id := range c.IgnoreSubmissions {
		if id == submissionID {
			return true
		}
	}
	return false
}

func parseIDList(s string) ([]int64, error) {
	if strings.TrimSpace(s) == "" {
		return nil, nil
	}
	var ids []int64
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		id, err := strconv.ParseInt(part, 10, 64)
		if err != nil {
			return nil, errors.Wrapf(err, "invalid submission id %q", part)
		}
		ids = append(ids, id)
	}
	return ids, nil
}
