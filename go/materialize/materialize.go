// Package materialize turns the chosen submission into a pushed git branch:
// it refreshes the template repository, downloads the latest patch set into
// the sandbox, applies it, commits the result and records a branch row.
package materialize

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"sort"
	"time"

	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/postgresql-cfbot/cfbot/go/archive"
	"github.com/postgresql-cfbot/cfbot/go/commitfest"
	"github.com/postgresql-cfbot/cfbot/go/config"
	"github.com/postgresql-cfbot/cfbot/go/dbutil"
	"github.com/postgresql-cfbot/cfbot/go/gitcmd"
	"github.com/postgresql-cfbot/cfbot/go/httpclient"
	"github.com/postgresql-cfbot/cfbot/go/patchburner"
	"github.com/postgresql-cfbot/cfbot/go/submission"
	"github.com/postgresql-cfbot/cfbot/go/workqueue"
)

// archiveSettle is how long to wait before reading the thread, to close the
// race against the archive showing the message that moved last_email_time.
const archiveSettle = 10 * time.Second

var branchesCreated = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "cfbot_branches_created",
	Help: "Branches recorded, by apply outcome.",
}, []string{"status"})

// Materializer builds branches.
type Materializer struct {
	cfg    config.Config
	db     *pgxpool.Pool
	http   *httpclient.Client
	cf     *commitfest.Client
	ar     *archive.Client
	burner *patchburner.Ctl
	sched  *submission.Store
}

// New returns a Materializer.
func New(cfg config.Config, db *pgxpool.Pool, http *httpclient.Client, cf *commitfest.Client, ar *archive.Client) *Materializer {
	return &Materializer{
		cfg:    cfg,
		db:     db,
		http:   http,
		cf:     cf,
		ar:     ar,
		burner: patchburner.New(cfg.PatchburnerCtl),
		sched:  submission.New(cfg),
	}
}

// MaybeProcessOne materialises at most one branch, if the rate limit allows
// and any submission deserves it.
func (m *Materializer) MaybeProcessOne(ctx context.Context, activeCommitfests []int64) error {
	limited, err := m.sched.NeedToLimitRate(ctx, m.db)
	if err != nil {
		return err
	}
	if limited {
		zap.S().Info("rate limiting in effect, see CONCURRENT_BUILDS")
		return nil
	}
	candidate, err := m.sched.Choose(ctx, m.db, activeCommitfests)
	if err != nil || candidate == nil {
		return err
	}
	return m.ProcessSubmission(ctx, candidate.CommitfestID, candidate.SubmissionID)
}

// ProcessSubmission materialises one submission unconditionally.
func (m *Materializer) ProcessSubmission(ctx context.Context, commitfestID, submissionID int64) error {
	templatePath, err := m.burner.TemplateRepoPath(ctx)
	if err != nil {
		return err
	}
	burnerPath, err := m.burner.BurnerRepoPath(ctx)
	if err != nil {
		return err
	}
	patchDir, err := m.burner.BurnerPatchPath(ctx)
	if err != nil {
		return err
	}

	template := gitcmd.GitDir(templatePath)
	if err := template.UpdateToMaster(ctx); err != nil {
		return err
	}
	baseCommit, err := template.RevParse(ctx, "HEAD")
	if err != nil {
		return err
	}
	zap.S().Infof("processing submission %d, %d", commitfestID, submissionID)

	if err := m.burner.Destroy(ctx); err != nil {
		return err
	}
	if err := m.burner.Create(ctx); err != nil {
		return err
	}

	if m.cfg.SlowFetchSleep > 0 {
		time.Sleep(archiveSettle)
	}
	threadURL, err := m.cf.ThreadURLForSubmission(ctx, submissionID)
	if err != nil {
		return err
	}
	if threadURL == "" {
		zap.S().Infof("skipping submission %d with no thread", submissionID)
		return m.updateSubmission(ctx, nil, nil, commitfestID, submissionID)
	}
	set, err := m.ar.LatestPatchSet(ctx, threadURL)
	if err != nil {
		return err
	}
	if set == nil {
		zap.S().Infof("skipping submission %d with no usable patch set", submissionID)
		return m.updateSubmission(ctx, nil, nil, commitfestID, submissionID)
	}

	files, err := m.downloadPatches(ctx, set.Attachments, patchDir)
	if err != nil {
		return err
	}

	output, applied, err := m.burner.Apply(ctx)
	if err != nil {
		return err
	}
	logURL, err := m.writeApplyLog(commitfestID, submissionID, baseCommit, output)
	if err != nil {
		return err
	}

	if !applied {
		zap.S().Infof("failed to apply (%d, %d)", commitfestID, submissionID)
		if err := m.recordBranch(ctx, commitfestID, submissionID, "failed", logURL, nil, nil); err != nil {
			return err
		}
		return m.updateSubmission(ctx, &set.MessageID, &baseCommit, commitfestID, submissionID)
	}
	zap.S().Infof("applied patches for (%d, %d)", commitfestID, submissionID)

	burner := gitcmd.GitDir(burnerPath)
	stats := m.patchStats(ctx, burner, files)
	branchName := fmt.Sprintf("cf/%d", submissionID)
	if err := burner.CheckoutNewBranch(ctx, branchName); err != nil {
		return err
	}
	message, err := m.commitMessage(ctx, commitfestID, submissionID, set.MessageID)
	if err != nil {
		return err
	}
	if err := burner.CommitAll(ctx, message); err != nil {
		return err
	}
	ciCommit, err := burner.RevParse(ctx, "HEAD")
	if err != nil {
		return err
	}
	if m.cfg.GitRemoteName != "" {
		zap.S().Infof("pushing branch %s", branchName)
		if err := burner.ForcePush(ctx, m.cfg.GitRemoteName, branchName, m.cfg.GitSSHCommand); err != nil {
			return err
		}
	}
	if err := m.recordBranch(ctx, commitfestID, submissionID, "testing", logURL, &ciCommit, stats); err != nil {
		return err
	}
	if err := m.updateSubmission(ctx, &set.MessageID, &baseCommit, commitfestID, submissionID); err != nil {
		return err
	}

	// Without a remote the burner is left around so the result of the apply
	// can be inspected.
	if m.cfg.GitRemoteName != "" {
		return m.burner.Destroy(ctx)
	}
	return nil
}

// downloadPatches fetches every attachment into the sandbox patch directory
// and returns the local paths.
func (m *Materializer) downloadPatches(ctx context.Context, patchURLs []string, patchDir string) ([]string, error) {
	var files []string
	for _, patchURL := range patchURLs {
		parsed, err := url.Parse(patchURL)
		if err != nil {
			return nil, errors.Wrapf(err, "parsing %s", patchURL)
		}
		body, err := m.http.Fetch(ctx, patchURL)
		if err != nil {
			return nil, err
		}
		if body == nil {
			return nil, httpclient.Transient(errors.Errorf("attachment %s has gone away", patchURL))
		}
		dest := filepath.Join(patchDir, path.Base(parsed.Path))
		if err := os.WriteFile(dest, body, 0o644); err != nil {
			return nil, errors.Wrapf(err, "writing %s", dest)
		}
		files = append(files, dest)
	}
	sort.Strings(files)
	return files, nil
}

// branchStats are the size measurements recorded with a testing branch.
type branchStats struct {
	patchCount int
	version    *string
	first      *gitcmd.DiffStat
	all        *gitcmd.DiffStat
}

// patchStats measures the patch set before it is committed. Failures here are
// tolerable: compressed patches cannot be parsed by git apply, and a branch
// without size numbers is better than no branch.
func (m *Materializer) patchStats(ctx context.Context, repo gitcmd.GitDir, files []string) *branchStats {
	stats := &branchStats{
		patchCount: len(files),
		version:    VersionFromFilenames(files),
	}
	if len(files) == 0 {
		return stats
	}
	if first, err := repo.PatchNumStat(ctx, files[0]); err != nil {
		zap.S().Warnf("no numstat for %s: %s", files[0], err)
	} else {
		stats.first = &first
	}
	var all gitcmd.DiffStat
	for _, f := range files {
		st, err := repo.PatchNumStat(ctx, f)
		if err != nil {
			zap.S().Warnf("no numstat for %s: %s", f, err)
			return stats
		}
		all.Additions += st.Additions
		all.Deletions += st.Deletions
	}
	stats.all = &all
	return stats
}

var patchVersion = regexp.MustCompile(`(?i)(?:^|[^a-z0-9])v(\d+)[-_.]`)

// VersionFromFilenames extracts the patch set version, e.g. "v2" from
// "v2-0001-Fix-the-thing.patch". Nil when no file carries one.
func VersionFromFilenames(files []string) *string {
	for _, f := range files {
		if m := patchVersion.FindStringSubmatch(filepath.Base(f)); m != nil {
			v := "v" + m[1]
			return &v
		}
	}
	return nil
}

// writeApplyLog publishes the sandbox output under WebRoot and returns its
// public URL. Written to a temp file and renamed so readers never see a
// partial log.
func (m *Materializer) writeApplyLog(commitfestID, submissionID int64, baseCommit, output string) (string, error) {
	name := fmt.Sprintf("patch_%d_%d.log", commitfestID, submissionID)
	content := fmt.Sprintf("=== Applying patches on top of PostgreSQL commit ID %s ===\n%s", baseCommit, output)
	tmp, err := os.CreateTemp(m.cfg.WebRoot, name+".tmp")
	if err != nil {
		return "", errors.Wrap(err, "creating apply log")
	}
	defer func() { _ = os.Remove(tmp.Name()) }()
	if _, err := tmp.WriteString(content); err != nil {
		_ = tmp.Close()
		return "", errors.Wrap(err, "writing apply log")
	}
	if err := tmp.Close(); err != nil {
		return "", errors.Wrap(err, "closing apply log")
	}
	if err := os.Rename(tmp.Name(), filepath.Join(m.cfg.WebRoot, name)); err != nil {
		return "", errors.Wrap(err, "publishing apply log")
	}
	return m.cfg.WebURL + "/" + name, nil
}

// commitMessage composes the deterministic commit message for a branch.
func (m *Materializer) commitMessage(ctx context.Context, commitfestID, submissionID int64, messageID string) (string, error) {
	var name, authors string
	err := m.db.QueryRow(ctx, `
		SELECT name, authors
		  FROM submission
		 WHERE commitfest_id = $1 AND submission_id = $2`,
		commitfestID, submissionID).Scan(&name, &authors)
	if err != nil {
		return "", dbutil.WrappedError(err)
	}
	robotHost := m.cfg.WebURL
	if parsed, err := url.Parse(m.cfg.WebURL); err == nil && parsed.Host != "" {
		robotHost = parsed.Host
	}
	return CommitMessage(m.cfg.CommitfestHost, robotHost, commitfestID, submissionID, name, messageID, authors), nil
}

// CommitMessage renders the commit message template.
func CommitMessage(commitfestHost, robotHost string, commitfestID, submissionID int64, name, messageID, authors string) string {
	return fmt.Sprintf(`[CF %d/%d] %s

This commit was automatically generated by a robot at %s.
It is based on patches submitted to the PostgreSQL mailing lists and
registered in the PostgreSQL Commitfest application.

This branch will be overwritten each time a new patch version is posted to
the email thread, and also periodically to check for bitrot caused by changes
on the master branch.

Commitfest entry: %s/%d/%d
Patch(es): https://www.postgresql.org/message-id/%s
Author(s): %s
`, commitfestID, submissionID, name, robotHost, commitfestHost, commitfestID, submissionID, messageID, authors)
}

// recordBranch inserts the branch row and queues the status callback.
func (m *Materializer) recordBranch(ctx context.Context, commitfestID, submissionID int64, status, logURL string, commitID *string, stats *branchStats) error {
	return m.db.BeginFunc(ctx, func(tx pgx.Tx) error {
		var patchCount, firstAdd, firstDel, allAdd, allDel *int
		var version *string
		if stats != nil {
			patchCount = &stats.patchCount
			version = stats.version
			if stats.first != nil {
				firstAdd, firstDel = &stats.first.Additions, &stats.first.Deletions
			}
			if stats.all != nil {
				allAdd, allDel = &stats.all.Additions, &stats.all.Deletions
			}
		}
		var branchID int64
		err := tx.QueryRow(ctx, `
			INSERT INTO branch (commitfest_id, submission_id, commit_id, status, url,
			                    created, modified, version, patch_count,
			                    first_additions, first_deletions, all_additions, all_deletions)
			VALUES ($1, $2, $3, $4, $5, now(), now(), $6, $7, $8, $9, $10, $11)
			RETURNING id`,
			commitfestID, submissionID, commitID, status, logURL,
			version, patchCount, firstAdd, firstDel, allAdd, allDel).Scan(&branchID)
		if err != nil {
			return dbutil.WrappedError(err)
		}
		branchesCreated.WithLabelValues(status).Inc()
		key := fmt.Sprintf("%d", branchID)
		return workqueue.Enqueue(ctx, tx, workqueue.PostBranchStatus, &key)
	})
}

// updateSubmission records what was built. last_message_id is deliberately
// clobbered too: the commitfest app sometimes reports a new email before the
// flat thread shows it, and without this we would rebuild in a loop.
func (m *Materializer) updateSubmission(ctx context.Context, messageID, commitID *string, commitfestID, submissionID int64) error {
	_, err := m.db.Exec(ctx, `
		UPDATE submission
		   SET last_message_id = $1,
		       last_branch_message_id = $1,
		       last_branch_commit_id = $2,
		       last_branch_time = now()
		 WHERE commitfest_id = $3 AND submission_id = $4`,
		messageID, commitID, commitfestID, submissionID)
	return dbutil.WrappedError(err)
}
