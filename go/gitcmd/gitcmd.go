// Package gitcmd runs git against on-disk repositories: the template clone of
// the upstream project and the burner clone patches are applied in.
package gitcmd

import (
	"context"
	"os"
	"os/exec"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// GitDir is a directory in which one may run git commands.
type GitDir string

// Dir returns the working directory of the GitDir.
func (g GitDir) Dir() string {
	return string(g)
}

// Git runs the given git command in the GitDir and returns combined
// stdout+stderr.
func (g GitDir) Git(ctx context.Context, cmd ...string) (string, error) {
	return g.gitWithEnv(ctx, nil, cmd...)
}

func (g GitDir) gitWithEnv(ctx context.Context, extraEnv []string, cmd ...string) (string, error) {
	c := exec.CommandContext(ctx, "git", cmd...)
	c.Dir = string(g)
	if len(extraEnv) > 0 {
		c.Env = append(os.Environ(), extraEnv...)
	}
	out, err := c.CombinedOutput()
	if err != nil {
		return string(out), errors.Wrapf(err, "git %s in %s: %s", strings.Join(cmd, " "), g, out)
	}
	return string(out), nil
}

// RevParse returns the commit id the given ref points at.
func (g GitDir) RevParse(ctx context.Context, ref string) (string, error) {
	out, err := g.Git(ctx, "rev-parse", ref)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

// UpdateToMaster discards local changes and pulls the current upstream master
// into the template repository.
func (g GitDir) UpdateToMaster(ctx context.Context) error {
	for _, cmd := range [][]string{
		{"checkout", "-q", "."},
		{"clean", "-fd"},
		{"checkout", "-q", "master"},
		{"pull", "-q"},
	} {
		if _, err := g.Git(ctx, cmd...); err != nil {
			return err
		}
	}
	return nil
}

// CheckoutNewBranch deletes any existing branch of that name and checks out a
// fresh one at HEAD.
func (g GitDir) CheckoutNewBranch(ctx context.Context, branch string) error {
	// Ignore failure: the branch usually does not exist yet.
	_, _ = g.Git(ctx, "branch", "-q", "-D", branch)
	_, err := g.Git(ctx, "checkout", "-q", "-b", branch)
	return err
}

// CommitAll stages everything and commits it with the given message.
func (g GitDir) CommitAll(ctx context.Context, message string) error {
	if _, err := g.Git(ctx, "add", "-A"); err != nil {
		return err
	}
	f, err := os.CreateTemp("", "cfbot-commit-msg-")
	if err != nil {
		return errors.Wrap(err, "creating commit message file")
	}
	defer func() { _ = os.Remove(f.Name()) }()
	if _, err := f.WriteString(message); err != nil {
		_ = f.Close()
		return errors.Wrap(err, "writing commit message file")
	}
	if err := f.Close(); err != nil {
		return errors.Wrap(err, "closing commit message file")
	}
	_, err = g.Git(ctx, "commit", "-q", "-F", f.Name())
	return err
}

// ForcePush pushes the branch to the named remote, with the configured ssh
// command in the environment.
func (g GitDir) ForcePush(ctx context.Context, remote, branch, sshCommand string) error {
	var env []string
	if sshCommand != "" {
		env = []string{"GIT_SSH_COMMAND=" + sshCommand}
	}
	_, err := g.gitWithEnv(ctx, env, "push", "-q", "-f", remote, branch)
	return err
}

// DiffStat is the additions/deletions summary of one range.
type DiffStat struct {
	Additions int
	Deletions int
}

// NumStat runs git diff --numstat over the given range and sums the counts.
// Binary files report "-" and are skipped.
func (g GitDir) NumStat(ctx context.Context, rangeSpec string) (DiffStat, error) {
	out, err := g.Git(ctx, "diff", "--numstat", rangeSpec)
	if err != nil {
		return DiffStat{}, err
	}
	return sumNumStat(out), nil
}

// PatchNumStat reports the additions/deletions a patch file would make. git
// apply --numstat only parses the file, so this works whether or not the
// patch has been applied to the tree.
func (g GitDir) PatchNumStat(ctx context.Context, patchPath string) (DiffStat, error) {
	out, err := g.Git(ctx, "apply", "--numstat", patchPath)
	if err != nil {
		return DiffStat{}, err
	}
	return sumNumStat(out), nil
}

func sumNumStat(out string) DiffStat {
	var st DiffStat
	for _, line := range strings.Split(out, "\n") {
		fields := strings.Fields(line)
		if len(fields) < 3 {
			continue
		}
		if add, err := strconv.Atoi(fields[0]); err == nil {
			st.Additions += add
		}
		if del, err := strconv.Atoi(fields[1]); err == nil {
			st.Deletions += del
		}
	}
	return st
}
