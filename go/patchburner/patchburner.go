// Package patchburner drives the external sandbox control script. The script
// owns the template clone of the upstream repository and a disposable "burner"
// clone in an isolated filesystem where patches get applied.
package patchburner

import (
	"context"
	"os/exec"
	"strings"

	"github.com/pkg/errors"
)

// Ctl wraps the patchburner control script configured as PATCHBURNER_CTL.
type Ctl struct {
	script string
}

// New returns a Ctl for the given script path.
func New(script string) *Ctl {
	return &Ctl{script: script}
}

func (c *Ctl) run(ctx context.Context, command string) (string, error) {
	out, err := exec.CommandContext(ctx, c.script, command).CombinedOutput()
	if err != nil {
		return string(out), errors.Wrapf(err, "%s %s: %s", c.script, command, out)
	}
	return string(out), nil
}

// TemplateRepoPath returns the path of the template repository clone.
func (c *Ctl) TemplateRepoPath(ctx context.Context) (string, error) {
	out, err := c.run(ctx, "template-repo-path")
	return strings.TrimSpace(out), err
}

// BurnerRepoPath returns the path of the burner repository clone.
func (c *Ctl) BurnerRepoPath(ctx context.Context) (string, error) {
	out, err := c.run(ctx, "burner-repo-path")
	return strings.TrimSpace(out), err
}

// BurnerPatchPath returns the directory patch files must be placed in so the
// sandbox can see them.
func (c *Ctl) BurnerPatchPath(ctx context.Context) (string, error) {
	out, err := c.run(ctx, "burner-patch-path")
	return strings.TrimSpace(out), err
}

// Create builds a fresh sandbox.
func (c *Ctl) Create(ctx context.Context) error {
	_, err := c.run(ctx, "create")
	return err
}

// Destroy tears the sandbox down. Safe to call when none exists.
func (c *Ctl) Destroy(ctx context.Context) error {
	_, err := c.run(ctx, "destroy")
	return err
}

// Apply asks the sandbox to apply the staged patches. It returns the combined
// output and whether the patches applied cleanly; a non-zero exit from the
// script means they did not, which is a result, not an error.
func (c *Ctl) Apply(ctx context.Context) (output string, applied bool, err error) {
	out, runErr := exec.CommandContext(ctx, c.script, "apply").CombinedOutput()
	if runErr != nil {
		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) {
			return string(out), false, nil
		}
		return string(out), false, errors.Wrapf(runErr, "%s apply", c.script)
	}
	return string(out), true, nil
}
