// Package plugin runs a package's INSTALL/REMOVE shell scripts inside the
// target rootdir (spec.md §4.9), optionally through a chroot when rootdir
// is not "/". Grounded on the teacher's cmdutil.CommandRunner abstraction
// (itself adapted from util.CommandRunner), so tests can swap in a fake
// runner instead of spawning a real shell.
package plugin

import (
	"context"
	"os/exec"

	"github.com/voidlinux/xbpsgo/cmdutil"
	"github.com/voidlinux/xbpsgo/xbpserr"
)

// Action identifies which lifecycle point a script is invoked for.
type Action string

const (
	Pre            Action = "pre"
	Post           Action = "post"
	Remove         Action = "remove"
	Purge          Action = "purge"
	ShowInstallMsg Action = "show-install-msg"
	ShowRemoveMsg  Action = "show-remove-msg"
)

// Env describes the environment a script runs under.
type Env struct {
	Rootdir    string
	Prefix     string
	Arch       string
	TargetArch string
}

// Runner drives a single package's lifecycle script.
type Runner struct {
	cmd cmdutil.CommandRunner
}

// New returns a Runner using the default subprocess command runner.
func New() *Runner {
	return &Runner{cmd: &cmdutil.DefaultRunner{}}
}

// NewWithRunner allows tests to substitute a fake CommandRunner.
func NewWithRunner(r cmdutil.CommandRunner) *Runner {
	return &Runner{cmd: r}
}

// Run executes scriptPath (already extracted under env.Rootdir) with
// arguments "pkgname version action". If env.Rootdir is not "/", the
// script runs via chroot(8) into that directory. A non-zero exit returns
// an *xbpserr.Error classified as Again (the caller decides whether
// FORCE_CONFIGURE downgrades it to a warning); Run itself never
// suppresses the failure.
func (r *Runner) Run(ctx context.Context, env Env, scriptPath, pkgname, version string, action Action) error {
	args := []string{pkgname, version, string(action)}

	var cmd *exec.Cmd
	if env.Rootdir == "" || env.Rootdir == "/" {
		cmd = exec.CommandContext(ctx, scriptPath, args...)
	} else {
		chrootArgs := append([]string{env.Rootdir, scriptPath}, args...)
		cmd = exec.CommandContext(ctx, "chroot", chrootArgs...)
	}

	cmd.Env = []string{
		"PATH=/usr/bin:/bin:/usr/sbin:/sbin",
		"XBPS_PREFIX=" + env.Prefix,
		"XBPS_ARCH=" + env.Arch,
	}
	if env.TargetArch != "" {
		cmd.Env = append(cmd.Env, "XBPS_TARGET_ARCH="+env.TargetArch)
	}

	stdout, stderr, err := r.cmd.Run(ctx, cmd)
	if err != nil {
		return xbpserr.Wrap(xbpserr.Again, err, "running %s %s for %s: stdout=%q stderr=%q",
			scriptPath, action, pkgname, stdout, stderr)
	}
	return nil
}
