package deploy

import (
	"context"
	"os/exec"
	"strings"
)

// Runner abstracts shell execution of git/gh commands for testability.
// Tests inject a recorder; production uses ExecRunner.
type Runner interface {
	Run(ctx context.Context, dir string, name string, args ...string) (stdout string, stderr string, err error)
}

// ExecRunner implements Runner using os/exec.
type ExecRunner struct{}

// Run executes a command in the given directory and returns stdout and
// stderr. A non-zero exit surfaces as err with stderr captured verbatim
// alongside.
func (r *ExecRunner) Run(ctx context.Context, dir string, name string, args ...string) (stdout, stderr string, err error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir

	var stdoutBuf, stderrBuf strings.Builder
	cmd.Stdout = &stdoutBuf
	cmd.Stderr = &stderrBuf

	err = cmd.Run()
	return stdoutBuf.String(), stderrBuf.String(), err
}
