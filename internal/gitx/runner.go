// Package gitx wraps the git operations ccm needs for its worktree
// pool. All git access goes through CommandRunner so tests can run
// without a repository.
package gitx

import (
	"bytes"
	"os/exec"
	"strings"
)

// CommandRunner is the seam between the worktree pool and the git
// binary. Production code uses ExecRunner; tests substitute a fake
// that serves canned responses.
type CommandRunner interface {
	// Run executes name with args in workDir and returns trimmed
	// stdout. On failure the error message carries stderr, falling
	// back to stdout and then the exec error.
	Run(workDir string, name string, args ...string) (stdout string, err error)
}

// ExecRunner shells out with os/exec.
type ExecRunner struct{}

// NewExecRunner returns a CommandRunner backed by the local git binary.
func NewExecRunner() *ExecRunner {
	return &ExecRunner{}
}

// Run implements CommandRunner.
func (r *ExecRunner) Run(workDir, name string, args ...string) (string, error) {
	cmd := exec.Command(name, args...)
	cmd.Dir = workDir

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		errMsg := strings.TrimSpace(stderr.String())
		if errMsg == "" {
			errMsg = strings.TrimSpace(stdout.String())
		}
		if errMsg == "" {
			errMsg = err.Error()
		}
		return errMsg, &CommandError{
			Command: name,
			Args:    args,
			WorkDir: workDir,
			Output:  errMsg,
			Err:     err,
		}
	}

	return strings.TrimSpace(stdout.String()), nil
}

// CommandError records a failed command with enough context to log
// and to unwrap the underlying exit error.
type CommandError struct {
	Command string
	Args    []string
	WorkDir string
	Output  string
	Err     error
}

func (e *CommandError) Error() string {
	if e.Output != "" {
		return e.Output
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	return "command failed"
}

func (e *CommandError) Unwrap() error {
	return e.Err
}

// RepoRoot resolves the top-level directory of the repository
// containing dir.
func RepoRoot(runner CommandRunner, dir string) (string, error) {
	return runner.Run(dir, "git", "rev-parse", "--show-toplevel")
}
