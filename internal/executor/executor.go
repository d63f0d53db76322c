package executor

import (
	"bytes"
	"context"
	"errors"
	"os/exec"
	"strings"
	"syscall"
	"time"
)

// Kind classifies the result of one execution.
type Kind int

const (
	Success Kind = iota
	Failure
	Timeout
	SpawnError
)

// Outcome is what one run of a job command produced. Stdout and Stderr are
// always present (empty string, never missing); for Timeout they hold
// whatever partial output the process wrote before being killed.
type Outcome struct {
	Kind     Kind
	Stdout   string
	Stderr   string
	ExitCode int
	Message  string
}

// Run executes command under /bin/sh with an optional wall-clock timeout in
// seconds. The child gets its own process group; on timeout the whole group
// is killed before the outcome is reported.
func Run(ctx context.Context, command string, timeout *int) Outcome {
	runCtx := ctx
	cancel := func() {}

	if timeout != nil && *timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, time.Duration(*timeout)*time.Second)
	}
	defer cancel()

	cmd := exec.CommandContext(runCtx, "/bin/sh", "-c", command)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
	// don't hang on grandchildren holding the output pipes open
	cmd.WaitDelay = 2 * time.Second

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		return Outcome{Kind: SpawnError, Message: err.Error()}
	}

	err := cmd.Wait()

	out := strings.TrimSpace(stdout.String())
	errOut := strings.TrimSpace(stderr.String())

	if runCtx.Err() == context.DeadlineExceeded {
		return Outcome{Kind: Timeout, Stdout: out, Stderr: errOut}
	}

	if err == nil {
		return Outcome{Kind: Success, Stdout: out, Stderr: errOut}
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return Outcome{Kind: Failure, Stdout: out, Stderr: errOut, ExitCode: exitErr.ExitCode()}
	}

	return Outcome{Kind: SpawnError, Stdout: out, Stderr: errOut, Message: err.Error()}
}
