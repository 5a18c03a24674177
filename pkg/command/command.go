package command

import (
	"bytes"
	"context"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/core-tools/hsu-mounter/pkg/errors"
	"github.com/core-tools/hsu-mounter/pkg/logging"
)

// LaunchFailureExitCode is reported when the shell itself could not be started
const LaunchFailureExitCode = -1

// Command is an opaque shell command line. It is handed to the shell verbatim,
// so pipes, redirections and variable expansion work as the user wrote them.
type Command string

// IsBlank reports whether the command is empty or whitespace only
func (c Command) IsBlank() bool {
	return strings.TrimSpace(string(c)) == ""
}

// Result describes a finished command
type Result struct {
	Succeeded bool
	ExitCode  int
	Output    string // stdout and stderr, interleaved
	Duration  time.Duration
	Err       error // set only when the command could not be launched or waited on
}

// Runner executes shell commands. A non-zero exit status is a normal failed
// Result, never an error.
type Runner interface {
	Run(ctx context.Context, cmd Command, env ...string) Result
}

type ShellRunnerOptions struct {
	// Timeout bounds a single command; zero means wait for as long as it takes
	Timeout time.Duration

	// WaitDelay bounds waiting for output pipes after the shell exits or is killed
	WaitDelay time.Duration
}

type ShellRunner struct {
	options ShellRunnerOptions
	logger  logging.Logger
}

var _ Runner = (*ShellRunner)(nil)

func NewShellRunner(options ShellRunnerOptions, logger logging.Logger) *ShellRunner {
	if options.WaitDelay == 0 {
		options.WaitDelay = 5 * time.Second
	}
	return &ShellRunner{
		options: options,
		logger:  logger,
	}
}

func (r *ShellRunner) Run(ctx context.Context, cmd Command, env ...string) Result {
	if ctx == nil {
		ctx = context.Background()
	}
	if r.options.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.options.Timeout)
		defer cancel()
	}

	r.logger.Debugf("Executing shell command: %s", cmd)

	shell, flag := shellInvocation()
	c := exec.CommandContext(ctx, shell, flag, string(cmd))
	if len(env) > 0 {
		c.Env = append(os.Environ(), env...)
	}
	setupProcessAttributes(c)
	c.WaitDelay = r.options.WaitDelay

	var output bytes.Buffer
	c.Stdout = &output
	c.Stderr = &output

	start := time.Now()
	err := c.Run()
	result := Result{
		Output:   output.String(),
		Duration: time.Since(start),
	}

	switch {
	case err == nil:
		result.Succeeded = true
		result.ExitCode = 0
	case c.ProcessState != nil:
		// The shell ran and exited (or was killed); its status is the answer
		result.ExitCode = c.ProcessState.ExitCode()
		if ctx.Err() != nil {
			result.Err = errors.NewCancelledError("command interrupted", ctx.Err()).WithContext("command", string(cmd))
		}
	default:
		result.ExitCode = LaunchFailureExitCode
		result.Err = errors.NewCommandError("failed to launch command", err).WithContext("command", string(cmd))
	}

	if result.Output != "" {
		r.logger.Debugf("Output: %s", strings.TrimRight(result.Output, "\n"))
	}
	if result.Err != nil {
		r.logger.Errorf("Shell command did not complete, rc: %d, error: %v", result.ExitCode, result.Err)
	}

	return result
}
