// Package runner executes allowlisted external commands with a bounded
// timeout, or simulates them depending on the configured execution
// mode. Nothing here interprets shell strings; commands are argument
// vectors only.
package runner

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/devghori1264/aerophoenix/fleetd/internal/config"
	"github.com/devghori1264/aerophoenix/fleetd/internal/errdefs"
)

// allowedCommands is the closed set of executables the control plane
// may invoke. Anything else fails regardless of execution mode.
var allowedCommands = map[string]struct{}{
	"ansible-playbook": {},
	"bash":             {},
	"firectl":          {},
	"ip":               {},
	"nft":              {},
	"wg":               {},
	"wg-quick":         {},
}

// CommandRun is the ephemeral record of one executed or simulated
// command. Callers summarize them into audit log lines; they are never
// persisted.
type CommandRun struct {
	Command    []string
	Simulated  bool
	ReturnCode int
	Stdout     string
	Stderr     string
	Note       string
}

// Summary renders one audit line for the run.
func (r CommandRun) Summary() string {
	commandText := strings.Join(r.Command, " ")
	statusText := fmt.Sprintf("rc=%d", r.ReturnCode)
	if r.Simulated {
		statusText = "simulated"
	}
	if r.Note != "" {
		return fmt.Sprintf("%s [%s] %s", commandText, statusText, r.Note)
	}
	return fmt.Sprintf("%s [%s]", commandText, statusText)
}

// Summarize joins the audit lines of several runs.
func Summarize(runs []CommandRun) string {
	if len(runs) == 0 {
		return ""
	}
	parts := make([]string, 0, len(runs))
	for _, run := range runs {
		parts = append(parts, run.Summary())
	}
	return strings.Join(parts, " | ")
}

// Runner dispatches commands according to its execution mode:
// mock never touches the host, best_effort degrades failures into
// simulated failure notes, strict surfaces them as errors.
type Runner struct {
	mode    config.ExecMode
	timeout time.Duration
	workdir string

	// lookPath is swappable for tests.
	lookPath func(string) (string, error)
}

func New(cfg config.InfraConfig) *Runner {
	return &Runner{
		mode:     cfg.ExecutionMode,
		timeout:  cfg.CommandTimeout,
		workdir:  cfg.Workdir,
		lookPath: exec.LookPath,
	}
}

// Mode exposes the execution mode; the adapter consults it to decide
// whether API failures may fall back to shell.
func (r *Runner) Mode() config.ExecMode { return r.mode }

// Run executes argv under the configured mode. The executable must be
// allowlisted; violations fail closed in every mode.
func (r *Runner) Run(ctx context.Context, argv ...string) (CommandRun, error) {
	if len(argv) == 0 {
		return CommandRun{}, errdefs.InvalidArgument("command cannot be empty")
	}
	binary := filepath.Base(argv[0])
	if _, ok := allowedCommands[binary]; !ok {
		return CommandRun{}, errdefs.InvalidArgument("command %q is not allowlisted", binary)
	}

	if r.mode == config.ModeMock {
		return CommandRun{Command: argv, Simulated: true, ReturnCode: 0, Note: "mode=mock"}, nil
	}

	if _, err := r.lookPath(argv[0]); err != nil {
		if _, err := r.lookPath(binary); err != nil {
			return r.handleIssue(argv, fmt.Sprintf("binary %q not found in PATH", argv[0]), 1)
		}
	}

	runCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, argv[0], argv[1:]...)
	cmd.Dir = r.workdir
	var stdout, stderr strings.Builder
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	out := strings.TrimSpace(stdout.String())
	errOut := strings.TrimSpace(stderr.String())

	if runCtx.Err() == context.DeadlineExceeded {
		return r.handleIssue(argv, fmt.Sprintf("timed out after %s", r.timeout), 1)
	}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			reason := errOut
			if reason == "" {
				reason = out
			}
			if reason == "" {
				reason = "non-zero exit status"
			}
			return r.handleIssue(argv, reason, exitErr.ExitCode())
		}
		return r.handleIssue(argv, err.Error(), 1)
	}

	return CommandRun{Command: argv, ReturnCode: 0, Stdout: out, Stderr: errOut}, nil
}

func (r *Runner) handleIssue(argv []string, reason string, returnCode int) (CommandRun, error) {
	if r.mode == config.ModeStrict {
		return CommandRun{}, errdefs.Unavailable("command failed: %s (%s)", strings.Join(argv, " "), reason)
	}
	if returnCode == 0 {
		returnCode = 1
	}
	return CommandRun{
		Command:    argv,
		Simulated:  true,
		ReturnCode: returnCode,
		Note:       "fallback: " + reason,
	}, nil
}
