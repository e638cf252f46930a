package builtins

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/kwall/drover/internal/tool"
)

const (
	shellDefaultTimeout = 30 * time.Second
	shellMaxTimeout     = 5 * time.Minute
	shellMaxOutput      = 100 * 1024
)

// defaultDeniedCmds are always blocked regardless of configuration.
var defaultDeniedCmds = []string{
	"rm -rf /",
	"rm -rf /*",
	"mkfs",
	"dd if=",
	"> /dev/sd",
	"chmod -R 777 /",
	":(){ :|:& };:",
}

// ShellOptions configures the run_command tool.
type ShellOptions struct {
	WorkingDir  string
	AllowedCmds []string // Prefix allowlist; empty allows all
	DeniedCmds  []string // Extra substring denylist
	Timeout     time.Duration
}

// Shell executes commands through "sh -c" with a timeout, an output
// cap, and a denylist screen.
type Shell struct {
	workingDir  string
	allowedCmds []string
	deniedCmds  []string
	timeout     time.Duration
}

// NewShell creates a shell executor.
func NewShell(opts ShellOptions) *Shell {
	if opts.Timeout <= 0 {
		opts.Timeout = shellDefaultTimeout
	}
	return &Shell{
		workingDir:  opts.WorkingDir,
		allowedCmds: opts.AllowedCmds,
		deniedCmds:  append(append([]string{}, defaultDeniedCmds...), opts.DeniedCmds...),
		timeout:     opts.Timeout,
	}
}

// CommandResult is the structured outcome of one command.
type CommandResult struct {
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
	ExitCode int    `json:"exit_code"`
	TimedOut bool   `json:"timed_out,omitempty"`
	Error    string `json:"error,omitempty"`
}

// Run executes command. timeoutSec overrides the default timeout when
// positive, capped at five minutes. A non-zero exit code is reported
// in the result, not as an error.
func (s *Shell) Run(ctx context.Context, command string, timeoutSec int) (*CommandResult, error) {
	lower := strings.ToLower(command)
	for _, denied := range s.deniedCmds {
		if strings.Contains(lower, strings.ToLower(denied)) {
			return nil, fmt.Errorf("command blocked: matches denied pattern %q", denied)
		}
	}

	if len(s.allowedCmds) > 0 {
		allowed := false
		for _, prefix := range s.allowedCmds {
			if strings.HasPrefix(command, prefix) {
				allowed = true
				break
			}
		}
		if !allowed {
			return nil, fmt.Errorf("command not in allowlist")
		}
	}

	timeout := s.timeout
	if timeoutSec > 0 {
		timeout = time.Duration(timeoutSec) * time.Second
	}
	if timeout > shellMaxTimeout {
		timeout = shellMaxTimeout
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	if s.workingDir != "" {
		cmd.Dir = s.workingDir
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()

	result := &CommandResult{
		Stdout: clipOutput(stdout.String()),
		Stderr: clipOutput(stderr.String()),
	}

	if ctx.Err() == context.DeadlineExceeded {
		result.TimedOut = true
		result.Error = "command timed out"
		result.ExitCode = -1
		return result, nil
	}

	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			result.ExitCode = exitErr.ExitCode()
		} else {
			result.Error = err.Error()
			result.ExitCode = -1
		}
	}
	return result, nil
}

func clipOutput(s string) string {
	if len(s) <= shellMaxOutput {
		return s
	}
	return s[:shellMaxOutput] + "\n\n[... output truncated ...]"
}

// Register adds the run_command tool to reg.
func (s *Shell) Register(reg *tool.Registry) error {
	def := tool.Definition{
		Name:        "run_command",
		Description: "Run a shell command and return its stdout, stderr, and exit code.",
		Category:    tool.CategoryTerminal,
		Dangerous:   true,
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"command": map[string]any{
					"type":        "string",
					"description": "Shell command to execute.",
				},
				"timeout_sec": map[string]any{
					"type":        "integer",
					"description": "Timeout in seconds. Default: 30, maximum: 300.",
				},
			},
			"required": []string{"command"},
		},
	}

	handler := func(ctx context.Context, args map[string]any) (string, error) {
		command, _ := args["command"].(string)
		if command == "" {
			return "", fmt.Errorf("run_command: command is required")
		}
		result, err := s.Run(ctx, command, intArg(args, "timeout_sec"))
		if err != nil {
			return "", err
		}
		out, err := json.Marshal(result)
		if err != nil {
			return result.Stdout, nil
		}
		return string(out), nil
	}

	return reg.Register(def, handler)
}
