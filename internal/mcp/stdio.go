package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"
)

// StdioConfig configures a subprocess MCP transport. Messages are
// newline-delimited JSON-RPC on stdin/stdout.
type StdioConfig struct {
	// Command is the executable to run.
	Command string

	// Args are passed to the executable.
	Args []string

	// Env entries ("KEY=VALUE") are appended to the current process
	// environment.
	Env []string

	Logger *slog.Logger
}

// StdioTransport runs an MCP server as a subprocess. The subprocess
// starts lazily on the first Send or Notify and survives individual
// request timeouts; only Close or an I/O failure terminates it.
type StdioTransport struct {
	cfg    StdioConfig
	logger *slog.Logger

	mu   sync.Mutex
	proc *exec.Cmd
	in   io.WriteCloser
	out  *bufio.Reader
}

// NewStdioTransport creates a stdio transport for cfg.
func NewStdioTransport(cfg StdioConfig) *StdioTransport {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &StdioTransport{cfg: cfg, logger: logger}
}

// Send writes the request and reads stdout until a response with a
// matching ID arrives. stdio is inherently sequential so t.mu
// serializes callers for the whole exchange.
func (t *StdioTransport) Send(ctx context.Context, req *Request) (*Response, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.writeMessage(req); err != nil {
		return nil, err
	}
	return t.readResponse(ctx, req.ID)
}

// Notify writes a notification; no response is read.
func (t *StdioTransport) Notify(ctx context.Context, notif *Notification) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.writeMessage(notif)
}

// Close terminates the subprocess.
func (t *StdioTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stop()
}

// writeMessage starts the subprocess if needed and writes one
// newline-terminated JSON message to its stdin. Caller holds t.mu.
func (t *StdioTransport) writeMessage(msg any) error {
	if err := t.ensureStarted(); err != nil {
		return err
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	if _, err := t.in.Write(append(data, '\n')); err != nil {
		t.teardown()
		return fmt.Errorf("write to subprocess stdin: %w", err)
	}
	return nil
}

type readOutcome struct {
	line []byte
	err  error
}

// readResponse scans stdout lines until one parses as a response with
// the wanted ID, skipping server notifications and noise. The blocking
// read runs in a goroutine so ctx cancellation can interrupt it;
// cancellation kills the subprocess to unblock the reader. Caller
// holds t.mu.
func (t *StdioTransport) readResponse(ctx context.Context, wantID int64) (*Response, error) {
	for {
		ch := make(chan readOutcome, 1)
		go func() {
			line, err := t.out.ReadBytes('\n')
			ch <- readOutcome{line: line, err: err}
		}()

		select {
		case <-ctx.Done():
			t.teardown()
			return nil, ctx.Err()
		case res := <-ch:
			if res.err != nil {
				t.teardown()
				return nil, fmt.Errorf("read from subprocess stdout: %w", res.err)
			}

			var resp Response
			if err := json.Unmarshal(res.line, &resp); err != nil {
				t.logger.Debug("skipping non-JSON line from MCP subprocess", "line", string(res.line))
				continue
			}
			if resp.ID == wantID {
				return &resp, nil
			}
			t.logger.Debug("skipping unmatched MCP message", "id", resp.ID)
		}
	}
}

// ensureStarted launches the subprocess unless it is already running.
// Caller holds t.mu.
func (t *StdioTransport) ensureStarted() error {
	if t.proc != nil && t.proc.ProcessState == nil {
		return nil
	}

	t.logger.Info("launching MCP server process",
		"command", t.cfg.Command,
		"args", t.cfg.Args,
	)

	cmd := exec.Command(t.cfg.Command, t.cfg.Args...)
	cmd.Env = append(os.Environ(), t.cfg.Env...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("create stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		stdin.Close()
		return fmt.Errorf("create stdout pipe: %w", err)
	}
	// stderr is diagnostics only, not part of the protocol.
	stderr, err := cmd.StderrPipe()
	if err != nil {
		stdin.Close()
		stdout.Close()
		return fmt.Errorf("create stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		stderr.Close()
		stdout.Close()
		stdin.Close()
		return fmt.Errorf("start subprocess %s: %w", t.cfg.Command, err)
	}

	t.proc = cmd
	t.in = stdin
	t.out = bufio.NewReaderSize(stdout, 1<<20)

	go t.logStderr(stderr)

	t.logger.Info("MCP server process running", "pid", cmd.Process.Pid)
	return nil
}

func (t *StdioTransport) logStderr(r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 256*1024)
	for scanner.Scan() {
		t.logger.Debug("MCP server stderr", "line", scanner.Text())
	}
}

// stopGrace is how long a subprocess gets to exit after its stdin
// closes before it is killed.
const stopGrace = 5 * time.Second

// stop closes stdin to request a graceful exit, then kills the process
// once stopGrace runs out. Caller holds t.mu.
func (t *StdioTransport) stop() error {
	if t.proc == nil || t.proc.Process == nil {
		return nil
	}

	t.logger.Info("stopping MCP server process", "pid", t.proc.Process.Pid)

	if t.in != nil {
		t.in.Close()
	}

	done := make(chan error, 1)
	go func() { done <- t.proc.Wait() }()

	select {
	case err := <-done:
		t.proc = nil
		return err
	case <-time.After(stopGrace):
		t.logger.Warn("MCP server process still running, killing", "pid", t.proc.Process.Pid)
		_ = t.proc.Process.Kill()
		<-done
		t.proc = nil
		return nil
	}
}

// teardown kills the process and resets state after an I/O failure.
// Caller holds t.mu.
func (t *StdioTransport) teardown() {
	if t.in != nil {
		t.in.Close()
	}
	if t.proc != nil && t.proc.Process != nil {
		_ = t.proc.Process.Kill()
		_ = t.proc.Wait()
	}
	t.proc = nil
	t.in = nil
	t.out = nil
}
