// Package cli adapts a command-line task runtime to core.Runtime. The
// command runs inside the workspace, reads the prompt on stdin and streams
// newline-delimited JSON events on stdout.
package cli

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/airsalso/dokodemodoor/internal/core"
	"github.com/airsalso/dokodemodoor/internal/logging"
)

const (
	defaultTimeout     = 3 * time.Hour
	defaultGracePeriod = 10 * time.Second
	maxLineBytes       = 16 * 1024 * 1024
	maxStderrBytes     = 64 * 1024
)

// Config describes the runtime command.
type Config struct {
	// Command is the executable, optionally with leading fixed words
	// ("npx some-runtime").
	Command string
	// Args are appended after Command.
	Args []string
	// Env is added to the inherited environment.
	Env map[string]string
	// TurnsFlag, when set, passes the unit's turn ceiling ("--max-turns").
	TurnsFlag string
	// ToolsFlag, when set, passes the allowed tools as a comma list.
	ToolsFlag string
	// Timeout bounds one execution. Zero means three hours.
	Timeout time.Duration
	// GracePeriod is the delay between SIGTERM and SIGKILL on cancellation.
	GracePeriod time.Duration
}

// Runtime runs one subprocess per execution.
type Runtime struct {
	cfg    Config
	logger *logging.Logger
}

// New creates a runtime. It fails when the command is empty.
func New(cfg Config, logger *logging.Logger) (*Runtime, error) {
	if strings.TrimSpace(cfg.Command) == "" {
		return nil, core.ErrConfig("runtime.command is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.GracePeriod <= 0 {
		cfg.GracePeriod = defaultGracePeriod
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Runtime{cfg: cfg, logger: logger}, nil
}

// Args returns the full argument list for req, without the executable.
func (r *Runtime) Args(req core.RuntimeRequest) []string {
	parts := strings.Fields(r.cfg.Command)
	args := append([]string{}, parts[1:]...)
	args = append(args, r.cfg.Args...)
	if r.cfg.TurnsFlag != "" && req.TurnCeiling > 0 {
		args = append(args, r.cfg.TurnsFlag, strconv.Itoa(req.TurnCeiling))
	}
	if r.cfg.ToolsFlag != "" && len(req.AllowedTools) > 0 {
		args = append(args, r.cfg.ToolsFlag, strings.Join(req.AllowedTools, ","))
	}
	return args
}

// Execute implements core.Runtime. The channel carries at most one result
// event and is closed when the process has exited. A process that exits
// non-zero without reporting a result yields a synthesized failure result; a
// clean exit without one yields no result at all.
func (r *Runtime) Execute(ctx context.Context, req core.RuntimeRequest) (<-chan core.RuntimeEvent, error) {
	name := strings.Fields(r.cfg.Command)[0]
	path, err := exec.LookPath(name)
	if err != nil {
		return nil, core.ErrConfig(fmt.Sprintf("runtime command %q not found", name)).WithCause(err)
	}

	runCtx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)

	// #nosec G204 -- command comes from validated configuration
	cmd := exec.CommandContext(runCtx, path, r.Args(req)...)
	cmd.Dir = req.WorkspacePath
	cmd.Stdin = strings.NewReader(req.Prompt)
	cmd.Env = append(os.Environ(), "DOKODEMODOOR_MANAGED=true", "DOKODEMODOOR_UNIT="+req.Unit)
	for k, v := range r.cfg.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}
	configureProcess(cmd, r.cfg.GracePeriod)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("creating stdout pipe: %w", err)
	}
	stderr := &cappedBuffer{limit: maxStderrBytes}
	cmd.Stderr = stderr

	logger := r.logger.WithUnit(req.Unit)
	if err := cmd.Start(); err != nil {
		cancel()
		return nil, core.ErrRuntime(core.CodeRuntimeFailed, "starting runtime: "+err.Error(), false).WithCause(err)
	}
	logger.Info("runtime: process started", "pid", cmd.Process.Pid, "work_dir", cmd.Dir, "prompt_length", len(req.Prompt))

	events := make(chan core.RuntimeEvent, 64)
	go func() {
		defer close(events)
		defer cancel()

		send := func(ev core.RuntimeEvent) bool {
			select {
			case events <- ev:
				return true
			case <-ctx.Done():
				return false
			}
		}

		start := time.Now()
		parser := NewStreamParser()
		sawResult := false

		scanner := bufio.NewScanner(stdout)
		scanner.Buffer(make([]byte, 64*1024), maxLineBytes)
		for scanner.Scan() {
			for _, ev := range parser.ParseLine(scanner.Text()) {
				if ev.Type == core.RuntimeEventResult {
					if sawResult {
						continue
					}
					sawResult = true
				}
				send(ev)
			}
		}
		if err := scanner.Err(); err != nil {
			logger.Warn("runtime: output stream aborted", "error", err)
			_, _ = io.Copy(io.Discard, stdout)
		}

		waitErr := cmd.Wait()
		duration := time.Since(start)
		logger.Info("runtime: process exited", "duration", duration, "error", waitErr, "result", sawResult)

		if sawResult {
			return
		}
		switch {
		case ctx.Err() != nil:
			// Caller cancelled: no result.
		case errors.Is(runCtx.Err(), context.DeadlineExceeded):
			send(core.RuntimeEvent{
				Type:      core.RuntimeEventResult,
				Timestamp: time.Now(),
				Result: &core.RuntimeResult{
					Subtype:  "error_timeout",
					Message:  fmt.Sprintf("runtime timed out after %s", r.cfg.Timeout),
					Duration: duration,
				},
			})
		case waitErr != nil:
			msg := lastLine(stderr.String(), 500)
			if msg == "" {
				msg = waitErr.Error()
			}
			send(core.RuntimeEvent{
				Type:      core.RuntimeEventResult,
				Timestamp: time.Now(),
				Content:   msg,
				Result: &core.RuntimeResult{
					Subtype:  "error_process_exit",
					Message:  msg,
					Fatal:    IsFatal(stderr.String()),
					Duration: duration,
				},
			})
		}
	}()

	return events, nil
}

// cappedBuffer keeps the last limit bytes written to it.
type cappedBuffer struct {
	mu    sync.Mutex
	buf   bytes.Buffer
	limit int
}

func (b *cappedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buf.Write(p)
	if over := b.buf.Len() - b.limit; over > 0 {
		b.buf.Next(over)
	}
	return len(p), nil
}

func (b *cappedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

var _ core.Runtime = (*Runtime)(nil)
