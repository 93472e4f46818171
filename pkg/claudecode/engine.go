package claudecode

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/agentbatch/agentbatch/internal/executil"
	"github.com/agentbatch/agentbatch/internal/logging"
	"github.com/google/uuid"
)

// resultMarker is the completion marker watched for in the live stream.
const resultMarker = `"type":"result"`

// HandleState tracks where an invocation is in its lifecycle.
type HandleState string

const (
	StateSpawned             HandleState = "spawned"
	StateStreaming           HandleState = "streaming"
	StateCompleted           HandleState = "completed"
	StateTimedOut            HandleState = "timed_out"
	StateProcessError        HandleState = "process_error"
	StateClosedWithoutResult HandleState = "closed_without_result"
	StateCleanedUp           HandleState = "cleaned_up"
)

// ProcessHandle tracks one live agent process from spawn to cleanup.
type ProcessHandle struct {
	ID        string
	PID       int
	StartedAt time.Time

	cmd        *exec.Cmd
	promptFile string
	registry   Registry
	// waitDone is closed by the exit watcher after cmd.Wait returns.
	// It is the only safe signal that the process has been reaped;
	// cmd.ProcessState must not be read while Wait may be running.
	waitDone chan struct{}

	lastActivity atomic.Int64
	resolved     atomic.Bool
	cleanupOnce  sync.Once

	mu    sync.Mutex
	state HandleState
}

// LastActivity reports when stdout last produced data.
func (h *ProcessHandle) LastActivity() time.Time {
	return time.Unix(0, h.lastActivity.Load())
}

// Resolved reports whether the invocation has produced an outcome.
func (h *ProcessHandle) Resolved() bool {
	return h.resolved.Load()
}

// State returns the handle's current lifecycle state.
func (h *ProcessHandle) State() HandleState {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

func (h *ProcessHandle) setState(s HandleState) {
	h.mu.Lock()
	h.state = s
	h.mu.Unlock()
}

func (h *ProcessHandle) touch() {
	h.lastActivity.Store(time.Now().UnixNano())
}

// Cleanup is the single teardown path for a handle: kill the process if
// it is still alive, remove the prompt temp file, and unregister from
// the lifecycle registry. It is idempotent and safe to call from both
// the engine and an emergency sweep.
func (h *ProcessHandle) Cleanup() {
	h.cleanupOnce.Do(func() {
		if h.cmd != nil && h.cmd.Process != nil {
			// Kill on an already-finished process returns
			// ErrProcessDone; either way the process is gone.
			h.cmd.Process.Kill()
		}
		if h.promptFile != "" {
			if err := os.Remove(h.promptFile); err != nil && !os.IsNotExist(err) {
				logging.Warn("failed to remove prompt file", "path", h.promptFile, "error", err)
			}
		}
		if h.registry != nil {
			h.registry.Unregister(h.ID)
		}
		h.setState(StateCleanedUp)
	})
}

// terminate sends SIGTERM, waits out the grace period, then SIGKILLs
// anything still alive.
func (h *ProcessHandle) terminate(grace time.Duration) {
	if h.cmd == nil || h.cmd.Process == nil {
		return
	}
	if err := h.cmd.Process.Signal(syscall.SIGTERM); err != nil {
		return // already gone
	}

	deadline := time.After(grace)
	tick := time.NewTicker(100 * time.Millisecond)
	defer tick.Stop()
	for {
		select {
		case <-h.waitDone:
			return
		case <-deadline:
			h.cmd.Process.Kill()
			return
		case <-tick.C:
			if err := h.cmd.Process.Signal(syscall.Signal(0)); err != nil {
				return
			}
		}
	}
}

// Registry tracks live process handles so a lifecycle manager can sweep
// leaked ones. Implemented by lifecycle.Manager.
type Registry interface {
	Register(h *ProcessHandle)
	Unregister(id string)
}

// Engine spawns agent processes and extracts one result per invocation.
type Engine struct {
	timeouts Timeouts
	registry Registry
}

// NewEngine creates an engine. registry may be nil, in which case
// handles are not tracked for sweeping.
func NewEngine(timeouts Timeouts, registry Registry) *Engine {
	return &Engine{timeouts: timeouts, registry: registry}
}

type outcome struct {
	rec *ResultRecord
	err error
}

// Execute runs one non-interactive agent invocation to completion. It
// blocks until a result is parsed, the timeout fires, or the process
// exits without producing a result. Exactly one cleanup pass runs on
// every return path.
func (e *Engine) Execute(ctx context.Context, opts *InvokeOptions) (*ResultRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, &ExecError{Kind: FailureSpawn, Message: "context finished before spawn", Err: err}
	}

	exe := opts.Executable
	if exe == "" {
		exe = "claude"
	}

	promptFile, err := writePromptFile(opts.Prompt)
	if err != nil {
		return nil, &ExecError{Kind: FailureSpawn, Message: "failed to stage prompt file", Err: err}
	}

	cmd, err := executil.Command(exe, opts.Args()...)
	if err != nil {
		os.Remove(promptFile)
		return nil, &ExecError{Kind: FailureSpawn, Message: "failed to resolve agent executable", Err: err}
	}
	cmd.Dir = opts.WorkDir

	stdin, err := os.Open(promptFile)
	if err != nil {
		os.Remove(promptFile)
		return nil, &ExecError{Kind: FailureSpawn, Message: "failed to open prompt file", Err: err}
	}
	defer stdin.Close()
	cmd.Stdin = stdin

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		os.Remove(promptFile)
		return nil, &ExecError{Kind: FailureSpawn, Message: "failed to get stdout pipe", Err: err}
	}
	// Error text the agent writes to stderr is part of the diagnostic
	// side channel, so it lands in the same accumulation buffer.
	cmd.Stderr = cmd.Stdout

	if err := cmd.Start(); err != nil {
		os.Remove(promptFile)
		return nil, &ExecError{Kind: FailureSpawn, Message: "failed to start agent process", Err: err}
	}

	h := &ProcessHandle{
		ID:         uuid.NewString(),
		PID:        cmd.Process.Pid,
		StartedAt:  time.Now(),
		cmd:        cmd,
		promptFile: promptFile,
		registry:   e.registry,
		waitDone:   make(chan struct{}),
		state:      StateSpawned,
	}
	h.touch()
	if e.registry != nil {
		e.registry.Register(h)
	}
	defer h.Cleanup()

	logging.Debug("spawned agent process",
		"invocation_id", h.ID,
		"pid", h.PID,
		"command", opts.CommandString(),
		"kind", opts.Kind)

	outc := make(chan outcome, 1)
	resolve := func(o outcome, state HandleState) {
		if h.resolved.CompareAndSwap(false, true) {
			h.setState(state)
			outc <- o
		}
	}

	var (
		bufMu      sync.Mutex
		buf        bytes.Buffer
		markerSeen atomic.Bool
	)
	snapshot := func() []byte {
		bufMu.Lock()
		defer bufMu.Unlock()
		return append([]byte(nil), buf.Bytes()...)
	}

	// Stream consumer: accumulate chunks in arrival order, watch for
	// the completion marker, and after the settle delay hand the whole
	// buffer to the parser.
	streamDone := make(chan struct{})
	go func() {
		defer close(streamDone)
		chunk := make([]byte, 32*1024)
		for {
			n, readErr := stdout.Read(chunk)
			if n > 0 {
				h.touch()
				h.setState(StateStreaming)
				bufMu.Lock()
				buf.Write(chunk[:n])
				sawMarker := bytes.Contains(buf.Bytes(), []byte(resultMarker))
				bufMu.Unlock()

				if sawMarker && markerSeen.CompareAndSwap(false, true) {
					go func() {
						// The result event can arrive split across
						// chunks; give the tail time to land.
						time.Sleep(e.timeouts.Settle(opts.Kind))
						if h.resolved.Load() {
							return
						}
						if rec, perr := ParseStream(snapshot(), opts.Kind); perr == nil {
							resolve(outcome{rec: rec}, StateCompleted)
						}
						// On parse failure keep streaming; the exit
						// handler makes the final attempt.
					}()
				}
			}
			if readErr != nil {
				return
			}
		}
	}()

	// Exit watcher: when the process closes its output before a live
	// parse succeeded, run one final parse over the complete buffer.
	go func() {
		<-streamDone
		waitErr := cmd.Wait()
		close(h.waitDone)
		if h.resolved.Load() {
			return
		}

		data := snapshot()
		if rec, perr := ParseStream(data, opts.Kind); perr == nil {
			resolve(outcome{rec: rec}, StateCompleted)
			return
		} else if markerSeen.Load() {
			// A marker was seen but the stream is unparseable even
			// complete; surface that as a parse failure, not an exit.
			resolve(outcome{err: perr}, StateClosedWithoutResult)
			return
		}

		exitCode := -1
		if cmd.ProcessState != nil {
			exitCode = cmd.ProcessState.ExitCode()
		}
		resolve(outcome{err: &ExecError{
			Kind:        FailureProcessExit,
			Message:     fmt.Sprintf("agent exited with code %d before emitting a result", exitCode),
			ExitCode:    exitCode,
			Diagnostics: diagnosticsFrom(data),
			Err:         waitErr,
		}}, StateProcessError)
	}()

	timeout := e.timeouts.For(opts.Kind)
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case o := <-outc:
		if o.err != nil {
			return nil, o.err
		}
		return o.rec, nil
	case <-timer.C:
		logging.Warn("agent invocation timed out",
			"invocation_id", h.ID,
			"pid", h.PID,
			"timeout", timeout)
		h.terminate(e.timeouts.TerminationGrace)
		return timedOut(h, outc, &ExecError{
			Kind:        FailureTimeout,
			Message:     fmt.Sprintf("no result within %s", timeout),
			Diagnostics: diagnosticsFrom(snapshot()),
		})
	}
}

// timedOut resolves the invocation as timed out unless another outcome
// won the race to the deadline, in which case that outcome is honored
// instead of being discarded.
func timedOut(h *ProcessHandle, outc chan outcome, timeoutErr *ExecError) (*ResultRecord, error) {
	if h.resolved.CompareAndSwap(false, true) {
		h.setState(StateTimedOut)
		return nil, timeoutErr
	}
	o := <-outc
	if o.err != nil {
		return nil, o.err
	}
	return o.rec, nil
}

// writePromptFile stages the prompt in a scoped temp file. Feeding the
// prompt through a file sidesteps argv length limits and shell-escaping
// corruption of multi-line prompts.
func writePromptFile(prompt string) (string, error) {
	f, err := os.CreateTemp("", "agentbatch-prompt-*.txt")
	if err != nil {
		return "", err
	}
	if _, err := io.WriteString(f, prompt); err != nil {
		f.Close()
		os.Remove(f.Name())
		return "", err
	}
	if err := f.Close(); err != nil {
		os.Remove(f.Name())
		return "", err
	}
	return f.Name(), nil
}

// diagnosticsFrom harvests side-channel error lines from a buffer that
// never produced a result, so the failure can say what the agent was
// complaining about.
func diagnosticsFrom(data []byte) []string {
	return scanLines(sanitize(data)).diagnostics
}
