package claudecode

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

// fakeAgent writes an executable shell script standing in for the
// agent CLI and returns its absolute path.
func fakeAgent(t *testing.T, script string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "claude")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+script), 0o755); err != nil {
		t.Fatalf("failed to write fake agent: %v", err)
	}
	return path
}

func testTimeouts() Timeouts {
	return Timeouts{
		Normal:              5 * time.Second,
		Research:            10 * time.Second,
		SettleDelay:         50 * time.Millisecond,
		ResearchSettleDelay: 100 * time.Millisecond,
		TerminationGrace:    200 * time.Millisecond,
	}
}

func TestExecuteWellFormedResult(t *testing.T) {
	exe := fakeAgent(t, `cat >/dev/null
printf '%s\n' '{"type":"init","session_id":"S1"}'
printf '%s\n' '{"type":"result","is_error":false,"result":"hi","session_id":"S1","request_id":"r1"}'
`)

	engine := NewEngine(testTimeouts(), nil)
	rec, err := engine.Execute(context.Background(), &InvokeOptions{
		Executable: exe,
		Model:      "m1",
		Prompt:     "say hi",
	})
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}

	if rec.Text != "hi" {
		t.Errorf("expected result 'hi', got %q", rec.Text)
	}
	if rec.SessionID != "S1" {
		t.Errorf("expected session 'S1', got %q", rec.SessionID)
	}
	if rec.RequestID != "r1" {
		t.Errorf("expected request 'r1', got %q", rec.RequestID)
	}
}

func TestExecuteFeedsPromptViaStdin(t *testing.T) {
	// The fake agent echoes its stdin back as the result, proving the
	// prompt traveled through the temp file rather than argv.
	exe := fakeAgent(t, `prompt=$(cat)
printf '{"type":"result","is_error":false,"result":"%s","session_id":"S"}\n' "$prompt"
`)

	engine := NewEngine(testTimeouts(), nil)
	rec, err := engine.Execute(context.Background(), &InvokeOptions{
		Executable: exe,
		Model:      "m1",
		Prompt:     "ping",
	})
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if rec.Text != "ping" {
		t.Errorf("expected echoed prompt 'ping', got %q", rec.Text)
	}
}

func TestExecuteTimeout(t *testing.T) {
	exe := fakeAgent(t, `cat >/dev/null
exec sleep 60
`)

	timeouts := testTimeouts()
	timeouts.Normal = 300 * time.Millisecond

	engine := NewEngine(timeouts, nil)
	start := time.Now()
	_, err := engine.Execute(context.Background(), &InvokeOptions{
		Executable: exe,
		Model:      "m1",
		Prompt:     "hang forever",
	})
	elapsed := time.Since(start)

	if !IsKind(err, FailureTimeout) {
		t.Fatalf("expected timeout failure, got %v", err)
	}
	// Must reject no later than timeout + termination grace (plus
	// scheduling slack).
	if elapsed > timeouts.Normal+timeouts.TerminationGrace+2*time.Second {
		t.Errorf("timeout took too long: %s", elapsed)
	}
}

func TestExecuteTimeoutTerminatesBeforeGraceExpires(t *testing.T) {
	// A long grace forces the termination loop to keep polling while
	// the exit watcher reaps the SIGTERM'd process concurrently. The
	// loop must notice the reap and return early.
	exe := fakeAgent(t, `cat >/dev/null
exec sleep 30
`)

	timeouts := testTimeouts()
	timeouts.Normal = 200 * time.Millisecond
	timeouts.TerminationGrace = 10 * time.Second

	engine := NewEngine(timeouts, nil)
	start := time.Now()
	_, err := engine.Execute(context.Background(), &InvokeOptions{
		Executable: exe,
		Model:      "m1",
		Prompt:     "hang forever",
	})
	elapsed := time.Since(start)

	if !IsKind(err, FailureTimeout) {
		t.Fatalf("expected timeout failure, got %v", err)
	}
	if elapsed > 5*time.Second {
		t.Errorf("termination should detect the exit well before the grace deadline, took %s", elapsed)
	}
}

func TestTimedOutHonorsEarlierOutcome(t *testing.T) {
	t.Run("TimerWins", func(t *testing.T) {
		h := &ProcessHandle{state: StateStreaming}
		outc := make(chan outcome, 1)
		timeoutErr := &ExecError{Kind: FailureTimeout, Message: "no result within 2m0s"}

		_, err := timedOut(h, outc, timeoutErr)
		if !IsKind(err, FailureTimeout) {
			t.Fatalf("expected timeout, got %v", err)
		}
		if h.State() != StateTimedOut {
			t.Errorf("expected timed_out state, got %s", h.State())
		}
	})

	t.Run("ResultWins", func(t *testing.T) {
		// A result resolved just before the deadline fired; the timer
		// branch must surface it, not the timeout.
		h := &ProcessHandle{state: StateCompleted}
		h.resolved.Store(true)
		outc := make(chan outcome, 1)
		outc <- outcome{rec: &ResultRecord{Text: "made it", SessionID: "S"}}

		rec, err := timedOut(h, outc, &ExecError{Kind: FailureTimeout, Message: "late"})
		if err != nil {
			t.Fatalf("expected the winning result, got %v", err)
		}
		if rec.Text != "made it" {
			t.Errorf("expected 'made it', got %q", rec.Text)
		}
	})

	t.Run("ErrorWins", func(t *testing.T) {
		h := &ProcessHandle{state: StateProcessError}
		h.resolved.Store(true)
		outc := make(chan outcome, 1)
		outc <- outcome{err: &ExecError{Kind: FailureProcessExit, Message: "exit 1"}}

		_, err := timedOut(h, outc, &ExecError{Kind: FailureTimeout, Message: "late"})
		if !IsKind(err, FailureProcessExit) {
			t.Fatalf("expected the winning process exit error, got %v", err)
		}
	})
}

func TestExecuteProcessExitWithoutResult(t *testing.T) {
	exe := fakeAgent(t, `cat >/dev/null
echo 'Error: model not available'
exit 1
`)

	engine := NewEngine(testTimeouts(), nil)
	_, err := engine.Execute(context.Background(), &InvokeOptions{
		Executable: exe,
		Model:      "m1",
		Prompt:     "doomed",
	})

	if !IsKind(err, FailureProcessExit) {
		t.Fatalf("expected process exit failure, got %v", err)
	}
	var ee *ExecError
	if !errors.As(err, &ee) {
		t.Fatalf("expected *ExecError, got %T", err)
	}
	if ee.ExitCode != 1 {
		t.Errorf("expected exit code 1, got %d", ee.ExitCode)
	}
	if len(ee.Diagnostics) == 0 {
		t.Error("expected captured diagnostics from the error line")
	}
}

func TestExecuteFinalParseOnExit(t *testing.T) {
	// The process exits immediately after the marker. The long settle
	// delay means the live handler cannot win; the result must come
	// from the final parse on exit.
	exe := fakeAgent(t, `cat >/dev/null
printf '%s\n' '{"type":"result","is_error":false,"result":"late","session_id":"S2"}'
`)

	timeouts := testTimeouts()
	timeouts.SettleDelay = 10 * time.Second

	engine := NewEngine(timeouts, nil)
	start := time.Now()
	rec, err := engine.Execute(context.Background(), &InvokeOptions{
		Executable: exe,
		Model:      "m1",
		Prompt:     "quick exit",
	})
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if rec.Text != "late" {
		t.Errorf("expected 'late', got %q", rec.Text)
	}
	if time.Since(start) > 5*time.Second {
		t.Error("result should come from the exit path, not the settle delay")
	}
}

func TestExecuteSpawnFailure(t *testing.T) {
	engine := NewEngine(testTimeouts(), nil)
	_, err := engine.Execute(context.Background(), &InvokeOptions{
		Executable: "/nonexistent/agent-binary",
		Model:      "m1",
		Prompt:     "hello",
	})
	if !IsKind(err, FailureSpawn) {
		t.Fatalf("expected spawn failure, got %v", err)
	}
}

func TestCleanupIdempotent(t *testing.T) {
	f, err := os.CreateTemp(t.TempDir(), "prompt-*")
	if err != nil {
		t.Fatalf("temp file: %v", err)
	}
	f.Close()

	h := &ProcessHandle{ID: "h1", promptFile: f.Name(), state: StateSpawned}
	h.Cleanup()
	h.Cleanup() // must not panic or re-kill

	if _, err := os.Stat(f.Name()); !os.IsNotExist(err) {
		t.Error("expected prompt file removed")
	}
	if h.State() != StateCleanedUp {
		t.Errorf("expected cleaned_up state, got %s", h.State())
	}
}

func TestExecuteRemovesPromptFile(t *testing.T) {
	// Scope temp files to this test so the count is not perturbed by
	// anything else running on the machine.
	tmp := t.TempDir()
	t.Setenv("TMPDIR", tmp)

	exe := fakeAgent(t, `cat >/dev/null
printf '%s\n' '{"type":"result","is_error":false,"result":"ok","session_id":"S"}'
`)
	engine := NewEngine(testTimeouts(), nil)
	if _, err := engine.Execute(context.Background(), &InvokeOptions{
		Executable: exe,
		Model:      "m1",
		Prompt:     "cleanup check",
	}); err != nil {
		t.Fatalf("Execute failed: %v", err)
	}

	matches, err := filepath.Glob(filepath.Join(tmp, "agentbatch-prompt-*"))
	if err != nil {
		t.Fatalf("glob: %v", err)
	}
	if len(matches) != 0 {
		t.Errorf("prompt temp files leaked: %v", matches)
	}
}
