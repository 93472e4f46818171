package lifecycle

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/agentbatch/agentbatch/pkg/claudecode"
	"github.com/shirou/gopsutil/v3/process"
)

func fakeAgent(t *testing.T, script string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "claude")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+script), 0o755); err != nil {
		t.Fatalf("failed to write fake agent: %v", err)
	}
	return path
}

func TestRegistryTracksInvocations(t *testing.T) {
	mgr := NewManager(Options{})
	defer mgr.Shutdown()

	exe := fakeAgent(t, `cat >/dev/null
printf '%s\n' '{"type":"result","is_error":false,"result":"ok","session_id":"S"}'
`)
	engine := claudecode.NewEngine(claudecode.Timeouts{
		Normal:           5 * time.Second,
		Research:         5 * time.Second,
		SettleDelay:      50 * time.Millisecond,
		TerminationGrace: 200 * time.Millisecond,
	}, mgr)

	if _, err := engine.Execute(context.Background(), &claudecode.InvokeOptions{
		Executable: exe,
		Model:      "m1",
		Prompt:     "hello",
	}); err != nil {
		t.Fatalf("Execute failed: %v", err)
	}

	// Cleanup runs on the engine's return path and must unregister.
	if got := mgr.Active(); len(got) != 0 {
		t.Errorf("expected no registrations after completion, got %d", len(got))
	}
}

func TestShutdownCleansRemaining(t *testing.T) {
	mgr := NewManager(Options{})

	exe := fakeAgent(t, `cat >/dev/null
exec sleep 60
`)
	engine := claudecode.NewEngine(claudecode.Timeouts{
		Normal:           10 * time.Second,
		Research:         10 * time.Second,
		SettleDelay:      50 * time.Millisecond,
		TerminationGrace: 200 * time.Millisecond,
	}, mgr)

	done := make(chan struct{})
	go func() {
		defer close(done)
		engine.Execute(context.Background(), &claudecode.InvokeOptions{
			Executable: exe,
			Model:      "m1",
			Prompt:     "hang",
		})
	}()

	// Wait for the invocation to register.
	deadline := time.After(3 * time.Second)
	for len(mgr.Active()) == 0 {
		select {
		case <-deadline:
			t.Fatal("invocation never registered")
		case <-time.After(20 * time.Millisecond):
		}
	}

	mgr.Shutdown()
	if got := mgr.Active(); len(got) != 0 {
		t.Errorf("expected shutdown to clean all registrations, got %d", len(got))
	}
	mgr.Shutdown() // second call must be a no-op

	select {
	case <-done:
	case <-time.After(15 * time.Second):
		t.Fatal("Execute never returned after shutdown killed its process")
	}
}

func TestSweepRegisteredCleansStaleHandles(t *testing.T) {
	hangScript := `cat >/dev/null
exec sleep 60
`
	run := func(t *testing.T, mgr *Manager) chan struct{} {
		t.Helper()
		exe := fakeAgent(t, hangScript)
		engine := claudecode.NewEngine(claudecode.Timeouts{
			Normal:           30 * time.Second,
			Research:         30 * time.Second,
			SettleDelay:      50 * time.Millisecond,
			TerminationGrace: 200 * time.Millisecond,
		}, mgr)

		done := make(chan struct{})
		go func() {
			defer close(done)
			engine.Execute(context.Background(), &claudecode.InvokeOptions{
				Executable: exe,
				Model:      "m1",
				Prompt:     "hang",
			})
		}()

		deadline := time.After(3 * time.Second)
		for len(mgr.Active()) == 0 {
			select {
			case <-deadline:
				t.Fatal("invocation never registered")
			case <-time.After(20 * time.Millisecond):
			}
		}
		return done
	}

	t.Run("MaxInactivity", func(t *testing.T) {
		// The hung agent produces no output, so the handle idles past
		// the inactivity budget and must be force-cleaned.
		mgr := NewManager(Options{MaxInactivity: 50 * time.Millisecond, MaxAge: time.Hour})
		defer mgr.Shutdown()
		done := run(t, mgr)

		time.Sleep(150 * time.Millisecond)
		mgr.sweepRegistered()

		if got := mgr.Active(); len(got) != 0 {
			t.Errorf("expected idle handle swept, still registered: %d", len(got))
		}
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Fatal("Execute never returned after its process was swept")
		}
	})

	t.Run("MaxAge", func(t *testing.T) {
		mgr := NewManager(Options{MaxAge: 50 * time.Millisecond, MaxInactivity: time.Hour})
		defer mgr.Shutdown()
		done := run(t, mgr)

		time.Sleep(150 * time.Millisecond)
		mgr.sweepRegistered()

		if got := mgr.Active(); len(got) != 0 {
			t.Errorf("expected over-age handle swept, still registered: %d", len(got))
		}
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Fatal("Execute never returned after its process was swept")
		}
	})

	t.Run("WithinBudgets", func(t *testing.T) {
		mgr := NewManager(Options{MaxAge: time.Hour, MaxInactivity: time.Hour})
		defer mgr.Shutdown()
		run(t, mgr)

		mgr.sweepRegistered()
		if got := mgr.Active(); len(got) != 1 {
			t.Errorf("expected healthy handle untouched, got %d registrations", len(got))
		}
	})
}

func TestIsOrphanPredicate(t *testing.T) {
	mgr := NewManager(Options{})
	defer mgr.Shutdown()

	t.Run("LiveParent", func(t *testing.T) {
		// Our own process has a live parent, the test runner.
		self, err := process.NewProcess(int32(os.Getpid()))
		if err != nil {
			t.Fatalf("self process: %v", err)
		}
		if mgr.isOrphan(self) {
			t.Error("a process with a running parent is not an orphan")
		}
	})

	t.Run("DeadParent", func(t *testing.T) {
		// Spawn a shell whose background child outlives it; once the
		// shell exits the child is reparented to init.
		out, err := exec.Command("sh", "-c", "sleep 30 >/dev/null 2>&1 & echo $!").Output()
		if err != nil {
			t.Fatalf("spawn grandchild: %v", err)
		}
		pid, err := strconv.Atoi(strings.TrimSpace(string(out)))
		if err != nil {
			t.Fatalf("parse pid from %q: %v", out, err)
		}
		defer syscall.Kill(pid, syscall.SIGKILL)

		// Give the kernel a moment to reparent.
		time.Sleep(100 * time.Millisecond)

		p, err := process.NewProcess(int32(pid))
		if err != nil {
			t.Fatalf("grandchild process: %v", err)
		}
		if !mgr.isOrphan(p) {
			ppid, _ := p.Ppid()
			t.Errorf("expected orphaned grandchild (pid %d, ppid %d)", pid, ppid)
		}
	})
}

func TestSweepOrphansIgnoresUnmatchedNames(t *testing.T) {
	mgr := NewManager(Options{AgentProcessName: "no-such-process-name-xyzzy"})
	defer mgr.Shutdown()

	if got := mgr.SweepOrphans(); got != 0 {
		t.Errorf("expected zero kills for a name no process carries, got %d", got)
	}
}

func TestDefaultOptionsApplied(t *testing.T) {
	mgr := NewManager(Options{})
	defer mgr.Shutdown()

	def := DefaultOptions()
	if mgr.opts.AgentProcessName != def.AgentProcessName {
		t.Errorf("expected default process name %q, got %q", def.AgentProcessName, mgr.opts.AgentProcessName)
	}
	if mgr.opts.SweepInterval != def.SweepInterval {
		t.Errorf("expected default sweep interval %s, got %s", def.SweepInterval, mgr.opts.SweepInterval)
	}
}
