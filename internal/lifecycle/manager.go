// Package lifecycle tracks in-flight agent processes and reclaims the
// ones that leak: registrations that outlive their budgets, and
// orphaned agent processes left behind by a previous host.
package lifecycle

import (
	"context"
	"sync"
	"time"

	"github.com/agentbatch/agentbatch/internal/logging"
	"github.com/agentbatch/agentbatch/pkg/claudecode"
	"github.com/shirou/gopsutil/v3/process"
)

// Options tunes the manager's sweep behavior.
type Options struct {
	// AgentProcessName is the executable name matched during orphan
	// scans.
	AgentProcessName string
	// SweepInterval is how often the background sweep runs.
	SweepInterval time.Duration
	// MaxAge force-cleans any registration older than this.
	MaxAge time.Duration
	// MaxInactivity force-cleans a registration whose stream has been
	// silent this long.
	MaxInactivity time.Duration
}

// DefaultOptions returns the sweep tuning used when config is silent.
func DefaultOptions() Options {
	return Options{
		AgentProcessName: "claude",
		SweepInterval:    1 * time.Minute,
		MaxAge:           30 * time.Minute,
		MaxInactivity:    15 * time.Minute,
	}
}

// Manager owns the registry of live process handles. It is constructed
// once at host startup and passed by reference into the engine; there
// is no package-level state.
type Manager struct {
	opts Options

	mu      sync.Mutex
	handles map[string]*claudecode.ProcessHandle

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	startOnce sync.Once
	stopOnce  sync.Once
}

// NewManager creates a manager. Call Start to begin sweeping and
// Shutdown (from the host's own signal handling) before exit.
func NewManager(opts Options) *Manager {
	def := DefaultOptions()
	if opts.AgentProcessName == "" {
		opts.AgentProcessName = def.AgentProcessName
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = def.SweepInterval
	}
	if opts.MaxAge <= 0 {
		opts.MaxAge = def.MaxAge
	}
	if opts.MaxInactivity <= 0 {
		opts.MaxInactivity = def.MaxInactivity
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		opts:    opts,
		handles: make(map[string]*claudecode.ProcessHandle),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Register implements claudecode.Registry.
func (m *Manager) Register(h *claudecode.ProcessHandle) {
	m.mu.Lock()
	m.handles[h.ID] = h
	m.mu.Unlock()
}

// Unregister implements claudecode.Registry.
func (m *Manager) Unregister(id string) {
	m.mu.Lock()
	delete(m.handles, id)
	m.mu.Unlock()
}

// HandleInfo is a point-in-time view of one registration.
type HandleInfo struct {
	ID           string
	PID          int
	StartedAt    time.Time
	LastActivity time.Time
	State        claudecode.HandleState
}

// Active lists current registrations.
func (m *Manager) Active() []HandleInfo {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]HandleInfo, 0, len(m.handles))
	for _, h := range m.handles {
		out = append(out, HandleInfo{
			ID:           h.ID,
			PID:          h.PID,
			StartedAt:    h.StartedAt,
			LastActivity: h.LastActivity(),
			State:        h.State(),
		})
	}
	return out
}

// Start launches the background sweep loop. Safe to call once.
func (m *Manager) Start() {
	m.startOnce.Do(func() {
		m.wg.Add(1)
		go m.sweepLoop()
	})
}

func (m *Manager) sweepLoop() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.opts.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			m.sweepRegistered()
			m.SweepOrphans()
		}
	}
}

// sweepRegistered force-cleans registrations past their age or
// inactivity budget. A handle that already resolved cleans itself up;
// this catches the ones that somehow never did.
func (m *Manager) sweepRegistered() {
	m.mu.Lock()
	stale := make([]*claudecode.ProcessHandle, 0)
	now := time.Now()
	for _, h := range m.handles {
		age := now.Sub(h.StartedAt)
		idle := now.Sub(h.LastActivity())
		if age > m.opts.MaxAge || idle > m.opts.MaxInactivity {
			stale = append(stale, h)
		}
	}
	m.mu.Unlock()

	for _, h := range stale {
		logging.Warn("sweeping stale agent process",
			"invocation_id", h.ID,
			"pid", h.PID,
			"age", now.Sub(h.StartedAt),
			"state", h.State())
		h.Cleanup()
	}
}

// SweepOrphans scans the OS process table for agent processes whose
// parent no longer exists and terminates them, registered or not. Such
// processes are invocations leaked by a previous host instance.
func (m *Manager) SweepOrphans() int {
	procs, err := process.Processes()
	if err != nil {
		logging.Warn("orphan scan failed to list processes", "error", err)
		return 0
	}

	killed := 0
	for _, p := range procs {
		name, err := p.Name()
		if err != nil || name != m.opts.AgentProcessName {
			continue
		}
		if !m.isOrphan(p) {
			continue
		}

		logging.Warn("terminating orphaned agent process", "pid", p.Pid)
		if err := p.Terminate(); err != nil {
			if err := p.Kill(); err != nil {
				logging.Warn("failed to kill orphaned process", "pid", p.Pid, "error", err)
				continue
			}
		}
		killed++
	}
	return killed
}

// isOrphan reports whether p has been reparented to init, meaning the
// host that spawned it is gone.
func (m *Manager) isOrphan(p *process.Process) bool {
	ppid, err := p.Ppid()
	if err != nil {
		return false
	}
	if ppid <= 1 {
		return true
	}
	parent, err := process.NewProcess(ppid)
	if err != nil {
		return true
	}
	running, err := parent.IsRunning()
	return err == nil && !running
}

// Shutdown stops the sweep loop and runs a synchronous emergency sweep
// that force-kills every still-registered process and removes its temp
// file. The host's signal handler calls this before exiting.
func (m *Manager) Shutdown() {
	m.stopOnce.Do(func() {
		m.cancel()
		m.wg.Wait()

		m.mu.Lock()
		remaining := make([]*claudecode.ProcessHandle, 0, len(m.handles))
		for _, h := range m.handles {
			remaining = append(remaining, h)
		}
		m.mu.Unlock()

		for _, h := range remaining {
			logging.Info("emergency cleanup of registered process", "invocation_id", h.ID, "pid", h.PID)
			h.Cleanup()
		}
	})
}
