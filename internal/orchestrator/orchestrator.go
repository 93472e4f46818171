// Package orchestrator ties session continuity, process execution, and
// result parsing into the single generate contract exposed upstream.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/agentbatch/agentbatch/internal/config"
	"github.com/agentbatch/agentbatch/internal/history"
	"github.com/agentbatch/agentbatch/internal/logging"
	"github.com/agentbatch/agentbatch/internal/session"
	"github.com/agentbatch/agentbatch/pkg/claudecode"
	"github.com/google/uuid"
)

// ProgressFunc receives coarse progress updates during a generation.
type ProgressFunc func(fraction float64, label string)

// Request describes one generation.
type Request struct {
	Prompt      string
	Model       string
	ProjectRoot string
	Kind        claudecode.OperationKind
	// IncludeDiffContext asks the agent to consider workspace diffs.
	IncludeDiffContext bool
	// Progress is an optional sink for fraction/label updates.
	Progress ProgressFunc
}

// Result is the upstream-facing outcome of a generation.
type Result struct {
	Text      string
	Object    any
	Usage     claudecode.Usage
	SessionID string
	RequestID string
}

// Executor runs one agent invocation. Implemented by claudecode.Engine;
// an interface so tests can substitute a scripted executor.
type Executor interface {
	Execute(ctx context.Context, opts *claudecode.InvokeOptions) (*claudecode.ResultRecord, error)
}

// Generator is the generation orchestrator. Construct one per host and
// share it; per-project session stores are created lazily.
type Generator struct {
	cfg  config.AgentConfig
	exec Executor
	hist *history.Store // nil disables history recording

	sessionOpts session.Options

	mu     sync.Mutex
	stores map[string]*session.Store
}

// New creates a Generator. hist may be nil.
func New(cfg *config.Config, exec Executor, hist *history.Store) *Generator {
	return &Generator{
		cfg:  cfg.Agent,
		exec: exec,
		hist: hist,
		sessionOpts: session.Options{
			MaxSessions:       cfg.Sessions.MaxSessions,
			MaxResumeAttempts: cfg.Sessions.MaxResumeAttempts,
		},
		stores: make(map[string]*session.Store),
	}
}

// SessionStore returns the session store for a project root, creating
// it on first use. The root is normalized so two spellings of one
// project share a store.
func (g *Generator) SessionStore(projectRoot string) *session.Store {
	if abs, err := filepath.Abs(projectRoot); err == nil {
		projectRoot = abs
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	st, ok := g.stores[projectRoot]
	if !ok {
		st = session.NewStore(projectRoot, g.sessionOpts)
		g.stores[projectRoot] = st
	}
	return st
}

// Generate runs one generation against the agent. A cached session for
// the (project, model) context is resumed when available; if the resume
// is rejected as stale, the session is marked failed and the request is
// re-executed exactly once without the resume directive.
func (g *Generator) Generate(ctx context.Context, req Request) (*Result, error) {
	model := req.Model
	if model == "" {
		model = g.cfg.Model
	}

	store := g.SessionStore(req.ProjectRoot)
	key := session.Key(req.ProjectRoot, model)
	chatID := store.Get(key)

	opts := g.buildOptions(req, model, chatID)
	report(req.Progress, 0.1, "invoking agent")

	started := time.Now()
	rec, err := g.exec.Execute(ctx, opts)

	freshRetry := false
	if chatID != "" && isResumeFailureOutcome(rec, err, g.cfg.ResumeFailurePatterns) {
		logging.Info("cached session rejected, retrying with a fresh session",
			"key", key, "chat_id", chatID)
		store.MarkResumeFailure(key, chatID)
		report(req.Progress, 0.3, "session expired, starting fresh")

		opts = g.buildOptions(req, model, "")
		rec, err = g.exec.Execute(ctx, opts)
		freshRetry = true
	}

	if err != nil {
		g.record(req, model, rec, err, chatID != "" && !freshRetry, started)
		return nil, err
	}

	if rec.IsError {
		upstreamErr := &claudecode.ExecError{
			Kind:        claudecode.FailureUpstream,
			Message:     fmt.Sprintf("agent reported an error: %s", firstLine(rec.Text)),
			Diagnostics: rec.Diagnostics,
		}
		g.record(req, model, rec, upstreamErr, chatID != "" && !freshRetry, started)
		return nil, upstreamErr
	}

	// The returned session id always supersedes the prior entry for
	// this context.
	isNew := chatID == "" || freshRetry
	if rec.SessionID != "" {
		store.Put(key, rec.SessionID, isNew)
	}

	requestID := rec.RequestID
	if requestID == "" {
		requestID = uuid.NewString()
	}

	g.record(req, model, rec, nil, chatID != "" && !freshRetry, started)
	report(req.Progress, 1.0, fmt.Sprintf("complete (%d tokens)", rec.Usage.TotalTokens))

	return &Result{
		Text:      rec.Text,
		Object:    rec.Object,
		Usage:     rec.Usage,
		SessionID: rec.SessionID,
		RequestID: requestID,
	}, nil
}

func (g *Generator) buildOptions(req Request, model, chatID string) *claudecode.InvokeOptions {
	return &claudecode.InvokeOptions{
		Executable:         g.cfg.Executable,
		Model:              model,
		WorkDir:            req.ProjectRoot,
		Prompt:             req.Prompt,
		ResumeSessionID:    chatID,
		IncludeDiffContext: req.IncludeDiffContext,
		Kind:               req.Kind,
	}
}

// isResumeFailureOutcome reports whether the first execution attempt
// failed in a way that implicates the resume directive rather than the
// request itself.
func isResumeFailureOutcome(rec *claudecode.ResultRecord, err error, extra []string) bool {
	if err != nil {
		var ee *claudecode.ExecError
		if errors.As(err, &ee) {
			if claudecode.IsResumeFailure(ee.Message, extra) {
				return true
			}
			for _, d := range ee.Diagnostics {
				if claudecode.IsResumeFailure(d, extra) {
					return true
				}
			}
		}
		return false
	}
	if rec != nil && rec.IsError {
		if claudecode.IsResumeFailure(rec.Text, extra) {
			return true
		}
		for _, d := range rec.Diagnostics {
			if claudecode.IsResumeFailure(d, extra) {
				return true
			}
		}
	}
	return false
}

// record writes the invocation to history, best effort.
func (g *Generator) record(req Request, model string, rec *claudecode.ResultRecord, outcome error, resumed bool, started time.Time) {
	if g.hist == nil {
		return
	}

	inv := &history.Invocation{
		RequestID:     uuid.NewString(),
		ProjectRoot:   req.ProjectRoot,
		Model:         model,
		OperationKind: string(kindOrNormal(req.Kind)),
		Resumed:       resumed,
		DurationMS:    time.Since(started).Milliseconds(),
	}
	if rec != nil {
		if rec.RequestID != "" {
			inv.RequestID = rec.RequestID
		}
		inv.SessionID = rec.SessionID
		inv.IsError = rec.IsError
		inv.TokensIn = rec.Usage.InputTokens
		inv.TokensOut = rec.Usage.OutputTokens
		if rec.DurationMS > 0 {
			inv.DurationMS = rec.DurationMS
		}
	}
	if outcome != nil {
		inv.IsError = true
		var ee *claudecode.ExecError
		if errors.As(outcome, &ee) {
			inv.FailureKind = string(ee.Kind)
		} else {
			inv.FailureKind = "unknown"
		}
	}

	if err := g.hist.Record(inv); err != nil {
		logging.Warn("failed to record invocation history", "error", err)
		return
	}
	if outcome != nil {
		if err := g.hist.LogEvent(inv.RequestID, "failure", outcome.Error()); err != nil {
			logging.Warn("failed to record failure event", "error", err)
		}
	}
}

func kindOrNormal(k claudecode.OperationKind) claudecode.OperationKind {
	if k == "" {
		return claudecode.OperationNormal
	}
	return k
}

func report(p ProgressFunc, fraction float64, label string) {
	if p != nil {
		p(fraction, label)
	}
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
