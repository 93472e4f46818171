package claudecode

import (
	"strings"
	"time"
)

// OperationKind selects the timeout/settle class for an invocation.
// Research operations stream far more tool output and get longer
// budgets. The kind is an explicit caller choice, never inferred from
// prompt text.
type OperationKind string

const (
	OperationNormal   OperationKind = "normal"
	OperationResearch OperationKind = "research"
)

// InvokeOptions configures one non-interactive agent invocation.
type InvokeOptions struct {
	// Executable is the agent binary name, resolved via the sanitized
	// PATH. Defaults to "claude".
	Executable string

	// Model is passed as the positional argument.
	Model string

	// WorkDir is the working directory for the process, normally the
	// project root.
	WorkDir string

	// Prompt is written to a scoped temp file and streamed to the
	// child's stdin. It never appears in argv.
	Prompt string

	// ResumeSessionID adds the resume directive for a prior session.
	ResumeSessionID string

	// IncludeDiffContext asks the agent to include workspace diff
	// context in its view of the project.
	IncludeDiffContext bool

	// Kind selects the timeout class.
	Kind OperationKind
}

// Timeouts groups the per-class execution budgets.
type Timeouts struct {
	Normal      time.Duration
	Research    time.Duration
	SettleDelay time.Duration
	// ResearchSettleDelay is the longer post-marker settle used for
	// research operations, whose result events are large and arrive in
	// several chunks.
	ResearchSettleDelay time.Duration
	// TerminationGrace is how long a SIGTERM'd process gets before
	// SIGKILL.
	TerminationGrace time.Duration
}

// DefaultTimeouts returns the budgets used when config leaves them unset.
func DefaultTimeouts() Timeouts {
	return Timeouts{
		Normal:              2 * time.Minute,
		Research:            10 * time.Minute,
		SettleDelay:         500 * time.Millisecond,
		ResearchSettleDelay: 2 * time.Second,
		TerminationGrace:    5 * time.Second,
	}
}

// For returns the total timeout for the given operation kind.
func (t Timeouts) For(kind OperationKind) time.Duration {
	if kind == OperationResearch {
		return t.Research
	}
	return t.Normal
}

// Settle returns the post-marker settle delay for the given kind.
func (t Timeouts) Settle(kind OperationKind) time.Duration {
	if kind == OperationResearch {
		return t.ResearchSettleDelay
	}
	return t.SettleDelay
}

// Args builds the command-line arguments for the agent. The prompt is
// deliberately absent: it travels via stdin from the temp file.
func (o *InvokeOptions) Args() []string {
	args := []string{o.Model, "-p", "--output-format", "stream-json"}

	if o.IncludeDiffContext {
		args = append(args, "--include-diff-context")
	}

	if o.ResumeSessionID != "" {
		args = append(args, "--resume", o.ResumeSessionID)
	}

	return args
}

// CommandString renders the invocation for logging, quoting arguments
// containing whitespace.
func (o *InvokeOptions) CommandString() string {
	exe := o.Executable
	if exe == "" {
		exe = "claude"
	}
	args := o.Args()
	quoted := make([]string, len(args))
	for i, arg := range args {
		if strings.ContainsAny(arg, " \n") {
			quoted[i] = `"` + arg + `"`
		} else {
			quoted[i] = arg
		}
	}
	return exe + " " + strings.Join(quoted, " ")
}
