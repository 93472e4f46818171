package claudecode

import (
	"errors"
	"fmt"
	"strings"
)

// FailureKind classifies the expected ways an invocation can fail.
type FailureKind string

const (
	// FailureSpawn means the agent process could not be started.
	FailureSpawn FailureKind = "spawn"
	// FailureTimeout means no completion marker arrived within the deadline.
	FailureTimeout FailureKind = "timeout"
	// FailureProcessExit means the process exited before producing a result.
	FailureProcessExit FailureKind = "process_exit"
	// FailureParse means output was captured but no result could be extracted.
	FailureParse FailureKind = "parse"
	// FailureUpstream means the agent itself reported an error result.
	FailureUpstream FailureKind = "upstream"
)

// ExecError is the typed failure returned by the execution engine.
// Expected failure modes are values of this type; panics are reserved
// for programming errors.
type ExecError struct {
	Kind        FailureKind
	Message     string
	ExitCode    int
	Diagnostics []string // error/warning lines captured from the stream
	Err         error
}

func (e *ExecError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("claudecode: %s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("claudecode: %s: %s", e.Kind, e.Message)
}

func (e *ExecError) Unwrap() error {
	return e.Err
}

// IsKind reports whether err is an ExecError of the given kind.
func IsKind(err error, kind FailureKind) bool {
	var ee *ExecError
	return errors.As(err, &ee) && ee.Kind == kind
}

// defaultResumeFailurePatterns are substrings of agent error output that
// indicate a stale session id rather than a genuine task failure. The
// agent's error vocabulary is unversioned, so this list is calibrated
// against observed strings and extensible via config.
var defaultResumeFailurePatterns = []string{
	"no conversation found",
	"chat not found",
	"session not found",
	"session expired",
	"unable to resume",
	"could not resume",
	"invalid session id",
}

// IsResumeFailure reports whether the error text matches a known
// session-invalidation message. extra patterns are checked after the
// built-in set.
func IsResumeFailure(text string, extra []string) bool {
	if text == "" {
		return false
	}
	lower := strings.ToLower(text)
	for _, p := range defaultResumeFailurePatterns {
		if strings.Contains(lower, p) {
			return true
		}
	}
	for _, p := range extra {
		if p != "" && strings.Contains(lower, strings.ToLower(p)) {
			return true
		}
	}
	return false
}
