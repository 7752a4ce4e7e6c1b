package ffmpeg

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorKind classifies why an engine invocation failed.
type ErrorKind int

const (
	// KindSpawn means the engine binary could not be started at all.
	KindSpawn ErrorKind = iota + 1
	// KindEngineExit means the engine ran and exited with a non-zero status.
	KindEngineExit
	// KindUnexpected covers pipe and wait failures that fit neither of the above.
	KindUnexpected
)

func (k ErrorKind) String() string {
	switch k {
	case KindSpawn:
		return "spawn"
	case KindEngineExit:
		return "engine_exit"
	case KindUnexpected:
		return "unexpected"
	default:
		return "unknown"
	}
}

// ExecError is returned by Runner for every failed invocation. Command is
// the full argv that was issued, binary included; Stderr is the captured
// diagnostic stream verbatim.
type ExecError struct {
	Kind        ErrorKind
	Description string
	Command     []string
	Stderr      string
	ExitCode    int
	Err         error
}

func (e *ExecError) Error() string {
	switch e.Kind {
	case KindEngineExit:
		return fmt.Sprintf("ffmpeg failed: %s (exit status %d)\n\ncommand:\n%s\n\nstderr:\n%s",
			e.Description, e.ExitCode, e.CommandLine(), e.Stderr)
	case KindSpawn:
		return fmt.Sprintf("could not start %s: %v\n\ncommand:\n%s", e.Description, e.Err, e.CommandLine())
	default:
		return fmt.Sprintf("unexpected error while running %s: %v\n\ncommand:\n%s", e.Description, e.Err, e.CommandLine())
	}
}

func (e *ExecError) Unwrap() error { return e.Err }

// CommandLine renders Command for logs. It is not shell-quoted.
func (e *ExecError) CommandLine() string {
	return strings.Join(e.Command, " ")
}

// IsKind reports whether err is an *ExecError of the given kind.
func IsKind(err error, kind ErrorKind) bool {
	var ee *ExecError
	return errors.As(err, &ee) && ee.Kind == kind
}
