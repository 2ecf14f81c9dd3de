package monitor

import "strings"

type ErrorKind string

const (
	ErrOutOfMemory    ErrorKind = "out-of-memory"
	ErrTimeout        ErrorKind = "timeout"
	ErrFatal          ErrorKind = "fatal"
	ErrCommandFailure ErrorKind = "command-failure"
)

// A Classifier maps one log line to an error kind, or reports that the line
// is not an error. Matching rules evolve independently of the aggregation
// logic; swap in a different classifier to change them.
type Classifier func(line string) (ErrorKind, bool)

var oomMarkers = []string{"CUDA out of memory", "OutOfMemoryError", "oom-kill", "Out of memory"}
var timeoutMarkers = []string{"timed out", "TimedOut", "DeadlineExceeded", "timeout"}
var fatalMarkers = []string{"FATAL", "panic:", "Traceback (most recent call last)"}
var commandMarkers = []string{"pattern failed", "exit status", "non-zero exit", "command failed"}

// DefaultClassifier implements the matching rules observed across vLLM,
// NCCL, and the task runner's own output. Out-of-memory wins over the more
// generic kinds because OOM lines often also mention a failed command.
func DefaultClassifier(line string) (ErrorKind, bool) {
	switch {
	case containsAny(line, oomMarkers):
		return ErrOutOfMemory, true
	case containsAny(line, timeoutMarkers):
		return ErrTimeout, true
	case containsAny(line, fatalMarkers):
		return ErrFatal, true
	case containsAny(line, commandMarkers):
		return ErrCommandFailure, true
	default:
		return "", false
	}
}

func containsAny(line string, markers []string) bool {
	for _, m := range markers {
		if strings.Contains(line, m) {
			return true
		}
	}
	return false
}
