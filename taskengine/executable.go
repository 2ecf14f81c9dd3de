package taskengine

import (
	"errors"
	"os/exec"
)

// An Executable evaluates and runs shell snippets on the local host. The
// engine never interprets snippet contents; one real implementation shells
// out, tests substitute a scripted fake.
type Executable interface {
	// Evaluate runs the snippet and reports whether it exited zero.
	Evaluate(script string) (bool, error)

	// Run executes the snippet, returning its exit code and combined output.
	// A nonzero exit is not an error; the error is reserved for failures to
	// start the shell at all.
	Run(script string) (int, []byte, error)
}

type shellExecutable struct{}

func NewShellExecutable() Executable {
	return &shellExecutable{}
}

func (e *shellExecutable) Run(script string) (int, []byte, error) {
	cmd := exec.Command("bash", "-c", script)
	out, err := cmd.CombinedOutput()
	if err == nil {
		return 0, out, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode(), out, nil
	}
	return -1, out, err
}

func (e *shellExecutable) Evaluate(script string) (bool, error) {
	code, _, err := e.Run(script)
	if err != nil {
		return false, err
	}
	return code == 0, nil
}
