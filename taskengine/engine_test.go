package taskengine

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// scriptedExecutable returns canned exit codes and records every script it ran.
type scriptedExecutable struct {
	// exitCodes maps a script (after substitution) to its exit code. Scripts
	// not present exit zero.
	exitCodes map[string]int
	// evaluations maps a skip_if script to its boolean result.
	evaluations map[string]bool
	ran         []string
	evaluated   []string
}

func (e *scriptedExecutable) Run(script string) (int, []byte, error) {
	e.ran = append(e.ran, script)
	return e.exitCodes[script], []byte("output of " + script), nil
}

func (e *scriptedExecutable) Evaluate(script string) (bool, error) {
	e.evaluated = append(e.evaluated, script)
	return e.evaluations[script], nil
}

func newScripted() *scriptedExecutable {
	return &scriptedExecutable{exitCodes: map[string]int{}, evaluations: map[string]bool{}}
}

func defThreeTasks() *TaskDefinition {
	return &TaskDefinition{
		Name: "three-tasks",
		Tasks: []Task{
			{ID: "a", Name: "task a", Commands: []string{"true"}},
			{ID: "b", Name: "task b", Commands: []string{"false"}},
			{ID: "c", Name: "task c", Commands: []string{"true"}},
		},
	}
}

func TestFreshRunStopsAtFirstFailure(t *testing.T) {
	exec := newScripted()
	exec.exitCodes["false"] = 1
	store := NewMemStateStore()

	err := NewEngine(defThreeTasks(), store, exec).Run(nil)

	var failed *TaskFailedError
	require.True(t, errors.As(err, &failed))
	assert.Equal(t, "b", failed.TaskID)
	assert.Equal(t, 1, failed.ExitCode)

	state, err := store.All()
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, state["a"].Status)
	assert.Equal(t, StatusFailed, state["b"].Status)
	_, hasC := state["c"]
	assert.False(t, hasC, "task after the failure must never be attempted")
}

func TestResumeFromFailedTask(t *testing.T) {
	store := NewMemStateStore()

	exec := newScripted()
	exec.exitCodes["false"] = 1
	err := NewEngine(defThreeTasks(), store, exec).Run(nil)
	require.Error(t, err)

	aBefore, _, err := store.Get("a")
	require.NoError(t, err)

	// Condition fixed: the same command now succeeds.
	exec = newScripted()
	err = NewEngine(defThreeTasks(), store, exec).Run(&RunOptions{FromTask: "b"})
	require.NoError(t, err)

	state, err := store.All()
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, state["b"].Status)
	assert.Equal(t, StatusSuccess, state["c"].Status)

	aAfter, _, err := store.Get("a")
	require.NoError(t, err)
	assert.Equal(t, aBefore.Timestamp, aAfter.Timestamp, "tasks before the resume point keep their state")
	assert.Equal(t, []string{"false", "true"}, exec.ran, "only b and c run")
}

func TestIdempotentRerunExecutesNothing(t *testing.T) {
	store := NewMemStateStore()
	def := defThreeTasks()
	def.Tasks[1].Commands = []string{"true"}

	exec := newScripted()
	require.NoError(t, NewEngine(def, store, exec).Run(nil))
	require.Len(t, exec.ran, 3)

	exec = newScripted()
	require.NoError(t, NewEngine(def, store, exec).Run(nil))
	assert.Empty(t, exec.ran, "second run without reset executes zero commands")
}

func TestResetForcesFullReexecution(t *testing.T) {
	store := NewMemStateStore()
	def := defThreeTasks()
	def.Tasks[1].Commands = []string{"true"}

	exec := newScripted()
	require.NoError(t, NewEngine(def, store, exec).Run(nil))

	exec = newScripted()
	require.NoError(t, NewEngine(def, store, exec).Run(&RunOptions{Reset: true}))
	assert.Len(t, exec.ran, 3, "reset re-executes every task once")
}

func TestSkipIfMarksSuccessWithoutRunning(t *testing.T) {
	def := &TaskDefinition{
		Name: "skippable",
		Tasks: []Task{
			{ID: "install", SkipIf: "which vllm", Commands: []string{"pip install vllm"}},
		},
	}
	exec := newScripted()
	exec.evaluations["which vllm"] = true
	store := NewMemStateStore()

	require.NoError(t, NewEngine(def, store, exec).Run(nil))

	assert.Empty(t, exec.ran, "a true skip_if never runs its commands")
	entry, ok, err := store.Get("install")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, StatusSuccess, entry.Status)
}

func TestVariableSubstitutionInSkipIfAndCommands(t *testing.T) {
	def := &TaskDefinition{
		Name:      "vars",
		Variables: map[string]string{"MODEL": "Qwen/Qwen2.5-7B-Instruct", "PORT": "8100"},
		Tasks: []Task{
			{ID: "serve", SkipIf: "curl -sf localhost:{{PORT}}/health", Commands: []string{"serve {{MODEL}} --port {{PORT}}"}},
		},
	}
	exec := newScripted()
	store := NewMemStateStore()

	require.NoError(t, NewEngine(def, store, exec).Run(nil))

	assert.Equal(t, []string{"curl -sf localhost:8100/health"}, exec.evaluated)
	assert.Equal(t, []string{"serve Qwen/Qwen2.5-7B-Instruct --port 8100"}, exec.ran)
}

func TestUnknownFromTaskIsAnError(t *testing.T) {
	err := NewEngine(defThreeTasks(), NewMemStateStore(), newScripted()).Run(&RunOptions{FromTask: "nope"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown task id")
}

func TestSubstitute(t *testing.T) {
	vars := map[string]string{"A": "1", "B": "2"}
	assert.Equal(t, "1 and 2", Substitute("{{A}} and {{B}}", vars))
	assert.Equal(t, "{{C}} stays", Substitute("{{C}} stays", vars))
	assert.Equal(t, "plain", Substitute("plain", nil))
}
