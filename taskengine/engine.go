package taskengine

import (
	"fmt"
	"log/slog"
	"time"
)

type engine struct {
	def   *TaskDefinition
	store StateStore
	exec  Executable
}

// An Engine executes a task definition in file order against a persistent
// state store. Execution is single-threaded and strictly sequential.
type Engine interface {
	Run(opts *RunOptions) error
}

type RunOptions struct {
	// FromTask resumes execution at the named task id. Tasks before it keep
	// their persisted state untouched; the named task and everything after it
	// run again regardless of prior success.
	FromTask string

	// Reset clears all persisted state for this host before running.
	Reset bool

	// DefinitionPath is only used in the resumption hint printed on failure.
	DefinitionPath string
}

// A TaskFailedError halts the run at the first failing command.
type TaskFailedError struct {
	TaskID   string
	Command  string
	ExitCode int
	Output   []byte
}

func (e *TaskFailedError) Error() string {
	return fmt.Sprintf("task %s failed: command exited %d", e.TaskID, e.ExitCode)
}

func NewEngine(def *TaskDefinition, store StateStore, exec Executable) Engine {
	return &engine{def: def, store: store, exec: exec}
}

func (e *engine) Run(opts *RunOptions) error {
	if opts == nil {
		opts = &RunOptions{}
	}

	if opts.Reset {
		err := e.store.Reset()
		if err != nil {
			return fmt.Errorf("failed to reset state: %w", err)
		}
		slog.Info("state reset, all tasks will run", slog.String("definition", e.def.Name))
	}

	start := 0
	if opts.FromTask != "" {
		start = e.def.TaskIndex(opts.FromTask)
		if start < 0 {
			return fmt.Errorf("unknown task id: %s", opts.FromTask)
		}
		slog.Info("resuming", slog.String("from", opts.FromTask))
	}

	for i := start; i < len(e.def.Tasks); i++ {
		task := e.def.Tasks[i]

		// Without an explicit resume point a durable success is never re-run.
		if opts.FromTask == "" {
			entry, ok, err := e.store.Get(task.ID)
			if err != nil {
				return fmt.Errorf("failed to read state for task %s: %w", task.ID, err)
			}
			if ok && entry.Status == StatusSuccess {
				slog.Debug("task already succeeded, skipping", slog.String("task", task.ID))
				continue
			}
		}

		err := e.runTask(&task, opts)
		if err != nil {
			return err
		}
	}

	slog.Info("all tasks finished", slog.String("definition", e.def.Name))
	return nil
}

func (e *engine) runTask(task *Task, opts *RunOptions) error {
	if task.SkipIf != "" {
		skip, err := e.exec.Evaluate(Substitute(task.SkipIf, e.def.Variables))
		if err != nil {
			return fmt.Errorf("failed to evaluate skip_if for task %s: %w", task.ID, err)
		}
		if skip {
			slog.Info("skip_if is true, marking success without running", slog.String("task", task.ID))
			return e.setState(task.ID, StatusSuccess)
		}
	}

	slog.Info("running task", slog.String("task", task.ID), slog.String("name", task.Name))
	err := e.setState(task.ID, StatusRunning)
	if err != nil {
		return err
	}

	for _, command := range task.Commands {
		command = Substitute(command, e.def.Variables)
		code, out, err := e.exec.Run(command)
		if err != nil {
			return fmt.Errorf("failed to run command in task %s: %w", task.ID, err)
		}
		if code != 0 {
			serr := e.setState(task.ID, StatusFailed)
			if serr != nil {
				slog.Error("failed to persist failed state", slog.String("task", task.ID), slog.String("error", serr.Error()))
			}
			slog.Error("command failed",
				slog.String("task", task.ID),
				slog.Int("exitCode", code),
				slog.String("output", string(out)),
			)
			fmt.Printf("Task %s failed. After fixing, resume with: taskrunner %s --from %s\n",
				task.ID, e.definitionPath(opts), task.ID)
			return &TaskFailedError{TaskID: task.ID, Command: command, ExitCode: code, Output: out}
		}
		slog.Debug("command finished", slog.String("task", task.ID), slog.String("output", string(out)))
	}

	return e.setState(task.ID, StatusSuccess)
}

func (e *engine) setState(id string, status Status) error {
	err := e.store.Set(id, StateEntry{
		Status:    status,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		return fmt.Errorf("failed to persist state for task %s: %w", id, err)
	}
	return nil
}

func (e *engine) definitionPath(opts *RunOptions) string {
	if opts.DefinitionPath != "" {
		return opts.DefinitionPath
	}
	return e.def.Name
}
