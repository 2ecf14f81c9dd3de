package main

import (
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"

	"disaggbench/taskengine"
)

func main() {
	fromTask := flag.String("from", "", "Resume execution at this task id. Earlier tasks keep their state.")
	reset := flag.Bool("reset", false, "Clear all persisted state for this host before running.")
	stateDir := flag.String("state-dir", "", "Directory holding the per-host state file. Defaults to ~/.disaggbench.")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	}))
	slog.SetDefault(logger)

	if flag.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "usage: taskrunner [options] <task-definition.json>")
		os.Exit(2)
	}
	defPath := flag.Arg(0)

	def, err := taskengine.LoadDefinition(defPath)
	if err != nil {
		slog.Error("failed to load task definition", slog.String("path", defPath), slog.String("error", err.Error()))
		os.Exit(1)
	}

	store, err := taskengine.NewFileStateStore(*stateDir)
	if err != nil {
		slog.Error("failed to open state store", slog.String("error", err.Error()))
		os.Exit(1)
	}

	engine := taskengine.NewEngine(def, store, taskengine.NewShellExecutable())
	err = engine.Run(&taskengine.RunOptions{
		FromTask:       *fromTask,
		Reset:          *reset,
		DefinitionPath: defPath,
	})
	if err != nil {
		var failed *taskengine.TaskFailedError
		if !errors.As(err, &failed) {
			slog.Error("run aborted", slog.String("error", err.Error()))
		}
		os.Exit(1)
	}
}
