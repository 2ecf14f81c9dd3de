// Package config loads orchestrator settings from the environment, with an
// optional .env file for local use.
package config

import (
	"errors"
	"fmt"
	"os"

	"github.com/joho/godotenv"
)

type Config struct {
	// ScriptsBucket holds staged task definitions and collected results.
	ScriptsBucket string

	// Node1 runs the active role of every pattern (unified, producer,
	// client). Node2 runs the passive role (consumer, server).
	Node1ID      string
	Node2ID      string
	Node1Private string
	Node2Private string

	// ResultsDir is where collected artifacts land locally.
	ResultsDir string
}

// Load reads the given .env file if it exists, then the process environment.
// The private addresses may be left empty; they are resolved from EC2 when
// missing. Everything else is required.
func Load(envFile string) (*Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("loading %s: %w", envFile, err)
		}
	}
	cfg := &Config{
		ScriptsBucket: os.Getenv("SCRIPTS_BUCKET"),
		Node1ID:       os.Getenv("NODE1_ID"),
		Node2ID:       os.Getenv("NODE2_ID"),
		Node1Private:  os.Getenv("NODE1_PRIVATE"),
		Node2Private:  os.Getenv("NODE2_PRIVATE"),
		ResultsDir:    os.Getenv("RESULTS_DIR"),
	}
	if cfg.ResultsDir == "" {
		cfg.ResultsDir = "results"
	}
	return cfg, cfg.validate()
}

func (c *Config) validate() error {
	missing := []string{}
	if c.ScriptsBucket == "" {
		missing = append(missing, "SCRIPTS_BUCKET")
	}
	if c.Node1ID == "" {
		missing = append(missing, "NODE1_ID")
	}
	if c.Node2ID == "" {
		missing = append(missing, "NODE2_ID")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required environment variables: %v", missing)
	}
	if c.Node1ID == c.Node2ID {
		return fmt.Errorf("NODE1_ID and NODE2_ID must name different instances, got %s", c.Node1ID)
	}
	return nil
}
