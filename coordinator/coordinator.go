package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"disaggbench/dispatch"
	"disaggbench/node"
	"disaggbench/plan"
)

// RemoteRunner is what the coordinator needs from the command dispatcher.
// *dispatch.Dispatcher satisfies it.
type RemoteRunner interface {
	Dispatch(ctx context.Context, instanceID string, commands []string) (*dispatch.Result, error)
}

type Input struct {
	Plan   *plan.Plan
	Runner RemoteRunner

	// Node1 runs the active role (unified, producer, client). Node2 runs the
	// passive peer (consumer, server). They must be distinct instances.
	Node1 *node.Node
	Node2 *node.Node

	RunLog *RunLog

	// DefinitionDir is the local directory holding the phase's rendered task
	// definitions (DefinitionDir/<phase>/<pattern>[-role].json).
	DefinitionDir string

	// ShareTimestamp injects one RUN_TIMESTAMP into both roles' definitions
	// so their result artifacts correlate.
	ShareTimestamp bool
}

// A Coordinator sequences a layer's patterns strictly one at a time and
// drives the per-pattern role protocol across the two nodes.
type Coordinator struct {
	input *Input

	// ConsumerWarmup is how long the consumer gets to become ready before the
	// producer starts. ServerWarmup is the same for dual-node servers, which
	// only need to open a listen socket.
	ConsumerWarmup time.Duration
	ServerWarmup   time.Duration

	sleep func(time.Duration)
}

type LayerSummary struct {
	LayerID   string
	Succeeded int
	Failed    int
}

func New(input *Input) (*Coordinator, error) {
	if input.Node1 == nil || input.Node2 == nil {
		return nil, fmt.Errorf("both nodes are required")
	}
	if input.Node1.ID == input.Node2.ID {
		return nil, fmt.Errorf("the two roles must resolve to two distinct nodes, got %s twice", input.Node1.ID)
	}
	return &Coordinator{
		input:          input,
		ConsumerWarmup: 30 * time.Second,
		ServerWarmup:   10 * time.Second,
		sleep:          time.Sleep,
	}, nil
}

// RunAll runs every layer in plan order. A failing pattern never stops the
// sweep; a missing definition file does, because it means the deploy step was
// skipped.
func (c *Coordinator) RunAll(ctx context.Context) ([]*LayerSummary, error) {
	summaries := []*LayerSummary{}
	for _, layer := range c.input.Plan.Layers {
		summary, err := c.RunLayer(ctx, layer.ID)
		if err != nil {
			return summaries, err
		}
		summaries = append(summaries, summary)
	}
	return summaries, nil
}

func (c *Coordinator) RunLayer(ctx context.Context, layerID string) (*LayerSummary, error) {
	layer, ok := c.input.Plan.Layer(layerID)
	if !ok {
		return nil, fmt.Errorf("unknown layer id: %s", layerID)
	}

	slog.Info("starting layer",
		slog.String("layer", layer.ID),
		slog.String("priority", layer.Priority),
		slog.Int("patterns", len(layer.Patterns)),
	)
	c.input.RunLog.LayerStart(layer.ID, len(layer.Patterns))

	summary := &LayerSummary{LayerID: layer.ID}
	for i := range layer.Patterns {
		pattern := &layer.Patterns[i]
		err := c.runPattern(ctx, layer, pattern)
		if err != nil {
			// Patterns are independent measurements; one failure never stops
			// the layer. Re-run it later with: run <pattern-id>.
			summary.Failed++
			c.input.RunLog.PatternFailed(layer.ID, pattern.ID, err)
			slog.Warn("pattern failed, continuing with the next one",
				slog.String("pattern", pattern.ID),
				slog.String("error", err.Error()),
				slog.String("retryWith", fmt.Sprintf("run %s", pattern.ID)),
			)
			continue
		}
		summary.Succeeded++
		c.input.RunLog.PatternSuccess(layer.ID, pattern.ID)
	}

	c.input.RunLog.LayerEnd(layer.ID, summary.Succeeded, summary.Failed)
	slog.Info("layer finished",
		slog.String("layer", layer.ID),
		slog.Int("succeeded", summary.Succeeded),
		slog.Int("failed", summary.Failed),
	)
	return summary, nil
}

// RunPattern re-runs a single pattern by id. This is the retry path: each
// execution starts from clean per-node state, there is no partial resume.
func (c *Coordinator) RunPattern(ctx context.Context, patternID string) error {
	pattern, layer, ok := c.input.Plan.FindPattern(patternID)
	if !ok {
		return fmt.Errorf("unknown pattern id: %s", patternID)
	}
	err := c.runPattern(ctx, layer, pattern)
	if err != nil {
		c.input.RunLog.PatternFailed(layer.ID, pattern.ID, err)
		return err
	}
	c.input.RunLog.PatternSuccess(layer.ID, pattern.ID)
	return nil
}

type roleResult struct {
	role   string
	result *dispatch.Result
	err    error
}

func (c *Coordinator) runPattern(ctx context.Context, layer *plan.Layer, pattern *plan.Pattern) error {
	slog.Info("starting pattern",
		slog.String("pattern", pattern.ID),
		slog.String("topology", string(pattern.Topology)),
	)
	c.input.RunLog.PatternStart(layer.ID, pattern.ID, string(pattern.Topology))

	vars := c.input.Plan.Variables(pattern)
	if c.input.ShareTimestamp {
		vars["RUN_TIMESTAMP"] = time.Now().UTC().Format("20060102-150405")
	}

	switch pattern.Topology {
	case plan.TopologyUnified:
		return c.runUnified(ctx, layer, pattern, vars)
	case plan.TopologyDisaggregated:
		return c.runTwoRole(ctx, layer, pattern, vars, "consumer", "producer", c.ConsumerWarmup)
	case plan.TopologyDualNode:
		vars["SERVER_ADDR"] = c.input.Node2.PrivateAddr
		return c.runTwoRole(ctx, layer, pattern, vars, "server", "client", c.ServerWarmup)
	default:
		return fmt.Errorf("pattern %s has unknown topology %q", pattern.ID, pattern.Topology)
	}
}

func (c *Coordinator) runUnified(ctx context.Context, layer *plan.Layer, pattern *plan.Pattern, vars map[string]string) error {
	batch, err := c.buildRoleBatch(pattern, "", vars)
	if err != nil {
		return err
	}
	_, err = c.input.Runner.Dispatch(ctx, c.input.Node1.ID, batch)
	if err != nil {
		c.logRoleError(layer.ID, pattern.ID, "unified", err)
		return fmt.Errorf("unified: %w", err)
	}
	return nil
}

// runTwoRole dispatches the passive role on node2, waits the warm-up delay,
// dispatches the active role on node1, then joins the passive role. The
// pattern completes only when both roles reach a terminal state.
func (c *Coordinator) runTwoRole(ctx context.Context, layer *plan.Layer, pattern *plan.Pattern, vars map[string]string, passive, active string, warmup time.Duration) error {
	passiveVars := withPeer(vars, c.input.Node1.PrivateAddr)
	passiveBatch, err := c.buildRoleBatch(pattern, passive, passiveVars)
	if err != nil {
		return err
	}
	activeVars := withPeer(vars, c.input.Node2.PrivateAddr)
	activeBatch, err := c.buildRoleBatch(pattern, "", activeVars)
	if err != nil {
		return err
	}

	passiveCh := make(chan *roleResult, 1)
	go func() {
		result, err := c.input.Runner.Dispatch(ctx, c.input.Node2.ID, passiveBatch)
		passiveCh <- &roleResult{role: passive, result: result, err: err}
	}()

	slog.Debug("waiting for passive role to become ready",
		slog.String("pattern", pattern.ID),
		slog.String("role", passive),
		slog.Duration("warmup", warmup),
	)
	c.sleep(warmup)

	_, activeErr := c.input.Runner.Dispatch(ctx, c.input.Node1.ID, activeBatch)
	if activeErr != nil {
		c.logRoleError(layer.ID, pattern.ID, active, activeErr)
	}

	passiveRes := <-passiveCh
	if passiveRes.err != nil {
		c.logRoleError(layer.ID, pattern.ID, passive, passiveRes.err)
	}

	if activeErr != nil || passiveRes.err != nil {
		var parts []error
		if activeErr != nil {
			parts = append(parts, fmt.Errorf("%s: %w", active, activeErr))
		}
		if passiveRes.err != nil {
			parts = append(parts, fmt.Errorf("%s: %w", passive, passiveRes.err))
		}
		return errors.Join(parts...)
	}
	return nil
}

func (c *Coordinator) logRoleError(layerID, patternID, role string, err error) {
	detail := err.Error()
	var failed *dispatch.InvocationFailedError
	if errors.As(err, &failed) && failed.Stderr != "" {
		detail = firstLine(failed.Stderr)
	} else if errors.Is(err, dispatch.ErrPollTimeout) {
		detail = "timed out waiting for terminal state"
	}
	c.input.RunLog.RoleError(layerID, patternID, role, detail)
}

func withPeer(vars map[string]string, peerAddr string) map[string]string {
	out := map[string]string{}
	for k, v := range vars {
		out[k] = v
	}
	out["PEER_ADDR"] = peerAddr
	return out
}
