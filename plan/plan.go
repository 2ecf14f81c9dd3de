package plan

import (
	"encoding/json"
	"fmt"
	"os"
)

// Topology is the role layout of a pattern, fixed at plan-authoring time.
// It is always explicit in the plan; it is never inferred from which files
// happen to exist on disk.
type Topology string

const (
	// One synchronous dispatch to one node.
	TopologyUnified Topology = "unified"
	// Consumer starts first and warms up, then the producer runs on the peer.
	TopologyDisaggregated Topology = "disaggregated"
	// Server starts first, then the client runs carrying the server's address.
	TopologyDualNode Topology = "dual-node"
)

func (t Topology) Valid() bool {
	switch t {
	case TopologyUnified, TopologyDisaggregated, TopologyDualNode:
		return true
	default:
		return false
	}
}

// NodeCount is how many distinct nodes the topology needs.
func (t Topology) NodeCount() int {
	if t == TopologyUnified {
		return 1
	}
	return 2
}

// A Pattern is one addressable experiment configuration. Params holds every
// plan key other than id and topology, to be merged over common_settings.
type Pattern struct {
	ID       string
	Topology Topology
	Params   map[string]any
}

func (p *Pattern) UnmarshalJSON(buf []byte) error {
	raw := map[string]any{}
	err := json.Unmarshal(buf, &raw)
	if err != nil {
		return err
	}

	id, _ := raw["id"].(string)
	if id == "" {
		return fmt.Errorf("pattern is missing an id")
	}
	p.ID = id
	delete(raw, "id")

	p.Topology = TopologyUnified
	if t, ok := raw["topology"].(string); ok {
		p.Topology = Topology(t)
	}
	delete(raw, "topology")
	if !p.Topology.Valid() {
		return fmt.Errorf("pattern %s has unknown topology %q", p.ID, p.Topology)
	}

	p.Params = raw
	return nil
}

// A Layer is an ordered group of patterns, executed strictly one at a time.
type Layer struct {
	ID       string    `json:"id"`
	Name     string    `json:"name"`
	Priority string    `json:"priority"`
	Patterns []Pattern `json:"patterns"`
}

type Infrastructure struct {
	InstanceType string `json:"instance_type"`
	NodeCount    int    `json:"node_count"`
	Model        string `json:"model"`
	TPSize       int    `json:"tp_size"`
}

// A Plan is the full ordered set of layers for one experiment phase.
type Plan struct {
	Phase          string         `json:"phase"`
	Name           string         `json:"name"`
	Description    string         `json:"description"`
	Infrastructure Infrastructure `json:"infrastructure"`
	CommonSettings map[string]any `json:"common_settings"`
	Layers         []Layer        `json:"layers"`
}

func Load(path string) (*Plan, error) {
	buf, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read experiment plan: %w", err)
	}
	return Parse(buf)
}

func Parse(buf []byte) (*Plan, error) {
	p := &Plan{}
	err := json.Unmarshal(buf, p)
	if err != nil {
		return nil, fmt.Errorf("failed to parse experiment plan: %w", err)
	}
	err = p.Validate()
	if err != nil {
		return nil, err
	}
	return p, nil
}

func (p *Plan) Validate() error {
	if p.Phase == "" {
		return fmt.Errorf("experiment plan is missing a phase")
	}
	layerIDs := map[string]bool{}
	patternIDs := map[string]bool{}
	for _, layer := range p.Layers {
		if layerIDs[layer.ID] {
			return fmt.Errorf("duplicate layer id: %s", layer.ID)
		}
		layerIDs[layer.ID] = true
		for _, pattern := range layer.Patterns {
			if patternIDs[pattern.ID] {
				return fmt.Errorf("duplicate pattern id: %s", pattern.ID)
			}
			patternIDs[pattern.ID] = true
		}
	}
	return nil
}

func (p *Plan) Layer(id string) (*Layer, bool) {
	for i := range p.Layers {
		if p.Layers[i].ID == id {
			return &p.Layers[i], true
		}
	}
	return nil, false
}

// FindPattern returns the pattern and its owning layer.
func (p *Plan) FindPattern(id string) (*Pattern, *Layer, bool) {
	for i := range p.Layers {
		for j := range p.Layers[i].Patterns {
			if p.Layers[i].Patterns[j].ID == id {
				return &p.Layers[i].Patterns[j], &p.Layers[i], true
			}
		}
	}
	return nil, nil, false
}

func (p *Plan) PatternCount() int {
	n := 0
	for _, layer := range p.Layers {
		n += len(layer.Patterns)
	}
	return n
}
