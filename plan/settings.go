package plan

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/mitchellh/mapstructure"
)

// PatternSpec is the typed view of a pattern's merged settings. The raw map
// is kept alongside it for templating; this struct is for code that needs to
// branch on specific parameters.
type PatternSpec struct {
	Backend          string `mapstructure:"backend"`
	PromptTokens     int    `mapstructure:"prompt_tokens"`
	MaxTokens        int    `mapstructure:"max_tokens"`
	Concurrency      int    `mapstructure:"concurrency"`
	WarmupIterations int    `mapstructure:"warmup_iterations"`
	NumIterations    int    `mapstructure:"num_iterations"`
	PrefixCache      string `mapstructure:"prefix_cache"`
	MaxModelLen      int    `mapstructure:"max_model_len"`
}

// MergedSettings overlays pattern params on common settings (pattern wins)
// and fills in the derived values the remote task definitions expect.
func (p *Plan) MergedSettings(pattern *Pattern) map[string]any {
	merged := map[string]any{}
	for k, v := range p.CommonSettings {
		merged[k] = v
	}
	for k, v := range pattern.Params {
		merged[k] = v
	}

	infra := p.Infrastructure
	model := infra.Model

	// Bigger models take longer to load weights and register KV buffers.
	switch {
	case strings.Contains(model, "32B") || strings.Contains(model, "70B"):
		merged["init_wait_seconds"] = 180
		merged["kv_buffer_size"] = 5_000_000_000
	case strings.Contains(model, "14B"):
		merged["init_wait_seconds"] = 150
		merged["kv_buffer_size"] = 1_000_000_000
	default:
		merged["init_wait_seconds"] = 120
		merged["kv_buffer_size"] = 1_000_000_000
	}

	nodeCount := infra.NodeCount
	if nodeCount == 0 {
		nodeCount = 2
	}
	merged["tp_per_node"] = max(infra.TPSize/nodeCount, 1)

	if _, ok := merged["max_model_len"]; !ok {
		promptTokens := 4096
		if v, ok := merged["prompt_tokens"]; ok {
			if f, ok := v.(float64); ok {
				promptTokens = int(f)
			} else if i, ok := v.(int); ok {
				promptTokens = i
			}
		}
		merged["max_model_len"] = maxModelLenFor(promptTokens)
	}

	return merged
}

func maxModelLenFor(promptTokens int) int {
	switch {
	case promptTokens >= 100000:
		return 131072
	case promptTokens >= 50000:
		return 65536
	case promptTokens >= 20000:
		return 32768
	case promptTokens >= 10000:
		return 20480
	default:
		return 16384
	}
}

// Spec decodes the pattern's merged settings into a PatternSpec.
func (p *Plan) Spec(pattern *Pattern) (*PatternSpec, error) {
	spec := &PatternSpec{}
	err := mapstructure.Decode(p.MergedSettings(pattern), spec)
	if err != nil {
		return nil, fmt.Errorf("can't convert pattern %s params to PatternSpec: %w", pattern.ID, err)
	}
	return spec, nil
}

// Variables renders the pattern's merged settings as the template variable
// map for its task definition. Keys are uppercased to match the {{KEY}}
// placeholder convention; values are stringified.
func (p *Plan) Variables(pattern *Pattern) map[string]string {
	merged := p.MergedSettings(pattern)
	vars := map[string]string{
		"PATTERN_ID": pattern.ID,
		"PHASE":      p.Phase,
		"MODEL":      p.Infrastructure.Model,
	}
	for k, v := range merged {
		vars[strings.ToUpper(k)] = stringify(v)
	}
	return vars
}

func stringify(v any) string {
	switch val := v.(type) {
	case string:
		return val
	case bool:
		return strconv.FormatBool(val)
	case int:
		return strconv.Itoa(val)
	case float64:
		if val == float64(int64(val)) {
			return strconv.FormatInt(int64(val), 10)
		}
		return strconv.FormatFloat(val, 'f', -1, 64)
	default:
		return fmt.Sprintf("%v", val)
	}
}
