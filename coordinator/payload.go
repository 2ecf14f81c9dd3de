package coordinator

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"

	"disaggbench/plan"
	"disaggbench/taskengine"
)

const remoteWorkDir = "/tmp/disaggbench"

// buildRoleBatch loads the pattern's definition for the given role, augments
// it with the just-in-time variables, and wraps it into the command batch
// that ships it to the node and runs it from clean state.
//
// The definition travels base64-encoded inside its own command so values with
// shell metacharacters can never escape into the surrounding script. Every
// execution passes --reset: a pattern run is a fresh measurement, never a
// resume of partial task state.
func (c *Coordinator) buildRoleBatch(pattern *plan.Pattern, role string, vars map[string]string) ([]string, error) {
	defPath := c.definitionPath(pattern.ID, role)
	def, err := taskengine.LoadDefinition(defPath)
	if err != nil {
		return nil, fmt.Errorf("pattern %s: %w", pattern.ID, err)
	}
	augmented := def.WithVariables(vars)

	buf, err := json.Marshal(augmented)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize definition for pattern %s: %w", pattern.ID, err)
	}

	remotePath := filepath.Join(remoteWorkDir, filepath.Base(defPath))
	return []string{
		fmt.Sprintf("mkdir -p %s", remoteWorkDir),
		fmt.Sprintf("echo %s | base64 -d > %s", base64.StdEncoding.EncodeToString(buf), remotePath),
		fmt.Sprintf("taskrunner %s --reset", remotePath),
	}, nil
}

// definitionPath maps (pattern, role) to the rendered definition file. The
// active role uses the bare pattern id; passive roles carry a -role suffix.
// The same convention lets the monitor re-attribute interleaved log lines.
func (c *Coordinator) definitionPath(patternID, role string) string {
	name := patternID + ".json"
	if role != "" {
		name = patternID + "-" + role + ".json"
	}
	return filepath.Join(c.input.DefinitionDir, c.input.Plan.Phase, name)
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return strings.TrimSpace(s[:i])
	}
	return strings.TrimSpace(s)
}
