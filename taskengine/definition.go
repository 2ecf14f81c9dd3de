package taskengine

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
)

// A TaskDefinition is an ordered list of idempotency-guarded tasks plus the
// template variables shared by all of them. Immutable once loaded.
type TaskDefinition struct {
	Name      string            `json:"name"`
	Variables map[string]string `json:"variables,omitempty"`
	Tasks     []Task            `json:"tasks"`
}

type Task struct {
	ID       string   `json:"id"`
	Name     string   `json:"name"`
	SkipIf   string   `json:"skip_if,omitempty"`
	Commands []string `json:"commands"`
}

func LoadDefinition(path string) (*TaskDefinition, error) {
	buf, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read task definition: %w", err)
	}
	return ParseDefinition(buf)
}

func ParseDefinition(buf []byte) (*TaskDefinition, error) {
	def := &TaskDefinition{}
	err := json.Unmarshal(buf, def)
	if err != nil {
		return nil, fmt.Errorf("failed to parse task definition: %w", err)
	}
	err = def.Validate()
	if err != nil {
		return nil, err
	}
	return def, nil
}

func (d *TaskDefinition) Validate() error {
	if len(d.Tasks) == 0 {
		return fmt.Errorf("task definition %q has no tasks", d.Name)
	}
	seen := map[string]bool{}
	for _, t := range d.Tasks {
		if t.ID == "" {
			return fmt.Errorf("task definition %q contains a task with an empty id", d.Name)
		}
		if seen[t.ID] {
			return fmt.Errorf("duplicate task id: %s", t.ID)
		}
		seen[t.ID] = true
	}
	return nil
}

// TaskIndex returns the position of the task with the given id, or -1.
func (d *TaskDefinition) TaskIndex(id string) int {
	for i, t := range d.Tasks {
		if t.ID == id {
			return i
		}
	}
	return -1
}

// WithVariables returns a copy of the definition with the given variables
// merged in. Existing keys are overwritten. The receiver is not modified.
func (d *TaskDefinition) WithVariables(vars map[string]string) *TaskDefinition {
	out := &TaskDefinition{
		Name:      d.Name,
		Variables: map[string]string{},
		Tasks:     d.Tasks,
	}
	for k, v := range d.Variables {
		out.Variables[k] = v
	}
	for k, v := range vars {
		out.Variables[k] = v
	}
	return out
}

// Substitute replaces every {{KEY}} placeholder in template with the matching
// value from vars. Placeholders without a matching key are left intact.
func Substitute(template string, vars map[string]string) string {
	out := template
	for k, v := range vars {
		out = strings.ReplaceAll(out, "{{"+k+"}}", v)
	}
	return out
}
