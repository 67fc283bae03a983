// Package yaml loads workflow definitions from YAML documents.
package yaml

import (
	"fmt"
	"os"
	"path/filepath"

	goyaml "gopkg.in/yaml.v3"

	"github.com/loomctl/loom"
)

// FlowLoader loads flow definitions from YAML files and validates their
// structural invariants before handing them to the engine.
type FlowLoader struct{}

func NewFlowLoader() *FlowLoader {
	return &FlowLoader{}
}

func (l *FlowLoader) Extensions() []string {
	return []string{"*.yaml", "*.yml"}
}

// Load reads and parses one workflow file.
func (l *FlowLoader) Load(filePath string) (*loom.Flow, error) {
	raw, err := os.ReadFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("error reading YAML file: %w", err)
	}
	flow, err := l.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", filePath, err)
	}
	return flow, nil
}

// Parse unmarshals a workflow document and runs static validation, so
// structurally invalid workflows never reach the executor.
func (l *FlowLoader) Parse(raw []byte) (*loom.Flow, error) {
	var flow loom.Flow
	if err := goyaml.Unmarshal(raw, &flow); err != nil {
		return nil, fmt.Errorf("error unmarshalling YAML: %w", err)
	}
	if err := loom.ValidateFlow(&flow); err != nil {
		return nil, err
	}
	return &flow, nil
}

// LoadDir loads every workflow in a directory, keyed by flow name.
func (l *FlowLoader) LoadDir(dir string) (map[string]*loom.Flow, error) {
	flows := make(map[string]*loom.Flow)
	for _, pattern := range l.Extensions() {
		files, err := filepath.Glob(filepath.Join(dir, pattern))
		if err != nil {
			return nil, fmt.Errorf("error reading directory: %w", err)
		}
		for _, file := range files {
			flow, err := l.Load(file)
			if err != nil {
				return nil, err
			}
			if _, ok := flows[flow.Name]; ok {
				return nil, fmt.Errorf("duplicate flow name %q in %s", flow.Name, file)
			}
			flows[flow.Name] = flow
		}
	}
	return flows, nil
}
