package graph

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	yamlfile "github.com/msageha/stampede/internal/yaml"
)

// File is the on-disk graph description. The schema header is optional; when
// present it must name the target_graph file type.
//
//	schema_version: 1
//	file_type: target_graph
//	targets:
//	  - name: //base:x
//	  - name: //app:bin
//	    deps: ["//base:x"]
type File struct {
	yamlfile.Header `yaml:",inline"`

	Targets []TargetSpec `yaml:"targets"`
}

type TargetSpec struct {
	Name string   `yaml:"name"`
	Deps []string `yaml:"deps,omitempty"`
}

// Parse decodes and validates a graph description.
func Parse(data []byte) (*Graph, error) {
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse graph: %w", err)
	}
	if f.SchemaVersion != 0 || f.FileType != "" {
		if err := f.Validate(yamlfile.FileTypeTargetGraph); err != nil {
			return nil, fmt.Errorf("graph header: %w", err)
		}
	}
	return f.Graph()
}

// Load reads and validates the graph file at path.
func Load(path string) (*Graph, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read graph file: %w", err)
	}
	g, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return g, nil
}

func (f File) Graph() (*Graph, error) {
	names := make([]string, 0, len(f.Targets))
	deps := make(map[string][]string)
	for _, t := range f.Targets {
		names = append(names, t.Name)
		if len(t.Deps) > 0 {
			deps[t.Name] = append(deps[t.Name], t.Deps...)
		}
	}
	return New(names, deps)
}

// File returns the graph in its on-disk form, targets in topological order,
// with a schema header.
func (g *Graph) File() File {
	f := File{
		Header:  yamlfile.NewHeader(yamlfile.FileTypeTargetGraph),
		Targets: make([]TargetSpec, 0, len(g.order)),
	}
	for _, t := range g.order {
		f.Targets = append(f.Targets, TargetSpec{Name: t, Deps: g.Dependencies(t)})
	}
	return f
}

// Save writes the graph atomically to path.
func (g *Graph) Save(path string) error {
	if err := yamlfile.WriteFile(path, g.File()); err != nil {
		return fmt.Errorf("save graph: %w", err)
	}
	return nil
}
