package pipeline

import (
	"fmt"
	"path/filepath"
	"sort"
	"sync"

	"github.com/spf13/afero"
	"gopkg.in/yaml.v3"
)

// ConfigPath is the dataset-relative location of the pipeline artifact.
const ConfigPath = ".datalad/crawl/crawl.yaml"

// Factory constructs a runnable pipeline from artifact arguments.
// Construction only: running it is the engine's business.
type Factory func(args map[string]any) (Pipeline, error)

// Registry maps template names to factories. It replaces dynamic loading of
// importable symbols: templates register themselves at init time and the
// artifact names one of them.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: map[string]Factory{}}
}

// DefaultRegistry is the process-wide registry templates register into.
var DefaultRegistry = NewRegistry()

// Register adds a factory under a template name.
func (r *Registry) Register(name string, factory Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.factories[name] = factory
}

// Names lists the registered template names.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}

	sort.Strings(names)

	return names
}

// artifact is the serialized form of a pipeline configuration.
type artifact struct {
	Template string         `yaml:"template"`
	Args     map[string]any `yaml:"args"`
}

// SaveConfig writes a dataset's pipeline artifact.
func SaveConfig(fs afero.Fs, datasetPath, template string, args map[string]any) error {
	if fs == nil {
		fs = afero.NewOsFs()
	}

	path := filepath.Join(datasetPath, ConfigPath)

	if err := fs.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating %s: %w", filepath.Dir(path), err)
	}

	data, err := yaml.Marshal(artifact{Template: template, Args: args})
	if err != nil {
		return fmt.Errorf("encoding pipeline config: %w", err)
	}

	if err := afero.WriteFile(fs, path, data, 0o644); err != nil {
		return fmt.Errorf("writing pipeline config %s: %w", path, err)
	}

	return nil
}

// Load reads the pipeline artifact of a dataset and constructs its
// pipeline through the registry.
func (r *Registry) Load(fs afero.Fs, datasetPath string) (Pipeline, error) {
	if fs == nil {
		fs = afero.NewOsFs()
	}

	path := filepath.Join(datasetPath, ConfigPath)

	data, err := afero.ReadFile(fs, path)
	if err != nil {
		return nil, fmt.Errorf("reading pipeline config %s: %w", path, err)
	}

	var a artifact
	if err := yaml.Unmarshal(data, &a); err != nil {
		return nil, fmt.Errorf("decoding pipeline config %s: %w", path, err)
	}

	if a.Template == "" {
		return nil, fmt.Errorf("pipeline config %s names no template", path)
	}

	r.mu.RLock()
	factory, ok := r.factories[a.Template]
	r.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("unknown pipeline template %q (registered: %v)", a.Template, r.Names())
	}

	p, err := factory(a.Args)
	if err != nil {
		return nil, fmt.Errorf("constructing pipeline %q: %w", a.Template, err)
	}

	return p, nil
}
