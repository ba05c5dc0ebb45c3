package compose

import (
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

const DefaultConfigFilename = "stack.yaml"

// File is a parsed stack document. ServiceOrder preserves declaration
// order, which the topology uses to break topological-sort ties
// deterministically.
type File struct {
	Project  string             `yaml:"project,omitempty"`
	Services map[string]Service `yaml:"services"`
	Networks map[string]Network `yaml:"networks,omitempty"`
	Volumes  map[string]Volume  `yaml:"volumes,omitempty"`

	ServiceOrder []string `yaml:"-"`
}

func DefaultPath(projectRoot string) string {
	return filepath.Join(projectRoot, DefaultConfigFilename)
}

func LoadFromFile(path string) (*File, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "read stack file")
	}
	return Parse(b)
}

func Parse(b []byte) (*File, error) {
	var f File
	if err := yaml.Unmarshal(b, &f); err != nil {
		return nil, errors.Wrap(err, "parse stack yaml")
	}

	// Re-walk the document to recover service declaration order, which
	// map decoding discards.
	var doc yaml.Node
	if err := yaml.Unmarshal(b, &doc); err != nil {
		return nil, errors.Wrap(err, "parse stack yaml")
	}
	f.ServiceOrder = serviceOrder(&doc)

	if err := f.Validate(); err != nil {
		return nil, err
	}
	return &f, nil
}

func serviceOrder(doc *yaml.Node) []string {
	if doc.Kind != yaml.DocumentNode || len(doc.Content) == 0 {
		return nil
	}
	root := doc.Content[0]
	if root.Kind != yaml.MappingNode {
		return nil
	}
	for i := 0; i+1 < len(root.Content); i += 2 {
		if root.Content[i].Value != "services" {
			continue
		}
		services := root.Content[i+1]
		if services.Kind != yaml.MappingNode {
			return nil
		}
		var order []string
		for j := 0; j+1 < len(services.Content); j += 2 {
			order = append(order, services.Content[j].Value)
		}
		return order
	}
	return nil
}

// Validate rejects documents the scheduler could not act on: empty or
// duplicate-free name violations, dangling depends_on references, and
// health checks with no probe descriptor. Graph-level checks (cycles,
// service_healthy onto an unchecked prerequisite) live in pkg/topology.
func (f *File) Validate() error {
	if len(f.Services) == 0 {
		return errors.New("stack declares no services")
	}
	if len(f.ServiceOrder) != len(f.Services) {
		return errors.New("stack services could not be ordered")
	}
	for name, svc := range f.Services {
		if name == "" {
			return errors.New("service with empty name")
		}
		for _, req := range svc.DependsOn {
			if _, ok := f.Services[req.Service]; !ok {
				return errors.Errorf("service %q depends on undeclared service %q", name, req.Service)
			}
			if req.Service == name {
				return errors.Errorf("service %q depends on itself", name)
			}
		}
		if svc.HealthCheck != nil && len(svc.HealthCheck.Test) == 0 {
			return errors.Errorf("service %q healthcheck has no test", name)
		}
	}
	return nil
}

// ServicesInOrder yields (name, service) pairs in declaration order.
func (f *File) ServicesInOrder() []NamedService {
	out := make([]NamedService, 0, len(f.ServiceOrder))
	for _, name := range f.ServiceOrder {
		out = append(out, NamedService{Name: name, Service: f.Services[name]})
	}
	return out
}

type NamedService struct {
	Name    string
	Service Service
}
