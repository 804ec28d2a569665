package resources

import (
	"context"
	"maps"
	"slices"
	"sync"
)

// PropertiesCategory is the default category of Properties.
const PropertiesCategory = "config"

type propertiesFile struct {
	Properties map[string]string `yaml:"properties"`
}

// Properties is a local key/value configuration mirrored by a
// distributed map.
type Properties struct {
	category string
	path     string

	mu    sync.RWMutex
	props map[string]string
}

func OpenProperties(category string, path string) (*Properties, error) {
	if category == "" {
		category = PropertiesCategory
	}
	var file propertiesFile
	if err := loadYAML(path, &file); err != nil {
		return nil, err
	}
	if file.Properties == nil {
		file.Properties = map[string]string{}
	}
	return &Properties{category: category, path: path, props: file.Properties}, nil
}

func (p *Properties) Category() string { return p.category }

func (p *Properties) Kind() Kind { return MapKind }

func (p *Properties) List(ctx context.Context) ([]Resource, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	keys := slices.Sorted(maps.Keys(p.props))
	result := make([]Resource, 0, len(keys))
	for _, k := range keys {
		result = append(result, Resource{ID: k, Value: p.props[k]})
	}
	return result, nil
}

// Has is true only when the key exists with the same value.
func (p *Properties) Has(ctx context.Context, r Resource) (bool, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	v, ok := p.props[r.ID]
	return ok && v == r.Value, nil
}

func (p *Properties) Apply(ctx context.Context, r Resource) error {
	return p.Set(r.ID, r.Value)
}

func (p *Properties) Set(key string, value string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	props := maps.Clone(p.props)
	props[key] = value
	if err := saveYAML(p.path, propertiesFile{Properties: props}); err != nil {
		return err
	}
	p.props = props
	return nil
}

func (p *Properties) Get(key string) (string, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	v, ok := p.props[key]
	return v, ok
}
