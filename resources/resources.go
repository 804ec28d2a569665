// Package resources contains the local resource systems a synchronizer
// reconciles with the cluster: the state a node owns locally and can
// enumerate and apply.
package resources

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Kind tells which kind of distributed collection mirrors a system.
type Kind int

const (
	// SetKind systems are mirrored by a set of resource IDs.
	SetKind Kind = iota

	// MapKind systems are mirrored by a map of resource ID to value.
	MapKind
)

// Resource is one synchronizable item. Value is only meaningful for
// MapKind systems.
type Resource struct {
	ID    string
	Value string
}

// System is a local resource system.
type System interface {
	Category() string
	Kind() Kind
	List(ctx context.Context) ([]Resource, error)

	// Has reports whether the resource is already reflected locally.
	Has(ctx context.Context, r Resource) (bool, error)
	Apply(ctx context.Context, r Resource) error
}

// Linker is implemented by systems that publish extra information
// alongside each pushed resource, in a collection of another category.
type Linker interface {
	Linked(ctx context.Context, r Resource) (category string, members []string, err error)
}

func loadYAML(path string, out any) error {
	if path == "" {
		return nil
	}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to parse %s: %w", path, err)
	}
	return nil
}

func saveYAML(path string, in any) error {
	if path == "" {
		return nil
	}
	data, err := yaml.Marshal(in)
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", path, err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp*")
	if err != nil {
		return fmt.Errorf("failed to create temp file for %s: %w", path, err)
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("failed to write %s: %w", tmp.Name(), err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("failed to close %s: %w", tmp.Name(), err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("failed to replace %s: %w", path, err)
	}
	return nil
}
