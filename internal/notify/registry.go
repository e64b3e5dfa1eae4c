package notify

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
)

// Definition describes one configured notifier entry.
type Definition struct {
	// Name is the stable configured notifier identifier.
	Name string
	// Type identifies which builder should construct this notifier.
	Type string
	// Enabled controls whether this definition is active.
	Enabled bool
	// Config stores notifier-type-specific JSON payload.
	Config []byte
}

// BuilderFunc builds one notifier from one configured definition.
type BuilderFunc func(ctx context.Context, definition Definition, identity Identity, logger *slog.Logger) (Notifier, error)

// Descriptor binds one notifier type token to its builder.
type Descriptor struct {
	// Type is the notifier type token from configuration (for example "slack").
	Type string
	// Builder constructs one notifier for this type.
	Builder BuilderFunc
}

// Registry maps notifier types to builders.
type Registry struct {
	builders map[string]BuilderFunc
	types    []string
}

// NewRegistry creates one immutable notifier registry from descriptors.
func NewRegistry(descriptors []Descriptor) (*Registry, error) {
	builders := make(map[string]BuilderFunc, len(descriptors))
	types := make([]string, 0, len(descriptors))
	for _, descriptor := range descriptors {
		if descriptor.Type == "" {
			return nil, fmt.Errorf("new registry: empty descriptor type")
		}
		if descriptor.Builder == nil {
			return nil, fmt.Errorf("new registry type %s: nil builder", descriptor.Type)
		}
		if _, exists := builders[descriptor.Type]; exists {
			return nil, fmt.Errorf("new registry type %s: duplicate", descriptor.Type)
		}

		builders[descriptor.Type] = descriptor.Builder
		types = append(types, descriptor.Type)
	}
	sort.Strings(types)

	return &Registry{
		builders: builders,
		types:    types,
	}, nil
}

// Types returns all registered notifier types in sorted order.
func (r *Registry) Types() []string {
	if r == nil {
		return nil
	}

	types := make([]string, len(r.types))
	copy(types, r.types)

	return types
}

// BuildEnabled builds all enabled notifier definitions.
func (r *Registry) BuildEnabled(
	ctx context.Context,
	definitions []Definition,
	identity Identity,
	logger *slog.Logger,
) ([]Notifier, error) {
	if r == nil {
		return nil, fmt.Errorf("build notifiers: nil registry")
	}

	notifiers := make([]Notifier, 0, len(definitions))
	seenNames := make(map[string]struct{}, len(definitions))
	for _, definition := range definitions {
		if !definition.Enabled {
			continue
		}
		if definition.Name == "" {
			return nil, fmt.Errorf("build notifier: empty name")
		}
		if _, exists := seenNames[definition.Name]; exists {
			return nil, fmt.Errorf("build notifier %s: duplicate name", definition.Name)
		}
		seenNames[definition.Name] = struct{}{}
		if definition.Type == "" {
			return nil, fmt.Errorf("build notifier %s: empty type", definition.Name)
		}

		builder, exists := r.builders[definition.Type]
		if !exists {
			return nil, fmt.Errorf("build notifier %s type %s: unsupported type", definition.Name, definition.Type)
		}

		notifier, err := builder(ctx, definition, identity, logger.With("notifier", definition.Name))
		if err != nil {
			return nil, fmt.Errorf("build notifier %s type %s: %w", definition.Name, definition.Type, err)
		}
		notifiers = append(notifiers, notifier)
	}

	return notifiers, nil
}
