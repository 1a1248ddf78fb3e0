// Package registry holds the node type definitions known to the engine.
//
// A NodeType is an immutable descriptor: a declared port schema plus a pure
// compute function. Registering a type is the sole extensibility point for
// custom node kinds; any value satisfying the ComputeFunc contract qualifies,
// no subclassing or code generation involved.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/zclconf/go-cty/cty"
)

var (
	// ErrUnknownType is returned when looking up a type name that was never registered.
	ErrUnknownType = errors.New("unknown node type")

	// ErrTypeConflict is returned when re-registering a name with an
	// incompatible port schema.
	ErrTypeConflict = errors.New("node type conflict")
)

// ComputeFunc is the compute contract every node type implements. It maps
// input port values and node parameters to output port values.
//
// Implementations must be pure with respect to the graph: they may not touch
// graph-owned structures, and they must treat the input maps as read-only.
// Long-running implementations should observe ctx for cooperative
// cancellation.
type ComputeFunc func(ctx context.Context, inputs, params map[string]cty.Value) (map[string]cty.Value, error)

// PortSpec declares a single named, typed port on a node type.
type PortSpec struct {
	Name string
	Type cty.Type

	// Optional marks an input port that may be left unconnected. Ignored
	// for outputs.
	Optional bool

	// Default is the value supplied to compute when an optional input is
	// unconnected. cty.NilVal means no default.
	Default cty.Value
}

// NodeType describes one kind of node: its name, version, ordered port
// schema and compute behavior. NodeTypes are immutable after registration.
type NodeType struct {
	Name    string
	Version string
	Inputs  []PortSpec
	Outputs []PortSpec
	Compute ComputeFunc
}

// Input returns the declared input port spec with the given name.
func (t *NodeType) Input(name string) (PortSpec, bool) {
	for _, p := range t.Inputs {
		if p.Name == name {
			return p, true
		}
	}
	return PortSpec{}, false
}

// Output returns the declared output port spec with the given name.
func (t *NodeType) Output(name string) (PortSpec, bool) {
	for _, p := range t.Outputs {
		if p.Name == name {
			return p, true
		}
	}
	return PortSpec{}, false
}

// Registry is a concurrency-safe map of type name to NodeType.
type Registry struct {
	mu    sync.RWMutex
	types map[string]*NodeType
}

// New creates and initializes a new, empty Registry instance.
func New() *Registry {
	return &Registry{types: make(map[string]*NodeType)}
}

// Register adds a node type to the registry. Registration is
// idempotent-checked: re-registering a name with an identical port schema is
// a no-op, while an incompatible schema fails with ErrTypeConflict and
// leaves the existing registration in place.
func (r *Registry) Register(t *NodeType) error {
	if t == nil || t.Name == "" {
		return errors.New("node type must have a name")
	}
	if t.Compute == nil {
		return fmt.Errorf("node type %q has no compute function", t.Name)
	}
	if err := checkPortSpecs(t.Name, t.Inputs); err != nil {
		return err
	}
	if err := checkPortSpecs(t.Name, t.Outputs); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.types[t.Name]; ok {
		if !schemaEqual(existing, t) {
			return fmt.Errorf("%w: %q is already registered with a different port schema", ErrTypeConflict, t.Name)
		}
		return nil
	}
	r.types[t.Name] = t
	return nil
}

// Lookup returns the node type registered under name, or ErrUnknownType.
func (r *Registry) Lookup(name string) (*NodeType, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	t, ok := r.types[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, name)
	}
	return t, nil
}

// Names returns all registered type names in ascending order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.types))
	for name := range r.types {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func checkPortSpecs(typeName string, specs []PortSpec) error {
	seen := make(map[string]struct{}, len(specs))
	for _, p := range specs {
		if p.Name == "" {
			return fmt.Errorf("node type %q declares a port with an empty name", typeName)
		}
		if _, dup := seen[p.Name]; dup {
			return fmt.Errorf("node type %q declares duplicate port %q", typeName, p.Name)
		}
		seen[p.Name] = struct{}{}
	}
	return nil
}

// schemaEqual reports whether two node types declare the same ordered port
// schema. Compute functions and versions are not compared; the schema is
// what downstream graphs depend on.
func schemaEqual(a, b *NodeType) bool {
	return portSpecsEqual(a.Inputs, b.Inputs) && portSpecsEqual(a.Outputs, b.Outputs)
}

func portSpecsEqual(a, b []PortSpec) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].Name != b[i].Name || !a[i].Type.Equals(b[i].Type) || a[i].Optional != b[i].Optional {
			return false
		}
	}
	return true
}
