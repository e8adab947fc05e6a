// Package registry defines the Module lookup interface the executor
// depends on (consumed, not owned, per the core design) and an in-memory
// default implementation capable of loading module descriptors from YAML,
// including Kubernetes-manifest-style wrapper documents.
package registry

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"gopkg.in/yaml.v3"
)

// NamespaceSep qualifies module ids into namespaces, e.g.
// "a2a__weather_agent__forecast".
const NamespaceSep = "__"

// ParseModuleID splits a qualified module id on the first NamespaceSep.
func ParseModuleID(id string) (namespace, local string) {
	ns, rest, found := strings.Cut(id, NamespaceSep)
	if !found {
		return "", id
	}
	return ns, rest
}

// QualifyModuleID joins a namespace and local id with NamespaceSep.
func QualifyModuleID(namespace, local string) string {
	if namespace == "" {
		return local
	}
	return namespace + NamespaceSep + local
}

// Annotations carries the recognized module metadata flags plus vendor
// x-* extensions. Non-goal: structural enforcement of x-* keys beyond
// presence — see schema.ValidationError for value-level checks.
type Annotations struct {
	ReadOnly         bool           `json:"readonly,omitempty" yaml:"readonly,omitempty"`
	Destructive      bool           `json:"destructive,omitempty" yaml:"destructive,omitempty"`
	Idempotent       bool           `json:"idempotent,omitempty" yaml:"idempotent,omitempty"`
	RequiresApproval bool           `json:"requiresApproval,omitempty" yaml:"requiresApproval,omitempty"`
	OpenWorld        bool           `json:"openWorld,omitempty" yaml:"openWorld,omitempty"`
	Extra            map[string]any `json:"-" yaml:"-"`
}

// Module is the interface the executor invokes at step 8. It is supplied
// entirely by the caller/registry — the core never constructs one.
type Module interface {
	ID() string
	Execute(inputs map[string]any, ctx any) (any, error)
	InputSchema() map[string]any
	OutputSchema() map[string]any
	Annotations() Annotations
}

// Registry is the external collaborator the executor looks modules up
// through. It is intentionally minimal: lookup by id.
type Registry interface {
	Lookup(moduleID string) (Module, bool)
}

// Descriptor is the declarative (YAML/JSON/K8s-manifest) shape a module can
// be loaded from when no native Go implementation is registered directly;
// pairing a Descriptor with an Executor produces a descriptorModule.
type Descriptor struct {
	Name         string         `json:"name" yaml:"name"`
	Namespace    string         `json:"namespace,omitempty" yaml:"namespace,omitempty"`
	Description  string         `json:"description,omitempty" yaml:"description,omitempty"`
	InputSchema  map[string]any `json:"input_schema" yaml:"input_schema"`
	OutputSchema map[string]any `json:"output_schema" yaml:"output_schema"`
	Annotations  Annotations    `json:"annotations,omitempty" yaml:"annotations,omitempty"`
}

// manifest is the Kubernetes-style wrapper document: apiVersion/kind/
// metadata/spec, mirroring the descriptor-loading convention carried from
// the teacher's tool-config loader.
type manifest struct {
	APIVersion string            `json:"apiVersion" yaml:"apiVersion"`
	Kind       string            `json:"kind" yaml:"kind"`
	Metadata   metav1.ObjectMeta `json:"metadata,omitempty" yaml:"metadata,omitempty"`
	Spec       Descriptor        `json:"spec" yaml:"spec"`
}

// Executor is a native handler bound to a Descriptor to form a runnable
// Module. Kept separate from registry.Module so the same handler can serve
// multiple qualified names.
type Executor func(inputs map[string]any, ctx any) (any, error)

// InMemory is the default Registry, backed by an in-process map. Safe for
// concurrent Lookup/Register per the core's concurrency model (a
// short-held RWMutex, since modules may be registered from one goroutine
// while looked up from others).
type InMemory struct {
	mu      sync.RWMutex
	modules map[string]Module
}

// NewInMemory constructs an empty in-memory registry.
func NewInMemory() *InMemory {
	return &InMemory{modules: make(map[string]Module)}
}

// Register adds or replaces a fully-formed Module.
func (r *InMemory) Register(m Module) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.modules[m.ID()] = m
}

// RegisterFunc registers a Descriptor paired with a native Go handler.
func (r *InMemory) RegisterFunc(d Descriptor, exec Executor) {
	id := QualifyModuleID(d.Namespace, d.Name)
	r.mu.Lock()
	defer r.mu.Unlock()
	r.modules[id] = &descriptorModule{id: id, descriptor: d, exec: exec}
}

// Lookup implements Registry.
func (r *InMemory) Lookup(moduleID string) (Module, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.modules[moduleID]
	return m, ok
}

// List returns all registered module ids.
func (r *InMemory) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.modules))
	for id := range r.modules {
		out = append(out, id)
	}
	return out
}

// LoadFromYAML parses a YAML document as either a raw Descriptor or a
// Kubernetes-style manifest (detected by the presence of a non-empty
// apiVersion field) and registers it against exec.
func (r *InMemory) LoadFromYAML(data []byte, exec Executor) error {
	var probe map[string]any
	if err := yaml.Unmarshal(data, &probe); err != nil {
		return fmt.Errorf("registry: parse yaml: %w", err)
	}

	if apiVersion, ok := probe["apiVersion"].(string); ok && apiVersion != "" {
		raw, err := yaml.Marshal(probe)
		if err != nil {
			return fmt.Errorf("registry: re-marshal manifest: %w", err)
		}
		var m manifest
		if err := yaml.Unmarshal(raw, &m); err != nil {
			return fmt.Errorf("registry: decode manifest: %w", err)
		}
		if m.Kind != "Module" {
			return fmt.Errorf("registry: unexpected kind %q, want %q", m.Kind, "Module")
		}
		if m.Metadata.Name != "" {
			m.Spec.Name = m.Metadata.Name
		}
		r.RegisterFunc(m.Spec, exec)
		return nil
	}

	var d Descriptor
	if err := yaml.Unmarshal(data, &d); err != nil {
		return fmt.Errorf("registry: decode descriptor: %w", err)
	}
	r.RegisterFunc(d, exec)
	return nil
}

// descriptorModule adapts a Descriptor + Executor pair to the Module
// interface.
type descriptorModule struct {
	id         string
	descriptor Descriptor
	exec       Executor
}

func (m *descriptorModule) ID() string { return m.id }

func (m *descriptorModule) Execute(inputs map[string]any, ctx any) (any, error) {
	return m.exec(inputs, ctx)
}

func (m *descriptorModule) InputSchema() map[string]any  { return m.descriptor.InputSchema }
func (m *descriptorModule) OutputSchema() map[string]any { return m.descriptor.OutputSchema }
func (m *descriptorModule) Annotations() Annotations     { return m.descriptor.Annotations }

// HasAnnotation reports whether a raw annotations mapping declares key as
// present, whatever its value.
func HasAnnotation(raw map[string]any, key string) bool {
	_, ok := raw[key]
	return ok
}

// AnnotationsFromMap decodes a raw annotations mapping into Annotations,
// preserving unrecognized x-* keys in Extra.
func AnnotationsFromMap(raw map[string]any) Annotations {
	a := Annotations{Extra: map[string]any{}}
	b, err := json.Marshal(raw)
	if err != nil {
		return a
	}
	_ = json.Unmarshal(b, &a)
	for k, v := range raw {
		switch k {
		case "readonly", "destructive", "idempotent", "requiresApproval", "openWorld":
		default:
			a.Extra[k] = v
		}
	}
	return a
}
