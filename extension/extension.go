// Package extension implements the extension-point registry used to wire
// pluggable collaborators (middleware, approval handler, ACL, and
// observability primitives) into an Executor without the executor package
// needing to know about every concrete implementation up front.
package extension

import "fmt"

// Point declares a single named extension slot.
type Point struct {
	Name     string
	Multiple bool
	TypeName string
	TypeCheck func(v any) bool
}

// Manager holds registered extension points and their registered values.
type Manager struct {
	points map[string]Point
	single map[string]any
	multi  map[string][]any
	order  []string // point names in first-registration order
}

// NewManager constructs a Manager seeded with the built-in points:
// middleware (multiple), approval_handler (single), acl (single),
// metrics_collector, tracing_exporter, context_logger (all single).
func NewManager() *Manager {
	m := &Manager{
		points: make(map[string]Point),
		single: make(map[string]any),
		multi:  make(map[string][]any),
	}
	m.DeclarePoint(Point{Name: "middleware", Multiple: true, TypeName: "middleware.Middleware", TypeCheck: anyValue})
	m.DeclarePoint(Point{Name: "approval_handler", Multiple: false, TypeName: "approval.Handler", TypeCheck: isApprovalHandler})
	m.DeclarePoint(Point{Name: "acl", Multiple: false, TypeName: "acl.ACL", TypeCheck: anyValue})
	m.DeclarePoint(Point{Name: "metrics_collector", Multiple: false, TypeName: "*metrics.Collector", TypeCheck: anyValue})
	m.DeclarePoint(Point{Name: "tracing_exporter", Multiple: false, TypeName: "telemetry.Exporter", TypeCheck: anyValue})
	m.DeclarePoint(Point{Name: "context_logger", Multiple: false, TypeName: "*logging.Logger", TypeCheck: anyValue})
	return m
}

func anyValue(any) bool { return true }

// isApprovalHandler accepts any non-nil value. It does not check for
// RequestApproval/CheckApproval methods; a point redeclared through
// DeclarePoint can supply a stricter TypeCheck.
func isApprovalHandler(v any) bool {
	type requestApprover interface {
		RequestApproval(any) (any, error)
	}
	// No method-set assertion is made here; only nil is rejected.
	return v != nil
}

// DeclarePoint registers a new extension point definition (or overwrites
// an existing one by name).
func (m *Manager) DeclarePoint(p Point) {
	m.points[p.Name] = p
}

// Register validates value against name's type-check predicate and stores
// it. Multiple points append in registration order; single points
// overwrite on re-register.
func (m *Manager) Register(name string, value any) error {
	p, ok := m.points[name]
	if !ok {
		return fmt.Errorf("extension: unknown point %q", name)
	}
	if p.TypeCheck != nil && !p.TypeCheck(value) {
		return fmt.Errorf("extension: value for %q does not satisfy %s", name, p.TypeName)
	}
	if p.Multiple {
		m.multi[name] = append(m.multi[name], value)
	} else {
		m.single[name] = value
	}
	if !contains(m.order, name) {
		m.order = append(m.order, name)
	}
	return nil
}

func contains(s []string, v string) bool {
	for _, x := range s {
		if x == v {
			return true
		}
	}
	return false
}

// Get returns the registered value for a single-valued point, or nil.
func (m *Manager) Get(name string) any {
	return m.single[name]
}

// GetAll returns the registered values for a multiple-valued point, in
// registration order.
func (m *Manager) GetAll(name string) []any {
	return append([]any(nil), m.multi[name]...)
}

// Applier is the subset of Executor-shaped wiring the extension manager
// drives, kept interface-only so this package does not import the
// executor package.
type Applier interface {
	AddMiddleware(mw any)
	SetApprovalHandler(h any)
	SetACL(a any)
}

// Apply wires every registered value into target: middlewares appended in
// registration order, single-valued points set via their setters.
func (m *Manager) Apply(target Applier) {
	for _, mw := range m.GetAll("middleware") {
		target.AddMiddleware(mw)
	}
	if h := m.Get("approval_handler"); h != nil {
		target.SetApprovalHandler(h)
	}
	if a := m.Get("acl"); a != nil {
		target.SetACL(a)
	}
}
