// Package apctx implements the per-call Identity and Context propagation
// model: immutable caller identity, and a Context tree that carries trace
// id, call chain, and a shared data map down through nested module calls.
package apctx

import (
	"crypto/rand"
	"encoding/json"
	"fmt"
	"slices"

	"go.opentelemetry.io/otel/trace"
)

// Identity is the immutable caller principal. Once built via NewIdentity it
// must never be mutated; Roles and Attrs are defensively copied in and out.
type Identity struct {
	id    string
	typ   string
	roles []string
	attrs map[string]any
}

// NewIdentity constructs a frozen Identity. typ defaults to "user" when
// empty; roles/attrs default to empty and are copied so the caller's
// backing arrays/maps can't mutate the identity afterward.
func NewIdentity(id, typ string, roles []string, attrs map[string]any) *Identity {
	if typ == "" {
		typ = "user"
	}
	frozenRoles := append([]string(nil), roles...)
	frozenAttrs := make(map[string]any, len(attrs))
	for k, v := range attrs {
		frozenAttrs[k] = v
	}
	return &Identity{id: id, typ: typ, roles: frozenRoles, attrs: frozenAttrs}
}

// ID returns the caller's principal id.
func (i *Identity) ID() string { return i.id }

// Type returns the principal type ("user" by default).
func (i *Identity) Type() string { return i.typ }

// Roles returns a defensive copy of the role list.
func (i *Identity) Roles() []string { return append([]string(nil), i.roles...) }

// Attrs returns a defensive copy of the attribute map.
func (i *Identity) Attrs() map[string]any {
	out := make(map[string]any, len(i.attrs))
	for k, v := range i.attrs {
		out[k] = v
	}
	return out
}

// Executor is the opaque back-reference a Context carries to its owning
// executor. It is never serialized; the executor package supplies the
// concrete type.
type Executor any

// Context is the per-call metadata threaded through the module-call
// pipeline and into nested calls. Keys in Data beginning with "_" are
// reserved for the framework (observability span stacks, sampling
// decisions, and similar) and are excluded from JSON serialization.
type Context struct {
	TraceID        string
	CallerID       *string
	CallChain      []string
	Executor       Executor
	Identity       *Identity
	RedactedInputs map[string]any
	Data           map[string]any
}

// TraceOf returns the context's trace id (satisfies the observability
// middlewares' contextData interface).
func (c *Context) TraceOf() string { return c.TraceID }

// DataMap returns the context's shared Data map (satisfies the
// observability middlewares' contextData interface).
func (c *Context) DataMap() map[string]any { return c.Data }

// LastModule returns the last element of CallChain, or "" when empty.
func (c *Context) LastModule() string {
	if len(c.CallChain) == 0 {
		return ""
	}
	return c.CallChain[len(c.CallChain)-1]
}

// CallerIDOrEmpty returns the dereferenced CallerID, or "" when nil.
func (c *Context) CallerIDOrEmpty() string {
	if c.CallerID == nil {
		return ""
	}
	return *c.CallerID
}

// Create produces a fresh root context: new traceId, empty call chain, no
// caller, and a fresh Data map.
func Create(identity *Identity, executor Executor) *Context {
	return &Context{
		TraceID:   newTraceID(),
		CallChain: []string{},
		Executor:  executor,
		Identity:  identity,
		Data:      map[string]any{},
	}
}

// Child derives a context for a nested call to moduleId. The trace id,
// identity, executor, and Data map are shared with the parent; callChain is
// extended (without mutating the parent's slice); callerId becomes the
// parent's own last module; redactedInputs is reset.
func (c *Context) Child(moduleID string) *Context {
	var callerID *string
	if len(c.CallChain) > 0 {
		last := c.CallChain[len(c.CallChain)-1]
		callerID = &last
	}
	chain := make([]string, len(c.CallChain), len(c.CallChain)+1)
	copy(chain, c.CallChain)
	chain = append(chain, moduleID)

	return &Context{
		TraceID:        c.TraceID,
		CallerID:       callerID,
		CallChain:      chain,
		Executor:       c.Executor,
		Identity:       c.Identity,
		RedactedInputs: nil,
		Data:           c.Data,
	}
}

// wireIdentity is the JSON-serializable shape of Identity.
type wireIdentity struct {
	ID    string         `json:"id"`
	Type  string         `json:"type"`
	Roles []string       `json:"roles"`
	Attrs map[string]any `json:"attrs"`
}

// wireContext is the JSON-serializable shape of Context, matching the wire
// format in the external-interfaces section: executor and any "_"-prefixed
// Data keys are dropped.
type wireContext struct {
	TraceID        string         `json:"traceId"`
	CallerID       *string        `json:"callerId"`
	CallChain      []string       `json:"callChain"`
	Identity       *wireIdentity  `json:"identity"`
	RedactedInputs map[string]any `json:"redactedInputs"`
	Data           map[string]any `json:"data"`
}

// ToJSON serializes the context per the external wire format: the executor
// back-reference and any Data key beginning with "_" are omitted;
// callChain, identity.roles/attrs, and redactedInputs are deep-copied.
func (c *Context) ToJSON() ([]byte, error) {
	w := wireContext{
		TraceID:        c.TraceID,
		CallerID:       c.CallerID,
		CallChain:      slices.Clone(c.CallChain),
		RedactedInputs: deepCopyMap(c.RedactedInputs),
		Data:           map[string]any{},
	}
	for k, v := range c.Data {
		if len(k) > 0 && k[0] == '_' {
			continue
		}
		w.Data[k] = v
	}
	if c.Identity != nil {
		w.Identity = &wireIdentity{
			ID:    c.Identity.id,
			Type:  c.Identity.typ,
			Roles: c.Identity.Roles(),
			Attrs: c.Identity.Attrs(),
		}
	}
	return json.Marshal(w)
}

// FromJSON parses a serialized context and optionally re-injects an
// executor back-reference (never present on the wire). Identity
// roles/attrs default to empty when absent.
func FromJSON(data []byte, executor Executor) (*Context, error) {
	var w wireContext
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("apctx: decode context: %w", err)
	}
	c := &Context{
		TraceID:        w.TraceID,
		CallerID:       w.CallerID,
		CallChain:      slices.Clone(w.CallChain),
		Executor:       executor,
		RedactedInputs: deepCopyMap(w.RedactedInputs),
		Data:           map[string]any{},
	}
	for k, v := range w.Data {
		c.Data[k] = v
	}
	if w.Identity != nil {
		c.Identity = NewIdentity(w.Identity.ID, w.Identity.Type, w.Identity.Roles, w.Identity.Attrs)
	}
	return c, nil
}

func deepCopyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		if nested, ok := v.(map[string]any); ok {
			out[k] = deepCopyMap(nested)
			continue
		}
		out[k] = v
	}
	return out
}

// newTraceID generates a fresh 128-bit trace id, reusing otel/trace's
// TraceID type so its hex rendering matches the 32-character lowercase wire
// format the tracing exporters already expect.
func newTraceID() string {
	var buf trace.TraceID
	if _, err := rand.Read(buf[:]); err != nil {
		panic(fmt.Sprintf("apctx: failed to generate trace id: %v", err))
	}
	return buf.String()
}
