// Package middleware implements the onion-model chain: before hooks run
// outermost-first, after/onError hooks unwind inside-out, each able to
// replace the value threaded into the next stage.
package middleware

import "fmt"

// Middleware is a single onion layer. Any method may be a no-op: return
// (nil, nil) from Before/After to leave the value unchanged, or (nil, nil)
// from OnError to decline recovery.
type Middleware interface {
	Name() string
	Before(moduleID string, inputs map[string]any, ctx any) (map[string]any, error)
	After(moduleID string, inputs map[string]any, output any, ctx any) (any, error)
	OnError(moduleID string, inputs map[string]any, cause error, ctx any) (any, error)
}

// Base provides no-op implementations of Before/After/OnError so concrete
// middlewares only need to override what they care about.
type Base struct{ NameValue string }

func (b Base) Name() string { return b.NameValue }
func (b Base) Before(string, map[string]any, any) (map[string]any, error)  { return nil, nil }
func (b Base) After(string, map[string]any, any, any) (any, error)        { return nil, nil }
func (b Base) OnError(string, map[string]any, error, any) (any, error)    { return nil, nil }

// ChainError wraps any error raised by a hook itself (as opposed to a
// module body error passed into OnError for possible recovery).
type ChainError struct {
	Phase    string
	Executed []string
	Cause    error
}

func (e *ChainError) Error() string {
	return fmt.Sprintf("middleware chain error in phase %s (executed: %v): %v", e.Phase, e.Executed, e.Cause)
}

func (e *ChainError) Unwrap() error { return e.Cause }

// Manager holds an ordered middleware chain. A nil *Manager behaves as an
// empty chain: ExecuteBefore/After are no-ops, ExecuteOnError never
// recovers.
type Manager struct {
	chain []Middleware
}

// NewManager constructs a Manager from an initial ordered chain.
func NewManager(initial ...Middleware) *Manager {
	return &Manager{chain: append([]Middleware(nil), initial...)}
}

// Add appends m to the chain.
func (m *Manager) Add(mw Middleware) {
	if m == nil {
		return
	}
	m.chain = append(m.chain, mw)
}

// Remove removes mw by identity (pointer/interface equality). Idempotent:
// removing an absent middleware is a no-op.
func (m *Manager) Remove(mw Middleware) {
	if m == nil {
		return
	}
	out := m.chain[:0]
	for _, existing := range m.chain {
		if existing != mw {
			out = append(out, existing)
		}
	}
	m.chain = out
}

// Snapshot returns a defensive copy of the current chain.
func (m *Manager) Snapshot() []Middleware {
	if m == nil {
		return nil
	}
	return append([]Middleware(nil), m.chain...)
}

// ExecuteBefore runs Before hooks forward (outermost-first). Each
// middleware may replace inputs for the next stage; a returned nil leaves
// the current value unchanged.
func (m *Manager) ExecuteBefore(moduleID string, inputs map[string]any, ctx any) (map[string]any, error) {
	if m == nil {
		return inputs, nil
	}
	executed := make([]string, 0, len(m.chain))
	current := inputs
	for _, mw := range m.chain {
		replacement, err := mw.Before(moduleID, current, ctx)
		executed = append(executed, mw.Name())
		if err != nil {
			return nil, &ChainError{Phase: "before", Executed: executed, Cause: err}
		}
		if replacement != nil {
			current = replacement
		}
	}
	return current, nil
}

// ExecuteAfter runs After hooks in reverse (inside-out unwind). Each
// middleware may replace the output for the next stage.
func (m *Manager) ExecuteAfter(moduleID string, inputs map[string]any, output any, ctx any) (any, error) {
	if m == nil {
		return output, nil
	}
	return m.ExecuteAfterFrom(len(m.chain)-1, moduleID, inputs, output, ctx)
}

// ExecuteAfterFrom runs After hooks in reverse starting at fromIndex
// (inclusive) down to the outermost middleware, rather than the full chain.
// Used to resume the after-chain from a recovering middleware's own
// position after ExecuteOnError, instead of re-running middleware that sit
// inside it in the onion.
func (m *Manager) ExecuteAfterFrom(fromIndex int, moduleID string, inputs map[string]any, output any, ctx any) (any, error) {
	if m == nil {
		return output, nil
	}
	executed := make([]string, 0, fromIndex+1)
	current := output
	for i := fromIndex; i >= 0; i-- {
		mw := m.chain[i]
		replacement, err := mw.After(moduleID, inputs, current, ctx)
		executed = append(executed, mw.Name())
		if err != nil {
			return nil, &ChainError{Phase: "after", Executed: executed, Cause: err}
		}
		if replacement != nil {
			current = replacement
		}
	}
	return current, nil
}

// ExecuteOnError runs OnError hooks in reverse. The first middleware to
// return a non-nil value recovers the call, and its index in the chain is
// returned so the caller can resume the after-chain from that position; if
// none recover, cause propagates unchanged (the bool return is false, the
// index -1).
func (m *Manager) ExecuteOnError(moduleID string, inputs map[string]any, cause error, ctx any) (any, bool, int, error) {
	if m == nil {
		return nil, false, -1, nil
	}
	executed := make([]string, 0, len(m.chain))
	for i := len(m.chain) - 1; i >= 0; i-- {
		mw := m.chain[i]
		recovered, err := mw.OnError(moduleID, inputs, cause, ctx)
		executed = append(executed, mw.Name())
		if err != nil {
			return nil, false, -1, &ChainError{Phase: "onError", Executed: executed, Cause: err}
		}
		if recovered != nil {
			return recovered, true, i, nil
		}
	}
	return nil, false, -1, nil
}
