// Package executor wires every collaborator package in this module into
// the single entry point described by the component design: Executor.Call
// walks the fixed, ordered pipeline (context acquisition, safety checks,
// registry lookup, ACL, approval gate, validation+redaction, middleware
// onion, timed execution, output validation, return) and maps every
// failure mode onto the typed errs.ModuleError family.
package executor

import (
	"context"
	"fmt"
	"time"

	"github.com/apcore/apcore/acl"
	"github.com/apcore/apcore/apctx"
	"github.com/apcore/apcore/approval"
	"github.com/apcore/apcore/config"
	"github.com/apcore/apcore/errs"
	"github.com/apcore/apcore/events"
	"github.com/apcore/apcore/logging"
	"github.com/apcore/apcore/middleware"
	"github.com/apcore/apcore/redact"
	"github.com/apcore/apcore/registry"
	"github.com/apcore/apcore/safety"
	"github.com/apcore/apcore/schema"
	"github.com/apcore/apcore/telemetry"
)

// dataKeyCancellation is the reserved Data key under which the executor
// stashes the per-call context.Context used to signal (cooperative)
// cancellation to a timed-out module body.
const dataKeyCancellation = "_execution_cancellation"

// Executor is the central orchestrator. Build one with NewExecutor and
// configure it with With* options or the mutator methods used by
// extension.Manager.Apply.
type Executor struct {
	registry    registry.Registry
	acl         acl.ACL
	approval    approval.Handler
	validator   schema.Validator
	middlewares *middleware.Manager
	bus         *events.Bus
	logger      *logging.Logger

	maxDepth         int
	freqLimiter      *safety.FrequencyLimiter
	defaultTimeoutMs int64
}

// Option configures an Executor at construction time.
type Option func(*Executor)

// WithACL installs the identity x module permission engine.
func WithACL(a acl.ACL) Option { return func(e *Executor) { e.acl = a } }

// WithApprovalHandler installs the approval collaborator.
func WithApprovalHandler(h approval.Handler) Option { return func(e *Executor) { e.approval = h } }

// WithValidator overrides the default schema.JSONSchemaValidator.
func WithValidator(v schema.Validator) Option { return func(e *Executor) { e.validator = v } }

// WithMiddleware appends a middleware to the onion chain.
func WithMiddleware(m middleware.Middleware) Option {
	return func(e *Executor) { e.middlewares.Add(m) }
}

// WithEventBus installs the lifecycle event bus.
func WithEventBus(b *events.Bus) Option { return func(e *Executor) { e.bus = b } }

// WithLogger installs the structured logger used for approval audit lines.
func WithLogger(l *logging.Logger) Option { return func(e *Executor) { e.logger = l } }

// WithMaxDepth overrides the default call-depth ceiling.
func WithMaxDepth(n int) Option { return func(e *Executor) { e.maxDepth = n } }

// WithDefaultTimeout sets the executor-wide default per-call timeout,
// used when a module's annotations don't declare their own.
func WithDefaultTimeout(ms int64) Option { return func(e *Executor) { e.defaultTimeoutMs = ms } }

// WithFrequencyLimiter installs the sliding-window frequency guard.
func WithFrequencyLimiter(l *safety.FrequencyLimiter) Option {
	return func(e *Executor) { e.freqLimiter = l }
}

// WithConfig reads the recognized executor.* dot-paths out of cfg and
// applies them (max depth, default timeout, frequency window/limit).
// Later options still override whatever this sets, since options run in
// the order passed to NewExecutor.
func WithConfig(cfg *config.Config) Option {
	return func(e *Executor) {
		if cfg == nil {
			return
		}
		e.maxDepth = toInt(cfg.Get("executor.max_depth", e.maxDepth), e.maxDepth)
		e.defaultTimeoutMs = toInt64(cfg.Get("executor.default_timeout_ms", e.defaultTimeoutMs), e.defaultTimeoutMs)
		maxPerWindow := toInt(cfg.Get("executor.frequency.max_per_window", 0), 0)
		if maxPerWindow > 0 {
			windowMs := toInt64(cfg.Get("executor.frequency.window_ms", int64(60000)), 60000)
			e.freqLimiter = safety.NewFrequencyLimiter(windowMs, maxPerWindow)
		}
	}
}

// NewExecutor constructs an Executor bound to reg, applying opts in order.
func NewExecutor(reg registry.Registry, opts ...Option) *Executor {
	e := &Executor{
		registry:    reg,
		validator:   schema.NewJSONSchemaValidator(),
		middlewares: middleware.NewManager(),
		maxDepth:    safety.DefaultMaxDepth,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// AddMiddleware, SetApprovalHandler, and SetACL satisfy extension.Applier
// so an extension.Manager can wire registered collaborators into this
// executor without importing its concrete type.
func (e *Executor) AddMiddleware(mw any) {
	if m, ok := mw.(middleware.Middleware); ok {
		e.middlewares.Add(m)
	}
}

func (e *Executor) SetApprovalHandler(h any) {
	if handler, ok := h.(approval.Handler); ok {
		e.approval = handler
	}
}

func (e *Executor) SetACL(a any) {
	if engine, ok := a.(acl.ACL); ok {
		e.acl = engine
	}
}

// Middlewares returns a defensive snapshot of the current onion chain.
func (e *Executor) Middlewares() []middleware.Middleware {
	return e.middlewares.Snapshot()
}

// StartJanitor runs a background sweep of the frequency limiter's stale
// timestamps every interval, until ctx is done. A no-op if no frequency
// limiter was configured. Callers that never call this still get correct
// frequency limiting (Check evicts lazily per moduleId); this only bounds
// memory for moduleIds that have stopped being called.
func (e *Executor) StartJanitor(ctx context.Context, interval time.Duration) {
	if e.freqLimiter == nil {
		return
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				_ = e.freqLimiter.Sweep(ctx, 4)
			}
		}
	}()
}

// Validate runs step 6 (input schema validation) in isolation, without
// executing the module. Used by callers that want to pre-flight inputs.
func (e *Executor) Validate(moduleID string, inputs map[string]any) (map[string]any, error) {
	mod, ok := e.registry.Lookup(moduleID)
	if !ok {
		return nil, errs.New(errs.CodeModuleNotFound, moduleID, "", fmt.Sprintf("module %q not found", moduleID))
	}
	validated, _, err := e.validator.ValidateInput(mod.InputSchema(), inputs)
	if err != nil {
		return nil, errs.New(errs.CodeSchemaValidation, moduleID, "", "input failed schema validation").WithCause(err)
	}
	return validated, nil
}

// Call implements the full 11-step pipeline described in the component
// design. ctx may be nil for a fresh root call.
func (e *Executor) Call(moduleID string, inputs map[string]any, ctx *apctx.Context) (map[string]any, error) {
	// Step 1: context acquisition. A root call derives its own call-chain
	// entry the same way a nested call does, so depth/cycle checks see a
	// uniform, always-populated chain regardless of call depth.
	var root *apctx.Context
	if ctx == nil {
		root = apctx.Create(nil, e)
	} else {
		root = ctx
	}
	childCtx := root.Child(moduleID)
	traceID := childCtx.TraceID

	// Step 2: safety checks.
	if exceeded, depth, limit := safety.CheckDepth(childCtx.CallChain, e.maxDepth); exceeded {
		return nil, errs.New(errs.CodeCallDepthExceeded, moduleID, traceID, fmt.Sprintf("call depth %d exceeds limit %d", depth, limit)).
			WithDetails(map[string]any{"depth": depth, "maxDepth": limit})
	}
	if cycle, found := safety.CheckCycle(childCtx.CallChain); found {
		return nil, errs.New(errs.CodeCircularCall, moduleID, traceID, "circular call detected").
			WithDetails(map[string]any{"chain": childCtx.CallChain, "cycle": cycle})
	}
	if e.freqLimiter != nil {
		if exceeded, count, limit := e.freqLimiter.Check(moduleID); exceeded {
			return nil, errs.New(errs.CodeFrequencyExceeded, moduleID, traceID, fmt.Sprintf("call frequency %d exceeds limit %d", count, limit)).
				WithDetails(map[string]any{"count": count, "limit": limit})
		}
	}

	// Step 3: registry lookup.
	mod, ok := e.registry.Lookup(moduleID)
	if !ok {
		return nil, errs.New(errs.CodeModuleNotFound, moduleID, traceID, fmt.Sprintf("module %q not found", moduleID))
	}
	ann := mod.Annotations()
	annMap := annotationsToMap(ann)

	// Step 4: ACL, evaluated before approval so unauthorized callers never
	// reach the approval handler.
	if e.acl != nil {
		if err := e.acl.Check(childCtx.Identity, moduleID, inputs); err != nil {
			return nil, errs.New(errs.CodeACLDenied, moduleID, traceID, fmt.Sprintf("access denied for module %q", moduleID)).WithCause(err)
		}
	}

	// Step 5: approval gate.
	outcome, err := approval.Gate(e.approval, moduleID, inputs, childCtx, annMap, moduleDescription(mod), moduleTags(mod))
	if err != nil {
		// Approval handler errors propagate to the caller unwrapped.
		return nil, err
	}
	if outcome.Result != nil {
		e.auditApproval(childCtx, moduleID, outcome)
	}
	if !outcome.Proceed {
		return nil, e.approvalError(moduleID, traceID, outcome)
	}
	inputs = outcome.Inputs

	// Step 6: input validation + redaction.
	validated, coercions, err := e.validator.ValidateInput(mod.InputSchema(), inputs)
	if err != nil {
		return nil, errs.New(errs.CodeSchemaValidation, moduleID, traceID, "input failed schema validation").
			WithCause(err).WithDetails(map[string]any{"coercions": coercions})
	}
	childCtx.RedactedInputs = redact.Sensitive(validated, mod.InputSchema())

	emitter := events.NewEmitter(e.bus, traceID)
	emitter.ModuleStarted(moduleID)

	// Steps 7-9: middleware before-chain, timed execution, output
	// validation. Any failure in this range is routed through the
	// onError chain before being reported.
	afterInputs, stepErr := e.middlewares.ExecuteBefore(moduleID, validated, childCtx)
	var output any
	if stepErr == nil {
		timeoutMs := moduleTimeoutMs(ann, e.defaultTimeoutMs)
		result, timedOut, execErr := e.runWithTimeout(mod, afterInputs, childCtx, timeoutMs)
		switch {
		case timedOut:
			stepErr = errs.New(errs.CodeTimeout, moduleID, traceID, fmt.Sprintf("module %q exceeded timeout of %dms", moduleID, timeoutMs)).
				WithDetails(map[string]any{"timeoutMs": timeoutMs})
		case execErr != nil:
			stepErr = execErr
		default:
			normalized := normalizeOutput(result)
			if err := e.validator.ValidateOutput(mod.OutputSchema(), normalized); err != nil {
				stepErr = errs.New(errs.CodeSchemaValidation, moduleID, traceID, "output failed schema validation").WithCause(err)
			} else {
				output = normalized
			}
		}
	}

	if stepErr != nil {
		recovered, ok, recoveredAt, chainErr := e.middlewares.ExecuteOnError(moduleID, afterInputs, stepErr, childCtx)
		if chainErr != nil {
			emitter.ModuleFailed(moduleID, string(errs.CodeMiddlewareChain))
			return nil, errs.New(errs.CodeMiddlewareChain, moduleID, traceID, "onError chain raised its own error").
				WithCause(chainErr).WithDetails(map[string]any{"originalError": stepErr.Error()})
		}
		if !ok {
			emitter.ModuleFailed(moduleID, errorCode(stepErr))
			return nil, stepErr
		}
		// Recovery: the replacement output only passes through the remaining
		// after-chain, starting at the recovering middleware's own position,
		// not back out through middleware that sit inside it in the onion.
		finalOutput, afterErr := e.middlewares.ExecuteAfterFrom(recoveredAt, moduleID, afterInputs, recovered, childCtx)
		if afterErr != nil {
			emitter.ModuleFailed(moduleID, string(errs.CodeMiddlewareChain))
			return nil, errs.New(errs.CodeMiddlewareChain, moduleID, traceID, "after chain raised its own error following recovery").WithCause(afterErr)
		}
		emitter.ModuleCompleted(moduleID, 0)
		return normalizeOutput(finalOutput), nil
	}

	// Step 10: middleware after-chain (only reached on the clean success
	// path; a timed-out or failed call never runs this, per the timeout
	// dominance property).
	finalOutput, afterErr := e.middlewares.ExecuteAfter(moduleID, afterInputs, output, childCtx)
	if afterErr != nil {
		emitter.ModuleFailed(moduleID, string(errs.CodeMiddlewareChain))
		return nil, errs.New(errs.CodeMiddlewareChain, moduleID, traceID, "after chain raised its own error").WithCause(afterErr)
	}
	emitter.ModuleCompleted(moduleID, 0)

	// Step 11: return.
	return normalizeOutput(finalOutput), nil
}

// StreamChunk is a single produced value from a streaming module, paired
// with any terminal error.
type StreamChunk struct {
	Value any
	Err   error
}

// Streamer is the optional interface a registry.Module may implement to
// support Executor.Stream. Modules that don't implement it can only be
// invoked through Call.
type Streamer interface {
	Stream(inputs map[string]any, ctx any) (<-chan any, error)
}

// Stream shares steps 1-7 with Call, then forwards produced values as
// they arrive, validating each against the output schema, and runs the
// after-chain once the source sequence terminates.
func (e *Executor) Stream(moduleID string, inputs map[string]any, ctx *apctx.Context) (<-chan StreamChunk, error) {
	var root *apctx.Context
	if ctx == nil {
		root = apctx.Create(nil, e)
	} else {
		root = ctx
	}
	childCtx := root.Child(moduleID)
	traceID := childCtx.TraceID

	if exceeded, depth, limit := safety.CheckDepth(childCtx.CallChain, e.maxDepth); exceeded {
		return nil, errs.New(errs.CodeCallDepthExceeded, moduleID, traceID, fmt.Sprintf("call depth %d exceeds limit %d", depth, limit))
	}
	if _, found := safety.CheckCycle(childCtx.CallChain); found {
		return nil, errs.New(errs.CodeCircularCall, moduleID, traceID, "circular call detected")
	}
	if e.freqLimiter != nil {
		if exceeded, count, limit := e.freqLimiter.Check(moduleID); exceeded {
			return nil, errs.New(errs.CodeFrequencyExceeded, moduleID, traceID, fmt.Sprintf("call frequency %d exceeds limit %d", count, limit))
		}
	}

	mod, ok := e.registry.Lookup(moduleID)
	if !ok {
		return nil, errs.New(errs.CodeModuleNotFound, moduleID, traceID, fmt.Sprintf("module %q not found", moduleID))
	}
	streamer, ok := mod.(Streamer)
	if !ok {
		return nil, errs.New(errs.CodeModuleNotFound, moduleID, traceID, fmt.Sprintf("module %q does not support streaming", moduleID))
	}

	if e.acl != nil {
		if err := e.acl.Check(childCtx.Identity, moduleID, inputs); err != nil {
			return nil, errs.New(errs.CodeACLDenied, moduleID, traceID, fmt.Sprintf("access denied for module %q", moduleID)).WithCause(err)
		}
	}

	annMap := annotationsToMap(mod.Annotations())
	outcome, err := approval.Gate(e.approval, moduleID, inputs, childCtx, annMap, moduleDescription(mod), moduleTags(mod))
	if err != nil {
		return nil, err
	}
	if outcome.Result != nil {
		e.auditApproval(childCtx, moduleID, outcome)
	}
	if !outcome.Proceed {
		return nil, e.approvalError(moduleID, traceID, outcome)
	}

	validated, _, err := e.validator.ValidateInput(mod.InputSchema(), outcome.Inputs)
	if err != nil {
		return nil, errs.New(errs.CodeSchemaValidation, moduleID, traceID, "input failed schema validation").WithCause(err)
	}
	childCtx.RedactedInputs = redact.Sensitive(validated, mod.InputSchema())

	afterInputs, err := e.middlewares.ExecuteBefore(moduleID, validated, childCtx)
	if err != nil {
		return nil, err
	}

	source, err := streamer.Stream(afterInputs, childCtx)
	if err != nil {
		return nil, err
	}

	out := make(chan StreamChunk)
	go func() {
		defer close(out)
		var last any
		for chunk := range source {
			normalized := normalizeOutput(chunk)
			if verr := e.validator.ValidateOutput(mod.OutputSchema(), normalized); verr != nil {
				out <- StreamChunk{Err: errs.New(errs.CodeSchemaValidation, moduleID, traceID, "output chunk failed schema validation").WithCause(verr)}
				return
			}
			last = normalized
			out <- StreamChunk{Value: normalized}
		}
		if _, err := e.middlewares.ExecuteAfter(moduleID, afterInputs, last, childCtx); err != nil {
			out <- StreamChunk{Err: err}
		}
	}()
	return out, nil
}

// runWithTimeout races mod.Execute against timeoutMs, signaling
// cancellation to the body via a context.Context stashed in childCtx.Data
// on expiry; the body's result is discarded if it arrives late.
func (e *Executor) runWithTimeout(mod registry.Module, inputs map[string]any, ctx *apctx.Context, timeoutMs int64) (out any, timedOut bool, err error) {
	if timeoutMs <= 0 {
		out, err = mod.Execute(inputs, ctx)
		return out, false, err
	}

	cancelCtx, cancel := context.WithTimeout(context.Background(), time.Duration(timeoutMs)*time.Millisecond)
	defer cancel()
	ctx.Data[dataKeyCancellation] = cancelCtx

	type result struct {
		out any
		err error
	}
	done := make(chan result, 1)
	go func() {
		o, e := mod.Execute(inputs, ctx)
		done <- result{o, e}
	}()

	select {
	case r := <-done:
		return r.out, false, r.err
	case <-cancelCtx.Done():
		return nil, true, nil
	}
}

// auditApproval logs and records the approval decision: an informational
// log line, a tracing event on the in-progress ancestor span (if any),
// and a lifecycle event on the bus.
func (e *Executor) auditApproval(childCtx *apctx.Context, moduleID string, outcome *approval.Outcome) {
	result := outcome.Result
	status := string(result.Status())
	approvalID := result.EffectiveApprovalID()

	if e.logger != nil {
		if original, unknown := result.UnknownStatus(); unknown {
			e.logger.Warn("approval handler returned unrecognized status, fail-closing to denied", map[string]any{
				"module_id":      moduleID,
				"unknown_status": original,
				"approval_id":    approvalID,
			})
		}
		e.logger.Info("approval decision", map[string]any{
			"module_id":   moduleID,
			"status":      status,
			"approved_by": result.ApprovedBy(),
			"reason":      result.Reason(),
			"approval_id": approvalID,
		})
	}
	telemetry.AppendEvent(childCtx.Data, "approval."+status, map[string]any{"module_id": moduleID, "approval_id": approvalID})

	emitter := events.NewEmitter(e.bus, childCtx.TraceID)
	emitter.Approval(approvalEventType(result.Status()), moduleID, approvalID)
}

// approvalError maps a stopped approval Outcome onto the corresponding
// typed pipeline error.
func (e *Executor) approvalError(moduleID, traceID string, outcome *approval.Outcome) error {
	result := outcome.Result
	switch result.Status() {
	case approval.StatusRejected:
		return errs.New(errs.CodeApprovalDenied, moduleID, traceID, result.Reason()).
			WithDetails(map[string]any{"approvedBy": result.ApprovedBy(), "approvalId": result.EffectiveApprovalID()})
	case approval.StatusTimeout:
		return errs.New(errs.CodeApprovalTimeout, moduleID, traceID, "approval timed out").
			WithDetails(map[string]any{"approvalId": result.EffectiveApprovalID()})
	case approval.StatusPending:
		return errs.New(errs.CodeApprovalPending, moduleID, traceID, "approval is pending").
			WithDetails(map[string]any{"approvalId": result.EffectiveApprovalID()})
	default:
		return errs.New(errs.CodeApprovalDenied, moduleID, traceID, result.Reason()).
			WithDetails(map[string]any{"approvalId": result.EffectiveApprovalID()})
	}
}

func approvalEventType(status approval.Status) events.Type {
	switch status {
	case approval.StatusApproved:
		return events.TypeApprovalApproved
	case approval.StatusRejected:
		return events.TypeApprovalRejected
	case approval.StatusTimeout:
		return events.TypeApprovalTimeout
	case approval.StatusPending:
		return events.TypeApprovalPending
	default:
		return events.TypeApprovalRejected
	}
}

func errorCode(err error) string {
	if me, ok := err.(*errs.ModuleError); ok {
		return string(me.Code)
	}
	return "UNKNOWN"
}

// normalizeOutput implements step 8's result normalization: nil becomes an
// empty mapping, a mapping passes through, anything else is wrapped as
// {"result": value}.
func normalizeOutput(v any) map[string]any {
	if v == nil {
		return map[string]any{}
	}
	if m, ok := v.(map[string]any); ok {
		return m
	}
	return map[string]any{"result": v}
}

func annotationsToMap(ann registry.Annotations) map[string]any {
	m := map[string]any{
		"readonly":         ann.ReadOnly,
		"destructive":      ann.Destructive,
		"idempotent":       ann.Idempotent,
		"requiresApproval": ann.RequiresApproval,
		"openWorld":        ann.OpenWorld,
	}
	for k, v := range ann.Extra {
		m[k] = v
	}
	return m
}

type describable interface{ Description() string }
type taggable interface{ Tags() []string }

func moduleDescription(mod registry.Module) string {
	if d, ok := mod.(describable); ok {
		return d.Description()
	}
	return ""
}

func moduleTags(mod registry.Module) []string {
	if t, ok := mod.(taggable); ok {
		return t.Tags()
	}
	return nil
}

func moduleTimeoutMs(ann registry.Annotations, fallback int64) int64 {
	if ann.Extra != nil {
		if v, ok := ann.Extra["timeoutMs"]; ok {
			return toInt64(v, fallback)
		}
	}
	return fallback
}

func toInt64(v any, def int64) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int:
		return int64(n)
	case float64:
		return int64(n)
	default:
		return def
	}
}

func toInt(v any, def int) int {
	return int(toInt64(v, int64(def)))
}
