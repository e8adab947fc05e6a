package executor_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/apcore/apcore/acl"
	"github.com/apcore/apcore/apctx"
	"github.com/apcore/apcore/approval"
	"github.com/apcore/apcore/errs"
	"github.com/apcore/apcore/executor"
	"github.com/apcore/apcore/middleware"
	"github.com/apcore/apcore/registry"
	"github.com/apcore/apcore/safety"
)

type testModule struct {
	id           string
	inputSchema  map[string]any
	outputSchema map[string]any
	ann          registry.Annotations
	exec         func(inputs map[string]any, ctx any) (any, error)
}

func (m *testModule) ID() string                          { return m.id }
func (m *testModule) Execute(inputs map[string]any, ctx any) (any, error) { return m.exec(inputs, ctx) }
func (m *testModule) InputSchema() map[string]any         { return m.inputSchema }
func (m *testModule) OutputSchema() map[string]any        { return m.outputSchema }
func (m *testModule) Annotations() registry.Annotations   { return m.ann }

func moduleErr(t *testing.T, err error) *errs.ModuleError {
	t.Helper()
	me, ok := err.(*errs.ModuleError)
	require.True(t, ok, "expected *errs.ModuleError, got %T: %v", err, err)
	return me
}

func TestCall_HappyPath(t *testing.T) {
	reg := registry.NewInMemory()
	reg.Register(&testModule{
		id:           "echo",
		inputSchema:  map[string]any{"type": "object", "properties": map[string]any{"x": map[string]any{"type": "number"}}},
		outputSchema: map[string]any{"type": "object", "properties": map[string]any{"result": map[string]any{"type": "number"}}},
		exec: func(inputs map[string]any, ctx any) (any, error) {
			x := inputs["x"].(float64)
			return map[string]any{"result": x * 2}, nil
		},
	})
	exec := executor.NewExecutor(reg)

	out, err := exec.Call("echo", map[string]any{"x": float64(21)}, nil)
	require.NoError(t, err)
	assert.Equal(t, float64(42), out["result"])
}

func TestCall_ACLDenialPrecedesApproval(t *testing.T) {
	reg := registry.NewInMemory()
	reg.Register(&testModule{
		id:  "restricted",
		ann: registry.Annotations{RequiresApproval: true},
		exec: func(inputs map[string]any, ctx any) (any, error) {
			return map[string]any{}, nil
		},
	})

	requested := false
	handler := approval.NewCallback(func(req *approval.Request) (*approval.Result, error) {
		requested = true
		return approval.NewResult(approval.StatusApproved, "auto", "", approval.NewApprovalID(), nil), nil
	})

	exec := executor.NewExecutor(reg,
		executor.WithACL(acl.NewWildcard()), // no allow rules: denies everything
		executor.WithApprovalHandler(handler),
	)

	_, err := exec.Call("restricted", map[string]any{}, nil)
	require.Error(t, err)
	me := moduleErr(t, err)
	assert.Equal(t, errs.CodeACLDenied, me.Code)
	assert.False(t, requested, "approval handler must not be invoked when ACL denies first")
}

func TestCall_PendingThenResume(t *testing.T) {
	reg := registry.NewInMemory()
	var seenInputs map[string]any
	reg.Register(&testModule{
		id:  "risky",
		ann: registry.Annotations{RequiresApproval: true},
		exec: func(inputs map[string]any, ctx any) (any, error) {
			seenInputs = inputs
			return map[string]any{"ok": true}, nil
		},
	})

	requestCount, checkCount := 0, 0
	handler := &countingHandler{
		onRequest: func(req *approval.Request) (*approval.Result, error) {
			requestCount++
			return approval.NewResult(approval.StatusPending, "", "", "abc", nil), nil
		},
		onCheck: func(approvalID string) (*approval.Result, error) {
			checkCount++
			return approval.NewResult(approval.StatusApproved, "auto", "", approvalID, nil), nil
		},
	}

	exec := executor.NewExecutor(reg, executor.WithApprovalHandler(handler))

	_, err := exec.Call("risky", map[string]any{"y": float64(1)}, nil)
	require.Error(t, err)
	me := moduleErr(t, err)
	assert.Equal(t, errs.CodeApprovalPending, me.Code)
	assert.Equal(t, "abc", me.Details["approvalId"])
	assert.Equal(t, 1, requestCount)
	assert.Equal(t, 0, checkCount)

	out, err := exec.Call("risky", map[string]any{"y": float64(1), "_approval_token": "abc"}, nil)
	require.NoError(t, err)
	assert.Equal(t, true, out["ok"])
	assert.Equal(t, 1, requestCount)
	assert.Equal(t, 1, checkCount)
	assert.NotContains(t, seenInputs, "_approval_token")
	assert.Equal(t, float64(1), seenInputs["y"])
}

type countingHandler struct {
	onRequest func(*approval.Request) (*approval.Result, error)
	onCheck   func(string) (*approval.Result, error)
}

func (c *countingHandler) RequestApproval(req *approval.Request) (*approval.Result, error) {
	return c.onRequest(req)
}

func (c *countingHandler) CheckApproval(approvalID string) (*approval.Result, error) {
	return c.onCheck(approvalID)
}

func TestCall_CycleDetection(t *testing.T) {
	reg := registry.NewInMemory()
	reg.Register(&testModule{
		id:   "b",
		exec: func(inputs map[string]any, ctx any) (any, error) { return map[string]any{}, nil },
	})
	exec := executor.NewExecutor(reg)

	ctx := apctx.Create(nil, nil)
	ctx.CallChain = []string{"a", "b", "a"}

	_, err := exec.Call("b", map[string]any{}, ctx)
	require.Error(t, err)
	me := moduleErr(t, err)
	assert.Equal(t, errs.CodeCircularCall, me.Code)
}

func TestCall_Redaction(t *testing.T) {
	reg := registry.NewInMemory()
	var captured *apctx.Context
	reg.Register(&testModule{
		id: "profile",
		inputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"user":     map[string]any{"type": "string"},
				"password": map[string]any{"type": "string", "x-sensitive": true},
			},
		},
		exec: func(inputs map[string]any, ctx any) (any, error) {
			captured = ctx.(*apctx.Context)
			return map[string]any{"user": inputs["user"]}, nil
		},
	})
	exec := executor.NewExecutor(reg)

	_, err := exec.Call("profile", map[string]any{"user": "u", "password": "p", "_secret_key": "k"}, nil)
	require.NoError(t, err)
	require.NotNil(t, captured)
	assert.Equal(t, "u", captured.RedactedInputs["user"])
	assert.Equal(t, "***", captured.RedactedInputs["password"])
	assert.Equal(t, "***", captured.RedactedInputs["_secret_key"])
}

func TestCall_TimeoutDominance(t *testing.T) {
	reg := registry.NewInMemory()
	reg.Register(&testModule{
		id:  "slow",
		ann: registry.Annotations{Extra: map[string]any{"timeoutMs": int64(50)}},
		exec: func(inputs map[string]any, ctx any) (any, error) {
			time.Sleep(200 * time.Millisecond)
			return map[string]any{}, nil
		},
	})
	afterCalls := 0
	rec := &recordingMiddleware{onAfter: func() { afterCalls++ }}
	exec := executor.NewExecutor(reg, executor.WithMiddleware(rec))

	_, err := exec.Call("slow", map[string]any{}, nil)
	require.Error(t, err)
	me := moduleErr(t, err)
	assert.Equal(t, errs.CodeTimeout, me.Code)
	assert.Equal(t, 0, afterCalls, "after middleware must not fire on timeout")
}

type recordingMiddleware struct {
	middleware.Base
	onAfter func()
}

func (r *recordingMiddleware) Name() string { return "recording" }

func (r *recordingMiddleware) After(moduleID string, inputs map[string]any, output any, ctx any) (any, error) {
	r.onAfter()
	return nil, nil
}

func TestCall_OnErrorRecoveryResumesAfterChainFromRecoveringMiddleware(t *testing.T) {
	reg := registry.NewInMemory()
	reg.Register(&testModule{
		id: "flaky",
		exec: func(inputs map[string]any, ctx any) (any, error) {
			return nil, errs.New(errs.CodeTimeout, "flaky", "", "boom")
		},
	})

	var afterCalls []string
	// outer is installed first, so it sits outside inner in the onion:
	// Before runs outer then inner; After/OnError unwind inner then outer.
	outer := &namedMiddleware{name: "outer", onAfter: func() { afterCalls = append(afterCalls, "outer") }}
	inner := &namedMiddleware{
		name: "inner",
		onAfter: func() { afterCalls = append(afterCalls, "inner") },
		onErr: func() any { return map[string]any{"recovered": true} },
	}
	exec := executor.NewExecutor(reg, executor.WithMiddleware(outer), executor.WithMiddleware(inner))

	out, err := exec.Call("flaky", map[string]any{}, nil)
	require.NoError(t, err)
	assert.Equal(t, true, out["recovered"])
	// inner recovered, so only inner and middleware outside it (outer) run
	// their After hook — never a middleware that would sit inside inner.
	assert.Equal(t, []string{"inner", "outer"}, afterCalls)
}

type namedMiddleware struct {
	middleware.Base
	name    string
	onAfter func()
	onErr   func() any
}

func (m *namedMiddleware) Name() string { return m.name }

func (m *namedMiddleware) After(moduleID string, inputs map[string]any, output any, ctx any) (any, error) {
	if m.onAfter != nil {
		m.onAfter()
	}
	return output, nil
}

func (m *namedMiddleware) OnError(moduleID string, inputs map[string]any, cause error, ctx any) (any, error) {
	if m.onErr != nil {
		return m.onErr(), nil
	}
	return nil, nil
}

func TestStartJanitor_StopsOnContextCancel(t *testing.T) {
	reg := registry.NewInMemory()
	limiter := safety.NewFrequencyLimiter(50, 10)
	exec := executor.NewExecutor(reg, executor.WithFrequencyLimiter(limiter))

	ctx, cancel := context.WithCancel(context.Background())
	exec.StartJanitor(ctx, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	cancel()
	// Nothing to assert beyond "doesn't panic/deadlock"; the goroutine
	// exits on the next tick after cancel.
	time.Sleep(20 * time.Millisecond)
}

func TestCall_ModuleNotFound(t *testing.T) {
	reg := registry.NewInMemory()
	exec := executor.NewExecutor(reg)

	_, err := exec.Call("missing", map[string]any{}, nil)
	require.Error(t, err)
	assert.Equal(t, errs.CodeModuleNotFound, moduleErr(t, err).Code)
}
