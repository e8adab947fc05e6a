package apctx_test

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/apcore/apcore/apctx"
)

func TestContext_ChildInvariants(t *testing.T) {
	identity := apctx.NewIdentity("u1", "user", []string{"admin"}, map[string]any{"team": "core"})
	parent := apctx.Create(identity, "executor-ref")
	parent.CallChain = append(parent.CallChain, "root-module")

	child := parent.Child("child-module")

	assert.Equal(t, parent.TraceID, child.TraceID)
	assert.Equal(t, append([]string{"root-module"}, "child-module"), child.CallChain)
	assert.Equal(t, []string{"root-module"}, parent.CallChain, "parent call chain must not be mutated")
	assert.Same(t, &parent.Data, &parent.Data) // sanity
	assert.True(t, sameMap(parent.Data, child.Data), "child.Data must be the same reference as parent.Data")
	assert.Nil(t, child.RedactedInputs)
	require.NotNil(t, child.CallerID)
	assert.Equal(t, "root-module", *child.CallerID)
}

func sameMap(a, b map[string]any) bool {
	if len(a) != len(b) {
		return false
	}
	a["__probe__"] = true
	defer delete(a, "__probe__")
	v, ok := b["__probe__"]
	return ok && v == true
}

func TestContext_JSONRoundTrip(t *testing.T) {
	identity := apctx.NewIdentity("u1", "user", []string{"admin"}, map[string]any{"team": "core"})
	c := apctx.Create(identity, "executor-ref")
	c.CallChain = []string{"a", "b"}
	c.Data["visible"] = "yes"
	c.Data["_internal"] = "hidden"
	c.RedactedInputs = map[string]any{"password": "***REDACTED***"}

	raw, err := c.ToJSON()
	require.NoError(t, err)

	var asMap map[string]any
	require.NoError(t, json.Unmarshal(raw, &asMap))
	dataField, _ := asMap["data"].(map[string]any)
	_, hasInternal := dataField["_internal"]
	assert.False(t, hasInternal, "_-prefixed data keys must not be serialized")
	_, hasExecutor := asMap["executor"]
	assert.False(t, hasExecutor, "executor must never be serialized")

	roundTripped, err := apctx.FromJSON(raw, "re-injected-executor")
	require.NoError(t, err)

	assert.Equal(t, c.TraceID, roundTripped.TraceID)
	assert.Equal(t, c.CallChain, roundTripped.CallChain)
	assert.Equal(t, c.Identity.ID(), roundTripped.Identity.ID())
	assert.Equal(t, c.Identity.Roles(), roundTripped.Identity.Roles())
	assert.Equal(t, c.RedactedInputs, roundTripped.RedactedInputs)
	assert.Equal(t, "re-injected-executor", roundTripped.Executor)
	assert.Equal(t, "yes", roundTripped.Data["visible"])
	_, hasInternalAfter := roundTripped.Data["_internal"]
	assert.False(t, hasInternalAfter)
}

func TestIdentity_IsFrozen(t *testing.T) {
	roles := []string{"admin"}
	attrs := map[string]any{"team": "core"}
	identity := apctx.NewIdentity("u1", "", roles, attrs)

	roles[0] = "mutated"
	attrs["team"] = "mutated"

	assert.Equal(t, []string{"admin"}, identity.Roles())
	assert.Equal(t, "core", identity.Attrs()["team"])
	assert.Equal(t, "user", identity.Type())

	got := identity.Roles()
	got[0] = "mutated-too"
	assert.Equal(t, []string{"admin"}, identity.Roles())
}
