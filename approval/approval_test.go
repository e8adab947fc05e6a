package approval_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/apcore/apcore/approval"
)

func TestGate_SkipsWhenNoHandler(t *testing.T) {
	out, err := approval.Gate(nil, "m1", map[string]any{"x": 1}, nil, map[string]any{"requiresApproval": true}, "", nil)
	require.NoError(t, err)
	assert.True(t, out.Proceed)
}

func TestGate_SkipsWhenNotRequired(t *testing.T) {
	out, err := approval.Gate(approval.AlwaysDeny{}, "m1", map[string]any{"x": 1}, nil, map[string]any{}, "", nil)
	require.NoError(t, err)
	assert.True(t, out.Proceed)
}

func TestGate_RequestApproval_Rejected(t *testing.T) {
	out, err := approval.Gate(approval.AlwaysDeny{}, "m1", map[string]any{"x": 1}, nil, map[string]any{"requiresApproval": true}, "", nil)
	require.NoError(t, err)
	assert.False(t, out.Proceed)
	assert.Equal(t, approval.StatusRejected, out.Result.Status())
}

func TestGate_PendingThenResume(t *testing.T) {
	handler := &trackingHandler{
		requestResult: approval.NewResult(approval.StatusPending, "", "", "abc", nil),
		checkResult:   approval.NewResult(approval.StatusApproved, "alice", "", "abc", nil),
	}

	first, err := approval.Gate(handler, "risky", map[string]any{"y": 1}, nil, map[string]any{"requiresApproval": true}, "", nil)
	require.NoError(t, err)
	assert.False(t, first.Proceed)
	assert.Equal(t, approval.StatusPending, first.Result.Status())
	assert.Equal(t, "abc", first.Result.EffectiveApprovalID())
	assert.Equal(t, 1, handler.requestCalls)
	assert.Equal(t, 0, handler.checkCalls)

	second, err := approval.Gate(handler, "risky", map[string]any{"y": 1, "_approval_token": "abc"}, nil, map[string]any{"requiresApproval": true}, "", nil)
	require.NoError(t, err)
	assert.True(t, second.Proceed)
	assert.Equal(t, map[string]any{"y": 1}, second.Inputs, "token must be stripped from inputs")
	assert.Equal(t, 1, handler.checkCalls)
}

func TestGate_UnknownStatusFailsClosed(t *testing.T) {
	handler := &trackingHandler{requestResult: approval.NewResult("weird", "", "", "x", nil)}

	out, err := approval.Gate(handler, "m1", map[string]any{}, nil, map[string]any{"requiresApproval": true}, "", nil)
	require.NoError(t, err)
	assert.False(t, out.Proceed)
	assert.Equal(t, approval.StatusRejected, out.Result.Status())

	original, ok := out.Result.UnknownStatus()
	require.True(t, ok)
	assert.Equal(t, "weird", original)
}

type trackingHandler struct {
	requestResult *approval.Result
	checkResult   *approval.Result
	requestCalls  int
	checkCalls    int
}

func (h *trackingHandler) RequestApproval(req *approval.Request) (*approval.Result, error) {
	h.requestCalls++
	return h.requestResult, nil
}

func (h *trackingHandler) CheckApproval(approvalID string) (*approval.Result, error) {
	h.checkCalls++
	return h.checkResult, nil
}
