// Package approval implements the approval gate (pipeline step 4.5):
// request/result types, the Handler collaborator interface, built-in
// handlers, and the Gate that the executor drives.
package approval

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/apcore/apcore/apctx"
)

// Status is the outcome of an approval decision.
type Status string

// Recognized approval statuses.
const (
	StatusApproved Status = "approved"
	StatusRejected Status = "rejected"
	StatusTimeout  Status = "timeout"
	StatusPending  Status = "pending"
)

// Request is the immutable approval request built at step 4.5 when a
// module's annotations declare requiresApproval. Construct only via
// NewRequest.
type Request struct {
	moduleID    string
	arguments   map[string]any
	context     *apctx.Context
	annotations map[string]any
	description string
	tags        []string
}

// NewRequest builds a frozen Request: arguments and tags are defensively
// copied so later mutation by the caller can't reach the request.
func NewRequest(moduleID string, arguments map[string]any, ctx *apctx.Context, annotations map[string]any, description string, tags []string) *Request {
	args := make(map[string]any, len(arguments))
	for k, v := range arguments {
		args[k] = v
	}
	ann := make(map[string]any, len(annotations))
	for k, v := range annotations {
		ann[k] = v
	}
	return &Request{
		moduleID:    moduleID,
		arguments:   args,
		context:     ctx,
		annotations: ann,
		description: description,
		tags:        append([]string(nil), tags...),
	}
}

func (r *Request) ModuleID() string             { return r.moduleID }
func (r *Request) Arguments() map[string]any     { return r.arguments }
func (r *Request) Context() *apctx.Context        { return r.context }
func (r *Request) Annotations() map[string]any   { return r.annotations }
func (r *Request) Description() string           { return r.description }
func (r *Request) Tags() []string                { return append([]string(nil), r.tags...) }

// Result is the immutable outcome of an approval decision. Construct only
// via NewResult.
type Result struct {
	status     Status
	approvedBy string
	reason     string
	approvalID string
	metadata   map[string]any
}

// NewResult builds a frozen Result.
func NewResult(status Status, approvedBy, reason, approvalID string, metadata map[string]any) *Result {
	md := make(map[string]any, len(metadata))
	for k, v := range metadata {
		md[k] = v
	}
	return &Result{status: status, approvedBy: approvedBy, reason: reason, approvalID: approvalID, metadata: md}
}

func (r *Result) Status() Status            { return r.status }
func (r *Result) ApprovedBy() string        { return r.approvedBy }
func (r *Result) Reason() string            { return r.reason }
func (r *Result) ApprovalID() string        { return r.approvalID }
func (r *Result) Metadata() map[string]any  { return r.metadata }

// EffectiveApprovalID returns metadata["approvalId"] when set, else the
// result's own ApprovalID field — per the rule that the pending error's
// approvalId accessor must prefer whichever is populated.
func (r *Result) EffectiveApprovalID() string {
	if v, ok := r.metadata["approvalId"].(string); ok && v != "" {
		return v
	}
	return r.approvalID
}

// UnknownStatus reports the original status a Handler returned when resolve
// had to fail-close it to StatusRejected because it wasn't one of the
// recognized Status values, and whether that happened at all.
func (r *Result) UnknownStatus() (status string, ok bool) {
	v, ok := r.metadata["unknownStatus"].(string)
	return v, ok
}

// Handler is the approval collaborator the executor drives. RequestApproval
// is called for a fresh request; CheckApproval resumes a pending one by id.
type Handler interface {
	RequestApproval(req *Request) (*Result, error)
	CheckApproval(approvalID string) (*Result, error)
}

// NewApprovalID generates a fresh approval id.
func NewApprovalID() string {
	return uuid.NewString()
}

// AlwaysDeny is a Handler that rejects every request.
type AlwaysDeny struct{}

func (AlwaysDeny) RequestApproval(req *Request) (*Result, error) {
	return NewResult(StatusRejected, "", "denied by policy", NewApprovalID(), nil), nil
}

func (AlwaysDeny) CheckApproval(approvalID string) (*Result, error) {
	return NewResult(StatusRejected, "", "denied by policy", approvalID, nil), nil
}

// AutoApprove is a Handler that approves every request immediately.
type AutoApprove struct{}

func (AutoApprove) RequestApproval(req *Request) (*Result, error) {
	return NewResult(StatusApproved, "auto", "", NewApprovalID(), nil), nil
}

func (AutoApprove) CheckApproval(approvalID string) (*Result, error) {
	return NewResult(StatusApproved, "auto", "", approvalID, nil), nil
}

// Callback is a Handler whose RequestApproval delegates to a user function;
// CheckApproval rejects by default since a callback-backed handler has no
// natural resume source unless the caller wraps one.
type Callback struct {
	Fn func(req *Request) (*Result, error)
}

func NewCallback(fn func(req *Request) (*Result, error)) *Callback {
	return &Callback{Fn: fn}
}

func (c *Callback) RequestApproval(req *Request) (*Result, error) {
	return c.Fn(req)
}

func (c *Callback) CheckApproval(approvalID string) (*Result, error) {
	return NewResult(StatusRejected, "", "callback handler has no pending store", approvalID, nil), nil
}

// ReservedTokenKey is the input key popped off at step 3 of the gate to
// resume a pending approval.
const ReservedTokenKey = "_approval_token"

// NeedsApproval implements the "recognized on both typed annotation
// records and raw mappings via property-present check" rule: the
// requiresApproval key must be present and hold the bool true (typed
// annotations reach here converted to a mapping); any other value,
// including non-bool ones, does not count.
func NeedsApproval(annotations map[string]any) bool {
	v, ok := annotations["requiresApproval"]
	if !ok {
		return false
	}
	b, _ := v.(bool)
	return b
}

// Outcome describes what the gate decided: either the call should proceed
// (Proceed==true) with inputs stripped of the token, or it was stopped,
// with Status/Result describing why.
type Outcome struct {
	Proceed bool
	Inputs  map[string]any
	Result  *Result
}

// Gate runs the step 4.5 algorithm. handler may be nil (no approval
// configured); annotations is the module's raw annotations mapping.
func Gate(handler Handler, moduleID string, inputs map[string]any, ctx *apctx.Context, annotations map[string]any, description string, tags []string) (*Outcome, error) {
	if handler == nil || !NeedsApproval(annotations) {
		return &Outcome{Proceed: true, Inputs: inputs}, nil
	}

	if token, ok := inputs[ReservedTokenKey]; ok {
		approvalID, _ := token.(string)
		cleaned := make(map[string]any, len(inputs)-1)
		for k, v := range inputs {
			if k == ReservedTokenKey {
				continue
			}
			cleaned[k] = v
		}
		result, err := handler.CheckApproval(approvalID)
		if err != nil {
			return nil, err
		}
		return resolve(result, cleaned)
	}

	req := NewRequest(moduleID, inputs, ctx, annotations, description, tags)
	result, err := handler.RequestApproval(req)
	if err != nil {
		return nil, err
	}
	return resolve(result, inputs)
}

func resolve(result *Result, inputs map[string]any) (*Outcome, error) {
	switch result.Status() {
	case StatusApproved:
		return &Outcome{Proceed: true, Inputs: inputs, Result: result}, nil
	case StatusRejected, StatusTimeout, StatusPending:
		return &Outcome{Proceed: false, Result: result}, nil
	default:
		// Unknown status: fail closed as rejected. The original status is
		// preserved in metadata so the caller can log it at warn level.
		md := make(map[string]any, len(result.Metadata())+1)
		for k, v := range result.Metadata() {
			md[k] = v
		}
		md["unknownStatus"] = string(result.Status())
		return &Outcome{Proceed: false, Result: NewResult(StatusRejected, result.ApprovedBy(), fmt.Sprintf("unknown approval status %q", result.Status()), result.EffectiveApprovalID(), md)}, nil
	}
}
