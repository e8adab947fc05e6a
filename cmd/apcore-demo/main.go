// Command apcore-demo wires a full Executor end to end and walks through a
// human-in-the-loop refund scenario: a module annotated requiresApproval,
// an approval handler that parks the first request as pending, and a
// second call that resumes it with the approval token once a supervisor
// has signed off.
package main

import (
	"fmt"
	"log"
	"os"
	"sync"

	"github.com/apcore/apcore/acl"
	"github.com/apcore/apcore/approval"
	"github.com/apcore/apcore/errs"
	"github.com/apcore/apcore/events"
	"github.com/apcore/apcore/executor"
	"github.com/apcore/apcore/logging"
	"github.com/apcore/apcore/metrics"
	"github.com/apcore/apcore/middleware"
	"github.com/apcore/apcore/registry"
	"github.com/apcore/apcore/telemetry"
)

func main() {
	fmt.Println("=== Human-in-the-loop refund approval demo ===")
	fmt.Println()

	reg := registry.NewInMemory()
	reg.Register(newRefundModule())

	logger := logging.New(os.Stdout, logging.LevelInfo, logging.FormatText, "apcore-demo")
	metricsCollector := metrics.NewCollector()
	tracer := telemetry.NewMiddleware(telemetry.NewInMemoryExporter(0), telemetry.Full())
	store := newPendingApprovalStore()

	bus := events.NewBus()
	bus.SubscribeAll(func(e *events.Event) {
		fmt.Printf("event: %-24s module=%-16s data=%v\n", e.Type, e.ModuleID, e.Data)
	})

	exec := executor.NewExecutor(reg,
		executor.WithACL(acl.NewWildcard(acl.Rule{Pattern: "*", Allow: true})),
		executor.WithApprovalHandler(store),
		executor.WithLogger(logger),
		executor.WithEventBus(bus),
		executor.WithMiddleware(tracer),
		executor.WithMiddleware(metrics.NewMiddleware(metricsCollector)),
		executor.WithMiddleware(loggingMiddleware{logger: logger}),
	)

	fmt.Println("--- turn 1: customer requests a $450 refund ---")
	_, err := exec.Call("refunds__process", map[string]any{
		"order_id": "12345",
		"amount":   450.0,
	}, nil)

	var pendingID string
	if me, ok := err.(*errs.ModuleError); ok && me.Code == errs.CodeApprovalPending {
		pendingID, _ = me.Details["approvalId"].(string)
		fmt.Printf("refund is pending supervisor approval (approvalId=%s)\n\n", pendingID)
	} else if err != nil {
		log.Fatalf("unexpected error on first call: %v", err)
	}

	fmt.Println("--- supervisor reviews and approves the refund ---")
	store.approve(pendingID)

	fmt.Println("--- turn 2: resume with the approval token ---")
	out, err := exec.Call("refunds__process", map[string]any{
		"order_id":        "12345",
		"amount":          450.0,
		"_approval_token": pendingID,
	}, nil)
	if err != nil {
		log.Fatalf("resume failed: %v", err)
	}
	fmt.Printf("refund result: %+v\n\n", out)

	fmt.Println("--- /metrics exposition is served by metricsCollector.Handler() ---")
	fmt.Println("mount it behind an http.ServeMux in a real deployment:")
	fmt.Println(`    mux.Handle("/metrics", metricsCollector.Handler())`)
}

// refundModule is a native Module requiring approval on every call; the
// demo only has one amount tier, but a real module would gate on amount.
type refundModule struct{}

func newRefundModule() *refundModule { return &refundModule{} }

func (r *refundModule) ID() string { return "refunds__process" }

func (r *refundModule) InputSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"order_id": map[string]any{"type": "string"},
			"amount":   map[string]any{"type": "number"},
		},
		"required": []any{"order_id", "amount"},
	}
}

func (r *refundModule) OutputSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"status":    map[string]any{"type": "string"},
			"refund_id": map[string]any{"type": "string"},
		},
	}
}

func (r *refundModule) Annotations() registry.Annotations {
	return registry.Annotations{RequiresApproval: true, Destructive: true}
}

func (r *refundModule) Description() string {
	return "Process a customer refund. Requires supervisor approval."
}

func (r *refundModule) Execute(inputs map[string]any, ctx any) (any, error) {
	orderID, _ := inputs["order_id"].(string)
	return map[string]any{
		"status":    "approved",
		"refund_id": "REF-" + orderID,
	}, nil
}

// pendingApprovalStore is a Handler that parks every fresh request as
// pending until approve is called with its approval id.
type pendingApprovalStore struct {
	mu      sync.Mutex
	decided map[string]bool
}

func newPendingApprovalStore() *pendingApprovalStore {
	return &pendingApprovalStore{decided: map[string]bool{}}
}

func (s *pendingApprovalStore) RequestApproval(req *approval.Request) (*approval.Result, error) {
	id := approval.NewApprovalID()
	s.mu.Lock()
	s.decided[id] = false
	s.mu.Unlock()
	return approval.NewResult(approval.StatusPending, "", "awaiting supervisor review", id, nil), nil
}

func (s *pendingApprovalStore) CheckApproval(approvalID string) (*approval.Result, error) {
	s.mu.Lock()
	approved := s.decided[approvalID]
	s.mu.Unlock()
	if !approved {
		return approval.NewResult(approval.StatusPending, "", "still awaiting supervisor review", approvalID, nil), nil
	}
	return approval.NewResult(approval.StatusApproved, "supervisor@example.com", "", approvalID, nil), nil
}

func (s *pendingApprovalStore) approve(approvalID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.decided[approvalID] = true
}

// loggingMiddleware logs before/after every module call at info level.
type loggingMiddleware struct {
	middleware.Base
	logger *logging.Logger
}

func (l loggingMiddleware) Name() string { return "demo.logging" }

func (l loggingMiddleware) Before(moduleID string, inputs map[string]any, ctx any) (map[string]any, error) {
	l.logger.Info("calling module", map[string]any{"module_id": moduleID})
	return nil, nil
}

func (l loggingMiddleware) After(moduleID string, inputs map[string]any, output any, ctx any) (any, error) {
	l.logger.Info("module completed", map[string]any{"module_id": moduleID})
	return nil, nil
}
