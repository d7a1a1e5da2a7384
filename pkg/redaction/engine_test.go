package redaction

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/Mobile-IoT-Security-Lab/medchain-redact/pkg/auditlog"
	"github.com/Mobile-IoT-Security-Lab/medchain-redact/pkg/consistency"
	"github.com/Mobile-IoT-Security-Lab/medchain-redact/pkg/content"
	"github.com/Mobile-IoT-Security-Lab/medchain-redact/pkg/errs"
	"github.com/Mobile-IoT-Security-Lab/medchain-redact/pkg/keyprovider"
	"github.com/Mobile-IoT-Security-Lab/medchain-redact/pkg/ledgerbackend"
	"github.com/Mobile-IoT-Security-Lab/medchain-redact/pkg/policy"
	"github.com/Mobile-IoT-Security-Lab/medchain-redact/pkg/zkproof"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	registry := policy.NewRegistry()
	for _, p := range policy.DefaultPolicies() {
		if err := registry.Register(p); err != nil {
			t.Fatalf("register policy: %v", err)
		}
	}
	keys, err := keyprovider.NewEnvProvider(nil)
	if err != nil {
		t.Fatalf("new env provider: %v", err)
	}
	auditPath := filepath.Join(t.TempDir(), "audit.jsonl")
	audit, err := auditlog.Open(auditPath)
	if err != nil {
		t.Fatalf("open audit log: %v", err)
	}
	t.Cleanup(func() { audit.Close() })

	return New(
		registry,
		consistency.NewEngine(),
		zkproof.NewSimulated(),
		ledgerbackend.NewSimulated(nil),
		content.NewSimulated(keys),
		audit,
	)
}

func TestRequestApproveExecuteAnonymize(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	if err := e.AddRecord(ctx, "patient-1", map[string]interface{}{
		"patient_name": "Jane Doe",
		"physician":    "Dr. Smith",
		"diagnosis":    "flu",
	}, "granted"); err != nil {
		t.Fatalf("add record: %v", err)
	}

	reqID, err := e.Request(ctx, "patient-1", policy.OpAnonymize, "patient requested anonymization", "staff-1", policy.RoleStaff, nil)
	if err != nil {
		t.Fatalf("request: %v", err)
	}

	if err := e.Approve(ctx, reqID, "admin-1"); err != nil {
		t.Fatalf("approve: %v", err)
	}

	req, err := e.getRequest(reqID)
	if err != nil {
		t.Fatalf("get request: %v", err)
	}
	if req.Status != StatusExecuted {
		t.Fatalf("expected status EXECUTED, got %s", req.Status)
	}

	record, err := e.Record("patient-1")
	if err != nil {
		t.Fatalf("record: %v", err)
	}
	if record.Fields["patient_name"] != redactedSentinel {
		t.Fatalf("expected patient_name to be redacted, got %v", record.Fields["patient_name"])
	}
	if record.Fields["diagnosis"] != "flu" {
		t.Fatal("expected diagnosis field to be untouched")
	}
	if record.Version != 2 {
		t.Fatalf("expected record version to bump to 2, got %d", record.Version)
	}
}

func TestContentPointerRotatesOnExecute(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	if err := e.AddRecord(ctx, "patient-7", map[string]interface{}{
		"patient_name": "Jane Doe",
		"physician":    "Dr. Smith",
	}, "granted"); err != nil {
		t.Fatalf("add record: %v", err)
	}

	before, err := e.Record("patient-7")
	if err != nil {
		t.Fatalf("record: %v", err)
	}
	if before.PointerCID == "" {
		t.Fatal("expected AddRecord to seed a non-empty content pointer")
	}

	reqID, err := e.Request(ctx, "patient-7", policy.OpAnonymize, "patient requested anonymization", "staff-1", policy.RoleStaff, nil)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if err := e.Approve(ctx, reqID, "admin-1"); err != nil {
		t.Fatalf("approve: %v", err)
	}

	after, err := e.Record("patient-7")
	if err != nil {
		t.Fatalf("record: %v", err)
	}
	if after.PointerCID == "" {
		t.Fatal("expected rotated content pointer to be non-empty")
	}
	if after.PointerCID == before.PointerCID {
		t.Fatal("expected content pointer to rotate to a new CID on a content-changing redaction")
	}

	wantHash, err := stateHash(after.Fields)
	if err != nil {
		t.Fatalf("state hash: %v", err)
	}
	if after.DataHash != wantHash {
		t.Fatalf("expected data_hash to equal SHA-256(canonical(fields)), got %s want %s", after.DataHash, wantHash)
	}
}

func TestApproveIsIdempotentPerApprover(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	if err := e.AddRecord(ctx, "patient-2", map[string]interface{}{"patient_name": "John"}, "granted"); err != nil {
		t.Fatalf("add record: %v", err)
	}
	reqID, err := e.Request(ctx, "patient-2", policy.OpDelete, "erasure request", "admin-1", policy.RoleAdmin, nil)
	if err != nil {
		t.Fatalf("request: %v", err)
	}

	if err := e.Approve(ctx, reqID, "admin-1"); err != nil {
		t.Fatalf("first approval: %v", err)
	}
	if err := e.Approve(ctx, reqID, "admin-1"); err == nil {
		t.Fatal("expected a duplicate approval from the same approver to be rejected")
	}
}

func TestDeleteRequiresTwoApprovals(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	if err := e.AddRecord(ctx, "patient-3", map[string]interface{}{"patient_name": "John"}, "granted"); err != nil {
		t.Fatalf("add record: %v", err)
	}
	reqID, err := e.Request(ctx, "patient-3", policy.OpDelete, "erasure request", "admin-1", policy.RoleAdmin, nil)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	// DELETE's default policy carries a 24h time-lock; fast-forward the
	// engine's clock past it so approval can reach EXECUTED in this test.
	e.nowFunc = func() time.Time { return time.Now().Add(25 * time.Hour) }

	if err := e.Approve(ctx, reqID, "admin-1"); err != nil {
		t.Fatalf("approval 1: %v", err)
	}
	req, err := e.getRequest(reqID)
	if err != nil {
		t.Fatalf("get request: %v", err)
	}
	if req.Status != StatusPending {
		t.Fatalf("expected request to remain PENDING after one of two approvals, got %s", req.Status)
	}

	if err := e.Approve(ctx, reqID, "admin-2"); err != nil {
		t.Fatalf("approval 2: %v", err)
	}
	req, err = e.getRequest(reqID)
	if err != nil {
		t.Fatalf("get request: %v", err)
	}
	if req.Status != StatusExecuted {
		t.Fatalf("expected request to execute after threshold, got %s", req.Status)
	}

	record, err := e.Record("patient-3")
	if err != nil {
		t.Fatalf("record: %v", err)
	}
	if !record.Deleted {
		t.Fatal("expected record to be marked deleted")
	}
}

func TestApprovedRequestWaitsOutTimeLock(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	if err := e.AddRecord(ctx, "patient-10", map[string]interface{}{"patient_name": "John"}, "granted"); err != nil {
		t.Fatalf("add record: %v", err)
	}
	// DELETE's default policy carries a 24h time-lock and 2 min_approvals.
	reqID, err := e.Request(ctx, "patient-10", policy.OpDelete, "erasure request", "admin-1", policy.RoleAdmin, nil)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if err := e.Approve(ctx, reqID, "admin-1"); err != nil {
		t.Fatalf("approval 1: %v", err)
	}
	if err := e.Approve(ctx, reqID, "admin-2"); err == nil {
		t.Fatal("expected execute to be rejected while the time-lock has not elapsed")
	} else if kind, ok := errs.KindOf(err); !ok || kind != errs.PolicyViolation {
		t.Fatalf("expected PolicyViolation, got %v", err)
	}

	req, err := e.getRequest(reqID)
	if err != nil {
		t.Fatalf("get request: %v", err)
	}
	if req.Status != StatusApproved {
		t.Fatalf("expected request to remain APPROVED pending the time-lock, got %s", req.Status)
	}

	// Fast-forward and retry via the crash-safe Execute path.
	e.nowFunc = func() time.Time { return time.Now().Add(25 * time.Hour) }
	if err := e.Execute(ctx, reqID); err != nil {
		t.Fatalf("execute after time-lock elapsed: %v", err)
	}
	req, err = e.getRequest(reqID)
	if err != nil {
		t.Fatalf("get request: %v", err)
	}
	if req.Status != StatusExecuted {
		t.Fatalf("expected status EXECUTED after time-lock elapsed, got %s", req.Status)
	}
}

func TestGCPendingRejectsExpiredRequests(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	if err := e.AddRecord(ctx, "patient-11", map[string]interface{}{"patient_name": "John"}, "granted"); err != nil {
		t.Fatalf("add record: %v", err)
	}
	reqID, err := e.Request(ctx, "patient-11", policy.OpDelete, "erasure request", "admin-1", policy.RoleAdmin, nil)
	if err != nil {
		t.Fatalf("request: %v", err)
	}

	if collected := e.GCPending(ctx); len(collected) != 0 {
		t.Fatalf("expected nothing collectable before the time-lock window elapses, got %v", collected)
	}

	e.nowFunc = func() time.Time { return time.Now().Add(25 * time.Hour) }
	collected := e.GCPending(ctx)
	if len(collected) != 1 || collected[0] != reqID {
		t.Fatalf("expected GCPending to collect %s, got %v", reqID, collected)
	}

	req, err := e.getRequest(reqID)
	if err != nil {
		t.Fatalf("get request: %v", err)
	}
	if req.Status != StatusRejected {
		t.Fatalf("expected GC'd request to be REJECTED, got %s", req.Status)
	}
}

func TestUnauthorizedRoleRejected(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	if err := e.AddRecord(ctx, "patient-4", map[string]interface{}{"patient_name": "John"}, "granted"); err != nil {
		t.Fatalf("add record: %v", err)
	}
	if _, err := e.Request(ctx, "patient-4", policy.OpDelete, "erasure request", "someone", policy.RoleAuditor, nil); err == nil {
		t.Fatal("expected AUDITOR to be unauthorized for DELETE")
	}
}

func TestRejectIsTerminal(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	if err := e.AddRecord(ctx, "patient-5", map[string]interface{}{"patient_name": "John"}, "granted"); err != nil {
		t.Fatalf("add record: %v", err)
	}
	reqID, err := e.Request(ctx, "patient-5", policy.OpAnonymize, "reason", "staff-1", policy.RoleStaff, nil)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if err := e.Reject(ctx, reqID, "admin-1", "denied"); err != nil {
		t.Fatalf("reject: %v", err)
	}
	if err := e.Approve(ctx, reqID, "admin-1"); err == nil {
		t.Fatal("expected approving a rejected request to fail")
	}
}

func TestModifyRejectsFieldOutsidePolicyWhitelist(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	if err := e.AddRecord(ctx, "patient-6", map[string]interface{}{"patient_name": "John", "ssn": "123-45-6789"}, "granted"); err != nil {
		t.Fatalf("add record: %v", err)
	}
	restricted := &policy.Policy{
		PolicyID:          "modify-ssn-only",
		OpType:            policy.OpModify,
		AuthorizedRoles:   map[policy.Role]struct{}{policy.RoleStaff: {}},
		MinApprovals:      1,
		RedactableFields:  map[string]struct{}{"ssn": {}},
	}
	registry := policy.NewRegistry()
	if err := registry.Register(restricted); err != nil {
		t.Fatalf("register policy: %v", err)
	}
	e.policies = registry

	if _, err := e.Request(ctx, "patient-6", policy.OpModify, "reason", "staff-1", policy.RoleStaff, []string{"patient_name"}); err == nil {
		t.Fatal("expected modifying a field outside the policy whitelist to be rejected")
	}
}
