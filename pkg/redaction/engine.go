package redaction

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Mobile-IoT-Security-Lab/medchain-redact/pkg/auditlog"
	"github.com/Mobile-IoT-Security-Lab/medchain-redact/pkg/block"
	"github.com/Mobile-IoT-Security-Lab/medchain-redact/pkg/consistency"
	"github.com/Mobile-IoT-Security-Lab/medchain-redact/pkg/content"
	"github.com/Mobile-IoT-Security-Lab/medchain-redact/pkg/errs"
	"github.com/Mobile-IoT-Security-Lab/medchain-redact/pkg/ledgerbackend"
	"github.com/Mobile-IoT-Security-Lab/medchain-redact/pkg/policy"
	"github.com/Mobile-IoT-Security-Lab/medchain-redact/pkg/zkproof"
)

// defaultSensitiveFields is the field set ANONYMIZE redacts absent a
// narrower policy-level whitelist.
var defaultSensitiveFields = []string{"patient_name", "medical_record_number", "physician"}

const redactedSentinel = "[REDACTED]"
const modifiedSentinel = "[MODIFIED]"

// Engine is the Redaction Engine: it owns the RedactionRequest table until
// a request reaches EXECUTED, and holds the Record table it mutates.
// Requests targeting the same patient serialize under a per-patient
// mutex; independent patients progress concurrently.
type Engine struct {
	mu          sync.RWMutex
	recordLocks sync.Map // patient_id -> *sync.Mutex

	records  map[string]*Record
	requests map[string]*RedactionRequest

	policies     *policy.Registry
	consistency  *consistency.Engine
	proofBackend zkproof.Backend
	ledger       ledgerbackend.Backend
	contentStore content.Store
	audit        *auditlog.Log

	nowFunc func() time.Time

	timeLockGrace     time.Duration
	proofVerifyBudget time.Duration
	consistencyBudget time.Duration
}

// Option configures optional Engine behavior not required by every
// deployment (e.g. devnets that want zero time-lock slack).
type Option func(*Engine)

// WithTimeLockGrace adds slack beyond a policy's TimeLockSecs before a
// request is eligible for execution or for GCPending — operators use this
// to absorb clock skew and scheduler jitter rather than tightening
// TimeLockSecs itself. Default: no grace.
func WithTimeLockGrace(d time.Duration) Option {
	return func(e *Engine) { e.timeLockGrace = d }
}

// WithProofVerifyBudget bounds how long proofBackend.Verify may run during
// executeLocked; exceeding it fails the execution closed rather than
// blocking indefinitely on a stuck SNARK backend. Default: no bound.
func WithProofVerifyBudget(d time.Duration) Option {
	return func(e *Engine) { e.proofVerifyBudget = d }
}

// WithConsistencyBudget bounds how long a single consistency-proof
// generation may run during Request; exceeding it fails the request
// rather than blocking a caller on a pathological check. Default: no
// bound.
func WithConsistencyBudget(d time.Duration) Option {
	return func(e *Engine) { e.consistencyBudget = d }
}

// New wires a Redaction Engine over its collaborators. contentStore may be
// nil for deployments that keep all record data on-chain.
func New(policies *policy.Registry, consistencyEngine *consistency.Engine, proofBackend zkproof.Backend, ledger ledgerbackend.Backend, contentStore content.Store, audit *auditlog.Log, opts ...Option) *Engine {
	e := &Engine{
		records:      make(map[string]*Record),
		requests:     make(map[string]*RedactionRequest),
		policies:     policies,
		consistency:  consistencyEngine,
		proofBackend: proofBackend,
		ledger:       ledger,
		contentStore: contentStore,
		audit:        audit,
		nowFunc:      time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *Engine) now() time.Time {
	if e.nowFunc != nil {
		return e.nowFunc()
	}
	return time.Now()
}

func (e *Engine) lockFor(patientID string) *sync.Mutex {
	v, _ := e.recordLocks.LoadOrStore(patientID, &sync.Mutex{})
	return v.(*sync.Mutex)
}

// AddRecord seeds a new patient/contract record. It is an error to seed a
// patient_id that already exists — use the redaction lifecycle to mutate
// an existing record. When a Content Store is wired, the initial field
// set is also uploaded and pinned as a blob, so PointerCID starts
// non-empty and the first content-changing redaction has a pointer to
// rotate (spec §3, §4.5 step 6).
func (e *Engine) AddRecord(ctx context.Context, patientID string, fields map[string]interface{}, consentStatus string) error {
	lock := e.lockFor(patientID)
	lock.Lock()
	defer lock.Unlock()

	e.mu.RLock()
	_, exists := e.records[patientID]
	e.mu.RUnlock()
	if exists {
		return errs.New(errs.InvalidInput, "redaction: record %s already exists", patientID)
	}

	hash, err := stateHash(fields)
	if err != nil {
		return err
	}

	var pointerCID string
	if e.contentStore != nil {
		raw, err := block.CanonicalJSON(fields)
		if err != nil {
			return errs.Wrap(errs.Fatal, err, "redaction: canonicalize initial fields for %s", patientID)
		}
		cidStr, err := e.contentStore.Put(ctx, raw)
		if err != nil {
			return errs.Wrap(errs.TransientStorage, err, "redaction: upload initial content blob for %s", patientID)
		}
		if err := e.contentStore.Pin(ctx, cidStr); err != nil {
			return errs.Wrap(errs.TransientStorage, err, "redaction: pin initial content blob for %s", patientID)
		}
		pointerCID = cidStr
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.records[patientID] = &Record{
		PatientID:     patientID,
		Fields:        copyFields(fields),
		ConsentStatus: consentStatus,
		PointerCID:    pointerCID,
		Version:       1,
		DataHash:      hash,
	}
	return nil
}

// Record returns a shallow copy of the current record state for patientID.
func (e *Engine) Record(patientID string) (*Record, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	r, ok := e.records[patientID]
	if !ok {
		return nil, errs.New(errs.NotFound, "redaction: no record for patient %s", patientID)
	}
	cp := *r
	cp.Fields = copyFields(r.Fields)
	return &cp, nil
}

// Request implements spec step request(): loads the record, authorizes
// the requester's role against the declared op_type, computes the
// pre/post state, proves consistency, obtains a ZKProof, and persists a
// new PENDING RedactionRequest.
func (e *Engine) Request(ctx context.Context, patientID string, opType policy.OpType, reason, requester string, role policy.Role, targetFields []string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	lock := e.lockFor(patientID)
	lock.Lock()
	defer lock.Unlock()

	e.mu.RLock()
	record, ok := e.records[patientID]
	e.mu.RUnlock()
	if !ok || record.Deleted {
		return "", errs.New(errs.NotFound, "redaction: no record for patient %s", patientID)
	}

	pol, err := e.policies.Get(opType)
	if err != nil {
		return "", err
	}
	if !pol.Authorize(role) {
		return "", errs.New(errs.Unauthorized, "redaction: role %s is not authorized for op_type %s", role, opType)
	}

	originalData := copyFields(record.Fields)
	redactedData, redactedFields, err := buildRedactedData(record, opType, targetFields, pol)
	if err != nil {
		return "", err
	}

	op := consistency.Operation{
		OpType:         string(opType),
		RedactedFields: redactedFields,
		PreState:       originalData,
		PostState:      redactedData,
	}
	proof, err := e.generateConsistencyProof(ctx, op, pol)
	if err != nil {
		return "", errs.Wrap(errs.Fatal, err, "redaction: generate consistency proof")
	}
	if !proof.IsValid {
		return "", errs.New(errs.ConsistencyViolation, "redaction: consistency check failed: %s", proof.ErrorDetail)
	}

	originalHash, err := stateHash(originalData)
	if err != nil {
		return "", err
	}
	redactedHash, err := stateHash(redactedData)
	if err != nil {
		return "", err
	}
	policyHash, err := stateHash(pol)
	if err != nil {
		return "", err
	}

	signals := zkproof.PublicSignals{
		OpType:                 string(opType),
		PolicyHash:             policyHash,
		OriginalHash:           originalHash,
		RedactedHash:           redactedHash,
		PreStateHash:           proof.PreStateHash,
		PostStateHash:          proof.PostStateHash,
		ConsistencyCheckPassed: proof.IsValid,
		PolicyAllowed:          true,
	}
	witness := zkproof.Witness{
		OriginalData: originalData,
		RedactedData: redactedData,
		PolicyData:   map[string]interface{}{"policy_id": pol.PolicyID},
	}
	zkp, err := e.proofBackend.Prove(signals, witness)
	if err != nil {
		return "", errs.Wrap(errs.ProofInvalid, err, "redaction: prove")
	}

	requestID := uuid.NewString()
	req := &RedactionRequest{
		RequestID:         requestID,
		PatientID:         patientID,
		OpType:            opType,
		Requester:         requester,
		RequesterRole:     role,
		Reason:            reason,
		Timestamp:         e.now(),
		TimeLockSecs:      pol.TimeLockSecs,
		ApprovalThreshold: pol.MinApprovals,
		Approvals:         make(map[string]struct{}),
		Status:            StatusPending,
		RedactedFields:    redactedFields,
		RedactedData:      redactedData,
		OriginalData:      originalData,
		ZKProof:           zkp,
		ConsistencyProof:  proof,
	}

	e.mu.Lock()
	e.requests[requestID] = req
	e.mu.Unlock()

	e.recordAudit(ctx, req, "requested", requester, string(role),
		fmt.Sprintf("requested %s for patient %s: %s", opType, patientID, reason), nil)

	return requestID, nil
}

// Approve is idempotent per approver; once threshold is reached it
// transitions to APPROVED and immediately attempts execute, coupling
// approval and mutation atomically from the caller's perspective.
func (e *Engine) Approve(ctx context.Context, requestID, approver string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	req, err := e.getRequest(requestID)
	if err != nil {
		return err
	}

	lock := e.lockFor(req.PatientID)
	lock.Lock()
	defer lock.Unlock()

	if req.Status != StatusPending {
		return errs.New(errs.PolicyViolation, "redaction: request %s is not pending (status=%s)", requestID, req.Status)
	}
	if req.hasApproved(approver) {
		return errs.New(errs.InvalidInput, "redaction: approver %s already approved request %s", approver, requestID)
	}

	req.Approvals[approver] = struct{}{}
	e.recordAudit(ctx, req, "approval_recorded", approver, "", fmt.Sprintf("approval %d/%d", len(req.Approvals), req.ApprovalThreshold), nil)

	if uint32(len(req.Approvals)) < req.ApprovalThreshold {
		return nil
	}

	req.Status = StatusApproved
	e.recordAudit(ctx, req, "approved", approver, "", "approval threshold reached", nil)

	if err := e.executeLocked(ctx, req); err != nil {
		e.recordAudit(ctx, req, "failed", approver, "", "execute failed after approval", map[string]interface{}{"error": err.Error()})
		return err
	}
	return nil
}

// Reject transitions a PENDING request to REJECTED. A rejected request is
// terminal; it never executes.
func (e *Engine) Reject(ctx context.Context, requestID, approver, reason string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	req, err := e.getRequest(requestID)
	if err != nil {
		return err
	}

	lock := e.lockFor(req.PatientID)
	lock.Lock()
	defer lock.Unlock()

	if req.Status != StatusPending {
		return errs.New(errs.PolicyViolation, "redaction: request %s is not pending (status=%s)", requestID, req.Status)
	}
	req.Status = StatusRejected
	now := e.now()
	req.RejectedAt = &now
	e.recordAudit(ctx, req, "rejected", approver, "", reason, nil)
	return nil
}

// Execute re-attempts execution of an already-APPROVED request. It is the
// retry path for content-store or ledger failures that left the request
// in APPROVED without reaching EXECUTED — crash-safe and idempotent via
// the nullifier.
func (e *Engine) Execute(ctx context.Context, requestID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	req, err := e.getRequest(requestID)
	if err != nil {
		return err
	}
	lock := e.lockFor(req.PatientID)
	lock.Lock()
	defer lock.Unlock()
	return e.executeLocked(ctx, req)
}

// executeLocked assumes the caller already holds the per-patient lock for
// req.PatientID.
func (e *Engine) executeLocked(ctx context.Context, req *RedactionRequest) error {
	if req.Status == StatusExecuted {
		return nil
	}
	if req.Status != StatusApproved {
		return errs.New(errs.PolicyViolation, "redaction: request %s is not approved (status=%s)", req.RequestID, req.Status)
	}

	unlockAt := req.Timestamp.Add(time.Duration(req.TimeLockSecs)*time.Second + e.timeLockGrace)
	if now := e.now(); now.Before(unlockAt) {
		return errs.New(errs.PolicyViolation, "redaction: request %s is time-locked until %s", req.RequestID, unlockAt.Format(time.RFC3339))
	}

	ok, err := e.verifyProof(ctx, req.ZKProof)
	if err != nil {
		return errs.Wrap(errs.ProofInvalid, err, "redaction: verify zk proof for request %s", req.RequestID)
	}
	if !ok {
		return errs.New(errs.ProofInvalid, "redaction: zk proof failed re-verification for request %s", req.RequestID)
	}

	has, err := e.ledger.HasNullifier(ctx, req.ZKProof.Nullifier)
	if err != nil {
		return errs.Wrap(errs.TransientStorage, err, "redaction: check nullifier for request %s", req.RequestID)
	}
	if has {
		return errs.New(errs.Replay, "redaction: nullifier already recorded for request %s", req.RequestID)
	}

	e.mu.Lock()
	record, ok := e.records[req.PatientID]
	if !ok {
		e.mu.Unlock()
		return errs.New(errs.NotFound, "redaction: record %s vanished before execute", req.PatientID)
	}
	oldPointer := record.PointerCID
	if req.OpType == policy.OpDelete {
		record.Deleted = true
		record.Fields = map[string]interface{}{}
	} else {
		record.Fields = copyFields(req.RedactedData)
	}
	record.Version++
	newHash, err := stateHash(record.Fields)
	if err != nil {
		e.mu.Unlock()
		return err
	}
	record.DataHash = newHash
	e.mu.Unlock()

	if e.contentStore != nil && oldPointer != "" {
		if req.OpType == policy.OpDelete {
			if err := e.contentStore.Delete(ctx, oldPointer); err != nil {
				return errs.Wrap(errs.TransientStorage, err, "redaction: delete content blob for request %s", req.RequestID)
			}
			e.mu.Lock()
			record.PointerCID = ""
			e.mu.Unlock()
		} else {
			raw, err := block.CanonicalJSON(record.Fields)
			if err != nil {
				return errs.Wrap(errs.Fatal, err, "redaction: canonicalize record fields for request %s", req.RequestID)
			}
			newCID, err := e.contentStore.Put(ctx, raw)
			if err != nil {
				return errs.Wrap(errs.TransientStorage, err, "redaction: rotate content pointer for request %s", req.RequestID)
			}
			if err := e.contentStore.Pin(ctx, newCID); err != nil {
				return errs.Wrap(errs.TransientStorage, err, "redaction: pin rotated content blob for request %s", req.RequestID)
			}
			e.mu.Lock()
			record.PointerCID = newCID
			e.mu.Unlock()
		}
	}

	recorded, err := e.ledger.RecordNullifier(ctx, req.ZKProof.Nullifier)
	if err != nil {
		return errs.Wrap(errs.TransientStorage, err, "redaction: record nullifier for request %s", req.RequestID)
	}
	if !recorded {
		return errs.New(errs.Replay, "redaction: nullifier already recorded for request %s", req.RequestID)
	}

	req.Status = StatusExecuted
	now := e.now()
	req.ExecutedAt = &now

	e.recordAudit(ctx, req, "executed", "ledger", "", fmt.Sprintf("executed %s for patient %s", req.OpType, req.PatientID), map[string]interface{}{
		"zk_proof_id":         req.ZKProof.ProofID,
		"consistency_proof_id": req.ConsistencyProof.ProofID,
	})

	return nil
}

// generateConsistencyProof runs consistency.Generate off the calling
// goroutine so a pathological check (e.g. an oversized chain pair) cannot
// block request() past consistencyBudget. With no budget configured it
// calls Generate inline.
func (e *Engine) generateConsistencyProof(ctx context.Context, op consistency.Operation, pol *policy.Policy) (*consistency.Proof, error) {
	if e.consistencyBudget <= 0 {
		return e.consistency.Generate(consistency.CheckContractState, consistency.ChainPair{}, op, pol)
	}

	type result struct {
		proof *consistency.Proof
		err   error
	}
	done := make(chan result, 1)
	go func() {
		proof, err := e.consistency.Generate(consistency.CheckContractState, consistency.ChainPair{}, op, pol)
		done <- result{proof, err}
	}()

	timer := time.NewTimer(e.consistencyBudget)
	defer timer.Stop()
	select {
	case r := <-done:
		return r.proof, r.err
	case <-timer.C:
		return nil, errs.New(errs.ConsistencyViolation, "redaction: consistency check exceeded budget of %s", e.consistencyBudget)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// verifyProof runs proofBackend.Verify off the calling goroutine so a
// stuck SNARK backend cannot block execute() past proofVerifyBudget. With
// no budget configured it simply calls Verify inline.
func (e *Engine) verifyProof(ctx context.Context, proof *zkproof.Proof) (bool, error) {
	if e.proofVerifyBudget <= 0 {
		return e.proofBackend.Verify(proof)
	}

	type result struct {
		ok  bool
		err error
	}
	done := make(chan result, 1)
	go func() {
		ok, err := e.proofBackend.Verify(proof)
		done <- result{ok, err}
	}()

	timer := time.NewTimer(e.proofVerifyBudget)
	defer timer.Stop()
	select {
	case r := <-done:
		return r.ok, r.err
	case <-timer.C:
		return false, errs.New(errs.ProofInvalid, "redaction: proof verification exceeded budget of %s", e.proofVerifyBudget)
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

// GCPending transitions every PENDING request whose time-lock window plus
// grace has elapsed without approval into REJECTED, freeing callers from
// holding stale requests open indefinitely. It returns the request ids it
// collected. A request already past its time-lock but still awaiting
// approvals is abandoned rather than silently auto-executed: GC never
// approves on a requester's behalf.
func (e *Engine) GCPending(ctx context.Context) []string {
	now := e.now()

	e.mu.RLock()
	var stale []*RedactionRequest
	for _, req := range e.requests {
		if req.Status != StatusPending {
			continue
		}
		deadline := req.Timestamp.Add(time.Duration(req.TimeLockSecs)*time.Second + e.timeLockGrace)
		if !now.Before(deadline) {
			stale = append(stale, req)
		}
	}
	e.mu.RUnlock()

	var collected []string
	for _, req := range stale {
		lock := e.lockFor(req.PatientID)
		lock.Lock()
		if req.Status == StatusPending {
			req.Status = StatusRejected
			rejectedAt := now
			req.RejectedAt = &rejectedAt
			e.recordAudit(ctx, req, "rejected", "gc", "", "time-lock window elapsed without reaching approval threshold", nil)
			collected = append(collected, req.RequestID)
		}
		lock.Unlock()
	}
	return collected
}

func (e *Engine) getRequest(requestID string) (*RedactionRequest, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	req, ok := e.requests[requestID]
	if !ok {
		return nil, errs.New(errs.NotFound, "redaction: no request %s", requestID)
	}
	return req, nil
}

func (e *Engine) recordAudit(ctx context.Context, req *RedactionRequest, phase, actor, role, action string, details map[string]interface{}) {
	if e.audit == nil {
		return
	}
	_, _ = e.audit.Record(ctx, auditlog.EntryParams{
		RequestID: req.RequestID,
		Phase:     phase,
		Actor:     actor,
		ActorRole: role,
		Action:    action,
		Details:   details,
	})
}

// buildRedactedData applies the per-operation redaction rules to record,
// returning the post-state map and the list of fields it actually touched.
func buildRedactedData(record *Record, opType policy.OpType, targetFields []string, pol *policy.Policy) (map[string]interface{}, []string, error) {
	original := record.Fields
	redacted := copyFields(original)

	switch opType {
	case policy.OpDelete:
		fields := make([]string, 0, len(original))
		for f := range original {
			fields = append(fields, f)
		}
		return map[string]interface{}{}, fields, nil

	case policy.OpAnonymize:
		var touched []string
		for _, f := range defaultSensitiveFields {
			if !pol.FieldAllowed(f) {
				continue
			}
			if _, present := original[f]; !present {
				continue
			}
			redacted[f] = redactedSentinel
			touched = append(touched, f)
		}
		return redacted, touched, nil

	case policy.OpModify:
		var touched []string
		for _, f := range targetFields {
			if !pol.FieldAllowed(f) {
				return nil, nil, errs.New(errs.PolicyViolation, "redaction: field %q is not redactable under policy %s", f, pol.PolicyID)
			}
			if _, present := original[f]; !present {
				continue
			}
			redacted[f] = modifiedSentinel
			touched = append(touched, f)
		}
		return redacted, touched, nil
	}

	return nil, nil, errs.New(errs.InvalidInput, "redaction: unknown op_type %q", opType)
}

func copyFields(m map[string]interface{}) map[string]interface{} {
	cp := make(map[string]interface{}, len(m))
	for k, v := range m {
		cp[k] = v
	}
	return cp
}

func stateHash(v interface{}) (string, error) {
	canon, err := block.CanonicalJSON(v)
	if err != nil {
		return "", err
	}
	h := sha256.Sum256(canon)
	return hex.EncodeToString(h[:]), nil
}
