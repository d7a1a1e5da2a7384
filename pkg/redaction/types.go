// Package redaction implements the Redaction Engine: the request
// lifecycle state machine that turns an authorized redaction request into
// a SNARK-attested, consistency-proven, nullifier-guarded mutation of a
// patient/contract record, coordinated with the Ledger Backend, Content
// Store, and audit log.
package redaction

import (
	"time"

	"github.com/Mobile-IoT-Security-Lab/medchain-redact/pkg/consistency"
	"github.com/Mobile-IoT-Security-Lab/medchain-redact/pkg/policy"
	"github.com/Mobile-IoT-Security-Lab/medchain-redact/pkg/zkproof"
)

// Status is a RedactionRequest's lifecycle state.
type Status string

const (
	StatusPending  Status = "PENDING"
	StatusApproved Status = "APPROVED"
	StatusRejected Status = "REJECTED"
	StatusExecuted Status = "EXECUTED"
)

// Record is the representative contract-state payload a redaction acts
// on: a key-value map plus the bookkeeping a redaction execution updates
// (version, integrity hash, content pointer).
type Record struct {
	PatientID     string
	Fields        map[string]interface{}
	ConsentStatus string
	PointerCID    string
	Version       int
	DataHash      string
	Deleted       bool
}

// RedactionRequest is the persisted unit of work the state machine
// advances from PENDING through to EXECUTED (or REJECTED).
type RedactionRequest struct {
	RequestID         string
	PatientID         string
	OpType            policy.OpType
	Requester         string
	RequesterRole     policy.Role
	Reason            string
	Timestamp         time.Time
	TimeLockSecs      uint32
	ApprovalThreshold uint32
	Approvals         map[string]struct{}
	Status            Status

	RedactedFields []string
	RedactedData   map[string]interface{}
	OriginalData   map[string]interface{}

	ZKProof          *zkproof.Proof
	ConsistencyProof *consistency.Proof

	ExecutedAt *time.Time
	RejectedAt *time.Time
}

func (r *RedactionRequest) hasApproved(approver string) bool {
	_, ok := r.Approvals[approver]
	return ok
}
