// Package audit collects structured records of sandbox enforcement
// decisions, keeps them in a bounded per-sandbox ring, forwards them to a
// host sink and detects violation bursts.
package audit

import (
	"encoding/json"
	"time"
)

// Kind classifies an audit record.
type Kind string

const (
	PermissionGranted    Kind = "PermissionGranted"
	PermissionDenied     Kind = "PermissionDenied"
	LimitApproaching     Kind = "LimitApproaching"
	SoftLimitExceeded    Kind = "SoftLimitExceeded"
	HardLimitExceeded    Kind = "HardLimitExceeded"
	NamespaceEscape      Kind = "NamespaceEscape"
	IntegrityCheckFailed Kind = "IntegrityCheckFailed"
	StateTransition      Kind = "StateTransition"
	ExecRequested        Kind = "ExecRequested"
	AutoSuspend          Kind = "AutoSuspend"
	AuditDeliveryFailed  Kind = "AuditDeliveryFailed"
)

// IsViolation reports whether records of kind signal a breached or denied
// policy.
func (k Kind) IsViolation() bool {
	switch k {
	case PermissionDenied, SoftLimitExceeded, HardLimitExceeded, NamespaceEscape, IntegrityCheckFailed:
		return true
	}
	return false
}

// CountsTowardSuspend reports whether records of kind feed the violation
// window that auto-suspends a sandbox.
func (k Kind) CountsTowardSuspend() bool {
	return k == PermissionDenied || k == HardLimitExceeded
}

// IsFatal reports whether records of kind terminate the sandbox.
func (k Kind) IsFatal() bool {
	return k == NamespaceEscape || k == IntegrityCheckFailed
}

// Severity is derived from the kind.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

// SeverityOf returns the severity for kind.
func SeverityOf(k Kind) Severity {
	switch k {
	case NamespaceEscape, IntegrityCheckFailed:
		return SeverityCritical
	case PermissionDenied, HardLimitExceeded, AutoSuspend, AuditDeliveryFailed:
		return SeverityError
	case LimitApproaching, SoftLimitExceeded:
		return SeverityWarning
	default:
		return SeverityInfo
	}
}

// Response names the action taken for a record.
type Response string

const (
	ResponseNone      Response = "none"
	ResponseAllowed   Response = "allowed"
	ResponseDenied    Response = "denied"
	ResponseAskUser   Response = "ask-user"
	ResponseThrottled Response = "throttled"
	ResponseSuspended Response = "suspended"
	ResponseKilled    Response = "killed"
	ResponseStopped   Response = "stopped"
	ResponseLogged    Response = "logged"
)

// Record is one audit entry. Pipelines fill the identity, state, sequence
// and timestamp fields.
type Record struct {
	ID          string    `json:"id"`
	Sequence    uint64    `json:"sequence"`
	Timestamp   time.Time `json:"timestamp"`
	SandboxID   string    `json:"sandbox_id"`
	SandboxName string    `json:"sandbox_name"`
	Policy      string    `json:"policy"`
	State       string    `json:"state"`
	Kind        Kind      `json:"kind"`
	Severity    Severity  `json:"severity"`
	Subject     string    `json:"subject,omitempty"`
	PID         int       `json:"pid,omitempty"`
	Detail      int64     `json:"detail,omitempty"`
	Description string    `json:"description,omitempty"`
	Response    Response  `json:"response"`
	Signature   string    `json:"signature,omitempty"`
}

// canonical is the byte form that signatures cover.
func (r Record) canonical() []byte {
	r.Signature = ""
	data, _ := json.Marshal(r)
	return data
}
