package logging

import (
	"log/slog"
	"time"
)

// AuditEventType classifies a security-relevant monitor event.
type AuditEventType string

// Audit event types.
const (
	AuditEnclaveCreated   AuditEventType = "enclave_created"
	AuditEnclaveDestroyed AuditEventType = "enclave_destroyed"
	AuditEnclaveRun       AuditEventType = "enclave_run"
	AuditEnclaveStopped   AuditEventType = "enclave_stopped"
	AuditEnclaveResumed   AuditEventType = "enclave_resumed"
	AuditAttestation      AuditEventType = "attestation"
	AuditSealingKey       AuditEventType = "sealing_key"
	AuditKeypairCreated   AuditEventType = "keypair_created"
	AuditError            AuditEventType = "error"
)

// AuditEvent is one security-relevant event emitted by the monitor.
type AuditEvent struct {
	Timestamp time.Time      `json:"timestamp"`
	EventType AuditEventType `json:"event_type"`
	EnclaveID uint32         `json:"enclave_id"`
	Action    string         `json:"action"`
	Result    string         `json:"result"` // "success" or "failure"
	Details   map[string]any `json:"details,omitempty"`
}

// Auditor records audit events onto a structured logger.
type Auditor struct {
	log *slog.Logger
}

// NewAuditor wraps a logger as an audit sink.
func NewAuditor(log *slog.Logger) *Auditor {
	return &Auditor{log: log}
}

// Emit logs one audit event. A nil auditor drops events, so callers
// need no guard.
func (a *Auditor) Emit(ev AuditEvent) {
	if a == nil || a.log == nil {
		return
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	a.log.Info("audit",
		"event_type", string(ev.EventType),
		"enclave_id", ev.EnclaveID,
		"action", ev.Action,
		"result", ev.Result,
		"details", ev.Details,
	)
}

// Success is shorthand for a successful event.
func (a *Auditor) Success(t AuditEventType, eid uint32, action string) {
	a.Emit(AuditEvent{EventType: t, EnclaveID: eid, Action: action, Result: "success"})
}

// Failure is shorthand for a failed event.
func (a *Auditor) Failure(t AuditEventType, eid uint32, action string, err error) {
	details := map[string]any{}
	if err != nil {
		details["error"] = err.Error()
	}
	a.Emit(AuditEvent{EventType: t, EnclaveID: eid, Action: action, Result: "failure", Details: details})
}
