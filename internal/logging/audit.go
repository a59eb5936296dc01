// Audit logging for credential lifecycle and relay outcomes. Events are
// JSON lines in <data-dir>/logs/<date>_audit.log, one object per event,
// so pool history can be reconstructed after the fact.
package logging

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// AuditEventType identifies the kind of audit event.
type AuditEventType string

const (
	// Credential lifecycle events
	AuditCredentialAdded   AuditEventType = "credential_added"
	AuditCredentialRemoved AuditEventType = "credential_removed"
	AuditCredentialExpired AuditEventType = "credential_expired"
	AuditCooldownApplied   AuditEventType = "cooldown_applied"
	AuditCooldownCleared   AuditEventType = "cooldown_cleared"
	AuditTagGranted        AuditEventType = "tag_granted"
	AuditQuotaRefreshed    AuditEventType = "quota_refreshed"

	// Relay outcomes
	AuditRelaySuccess   AuditEventType = "relay_success"
	AuditRelayFailure   AuditEventType = "relay_failure"
	AuditRelayEscalated AuditEventType = "relay_escalated"

	// Reconciler probes
	AuditProbeOK     AuditEventType = "probe_ok"
	AuditProbeFailed AuditEventType = "probe_failed"

	// Feature-control calls
	AuditToggleSent   AuditEventType = "toggle_sent"
	AuditToggleFailed AuditEventType = "toggle_failed"
)

// AuditEvent is one structured audit entry. Credential identifies the
// affected record by its non-sensitive display form, never by token.
type AuditEvent struct {
	Timestamp  int64                  `json:"ts"` // Unix milliseconds
	EventType  AuditEventType         `json:"event"`
	Credential string                 `json:"credential,omitempty"`
	Model      string                 `json:"model,omitempty"`
	RequestID  string                 `json:"req,omitempty"`
	Success    bool                   `json:"success"`
	DurationMs int64                  `json:"dur_ms,omitempty"`
	Error      string                 `json:"error,omitempty"`
	Message    string                 `json:"msg"`
	Fields     map[string]interface{} `json:"fields,omitempty"`
}

var (
	auditFile *os.File
	auditMu   sync.Mutex
)

// InitAudit opens the audit log file. No-op when logging is disabled.
func InitAudit() error {
	if !IsEnabled() || logsDir == "" {
		return nil
	}

	auditMu.Lock()
	defer auditMu.Unlock()

	if auditFile != nil {
		return nil
	}

	date := time.Now().Format("2006-01-02")
	auditPath := filepath.Join(logsDir, fmt.Sprintf("%s_audit.log", date))

	file, err := os.OpenFile(auditPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("failed to create audit log: %w", err)
	}
	auditFile = file
	return nil
}

// CloseAudit closes the audit log file.
func CloseAudit() {
	auditMu.Lock()
	defer auditMu.Unlock()

	if auditFile != nil {
		auditFile.Close()
		auditFile = nil
	}
}

// AuditLog writes one audit event. Safe to call before InitAudit; the
// event is then dropped.
func AuditLog(event AuditEvent) {
	auditMu.Lock()
	defer auditMu.Unlock()

	if auditFile == nil {
		return
	}
	if event.Timestamp == 0 {
		event.Timestamp = time.Now().UnixMilli()
	}
	data, err := json.Marshal(event)
	if err != nil {
		return
	}
	auditFile.WriteString(string(data) + "\n")
}

// AuditCredential records a credential lifecycle transition.
func AuditCredential(eventType AuditEventType, credential, msg string) {
	AuditLog(AuditEvent{
		EventType:  eventType,
		Credential: credential,
		Success:    true,
		Message:    msg,
	})
}

// AuditRelay records a terminal relay outcome.
func AuditRelay(eventType AuditEventType, requestID, credential, model string, durationMs int64, errMsg string) {
	AuditLog(AuditEvent{
		EventType:  eventType,
		RequestID:  requestID,
		Credential: credential,
		Model:      model,
		Success:    eventType == AuditRelaySuccess,
		DurationMs: durationMs,
		Error:      errMsg,
		Message:    fmt.Sprintf("relay %s: model=%s credential=%s", eventType, model, credential),
	})
}

// AuditProbe records a reconciler probe result.
func AuditProbe(credential string, remaining int, err error) {
	if err != nil {
		AuditLog(AuditEvent{
			EventType:  AuditProbeFailed,
			Credential: credential,
			Success:    false,
			Error:      err.Error(),
			Message:    fmt.Sprintf("probe failed: credential=%s", credential),
		})
		return
	}
	AuditLog(AuditEvent{
		EventType:  AuditProbeOK,
		Credential: credential,
		Success:    true,
		Fields:     map[string]interface{}{"remaining": remaining},
		Message:    fmt.Sprintf("probe ok: credential=%s remaining=%d", credential, remaining),
	})
}

// AuditToggle records a feature-control call outcome.
func AuditToggle(credential string, enabled bool, err error) {
	eventType := AuditToggleSent
	errMsg := ""
	if err != nil {
		eventType = AuditToggleFailed
		errMsg = err.Error()
	}
	AuditLog(AuditEvent{
		EventType:  eventType,
		Credential: credential,
		Success:    err == nil,
		Error:      errMsg,
		Fields:     map[string]interface{}{"enabled": enabled},
		Message:    fmt.Sprintf("feature toggle: credential=%s enabled=%v", credential, enabled),
	})
}
