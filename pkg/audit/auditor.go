package audit

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// EventType categorizes security-relevant events for filtering and alerting.
type EventType string

const (
	// EventInjectionAttempt is logged when libinjection flags a tool argument.
	EventInjectionAttempt EventType = "injection_attempt"
	// EventToolDenied is logged when the permission engine refuses a tool call.
	EventToolDenied EventType = "tool_denied"
	// EventKeyRejected is logged when a bearer key fails authentication.
	EventKeyRejected EventType = "key_rejected"
)

// Event is an auditable security event with the context a SIEM needs.
type Event struct {
	Timestamp time.Time `json:"timestamp"`
	EventType EventType `json:"event_type"`
	AccountID uuid.UUID `json:"account_id,omitempty"`
	KeyPrefix string    `json:"key_prefix,omitempty"`
	ToolName  string    `json:"tool_name,omitempty"`
	Details   any       `json:"details"`
	Severity  string    `json:"severity"` // info, warning, critical
}

// Auditor logs security events under a dedicated logger namespace so SIEM
// pipelines can filter on it.
type Auditor struct {
	logger *zap.Logger
}

// NewAuditor creates a security auditor.
func NewAuditor(logger *zap.Logger) *Auditor {
	return &Auditor{logger: logger.Named("security_audit")}
}

// LogInjectionAttempt records a flagged tool argument. Logged at ERROR with
// critical severity for immediate alerting.
func (a *Auditor) LogInjectionAttempt(accountID uuid.UUID, keyPrefix, toolName string, finding *InjectionFinding) {
	event := Event{
		Timestamp: time.Now().UTC(),
		EventType: EventInjectionAttempt,
		AccountID: accountID,
		KeyPrefix: keyPrefix,
		ToolName:  toolName,
		Details: map[string]string{
			"argument":    finding.Argument,
			"fingerprint": finding.Fingerprint,
		},
		Severity: "critical",
	}
	eventJSON, _ := json.Marshal(event)

	a.logger.Error("Injection pattern in tool argument",
		zap.String("event_json", string(eventJSON)),
		zap.String("account_id", accountID.String()),
		zap.String("tool_name", toolName),
		zap.String("argument", finding.Argument),
		zap.String("fingerprint", finding.Fingerprint),
		zap.String("severity", "critical"),
	)
}

// LogToolDenied records a permission refusal at WARN level.
func (a *Auditor) LogToolDenied(accountID uuid.UUID, keyPrefix, toolName, reason string) {
	event := Event{
		Timestamp: time.Now().UTC(),
		EventType: EventToolDenied,
		AccountID: accountID,
		KeyPrefix: keyPrefix,
		ToolName:  toolName,
		Details:   map[string]string{"reason": reason},
		Severity:  "warning",
	}
	eventJSON, _ := json.Marshal(event)

	a.logger.Warn("Tool call denied",
		zap.String("event_json", string(eventJSON)),
		zap.String("tool_name", toolName),
		zap.String("key_prefix", keyPrefix),
		zap.String("reason", reason),
	)
}

// LogKeyRejected records a failed bearer key authentication at WARN level.
func (a *Auditor) LogKeyRejected(keyPrefix, reason, clientIP string) {
	event := Event{
		Timestamp: time.Now().UTC(),
		EventType: EventKeyRejected,
		KeyPrefix: keyPrefix,
		Details: map[string]string{
			"reason":    reason,
			"client_ip": clientIP,
		},
		Severity: "warning",
	}
	eventJSON, _ := json.Marshal(event)

	a.logger.Warn("Bearer key rejected",
		zap.String("event_json", string(eventJSON)),
		zap.String("key_prefix", keyPrefix),
		zap.String("reason", reason),
		zap.String("client_ip", clientIP),
	)
}
