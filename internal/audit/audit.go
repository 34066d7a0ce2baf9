// Package audit records proctoring activity in an append-only log. Every entry
// is scrubbed of personal data before it leaves the process.
package audit

import "strings"

// Event types written by the engine.
const (
	EventSessionJoined       = "session_joined"
	EventAnswerSubmitted     = "answer_submitted"
	EventAnswersAutosaved    = "answers_autosaved"
	EventExamEnded           = "exam_ended"
	EventDuplicateConnection = "duplicate_connection"
	EventAbnormalDisconnect  = "abnormal_disconnect"
	EventOutOfOrderUpdate    = "out_of_order_update"
	EventSecurityAlert       = "security_alert"
	EventSecurityFlag        = "security_flag"
	EventRuleTriggered       = "ai_rule_triggered"
	EventNetworkDegraded     = "network_degraded"
	EventSessionExpired      = "session_expired"
)

// Sink accepts audit entries. Record must not block the caller and never
// reports failure: audit is fire-and-forget.
type Sink interface {
	Record(examID, sessionID, eventType string, metadata map[string]any)
}

var redactedFields = map[string]struct{}{
	"name":       {},
	"email":      {},
	"phone":      {},
	"userinfo":   {},
	"deviceinfo": {},
	"password":   {},
	"token":      {},
	"student":    {},
	"ip":         {},
}

// normalizeKey folds user_info, userInfo and USERINFO onto one spelling.
func normalizeKey(k string) string {
	return strings.ToLower(strings.ReplaceAll(k, "_", ""))
}

// Redact returns a copy of metadata without personal fields, descending into
// nested objects and arrays. The input is never modified.
func Redact(metadata map[string]any) map[string]any {
	if metadata == nil {
		return map[string]any{}
	}
	out := make(map[string]any, len(metadata))
	for k, v := range metadata {
		if _, drop := redactedFields[normalizeKey(k)]; drop {
			continue
		}
		out[k] = redactValue(v)
	}
	return out
}

func redactValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return Redact(t)
	case []any:
		cp := make([]any, len(t))
		for i, item := range t {
			cp[i] = redactValue(item)
		}
		return cp
	default:
		return v
	}
}
