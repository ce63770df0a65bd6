package models

import "time"

// AuditStatus classifies an update lifecycle event.
type AuditStatus string

const (
	AuditUpdateCheck AuditStatus = "update_check"
	AuditSuccess     AuditStatus = "success"
	AuditFailure     AuditStatus = "failure"
	AuditRollback    AuditStatus = "rollback"
	AuditRateLimit   AuditStatus = "rate_limit"
)

// AuditEntry is one recorded update event.
type AuditEntry struct {
	Timestamp time.Time      `json:"timestamp"`
	Status    AuditStatus    `json:"status"`
	Message   string         `json:"message"`
	Context   map[string]any `json:"context,omitempty"`
}
