package types

import "time"

// AlertRequest is a pending alarm produced by one service and consumed by
// the logging service through the shared-state pending_alerts document.
// Producers add entries keyed by UUID; the consumer nulls out processed
// entries, so readers skip null values.
type AlertRequest struct {
	Type       string    `json:"type"`
	DeviceID   string    `json:"device_id,omitempty"`
	DeviceName string    `json:"device_name,omitempty"`
	Message    string    `json:"message"`
	Severity   Severity  `json:"severity"`
	Timestamp  time.Time `json:"timestamp"`
}

// WriteResult reports the outcome of one consumed write command.
type WriteResult struct {
	CommandID  string    `json:"command_id"`
	Success    bool      `json:"success"`
	Error      string    `json:"error,omitempty"`
	FinishedAt time.Time `json:"finished_at"`
}
