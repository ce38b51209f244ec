package ipc

import (
	"bmh/internal/commsmanager"
	"bmh/internal/deps"
	"bmh/internal/journal"
)

// StatusRequest fetches daemon status.
type StatusRequest struct{}

// StatusResponse represents combined daemon and manager status information.
type StatusResponse struct {
	Running      bool                `json:"running"`
	PID          int                 `json:"pid"`
	LockPath     string              `json:"lock_path"`
	JournalPath  string              `json:"journal_path"`
	APIAddress   string              `json:"api_address"`
	Manager      commsmanager.Status `json:"manager"`
	Dependencies []deps.Status       `json:"dependencies"`
}

// ReloadRequest asks the daemon to re-read its configuration file.
type ReloadRequest struct{}

// ReloadResponse reports whether a changed configuration was applied.
type ReloadResponse struct {
	Changed bool `json:"changed"`
}

// HistoryRequest filters the event journal. An empty group matches every
// group; a zero limit uses the journal default.
type HistoryRequest struct {
	Group string `json:"group"`
	Limit int    `json:"limit"`
}

// HistoryResponse lists journal events, newest first.
type HistoryResponse struct {
	Events []journal.Event `json:"events"`
}

// TestNotificationRequest triggers a notification test.
type TestNotificationRequest struct{}

// TestNotificationResponse reports the notification test outcome.
type TestNotificationResponse struct {
	Sent    bool   `json:"sent"`
	Message string `json:"message"`
}
