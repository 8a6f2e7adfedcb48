package types

import (
	"encoding/json"
	"time"
)

// Change records a single engine operation that was applied to a site's
// schedule.
type Change struct {
	ID        string          `json:"id"`
	Timestamp time.Time       `json:"timestamp"`
	Operation string          `json:"operation"`
	Request   json.RawMessage `json:"request,omitempty"`
	Warnings  []string        `json:"warnings,omitempty"`
	// Version is the schedule version produced by the change.
	Version uint64 `json:"version"`
	DryRun  bool   `json:"dryRun,omitempty"`
	Error   string `json:"error,omitempty"`
}

// ScheduleSnapshot is a stored copy of a schedule. The mock system keeps its
// device state in it.
type ScheduleSnapshot struct {
	Timestamp time.Time `json:"timestamp"`
	Model     string    `json:"model"`
	Schedule  Schedule  `json:"schedule"`
}
