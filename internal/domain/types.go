package domain

import (
	"encoding/json"
	"time"
)

// Priority orders tasks across bands: higher value dequeues first.
// Within a band, earlier CreatedAt wins. There is no aging across
// bands; low-priority work can wait indefinitely while higher bands
// keep arriving.
type Priority int

const (
	PriorityLow      Priority = 0
	PriorityNormal   Priority = 1
	PriorityHigh     Priority = 2
	PriorityCritical Priority = 3
)

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	case PriorityCritical:
		return "critical"
	}
	return "unknown"
}

// ParsePriority maps a label back to a Priority. The empty string is
// accepted as normal; unknown labels report ok=false.
func ParsePriority(s string) (Priority, bool) {
	switch s {
	case "low":
		return PriorityLow, true
	case "normal", "":
		return PriorityNormal, true
	case "high":
		return PriorityHigh, true
	case "critical":
		return PriorityCritical, true
	}
	return PriorityNormal, false
}

type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusRetrying  Status = "retrying"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether a task in this status will never run again.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Invocation names the work to perform. Only the handler name and a
// serializable argument payload are persisted, so pending work can be
// reconstructed after a restart; raw callables are never stored.
type Invocation struct {
	Handler string          `json:"handler"`
	Args    json.RawMessage `json:"args,omitempty"`
}

// TaskRecord is the persisted unit describing one submitted piece of
// work and its lifecycle state. Result and Error are mutually
// exclusive and populated only in terminal states.
type TaskRecord struct {
	ID         string
	Name       string
	Invocation Invocation
	Priority   Priority
	Status     Status
	RetryCount int
	MaxRetries int
	Timeout    time.Duration // 0 means no deadline
	CreatedAt  time.Time
	UpdatedAt  time.Time
	Result     json.RawMessage
	Error      string
	Metadata   map[string]string
}

// ScheduleKind selects how a schedule computes its next fire time.
type ScheduleKind string

const (
	ScheduleInterval ScheduleKind = "interval" // every N, drift-corrected
	ScheduleDaily    ScheduleKind = "daily"    // fixed hour:minute UTC, no back-fill
	ScheduleCron     ScheduleKind = "cron"     // standard cron expression
)

// Schedule is a registration that periodically enqueues a task. It is
// a producer only; execution happens in the worker pool.
type Schedule struct {
	ID       string
	Name     string
	Kind     ScheduleKind
	Every    time.Duration // interval kind
	AtHour   int           // daily kind, UTC
	AtMinute int
	CronExpr string // cron kind

	Handler    string
	Args       json.RawMessage
	Priority   Priority
	MaxRetries int
	Timeout    time.Duration

	Enabled       bool
	LastScheduled *time.Time
	NextFire      time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
}
