package models

import (
	"time"

	"gorm.io/gorm"
)

// JobStatus is the queue state of a job row.
type JobStatus string

const (
	JobPending JobStatus = "pending"
	JobClaimed JobStatus = "claimed"
	JobDone    JobStatus = "done"
	JobFailed  JobStatus = "failed"
	JobDead    JobStatus = "dead" // retry ceiling reached, held for inspection
)

// Job is a durable, time-stamped unit of deferred work. The payload is
// opaque to the store; it only identifies the unit of work to the handler
// registered for Type.
type Job struct {
	gorm.Model
	Type         string    `gorm:"not null;index" json:"type"`
	Status       JobStatus `gorm:"default:'pending';index" json:"status"`
	ScheduledFor time.Time `gorm:"not null;index" json:"scheduled_for"`

	Payload []byte `gorm:"type:bytes" json:"payload"`

	// DedupeKey lets callers enqueue idempotently: at most one pending job
	// per (type, dedupe key).
	DedupeKey string `gorm:"index" json:"dedupe_key,omitempty"`

	Attempts    int    `gorm:"default:0" json:"attempts"`
	MaxAttempts int    `gorm:"default:5" json:"max_attempts"`
	LastError   string `gorm:"type:text" json:"last_error,omitempty"`

	ClaimedAt   *time.Time `json:"claimed_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}
