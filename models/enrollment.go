package models

import (
	"time"

	"gorm.io/gorm"
)

// EnrollmentStatus is the lifecycle state of an enrollment. Completed and
// exited are terminal.
type EnrollmentStatus string

const (
	EnrollmentActive    EnrollmentStatus = "active"
	EnrollmentCompleted EnrollmentStatus = "completed"
	EnrollmentExited    EnrollmentStatus = "exited"
)

var enrollmentTransitions = map[EnrollmentStatus][]EnrollmentStatus{
	EnrollmentActive: {EnrollmentCompleted, EnrollmentExited},
}

// CanTransition reports whether moving from s to next is legal.
func (s EnrollmentStatus) CanTransition(next EnrollmentStatus) bool {
	for _, allowed := range enrollmentTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// ExitReason records why an enrollment left the sequence early.
type ExitReason string

const (
	ExitUnenrolled  ExitReason = "unenrolled"
	ExitSuppressed  ExitReason = "suppressed"
	ExitBranch      ExitReason = "branch"
	ExitLeadDeleted ExitReason = "lead_deleted"
)

// Enrollment tracks one lead's progress through one sequence. There is at
// most one enrollment per (sequence, lead) pair.
type Enrollment struct {
	gorm.Model
	SequenceID uint `gorm:"not null;index:idx_enrollment_seq_lead,unique" json:"sequence_id"`
	LeadID     uint `gorm:"not null;index:idx_enrollment_seq_lead,unique" json:"lead_id"`
	EnrolledBy uint `gorm:"not null" json:"enrolled_by"`

	Status EnrollmentStatus `gorm:"default:'active';index" json:"status"`

	// CurrentStep is the StepOrder of the next step to execute. It only
	// moves forward except when a branch jumps it.
	CurrentStep int        `gorm:"default:1" json:"current_step"`
	NextStepAt  *time.Time `json:"next_step_at"`
	LastStepAt  *time.Time `json:"last_step_at"` // anchor for the next step's relative delay

	ExitReason  ExitReason `json:"exit_reason,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// Terminal reports whether the enrollment can no longer advance.
func (e *Enrollment) Terminal() bool {
	return e.Status == EnrollmentCompleted || e.Status == EnrollmentExited
}
