package models

import (
	"fmt"

	"gorm.io/gorm"
)

// SequenceStatus is the lifecycle state of a sequence.
type SequenceStatus string

const (
	SequenceDraft    SequenceStatus = "draft"
	SequenceActive   SequenceStatus = "active"
	SequencePaused   SequenceStatus = "paused"
	SequenceArchived SequenceStatus = "archived"
)

// sequenceTransitions lists the legal status moves. Archived is terminal.
var sequenceTransitions = map[SequenceStatus][]SequenceStatus{
	SequenceDraft:  {SequenceActive, SequenceArchived},
	SequenceActive: {SequencePaused, SequenceArchived},
	SequencePaused: {SequenceActive, SequenceArchived},
}

// CanTransition reports whether moving from s to next is legal.
func (s SequenceStatus) CanTransition(next SequenceStatus) bool {
	for _, allowed := range sequenceTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// StepType identifies what a sequence step does when it fires.
type StepType string

const (
	StepSend   StepType = "send"
	StepWait   StepType = "wait"
	StepBranch StepType = "branch"
)

// ConditionKind is the engagement signal a branch step tests.
type ConditionKind string

const (
	ConditionReplied ConditionKind = "replied"
	ConditionOpened  ConditionKind = "opened"
)

// Sequence represents an automated outreach sequence
type Sequence struct {
	gorm.Model
	UserID          uint `gorm:"not null;index" json:"user_id"`
	WarmupAccountID uint `gorm:"index" json:"warmup_account_id"` // sending identity for send steps

	Name        string         `gorm:"not null" json:"name"`
	Description string         `json:"description"`
	Status      SequenceStatus `gorm:"default:'draft'" json:"status"`
	TriggerType string         `gorm:"default:'manual'" json:"trigger_type"` // manual, lead_created

	// Relations
	Steps       []SequenceStep `gorm:"foreignKey:SequenceID;constraint:OnDelete:CASCADE" json:"steps,omitempty"`
	Enrollments []Enrollment   `gorm:"foreignKey:SequenceID;constraint:OnDelete:CASCADE" json:"enrollments,omitempty"`
}

// SequenceStep represents one step in a sequence. StepOrder values are
// unique and strictly increasing within a sequence.
type SequenceStep struct {
	gorm.Model
	SequenceID uint `gorm:"not null;index:idx_sequence_step_order,unique" json:"sequence_id"`

	StepOrder int      `gorm:"not null;index:idx_sequence_step_order,unique" json:"step_order"`
	Type      StepType `gorm:"not null" json:"type"`

	// Delay relative to the previous step's completion. Days are applied
	// before hours.
	DelayDays  int `gorm:"default:0" json:"delay_days"`
	DelayHours int `gorm:"default:0" json:"delay_hours"`

	// Send fields
	Subject string `json:"subject,omitempty"`
	Body    string `gorm:"type:text" json:"body,omitempty"`

	// Branch fields. A target of 0 terminates the enrollment.
	ConditionKind ConditionKind `json:"condition_kind,omitempty"`
	OnTrueStep    int           `gorm:"default:0" json:"on_true_step"`
	OnFalseStep   int           `gorm:"default:0" json:"on_false_step"`
}

// Validate rejects malformed step configuration before it can reach the
// scheduler.
func (s *SequenceStep) Validate() error {
	if s.StepOrder < 1 {
		return fmt.Errorf("step order must be >= 1")
	}
	if s.DelayDays < 0 || s.DelayHours < 0 {
		return fmt.Errorf("step delay cannot be negative")
	}
	switch s.Type {
	case StepSend:
		if s.Subject == "" || s.Body == "" {
			return fmt.Errorf("send step requires subject and body")
		}
	case StepWait:
		// delay only, no side effect
	case StepBranch:
		if s.ConditionKind != ConditionReplied && s.ConditionKind != ConditionOpened {
			return fmt.Errorf("branch step requires a condition kind")
		}
		if s.OnTrueStep < 0 || s.OnFalseStep < 0 {
			return fmt.Errorf("branch targets cannot be negative")
		}
	default:
		return fmt.Errorf("unknown step type %q", s.Type)
	}
	return nil
}
