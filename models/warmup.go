package models

import (
	"time"

	"gorm.io/gorm"
)

// WarmupStatus is the health state of a sending account.
type WarmupStatus string

const (
	WarmupWarming WarmupStatus = "warming"
	WarmupHealthy WarmupStatus = "healthy"
	WarmupAtRisk  WarmupStatus = "at_risk"
)

// No warmup state is terminal: healthy accounts can regress and at-risk
// accounts can recover.
var warmupTransitions = map[WarmupStatus][]WarmupStatus{
	WarmupWarming: {WarmupHealthy, WarmupAtRisk},
	WarmupHealthy: {WarmupWarming, WarmupAtRisk},
	WarmupAtRisk:  {WarmupWarming},
}

// CanTransition reports whether moving from s to next is legal.
func (s WarmupStatus) CanTransition(next WarmupStatus) bool {
	for _, allowed := range warmupTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// WarmupActivityType classifies an entry in the engagement log.
type WarmupActivityType string

const (
	ActivitySent     WarmupActivityType = "sent"
	ActivityReceived WarmupActivityType = "received"
	ActivityOpened   WarmupActivityType = "opened"
)

// WarmupAccount is a sending identity whose daily volume is ramped
// gradually based on observed engagement.
type WarmupAccount struct {
	gorm.Model
	UserID uint `gorm:"not null;index" json:"user_id"`

	Email    string `gorm:"not null;index" json:"email"`
	FromName string `json:"from_name"`

	Status WarmupStatus `gorm:"default:'warming'" json:"status"`

	// Reputation is always recomputed from the trailing activity window,
	// never mutated independently.
	Reputation int `gorm:"default:50" json:"reputation"`

	DailyLimit   int        `gorm:"default:10" json:"daily_limit"`
	CurrentDaily int        `gorm:"default:0" json:"current_daily"`
	LastSentDate *time.Time `json:"last_sent_date"`
	LastRampDate *time.Time `json:"last_ramp_date"`

	// SMTP credential. The password is stored encrypted.
	SMTPHost     string `json:"smtp_host"`
	SMTPPort     int    `gorm:"default:587" json:"smtp_port"`
	SMTPUsername string `json:"smtp_username"`
	SMTPPassword string `json:"-"` // encrypted in application layer

	// OAuth credential, used instead of SMTP when present.
	OAuthToken  string     `json:"-"` // encrypted
	OAuthExpiry *time.Time `json:"oauth_expiry,omitempty"`

	LastError *string `json:"last_error,omitempty"`

	// Relations
	Activities []WarmupActivity `gorm:"foreignKey:AccountID" json:"activities,omitempty"`
}

// WarmupActivity is one immutable entry in the append-only engagement log.
type WarmupActivity struct {
	gorm.Model
	AccountID uint               `gorm:"not null;index" json:"account_id"`
	Type      WarmupActivityType `gorm:"not null" json:"type"`
	At        time.Time          `gorm:"not null;index" json:"at"`
}
