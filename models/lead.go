package models

import (
	"time"

	"gorm.io/gorm"
)

// Lead represents a single contact
type Lead struct {
	gorm.Model
	UserID uint `gorm:"not null;index" json:"user_id"`

	Email     string `gorm:"not null;index" json:"email"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	Company   string `json:"company"`

	// Suppression flags
	IsBounced      bool `gorm:"default:false" json:"is_bounced"`
	IsUnsubscribed bool `gorm:"default:false" json:"is_unsubscribed"`
	IsDoNotContact bool `gorm:"default:false" json:"is_do_not_contact"`

	LastContact *time.Time `json:"last_contact"`
	RepliedAt   *time.Time `json:"replied_at"`
	OpenedAt    *time.Time `json:"opened_at"`
}

// Unsubscribe represents unsubscribe requests
type Unsubscribe struct {
	gorm.Model
	Email  string `gorm:"not null;index" json:"email"`
	UserID *uint  `json:"user_id,omitempty"` // nil means globally suppressed

	Reason string `json:"reason"`
}

// Bounce represents email bounce records
type Bounce struct {
	gorm.Model
	Email  string `gorm:"not null;index" json:"email"`
	UserID *uint  `json:"user_id,omitempty"`

	Type    string `gorm:"not null" json:"type"` // hard, soft, block
	Code    string `json:"code"`
	Message string `json:"message"`
}
