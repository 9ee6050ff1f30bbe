package utils

import (
	"context"
	"fmt"

	"gorm.io/gorm"

	"dripflow/models"
)

// SuppressionGate answers the one question every send path must ask first:
// may this address be contacted?
type SuppressionGate struct {
	DB *gorm.DB
}

func NewSuppressionGate(db *gorm.DB) *SuppressionGate {
	return &SuppressionGate{DB: db}
}

// IsSuppressed reports whether the address is blocked for the given owner.
// An address is suppressed if any lead carrying it is flagged, if it has an
// unsubscribe on record, or if it hard-bounced. Global suppression rows
// (no owner) apply to everyone.
func (sg *SuppressionGate) IsSuppressed(ctx context.Context, address string, userID uint) (bool, error) {
	db := sg.DB.WithContext(ctx)

	var count int64
	err := db.Model(&models.Lead{}).
		Where("user_id = ? AND email = ? AND (is_bounced OR is_unsubscribed OR is_do_not_contact)", userID, address).
		Count(&count).Error
	if err != nil {
		return false, fmt.Errorf("suppression lead check failed: %w", err)
	}
	if count > 0 {
		return true, nil
	}

	err = db.Model(&models.Unsubscribe{}).
		Where("email = ? AND (user_id IS NULL OR user_id = ?)", address, userID).
		Count(&count).Error
	if err != nil {
		return false, fmt.Errorf("suppression unsubscribe check failed: %w", err)
	}
	if count > 0 {
		return true, nil
	}

	err = db.Model(&models.Bounce{}).
		Where("email = ? AND type IN ('hard', 'block') AND (user_id IS NULL OR user_id = ?)", address, userID).
		Count(&count).Error
	if err != nil {
		return false, fmt.Errorf("suppression bounce check failed: %w", err)
	}
	return count > 0, nil
}
