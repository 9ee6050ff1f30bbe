package warmup

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"

	"dripflow/models"
)

// activityWindow is the trailing window reputation is computed over.
const activityWindow = 7 * 24 * time.Hour

// WindowCounts are the engagement totals for one account's trailing
// activity window.
type WindowCounts struct {
	Sent     int
	Received int
	Opened   int
}

// windowCounts tallies the activity log since the window start.
func windowCounts(ctx context.Context, db *gorm.DB, accountID uint, since time.Time) (WindowCounts, error) {
	type row struct {
		Type  models.WarmupActivityType
		Count int
	}
	var rows []row
	err := db.WithContext(ctx).Model(&models.WarmupActivity{}).
		Select("type, count(*) as count").
		Where("account_id = ? AND at >= ?", accountID, since).
		Group("type").
		Scan(&rows).Error
	if err != nil {
		return WindowCounts{}, fmt.Errorf("failed to tally activity window: %w", err)
	}

	var counts WindowCounts
	for _, r := range rows {
		switch r.Type {
		case models.ActivitySent:
			counts.Sent = r.Count
		case models.ActivityReceived:
			counts.Received = r.Count
		case models.ActivityOpened:
			counts.Opened = r.Count
		}
	}
	return counts, nil
}

// Reputation recomputes a reputation score from a trailing activity
// window. It is a pure function of its inputs: recomputing from the same
// log always yields the same value.
func Reputation(current int, counts WindowCounts) int {
	if counts.Sent == 0 {
		return clampReputation(current)
	}

	replyRate := float64(counts.Received) / float64(counts.Sent)
	openRate := float64(counts.Opened) / float64(counts.Sent)

	switch {
	case replyRate > 0.3 && openRate > 0.5:
		current += 2
	case replyRate > 0.1 && openRate > 0.3:
		current++
	case replyRate < 0.05 || openRate < 0.1:
		current--
	}
	return clampReputation(current)
}

func clampReputation(v int) int {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}

// statusFor derives the health state from a reputation score.
func statusFor(reputation int) models.WarmupStatus {
	switch {
	case reputation >= 80:
		return models.WarmupHealthy
	case reputation < 30:
		return models.WarmupAtRisk
	default:
		return models.WarmupWarming
	}
}

// rampLimit applies the additive-increase ramp. The limit never decreases:
// a cap below the current limit leaves it unchanged.
func rampLimit(limit, reputation int) int {
	var next, ceiling int
	switch {
	case reputation >= 80:
		next, ceiling = limit+2, 100
	case reputation >= 60:
		next, ceiling = limit+1, 50
	default:
		return limit
	}
	if next > ceiling {
		next = ceiling
	}
	if next < limit {
		// Already above this tier's cap; never shrink.
		return limit
	}
	return next
}
