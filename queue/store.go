package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"dripflow/models"
)

var (
	// ErrNotClaimable is returned when a job is not in the state the
	// operation expects, e.g. completing a job that was never claimed.
	ErrNotClaimable = errors.New("job is not claimable")
)

const defaultMaxAttempts = 5

// Store is a durable queue of time-stamped, typed, opaque-payload work
// items backed by the jobs table.
type Store struct {
	db *gorm.DB
}

func NewStore(db *gorm.DB) *Store {
	return &Store{db: db}
}

// EnqueueOptions tunes a single enqueue call.
type EnqueueOptions struct {
	// DedupeKey makes the enqueue idempotent: if a pending job with the
	// same (type, key) already exists its ID is returned and nothing is
	// inserted.
	DedupeKey string

	// MaxAttempts overrides the retry ceiling. Zero means the default.
	MaxAttempts int
}

// Enqueue inserts a job scheduled to run at scheduledFor.
func (s *Store) Enqueue(ctx context.Context, jobType string, scheduledFor time.Time, payload []byte, opts EnqueueOptions) (uint, error) {
	db := s.db.WithContext(ctx)

	if opts.DedupeKey != "" {
		var existing models.Job
		err := db.Where("type = ? AND dedupe_key = ? AND status = ?",
			jobType, opts.DedupeKey, models.JobPending).First(&existing).Error
		if err == nil {
			return existing.ID, nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return 0, fmt.Errorf("failed to check for pending job: %w", err)
		}
	}

	maxAttempts := opts.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}

	job := models.Job{
		Type:         jobType,
		Status:       models.JobPending,
		ScheduledFor: scheduledFor,
		Payload:      payload,
		DedupeKey:    opts.DedupeKey,
		MaxAttempts:  maxAttempts,
	}
	if err := db.Create(&job).Error; err != nil {
		return 0, fmt.Errorf("failed to enqueue %s job: %w", jobType, err)
	}
	return job.ID, nil
}

// ClaimDue atomically claims up to limit due jobs. The pending -> claimed
// transition is a conditional update per row, so at most one concurrent
// caller wins any given job.
func (s *Store) ClaimDue(ctx context.Context, now time.Time, limit int) ([]models.Job, error) {
	db := s.db.WithContext(ctx)

	var candidates []models.Job
	if err := db.Where("status = ? AND scheduled_for <= ?", models.JobPending, now).
		Order("scheduled_for asc").
		Limit(limit).
		Find(&candidates).Error; err != nil {
		return nil, fmt.Errorf("failed to list due jobs: %w", err)
	}

	claimedAt := now
	claimed := make([]models.Job, 0, len(candidates))
	for _, job := range candidates {
		res := db.Model(&models.Job{}).
			Where("id = ? AND status = ?", job.ID, models.JobPending).
			Updates(map[string]interface{}{
				"status":     models.JobClaimed,
				"claimed_at": claimedAt,
			})
		if res.Error != nil {
			return claimed, fmt.Errorf("failed to claim job %d: %w", job.ID, res.Error)
		}
		if res.RowsAffected == 0 {
			continue // lost the race to a concurrent sweep
		}
		job.Status = models.JobClaimed
		job.ClaimedAt = &claimedAt
		claimed = append(claimed, job)
	}
	return claimed, nil
}

// Complete marks a claimed job done.
func (s *Store) Complete(ctx context.Context, id uint) error {
	now := time.Now()
	res := s.db.WithContext(ctx).Model(&models.Job{}).
		Where("id = ? AND status = ?", id, models.JobClaimed).
		Updates(map[string]interface{}{
			"status":       models.JobDone,
			"completed_at": now,
		})
	if res.Error != nil {
		return fmt.Errorf("failed to complete job %d: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotClaimable
	}
	return nil
}

// Fail records a handler failure. With a retryAfter the job goes back to
// pending at now+retryAfter until the attempt ceiling, after which it is
// dead-lettered. Without one it is left failed for manual inspection.
// The resulting status is returned.
func (s *Store) Fail(ctx context.Context, id uint, handlerErr error, retryAfter *time.Duration) (models.JobStatus, error) {
	db := s.db.WithContext(ctx)

	var job models.Job
	if err := db.First(&job, id).Error; err != nil {
		return "", fmt.Errorf("failed to load job %d: %w", id, err)
	}
	if job.Status != models.JobClaimed {
		return job.Status, ErrNotClaimable
	}

	attempts := job.Attempts + 1
	updates := map[string]interface{}{
		"attempts":   attempts,
		"last_error": handlerErr.Error(),
	}

	var next models.JobStatus
	switch {
	case attempts >= job.MaxAttempts:
		next = models.JobDead
	case retryAfter != nil:
		next = models.JobPending
		updates["scheduled_for"] = time.Now().Add(*retryAfter)
	default:
		next = models.JobFailed
	}
	updates["status"] = next

	res := db.Model(&models.Job{}).
		Where("id = ? AND status = ?", id, models.JobClaimed).
		Updates(updates)
	if res.Error != nil {
		return "", fmt.Errorf("failed to fail job %d: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return job.Status, ErrNotClaimable
	}
	return next, nil
}
