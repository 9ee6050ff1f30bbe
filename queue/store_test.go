package queue

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"dripflow/models"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		TranslateError: true,
		Logger:         gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, models.Migrate(db))
	return db
}

func TestEnqueueDedupe(t *testing.T) {
	ctx := context.Background()
	store := NewStore(newTestDB(t))
	at := time.Now()

	first, err := store.Enqueue(ctx, "sequence:step", at, []byte(`{}`), EnqueueOptions{DedupeKey: "enrollment:1"})
	require.NoError(t, err)

	second, err := store.Enqueue(ctx, "sequence:step", at.Add(time.Hour), []byte(`{}`), EnqueueOptions{DedupeKey: "enrollment:1"})
	require.NoError(t, err)
	assert.Equal(t, first, second, "duplicate enqueue should return the existing pending job")

	var count int64
	require.NoError(t, store.db.Model(&models.Job{}).Count(&count).Error)
	assert.EqualValues(t, 1, count)

	// A different key inserts a new row.
	third, err := store.Enqueue(ctx, "sequence:step", at, []byte(`{}`), EnqueueOptions{DedupeKey: "enrollment:2"})
	require.NoError(t, err)
	assert.NotEqual(t, first, third)
}

func TestEnqueueDedupeIgnoresNonPending(t *testing.T) {
	ctx := context.Background()
	store := NewStore(newTestDB(t))
	now := time.Now()

	first, err := store.Enqueue(ctx, "sequence:step", now, []byte(`{}`), EnqueueOptions{DedupeKey: "enrollment:1"})
	require.NoError(t, err)

	claimed, err := store.ClaimDue(ctx, now, 10)
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	// Once the old job is claimed, the key is free again.
	second, err := store.Enqueue(ctx, "sequence:step", now.Add(time.Hour), []byte(`{}`), EnqueueOptions{DedupeKey: "enrollment:1"})
	require.NoError(t, err)
	assert.NotEqual(t, first, second)
}

func TestClaimDueRespectsSchedule(t *testing.T) {
	ctx := context.Background()
	store := NewStore(newTestDB(t))
	now := time.Now()

	_, err := store.Enqueue(ctx, "sequence:step", now.Add(time.Hour), nil, EnqueueOptions{})
	require.NoError(t, err)

	claimed, err := store.ClaimDue(ctx, now, 10)
	require.NoError(t, err)
	assert.Empty(t, claimed, "future jobs must not be claimed")

	claimed, err = store.ClaimDue(ctx, now.Add(2*time.Hour), 10)
	require.NoError(t, err)
	assert.Len(t, claimed, 1)
	assert.Equal(t, models.JobClaimed, claimed[0].Status)
}

func TestClaimDueIsExclusive(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	now := time.Now()

	store := NewStore(db)
	id, err := store.Enqueue(ctx, "sequence:step", now, nil, EnqueueOptions{})
	require.NoError(t, err)

	// Two sweepers racing over the same table: exactly one wins the job.
	other := NewStore(db)
	first, err := store.ClaimDue(ctx, now, 10)
	require.NoError(t, err)
	second, err := other.ClaimDue(ctx, now, 10)
	require.NoError(t, err)

	require.Len(t, first, 1)
	assert.Equal(t, id, first[0].ID)
	assert.Empty(t, second, "a claimed job must not be claimed again")
}

func TestCompleteRequiresClaim(t *testing.T) {
	ctx := context.Background()
	store := NewStore(newTestDB(t))
	now := time.Now()

	id, err := store.Enqueue(ctx, "sequence:step", now, nil, EnqueueOptions{})
	require.NoError(t, err)

	err = store.Complete(ctx, id)
	assert.ErrorIs(t, err, ErrNotClaimable)

	_, err = store.ClaimDue(ctx, now, 10)
	require.NoError(t, err)
	require.NoError(t, store.Complete(ctx, id))

	var job models.Job
	require.NoError(t, store.db.First(&job, id).Error)
	assert.Equal(t, models.JobDone, job.Status)
	assert.NotNil(t, job.CompletedAt)
}

func TestFailSchedulesRetry(t *testing.T) {
	ctx := context.Background()
	store := NewStore(newTestDB(t))
	now := time.Now()

	id, err := store.Enqueue(ctx, "sequence:step", now, nil, EnqueueOptions{})
	require.NoError(t, err)
	_, err = store.ClaimDue(ctx, now, 10)
	require.NoError(t, err)

	retry := 5 * time.Minute
	status, err := store.Fail(ctx, id, errors.New("smtp timeout"), &retry)
	require.NoError(t, err)
	assert.Equal(t, models.JobPending, status)

	var job models.Job
	require.NoError(t, store.db.First(&job, id).Error)
	assert.Equal(t, 1, job.Attempts)
	assert.Equal(t, "smtp timeout", job.LastError)
	assert.True(t, job.ScheduledFor.After(now), "retry must be pushed into the future")
}

func TestFailWithoutRetryLeavesFailed(t *testing.T) {
	ctx := context.Background()
	store := NewStore(newTestDB(t))
	now := time.Now()

	id, err := store.Enqueue(ctx, "sequence:step", now, nil, EnqueueOptions{})
	require.NoError(t, err)
	_, err = store.ClaimDue(ctx, now, 10)
	require.NoError(t, err)

	status, err := store.Fail(ctx, id, errors.New("boom"), nil)
	require.NoError(t, err)
	assert.Equal(t, models.JobFailed, status)
}

func TestFailDeadLettersAtAttemptCeiling(t *testing.T) {
	ctx := context.Background()
	store := NewStore(newTestDB(t))
	now := time.Now()

	id, err := store.Enqueue(ctx, "sequence:step", now, nil, EnqueueOptions{MaxAttempts: 2})
	require.NoError(t, err)

	retry := time.Minute
	handlerErr := errors.New("persistent failure")

	_, err = store.ClaimDue(ctx, now, 10)
	require.NoError(t, err)
	status, err := store.Fail(ctx, id, handlerErr, &retry)
	require.NoError(t, err)
	assert.Equal(t, models.JobPending, status)

	_, err = store.ClaimDue(ctx, now.Add(2*time.Minute), 10)
	require.NoError(t, err)
	status, err = store.Fail(ctx, id, handlerErr, &retry)
	require.NoError(t, err)
	assert.Equal(t, models.JobDead, status)

	// Dead jobs are held, never claimed again.
	claimed, err := store.ClaimDue(ctx, now.Add(time.Hour), 10)
	require.NoError(t, err)
	assert.Empty(t, claimed)
}
