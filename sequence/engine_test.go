package sequence

import (
	"context"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"dripflow/models"
	"dripflow/queue"
)

type fakeMailer struct {
	mu    sync.Mutex
	sends []fakeSend
	err   error
}

type fakeSend struct {
	From    string
	To      string
	Subject string
	Body    string
}

func (m *fakeMailer) Send(ctx context.Context, from *models.WarmupAccount, to, subject, body string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return "", m.err
	}
	m.sends = append(m.sends, fakeSend{From: from.Email, To: to, Subject: subject, Body: body})
	return fmt.Sprintf("<msg-%d@test>", len(m.sends)), nil
}

func (m *fakeMailer) sent() []fakeSend {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]fakeSend(nil), m.sends...)
}

type fakeSuppression struct {
	suppressed map[string]bool
}

func (s *fakeSuppression) IsSuppressed(ctx context.Context, address string, userID uint) (bool, error) {
	return s.suppressed[address], nil
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
	return c.now
}

type engineFixture struct {
	engine      *Engine
	dispatcher  *queue.Dispatcher
	db          *gorm.DB
	mailer      *fakeMailer
	suppression *fakeSuppression
	clock       *testClock
}

func newEngineFixture(t *testing.T) *engineFixture {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		TranslateError: true,
		Logger:         gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, models.Migrate(db))

	logger := logrus.New()
	logger.SetOutput(io.Discard)

	mailer := &fakeMailer{}
	suppression := &fakeSuppression{suppressed: map[string]bool{}}
	clock := &testClock{now: time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)}

	store := queue.NewStore(db)
	engine := NewEngine(db, store, mailer, suppression, logger)
	engine.Now = clock.Now

	dispatcher := queue.NewDispatcher(store, logger)
	dispatcher.Concurrency = 1
	engine.Register(dispatcher)

	return &engineFixture{
		engine:      engine,
		dispatcher:  dispatcher,
		db:          db,
		mailer:      mailer,
		suppression: suppression,
		clock:       clock,
	}
}

func (f *engineFixture) sweep(t *testing.T) int {
	t.Helper()
	claimed, err := f.dispatcher.Sweep(context.Background(), f.clock.Now())
	require.NoError(t, err)
	return claimed
}

func (f *engineFixture) createAccount(t *testing.T, status models.WarmupStatus) *models.WarmupAccount {
	t.Helper()
	account := models.WarmupAccount{
		UserID:     1,
		Email:      "sender@test.dev",
		FromName:   "Sender",
		Status:     status,
		Reputation: 50,
		DailyLimit: 10,
	}
	require.NoError(t, f.db.Create(&account).Error)
	return &account
}

func (f *engineFixture) createSequence(t *testing.T, accountID uint, steps ...models.SequenceStep) *models.Sequence {
	t.Helper()
	seq := models.Sequence{
		UserID:          1,
		WarmupAccountID: accountID,
		Name:            "Outreach",
		Status:          models.SequenceActive,
	}
	require.NoError(t, f.db.Create(&seq).Error)
	for i := range steps {
		steps[i].SequenceID = seq.ID
		require.NoError(t, f.db.Create(&steps[i]).Error)
	}
	return &seq
}

func (f *engineFixture) createLead(t *testing.T, email string) *models.Lead {
	t.Helper()
	lead := models.Lead{
		UserID:    1,
		Email:     email,
		FirstName: "Ada",
		LastName:  "Lovelace",
		Company:   "Analytical Engines",
	}
	require.NoError(t, f.db.Create(&lead).Error)
	return &lead
}

func (f *engineFixture) enrollment(t *testing.T, sequenceID, leadID uint) *models.Enrollment {
	t.Helper()
	var enrollment models.Enrollment
	require.NoError(t, f.db.Where("sequence_id = ? AND lead_id = ?", sequenceID, leadID).First(&enrollment).Error)
	return &enrollment
}

func sendStep(order int) models.SequenceStep {
	return models.SequenceStep{
		StepOrder: order,
		Type:      models.StepSend,
		Subject:   "Hi {{FirstName}}",
		Body:      "Quick note for {{FirstName}} at {{Company}}.",
	}
}

func TestEnrollIsIdempotent(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()

	account := f.createAccount(t, models.WarmupWarming)
	seq := f.createSequence(t, account.ID, sendStep(1))
	lead := f.createLead(t, "ada@example.com")

	result, err := f.engine.Enroll(ctx, 1, seq.ID, []uint{lead.ID})
	require.NoError(t, err)
	assert.Equal(t, EnrollResult{Enrolled: 1}, result)

	result, err = f.engine.Enroll(ctx, 1, seq.ID, []uint{lead.ID})
	require.NoError(t, err)
	assert.Equal(t, EnrollResult{Skipped: 1}, result)

	var count int64
	require.NoError(t, f.db.Model(&models.Enrollment{}).Count(&count).Error)
	assert.EqualValues(t, 1, count)
}

func TestEnrollRejectsInactiveOrEmptySequence(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()

	account := f.createAccount(t, models.WarmupWarming)
	lead := f.createLead(t, "ada@example.com")

	draft := f.createSequence(t, account.ID, sendStep(1))
	require.NoError(t, f.db.Model(draft).Update("status", models.SequenceDraft).Error)
	_, err := f.engine.Enroll(ctx, 1, draft.ID, []uint{lead.ID})
	assert.ErrorIs(t, err, ErrSequenceNotActive)

	empty := f.createSequence(t, account.ID)
	_, err = f.engine.Enroll(ctx, 1, empty.ID, []uint{lead.ID})
	assert.ErrorIs(t, err, ErrSequenceNoSteps)
}

func TestEnrollSkipsMissingAndInvalidLeads(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()

	account := f.createAccount(t, models.WarmupWarming)
	seq := f.createSequence(t, account.ID, sendStep(1))
	good := f.createLead(t, "ada@example.com")
	bad := f.createLead(t, "not-an-address")
	blocked := f.createLead(t, "blocked@example.com")
	f.suppression.suppressed[blocked.Email] = true

	result, err := f.engine.Enroll(ctx, 1, seq.ID, []uint{good.ID, bad.ID, blocked.ID, 9999})
	require.NoError(t, err)
	assert.Equal(t, EnrollResult{Enrolled: 1, Skipped: 3}, result)
}

func TestSequenceRunsToCompletion(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()

	account := f.createAccount(t, models.WarmupWarming)
	seq := f.createSequence(t, account.ID, sendStep(1), sendStep(2))
	lead := f.createLead(t, "ada@example.com")

	_, err := f.engine.Enroll(ctx, 1, seq.ID, []uint{lead.ID})
	require.NoError(t, err)

	assert.Equal(t, 1, f.sweep(t))
	assert.Equal(t, 1, f.sweep(t)) // last step: sends and completes

	sends := f.mailer.sent()
	require.Len(t, sends, 2)
	assert.Equal(t, "Hi Ada", sends[0].Subject)
	assert.Equal(t, "Quick note for Ada at Analytical Engines.", sends[0].Body)
	assert.Equal(t, "ada@example.com", sends[0].To)
	assert.Equal(t, "sender@test.dev", sends[0].From)

	enrollment := f.enrollment(t, seq.ID, lead.ID)
	assert.Equal(t, models.EnrollmentCompleted, enrollment.Status)
	assert.NotNil(t, enrollment.CompletedAt)

	// Nothing left in the queue.
	assert.Zero(t, f.sweep(t))
}

func TestWaitStepDelaysFollowingSend(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()
	start := f.clock.Now()

	account := f.createAccount(t, models.WarmupWarming)
	seq := f.createSequence(t, account.ID,
		sendStep(1),
		models.SequenceStep{StepOrder: 2, Type: models.StepWait, DelayDays: 2},
		sendStep(3),
	)
	lead := f.createLead(t, "ada@example.com")

	_, err := f.engine.Enroll(ctx, 1, seq.ID, []uint{lead.ID})
	require.NoError(t, err)

	// First send fires immediately.
	assert.Equal(t, 1, f.sweep(t))
	require.Len(t, f.mailer.sent(), 1)

	// The wait job carries the two-day delay.
	var pending models.Job
	require.NoError(t, f.db.Where("status = ?", models.JobPending).First(&pending).Error)
	assert.WithinDuration(t, start.AddDate(0, 0, 2), pending.ScheduledFor, time.Second)

	// One day in: nothing is due.
	f.clock.Advance(24 * time.Hour)
	assert.Zero(t, f.sweep(t))
	assert.Len(t, f.mailer.sent(), 1)

	// Two days in: the wait resolves and the second send fires right after.
	f.clock.Advance(24 * time.Hour)
	assert.Equal(t, 1, f.sweep(t))
	assert.Equal(t, 1, f.sweep(t))
	assert.Len(t, f.mailer.sent(), 2)
}

func TestSuppressedLeadExitsWithoutSending(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()

	account := f.createAccount(t, models.WarmupWarming)
	seq := f.createSequence(t, account.ID, sendStep(1), sendStep(2))
	lead := f.createLead(t, "ada@example.com")

	_, err := f.engine.Enroll(ctx, 1, seq.ID, []uint{lead.ID})
	require.NoError(t, err)

	// Unsubscribes after enrolling, before the step fires.
	f.suppression.suppressed[lead.Email] = true

	assert.Equal(t, 1, f.sweep(t))
	assert.Empty(t, f.mailer.sent())

	enrollment := f.enrollment(t, seq.ID, lead.ID)
	assert.Equal(t, models.EnrollmentExited, enrollment.Status)
	assert.Equal(t, models.ExitSuppressed, enrollment.ExitReason)

	// The suppression exit never retries.
	var job models.Job
	require.NoError(t, f.db.Order("id asc").First(&job).Error)
	assert.Equal(t, models.JobDone, job.Status)
}

func TestUnenrolledJobIsDiscarded(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()

	account := f.createAccount(t, models.WarmupWarming)
	seq := f.createSequence(t, account.ID, sendStep(1))
	lead := f.createLead(t, "ada@example.com")

	_, err := f.engine.Enroll(ctx, 1, seq.ID, []uint{lead.ID})
	require.NoError(t, err)

	result, err := f.engine.Unenroll(ctx, 1, seq.ID, []uint{lead.ID})
	require.NoError(t, err)
	assert.Equal(t, 1, result.Enrolled)

	// The already-scheduled job dies on the stale check, not in the mailer.
	assert.Equal(t, 1, f.sweep(t))
	assert.Empty(t, f.mailer.sent())

	var job models.Job
	require.NoError(t, f.db.Order("id asc").First(&job).Error)
	assert.Equal(t, models.JobDone, job.Status)
	assert.Zero(t, job.Attempts)

	enrollment := f.enrollment(t, seq.ID, lead.ID)
	assert.Equal(t, models.EnrollmentExited, enrollment.Status)
	assert.Equal(t, models.ExitUnenrolled, enrollment.ExitReason)
}

func TestBranchFollowsEngagement(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()

	account := f.createAccount(t, models.WarmupWarming)
	branch := models.SequenceStep{
		StepOrder:     1,
		Type:          models.StepBranch,
		ConditionKind: models.ConditionReplied,
		OnTrueStep:    2,
		OnFalseStep:   0,
	}

	t.Run("replied lead takes the true arm", func(t *testing.T) {
		seq := f.createSequence(t, account.ID, branch, sendStep(2))
		lead := f.createLead(t, "ada@example.com")
		now := f.clock.Now()
		require.NoError(t, f.db.Model(lead).Update("replied_at", now).Error)

		_, err := f.engine.Enroll(ctx, 1, seq.ID, []uint{lead.ID})
		require.NoError(t, err)

		assert.Equal(t, 1, f.sweep(t))
		enrollment := f.enrollment(t, seq.ID, lead.ID)
		assert.Equal(t, models.EnrollmentActive, enrollment.Status)
		assert.Equal(t, 2, enrollment.CurrentStep)

		assert.Equal(t, 1, f.sweep(t))
		require.Len(t, f.mailer.sent(), 1)
		enrollment = f.enrollment(t, seq.ID, lead.ID)
		assert.Equal(t, models.EnrollmentCompleted, enrollment.Status)
	})

	t.Run("silent lead terminates on the false arm", func(t *testing.T) {
		seq := f.createSequence(t, account.ID, branch, sendStep(2))
		lead := f.createLead(t, "grace@example.com")

		_, err := f.engine.Enroll(ctx, 1, seq.ID, []uint{lead.ID})
		require.NoError(t, err)

		assert.Equal(t, 1, f.sweep(t))
		assert.Len(t, f.mailer.sent(), 1) // only the first subtest's send

		enrollment := f.enrollment(t, seq.ID, lead.ID)
		assert.Equal(t, models.EnrollmentExited, enrollment.Status)
		assert.Equal(t, models.ExitBranch, enrollment.ExitReason)
	})
}

func TestDeletedLeadExitsEnrollment(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()

	account := f.createAccount(t, models.WarmupWarming)
	seq := f.createSequence(t, account.ID, sendStep(1))
	lead := f.createLead(t, "ada@example.com")

	_, err := f.engine.Enroll(ctx, 1, seq.ID, []uint{lead.ID})
	require.NoError(t, err)

	require.NoError(t, f.db.Unscoped().Delete(lead).Error)

	assert.Equal(t, 1, f.sweep(t))
	assert.Empty(t, f.mailer.sent())

	enrollment := f.enrollment(t, seq.ID, lead.ID)
	assert.Equal(t, models.EnrollmentExited, enrollment.Status)
	assert.Equal(t, models.ExitLeadDeleted, enrollment.ExitReason)
}

func TestAtRiskSenderRetriesStep(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()

	account := f.createAccount(t, models.WarmupAtRisk)
	seq := f.createSequence(t, account.ID, sendStep(1))
	lead := f.createLead(t, "ada@example.com")

	_, err := f.engine.Enroll(ctx, 1, seq.ID, []uint{lead.ID})
	require.NoError(t, err)

	assert.Equal(t, 1, f.sweep(t))
	assert.Empty(t, f.mailer.sent())

	// The step is retried, not dropped: the account may recover.
	var job models.Job
	require.NoError(t, f.db.Order("id asc").First(&job).Error)
	assert.Equal(t, models.JobPending, job.Status)
	assert.Equal(t, 1, job.Attempts)
	assert.Contains(t, job.LastError, "not contactable")

	enrollment := f.enrollment(t, seq.ID, lead.ID)
	assert.Equal(t, models.EnrollmentActive, enrollment.Status)
}

func TestApplyDelayAppliesDaysBeforeHours(t *testing.T) {
	anchor := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	step := models.SequenceStep{DelayDays: 1, DelayHours: 5}
	assert.Equal(t, anchor.AddDate(0, 0, 1).Add(5*time.Hour), applyDelay(anchor, &step))

	zero := models.SequenceStep{}
	assert.Equal(t, anchor, applyDelay(anchor, &zero))
}
