package sequence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"dripflow/models"
	"dripflow/queue"
	"dripflow/utils"
)

// JobTypeStep is the job type the engine registers with the dispatcher.
const JobTypeStep = "sequence:step"

var (
	ErrSequenceNotActive = errors.New("sequence is not active")
	ErrSequenceNoSteps   = errors.New("sequence has no steps")
	ErrSenderNotUsable   = errors.New("sending account is not contactable")
)

// StepPayload identifies the unit of work a step job acts on. It is the
// only thing stored in the job row.
type StepPayload struct {
	SequenceID uint `json:"sequence_id"`
	LeadID     uint `json:"lead_id"`
}

// Mailer delivers a rendered step message from a sending account.
type Mailer interface {
	Send(ctx context.Context, from *models.WarmupAccount, to, subject, body string) (string, error)
}

// Suppression answers whether an address may be contacted at all.
type Suppression interface {
	IsSuppressed(ctx context.Context, address string, userID uint) (bool, error)
}

// EnrollResult reports the outcome of a bulk enroll or unenroll call.
type EnrollResult struct {
	Enrolled int `json:"enrolled"`
	Skipped  int `json:"skipped"`
}

// Engine advances enrollments through their sequence steps. All scheduling
// goes through the job store; the engine itself holds no timers.
type Engine struct {
	DB          *gorm.DB
	Store       *queue.Store
	Mailer      Mailer
	Suppression Suppression
	Conditions  ConditionEvaluator
	Logger      *logrus.Logger

	// Now is the clock, overridable in tests.
	Now func() time.Time
}

func NewEngine(db *gorm.DB, store *queue.Store, mailer Mailer, suppression Suppression, logger *logrus.Logger) *Engine {
	return &Engine{
		DB:          db,
		Store:       store,
		Mailer:      mailer,
		Suppression: suppression,
		Conditions:  EngagementEvaluator{},
		Logger:      logger,
		Now:         time.Now,
	}
}

// Register binds the engine's step handler to the dispatcher.
func (e *Engine) Register(d *queue.Dispatcher) {
	d.Register(JobTypeStep, e.HandleStepJob)
}

// applyDelay resolves a step's relative delay against an anchor time,
// applying days before hours.
func applyDelay(anchor time.Time, step *models.SequenceStep) time.Time {
	return anchor.AddDate(0, 0, step.DelayDays).Add(time.Duration(step.DelayHours) * time.Hour)
}

func enrollmentDedupeKey(enrollmentID uint) string {
	return fmt.Sprintf("enrollment:%d", enrollmentID)
}

// Enroll admits the given leads into an active sequence. Leads that are
// already enrolled, missing, or carry an unusable address are counted as
// skipped, never errored, so bulk calls are safe to retry.
func (e *Engine) Enroll(ctx context.Context, actorID, sequenceID uint, leadIDs []uint) (EnrollResult, error) {
	db := e.DB.WithContext(ctx)

	var seq models.Sequence
	if err := db.Preload("Steps", func(tx *gorm.DB) *gorm.DB {
		return tx.Order("step_order asc")
	}).First(&seq, sequenceID).Error; err != nil {
		return EnrollResult{}, fmt.Errorf("failed to load sequence %d: %w", sequenceID, err)
	}
	if seq.Status != models.SequenceActive {
		return EnrollResult{}, ErrSequenceNotActive
	}
	if len(seq.Steps) == 0 {
		return EnrollResult{}, ErrSequenceNoSteps
	}

	firstStep := seq.Steps[0]
	now := e.Now()
	// Enrollment time acts as the step-0 completion anchor.
	nextStepAt := applyDelay(now, &firstStep)

	var result EnrollResult
	for _, leadID := range leadIDs {
		var lead models.Lead
		if err := db.First(&lead, leadID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				result.Skipped++
				continue
			}
			return result, fmt.Errorf("failed to load lead %d: %w", leadID, err)
		}
		if !utils.ValidEmail(lead.Email) {
			result.Skipped++
			continue
		}
		suppressed, err := e.Suppression.IsSuppressed(ctx, lead.Email, seq.UserID)
		if err != nil {
			return result, fmt.Errorf("suppression check failed: %w", err)
		}
		if suppressed {
			result.Skipped++
			continue
		}

		var existing int64
		if err := db.Model(&models.Enrollment{}).
			Where("sequence_id = ? AND lead_id = ?", sequenceID, leadID).
			Count(&existing).Error; err != nil {
			return result, fmt.Errorf("failed to check enrollment: %w", err)
		}
		if existing > 0 {
			result.Skipped++
			continue
		}

		// Enrollment row and its first job are one logical unit.
		err = db.Transaction(func(tx *gorm.DB) error {
			enrollment := models.Enrollment{
				SequenceID:  sequenceID,
				LeadID:      leadID,
				EnrolledBy:  actorID,
				Status:      models.EnrollmentActive,
				CurrentStep: firstStep.StepOrder,
				NextStepAt:  &nextStepAt,
				LastStepAt:  &now,
			}
			if err := tx.Create(&enrollment).Error; err != nil {
				return err
			}
			return e.enqueueStep(ctx, tx, &enrollment, nextStepAt)
		})
		if err != nil {
			// The unique (sequence, lead) index makes a concurrent double
			// enroll a skip, not a failure.
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				result.Skipped++
				continue
			}
			return result, fmt.Errorf("failed to enroll lead %d: %w", leadID, err)
		}
		result.Enrolled++
	}

	e.Logger.WithFields(logrus.Fields{
		"sequence_id": sequenceID,
		"enrolled":    result.Enrolled,
		"skipped":     result.Skipped,
	}).Info("enroll completed")
	return result, nil
}

func (e *Engine) enqueueStep(ctx context.Context, tx *gorm.DB, enrollment *models.Enrollment, at time.Time) error {
	payload, err := json.Marshal(StepPayload{
		SequenceID: enrollment.SequenceID,
		LeadID:     enrollment.LeadID,
	})
	if err != nil {
		return err
	}
	_, err = queue.NewStore(tx).Enqueue(ctx, JobTypeStep, at, payload, queue.EnqueueOptions{
		DedupeKey: enrollmentDedupeKey(enrollment.ID),
	})
	return err
}

// Unenroll exits the given leads' active enrollments. Jobs already
// scheduled for them are not cancelled; the step handler discards them on
// sight. Returns the number of enrollments exited.
func (e *Engine) Unenroll(ctx context.Context, actorID, sequenceID uint, leadIDs []uint) (EnrollResult, error) {
	db := e.DB.WithContext(ctx)

	var result EnrollResult
	for _, leadID := range leadIDs {
		var enrollment models.Enrollment
		err := db.Where("sequence_id = ? AND lead_id = ?", sequenceID, leadID).First(&enrollment).Error
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				result.Skipped++
				continue
			}
			return result, fmt.Errorf("failed to load enrollment: %w", err)
		}
		if enrollment.Terminal() {
			result.Skipped++
			continue
		}
		if err := e.exit(ctx, &enrollment, models.ExitUnenrolled); err != nil {
			return result, err
		}
		result.Enrolled++
	}

	e.Logger.WithFields(logrus.Fields{
		"sequence_id": sequenceID,
		"actor_id":    actorID,
		"exited":      result.Enrolled,
	}).Info("unenroll completed")
	return result, nil
}

// exit moves an enrollment to the exited terminal state, enforcing the
// transition table.
func (e *Engine) exit(ctx context.Context, enrollment *models.Enrollment, reason models.ExitReason) error {
	if !enrollment.Status.CanTransition(models.EnrollmentExited) {
		return fmt.Errorf("illegal enrollment transition %s -> exited", enrollment.Status)
	}
	return e.DB.WithContext(ctx).Model(enrollment).Updates(map[string]interface{}{
		"status":      models.EnrollmentExited,
		"exit_reason": reason,
	}).Error
}

func (e *Engine) complete(ctx context.Context, enrollment *models.Enrollment) error {
	if !enrollment.Status.CanTransition(models.EnrollmentCompleted) {
		return fmt.Errorf("illegal enrollment transition %s -> completed", enrollment.Status)
	}
	now := e.Now()
	return e.DB.WithContext(ctx).Model(enrollment).Updates(map[string]interface{}{
		"status":       models.EnrollmentCompleted,
		"completed_at": now,
	}).Error
}

// HandleStepJob executes the current step for the enrollment a claimed job
// points at. It is safe to invoke on jobs whose enrollment has since been
// exited or deleted: those resolve to a discard, never an error.
func (e *Engine) HandleStepJob(ctx context.Context, job models.Job) error {
	var payload StepPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return fmt.Errorf("malformed step payload: %w", err)
	}

	db := e.DB.WithContext(ctx)
	log := e.Logger.WithFields(logrus.Fields{
		"sequence_id": payload.SequenceID,
		"lead_id":     payload.LeadID,
	})

	var enrollment models.Enrollment
	err := db.Where("sequence_id = ? AND lead_id = ?", payload.SequenceID, payload.LeadID).
		First(&enrollment).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return queue.Discard(fmt.Errorf("enrollment for sequence %d lead %d is gone", payload.SequenceID, payload.LeadID))
		}
		return fmt.Errorf("failed to load enrollment: %w", err)
	}
	if enrollment.Status != models.EnrollmentActive {
		return queue.Discard(fmt.Errorf("enrollment %d is %s", enrollment.ID, enrollment.Status))
	}

	var step models.SequenceStep
	err = db.Where("sequence_id = ? AND step_order = ?", enrollment.SequenceID, enrollment.CurrentStep).
		First(&step).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			// Ran past the last step.
			return e.complete(ctx, &enrollment)
		}
		return fmt.Errorf("failed to load step: %w", err)
	}

	var lead models.Lead
	if err := db.First(&lead, enrollment.LeadID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			log.Info("lead deleted, exiting enrollment")
			return e.exit(ctx, &enrollment, models.ExitLeadDeleted)
		}
		return fmt.Errorf("failed to load lead: %w", err)
	}

	var next *models.SequenceStep
	switch step.Type {
	case models.StepSend:
		exited, err := e.executeSend(ctx, &enrollment, &step, &lead)
		if err != nil {
			return err
		}
		if exited {
			return nil
		}
		next, err = e.stepAfter(ctx, enrollment.SequenceID, step.StepOrder)
		if err != nil {
			return err
		}

	case models.StepWait:
		// Wait steps exist purely to express delay.
		next, err = e.stepAfter(ctx, enrollment.SequenceID, step.StepOrder)
		if err != nil {
			return err
		}

	case models.StepBranch:
		matched, err := e.Conditions.Evaluate(ctx, step.ConditionKind, &lead, &enrollment)
		if err != nil {
			return fmt.Errorf("branch evaluation failed: %w", err)
		}
		target := step.OnFalseStep
		if matched {
			target = step.OnTrueStep
		}
		if target == 0 {
			log.WithField("condition", step.ConditionKind).Info("branch terminated enrollment")
			return e.exit(ctx, &enrollment, models.ExitBranch)
		}
		next, err = e.stepAt(ctx, enrollment.SequenceID, target)
		if err != nil {
			return err
		}

	default:
		return fmt.Errorf("unknown step type %q", step.Type)
	}

	return e.advance(ctx, &enrollment, next)
}

// executeSend runs a send step. Returns true when the enrollment was
// exited by the suppression gate.
func (e *Engine) executeSend(ctx context.Context, enrollment *models.Enrollment, step *models.SequenceStep, lead *models.Lead) (bool, error) {
	var seq models.Sequence
	if err := e.DB.WithContext(ctx).First(&seq, enrollment.SequenceID).Error; err != nil {
		return false, fmt.Errorf("failed to load sequence: %w", err)
	}

	suppressed, err := e.Suppression.IsSuppressed(ctx, lead.Email, seq.UserID)
	if err != nil {
		return false, fmt.Errorf("suppression check failed: %w", err)
	}
	if suppressed {
		// Never retry a suppressed send.
		e.Logger.WithFields(logrus.Fields{
			"enrollment_id": enrollment.ID,
			"lead_id":       lead.ID,
		}).Info("recipient suppressed, exiting enrollment")
		return true, e.exit(ctx, enrollment, models.ExitSuppressed)
	}

	account, err := e.sendingAccount(ctx, &seq)
	if err != nil {
		return false, err
	}

	subject := RenderTemplate(step.Subject, lead)
	body := RenderTemplate(step.Body, lead)
	if _, err := e.Mailer.Send(ctx, account, lead.Email, subject, body); err != nil {
		return false, fmt.Errorf("send failed: %w", err)
	}

	now := e.Now()
	if err := e.DB.WithContext(ctx).Model(lead).Update("last_contact", now).Error; err != nil {
		e.Logger.WithError(err).Warn("failed to stamp lead last contact")
	}
	return false, nil
}

// sendingAccount resolves the sequence's sending identity. An account that
// is at risk cannot be used for outbound steps.
func (e *Engine) sendingAccount(ctx context.Context, seq *models.Sequence) (*models.WarmupAccount, error) {
	if seq.WarmupAccountID == 0 {
		return nil, fmt.Errorf("sequence %d: %w", seq.ID, ErrSenderNotUsable)
	}
	var account models.WarmupAccount
	if err := e.DB.WithContext(ctx).First(&account, seq.WarmupAccountID).Error; err != nil {
		return nil, fmt.Errorf("failed to load sending account: %w", err)
	}
	if account.Status == models.WarmupAtRisk {
		return nil, fmt.Errorf("account %d is at risk: %w", account.ID, ErrSenderNotUsable)
	}
	return &account, nil
}

// stepAfter returns the next step strictly after the given order, or nil.
func (e *Engine) stepAfter(ctx context.Context, sequenceID uint, order int) (*models.SequenceStep, error) {
	var step models.SequenceStep
	err := e.DB.WithContext(ctx).
		Where("sequence_id = ? AND step_order > ?", sequenceID, order).
		Order("step_order asc").
		First(&step).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to load next step: %w", err)
	}
	return &step, nil
}

// stepAt returns the step with the exact order, or nil. Branch targets
// jump here, the one place step order may move backwards.
func (e *Engine) stepAt(ctx context.Context, sequenceID uint, order int) (*models.SequenceStep, error) {
	var step models.SequenceStep
	err := e.DB.WithContext(ctx).
		Where("sequence_id = ? AND step_order = ?", sequenceID, order).
		First(&step).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to load branch target: %w", err)
	}
	return &step, nil
}

// advance moves the cursor to the next step and schedules exactly one job
// for it, anchored at this step's completion time. A nil next step
// completes the enrollment.
func (e *Engine) advance(ctx context.Context, enrollment *models.Enrollment, next *models.SequenceStep) error {
	now := e.Now()
	if next == nil {
		return e.complete(ctx, enrollment)
	}

	nextAt := applyDelay(now, next)
	return e.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&models.Enrollment{}).
			Where("id = ? AND status = ?", enrollment.ID, models.EnrollmentActive).
			Updates(map[string]interface{}{
				"current_step": next.StepOrder,
				"last_step_at": now,
				"next_step_at": nextAt,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			// Exited under us; let the scheduled job die on the stale check.
			return nil
		}
		return e.enqueueStep(ctx, tx, enrollment, nextAt)
	})
}
