package controller

import (
	"errors"

	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"dripflow/models"
	"dripflow/utils"
)

type SequenceController struct {
	DB     *gorm.DB
	Logger *logrus.Logger
}

func NewSequenceController(db *gorm.DB, logger *logrus.Logger) *SequenceController {
	return &SequenceController{
		DB:     db,
		Logger: logger,
	}
}

type CreateSequenceRequest struct {
	Name            string `json:"name" validate:"required,max=200"`
	Description     string `json:"description"`
	TriggerType     string `json:"trigger_type" validate:"omitempty,oneof=manual lead_created"`
	WarmupAccountID uint   `json:"warmup_account_id"`
}

type UpdateSequenceStatusRequest struct {
	Status models.SequenceStatus `json:"status" validate:"required,oneof=draft active paused archived"`
}

type CreateStepRequest struct {
	StepOrder     int                  `json:"step_order" validate:"required,min=1"`
	Type          models.StepType      `json:"type" validate:"required,oneof=send wait branch"`
	DelayDays     int                  `json:"delay_days" validate:"min=0"`
	DelayHours    int                  `json:"delay_hours" validate:"min=0"`
	Subject       string               `json:"subject"`
	Body          string               `json:"body"`
	ConditionKind models.ConditionKind `json:"condition_kind" validate:"omitempty,oneof=replied opened"`
	OnTrueStep    int                  `json:"on_true_step" validate:"min=0"`
	OnFalseStep   int                  `json:"on_false_step" validate:"min=0"`
}

func (sc *SequenceController) CreateSequence(c *fiber.Ctx) error {
	actor, err := actorID(c)
	if err != nil {
		return err
	}

	var req CreateSequenceRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}
	if err := utils.ValidateStruct(req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": err.Error(),
		})
	}

	triggerType := req.TriggerType
	if triggerType == "" {
		triggerType = "manual"
	}

	seq := models.Sequence{
		UserID:          actor,
		WarmupAccountID: req.WarmupAccountID,
		Name:            req.Name,
		Description:     req.Description,
		Status:          models.SequenceDraft,
		TriggerType:     triggerType,
	}
	if err := sc.DB.Create(&seq).Error; err != nil {
		sc.Logger.WithError(err).Error("failed to create sequence")
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to create sequence",
		})
	}

	return c.Status(fiber.StatusCreated).JSON(seq)
}

func (sc *SequenceController) ListSequences(c *fiber.Ctx) error {
	actor, err := actorID(c)
	if err != nil {
		return err
	}

	var sequences []models.Sequence
	if err := sc.DB.Where("user_id = ?", actor).Order("created_at desc").Find(&sequences).Error; err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to list sequences",
		})
	}
	return c.JSON(sequences)
}

func (sc *SequenceController) GetSequence(c *fiber.Ctx) error {
	actor, err := actorID(c)
	if err != nil {
		return err
	}

	seq, err := sc.ownedSequence(c, actor)
	if err != nil {
		return err
	}
	if err := sc.DB.Preload("Steps", func(tx *gorm.DB) *gorm.DB {
		return tx.Order("step_order asc")
	}).First(seq, seq.ID).Error; err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to load sequence",
		})
	}
	return c.JSON(seq)
}

// UpdateSequenceStatus moves a sequence through its lifecycle. Illegal
// transitions and activating an empty sequence are rejected.
func (sc *SequenceController) UpdateSequenceStatus(c *fiber.Ctx) error {
	actor, err := actorID(c)
	if err != nil {
		return err
	}

	var req UpdateSequenceStatusRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}
	if err := utils.ValidateStruct(req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": err.Error(),
		})
	}

	seq, err := sc.ownedSequence(c, actor)
	if err != nil {
		return err
	}

	if !seq.Status.CanTransition(req.Status) {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Illegal status transition",
		})
	}

	if req.Status == models.SequenceActive {
		var stepCount int64
		if err := sc.DB.Model(&models.SequenceStep{}).
			Where("sequence_id = ?", seq.ID).Count(&stepCount).Error; err != nil {
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
				"error": "Failed to count steps",
			})
		}
		if stepCount == 0 {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error": "Cannot activate a sequence with no steps",
			})
		}
	}

	if err := sc.DB.Model(seq).Update("status", req.Status).Error; err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to update sequence",
		})
	}
	seq.Status = req.Status
	return c.JSON(seq)
}

func (sc *SequenceController) DeleteSequence(c *fiber.Ctx) error {
	actor, err := actorID(c)
	if err != nil {
		return err
	}

	seq, err := sc.ownedSequence(c, actor)
	if err != nil {
		return err
	}

	// Steps and enrollments cascade with the sequence.
	if err := sc.DB.Select("Steps", "Enrollments").Delete(seq).Error; err != nil {
		sc.Logger.WithError(err).Error("failed to delete sequence")
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to delete sequence",
		})
	}
	return c.JSON(fiber.Map{"message": "Sequence deleted"})
}

func (sc *SequenceController) CreateStep(c *fiber.Ctx) error {
	actor, err := actorID(c)
	if err != nil {
		return err
	}

	var req CreateStepRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}
	if err := utils.ValidateStruct(req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": err.Error(),
		})
	}

	seq, err := sc.ownedSequence(c, actor)
	if err != nil {
		return err
	}
	if seq.Status == models.SequenceArchived {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Cannot modify an archived sequence",
		})
	}

	step := models.SequenceStep{
		SequenceID:    seq.ID,
		StepOrder:     req.StepOrder,
		Type:          req.Type,
		DelayDays:     req.DelayDays,
		DelayHours:    req.DelayHours,
		Subject:       req.Subject,
		Body:          req.Body,
		ConditionKind: req.ConditionKind,
		OnTrueStep:    req.OnTrueStep,
		OnFalseStep:   req.OnFalseStep,
	}
	if err := step.Validate(); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": err.Error(),
		})
	}

	if err := sc.DB.Create(&step).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error": "Step order already used in this sequence",
			})
		}
		sc.Logger.WithError(err).Error("failed to create step")
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to create step",
		})
	}

	return c.Status(fiber.StatusCreated).JSON(step)
}

func (sc *SequenceController) DeleteStep(c *fiber.Ctx) error {
	actor, err := actorID(c)
	if err != nil {
		return err
	}

	seq, err := sc.ownedSequence(c, actor)
	if err != nil {
		return err
	}

	stepID, err := c.ParamsInt("stepId")
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid step id",
		})
	}

	res := sc.DB.Where("id = ? AND sequence_id = ?", stepID, seq.ID).Delete(&models.SequenceStep{})
	if res.Error != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to delete step",
		})
	}
	if res.RowsAffected == 0 {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "Step not found",
		})
	}
	return c.JSON(fiber.Map{"message": "Step deleted"})
}

// ownedSequence loads the :id sequence and enforces ownership. The error
// is a fiber error the caller returns as-is.
func (sc *SequenceController) ownedSequence(c *fiber.Ctx, actor uint) (*models.Sequence, error) {
	id, err := c.ParamsInt("id")
	if err != nil {
		return nil, fiber.NewError(fiber.StatusBadRequest, "Invalid sequence id")
	}

	var seq models.Sequence
	if err := sc.DB.Where("id = ? AND user_id = ?", id, actor).First(&seq).Error; err != nil {
		return nil, fiber.NewError(fiber.StatusNotFound, "Sequence not found")
	}
	return &seq, nil
}
