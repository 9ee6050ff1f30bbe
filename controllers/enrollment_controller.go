package controller

import (
	"errors"

	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"dripflow/models"
	"dripflow/sequence"
	"dripflow/utils"
)

type EnrollmentController struct {
	DB     *gorm.DB
	Engine *sequence.Engine
	Logger *logrus.Logger
}

func NewEnrollmentController(db *gorm.DB, engine *sequence.Engine, logger *logrus.Logger) *EnrollmentController {
	return &EnrollmentController{
		DB:     db,
		Engine: engine,
		Logger: logger,
	}
}

type EnrollRequest struct {
	LeadIDs []uint `json:"lead_ids" validate:"required,min=1"`
}

// EnrollLeads admits leads into the sequence. The call returns counts
// immediately; step execution happens asynchronously via the job queue.
func (ec *EnrollmentController) EnrollLeads(c *fiber.Ctx) error {
	actor, err := actorID(c)
	if err != nil {
		return err
	}

	sequenceID, err := c.ParamsInt("id")
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid sequence id",
		})
	}

	var req EnrollRequest
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

	result, err := ec.Engine.Enroll(c.Context(), actor, uint(sequenceID), req.LeadIDs)
	if err != nil {
		if errors.Is(err, sequence.ErrSequenceNotActive) || errors.Is(err, sequence.ErrSequenceNoSteps) {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error": err.Error(),
			})
		}
		ec.Logger.WithError(err).Error("enroll failed")
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to enroll leads",
		})
	}

	return c.JSON(result)
}

func (ec *EnrollmentController) UnenrollLeads(c *fiber.Ctx) error {
	actor, err := actorID(c)
	if err != nil {
		return err
	}

	sequenceID, err := c.ParamsInt("id")
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid sequence id",
		})
	}

	var req EnrollRequest
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

	result, err := ec.Engine.Unenroll(c.Context(), actor, uint(sequenceID), req.LeadIDs)
	if err != nil {
		ec.Logger.WithError(err).Error("unenroll failed")
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to unenroll leads",
		})
	}

	return c.JSON(fiber.Map{
		"exited":  result.Enrolled,
		"skipped": result.Skipped,
	})
}

func (ec *EnrollmentController) ListEnrollments(c *fiber.Ctx) error {
	actor, err := actorID(c)
	if err != nil {
		return err
	}

	sequenceID, err := c.ParamsInt("id")
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid sequence id",
		})
	}

	var seq models.Sequence
	if err := ec.DB.Where("id = ? AND user_id = ?", sequenceID, actor).First(&seq).Error; err != nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "Sequence not found",
		})
	}

	var enrollments []models.Enrollment
	if err := ec.DB.Where("sequence_id = ?", seq.ID).
		Order("created_at desc").
		Find(&enrollments).Error; err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to list enrollments",
		})
	}
	return c.JSON(enrollments)
}
