package controller

import (
	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"dripflow/models"
	"dripflow/utils"
	"dripflow/warmup"
)

type WarmupController struct {
	DB     *gorm.DB
	Engine *warmup.Engine
	Logger *logrus.Logger
}

func NewWarmupController(db *gorm.DB, engine *warmup.Engine, logger *logrus.Logger) *WarmupController {
	return &WarmupController{
		DB:     db,
		Engine: engine,
		Logger: logger,
	}
}

type CreateWarmupAccountRequest struct {
	Email        string `json:"email" validate:"required,email"`
	FromName     string `json:"from_name" validate:"required"`
	SMTPHost     string `json:"smtp_host" validate:"required"`
	SMTPPort     int    `json:"smtp_port" validate:"required"`
	SMTPUsername string `json:"smtp_username" validate:"required"`
	SMTPPassword string `json:"smtp_password" validate:"required"`
	DailyLimit   int    `json:"daily_limit" validate:"omitempty,min=1,max=100"`
}

type RecordEngagementRequest struct {
	Type models.WarmupActivityType `json:"type" validate:"required,oneof=received opened"`
}

func (wc *WarmupController) CreateAccount(c *fiber.Ctx) error {
	actor, err := actorID(c)
	if err != nil {
		return err
	}

	var req CreateWarmupAccountRequest
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

	encrypted, err := utils.Encrypt(req.SMTPPassword)
	if err != nil {
		wc.Logger.WithError(err).Error("failed to encrypt SMTP password")
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to store credentials",
		})
	}

	dailyLimit := req.DailyLimit
	if dailyLimit == 0 {
		dailyLimit = 10
	}

	account := models.WarmupAccount{
		UserID:       actor,
		Email:        req.Email,
		FromName:     req.FromName,
		Status:       models.WarmupWarming,
		Reputation:   50,
		DailyLimit:   dailyLimit,
		SMTPHost:     req.SMTPHost,
		SMTPPort:     req.SMTPPort,
		SMTPUsername: req.SMTPUsername,
		SMTPPassword: encrypted,
	}
	if err := wc.DB.Create(&account).Error; err != nil {
		wc.Logger.WithError(err).Error("failed to create warmup account")
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to create account",
		})
	}

	return c.Status(fiber.StatusCreated).JSON(account)
}

func (wc *WarmupController) ListAccounts(c *fiber.Ctx) error {
	actor, err := actorID(c)
	if err != nil {
		return err
	}

	var accounts []models.WarmupAccount
	if err := wc.DB.Where("user_id = ?", actor).Find(&accounts).Error; err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to list accounts",
		})
	}
	return c.JSON(accounts)
}

func (wc *WarmupController) GetAccount(c *fiber.Ctx) error {
	actor, err := actorID(c)
	if err != nil {
		return err
	}

	account, err := wc.ownedAccount(c, actor)
	if err != nil {
		return err
	}
	return c.JSON(account)
}

// RecordEngagement accepts an inbound reply/open signal from the warmup
// network integration.
func (wc *WarmupController) RecordEngagement(c *fiber.Ctx) error {
	actor, err := actorID(c)
	if err != nil {
		return err
	}

	account, err := wc.ownedAccount(c, actor)
	if err != nil {
		return err
	}

	var req RecordEngagementRequest
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

	if err := wc.Engine.RecordEngagement(c.Context(), account.ID, req.Type); err != nil {
		wc.Logger.WithError(err).Error("failed to record engagement")
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to record engagement",
		})
	}
	return c.JSON(fiber.Map{"message": "Engagement recorded"})
}

// ownedAccount loads the :id account and enforces ownership. The error is
// a fiber error the caller returns as-is.
func (wc *WarmupController) ownedAccount(c *fiber.Ctx, actor uint) (*models.WarmupAccount, error) {
	id, err := c.ParamsInt("id")
	if err != nil {
		return nil, fiber.NewError(fiber.StatusBadRequest, "Invalid account id")
	}

	var account models.WarmupAccount
	if err := wc.DB.Where("id = ? AND user_id = ?", id, actor).First(&account).Error; err != nil {
		return nil, fiber.NewError(fiber.StatusNotFound, "Account not found")
	}
	return &account, nil
}
