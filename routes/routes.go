package routes

import (
	controller "dripflow/controllers"
	"dripflow/sequence"
	"dripflow/warmup"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

func SetupRoutes(app *fiber.App, db *gorm.DB, seqEngine *sequence.Engine, warmupEngine *warmup.Engine, log *logrus.Logger) {
	requestLog := logger.New(logger.Config{
		Format: "[${time}] ${status} - ${latency} ${method} ${path}\n",
	})

	sequenceController := controller.NewSequenceController(db, log)
	enrollmentController := controller.NewEnrollmentController(db, seqEngine, log)
	warmupController := controller.NewWarmupController(db, warmupEngine, log)

	sequences := app.Group("/sequences", requestLog)
	sequences.Post("/", sequenceController.CreateSequence)
	sequences.Get("/", sequenceController.ListSequences)
	sequences.Get("/:id", sequenceController.GetSequence)
	sequences.Patch("/:id/status", sequenceController.UpdateSequenceStatus)
	sequences.Delete("/:id", sequenceController.DeleteSequence)
	sequences.Post("/:id/steps", sequenceController.CreateStep)
	sequences.Delete("/:id/steps/:stepId", sequenceController.DeleteStep)

	sequences.Post("/:id/enroll", enrollmentController.EnrollLeads)
	sequences.Post("/:id/unenroll", enrollmentController.UnenrollLeads)
	sequences.Get("/:id/enrollments", enrollmentController.ListEnrollments)

	warmups := app.Group("/warmup", requestLog)
	warmups.Post("/accounts", warmupController.CreateAccount)
	warmups.Get("/accounts", warmupController.ListAccounts)
	warmups.Get("/accounts/:id", warmupController.GetAccount)
	warmups.Post("/accounts/:id/engagement", warmupController.RecordEngagement)
}
