package worker

import (
	"context"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"

	"dripflow/models"
	"dripflow/warmup"
)

const defaultWarmupSchedule = "*/10 * * * *"

// WarmupWorker sweeps every warmup account on a cron cadence. Accounts are
// processed through a bounded pool; per-account exclusivity is the
// engine's redis lease, not this worker.
type WarmupWorker struct {
	DB       *gorm.DB
	Engine   *warmup.Engine
	Logger   *logrus.Logger
	Schedule string

	cron *cron.Cron
}

func NewWarmupWorker(db *gorm.DB, engine *warmup.Engine, logger *logrus.Logger, schedule string) *WarmupWorker {
	if schedule == "" {
		schedule = defaultWarmupSchedule
	}
	return &WarmupWorker{
		DB:       db,
		Engine:   engine,
		Logger:   logger,
		Schedule: schedule,
	}
}

// Start schedules the sweep and blocks until the context is cancelled.
func (ww *WarmupWorker) Start(ctx context.Context) error {
	ww.cron = cron.New()
	_, err := ww.cron.AddFunc(ww.Schedule, func() {
		ww.sweep(ctx)
	})
	if err != nil {
		return err
	}

	ww.Logger.WithField("schedule", ww.Schedule).Info("warmup worker started")
	ww.cron.Start()

	<-ctx.Done()
	ww.Logger.Info("warmup worker shutting down")
	<-ww.cron.Stop().Done()
	return nil
}

func (ww *WarmupWorker) sweep(ctx context.Context) {
	var accounts []models.WarmupAccount
	if err := ww.DB.WithContext(ctx).Find(&accounts).Error; err != nil {
		ww.Logger.WithError(err).Error("failed to list warmup accounts")
		return
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for _, account := range accounts {
		account := account
		g.Go(func() error {
			result, err := ww.Engine.RunForAccount(gctx, account.ID)
			if err != nil {
				ww.Logger.WithField("account_id", account.ID).
					WithError(err).Warn("warmup run failed")
				return nil
			}
			if result.Sent > 0 {
				ww.Logger.WithFields(logrus.Fields{
					"account_id": account.ID,
					"sent":       result.Sent,
				}).Debug("warmup run sent")
			}
			return nil
		})
	}
	_ = g.Wait()
}
