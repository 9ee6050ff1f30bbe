package worker

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"dripflow/queue"
)

// DispatchWorker drives the job dispatcher on a fixed interval. The
// process holds no long-lived scheduler state; each tick is an
// independent sweep.
type DispatchWorker struct {
	Dispatcher *queue.Dispatcher
	Logger     *logrus.Logger
	Interval   time.Duration
}

func NewDispatchWorker(dispatcher *queue.Dispatcher, logger *logrus.Logger, interval time.Duration) *DispatchWorker {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &DispatchWorker{
		Dispatcher: dispatcher,
		Logger:     logger,
		Interval:   interval,
	}
}

func (w *DispatchWorker) Start(ctx context.Context) {
	// Initial delay to let the server start up
	time.Sleep(5 * time.Second)

	w.Logger.Info("dispatch worker started")

	ticker := time.NewTicker(w.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.Logger.Info("dispatch worker shutting down")
			return
		case <-ticker.C:
			claimed, err := w.Dispatcher.Sweep(ctx, time.Now())
			if err != nil {
				w.Logger.WithError(err).Error("dispatch sweep failed")
				continue
			}
			if claimed > 0 {
				w.Logger.WithField("claimed", claimed).Debug("dispatch sweep completed")
			}
		}
	}
}
