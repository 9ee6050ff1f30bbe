package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/getsentry/sentry-go"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"dripflow/models"
)

const (
	defaultBatchSize   = 50
	defaultConcurrency = 8
)

// HandlerFunc executes one claimed job. Returning nil completes the job;
// returning Discard(err) drops it as stale; any other error schedules a
// bounded retry.
type HandlerFunc func(ctx context.Context, job models.Job) error

type discardError struct {
	err error
}

func (e discardError) Error() string { return e.err.Error() }
func (e discardError) Unwrap() error { return e.err }

// Discard wraps an error so the dispatcher retires the job instead of
// retrying it. Used for stale jobs whose target is no longer actionable.
func Discard(err error) error {
	return discardError{err: err}
}

// IsDiscard reports whether err marks a job as discardable.
func IsDiscard(err error) bool {
	var d discardError
	return errors.As(err, &d)
}

// Dispatcher claims due jobs and runs the handler registered for each job
// type, with bounded parallelism across jobs.
type Dispatcher struct {
	store    *Store
	logger   *logrus.Logger
	handlers map[string]HandlerFunc

	BatchSize   int
	Concurrency int
}

func NewDispatcher(store *Store, logger *logrus.Logger) *Dispatcher {
	return &Dispatcher{
		store:       store,
		logger:      logger,
		handlers:    make(map[string]HandlerFunc),
		BatchSize:   defaultBatchSize,
		Concurrency: defaultConcurrency,
	}
}

// Register binds a handler to a job type. Jobs with an unregistered type
// are failed without a retry, so they sit inspectable instead of looping.
func (d *Dispatcher) Register(jobType string, handler HandlerFunc) {
	d.handlers[jobType] = handler
}

// Sweep claims due jobs and executes them. It returns the number of jobs
// it claimed. Handlers run concurrently; each job is completed, retried
// with backoff, or dead-lettered based on the handler's result.
func (d *Dispatcher) Sweep(ctx context.Context, now time.Time) (int, error) {
	jobs, err := d.store.ClaimDue(ctx, now, d.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("claim sweep failed: %w", err)
	}
	if len(jobs) == 0 {
		return 0, nil
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.Concurrency)
	for _, job := range jobs {
		job := job
		g.Go(func() error {
			d.runOne(gctx, job)
			return nil
		})
	}
	_ = g.Wait()
	return len(jobs), nil
}

func (d *Dispatcher) runOne(ctx context.Context, job models.Job) {
	log := d.logger.WithFields(logrus.Fields{
		"job_id":   job.ID,
		"job_type": job.Type,
	})

	handler, ok := d.handlers[job.Type]
	if !ok {
		err := fmt.Errorf("no handler registered for job type %q", job.Type)
		log.Error(err)
		d.fail(ctx, job, err, nil, log)
		return
	}

	err := handler(ctx, job)
	switch {
	case err == nil:
		if cerr := d.store.Complete(ctx, job.ID); cerr != nil {
			log.WithError(cerr).Error("failed to complete job")
		}
	case IsDiscard(err):
		// Stale target; retiring the job keeps the queue moving.
		log.WithError(err).Info("discarding stale job")
		if cerr := d.store.Complete(ctx, job.ID); cerr != nil {
			log.WithError(cerr).Error("failed to retire discarded job")
		}
	default:
		delay := retryDelay(job.Attempts + 1)
		d.fail(ctx, job, err, &delay, log)
	}
}

func (d *Dispatcher) fail(ctx context.Context, job models.Job, handlerErr error, retryAfter *time.Duration, log *logrus.Entry) {
	status, err := d.store.Fail(ctx, job.ID, handlerErr, retryAfter)
	if err != nil {
		log.WithError(err).Error("failed to record job failure")
		return
	}
	if status == models.JobDead {
		log.WithError(handlerErr).Error("job dead-lettered after retry ceiling")
		sentry.CaptureException(fmt.Errorf("job %d (%s) dead-lettered: %w", job.ID, job.Type, handlerErr))
		return
	}
	log.WithError(handlerErr).WithField("status", status).Warn("job failed")
}

// retryDelay returns the exponential backoff delay for the given attempt
// number (1-based).
func retryDelay(attempt int) time.Duration {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Minute
	b.RandomizationFactor = 0
	b.Multiplier = 2
	b.MaxInterval = 6 * time.Hour
	b.MaxElapsedTime = 0
	// Reset picks up the configured interval; the constructor snapshots
	// the defaults before the assignments above.
	b.Reset()

	delay := b.NextBackOff()
	for i := 1; i < attempt; i++ {
		delay = b.NextBackOff()
	}
	return delay
}
