// Package worker runs the periodic publishing passes. Each worker is one
// ticker loop; the process runs one worker per pass.
package worker

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"postdeck/internal/processor"
	"postdeck/pkg/config"
	"postdeck/pkg/logging"
)

// Intervals configures the pass cadence.
type Intervals struct {
	Publish   time.Duration
	Retry     time.Duration
	Analytics time.Duration
}

// IntervalsFromEnv reads the cadence from WORKER_* variables.
func IntervalsFromEnv() Intervals {
	return Intervals{
		Publish:   config.GetEnvDuration("WORKER_PUBLISH_INTERVAL", time.Minute),
		Retry:     config.GetEnvDuration("WORKER_RETRY_INTERVAL", 5*time.Minute),
		Analytics: config.GetEnvDuration("WORKER_ANALYTICS_INTERVAL", 24*time.Hour),
	}
}

type Worker struct {
	proc      *processor.Processor
	intervals Intervals
	logger    logging.Logger
}

func New(proc *processor.Processor, intervals Intervals, logger logging.Logger) *Worker {
	return &Worker{proc: proc, intervals: intervals, logger: logger}
}

// Start launches the pass loops and blocks until ctx is cancelled. Each
// pass runs once immediately so a restart does not wait a full interval.
func (w *Worker) Start(ctx context.Context) {
	go w.loop(ctx, "publish", w.intervals.Publish, w.runPublish)
	go w.loop(ctx, "retry", w.intervals.Retry, w.runRetry)
	go w.loop(ctx, "analytics", w.intervals.Analytics, w.runAnalytics)
	<-ctx.Done()
}

func (w *Worker) loop(ctx context.Context, name string, interval time.Duration, run func(context.Context)) {
	w.logger.WithFields(logrus.Fields{
		"pass":     name,
		"interval": interval.String(),
	}).Info("Worker pass started")

	run(ctx)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			w.logger.WithField("pass", name).Info("Worker pass stopped")
			return
		case <-ticker.C:
			run(ctx)
		}
	}
}

func (w *Worker) runPublish(ctx context.Context) {
	outcome, err := w.proc.RunPublishPass(ctx)
	if err != nil {
		w.logger.WithError(err).Error("Publish pass failed")
		return
	}
	if outcome.Claimed > 0 {
		w.logger.WithFields(logrus.Fields{
			"claimed":   outcome.Claimed,
			"published": outcome.Published,
			"failed":    outcome.Failed,
			"deferred":  outcome.Deferred,
		}).Info("Publish pass completed")
	}
}

func (w *Worker) runRetry(ctx context.Context) {
	if _, err := w.proc.RunRetryPass(ctx); err != nil {
		w.logger.WithError(err).Error("Retry pass failed")
	}
}

func (w *Worker) runAnalytics(ctx context.Context) {
	updated, err := w.proc.RunAnalyticsPass(ctx)
	if err != nil {
		w.logger.WithError(err).Error("Analytics pass failed")
		return
	}
	if updated > 0 {
		w.logger.WithField("updated", updated).Info("Analytics pass completed")
	}
}
