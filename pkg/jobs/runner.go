// Package jobs runs the periodic maintenance actions of the server.
package jobs

import (
	"context"
	"fmt"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/mklimuk/atelier-pilot/pkg/metrics"
	"github.com/sirupsen/logrus"
)

// Names of the built-in jobs.
const (
	ReconcileLinks     = "reconcile-links"
	ResumeLeadClosures = "resume-lead-closures"
	ExportSnapshot     = "export-snapshot"
)

// Action is the body of a job.
type Action func(ctx context.Context) error

// Runner schedules named actions. A run never overlaps with the previous
// run of the same job.
type Runner struct {
	scheduler gocron.Scheduler
	ctx       context.Context
	cancel    context.CancelFunc
	log       *logrus.Entry
}

// NewRunner creates a stopped runner evaluating cron expressions in loc.
func NewRunner(loc *time.Location) (*Runner, error) {
	if loc == nil {
		loc = time.UTC
	}
	scheduler, err := gocron.NewScheduler(gocron.WithLocation(loc))
	if err != nil {
		return nil, fmt.Errorf("failed to create scheduler: %w", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Runner{
		scheduler: scheduler,
		ctx:       ctx,
		cancel:    cancel,
		log:       logrus.WithField("component", "jobs"),
	}, nil
}

// Every runs fn every interval.
func (r *Runner) Every(name string, interval time.Duration, fn Action) error {
	if interval <= 0 {
		return fmt.Errorf("job %s: interval must be > 0", name)
	}
	return r.add(name, gocron.DurationJob(interval), fn)
}

// Cron runs fn on a five-field cron expression.
func (r *Runner) Cron(name, expr string, fn Action) error {
	return r.add(name, gocron.CronJob(expr, false), fn)
}

func (r *Runner) add(name string, def gocron.JobDefinition, fn Action) error {
	_, err := r.scheduler.NewJob(def,
		gocron.NewTask(func() { r.run(name, fn) }),
		gocron.WithName(name),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return fmt.Errorf("failed to schedule job %s: %w", name, err)
	}
	r.log.WithField("job", name).Debug("job scheduled")
	return nil
}

// Names lists the scheduled jobs.
func (r *Runner) Names() []string {
	jobs := r.scheduler.Jobs()
	names := make([]string, 0, len(jobs))
	for _, j := range jobs {
		names = append(names, j.Name())
	}
	return names
}

func (r *Runner) run(name string, fn Action) {
	start := time.Now()
	err := fn(r.ctx)
	metrics.JobDuration.WithLabelValues(name).Observe(time.Since(start).Seconds())

	log := r.log.WithFields(logrus.Fields{"job": name, "duration": time.Since(start).String()})
	if err != nil {
		metrics.JobRuns.WithLabelValues(name, "error").Inc()
		log.WithError(err).Error("job failed")
		return
	}
	metrics.JobRuns.WithLabelValues(name, "ok").Inc()
	log.Debug("job finished")
}

// Start starts the scheduler.
func (r *Runner) Start() {
	r.scheduler.Start()
	r.log.WithField("jobs", len(r.scheduler.Jobs())).Info("job runner started")
}

// Stop cancels running actions and waits for them to return.
func (r *Runner) Stop() error {
	r.cancel()
	return r.scheduler.Shutdown()
}
