package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/partnergate/internal/clock"
	"github.com/smallbiznis/partnergate/internal/config"
	obsmetrics "github.com/smallbiznis/partnergate/internal/observability/metrics"
	"github.com/smallbiznis/partnergate/internal/ratelimit"
	hookdomain "github.com/smallbiznis/partnergate/internal/webhook/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var ErrInvalidConfig = errors.New("scheduler: missing dependencies")

type Params struct {
	fx.In

	Log      *zap.Logger
	GenID    *snowflake.Node
	Clock    clock.Clock
	Gateway  *config.GatewayConfigHolder
	Webhooks hookdomain.Service
	Locker   *ratelimit.Locker `optional:"true"`
}

// Scheduler drives the webhook retry sweep. Each tick claims one bounded
// batch; the claim guard in the store keeps concurrent workers from sending
// the same attempt twice, and the optional redis lease keeps them from
// competing for the same batch.
type Scheduler struct {
	log      *zap.Logger
	genID    *snowflake.Node
	clock    clock.Clock
	gateway  *config.GatewayConfigHolder
	webhooks hookdomain.Service
	locker   *ratelimit.Locker
}

func New(p Params) (*Scheduler, error) {
	if p.Log == nil || p.GenID == nil || p.Clock == nil || p.Gateway == nil || p.Webhooks == nil {
		return nil, ErrInvalidConfig
	}
	return &Scheduler{
		log:      p.Log.Named("scheduler").With(zap.String("component", "scheduler")),
		genID:    p.GenID,
		clock:    p.Clock,
		gateway:  p.Gateway,
		webhooks: p.Webhooks,
		locker:   p.Locker,
	}, nil
}

func (s *Scheduler) config() Config {
	return configFrom(s.gateway.Get().Sweep)
}

func (s *Scheduler) runJob(
	parent context.Context,
	name string,
	batchSize int,
	timeout time.Duration,
	fn func(ctx context.Context) error,
) error {
	start := s.clock.Now()
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	ctx, run, owner := s.ensureJobRun(ctx, name, batchSize)
	if owner {
		s.logJobStart(ctx, run)
	}
	log := s.logger(ctx).With(
		zap.String("job", name),
		zap.String("run_id", run.runID),
	)
	workerMetrics := obsmetrics.Worker()
	workerMetrics.IncJobRun(name)

	err := fn(ctx)
	workerMetrics.ObserveJobDuration(name, s.clock.Now().Sub(start))
	if owner {
		if err != nil && run != nil && run.errorCount == 0 {
			run.IncError()
		}
		s.logJobFinish(ctx, run)
	}
	if err == nil {
		return nil
	}

	// A deadline ends the batch early; unclaimed rows stay due for the next tick.
	isTimeout := errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled)
	if isTimeout {
		workerMetrics.IncJobTimeout(name)
	}
	workerMetrics.IncJobError(name, err)
	if isTimeout {
		log.Warn("job timed out",
			zap.Duration("timeout", timeout),
			zap.Error(err),
		)
		return nil
	}

	return fmt.Errorf("%s: %w", name, err)
}

func (s *Scheduler) RunOnce(parent context.Context) error {
	cfg := s.config()
	return s.runJob(parent, JobWebhookRetrySweep, cfg.BatchSize, cfg.Timeout, func(ctx context.Context) error {
		return s.WebhookRetrySweepJob(ctx, cfg)
	})
}

func (s *Scheduler) RunForever(ctx context.Context) {
	interval := s.config().RunInterval
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	nextRun := s.clock.Now().Add(interval)
	workerMetrics := obsmetrics.Worker()

	for {
		runLag := s.clock.Now().Sub(nextRun)
		if runLag > 0 {
			workerMetrics.ObserveRunLoopLag(runLag)
		}
		if err := s.RunOnce(ctx); err != nil {
			s.log.Warn("scheduler run failed", zap.Error(err))
		}

		if next := s.config().RunInterval; next != interval {
			s.log.Info("sweep interval changed", zap.Duration("from", interval), zap.Duration("to", next))
			interval = next
			ticker.Reset(interval)
		}
		nextRun = nextRun.Add(interval)

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// WebhookRetrySweepJob retries one batch of due deliveries.
func (s *Scheduler) WebhookRetrySweepJob(ctx context.Context, cfg Config) error {
	ctx, run, owner := s.ensureJobRun(ctx, JobWebhookRetrySweep, cfg.BatchSize)
	if owner {
		s.logJobStart(ctx, run)
		defer s.logJobFinish(ctx, run)
	}

	release, acquired := s.acquire(ctx, cfg)
	if !acquired {
		obsmetrics.Worker().IncBatchDeferred(JobWebhookRetrySweep, obsmetrics.WorkerBatchDeferredReasonLockHeld)
		s.logger(ctx).Debug("scheduler.sweep.deferred", zap.String("reason", obsmetrics.WorkerBatchDeferredReasonLockHeld))
		return nil
	}
	defer release()

	result, err := s.webhooks.RetryDue(ctx, cfg.BatchSize)
	run.AddProcessed(result.Claimed)
	obsmetrics.Worker().AddBatchProcessed(JobWebhookRetrySweep, "webhook_delivery", result.Claimed)
	if err != nil {
		s.logSchedulerError(ctx, run, "scheduler.sweep.failed", JobWebhookRetrySweep, err)
		return err
	}

	if result.Due > 0 {
		s.logSweepResult(ctx, result)
	}
	return nil
}

// acquire takes the sweep lease when redis is configured. A redis failure
// falls back to running unlocked, which the claim guard keeps safe.
func (s *Scheduler) acquire(ctx context.Context, cfg Config) (func(), bool) {
	noop := func() {}
	if s.locker == nil {
		return noop, true
	}

	token, ok, err := s.locker.TryLock(ctx, sweepLockKey, cfg.lockTTL())
	if err != nil {
		s.logger(ctx).Warn("sweep lock unavailable, running unlocked", zap.Error(err))
		return noop, true
	}
	if !ok {
		return noop, false
	}
	return func() {
		releaseCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := s.locker.Release(releaseCtx, sweepLockKey, token); err != nil {
			s.log.Warn("failed to release sweep lock", zap.Error(err))
		}
	}, true
}
