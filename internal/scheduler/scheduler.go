package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/rewardsync/internal/clock"
	"github.com/smallbiznis/rewardsync/internal/config"
	driftdomain "github.com/smallbiznis/rewardsync/internal/drift/domain"
	obslogger "github.com/smallbiznis/rewardsync/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/rewardsync/internal/observability/metrics"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const (
	JobExpireAssignments = "expire_assignments"
	JobDriftAudit        = "drift_audit"
)

var ErrInvalidConfig = errors.New("scheduler_invalid_config")

// Expirer sweeps assignments past their expiry.
type Expirer interface {
	ExpireAssignments(ctx context.Context, limit int) (int, error)
}

// DriftAuditor compares provider state with internal assignments.
type DriftAuditor interface {
	DetectDrift(ctx context.Context, providerID string) (*driftdomain.DriftDetectionResult, error)
	SyncDrift(ctx context.Context, result *driftdomain.DriftDetectionResult, dryRun bool) (*driftdomain.SyncDriftResult, error)
}

type Params struct {
	fx.In

	Log     *zap.Logger
	GenID   *snowflake.Node
	Clock   clock.Clock
	Expirer Expirer
	Drift   DriftAuditor
	Sync    *config.SyncConfigHolder
	Config  Config `optional:"true"`
}

type Scheduler struct {
	log     *zap.Logger
	cfg     Config
	genID   *snowflake.Node
	clock   clock.Clock
	expirer Expirer
	drift   DriftAuditor
	sync    *config.SyncConfigHolder
	lastRun map[string]time.Time
}

func New(p Params) (*Scheduler, error) {
	if p.Log == nil || p.GenID == nil || p.Clock == nil || p.Expirer == nil || p.Drift == nil {
		return nil, ErrInvalidConfig
	}
	return &Scheduler{
		log:     p.Log.Named("scheduler").With(zap.String("component", "scheduler")),
		cfg:     p.Config.withDefaults(),
		genID:   p.GenID,
		clock:   p.Clock,
		expirer: p.Expirer,
		drift:   p.Drift,
		sync:    p.Sync,
		lastRun: map[string]time.Time{},
	}, nil
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
	schedMetrics := obsmetrics.Scheduler()
	schedMetrics.IncJobRun(name)

	err := fn(ctx)
	schedMetrics.ObserveJobDuration(name, time.Since(start))
	if owner {
		if err != nil && run.errorCount == 0 {
			run.IncError()
		}
		s.logJobFinish(ctx, run)
	}
	if err == nil {
		return nil
	}

	// a deadline is a soft timeout; the next tick picks up the rest
	isTimeout := errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled)
	if isTimeout {
		schedMetrics.IncJobTimeout(name)
	}
	schedMetrics.IncJobError(name, err)
	if isTimeout {
		s.logger(ctx).Warn("job timed out",
			zap.String("job", name),
			zap.String("run_id", run.runID),
			zap.Duration("timeout", timeout),
			zap.Error(err),
		)
		return nil
	}

	return fmt.Errorf("%s: %w", name, err)
}

// RunOnce runs every enabled job whose interval has elapsed.
func (s *Scheduler) RunOnce(parent context.Context) error {
	syncCfg := s.sync.Get()
	now := s.clock.Now()

	jobs := []struct {
		Name     string
		Interval time.Duration
		Run      func(context.Context) error
	}{
		{JobExpireAssignments, syncCfg.ExpirySweepInterval, func(ctx context.Context) error {
			return s.runJob(ctx, JobExpireAssignments, syncCfg.ExpiryBatchSize, s.cfg.ExpiryTimeout, func(ctx context.Context) error {
				return s.ExpireAssignmentsJob(ctx, syncCfg.ExpiryBatchSize)
			})
		}},
		{JobDriftAudit, syncCfg.DriftAuditInterval, func(ctx context.Context) error {
			return s.runJob(ctx, JobDriftAudit, len(syncCfg.Providers), s.cfg.DriftAuditTimeout, func(ctx context.Context) error {
				return s.DriftAuditJob(ctx, syncCfg)
			})
		}},
	}

	var err error
	for _, job := range jobs {
		if !s.isJobEnabled(job.Name) || !s.isDue(job.Name, job.Interval, now) {
			continue
		}
		s.lastRun[job.Name] = now
		err = errors.Join(err, job.Run(parent))
	}
	return err
}

func (s *Scheduler) RunForever(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.RunInterval)
	defer ticker.Stop()
	nextRun := s.clock.Now().Add(s.cfg.RunInterval)
	schedMetrics := obsmetrics.Scheduler()

	for {
		runLag := time.Since(nextRun)
		if runLag > 0 {
			schedMetrics.ObserveRunLoopLag(runLag)
		}
		if err := s.RunOnce(ctx); err != nil {
			s.log.Warn("scheduler run failed", zap.Error(err))
		}
		nextRun = nextRun.Add(s.cfg.RunInterval)

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *Scheduler) isDue(job string, interval time.Duration, now time.Time) bool {
	last, ok := s.lastRun[job]
	if !ok {
		return true
	}
	return !now.Before(last.Add(interval))
}

func (s *Scheduler) isJobEnabled(jobName string) bool {
	// an empty list enables every job
	if len(s.cfg.EnabledJobs) == 0 {
		return true
	}
	for _, enabled := range s.cfg.EnabledJobs {
		if strings.EqualFold(enabled, jobName) {
			return true
		}
	}
	return false
}

// ExpireAssignmentsJob sweeps expired assignments batch by batch until a
// short batch shows nothing is left.
func (s *Scheduler) ExpireAssignmentsJob(ctx context.Context, batchSize int) error {
	ctx, run, owner := s.ensureJobRun(ctx, JobExpireAssignments, batchSize)
	if owner {
		s.logJobStart(ctx, run)
		defer s.logJobFinish(ctx, run)
	}

	for batch := 0; batch < s.cfg.MaxExpiryBatches; batch++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		expired, err := s.expirer.ExpireAssignments(ctx, batchSize)
		run.AddProcessed(expired)
		obsmetrics.Scheduler().AddBatchProcessed(JobExpireAssignments, "assignment", expired)
		if err != nil {
			s.logJobError(ctx, run, "scheduler.expiry.failed", err)
			return err
		}
		if expired < batchSize {
			return nil
		}
	}
	return nil
}

// DriftAuditJob audits every provider with drift audits enabled. Findings are
// only repaired for providers that opt into auto sync.
func (s *Scheduler) DriftAuditJob(ctx context.Context, syncCfg config.SyncConfig) error {
	ctx, run, owner := s.ensureJobRun(ctx, JobDriftAudit, len(syncCfg.Providers))
	if owner {
		s.logJobStart(ctx, run)
		defer s.logJobFinish(ctx, run)
	}

	providers := make([]string, 0, len(syncCfg.Providers))
	for id, p := range syncCfg.Providers {
		if p.DriftAudit {
			providers = append(providers, id)
		}
	}
	sort.Strings(providers)

	var jobErr error
	for _, providerID := range providers {
		if err := ctx.Err(); err != nil {
			return errors.Join(jobErr, err)
		}
		log := s.logger(ctx).With(zap.String("provider_id", providerID))

		result, err := s.drift.DetectDrift(ctx, providerID)
		if err != nil {
			if errors.Is(err, driftdomain.ErrUnknownProvider) {
				log.Warn("drift audit skipped: no client for provider")
				continue
			}
			jobErr = errors.Join(jobErr, err)
			s.logJobError(ctx, run, "scheduler.drift.detect_failed", err, zap.String("provider_id", providerID))
			continue
		}
		findings := len(result.MissingMembers) + len(result.ExtraAssignments) + len(result.TierMismatches)
		run.AddProcessed(1)
		obsmetrics.Scheduler().AddBatchProcessed(JobDriftAudit, "finding", findings)

		if !result.HasDrift {
			continue
		}
		if !syncCfg.Provider(providerID).AutoSync {
			log.Warn("drift detected, auto sync disabled", zap.Int("findings", findings))
			continue
		}

		synced, err := s.drift.SyncDrift(obslogger.WithActor(ctx, "system", "drift-audit"), result, false)
		if err != nil {
			jobErr = errors.Join(jobErr, err)
			s.logJobError(ctx, run, "scheduler.drift.sync_failed", err, zap.String("provider_id", providerID))
			continue
		}
		if !synced.Success {
			for _, msg := range synced.Errors {
				s.logJobError(ctx, run, "scheduler.drift.sync_event_failed", errors.New(msg), zap.String("provider_id", providerID))
			}
		}
	}
	return jobErr
}
