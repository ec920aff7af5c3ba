package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/smallbiznis/rewardsync/internal/clock"
	"github.com/smallbiznis/rewardsync/internal/config"
	driftdomain "github.com/smallbiznis/rewardsync/internal/drift/domain"
	obsmetrics "github.com/smallbiznis/rewardsync/internal/observability/metrics"
	"github.com/smallbiznis/rewardsync/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type mockExpirer struct {
	mock.Mock
}

func (m *mockExpirer) ExpireAssignments(ctx context.Context, limit int) (int, error) {
	args := m.Called(limit)
	return args.Int(0), args.Error(1)
}

type mockDrift struct {
	mock.Mock
}

func (m *mockDrift) DetectDrift(ctx context.Context, providerID string) (*driftdomain.DriftDetectionResult, error) {
	args := m.Called(providerID)
	result, _ := args.Get(0).(*driftdomain.DriftDetectionResult)
	return result, args.Error(1)
}

func (m *mockDrift) SyncDrift(ctx context.Context, result *driftdomain.DriftDetectionResult, dryRun bool) (*driftdomain.SyncDriftResult, error) {
	args := m.Called(result.ProviderID, dryRun)
	out, _ := args.Get(0).(*driftdomain.SyncDriftResult)
	return out, args.Error(1)
}

func syncConfig(autoSync bool) config.SyncConfig {
	cfg := config.DefaultSyncConfig()
	cfg.ExpiryBatchSize = 2
	cfg.Providers = map[string]config.ProviderSyncConfig{
		"patreon": {DriftAudit: true, AutoSync: autoSync},
	}
	return cfg
}

func newTestScheduler(t *testing.T, clk clock.Clock, expirer Expirer, drift DriftAuditor, syncCfg config.SyncConfig) *Scheduler {
	t.Helper()
	s, err := New(Params{
		Log:     zaptest.NewLogger(t),
		GenID:   testutil.NewNode(t),
		Clock:   clk,
		Expirer: expirer,
		Drift:   drift,
		Sync:    config.NewStaticSyncConfigHolder(syncCfg),
	})
	require.NoError(t, err)
	return s
}

func TestRunJobTimeoutDoesNotReturnErrorAndIncrementsTimeout(t *testing.T) {
	registry := obsmetrics.ResetSchedulerMetricsForTest()

	s := newTestScheduler(t, clock.NewFakeClock(time.Time{}), &mockExpirer{}, &mockDrift{}, syncConfig(false))
	err := s.runJob(context.Background(), "timeout_job", 0, 5*time.Millisecond, func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	require.NoError(t, err)

	labels := map[string]string{"service": "rewardsync", "env": "test", "job": "timeout_job"}
	assert.Equal(t, float64(1), getCounterValue(t, registry, "rewardsync_scheduler_job_timeouts_total", labels))

	errorLabels := map[string]string{
		"service": "rewardsync",
		"env":     "test",
		"job":     "timeout_job",
		"reason":  obsmetrics.SchedulerJobReasonDeadlineExceeded,
	}
	assert.Equal(t, float64(1), getCounterValue(t, registry, "rewardsync_scheduler_job_errors_total", errorLabels))
}

func TestRunJobWrapsHardErrors(t *testing.T) {
	obsmetrics.ResetSchedulerMetricsForTest()
	s := newTestScheduler(t, clock.NewFakeClock(time.Time{}), &mockExpirer{}, &mockDrift{}, syncConfig(false))

	err := s.runJob(context.Background(), "broken", 0, time.Second, func(context.Context) error {
		return errors.New("boom")
	})
	require.Error(t, err)
	assert.Equal(t, "broken: boom", err.Error())
}

func TestExpireAssignmentsJobDrainsBatches(t *testing.T) {
	obsmetrics.ResetSchedulerMetricsForTest()
	expirer := &mockExpirer{}
	expirer.On("ExpireAssignments", 2).Return(2, nil).Twice()
	expirer.On("ExpireAssignments", 2).Return(1, nil).Once()

	s := newTestScheduler(t, clock.NewFakeClock(time.Time{}), expirer, &mockDrift{}, syncConfig(false))
	require.NoError(t, s.ExpireAssignmentsJob(context.Background(), 2))
	expirer.AssertNumberOfCalls(t, "ExpireAssignments", 3)
}

func TestRunOnceHonoursIntervals(t *testing.T) {
	obsmetrics.ResetSchedulerMetricsForTest()
	clk := clock.NewFakeClock(time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC))
	expirer := &mockExpirer{}
	expirer.On("ExpireAssignments", 2).Return(0, nil)
	drift := &mockDrift{}
	drift.On("DetectDrift", "patreon").Return(&driftdomain.DriftDetectionResult{ProviderID: "patreon"}, nil)

	s := newTestScheduler(t, clk, expirer, drift, syncConfig(false))
	ctx := context.Background()

	require.NoError(t, s.RunOnce(ctx))
	expirer.AssertNumberOfCalls(t, "ExpireAssignments", 1)
	drift.AssertNumberOfCalls(t, "DetectDrift", 1)

	clk.Advance(time.Minute)
	require.NoError(t, s.RunOnce(ctx))
	expirer.AssertNumberOfCalls(t, "ExpireAssignments", 1)

	clk.Advance(5 * time.Minute)
	require.NoError(t, s.RunOnce(ctx))
	expirer.AssertNumberOfCalls(t, "ExpireAssignments", 2)
	drift.AssertNumberOfCalls(t, "DetectDrift", 1)

	clk.Advance(6 * time.Hour)
	require.NoError(t, s.RunOnce(ctx))
	drift.AssertNumberOfCalls(t, "DetectDrift", 2)
}

func TestDriftAuditOnlySyncsWhenEnabled(t *testing.T) {
	obsmetrics.ResetSchedulerMetricsForTest()
	drifted := &driftdomain.DriftDetectionResult{
		ProviderID:     "patreon",
		HasDrift:       true,
		MissingMembers: []driftdomain.MissingMember{{MemberID: "m1"}},
	}

	t.Run("auto sync disabled", func(t *testing.T) {
		drift := &mockDrift{}
		drift.On("DetectDrift", "patreon").Return(drifted, nil)
		s := newTestScheduler(t, clock.NewFakeClock(time.Time{}), &mockExpirer{}, drift, syncConfig(false))

		require.NoError(t, s.DriftAuditJob(context.Background(), syncConfig(false)))
		drift.AssertNotCalled(t, "SyncDrift", mock.Anything, mock.Anything)
	})

	t.Run("auto sync enabled", func(t *testing.T) {
		drift := &mockDrift{}
		drift.On("DetectDrift", "patreon").Return(drifted, nil)
		drift.On("SyncDrift", "patreon", false).Return(&driftdomain.SyncDriftResult{ProviderID: "patreon", Success: true}, nil)
		s := newTestScheduler(t, clock.NewFakeClock(time.Time{}), &mockExpirer{}, drift, syncConfig(true))

		require.NoError(t, s.DriftAuditJob(context.Background(), syncConfig(true)))
		drift.AssertCalled(t, "SyncDrift", "patreon", false)
	})
}

func TestDriftAuditSkipsProvidersWithoutClient(t *testing.T) {
	obsmetrics.ResetSchedulerMetricsForTest()
	drift := &mockDrift{}
	drift.On("DetectDrift", "patreon").Return(nil, driftdomain.ErrUnknownProvider)
	s := newTestScheduler(t, clock.NewFakeClock(time.Time{}), &mockExpirer{}, drift, syncConfig(true))

	assert.NoError(t, s.DriftAuditJob(context.Background(), syncConfig(true)))
}

func TestEnabledJobsFilter(t *testing.T) {
	obsmetrics.ResetSchedulerMetricsForTest()
	expirer := &mockExpirer{}
	expirer.On("ExpireAssignments", 2).Return(0, nil)
	drift := &mockDrift{}

	s := newTestScheduler(t, clock.NewFakeClock(time.Time{}), expirer, drift, syncConfig(false))
	s.cfg.EnabledJobs = []string{"EXPIRE_ASSIGNMENTS"}

	require.NoError(t, s.RunOnce(context.Background()))
	expirer.AssertNumberOfCalls(t, "ExpireAssignments", 1)
	drift.AssertNotCalled(t, "DetectDrift", mock.Anything)
}

func getCounterValue(t *testing.T, registry *prometheus.Registry, name string, labels map[string]string) float64 {
	t.Helper()
	metricFamilies, err := registry.Gather()
	require.NoError(t, err)
	for _, mf := range metricFamilies {
		if mf.GetName() != name {
			continue
		}
		for _, metric := range mf.Metric {
			if !labelsMatch(metric, labels) {
				continue
			}
			require.NotNil(t, metric.Counter, "metric %s is not a counter", name)
			return metric.GetCounter().GetValue()
		}
	}
	t.Fatalf("metric %s with labels %v not found", name, labels)
	return 0
}

func labelsMatch(metric *dto.Metric, labels map[string]string) bool {
	if len(metric.Label) != len(labels) {
		return false
	}
	for _, label := range metric.Label {
		if labels[label.GetName()] != label.GetValue() {
			return false
		}
	}
	return true
}
