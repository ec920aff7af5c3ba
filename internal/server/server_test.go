package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
	assignmentdomain "github.com/smallbiznis/rewardsync/internal/assignment/domain"
	assignmentrepo "github.com/smallbiznis/rewardsync/internal/assignment/repository"
	auditrepo "github.com/smallbiznis/rewardsync/internal/audit/repository"
	auditservice "github.com/smallbiznis/rewardsync/internal/audit/service"
	"github.com/smallbiznis/rewardsync/internal/clock"
	"github.com/smallbiznis/rewardsync/internal/config"
	driftdomain "github.com/smallbiznis/rewardsync/internal/drift/domain"
	driftrepo "github.com/smallbiznis/rewardsync/internal/drift/repository"
	driftservice "github.com/smallbiznis/rewardsync/internal/drift/service"
	"github.com/smallbiznis/rewardsync/internal/migration"
	"github.com/smallbiznis/rewardsync/internal/observability"
	obsmetrics "github.com/smallbiznis/rewardsync/internal/observability/metrics"
	productmappingrepo "github.com/smallbiznis/rewardsync/internal/productmapping/repository"
	productmappingservice "github.com/smallbiznis/rewardsync/internal/productmapping/service"
	"github.com/smallbiznis/rewardsync/internal/ratelimit"
	reconciliationservice "github.com/smallbiznis/rewardsync/internal/reconciliation/service"
	rewardrepo "github.com/smallbiznis/rewardsync/internal/reward/repository"
	rewardservice "github.com/smallbiznis/rewardsync/internal/reward/service"
	rewardeventdomain "github.com/smallbiznis/rewardsync/internal/rewardevent/domain"
	rewardeventrepo "github.com/smallbiznis/rewardsync/internal/rewardevent/repository"
	rewardeventservice "github.com/smallbiznis/rewardsync/internal/rewardevent/service"
	"github.com/smallbiznis/rewardsync/internal/rewardevent/task"
	"github.com/smallbiznis/rewardsync/internal/rewardmodule"
	rewardproviderrepo "github.com/smallbiznis/rewardsync/internal/rewardprovider/repository"
	rewardproviderservice "github.com/smallbiznis/rewardsync/internal/rewardprovider/service"
	"github.com/smallbiznis/rewardsync/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type stubEnqueuer struct {
	events []rewardeventdomain.RewardEvent
	seen   map[string]bool
}

func (e *stubEnqueuer) Enqueue(_ context.Context, event rewardeventdomain.RewardEvent) (*asynq.TaskInfo, error) {
	event, err := event.Normalize()
	if err != nil {
		return nil, err
	}
	id := task.TaskID(event)
	if e.seen[id] {
		return nil, task.ErrAlreadyQueued
	}
	e.seen[id] = true
	e.events = append(e.events, event)
	return &asynq.TaskInfo{ID: id, Queue: task.Queue}, nil
}

type stubMembers struct {
	members []driftdomain.Member
}

func (s *stubMembers) ProviderID() string { return "patreon" }

func (s *stubMembers) GetAllCampaignMembers(context.Context) ([]driftdomain.Member, error) {
	return s.members, nil
}

type testServer struct {
	engine   *gin.Engine
	enqueuer *stubEnqueuer
	members  *stubMembers
}

type testOptions struct {
	cfg     config.Config
	limiter *ratelimit.IngestLimiter
	noQueue bool
}

func newTestServer(t *testing.T, opts testOptions) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db := testutil.NewTestDB(t, migration.Models()...)
	log := zaptest.NewLogger(t)
	node := testutil.NewNode(t)
	clk := clock.NewFakeClock(time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC))
	registry := rewardmodule.NewRegistry(log, rewardmodule.NoopModule{})

	audit := auditservice.NewService(auditservice.Params{DB: db, Log: log, GenID: node, Clock: clk, Repo: auditrepo.Provide()})
	rewardRepo := rewardrepo.Provide()
	mappingRepo := productmappingrepo.Provide()
	assignRepo := assignmentrepo.Provide()
	providerRepo := rewardproviderrepo.Provide()

	events := rewardeventservice.New(rewardeventservice.Params{
		DB:             db,
		Log:            log,
		GenID:          node,
		Clock:          clk,
		AssignmentRepo: assignRepo,
		MappingRepo:    mappingRepo,
		RewardRepo:     rewardRepo,
		ProviderRepo:   providerRepo,
		SnapshotRepo:   rewardeventrepo.Provide(),
		Registry:       registry,
		AuditSvc:       audit,
	})
	reconciler := reconciliationservice.New(reconciliationservice.Params{
		DB:             db,
		Log:            log,
		Clock:          clk,
		MappingRepo:    mappingRepo,
		AssignmentRepo: assignRepo,
		RewardRepo:     rewardRepo,
		Executor:       events,
		AuditSvc:       audit,
	})
	members := &stubMembers{}
	drift := driftservice.New(driftservice.Params{
		DB:             db,
		Log:            log,
		Clock:          clk,
		GenID:          node,
		Repo:           driftrepo.Provide(),
		AssignmentRepo: assignRepo,
		Events:         events,
		Clients:        []driftdomain.ProviderClient{members},
		AuditSvc:       audit,
	})

	httpMetrics, _ := obsmetrics.ResetHTTPMetricsForTest()
	engine := NewEngine(observability.Config{Environment: "test"}, httpMetrics)

	ts := &testServer{engine: engine, members: members}
	params := ServerParams{
		Gin:       engine,
		Cfg:       opts.cfg,
		Log:       log,
		RewardSvc: rewardservice.New(rewardservice.Params{DB: db, Log: log, GenID: node, Clock: clk, Repo: rewardRepo, Modules: registry, AuditSvc: audit}),
		MappingSvc: productmappingservice.New(productmappingservice.Params{
			DB: db, Log: log, GenID: node, Clock: clk, Repo: mappingRepo, Reconciler: reconciler, AuditSvc: audit,
		}),
		ProviderSvc:   rewardproviderservice.New(rewardproviderservice.Params{DB: db, Log: log, GenID: node, Clock: clk, Repo: providerRepo, AuditSvc: audit}),
		EventSvc:      events,
		ReconcileSvc:  reconciler,
		DriftSvc:      drift,
		AuditSvc:      audit,
		SyncConfig:    config.NewStaticSyncConfigHolder(config.DefaultSyncConfig()),
		IngestLimiter: opts.limiter,
		HTTPMetrics:   httpMetrics,
	}
	if !opts.noQueue {
		ts.enqueuer = &stubEnqueuer{seen: map[string]bool{}}
		params.Enqueuer = ts.enqueuer
	}
	RegisterRoutes(NewServer(params))
	return ts
}

func (ts *testServer) do(t *testing.T, method, path string, body any, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	w := httptest.NewRecorder()
	ts.engine.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	return out
}

type dataEnvelope[T any] struct {
	Data T `json:"data"`
}

type errorEnvelope struct {
	Error errorPayload `json:"error"`
}

type idOnly struct {
	ID snowflake.ID `json:"id"`
}

func (ts *testServer) createReward(t *testing.T, name string) snowflake.ID {
	t.Helper()
	w := ts.do(t, http.MethodPost, "/admin/rewards", map[string]any{"name": name, "module_id": "noop"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	return decode[dataEnvelope[idOnly]](t, w).Data.ID
}

func (ts *testServer) createMapping(t *testing.T, tier string, rewardIDs ...snowflake.ID) snowflake.ID {
	t.Helper()
	w := ts.do(t, http.MethodPost, "/admin/product-mappings", map[string]any{
		"name":       "Mapping " + tier,
		"type":       "tiered",
		"products":   []map[string]string{{"provider_id": "patreon", "product_id": tier}},
		"reward_ids": rewardIDs,
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	return decode[dataEnvelope[idOnly]](t, w).Data.ID
}

func (ts *testServer) enableProvider(t *testing.T) {
	t.Helper()
	w := ts.do(t, http.MethodPut, "/admin/providers/patreon", map[string]any{"name": "Patreon"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
}

func TestRewardLifecycle(t *testing.T) {
	ts := newTestServer(t, testOptions{})

	rewardID := ts.createReward(t, "Golden Frame")

	w := ts.do(t, http.MethodGet, "/admin/rewards/"+rewardID.String(), nil)
	require.Equal(t, http.StatusOK, w.Code)
	got := decode[dataEnvelope[map[string]any]](t, w).Data
	assert.Equal(t, "reward.golden-frame", got["translation_key"])

	w = ts.do(t, http.MethodPatch, "/admin/rewards/"+rewardID.String(), map[string]any{"active": false})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, false, decode[dataEnvelope[map[string]any]](t, w).Data["active"])

	mappingID := ts.createMapping(t, "tier1", rewardID)

	w = ts.do(t, http.MethodDelete, "/admin/rewards/"+rewardID.String(), nil)
	require.Equal(t, http.StatusConflict, w.Code)
	conflict := decode[errorEnvelope](t, w)
	assert.Equal(t, "conflict", conflict.Error.Type)
	assert.Equal(t, []any{mappingID.String()}, conflict.Error.Details["product_mapping_ids"])

	w = ts.do(t, http.MethodDelete, "/admin/product-mappings/"+mappingID.String(), nil)
	require.Equal(t, http.StatusNoContent, w.Code, w.Body.String())

	w = ts.do(t, http.MethodDelete, "/admin/rewards/"+rewardID.String(), nil)
	require.Equal(t, http.StatusNoContent, w.Code, w.Body.String())

	w = ts.do(t, http.MethodGet, "/admin/rewards/"+rewardID.String(), nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = ts.do(t, http.MethodGet, "/admin/audit-logs?target_type=reward", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decode[dataEnvelope[[]map[string]any]](t, w).Data, 3)
}

func TestCreateRewardValidation(t *testing.T) {
	ts := newTestServer(t, testOptions{})

	w := ts.do(t, http.MethodPost, "/admin/rewards", map[string]any{"name": "x", "module_id": "unknown"})
	require.Equal(t, http.StatusBadRequest, w.Code)
	payload := decode[errorEnvelope](t, w).Error
	require.Len(t, payload.Errors, 1)
	assert.Equal(t, "invalid_reward_module", payload.Errors[0].Code)
	assert.Equal(t, "reward_module", payload.Errors[0].Field)

	w = ts.do(t, http.MethodGet, "/admin/rewards/not-an-id", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = ts.do(t, http.MethodGet, "/admin/rewards?active=maybe", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestAdminTokenRequired(t *testing.T) {
	ts := newTestServer(t, testOptions{cfg: config.Config{AdminToken: "s3cret"}})

	w := ts.do(t, http.MethodGet, "/admin/rewards", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = ts.do(t, http.MethodGet, "/admin/rewards", nil, "Authorization", "Bearer wrong")
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = ts.do(t, http.MethodGet, "/admin/rewards", nil, "Authorization", "Bearer s3cret")
	assert.Equal(t, http.StatusOK, w.Code)

	w = ts.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestIngestQueuesEvent(t *testing.T) {
	ts := newTestServer(t, testOptions{})

	event := map[string]any{
		"provider_id":        "Patreon",
		"user_id":            "u1",
		"provider_reference": "pledge-1",
		"entitled_tier_ids":  []string{"tier1"},
	}
	w := ts.do(t, http.MethodPost, "/internal/reward-events", event)
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	body := decode[map[string]any](t, w)
	assert.Equal(t, "queued", body["status"])
	assert.Equal(t, "patreon:pledge-1", body["event_id"])

	w = ts.do(t, http.MethodPost, "/internal/reward-events", event)
	require.Equal(t, http.StatusAccepted, w.Code)
	assert.Equal(t, "duplicate", decode[map[string]any](t, w)["status"])

	require.Len(t, ts.enqueuer.events, 1)
	assert.Equal(t, "patreon", ts.enqueuer.events[0].ProviderID)
}

func TestIngestRejectsInvalidEvent(t *testing.T) {
	ts := newTestServer(t, testOptions{})

	w := ts.do(t, http.MethodPost, "/internal/reward-events", map[string]any{
		"provider_id":       "patreon",
		"entitled_tier_ids": []string{},
	})
	require.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "invalid_reward_event", decode[errorEnvelope](t, w).Error.Errors[0].Code)
	assert.Empty(t, ts.enqueuer.events)
}

func TestIngestSyncAppliesAndRevokes(t *testing.T) {
	ts := newTestServer(t, testOptions{noQueue: true})
	ts.enableProvider(t)
	rewardID := ts.createReward(t, "Badge")
	ts.createMapping(t, "tier1", rewardID)

	w := ts.do(t, http.MethodPost, "/internal/reward-events?sync=true", map[string]any{
		"type":               "SubscriptionCreated",
		"provider_id":        "patreon",
		"user_id":            "u1",
		"provider_reference": "pledge-1",
		"entitled_tier_ids":  []string{"tier1"},
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assignment := decode[dataEnvelope[assignmentdomain.Assignment]](t, w).Data
	assert.Equal(t, rewardID, assignment.RewardID)

	w = ts.do(t, http.MethodGet, "/admin/users/u1/assignments", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decode[dataEnvelope[[]assignmentdomain.Assignment]](t, w).Data, 1)

	revokePath := "/admin/assignments/" + assignment.ID.String() + "/revoke"
	w = ts.do(t, http.MethodPost, revokePath, map[string]any{"reason": " "})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = ts.do(t, http.MethodPost, revokePath, map[string]any{"reason": "chargeback"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, assignmentdomain.StatusRevoked, decode[dataEnvelope[assignmentdomain.Assignment]](t, w).Data.Status)

	w = ts.do(t, http.MethodPost, revokePath, map[string]any{"reason": "chargeback"})
	assert.Equal(t, http.StatusConflict, w.Code)

	w = ts.do(t, http.MethodGet, "/admin/users/u1/assignments?include_inactive=true", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decode[dataEnvelope[[]assignmentdomain.Assignment]](t, w).Data, 1)
}

func TestIngestUnconfiguredProvider(t *testing.T) {
	ts := newTestServer(t, testOptions{noQueue: true})

	w := ts.do(t, http.MethodPost, "/internal/reward-events", map[string]any{
		"provider_id":        "kofi",
		"user_id":            "u1",
		"provider_reference": "tip-1",
		"entitled_tier_ids":  []string{"gold"},
	})
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
}

func TestIngestRateLimited(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	limiter := ratelimit.NewIngestLimiter(ratelimit.Params{
		Config: config.Config{Ingest: config.IngestConfig{RateLimitEnabled: true, Rate: 0.001, Burst: 1}},
		Log:    zaptest.NewLogger(t),
		Redis:  client,
	})
	ts := newTestServer(t, testOptions{limiter: limiter})

	event := func(ref string) map[string]any {
		return map[string]any{
			"provider_id":        "patreon",
			"user_id":            "u1",
			"provider_reference": ref,
			"entitled_tier_ids":  []string{},
		}
	}
	w := ts.do(t, http.MethodPost, "/internal/reward-events", event("a"))
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())

	w = ts.do(t, http.MethodPost, "/internal/reward-events", event("b"))
	require.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.NotEmpty(t, w.Header().Get("Retry-After"))
	assert.Equal(t, "rate_limited", decode[errorEnvelope](t, w).Error.Type)
	assert.Len(t, ts.enqueuer.events, 1)
}

func TestDriftEndpoints(t *testing.T) {
	ts := newTestServer(t, testOptions{noQueue: true})
	ts.enableProvider(t)
	rewardID := ts.createReward(t, "Supporter")
	ts.createMapping(t, "tier1", rewardID)
	ts.members.members = []driftdomain.Member{
		{ID: "m1", Email: "ann@example.com", PatronStatus: "active_patron", IsActivePatron: true, EntitledTierIDs: []string{"tier1"}},
	}

	w := ts.do(t, http.MethodPut, "/admin/providers/patreon/account-links", map[string]any{"user_id": "ann", "member_id": "m1"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = ts.do(t, http.MethodGet, "/admin/providers/patreon/drift", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	detection := decode[dataEnvelope[driftdomain.DriftDetectionResult]](t, w).Data
	assert.True(t, detection.HasDrift)
	require.Len(t, detection.MissingMembers, 1)
	assert.Equal(t, "ann", detection.MissingMembers[0].UserID)

	w = ts.do(t, http.MethodPost, "/admin/providers/patreon/drift/sync?dry_run=true", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	dry := decode[dataEnvelope[driftdomain.SyncDriftResult]](t, w).Data
	assert.True(t, dry.DryRun)
	assert.Equal(t, 1, dry.MembersAdded)

	w = ts.do(t, http.MethodGet, "/admin/users/ann/assignments", nil)
	assert.Empty(t, decode[dataEnvelope[[]assignmentdomain.Assignment]](t, w).Data)

	w = ts.do(t, http.MethodPost, "/admin/providers/patreon/drift/sync", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.True(t, decode[dataEnvelope[driftdomain.SyncDriftResult]](t, w).Data.Success)

	w = ts.do(t, http.MethodGet, "/admin/users/ann/assignments", nil)
	assert.Len(t, decode[dataEnvelope[[]assignmentdomain.Assignment]](t, w).Data, 1)

	w = ts.do(t, http.MethodGet, "/admin/providers/kofi/drift", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestManualGrantUsesAdminOrigin(t *testing.T) {
	ts := newTestServer(t, testOptions{noQueue: true})
	ts.enableProvider(t)
	supporter := ts.createReward(t, "Supporter")
	gift := ts.createReward(t, "Gift")
	ts.createMapping(t, "tier1", supporter)
	ts.members.members = []driftdomain.Member{
		{ID: "m1", Email: "ann@example.com", PatronStatus: "active_patron", IsActivePatron: true, EntitledTierIDs: []string{"tier1"}},
	}

	w := ts.do(t, http.MethodPut, "/admin/providers/patreon/account-links", map[string]any{"user_id": "ann", "member_id": "m1"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	w = ts.do(t, http.MethodPost, "/internal/reward-events", map[string]any{
		"provider_id":        "patreon",
		"user_id":            "ann",
		"provider_reference": "pledge-1",
		"entitled_tier_ids":  []string{"tier1"},
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = ts.do(t, http.MethodPost, "/admin/users/ann/rewards", map[string]any{"provider_id": "patreon", "reward_id": gift, "reason": "contest"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	granted := decode[dataEnvelope[assignmentdomain.Assignment]](t, w).Data
	assert.Equal(t, assignmentdomain.OriginAdmin, granted.OriginKind)
	assert.Equal(t, assignmentdomain.OriginAdmin, granted.Origin().Kind)
	assert.True(t, strings.HasPrefix(granted.ProviderReference, "admin:ann:"+gift.String()+":"))
	assert.Equal(t, granted.ProviderReference, granted.EventID)

	w = ts.do(t, http.MethodGet, "/admin/providers/patreon/drift", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	detection := decode[dataEnvelope[driftdomain.DriftDetectionResult]](t, w).Data
	assert.False(t, detection.HasDrift)
	assert.Empty(t, detection.TierMismatches)

	w = ts.do(t, http.MethodGet, "/admin/users/ann/assignments", nil)
	assert.Len(t, decode[dataEnvelope[[]assignmentdomain.Assignment]](t, w).Data, 2)
}

func TestReconcileEndpoints(t *testing.T) {
	ts := newTestServer(t, testOptions{noQueue: true})
	ts.enableProvider(t)
	first := ts.createReward(t, "First")
	second := ts.createReward(t, "Second")
	mappingID := ts.createMapping(t, "tier1", first)

	w := ts.do(t, http.MethodPost, "/internal/reward-events", map[string]any{
		"provider_id":        "patreon",
		"user_id":            "u1",
		"provider_reference": "pledge-1",
		"entitled_tier_ids":  []string{"tier1"},
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = ts.do(t, http.MethodPatch, "/admin/product-mappings/"+mappingID.String(), map[string]any{
		"reward_ids": []snowflake.ID{first, second},
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	body := decode[map[string]any](t, w)
	assert.NotNil(t, body["reconciliation"])

	w = ts.do(t, http.MethodGet, "/admin/users/u1/assignments", nil)
	assert.Len(t, decode[dataEnvelope[[]assignmentdomain.Assignment]](t, w).Data, 2)

	w = ts.do(t, http.MethodGet, "/admin/product-mappings/"+mappingID.String()+"/reconciliation", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = ts.do(t, http.MethodPost, "/admin/reconcile?dry_run=true", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = ts.do(t, http.MethodPost, "/admin/users/u1/reconcile?dry_run=true", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = ts.do(t, http.MethodPost, "/admin/product-mappings/999/reconcile", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}
