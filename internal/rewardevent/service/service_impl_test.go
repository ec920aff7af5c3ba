package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/rewardsync/internal/announcement"
	assignmentdomain "github.com/smallbiznis/rewardsync/internal/assignment/domain"
	assignmentrepo "github.com/smallbiznis/rewardsync/internal/assignment/repository"
	"github.com/smallbiznis/rewardsync/internal/clock"
	productmappingdomain "github.com/smallbiznis/rewardsync/internal/productmapping/domain"
	productmappingrepo "github.com/smallbiznis/rewardsync/internal/productmapping/repository"
	rewarddomain "github.com/smallbiznis/rewardsync/internal/reward/domain"
	rewardrepo "github.com/smallbiznis/rewardsync/internal/reward/repository"
	"github.com/smallbiznis/rewardsync/internal/rewardevent/domain"
	"github.com/smallbiznis/rewardsync/internal/rewardevent/repository"
	"github.com/smallbiznis/rewardsync/internal/rewardmodule"
	rewardproviderdomain "github.com/smallbiznis/rewardsync/internal/rewardprovider/domain"
	rewardproviderrepo "github.com/smallbiznis/rewardsync/internal/rewardprovider/repository"
	"github.com/smallbiznis/rewardsync/internal/testutil"
	"github.com/smallbiznis/rewardsync/internal/userlock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"gorm.io/gorm"
)

type recordingModule struct {
	mu      sync.Mutex
	applied []snowflake.ID
	revoked []snowflake.ID
}

func (m *recordingModule) ID() string { return "recording" }

func (m *recordingModule) Apply(_ context.Context, actx rewardmodule.ApplyContext) (rewardmodule.Outcome, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.applied = append(m.applied, actx.RewardID)
	return rewardmodule.Outcome{Success: true}, nil
}

func (m *recordingModule) Revoke(_ context.Context, actx rewardmodule.ApplyContext) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.revoked = append(m.revoked, actx.RewardID)
	return nil
}

type recordingPublisher struct {
	published []announcement.Announcement
}

func (p *recordingPublisher) Publish(_ context.Context, a announcement.Announcement) error {
	p.published = append(p.published, a)
	return nil
}

type fixture struct {
	db        *gorm.DB
	svc       domain.Service
	clock     *clock.FakeClock
	node      *snowflake.Node
	module    *recordingModule
	publisher *recordingPublisher
	assigns   assignmentdomain.Repository
	mappings  productmappingdomain.Repository
	rewards   rewarddomain.Repository
	snapshots domain.SnapshotRepository
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	models := append([]any{
		&assignmentdomain.Assignment{},
		&rewarddomain.Reward{},
		&rewardproviderdomain.ProviderConfig{},
		&domain.TierSnapshot{},
	}, productmappingdomain.Models()...)
	db := testutil.NewTestDB(t, models...)
	log := zaptest.NewLogger(t)

	f := &fixture{
		db:        db,
		clock:     clock.NewFakeClock(time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)),
		node:      testutil.NewNode(t),
		module:    &recordingModule{},
		publisher: &recordingPublisher{},
		assigns:   assignmentrepo.Provide(),
		mappings:  productmappingrepo.Provide(),
		rewards:   rewardrepo.Provide(),
		snapshots: repository.Provide(),
	}
	f.svc = New(Params{
		DB:             db,
		Log:            log,
		GenID:          f.node,
		Clock:          f.clock,
		AssignmentRepo: f.assigns,
		MappingRepo:    f.mappings,
		RewardRepo:     f.rewards,
		ProviderRepo:   rewardproviderrepo.Provide(),
		SnapshotRepo:   f.snapshots,
		Registry:       rewardmodule.NewRegistry(log, f.module),
		Locker:         userlock.NewMemoryLocker(),
		Publisher:      f.publisher,
	})

	now := f.clock.Now()
	require.NoError(t, rewardproviderrepo.Provide().Insert(context.Background(), db, &rewardproviderdomain.ProviderConfig{
		ID: f.node.Generate(), ProviderID: "patreon", Name: "Patreon", Active: true, CreatedAt: now, UpdatedAt: now,
	}))
	return f
}

func (f *fixture) reward(t *testing.T, name string, duration rewarddomain.Duration) snowflake.ID {
	t.Helper()
	now := f.clock.Now()
	r := &rewarddomain.Reward{
		ID:             f.node.Generate(),
		Name:           name,
		TranslationKey: "reward." + name,
		ModuleID:       "recording",
		Duration:       duration,
		Active:         true,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	require.NoError(t, f.rewards.Insert(context.Background(), f.db, r))
	return r.ID
}

func (f *fixture) mapping(t *testing.T, tier string, rewardIDs ...snowflake.ID) snowflake.ID {
	t.Helper()
	ctx := context.Background()
	now := f.clock.Now()
	m := &productmappingdomain.ProductMapping{
		ID:        f.node.Generate(),
		Name:      "mapping " + tier,
		Type:      productmappingdomain.MappingTiered,
		Active:    true,
		CreatedAt: now,
		UpdatedAt: now,
	}
	require.NoError(t, f.mappings.Insert(ctx, f.db, m))
	require.NoError(t, f.mappings.ReplaceProducts(ctx, f.db, m.ID, []productmappingdomain.ProviderProduct{{ProviderID: "patreon", ProductID: tier}}))
	require.NoError(t, f.mappings.ReplaceRewards(ctx, f.db, m.ID, rewardIDs))
	return m.ID
}

func (f *fixture) active(t *testing.T, user string) []assignmentdomain.Assignment {
	t.Helper()
	items, err := f.svc.ListUserAssignments(context.Background(), user, false)
	require.NoError(t, err)
	return items
}

func event(ref string, tiers ...string) domain.RewardEvent {
	return domain.RewardEvent{
		EventID:           "evt-" + ref,
		Type:              domain.EventSubscriptionRenewed,
		ProviderID:        "patreon",
		UserID:            "U",
		ProviderReference: ref,
		EntitledTierIDs:   append([]string{}, tiers...),
	}
}

func TestProcessRewardEventGrantsAndRevokesTier(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	rewardA := f.reward(t, "a", rewarddomain.Permanent())
	rewardB := f.reward(t, "b", rewarddomain.Duration{Type: rewarddomain.DurationRelative, Value: 30, Unit: rewarddomain.UnitDays})
	f.mapping(t, "tier1", rewardA, rewardB)

	last, err := f.svc.ProcessRewardEvent(ctx, event("pledge-1", "tier1"))
	require.NoError(t, err)
	require.NotNil(t, last)

	granted := f.active(t, "U")
	require.Len(t, granted, 2)
	byReward := map[snowflake.ID]assignmentdomain.Assignment{}
	for _, a := range granted {
		byReward[a.RewardID] = a
		assert.True(t, a.HasTier("tier1"))
		assert.Equal(t, "pledge-1", a.ProviderReference)
		assert.Equal(t, assignmentdomain.OriginWebhook, a.OriginKind)
	}
	assert.Nil(t, byReward[rewardA].ExpiresAt)
	require.NotNil(t, byReward[rewardB].ExpiresAt)
	assert.WithinDuration(t, f.clock.Now().AddDate(0, 0, 30), *byReward[rewardB].ExpiresAt, time.Second)
	assert.ElementsMatch(t, []snowflake.ID{rewardA, rewardB}, f.module.applied)

	cancelled := event("pledge-1-cancel")
	cancelled.Type = domain.EventSubscriptionCancelled
	last, err = f.svc.ProcessRewardEvent(ctx, cancelled)
	require.NoError(t, err)
	require.NotNil(t, last)
	assert.Equal(t, assignmentdomain.StatusRevoked, last.Status)

	assert.Empty(t, f.active(t, "U"))
	all, err := f.svc.ListUserAssignments(ctx, "U", true)
	require.NoError(t, err)
	require.Len(t, all, 2)
	for _, a := range all {
		assert.Equal(t, assignmentdomain.StatusRevoked, a.Status)
		require.NotNil(t, a.RevokedReason)
		assert.Contains(t, *a.RevokedReason, "subscription cancelled")
	}
	assert.ElementsMatch(t, []snowflake.ID{rewardA, rewardB}, f.module.revoked)

	assocs, err := f.mappings.ListActiveAssociationsByUser(ctx, f.db, "U")
	require.NoError(t, err)
	assert.Empty(t, assocs)
}

func TestProcessRewardEventIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	rewardA := f.reward(t, "a", rewarddomain.Permanent())
	f.mapping(t, "tier1", rewardA)

	first, err := f.svc.ProcessRewardEvent(ctx, event("pledge-1", "tier1"))
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		again, err := f.svc.ProcessRewardEvent(ctx, event("pledge-1", "tier1"))
		require.NoError(t, err)
		require.NotNil(t, again)
		assert.Equal(t, first.ID, again.ID)
	}

	all, err := f.svc.ListUserAssignments(ctx, "U", true)
	require.NoError(t, err)
	assert.Len(t, all, 1)
	assert.Len(t, f.module.applied, 1)
}

func TestProcessRewardEventDiffsTiers(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	rewardA := f.reward(t, "a", rewarddomain.Permanent())
	rewardB := f.reward(t, "b", rewarddomain.Permanent())
	rewardC := f.reward(t, "c", rewarddomain.Permanent())
	f.mapping(t, "A", rewardA)
	f.mapping(t, "B", rewardB)
	f.mapping(t, "C", rewardC)

	_, err := f.svc.ProcessRewardEvent(ctx, event("r1", "A", "B"))
	require.NoError(t, err)
	f.module.applied = nil

	_, err = f.svc.ProcessRewardEvent(ctx, event("r2", "B", "C"))
	require.NoError(t, err)

	assert.Equal(t, []snowflake.ID{rewardA}, f.module.revoked)
	assert.Equal(t, []snowflake.ID{rewardC}, f.module.applied)

	held := map[snowflake.ID]bool{}
	for _, a := range f.active(t, "U") {
		held[a.RewardID] = true
	}
	assert.Equal(t, map[snowflake.ID]bool{rewardB: true, rewardC: true}, held)

	snapshot, err := f.snapshots.Find(ctx, f.db, "U", "patreon")
	require.NoError(t, err)
	require.NotNil(t, snapshot)
	assert.Equal(t, []string{"B", "C"}, []string(snapshot.TierIDs))
}

func TestProcessRewardEventGrantsOnlyMissingRewards(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	r1 := f.reward(t, "one", rewarddomain.Permanent())
	r2 := f.reward(t, "two", rewarddomain.Permanent())
	r3 := f.reward(t, "three", rewarddomain.Permanent())
	mappingID := f.mapping(t, "tier1", r1, r2, r3)

	tier := "tier1"
	now := f.clock.Now()
	for _, rewardID := range []snowflake.ID{r1, r2} {
		require.NoError(t, f.assigns.Insert(ctx, f.db, &assignmentdomain.Assignment{
			ID:                f.node.Generate(),
			UserID:            "U",
			RewardID:          rewardID,
			ProviderID:        "patreon",
			ProviderReference: "reconciliation:" + mappingID.String(),
			OriginKind:        assignmentdomain.OriginReconciliation,
			Status:            assignmentdomain.StatusActive,
			AssignedAt:        now,
			EventID:           "seed",
			TierID:            &tier,
			ProductMappingID:  &mappingID,
			CreatedAt:         now,
			UpdatedAt:         now,
		}))
	}

	last, err := f.svc.ProcessRewardEvent(ctx, event("pledge-9", "tier1"))
	require.NoError(t, err)
	require.NotNil(t, last)
	assert.Equal(t, r3, last.RewardID)

	active := f.active(t, "U")
	assert.Len(t, active, 3)
	assert.Equal(t, []snowflake.ID{r3}, f.module.applied)
}

func TestProcessRewardEventUnknownTierAbortsWithoutChanges(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	rewardA := f.reward(t, "a", rewarddomain.Permanent())
	f.mapping(t, "tier1", rewardA)

	_, err := f.svc.ProcessRewardEvent(ctx, event("r1", "tier1", "unmapped"))
	require.ErrorIs(t, err, domain.ErrMappingNotFound)
	assert.Contains(t, err.Error(), "unmapped")

	assert.Empty(t, f.active(t, "U"))
	snapshot, err := f.snapshots.Find(ctx, f.db, "U", "patreon")
	require.NoError(t, err)
	assert.Nil(t, snapshot)
}

func TestProcessRewardEventValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	missingTiers := event("r1")
	missingTiers.EntitledTierIDs = nil
	_, err := f.svc.ProcessRewardEvent(ctx, missingTiers)
	assert.ErrorIs(t, err, domain.ErrInvalidEvent)

	missingUser := event("r1", "tier1")
	missingUser.UserID = " "
	_, err = f.svc.ProcessRewardEvent(ctx, missingUser)
	assert.ErrorIs(t, err, domain.ErrInvalidEvent)

	unknownProvider := event("r1", "tier1")
	unknownProvider.ProviderID = "kofi"
	_, err = f.svc.ProcessRewardEvent(ctx, unknownProvider)
	assert.ErrorIs(t, err, domain.ErrProviderNotConfigured)
}

func TestProcessRewardEventUnchangedTiersIsNoop(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	rewardA := f.reward(t, "a", rewarddomain.Permanent())
	f.mapping(t, "tier1", rewardA)

	_, err := f.svc.ProcessRewardEvent(ctx, event("r1", "tier1"))
	require.NoError(t, err)

	last, err := f.svc.ProcessRewardEvent(ctx, event("r2", "tier1"))
	require.NoError(t, err)
	assert.Nil(t, last)
	assert.Len(t, f.active(t, "U"), 1)
}

func TestProcessRewardEventAnnouncesPurchases(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.mapping(t, "tier1", f.reward(t, "a", rewarddomain.Permanent()))

	amount := 12.5
	purchase := event("tip-1", "tier1")
	purchase.Type = domain.EventPurchase
	purchase.AnnouncementAmount = &amount
	purchase.AnnouncementCurrency = "usd"

	_, err := f.svc.ProcessRewardEvent(ctx, purchase)
	require.NoError(t, err)
	require.Len(t, f.publisher.published, 1)
	assert.Equal(t, "USD", f.publisher.published[0].Currency)
	assert.Equal(t, 12.5, f.publisher.published[0].Amount)
}

func TestAssignRewardIsIdempotentPerEventAndReward(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	rewardA := f.reward(t, "a", rewarddomain.Permanent())
	mappingID := f.mapping(t, "tier1", rewardA)

	req := domain.AssignRewardRequest{
		UserID:           "U",
		ProviderID:       "patreon",
		RewardID:         rewardA,
		EventID:          "recon_1_" + rewardA.String(),
		Origin:           assignmentdomain.ReconciliationOrigin(mappingID),
		ProductMappingID: &mappingID,
	}
	first, err := f.svc.AssignReward(ctx, req)
	require.NoError(t, err)
	second, err := f.svc.AssignReward(ctx, req)
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, "reconciliation:"+mappingID.String(), first.ProviderReference)
	assert.Equal(t, assignmentdomain.OriginReconciliation, first.OriginKind)
	assert.Len(t, f.module.applied, 1)
}

func TestAssignRewardSharedEventIDIsPerUser(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	rewardA := f.reward(t, "a", rewarddomain.Permanent())
	mappingID := f.mapping(t, "tier1", rewardA)

	eventID := "recon_1700000000000_" + rewardA.String()
	granted := map[string]snowflake.ID{}
	for _, user := range []string{"U1", "U2"} {
		a, err := f.svc.AssignReward(ctx, domain.AssignRewardRequest{
			UserID:           user,
			ProviderID:       "patreon",
			RewardID:         rewardA,
			EventID:          eventID,
			Origin:           assignmentdomain.ReconciliationOrigin(mappingID),
			ProductMappingID: &mappingID,
		})
		require.NoError(t, err)
		assert.Equal(t, user, a.UserID)
		granted[user] = a.ID
	}

	assert.NotEqual(t, granted["U1"], granted["U2"])
	assert.Len(t, f.active(t, "U1"), 1)
	assert.Len(t, f.active(t, "U2"), 1)
	assert.Len(t, f.module.applied, 2)
}

func TestRevokeAssignmentOnlyOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.mapping(t, "tier1", f.reward(t, "a", rewarddomain.Permanent()))

	granted, err := f.svc.ProcessRewardEvent(ctx, event("r1", "tier1"))
	require.NoError(t, err)

	_, err = f.svc.RevokeAssignment(ctx, granted.ID, " ")
	assert.ErrorIs(t, err, assignmentdomain.ErrInvalidReason)

	revoked, err := f.svc.RevokeAssignment(ctx, granted.ID, "chargeback")
	require.NoError(t, err)
	assert.Equal(t, assignmentdomain.StatusRevoked, revoked.Status)

	_, err = f.svc.RevokeAssignment(ctx, granted.ID, "chargeback")
	assert.ErrorIs(t, err, assignmentdomain.ErrNotActive)

	_, err = f.svc.RevokeAssignment(ctx, snowflake.ID(1), "missing")
	assert.ErrorIs(t, err, assignmentdomain.ErrNotFound)
}

func TestExpireAssignmentsSweepsDueOnly(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	short := f.reward(t, "short", rewarddomain.Duration{Type: rewarddomain.DurationRelative, Value: 2, Unit: rewarddomain.UnitHours})
	forever := f.reward(t, "forever", rewarddomain.Permanent())
	f.mapping(t, "tier1", short, forever)

	_, err := f.svc.ProcessRewardEvent(ctx, event("r1", "tier1"))
	require.NoError(t, err)

	count, err := f.svc.ExpireAssignments(ctx, 10)
	require.NoError(t, err)
	assert.Zero(t, count)

	f.clock.Advance(3 * time.Hour)
	count, err = f.svc.ExpireAssignments(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
	assert.Equal(t, []snowflake.ID{short}, f.module.revoked)

	active := f.active(t, "U")
	require.Len(t, active, 1)
	assert.Equal(t, forever, active[0].RewardID)

	count, err = f.svc.ExpireAssignments(ctx, 10)
	require.NoError(t, err)
	assert.Zero(t, count)
}
