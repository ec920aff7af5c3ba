package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/rewardsync/internal/announcement"
	assignmentdomain "github.com/smallbiznis/rewardsync/internal/assignment/domain"
	auditdomain "github.com/smallbiznis/rewardsync/internal/audit/domain"
	auditservice "github.com/smallbiznis/rewardsync/internal/audit/service"
	"github.com/smallbiznis/rewardsync/internal/clock"
	"github.com/smallbiznis/rewardsync/internal/observability/metrics"
	productmappingdomain "github.com/smallbiznis/rewardsync/internal/productmapping/domain"
	rewarddomain "github.com/smallbiznis/rewardsync/internal/reward/domain"
	"github.com/smallbiznis/rewardsync/internal/rewardevent/domain"
	"github.com/smallbiznis/rewardsync/internal/rewardmodule"
	rewardproviderdomain "github.com/smallbiznis/rewardsync/internal/rewardprovider/domain"
	"github.com/smallbiznis/rewardsync/internal/userlock"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var tracer = otel.Tracer("rewardsync/rewardevent")

type Params struct {
	fx.In

	DB             *gorm.DB
	Log            *zap.Logger
	GenID          *snowflake.Node
	Clock          clock.Clock
	AssignmentRepo assignmentdomain.Repository
	MappingRepo    productmappingdomain.Repository
	RewardRepo     rewarddomain.Repository
	ProviderRepo   rewardproviderdomain.Repository
	SnapshotRepo   domain.SnapshotRepository
	Registry       *rewardmodule.Registry
	Locker         userlock.Locker        `optional:"true"`
	Publisher      announcement.Publisher `optional:"true"`
	AuditSvc       auditdomain.Service    `optional:"true"`
}

type Service struct {
	db             *gorm.DB
	log            *zap.Logger
	genID          *snowflake.Node
	clock          clock.Clock
	assignmentRepo assignmentdomain.Repository
	mappingRepo    productmappingdomain.Repository
	rewardRepo     rewarddomain.Repository
	providerRepo   rewardproviderdomain.Repository
	snapshotRepo   domain.SnapshotRepository
	registry       *rewardmodule.Registry
	locker         userlock.Locker
	publisher      announcement.Publisher
	auditSvc       auditdomain.Service
}

func New(p Params) domain.Service {
	locker := p.Locker
	if locker == nil {
		locker = userlock.NewMemoryLocker()
	}
	publisher := p.Publisher
	if publisher == nil {
		publisher = announcement.Nop{}
	}
	return &Service{
		db:             p.DB,
		log:            p.Log.Named("rewardevent.service"),
		genID:          p.GenID,
		clock:          p.Clock,
		assignmentRepo: p.AssignmentRepo,
		mappingRepo:    p.MappingRepo,
		rewardRepo:     p.RewardRepo,
		providerRepo:   p.ProviderRepo,
		snapshotRepo:   p.SnapshotRepo,
		registry:       p.Registry,
		locker:         locker,
		publisher:      publisher,
		auditSvc:       p.AuditSvc,
	}
}

// effect is a module call deferred until the ledger change has committed.
type effect struct {
	revoke   bool
	moduleID string
	actx     rewardmodule.ApplyContext
}

// eventRun carries the state of one event through its transaction.
type eventRun struct {
	event       domain.RewardEvent
	rewards     map[snowflake.ID]*rewarddomain.Reward
	effects     []effect
	lastTouched *assignmentdomain.Assignment
	granted     int
	revoked     int
}

// ProcessRewardEvent applies the difference between the user's previous and
// current tier snapshot. Removed tiers are revoked before added tiers are granted.
func (s *Service) ProcessRewardEvent(ctx context.Context, event domain.RewardEvent) (*assignmentdomain.Assignment, error) {
	start := s.clock.Now()
	ctx, span := tracer.Start(ctx, "rewardevent.process")
	defer span.End()

	event, err := event.Normalize()
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		metrics.Rewards().ObserveEvent(event.ProviderID, metrics.EventOutcomeRejected, s.clock.Now().Sub(start))
		return nil, err
	}
	span.SetAttributes(
		attribute.String("reward.provider_id", event.ProviderID),
		attribute.String("reward.event_id", event.EventID),
		attribute.String("reward.event_type", string(event.Type)),
	)

	log := s.log.With(
		zap.String("event_id", event.EventID),
		zap.String("provider_id", event.ProviderID),
		zap.String("user_id", event.UserID),
		zap.String("provider_reference", event.ProviderReference),
	)

	assignment, outcome, err := s.processLocked(ctx, log, event)
	metrics.Rewards().ObserveEvent(event.ProviderID, outcome, s.clock.Now().Sub(start))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		log.Error("reward event failed", zap.Error(err))
		return nil, err
	}
	return assignment, nil
}

func (s *Service) processLocked(ctx context.Context, log *zap.Logger, event domain.RewardEvent) (*assignmentdomain.Assignment, string, error) {
	unlock, err := s.locker.Lock(ctx, userlock.Key(event.ProviderID, event.UserID))
	if err != nil {
		return nil, metrics.EventOutcomeFailed, fmt.Errorf("lock user %s: %w", event.UserID, err)
	}
	defer unlock()

	existing, err := s.assignmentRepo.FindByProviderReference(ctx, s.db, event.ProviderID, event.ProviderReference)
	if err != nil {
		return nil, metrics.EventOutcomeFailed, err
	}
	if len(existing) > 0 {
		log.Info("reward event already applied", zap.String("assignment_id", existing[0].ID.String()))
		return &existing[0], metrics.EventOutcomeDuplicate, nil
	}

	cfg, err := s.providerRepo.FindByProviderID(ctx, s.db, event.ProviderID)
	if err != nil {
		return nil, metrics.EventOutcomeFailed, err
	}
	if cfg == nil || !cfg.Active {
		return nil, metrics.EventOutcomeRejected, fmt.Errorf("%w: %s", domain.ErrProviderNotConfigured, event.ProviderID)
	}

	run := &eventRun{
		event:   event,
		rewards: map[snowflake.ID]*rewarddomain.Reward{},
	}
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return s.applyTierDiff(ctx, tx, log, run)
	})
	if err != nil {
		if errors.Is(err, domain.ErrMappingNotFound) {
			return nil, metrics.EventOutcomeRejected, err
		}
		return nil, metrics.EventOutcomeFailed, err
	}

	s.runEffects(ctx, run.effects)
	for i := 0; i < run.granted; i++ {
		metrics.Rewards().IncGranted(event.ProviderID, string(event.Origin.Kind))
	}
	for i := 0; i < run.revoked; i++ {
		metrics.Rewards().IncRevoked(event.ProviderID)
	}
	s.announce(ctx, log, event)

	outcome := metrics.EventOutcomeApplied
	if run.granted == 0 && run.revoked == 0 {
		outcome = metrics.EventOutcomeNoop
	}
	log.Info("reward event processed",
		zap.Int("granted", run.granted),
		zap.Int("revoked", run.revoked),
	)
	return run.lastTouched, outcome, nil
}

func (s *Service) applyTierDiff(ctx context.Context, tx *gorm.DB, log *zap.Logger, run *eventRun) error {
	event := run.event

	previous := event.PreviousTierIDs
	if previous == nil {
		snapshot, err := s.snapshotRepo.Find(ctx, tx, event.UserID, event.ProviderID)
		if err != nil {
			return err
		}
		previous = []string{}
		if snapshot != nil {
			previous = []string(snapshot.TierIDs)
		}
	}
	added, removed := domain.DiffTiers(previous, event.EntitledTierIDs)
	log.Debug("tier diff",
		zap.Strings("previous", previous),
		zap.Strings("current", event.EntitledTierIDs),
		zap.Strings("added", added),
		zap.Strings("removed", removed),
	)

	removedMappings, err := s.resolveMappings(ctx, tx, event, removed)
	if err != nil {
		return err
	}
	addedMappings, err := s.resolveMappings(ctx, tx, event, added)
	if err != nil {
		return err
	}

	for i, tier := range removed {
		if err := s.revokeTier(ctx, tx, run, tier, removedMappings[i]); err != nil {
			return fmt.Errorf("revoke tier %s for user %s: %w", tier, event.UserID, err)
		}
	}
	for i, tier := range added {
		if err := s.grantTier(ctx, tx, log, run, tier, addedMappings[i]); err != nil {
			return fmt.Errorf("grant tier %s for user %s: %w", tier, event.UserID, err)
		}
	}

	return s.snapshotRepo.Save(ctx, tx, &domain.TierSnapshot{
		UserID:     event.UserID,
		ProviderID: event.ProviderID,
		TierIDs:    append([]string{}, event.EntitledTierIDs...),
		EventID:    event.EventID,
		UpdatedAt:  s.clock.Now().UTC(),
	})
}

// resolveMappings fails the whole event when any changed tier is unmapped.
func (s *Service) resolveMappings(ctx context.Context, tx *gorm.DB, event domain.RewardEvent, tiers []string) ([]*productmappingdomain.ProductMapping, error) {
	mappings := make([]*productmappingdomain.ProductMapping, 0, len(tiers))
	for _, tier := range tiers {
		mapping, err := s.mappingRepo.FindByProviderProduct(ctx, tx, event.ProviderID, tier)
		if err != nil {
			return nil, err
		}
		if mapping == nil {
			return nil, fmt.Errorf("%w: tier %s at %s for user %s", domain.ErrMappingNotFound, tier, event.ProviderID, event.UserID)
		}
		mappings = append(mappings, mapping)
	}
	return mappings, nil
}

func (s *Service) revokeTier(ctx context.Context, tx *gorm.DB, run *eventRun, tier string, mapping *productmappingdomain.ProductMapping) error {
	event := run.event
	now := s.clock.Now().UTC()

	reason := fmt.Sprintf("Tier %s removed from subscription", tier)
	if len(event.EntitledTierIDs) == 0 {
		reason = fmt.Sprintf("Tier %s removed: subscription cancelled", tier)
	}

	active, err := s.assignmentRepo.ListActiveByUserAndTier(ctx, tx, event.UserID, event.ProviderID, tier)
	if err != nil {
		return err
	}
	for i := range active {
		a := active[i]
		changed, err := s.assignmentRepo.MarkRevoked(ctx, tx, a.ID, reason, now)
		if err != nil {
			return err
		}
		if !changed {
			continue
		}
		a.Status = assignmentdomain.StatusRevoked
		a.RevokedAt = &now
		a.RevokedReason = &reason
		a.UpdatedAt = now
		run.lastTouched = &a
		run.revoked++

		reward, err := s.reward(ctx, tx, run, a.RewardID)
		if err != nil {
			return err
		}
		run.effects = append(run.effects, effect{
			revoke:   true,
			moduleID: moduleOf(reward),
			actx:     applyContext(a, reward),
		})
	}

	_, err = s.mappingRepo.DeactivateAssociations(ctx, tx, event.UserID, event.ProviderID, tier, productmappingdomain.AssociationCancelled, now)
	return err
}

func (s *Service) grantTier(ctx context.Context, tx *gorm.DB, log *zap.Logger, run *eventRun, tier string, mapping *productmappingdomain.ProductMapping) error {
	event := run.event
	now := s.clock.Now().UTC()

	if _, err := s.mappingRepo.UpsertAssociation(ctx, tx, &productmappingdomain.UserAssociation{
		ID:                s.genID.Generate(),
		UserID:            event.UserID,
		ProductMappingID:  mapping.ID,
		ProviderID:        event.ProviderID,
		ProviderProductID: tier,
		Status:            productmappingdomain.AssociationActive,
		AssignedAt:        now,
		UpdatedAt:         now,
	}); err != nil {
		return err
	}

	if !mapping.Active {
		log.Warn("product mapping inactive, no rewards granted",
			zap.String("tier_id", tier),
			zap.String("product_mapping_id", mapping.ID.String()),
		)
		return nil
	}

	held, err := s.assignmentRepo.ListActiveByUserAndTier(ctx, tx, event.UserID, event.ProviderID, tier)
	if err != nil {
		return err
	}
	heldRewards := make(map[snowflake.ID]struct{}, len(held))
	for _, a := range held {
		heldRewards[a.RewardID] = struct{}{}
	}

	for _, rewardID := range mapping.RewardIDs {
		if _, ok := heldRewards[rewardID]; ok {
			continue
		}
		reward, err := s.reward(ctx, tx, run, rewardID)
		if err != nil {
			return err
		}
		if reward == nil || !reward.Active {
			log.Warn("reward missing or inactive, skipping",
				zap.String("reward_id", rewardID.String()),
				zap.String("tier_id", tier),
			)
			continue
		}

		tierID := tier
		mappingID := mapping.ID
		a, err := s.insertAssignment(ctx, tx, reward, assignmentSpec{
			userID:     event.UserID,
			providerID: event.ProviderID,
			eventID:    event.EventID,
			origin:     event.Origin,
			reference:  event.ProviderReference,
			tierID:     &tierID,
			mappingID:  &mappingID,
			metadata:   event.Metadata,
		}, now)
		if err != nil {
			return err
		}
		heldRewards[rewardID] = struct{}{}
		run.lastTouched = a
		run.granted++
		run.effects = append(run.effects, effect{
			moduleID: reward.ModuleID,
			actx:     applyContext(*a, reward),
		})
	}
	return nil
}

func (s *Service) reward(ctx context.Context, tx *gorm.DB, run *eventRun, id snowflake.ID) (*rewarddomain.Reward, error) {
	if reward, ok := run.rewards[id]; ok {
		return reward, nil
	}
	reward, err := s.rewardRepo.FindByID(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	run.rewards[id] = reward
	return reward, nil
}

func (s *Service) runEffects(ctx context.Context, effects []effect) {
	if s.registry == nil {
		return
	}
	for _, e := range effects {
		if e.revoke {
			s.registry.Revoke(ctx, e.moduleID, e.actx)
			continue
		}
		s.registry.Apply(ctx, e.moduleID, e.actx)
	}
}

func (s *Service) announce(ctx context.Context, log *zap.Logger, event domain.RewardEvent) {
	if !event.ShouldAnnounce() {
		return
	}
	occurredAt := event.Timestamp
	if occurredAt.IsZero() {
		occurredAt = s.clock.Now().UTC()
	}
	err := s.publisher.Publish(ctx, announcement.Announcement{
		EventID:    event.EventID,
		ProviderID: event.ProviderID,
		UserID:     event.UserID,
		Amount:     *event.AnnouncementAmount,
		Currency:   strings.ToUpper(strings.TrimSpace(event.AnnouncementCurrency)),
		OccurredAt: occurredAt,
	})
	if err != nil {
		log.Warn("announcement publish failed", zap.Error(err))
	}
}

func (s *Service) audit(ctx context.Context, action string, id snowflake.ID, metadata map[string]any) {
	if s.auditSvc == nil {
		return
	}
	_ = s.auditSvc.AuditLog(ctx, "", nil, action, "reward_assignment", auditservice.IDString(id), metadata)
}

func moduleOf(reward *rewarddomain.Reward) string {
	if reward == nil {
		return ""
	}
	return reward.ModuleID
}

func applyContext(a assignmentdomain.Assignment, reward *rewarddomain.Reward) rewardmodule.ApplyContext {
	actx := rewardmodule.ApplyContext{
		UserID:       a.UserID,
		RewardID:     a.RewardID,
		AssignmentID: a.ID,
		ProviderID:   a.ProviderID,
		ExpiresAt:    a.ExpiresAt,
	}
	if reward != nil {
		actx.Parameters = reward.Parameters
	}
	return actx
}
