package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	assignmentdomain "github.com/smallbiznis/rewardsync/internal/assignment/domain"
	"github.com/smallbiznis/rewardsync/internal/observability/metrics"
	rewarddomain "github.com/smallbiznis/rewardsync/internal/reward/domain"
	"github.com/smallbiznis/rewardsync/internal/rewardevent/domain"
	"github.com/smallbiznis/rewardsync/internal/userlock"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type assignmentSpec struct {
	userID     string
	providerID string
	eventID    string
	origin     assignmentdomain.Provenance
	reference  string
	tierID     *string
	mappingID  *snowflake.ID
	metadata   map[string]any
}

func (s *Service) insertAssignment(ctx context.Context, tx *gorm.DB, reward *rewarddomain.Reward, spec assignmentSpec, now time.Time) (*assignmentdomain.Assignment, error) {
	reference := spec.reference
	if reference == "" {
		reference = spec.origin.ProviderReference()
	}
	kind := spec.origin.Kind
	if kind == "" {
		kind = assignmentdomain.ParseProvenance(reference).Kind
	}

	var metadata datatypes.JSONMap
	if len(spec.metadata) > 0 {
		metadata = datatypes.JSONMap{}
		for k, v := range spec.metadata {
			metadata[k] = v
		}
	}

	a := &assignmentdomain.Assignment{
		ID:                s.genID.Generate(),
		UserID:            spec.userID,
		RewardID:          reward.ID,
		ProviderID:        spec.providerID,
		ProviderReference: reference,
		OriginKind:        kind,
		Status:            assignmentdomain.StatusActive,
		AssignedAt:        now,
		ExpiresAt:         reward.Duration.ExpiresAt(now),
		EventID:           spec.eventID,
		TierID:            spec.tierID,
		ProductMappingID:  spec.mappingID,
		Metadata:          metadata,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if err := s.assignmentRepo.Insert(ctx, tx, a); err != nil {
		return nil, err
	}
	return a, nil
}

// AssignReward grants a single reward. A second call for the same user, provider,
// event id and reward id returns the assignment created by the first.
func (s *Service) AssignReward(ctx context.Context, req domain.AssignRewardRequest) (*assignmentdomain.Assignment, error) {
	req.UserID = strings.TrimSpace(req.UserID)
	req.ProviderID = strings.ToLower(strings.TrimSpace(req.ProviderID))
	req.EventID = strings.TrimSpace(req.EventID)
	if req.UserID == "" || req.ProviderID == "" || req.EventID == "" || req.RewardID == 0 {
		return nil, domain.ErrInvalidAssignRequest
	}

	unlock, err := s.locker.Lock(ctx, userlock.Key(req.ProviderID, req.UserID))
	if err != nil {
		return nil, fmt.Errorf("lock user %s: %w", req.UserID, err)
	}
	defer unlock()

	existing, err := s.assignmentRepo.FindByEventAndReward(ctx, s.db, req.UserID, req.ProviderID, req.EventID, req.RewardID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return existing, nil
	}

	reward, err := s.rewardRepo.FindByID(ctx, s.db, req.RewardID)
	if err != nil {
		return nil, err
	}
	if reward == nil {
		return nil, fmt.Errorf("%w: %s", domain.ErrRewardNotFound, req.RewardID)
	}
	if !reward.Active {
		return nil, fmt.Errorf("%w: %s", domain.ErrRewardInactive, req.RewardID)
	}

	a, err := s.insertAssignment(ctx, s.db, reward, assignmentSpec{
		userID:     req.UserID,
		providerID: req.ProviderID,
		eventID:    req.EventID,
		origin:     req.Origin,
		tierID:     req.TierID,
		mappingID:  req.ProductMappingID,
		metadata:   req.Metadata,
	}, s.clock.Now().UTC())
	if err != nil {
		return nil, err
	}

	s.runEffects(ctx, []effect{{moduleID: reward.ModuleID, actx: applyContext(*a, reward)}})
	metrics.Rewards().IncGranted(a.ProviderID, string(a.OriginKind))
	s.log.Info("reward assigned",
		zap.String("assignment_id", a.ID.String()),
		zap.String("user_id", a.UserID),
		zap.String("reward_id", a.RewardID.String()),
		zap.String("provider_reference", a.ProviderReference),
	)
	return a, nil
}

// RevokeAssignment moves an active assignment to REVOKED. Terminal assignments
// are left as they are and reported with ErrNotActive.
func (s *Service) RevokeAssignment(ctx context.Context, id snowflake.ID, reason string) (*assignmentdomain.Assignment, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return nil, assignmentdomain.ErrInvalidReason
	}

	a, err := s.assignmentRepo.FindByID(ctx, s.db, id)
	if err != nil {
		return nil, err
	}
	if a == nil {
		return nil, assignmentdomain.ErrNotFound
	}

	unlock, err := s.locker.Lock(ctx, userlock.Key(a.ProviderID, a.UserID))
	if err != nil {
		return nil, fmt.Errorf("lock user %s: %w", a.UserID, err)
	}
	defer unlock()

	now := s.clock.Now().UTC()
	changed, err := s.assignmentRepo.MarkRevoked(ctx, s.db, id, reason, now)
	if err != nil {
		return nil, err
	}
	if !changed {
		return nil, assignmentdomain.ErrNotActive
	}
	a.Status = assignmentdomain.StatusRevoked
	a.RevokedAt = &now
	a.RevokedReason = &reason
	a.UpdatedAt = now

	reward, err := s.rewardRepo.FindByID(ctx, s.db, a.RewardID)
	if err != nil {
		s.log.Warn("reward lookup for revoke failed", zap.String("assignment_id", id.String()), zap.Error(err))
	}
	s.runEffects(ctx, []effect{{revoke: true, moduleID: moduleOf(reward), actx: applyContext(*a, reward)}})
	metrics.Rewards().IncRevoked(a.ProviderID)
	s.audit(ctx, "reward_assignment.revoke", id, map[string]any{
		"user_id":   a.UserID,
		"reward_id": a.RewardID.String(),
		"reason":    reason,
	})
	return a, nil
}

// ExpireAssignments sweeps up to limit assignments whose expiry has passed.
func (s *Service) ExpireAssignments(ctx context.Context, limit int) (int, error) {
	now := s.clock.Now().UTC()
	due, err := s.assignmentRepo.ListExpiring(ctx, s.db, now, limit)
	if err != nil {
		return 0, err
	}

	rewards := map[snowflake.ID]*rewarddomain.Reward{}
	expired := 0
	for i := range due {
		a := due[i]
		changed, err := s.assignmentRepo.MarkExpired(ctx, s.db, a.ID, now)
		if err != nil {
			metrics.Rewards().AddExpired(expired)
			return expired, err
		}
		if !changed {
			continue
		}
		expired++
		a.Status = assignmentdomain.StatusExpired
		a.UpdatedAt = now

		reward, ok := rewards[a.RewardID]
		if !ok {
			reward, err = s.rewardRepo.FindByID(ctx, s.db, a.RewardID)
			if err != nil {
				s.log.Warn("reward lookup for expiry failed", zap.String("assignment_id", a.ID.String()), zap.Error(err))
			}
			rewards[a.RewardID] = reward
		}
		s.runEffects(ctx, []effect{{revoke: true, moduleID: moduleOf(reward), actx: applyContext(a, reward)}})
	}

	metrics.Rewards().AddExpired(expired)
	if expired > 0 {
		s.log.Info("assignments expired", zap.Int("count", expired))
	}
	return expired, nil
}

func (s *Service) ListUserAssignments(ctx context.Context, userID string, includeInactive bool) ([]assignmentdomain.Assignment, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, domain.ErrInvalidAssignRequest
	}
	var statuses []assignmentdomain.Status
	if !includeInactive {
		statuses = []assignmentdomain.Status{assignmentdomain.StatusActive}
	}
	items, err := s.assignmentRepo.ListByUser(ctx, s.db, userID, statuses)
	if err != nil {
		return nil, err
	}
	if items == nil {
		items = []assignmentdomain.Assignment{}
	}
	return items, nil
}
