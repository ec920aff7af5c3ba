package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/bwmarrin/snowflake"
	assignmentdomain "github.com/smallbiznis/rewardsync/internal/assignment/domain"
	auditdomain "github.com/smallbiznis/rewardsync/internal/audit/domain"
	auditservice "github.com/smallbiznis/rewardsync/internal/audit/service"
	"github.com/smallbiznis/rewardsync/internal/clock"
	"github.com/smallbiznis/rewardsync/internal/observability/metrics"
	productmappingdomain "github.com/smallbiznis/rewardsync/internal/productmapping/domain"
	"github.com/smallbiznis/rewardsync/internal/reconciliation/domain"
	rewarddomain "github.com/smallbiznis/rewardsync/internal/reward/domain"
	rewardeventdomain "github.com/smallbiznis/rewardsync/internal/rewardevent/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	mappingEventPrefix = "reconciliation"
	userEventPrefix    = "user-reconciliation"
)

// Executor applies planned actions. The event processor satisfies it.
type Executor interface {
	AssignReward(ctx context.Context, req rewardeventdomain.AssignRewardRequest) (*assignmentdomain.Assignment, error)
	RevokeAssignment(ctx context.Context, id snowflake.ID, reason string) (*assignmentdomain.Assignment, error)
}

type Params struct {
	fx.In

	DB             *gorm.DB
	Log            *zap.Logger
	Clock          clock.Clock
	MappingRepo    productmappingdomain.Repository
	AssignmentRepo assignmentdomain.Repository
	RewardRepo     rewarddomain.Repository
	Executor       Executor
	AuditSvc       auditdomain.Service `optional:"true"`
}

type Service struct {
	db             *gorm.DB
	log            *zap.Logger
	clock          clock.Clock
	mappingRepo    productmappingdomain.Repository
	assignmentRepo assignmentdomain.Repository
	rewardRepo     rewarddomain.Repository
	executor       Executor
	auditSvc       auditdomain.Service
}

func New(p Params) *Service {
	return &Service{
		db:             p.DB,
		log:            p.Log.Named("reconciliation.service"),
		clock:          p.Clock,
		mappingRepo:    p.MappingRepo,
		assignmentRepo: p.AssignmentRepo,
		rewardRepo:     p.RewardRepo,
		executor:       p.Executor,
		auditSvc:       p.AuditSvc,
	}
}

// userPlan is the planned change set for one user under one mapping.
type userPlan struct {
	entry        domain.UserEntry
	associations []productmappingdomain.UserAssociation
}

func (s *Service) ReconcileMapping(ctx context.Context, mappingID snowflake.ID, dryRun bool) (*domain.ReconciliationResult, error) {
	return s.ReconcileProductMapping(ctx, mappingID, nil, nil, dryRun)
}

func (s *Service) PreviewReconciliation(ctx context.Context, mappingID snowflake.ID) (*domain.ReconciliationResult, error) {
	return s.ReconcileProductMapping(ctx, mappingID, nil, nil, true)
}

// ReconcileProductMapping brings every associated user's assignments in line
// with newMapping. When newMapping is nil the stored mapping is used; oldMapping
// is only used to describe the change.
func (s *Service) ReconcileProductMapping(ctx context.Context, mappingID snowflake.ID, oldMapping, newMapping *productmappingdomain.ProductMapping, dryRun bool) (*domain.ReconciliationResult, error) {
	mapping := newMapping
	if mapping == nil {
		stored, err := s.mappingRepo.FindByID(ctx, s.db, mappingID)
		if err != nil {
			return nil, err
		}
		if stored == nil {
			return nil, fmt.Errorf("%w: %s", domain.ErrMappingNotFound, mappingID)
		}
		mapping = stored
	}

	log := s.log.With(
		zap.String("product_mapping_id", mappingID.String()),
		zap.Bool("dry_run", dryRun),
	)
	if oldMapping != nil {
		added, removed := diffRewardIDs(oldMapping.RewardIDs, mapping.RewardIDs)
		log.Info("product mapping rewards changed",
			zap.Int("rewards_added", len(added)),
			zap.Int("rewards_removed", len(removed)),
			zap.Bool("active", mapping.Active),
		)
	}

	result := s.newResult(&mappingID, dryRun)
	associations, err := s.mappingRepo.ListActiveAssociationsByMapping(ctx, s.db, mappingID)
	if err != nil {
		return nil, err
	}

	plans, err := s.plan(ctx, mapping, associations)
	if err != nil {
		return nil, err
	}
	s.apply(ctx, result, mapping, plans, mappingEventPrefix)
	s.finish(log, result)

	if !dryRun {
		s.audit(ctx, "product_mapping.reconcile", mappingID, result)
	}
	return result, nil
}

// ReconcileAllMappings runs every mapping through the same plan and aggregates.
// A mapping that cannot be reconciled is recorded and the rest continue.
func (s *Service) ReconcileAllMappings(ctx context.Context, dryRun bool) (*domain.ReconciliationResult, error) {
	mappings, err := s.mappingRepo.List(ctx, s.db)
	if err != nil {
		return nil, err
	}

	result := s.newResult(nil, dryRun)
	for i := range mappings {
		if err := ctx.Err(); err != nil {
			result.Errors = append(result.Errors, err.Error())
			break
		}
		mapping := mappings[i]
		partial, err := s.ReconcileProductMapping(ctx, mapping.ID, nil, &mapping, dryRun)
		if err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("product mapping %s: %v", mapping.ID, err))
			continue
		}
		result.Merge(partial)
	}
	s.finish(s.log.With(zap.Bool("dry_run", dryRun), zap.Int("mappings", len(mappings))), result)
	return result, nil
}

// ReconcileUserAssociations re-derives one user's rewards from every mapping
// the user is associated with.
func (s *Service) ReconcileUserAssociations(ctx context.Context, userID, eventIDPrefix string, dryRun bool) (*domain.ReconciliationResult, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, domain.ErrInvalidUser
	}
	prefix := strings.TrimSpace(eventIDPrefix)
	if prefix == "" {
		prefix = userEventPrefix
	}

	associations, err := s.mappingRepo.ListActiveAssociationsByUser(ctx, s.db, userID)
	if err != nil {
		return nil, err
	}

	byMapping := map[snowflake.ID][]productmappingdomain.UserAssociation{}
	order := []snowflake.ID{}
	for _, assoc := range associations {
		if _, ok := byMapping[assoc.ProductMappingID]; !ok {
			order = append(order, assoc.ProductMappingID)
		}
		byMapping[assoc.ProductMappingID] = append(byMapping[assoc.ProductMappingID], assoc)
	}

	result := s.newResult(nil, dryRun)
	for _, mappingID := range order {
		mapping, err := s.mappingRepo.FindByID(ctx, s.db, mappingID)
		if err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("product mapping %s: %v", mappingID, err))
			continue
		}
		if mapping == nil {
			result.Errors = append(result.Errors, fmt.Sprintf("product mapping %s: %v", mappingID, domain.ErrMappingNotFound))
			continue
		}
		plans, err := s.plan(ctx, mapping, byMapping[mappingID])
		if err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("product mapping %s: %v", mappingID, err))
			continue
		}
		s.apply(ctx, result, mapping, plans, prefix)
	}
	s.finish(s.log.With(zap.String("user_id", userID), zap.Bool("dry_run", dryRun)), result)

	if !dryRun {
		s.auditUser(ctx, userID, result)
	}
	return result, nil
}

// plan computes the per-user delta. Users whose attributable assignments already
// match the mapping are left out.
func (s *Service) plan(ctx context.Context, mapping *productmappingdomain.ProductMapping, associations []productmappingdomain.UserAssociation) ([]userPlan, error) {
	byUser := map[string][]productmappingdomain.UserAssociation{}
	users := []string{}
	for _, assoc := range associations {
		if _, ok := byUser[assoc.UserID]; !ok {
			users = append(users, assoc.UserID)
		}
		byUser[assoc.UserID] = append(byUser[assoc.UserID], assoc)
	}

	expected := []snowflake.ID{}
	grantable := []snowflake.ID{}
	if mapping.Active {
		expected = mapping.RewardIDs
		var err error
		if grantable, err = s.grantableRewards(ctx, mapping); err != nil {
			return nil, err
		}
	}

	plans := []userPlan{}
	for _, userID := range users {
		assocs := byUser[userID]
		held, err := s.assignmentRepo.ListByUser(ctx, s.db, userID, []assignmentdomain.Status{assignmentdomain.StatusActive})
		if err != nil {
			return nil, err
		}

		actual := map[snowflake.ID][]snowflake.ID{}
		actualOrder := []snowflake.ID{}
		for _, a := range held {
			if !attributable(a, mapping.ID, assocs) {
				continue
			}
			if _, ok := actual[a.RewardID]; !ok {
				actualOrder = append(actualOrder, a.RewardID)
			}
			actual[a.RewardID] = append(actual[a.RewardID], a.ID)
		}

		entry := domain.UserEntry{
			UserID:           userID,
			ProductMappingID: mapping.ID,
			ProviderID:       assocs[0].ProviderID,
			ProductID:        assocs[0].ProviderProductID,
		}
		expectedSet := make(map[snowflake.ID]struct{}, len(expected))
		for _, rewardID := range expected {
			expectedSet[rewardID] = struct{}{}
		}
		for _, rewardID := range grantable {
			if _, ok := actual[rewardID]; !ok {
				entry.Actions = append(entry.Actions, domain.Action{Type: domain.ActionAdded, RewardID: rewardID})
			}
		}
		for _, rewardID := range actualOrder {
			if _, ok := expectedSet[rewardID]; ok {
				continue
			}
			for _, assignmentID := range actual[rewardID] {
				id := assignmentID
				entry.Actions = append(entry.Actions, domain.Action{Type: domain.ActionRemoved, RewardID: rewardID, AssignmentID: &id})
			}
		}
		if len(entry.Actions) == 0 {
			continue
		}
		plans = append(plans, userPlan{entry: entry, associations: assocs})
	}
	return plans, nil
}

// grantableRewards returns the mapping's rewards that can still be granted.
// Missing and inactive rewards are skipped; holders of an inactive reward keep it.
func (s *Service) grantableRewards(ctx context.Context, mapping *productmappingdomain.ProductMapping) ([]snowflake.ID, error) {
	rewards, err := s.rewardRepo.FindByIDs(ctx, s.db, mapping.RewardIDs)
	if err != nil {
		return nil, err
	}
	active := make(map[snowflake.ID]bool, len(rewards))
	for _, r := range rewards {
		active[r.ID] = r.Active
	}
	out := make([]snowflake.ID, 0, len(mapping.RewardIDs))
	for _, rewardID := range mapping.RewardIDs {
		if !active[rewardID] {
			s.log.Warn("reward missing or inactive, skipping",
				zap.String("product_mapping_id", mapping.ID.String()),
				zap.String("reward_id", rewardID.String()),
			)
			continue
		}
		out = append(out, rewardID)
	}
	return out, nil
}

func (s *Service) apply(ctx context.Context, result *domain.ReconciliationResult, mapping *productmappingdomain.ProductMapping, plans []userPlan, prefix string) {
	for _, p := range plans {
		entry := p.entry
		if result.DryRun {
			entry.Success = true
			for _, action := range entry.Actions {
				metrics.Rewards().IncReconciliationAction(string(action.Type), metrics.ActionOutcomePlanned)
				countAction(result, action.Type)
			}
		} else {
			s.executeUser(ctx, result, mapping, &entry, prefix)
		}
		result.Users = append(result.Users, entry)
		result.UsersAffected++
	}
}

// executeUser applies one user's actions. Failures stay inside this user's
// entry and the result's error list.
func (s *Service) executeUser(ctx context.Context, result *domain.ReconciliationResult, mapping *productmappingdomain.ProductMapping, entry *domain.UserEntry, prefix string) {
	log := s.log.With(
		zap.String("user_id", entry.UserID),
		zap.String("product_mapping_id", mapping.ID.String()),
	)

	assoc, err := s.mappingRepo.FindActiveAssociation(ctx, s.db, entry.UserID, mapping.ID)
	if err == nil && assoc == nil {
		err = errors.New("user association is no longer active")
	}
	if err != nil {
		s.failUser(log, result, entry, err)
		for i := range entry.Actions {
			entry.Actions[i].Error = err.Error()
			metrics.Rewards().IncReconciliationAction(string(entry.Actions[i].Type), metrics.ActionOutcomeFailed)
		}
		return
	}

	reason := fmt.Sprintf("Removed by reconciliation of product mapping %q (%s)", mapping.Name, mapping.ID)
	failed := 0
	for i := range entry.Actions {
		action := &entry.Actions[i]
		var actionErr error
		switch action.Type {
		case domain.ActionAdded:
			actionErr = s.executeAdd(ctx, mapping, assoc, action, prefix)
		case domain.ActionRemoved:
			actionErr = s.executeRemove(ctx, mapping, assoc, action, reason)
		}
		if actionErr != nil {
			failed++
			action.Error = actionErr.Error()
			result.Errors = append(result.Errors, fmt.Sprintf("user %s: %s reward %s: %v", entry.UserID, strings.ToLower(string(action.Type)), action.RewardID, actionErr))
			metrics.Rewards().IncReconciliationAction(string(action.Type), metrics.ActionOutcomeFailed)
			log.Warn("reconciliation action failed",
				zap.String("action", string(action.Type)),
				zap.String("reward_id", action.RewardID.String()),
				zap.Error(actionErr),
			)
			continue
		}
		action.Success = true
		countAction(result, action.Type)
		metrics.Rewards().IncReconciliationAction(string(action.Type), metrics.ActionOutcomeSucceeded)
	}

	entry.Success = failed == 0
	if failed > 0 {
		entry.Error = fmt.Sprintf("%d of %d actions failed", failed, len(entry.Actions))
	}
}

func (s *Service) executeAdd(ctx context.Context, mapping *productmappingdomain.ProductMapping, assoc *productmappingdomain.UserAssociation, action *domain.Action, prefix string) error {
	mappingID := mapping.ID
	tierID := assoc.ProviderProductID
	a, err := s.executor.AssignReward(ctx, rewardeventdomain.AssignRewardRequest{
		UserID:           assoc.UserID,
		ProviderID:       assoc.ProviderID,
		RewardID:         action.RewardID,
		EventID:          fmt.Sprintf("%s_%d_%s", prefix, s.clock.Now().UnixMilli(), action.RewardID),
		Origin:           assignmentdomain.ReconciliationOrigin(mappingID),
		TierID:           &tierID,
		ProductMappingID: &mappingID,
		Metadata: map[string]any{
			"event_source":         "reconciliation",
			"product_mapping_name": mapping.Name,
		},
	})
	if err != nil {
		return err
	}
	id := a.ID
	action.AssignmentID = &id
	return nil
}

func (s *Service) executeRemove(ctx context.Context, mapping *productmappingdomain.ProductMapping, assoc *productmappingdomain.UserAssociation, action *domain.Action, reason string) error {
	if action.AssignmentID == nil {
		return assignmentdomain.ErrNotFound
	}
	current, err := s.assignmentRepo.FindByID(ctx, s.db, *action.AssignmentID)
	if err != nil {
		return err
	}
	if current == nil {
		return assignmentdomain.ErrNotFound
	}
	if current.Status != assignmentdomain.StatusActive {
		return assignmentdomain.ErrNotActive
	}
	if !assignmentdomain.AttributableTo(*current, mapping.ID, assoc.ProviderID, assoc.ProviderProductID) {
		return fmt.Errorf("assignment %s no longer attributable to product mapping %s", current.ID, mapping.ID)
	}
	_, err = s.executor.RevokeAssignment(ctx, current.ID, reason)
	return err
}

func (s *Service) failUser(log *zap.Logger, result *domain.ReconciliationResult, entry *domain.UserEntry, err error) {
	entry.Success = false
	entry.Error = err.Error()
	result.Errors = append(result.Errors, fmt.Sprintf("user %s: %v", entry.UserID, err))
	log.Warn("user reconciliation failed", zap.Error(err))
}

func (s *Service) newResult(mappingID *snowflake.ID, dryRun bool) *domain.ReconciliationResult {
	return &domain.ReconciliationResult{
		ProductMappingID: mappingID,
		DryRun:           dryRun,
		Users:            []domain.UserEntry{},
		Errors:           []string{},
		StartedAt:        s.clock.Now().UTC(),
	}
}

func (s *Service) finish(log *zap.Logger, result *domain.ReconciliationResult) {
	result.Success = !result.HasErrors()
	result.CompletedAt = s.clock.Now().UTC()
	log.Info("reconciliation completed",
		zap.Int("users_affected", result.UsersAffected),
		zap.Int("rewards_added", result.RewardsAdded),
		zap.Int("rewards_revoked", result.RewardsRevoked),
		zap.Int("errors", len(result.Errors)),
	)
}

func (s *Service) audit(ctx context.Context, action string, id snowflake.ID, result *domain.ReconciliationResult) {
	if s.auditSvc == nil {
		return
	}
	_ = s.auditSvc.AuditLog(ctx, "", nil, action, "product_mapping", auditservice.IDString(id), summary(result))
}

func (s *Service) auditUser(ctx context.Context, userID string, result *domain.ReconciliationResult) {
	if s.auditSvc == nil {
		return
	}
	_ = s.auditSvc.AuditLog(ctx, "", nil, "user.reconcile", "user", &userID, summary(result))
}

func summary(result *domain.ReconciliationResult) map[string]any {
	return map[string]any{
		"users_affected":  result.UsersAffected,
		"rewards_added":   result.RewardsAdded,
		"rewards_revoked": result.RewardsRevoked,
		"errors":          len(result.Errors),
	}
}

func countAction(result *domain.ReconciliationResult, t domain.ActionType) {
	switch t {
	case domain.ActionAdded:
		result.RewardsAdded++
	case domain.ActionRemoved:
		result.RewardsRevoked++
	}
}

func attributable(a assignmentdomain.Assignment, mappingID snowflake.ID, associations []productmappingdomain.UserAssociation) bool {
	for _, assoc := range associations {
		if assignmentdomain.AttributableTo(a, mappingID, assoc.ProviderID, assoc.ProviderProductID) {
			return true
		}
	}
	return false
}

func diffRewardIDs(old, updated []snowflake.ID) (added, removed []snowflake.ID) {
	oldSet := make(map[snowflake.ID]struct{}, len(old))
	for _, id := range old {
		oldSet[id] = struct{}{}
	}
	newSet := make(map[snowflake.ID]struct{}, len(updated))
	for _, id := range updated {
		newSet[id] = struct{}{}
		if _, ok := oldSet[id]; !ok {
			added = append(added, id)
		}
	}
	for _, id := range old {
		if _, ok := newSet[id]; !ok {
			removed = append(removed, id)
		}
	}
	sort.Slice(added, func(i, j int) bool { return added[i] < added[j] })
	sort.Slice(removed, func(i, j int) bool { return removed[i] < removed[j] })
	return added, removed
}
