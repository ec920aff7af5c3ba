package service

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/bwmarrin/snowflake"
	auditdomain "github.com/smallbiznis/rewardsync/internal/audit/domain"
	auditservice "github.com/smallbiznis/rewardsync/internal/audit/service"
	"github.com/smallbiznis/rewardsync/internal/clock"
	"github.com/smallbiznis/rewardsync/internal/productmapping/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	GenID      *snowflake.Node
	Clock      clock.Clock
	Repo       domain.Repository
	Reconciler domain.Reconciler   `optional:"true"`
	AuditSvc   auditdomain.Service `optional:"true"`
}

type Service struct {
	db         *gorm.DB
	log        *zap.Logger
	genID      *snowflake.Node
	clock      clock.Clock
	repo       domain.Repository
	reconciler domain.Reconciler
	auditSvc   auditdomain.Service
}

func New(p Params) domain.Service {
	return &Service{
		db:         p.DB,
		log:        p.Log.Named("productmapping.service"),
		genID:      p.GenID,
		clock:      p.Clock,
		repo:       p.Repo,
		reconciler: p.Reconciler,
		auditSvc:   p.AuditSvc,
	}
}

func (s *Service) Create(ctx context.Context, req domain.CreateRequest) (*domain.ProductMapping, error) {
	name := strings.TrimSpace(req.Name)
	if name == "" {
		return nil, domain.ErrInvalidName
	}
	mappingType := req.Type
	if mappingType == "" {
		mappingType = domain.MappingTiered
	}
	if err := validateType(mappingType); err != nil {
		return nil, err
	}
	products, err := normalizeProducts(req.Products)
	if err != nil {
		return nil, err
	}
	rewardIDs := dedupeIDs(req.RewardIDs)

	active := true
	if req.Active != nil {
		active = *req.Active
	}

	now := s.clock.Now().UTC()
	mapping := &domain.ProductMapping{
		ID:                   s.genID.Generate(),
		Name:                 name,
		Type:                 mappingType,
		Active:               active,
		AdditionalParameters: datatypes.JSONMap(req.AdditionalParameters),
		CreatedAt:            now,
		UpdatedAt:            now,
		Products:             products,
		RewardIDs:            rewardIDs,
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.validateRewards(ctx, tx, rewardIDs); err != nil {
			return err
		}
		if active {
			if err := s.ensureProductsFree(ctx, tx, mapping.ID, products); err != nil {
				return err
			}
		}
		if err := s.repo.Insert(ctx, tx, mapping); err != nil {
			return err
		}
		if err := s.repo.ReplaceProducts(ctx, tx, mapping.ID, products); err != nil {
			return err
		}
		return s.repo.ReplaceRewards(ctx, tx, mapping.ID, rewardIDs)
	})
	if err != nil {
		return nil, err
	}

	s.audit(ctx, "product_mapping.create", mapping.ID, map[string]any{"name": name, "reward_count": len(rewardIDs)})
	return mapping, nil
}

func (s *Service) Get(ctx context.Context, id snowflake.ID) (*domain.ProductMapping, error) {
	mapping, err := s.repo.FindByID(ctx, s.db, id)
	if err != nil {
		return nil, err
	}
	if mapping == nil {
		return nil, domain.ErrNotFound
	}
	return mapping, nil
}

func (s *Service) List(ctx context.Context) ([]domain.ProductMapping, error) {
	return s.repo.List(ctx, s.db)
}

// Update persists the edit and, when the granted reward set or the active flag
// changed, reconciles existing assignments against the new mapping.
func (s *Service) Update(ctx context.Context, id snowflake.ID, req domain.UpdateRequest) (*domain.UpdateResult, error) {
	old, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	updated := *old
	updated.Products = append([]domain.ProviderProduct(nil), old.Products...)
	updated.RewardIDs = append([]snowflake.ID(nil), old.RewardIDs...)

	if req.Name != nil {
		name := strings.TrimSpace(*req.Name)
		if name == "" {
			return nil, domain.ErrInvalidName
		}
		updated.Name = name
	}
	if req.Type != nil {
		if err := validateType(*req.Type); err != nil {
			return nil, err
		}
		updated.Type = *req.Type
	}
	if req.Active != nil {
		updated.Active = *req.Active
	}
	if req.AdditionalParameters != nil {
		updated.AdditionalParameters = datatypes.JSONMap(req.AdditionalParameters)
	}
	if req.Products != nil {
		products, err := normalizeProducts(req.Products)
		if err != nil {
			return nil, err
		}
		updated.Products = products
	}
	if req.RewardIDs != nil {
		updated.RewardIDs = dedupeIDs(req.RewardIDs)
	}
	updated.UpdatedAt = s.clock.Now().UTC()

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if req.RewardIDs != nil {
			if err := s.validateRewards(ctx, tx, updated.RewardIDs); err != nil {
				return err
			}
		}
		if updated.Active {
			if err := s.ensureProductsFree(ctx, tx, id, updated.Products); err != nil {
				return err
			}
		}
		if err := s.repo.Update(ctx, tx, &updated); err != nil {
			return err
		}
		if req.Products != nil {
			if err := s.repo.ReplaceProducts(ctx, tx, id, updated.Products); err != nil {
				return err
			}
		}
		if req.RewardIDs != nil {
			if err := s.repo.ReplaceRewards(ctx, tx, id, updated.RewardIDs); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	result := &domain.UpdateResult{Mapping: &updated}
	rewardsChanged := !sameIDs(old.RewardIDs, updated.RewardIDs)
	s.audit(ctx, "product_mapping.update", id, map[string]any{
		"rewards_changed": rewardsChanged,
		"active":          updated.Active,
	})

	if (rewardsChanged || old.Active != updated.Active) && s.reconciler != nil {
		reconciliation, err := s.reconciler.ReconcileProductMapping(ctx, id, old, &updated, false)
		if err != nil {
			// The edit is committed; reconciliation can be re-run from the admin API.
			s.log.Error("reconciliation after mapping update failed",
				zap.String("product_mapping_id", id.String()),
				zap.Error(err),
			)
			return result, fmt.Errorf("reconcile product mapping %s: %w", id, err)
		}
		result.Reconciliation = reconciliation
	}
	return result, nil
}

// Delete refuses while users are still associated with the mapping unless force is set.
func (s *Service) Delete(ctx context.Context, id snowflake.ID, force bool) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		mapping, err := s.repo.FindByID(ctx, tx, id)
		if err != nil {
			return err
		}
		if mapping == nil {
			return domain.ErrNotFound
		}
		if !force {
			count, err := s.repo.CountActiveAssociationsByMapping(ctx, tx, id)
			if err != nil {
				return err
			}
			if count > 0 {
				return &domain.ConflictError{MappingID: id, Associations: count}
			}
		}
		return s.repo.Delete(ctx, tx, id)
	})
	if err != nil {
		return err
	}
	s.audit(ctx, "product_mapping.delete", id, map[string]any{"force": force})
	return nil
}

func (s *Service) FindByProviderProduct(ctx context.Context, providerID, productID string) (*domain.ProductMapping, error) {
	mapping, err := s.repo.FindByProviderProduct(ctx, s.db, strings.ToLower(strings.TrimSpace(providerID)), strings.TrimSpace(productID))
	if err != nil {
		return nil, err
	}
	if mapping == nil {
		return nil, domain.ErrNotFound
	}
	return mapping, nil
}

func (s *Service) ListActiveAssociationsByMapping(ctx context.Context, mappingID snowflake.ID) ([]domain.UserAssociation, error) {
	return s.repo.ListActiveAssociationsByMapping(ctx, s.db, mappingID)
}

func (s *Service) ListActiveAssociationsByUser(ctx context.Context, userID string) ([]domain.UserAssociation, error) {
	return s.repo.ListActiveAssociationsByUser(ctx, s.db, strings.TrimSpace(userID))
}

func (s *Service) validateRewards(ctx context.Context, tx *gorm.DB, rewardIDs []snowflake.ID) error {
	if len(rewardIDs) == 0 {
		return nil
	}
	count, err := s.repo.CountExistingRewards(ctx, tx, rewardIDs)
	if err != nil {
		return err
	}
	if count != int64(len(rewardIDs)) {
		return domain.ErrUnknownReward
	}
	return nil
}

func (s *Service) ensureProductsFree(ctx context.Context, tx *gorm.DB, mappingID snowflake.ID, products []domain.ProviderProduct) error {
	for _, p := range products {
		ids, err := s.repo.ListActiveMappingIDsForProduct(ctx, tx, p.ProviderID, p.ProductID)
		if err != nil {
			return err
		}
		for _, id := range ids {
			if id != mappingID {
				return fmt.Errorf("%w: %s/%s already mapped by %s", domain.ErrDuplicateProduct, p.ProviderID, p.ProductID, id)
			}
		}
	}
	return nil
}

func (s *Service) audit(ctx context.Context, action string, id snowflake.ID, metadata map[string]any) {
	if s.auditSvc == nil {
		return
	}
	_ = s.auditSvc.AuditLog(ctx, "", nil, action, "product_mapping", auditservice.IDString(id), metadata)
}

func validateType(t domain.MappingType) error {
	switch t {
	case domain.MappingOneTime, domain.MappingRecurring, domain.MappingTiered:
		return nil
	}
	return domain.ErrInvalidType
}

func normalizeProducts(products []domain.ProviderProduct) ([]domain.ProviderProduct, error) {
	seen := map[domain.ProviderProduct]struct{}{}
	out := make([]domain.ProviderProduct, 0, len(products))
	for _, p := range products {
		p.ProviderID = strings.ToLower(strings.TrimSpace(p.ProviderID))
		p.ProductID = strings.TrimSpace(p.ProductID)
		if p.ProviderID == "" || p.ProductID == "" {
			return nil, domain.ErrInvalidProduct
		}
		if _, ok := seen[p]; ok {
			continue
		}
		seen[p] = struct{}{}
		out = append(out, p)
	}
	return out, nil
}

func dedupeIDs(ids []snowflake.ID) []snowflake.ID {
	seen := make(map[snowflake.ID]struct{}, len(ids))
	out := make([]snowflake.ID, 0, len(ids))
	for _, id := range ids {
		if id == 0 {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

func sameIDs(a, b []snowflake.ID) bool {
	if len(a) != len(b) {
		return false
	}
	left := append([]snowflake.ID(nil), a...)
	right := append([]snowflake.ID(nil), b...)
	sort.Slice(left, func(i, j int) bool { return left[i] < left[j] })
	sort.Slice(right, func(i, j int) bool { return right[i] < right[j] })
	for i := range left {
		if left[i] != right[i] {
			return false
		}
	}
	return true
}
