package service

import (
	"context"
	"fmt"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/gosimple/slug"
	auditdomain "github.com/smallbiznis/rewardsync/internal/audit/domain"
	auditservice "github.com/smallbiznis/rewardsync/internal/audit/service"
	"github.com/smallbiznis/rewardsync/internal/clock"
	"github.com/smallbiznis/rewardsync/internal/reward/domain"
	"github.com/smallbiznis/rewardsync/internal/rewardmodule"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB       *gorm.DB
	Log      *zap.Logger
	GenID    *snowflake.Node
	Clock    clock.Clock
	Repo     domain.Repository
	Modules  *rewardmodule.Registry `optional:"true"`
	AuditSvc auditdomain.Service    `optional:"true"`
}

type Service struct {
	db       *gorm.DB
	log      *zap.Logger
	genID    *snowflake.Node
	clock    clock.Clock
	repo     domain.Repository
	modules  *rewardmodule.Registry
	auditSvc auditdomain.Service
}

func New(p Params) domain.Service {
	return &Service{
		db:       p.DB,
		log:      p.Log.Named("reward.service"),
		genID:    p.GenID,
		clock:    p.Clock,
		repo:     p.Repo,
		modules:  p.Modules,
		auditSvc: p.AuditSvc,
	}
}

func (s *Service) Create(ctx context.Context, req domain.CreateRequest) (*domain.Reward, error) {
	name := strings.TrimSpace(req.Name)
	if name == "" {
		return nil, domain.ErrInvalidName
	}
	moduleID, err := s.validateModule(req.ModuleID)
	if err != nil {
		return nil, err
	}
	duration := req.Duration
	if duration.Type == "" {
		duration = domain.Permanent()
	}
	if err := duration.Validate(); err != nil {
		return nil, err
	}

	key := strings.TrimSpace(req.TranslationKey)
	if key == "" {
		key = "reward." + slug.Make(name)
	}

	active := true
	if req.Active != nil {
		active = *req.Active
	}

	now := s.clock.Now().UTC()
	reward := &domain.Reward{
		ID:             s.genID.Generate(),
		Name:           name,
		TranslationKey: key,
		ModuleID:       moduleID,
		Parameters:     datatypes.JSONMap(req.Parameters),
		Duration:       duration,
		Active:         active,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := s.repo.Insert(ctx, s.db, reward); err != nil {
		return nil, err
	}

	s.log.Info("reward created", zap.String("reward_id", reward.ID.String()), zap.String("module_id", moduleID))
	s.audit(ctx, "reward.create", reward.ID, map[string]any{"name": name, "module_id": moduleID})
	return reward, nil
}

func (s *Service) Get(ctx context.Context, id snowflake.ID) (*domain.Reward, error) {
	reward, err := s.repo.FindByID(ctx, s.db, id)
	if err != nil {
		return nil, err
	}
	if reward == nil {
		return nil, domain.ErrNotFound
	}
	return reward, nil
}

func (s *Service) List(ctx context.Context, activeOnly bool) ([]domain.Reward, error) {
	return s.repo.List(ctx, s.db, activeOnly)
}

func (s *Service) Update(ctx context.Context, id snowflake.ID, req domain.UpdateRequest) (*domain.Reward, error) {
	reward, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	if req.Name != nil {
		name := strings.TrimSpace(*req.Name)
		if name == "" {
			return nil, domain.ErrInvalidName
		}
		reward.Name = name
	}
	if req.TranslationKey != nil && strings.TrimSpace(*req.TranslationKey) != "" {
		reward.TranslationKey = strings.TrimSpace(*req.TranslationKey)
	}
	if req.ModuleID != nil {
		moduleID, err := s.validateModule(*req.ModuleID)
		if err != nil {
			return nil, err
		}
		reward.ModuleID = moduleID
	}
	if req.Parameters != nil {
		reward.Parameters = datatypes.JSONMap(req.Parameters)
	}
	if req.Duration != nil {
		if err := req.Duration.Validate(); err != nil {
			return nil, err
		}
		reward.Duration = *req.Duration
	}
	if req.Active != nil {
		reward.Active = *req.Active
	}
	reward.UpdatedAt = s.clock.Now().UTC()

	if err := s.repo.Update(ctx, s.db, reward); err != nil {
		return nil, err
	}
	s.audit(ctx, "reward.update", reward.ID, nil)
	return reward, nil
}

// Delete refuses while any product mapping still grants the reward.
func (s *Service) Delete(ctx context.Context, id snowflake.ID) error {
	var name string
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		reward, err := s.repo.FindByID(ctx, tx, id)
		if err != nil {
			return err
		}
		if reward == nil {
			return domain.ErrNotFound
		}
		name = reward.Name

		mappingIDs, err := s.repo.ListReferencingMappings(ctx, tx, id)
		if err != nil {
			return fmt.Errorf("check reward references: %w", err)
		}
		if len(mappingIDs) > 0 {
			return &domain.ConflictError{RewardID: id, MappingIDs: mappingIDs}
		}

		return s.repo.Delete(ctx, tx, id)
	})
	if err != nil {
		return err
	}
	s.audit(ctx, "reward.delete", id, map[string]any{"name": name})
	return nil
}

func (s *Service) validateModule(moduleID string) (string, error) {
	moduleID = strings.ToLower(strings.TrimSpace(moduleID))
	if moduleID == "" {
		return "", domain.ErrInvalidModule
	}
	if s.modules != nil && !s.modules.Has(moduleID) {
		return "", fmt.Errorf("%w: %s", domain.ErrInvalidModule, moduleID)
	}
	return moduleID, nil
}

func (s *Service) audit(ctx context.Context, action string, id snowflake.ID, metadata map[string]any) {
	if s.auditSvc == nil {
		return
	}
	_ = s.auditSvc.AuditLog(ctx, "", nil, action, "reward", auditservice.IDString(id), metadata)
}
