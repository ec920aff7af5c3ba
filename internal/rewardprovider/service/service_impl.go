package service

import (
	"context"
	"strings"

	"github.com/bwmarrin/snowflake"
	auditdomain "github.com/smallbiznis/rewardsync/internal/audit/domain"
	"github.com/smallbiznis/rewardsync/internal/clock"
	"github.com/smallbiznis/rewardsync/internal/rewardprovider/domain"
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
	AuditSvc auditdomain.Service `optional:"true"`
}

type Service struct {
	db       *gorm.DB
	log      *zap.Logger
	genID    *snowflake.Node
	clock    clock.Clock
	repo     domain.Repository
	auditSvc auditdomain.Service
}

func New(p Params) domain.Service {
	return &Service{
		db:       p.DB,
		log:      p.Log.Named("rewardprovider.service"),
		genID:    p.GenID,
		clock:    p.Clock,
		repo:     p.Repo,
		auditSvc: p.AuditSvc,
	}
}

func (s *Service) FindByProviderID(ctx context.Context, providerID string) (*domain.ProviderConfig, error) {
	providerID = normalize(providerID)
	if providerID == "" {
		return nil, domain.ErrInvalidProvider
	}
	cfg, err := s.repo.FindByProviderID(ctx, s.db, providerID)
	if err != nil {
		return nil, err
	}
	if cfg == nil {
		return nil, domain.ErrNotFound
	}
	return cfg, nil
}

func (s *Service) Upsert(ctx context.Context, req domain.UpsertRequest) (*domain.ProviderConfig, error) {
	providerID := normalize(req.ProviderID)
	if providerID == "" {
		return nil, domain.ErrInvalidProvider
	}
	name := strings.TrimSpace(req.Name)
	if name == "" {
		name = providerID
	}

	now := s.clock.Now().UTC()
	var cfg *domain.ProviderConfig
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		existing, err := s.repo.FindByProviderID(ctx, tx, providerID)
		if err != nil {
			return err
		}
		if existing == nil {
			cfg = &domain.ProviderConfig{
				ID:         s.genID.Generate(),
				ProviderID: providerID,
				Name:       name,
				Active:     req.Active,
				Settings:   datatypes.JSONMap(req.Settings),
				CreatedAt:  now,
				UpdatedAt:  now,
			}
			return s.repo.Insert(ctx, tx, cfg)
		}
		existing.Name = name
		existing.Active = req.Active
		if req.Settings != nil {
			existing.Settings = datatypes.JSONMap(req.Settings)
		}
		existing.UpdatedAt = now
		cfg = existing
		return s.repo.Update(ctx, tx, cfg)
	})
	if err != nil {
		return nil, err
	}

	s.log.Info("provider config saved", zap.String("provider_id", providerID), zap.Bool("active", cfg.Active))
	if s.auditSvc != nil {
		_ = s.auditSvc.AuditLog(ctx, "", nil, "provider_config.upsert", "provider", &providerID, map[string]any{
			"active":   cfg.Active,
			"settings": req.Settings,
		})
	}
	return cfg, nil
}

func (s *Service) List(ctx context.Context) ([]domain.ProviderConfig, error) {
	return s.repo.List(ctx, s.db)
}

func normalize(providerID string) string {
	return strings.ToLower(strings.TrimSpace(providerID))
}
