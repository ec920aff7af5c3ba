package repository

import (
	"context"

	"github.com/smallbiznis/rewardsync/internal/rewardprovider/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) FindByProviderID(ctx context.Context, db *gorm.DB, providerID string) (*domain.ProviderConfig, error) {
	var cfg domain.ProviderConfig
	err := db.WithContext(ctx).Raw(
		`SELECT id, provider_id, name, active, settings, created_at, updated_at
		FROM reward_provider_configs WHERE provider_id = ?`,
		providerID,
	).Scan(&cfg).Error
	if err != nil {
		return nil, err
	}
	if cfg.ID == 0 {
		return nil, nil
	}
	return &cfg, nil
}

func (r *repo) Insert(ctx context.Context, db *gorm.DB, cfg *domain.ProviderConfig) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO reward_provider_configs (id, provider_id, name, active, settings, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		cfg.ID, cfg.ProviderID, cfg.Name, cfg.Active, cfg.Settings, cfg.CreatedAt, cfg.UpdatedAt,
	).Error
}

func (r *repo) Update(ctx context.Context, db *gorm.DB, cfg *domain.ProviderConfig) error {
	return db.WithContext(ctx).Exec(
		`UPDATE reward_provider_configs SET name = ?, active = ?, settings = ?, updated_at = ? WHERE id = ?`,
		cfg.Name, cfg.Active, cfg.Settings, cfg.UpdatedAt, cfg.ID,
	).Error
}

func (r *repo) List(ctx context.Context, db *gorm.DB) ([]domain.ProviderConfig, error) {
	var items []domain.ProviderConfig
	err := db.WithContext(ctx).Model(&domain.ProviderConfig{}).Order("provider_id ASC").Find(&items).Error
	return items, err
}
