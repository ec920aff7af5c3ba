package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

var (
	ErrNotFound        = errors.New("provider_config_not_found")
	ErrInvalidProvider = errors.New("invalid_provider_id")
)

// ProviderConfig enables event processing for one external provider.
type ProviderConfig struct {
	ID         snowflake.ID      `gorm:"column:id;primaryKey" json:"id"`
	ProviderID string            `gorm:"column:provider_id;not null;uniqueIndex" json:"provider_id"`
	Name       string            `gorm:"column:name;not null" json:"name"`
	Active     bool              `gorm:"column:active;not null" json:"active"`
	Settings   datatypes.JSONMap `gorm:"column:settings" json:"settings,omitempty"`
	CreatedAt  time.Time         `gorm:"column:created_at;not null" json:"created_at"`
	UpdatedAt  time.Time         `gorm:"column:updated_at;not null" json:"updated_at"`
}

func (ProviderConfig) TableName() string { return "reward_provider_configs" }

type UpsertRequest struct {
	ProviderID string         `json:"provider_id"`
	Name       string         `json:"name"`
	Active     bool           `json:"active"`
	Settings   map[string]any `json:"settings"`
}

type Repository interface {
	FindByProviderID(ctx context.Context, db *gorm.DB, providerID string) (*ProviderConfig, error)
	Insert(ctx context.Context, db *gorm.DB, cfg *ProviderConfig) error
	Update(ctx context.Context, db *gorm.DB, cfg *ProviderConfig) error
	List(ctx context.Context, db *gorm.DB) ([]ProviderConfig, error)
}

type Service interface {
	FindByProviderID(ctx context.Context, providerID string) (*ProviderConfig, error)
	Upsert(ctx context.Context, req UpsertRequest) (*ProviderConfig, error)
	List(ctx context.Context) ([]ProviderConfig, error)
}
