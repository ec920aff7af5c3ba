package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

type MappingType string

const (
	MappingOneTime   MappingType = "one_time"
	MappingRecurring MappingType = "recurring"
	MappingTiered    MappingType = "tiered"
)

type AssociationStatus string

const (
	AssociationActive    AssociationStatus = "ACTIVE"
	AssociationCancelled AssociationStatus = "CANCELLED"
	AssociationExpired   AssociationStatus = "EXPIRED"
)

type ProviderProduct struct {
	ProviderID string `json:"provider_id"`
	ProductID  string `json:"product_id"`
}

// ProductMapping grants RewardIDs to anyone entitled to one of Products.
type ProductMapping struct {
	ID                   snowflake.ID      `gorm:"column:id;primaryKey" json:"id"`
	Name                 string            `gorm:"column:name;not null" json:"name"`
	Type                 MappingType       `gorm:"column:type;not null" json:"type"`
	Active               bool              `gorm:"column:active;not null" json:"active"`
	AdditionalParameters datatypes.JSONMap `gorm:"column:additional_parameters" json:"additional_parameters,omitempty"`
	CreatedAt            time.Time         `gorm:"column:created_at;not null" json:"created_at"`
	UpdatedAt            time.Time         `gorm:"column:updated_at;not null" json:"updated_at"`

	Products  []ProviderProduct `gorm:"-" json:"products"`
	RewardIDs []snowflake.ID    `gorm:"-" json:"reward_ids"`
}

func (ProductMapping) TableName() string { return "product_mappings" }

func (m *ProductMapping) HasReward(id snowflake.ID) bool {
	for _, rewardID := range m.RewardIDs {
		if rewardID == id {
			return true
		}
	}
	return false
}

// MappingProduct is one (provider, product) row of a mapping.
type MappingProduct struct {
	ProductMappingID snowflake.ID `gorm:"column:product_mapping_id;primaryKey"`
	ProviderID       string       `gorm:"column:provider_id;primaryKey"`
	ProductID        string       `gorm:"column:product_id;primaryKey"`
}

func (MappingProduct) TableName() string { return "product_mapping_products" }

type MappingReward struct {
	ProductMappingID snowflake.ID `gorm:"column:product_mapping_id;primaryKey"`
	RewardID         snowflake.ID `gorm:"column:reward_id;primaryKey"`
	Position         int          `gorm:"column:position;not null"`
}

func (MappingReward) TableName() string { return "product_mapping_rewards" }

// UserAssociation records that a user is entitled to a provider product through a mapping.
type UserAssociation struct {
	ID                snowflake.ID      `gorm:"column:id;primaryKey" json:"id"`
	UserID            string            `gorm:"column:user_id;not null;index" json:"user_id"`
	ProductMappingID  snowflake.ID      `gorm:"column:product_mapping_id;not null;index" json:"product_mapping_id"`
	ProviderID        string            `gorm:"column:provider_id;not null" json:"provider_id"`
	ProviderProductID string            `gorm:"column:provider_product_id;not null" json:"provider_product_id"`
	Status            AssociationStatus `gorm:"column:status;not null" json:"status"`
	AssignedAt        time.Time         `gorm:"column:assigned_at;not null" json:"assigned_at"`
	ExpiresAt         *time.Time        `gorm:"column:expires_at" json:"expires_at,omitempty"`
	UpdatedAt         time.Time         `gorm:"column:updated_at;not null" json:"updated_at"`
}

func (UserAssociation) TableName() string { return "product_mapping_user_associations" }

// Models lists every table owned by this package.
func Models() []any {
	return []any{&ProductMapping{}, &MappingProduct{}, &MappingReward{}, &UserAssociation{}}
}
