package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

type Status string

const (
	StatusActive  Status = "ACTIVE"
	StatusExpired Status = "EXPIRED"
	StatusRevoked Status = "REVOKED"
	StatusFailed  Status = "FAILED"
)

func (s Status) Terminal() bool {
	return s != StatusActive
}

// Assignment is one reward granted to one user.
type Assignment struct {
	ID                snowflake.ID      `gorm:"column:id;primaryKey" json:"id"`
	UserID            string            `gorm:"column:user_id;not null;index" json:"user_id"`
	RewardID          snowflake.ID      `gorm:"column:reward_id;not null;index" json:"reward_id"`
	ProviderID        string            `gorm:"column:provider_id;not null" json:"provider_id"`
	ProviderReference string            `gorm:"column:provider_reference;not null;index" json:"provider_reference"`
	OriginKind        OriginKind        `gorm:"column:origin_kind;not null" json:"origin_kind"`
	Status            Status            `gorm:"column:status;not null;index" json:"status"`
	AssignedAt        time.Time         `gorm:"column:assigned_at;not null" json:"assigned_at"`
	ExpiresAt         *time.Time        `gorm:"column:expires_at" json:"expires_at,omitempty"`
	RevokedAt         *time.Time        `gorm:"column:revoked_at" json:"revoked_at,omitempty"`
	RevokedReason     *string           `gorm:"column:revoked_reason" json:"revoked_reason,omitempty"`
	EventID           string            `gorm:"column:event_id;not null" json:"event_id"`
	TierID            *string           `gorm:"column:tier_id" json:"tier_id,omitempty"`
	ProductMappingID  *snowflake.ID     `gorm:"column:product_mapping_id" json:"product_mapping_id,omitempty"`
	Metadata          datatypes.JSONMap `gorm:"column:metadata" json:"metadata,omitempty"`
	CreatedAt         time.Time         `gorm:"column:created_at;not null" json:"created_at"`
	UpdatedAt         time.Time         `gorm:"column:updated_at;not null" json:"updated_at"`
}

func (Assignment) TableName() string { return "reward_assignments" }

func (a Assignment) Origin() Provenance {
	return ParseProvenance(a.ProviderReference)
}

func (a Assignment) HasTier(tierID string) bool {
	return a.TierID != nil && *a.TierID == tierID
}
