package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	assignmentdomain "github.com/smallbiznis/rewardsync/internal/assignment/domain"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

var (
	ErrInvalidEvent          = errors.New("invalid_reward_event")
	ErrProviderNotConfigured = errors.New("provider_not_configured")
	ErrMappingNotFound       = errors.New("product_mapping_not_found_for_tier")
	ErrInvalidAssignRequest  = errors.New("invalid_assign_request")
	ErrRewardNotFound        = errors.New("reward_not_found")
	ErrRewardInactive        = errors.New("reward_inactive")
)

// TierSnapshot is the last entitled tier set recorded for a user at a provider.
type TierSnapshot struct {
	UserID     string                      `gorm:"column:user_id;primaryKey"`
	ProviderID string                      `gorm:"column:provider_id;primaryKey"`
	TierIDs    datatypes.JSONSlice[string] `gorm:"column:tier_ids"`
	EventID    string                      `gorm:"column:event_id"`
	UpdatedAt  time.Time                   `gorm:"column:updated_at;not null"`
}

func (TierSnapshot) TableName() string { return "provider_tier_snapshots" }

type SnapshotRepository interface {
	Find(ctx context.Context, db *gorm.DB, userID, providerID string) (*TierSnapshot, error)
	Save(ctx context.Context, db *gorm.DB, snapshot *TierSnapshot) error
}

// AssignRewardRequest grants one reward outside the tier diff, as reconciliation does.
type AssignRewardRequest struct {
	UserID           string
	ProviderID       string
	RewardID         snowflake.ID
	EventID          string
	Origin           assignmentdomain.Provenance
	TierID           *string
	ProductMappingID *snowflake.ID
	Metadata         map[string]any
}

type Service interface {
	ProcessRewardEvent(ctx context.Context, event RewardEvent) (*assignmentdomain.Assignment, error)
	AssignReward(ctx context.Context, req AssignRewardRequest) (*assignmentdomain.Assignment, error)
	RevokeAssignment(ctx context.Context, id snowflake.ID, reason string) (*assignmentdomain.Assignment, error)
	ExpireAssignments(ctx context.Context, limit int) (int, error)
	ListUserAssignments(ctx context.Context, userID string, includeInactive bool) ([]assignmentdomain.Assignment, error)
}
