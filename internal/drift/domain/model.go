package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	rewardeventdomain "github.com/smallbiznis/rewardsync/internal/rewardevent/domain"
)

// Member is one external member snapshot as reported by a provider.
type Member struct {
	ID               string     `json:"id"`
	Email            string     `json:"email"`
	FullName         string     `json:"full_name"`
	PatronStatus     string     `json:"patron_status"`
	IsActivePatron   bool       `json:"is_active_patron"`
	EntitledTierIDs  []string   `json:"entitled_tier_ids"`
	LastChargeStatus string     `json:"last_charge_status,omitempty"`
	LastChargeDate   *time.Time `json:"last_charge_date,omitempty"`
	PledgeStartedAt  *time.Time `json:"pledge_started_at,omitempty"`
}

// ProviderClient reads the authoritative member list of one provider.
type ProviderClient interface {
	ProviderID() string
	GetAllCampaignMembers(ctx context.Context) ([]Member, error)
}

// AccountLink ties an external member to an internal user id.
type AccountLink struct {
	ID         snowflake.ID `gorm:"column:id;primaryKey" json:"id"`
	ProviderID string       `gorm:"column:provider_id;not null" json:"provider_id"`
	UserID     string       `gorm:"column:user_id;not null" json:"user_id"`
	MemberID   string       `gorm:"column:member_id;not null" json:"member_id"`
	Email      string       `gorm:"column:email" json:"email,omitempty"`
	CreatedAt  time.Time    `gorm:"column:created_at;not null" json:"created_at"`
	UpdatedAt  time.Time    `gorm:"column:updated_at;not null" json:"updated_at"`
}

func (AccountLink) TableName() string { return "provider_account_links" }

type MissingMember struct {
	MemberID       string   `json:"member_id"`
	Email          string   `json:"email"`
	CorrelationKey string   `json:"correlation_key"`
	UserID         string   `json:"user_id"`
	TierIDs        []string `json:"tier_ids"`
	PatronStatus   string   `json:"patron_status"`
}

// ExtraAssignment is an internal assignment group with no active external member.
type ExtraAssignment struct {
	UserID           string         `json:"user_id"`
	AssignmentIDs    []snowflake.ID `json:"assignment_ids"`
	TierIDs          []string       `json:"tier_ids"`
	MemberFound      bool           `json:"member_found"`
	MemberID         string         `json:"member_id,omitempty"`
	ExternalStatus   string         `json:"external_status,omitempty"`
	LastChargeStatus string         `json:"last_charge_status,omitempty"`
}

type TierMismatch struct {
	UserID          string   `json:"user_id"`
	MemberID        string   `json:"member_id"`
	Email           string   `json:"email"`
	ExternalTierIDs []string `json:"external_tier_ids"`
	InternalTierIDs []string `json:"internal_tier_ids"`
}

type DriftDetectionResult struct {
	ProviderID               string            `json:"provider_id"`
	CheckedAt                time.Time         `json:"checked_at"`
	TotalExternalMembers     int               `json:"total_external_members"`
	ActiveExternalMembers    int               `json:"active_external_members"`
	SkippedMembers           int               `json:"skipped_members"`
	TotalInternalAssignments int               `json:"total_internal_assignments"`
	DistinctInternalUsers    int               `json:"distinct_internal_users"`
	MissingMembers           []MissingMember   `json:"missing_members"`
	ExtraAssignments         []ExtraAssignment `json:"extra_assignments"`
	TierMismatches           []TierMismatch    `json:"tier_mismatches"`
	HasDrift                 bool              `json:"has_drift"`
}

type SyncDriftResult struct {
	ProviderID         string                          `json:"provider_id"`
	DryRun             bool                            `json:"dry_run"`
	MembersAdded       int                             `json:"members_added"`
	AssignmentsRevoked int                             `json:"assignments_revoked"`
	TiersUpdated       int                             `json:"tiers_updated"`
	Events             []rewardeventdomain.RewardEvent `json:"events"`
	Errors             []string                        `json:"errors"`
	Success            bool                            `json:"success"`
}
