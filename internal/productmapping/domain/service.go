package domain

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	reconciliationdomain "github.com/smallbiznis/rewardsync/internal/reconciliation/domain"
	"gorm.io/gorm"
)

var (
	ErrNotFound         = errors.New("product_mapping_not_found")
	ErrInvalidName      = errors.New("invalid_product_mapping_name")
	ErrInvalidType      = errors.New("invalid_product_mapping_type")
	ErrInvalidProduct   = errors.New("invalid_provider_product")
	ErrUnknownReward    = errors.New("unknown_reward")
	ErrDuplicateProduct = errors.New("duplicate_provider_product")
	ErrMappingInUse     = errors.New("product_mapping_in_use")
)

// ConflictError reports the active associations blocking a mapping delete.
type ConflictError struct {
	MappingID    snowflake.ID
	Associations int64
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("%s: product mapping %s has %d active user associations", ErrMappingInUse, e.MappingID, e.Associations)
}

func (e *ConflictError) Unwrap() error { return ErrMappingInUse }

type CreateRequest struct {
	Name                 string            `json:"name"`
	Type                 MappingType       `json:"type"`
	Active               *bool             `json:"active"`
	Products             []ProviderProduct `json:"products"`
	RewardIDs            []snowflake.ID    `json:"reward_ids"`
	AdditionalParameters map[string]any    `json:"additional_parameters"`
}

type UpdateRequest struct {
	Name                 *string           `json:"name"`
	Type                 *MappingType      `json:"type"`
	Active               *bool             `json:"active"`
	Products             []ProviderProduct `json:"products"`
	RewardIDs            []snowflake.ID    `json:"reward_ids"`
	AdditionalParameters map[string]any    `json:"additional_parameters"`
}

type UpdateResult struct {
	Mapping        *ProductMapping                             `json:"mapping"`
	Reconciliation *reconciliationdomain.ReconciliationResult `json:"reconciliation,omitempty"`
}

// Reconciler brings existing assignments in line with an edited mapping.
type Reconciler interface {
	ReconcileProductMapping(ctx context.Context, mappingID snowflake.ID, oldMapping, newMapping *ProductMapping, dryRun bool) (*reconciliationdomain.ReconciliationResult, error)
}

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, mapping *ProductMapping) error
	Update(ctx context.Context, db *gorm.DB, mapping *ProductMapping) error
	Delete(ctx context.Context, db *gorm.DB, id snowflake.ID) error
	FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*ProductMapping, error)
	List(ctx context.Context, db *gorm.DB) ([]ProductMapping, error)
	FindByProviderProduct(ctx context.Context, db *gorm.DB, providerID, productID string) (*ProductMapping, error)
	ReplaceProducts(ctx context.Context, db *gorm.DB, mappingID snowflake.ID, products []ProviderProduct) error
	ReplaceRewards(ctx context.Context, db *gorm.DB, mappingID snowflake.ID, rewardIDs []snowflake.ID) error
	ListActiveMappingIDsForProduct(ctx context.Context, db *gorm.DB, providerID, productID string) ([]snowflake.ID, error)
	CountExistingRewards(ctx context.Context, db *gorm.DB, rewardIDs []snowflake.ID) (int64, error)

	UpsertAssociation(ctx context.Context, db *gorm.DB, assoc *UserAssociation) (*UserAssociation, error)
	DeactivateAssociations(ctx context.Context, db *gorm.DB, userID, providerID, productID string, status AssociationStatus, at time.Time) (int64, error)
	FindActiveAssociation(ctx context.Context, db *gorm.DB, userID string, mappingID snowflake.ID) (*UserAssociation, error)
	ListActiveAssociationsByMapping(ctx context.Context, db *gorm.DB, mappingID snowflake.ID) ([]UserAssociation, error)
	ListActiveAssociationsByUser(ctx context.Context, db *gorm.DB, userID string) ([]UserAssociation, error)
	CountActiveAssociationsByMapping(ctx context.Context, db *gorm.DB, mappingID snowflake.ID) (int64, error)
}

type Service interface {
	Create(ctx context.Context, req CreateRequest) (*ProductMapping, error)
	Get(ctx context.Context, id snowflake.ID) (*ProductMapping, error)
	List(ctx context.Context) ([]ProductMapping, error)
	Update(ctx context.Context, id snowflake.ID, req UpdateRequest) (*UpdateResult, error)
	Delete(ctx context.Context, id snowflake.ID, force bool) error
	FindByProviderProduct(ctx context.Context, providerID, productID string) (*ProductMapping, error)
	ListActiveAssociationsByMapping(ctx context.Context, mappingID snowflake.ID) ([]UserAssociation, error)
	ListActiveAssociationsByUser(ctx context.Context, userID string) ([]UserAssociation, error)
}
