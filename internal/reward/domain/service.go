package domain

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

var (
	ErrNotFound        = errors.New("reward_not_found")
	ErrInvalidName     = errors.New("invalid_reward_name")
	ErrInvalidModule   = errors.New("invalid_reward_module")
	ErrInvalidDuration = errors.New("invalid_reward_duration")
	ErrRewardInUse     = errors.New("reward_in_use")
)

// ConflictError names the product mappings that still reference a reward.
type ConflictError struct {
	RewardID   snowflake.ID
	MappingIDs []snowflake.ID
}

func (e *ConflictError) Error() string {
	ids := make([]string, 0, len(e.MappingIDs))
	for _, id := range e.MappingIDs {
		ids = append(ids, id.String())
	}
	return fmt.Sprintf("%s: reward %s referenced by product mappings [%s]", ErrRewardInUse, e.RewardID, strings.Join(ids, ", "))
}

func (e *ConflictError) Unwrap() error { return ErrRewardInUse }

type CreateRequest struct {
	Name           string         `json:"name"`
	TranslationKey string         `json:"translation_key"`
	ModuleID       string         `json:"module_id"`
	Parameters     map[string]any `json:"parameters"`
	Duration       Duration       `json:"duration"`
	Active         *bool          `json:"active"`
}

type UpdateRequest struct {
	Name           *string        `json:"name"`
	TranslationKey *string        `json:"translation_key"`
	ModuleID       *string        `json:"module_id"`
	Parameters     map[string]any `json:"parameters"`
	Duration       *Duration      `json:"duration"`
	Active         *bool          `json:"active"`
}

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, reward *Reward) error
	Update(ctx context.Context, db *gorm.DB, reward *Reward) error
	Delete(ctx context.Context, db *gorm.DB, id snowflake.ID) error
	FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Reward, error)
	FindByIDs(ctx context.Context, db *gorm.DB, ids []snowflake.ID) ([]Reward, error)
	List(ctx context.Context, db *gorm.DB, activeOnly bool) ([]Reward, error)
	ListReferencingMappings(ctx context.Context, db *gorm.DB, id snowflake.ID) ([]snowflake.ID, error)
}

type Service interface {
	Create(ctx context.Context, req CreateRequest) (*Reward, error)
	Get(ctx context.Context, id snowflake.ID) (*Reward, error)
	List(ctx context.Context, activeOnly bool) ([]Reward, error)
	Update(ctx context.Context, id snowflake.ID, req UpdateRequest) (*Reward, error)
	Delete(ctx context.Context, id snowflake.ID) error
}
