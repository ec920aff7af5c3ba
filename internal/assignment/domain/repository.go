package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

var (
	ErrNotFound      = errors.New("assignment_not_found")
	ErrNotActive     = errors.New("assignment_not_active")
	ErrInvalidReason = errors.New("invalid_revoke_reason")
)

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, assignment *Assignment) error
	FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Assignment, error)
	FindByProviderReference(ctx context.Context, db *gorm.DB, providerID, reference string) ([]Assignment, error)
	FindByEventAndReward(ctx context.Context, db *gorm.DB, userID, providerID, eventID string, rewardID snowflake.ID) (*Assignment, error)
	ListByUser(ctx context.Context, db *gorm.DB, userID string, statuses []Status) ([]Assignment, error)
	ListActiveByProvider(ctx context.Context, db *gorm.DB, providerID string) ([]Assignment, error)
	ListActiveByUserAndTier(ctx context.Context, db *gorm.DB, userID, providerID, tierID string) ([]Assignment, error)
	ListActiveByMapping(ctx context.Context, db *gorm.DB, mappingID snowflake.ID) ([]Assignment, error)
	ListByReward(ctx context.Context, db *gorm.DB, rewardID snowflake.ID) ([]Assignment, error)
	// MarkRevoked and MarkExpired only transition ACTIVE rows and report whether one changed.
	MarkRevoked(ctx context.Context, db *gorm.DB, id snowflake.ID, reason string, at time.Time) (bool, error)
	ListExpiring(ctx context.Context, db *gorm.DB, now time.Time, limit int) ([]Assignment, error)
	MarkExpired(ctx context.Context, db *gorm.DB, id snowflake.ID, at time.Time) (bool, error)
}
