package domain

import (
	"context"
	"errors"

	"gorm.io/gorm"
)

var (
	ErrUnknownProvider = errors.New("drift_provider_not_supported")
	ErrInvalidLink     = errors.New("invalid_account_link")
	ErrNoResult        = errors.New("drift_result_required")
)

type LinkAccountRequest struct {
	ProviderID string `json:"provider_id"`
	UserID     string `json:"user_id"`
	MemberID   string `json:"member_id"`
	Email      string `json:"email"`
}

type Repository interface {
	FindLink(ctx context.Context, db *gorm.DB, providerID, memberID string) (*AccountLink, error)
	InsertLink(ctx context.Context, db *gorm.DB, link *AccountLink) error
	UpdateLink(ctx context.Context, db *gorm.DB, link *AccountLink) error
	ListLinks(ctx context.Context, db *gorm.DB, providerID string) ([]AccountLink, error)
}

type Service interface {
	DetectDrift(ctx context.Context, providerID string) (*DriftDetectionResult, error)
	SyncDrift(ctx context.Context, result *DriftDetectionResult, dryRun bool) (*SyncDriftResult, error)
	LinkAccount(ctx context.Context, req LinkAccountRequest) (*AccountLink, error)
	ListAccountLinks(ctx context.Context, providerID string) ([]AccountLink, error)
}
