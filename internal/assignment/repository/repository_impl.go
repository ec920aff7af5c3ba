package repository

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/rewardsync/internal/assignment/domain"
	"gorm.io/gorm"
)

const selectColumns = `SELECT id, user_id, reward_id, provider_id, provider_reference, origin_kind, status,
	assigned_at, expires_at, revoked_at, revoked_reason, event_id, tier_id, product_mapping_id,
	metadata, created_at, updated_at
	FROM reward_assignments`

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) Insert(ctx context.Context, db *gorm.DB, a *domain.Assignment) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO reward_assignments (
			id, user_id, reward_id, provider_id, provider_reference, origin_kind, status,
			assigned_at, expires_at, revoked_at, revoked_reason, event_id, tier_id, product_mapping_id,
			metadata, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID,
		a.UserID,
		a.RewardID,
		a.ProviderID,
		a.ProviderReference,
		a.OriginKind,
		a.Status,
		a.AssignedAt,
		a.ExpiresAt,
		a.RevokedAt,
		a.RevokedReason,
		a.EventID,
		a.TierID,
		a.ProductMappingID,
		a.Metadata,
		a.CreatedAt,
		a.UpdatedAt,
	).Error
}

func (r *repo) FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*domain.Assignment, error) {
	return r.findOne(ctx, db, selectColumns+` WHERE id = ?`, id)
}

func (r *repo) FindByEventAndReward(ctx context.Context, db *gorm.DB, userID, providerID, eventID string, rewardID snowflake.ID) (*domain.Assignment, error) {
	return r.findOne(ctx, db,
		selectColumns+` WHERE user_id = ? AND provider_id = ? AND event_id = ? AND reward_id = ? ORDER BY created_at ASC, id ASC LIMIT 1`,
		userID, providerID, eventID, rewardID,
	)
}

func (r *repo) FindByProviderReference(ctx context.Context, db *gorm.DB, providerID, reference string) ([]domain.Assignment, error) {
	return r.findMany(ctx, db,
		selectColumns+` WHERE provider_id = ? AND provider_reference = ? ORDER BY created_at ASC, id ASC`,
		providerID, reference,
	)
}

func (r *repo) ListByUser(ctx context.Context, db *gorm.DB, userID string, statuses []domain.Status) ([]domain.Assignment, error) {
	if len(statuses) == 0 {
		return r.findMany(ctx, db, selectColumns+` WHERE user_id = ? ORDER BY assigned_at DESC, id DESC`, userID)
	}
	return r.findMany(ctx, db,
		selectColumns+` WHERE user_id = ? AND status IN ? ORDER BY assigned_at DESC, id DESC`,
		userID, statuses,
	)
}

func (r *repo) ListActiveByProvider(ctx context.Context, db *gorm.DB, providerID string) ([]domain.Assignment, error) {
	return r.findMany(ctx, db,
		selectColumns+` WHERE provider_id = ? AND status = ? ORDER BY user_id ASC, id ASC`,
		providerID, domain.StatusActive,
	)
}

func (r *repo) ListActiveByUserAndTier(ctx context.Context, db *gorm.DB, userID, providerID, tierID string) ([]domain.Assignment, error) {
	return r.findMany(ctx, db,
		selectColumns+` WHERE user_id = ? AND provider_id = ? AND tier_id = ? AND status = ? ORDER BY id ASC`,
		userID, providerID, tierID, domain.StatusActive,
	)
}

func (r *repo) ListActiveByMapping(ctx context.Context, db *gorm.DB, mappingID snowflake.ID) ([]domain.Assignment, error) {
	return r.findMany(ctx, db,
		selectColumns+` WHERE product_mapping_id = ? AND status = ? ORDER BY id ASC`,
		mappingID, domain.StatusActive,
	)
}

func (r *repo) ListByReward(ctx context.Context, db *gorm.DB, rewardID snowflake.ID) ([]domain.Assignment, error) {
	return r.findMany(ctx, db, selectColumns+` WHERE reward_id = ? ORDER BY id ASC`, rewardID)
}

func (r *repo) MarkRevoked(ctx context.Context, db *gorm.DB, id snowflake.ID, reason string, at time.Time) (bool, error) {
	res := db.WithContext(ctx).Exec(
		`UPDATE reward_assignments
		SET status = ?, revoked_at = ?, revoked_reason = ?, updated_at = ?
		WHERE id = ? AND status = ?`,
		domain.StatusRevoked, at, reason, at, id, domain.StatusActive,
	)
	return res.RowsAffected == 1, res.Error
}

func (r *repo) ListExpiring(ctx context.Context, db *gorm.DB, now time.Time, limit int) ([]domain.Assignment, error) {
	if limit <= 0 {
		limit = 100
	}
	return r.findMany(ctx, db,
		selectColumns+` WHERE status = ? AND expires_at IS NOT NULL AND expires_at <= ? ORDER BY expires_at ASC, id ASC LIMIT ?`,
		domain.StatusActive, now, limit,
	)
}

func (r *repo) MarkExpired(ctx context.Context, db *gorm.DB, id snowflake.ID, at time.Time) (bool, error) {
	res := db.WithContext(ctx).Exec(
		`UPDATE reward_assignments SET status = ?, updated_at = ? WHERE id = ? AND status = ?`,
		domain.StatusExpired, at, id, domain.StatusActive,
	)
	return res.RowsAffected == 1, res.Error
}

func (r *repo) findOne(ctx context.Context, db *gorm.DB, query string, args ...any) (*domain.Assignment, error) {
	var a domain.Assignment
	if err := db.WithContext(ctx).Raw(query, args...).Scan(&a).Error; err != nil {
		return nil, err
	}
	if a.ID == 0 {
		return nil, nil
	}
	return &a, nil
}

func (r *repo) findMany(ctx context.Context, db *gorm.DB, query string, args ...any) ([]domain.Assignment, error) {
	var items []domain.Assignment
	if err := db.WithContext(ctx).Raw(query, args...).Scan(&items).Error; err != nil {
		return nil, err
	}
	return items, nil
}
