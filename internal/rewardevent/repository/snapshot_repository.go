package repository

import (
	"context"

	"github.com/smallbiznis/rewardsync/internal/rewardevent/domain"
	"gorm.io/gorm"
)

type snapshotRepo struct{}

func Provide() domain.SnapshotRepository {
	return &snapshotRepo{}
}

func (r *snapshotRepo) Find(ctx context.Context, db *gorm.DB, userID, providerID string) (*domain.TierSnapshot, error) {
	var snapshot domain.TierSnapshot
	err := db.WithContext(ctx).Raw(
		`SELECT user_id, provider_id, tier_ids, event_id, updated_at
		FROM provider_tier_snapshots
		WHERE user_id = ? AND provider_id = ?`,
		userID, providerID,
	).Scan(&snapshot).Error
	if err != nil {
		return nil, err
	}
	if snapshot.UserID == "" {
		return nil, nil
	}
	return &snapshot, nil
}

// Save overwrites the previous snapshot. Callers hold the per-user lock.
func (r *snapshotRepo) Save(ctx context.Context, db *gorm.DB, snapshot *domain.TierSnapshot) error {
	if snapshot.TierIDs == nil {
		snapshot.TierIDs = []string{}
	}
	res := db.WithContext(ctx).Exec(
		`UPDATE provider_tier_snapshots SET tier_ids = ?, event_id = ?, updated_at = ?
		WHERE user_id = ? AND provider_id = ?`,
		snapshot.TierIDs, snapshot.EventID, snapshot.UpdatedAt, snapshot.UserID, snapshot.ProviderID,
	)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected > 0 {
		return nil
	}
	return db.WithContext(ctx).Exec(
		`INSERT INTO provider_tier_snapshots (user_id, provider_id, tier_ids, event_id, updated_at)
		VALUES (?, ?, ?, ?, ?)`,
		snapshot.UserID, snapshot.ProviderID, snapshot.TierIDs, snapshot.EventID, snapshot.UpdatedAt,
	).Error
}
