package repository

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/rewardsync/internal/reward/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) Insert(ctx context.Context, db *gorm.DB, reward *domain.Reward) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO rewards (
			id, name, translation_key, module_id, parameters,
			duration_type, duration_value, duration_unit, active, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		reward.ID,
		reward.Name,
		reward.TranslationKey,
		reward.ModuleID,
		reward.Parameters,
		reward.Duration.Type,
		reward.Duration.Value,
		reward.Duration.Unit,
		reward.Active,
		reward.CreatedAt,
		reward.UpdatedAt,
	).Error
}

func (r *repo) Update(ctx context.Context, db *gorm.DB, reward *domain.Reward) error {
	return db.WithContext(ctx).Exec(
		`UPDATE rewards
		SET name = ?, translation_key = ?, module_id = ?, parameters = ?,
			duration_type = ?, duration_value = ?, duration_unit = ?, active = ?, updated_at = ?
		WHERE id = ?`,
		reward.Name,
		reward.TranslationKey,
		reward.ModuleID,
		reward.Parameters,
		reward.Duration.Type,
		reward.Duration.Value,
		reward.Duration.Unit,
		reward.Active,
		reward.UpdatedAt,
		reward.ID,
	).Error
}

func (r *repo) Delete(ctx context.Context, db *gorm.DB, id snowflake.ID) error {
	return db.WithContext(ctx).Exec(`DELETE FROM rewards WHERE id = ?`, id).Error
}

func (r *repo) FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*domain.Reward, error) {
	var reward domain.Reward
	err := db.WithContext(ctx).Raw(
		`SELECT id, name, translation_key, module_id, parameters,
			duration_type, duration_value, duration_unit, active, created_at, updated_at
		FROM rewards WHERE id = ?`,
		id,
	).Scan(&reward).Error
	if err != nil {
		return nil, err
	}
	if reward.ID == 0 {
		return nil, nil
	}
	return &reward, nil
}

func (r *repo) FindByIDs(ctx context.Context, db *gorm.DB, ids []snowflake.ID) ([]domain.Reward, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	var rewards []domain.Reward
	err := db.WithContext(ctx).Model(&domain.Reward{}).
		Where("id IN ?", ids).
		Order("id ASC").
		Find(&rewards).Error
	return rewards, err
}

func (r *repo) List(ctx context.Context, db *gorm.DB, activeOnly bool) ([]domain.Reward, error) {
	var rewards []domain.Reward
	stmt := db.WithContext(ctx).Model(&domain.Reward{})
	if activeOnly {
		stmt = stmt.Where("active = ?", true)
	}
	err := stmt.Order("created_at ASC, id ASC").Find(&rewards).Error
	return rewards, err
}

func (r *repo) ListReferencingMappings(ctx context.Context, db *gorm.DB, id snowflake.ID) ([]snowflake.ID, error) {
	var ids []snowflake.ID
	err := db.WithContext(ctx).Raw(
		`SELECT DISTINCT product_mapping_id FROM product_mapping_rewards WHERE reward_id = ? ORDER BY product_mapping_id`,
		id,
	).Scan(&ids).Error
	return ids, err
}
