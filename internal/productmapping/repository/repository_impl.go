package repository

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/rewardsync/internal/productmapping/domain"
	"gorm.io/gorm"
)

const associationColumns = `SELECT id, user_id, product_mapping_id, provider_id, provider_product_id,
	status, assigned_at, expires_at, updated_at
	FROM product_mapping_user_associations`

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) Insert(ctx context.Context, db *gorm.DB, m *domain.ProductMapping) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO product_mappings (id, name, type, active, additional_parameters, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.Name, m.Type, m.Active, m.AdditionalParameters, m.CreatedAt, m.UpdatedAt,
	).Error
}

func (r *repo) Update(ctx context.Context, db *gorm.DB, m *domain.ProductMapping) error {
	return db.WithContext(ctx).Exec(
		`UPDATE product_mappings SET name = ?, type = ?, active = ?, additional_parameters = ?, updated_at = ?
		WHERE id = ?`,
		m.Name, m.Type, m.Active, m.AdditionalParameters, m.UpdatedAt, m.ID,
	).Error
}

func (r *repo) Delete(ctx context.Context, db *gorm.DB, id snowflake.ID) error {
	tx := db.WithContext(ctx)
	for _, stmt := range []string{
		`DELETE FROM product_mapping_user_associations WHERE product_mapping_id = ?`,
		`DELETE FROM product_mapping_rewards WHERE product_mapping_id = ?`,
		`DELETE FROM product_mapping_products WHERE product_mapping_id = ?`,
		`DELETE FROM product_mappings WHERE id = ?`,
	} {
		if err := tx.Exec(stmt, id).Error; err != nil {
			return err
		}
	}
	return nil
}

func (r *repo) FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*domain.ProductMapping, error) {
	var m domain.ProductMapping
	err := db.WithContext(ctx).Raw(
		`SELECT id, name, type, active, additional_parameters, created_at, updated_at
		FROM product_mappings WHERE id = ?`,
		id,
	).Scan(&m).Error
	if err != nil {
		return nil, err
	}
	if m.ID == 0 {
		return nil, nil
	}
	mappings := []domain.ProductMapping{m}
	if err := r.loadChildren(ctx, db, mappings); err != nil {
		return nil, err
	}
	return &mappings[0], nil
}

func (r *repo) List(ctx context.Context, db *gorm.DB) ([]domain.ProductMapping, error) {
	var mappings []domain.ProductMapping
	err := db.WithContext(ctx).Raw(
		`SELECT id, name, type, active, additional_parameters, created_at, updated_at
		FROM product_mappings ORDER BY created_at ASC, id ASC`,
	).Scan(&mappings).Error
	if err != nil {
		return nil, err
	}
	if err := r.loadChildren(ctx, db, mappings); err != nil {
		return nil, err
	}
	return mappings, nil
}

// FindByProviderProduct prefers an active mapping so a product moved to a new
// mapping resolves there, but still resolves inactive ones for revocation.
func (r *repo) FindByProviderProduct(ctx context.Context, db *gorm.DB, providerID, productID string) (*domain.ProductMapping, error) {
	var id snowflake.ID
	err := db.WithContext(ctx).Raw(
		`SELECT m.id FROM product_mappings m
		JOIN product_mapping_products p ON p.product_mapping_id = m.id
		WHERE p.provider_id = ? AND p.product_id = ?
		ORDER BY m.active DESC, m.updated_at DESC, m.id DESC
		LIMIT 1`,
		providerID, productID,
	).Scan(&id).Error
	if err != nil {
		return nil, err
	}
	if id == 0 {
		return nil, nil
	}
	return r.FindByID(ctx, db, id)
}

func (r *repo) ReplaceProducts(ctx context.Context, db *gorm.DB, mappingID snowflake.ID, products []domain.ProviderProduct) error {
	tx := db.WithContext(ctx)
	if err := tx.Exec(`DELETE FROM product_mapping_products WHERE product_mapping_id = ?`, mappingID).Error; err != nil {
		return err
	}
	for _, p := range products {
		if err := tx.Exec(
			`INSERT INTO product_mapping_products (product_mapping_id, provider_id, product_id) VALUES (?, ?, ?)`,
			mappingID, p.ProviderID, p.ProductID,
		).Error; err != nil {
			return err
		}
	}
	return nil
}

func (r *repo) ReplaceRewards(ctx context.Context, db *gorm.DB, mappingID snowflake.ID, rewardIDs []snowflake.ID) error {
	tx := db.WithContext(ctx)
	if err := tx.Exec(`DELETE FROM product_mapping_rewards WHERE product_mapping_id = ?`, mappingID).Error; err != nil {
		return err
	}
	for i, rewardID := range rewardIDs {
		if err := tx.Exec(
			`INSERT INTO product_mapping_rewards (product_mapping_id, reward_id, position) VALUES (?, ?, ?)`,
			mappingID, rewardID, i,
		).Error; err != nil {
			return err
		}
	}
	return nil
}

func (r *repo) ListActiveMappingIDsForProduct(ctx context.Context, db *gorm.DB, providerID, productID string) ([]snowflake.ID, error) {
	var ids []snowflake.ID
	err := db.WithContext(ctx).Raw(
		`SELECT m.id FROM product_mappings m
		JOIN product_mapping_products p ON p.product_mapping_id = m.id
		WHERE p.provider_id = ? AND p.product_id = ? AND m.active = ?`,
		providerID, productID, true,
	).Scan(&ids).Error
	return ids, err
}

func (r *repo) CountExistingRewards(ctx context.Context, db *gorm.DB, rewardIDs []snowflake.ID) (int64, error) {
	if len(rewardIDs) == 0 {
		return 0, nil
	}
	var count int64
	err := db.WithContext(ctx).Raw(`SELECT COUNT(*) FROM rewards WHERE id IN ?`, rewardIDs).Scan(&count).Error
	return count, err
}

func (r *repo) loadChildren(ctx context.Context, db *gorm.DB, mappings []domain.ProductMapping) error {
	if len(mappings) == 0 {
		return nil
	}
	ids := make([]snowflake.ID, 0, len(mappings))
	index := make(map[snowflake.ID]int, len(mappings))
	for i := range mappings {
		ids = append(ids, mappings[i].ID)
		index[mappings[i].ID] = i
		mappings[i].Products = []domain.ProviderProduct{}
		mappings[i].RewardIDs = []snowflake.ID{}
	}

	var products []domain.MappingProduct
	if err := db.WithContext(ctx).Raw(
		`SELECT product_mapping_id, provider_id, product_id FROM product_mapping_products
		WHERE product_mapping_id IN ? ORDER BY provider_id, product_id`,
		ids,
	).Scan(&products).Error; err != nil {
		return err
	}
	for _, p := range products {
		i := index[p.ProductMappingID]
		mappings[i].Products = append(mappings[i].Products, domain.ProviderProduct{ProviderID: p.ProviderID, ProductID: p.ProductID})
	}

	var rewards []domain.MappingReward
	if err := db.WithContext(ctx).Raw(
		`SELECT product_mapping_id, reward_id, position FROM product_mapping_rewards
		WHERE product_mapping_id IN ? ORDER BY position`,
		ids,
	).Scan(&rewards).Error; err != nil {
		return err
	}
	for _, rw := range rewards {
		i := index[rw.ProductMappingID]
		mappings[i].RewardIDs = append(mappings[i].RewardIDs, rw.RewardID)
	}
	return nil
}

func (r *repo) UpsertAssociation(ctx context.Context, db *gorm.DB, assoc *domain.UserAssociation) (*domain.UserAssociation, error) {
	existing, err := r.findAssociation(ctx, db,
		associationColumns+` WHERE user_id = ? AND product_mapping_id = ? AND provider_id = ? AND provider_product_id = ?`,
		assoc.UserID, assoc.ProductMappingID, assoc.ProviderID, assoc.ProviderProductID,
	)
	if err != nil {
		return nil, err
	}
	if existing == nil {
		err := db.WithContext(ctx).Exec(
			`INSERT INTO product_mapping_user_associations (
				id, user_id, product_mapping_id, provider_id, provider_product_id, status, assigned_at, expires_at, updated_at
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			assoc.ID, assoc.UserID, assoc.ProductMappingID, assoc.ProviderID, assoc.ProviderProductID,
			assoc.Status, assoc.AssignedAt, assoc.ExpiresAt, assoc.UpdatedAt,
		).Error
		if err != nil {
			return nil, err
		}
		return assoc, nil
	}

	if existing.Status != domain.AssociationActive {
		existing.AssignedAt = assoc.AssignedAt
	}
	existing.Status = assoc.Status
	existing.ExpiresAt = assoc.ExpiresAt
	existing.UpdatedAt = assoc.UpdatedAt
	err = db.WithContext(ctx).Exec(
		`UPDATE product_mapping_user_associations SET status = ?, assigned_at = ?, expires_at = ?, updated_at = ? WHERE id = ?`,
		existing.Status, existing.AssignedAt, existing.ExpiresAt, existing.UpdatedAt, existing.ID,
	).Error
	if err != nil {
		return nil, err
	}
	return existing, nil
}

func (r *repo) DeactivateAssociations(ctx context.Context, db *gorm.DB, userID, providerID, productID string, status domain.AssociationStatus, at time.Time) (int64, error) {
	res := db.WithContext(ctx).Exec(
		`UPDATE product_mapping_user_associations SET status = ?, updated_at = ?
		WHERE user_id = ? AND provider_id = ? AND provider_product_id = ? AND status = ?`,
		status, at, userID, providerID, productID, domain.AssociationActive,
	)
	return res.RowsAffected, res.Error
}

func (r *repo) FindActiveAssociation(ctx context.Context, db *gorm.DB, userID string, mappingID snowflake.ID) (*domain.UserAssociation, error) {
	return r.findAssociation(ctx, db,
		associationColumns+` WHERE user_id = ? AND product_mapping_id = ? AND status = ? ORDER BY assigned_at DESC, id DESC LIMIT 1`,
		userID, mappingID, domain.AssociationActive,
	)
}

func (r *repo) ListActiveAssociationsByMapping(ctx context.Context, db *gorm.DB, mappingID snowflake.ID) ([]domain.UserAssociation, error) {
	var items []domain.UserAssociation
	err := db.WithContext(ctx).Raw(
		associationColumns+` WHERE product_mapping_id = ? AND status = ? ORDER BY user_id ASC, id ASC`,
		mappingID, domain.AssociationActive,
	).Scan(&items).Error
	return items, err
}

func (r *repo) ListActiveAssociationsByUser(ctx context.Context, db *gorm.DB, userID string) ([]domain.UserAssociation, error) {
	var items []domain.UserAssociation
	err := db.WithContext(ctx).Raw(
		associationColumns+` WHERE user_id = ? AND status = ? ORDER BY product_mapping_id ASC, id ASC`,
		userID, domain.AssociationActive,
	).Scan(&items).Error
	return items, err
}

func (r *repo) CountActiveAssociationsByMapping(ctx context.Context, db *gorm.DB, mappingID snowflake.ID) (int64, error) {
	var count int64
	err := db.WithContext(ctx).Raw(
		`SELECT COUNT(*) FROM product_mapping_user_associations WHERE product_mapping_id = ? AND status = ?`,
		mappingID, domain.AssociationActive,
	).Scan(&count).Error
	return count, err
}

func (r *repo) findAssociation(ctx context.Context, db *gorm.DB, query string, args ...any) (*domain.UserAssociation, error) {
	var assoc domain.UserAssociation
	if err := db.WithContext(ctx).Raw(query, args...).Scan(&assoc).Error; err != nil {
		return nil, err
	}
	if assoc.ID == 0 {
		return nil, nil
	}
	return &assoc, nil
}
