package repository

import (
	"context"

	"github.com/smallbiznis/rewardsync/internal/drift/domain"
	"gorm.io/gorm"
)

const linkColumns = `SELECT id, provider_id, user_id, member_id, email, created_at, updated_at FROM provider_account_links`

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) FindLink(ctx context.Context, db *gorm.DB, providerID, memberID string) (*domain.AccountLink, error) {
	var link domain.AccountLink
	err := db.WithContext(ctx).Raw(linkColumns+` WHERE provider_id = ? AND member_id = ?`, providerID, memberID).Scan(&link).Error
	if err != nil {
		return nil, err
	}
	if link.ID == 0 {
		return nil, nil
	}
	return &link, nil
}

func (r *repo) InsertLink(ctx context.Context, db *gorm.DB, link *domain.AccountLink) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO provider_account_links (id, provider_id, user_id, member_id, email, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		link.ID, link.ProviderID, link.UserID, link.MemberID, link.Email, link.CreatedAt, link.UpdatedAt,
	).Error
}

func (r *repo) UpdateLink(ctx context.Context, db *gorm.DB, link *domain.AccountLink) error {
	return db.WithContext(ctx).Exec(
		`UPDATE provider_account_links SET user_id = ?, email = ?, updated_at = ? WHERE id = ?`,
		link.UserID, link.Email, link.UpdatedAt, link.ID,
	).Error
}

func (r *repo) ListLinks(ctx context.Context, db *gorm.DB, providerID string) ([]domain.AccountLink, error) {
	var links []domain.AccountLink
	err := db.WithContext(ctx).Raw(linkColumns+` WHERE provider_id = ? ORDER BY member_id ASC`, providerID).Scan(&links).Error
	return links, err
}
