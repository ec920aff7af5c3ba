package migration

import (
	"database/sql"
	"errors"
	"fmt"
	"io/fs"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	assignmentdomain "github.com/smallbiznis/rewardsync/internal/assignment/domain"
	auditdomain "github.com/smallbiznis/rewardsync/internal/audit/domain"
	driftdomain "github.com/smallbiznis/rewardsync/internal/drift/domain"
	productmappingdomain "github.com/smallbiznis/rewardsync/internal/productmapping/domain"
	rewarddomain "github.com/smallbiznis/rewardsync/internal/reward/domain"
	rewardeventdomain "github.com/smallbiznis/rewardsync/internal/rewardevent/domain"
	rewardproviderdomain "github.com/smallbiznis/rewardsync/internal/rewardprovider/domain"
	"gorm.io/gorm"
)

// RunMigrations applies the embedded postgres migrations.
func RunMigrations(db *sql.DB) error {
	if db == nil {
		return errors.New("migration database handle is required")
	}

	sub, err := fs.Sub(embeddedMigrations, migrationsDir)
	if err != nil {
		return fmt.Errorf("open migrations: %w", err)
	}

	source, err := iofs.New(sub, ".")
	if err != nil {
		return fmt.Errorf("create migration source: %w", err)
	}

	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("create migration driver: %w", err)
	}

	migrator, err := migrate.NewWithInstance("iofs", source, "postgres", driver)
	if err != nil {
		return fmt.Errorf("create migrator: %w", err)
	}

	upErr := migrator.Up()
	if upErr != nil && !errors.Is(upErr, migrate.ErrNoChange) {
		return fmt.Errorf("apply migrations: %w", upErr)
	}
	// migrator.Close would close the shared *sql.DB

	return nil
}

// Models lists every persisted model, in dependency order.
func Models() []any {
	models := []any{
		&rewarddomain.Reward{},
		&rewardproviderdomain.ProviderConfig{},
		&assignmentdomain.Assignment{},
	}
	models = append(models, productmappingdomain.Models()...)
	return append(models,
		&rewardeventdomain.TierSnapshot{},
		&driftdomain.AccountLink{},
		&auditdomain.AuditLog{},
	)
}

// AutoMigrate creates the schema from the models for databases the SQL
// migrations do not target (mysql, sqlite).
func AutoMigrate(conn *gorm.DB) error {
	if err := conn.AutoMigrate(Models()...); err != nil {
		return fmt.Errorf("auto migrate: %w", err)
	}
	return nil
}
