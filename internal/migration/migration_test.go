package migration

import (
	"io/fs"
	"strings"
	"testing"

	"github.com/smallbiznis/rewardsync/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func TestEmbeddedMigrationsArePaired(t *testing.T) {
	entries, err := fs.ReadDir(embeddedMigrations, migrationsDir)
	require.NoError(t, err)
	require.NotEmpty(t, entries)

	ups := map[string]bool{}
	downs := map[string]bool{}
	for _, e := range entries {
		name := e.Name()
		switch {
		case strings.HasSuffix(name, ".up.sql"):
			ups[strings.TrimSuffix(name, ".up.sql")] = true
		case strings.HasSuffix(name, ".down.sql"):
			downs[strings.TrimSuffix(name, ".down.sql")] = true
		}
	}
	assert.Equal(t, ups, downs)
}

func TestEmbeddedMigrationsCoverEveryTable(t *testing.T) {
	var all strings.Builder
	entries, err := fs.ReadDir(embeddedMigrations, migrationsDir)
	require.NoError(t, err)
	for _, e := range entries {
		if !strings.HasSuffix(e.Name(), ".up.sql") {
			continue
		}
		body, err := fs.ReadFile(embeddedMigrations, migrationsDir+"/"+e.Name())
		require.NoError(t, err)
		all.Write(body)
	}

	db := testutil.NewTestDB(t)
	for _, model := range Models() {
		stmt := &gorm.Statement{DB: db}
		require.NoError(t, stmt.Parse(model))
		table := stmt.Schema.Table
		assert.Contains(t, all.String(), "CREATE TABLE IF NOT EXISTS "+table+" ", "missing table %s", table)
	}
}

func TestAutoMigrateCreatesSchema(t *testing.T) {
	db := testutil.NewTestDB(t)
	require.NoError(t, AutoMigrate(db))

	for _, table := range []string{"rewards", "reward_assignments", "product_mapping_user_associations", "provider_account_links", "audit_logs"} {
		assert.True(t, db.Migrator().HasTable(table), table)
	}
}
