package cmd

import (
	"github.com/af-t/disco/disco"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"os"
	"path/filepath"
	"testing"
)

func TestInitCommand(t *testing.T) {
	resetConfig(t)

	dbPath := filepath.Join(t.TempDir(), "data", "test.db")
	t.Setenv("DISCO_DATABASE_TYPE", "sqlite")
	t.Setenv("DISCO_DATABASE", dbPath)

	output := executeRoot(t, "init")
	t.Logf("output: %s", output)

	_, err := os.Stat(dbPath)
	assert.NoError(t, err, "Database file should exist")
	assert.Contains(t, output, "Database ready (sqlite, 0 messages logged)")
	assert.Contains(t, output, "Initialization complete")

	db, err := gorm.Open(sqlite.Open(dbPath))
	require.NoError(t, err)
	t.Cleanup(
		func() {
			sqlDB, _ := db.DB()
			if sqlDB != nil {
				_ = sqlDB.Close()
			}
		},
	)

	mg := db.Migrator()
	assert.True(t, mg.HasTable(&disco.DiscordMessage{}))
	assert.True(t, mg.HasTable(&disco.InteractionLog{}))

	// running it again leaves the existing database in place
	output = executeRoot(t, "init")
	assert.Contains(t, output, "Initialization complete")
}
