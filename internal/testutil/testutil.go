// Package testutil provides shared fixtures for package tests.
package testutil

import (
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"canvas-realtime/internal/database"
	"canvas-realtime/internal/ephemeral"
)

// NewDB opens an isolated in-memory sqlite database with the schema applied.
func NewDB(t testing.TB) *gorm.DB {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)

	require.NoError(t, database.Migrate(db))
	t.Cleanup(func() { _ = sqlDB.Close() })
	return db
}

// NewEphemeral returns an in-memory ephemeral store with a fast janitor.
func NewEphemeral(t testing.TB) *ephemeral.MemoryStore {
	t.Helper()

	s := ephemeral.NewMemoryStore(ephemeral.WithSweepInterval(10 * time.Millisecond))
	t.Cleanup(func() { _ = s.Close() })
	return s
}
