// Package databasetest opens throwaway sqlite databases for package tests.
package databasetest

import (
	"path/filepath"
	"testing"

	"github.com/lingvo-space/core/internal/database"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Open returns a migrated sqlite database in a temporary directory that is
// removed when the test ends.
func Open(t testing.TB) *gorm.DB {
	t.Helper()

	path := filepath.Join(t.TempDir(), "test.db")
	db, err := database.Open("sqlite", path+"?_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)", logger.Silent)
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	if err := database.Migrate(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db
}
