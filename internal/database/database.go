package database

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/lingvo-space/core/internal/config"
	"github.com/lingvo-space/core/internal/models"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Connect opens the configured database and optionally runs auto-migration.
func Connect(cfg *config.AppConfig, autoMigrate bool) (*gorm.DB, error) {
	db, err := Open(cfg.Database.Driver, cfg.DSN, resolveLogLevel(cfg))
	if err != nil {
		return nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("resolve sql db: %w", err)
	}
	switch {
	case cfg.Database.Driver == "sqlite":
		// A single writer avoids SQLITE_BUSY under concurrent sweeps.
		sqlDB.SetMaxOpenConns(1)
	case cfg.Database.MaxOpenConns > 0:
		sqlDB.SetMaxOpenConns(cfg.Database.MaxOpenConns)
	}

	if autoMigrate {
		if err := Migrate(db); err != nil {
			return nil, fmt.Errorf("migration failed: %w", err)
		}
	}
	return db, nil
}

func resolveLogLevel(cfg *config.AppConfig) logger.LogLevel {
	if cfg.IsDev() && cfg.Log.Level == "debug" {
		return logger.Info
	}
	return logger.Warn
}

// Open opens a gorm connection for driver ("mysql" or "sqlite"). Timestamps
// are generated in UTC.
func Open(driver, dsn string, logLevel logger.LogLevel) (*gorm.DB, error) {
	var dialector gorm.Dialector
	switch driver {
	case "mysql":
		dialector = mysql.New(mysql.Config{
			DSN:               dsn,
			DefaultStringSize: 191,
		})
	case "sqlite":
		if dir := filepath.Dir(sqlitePath(dsn)); dir != "" && dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("create sqlite dir: %w", err)
			}
		}
		dialector = sqlite.Open(dsn)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger:  logger.Default.LogMode(logLevel),
		NowFunc: func() time.Time { return time.Now().UTC() },
	})
	if err != nil {
		return nil, fmt.Errorf("database connection failed: %w", err)
	}
	return db, nil
}

func sqlitePath(dsn string) string {
	path, _, _ := strings.Cut(dsn, "?")
	return path
}

// Migrate runs GORM auto-migration for the pipeline models. The lessons
// table is included so single-node deployments and tests have it; in
// production it already exists and is owned by the booking system.
func Migrate(db *gorm.DB) error {
	if err := db.AutoMigrate(
		&models.Transcript{},
		&models.TranscriptSegment{},
		&models.AudioChunk{},
		&models.Analysis{},
		&models.LessonModel{},
	); err != nil {
		return err
	}

	if db.Dialector.Name() == "mysql" {
		if err := db.Exec("ALTER TABLE `transcripts` MODIFY COLUMN `metadata` LONGTEXT NULL").Error; err != nil {
			return err
		}
	}
	return nil
}
