package database

import (
	"fmt"

	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/pushit-labs/pushit/backend/internal/holds"
	"github.com/pushit-labs/pushit/backend/internal/polls"
	"github.com/pushit-labs/pushit/backend/internal/users"
	"github.com/pushit-labs/pushit/backend/internal/votes"
)

// OpenSQLite establishes a SQLite connection and performs schema migrations.
func OpenSQLite(path string, logger *zap.Logger) (*gorm.DB, error) {
	if path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{})
	if err != nil {
		return nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)

	if err := Migrate(db, logger); err != nil {
		return nil, err
	}

	if logger != nil {
		logger.Info("database initialized", zap.String("path", path))
	}

	return db, nil
}

// Migrate applies the schema and named data migrations to an open handle.
// Exposed separately so tests can run it against in-memory databases.
func Migrate(db *gorm.DB, logger *zap.Logger) error {
	if err := db.AutoMigrate(
		&holds.Session{},
		&polls.Poll{},
		&polls.Option{},
		&polls.SavedPoll{},
		&polls.HiddenPoll{},
		&polls.Boost{},
		&votes.Vote{},
		&users.Profile{},
		&migrationRecord{},
	); err != nil {
		return err
	}
	return applyMigrations(db, logger)
}
