package database

import (
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"

	"github.com/pushit-labs/pushit/backend/internal/holds"
)

func openMigratedDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open in-memory database: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access sql handle: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	if err := Migrate(db, nil); err != nil {
		t.Fatalf("unexpected migrate error: %v", err)
	}
	return db
}

func TestMigrateCreatesSchema(t *testing.T) {
	db := openMigratedDB(t)

	for _, table := range []string{
		"button_holds",
		"polls",
		"poll_options",
		"saved_polls",
		"hidden_polls",
		"poll_boosts",
		"user_votes",
		"profiles",
		"db_migrations",
	} {
		if !db.Migrator().HasTable(table) {
			t.Fatalf("expected table %q to exist", table)
		}
	}
}

func TestMigrateRecordsNamedMigrationsOnce(t *testing.T) {
	db := openMigratedDB(t)

	var before int64
	if err := db.Model(&migrationRecord{}).Count(&before).Error; err != nil {
		t.Fatalf("unexpected count error: %v", err)
	}
	if before == 0 {
		t.Fatalf("expected named migrations to be recorded")
	}

	// Running again is a no-op: records keep a single row per migration.
	if err := Migrate(db, nil); err != nil {
		t.Fatalf("unexpected repeat migrate error: %v", err)
	}
	var after int64
	if err := db.Model(&migrationRecord{}).Count(&after).Error; err != nil {
		t.Fatalf("unexpected count error: %v", err)
	}
	if after != before {
		t.Fatalf("expected migration records unchanged, got %d then %d", before, after)
	}
}

func TestBackfillNormalizesNullLocationLabels(t *testing.T) {
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open in-memory database: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access sql handle: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)

	// Seed a pre-migration row with a NULL label, then migrate.
	if err := db.AutoMigrate(&holds.Session{}); err != nil {
		t.Fatalf("failed to create hold table: %v", err)
	}
	if err := db.Exec(
		"INSERT INTO button_holds (id, owner_id, target_kind, target_id, started_at, is_active, location_label) VALUES (?, ?, ?, ?, ?, ?, NULL)",
		"legacy-1", "user-1", string(holds.TargetGlobalButton), "", time.Unix(1700000000, 0).UTC(), true,
	).Error; err != nil {
		t.Fatalf("failed to seed legacy row: %v", err)
	}

	if err := Migrate(db, nil); err != nil {
		t.Fatalf("unexpected migrate error: %v", err)
	}

	var label string
	if err := db.Raw("SELECT location_label FROM button_holds WHERE id = ?", "legacy-1").Scan(&label).Error; err != nil {
		t.Fatalf("unexpected query error: %v", err)
	}
	if label != "" {
		t.Fatalf("expected NULL label normalized to empty string, got %q", label)
	}
}
