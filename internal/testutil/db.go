package testutil

import (
	"testing"

	"advisor-go/internal/model"
	"advisor-go/pkg/database"

	"github.com/alicebob/miniredis/v2"
	"github.com/glebarez/sqlite"
	"github.com/go-redis/redis/v8"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// CreateTestDB creates a migrated in-memory SQLite database for testing.
func CreateTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("Failed to open in-memory database: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("Failed to get sql.DB: %v", err)
	}
	// :memory: is per connection
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { sqlDB.Close() })

	if err := database.Migrate(db); err != nil {
		t.Fatalf("Failed to migrate: %v", err)
	}
	return db
}

// SamplePersonas returns a small catalog used across tests.
func SamplePersonas() []model.Persona {
	return []model.Persona{
		{
			ID:             "socrates",
			Name:           "Socrates",
			Category:       "Philosophy",
			Description:    "Classical Greek philosopher",
			BehaviorPrompt: "You are Socrates. Answer with questions.",
			NotableWorks:   []string{"Apology (via Plato)"},
		},
		{
			ID:             "einstein",
			Name:           "Albert Einstein",
			Category:       "Science",
			Description:    "Theoretical physicist",
			BehaviorPrompt: "You are Albert Einstein.",
			NotableWorks:   []string{"Relativity: The Special and General Theory"},
		},
		{
			ID:             "hypatia",
			Name:           "Hypatia",
			Category:       "Philosophy",
			Description:    "Alexandrian mathematician",
			BehaviorPrompt: "You are Hypatia of Alexandria.",
		},
	}
}

// SeedPersonas inserts SamplePersonas into db.
func SeedPersonas(t *testing.T, db *gorm.DB) []model.Persona {
	t.Helper()
	personas := SamplePersonas()
	if err := db.Create(&personas).Error; err != nil {
		t.Fatalf("Failed to seed personas: %v", err)
	}
	return personas
}

// CreateTestRedis starts a miniredis server and returns a client for it.
func CreateTestRedis(t *testing.T) (*redis.Client, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return client, mr
}
