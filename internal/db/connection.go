package db

import (
	"fmt"
	"log"
	"os"

	"github.com/cicd-fixer/backend/internal/models"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var DB *gorm.DB

// Connect initializes the database connection
func Connect() {
	dsn := fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%s sslmode=%s",
		os.Getenv("DB_HOST"),
		os.Getenv("DB_USER"),
		os.Getenv("DB_PASSWORD"),
		os.Getenv("DB_NAME"),
		os.Getenv("DB_PORT"),
		os.Getenv("DB_SSLMODE"),
	)

	var err error
	DB, err = gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Error), // Reduce logging to avoid issues
	})

	if err != nil {
		log.Fatal("Failed to connect to database:", err)
	}

	log.Println("✅ Database connected successfully")
}

// AutoMigrate runs database migrations
func AutoMigrate() {
	if err := Migrate(DB); err != nil {
		log.Printf("Migration failed: %v", err)
		return
	}
	log.Println("✅ All database migrations completed successfully")
}

// Migrate runs the schema migrations against the given connection. Order
// matters: failure_analyses references workflow_runs, fix_history
// references failure_analyses.
func Migrate(conn *gorm.DB) error {
	migrations := []struct {
		name  string
		model interface{}
	}{
		{"WorkflowRun", &models.WorkflowRun{}},
		{"FailureAnalysis", &models.FailureAnalysis{}},
		{"FixHistory", &models.FixHistory{}},
		{"MLPrediction", &models.MLPrediction{}},
		{"RepositoryProfile", &models.RepositoryProfile{}},
		{"AnalyticsMetric", &models.AnalyticsMetric{}},
	}

	for _, m := range migrations {
		if err := conn.AutoMigrate(m.model); err != nil {
			return fmt.Errorf("%s migration failed: %w", m.name, err)
		}
		log.Printf("✅ %s table migrated successfully", m.name)
	}
	return nil
}

// GetDB returns the database instance
func GetDB() *gorm.DB {
	return DB
}
