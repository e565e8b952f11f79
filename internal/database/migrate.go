package database

import (
	"fmt"

	"gorm.io/gorm"

	"github.com/mlsec-arena/evalengine/internal/models"
)

// openRunIndex allows at most one queued or running run per (defense, attack) pair.
const openRunIndex = `CREATE UNIQUE INDEX IF NOT EXISTS idx_evaluation_runs_open_pair
ON evaluation_runs (defense_submission_id, attack_submission_id)
WHERE status IN ('queued', 'running')`

// Migrate creates or updates the evaluation schema.
func Migrate(db *gorm.DB) error {
	if err := db.AutoMigrate(models.All()...); err != nil {
		return fmt.Errorf("auto migrate: %w", err)
	}
	if err := db.Exec(openRunIndex).Error; err != nil {
		return fmt.Errorf("create open run index: %w", err)
	}
	return nil
}
