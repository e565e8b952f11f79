package repository

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/mlsec-arena/evalengine/internal/database"
	"github.com/mlsec-arena/evalengine/internal/models"
)

func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open("file:"+uuid.NewString()+"?mode=memory&cache=shared"), database.GormConfig())
	require.NoError(t, err)
	require.NoError(t, database.Migrate(db))

	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	return db
}

func seedSubmission(t *testing.T, db *gorm.DB, userID, submissionType string) models.Submission {
	t.Helper()
	submission := models.Submission{
		UserID:         userID,
		SubmissionType: submissionType,
		Version:        "v1",
		ArtifactRef:    "artifacts/" + uuid.NewString(),
	}
	require.NoError(t, db.Create(&submission).Error)
	return submission
}

func seedRun(t *testing.T, db *gorm.DB, defenseID, attackID, status string, createdAt time.Time) models.EvaluationRun {
	t.Helper()
	run := models.EvaluationRun{
		DefenseSubmissionID: defenseID,
		AttackSubmissionID:  attackID,
		Status:              status,
		Scope:               models.ScopeZip,
		CreatedAt:           createdAt,
	}
	require.NoError(t, db.Create(&run).Error)
	return run
}
