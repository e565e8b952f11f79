package database

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/mlsec-arena/evalengine/internal/models"
)

func TestMigrateEnforcesSingleOpenRunPerPair(t *testing.T) {
	db, err := gorm.Open(sqlite.Open("file:"+uuid.NewString()+"?mode=memory&cache=shared"), GormConfig())
	require.NoError(t, err)
	require.NoError(t, Migrate(db))
	require.NoError(t, Migrate(db), "migration must be repeatable")

	first := models.EvaluationRun{DefenseSubmissionID: "d1", AttackSubmissionID: "a1", Status: models.RunStatusQueued, Scope: models.ScopeZip}
	require.NoError(t, db.Create(&first).Error)

	duplicate := models.EvaluationRun{DefenseSubmissionID: "d1", AttackSubmissionID: "a1", Status: models.RunStatusRunning, Scope: models.ScopeZip}
	require.Error(t, db.Create(&duplicate).Error)

	require.NoError(t, db.Model(&models.EvaluationRun{}).Where("id = ?", first.ID).Update("status", models.RunStatusDone).Error)

	next := models.EvaluationRun{DefenseSubmissionID: "d1", AttackSubmissionID: "a1", Status: models.RunStatusQueued, Scope: models.ScopeZip}
	require.NoError(t, db.Create(&next).Error)
}
