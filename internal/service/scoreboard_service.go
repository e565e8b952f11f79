package service

import (
	"context"

	"github.com/mlsec-arena/evalengine/internal/models"
	"github.com/mlsec-arena/evalengine/internal/repository"
)

// Scoreboard reads materialized pair scores.
type Scoreboard interface {
	Scores(ctx context.Context, filter repository.PairScoreFilter) ([]models.EvaluationPairScore, error)
}

type scoreboard struct {
	scores repository.PairScoreRepository
}

// NewScoreboard constructs a scoreboard reader.
func NewScoreboard(scores repository.PairScoreRepository) Scoreboard {
	return &scoreboard{scores: scores}
}

func (s *scoreboard) Scores(ctx context.Context, filter repository.PairScoreFilter) ([]models.EvaluationPairScore, error) {
	return s.scores.List(ctx, filter)
}
