package handler

import (
	"errors"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"

	"github.com/mlsec-arena/evalengine/internal/dto"
	"github.com/mlsec-arena/evalengine/internal/middleware"
	"github.com/mlsec-arena/evalengine/internal/repository"
	"github.com/mlsec-arena/evalengine/internal/service"
	"github.com/mlsec-arena/evalengine/internal/utils"
)

// EvaluationHandler exposes manual re-triggers, run lookup and pair scores.
type EvaluationHandler struct {
	coordinator service.RunCoordinator
	scoreboard  service.Scoreboard
	validator   *validator.Validate
	logger      zerolog.Logger
}

// NewEvaluationHandler builds an evaluation handler instance.
func NewEvaluationHandler(coordinator service.RunCoordinator, scoreboard service.Scoreboard, validator *validator.Validate, logger zerolog.Logger) *EvaluationHandler {
	return &EvaluationHandler{
		coordinator: coordinator,
		scoreboard:  scoreboard,
		validator:   validator,
		logger:      logger.With().Str("component", "evaluation_handler").Logger(),
	}
}

// Register attaches the routes to the provided router group. trigger guards the manual re-trigger
// route and may be nil.
func (h *EvaluationHandler) Register(router fiber.Router, trigger fiber.Handler) {
	if trigger != nil {
		router.Post("", trigger, h.trigger)
	} else {
		router.Post("", h.trigger)
	}
	router.Get("/runs/:id", h.run)
	router.Get("/scores", h.scores)
}

func (h *EvaluationHandler) trigger(c *fiber.Ctx) error {
	var payload dto.TriggerEvaluationRequest
	if err := c.BodyParser(&payload); err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid request body")
	}
	if err := h.validator.Struct(payload); err != nil {
		return respondError(c, h.logger, err)
	}

	pair := repository.PairKey{
		DefenseSubmissionID: payload.DefenseSubmissionID,
		AttackSubmissionID:  payload.AttackSubmissionID,
	}
	run, err := h.coordinator.Trigger(c.UserContext(), pair, service.ScheduleOptions{
		Scope:                    payload.Scope,
		IncludeBehaviorDifferent: payload.IncludeBehaviorDifferent,
		CorrelationID:            middleware.GetCorrelationID(c),
	})
	if errors.Is(err, service.ErrRunInProgress) {
		return utils.SendErrorWithDetails(c, fiber.StatusConflict, "evaluation already in progress for pair", dto.PairResponse{
			DefenseSubmissionID: pair.DefenseSubmissionID,
			AttackSubmissionID:  pair.AttackSubmissionID,
		})
	}
	if err != nil {
		return respondError(c, h.logger, err)
	}

	requestLogger(h.logger, c).Info().Str("run_id", run.ID).Msg("manual evaluation queued")
	return utils.SendSuccessWithStatus(c, fiber.StatusAccepted, "evaluation queued", dto.NewRunResponse(run))
}

func (h *EvaluationHandler) run(c *fiber.Ctx) error {
	run, err := h.coordinator.GetRun(c.UserContext(), c.Params("id"))
	if err != nil {
		return respondError(c, h.logger, err)
	}
	return utils.SendSuccess(c, "evaluation run retrieved", dto.NewRunResponse(run))
}

func (h *EvaluationHandler) scores(c *fiber.Ctx) error {
	var query dto.PairScoreQuery
	if err := c.QueryParser(&query); err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid query")
	}
	if err := h.validator.Struct(query); err != nil {
		return respondError(c, h.logger, err)
	}

	scores, err := h.scoreboard.Scores(c.UserContext(), repository.PairScoreFilter{
		DefenseSubmissionID: query.DefenseSubmissionID,
		AttackSubmissionID:  query.AttackSubmissionID,
	})
	if err != nil {
		return respondError(c, h.logger, err)
	}
	return utils.SendSuccess(c, "pair scores retrieved", dto.NewPairScoreResponses(scores))
}
