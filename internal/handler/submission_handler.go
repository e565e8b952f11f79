package handler

import (
	"strconv"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"

	"github.com/mlsec-arena/evalengine/internal/dto"
	"github.com/mlsec-arena/evalengine/internal/service"
	"github.com/mlsec-arena/evalengine/internal/utils"
)

// SubmissionHandler exposes activation and deactivation of submissions.
type SubmissionHandler struct {
	registry  service.SubmissionRegistry
	jobs      service.SubmissionJobs
	validator *validator.Validate
	logger    zerolog.Logger
}

// NewSubmissionHandler builds a submission handler instance.
func NewSubmissionHandler(registry service.SubmissionRegistry, jobs service.SubmissionJobs, validator *validator.Validate, logger zerolog.Logger) *SubmissionHandler {
	return &SubmissionHandler{
		registry:  registry,
		jobs:      jobs,
		validator: validator,
		logger:    logger.With().Str("component", "submission_handler").Logger(),
	}
}

// Register attaches the routes to the provided router group.
func (h *SubmissionHandler) Register(router fiber.Router) {
	router.Get("/active", h.active)
	router.Post("/:id/activate", h.activate)
	router.Post("/:id/jobs", h.requestJob)
	router.Delete("/:id", h.deactivate)
}

func (h *SubmissionHandler) activate(c *fiber.Ctx) error {
	result, err := h.registry.Activate(c.UserContext(), c.Params("id"))
	if err != nil {
		return respondError(c, h.logger, err)
	}

	message := "submission activated"
	switch {
	case !result.Active:
		message = "activation superseded by a newer submission"
	case len(result.Schedule.Failed) > 0:
		message = "submission activated; some pairs could not be scheduled"
	}
	return utils.SendSuccess(c, message, dto.ActivationResponse{
		Submission:      dto.NewSubmissionResponse(result.Submission),
		Active:          result.Active,
		RunsCreated:     dto.NewRunResponses(result.Schedule.Created),
		PairsInProgress: dto.NewPairResponses(result.Schedule.InProgress),
		PairsFailed:     dto.NewPairResponses(result.Schedule.Failed),
	})
}

// requestJob queues archive ingest for an attack or the functional check for a defense.
func (h *SubmissionHandler) requestJob(c *fiber.Ctx) error {
	var payload dto.SubmissionJobRequest
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&payload); err != nil {
			return utils.SendError(c, fiber.StatusBadRequest, "invalid request body")
		}
		if err := h.validator.Struct(payload); err != nil {
			return respondError(c, h.logger, err)
		}
	}

	job, err := h.jobs.Request(c.UserContext(), c.Params("id"), payload.RequestedByUserID)
	if err != nil {
		return respondError(c, h.logger, err)
	}
	return utils.SendSuccessWithStatus(c, fiber.StatusAccepted, "job queued", dto.NewJobResponse(job))
}

func (h *SubmissionHandler) deactivate(c *fiber.Ctx) error {
	purge := false
	if raw := c.Query("purge_scores"); raw != "" {
		parsed, err := strconv.ParseBool(raw)
		if err != nil {
			return utils.SendError(c, fiber.StatusBadRequest, "purge_scores must be a boolean")
		}
		purge = parsed
	}

	if err := h.registry.Deactivate(c.UserContext(), c.Params("id"), purge); err != nil {
		return respondError(c, h.logger, err)
	}
	return utils.SendSuccess(c, "submission deactivated", fiber.Map{"purged_scores": purge})
}

func (h *SubmissionHandler) active(c *fiber.Ctx) error {
	var query dto.ActiveSubmissionQuery
	if err := c.QueryParser(&query); err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid query")
	}
	if err := h.validator.Struct(query); err != nil {
		return respondError(c, h.logger, err)
	}

	submission, err := h.registry.CurrentActive(c.UserContext(), query.UserID, query.Type)
	if err != nil {
		return respondError(c, h.logger, err)
	}
	if submission == nil {
		return utils.SendError(c, fiber.StatusNotFound, "no active submission")
	}
	return utils.SendSuccess(c, "active submission retrieved", dto.NewSubmissionResponse(*submission))
}
