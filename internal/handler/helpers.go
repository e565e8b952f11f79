package handler

import (
	"errors"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"

	"github.com/mlsec-arena/evalengine/internal/middleware"
	"github.com/mlsec-arena/evalengine/internal/service"
	"github.com/mlsec-arena/evalengine/internal/utils"
)

func requestLogger(base zerolog.Logger, c *fiber.Ctx) *zerolog.Logger {
	logger := base
	if c != nil {
		if correlation := middleware.GetCorrelationID(c); correlation != "" {
			logger = base.With().Str("correlation_id", correlation).Logger()
		}
	}
	return &logger
}

func isValidationError(err error) bool {
	var validationErrors validator.ValidationErrors
	return errors.As(err, &validationErrors)
}

// respondError maps domain sentinels onto HTTP statuses.
func respondError(c *fiber.Ctx, logger zerolog.Logger, err error) error {
	switch {
	case errors.Is(err, service.ErrSubmissionNotFound):
		return utils.SendError(c, fiber.StatusNotFound, "submission not found")
	case errors.Is(err, service.ErrRunNotFound):
		return utils.SendError(c, fiber.StatusNotFound, "evaluation run not found")
	case errors.Is(err, service.ErrSubmissionDeleted):
		return utils.SendError(c, fiber.StatusGone, "submission deleted")
	case errors.Is(err, service.ErrSubmissionTypeMismatch):
		return utils.SendError(c, fiber.StatusBadRequest, "submission type mismatch")
	case errors.Is(err, service.ErrInvalidSubmissionType):
		return utils.SendError(c, fiber.StatusBadRequest, "invalid submission type")
	case errors.Is(err, service.ErrRunInProgress):
		return utils.SendError(c, fiber.StatusConflict, "evaluation already in progress for pair")
	case isValidationError(err):
		return utils.SendError(c, fiber.StatusBadRequest, err.Error())
	default:
		requestLogger(logger, c).Error().Err(err).Msg("internal server error")
		return utils.SendError(c, fiber.StatusInternalServerError, "internal server error")
	}
}
