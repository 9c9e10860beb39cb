package handler

import (
	"errors"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"

	"github.com/noah-isme/judgedispatch/internal/models"
	"github.com/noah-isme/judgedispatch/internal/service"
	"github.com/noah-isme/judgedispatch/internal/utils"
)

// InternalErrorHandler lets the jury review and close internal errors.
type InternalErrorHandler struct {
	service   service.InternalErrorService
	validator *validator.Validate
	logger    zerolog.Logger
}

// NewInternalErrorHandler constructs the handler.
func NewInternalErrorHandler(service service.InternalErrorService, validator *validator.Validate, logger zerolog.Logger) *InternalErrorHandler {
	return &InternalErrorHandler{
		service:   service,
		validator: validator,
		logger:    logger.With().Str("component", "internal_error_handler").Logger(),
	}
}

// Register attaches the internal error routes.
func (h *InternalErrorHandler) Register(router fiber.Router) {
	router.Get("", h.list)
	router.Post("/:id/resolve", h.close(models.InternalErrorStatusResolved))
	router.Post("/:id/ignore", h.close(models.InternalErrorStatusIgnored))
}

func (h *InternalErrorHandler) list(c *fiber.Ctx) error {
	records, err := h.service.List(requestContext(c), c.Query("status"))
	if err != nil {
		return h.handleError(c, err)
	}

	return utils.SendSuccess(c, "internal errors retrieved", records)
}

func (h *InternalErrorHandler) close(status string) fiber.Handler {
	return func(c *fiber.Ctx) error {
		id, err := parseUintParam(c, "id")
		if err != nil {
			return utils.SendError(c, fiber.StatusBadRequest, err.Error())
		}

		record, err := h.service.Resolve(requestContext(c), id, status)
		if err != nil {
			return h.handleError(c, err)
		}

		return utils.SendSuccess(c, "internal error "+status, record)
	}
}

func (h *InternalErrorHandler) handleError(c *fiber.Ctx, err error) error {
	if validationErrors, ok := validationError(err); ok {
		return utils.SendError(c, fiber.StatusBadRequest, validationErrors.Error())
	}

	switch {
	case errors.Is(err, service.ErrInternalErrorNotFound):
		return utils.SendError(c, fiber.StatusNotFound, "internal error not found")
	case errors.Is(err, service.ErrInternalErrorClosed):
		return utils.SendError(c, fiber.StatusConflict, err.Error())
	default:
		requestLogger(h.logger, c).Error().Err(err).Msg("internal error request failed")
		return utils.SendError(c, fiber.StatusInternalServerError, "internal server error")
	}
}
