package handler

import (
	"errors"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"

	"github.com/noah-isme/judgedispatch/internal/dto"
	"github.com/noah-isme/judgedispatch/internal/service"
	"github.com/noah-isme/judgedispatch/internal/utils"
)

// RejudgingHandler exposes the jury endpoints that manage rejudgings.
type RejudgingHandler struct {
	service   service.RejudgingService
	validator *validator.Validate
	logger    zerolog.Logger
}

// NewRejudgingHandler constructs the handler.
func NewRejudgingHandler(service service.RejudgingService, validator *validator.Validate, logger zerolog.Logger) *RejudgingHandler {
	return &RejudgingHandler{
		service:   service,
		validator: validator,
		logger:    logger.With().Str("component", "rejudging_handler").Logger(),
	}
}

// Register attaches the rejudging routes.
func (h *RejudgingHandler) Register(router fiber.Router) {
	router.Get("", h.list)
	router.Post("", h.create)
	router.Get("/:id", h.get)
	router.Post("/:id/apply", h.apply)
	router.Post("/:id/cancel", h.cancel)
}

func (h *RejudgingHandler) list(c *fiber.Ctx) error {
	includeFinished, err := parseQueryBool(c, "include_finished")
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid include_finished")
	}

	rejudgings, err := h.service.List(requestContext(c), includeFinished)
	if err != nil {
		return h.handleError(c, err)
	}

	return utils.SendSuccess(c, "rejudgings retrieved", rejudgings)
}

func (h *RejudgingHandler) create(c *fiber.Ctx) error {
	var payload dto.CreateRejudgingRequest
	if err := c.BodyParser(&payload); err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid payload")
	}

	result, err := h.service.Create(requestContext(c), userIDFromContext(c), payload)
	if err != nil {
		return h.handleError(c, err)
	}

	message := "rejudging created"
	if result.Rejudging == nil {
		message = "judgings replaced"
	}
	return utils.SendSuccessWithStatus(c, fiber.StatusCreated, message, result)
}

func (h *RejudgingHandler) get(c *fiber.Ctx) error {
	id, err := parseUintParam(c, "id")
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, err.Error())
	}

	rejudging, err := h.service.Get(requestContext(c), id)
	if err != nil {
		return h.handleError(c, err)
	}

	return utils.SendSuccess(c, "rejudging retrieved", rejudging)
}

func (h *RejudgingHandler) apply(c *fiber.Ctx) error {
	id, err := parseUintParam(c, "id")
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, err.Error())
	}

	rejudging, err := h.service.Apply(requestContext(c), id, userIDFromContext(c))
	if err != nil {
		return h.handleError(c, err)
	}

	return utils.SendSuccess(c, "rejudging applied", rejudging)
}

func (h *RejudgingHandler) cancel(c *fiber.Ctx) error {
	id, err := parseUintParam(c, "id")
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, err.Error())
	}

	force, err := parseQueryBool(c, "force")
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid force flag")
	}

	rejudging, err := h.service.Cancel(requestContext(c), id, userIDFromContext(c), force)
	if err != nil {
		return h.handleError(c, err)
	}

	return utils.SendSuccess(c, "rejudging canceled", rejudging)
}

func (h *RejudgingHandler) handleError(c *fiber.Ctx, err error) error {
	if validationErrors, ok := validationError(err); ok {
		return utils.SendError(c, fiber.StatusBadRequest, validationErrors.Error())
	}

	switch {
	case errors.Is(err, service.ErrRejudgingNotFound):
		return utils.SendError(c, fiber.StatusNotFound, "rejudging not found")
	case errors.Is(err, service.ErrRepeatWithAutoApply), errors.Is(err, service.ErrNoMatchingJudgings):
		return utils.SendError(c, fiber.StatusBadRequest, err.Error())
	case errors.Is(err, service.ErrAlreadyRejudging),
		errors.Is(err, service.ErrCohortNotComplete),
		errors.Is(err, service.ErrRejudgingFinished):
		return utils.SendError(c, fiber.StatusConflict, err.Error())
	default:
		requestLogger(h.logger, c).Error().Err(err).Msg("rejudging request failed")
		return utils.SendError(c, fiber.StatusInternalServerError, "internal server error")
	}
}
