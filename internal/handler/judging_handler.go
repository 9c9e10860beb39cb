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

const defaultQueueLimit = 100

// JudgingHandler exposes jury endpoints that start judgings and inspect the queue.
type JudgingHandler struct {
	service   service.JobService
	validator *validator.Validate
	logger    zerolog.Logger
}

// NewJudgingHandler constructs the handler.
func NewJudgingHandler(service service.JobService, validator *validator.Validate, logger zerolog.Logger) *JudgingHandler {
	return &JudgingHandler{
		service:   service,
		validator: validator,
		logger:    logger.With().Str("component", "judging_handler").Logger(),
	}
}

// RegisterSubmissions attaches the submission endpoints.
func (h *JudgingHandler) RegisterSubmissions(router fiber.Router) {
	router.Post("/:id/judge", h.judge)
}

// RegisterJudgings attaches the judging endpoints.
func (h *JudgingHandler) RegisterJudgings(router fiber.Router) {
	router.Get("/:id", h.get)
	router.Post("/:id/judge-remaining", h.judgeRemaining)
}

// RegisterQueue attaches the queue listing.
func (h *JudgingHandler) RegisterQueue(router fiber.Router) {
	router.Get("", h.queue)
}

func (h *JudgingHandler) judge(c *fiber.Ctx) error {
	id, err := parseUintParam(c, "id")
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, err.Error())
	}

	var payload dto.JudgeSubmissionRequest
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&payload); err != nil {
			return utils.SendError(c, fiber.StatusBadRequest, "invalid payload")
		}
	}
	if err := h.validator.Struct(payload); err != nil {
		return h.handleError(c, err)
	}

	judging, err := h.service.Judge(requestContext(c), id, payload)
	if err != nil {
		return h.handleError(c, err)
	}

	return utils.SendSuccessWithStatus(c, fiber.StatusCreated, "judging queued", judging)
}

func (h *JudgingHandler) get(c *fiber.Ctx) error {
	id, err := parseUintParam(c, "id")
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, err.Error())
	}

	judging, err := h.service.GetJudging(requestContext(c), id)
	if err != nil {
		return h.handleError(c, err)
	}

	return utils.SendSuccess(c, "judging retrieved", judging)
}

func (h *JudgingHandler) judgeRemaining(c *fiber.Ctx) error {
	id, err := parseUintParam(c, "id")
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, err.Error())
	}

	judging, err := h.service.JudgeRemaining(requestContext(c), id)
	if err != nil {
		return h.handleError(c, err)
	}

	return utils.SendSuccess(c, "remaining testcases queued", judging)
}

func (h *JudgingHandler) queue(c *fiber.Ctx) error {
	limit, err := parseQueryInt(c, "limit")
	if err != nil || limit < 0 {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid limit")
	}
	if limit == 0 {
		limit = defaultQueueLimit
	}

	tasks, err := h.service.Queue(requestContext(c), limit)
	if err != nil {
		return h.handleError(c, err)
	}

	return utils.SendSuccess(c, "queue retrieved", tasks)
}

func (h *JudgingHandler) handleError(c *fiber.Ctx, err error) error {
	if validationErrors, ok := validationError(err); ok {
		return utils.SendError(c, fiber.StatusBadRequest, validationErrors.Error())
	}

	switch {
	case errors.Is(err, service.ErrSubmissionNotFound):
		return utils.SendError(c, fiber.StatusNotFound, "submission not found")
	case errors.Is(err, service.ErrJudgingNotFound):
		return utils.SendError(c, fiber.StatusNotFound, "judging not found")
	case errors.Is(err, service.ErrInvalidSubmissionState):
		return utils.SendError(c, fiber.StatusConflict, err.Error())
	default:
		requestLogger(h.logger, c).Error().Err(err).Msg("judging request failed")
		return utils.SendError(c, fiber.StatusInternalServerError, "internal server error")
	}
}
