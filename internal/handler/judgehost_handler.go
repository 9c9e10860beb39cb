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

// JudgehostHandler serves the endpoints judgehosts call to fetch work and report results.
type JudgehostHandler struct {
	service   service.DispatchService
	validator *validator.Validate
	logger    zerolog.Logger
}

// NewJudgehostHandler constructs the handler.
func NewJudgehostHandler(service service.DispatchService, validator *validator.Validate, logger zerolog.Logger) *JudgehostHandler {
	return &JudgehostHandler{
		service:   service,
		validator: validator,
		logger:    logger.With().Str("component", "judgehost_handler").Logger(),
	}
}

// Register attaches the registration endpoint. The per-judgehost endpoints are attached by
// RegisterHost so the router can guard them separately.
func (h *JudgehostHandler) Register(router fiber.Router) {
	router.Post("", h.register)
}

// RegisterHost attaches the endpoints scoped to one judgehost.
func (h *JudgehostHandler) RegisterHost(router fiber.Router, poll ...fiber.Handler) {
	router.Post("/:id/poll", append(poll, h.poll)...)
	router.Post("/:id/report", h.reportRun)
	router.Post("/:id/compile", h.reportCompile)
	router.Post("/:id/internal-error", h.reportInternalError)
}

// RegisterAdmin attaches the jury endpoints that inspect and toggle judgehosts.
func (h *JudgehostHandler) RegisterAdmin(router fiber.Router) {
	router.Get("", h.list)
	router.Patch("/:id", h.setEnabled)
}

// RegisterTasks attaches the judge task inspection endpoint.
func (h *JudgehostHandler) RegisterTasks(router fiber.Router) {
	router.Get("/:id/state", h.taskState)
}

func (h *JudgehostHandler) register(c *fiber.Ctx) error {
	var payload dto.RegisterJudgehostRequest
	if err := c.BodyParser(&payload); err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid payload")
	}

	judgehost, err := h.service.Register(requestContext(c), payload)
	if err != nil {
		return h.handleError(c, err)
	}

	return utils.SendSuccess(c, "judgehost registered", judgehost)
}

func (h *JudgehostHandler) poll(c *fiber.Ctx) error {
	id, err := parseUintParam(c, "id")
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, err.Error())
	}

	var payload dto.PollRequest
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&payload); err != nil {
			return utils.SendError(c, fiber.StatusBadRequest, "invalid payload")
		}
	}

	response, err := h.service.Poll(requestContext(c), id, payload)
	if err != nil {
		return h.handleError(c, err)
	}

	message := "judge tasks assigned"
	if len(response.Tasks) == 0 {
		message = "no work available"
	}
	return utils.SendSuccess(c, message, response)
}

func (h *JudgehostHandler) reportRun(c *fiber.Ctx) error {
	id, err := parseUintParam(c, "id")
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, err.Error())
	}

	var payload dto.RunReport
	if err := c.BodyParser(&payload); err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid payload")
	}

	ack, err := h.service.ReportRun(requestContext(c), id, payload)
	if err != nil {
		return h.handleError(c, err)
	}

	return utils.SendSuccess(c, "run recorded", ack)
}

func (h *JudgehostHandler) reportCompile(c *fiber.Ctx) error {
	id, err := parseUintParam(c, "id")
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, err.Error())
	}

	var payload dto.CompileReport
	if err := c.BodyParser(&payload); err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid payload")
	}

	if err := h.service.ReportCompile(requestContext(c), id, payload); err != nil {
		return h.handleError(c, err)
	}

	return utils.SendSuccess(c, "compile result recorded", fiber.Map{"judgetaskid": payload.JudgeTaskID})
}

func (h *JudgehostHandler) reportInternalError(c *fiber.Ctx) error {
	id, err := parseUintParam(c, "id")
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, err.Error())
	}

	var payload dto.InternalErrorReport
	if err := c.BodyParser(&payload); err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid payload")
	}

	internalError, err := h.service.ReportInternalError(requestContext(c), id, payload)
	if err != nil {
		return h.handleError(c, err)
	}

	return utils.SendSuccessWithStatus(c, fiber.StatusCreated, "internal error recorded", internalError)
}

func (h *JudgehostHandler) list(c *fiber.Ctx) error {
	judgehosts, err := h.service.ListJudgehosts(requestContext(c))
	if err != nil {
		return h.handleError(c, err)
	}

	return utils.SendSuccess(c, "judgehosts retrieved", judgehosts)
}

func (h *JudgehostHandler) setEnabled(c *fiber.Ctx) error {
	id, err := parseUintParam(c, "id")
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, err.Error())
	}

	var payload dto.UpdateJudgehostRequest
	if err := c.BodyParser(&payload); err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid payload")
	}

	judgehost, err := h.service.SetJudgehostEnabled(requestContext(c), id, payload)
	if err != nil {
		return h.handleError(c, err)
	}

	return utils.SendSuccess(c, "judgehost updated", judgehost)
}

func (h *JudgehostHandler) taskState(c *fiber.Ctx) error {
	id, err := parseUintParam(c, "id")
	if err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, err.Error())
	}

	state, err := h.service.TaskState(requestContext(c), id)
	if err != nil {
		return h.handleError(c, err)
	}

	return utils.SendSuccess(c, "judge task state", fiber.Map{"judgetaskid": id, "state": state})
}

func (h *JudgehostHandler) handleError(c *fiber.Ctx, err error) error {
	if validationErrors, ok := validationError(err); ok {
		return utils.SendError(c, fiber.StatusBadRequest, validationErrors.Error())
	}

	switch {
	case errors.Is(err, service.ErrJudgehostNotFound):
		return utils.SendError(c, fiber.StatusNotFound, "judgehost not found")
	case errors.Is(err, service.ErrJudgeTaskNotFound):
		return utils.SendError(c, fiber.StatusNotFound, "judge task not found")
	case errors.Is(err, service.ErrJudgingNotFound):
		return utils.SendError(c, fiber.StatusNotFound, "judging not found")
	case errors.Is(err, service.ErrTaskNotClaimed):
		return utils.SendError(c, fiber.StatusConflict, err.Error())
	case errors.Is(err, service.ErrUnknownResult):
		return utils.SendError(c, fiber.StatusBadRequest, err.Error())
	default:
		requestLogger(h.logger, c).Error().Err(err).Msg("judgehost request failed")
		return utils.SendError(c, fiber.StatusInternalServerError, "internal server error")
	}
}
